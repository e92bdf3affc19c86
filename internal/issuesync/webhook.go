// Package issuesync mirrors work item lifecycle changes to an external issue
// tracker by POSTing them to a webhook. Without a URL every call is a no-op.
package issuesync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"switchyard/internal/domain"
	"switchyard/internal/outbound"
)

const defaultTimeout = 5 * time.Second

const (
	ActionCreated   = "created"
	ActionClaimed   = "claimed"
	ActionCompleted = "completed"
)

// Syncer is the collaborator services call. Calls never fail the caller.
type Syncer interface {
	SyncCreated(ctx context.Context, tenantID string, item domain.WorkItem)
	SyncClaimed(ctx context.Context, tenantID string, item domain.WorkItem)
	SyncCompleted(ctx context.Context, tenantID string, item domain.WorkItem)
}

type Webhook struct {
	URL     string
	Secret  string
	Timeout time.Duration
	Client  *http.Client
	Queue   outbound.Enqueuer
	Log     zerolog.Logger
}

type payload struct {
	Action   string          `json:"action"`
	TenantID string          `json:"tenantId"`
	Item     domain.WorkItem `json:"item"`
}

func (w Webhook) SyncCreated(ctx context.Context, tenantID string, item domain.WorkItem) {
	w.send(ctx, ActionCreated, tenantID, item)
}

func (w Webhook) SyncClaimed(ctx context.Context, tenantID string, item domain.WorkItem) {
	w.send(ctx, ActionClaimed, tenantID, item)
}

func (w Webhook) SyncCompleted(ctx context.Context, tenantID string, item domain.WorkItem) {
	w.send(ctx, ActionCompleted, tenantID, item)
}

func (w Webhook) send(_ context.Context, action, tenantID string, item domain.WorkItem) {
	if strings.TrimSpace(w.URL) == "" || w.Queue == nil {
		return
	}
	w.Queue.Enqueue("issuesync:"+action, func(ctx context.Context) error {
		if err := w.post(ctx, payload{Action: action, TenantID: tenantID, Item: item}); err != nil {
			return fmt.Errorf("sync %s %s to %s: %w", action, item.ID, w.URL, err)
		}
		return nil
	})
}

func (w Webhook) post(ctx context.Context, body payload) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	timeout := w.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Switchyard-Event", "item."+body.Action)
	req.Header.Set("X-Switchyard-Delivery", body.Item.ID)
	req.Header.Set("X-Switchyard-Tenant", body.TenantID)
	if strings.TrimSpace(w.Secret) != "" {
		req.Header.Set("X-Switchyard-Secret", w.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	w.Log.Debug().Str("action", body.Action).Str("item", body.Item.ID).Msg("issue sync delivered")
	return nil
}

// Noop ignores every call.
type Noop struct{}

func (Noop) SyncCreated(context.Context, string, domain.WorkItem)   {}
func (Noop) SyncClaimed(context.Context, string, domain.WorkItem)   {}
func (Noop) SyncCompleted(context.Context, string, domain.WorkItem) {}
