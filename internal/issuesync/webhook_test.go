package issuesync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchyard/internal/domain"
	"switchyard/internal/outbound"
)

func TestWebhookPostsItem(t *testing.T) {
	var (
		mu      sync.Mutex
		got     []payload
		headers []http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p payload
		_ = json.NewDecoder(r.Body).Decode(&p)
		mu.Lock()
		got = append(got, p)
		headers = append(headers, r.Header.Clone())
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	hook := Webhook{URL: srv.URL, Secret: "s3cret", Queue: outbound.Inline{Log: zerolog.Nop()}, Log: zerolog.Nop()}
	item := domain.WorkItem{ID: "t1", Title: "Deploy", Status: domain.StatusCreated}
	hook.SyncCreated(context.Background(), "acme", item)
	hook.SyncCompleted(context.Background(), "acme", item)

	require.Len(t, got, 2)
	assert.Equal(t, ActionCreated, got[0].Action)
	assert.Equal(t, "Deploy", got[0].Item.Title)
	assert.Equal(t, "acme", got[0].TenantID)
	assert.Equal(t, "item.completed", headers[1].Get("X-Switchyard-Event"))
	assert.Equal(t, "s3cret", headers[0].Get("X-Switchyard-Secret"))
}

func TestWebhookFailureIsSwallowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()
	hook := Webhook{URL: srv.URL, Queue: outbound.Inline{Log: zerolog.Nop()}, Log: zerolog.Nop()}
	assert.NotPanics(t, func() { hook.SyncClaimed(context.Background(), "acme", domain.WorkItem{ID: "t1"}) })

	err := hook.post(context.Background(), payload{Action: ActionClaimed, Item: domain.WorkItem{ID: "t1"}})
	assert.ErrorContains(t, err, "status 502")
}

func TestWebhookWithoutURLIsNoop(t *testing.T) {
	ran := false
	hook := Webhook{Queue: enqueueFunc(func() { ran = true })}
	hook.SyncCreated(context.Background(), "acme", domain.WorkItem{ID: "t1"})
	assert.False(t, ran)
}

type enqueueFunc func()

func (f enqueueFunc) Enqueue(string, outbound.Job) { f() }
