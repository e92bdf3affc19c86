// Package events is the telemetry sink. Events are written to the tenant's
// events collection through the outbound queue and counted in metrics.
package events

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"switchyard/internal/domain"
	"switchyard/internal/observability"
	"switchyard/internal/outbound"
	"switchyard/internal/store"
)

// Event types.
const (
	TaskCreated    = "task.created"
	TaskClaimed    = "task.claimed"
	TaskCompleted  = "task.completed"
	TaskExpired    = "task.expired"
	TelemetryGap   = "telemetry.gap"
	DreamKilled    = "dream.killed"
	BudgetExceeded = "dream.budget_exceeded"
	MessageSent    = "relay.sent"
	DeadLettered   = "relay.dead_lettered"
	PayloadShape   = "relay.payload_shape_mismatch"
	StoryRetry     = "sprint.story_retry"
	RetryExhausted = "sprint.retry_exhausted"
	SprintCreated  = "sprint.created"
	SprintComplete = "sprint.completed"
)

type Fields map[string]any

// Sink is what services emit telemetry through. Emit never fails the caller.
type Sink interface {
	Emit(ctx context.Context, tenantID, evtType string, fields Fields)
}

type Writer struct {
	Store   store.SQLite
	Queue   outbound.Enqueuer
	Metrics *observability.Metrics
	Log     zerolog.Logger
	Now     func() time.Time
}

func (w Writer) Emit(_ context.Context, tenantID, evtType string, fields Fields) {
	if w.Now == nil {
		w.Now = time.Now
	}
	if w.Metrics != nil {
		w.Metrics.Events.WithLabelValues(evtType).Inc()
	}
	evt := domain.Event{
		ID:        uuid.NewString(),
		TS:        domain.FormatTime(w.Now()),
		Type:      evtType,
		TenantID:  tenantID,
		EntityID:  stringField(fields, "entityId"),
		ProgramID: stringField(fields, "programId"),
		Fields:    fields,
	}
	w.Queue.Enqueue("telemetry:"+evtType, func(ctx context.Context) error {
		return w.Store.Tenant(tenantID).Set(ctx, store.Events, evt.ID, evt, false)
	})
}

// Gap records which optional provenance fields a completion left empty.
// Nothing is emitted when none are missing.
func Gap(ctx context.Context, sink Sink, log zerolog.Logger, tenantID, entityID string, provided map[string]string) {
	var missing []string
	for name, v := range provided {
		if v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return
	}
	sort.Strings(missing)
	log.Warn().Str("tenant", tenantID).Str("entity", entityID).Strs("missing", missing).Msg("telemetry gap")
	sink.Emit(ctx, tenantID, TelemetryGap, Fields{"entityId": entityID, "missing": missing})
}

func stringField(f Fields, key string) string {
	if s, ok := f[key].(string); ok {
		return s
	}
	return ""
}

// List returns the tenant's events of one type, newest first. An empty type lists all.
func List(ctx context.Context, r store.Reader, evtType string, limit int) ([]domain.Event, error) {
	q := store.Query{Collection: store.Events, OrderBy: []store.Order{{Field: "ts", Desc: true}}, Limit: limit}
	if evtType != "" {
		q.Filters = append(q.Filters, store.Eq("type", evtType))
	}
	return store.QueryAs[domain.Event](ctx, r, q)
}

// Recorder keeps emitted events in memory; for tests of the services.
type Recorder struct {
	mu     sync.Mutex
	Events []domain.Event
}

func (r *Recorder) Emit(_ context.Context, tenantID, evtType string, fields Fields) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, domain.Event{Type: evtType, TenantID: tenantID, Fields: fields})
}

func (r *Recorder) Count(evtType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.Events {
		if e.Type == evtType {
			n++
		}
	}
	return n
}
