package engine

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchyard/internal/authctx"
	"switchyard/internal/config"
	"switchyard/internal/dispatch"
	"switchyard/internal/domain"
	"switchyard/internal/events"
	"switchyard/internal/fieldcrypt"
	"switchyard/internal/relay"
	"switchyard/internal/sprint"
	"switchyard/internal/store"
	"switchyard/internal/store/storetest"
)

const testKey = "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY="

func newEngine(t *testing.T, mutate func(*config.Config)) (*Engine, *storetest.Clock) {
	t.Helper()
	cfg := config.Default()
	cfg.Auth.EncryptionKeys = map[string]string{"acme": testKey}
	if mutate != nil {
		mutate(cfg)
	}
	clock := storetest.NewClock()
	e, err := New(context.Background(), Options{
		Workspace: t.TempDir(),
		Config:    cfg,
		Log:       zerolog.Nop(),
		Now:       clock.Now,
		Inline:    true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e, clock
}

func (e *Engine) as(tenant, program, session string, caps ...string) context.Context {
	return authctx.With(context.Background(), e.Caller(tenant, program, session, caps))
}

func register(t *testing.T, e *Engine, tenant string, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := e.Directory.Register(context.Background(), tenant, domain.Program{ID: id})
		require.NoError(t, err)
	}
}

func TestEngineTaskRoundTripEncryptsAtRest(t *testing.T) {
	e, _ := newEngine(t, nil)
	register(t, e, "acme", "planner", "builder")

	item, err := e.Tasks.Create(e.as("acme", "planner", "p1"), dispatch.CreateInput{
		Title: "Deploy", Instructions: "use the blue pool", Envelope: domain.Envelope{Target: "builder"},
	})
	require.NoError(t, err)
	assert.Equal(t, "use the blue pool", item.Instructions)

	var raw domain.WorkItem
	require.NoError(t, e.Store.Tenant("acme").Get(context.Background(), store.WorkItems, item.ID, &raw))
	assert.True(t, fieldcrypt.AESGCM{}.IsEncrypted(raw.Instructions))

	claimed, err := e.Tasks.Claim(e.as("acme", "builder", "s1"), item.ID)
	require.NoError(t, err)
	assert.Equal(t, "use the blue pool", claimed.Item.Instructions)

	done, err := e.Tasks.Complete(e.as("acme", "builder", "s1"), dispatch.CompleteInput{TaskID: item.ID, Outcome: "SUCCESS"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, done.Status)

	evts, err := events.List(context.Background(), e.Store.Tenant("acme"), events.TaskCompleted, 10)
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, item.ID, evts[0].EntityID)
	assert.NotEmpty(t, evts[0].Fields["contentHash"])
}

func TestEngineSweepsEveryTenant(t *testing.T) {
	e, clock := newEngine(t, nil)
	for _, tenant := range []string{"acme", "globex"} {
		register(t, e, tenant, "planner", "builder")
		_, err := e.Tasks.Create(e.as(tenant, "planner", "p1"), dispatch.CreateInput{
			Title: "Short", Envelope: domain.Envelope{Target: "builder", TTLSeconds: intPtr(30)},
		})
		require.NoError(t, err)
		_, err = e.Relay.Send(e.as(tenant, "planner", "p1"), relay.SendInput{
			Message: "ping", MessageType: domain.MessagePing, Envelope: domain.Envelope{Target: "builder", TTLSeconds: intPtr(30)},
		})
		require.NoError(t, err)
	}

	clock.Advance(time.Minute)
	results, err := e.Sweep(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, res := range results {
		assert.Equal(t, 1, res.Tasks.Expired, res.Tenant)
		assert.Equal(t, 1, res.DeadLetters.DeadLettered, res.Tenant)
	}

	again, err := e.Sweep(context.Background())
	require.NoError(t, err)
	for _, res := range again {
		assert.Zero(t, res.Tasks.Expired)
		assert.Zero(t, res.DeadLetters.DeadLettered)
	}
}

func TestEngineUsesRedisForIdempotency(t *testing.T) {
	mr := miniredis.RunT(t)
	e, _ := newEngine(t, func(c *config.Config) { c.Redis.Addr = mr.Addr() })
	register(t, e, "acme", "planner", "builder")

	in := relay.SendInput{
		Message: "once", MessageType: domain.MessageDirective, IdempotencyKey: "k1",
		Envelope: domain.Envelope{Target: "builder"},
	}
	first, err := e.Relay.Send(e.as("acme", "planner", "p1"), in)
	require.NoError(t, err)
	second, err := e.Relay.Send(e.as("acme", "planner", "p1"), in)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.MessageID, second.MessageID)
	assert.True(t, mr.Exists("switchyard:acme:idem:planner:k1"))
}

func TestEngineRejectsUnreachableRedis(t *testing.T) {
	cfg := config.Default()
	cfg.Redis.Addr = "127.0.0.1:1"
	_, err := New(context.Background(), Options{Workspace: t.TempDir(), Config: cfg, Log: zerolog.Nop(), Inline: true})
	assert.Error(t, err)
}

func TestEngineWiresSprintEscalation(t *testing.T) {
	e, _ := newEngine(t, nil)
	register(t, e, "acme", "planner", "builder", "orchestrator")

	res, err := e.Sprints.Create(e.as("acme", "planner", "p1"), sprint.CreateInput{
		ProjectName: "atlas", Branch: "main",
		Stories: []domain.StoryDefinition{{ID: "s1", Title: "Build", Target: "builder", RetryPolicy: domain.RetryEscalate}},
	})
	require.NoError(t, err)
	worker := e.as("acme", "builder", "b1")
	_, err = e.Tasks.Claim(worker, res.StoryIDs[0])
	require.NoError(t, err)
	_, err = e.Tasks.Complete(worker, dispatch.CompleteInput{TaskID: res.StoryIDs[0], Outcome: "ERROR", ErrorCode: "E_BUILD"})
	require.NoError(t, err)

	msgs, err := e.Relay.GetPending(e.as("acme", "orchestrator", "o1"), relay.PendingInput{Peek: true})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.MessageResult, msgs[0].MessageType)

	view, err := e.Sprints.Get(e.as("acme", "planner", "p1"), res.SprintID)
	require.NoError(t, err)
	assert.Equal(t, 1, view.Stats.Failed)
	assert.Contains(t, view.Sprint.Plan.StatusText, "1 failed")
}

func TestNewRejectsBadEncryptionKey(t *testing.T) {
	cfg := config.Default()
	cfg.Auth.EncryptionKeys = map[string]string{"acme": "not-base64!"}
	_, err := New(context.Background(), Options{Workspace: t.TempDir(), Config: cfg, Log: zerolog.Nop(), Inline: true})
	assert.Error(t, err)
}

func intPtr(n int) *int { return &n }
