package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchyard/internal/apperr"
	"switchyard/internal/authctx"
	"switchyard/internal/directory"
	"switchyard/internal/dispatch"
	"switchyard/internal/domain"
	"switchyard/internal/events"
	"switchyard/internal/idempotency"
	"switchyard/internal/issuesync"
	"switchyard/internal/observability"
	"switchyard/internal/store"
	"switchyard/internal/store/storetest"
)

const tenant = "acme"

type fixture struct {
	svc    *Service
	tasks  *dispatch.Service
	db     store.SQLite
	clock  *storetest.Clock
	events *events.Recorder
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	clock := storetest.NewClock()
	db := storetest.Open(t, clock.Now)
	dir := directory.Directory{Stores: db, Log: zerolog.Nop(), Now: clock.Now}
	rec := &events.Recorder{}
	metrics := observability.NewMetrics()
	tasks := &dispatch.Service{
		Stores:    db,
		Directory: dir,
		Policy:    authctx.DefaultPolicy(),
		Sync:      issuesync.Noop{},
		Events:    rec,
		Metrics:   metrics,
		Log:       zerolog.Nop(),
		Now:       clock.Now,
	}
	svc := &Service{
		Stores:      db,
		Directory:   dir,
		Policy:      authctx.DefaultPolicy(),
		Tasks:       tasks,
		Idempotency: idempotency.Store{Stores: db, Now: clock.Now},
		Events:      rec,
		Metrics:     metrics,
		Log:         zerolog.Nop(),
		Now:         clock.Now,
	}
	ctx := context.Background()
	for _, id := range []string{"planner", "alpha", "beta", "gamma"} {
		_, err := dir.Register(ctx, tenant, domain.Program{ID: id})
		require.NoError(t, err)
	}
	_, err := dir.SetGroup(ctx, tenant, "crew", []string{"alpha", "beta", "gamma"})
	require.NoError(t, err)
	return fixture{svc: svc, tasks: tasks, db: db, clock: clock, events: rec}
}

func as(program, session string, caps ...string) context.Context {
	return authctx.With(context.Background(), authctx.Caller{
		TenantID: tenant, ProgramID: program, SessionID: session, Capabilities: caps,
	})
}

func intPtr(n int) *int { return &n }

func status(message string, target string) SendInput {
	return SendInput{
		Message:     message,
		MessageType: domain.MessageTypeStatus,
		Envelope:    domain.Envelope{Target: target},
	}
}

func TestGroupSendFansOut(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.Send(as("planner", "p1"), status("build is green", "crew"))
	require.NoError(t, err)
	require.Len(t, res.MessageIDs, 3)
	assert.NotEmpty(t, res.MulticastID)
	assert.Empty(t, res.MessageID)
	assert.ElementsMatch(t, []string{"alpha", "beta", "gamma"}, res.Targets)
	require.NotEmpty(t, res.SummaryTaskID)

	msgs, err := store.QueryAs[domain.RelayMessage](context.Background(), f.db.Tenant(tenant), store.Query{
		Collection: store.Messages,
		Filters:    []store.Filter{store.Eq("multicastId", res.MulticastID)},
	})
	require.NoError(t, err)
	assert.Len(t, msgs, 3)

	task, err := f.tasks.Get(as("planner", "p1"), res.SummaryTaskID)
	require.NoError(t, err)
	assert.Equal(t, "crew", task.Target)
	assert.Equal(t, res.MulticastID, task.MulticastID)
	assert.Equal(t, domain.StatusCreated, task.Status)

	for _, member := range []string{"alpha", "beta", "gamma"} {
		got, err := f.svc.GetPending(as(member, "s-"+member), PendingInput{})
		require.NoError(t, err)
		require.Len(t, got, 1, member)
		assert.Equal(t, member, got[0].Target)
		assert.Equal(t, domain.MessageDelivered, got[0].Status)
	}
	assert.Equal(t, 1, f.events.Count(events.MessageSent))
}

func TestSingleTargetSendHasNoMulticast(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.Send(as("planner", "p1"), status("hi", "alpha"))
	require.NoError(t, err)
	assert.NotEmpty(t, res.MessageID)
	assert.Empty(t, res.MulticastID)
	assert.Empty(t, res.SummaryTaskID)
}

func TestSendValidation(t *testing.T) {
	f := newFixture(t)
	ctx := as("planner", "p1")

	_, err := f.svc.Send(ctx, SendInput{MessageType: domain.MessagePing, Envelope: domain.Envelope{Target: "alpha"}})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = f.svc.Send(ctx, SendInput{Message: "x", MessageType: "SHOUT", Envelope: domain.Envelope{Target: "alpha"}})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = f.svc.Send(ctx, status("x", "nobody"))
	assert.True(t, apperr.Is(err, apperr.KindAccessDenied))

	in := status("x", "alpha")
	in.Source = "beta"
	_, err = f.svc.Send(ctx, in)
	assert.True(t, apperr.Is(err, apperr.KindAccessDenied))

	in = status("x", "nobody")
	in.Fallback = []string{"ghost", "beta"}
	res, err := f.svc.Send(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, []string{"beta"}, res.Targets)
}

func TestIdempotentSendReplays(t *testing.T) {
	f := newFixture(t)
	in := status("deploy finished", "crew")
	in.IdempotencyKey = "deploy-42"

	first, err := f.svc.Send(as("planner", "p1"), in)
	require.NoError(t, err)
	second, err := f.svc.Send(as("planner", "p1"), in)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.MulticastID, second.MulticastID)
	assert.Equal(t, first.MessageIDs, second.MessageIDs)

	msgs, err := store.QueryAs[domain.RelayMessage](context.Background(), f.db.Tenant(tenant), store.Query{Collection: store.Messages})
	require.NoError(t, err)
	assert.Len(t, msgs, 3)

	// The key is scoped to the sender.
	_, err = f.svc.Send(as("alpha", "a1"), SendInput{
		Message: "mine", MessageType: domain.MessageAck, IdempotencyKey: "deploy-42",
		Envelope: domain.Envelope{Target: "planner"},
	})
	require.NoError(t, err)
}

func TestPendingOrderingPeekAndClaim(t *testing.T) {
	f := newFixture(t)
	ctx := as("planner", "p1")
	send := func(msg string, p domain.Priority) {
		in := status(msg, "alpha")
		in.Priority = p
		_, err := f.svc.Send(ctx, in)
		require.NoError(t, err)
		f.clock.Advance(time.Second)
	}
	send("low-1", domain.PriorityLow)
	send("normal-1", domain.PriorityNormal)
	send("high-1", domain.PriorityHigh)
	send("normal-2", domain.PriorityNormal)
	_, err := f.svc.Send(ctx, status("to everyone", domain.BroadcastTarget))
	require.NoError(t, err)

	_, err = f.svc.GetPending(as("alpha", ""), PendingInput{})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	peeked, err := f.svc.GetPending(as("alpha", "a1"), PendingInput{Peek: true})
	require.NoError(t, err)
	var order []string
	for _, m := range peeked {
		order = append(order, m.Payload)
		assert.Equal(t, domain.MessagePending, m.Status)
	}
	assert.Equal(t, []string{"high-1", "to everyone", "normal-2", "normal-1", "low-1"}, order)

	claimed, err := f.svc.GetPending(as("alpha", "a1"), PendingInput{})
	require.NoError(t, err)
	require.Len(t, claimed, 5)
	for _, m := range claimed {
		assert.Equal(t, "alpha", m.DeliveredTo)
		assert.Equal(t, 1, m.DeliveryAttempts)
	}

	again, err := f.svc.GetPending(as("alpha", "a1"), PendingInput{})
	require.NoError(t, err)
	assert.Empty(t, again)

	// The broadcast was consumed by the first claimer.
	beta, err := f.svc.GetPending(as("beta", "b1"), PendingInput{Peek: true})
	require.NoError(t, err)
	assert.Empty(t, beta)
}

func TestSameInstantSendsPeekNewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := as("planner", "p1")
	for _, msg := range []string{"older", "newer"} {
		_, err := f.svc.Send(ctx, status(msg, "alpha"))
		require.NoError(t, err)
	}

	peeked, err := f.svc.GetPending(as("alpha", "a1"), PendingInput{Peek: true})
	require.NoError(t, err)
	require.Len(t, peeked, 2)
	assert.Equal(t, peeked[0].CreatedAt, peeked[1].CreatedAt)
	assert.Equal(t, "newer", peeked[0].Payload)
	assert.Equal(t, "older", peeked[1].Payload)
}

func TestPendingReadAccess(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Send(as("planner", "p1"), status("secret", "alpha"))
	require.NoError(t, err)

	_, err = f.svc.GetPending(as("beta", "b1"), PendingInput{Target: "alpha"})
	assert.True(t, apperr.Is(err, apperr.KindAccessDenied))

	got, err := f.svc.GetPending(as("ops", "o1", "admin"), PendingInput{Target: "alpha", Peek: true})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestConcurrentClaimDeliversOnce(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Send(as("planner", "p1"), status("first come", domain.BroadcastTarget))
	require.NoError(t, err)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for _, member := range []string{"alpha", "beta", "gamma", "planner"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			got, err := f.svc.GetPending(as(id, "s-"+id), PendingInput{})
			assert.NoError(t, err)
			mu.Lock()
			total += len(got)
			mu.Unlock()
		}(member)
	}
	wg.Wait()
	assert.Equal(t, 1, total)
}

func TestExpiredMessagesAreHiddenAndDeadLettered(t *testing.T) {
	f := newFixture(t)
	ctx := as("planner", "p1")
	short := status("short lived", "alpha")
	short.TTLSeconds = intPtr(60)
	_, err := f.svc.Send(ctx, short)
	require.NoError(t, err)
	_, err = f.svc.Send(ctx, status("long lived", "alpha"))
	require.NoError(t, err)

	f.clock.Advance(2 * time.Minute)
	pending, err := f.svc.GetPending(as("alpha", "a1"), PendingInput{Peek: true})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "long lived", pending[0].Payload)

	res, err := f.svc.SweepDeadLetters(context.Background(), tenant)
	require.NoError(t, err)
	assert.Equal(t, DeadLetterSweepResult{Scanned: 1, DeadLettered: 1, ExpiredTTL: 1}, res)

	res, err = f.svc.SweepDeadLetters(context.Background(), tenant)
	require.NoError(t, err)
	assert.Equal(t, DeadLetterSweepResult{}, res)
	assert.Equal(t, 1, f.events.Count(events.DeadLettered))

	_, err = f.svc.GetDeadLetters(as("alpha", "a1"), "", 0)
	assert.True(t, apperr.Is(err, apperr.KindAccessDenied))

	dead, err := f.svc.GetDeadLetters(as("ops", "o1", "admin"), "alpha", 0)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, domain.DeadLetterExpiredTTL, dead[0].DeadLetterReason)
	assert.NotEmpty(t, dead[0].DeadLetteredAt)
	assert.Empty(t, dead[0].DeliveredAt)
}

func TestDeliveredMessagesAreNeverDeadLettered(t *testing.T) {
	f := newFixture(t)
	in := status("read me", "alpha")
	in.TTLSeconds = intPtr(60)
	_, err := f.svc.Send(as("planner", "p1"), in)
	require.NoError(t, err)
	_, err = f.svc.GetPending(as("alpha", "a1"), PendingInput{})
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	res, err := f.svc.SweepDeadLetters(context.Background(), tenant)
	require.NoError(t, err)
	assert.Zero(t, res.DeadLettered)
}

func TestDeadLetterReason(t *testing.T) {
	assert.Equal(t, domain.DeadLetterExpiredTTL, DeadLetterReason(domain.RelayMessage{MaxDeliveryAttempts: 3, DeliveryAttempts: 1}))
	assert.Equal(t, domain.DeadLetterMaxAttempts, DeadLetterReason(domain.RelayMessage{MaxDeliveryAttempts: 3, DeliveryAttempts: 3}))
}

func TestPayloadShapeMismatchWarnsButSends(t *testing.T) {
	f := newFixture(t)
	in := status("progress", "alpha")
	in.StructuredPayload = map[string]any{"percent": 40}
	res, err := f.svc.Send(as("planner", "p1"), in)
	require.NoError(t, err)
	assert.NotEmpty(t, res.MessageID)
	assert.Equal(t, 1, f.events.Count(events.PayloadShape))

	in.StructuredPayload = map[string]any{"state": "running"}
	_, err = f.svc.Send(as("planner", "p1"), in)
	require.NoError(t, err)
	assert.Equal(t, 1, f.events.Count(events.PayloadShape))
}

func TestAlertReachesUnregisteredTarget(t *testing.T) {
	f := newFixture(t)
	err := f.svc.Alert(context.Background(), tenant, dispatch.Alert{
		Target:  "finance-bot",
		Text:    "budget exceeded",
		Payload: map[string]any{"state": "budget_exceeded"},
	})
	require.NoError(t, err)

	got, err := f.svc.GetPending(as("finance-bot", "f1"), PendingInput{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, domain.PriorityHigh, got[0].Priority)
	assert.Equal(t, domain.ActionInterrupt, got[0].Action)
	assert.Equal(t, "switchyard", got[0].Source)
	assert.Equal(t, f.clock.Now().Add(time.Hour).UTC().Format(domain.TimeLayout), got[0].ExpiresAt)
}

func TestSentAndHistory(t *testing.T) {
	f := newFixture(t)
	thread := status("q1", "alpha")
	thread.ThreadID = "th-1"
	_, err := f.svc.Send(as("planner", "p1"), thread)
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	reply := SendInput{Message: "a1", MessageType: domain.MessageResult, Envelope: domain.Envelope{Target: "planner", ThreadID: "th-1"}}
	_, err = f.svc.Send(as("alpha", "a1"), reply)
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	_, err = f.svc.Send(as("planner", "p1"), status("unrelated", "beta"))
	require.NoError(t, err)

	sent, err := f.svc.GetSent(as("planner", "p1"), HistoryFilter{})
	require.NoError(t, err)
	require.Len(t, sent, 2)
	assert.Equal(t, "unrelated", sent[0].Payload)

	_, err = f.svc.GetSent(as("alpha", "a1"), HistoryFilter{Source: "planner"})
	assert.True(t, apperr.Is(err, apperr.KindAccessDenied))

	_, err = f.svc.History(as("alpha", "a1"), HistoryFilter{})
	assert.True(t, apperr.Is(err, apperr.KindAccessDenied))

	conv, err := f.svc.History(as("ops", "o1", "admin"), HistoryFilter{ThreadID: "th-1"})
	require.NoError(t, err)
	require.Len(t, conv, 2)
	assert.Equal(t, "q1", conv[0].Payload)
	assert.Equal(t, "a1", conv[1].Payload)

	_, err = f.svc.History(as("ops", "o1", "admin"), HistoryFilter{Status: "lost"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}
