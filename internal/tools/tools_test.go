package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchyard/internal/apperr"
	"switchyard/internal/authctx"
	"switchyard/internal/config"
	"switchyard/internal/dispatch"
	"switchyard/internal/domain"
	"switchyard/internal/engine"
)

func newDispatcher(t *testing.T, program string, caps ...string) (Dispatcher, *engine.Engine) {
	t.Helper()
	e, err := engine.New(context.Background(), engine.Options{
		Workspace: t.TempDir(),
		Config:    config.Default(),
		Log:       zerolog.Nop(),
		Inline:    true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return Dispatcher{Engine: e, Caller: e.Caller("acme", program, program+"-s1", caps)}, e
}

func TestCatalogCoversEveryName(t *testing.T) {
	names := []Name{
		CreateTask, ListTasks, GetTask, ClaimTask, CompleteTask, CreateDream, KillDream,
		SendMessage, GetMessages, GetDeadLetters, GetSent, GetHistory,
		CreateSprint, UpdateSprintStory, AddStoryToSprint, CompleteSprint, GetSprint,
		RegisterProgram, ListPrograms, SetGroup, SweepDeadLetters, SweepExpiredTasks,
	}
	assert.Len(t, All(), len(names))
	for _, n := range names {
		tool, err := Lookup(string(n))
		require.NoError(t, err, n)
		assert.NotEmpty(t, tool.Definition.Description, n)
	}
}

func TestLookupUnknownTool(t *testing.T) {
	_, err := Lookup("drop_tables")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestCallRoundTrip(t *testing.T) {
	planner, e := newDispatcher(t, "planner")
	builder := Dispatcher{Engine: e, Caller: e.Caller("acme", "builder", "b1", nil)}
	ctx := context.Background()

	require.True(t, planner.Call(ctx, string(RegisterProgram), map[string]any{}).Success)
	reg := builder.Call(ctx, string(RegisterProgram), map[string]any{"capabilities": []any{"go"}})
	require.True(t, reg.Success, reg.Error)

	created := planner.Call(ctx, string(CreateTask), map[string]any{"title": "Build", "target": "cap:go"})
	require.True(t, created.Success, created.Error)
	taskID := created.Data.(map[string]any)["taskId"].(string)
	assert.Equal(t, "builder", created.Data.(map[string]any)["target"])

	claimed := builder.Call(ctx, string(ClaimTask), map[string]any{"taskId": taskID})
	require.True(t, claimed.Success, claimed.Error)

	again := builder.Call(ctx, string(ClaimTask), map[string]any{"taskId": taskID})
	require.True(t, again.Success, again.Error)
	assert.True(t, again.Data.(dispatch.ClaimResult).AlreadyClaimed)

	other := Dispatcher{Engine: e, Caller: e.Caller("acme", "builder", "b2", nil)}
	taken := other.Call(ctx, string(ClaimTask), map[string]any{"taskId": taskID})
	assert.False(t, taken.Success)
	assert.Equal(t, apperr.KindPreconditionFailed, taken.Code)

	done := builder.Call(ctx, string(CompleteTask), map[string]any{"taskId": taskID, "outcome": "SUCCESS", "tokens": 120})
	require.True(t, done.Success, done.Error)
}

func TestCallReportsFailureEnvelope(t *testing.T) {
	d, _ := newDispatcher(t, "planner")
	res := d.Call(context.Background(), string(SendMessage), map[string]any{"message": "hi", "target": "nobody", "messageType": "PING"})
	assert.False(t, res.Success)
	require.NotEmpty(t, res.Error)
	assert.Equal(t, apperr.KindAccessDenied, res.Code)

	bad := d.Call(context.Background(), string(CreateTask), map[string]any{"title": 12})
	assert.Equal(t, apperr.KindValidation, bad.Code)

	missing := d.Call(context.Background(), "nope", nil)
	assert.Equal(t, apperr.KindValidation, missing.Code)
}

func TestSweepToolsNeedPrivilege(t *testing.T) {
	d, e := newDispatcher(t, "planner")
	res := d.Call(context.Background(), string(SweepDeadLetters), nil)
	assert.Equal(t, apperr.KindAccessDenied, res.Code)

	admin := Dispatcher{Engine: e, Caller: e.Caller("acme", "ops", "o1", e.Config.Auth.PrivilegedCapabilities)}
	res = admin.Call(context.Background(), string(SweepExpiredTasks), nil)
	assert.True(t, res.Success, res.Error)
}

func TestCallKeepsContextCaller(t *testing.T) {
	d, e := newDispatcher(t, "planner")
	ctx := authctx.With(context.Background(), e.Caller("acme", "builder", "b1", nil))
	res := d.Call(ctx, string(RegisterProgram), map[string]any{})
	require.True(t, res.Success, res.Error)
	progs := d.Call(context.Background(), string(ListPrograms), nil)
	data, err := json.Marshal(progs.Data)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"builder"`)
	assert.NotContains(t, string(data), `"planner"`)
}

func TestServeWrapsResult(t *testing.T) {
	d, _ := newDispatcher(t, "planner")
	req := mcp.CallToolRequest{}
	req.Params.Name = string(ListPrograms)
	out, err := d.serve(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, out.IsError)

	req.Params.Name = "unknown"
	out, err = d.serve(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, out.IsError)
}

func TestGetMessagesSessionOverride(t *testing.T) {
	planner, e := newDispatcher(t, "planner")
	ctx := context.Background()
	builder := Dispatcher{Engine: e, Caller: e.Caller("acme", "builder", "", nil)}
	require.True(t, planner.Call(ctx, string(RegisterProgram), map[string]any{}).Success)
	require.True(t, builder.Call(ctx, string(RegisterProgram), map[string]any{}).Success)

	sent := planner.Call(ctx, string(SendMessage), map[string]any{"message": "ready", "target": "builder", "messageType": "STATUS"})
	require.True(t, sent.Success, sent.Error)

	bare := builder.Call(ctx, string(GetMessages), map[string]any{})
	assert.Equal(t, apperr.KindValidation, bare.Code)

	got := builder.Call(ctx, string(GetMessages), map[string]any{"sessionId": "b-worker"})
	require.True(t, got.Success, got.Error)
	msgs := got.Data.([]domain.RelayMessage)
	require.Len(t, msgs, 1)
	assert.Equal(t, "ready", msgs[0].Payload)
	assert.Equal(t, domain.MessageDelivered, msgs[0].Status)
}
