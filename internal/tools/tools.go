// Package tools exposes every coordination operation as an MCP tool. The
// table is fixed at compile time; an unknown tool name is a validation error.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"switchyard/internal/apperr"
	"switchyard/internal/authctx"
	"switchyard/internal/engine"
)

type Name string

const (
	CreateTask        Name = "create_task"
	ListTasks         Name = "list_tasks"
	GetTask           Name = "get_task"
	ClaimTask         Name = "claim_task"
	CompleteTask      Name = "complete_task"
	CreateDream       Name = "create_dream"
	KillDream         Name = "kill_dream"
	SendMessage       Name = "send_message"
	GetMessages       Name = "get_messages"
	GetDeadLetters    Name = "get_dead_letters"
	GetSent           Name = "get_sent"
	GetHistory        Name = "get_message_history"
	CreateSprint      Name = "create_sprint"
	UpdateSprintStory Name = "update_sprint_story"
	AddStoryToSprint  Name = "add_story_to_sprint"
	CompleteSprint    Name = "complete_sprint"
	GetSprint         Name = "get_sprint"
	RegisterProgram   Name = "register_program"
	ListPrograms      Name = "list_programs"
	SetGroup          Name = "set_group"
	SweepDeadLetters  Name = "sweep_dead_letters"
	SweepExpiredTasks Name = "sweep_expired_tasks"
)

type handler func(ctx context.Context, e *engine.Engine, args map[string]any) (any, error)

// Tool pairs an MCP definition with its handler.
type Tool struct {
	Definition mcp.Tool
	handle     handler
}

func (t Tool) Name() Name { return Name(t.Definition.Name) }

var catalog = func() map[Name]Tool {
	out := map[Name]Tool{}
	for _, t := range definitions() {
		if _, dup := out[t.Name()]; dup {
			panic(fmt.Sprintf("tool %s defined twice", t.Name()))
		}
		out[t.Name()] = t
	}
	return out
}()

// Lookup returns the tool registered under name.
func Lookup(name string) (Tool, error) {
	t, ok := catalog[Name(name)]
	if !ok {
		return Tool{}, apperr.Validation("unknown tool %q", name)
	}
	return t, nil
}

// All lists the tools in definition order.
func All() []Tool {
	return definitions()
}

// Response is the envelope every tool call returns.
type Response struct {
	apperr.Result
	Data any `json:"result,omitempty"`
}

// Dispatcher runs tools against an engine on behalf of a fixed caller,
// used when the transport carries no credentials of its own.
type Dispatcher struct {
	Engine *engine.Engine
	Caller authctx.Caller
}

// Call runs the named tool. Failures are reported in the Response, never as an error.
func (d Dispatcher) Call(ctx context.Context, name string, args map[string]any) Response {
	if _, ok := authctx.From(ctx); !ok {
		ctx = authctx.With(ctx, d.Caller)
	}
	tool, err := Lookup(name)
	if err != nil {
		return Response{Result: apperr.ResultOf(err)}
	}
	data, err := tool.handle(ctx, d.Engine, args)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindUpstream {
			d.Engine.Log.Error().Err(err).Str("tool", name).Msg("tool failed")
		}
		return Response{Result: apperr.ResultOf(err)}
	}
	return Response{Result: apperr.ResultOf(nil), Data: data}
}

func (d Dispatcher) serve(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res := d.Call(ctx, req.Params.Name, req.GetArguments())
	body, err := json.Marshal(res)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return mcp.NewToolResultError(string(body)), nil
	}
	return mcp.NewToolResultText(string(body)), nil
}

// NewServer builds an MCP server with every tool registered.
func NewServer(d Dispatcher, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"switchyard",
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)
	for _, t := range All() {
		s.AddTool(t.Definition, d.serve)
	}
	return s
}

// decode maps loosely typed tool arguments onto a request struct.
func decode[T any](args map[string]any) (T, error) {
	var out T
	data, err := json.Marshal(args)
	if err != nil {
		return out, apperr.Validation("invalid arguments: %v", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, apperr.Validation("invalid arguments: %v", err)
	}
	return out, nil
}
