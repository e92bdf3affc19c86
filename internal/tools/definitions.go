package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"switchyard/internal/authctx"
	"switchyard/internal/dispatch"
	"switchyard/internal/domain"
	"switchyard/internal/engine"
	"switchyard/internal/relay"
	"switchyard/internal/sprint"
)

func envelopeOptions() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithString("source", mcp.Description("Sending program; defaults to the caller")),
		mcp.WithString("priority", mcp.Enum("low", "normal", "high")),
		mcp.WithString("action", mcp.Enum("interrupt", "sprint", "parallel", "queue", "backlog")),
		mcp.WithNumber("ttlSeconds", mcp.Description("Lifetime in seconds")),
		mcp.WithString("replyTo"),
		mcp.WithString("threadId"),
		mcp.WithArray("fallback", mcp.Description("Targets tried in order when target does not resolve"), mcp.Items(map[string]any{"type": "string"})),
	}
}

func define(name Name, description string, h handler, opts ...mcp.ToolOption) Tool {
	opts = append([]mcp.ToolOption{mcp.WithDescription(description)}, opts...)
	return Tool{Definition: mcp.NewTool(string(name), opts...), handle: h}
}

func withEnvelope(opts ...mcp.ToolOption) []mcp.ToolOption {
	return append(opts, envelopeOptions()...)
}

type createTaskArgs struct {
	Title        string      `json:"title"`
	Instructions string      `json:"instructions"`
	Kind         domain.Kind `json:"kind"`
	DreamID      string      `json:"dreamId"`
	domain.Envelope
}

type listTasksArgs struct {
	Status         domain.Status `json:"status"`
	Kind           domain.Kind   `json:"kind"`
	Target         string        `json:"target"`
	Limit          int           `json:"limit"`
	IncludeExpired bool          `json:"includeExpired"`
}

type idArgs struct {
	TaskID   string `json:"taskId"`
	DreamID  string `json:"dreamId"`
	SprintID string `json:"sprintId"`
	Reason   string `json:"reason"`
	Summary  string `json:"summary"`
}

type completeArgs struct {
	TaskID     string  `json:"taskId"`
	Outcome    string  `json:"outcome"`
	Tokens     int     `json:"tokens"`
	CostUSD    float64 `json:"costUsd"`
	Model      string  `json:"model"`
	Provider   string  `json:"provider"`
	ErrorCode  string  `json:"errorCode"`
	ErrorClass string  `json:"errorClass"`
	Result     string  `json:"result"`
}

type dreamArgs struct {
	Title        string  `json:"title"`
	Instructions string  `json:"instructions"`
	Agent        string  `json:"agent"`
	BudgetCapUSD float64 `json:"budgetCapUsd"`
	TimeoutHours float64 `json:"timeoutHours"`
	domain.Envelope
}

type sendArgs struct {
	Message           string             `json:"message"`
	MessageType       domain.MessageType `json:"messageType"`
	StructuredPayload map[string]any     `json:"structuredPayload"`
	IdempotencyKey    string             `json:"idempotencyKey"`
	domain.Envelope
}

type pendingArgs struct {
	Target    string `json:"target"`
	Peek      bool   `json:"peek"`
	Limit     int    `json:"limit"`
	SessionID string `json:"sessionId"`
}

type historyArgs struct {
	ThreadID    string               `json:"threadId"`
	Source      string               `json:"source"`
	Target      string               `json:"target"`
	MessageType domain.MessageType   `json:"messageType"`
	Status      domain.MessageStatus `json:"status"`
	Since       string               `json:"since"`
	Until       string               `json:"until"`
	Limit       int                  `json:"limit"`
}

func (a historyArgs) filter() relay.HistoryFilter {
	return relay.HistoryFilter{
		ThreadID: a.ThreadID, Source: a.Source, Target: a.Target, MessageType: a.MessageType,
		Status: a.Status, Since: a.Since, Until: a.Until, Limit: a.Limit,
	}
}

type createSprintArgs struct {
	ProjectName string                   `json:"projectName"`
	Branch      string                   `json:"branch"`
	Title       string                   `json:"title"`
	DreamID     string                   `json:"dreamId"`
	Stories     []domain.StoryDefinition `json:"stories"`
	domain.Envelope
}

type updateStoryArgs struct {
	SprintID      string        `json:"sprintId"`
	StoryID       string        `json:"storyId"`
	Status        domain.Status `json:"status"`
	Progress      *float64      `json:"progress"`
	CurrentAction string        `json:"currentAction"`
	Error         string        `json:"error"`
}

type addStoryArgs struct {
	SprintID      string                 `json:"sprintId"`
	Story         domain.StoryDefinition `json:"story"`
	InsertionMode sprint.InsertionMode   `json:"insertionMode"`
}

type programArgs struct {
	ProgramID    string   `json:"programId"`
	DisplayName  string   `json:"displayName"`
	Capabilities []string `json:"capabilities"`
}

type groupArgs struct {
	GroupID string   `json:"groupId"`
	Members []string `json:"members"`
}

type targetArgs struct {
	Target string `json:"target"`
	Limit  int    `json:"limit"`
}

func definitions() []Tool {
	return []Tool{
		define(CreateTask, "Create a task or question addressed to a program, group, capability or all.",
			func(ctx context.Context, e *engine.Engine, raw map[string]any) (any, error) {
				a, err := decode[createTaskArgs](raw)
				if err != nil {
					return nil, err
				}
				item, err := e.Tasks.Create(ctx, dispatch.CreateInput{
					Kind: a.Kind, Title: a.Title, Instructions: a.Instructions, DreamID: a.DreamID, Envelope: a.Envelope,
				})
				if err != nil {
					return nil, err
				}
				return map[string]any{"taskId": item.ID, "target": item.Target}, nil
			},
			withEnvelope(
				mcp.WithString("title", mcp.Required()),
				mcp.WithString("target", mcp.Required(), mcp.Description("Program id, group id, cap:<name> or all")),
				mcp.WithString("instructions"),
				mcp.WithString("kind", mcp.Enum("task", "question")),
				mcp.WithString("dreamId"),
			)...),
		define(ListTasks, "List work items visible to the caller.",
			func(ctx context.Context, e *engine.Engine, raw map[string]any) (any, error) {
				a, err := decode[listTasksArgs](raw)
				if err != nil {
					return nil, err
				}
				return e.Tasks.List(ctx, dispatch.ListFilter{
					Status: a.Status, Kind: a.Kind, Target: a.Target, Limit: a.Limit, IncludeExpired: a.IncludeExpired,
				})
			},
			mcp.WithString("status"), mcp.WithString("kind"), mcp.WithString("target"),
			mcp.WithNumber("limit"), mcp.WithBoolean("includeExpired")),
		define(GetTask, "Read one work item.",
			func(ctx context.Context, e *engine.Engine, raw map[string]any) (any, error) {
				a, err := decode[idArgs](raw)
				if err != nil {
					return nil, err
				}
				return e.Tasks.Get(ctx, a.TaskID)
			},
			mcp.WithString("taskId", mcp.Required())),
		define(ClaimTask, "Claim a created work item for the caller's session.",
			func(ctx context.Context, e *engine.Engine, raw map[string]any) (any, error) {
				a, err := decode[idArgs](raw)
				if err != nil {
					return nil, err
				}
				return e.Tasks.Claim(ctx, a.TaskID)
			},
			mcp.WithString("taskId", mcp.Required())),
		define(CompleteTask, "Finish an active work item with an outcome code.",
			func(ctx context.Context, e *engine.Engine, raw map[string]any) (any, error) {
				a, err := decode[completeArgs](raw)
				if err != nil {
					return nil, err
				}
				item, err := e.Tasks.Complete(ctx, dispatch.CompleteInput(a))
				if err != nil {
					return nil, err
				}
				return map[string]any{"taskId": item.ID, "status": item.Status}, nil
			},
			mcp.WithString("taskId", mcp.Required()),
			mcp.WithString("outcome", mcp.Required(), mcp.Enum("SUCCESS", "FAILURE", "ERROR", "TIMEOUT", "CANCELLED")),
			mcp.WithNumber("tokens"), mcp.WithNumber("costUsd"), mcp.WithString("model"), mcp.WithString("provider"),
			mcp.WithString("errorCode"), mcp.WithString("errorClass"), mcp.WithString("result")),
		define(CreateDream, "Create a budgeted autonomous run.",
			func(ctx context.Context, e *engine.Engine, raw map[string]any) (any, error) {
				a, err := decode[dreamArgs](raw)
				if err != nil {
					return nil, err
				}
				item, err := e.Tasks.CreateDream(ctx, dispatch.DreamInput{
					Title: a.Title, Instructions: a.Instructions, Envelope: a.Envelope,
					Agent: a.Agent, BudgetCapUSD: a.BudgetCapUSD, TimeoutHours: a.TimeoutHours,
				})
				if err != nil {
					return nil, err
				}
				return map[string]any{"dreamId": item.ID}, nil
			},
			withEnvelope(
				mcp.WithString("title", mcp.Required()),
				mcp.WithString("target", mcp.Required()),
				mcp.WithNumber("budgetCapUsd", mcp.Required()),
				mcp.WithString("instructions"), mcp.WithString("agent"), mcp.WithNumber("timeoutHours"),
			)...),
		define(KillDream, "Stop a dream that has not finished.",
			func(ctx context.Context, e *engine.Engine, raw map[string]any) (any, error) {
				a, err := decode[idArgs](raw)
				if err != nil {
					return nil, err
				}
				item, err := e.Tasks.KillDream(ctx, a.DreamID, a.Reason)
				if err != nil {
					return nil, err
				}
				return map[string]any{"dreamId": item.ID, "status": item.Status}, nil
			},
			mcp.WithString("dreamId", mcp.Required()), mcp.WithString("reason")),
		define(SendMessage, "Send a relay message. Groups fan out to one message per member.",
			func(ctx context.Context, e *engine.Engine, raw map[string]any) (any, error) {
				a, err := decode[sendArgs](raw)
				if err != nil {
					return nil, err
				}
				return e.Relay.Send(ctx, relay.SendInput{
					Message: a.Message, MessageType: a.MessageType, StructuredPayload: a.StructuredPayload,
					IdempotencyKey: a.IdempotencyKey, Envelope: a.Envelope,
				})
			},
			withEnvelope(
				mcp.WithString("message", mcp.Required()),
				mcp.WithString("target", mcp.Required()),
				mcp.WithString("messageType", mcp.Required(), mcp.Enum("PING", "PONG", "HANDSHAKE", "DIRECTIVE", "STATUS", "ACK", "QUERY", "RESULT")),
				mcp.WithObject("structuredPayload"),
				mcp.WithString("idempotencyKey"),
			)...),
		define(GetMessages, "Read pending messages for the caller. peek leaves them pending.",
			func(ctx context.Context, e *engine.Engine, raw map[string]any) (any, error) {
				a, err := decode[pendingArgs](raw)
				if err != nil {
					return nil, err
				}
				if a.SessionID != "" {
					caller, err := authctx.Require(ctx)
					if err != nil {
						return nil, err
					}
					caller.SessionID = a.SessionID
					ctx = authctx.With(ctx, caller)
				}
				return e.Relay.GetPending(ctx, relay.PendingInput{Target: a.Target, Peek: a.Peek, Limit: a.Limit})
			},
			mcp.WithString("target"), mcp.WithBoolean("peek"), mcp.WithNumber("limit"),
			mcp.WithString("sessionId", mcp.Description("Claim under this session instead of the caller's."))),
		define(GetDeadLetters, "List dead-lettered messages (privileged).",
			func(ctx context.Context, e *engine.Engine, raw map[string]any) (any, error) {
				a, err := decode[targetArgs](raw)
				if err != nil {
					return nil, err
				}
				return e.Relay.GetDeadLetters(ctx, a.Target, a.Limit)
			},
			mcp.WithString("target"), mcp.WithNumber("limit")),
		define(GetSent, "List messages the caller sent.",
			func(ctx context.Context, e *engine.Engine, raw map[string]any) (any, error) {
				a, err := decode[historyArgs](raw)
				if err != nil {
					return nil, err
				}
				return e.Relay.GetSent(ctx, a.filter())
			},
			historyOptions()...),
		define(GetHistory, "Query all relay messages (privileged).",
			func(ctx context.Context, e *engine.Engine, raw map[string]any) (any, error) {
				a, err := decode[historyArgs](raw)
				if err != nil {
					return nil, err
				}
				return e.Relay.History(ctx, a.filter())
			},
			historyOptions()...),
		define(CreateSprint, "Create a sprint and one story per definition.",
			func(ctx context.Context, e *engine.Engine, raw map[string]any) (any, error) {
				a, err := decode[createSprintArgs](raw)
				if err != nil {
					return nil, err
				}
				return e.Sprints.Create(ctx, sprint.CreateInput{
					ProjectName: a.ProjectName, Branch: a.Branch, Title: a.Title,
					Stories: a.Stories, DreamID: a.DreamID, Envelope: a.Envelope,
				})
			},
			mcp.WithString("projectName", mcp.Required()),
			mcp.WithString("branch", mcp.Required()),
			mcp.WithArray("stories", mcp.Required(), mcp.Items(storySchema())),
			mcp.WithString("title"), mcp.WithString("dreamId"), mcp.WithString("target")),
		define(UpdateSprintStory, "Report a story's status, progress or current action.",
			func(ctx context.Context, e *engine.Engine, raw map[string]any) (any, error) {
				a, err := decode[updateStoryArgs](raw)
				if err != nil {
					return nil, err
				}
				return e.Sprints.UpdateStory(ctx, sprint.UpdateStoryInput(a))
			},
			mcp.WithString("sprintId", mcp.Required()),
			mcp.WithString("storyId", mcp.Required()),
			mcp.WithString("status", mcp.Enum("created", "active", "done", "failed", "archived")),
			mcp.WithNumber("progress"), mcp.WithString("currentAction"), mcp.WithString("error")),
		define(AddStoryToSprint, "Add a story to a running sprint.",
			func(ctx context.Context, e *engine.Engine, raw map[string]any) (any, error) {
				a, err := decode[addStoryArgs](raw)
				if err != nil {
					return nil, err
				}
				return e.Sprints.AddStory(ctx, sprint.AddStoryInput(a))
			},
			mcp.WithString("sprintId", mcp.Required()),
			mcp.WithObject("story", mcp.Required(), mcp.Properties(storySchema()["properties"].(map[string]any))),
			mcp.WithString("insertionMode", mcp.Enum("current_wave", "next_wave", "backlog"))),
		define(CompleteSprint, "Close a sprint with a summary.",
			func(ctx context.Context, e *engine.Engine, raw map[string]any) (any, error) {
				a, err := decode[idArgs](raw)
				if err != nil {
					return nil, err
				}
				return e.Sprints.Complete(ctx, a.SprintID, a.Summary)
			},
			mcp.WithString("sprintId", mcp.Required()), mcp.WithString("summary")),
		define(GetSprint, "Read a sprint, its stories and their counts.",
			func(ctx context.Context, e *engine.Engine, raw map[string]any) (any, error) {
				a, err := decode[idArgs](raw)
				if err != nil {
					return nil, err
				}
				return e.Sprints.Get(ctx, a.SprintID)
			},
			mcp.WithString("sprintId", mcp.Required())),
		define(RegisterProgram, "Register a program and mark it online.",
			func(ctx context.Context, e *engine.Engine, raw map[string]any) (any, error) {
				a, err := decode[programArgs](raw)
				if err != nil {
					return nil, err
				}
				return e.RegisterProgram(ctx, domain.Program{ID: a.ProgramID, DisplayName: a.DisplayName, Capabilities: a.Capabilities})
			},
			mcp.WithString("programId", mcp.Required()), mcp.WithString("displayName"),
			mcp.WithArray("capabilities", mcp.Items(map[string]any{"type": "string"}))),
		define(ListPrograms, "List programs with their presence.",
			func(ctx context.Context, e *engine.Engine, _ map[string]any) (any, error) {
				return e.ListPrograms(ctx)
			}),
		define(SetGroup, "Replace the members of a group (privileged).",
			func(ctx context.Context, e *engine.Engine, raw map[string]any) (any, error) {
				a, err := decode[groupArgs](raw)
				if err != nil {
					return nil, err
				}
				return e.SetGroup(ctx, a.GroupID, a.Members)
			},
			mcp.WithString("groupId", mcp.Required()),
			mcp.WithArray("members", mcp.Required(), mcp.Items(map[string]any{"type": "string"}))),
		define(SweepDeadLetters, "Dead-letter expired pending messages (privileged).",
			func(ctx context.Context, e *engine.Engine, _ map[string]any) (any, error) {
				caller, err := e.Policy.RequirePrivileged(ctx)
				if err != nil {
					return nil, err
				}
				return e.Relay.SweepDeadLetters(ctx, caller.TenantID)
			}),
		define(SweepExpiredTasks, "Mark created tasks past their TTL as expired (privileged).",
			func(ctx context.Context, e *engine.Engine, _ map[string]any) (any, error) {
				caller, err := e.Policy.RequirePrivileged(ctx)
				if err != nil {
					return nil, err
				}
				return e.Tasks.SweepExpired(ctx, caller.TenantID)
			}),
	}
}

func historyOptions() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithString("threadId"), mcp.WithString("source"), mcp.WithString("target"),
		mcp.WithString("messageType"), mcp.WithString("status"),
		mcp.WithString("since", mcp.Description("Inclusive lower bound on createdAt")),
		mcp.WithString("until", mcp.Description("Exclusive upper bound on createdAt")),
		mcp.WithNumber("limit"),
	}
}

func storySchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"id", "title"},
		"properties": map[string]any{
			"id":           map[string]any{"type": "string"},
			"title":        map[string]any{"type": "string"},
			"instructions": map[string]any{"type": "string"},
			"wave":         map[string]any{"type": "integer"},
			"dependencies": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"complexity":   map[string]any{"type": "string"},
			"retryPolicy":  map[string]any{"type": "string", "enum": []string{"none", "auto_retry", "escalate"}},
			"maxRetries":   map[string]any{"type": "integer"},
			"target":       map[string]any{"type": "string"},
		},
	}
}
