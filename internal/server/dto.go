package server

import (
	"switchyard/internal/domain"
	"switchyard/internal/sprint"
)

// Request payloads

type EnvelopeRequest struct {
	Source     string          `json:"source,omitempty"`
	Target     string          `json:"target"`
	Priority   domain.Priority `json:"priority,omitempty" enum:"low,normal,high"`
	Action     domain.Action   `json:"action,omitempty" enum:"interrupt,sprint,parallel,queue,backlog"`
	TTLSeconds *int            `json:"ttlSeconds,omitempty" minimum:"1"`
	ReplyTo    string          `json:"replyTo,omitempty"`
	ThreadID   string          `json:"threadId,omitempty"`
	Fallback   []string        `json:"fallback,omitempty"`
}

func (r EnvelopeRequest) envelope() domain.Envelope {
	return domain.Envelope{
		Source:     r.Source,
		Target:     r.Target,
		Priority:   r.Priority,
		Action:     r.Action,
		TTLSeconds: r.TTLSeconds,
		ReplyTo:    r.ReplyTo,
		ThreadID:   r.ThreadID,
		Fallback:   r.Fallback,
	}
}

type CreateTaskRequest struct {
	EnvelopeRequest
	Title        string      `json:"title"`
	Instructions string      `json:"instructions,omitempty"`
	Kind         domain.Kind `json:"kind,omitempty" enum:"task,question"`
	DreamID      string      `json:"dreamId,omitempty"`
}

type CompleteTaskRequest struct {
	Outcome    string  `json:"outcome" enum:"SUCCESS,FAILURE,ERROR,TIMEOUT,CANCELLED"`
	Tokens     int     `json:"tokens,omitempty"`
	CostUSD    float64 `json:"costUsd,omitempty"`
	Model      string  `json:"model,omitempty"`
	Provider   string  `json:"provider,omitempty"`
	ErrorCode  string  `json:"errorCode,omitempty"`
	ErrorClass string  `json:"errorClass,omitempty"`
	Result     string  `json:"result,omitempty"`
}

type CreateDreamRequest struct {
	EnvelopeRequest
	Title        string  `json:"title"`
	Instructions string  `json:"instructions,omitempty"`
	Agent        string  `json:"agent,omitempty"`
	BudgetCapUSD float64 `json:"budgetCapUsd"`
	TimeoutHours float64 `json:"timeoutHours,omitempty"`
}

type KillDreamRequest struct {
	Reason string `json:"reason,omitempty"`
}

type SendMessageRequest struct {
	EnvelopeRequest
	Message           string             `json:"message"`
	MessageType       domain.MessageType `json:"messageType" enum:"PING,PONG,HANDSHAKE,DIRECTIVE,STATUS,ACK,QUERY,RESULT"`
	StructuredPayload map[string]any     `json:"structuredPayload,omitempty"`
	IdempotencyKey    string             `json:"idempotencyKey,omitempty"`
}

type StoryRequest struct {
	ID           string             `json:"id"`
	Title        string             `json:"title"`
	Instructions string             `json:"instructions,omitempty"`
	Wave         int                `json:"wave,omitempty"`
	Dependencies []string           `json:"dependencies,omitempty"`
	Complexity   string             `json:"complexity,omitempty"`
	RetryPolicy  domain.RetryPolicy `json:"retryPolicy,omitempty" enum:"none,auto_retry,escalate"`
	MaxRetries   int                `json:"maxRetries,omitempty" minimum:"0"`
	Target       string             `json:"target,omitempty"`
}

func (r StoryRequest) definition() domain.StoryDefinition {
	return domain.StoryDefinition(r)
}

type CreateSprintRequest struct {
	ProjectName string          `json:"projectName"`
	Branch      string          `json:"branch"`
	Title       string          `json:"title,omitempty"`
	DreamID     string          `json:"dreamId,omitempty"`
	Target      string          `json:"target,omitempty"`
	Priority    domain.Priority `json:"priority,omitempty" enum:"low,normal,high"`
	Stories     []StoryRequest  `json:"stories" minItems:"1"`
}

func (r CreateSprintRequest) definitions() []domain.StoryDefinition {
	out := make([]domain.StoryDefinition, 0, len(r.Stories))
	for _, s := range r.Stories {
		out = append(out, s.definition())
	}
	return out
}

type UpdateStoryRequest struct {
	Status        domain.Status `json:"status,omitempty" enum:"created,active,done,failed,archived"`
	Progress      *float64      `json:"progress,omitempty" minimum:"0" maximum:"100"`
	CurrentAction string        `json:"currentAction,omitempty"`
	Error         string        `json:"error,omitempty"`
}

type AddStoryRequest struct {
	Story         StoryRequest         `json:"story"`
	InsertionMode sprint.InsertionMode `json:"insertionMode,omitempty" enum:"current_wave,next_wave,backlog"`
}

type CompleteSprintRequest struct {
	Summary string `json:"summary,omitempty"`
}

type RegisterProgramRequest struct {
	ID           string   `json:"id,omitempty"`
	DisplayName  string   `json:"displayName,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

type SetGroupRequest struct {
	Members []string `json:"members"`
}

type DevLoginRequest struct {
	Tenant       string   `json:"tenant"`
	Program      string   `json:"program"`
	Session      string   `json:"session,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Responses

type DevLoginResponse struct {
	Token string `json:"token"`
}

type TaskCreatedResponse struct {
	TaskID string `json:"taskId"`
	Target string `json:"target"`
}
