package domain

import "time"

// TimeLayout is a fixed-width UTC layout so stored timestamps compare lexically.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// BroadcastTarget addresses every program in a tenant.
const BroadcastTarget = "all"

// CapabilityPrefix marks a target that is resolved through the directory by capability.
const CapabilityPrefix = "cap:"

// FormatTime renders t in TimeLayout (UTC).
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a TimeLayout or RFC3339 timestamp.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

type Kind string

const (
	KindTask        Kind = "task"
	KindQuestion    Kind = "question"
	KindDream       Kind = "dream"
	KindSprint      Kind = "sprint"
	KindSprintStory Kind = "sprint-story"
)

func (k Kind) Valid() bool {
	switch k {
	case KindTask, KindQuestion, KindDream, KindSprint, KindSprintStory:
		return true
	}
	return false
}

type Status string

const (
	StatusCreated  Status = "created"
	StatusActive   Status = "active"
	StatusDone     Status = "done"
	StatusFailed   Status = "failed"
	StatusArchived Status = "archived"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

func (p Priority) Valid() bool {
	return p == PriorityLow || p == PriorityNormal || p == PriorityHigh
}

// Rank orders priorities for delivery: lower rank is delivered first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

type Action string

const (
	ActionInterrupt Action = "interrupt"
	ActionSprint    Action = "sprint"
	ActionParallel  Action = "parallel"
	ActionQueue     Action = "queue"
	ActionBacklog   Action = "backlog"
)

func (a Action) Valid() bool {
	switch a {
	case ActionInterrupt, ActionSprint, ActionParallel, ActionQueue, ActionBacklog:
		return true
	}
	return false
}

type Provenance struct {
	Model      string  `json:"model,omitempty"`
	TokenCost  int     `json:"tokenCost,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Envelope holds the addressing fields shared by work items and relay messages.
type Envelope struct {
	Source     string      `json:"source"`
	Target     string      `json:"target"`
	Priority   Priority    `json:"priority"`
	Action     Action      `json:"action"`
	TTLSeconds *int        `json:"ttlSeconds,omitempty"`
	ReplyTo    string      `json:"replyTo,omitempty"`
	ThreadID   string      `json:"threadId,omitempty"`
	Provenance *Provenance `json:"provenance,omitempty"`
	Fallback   []string    `json:"fallback,omitempty"`
}

// Normalize fills defaulted envelope fields.
func (e *Envelope) Normalize() {
	if e.Priority == "" {
		e.Priority = PriorityNormal
	}
	if e.Action == "" {
		e.Action = ActionQueue
	}
}

type RetryPolicy string

const (
	RetryNone     RetryPolicy = "none"
	RetryAuto     RetryPolicy = "auto_retry"
	RetryEscalate RetryPolicy = "escalate"
)

func (p RetryPolicy) Valid() bool {
	return p == RetryNone || p == RetryAuto || p == RetryEscalate
}

type SprintRef struct {
	ParentID     string   `json:"parentId,omitempty"`
	StoryID      string   `json:"storyId,omitempty"`
	Wave         int      `json:"wave"`
	Dependencies []string `json:"dependencies,omitempty"`
	Complexity   string   `json:"complexity,omitempty"`
}

type RetryAttempt struct {
	Attempt  int    `json:"attempt"`
	FailedAt string `json:"failedAt"`
	Error    string `json:"error,omitempty"`
}

type RetryState struct {
	Policy     RetryPolicy    `json:"policy"`
	MaxRetries int            `json:"maxRetries"`
	RetryCount int            `json:"retryCount"`
	RetryAfter string         `json:"retryAfter,omitempty"`
	History    []RetryAttempt `json:"history,omitempty"`

	// EscalatedAt is set when the failure was reported to the orchestrator.
	EscalatedAt string `json:"escalatedAt,omitempty"`
}

type DreamState struct {
	Agent             string  `json:"agent,omitempty"`
	BudgetCapUSD      float64 `json:"budgetCapUsd"`
	BudgetConsumedUSD float64 `json:"budgetConsumedUsd"`
	TimeoutHours      float64 `json:"timeoutHours,omitempty"`
	BudgetExceededAt  string  `json:"budgetExceededAt,omitempty"`
}

// StoryDefinition is one planned story carried on the sprint parent.
type StoryDefinition struct {
	ID           string      `json:"id"`
	Title        string      `json:"title"`
	Instructions string      `json:"instructions,omitempty"`
	Wave         int         `json:"wave"`
	Dependencies []string    `json:"dependencies,omitempty"`
	Complexity   string      `json:"complexity,omitempty"`
	RetryPolicy  RetryPolicy `json:"retryPolicy,omitempty"`
	MaxRetries   int         `json:"maxRetries,omitempty"`
	Target       string      `json:"target,omitempty"`
}

// SprintPlan is carried only by sprint-kind items. StatusText and Progress are the cached rollup.
type SprintPlan struct {
	ProjectName string            `json:"projectName"`
	Branch      string            `json:"branch"`
	Stories     []StoryDefinition `json:"stories"`
	StatusText  string            `json:"statusText,omitempty"`
	Progress    float64           `json:"progress"`
	Summary     string            `json:"summary,omitempty"`
}

// Completion carries the terminal fields written by complete_task.
type Completion struct {
	Outcome    string  `json:"outcome"`
	Tokens     int     `json:"tokens,omitempty"`
	CostUSD    float64 `json:"costUsd,omitempty"`
	Model      string  `json:"model,omitempty"`
	Provider   string  `json:"provider,omitempty"`
	ErrorCode  string  `json:"errorCode,omitempty"`
	ErrorClass string  `json:"errorClass,omitempty"`
	Result     string  `json:"result,omitempty"`
}

type WorkItem struct {
	ID           string `json:"id"`
	Kind         Kind   `json:"kind"`
	Title        string `json:"title"`
	Instructions string `json:"instructions,omitempty"`
	Envelope
	RequestedTarget string      `json:"requestedTarget,omitempty"`
	Status          Status      `json:"status"`
	SessionID       string      `json:"sessionId,omitempty"`
	CreatedAt       string      `json:"createdAt"`
	StartedAt       string      `json:"startedAt,omitempty"`
	CompletedAt     string      `json:"completedAt,omitempty"`
	ExpiresAt       string      `json:"expiresAt,omitempty"`
	Expired         bool        `json:"expired"`
	ExpiredAt       string      `json:"expiredAt,omitempty"`
	AttemptCount    int         `json:"attemptCount"`
	DreamID         string      `json:"dreamId,omitempty"`
	MulticastID     string      `json:"multicastId,omitempty"`
	Progress        float64     `json:"progress"`
	CurrentAction   string      `json:"currentAction,omitempty"`
	Sprint          *SprintRef  `json:"sprint,omitempty"`
	Retry           *RetryState `json:"retry,omitempty"`
	Dream           *DreamState `json:"dream,omitempty"`
	Plan            *SprintPlan `json:"plan,omitempty"`
	Completion      *Completion `json:"completion,omitempty"`
}

type MessageType string

const (
	MessagePing       MessageType = "PING"
	MessagePong       MessageType = "PONG"
	MessageHandshake  MessageType = "HANDSHAKE"
	MessageDirective  MessageType = "DIRECTIVE"
	MessageTypeStatus MessageType = "STATUS"
	MessageAck        MessageType = "ACK"
	MessageQuery      MessageType = "QUERY"
	MessageResult     MessageType = "RESULT"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessagePing, MessagePong, MessageHandshake, MessageDirective, MessageTypeStatus, MessageAck, MessageQuery, MessageResult:
		return true
	}
	return false
}

type MessageStatus string

const (
	MessagePending      MessageStatus = "pending"
	MessageDelivered    MessageStatus = "delivered"
	MessageDeadLettered MessageStatus = "dead_lettered"
)

const (
	DeadLetterExpiredTTL  = "EXPIRED_TTL"
	DeadLetterMaxAttempts = "MAX_ATTEMPTS_EXCEEDED"
)

type RelayMessage struct {
	ID string `json:"id"`
	Envelope
	PriorityRank        int            `json:"priorityRank"`
	MessageType         MessageType    `json:"messageType"`
	Payload             string         `json:"payload"`
	StructuredPayload   map[string]any `json:"structuredPayload,omitempty"`
	Status              MessageStatus  `json:"status"`
	DeliveryAttempts    int            `json:"deliveryAttempts"`
	MaxDeliveryAttempts int            `json:"maxDeliveryAttempts"`
	CreatedAt           string         `json:"createdAt"`
	ExpiresAt           string         `json:"expiresAt"`
	DeliveredAt         string         `json:"deliveredAt,omitempty"`
	DeliveredTo         string         `json:"deliveredTo,omitempty"`
	DeadLetteredAt      string         `json:"deadLetteredAt,omitempty"`
	DeadLetterReason    string         `json:"deadLetterReason,omitempty"`
	MulticastID         string         `json:"multicastId,omitempty"`
}

type Presence string

const (
	PresenceOnline  Presence = "online"
	PresenceIdle    Presence = "idle"
	PresenceOffline Presence = "offline"
)

type Program struct {
	ID           string   `json:"id"`
	DisplayName  string   `json:"displayName,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Presence     Presence `json:"presence,omitempty"`
	LastSeenAt   string   `json:"lastSeenAt,omitempty"`
	CreatedAt    string   `json:"createdAt"`
}

type Group struct {
	ID        string   `json:"id"`
	Members   []string `json:"members"`
	UpdatedAt string   `json:"updatedAt"`
}

type Event struct {
	ID        string         `json:"id"`
	TS        string         `json:"ts"`
	Type      string         `json:"type"`
	TenantID  string         `json:"tenantId"`
	EntityID  string         `json:"entityId,omitempty"`
	ProgramID string         `json:"programId,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}
