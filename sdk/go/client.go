package switchyardsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Switchyard HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	// SessionID is sent as X-Session-Id and overrides the token's session claim.
	SessionID  string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v1",
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Task represents the API work item model (partial).
type Task struct {
	ID           string  `json:"id"`
	Kind         string  `json:"kind"`
	Title        string  `json:"title"`
	Instructions string  `json:"instructions,omitempty"`
	Source       string  `json:"source"`
	Target       string  `json:"target"`
	Priority     string  `json:"priority"`
	Status       string  `json:"status"`
	SessionID    string  `json:"sessionId,omitempty"`
	CreatedAt    string  `json:"createdAt"`
	CompletedAt  string  `json:"completedAt,omitempty"`
	Progress     float64 `json:"progress"`
}

// Message represents a relay message (partial).
type Message struct {
	ID                string         `json:"id"`
	Source            string         `json:"source"`
	Target            string         `json:"target"`
	Message           string         `json:"message"`
	MessageType       string         `json:"messageType"`
	Priority          string         `json:"priority"`
	Status            string         `json:"status"`
	ThreadID          string         `json:"threadId,omitempty"`
	StructuredPayload map[string]any `json:"structuredPayload,omitempty"`
	CreatedAt         string         `json:"createdAt"`
}

type SendResult struct {
	MessageID   string   `json:"messageId,omitempty"`
	MulticastID string   `json:"multicastId,omitempty"`
	MessageIDs  []string `json:"messageIds"`
	Targets     []string `json:"targets"`
	Replayed    bool     `json:"replayed,omitempty"`
}

type Program struct {
	ID           string   `json:"id"`
	DisplayName  string   `json:"displayName,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Presence     string   `json:"presence"`
	LastSeenAt   string   `json:"lastSeenAt,omitempty"`
}

type Story struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Instructions string   `json:"instructions,omitempty"`
	Wave         int      `json:"wave,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	RetryPolicy  string   `json:"retryPolicy,omitempty"`
	MaxRetries   int      `json:"maxRetries,omitempty"`
	Target       string   `json:"target,omitempty"`
}

type SprintCreated struct {
	SprintID   string   `json:"sprintId"`
	StoryCount int      `json:"storyCount"`
	StoryIDs   []string `json:"storyTaskIds"`
}

type SprintStats struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Active    int `json:"active"`
	Queued    int `json:"queued"`
}

type Sprint struct {
	Sprint  Task        `json:"sprint"`
	Stories []Task      `json:"stories"`
	Stats   SprintStats `json:"stats"`
}

// StoryUpdate carries the fields of a story report; zero values are not sent.
type StoryUpdate struct {
	Status        string   `json:"status,omitempty"`
	Progress      *float64 `json:"progress,omitempty"`
	CurrentAction string   `json:"currentAction,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// RegisterProgram registers the token's program with optional capabilities.
func (c *Client) RegisterProgram(ctx context.Context, displayName string, capabilities []string) (Program, error) {
	var resp Program
	err := c.do(ctx, http.MethodPost, "programs", map[string]any{
		"displayName":  displayName,
		"capabilities": capabilities,
	}, &resp)
	return resp, err
}

func (c *Client) Programs(ctx context.Context) ([]Program, error) {
	var resp []Program
	err := c.do(ctx, http.MethodGet, "programs", nil, &resp)
	return resp, err
}

// CreateTask creates a task for target and returns its id.
func (c *Client) CreateTask(ctx context.Context, title, target, instructions string) (string, error) {
	var resp struct {
		TaskID string `json:"taskId"`
	}
	err := c.do(ctx, http.MethodPost, "tasks", map[string]any{
		"title":        title,
		"target":       target,
		"instructions": instructions,
	}, &resp)
	return resp.TaskID, err
}

// Tasks lists tasks visible to the caller, optionally filtered by status.
func (c *Client) Tasks(ctx context.Context, status string, limit int) ([]Task, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp []Task
	err := c.do(ctx, http.MethodGet, withQuery("tasks", q), nil, &resp)
	return resp, err
}

func (c *Client) Task(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ClaimTask claims a task for the client's session.
func (c *Client) ClaimTask(ctx context.Context, id string) (Task, error) {
	var resp struct {
		Item Task `json:"item"`
	}
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(id)+"/claim", nil, &resp)
	return resp.Item, err
}

// CompleteTask finishes an active task with an outcome code such as SUCCESS or ERROR.
func (c *Client) CompleteTask(ctx context.Context, id, outcome string, tokens int, costUSD float64) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(id)+"/complete", map[string]any{
		"outcome": outcome,
		"tokens":  tokens,
		"costUsd": costUSD,
	}, &resp)
	return resp, err
}

// Send posts a relay message.
func (c *Client) Send(ctx context.Context, target, messageType, message string, payload map[string]any) (SendResult, error) {
	body := map[string]any{
		"target":      target,
		"messageType": messageType,
		"message":     message,
	}
	if payload != nil {
		body["structuredPayload"] = payload
	}
	var resp SendResult
	err := c.do(ctx, http.MethodPost, "messages", body, &resp)
	return resp, err
}

// Pending returns pending messages. With peek the messages stay pending.
func (c *Client) Pending(ctx context.Context, peek bool, limit int) ([]Message, error) {
	q := url.Values{}
	if peek {
		q.Set("peek", "true")
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp []Message
	err := c.do(ctx, http.MethodGet, withQuery("messages/pending", q), nil, &resp)
	return resp, err
}

// Thread returns every message the caller sent on a thread, oldest first.
func (c *Client) Thread(ctx context.Context, threadID string) ([]Message, error) {
	q := url.Values{}
	q.Set("threadId", threadID)
	var resp []Message
	err := c.do(ctx, http.MethodGet, withQuery("messages/sent", q), nil, &resp)
	return resp, err
}

func (c *Client) CreateSprint(ctx context.Context, projectName, branch string, stories []Story) (SprintCreated, error) {
	var resp SprintCreated
	err := c.do(ctx, http.MethodPost, "sprints", map[string]any{
		"projectName": projectName,
		"branch":      branch,
		"stories":     stories,
	}, &resp)
	return resp, err
}

func (c *Client) Sprint(ctx context.Context, id string) (Sprint, error) {
	var resp Sprint
	err := c.do(ctx, http.MethodGet, "sprints/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// UpdateStory reports on a story by its definition id or task id.
func (c *Client) UpdateStory(ctx context.Context, sprintID, storyID string, update StoryUpdate) (Task, error) {
	var resp struct {
		Story Task `json:"story"`
	}
	endpoint := fmt.Sprintf("sprints/%s/stories/%s", url.PathEscape(sprintID), url.PathEscape(storyID))
	err := c.do(ctx, http.MethodPatch, endpoint, update, &resp)
	return resp.Story, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	if c.SessionID != "" {
		req.Header.Set("X-Session-Id", c.SessionID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
