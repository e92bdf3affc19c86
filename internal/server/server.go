package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"switchyard/internal/apperr"
	"switchyard/internal/authctx"
	"switchyard/internal/dispatch"
	"switchyard/internal/domain"
	"switchyard/internal/engine"
	"switchyard/internal/relay"
	"switchyard/internal/sprint"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Version  string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"access_denied"`
	Message string         `json:"message" example:"planner may not read messages for builder"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope every route returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type reply[T any] struct {
	Body T `json:"body"`
}

func out[T any](v T) *reply[T] { return &reply[T]{Body: v} }

// New returns an HTTP handler exposing the coordination API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("server: engine is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	e := cfg.Engine
	log := e.Log.With().Str("component", "http").Logger()

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(requestLogger(e, log))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, e, log))
	router.Method(http.MethodGet, "/metrics", e.Metrics.Handler())

	hcfg := huma.DefaultConfig("Switchyard API", version)
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerTasks(group, e)
	registerDreams(group, e)
	registerMessages(group, e)
	registerSprints(group, e)
	registerPrograms(group, e)
	registerSweeps(group, e)
	registerMe(group)
	if cfg.Auth.AllowDevLogin {
		registerDevAuth(group, e, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath)

	return router, nil
}

// requestLogger records every request in the access log and the HTTP metrics,
// labelled by route pattern so path ids do not explode cardinality.
func requestLogger(e *engine.Engine, log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			elapsed := time.Since(start)
			e.Metrics.RecordHTTPRequest(r.Method, route, status, elapsed)
			evt := log.Debug()
			if status >= http.StatusInternalServerError {
				evt = log.Warn()
			}
			evt.Str("method", r.Method).
				Str("route", route).
				Int("status", status).
				Dur("elapsed", elapsed).
				Msg("request")
		})
	}
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps an operation failure onto its HTTP status. Upstream
// details never reach the client.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return newAPIError(http.StatusBadRequest, string(apperr.KindValidation), err.Error(), nil)
	case apperr.KindNotFound:
		return newAPIError(http.StatusNotFound, string(apperr.KindNotFound), err.Error(), nil)
	case apperr.KindPreconditionFailed:
		return newAPIError(http.StatusConflict, string(apperr.KindPreconditionFailed), err.Error(), nil)
	case apperr.KindAccessDenied:
		return newAPIError(http.StatusForbidden, string(apperr.KindAccessDenied), err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

var commonErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
}

func registerDocs(r chi.Router, basePath string) {
	page := fmt.Sprintf(docsPage, path.Join("/", basePath, "openapi.json"))
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, page)
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var once sync.Once
	var doc []byte
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			decorateOpenAPI(oas, basePath)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

// decorateOpenAPI declares bearer auth on every operation except the open
// routes and gives each operation a default error response.
func decorateOpenAPI(oas *huma.OpenAPI, basePath string) {
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	bearer := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = bearer
	open := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{Description: "Error envelope"}
			if open[route] {
				op.Security = []map[string][]string{}
			} else {
				op.Security = bearer
			}
		}
	}
}

const docsPage = `<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8"/>
<title>Switchyard API</title>
<link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css"/>
</head>
<body>
<div id="swagger-ui"></div>
<script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
<script>
window.onload = () => SwaggerUIBundle({url: '%s', dom_id: '#swagger-ui'});
</script>
</body>
</html>`

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*reply[map[string]string], error) {
		return out(map[string]string{"status": "ok"}), nil
	})
}

func registerTasks(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*reply[TaskCreatedResponse], error) {
		item, err := e.Tasks.Create(ctx, dispatch.CreateInput{
			Kind:         input.Body.Kind,
			Title:        input.Body.Title,
			Instructions: input.Body.Instructions,
			DreamID:      input.Body.DreamID,
			Envelope:     input.Body.envelope(),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return out(TaskCreatedResponse{TaskID: item.ID, Target: item.Target}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks visible to the caller",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Status         string `query:"status" enum:"created,active,done,failed,archived"`
		Kind           string `query:"kind"`
		Target         string `query:"target"`
		Limit          int    `query:"limit" minimum:"0" maximum:"500"`
		IncludeExpired bool   `query:"includeExpired"`
	}) (*reply[[]domain.WorkItem], error) {
		items, err := e.Tasks.List(ctx, dispatch.ListFilter{
			Status:         domain.Status(input.Status),
			Kind:           domain.Kind(input.Kind),
			Target:         input.Target,
			Limit:          input.Limit,
			IncludeExpired: input.IncludeExpired,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return out(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*reply[domain.WorkItem], error) {
		item, err := e.Tasks.Get(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return out(item), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/claim",
		Summary:     "Claim task for the caller's session",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*reply[dispatch.ClaimResult], error) {
		res, err := e.Tasks.Claim(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return out(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/complete",
		Summary:     "Complete an active task",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string              `path:"task_id"`
		Body   CompleteTaskRequest `json:"body"`
	}) (*reply[domain.WorkItem], error) {
		b := input.Body
		item, err := e.Tasks.Complete(ctx, dispatch.CompleteInput{
			TaskID:     input.TaskID,
			Outcome:    b.Outcome,
			Tokens:     b.Tokens,
			CostUSD:    b.CostUSD,
			Model:      b.Model,
			Provider:   b.Provider,
			ErrorCode:  b.ErrorCode,
			ErrorClass: b.ErrorClass,
			Result:     b.Result,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return out(item), nil
	})
}

func registerDreams(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-dream",
		Method:        http.MethodPost,
		Path:          "/dreams",
		Summary:       "Create a budgeted autonomous run",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateDreamRequest `json:"body"`
	}) (*reply[domain.WorkItem], error) {
		b := input.Body
		item, err := e.Tasks.CreateDream(ctx, dispatch.DreamInput{
			Title:        b.Title,
			Instructions: b.Instructions,
			Envelope:     b.envelope(),
			Agent:        b.Agent,
			BudgetCapUSD: b.BudgetCapUSD,
			TimeoutHours: b.TimeoutHours,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return out(item), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "kill-dream",
		Method:      http.MethodPost,
		Path:        "/dreams/{dream_id}/kill",
		Summary:     "Stop an unfinished dream",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		DreamID string           `path:"dream_id"`
		Body    KillDreamRequest `json:"body" required:"false"`
	}) (*reply[domain.WorkItem], error) {
		item, err := e.Tasks.KillDream(ctx, input.DreamID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return out(item), nil
	})
}

type historyQuery struct {
	ThreadID    string `query:"threadId"`
	Source      string `query:"source"`
	Target      string `query:"target"`
	MessageType string `query:"messageType"`
	Status      string `query:"status" enum:"pending,delivered,dead_lettered"`
	Since       string `query:"since" doc:"Inclusive lower bound on createdAt"`
	Until       string `query:"until" doc:"Exclusive upper bound on createdAt"`
	Limit       int    `query:"limit" minimum:"0" maximum:"500"`
}

func (q historyQuery) filter() relay.HistoryFilter {
	return relay.HistoryFilter{
		ThreadID:    q.ThreadID,
		Source:      q.Source,
		Target:      q.Target,
		MessageType: domain.MessageType(q.MessageType),
		Status:      domain.MessageStatus(q.Status),
		Since:       q.Since,
		Until:       q.Until,
		Limit:       q.Limit,
	}
}

func registerMessages(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "send-message",
		Method:        http.MethodPost,
		Path:          "/messages",
		Summary:       "Send a relay message",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		Body SendMessageRequest `json:"body"`
	}) (*reply[relay.SendResult], error) {
		b := input.Body
		res, err := e.Relay.Send(ctx, relay.SendInput{
			Message:           b.Message,
			Envelope:          b.envelope(),
			MessageType:       b.MessageType,
			StructuredPayload: b.StructuredPayload,
			IdempotencyKey:    b.IdempotencyKey,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return out(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-messages",
		Method:      http.MethodGet,
		Path:        "/messages/pending",
		Summary:     "Read pending messages; peek leaves them pending",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Target string `query:"target"`
		Peek   bool   `query:"peek"`
		Limit  int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*reply[[]domain.RelayMessage], error) {
		msgs, err := e.Relay.GetPending(ctx, relay.PendingInput{Target: input.Target, Peek: input.Peek, Limit: input.Limit})
		if err != nil {
			return nil, handleError(err)
		}
		return out(msgs), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-dead-letters",
		Method:      http.MethodGet,
		Path:        "/messages/dead-letters",
		Summary:     "List dead-lettered messages",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Target string `query:"target"`
		Limit  int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*reply[[]domain.RelayMessage], error) {
		msgs, err := e.Relay.GetDeadLetters(ctx, input.Target, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return out(msgs), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-sent",
		Method:      http.MethodGet,
		Path:        "/messages/sent",
		Summary:     "List messages the caller sent",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *historyQuery) (*reply[[]domain.RelayMessage], error) {
		msgs, err := e.Relay.GetSent(ctx, input.filter())
		if err != nil {
			return nil, handleError(err)
		}
		return out(msgs), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-message-history",
		Method:      http.MethodGet,
		Path:        "/messages/history",
		Summary:     "Query relay history",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *historyQuery) (*reply[[]domain.RelayMessage], error) {
		msgs, err := e.Relay.History(ctx, input.filter())
		if err != nil {
			return nil, handleError(err)
		}
		return out(msgs), nil
	})
}

func registerSprints(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-sprint",
		Method:        http.MethodPost,
		Path:          "/sprints",
		Summary:       "Create a sprint with its stories",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateSprintRequest `json:"body"`
	}) (*reply[sprint.CreateResult], error) {
		b := input.Body
		res, err := e.Sprints.Create(ctx, sprint.CreateInput{
			ProjectName: b.ProjectName,
			Branch:      b.Branch,
			Title:       b.Title,
			Stories:     b.definitions(),
			DreamID:     b.DreamID,
			Envelope:    domain.Envelope{Target: b.Target, Priority: b.Priority},
		})
		if err != nil {
			return nil, handleError(err)
		}
		return out(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-sprint",
		Method:      http.MethodGet,
		Path:        "/sprints/{sprint_id}",
		Summary:     "Get sprint with stories and counts",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		SprintID string `path:"sprint_id"`
	}) (*reply[sprint.View], error) {
		view, err := e.Sprints.Get(ctx, input.SprintID)
		if err != nil {
			return nil, handleError(err)
		}
		return out(view), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-sprint-story",
		Method:      http.MethodPatch,
		Path:        "/sprints/{sprint_id}/stories/{story_id}",
		Summary:     "Report story status or progress",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		SprintID string             `path:"sprint_id"`
		StoryID  string             `path:"story_id"`
		Body     UpdateStoryRequest `json:"body"`
	}) (*reply[sprint.UpdateStoryResult], error) {
		res, err := e.Sprints.UpdateStory(ctx, sprint.UpdateStoryInput{
			SprintID:      input.SprintID,
			StoryID:       input.StoryID,
			Status:        input.Body.Status,
			Progress:      input.Body.Progress,
			CurrentAction: input.Body.CurrentAction,
			Error:         input.Body.Error,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return out(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-story",
		Method:        http.MethodPost,
		Path:          "/sprints/{sprint_id}/stories",
		Summary:       "Add a story to a running sprint",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		SprintID string          `path:"sprint_id"`
		Body     AddStoryRequest `json:"body"`
	}) (*reply[sprint.AddStoryResult], error) {
		res, err := e.Sprints.AddStory(ctx, sprint.AddStoryInput{
			SprintID:      input.SprintID,
			Story:         input.Body.Story.definition(),
			InsertionMode: input.Body.InsertionMode,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return out(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-sprint",
		Method:      http.MethodPost,
		Path:        "/sprints/{sprint_id}/complete",
		Summary:     "Close a sprint",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		SprintID string                `path:"sprint_id"`
		Body     CompleteSprintRequest `json:"body" required:"false"`
	}) (*reply[sprint.CompleteResult], error) {
		res, err := e.Sprints.Complete(ctx, input.SprintID, input.Body.Summary)
		if err != nil {
			return nil, handleError(err)
		}
		return out(res), nil
	})
}

func registerPrograms(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "register-program",
		Method:      http.MethodPost,
		Path:        "/programs",
		Summary:     "Register a program and mark it online",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Body RegisterProgramRequest `json:"body" required:"false"`
	}) (*reply[domain.Program], error) {
		p, err := e.RegisterProgram(ctx, domain.Program{
			ID:           input.Body.ID,
			DisplayName:  input.Body.DisplayName,
			Capabilities: input.Body.Capabilities,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return out(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-programs",
		Method:      http.MethodGet,
		Path:        "/programs",
		Summary:     "List programs with presence",
		Errors:      commonErrors,
	}, func(ctx context.Context, _ *struct{}) (*reply[[]domain.Program], error) {
		programs, err := e.ListPrograms(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return out(programs), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-group",
		Method:      http.MethodPut,
		Path:        "/groups/{group_id}",
		Summary:     "Replace group members",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		GroupID string          `path:"group_id"`
		Body    SetGroupRequest `json:"body"`
	}) (*reply[domain.Group], error) {
		g, err := e.SetGroup(ctx, input.GroupID, input.Body.Members)
		if err != nil {
			return nil, handleError(err)
		}
		return out(g), nil
	})
}

func registerSweeps(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "sweep",
		Method:      http.MethodPost,
		Path:        "/sweeps",
		Summary:     "Expire stale tasks and dead-letter stale messages for the caller's tenant",
		Errors:      commonErrors,
	}, func(ctx context.Context, _ *struct{}) (*reply[engine.TenantSweep], error) {
		res, err := e.SweepCaller(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return out(res), nil
	})
}

type WhoAmIResponse struct {
	Tenant       string   `json:"tenant"`
	Program      string   `json:"program"`
	Session      string   `json:"session,omitempty"`
	Capabilities []string `json:"capabilities"`
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current caller",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*reply[WhoAmIResponse], error) {
		caller, err := authctx.Require(ctx)
		if err != nil {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		caps := caller.Capabilities
		if caps == nil {
			caps = []string{}
		}
		return out(WhoAmIResponse{
			Tenant:       caller.TenantID,
			Program:      caller.ProgramID,
			Session:      caller.SessionID,
			Capabilities: caps,
		}), nil
	})
}

func registerDevAuth(api huma.API, e *engine.Engine, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*reply[DevLoginResponse], error) {
		tenant := strings.TrimSpace(input.Body.Tenant)
		program := strings.TrimSpace(input.Body.Program)
		if tenant == "" || program == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "tenant and program are required", nil)
		}
		token, err := MintToken(authCfg.JWTSecret, authCfg.Issuer, tenant, program, input.Body.Session, input.Body.Capabilities, time.Hour, e.Now())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return out(DevLoginResponse{Token: token}), nil
	})
}
