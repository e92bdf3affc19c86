package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"switchyard/internal/config"
	"switchyard/internal/domain"
	"switchyard/internal/engine"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, devLogin bool) (*testServer, func()) {
	t.Helper()
	e, err := engine.New(context.Background(), engine.Options{
		Workspace: t.TempDir(),
		Config:    config.Default(),
		Log:       zerolog.Nop(),
		Inline:    true,
	})
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v1", Auth: AuthConfig{JWTSecret: testSecret, AllowDevLogin: devLogin}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			e.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func token(t *testing.T, program, session string, caps ...string) map[string]string {
	t.Helper()
	tok, err := MintToken(testSecret, "", "acme", program, session, caps, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + tok}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func expectStatus(t *testing.T, res *http.Response, data []byte, want int) {
	t.Helper()
	if res.StatusCode != want {
		t.Fatalf("%s %s: status %d, want %d: %s", res.Request.Method, res.Request.URL.Path, res.StatusCode, want, string(data))
	}
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error: %v: %s", err, string(data))
	}
	return env.Error.Code
}

func registerAll(t *testing.T, srv *testServer, programs ...string) {
	t.Helper()
	for _, p := range programs {
		res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/programs", map[string]any{}, token(t, p, p+"-1"))
		expectStatus(t, res, data, http.StatusOK)
	}
}

func TestHealthIsOpenAndAPIRequiresToken(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	expectStatus(t, res, data, http.StatusOK)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks", nil, nil)
	expectStatus(t, res, data, http.StatusUnauthorized)
	if code := errorCode(t, data); code != "unauthorized" {
		t.Fatalf("code %q", code)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks", nil, map[string]string{"Authorization": "Bearer nope"})
	expectStatus(t, res, data, http.StatusUnauthorized)
	if code := errorCode(t, data); code != "invalid_credentials" {
		t.Fatalf("code %q", code)
	}

	forged, err := MintToken("other-secret", "", "acme", "planner", "p1", nil, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks", nil, map[string]string{"Authorization": "Bearer " + forged})
	expectStatus(t, res, data, http.StatusUnauthorized)
}

func TestTaskClaimAndComplete(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	registerAll(t, srv, "planner", "builder")
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks", map[string]any{
		"title":        "Build release",
		"target":       "builder",
		"instructions": "tag v1.2",
		"priority":     "high",
	}, token(t, "planner", "p1"))
	expectStatus(t, res, data, http.StatusCreated)
	var created TaskCreatedResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if created.Target != "builder" || created.TaskID == "" {
		t.Fatalf("unexpected create response %+v", created)
	}

	builder := token(t, "builder", "b1")
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/"+created.TaskID+"/claim", nil, builder)
	expectStatus(t, res, data, http.StatusOK)

	other := token(t, "builder", "b2")
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/"+created.TaskID+"/claim", nil, other)
	expectStatus(t, res, data, http.StatusConflict)
	if code := errorCode(t, data); code != "precondition_failed" {
		t.Fatalf("code %q", code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/"+created.TaskID+"/complete", map[string]any{
		"outcome": "SUCCESS", "tokens": 900, "costUsd": 0.12,
	}, builder)
	expectStatus(t, res, data, http.StatusOK)
	var done domain.WorkItem
	if err := json.Unmarshal(data, &done); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if done.Status != domain.StatusDone {
		t.Fatalf("status %s", done.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks/"+created.TaskID, nil, builder)
	expectStatus(t, res, data, http.StatusOK)
	if !strings.Contains(string(data), "tag v1.2") {
		t.Fatalf("instructions not returned: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks/missing", nil, builder)
	expectStatus(t, res, data, http.StatusNotFound)
}

func TestCreateTaskValidation(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	registerAll(t, srv, "planner")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks", map[string]any{"target": "planner"}, token(t, "planner", "p1"))
	expectStatus(t, res, data, http.StatusBadRequest)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks", map[string]any{"title": "x", "target": "ghost"}, token(t, "planner", "p1"))
	expectStatus(t, res, data, http.StatusForbidden)
}

func TestRelayPeekClaimAndAccess(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	registerAll(t, srv, "planner", "builder")
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/messages", map[string]any{
		"message": "status?", "target": "builder", "messageType": "QUERY",
	}, token(t, "planner", "p1"))
	expectStatus(t, res, data, http.StatusCreated)

	builder := token(t, "builder", "b1")
	var msgs []domain.RelayMessage
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/messages/pending?peek=true", nil, builder)
	expectStatus(t, res, data, http.StatusOK)
	if err := json.Unmarshal(data, &msgs); err != nil || len(msgs) != 1 {
		t.Fatalf("peek: %v %s", err, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/messages/pending", nil, builder)
	expectStatus(t, res, data, http.StatusOK)
	if err := json.Unmarshal(data, &msgs); err != nil || len(msgs) != 1 || msgs[0].Status != domain.MessageDelivered {
		t.Fatalf("claim: %v %s", err, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/messages/pending", nil, builder)
	expectStatus(t, res, data, http.StatusOK)
	if err := json.Unmarshal(data, &msgs); err != nil || len(msgs) != 0 {
		t.Fatalf("second claim: %v %s", err, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/messages/pending?target=builder", nil, token(t, "planner", "p1"))
	expectStatus(t, res, data, http.StatusForbidden)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/messages/history", nil, token(t, "ops", "o1", "admin"))
	expectStatus(t, res, data, http.StatusOK)
}

func TestSprintLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	registerAll(t, srv, "planner", "builder", "orchestrator")
	client := srv.Client()
	planner := token(t, "planner", "p1")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/sprints", map[string]any{
		"projectName": "atlas",
		"branch":      "main",
		"stories": []map[string]any{
			{"id": "api", "title": "API", "target": "builder"},
			{"id": "ui", "title": "UI", "target": "builder", "wave": 2},
		},
	}, planner)
	expectStatus(t, res, data, http.StatusCreated)
	var created struct {
		SprintID   string   `json:"sprintId"`
		StoryCount int      `json:"storyCount"`
		StoryIDs   []string `json:"storyTaskIds"`
	}
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if created.StoryCount != 2 || len(created.StoryIDs) != 2 {
		t.Fatalf("unexpected create %s", string(data))
	}

	builder := token(t, "builder", "b1")
	storyURL := srv.URL + "/v1/sprints/" + created.SprintID + "/stories/api"
	res, data = doJSON(t, client, http.MethodPatch, storyURL, map[string]any{"status": "active", "currentAction": "writing handlers"}, builder)
	expectStatus(t, res, data, http.StatusOK)
	res, data = doJSON(t, client, http.MethodPatch, storyURL, map[string]any{"progress": 140}, builder)
	expectStatus(t, res, data, http.StatusBadRequest)
	res, data = doJSON(t, client, http.MethodPatch, storyURL, map[string]any{"status": "done"}, builder)
	expectStatus(t, res, data, http.StatusOK)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/sprints/"+created.SprintID, nil, planner)
	expectStatus(t, res, data, http.StatusOK)
	var view struct {
		Stats struct {
			Total     int `json:"total"`
			Completed int `json:"completed"`
		} `json:"stats"`
	}
	if err := json.Unmarshal(data, &view); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if view.Stats.Total != 2 || view.Stats.Completed != 1 {
		t.Fatalf("unexpected stats %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/sprints/"+created.SprintID+"/complete", nil, builder)
	expectStatus(t, res, data, http.StatusForbidden)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/sprints/"+created.SprintID+"/complete", map[string]any{"summary": "shipped"}, planner)
	expectStatus(t, res, data, http.StatusOK)
}

func TestSweepNeedsPrivilege(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/sweeps", nil, token(t, "planner", "p1"))
	expectStatus(t, res, data, http.StatusForbidden)
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/sweeps", nil, token(t, "ops", "o1", "admin"))
	expectStatus(t, res, data, http.StatusOK)
}

func TestDevLoginAndMetrics(t *testing.T) {
	srv, cleanup := newTestServer(t, true)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{"tenant": "acme", "program": "planner", "session": "p1"}, nil)
	expectStatus(t, res, data, http.StatusOK)
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil || login.Token == "" {
		t.Fatalf("login: %v %s", err, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer " + login.Token, "X-Session-Id": "p9"})
	expectStatus(t, res, data, http.StatusOK)
	var me WhoAmIResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if me.Program != "planner" || me.Tenant != "acme" || me.Session != "p9" {
		t.Fatalf("unexpected me %+v", me)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	if !strings.Contains(string(data), `switchyard_http_requests_total{method="GET",path="/v1/me",status="200"} 1`) {
		t.Fatalf("metrics missing request counter:\n%s", string(data))
	}
}

func TestOpenAPIDocumentsBothSweepResults(t *testing.T) {
	srv, closeFn := newTestServer(t, false)
	defer closeFn()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	var doc struct {
		Components struct {
			Schemas map[string]json.RawMessage `json:"schemas"`
		} `json:"components"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal openapi: %v", err)
	}
	for _, name := range []string{"TenantSweep", "ExpirySweepResult", "DeadLetterSweepResult"} {
		if _, ok := doc.Components.Schemas[name]; !ok {
			t.Fatalf("schema %s missing from openapi document", name)
		}
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/sweeps", nil, token(t, "ops", "ops-1", "admin"))
	expectStatus(t, res, data, http.StatusOK)
	if !strings.Contains(string(data), `"deadLetters"`) || !strings.Contains(string(data), `"tasks"`) {
		t.Fatalf("sweep response missing counts: %s", string(data))
	}
}
