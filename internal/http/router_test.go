package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/genos-ai/zeblit-sub001/internal/agent"
	"github.com/genos-ai/zeblit-sub001/internal/command"
	"github.com/genos-ai/zeblit-sub001/internal/domain"
	"github.com/genos-ai/zeblit-sub001/internal/repository"
	"github.com/genos-ai/zeblit-sub001/internal/runtime"
	"github.com/genos-ai/zeblit-sub001/internal/service/lifecycle"
	"github.com/genos-ai/zeblit-sub001/internal/service/project"
	"github.com/genos-ai/zeblit-sub001/internal/service/session"
	jwtpkg "github.com/genos-ai/zeblit-sub001/pkg/jwt"
)

const testSecret = "test-secret"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubProjects struct {
	owners map[string]string
	mu     sync.Mutex
	env    map[string]string
}

func (s *stubProjects) Authorize(_ context.Context, projectID, userID string) (*domain.Project, error) {
	owner, ok := s.owners[projectID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if owner != userID {
		return nil, project.ErrForbidden
	}
	return &domain.Project{ID: projectID, OwnerID: owner}, nil
}

func (s *stubProjects) SetEnvVar(_ context.Context, input project.EnvVarInput) error {
	if input.Key == "" || strings.ContainsAny(input.Key, " -") {
		return project.ErrInvalidEnvKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.env == nil {
		s.env = make(map[string]string)
	}
	s.env[input.Key] = input.Value
	return nil
}

func (s *stubProjects) ListEnvVars(context.Context, string) ([]project.EnvVar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []project.EnvVar
	for k, v := range s.env {
		out = append(out, project.EnvVar{Key: k, Value: v})
	}
	return out, nil
}

type stubContainers struct {
	mu       sync.Mutex
	record   domain.ContainerRecord
	startErr error
	purged   bool
	deleted  bool
}

func (s *stubContainers) Get(projectID string) domain.ContainerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.record
	rec.ProjectID = projectID
	return rec
}

func (s *stubContainers) EnsureRunning(_ context.Context, projectID string) (domain.ContainerRecord, error) {
	if s.startErr != nil {
		return domain.ContainerRecord{}, s.startErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record = domain.ContainerRecord{
		ProjectID:   projectID,
		ContainerID: "c-1",
		State:       domain.ContainerRunning,
		Ports:       domain.PortRange{Start: 20000, Width: 10},
	}
	return s.record, nil
}

func (s *stubContainers) Stop(_ context.Context, projectID string) (domain.ContainerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record.State = domain.ContainerStopped
	s.record.ProjectID = projectID
	return s.record, nil
}

func (s *stubContainers) Delete(_ context.Context, _ string, purge bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = true
	s.purged = purge
	return nil
}

type stubExecutor struct {
	output string
	result domain.ExecutionResult
	err    error
	tokens []string
}

func (s *stubExecutor) Execute(_ context.Context, _ string, token string) (domain.ExecutionResult, error) {
	s.tokens = append(s.tokens, token)
	if _, err := command.Decode(token); err != nil {
		return domain.ExecutionResult{}, err
	}
	return s.result, s.err
}

func (s *stubExecutor) Stream(_ context.Context, _ string, token string, w io.Writer) (domain.ExecutionResult, error) {
	s.tokens = append(s.tokens, token)
	if s.output != "" {
		if _, err := io.WriteString(w, s.output); err != nil {
			return domain.ExecutionResult{}, err
		}
	}
	return s.result, s.err
}

type stubSessions struct {
	sessions map[string]domain.InteractiveSession
	closed   []string
}

func (s *stubSessions) Open(context.Context, string, session.OpenOptions) (*session.Session, error) {
	return nil, errors.New("not supported in tests")
}

func (s *stubSessions) Serve(context.Context, *session.Session, session.Transport) error {
	return nil
}

func (s *stubSessions) Get(id string) (domain.InteractiveSession, error) {
	snap, ok := s.sessions[id]
	if !ok {
		return domain.InteractiveSession{}, session.ErrSessionNotFound
	}
	return snap, nil
}

func (s *stubSessions) List(projectID string) []domain.InteractiveSession {
	var out []domain.InteractiveSession
	for _, snap := range s.sessions {
		if snap.ProjectID == projectID {
			out = append(out, snap)
		}
	}
	return out
}

func (s *stubSessions) Close(_ context.Context, id string) error {
	s.closed = append(s.closed, id)
	return nil
}

type denyLimiter struct{}

func (denyLimiter) Allow(string, int, time.Duration) rateDecision {
	return rateDecision{allowed: false, count: 1, windowEnd: time.Now().Add(time.Minute)}
}

func (denyLimiter) Close() {}

type testEnv struct {
	router     *Router
	registry   *prometheus.Registry
	projects   *stubProjects
	containers *stubContainers
	executor   *stubExecutor
	sessions   *stubSessions
}

func newTestEnv(t *testing.T, mutate func(*Deps)) *testEnv {
	t.Helper()
	env := &testEnv{
		registry:   prometheus.NewRegistry(),
		projects:   &stubProjects{owners: map[string]string{"proj-1": "user-1", "proj-2": "user-2"}},
		containers: &stubContainers{},
		executor:   &stubExecutor{},
		sessions:   &stubSessions{sessions: map[string]domain.InteractiveSession{}},
	}
	deps := Deps{
		Logger:     discardLogger(),
		JWTSecret:  testSecret,
		Projects:   env.projects,
		Containers: env.containers,
		Executor:   env.executor,
		Sessions:   env.sessions,
		Registerer: env.registry,
		Gatherer:   env.registry,
	}
	if mutate != nil {
		mutate(&deps)
	}
	env.router = NewRouter(deps)
	t.Cleanup(env.router.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = strings.NewReader(string(raw))
	}
	req := httptest.NewRequest(method, path, reader)
	if user != "" {
		token, err := jwtpkg.GenerateToken(user, testSecret, time.Hour)
		if err != nil {
			t.Fatalf("token: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func mustEncode(t *testing.T, raw string) string {
	t.Helper()
	token, err := command.Encode(raw, command.Options{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return token
}

func TestHealthzReportsComponents(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		d.DBHealth = func(context.Context) error { return nil }
		d.EngineHealth = func(context.Context) error { return errors.New("daemon down") }
	})
	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	body := decodeBody[map[string]any](t, rec)
	if body["status"] != "degraded" {
		t.Fatalf("unexpected status %v", body["status"])
	}
	components := body["components"].(map[string]any)
	if components["database"].(map[string]any)["status"] != "up" {
		t.Fatalf("database should be up: %v", components)
	}
	if components["container_engine"].(map[string]any)["status"] != "down" {
		t.Fatalf("engine should be down: %v", components)
	}
}

func TestProjectRoutesRequireAuthentication(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/v1/projects/proj-1/container", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestProjectRoutesRequireOwnership(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/v1/projects/proj-2/container", "user-1", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/v1/projects/missing/container", "user-1", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestExecReturnsResult(t *testing.T) {
	env := newTestEnv(t, nil)
	env.executor.result = domain.ExecutionResult{
		ExitCode:  3,
		Stdout:    "hello\n",
		Command:   command.Spec{Args: []string{"echo", "hello"}},
		Duration:  1500 * time.Millisecond,
		StartedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	token := mustEncode(t, "echo hello")
	rec := env.do(t, http.MethodPost, "/v1/projects/proj-1/exec", "user-1", execPayload{Token: token})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	view := decodeBody[resultView](t, rec)
	if view.ExitCode != 3 || view.Stdout != "hello\n" || view.TimedOut {
		t.Fatalf("unexpected view %+v", view)
	}
	if view.DurationMS != 1500 {
		t.Fatalf("expected 1500ms, got %v", view.DurationMS)
	}
	if view.StartedAt != "2026-01-02T03:04:05Z" {
		t.Fatalf("unexpected started_at %q", view.StartedAt)
	}
	if len(env.executor.tokens) != 1 || env.executor.tokens[0] != token {
		t.Fatalf("token not forwarded: %v", env.executor.tokens)
	}
}

func TestExecTimeoutIsReportedInBody(t *testing.T) {
	env := newTestEnv(t, nil)
	env.executor.result = domain.ExecutionResult{ExitCode: -1, Stdout: "partial"}
	env.executor.err = fmt.Errorf("%w after 1s", runtime.ErrExecutionTimeout)
	rec := env.do(t, http.MethodPost, "/v1/projects/proj-1/exec", "user-1", execPayload{Token: mustEncode(t, "sleep 5")})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	view := decodeBody[resultView](t, rec)
	if !view.TimedOut || view.ExitCode != -1 || view.Stdout != "partial" {
		t.Fatalf("unexpected view %+v", view)
	}
}

func TestExecRejectsBadTokens(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodPost, "/v1/projects/proj-1/exec", "user-1", execPayload{Token: "!!not-base64!!"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if body := decodeBody[errorBody](t, rec); body.Code != "decode_error" {
		t.Fatalf("unexpected code %q", body.Code)
	}

	rec = env.do(t, http.MethodPost, "/v1/projects/proj-1/exec", "user-1", execPayload{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty token, got %d", rec.Code)
	}
}

func TestExecMapsServiceErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{lifecycle.ErrQuotaExceeded, http.StatusTooManyRequests, "quota_exceeded"},
		{lifecycle.ErrContainerStartTimeout, http.StatusGatewayTimeout, "container_start_timeout"},
		{fmt.Errorf("exec: %w", runtime.ErrContainerNotRunning), http.StatusConflict, "container_not_running"},
		{errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		env := newTestEnv(t, nil)
		env.executor.err = tc.err
		rec := env.do(t, http.MethodPost, "/v1/projects/proj-1/exec", "user-1", execPayload{Token: mustEncode(t, "ls")})
		if rec.Code != tc.status {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.status, rec.Code)
		}
		body := decodeBody[errorBody](t, rec)
		if body.Code != tc.code {
			t.Fatalf("%v: expected code %q, got %q", tc.err, tc.code, body.Code)
		}
		if tc.status == http.StatusInternalServerError && body.Error != "internal error" {
			t.Fatalf("internal error leaked: %q", body.Error)
		}
	}
}

func TestExecStreamEmitsOutputThenExit(t *testing.T) {
	env := newTestEnv(t, nil)
	env.executor.output = "line one\nline two"
	env.executor.result = domain.ExecutionResult{ExitCode: 0, Duration: time.Second}
	rec := env.do(t, http.MethodPost, "/v1/projects/proj-1/exec/stream", "user-1", execPayload{Token: mustEncode(t, "cat notes")})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	body := rec.Body.String()
	if !strings.HasPrefix(body, "event: output\ndata: line one\ndata: line two\n\n") {
		t.Fatalf("unexpected output framing %q", body)
	}
	if !strings.Contains(body, "event: exit\ndata: {\"exit_code\":0,\"truncated\":false,\"timed_out\":false,\"duration_ms\":1000}\n\n") {
		t.Fatalf("missing exit event in %q", body)
	}
}

func TestExecStreamErrorBeforeOutputIsJSON(t *testing.T) {
	env := newTestEnv(t, nil)
	env.executor.err = lifecycle.ErrPortsExhausted
	rec := env.do(t, http.MethodPost, "/v1/projects/proj-1/exec/stream", "user-1", execPayload{Token: mustEncode(t, "ls")})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if body := decodeBody[errorBody](t, rec); body.Code != "ports_exhausted" {
		t.Fatalf("unexpected code %q", body.Code)
	}
}

func TestExecStreamErrorAfterOutputIsEvent(t *testing.T) {
	env := newTestEnv(t, nil)
	env.executor.output = "started"
	env.executor.err = runtime.ErrContainerNotFound
	rec := env.do(t, http.MethodPost, "/v1/projects/proj-1/exec/stream", "user-1", execPayload{Token: mustEncode(t, "ls")})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "event: error\ndata: {\"error\":") || !strings.Contains(rec.Body.String(), "container_not_found") {
		t.Fatalf("missing error event in %q", rec.Body.String())
	}
}

func TestContainerLifecycleRoutes(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/v1/projects/proj-1/container", "user-1", nil)
	if view := decodeBody[containerView](t, rec); view.State != "absent" {
		t.Fatalf("expected absent, got %+v", view)
	}

	rec = env.do(t, http.MethodPost, "/v1/projects/proj-1/container/start", "user-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("start: %d", rec.Code)
	}
	view := decodeBody[containerView](t, rec)
	if view.State != "running" || view.ContainerID != "c-1" || view.PortStart != 20000 || view.Ports == "" {
		t.Fatalf("unexpected view %+v", view)
	}

	rec = env.do(t, http.MethodPost, "/v1/projects/proj-1/container/stop", "user-1", nil)
	if view := decodeBody[containerView](t, rec); view.State != "stopped" {
		t.Fatalf("expected stopped, got %+v", view)
	}

	rec = env.do(t, http.MethodDelete, "/v1/projects/proj-1/container?purge=true", "user-1", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rec.Code)
	}
	if !env.containers.deleted || !env.containers.purged {
		t.Fatalf("expected purge delete, got %+v", env.containers)
	}
}

func TestContainerStartQuota(t *testing.T) {
	env := newTestEnv(t, nil)
	env.containers.startErr = fmt.Errorf("owner user-1: %w", lifecycle.ErrQuotaExceeded)
	rec := env.do(t, http.MethodPost, "/v1/projects/proj-1/container/start", "user-1", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
}

func TestUnconfiguredServicesReportNotConfigured(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/v1/projects/proj-1/container/logs", "user-1", nil)
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodPost, "/v1/projects/proj-1/agents/engineer", "user-1", map[string]string{"prompt": "hi"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestEnvRoutes(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodPut, "/v1/projects/proj-1/env", "user-1", map[string]string{"key": "API_URL", "value": "http://x"})
	if rec.Code != http.StatusOK {
		t.Fatalf("put: %d %s", rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodPut, "/v1/projects/proj-1/env", "user-1", map[string]string{"key": "bad key"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/v1/projects/proj-1/env", "user-1", nil)
	vars := decodeBody[[]project.EnvVar](t, rec)
	if len(vars) != 1 || vars[0].Key != "API_URL" {
		t.Fatalf("unexpected vars %+v", vars)
	}
}

func TestSessionDeleteChecksOwnership(t *testing.T) {
	env := newTestEnv(t, nil)
	env.sessions.sessions["s-1"] = domain.InteractiveSession{ID: "s-1", ProjectID: "proj-2", State: domain.SessionAttached}
	env.sessions.sessions["s-2"] = domain.InteractiveSession{ID: "s-2", ProjectID: "proj-1", State: domain.SessionAttached}

	rec := env.do(t, http.MethodDelete, "/v1/sessions/s-1", "user-1", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodDelete, "/v1/sessions/s-2", "user-1", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodDelete, "/v1/sessions/nope", "user-1", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if len(env.sessions.closed) != 1 || env.sessions.closed[0] != "s-2" {
		t.Fatalf("unexpected closed sessions %v", env.sessions.closed)
	}

	rec = env.do(t, http.MethodGet, "/v1/projects/proj-1/sessions", "user-1", nil)
	views := decodeBody[[]sessionView](t, rec)
	if len(views) != 1 || views[0].ID != "s-2" || views[0].State != "attached" {
		t.Fatalf("unexpected sessions %+v", views)
	}
}

func TestSessionOptionsFromQuery(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/x?command=abc&workdir=/workspace/app&rows=40&cols=120&kill_on_disconnect=false", nil)
	opts, err := sessionOptions(req)
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	if opts.Token != "abc" || opts.WorkDir != "/workspace/app" || opts.Rows != 40 || opts.Cols != 120 {
		t.Fatalf("unexpected options %+v", opts)
	}
	if opts.KillOnDisconnect == nil || *opts.KillOnDisconnect {
		t.Fatalf("expected explicit false kill_on_disconnect")
	}

	req = httptest.NewRequest(http.MethodGet, "/x?rows=0", nil)
	if _, err := sessionOptions(req); err == nil {
		t.Fatal("expected error for zero rows")
	}
}

func TestRateLimitRejects(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) { d.Limiter = denyLimiter{} })
	rec := env.do(t, http.MethodPost, "/v1/projects/proj-1/container/start", "user-1", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Limit") == "" {
		t.Fatal("missing rate limit headers")
	}
}

func TestAgentKindsListed(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/v1/agents", "user-1", nil)
	body := decodeBody[struct {
		Agents  []string `json:"agents"`
		Enabled bool     `json:"enabled"`
	}](t, rec)
	if len(body.Agents) != len(agent.Kinds()) || body.Enabled {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestRequestMetricsUseRoutePattern(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, http.MethodGet, "/v1/projects/proj-1/container", "user-1", nil)

	families, err := env.registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != "zeblit_api_http_requests_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, label := range m.GetLabel() {
				if label.GetName() == "route" && label.GetValue() == "/v1/projects/{projectID}/container" {
					return
				}
			}
		}
	}
	t.Fatal("request metric with route pattern not found")
}
