package httpx

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/genos-ai/zeblit-sub001/internal/agent"
	"github.com/genos-ai/zeblit-sub001/internal/domain"
	"github.com/genos-ai/zeblit-sub001/internal/runtime"
	"github.com/genos-ai/zeblit-sub001/internal/service/project"
	"github.com/genos-ai/zeblit-sub001/internal/service/session"
	"github.com/genos-ai/zeblit-sub001/internal/ws"
)

// Projects authorizes project access and manages project settings.
type Projects interface {
	Authorize(ctx context.Context, projectID, userID string) (*domain.Project, error)
	SetEnvVar(ctx context.Context, input project.EnvVarInput) error
	ListEnvVars(ctx context.Context, projectID string) ([]project.EnvVar, error)
}

// Containers is the lifecycle manager surface exposed over HTTP.
type Containers interface {
	Get(projectID string) domain.ContainerRecord
	EnsureRunning(ctx context.Context, projectID string) (domain.ContainerRecord, error)
	Stop(ctx context.Context, projectID string) (domain.ContainerRecord, error)
	Delete(ctx context.Context, projectID string, purge bool) error
}

// Executor runs encoded commands.
type Executor interface {
	Execute(ctx context.Context, projectID, token string) (domain.ExecutionResult, error)
	Stream(ctx context.Context, projectID, token string, w io.Writer) (domain.ExecutionResult, error)
}

// Sessions manages interactive sessions.
type Sessions interface {
	Open(ctx context.Context, projectID string, opts session.OpenOptions) (*session.Session, error)
	Serve(ctx context.Context, s *session.Session, t session.Transport) error
	Get(id string) (domain.InteractiveSession, error)
	List(projectID string) []domain.InteractiveSession
	Close(ctx context.Context, id string) error
}

// ContainerLogs reads container output and resource usage.
type ContainerLogs interface {
	Tail(ctx context.Context, projectID string, tail int) (string, error)
	Stats(ctx context.Context, projectID string) (runtime.Stats, error)
}

// Telemetry serves the execution log and the project event hub.
type Telemetry interface {
	ListExecutions(ctx context.Context, projectID string, limit, offset int) ([]domain.ExecutionRecord, error)
	ListRollups(ctx context.Context, projectID, outcome string, bucketSpan time.Duration, limit int) ([]domain.ExecutionRollup, error)
	Hub() *ws.Hub
}

// Agents answers development questions.
type Agents interface {
	Dispatch(ctx context.Context, kind agent.Kind, req agent.Request) (agent.Response, error)
}

// Deps lists what the router serves. Logger, JWTSecret, Projects and
// Containers are required; nil optional services disable their routes.
type Deps struct {
	Logger       *slog.Logger
	JWTSecret    string
	Projects     Projects
	Containers   Containers
	Executor     Executor
	Sessions     Sessions
	Logs         ContainerLogs
	Telemetry    Telemetry
	Agents       Agents
	Limiter      RateLimiter
	DBHealth     func(context.Context) error
	EngineHealth func(context.Context) error
	Registerer   prometheus.Registerer
	Gatherer     prometheus.Gatherer
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux          chi.Router
	logger       *slog.Logger
	jwtSecret    string
	projects     Projects
	containers   Containers
	executor     Executor
	sessions     Sessions
	logs         ContainerLogs
	telemetry    Telemetry
	agents       Agents
	upgrader     websocket.Upgrader
	limiter      RateLimiter
	metrics      routerMetrics
	gatherer     prometheus.Gatherer
	dbHealth     func(context.Context) error
	engineHealth func(context.Context) error
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitExec      = 120
	rateLimitLifecycle = 30
	rateLimitUserWrite = 60
	rateLimitUserRead  = 240
	rateLimitWebsocket = 30
	rateLimitAgent     = 20
	healthCheckTimeout = 2 * time.Second
	sseHeartbeat       = 15 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(deps Deps) *Router {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		logger:     logger,
		jwtSecret:  deps.JWTSecret,
		projects:   deps.Projects,
		containers: deps.Containers,
		executor:   deps.Executor,
		sessions:   deps.Sessions,
		logs:       deps.Logs,
		telemetry:  deps.Telemetry,
		agents:     deps.Agents,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:      deps.Limiter,
		metrics:      newRouterMetrics(deps.Registerer),
		gatherer:     deps.Gatherer,
		dbHealth:     deps.DBHealth,
		engineHealth: deps.EngineHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.gatherer == nil {
		r.gatherer = prometheus.DefaultGatherer
	}
	r.mux = r.routes()
	return r
}

// ServeHTTP delegates to the chi router.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) routes() chi.Router {
	mux := chi.NewRouter()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.Recoverer)
	mux.Use(r.audit)
	mux.NotFound(func(w http.ResponseWriter, _ *http.Request) { writeError(w, http.StatusNotFound, "not found") })
	mux.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	mux.Get("/healthz", r.handleHealthz)
	mux.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))

	mux.Route("/v1", func(v chi.Router) {
		v.Use(r.requireAuth)
		v.Get("/agents", r.handleAgentKinds)
		v.With(r.limit("session_delete", rateLimitUserWrite, rateWindowDefault)).Delete("/sessions/{sessionID}", r.handleSessionDelete)

		v.Route("/projects/{projectID}", func(p chi.Router) {
			p.Use(r.requireProject)

			p.With(r.limit("exec", rateLimitExec, rateWindowDefault)).Post("/exec", r.handleExec)
			p.With(r.limit("exec", rateLimitExec, rateWindowDefault)).Post("/exec/stream", r.handleExecStream)

			p.With(r.limit("container_read", rateLimitUserRead, rateWindowDefault)).Get("/container", r.handleContainerGet)
			p.With(r.limit("container_lifecycle", rateLimitLifecycle, rateWindowDefault)).Post("/container/start", r.handleContainerStart)
			p.With(r.limit("container_lifecycle", rateLimitLifecycle, rateWindowDefault)).Post("/container/stop", r.handleContainerStop)
			p.With(r.limit("container_lifecycle", rateLimitLifecycle, rateWindowDefault)).Delete("/container", r.handleContainerDelete)
			p.With(r.limit("container_read", rateLimitUserRead, rateWindowDefault)).Get("/container/logs", r.handleContainerLogs)
			p.With(r.limit("container_read", rateLimitUserRead, rateWindowDefault)).Get("/container/stats", r.handleContainerStats)

			p.Get("/sessions", r.handleSessionList)
			p.With(r.limit("session_ws", rateLimitWebsocket, rateWindowRealtime)).Get("/sessions/ws", r.handleSessionWS)
			p.With(r.limit("events", rateLimitWebsocket, rateWindowRealtime)).Get("/events", r.handleEvents)

			p.Get("/env", r.handleEnvList)
			p.With(r.limit("env_write", rateLimitUserWrite, rateWindowDefault)).Put("/env", r.handleEnvPut)
			p.Get("/executions", r.handleExecutions)
			p.Get("/executions/rollups", r.handleExecutionRollups)

			p.With(r.limit("agent", rateLimitAgent, rateWindowDefault)).Post("/agents/{kind}", r.handleAgentDispatch)
		})
	})
	return mux
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	components := make(map[string]any)
	status := "ok"
	check := func(name string, ping func(context.Context) error) {
		if ping == nil {
			return
		}
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := ping(ctx); err != nil {
			status = "degraded"
			components[name] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
			return
		}
		components[name] = map[string]any{"status": "up"}
	}
	check("database", r.dbHealth)
	check("container_engine", r.engineHealth)

	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

// audit logs every request and records its metrics under the matched
// route pattern.
func (r *Router) audit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		route := "unmatched"
		if rctx := chi.RouteContext(req.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		r.metrics.recordRequest(req.Method, route, status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"route", route,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := middleware.GetReqID(req.Context()); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "user"
			fields = append(fields, "user_id", info.UserID)
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		if sr.status == 0 {
			sr.status = http.StatusSwitchingProtocols
		}
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) unavailable(w http.ResponseWriter, what string) {
	writeJSON(w, http.StatusNotImplemented, errorBody{Error: what + " not configured", Code: "not_configured"})
}
