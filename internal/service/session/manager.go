package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/genos-ai/zeblit-sub001/internal/command"
	"github.com/genos-ai/zeblit-sub001/internal/domain"
	"github.com/genos-ai/zeblit-sub001/internal/runtime"
	"github.com/genos-ai/zeblit-sub001/pkg/metrics"
)

const (
	defaultIdleTimeout  = 15 * time.Minute
	defaultBufferChunks = 64
	defaultChunkSize    = 32 << 10
	defaultRows         = 24
	defaultCols         = 80
	terminateTimeout    = 10 * time.Second
)

var (
	// ErrSessionNotFound reports an unknown or already closed session.
	ErrSessionNotFound = errors.New("session: not found")
	// ErrSessionBusy reports a second transport for an attached session.
	ErrSessionBusy = errors.New("session: already attached to a client")

	errMissingProjectID = errors.New("session: project id required")
)

// Containers resolves a project to its running container.
type Containers interface {
	Acquire(ctx context.Context, projectID string) (domain.ContainerRecord, func(), error)
	Invalidate(ctx context.Context, projectID, containerID string, cause error) error
	Touch(projectID string)
}

// Config bounds interactive sessions.
type Config struct {
	IdleTimeout time.Duration
	// BufferChunks bounds the output queued for a slow client.
	BufferChunks int
	ChunkSize    int
	// KillOnDisconnect is the default for sessions that do not choose.
	KillOnDisconnect bool
	WorkspacePath    string
	// Shell is run when a session is opened without a command.
	Shell      []string
	Registerer prometheus.Registerer
}

// OpenOptions describe a new session. Token, when set, is an encoded
// command; otherwise Args, and finally the configured shell, is run.
type OpenOptions struct {
	Token            string
	Args             []string
	WorkDir          string
	Env              map[string]string
	KillOnDisconnect *bool
	Rows             uint
	Cols             uint
}

// Manager tracks interactive sessions.
type Manager struct {
	containers Containers
	runtime    runtime.Client
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session

	active *prometheus.GaugeVec
	ended  *prometheus.CounterVec
}

// NewManager constructs a session manager.
func NewManager(containers Containers, rt runtime.Client, cfg Config, logger *slog.Logger) *Manager {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.BufferChunks <= 0 {
		cfg.BufferChunks = defaultBufferChunks
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.WorkspacePath == "" {
		cfg.WorkspacePath = "/workspace"
	}
	if len(cfg.Shell) == 0 {
		cfg.Shell = []string{command.ShellPath, "-l"}
	}
	if logger != nil {
		logger = logger.With("component", "sessions")
	}
	return &Manager{
		containers: containers,
		runtime:    rt,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		sessions:   make(map[string]*Session),
		active: metrics.Register(cfg.Registerer, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "zeblit",
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Interactive sessions that are not closed",
		}, []string{"state"})),
		ended: metrics.Register(cfg.Registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zeblit",
			Subsystem: "sessions",
			Name:      "closed_total",
			Help:      "Closed interactive sessions by reason",
		}, []string{"reason"})),
	}
}

// Open starts an interactive process in the project's container and
// returns the attached session. The container is started when needed and
// kept from idling out until the session closes.
func (m *Manager) Open(ctx context.Context, projectID string, opts OpenOptions) (*Session, error) {
	if projectID == "" {
		return nil, errMissingProjectID
	}
	spec, err := m.resolve(opts)
	if err != nil {
		return nil, err
	}
	kill := m.cfg.KillOnDisconnect
	if opts.KillOnDisconnect != nil {
		kill = *opts.KillOnDisconnect
	}
	now := m.now()
	s := &Session{
		ID:               uuid.NewString(),
		ProjectID:        projectID,
		KillOnDisconnect: kill,
		CreatedAt:        now,
		state:            domain.SessionCreated,
		lastActivity:     now,
		closeReq:         make(chan closeRequest, 1),
		done:             make(chan struct{}),
	}
	m.register(s)

	req := runtime.StreamRequest{
		Args:    spec.Args,
		WorkDir: m.workDir(spec.WorkDir),
		Env:     spec.EnvList(),
		TTY:     true,
		Rows:    orDefault(opts.Rows, defaultRows),
		Cols:    orDefault(opts.Cols, defaultCols),
	}
	stream, rec, release, err := m.attach(ctx, projectID, req)
	if err != nil {
		m.forget(s, "open_failed")
		s.markClosed()
		return nil, err
	}

	s.mu.Lock()
	s.ContainerID = rec.ContainerID
	s.stream = stream
	s.release = release
	pending := s.pending
	if pending == nil {
		s.state = domain.SessionAttached
	}
	s.mu.Unlock()
	if pending != nil {
		// Closed while the stream was being opened.
		m.teardown(s, *pending, nil)
		return nil, ErrSessionNotFound
	}
	m.gauges()
	m.logf(slog.LevelInfo, "session attached", "session_id", s.ID, "project_id", projectID, "container_id", rec.ContainerID, "kill_on_disconnect", kill)
	return s, nil
}

func (m *Manager) resolve(opts OpenOptions) (command.Spec, error) {
	if opts.Token != "" {
		spec, err := command.Decode(opts.Token)
		if err != nil {
			return command.Spec{}, err
		}
		spec.Interactive = true
		return spec, nil
	}
	args := opts.Args
	if len(args) == 0 {
		args = m.cfg.Shell
	}
	spec := command.Spec{Args: args, WorkDir: opts.WorkDir, Env: opts.Env, Interactive: true}
	if err := spec.Validate(); err != nil {
		return command.Spec{}, err
	}
	return spec, nil
}

// attach opens the exec stream, resynchronizing the container record and
// retrying once when the runtime disagrees with it.
func (m *Manager) attach(ctx context.Context, projectID string, req runtime.StreamRequest) (runtime.Stream, domain.ContainerRecord, func(), error) {
	for attempt := 0; ; attempt++ {
		rec, release, err := m.containers.Acquire(ctx, projectID)
		if err != nil {
			return nil, domain.ContainerRecord{}, nil, err
		}
		stream, err := m.runtime.StreamExec(ctx, rec.ContainerID, req)
		if err == nil {
			return stream, rec, release, nil
		}
		release()
		stale := errors.Is(err, runtime.ErrContainerNotFound) || errors.Is(err, runtime.ErrContainerNotRunning)
		if attempt > 0 || !stale {
			return nil, domain.ContainerRecord{}, nil, fmt.Errorf("open session stream: %w", err)
		}
		if invErr := m.containers.Invalidate(ctx, projectID, rec.ContainerID, err); invErr != nil {
			return nil, domain.ContainerRecord{}, nil, errors.Join(err, invErr)
		}
	}
}

func (m *Manager) workDir(dir string) string {
	switch {
	case dir == "":
		return m.cfg.WorkspacePath
	case path.IsAbs(dir):
		return path.Clean(dir)
	default:
		return path.Join(m.cfg.WorkspacePath, dir)
	}
}

// Get returns a snapshot of a live session.
func (m *Manager) Get(id string) (domain.InteractiveSession, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return domain.InteractiveSession{}, ErrSessionNotFound
	}
	return s.Snapshot(), nil
}

// List returns the live sessions of a project, or of every project when
// projectID is empty.
func (m *Manager) List(projectID string) []domain.InteractiveSession {
	m.mu.Lock()
	out := make([]domain.InteractiveSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		if projectID == "" || s.ProjectID == projectID {
			out = append(out, s.Snapshot())
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Close ends a session and kills its process. It returns once the session
// is closed or ctx is done.
func (m *Manager) Close(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	m.end(s, closeRequest{reason: ReasonClose, kill: true})
	select {
	case <-s.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// end routes a close request to the serving loop. A session still being
// opened is left for Open to tear down once its stream exists; an attached
// session without a client is torn down here. Only the first request counts.
func (m *Manager) end(s *Session, req closeRequest) {
	s.mu.Lock()
	if s.ending {
		s.mu.Unlock()
		return
	}
	s.ending = true
	bound, opening := s.bound, s.stream == nil
	s.bound = true
	if !bound && opening {
		s.pending = &req
	}
	s.mu.Unlock()
	switch {
	case bound:
		s.requestClose(req)
	case !opening:
		m.teardown(s, req, nil)
	}
}

// Shutdown closes every session, killing their processes.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()
	for _, s := range live {
		m.end(s, closeRequest{reason: ReasonShutdown, kill: true})
	}
	for _, s := range live {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// teardown moves an attached session through closing to closed: the
// process is killed when asked to, the stream is closed and its end
// confirmed, and the container hold is released. drained, when set, runs
// after the stream is closed and must return once the pumps have exited.
func (m *Manager) teardown(s *Session, req closeRequest, drained func()) {
	s.setState(domain.SessionClosing)
	m.gauges()

	s.mu.Lock()
	stream, release := s.stream, s.release
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), terminateTimeout)
	defer cancel()
	if stream != nil {
		if req.kill && req.reason != ReasonExit {
			if err := stream.Kill(ctx); err != nil {
				m.logf(slog.LevelWarn, "failed to kill session process", "session_id", s.ID, "error", err)
			}
		}
		_ = stream.Close()
		if req.kill || req.reason == ReasonExit {
			if code, err := stream.Wait(ctx); err == nil {
				if _, known := s.ExitCode(); !known {
					s.setExitCode(code)
				}
			} else {
				m.logf(slog.LevelWarn, "session process end not confirmed", "session_id", s.ID, "error", err)
			}
		}
	}
	if drained != nil {
		drained()
	}
	if release != nil {
		release()
	}
	m.containers.Touch(s.ProjectID)

	m.forget(s, req.reason)
	s.markClosed()
	m.logf(slog.LevelInfo, "session closed", "session_id", s.ID, "project_id", s.ProjectID, "reason", req.reason, "killed", req.kill && req.reason != ReasonExit)
}

func (m *Manager) register(s *Session) {
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	m.gauges()
}

func (m *Manager) forget(s *Session, reason string) {
	m.mu.Lock()
	delete(m.sessions, s.ID)
	m.mu.Unlock()
	m.ended.WithLabelValues(reason).Inc()
	m.gauges()
}

func (m *Manager) gauges() {
	counts := map[domain.SessionState]int{
		domain.SessionCreated:  0,
		domain.SessionAttached: 0,
		domain.SessionClosing:  0,
	}
	m.mu.Lock()
	for _, s := range m.sessions {
		counts[s.State()]++
	}
	m.mu.Unlock()
	for state, n := range counts {
		m.active.WithLabelValues(string(state)).Set(float64(n))
	}
}

func orDefault(v, fallback uint) uint {
	if v == 0 {
		return fallback
	}
	return v
}

func (m *Manager) logf(level slog.Level, msg string, args ...any) {
	if m.logger != nil {
		m.logger.Log(context.Background(), level, msg, args...)
	}
}
