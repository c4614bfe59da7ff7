// Package lifecycle maps projects to their development containers. It keeps
// at most one container per project, enforces per-user quotas, allocates
// host port ranges and stops idle containers.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/genos-ai/zeblit-sub001/internal/domain"
	"github.com/genos-ai/zeblit-sub001/internal/runtime"
	"github.com/genos-ai/zeblit-sub001/pkg/config"
)

const (
	containerNamePrefix = "zeblit-"
	cleanupTimeout      = 30 * time.Second
	shutdownParallelism = 8
)

var (
	// ErrQuotaExceeded reports that the owner already runs the maximum
	// number of containers.
	ErrQuotaExceeded = errors.New("lifecycle: container quota exceeded")
	// ErrContainerStartTimeout reports a cold start that overran its budget.
	ErrContainerStartTimeout = errors.New("lifecycle: container start timeout")
	// ErrPortsExhausted reports that every port range is assigned.
	ErrPortsExhausted = errors.New("lifecycle: no free port range")

	errMissingProjectID = errors.New("lifecycle: project id required")
)

// Directory resolves the ownership and settings of a project.
type Directory interface {
	Profile(ctx context.Context, projectID string) (domain.ProjectProfile, error)
}

// Workspaces provides the host directory mounted into a project container.
type Workspaces interface {
	Ensure(projectID string) (string, error)
	Remove(projectID string) error
}

// Observer is told about every record change. Calls are synchronous and
// happen while the project's lock is held, so observers must not block.
type Observer interface {
	ContainerChanged(rec domain.ContainerRecord)
}

// Manager owns the project to container mapping.
type Manager struct {
	runtime    runtime.Client
	directory  Directory
	workspaces Workspaces
	store      *Store
	locks      *projectLocks
	policy     config.ContainerPolicy
	logger     *slog.Logger

	obsMu     sync.RWMutex
	observers []Observer

	now func() time.Time
}

// New constructs a lifecycle manager around store.
func New(rt runtime.Client, directory Directory, workspaces Workspaces, store *Store, policy config.ContainerPolicy, logger *slog.Logger) *Manager {
	if store == nil {
		store = NewStore(policy.PortRangeBase, policy.PortRangeWidth, policy.PortRangeMax)
	}
	if logger != nil {
		logger = logger.With("component", "lifecycle")
	}
	return &Manager{
		runtime:    rt,
		directory:  directory,
		workspaces: workspaces,
		store:      store,
		locks:      newProjectLocks(),
		policy:     policy,
		logger:     logger,
		now:        time.Now,
	}
}

// Observe registers an observer for record changes.
func (m *Manager) Observe(o Observer) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.observers = append(m.observers, o)
}

func (m *Manager) notify(rec domain.ContainerRecord) {
	m.obsMu.RLock()
	defer m.obsMu.RUnlock()
	for _, o := range m.observers {
		o.ContainerChanged(rec)
	}
}

// Get returns the project's record; unknown projects report state absent.
func (m *Manager) Get(projectID string) domain.ContainerRecord {
	rec, _ := m.store.Get(projectID)
	return rec
}

// List returns every tracked record.
func (m *Manager) List() []domain.ContainerRecord {
	return m.store.List()
}

// Policy returns the container policy the manager enforces.
func (m *Manager) Policy() config.ContainerPolicy {
	return m.policy
}

// EnsureRunning returns the project's running container, restarting a
// stopped one or provisioning a new one as needed. Calls for one project are
// serialized: concurrent callers share a single provisioning. A running
// record is returned without contacting the runtime.
func (m *Manager) EnsureRunning(ctx context.Context, projectID string) (domain.ContainerRecord, error) {
	rec, release, err := m.ensure(ctx, projectID, false)
	if release != nil {
		release()
	}
	return rec, err
}

// Acquire is EnsureRunning that also marks the container in use until the
// returned release func is called. The idle sweep never stops a container
// with outstanding holds.
func (m *Manager) Acquire(ctx context.Context, projectID string) (domain.ContainerRecord, func(), error) {
	return m.ensure(ctx, projectID, true)
}

func (m *Manager) ensure(ctx context.Context, projectID string, hold bool) (domain.ContainerRecord, func(), error) {
	if projectID == "" {
		return domain.ContainerRecord{}, nil, errMissingProjectID
	}
	if m.policy.StartTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.policy.StartTimeout)
		defer cancel()
	}
	unlock, err := m.locks.lock(ctx, projectID)
	if err != nil {
		return domain.ContainerRecord{}, nil, m.startErr(ctx, err)
	}
	defer unlock()

	rec, err := m.ensureLocked(ctx, projectID)
	if err != nil {
		return domain.ContainerRecord{}, nil, m.startErr(ctx, err)
	}
	if !hold {
		return rec, nil, nil
	}
	m.store.hold(projectID, m.now())
	var once sync.Once
	return rec, func() {
		once.Do(func() { m.store.unhold(projectID, m.now()) })
	}, nil
}

func (m *Manager) ensureLocked(ctx context.Context, projectID string) (domain.ContainerRecord, error) {
	prev, known := m.store.Get(projectID)
	if known && prev.State == domain.ContainerRunning {
		m.store.touch(projectID, m.now())
		rec, _ := m.store.Get(projectID)
		return rec, nil
	}

	profile, err := m.directory.Profile(ctx, projectID)
	if err != nil {
		return domain.ContainerRecord{}, fmt.Errorf("resolve project %s: %w", projectID, err)
	}
	quota := m.policy.MaxPerUser
	if profile.MaxContainers > 0 {
		quota = profile.MaxContainers
	}
	limits := domain.ResourceLimits{CPUShares: m.policy.CPUShares, MemoryBytes: m.policy.MemoryBytes}
	claimed, err := m.store.claim(projectID, profile.OwnerID, quota, limits, m.now())
	if err != nil {
		return domain.ContainerRecord{}, err
	}
	m.notify(claimed)

	if known && prev.State == domain.ContainerStopped && claimed.ContainerID != "" {
		rec, err := m.restart(ctx, claimed)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, runtime.ErrContainerNotFound) {
			return domain.ContainerRecord{}, m.fail(projectID, err)
		}
		m.logf(slog.LevelWarn, "stopped container vanished, provisioning a new one", "project_id", projectID, "container_id", claimed.ContainerID)
		claimed, _ = m.store.update(projectID, func(r *domain.ContainerRecord) { r.ContainerID = "" })
	}
	return m.provision(ctx, claimed, profile)
}

func (m *Manager) restart(ctx context.Context, rec domain.ContainerRecord) (domain.ContainerRecord, error) {
	if err := m.runtime.Start(ctx, rec.ContainerID); err != nil {
		return domain.ContainerRecord{}, err
	}
	return m.markRunning(rec.ProjectID), nil
}

func (m *Manager) provision(ctx context.Context, claimed domain.ContainerRecord, profile domain.ProjectProfile) (domain.ContainerRecord, error) {
	projectID := claimed.ProjectID
	name := ContainerName(projectID)

	// Clear leftovers from an earlier failed attempt or a previous process.
	if claimed.ContainerID != "" {
		m.removeQuietly(ctx, claimed.ContainerID)
	}
	m.removeQuietly(ctx, name)

	opts := runtime.CreateOptions{
		Name:    name,
		Image:   m.policy.Image,
		Env:     envList(profile.Env),
		WorkDir: m.policy.WorkspacePath,
		Labels: map[string]string{
			runtime.LabelManaged: "true",
			runtime.LabelProject: projectID,
			runtime.LabelOwner:   claimed.OwnerID,
			runtime.LabelPorts:   claimed.Ports.String(),
		},
		Limits: runtime.Limits{CPUShares: claimed.Limits.CPUShares, MemoryBytes: claimed.Limits.MemoryBytes},
	}
	if !claimed.Ports.Empty() {
		opts.Ports = runtime.PortBinding{
			HostStart:     claimed.Ports.Start,
			ContainerPort: m.policy.ContainerPort,
			Count:         claimed.Ports.Width,
		}
	}
	if m.workspaces != nil {
		dir, err := m.workspaces.Ensure(projectID)
		if err != nil {
			return domain.ContainerRecord{}, m.fail(projectID, fmt.Errorf("prepare workspace: %w", err))
		}
		opts.Mounts = []runtime.Mount{{Source: dir, Target: m.policy.WorkspacePath}}
	}

	id, err := m.runtime.Create(ctx, opts)
	if err != nil {
		return domain.ContainerRecord{}, m.fail(projectID, err)
	}
	m.store.update(projectID, func(r *domain.ContainerRecord) { r.ContainerID = id })

	if err := m.runtime.Start(ctx, id); err != nil {
		m.removeQuietly(ctx, id)
		return domain.ContainerRecord{}, m.fail(projectID, err)
	}
	now := m.now()
	rec, _ := m.store.update(projectID, func(r *domain.ContainerRecord) {
		r.CreatedAt = now
	})
	rec = m.markRunning(projectID)
	m.logf(slog.LevelInfo, "container provisioned", "project_id", projectID, "container_id", id, "ports", rec.Ports.String())
	return rec, nil
}

func (m *Manager) markRunning(projectID string) domain.ContainerRecord {
	now := m.now()
	rec, _ := m.store.update(projectID, func(r *domain.ContainerRecord) {
		r.State = domain.ContainerRunning
		r.LastError = ""
		r.LastActivityAt = now
		r.UpdatedAt = now
	})
	m.notify(rec)
	return rec
}

// fail moves the record to error, which releases its quota slot and port
// range, and returns cause.
func (m *Manager) fail(projectID string, cause error) error {
	now := m.now()
	rec, _ := m.store.update(projectID, func(r *domain.ContainerRecord) {
		r.State = domain.ContainerError
		r.LastError = cause.Error()
		r.Ports = domain.PortRange{}
		r.UpdatedAt = now
	})
	m.notify(rec)
	m.logf(slog.LevelWarn, "container transition failed", "project_id", projectID, "error", cause)
	return cause
}

// removeQuietly deletes a container ignoring not-found. It uses its own
// budget so cleanup still happens after the caller's deadline.
func (m *Manager) removeQuietly(parent context.Context, ref string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), cleanupTimeout)
	defer cancel()
	if err := m.runtime.Remove(ctx, ref); err != nil && !errors.Is(err, runtime.ErrContainerNotFound) {
		m.logf(slog.LevelWarn, "failed to remove container", "container", ref, "error", err)
	}
}

func (m *Manager) startErr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrContainerStartTimeout, err)
	}
	return err
}

// Stop stops the project's container. Stopping a stopped or unknown project
// succeeds without side effects.
func (m *Manager) Stop(ctx context.Context, projectID string) (domain.ContainerRecord, error) {
	if projectID == "" {
		return domain.ContainerRecord{}, errMissingProjectID
	}
	unlock, err := m.locks.lock(ctx, projectID)
	if err != nil {
		return domain.ContainerRecord{}, err
	}
	defer unlock()
	return m.stopLocked(ctx, projectID, "requested")
}

func (m *Manager) stopLocked(ctx context.Context, projectID, reason string) (domain.ContainerRecord, error) {
	rec, known := m.store.Get(projectID)
	if !known || rec.State != domain.ContainerRunning || rec.ContainerID == "" {
		return rec, nil
	}
	rec, _ = m.store.update(projectID, func(r *domain.ContainerRecord) {
		r.State = domain.ContainerStopping
		r.UpdatedAt = m.now()
	})
	m.notify(rec)

	err := m.runtime.Stop(ctx, rec.ContainerID, m.policy.StopGracePeriod)
	switch {
	case errors.Is(err, runtime.ErrContainerNotFound):
		m.store.remove(projectID)
		rec = domain.ContainerRecord{ProjectID: projectID, OwnerID: rec.OwnerID, State: domain.ContainerAbsent, UpdatedAt: m.now()}
		m.notify(rec)
		return rec, nil
	case err != nil:
		rec, _ = m.store.update(projectID, func(r *domain.ContainerRecord) {
			r.State = domain.ContainerRunning
			r.LastError = err.Error()
			r.UpdatedAt = m.now()
		})
		m.notify(rec)
		return rec, fmt.Errorf("stop container %s: %w", rec.ContainerID, err)
	}
	rec, _ = m.store.update(projectID, func(r *domain.ContainerRecord) {
		r.State = domain.ContainerStopped
		r.CPUPercent = nil
		r.MemoryBytes = nil
		r.UpdatedAt = m.now()
	})
	m.notify(rec)
	m.logf(slog.LevelInfo, "container stopped", "project_id", projectID, "container_id", rec.ContainerID, "reason", reason)
	return rec, nil
}

// Delete removes the project's container and forgets its record. With
// purge the host workspace is deleted too.
func (m *Manager) Delete(ctx context.Context, projectID string, purge bool) error {
	if projectID == "" {
		return errMissingProjectID
	}
	unlock, err := m.locks.lock(ctx, projectID)
	if err != nil {
		return err
	}
	defer unlock()

	rec, known := m.store.Get(projectID)
	if known && rec.ContainerID != "" {
		if err := m.runtime.Remove(ctx, rec.ContainerID); err != nil && !errors.Is(err, runtime.ErrContainerNotFound) {
			return fmt.Errorf("remove container %s: %w", rec.ContainerID, err)
		}
	}
	m.store.remove(projectID)
	m.notify(domain.ContainerRecord{ProjectID: projectID, OwnerID: rec.OwnerID, State: domain.ContainerAbsent, UpdatedAt: m.now()})
	if purge && m.workspaces != nil {
		if err := m.workspaces.Remove(projectID); err != nil {
			return fmt.Errorf("remove workspace: %w", err)
		}
	}
	m.logf(slog.LevelInfo, "container deleted", "project_id", projectID, "purge", purge)
	return nil
}

// Touch records activity on the project's container.
func (m *Manager) Touch(projectID string) {
	m.store.touch(projectID, m.now())
}

// Invalidate reconciles the record after the runtime reported that
// containerID is gone or no longer running. Records that already moved on
// to another container are left alone.
func (m *Manager) Invalidate(ctx context.Context, projectID, containerID string, cause error) error {
	unlock, err := m.locks.lock(ctx, projectID)
	if err != nil {
		return err
	}
	defer unlock()

	rec, known := m.store.Get(projectID)
	if !known || rec.ContainerID != containerID {
		return nil
	}
	switch {
	case errors.Is(cause, runtime.ErrContainerNotFound):
		m.store.remove(projectID)
		m.notify(domain.ContainerRecord{ProjectID: projectID, OwnerID: rec.OwnerID, State: domain.ContainerAbsent, LastError: cause.Error(), UpdatedAt: m.now()})
	case errors.Is(cause, runtime.ErrContainerNotRunning):
		rec, _ = m.store.update(projectID, func(r *domain.ContainerRecord) {
			r.State = domain.ContainerStopped
			r.LastError = cause.Error()
			r.UpdatedAt = m.now()
		})
		m.notify(rec)
	default:
		return nil
	}
	m.logf(slog.LevelWarn, "container record resynchronized", "project_id", projectID, "container_id", containerID, "cause", cause)
	return nil
}

// SweepIdle stops every running container whose last activity is older
// than threshold and returns the stopped project ids. Each candidate is
// re-checked under its project lock right before stopping; projects busy
// with another lifecycle operation are skipped until the next sweep.
func (m *Manager) SweepIdle(ctx context.Context, threshold time.Duration) ([]string, error) {
	if threshold <= 0 {
		return nil, nil
	}
	cutoff := m.now().Add(-threshold)
	var stopped []string
	var errs []error
	for _, rec := range m.store.List() {
		if rec.State != domain.ContainerRunning || !rec.LastActivityAt.Before(cutoff) {
			continue
		}
		if ctx.Err() != nil {
			return stopped, ctx.Err()
		}
		ok, err := m.stopIfIdle(ctx, rec.ProjectID, cutoff)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			stopped = append(stopped, rec.ProjectID)
		}
	}
	return stopped, errors.Join(errs...)
}

func (m *Manager) stopIfIdle(ctx context.Context, projectID string, cutoff time.Time) (bool, error) {
	unlock, ok := m.locks.tryLock(projectID)
	if !ok {
		return false, nil
	}
	defer unlock()
	if _, idle := m.store.idle(projectID, cutoff); !idle {
		return false, nil
	}
	rec, err := m.stopLocked(ctx, projectID, "idle")
	if err != nil {
		return false, err
	}
	return rec.State == domain.ContainerStopped || rec.State == domain.ContainerAbsent, nil
}

// RecordStats stores a resource sample on the project's record.
func (m *Manager) RecordStats(projectID, containerID string, stats runtime.Stats) {
	cpu := stats.CPUPercent
	mem := stats.MemoryBytes
	rec, ok := m.store.update(projectID, func(r *domain.ContainerRecord) {
		if r.ContainerID != containerID || r.State != domain.ContainerRunning {
			return
		}
		r.CPUPercent = &cpu
		r.MemoryBytes = &mem
		r.UpdatedAt = m.now()
	})
	if ok && rec.ContainerID == containerID && rec.State == domain.ContainerRunning {
		m.notify(rec)
	}
}

// Restore adopts containers labelled as ours that survived a restart of
// this process. Running containers get a fresh activity timestamp so the
// idle sweep gives them a full grace period.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	found, err := m.runtime.List(ctx, map[string]string{runtime.LabelManaged: "true"})
	if err != nil {
		return 0, fmt.Errorf("list managed containers: %w", err)
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].Running != found[j].Running {
			return found[i].Running
		}
		return found[i].Created.After(found[j].Created)
	})
	now := m.now()
	adopted := 0
	for _, c := range found {
		projectID := c.Labels[runtime.LabelProject]
		if projectID == "" {
			continue
		}
		state := domain.ContainerStopped
		if c.Running {
			state = domain.ContainerRunning
		}
		rec := domain.ContainerRecord{
			ProjectID:      projectID,
			OwnerID:        c.Labels[runtime.LabelOwner],
			ContainerID:    c.ID,
			State:          state,
			Limits:         domain.ResourceLimits{CPUShares: m.policy.CPUShares, MemoryBytes: m.policy.MemoryBytes},
			CreatedAt:      c.Created,
			LastActivityAt: now,
			UpdatedAt:      now,
		}
		if ports, err := domain.ParsePortRange(c.Labels[runtime.LabelPorts]); err == nil {
			rec.Ports = ports
		}
		if err := m.store.adopt(rec); err != nil {
			m.logf(slog.LevelWarn, "skipping container during restore", "project_id", projectID, "container_id", c.ID, "error", err)
			continue
		}
		m.notify(rec)
		adopted++
	}
	m.logf(slog.LevelInfo, "containers restored", "count", adopted)
	return adopted, nil
}

// Shutdown stops every running container, best effort and in parallel.
func (m *Manager) Shutdown(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(shutdownParallelism)
	var mu sync.Mutex
	var errs []error
	for _, rec := range m.store.List() {
		if rec.State != domain.ContainerRunning {
			continue
		}
		projectID := rec.ProjectID
		g.Go(func() error {
			if _, err := m.Stop(ctx, projectID); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				m.logf(slog.LevelWarn, "failed to stop container on shutdown", "project_id", projectID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// ContainerName is the engine-side name of a project's container.
func ContainerName(projectID string) string {
	return containerNamePrefix + projectID
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func (m *Manager) logf(level slog.Level, msg string, args ...any) {
	if m.logger != nil {
		m.logger.Log(context.Background(), level, msg, args...)
	}
}
