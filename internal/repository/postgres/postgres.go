package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/genos-ai/zeblit-sub001/internal/domain"
	"github.com/genos-ai/zeblit-sub001/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.UserRepository            = (*Repository)(nil)
	_ repository.ProjectRepository         = (*Repository)(nil)
	_ repository.ContainerRecordRepository = (*Repository)(nil)
	_ repository.ExecutionRepository       = (*Repository)(nil)
)

// GetUserByID retrieves a user by identifier.
func (r *Repository) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	const query = `SELECT id, email, max_containers, created_at FROM users WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	var (
		u             domain.User
		maxContainers sql.NullInt32
	)
	if err := row.Scan(&u.ID, &u.Email, &maxContainers, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if maxContainers.Valid {
		u.MaxContainers = int(maxContainers.Int32)
	}
	return &u, nil
}

// GetProjectByID returns a project by identifier.
func (r *Repository) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	const query = `SELECT id, owner_id, name, created_at FROM projects WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, projectID)
	var p domain.Project
	if err := row.Scan(&p.ID, &p.OwnerID, &p.Name, &p.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// UpsertEnvVar stores an encrypted project environment variable.
func (r *Repository) UpsertEnvVar(ctx context.Context, envVar *domain.ProjectEnvVar) error {
	const query = `INSERT INTO project_env_vars (project_id, key, value, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (project_id, key) DO UPDATE SET value = EXCLUDED.value, created_at = EXCLUDED.created_at`
	_, err := r.pool.Exec(ctx, query, envVar.ProjectID, envVar.Key, envVar.Value, envVar.CreatedAt)
	return err
}

// ListProjectEnvVars returns the encrypted environment of a project.
func (r *Repository) ListProjectEnvVars(ctx context.Context, projectID string) ([]domain.ProjectEnvVar, error) {
	const query = `SELECT project_id, key, value, created_at FROM project_env_vars WHERE project_id = $1 ORDER BY key`
	rows, err := r.pool.Query(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	vars := make([]domain.ProjectEnvVar, 0)
	for rows.Next() {
		var v domain.ProjectEnvVar
		if err := rows.Scan(&v.ProjectID, &v.Key, &v.Value, &v.CreatedAt); err != nil {
			return nil, err
		}
		vars = append(vars, v)
	}
	return vars, rows.Err()
}

// UpsertContainerRecord mirrors a container record.
func (r *Repository) UpsertContainerRecord(ctx context.Context, rec domain.ContainerRecord) error {
	const query = `INSERT INTO container_records (project_id, owner_id, container_id, state, port_start, port_width, cpu_shares, memory_limit_bytes, last_error, cpu_percent, memory_bytes, created_at, last_activity_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW())
	ON CONFLICT (project_id) DO UPDATE SET
		owner_id = EXCLUDED.owner_id,
		container_id = EXCLUDED.container_id,
		state = EXCLUDED.state,
		port_start = EXCLUDED.port_start,
		port_width = EXCLUDED.port_width,
		cpu_shares = EXCLUDED.cpu_shares,
		memory_limit_bytes = EXCLUDED.memory_limit_bytes,
		last_error = EXCLUDED.last_error,
		cpu_percent = EXCLUDED.cpu_percent,
		memory_bytes = EXCLUDED.memory_bytes,
		last_activity_at = GREATEST(EXCLUDED.last_activity_at, container_records.last_activity_at),
		updated_at = NOW()`
	_, err := r.pool.Exec(ctx, query,
		rec.ProjectID,
		emptyToNil(rec.OwnerID),
		emptyToNil(rec.ContainerID),
		string(rec.State),
		intToNil(rec.Ports.Start),
		intToNil(rec.Ports.Width),
		rec.Limits.CPUShares,
		rec.Limits.MemoryBytes,
		emptyToNil(rec.LastError),
		floatPtrToNil(rec.CPUPercent),
		int64PtrToNil(rec.MemoryBytes),
		nilTime(rec.CreatedAt),
		nilTime(rec.LastActivityAt),
	)
	return err
}

// DeleteContainerRecord removes a mirrored record.
func (r *Repository) DeleteContainerRecord(ctx context.Context, projectID string) error {
	const query = `DELETE FROM container_records WHERE project_id = $1`
	_, err := r.pool.Exec(ctx, query, projectID)
	return err
}

// ListContainerRecords returns every mirrored record.
func (r *Repository) ListContainerRecords(ctx context.Context) ([]domain.ContainerRecord, error) {
	const query = `SELECT project_id, owner_id, container_id, state, port_start, port_width, cpu_shares, memory_limit_bytes, last_error, cpu_percent, memory_bytes, created_at, last_activity_at, updated_at
		FROM container_records ORDER BY project_id`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.ContainerRecord, 0)
	for rows.Next() {
		var (
			rec          domain.ContainerRecord
			state        string
			ownerID      sql.NullString
			containerID  sql.NullString
			portStart    sql.NullInt64
			portWidth    sql.NullInt64
			lastError    sql.NullString
			cpu          sql.NullFloat64
			mem          sql.NullInt64
			createdAt    sql.NullTime
			lastActivity sql.NullTime
		)
		if err := rows.Scan(&rec.ProjectID, &ownerID, &containerID, &state, &portStart, &portWidth, &rec.Limits.CPUShares, &rec.Limits.MemoryBytes, &lastError, &cpu, &mem, &createdAt, &lastActivity, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.State = domain.ContainerState(state)
		rec.OwnerID = ownerID.String
		rec.ContainerID = containerID.String
		rec.LastError = lastError.String
		if portStart.Valid && portWidth.Valid {
			rec.Ports = domain.PortRange{Start: int(portStart.Int64), Width: int(portWidth.Int64)}
		}
		if cpu.Valid {
			value := cpu.Float64
			rec.CPUPercent = &value
		}
		if mem.Valid {
			value := mem.Int64
			rec.MemoryBytes = &value
		}
		if createdAt.Valid {
			rec.CreatedAt = createdAt.Time.UTC()
		}
		if lastActivity.Valid {
			rec.LastActivityAt = lastActivity.Time.UTC()
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// InsertExecution appends one row to the execution log.
func (r *Repository) InsertExecution(ctx context.Context, rec *domain.ExecutionRecord) error {
	const query = `INSERT INTO command_executions (id, project_id, args, shell, exit_code, outcome, error, duration_ms, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.pool.Exec(ctx, query,
		rec.ID,
		rec.ProjectID,
		rec.Args,
		rec.Shell,
		intPtrToNil(rec.ExitCode),
		rec.Outcome,
		emptyToNil(rec.Error),
		rec.DurationMS,
		rec.StartedAt,
	)
	return err
}

// ListExecutions returns recent executions of a project, newest first.
func (r *Repository) ListExecutions(ctx context.Context, projectID string, limit, offset int) ([]domain.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	const query = `SELECT id, project_id, args, shell, exit_code, outcome, error, duration_ms, started_at
		FROM command_executions
		WHERE project_id = $1
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, query, projectID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.ExecutionRecord, 0)
	for rows.Next() {
		var (
			rec      domain.ExecutionRecord
			exitCode sql.NullInt32
			errText  sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.ProjectID, &rec.Args, &rec.Shell, &exitCode, &rec.Outcome, &errText, &rec.DurationMS, &rec.StartedAt); err != nil {
			return nil, err
		}
		if exitCode.Valid {
			value := int(exitCode.Int32)
			rec.ExitCode = &value
		}
		rec.Error = errText.String
		records = append(records, rec)
	}
	return records, rows.Err()
}

// UpsertExecutionRollups writes aggregated execution latency.
func (r *Repository) UpsertExecutionRollups(ctx context.Context, rollups []domain.ExecutionRollup) error {
	if len(rollups) == 0 {
		return nil
	}
	const query = `INSERT INTO execution_rollups (
		project_id,
		bucket_start,
		bucket_span_seconds,
		outcome,
		count,
		p50_ms,
		p95_ms,
		p99_ms,
		max_ms,
		avg_ms,
		updated_at
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NOW()
	) ON CONFLICT (project_id, bucket_start, bucket_span_seconds, outcome)
	DO UPDATE SET
		count = EXCLUDED.count,
		p50_ms = EXCLUDED.p50_ms,
		p95_ms = EXCLUDED.p95_ms,
		p99_ms = EXCLUDED.p99_ms,
		max_ms = EXCLUDED.max_ms,
		avg_ms = EXCLUDED.avg_ms,
		updated_at = NOW()`
	batch := &pgx.Batch{}
	for _, rollup := range rollups {
		batch.Queue(query,
			rollup.ProjectID,
			rollup.BucketStart,
			spanSeconds(rollup.BucketSpan),
			rollup.Outcome,
			rollup.Count,
			floatPtrToNil(rollup.P50MS),
			floatPtrToNil(rollup.P95MS),
			floatPtrToNil(rollup.P99MS),
			floatPtrToNil(rollup.MaxMS),
			floatPtrToNil(rollup.AvgMS),
		)
	}
	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range rollups {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// ListExecutionRollups returns aggregated latency for a project.
func (r *Repository) ListExecutionRollups(ctx context.Context, projectID, outcome string, bucketSpan time.Duration, limit int) ([]domain.ExecutionRollup, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `SELECT
		project_id,
		bucket_start,
		bucket_span_seconds,
		outcome,
		count,
		p50_ms,
		p95_ms,
		p99_ms,
		max_ms,
		avg_ms,
		updated_at
	FROM execution_rollups
	WHERE project_id = $1
		AND bucket_span_seconds = $2
		AND ($3 = '' OR outcome = $3)
	ORDER BY bucket_start DESC
	LIMIT $4`
	rows, err := r.pool.Query(ctx, query, projectID, spanSeconds(bucketSpan), strings.TrimSpace(outcome), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rollups := make([]domain.ExecutionRollup, 0)
	for rows.Next() {
		var (
			ro                        domain.ExecutionRollup
			span                      int
			p50, p95, p99, maxMS, avg sql.NullFloat64
		)
		if err := rows.Scan(&ro.ProjectID, &ro.BucketStart, &span, &ro.Outcome, &ro.Count, &p50, &p95, &p99, &maxMS, &avg, &ro.UpdatedAt); err != nil {
			return nil, err
		}
		ro.BucketSpan = time.Duration(span) * time.Second
		ro.P50MS = nullFloat(p50)
		ro.P95MS = nullFloat(p95)
		ro.P99MS = nullFloat(p99)
		ro.MaxMS = nullFloat(maxMS)
		ro.AvgMS = nullFloat(avg)
		rollups = append(rollups, ro)
	}
	return rollups, rows.Err()
}

func spanSeconds(d time.Duration) int {
	s := int(d.Seconds())
	if s <= 0 {
		return 60
	}
	return s
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	value := v.Float64
	return &value
}

func emptyToNil(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func intPtrToNil(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func intToNil(v int) any {
	if v == 0 {
		return nil
	}
	return v
}

func floatPtrToNil(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func int64PtrToNil(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nilTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
