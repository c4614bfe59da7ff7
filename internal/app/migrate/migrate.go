// Package migrate applies the SQL schema with goose.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/genos-ai/zeblit-sub001/db"
)

const runTimeout = time.Minute

// Runner applies migrations against the API database.
type Runner struct {
	pool     *pgxpool.Pool
	db       *sql.DB
	provider *goose.Provider
	log      *slog.Logger
}

// New returns a migration runner. Migrations are read from dir when it is
// set and from the embedded set otherwise.
func New(pool *pgxpool.Pool, dir string, log *slog.Logger) (*Runner, error) {
	if pool == nil {
		return nil, errors.New("nil pool provided")
	}
	if log == nil {
		log = slog.Default()
	}
	source, err := migrations(dir)
	if err != nil {
		return nil, err
	}
	sqlDB := stdlib.OpenDBFromPool(pool)
	provider, err := goose.NewProvider(goose.DialectPostgres, sqlDB, source)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("configure goose: %w", err)
	}
	return &Runner{pool: pool, db: sqlDB, provider: provider, log: log.With("component", "migrate")}, nil
}

func migrations(dir string) (fs.FS, error) {
	if dir == "" {
		sub, err := fs.Sub(db.Migrations, "migrations")
		if err != nil {
			return nil, fmt.Errorf("open embedded migrations: %w", err)
		}
		return sub, nil
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("locate migrations dir: %w", err)
	}
	return os.DirFS(dir), nil
}

// Ensure applies pending migrations.
func (r *Runner) Ensure(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()
	r.log.Info("applying migrations")
	results, err := r.provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, res := range results {
		r.log.Info("migration applied", "version", res.Source.Version, "duration", res.Duration)
	}
	r.log.Info("migrations up to date", "applied", len(results))
	return nil
}

// Status logs applied and pending migrations.
func (r *Runner) Status(ctx context.Context) error {
	statuses, err := r.provider.Status(ctx)
	if err != nil {
		return fmt.Errorf("migration status: %w", err)
	}
	for _, st := range statuses {
		attrs := []any{"version", st.Source.Version, "state", string(st.State)}
		if !st.AppliedAt.IsZero() {
			attrs = append(attrs, "applied_at", st.AppliedAt)
		}
		r.log.Info("migration", attrs...)
	}
	return nil
}

// Down rolls back the latest migration, or every migration above
// targetVersion when it is positive.
func (r *Runner) Down(ctx context.Context, targetVersion int64) error {
	ctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()
	if targetVersion > 0 {
		r.log.Info("rolling back migrations", "target", targetVersion)
		if _, err := r.provider.DownTo(ctx, targetVersion); err != nil {
			return fmt.Errorf("rollback to version %d: %w", targetVersion, err)
		}
		return nil
	}
	r.log.Info("rolling back latest migration")
	if _, err := r.provider.Down(ctx); err != nil {
		return fmt.Errorf("rollback latest migration: %w", err)
	}
	return nil
}

// Ping ensures the database connection is alive.
func (r *Runner) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// Close releases the goose connection. The pool stays open for its owner.
func (r *Runner) Close() error {
	return r.db.Close()
}
