// Command migrate manages the API database schema.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/genos-ai/zeblit-sub001/internal/app/migrate"
	"github.com/genos-ai/zeblit-sub001/pkg/config"
	"github.com/genos-ai/zeblit-sub001/pkg/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var timeout time.Duration
	log := logger.New("migrate", slog.LevelInfo)

	// withRunner connects, pings and hands a runner to fn.
	withRunner := func(cmd *cobra.Command, fn func(context.Context, *migrate.Runner) error) error {
		cfg, err := config.LoadAPIConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()
		runner, err := migrate.New(pool, cfg.MigrationsDir, log)
		if err != nil {
			return err
		}
		defer runner.Close()
		if err := runner.Ping(ctx); err != nil {
			return err
		}
		if err := fn(ctx, runner); err != nil {
			log.Error("migration command failed", "command", cmd.Name(), "error", err)
			return err
		}
		log.Info("migration command completed", "command", cmd.Name())
		return nil
	}

	root := &cobra.Command{
		Use:          "migrate",
		Short:        "Apply, inspect or roll back database migrations",
		SilenceUsage: true,
	}
	root.PersistentFlags().DurationVar(&timeout, "timeout", time.Minute, "overall command timeout")

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withRunner(cmd, func(ctx context.Context, r *migrate.Runner) error { return r.Ensure(ctx) })
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Log applied and pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withRunner(cmd, func(ctx context.Context, r *migrate.Runner) error { return r.Status(ctx) })
			},
		},
		downCmd(withRunner),
	)
	return root
}

func downCmd(withRunner func(*cobra.Command, func(context.Context, *migrate.Runner) error) error) *cobra.Command {
	var target int64
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back the latest migration, or down to --target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRunner(cmd, func(ctx context.Context, r *migrate.Runner) error { return r.Down(ctx, target) })
		},
	}
	cmd.Flags().Int64Var(&target, "target", 0, "keep migrations up to and including this version")
	return cmd
}
