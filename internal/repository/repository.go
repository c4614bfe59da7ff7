package repository

import (
	"context"
	"time"

	"github.com/genos-ai/zeblit-sub001/internal/domain"
)

// UserRepository reads users.
type UserRepository interface {
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
}

// ProjectRepository reads project configuration.
type ProjectRepository interface {
	GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error)
	ListProjectEnvVars(ctx context.Context, projectID string) ([]domain.ProjectEnvVar, error)
	UpsertEnvVar(ctx context.Context, envVar *domain.ProjectEnvVar) error
}

// ContainerRecordRepository mirrors the lifecycle manager's records.
type ContainerRecordRepository interface {
	UpsertContainerRecord(ctx context.Context, rec domain.ContainerRecord) error
	DeleteContainerRecord(ctx context.Context, projectID string) error
	ListContainerRecords(ctx context.Context) ([]domain.ContainerRecord, error)
}

// ExecutionRepository stores the execution log and its rollups.
type ExecutionRepository interface {
	InsertExecution(ctx context.Context, rec *domain.ExecutionRecord) error
	ListExecutions(ctx context.Context, projectID string, limit, offset int) ([]domain.ExecutionRecord, error)
	UpsertExecutionRollups(ctx context.Context, rollups []domain.ExecutionRollup) error
	ListExecutionRollups(ctx context.Context, projectID, outcome string, bucketSpan time.Duration, limit int) ([]domain.ExecutionRollup, error)
}
