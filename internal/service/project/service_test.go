package project

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/genos-ai/zeblit-sub001/internal/domain"
	"github.com/genos-ai/zeblit-sub001/internal/repository"
	"github.com/genos-ai/zeblit-sub001/pkg/crypto"
)

type stubProjectRepository struct {
	envVars   map[string][]domain.ProjectEnvVar
	projectBy map[string]domain.Project
	upserted  []domain.ProjectEnvVar
}

func (s *stubProjectRepository) UpsertEnvVar(ctx context.Context, envVar *domain.ProjectEnvVar) error {
	s.upserted = append(s.upserted, *envVar)
	return nil
}

func (s *stubProjectRepository) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	if project, ok := s.projectBy[projectID]; ok {
		return &project, nil
	}
	return nil, repository.ErrNotFound
}

func (s *stubProjectRepository) ListProjectEnvVars(ctx context.Context, projectID string) ([]domain.ProjectEnvVar, error) {
	return append([]domain.ProjectEnvVar(nil), s.envVars[projectID]...), nil
}

type stubUserRepository struct {
	users map[string]domain.User
	err   error
}

func (s stubUserRepository) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	if s.err != nil {
		return nil, s.err
	}
	if user, ok := s.users[id]; ok {
		return &user, nil
	}
	return nil, repository.ErrNotFound
}

const secret = "test-secret"

func newTestService(t *testing.T, repo *stubProjectRepository, users stubUserRepository) Service {
	t.Helper()
	return New(repo, users, slog.New(slog.NewTextHandler(io.Discard, nil)), secret)
}

func encrypt(t *testing.T, projectID, key, value string) []byte {
	t.Helper()
	sealer, err := crypto.NewSealer(secret)
	if err != nil {
		t.Fatalf("sealer: %v", err)
	}
	out, err := sealer.Seal(value, envBinding(projectID, key))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	return out
}

func TestListEnvVarsDecryptsValues(t *testing.T) {
	repo := &stubProjectRepository{
		envVars: map[string][]domain.ProjectEnvVar{
			"project-1": {
				{ProjectID: "project-1", Key: "KNOWN", Value: encrypt(t, "project-1", "KNOWN", "value-123"), CreatedAt: time.Now()},
				{ProjectID: "project-1", Key: "BROKEN", Value: []byte("invalid")},
			},
		},
	}
	svc := newTestService(t, repo, stubUserRepository{})

	vars, err := svc.ListEnvVars(context.Background(), "project-1")
	if err != nil {
		t.Fatalf("ListEnvVars returned error: %v", err)
	}
	if len(vars) != 1 {
		t.Fatalf("expected 1 decrypted env var, got %d", len(vars))
	}
	if vars[0].Key != "KNOWN" || vars[0].Value != "value-123" {
		t.Fatalf("unexpected env var result: %+v", vars[0])
	}
}

func TestProfileCombinesOwnerQuotaAndEnv(t *testing.T) {
	repo := &stubProjectRepository{
		projectBy: map[string]domain.Project{"project-1": {ID: "project-1", OwnerID: "user-1"}},
		envVars: map[string][]domain.ProjectEnvVar{
			"project-1": {{ProjectID: "project-1", Key: "API_URL", Value: encrypt(t, "project-1", "API_URL", "http://localhost")}},
		},
	}
	users := stubUserRepository{users: map[string]domain.User{"user-1": {ID: "user-1", MaxContainers: 5}}}
	svc := newTestService(t, repo, users)

	profile, err := svc.Profile(context.Background(), "project-1")
	if err != nil {
		t.Fatalf("Profile returned error: %v", err)
	}
	if profile.OwnerID != "user-1" || profile.MaxContainers != 5 {
		t.Fatalf("unexpected profile %+v", profile)
	}
	if profile.Env["API_URL"] != "http://localhost" {
		t.Fatalf("expected decrypted env in profile, got %v", profile.Env)
	}
}

func TestProfileToleratesMissingOwner(t *testing.T) {
	repo := &stubProjectRepository{projectBy: map[string]domain.Project{"p": {ID: "p", OwnerID: "ghost"}}}
	svc := newTestService(t, repo, stubUserRepository{})

	profile, err := svc.Profile(context.Background(), "p")
	if err != nil {
		t.Fatalf("Profile returned error: %v", err)
	}
	if profile.MaxContainers != 0 || profile.Env != nil {
		t.Fatalf("expected platform defaults, got %+v", profile)
	}
}

func TestProfileFailsOnUserLookupError(t *testing.T) {
	repo := &stubProjectRepository{projectBy: map[string]domain.Project{"p": {ID: "p", OwnerID: "u"}}}
	svc := newTestService(t, repo, stubUserRepository{err: errors.New("db down")})

	if _, err := svc.Profile(context.Background(), "p"); err == nil {
		t.Fatalf("expected user lookup failure to surface")
	}
}

func TestProfileUnknownProject(t *testing.T) {
	svc := newTestService(t, &stubProjectRepository{}, stubUserRepository{})
	if _, err := svc.Profile(context.Background(), "missing"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAuthorizeChecksOwner(t *testing.T) {
	repo := &stubProjectRepository{projectBy: map[string]domain.Project{"p": {ID: "p", OwnerID: "user-1"}}}
	svc := newTestService(t, repo, stubUserRepository{})

	if _, err := svc.Authorize(context.Background(), "p", "user-1"); err != nil {
		t.Fatalf("expected owner to be authorized, got %v", err)
	}
	if _, err := svc.Authorize(context.Background(), "p", "user-2"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := svc.Authorize(context.Background(), " ", "user-1"); !errors.Is(err, errMissingProjectID) {
		t.Fatalf("expected errMissingProjectID, got %v", err)
	}
}

func TestSetEnvVarEncrypts(t *testing.T) {
	repo := &stubProjectRepository{}
	svc := newTestService(t, repo, stubUserRepository{})

	if err := svc.SetEnvVar(context.Background(), EnvVarInput{ProjectID: "p", Key: "1BAD", Value: "x"}); !errors.Is(err, ErrInvalidEnvKey) {
		t.Fatalf("expected ErrInvalidEnvKey, got %v", err)
	}
	if err := svc.SetEnvVar(context.Background(), EnvVarInput{ProjectID: "p", Key: "TOKEN", Value: "s3cret"}); err != nil {
		t.Fatalf("SetEnvVar returned error: %v", err)
	}
	if len(repo.upserted) != 1 {
		t.Fatalf("expected one upsert, got %d", len(repo.upserted))
	}
	sealer, err := crypto.NewSealer(secret)
	if err != nil {
		t.Fatalf("sealer: %v", err)
	}
	plain, err := sealer.Open(repo.upserted[0].Value, envBinding("p", "TOKEN"))
	if err != nil || plain != "s3cret" {
		t.Fatalf("expected stored value to decrypt, got %q (%v)", plain, err)
	}
}
