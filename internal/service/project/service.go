package project

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/genos-ai/zeblit-sub001/internal/domain"
	"github.com/genos-ai/zeblit-sub001/internal/repository"
	"github.com/genos-ai/zeblit-sub001/pkg/crypto"
)

// EnvVarInput holds environment variable data.
type EnvVarInput struct {
	ProjectID string
	Key       string
	Value     string
}

// Service resolves project ownership and settings.
type Service struct {
	projects repository.ProjectRepository
	users    repository.UserRepository
	logger   *slog.Logger
	sealer   *crypto.Sealer
	sealErr  error
}

// New returns a project service. encryptionKey protects stored env values;
// when it is empty env operations fail with crypto.ErrEmptySecret.
func New(projects repository.ProjectRepository, users repository.UserRepository, logger *slog.Logger, encryptionKey string) Service {
	sealer, err := crypto.NewSealer(encryptionKey)
	return Service{projects: projects, users: users, logger: logger, sealer: sealer, sealErr: err}
}

// envBinding ties a sealed value to its row.
func envBinding(projectID, key string) string {
	return projectID + "/" + key
}

// EnvVar represents a decrypted environment variable for API responses.
type EnvVar struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

var (
	// ErrForbidden is returned when a user acts on a project they do not own.
	ErrForbidden = errors.New("project: access denied")
	// ErrInvalidEnvKey is returned for keys that are not valid variable names.
	ErrInvalidEnvKey = errors.New("project: environment variable key must match [A-Za-z_][A-Za-z0-9_]*")

	errMissingProjectID = errors.New("project id required")
	envKeyPattern       = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// Get returns project details by identifier.
func (s Service) Get(ctx context.Context, projectID string) (*domain.Project, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, errMissingProjectID
	}
	return s.projects.GetProjectByID(ctx, projectID)
}

// Authorize loads the project and checks that userID owns it.
func (s Service) Authorize(ctx context.Context, projectID, userID string) (*domain.Project, error) {
	project, err := s.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.OwnerID != userID {
		return nil, ErrForbidden
	}
	return project, nil
}

// Profile assembles what the lifecycle manager needs to provision the
// project's container: its owner, the owner's container quota override and
// the decrypted environment.
func (s Service) Profile(ctx context.Context, projectID string) (domain.ProjectProfile, error) {
	project, err := s.Get(ctx, projectID)
	if err != nil {
		return domain.ProjectProfile{}, fmt.Errorf("load project %s: %w", projectID, err)
	}
	profile := domain.ProjectProfile{ProjectID: project.ID, OwnerID: project.OwnerID}
	if s.users != nil {
		user, err := s.users.GetUserByID(ctx, project.OwnerID)
		switch {
		case err == nil:
			profile.MaxContainers = user.MaxContainers
		case errors.Is(err, repository.ErrNotFound):
		default:
			return domain.ProjectProfile{}, fmt.Errorf("load owner %s: %w", project.OwnerID, err)
		}
	}
	if s.sealErr != nil {
		// No key configured means no env vars could have been stored.
		return profile, nil
	}
	vars, err := s.ListEnvVars(ctx, project.ID)
	if err != nil {
		return domain.ProjectProfile{}, err
	}
	if len(vars) > 0 {
		profile.Env = make(map[string]string, len(vars))
		for _, v := range vars {
			profile.Env[v.Key] = v.Value
		}
	}
	return profile, nil
}

// SetEnvVar encrypts and stores an environment variable. It takes effect
// the next time the project's container is created.
func (s Service) SetEnvVar(ctx context.Context, input EnvVarInput) error {
	if strings.TrimSpace(input.ProjectID) == "" {
		return errMissingProjectID
	}
	if !envKeyPattern.MatchString(input.Key) {
		return ErrInvalidEnvKey
	}
	if s.sealErr != nil {
		return s.sealErr
	}
	ciphertext, err := s.sealer.Seal(input.Value, envBinding(input.ProjectID, input.Key))
	if err != nil {
		return err
	}
	envVar := &domain.ProjectEnvVar{
		ProjectID: input.ProjectID,
		Key:       input.Key,
		Value:     ciphertext,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.projects.UpsertEnvVar(ctx, envVar); err != nil {
		return err
	}
	if s.logger != nil {
		s.logger.Info("project env var stored", "project_id", input.ProjectID, "key", input.Key)
	}
	return nil
}

// ListEnvVars decrypts stored environment variables for a project. Values
// that fail to decrypt are skipped.
func (s Service) ListEnvVars(ctx context.Context, projectID string) ([]EnvVar, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, errMissingProjectID
	}
	if s.sealErr != nil {
		return nil, s.sealErr
	}
	stored, err := s.projects.ListProjectEnvVars(ctx, projectID)
	if err != nil {
		return nil, err
	}
	vars := make([]EnvVar, 0, len(stored))
	for _, item := range stored {
		value, err := s.sealer.Open(item.Value, envBinding(projectID, item.Key))
		if err != nil {
			if s.logger != nil {
				s.logger.Warn("failed to decrypt env var", "project_id", projectID, "key", item.Key, "error", err)
			}
			continue
		}
		vars = append(vars, EnvVar{Key: item.Key, Value: value})
	}
	return vars, nil
}
