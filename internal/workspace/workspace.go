package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var errInvalidIdentifier = errors.New("workspace: identifier must be a single path element")

// Manager owns per-project workspace directories under a common root. A
// project's directory is bind mounted into its container and survives
// container restarts.
type Manager struct {
	root string
}

// New ensures the workspace root exists and is accessible.
func New(root string) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{root: abs}, nil
}

// Root returns the absolute workspace root.
func (m *Manager) Root() string { return m.root }

// Ensure returns the project's directory, creating it when missing.
// Existing contents are kept.
func (m *Manager) Ensure(projectID string) (string, error) {
	dir, err := m.path(projectID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

// Remove deletes the project's directory and everything in it.
func (m *Manager) Remove(projectID string) error {
	dir, err := m.path(projectID)
	if err != nil {
		return err
	}
	return m.cleanup(dir)
}

func (m *Manager) path(projectID string) (string, error) {
	if projectID == "" || projectID == "." || projectID == ".." || strings.ContainsAny(projectID, `/\`) {
		return "", errInvalidIdentifier
	}
	return filepath.Join(m.root, projectID), nil
}

func (m *Manager) cleanup(path string) error {
	// Only remove directories strictly within the configured root.
	rel, err := filepath.Rel(m.root, path)
	if err != nil || rel == "." || rel == "" || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to cleanup path outside workspace root")
	}
	return os.RemoveAll(path)
}
