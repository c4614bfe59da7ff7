package domain

import "time"

// Project is a unit of work that owns at most one development container.
type Project struct {
	ID        string
	OwnerID   string
	Name      string
	CreatedAt time.Time
}

// ProjectEnvVar stores encrypted environment variables.
type ProjectEnvVar struct {
	ProjectID string
	Key       string
	Value     []byte
	CreatedAt time.Time
}

// ProjectProfile is what the container lifecycle needs to know about a
// project before provisioning it.
type ProjectProfile struct {
	ProjectID     string
	OwnerID       string
	MaxContainers int
	Env           map[string]string
}
