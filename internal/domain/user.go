package domain

import "time"

// User represents a platform account. MaxContainers overrides the platform
// quota of simultaneously running containers when positive.
type User struct {
	ID            string
	Email         string
	MaxContainers int
	CreatedAt     time.Time
}
