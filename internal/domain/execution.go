package domain

import (
	"time"

	"github.com/genos-ai/zeblit-sub001/internal/command"
)

// ExecutionResult is the outcome of one command run in a project container.
type ExecutionResult struct {
	ExitCode  int
	Stdout    string
	Stderr    string
	Truncated bool
	Command   command.Spec
	Duration  time.Duration
	StartedAt time.Time
}

// Execution outcomes recorded in the execution log.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeTimedOut  = "timed_out"
	OutcomeError     = "error"
)

// ExecutionRecord is one row of the execution log.
type ExecutionRecord struct {
	ID         string
	ProjectID  string
	Args       []string
	Shell      bool
	ExitCode   *int
	Outcome    string
	Error      string
	DurationMS float64
	StartedAt  time.Time
}

// ExecutionRollup aggregates execution latency for one project and outcome
// over a time bucket.
type ExecutionRollup struct {
	ProjectID   string
	BucketStart time.Time
	BucketSpan  time.Duration
	Outcome     string
	Count       int64
	P50MS       *float64
	P95MS       *float64
	P99MS       *float64
	MaxMS       *float64
	AvgMS       *float64
	UpdatedAt   time.Time
}
