package runtime

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultReadAttempts = 3
	defaultReadBackoff  = 200 * time.Millisecond
)

// Retrying decorates a Client so that idempotent reads (logs and stats) are
// retried on transport failures. Every other operation passes straight
// through: a repeated create or start could provision a duplicate container.
type Retrying struct {
	Client
	attempts uint64
	initial  time.Duration
}

// NewRetrying wraps inner. Non-positive values select the defaults.
func NewRetrying(inner Client, attempts int, initial time.Duration) *Retrying {
	if attempts <= 0 {
		attempts = defaultReadAttempts
	}
	if initial <= 0 {
		initial = defaultReadBackoff
	}
	return &Retrying{Client: inner, attempts: uint64(attempts), initial: initial}
}

// Logs fetches container logs, retrying transport errors.
func (r *Retrying) Logs(ctx context.Context, containerID string, tail int) (string, error) {
	var out string
	err := r.retry(ctx, func() error {
		var err error
		out, err = r.Client.Logs(ctx, containerID, tail)
		return err
	})
	return out, err
}

// Stats samples container resource usage, retrying transport errors.
func (r *Retrying) Stats(ctx context.Context, containerID string) (Stats, error) {
	var out Stats
	err := r.retry(ctx, func() error {
		var err error
		out, err = r.Client.Stats(ctx, containerID)
		return err
	})
	return out, err
}

func (r *Retrying) retry(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.initial
	policy.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(policy, r.attempts-1), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil || IsTransport(err) {
			return err
		}
		return backoff.Permanent(err)
	}, b)
}
