// Package retry provides a generic executor that re-runs fallible
// operations with exponential backoff.
//
// Operations passed to Do must be idempotent or otherwise safe to repeat;
// the executor never inspects partial state.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Default policy values. Three attempts with a one second base covers the
// transient network blips seen against the WhatsApp backend without
// stalling a bulk dispatch for long.
const (
	DefaultAttempts = 3
	DefaultBase     = 1 * time.Second
	DefaultMax      = 30 * time.Second
)

// Policy describes how many attempts an operation gets and how delays grow
// between them.
type Policy struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

// DefaultPolicy returns the standard executor policy.
func DefaultPolicy() Policy {
	return Policy{Attempts: DefaultAttempts, Base: DefaultBase, Max: DefaultMax}
}

// Delay returns the backoff before retrying after the given zero-based
// attempt, capped at the policy maximum.
func (p Policy) Delay(attempt int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = DefaultBase
	}
	max := p.Max
	if max <= 0 {
		max = DefaultMax
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

func (p Policy) attempts() int {
	if p.Attempts <= 0 {
		return DefaultAttempts
	}
	return p.Attempts
}

// Do invokes op up to the policy's attempt budget, sleeping an exponentially
// growing delay between attempts. The context cancels the sleep; op itself
// receives the same context. When the budget is exhausted, the last error is
// returned annotated with label.
func Do[T any](ctx context.Context, label string, p Policy, op func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	attempts := p.attempts()

	for attempt := 0; attempt < attempts; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if attempt == attempts-1 {
			break
		}
		delay := p.Delay(attempt)
		slog.Warn("retry: attempt failed, backing off",
			"label", label, "attempt", attempt+1, "of", attempts, "delay", delay, "error", err)
		if err := sleep(ctx, delay); err != nil {
			return zero, fmt.Errorf("%s: %w", label, err)
		}
	}
	return zero, fmt.Errorf("%s: all %d attempts failed: %w", label, attempts, lastErr)
}

// sleep waits for d or until the context is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
