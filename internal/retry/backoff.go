// Package retry implements the dispatcher's retry-with-reconnect policy
// for jobs that fail on a cross-connection visibility error: a CREATE
// TABLE committed on one connection is not guaranteed to be visible to
// another connection's very next statement under every isolation level
// and driver-side caching scheme, so a transient "relation does not
// exist" is expected and retried rather than treated as fatal.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/loadsched/loadsched/internal/restoreerr"
)

// Policy controls attempt count and backoff timing. Default returns the
// dispatcher's standard policy: 10 attempts, 500ms base delay doubling
// up to a 5s cap, reconnecting every third attempt.
type Policy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	ReconnectEvery int
}

// Default is the policy every worker uses unless overridden by config.
func Default() Policy {
	return Policy{
		MaxAttempts:    10,
		BaseDelay:      500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		ReconnectEvery: 3,
	}
}

// Delay returns the backoff before attempt (1-based: the delay before
// the *next* try after attempt failed).
func (p Policy) Delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return d
}

// ShouldReconnect reports whether the connection should be torn down
// and re-established before the given attempt runs.
func (p Policy) ShouldReconnect(attempt int) bool {
	return p.ReconnectEvery > 0 && attempt%p.ReconnectEvery == 0
}

// Do runs fn, retrying on a retriable classified error per policy. reconnect
// is invoked before any attempt that ShouldReconnect flags, and always
// immediately after a KindConnectionLost error regardless of attempt
// number. It returns the last error once attempts are exhausted, the
// classified error is not retriable, or ctx is canceled.
func Do(ctx context.Context, policy Policy, classifier *restoreerr.Classifier, reconnect func(context.Context) error, fn func() error) error {
	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 1 && policy.ShouldReconnect(attempt) {
			if err := reconnect(ctx); err != nil {
				return fmt.Errorf("retry: reconnect before attempt %d: %w", attempt, err)
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		kind := classifier.Classify(err)
		if kind == restoreerr.KindIgnorableByConfig {
			return nil
		}
		if !kind.Retriable() {
			return err
		}

		if kind.RequiresReconnect() {
			if rerr := reconnect(ctx); rerr != nil {
				return fmt.Errorf("retry: reconnect after connection-lost error: %w", rerr)
			}
		}

		if attempt == policy.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(policy.Delay(attempt)):
		}
	}

	return fmt.Errorf("retry: exhausted %d attempts: %w", policy.MaxAttempts, lastErr)
}
