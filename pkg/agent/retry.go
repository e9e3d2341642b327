package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// RetryPolicy controls WithRetry.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Logger      zerolog.Logger
}

// DefaultRetryPolicy retries three times with 1s, 2s backoff.
func DefaultRetryPolicy(logger zerolog.Logger) RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, Logger: logger}
}

// WithRetry calls op until it succeeds, fails with a non-transient error, or
// the attempts run out. Runner operations persist nothing on a failed model
// call, so a Send or Resume can be retried as is.
func WithRetry(ctx context.Context, policy RetryPolicy, op func(ctx context.Context) (*Result, error)) (*Result, error) {
	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		// Don't retry on permanent errors
		if !IsTransient(err) {
			return nil, err
		}
		if attempt == maxAttempts-1 {
			break
		}

		delay := policy.BaseDelay * time.Duration(1<<attempt)
		policy.Logger.Info().
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Err(err).
			Msg("Retrying after transient error")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, fmt.Errorf("max retries (%d) exceeded: %w", maxAttempts, lastErr)
}
