package errors

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds a retry loop.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64
}

// DefaultStorageRetryPolicy is used for StorageBusyError retries when the
// caller supplies no policy.
func DefaultStorageRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  4,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.3,
	}
}

// NewBackOff builds the exponential backoff described by the policy, capped
// at MaxAttempts total attempts and bound to ctx.
func (p RetryPolicy) NewBackOff(ctx context.Context) backoff.BackOff {
	exponential := backoff.NewExponentialBackOff()
	if p.InitialDelay > 0 {
		exponential.InitialInterval = p.InitialDelay
	}
	if p.MaxDelay > 0 {
		exponential.MaxInterval = p.MaxDelay
	}
	if p.Multiplier > 1 {
		exponential.Multiplier = p.Multiplier
	}
	exponential.RandomizationFactor = p.Jitter
	exponential.MaxElapsedTime = 0 // bounded by attempts, not wall time

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(exponential, uint64(attempts-1)), ctx)
}

// RetryOnBusy runs fn until it succeeds, returns an error other than
// StorageBusyError, or the policy is exhausted. The last error is returned
// unchanged so callers can still test it with IsStorageBusy.
func RetryOnBusy(ctx context.Context, policy RetryPolicy, logger *slog.Logger, operation string, fn func() error) error {
	if logger == nil {
		logger = slog.Default()
	}

	attempts := 0
	var lastErr error

	op := func() error {
		attempts++
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsStorageBusy(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		logger.Warn("storage busy, retrying",
			"operation", operation,
			"attempt", attempts,
			"max_attempts", policy.MaxAttempts,
			"retry_in", wait,
			"error", err)
	}

	if err := backoff.RetryNotify(op, policy.NewBackOff(ctx), notify); err != nil {
		if lastErr == nil {
			return err
		}
		if IsStorageBusy(lastErr) {
			return fmt.Errorf("%s gave up after %d attempts: %w", operation, attempts, lastErr)
		}
		return lastErr
	}
	return nil
}
