// Package retry runs idempotent operations with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/xiaot623/gogo/chatcore/internal/domain"
)

// Policy controls how failed calls are retried with exponential backoff.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration

	// OnRetry, if set, is called before sleeping after a failed attempt.
	OnRetry func(attempt int, err error, delay time.Duration)
	// Sleep waits for d or until ctx ends. Defaults to a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Default returns 3 attempts, 200ms base delay, 2x multiplier, 5s max delay.
func Default() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		Multiplier:  2.0,
		MaxDelay:    5 * time.Second,
	}
}

// NextDelay returns the backoff after the given failed attempt (1-indexed):
// BaseDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (p Policy) NextDelay(attempt int) time.Duration {
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2
	}
	delay := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Do runs fn up to MaxAttempts times and returns the number of attempts made
// with nil on success or the last error. Permanent errors and context
// cancellation stop the loop early.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			return attempt - 1, lastErr
		}
		err := fn(ctx)
		if err == nil {
			return attempt, nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return attempt, perm.err
		}
		lastErr = err
		if IsPermanent(err) || attempt == maxAttempts {
			return attempt, err
		}
		delay := p.NextDelay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, delay)
		}
		if err := sleep(ctx, delay); err != nil {
			return attempt, lastErr
		}
	}
	return maxAttempts, lastErr
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err should stop retrying.
func IsPermanent(err error) bool {
	var perm *permanentError
	switch {
	case errors.As(err, &perm):
		return true
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrNotFound):
		return true
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
