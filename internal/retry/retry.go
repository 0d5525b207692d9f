// Package retry provides the bounded retry policy shared by the rate oracle
// and the blockchain explorer client.
package retry

import (
	"context"
	"errors"
	"time"
)

// ErrRateLimited should be returned by an attempt that hit an upstream rate
// limit; the policy backs off before the next attempt either way, but callers
// can use it to distinguish throttling from plain network failure.
var ErrRateLimited = errors.New("rate limited by upstream")

// Policy is a bounded retry schedule with exponential backoff.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy mirrors the explorer's historical behavior: 3 attempts,
// 1s/2s/4s backoff capped at 8s.
var DefaultPolicy = Policy{
	MaxAttempts: 3,
	BaseDelay:   time.Second,
	MaxDelay:    8 * time.Second,
}

// Do runs fn until it succeeds, attempts are exhausted, or ctx is cancelled.
// The last error is returned once attempts run out.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	delay := p.BaseDelay

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if p.MaxDelay > 0 && delay > p.MaxDelay {
				delay = p.MaxDelay
			}
		}

		if err := fn(ctx); err != nil {
			lastErr = err
			continue
		}
		return nil
	}

	return lastErr
}
