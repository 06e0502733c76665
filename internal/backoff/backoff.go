// Package backoff implements the bounded exponential retry used by the job
// store (busy database) and the gateway client (network timeouts).
package backoff

import (
	"context"
	"math"
	"time"

	"github.com/teranos/groupcast/errors"
)

// ErrExhausted marks the last error of a retry loop that ran out of attempts
// while the error was still retryable.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy describes how many times to try and how long to wait in between.
// The wait before retry n (1-based) is BaseDelay * Multiplier^(n-1), capped at MaxDelay.
type Policy struct {
	MaxAttempts int           // total attempts including the first (default: 3)
	BaseDelay   time.Duration // wait before the first retry (default: 1s)
	Multiplier  float64       // growth factor per retry (default: 2)
	MaxDelay    time.Duration // cap per wait, 0 = uncapped

	// Sleep waits for d or until ctx is done. Nil uses a real timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Default returns 3 attempts, 1s base, doubling.
func Default() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: time.Second, Multiplier: 2}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	if p.Sleep == nil {
		p.Sleep = sleepContext
	}
	return p
}

// Delay returns the wait before retry n (1-based).
func (p Policy) Delay(retry int) time.Duration {
	p = p.normalized()
	if retry < 1 {
		return 0
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(retry-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Retry calls fn until it succeeds, returns a non-retryable error, the
// attempts run out, or ctx is cancelled. fn receives the 1-based attempt
// number. The number of attempts made is returned alongside the final error.
// When attempts run out on a retryable error that error is marked with
// ErrExhausted.
func Retry(ctx context.Context, p Policy, retryable func(error) bool, fn func(attempt int) error) (int, error) {
	p = p.normalized()

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		lastErr = fn(attempt)
		if lastErr == nil {
			return attempt, nil
		}
		if retryable == nil || !retryable(lastErr) {
			return attempt, lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}
		if err := p.Sleep(ctx, p.Delay(attempt)); err != nil {
			return attempt, errors.WithSecondaryError(err, lastErr)
		}
	}

	return p.MaxAttempts, errors.Mark(lastErr, ErrExhausted)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
