package aggregator

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// RetryPolicy retries an operation a bounded number of times, waiting a
// uniformly random delay in [MinDelay, MaxDelay] between attempts.
type RetryPolicy struct {
	MaxAttempts int
	MinDelay    time.Duration
	MaxDelay    time.Duration

	// Sleep waits for d or until ctx is done. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewJitterRetryPolicy builds the policy used for page extraction.
func NewJitterRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		MinDelay:    time.Second,
		MaxDelay:    3 * time.Second,
	}
}

// ShouldRetry decides whether another attempt is allowed after err.
func (p RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= p.attempts() {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Backoff returns the wait before the next attempt.
func (p RetryPolicy) Backoff() time.Duration {
	lo, hi := p.MinDelay, p.MaxDelay
	if hi < lo {
		hi = lo
	}
	if lo < 0 {
		lo = 0
	}
	span := hi - lo
	if span <= 0 {
		return lo
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(span)+1))
	if err != nil {
		return lo + span/2
	}
	return lo + time.Duration(n.Int64())
}

// Do runs op until it succeeds, the attempts are exhausted or ctx ends.
// The returned error is the last one produced by op.
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context, attempt int) error) error {
	var lastErr error
	for attempt := 1; ; attempt++ {
		lastErr = op(ctx, attempt)
		if !p.ShouldRetry(lastErr, attempt) {
			return lastErr
		}
		if err := p.sleep(ctx, p.Backoff()); err != nil {
			return fmt.Errorf("retry wait: %w", errors.Join(lastErr, err))
		}
	}
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

func (p RetryPolicy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
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
