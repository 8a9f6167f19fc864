package resilience

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"time"
)

// Policy implements jittered exponential backoff with an attempt cap.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy returns three attempts starting at one second, capped at 30s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	return p
}

// ShouldRetry decides whether another attempt is allowed after the given
// 1-based attempt failed with err.
func (p Policy) ShouldRetry(err error, attempt int) bool {
	p = p.withDefaults()
	if err == nil || attempt >= p.MaxAttempts {
		return false
	}
	return IsTransient(err)
}

// Backoff returns the wait before the attempt following the given 1-based
// attempt: half of the exponential delay plus up to the other half as jitter.
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	half := time.Duration(delay / 2)
	return half + randomDuration(half)
}

// Attempts returns the effective attempt cap.
func (p Policy) Attempts() int {
	return p.withDefaults().MaxAttempts
}

// Do runs fn until it succeeds, returns a non-transient error, or the
// attempt cap is reached. onRetry, when set, observes every retried failure.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error, onRetry func(attempt int, err error)) error {
	_, err := DoVal(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, onRetry)
	return err
}

// DoVal is Do for functions returning a value.
func DoVal[T any](
	ctx context.Context,
	p Policy,
	fn func(ctx context.Context) (T, error),
	onRetry func(attempt int, err error),
) (T, error) {
	var zero T
	for attempt := 1; ; attempt++ {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		if ctx.Err() != nil {
			return zero, fmt.Errorf("attempt %d: %w", attempt, ctx.Err())
		}
		if !p.ShouldRetry(err, attempt) {
			return zero, err
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}
		if err := Sleep(ctx, p.Backoff(attempt)); err != nil {
			return zero, err
		}
	}
}

// Sleep waits for d or until ctx ends.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("sleep canceled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// RandomBetween returns a uniformly distributed duration in [lo, hi].
func RandomBetween(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + randomDuration(hi-lo)
}

func randomDuration(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)+1))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
