// Package ratelimit counts requests per identity in fixed windows.
package ratelimit

import (
	"context"
	"errors"
	"math"
	"time"
)

const (
	DefaultLimit  = 10
	DefaultWindow = time.Minute
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// ResetAt is when the current window ends and the counter starts over.
	ResetAt time.Time
}

// RetryAfter returns how long a rejected caller should wait, rounded up to
// whole seconds and never below one second.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	wait := d.ResetAt.Sub(now)
	if wait <= 0 {
		return time.Second
	}
	return time.Duration(math.Ceil(wait.Seconds())) * time.Second
}

// Limiter admits or rejects requests for a key. Counting is atomic per key:
// of any set of concurrent calls at most Limit are allowed per window.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// Resetter is implemented by limiters whose counters can all be dropped at
// once. The dev harness reset uses it.
type Resetter interface {
	Reset(ctx context.Context) error
}

func validate(limit int, window time.Duration) error {
	if limit <= 0 {
		return errors.New("rate limit must be positive")
	}
	if window <= 0 {
		return errors.New("rate limit window must be positive")
	}
	return nil
}

func decide(count int64, limit int, resetAt time.Time) Decision {
	remaining := int64(limit) - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= int64(limit),
		Limit:     limit,
		Remaining: int(remaining),
		ResetAt:   resetAt,
	}
}
