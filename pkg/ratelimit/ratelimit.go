package ratelimit

import (
	"context"
	"time"
)

// Limiter paces calls to a remote API shared by every run.
type Limiter interface {
	// Take blocks until a call is allowed or ctx is done, and returns how long it waited.
	Take(ctx context.Context) (time.Duration, error)
}

// Take calls Take on l, a nil limiter never waits.
func Take(ctx context.Context, l Limiter) (time.Duration, error) {
	if l == nil {
		return 0, nil
	}

	return l.Take(ctx)
}
