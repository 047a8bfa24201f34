package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Local represents a process local rate limiter using the golang.org/x/time/rate package.
type Local struct {
	*rate.Limiter
}

// NewLocalLimiter creates a new local rate limiter with specified maximum and burstable requests per second.
func NewLocalLimiter(maximumRPS int, burstableRPS int) Limiter {
	return Local{
		Limiter: rate.NewLimiter(rate.Limit(maximumRPS), burstableRPS),
	}
}

// Take implements Limiter.
func (l Local) Take(ctx context.Context) (time.Duration, error) {
	start := time.Now()

	// Wait until the rate limiter allows the action to proceed
	if err := l.Limiter.Wait(ctx); err != nil {
		return time.Since(start), err
	}

	return time.Since(start), nil
}
