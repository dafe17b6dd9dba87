// Package ratelimit paces outgoing requests with a token bucket.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter paces requests to a single destination. A nil *Limiter never waits.
type Limiter struct {
	lim *rate.Limiter
}

// New returns a Limiter allowing rps requests per second with the given
// burst. A zero or negative rps means no limit and yields nil.
func New(rps float64, burst int) *Limiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	return &Limiter{lim: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Wait blocks until a request may be sent or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	return l.lim.Wait(ctx)
}

// Allow reports whether a request may be sent now, consuming a token if so.
func (l *Limiter) Allow() bool {
	if l == nil {
		return true
	}
	return l.lim.Allow()
}
