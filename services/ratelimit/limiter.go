// Package ratelimit gates calls to the external data provider. The
// provider's limit is global to the process, so exactly one Limiter
// instance is shared by every concurrent backfill worker.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter blocks until the next provider call is allowed.
type Limiter interface {
	Wait(ctx context.Context) error
}

// TokenBucket is the production limiter, a thin wrapper over
// x/time/rate so tests can substitute a fake.
type TokenBucket struct {
	l *rate.Limiter
}

func NewTokenBucket(perSecond float64, burst int) *TokenBucket {
	if burst < 1 {
		burst = 1
	}
	return &TokenBucket{l: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (t *TokenBucket) Wait(ctx context.Context) error {
	return t.l.Wait(ctx)
}

// Noop never blocks. Used in tests and one-shot manual runs where
// pacing is handled externally.
type Noop struct{}

func (Noop) Wait(context.Context) error { return nil }
