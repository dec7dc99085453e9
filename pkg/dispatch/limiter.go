package dispatch

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Limiter caps in-flight calls and spaces call starts at least minTime apart.
type Limiter struct {
	sem  *semaphore.Weighted
	rate *rate.Limiter
}

// NewLimiter builds a Limiter. maxConcurrent <= 0 means one call at a time, minTime <= 0 disables spacing.
func NewLimiter(maxConcurrent int, minTime time.Duration) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	l := &Limiter{sem: semaphore.NewWeighted(int64(maxConcurrent))}
	if minTime > 0 {
		l.rate = rate.NewLimiter(rate.Every(minTime), 1)
	}
	return l
}

// Do runs fn once a slot is free and the spacing allows it.
func (l *Limiter) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.sem.Release(1)
	if l.rate != nil {
		if err := l.rate.Wait(ctx); err != nil {
			return err
		}
	}
	return fn(ctx)
}
