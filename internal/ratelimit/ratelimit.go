// Package ratelimit spaces outbound requests and retries flaky ones with
// exponential backoff.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter enforces a minimum interval between calls to Wait. It is shared by
// all workers; the interval is global, not per worker.
type Limiter struct {
	lim      *rate.Limiter
	interval time.Duration
}

// New returns a limiter allowing one call per interval. A non-positive
// interval disables limiting.
func New(interval time.Duration) *Limiter {
	if interval <= 0 {
		return &Limiter{lim: rate.NewLimiter(rate.Inf, 1)}
	}
	return &Limiter{lim: rate.NewLimiter(rate.Every(interval), 1), interval: interval}
}

// Wait blocks until the next call is allowed or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	return l.lim.Wait(ctx)
}

// Interval reports the configured spacing.
func (l *Limiter) Interval() time.Duration { return l.interval }

// ErrPermanent marks errors Retry must not retry.
var ErrPermanent = errors.New("permanent failure")

// Retry calls fn up to attempts times. After the n-th failure (0-based) it
// waits base * 2^n before trying again. Errors wrapping ErrPermanent stop
// immediately. The last error is returned.
func Retry(ctx context.Context, attempts int, base time.Duration, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if errors.Is(err, ErrPermanent) || attempt == attempts-1 {
			return err
		}
		delay := base * time.Duration(1<<attempt)
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(delay):
		}
	}
	return err
}

// Pause sleeps for d unless ctx is done first.
func Pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Politeness serializes a courtesy pause after each use of a shared external
// API, so parallel workers together stay under the provider's quota.
type Politeness struct {
	mu    sync.Mutex
	pause time.Duration
}

func NewPoliteness(pause time.Duration) *Politeness {
	return &Politeness{pause: pause}
}

// After sleeps for the configured pause while holding the lock.
func (p *Politeness) After(ctx context.Context) error {
	if p == nil || p.pause <= 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return Pause(ctx, p.pause)
}
