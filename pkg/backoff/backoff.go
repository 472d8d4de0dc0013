// Package backoff computes retry delays and runs bounded retry loops.
package backoff

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

const (
	defaultInitial = 100 * time.Millisecond
	defaultMax     = 5 * time.Second
)

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial time.Duration // first delay, default 100ms
	Max     time.Duration // cap on any single delay, default 5s

	// Jitter spreads each delay uniformly over [d*(1-Jitter), d]. Values
	// outside (0, 1] disable it.
	Jitter float64
}

func (c *Config) bounds() (initial, maxDelay time.Duration) {
	initial, maxDelay = defaultInitial, defaultMax
	if c == nil {
		return initial, maxDelay
	}
	if c.Initial > 0 {
		initial = c.Initial
	}
	if c.Max > 0 {
		maxDelay = c.Max
	}
	return initial, maxDelay
}

// Exponential returns the delay before retry number attempt: Initial for
// attempt 1, doubling each time, capped at Max. Jitter is not applied.
func Exponential(attempt int, cfg *Config) time.Duration {
	initial, maxDelay := cfg.bounds()
	if attempt <= 1 {
		return min(initial, maxDelay)
	}
	d := initial
	for i := 1; i < attempt; i++ {
		if d >= maxDelay/2 {
			return maxDelay
		}
		d *= 2
	}
	return min(d, maxDelay)
}

// Delay is Exponential with the configured jitter applied.
func Delay(attempt int, cfg *Config) time.Duration {
	d := Exponential(attempt, cfg)
	if cfg == nil || cfg.Jitter <= 0 || cfg.Jitter > 1 {
		return d
	}
	spread := time.Duration(float64(d) * cfg.Jitter)
	if spread <= 0 {
		return d
	}
	return d - time.Duration(rand.Int64N(int64(spread)+1))
}

// RetryAfterer is implemented by errors that carry a server-requested wait,
// such as a 429 or 503 with a Retry-After header.
type RetryAfterer interface {
	RetryAfter() time.Duration
}

// hint returns the wait requested by err, capped at the configured Max.
func hint(err error, cfg *Config) (time.Duration, bool) {
	var ra RetryAfterer
	if !errors.As(err, &ra) || ra.RetryAfter() <= 0 {
		return 0, false
	}
	_, maxDelay := cfg.bounds()
	return min(ra.RetryAfter(), maxDelay), true
}

// Sleep waits for d or until ctx is done and returns ctx.Err in the latter
// case.
func Sleep(ctx context.Context, d time.Duration) error {
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

// Retry calls fn up to maxRetries+1 times. It stops early on success, when
// permanent reports the error as final, or when ctx ends. Between attempts
// it waits for the error's RetryAfter hint if it has one, otherwise for
// Delay.
func Retry(ctx context.Context, maxRetries int, cfg *Config, permanent func(error) bool, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt >= maxRetries || (permanent != nil && permanent(err)) {
			return err
		}

		wait, ok := hint(err, cfg)
		if !ok {
			wait = Delay(attempt+1, cfg)
		}
		if serr := Sleep(ctx, wait); serr != nil {
			return serr
		}
	}
}
