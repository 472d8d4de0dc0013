// Package testutil holds helpers for tests that wait on asynchronous work:
// webhook deliveries, background notifier workers, polling clients.
package testutil

import (
	"sync/atomic"
	"testing"
	"time"
)

// WaitOption adjusts how long and how often WaitFor checks.
type WaitOption func(*waitConfig)

type waitConfig struct {
	timeout  time.Duration
	interval time.Duration
}

// WithTimeout bounds the wait (default 30s).
func WithTimeout(d time.Duration) WaitOption {
	return func(c *waitConfig) { c.timeout = d }
}

// WithInterval sets the check interval (default 20ms).
func WithInterval(d time.Duration) WaitOption {
	return func(c *waitConfig) { c.interval = d }
}

func newWaitConfig(opts []WaitOption) waitConfig {
	c := waitConfig{timeout: 30 * time.Second, interval: 20 * time.Millisecond}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// WaitFor checks condition until it holds or the timeout passes, and reports
// whether it held. The condition is checked once more at the deadline.
func WaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) bool {
	tb.Helper()
	c := newWaitConfig(opts)

	if condition() {
		return true
	}
	deadline := time.NewTimer(c.timeout)
	defer deadline.Stop()
	tick := time.NewTicker(c.interval)
	defer tick.Stop()

	for {
		select {
		case <-tick.C:
			if condition() {
				return true
			}
		case <-deadline.C:
			return condition()
		}
	}
}

// WaitForCount waits until counter is at least target.
func WaitForCount(tb testing.TB, counter *atomic.Int64, target int64, opts ...WaitOption) bool {
	tb.Helper()
	return WaitFor(tb, func() bool { return counter.Load() >= target }, opts...)
}

// MustWaitFor is WaitFor that fails the test on timeout.
func MustWaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) {
	tb.Helper()
	if !WaitFor(tb, condition, opts...) {
		tb.Fatal("timed out waiting for condition")
	}
}

// MustWaitForCount is WaitForCount that fails the test on timeout.
func MustWaitForCount(tb testing.TB, counter *atomic.Int64, target int64, opts ...WaitOption) {
	tb.Helper()
	if !WaitForCount(tb, counter, target, opts...) {
		tb.Fatalf("timed out waiting for count %d (current: %d)", target, counter.Load())
	}
}
