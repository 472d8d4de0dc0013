// Package circuitbreaker stops calling a remote dependency after a run of
// consecutive failures and lets a single probe through once a cooldown has
// passed.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Execute when the call was not attempted.
var ErrOpen = errors.New("circuit breaker open")

// State is the position of a breaker.
type State int

const (
	Closed   State = iota // calls pass
	Open                  // calls rejected until the cooldown ends
	HalfOpen              // one probe in flight
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config configures a Breaker.
type Config struct {
	Threshold int           // consecutive failures that open the breaker, default 5
	Cooldown  time.Duration // time spent open before a probe, default 30s

	// IsFailure decides whether an error returned through Execute counts
	// against the threshold. Nil counts every error.
	IsFailure func(error) bool

	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(name string, from, to State)
}

// Breaker guards one remote dependency.
type Breaker struct {
	name string
	cfg  Config

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probeAt  time.Time // zero when no probe is outstanding
}

// New creates a closed breaker.
func New(cfg Config) *Breaker {
	return newNamed("", cfg)
}

func newNamed(name string, cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{name: name, cfg: cfg, state: Closed}
}

// Execute runs fn if the breaker allows it and records the result. Errors
// that Config.IsFailure rejects are returned without being counted.
func (b *Breaker) Execute(fn func() error) error {
	if !b.Allow() {
		return ErrOpen
	}

	err := fn()
	switch {
	case err == nil:
		b.RecordSuccess()
	case b.cfg.IsFailure == nil || b.cfg.IsFailure(err):
		b.RecordFailure()
	default:
		b.releaseProbe()
	}
	return err
}

// Allow reports whether a call may be attempted. In half-open state only
// one caller is admitted until it records a result or the cooldown passes
// again.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	now := time.Now()
	from := b.state
	allowed := true

	switch b.state {
	case Open:
		if now.Sub(b.openedAt) < b.cfg.Cooldown {
			allowed = false
			break
		}
		b.state = HalfOpen
		b.probeAt = now
	case HalfOpen:
		if !b.probeAt.IsZero() && now.Sub(b.probeAt) < b.cfg.Cooldown {
			allowed = false
			break
		}
		b.probeAt = now
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
	return allowed
}

// RecordSuccess closes the breaker and clears the failure streak.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	from := b.state
	b.failures = 0
	b.probeAt = time.Time{}
	b.state = Closed
	b.mu.Unlock()

	b.notify(from, Closed)
}

// RecordFailure counts a failure. A failed probe reopens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	from := b.state
	b.failures++
	b.probeAt = time.Time{}
	if b.state == HalfOpen || b.failures >= b.cfg.Threshold {
		b.state = Open
		b.openedAt = time.Now()
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

func (b *Breaker) releaseProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probeAt = time.Time{}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, from, to)
	}
}
