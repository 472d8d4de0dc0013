// Package health answers the liveness and readiness probes.
//
// Readiness distinguishes required dependencies from optional ones. When
// the record store is down the instance cannot serve anything and reports
// unhealthy. When only the provider is down, records stay readable and
// already-submitted polls keep failing retryably, so the instance reports
// degraded and stays in rotation.
package health

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

// ReadinessChecker is implemented by the record store, the provider client
// and object storage.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// CheckFunc adapts a function to ReadinessChecker.
type CheckFunc func(ctx context.Context) error

// Ready calls f.
func (f CheckFunc) Ready(ctx context.Context) error { return f(ctx) }

// Status is the outcome of a probe or of one dependency check.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is the outcome of one dependency check.
type CheckResult struct {
	Status   Status `json:"status"`
	Optional bool   `json:"optional,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Response is the probe body.
type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// IsHealthy reports whether the instance should receive traffic. A degraded
// instance still does.
func (r *Response) IsHealthy() bool {
	return r.Status == StatusHealthy || r.Status == StatusDegraded
}

// RegisterOption tunes a registered dependency.
type RegisterOption func(*dependency)

// Optional marks a dependency whose failure degrades the instance instead
// of taking it out of rotation.
func Optional() RegisterOption {
	return func(d *dependency) { d.optional = true }
}

type dependency struct {
	name     string
	checker  ReadinessChecker
	optional bool
}

// Checker runs the registered dependency checks.
type Checker struct {
	deps     []dependency
	timeout  time.Duration
	cacheTTL time.Duration

	mu           sync.RWMutex
	cached       *Response
	cachedAt     time.Time
	shuttingDown bool
}

// NewChecker creates a checker with no dependencies. Each check gets 5s and
// readiness results are reused for 1s.
func NewChecker() *Checker {
	return &Checker{timeout: 5 * time.Second, cacheTTL: time.Second}
}

// Register adds a dependency. Call it before serving probes.
func (c *Checker) Register(name string, checker ReadinessChecker, opts ...RegisterOption) {
	d := dependency{name: name, checker: checker}
	for _, opt := range opts {
		opt(&d)
	}
	c.deps = append(c.deps, d)
	slices.SortFunc(c.deps, func(a, b dependency) int { return strings.Compare(a.name, b.name) })
}

// Liveness never touches dependencies; failing it restarts the process.
func (c *Checker) Liveness(context.Context) *Response {
	return &Response{Status: StatusHealthy}
}

// Readiness checks every dependency concurrently.
func (c *Checker) Readiness(ctx context.Context) *Response {
	c.mu.RLock()
	switch {
	case c.shuttingDown:
		c.mu.RUnlock()
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{"shutdown": {Status: StatusUnhealthy, Message: "service is shutting down"}},
		}
	case c.cached != nil && time.Since(c.cachedAt) < c.cacheTTL:
		cached := c.cached
		c.mu.RUnlock()
		return cached
	}
	c.mu.RUnlock()

	resp := c.run(ctx)

	c.mu.Lock()
	if !c.shuttingDown {
		c.cached, c.cachedAt = resp, time.Now()
	}
	c.mu.Unlock()
	return resp
}

func (c *Checker) run(ctx context.Context) *Response {
	if len(c.deps) == 0 {
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{"dependencies": {Status: StatusUnhealthy, Message: "no dependencies configured"}},
		}
	}

	results := make([]CheckResult, len(c.deps))
	var wg sync.WaitGroup
	for i, d := range c.deps {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = c.check(ctx, d)
		}()
	}
	wg.Wait()

	resp := &Response{Status: StatusHealthy, Checks: make(map[string]CheckResult, len(c.deps))}
	for i, d := range c.deps {
		res := results[i]
		resp.Checks[d.name] = res
		switch {
		case res.Status == StatusHealthy:
		case d.optional:
			if resp.Status == StatusHealthy {
				resp.Status = StatusDegraded
			}
		default:
			resp.Status = StatusUnhealthy
		}
	}
	return resp
}

func (c *Checker) check(ctx context.Context, d dependency) CheckResult {
	res := CheckResult{Status: StatusHealthy, Optional: d.optional}
	if d.checker == nil {
		res.Status, res.Message = StatusUnhealthy, "not configured"
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := d.checker.Ready(ctx); err != nil {
		res.Status, res.Message = StatusUnhealthy, err.Error()
	}
	return res
}

// SetShuttingDown fails every later readiness probe so load balancers stop
// routing new polls here while in-flight ones drain.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	c.cached = nil
}
