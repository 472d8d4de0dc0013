package circuitbreaker

import "sync"

// Registry keeps one breaker per key, such as a remote host, all built from
// the same Config. The key is passed to OnStateChange as the breaker name.
// Breakers are created on first use and never removed.
type Registry struct {
	cfg      Config
	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for key.
func (r *Registry) Get(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[key]
	if !ok {
		b = newNamed(key, r.cfg)
		r.breakers[key] = b
	}
	return b
}
