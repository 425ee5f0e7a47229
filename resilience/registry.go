package resilience

import "sync"

// Registry holds one named circuit breaker per downstream endpoint.
// Breakers are created lazily from the registry's default configuration.
type Registry struct {
	mu       sync.Mutex
	defaults CircuitBreakerConfig
	breakers map[string]*CircuitBreaker
}

// NewRegistry creates a registry. The defaults apply to every breaker it
// creates; the Name field of defaults is ignored.
func NewRegistry(defaults CircuitBreakerConfig) *Registry {
	return &Registry{
		defaults: defaults,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	config := r.defaults
	config.Name = name
	cb := NewCircuitBreaker(config)
	r.breakers[name] = cb
	return cb
}

// Stats returns a snapshot for every registered breaker, keyed by name.
func (r *Registry) Stats() map[string]CircuitStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]CircuitStats, len(r.breakers))
	for name, cb := range r.breakers {
		out[name] = cb.Stats()
	}
	return out
}

// Reset resets every registered breaker to closed.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, cb := range r.breakers {
		cb.Reset()
	}
}
