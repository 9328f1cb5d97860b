package breaker

import "sync"

// Registry holds one shared breaker per dependency name for the whole
// process.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry returns an empty breaker registry.
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*Breaker)}
}

// GetOrCreate returns the breaker for name, creating it lazily. The config
// only applies on first creation; later callers passing a different config
// for the same name get the original breaker unchanged.
func (r *Registry) GetOrCreate(name string, config Config) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.breakers[name]; ok {
		return existing
	}
	created := New(name, config)
	r.breakers[name] = created
	return created
}

// Names lists the registered dependency names.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	return names
}
