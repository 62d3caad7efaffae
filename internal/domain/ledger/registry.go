package ledger

import (
	"fmt"
	"sync"
)

// Registry holds the configured ledger adapters, keyed by network ID. It is
// constructed at gateway startup and passed by handle to the components that
// need lookup; there is no ambient global registry.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := a.Network().ID
	if _, ok := r.adapters[id]; ok {
		return fmt.Errorf("adapter already registered for network %s", id)
	}
	r.adapters[id] = a
	return nil
}

func (r *Registry) Get(networkID string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[networkID]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for network %s", networkID)
	}
	return a, nil
}

func (r *Registry) Networks() []Network {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Network, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a.Network())
	}
	return out
}
