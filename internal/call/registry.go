package call

import (
	"context"
	"sync"
)

// Registry holds one Machine per user of the service.
type Registry struct {
	factory func(userID string) *Machine

	mu       sync.Mutex
	machines map[string]*Machine
}

// NewRegistry creates machines on first use with factory.
func NewRegistry(factory func(userID string) *Machine) *Registry {
	return &Registry{
		factory:  factory,
		machines: make(map[string]*Machine),
	}
}

// Get returns the Machine of userID, creating it when missing.
func (r *Registry) Get(userID string) *Machine {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.machines[userID]
	if !ok {
		m = r.factory(userID)
		r.machines[userID] = m
	}
	return m
}

// Lookup returns the Machine of userID without creating one.
func (r *Registry) Lookup(userID string) (*Machine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.machines[userID]
	return m, ok
}

// EndAll ends every call, for shutdown.
func (r *Registry) EndAll(ctx context.Context) {
	r.mu.Lock()
	machines := make([]*Machine, 0, len(r.machines))
	for _, m := range r.machines {
		machines = append(machines, m)
	}
	r.mu.Unlock()

	for _, m := range machines {
		m.EndCall(ctx)
	}
}
