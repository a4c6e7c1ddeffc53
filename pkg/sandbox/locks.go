package sandbox

import "sync"

// Registry is the process-wide sandbox lock map. Every state-mutating
// sandbox operation runs under its sandbox's mutex, serializing state
// transitions within this process; the database row lock covers other
// processes.
type Registry struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRegistry returns an empty lock registry.
func NewRegistry() *Registry {
	return &Registry{locks: make(map[string]*sync.Mutex)}
}

// Get returns the mutex for a sandbox, creating it on first use.
func (r *Registry) Get(sandboxID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.locks[sandboxID]
	if !ok {
		m = &sync.Mutex{}
		r.locks[sandboxID] = m
	}
	return m
}

// Remove drops a sandbox's mutex after a terminal operation.
func (r *Registry) Remove(sandboxID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.locks, sandboxID)
}

// RemoveBulk drops the mutexes of sandboxes tombstoned during a GC cycle.
func (r *Registry) RemoveBulk(sandboxIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range sandboxIDs {
		delete(r.locks, id)
	}
}

// Len reports the number of tracked locks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}
