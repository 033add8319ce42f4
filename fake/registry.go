// File: fake/registry.go
// Author: momentics <momentics@gmail.com>
//
// Fake registry: liveness and removal bookkeeping without a reaper, so
// tests observe removal requests instead of racing actual destruction.

package fake

import (
	"sync"

	"github.com/momentics/hioload-tcp/client"
)

// Registry is a controllable liveness store for tests.
type Registry struct {
	mu       sync.Mutex
	conns    map[uint64]*client.Connection
	dead     map[uint64]bool
	removals []uint64 // unique ids, in request order
	requests int      // raw RequestRemoval call count
}

// NewRegistry creates an empty fake registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[uint64]*client.Connection),
		dead:  make(map[uint64]bool),
	}
}

// Register adds a live connection.
func (r *Registry) Register(c *client.Connection) {
	r.mu.Lock()
	r.conns[c.ID()] = c
	r.mu.Unlock()
}

// IsAlive implements api.Registry.
func (r *Registry) IsAlive(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conns[id]
	return ok && !r.dead[id]
}

// RequestRemoval implements api.Registry; records but never destroys.
func (r *Registry) RequestRemoval(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests++
	if _, ok := r.conns[id]; !ok || r.dead[id] {
		return
	}
	r.dead[id] = true
	r.removals = append(r.removals, id)
}

// Lookup resolves a registered connection, dead or alive.
func (r *Registry) Lookup(id uint64) (*client.Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	return c, ok
}

// Drop unregisters a connection entirely.
func (r *Registry) Drop(id uint64) {
	r.mu.Lock()
	delete(r.conns, id)
	delete(r.dead, id)
	r.mu.Unlock()
}

// Removals returns the ids whose removal was requested, deduplicated.
func (r *Registry) Removals() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint64, len(r.removals))
	copy(out, r.removals)
	return out
}

// Requests returns the raw RequestRemoval call count.
func (r *Registry) Requests() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requests
}
