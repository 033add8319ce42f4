// File: registry/registry.go
// Package registry tracks which connections are still alive and defers
// their destruction out of completion callbacks.
// Author: momentics <momentics@gmail.com>
//
// Sharded for high concurrency. Removal is two-phase: RequestRemoval
// marks the connection dead and enqueues it; a reaper goroutine performs
// the blocking Destroy later, never on the caller's stack. Between the
// two phases the connection stays resolvable so draining completions can
// still find their owner, but IsAlive already reports false.

package registry

import (
	"log/slog"
	"sync"

	"github.com/eapache/queue"

	"github.com/momentics/hioload-tcp/api"
	"github.com/momentics/hioload-tcp/client"
	"github.com/momentics/hioload-tcp/control"
)

type entry struct {
	conn *client.Connection
	dead bool
}

type shard struct {
	mu    sync.RWMutex
	conns map[uint64]*entry
}

// Registry implements api.Registry plus the dispatcher's lookup side.
type Registry struct {
	shards []*shard
	mask   uint64

	rmu      sync.Mutex
	removals *queue.Queue
	notify   chan struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}

	metrics *control.MetricsRegistry
	logger  *slog.Logger
}

var _ api.Registry = (*Registry)(nil)

// NewRegistry constructs a sharded registry with shardCount shards and
// starts the removal reaper. metrics may be nil.
func NewRegistry(shardCount int, metrics *control.MetricsRegistry, logger *slog.Logger) *Registry {
	if shardCount <= 0 {
		shardCount = 16
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := nextPowerOfTwo(uint64(shardCount))
	shards := make([]*shard, m)
	for i := range shards {
		shards[i] = &shard{conns: make(map[uint64]*entry)}
	}
	r := &Registry{
		shards:   shards,
		mask:     m - 1,
		removals: queue.New(),
		notify:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		metrics:  metrics,
		logger:   logger,
	}
	go r.reap()
	return r
}

// Register makes the connection resolvable and alive.
func (r *Registry) Register(c *client.Connection) {
	sh := r.shard(c.ID())
	sh.mu.Lock()
	sh.conns[c.ID()] = &entry{conn: c}
	sh.mu.Unlock()
}

// IsAlive reports whether the connection may still be driven.
func (r *Registry) IsAlive(id uint64) bool {
	sh := r.shard(id)
	sh.mu.RLock()
	e, ok := sh.conns[id]
	alive := ok && !e.dead
	sh.mu.RUnlock()
	return alive
}

// Lookup resolves an identifier while the connection is registered,
// including the window between removal request and destruction.
func (r *Registry) Lookup(id uint64) (*client.Connection, bool) {
	sh := r.shard(id)
	sh.mu.RLock()
	e, ok := sh.conns[id]
	sh.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// RequestRemoval schedules deferred destruction; idempotent and safe to
// call from inside a completion callback.
func (r *Registry) RequestRemoval(id uint64) {
	sh := r.shard(id)
	sh.mu.Lock()
	e, ok := sh.conns[id]
	if !ok || e.dead {
		sh.mu.Unlock()
		return
	}
	e.dead = true
	sh.mu.Unlock()

	if r.metrics != nil {
		r.metrics.Inc(control.MetricRemovalsRequested)
	}
	r.rmu.Lock()
	r.removals.Add(id)
	r.rmu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Count returns the number of registered connections, dead ones included.
func (r *Registry) Count() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.RLock()
		n += len(sh.conns)
		sh.mu.RUnlock()
	}
	return n
}

// Close stops the reaper and destroys every remaining connection,
// blocking until their in-flight completions have drained.
func (r *Registry) Close() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		<-r.done
		for _, sh := range r.shards {
			sh.mu.Lock()
			conns := make([]*client.Connection, 0, len(sh.conns))
			for id, e := range sh.conns {
				conns = append(conns, e.conn)
				delete(sh.conns, id)
			}
			sh.mu.Unlock()
			for _, c := range conns {
				c.Destroy()
			}
		}
	})
}

func (r *Registry) reap() {
	defer close(r.done)
	for {
		select {
		case <-r.notify:
			r.drainRemovals()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) drainRemovals() {
	for {
		r.rmu.Lock()
		if r.removals.Length() == 0 {
			r.rmu.Unlock()
			return
		}
		id := r.removals.Remove().(uint64)
		r.rmu.Unlock()
		r.remove(id)
	}
}

// remove destroys one connection. Destroy blocks until its completions
// drain, so it runs outside any shard lock.
func (r *Registry) remove(id uint64) {
	sh := r.shard(id)
	sh.mu.RLock()
	e, ok := sh.conns[id]
	sh.mu.RUnlock()
	if !ok {
		return
	}
	e.conn.Destroy()

	sh.mu.Lock()
	delete(sh.conns, id)
	sh.mu.Unlock()

	if r.metrics != nil {
		r.metrics.Inc(control.MetricRemovalsProcessed)
	}
	r.logger.Debug("connectionRemoved", slog.Uint64("conn", id))
}

func (r *Registry) shard(id uint64) *shard {
	return r.shards[mix64(id)&r.mask]
}

// mix64 spreads sequential identifiers across shards.
func mix64(v uint64) uint64 {
	v ^= v >> 33
	v *= 0xff51afd7ed558ccd
	v ^= v >> 33
	return v
}

// nextPowerOfTwo returns the next power-of-two >= v.
func nextPowerOfTwo(v uint64) uint64 {
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v |= v >> 32
	v++
	return v
}
