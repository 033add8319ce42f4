// File: pool/oppool.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Operation records tie asynchronous completions back to the connection
// that issued them, and the pool recycles the records to avoid
// allocation churn at high I/O rates.
//
// A record is resolved from its completion token by table lookup, never
// by address recovery. It is destroyed exactly once: by the dispatcher
// after the completion was processed, or by the issuing path when the
// platform rejected the operation synchronously. While the platform
// holds a pending operation the record stays in the live table.

package pool

import (
	"sync"
	"sync/atomic"
)

// Kind is the operation type carried by a record.
type Kind uint8

const (
	KindConnect Kind = iota
	KindReceive
	KindSend
)

// String returns the kind name for diagnostics.
func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindReceive:
		return "receive"
	case KindSend:
		return "send"
	default:
		return "unknown"
	}
}

// Operation is one in-flight operation record. The owner field is an
// identifier, not a reference: it never extends the connection's
// lifetime, and the dispatcher must verify liveness before acting on it.
type Operation struct {
	token uint64
	kind  Kind
	owner uint64
}

// Token returns the completion token identifying this record.
func (op *Operation) Token() uint64 { return op.token }

// Kind returns the operation type stamped at acquisition.
func (op *Operation) Kind() Kind { return op.kind }

// Owner returns the issuing connection's identifier.
func (op *Operation) Owner() uint64 { return op.owner }

// OperationPool recycles operation records and tracks which are live.
// Acquire and Release are safe to call concurrently from any goroutine.
type OperationPool struct {
	free   *SyncPool[*Operation]
	nextID atomic.Uint64

	mu       sync.Mutex
	cond     *sync.Cond
	live     map[uint64]*Operation
	inflight map[uint64]int // owner id -> outstanding records
}

// NewOperationPool creates an empty pool.
func NewOperationPool() *OperationPool {
	p := &OperationPool{
		free:     NewSyncPool(func() *Operation { return new(Operation) }),
		live:     make(map[uint64]*Operation),
		inflight: make(map[uint64]int),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Acquire returns a zeroed record stamped with owner and kind, registered
// in the live table under a fresh token.
func (p *OperationPool) Acquire(owner uint64, kind Kind) *Operation {
	op := p.free.Get()
	*op = Operation{
		token: p.nextID.Add(1),
		kind:  kind,
		owner: owner,
	}
	p.mu.Lock()
	p.live[op.token] = op
	p.inflight[owner]++
	p.mu.Unlock()
	return op
}

// Lookup resolves a completion token to its live record.
func (p *OperationPool) Lookup(token uint64) (*Operation, bool) {
	p.mu.Lock()
	op, ok := p.live[token]
	p.mu.Unlock()
	return op, ok
}

// Release returns the record to the pool and wakes WaitIdle waiters.
// Releasing a record that is no longer live is a no-op, so the
// issue-failure path and the dispatcher cannot double-free.
func (p *OperationPool) Release(op *Operation) {
	p.mu.Lock()
	if _, ok := p.live[op.token]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.live, op.token)
	owner := op.owner
	if n := p.inflight[owner] - 1; n > 0 {
		p.inflight[owner] = n
	} else {
		delete(p.inflight, owner)
	}
	p.cond.Broadcast()
	p.mu.Unlock()

	*op = Operation{}
	p.free.Put(op)
}

// Outstanding returns the number of live records for an owner.
func (p *OperationPool) Outstanding(owner uint64) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inflight[owner]
}

// WaitIdle blocks until every record of the owner has been released.
// Connection teardown drains on this so that the platform can never
// write into buffers of a destroyed connection.
func (p *OperationPool) WaitIdle(owner uint64) {
	p.mu.Lock()
	for p.inflight[owner] > 0 {
		p.cond.Wait()
	}
	p.mu.Unlock()
}
