// File: reactor/dispatcher.go
// Package reactor routes platform completions back into connection state
// machines.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The Dispatcher is the single entry point invoked for every finished
// operation, on whichever worker goroutine the platform chose. It owns
// record release: a record is released here after processing, except
// when a failed connect was re-armed against the next candidate, in
// which case the same record passes to the new pending operation.

package reactor

import (
	"log/slog"

	"github.com/momentics/hioload-tcp/api"
	"github.com/momentics/hioload-tcp/client"
	"github.com/momentics/hioload-tcp/control"
	"github.com/momentics/hioload-tcp/pool"
)

// Liveness resolves connection identifiers and gates completions on the
// connection still being valid to touch. The registry implements it.
type Liveness interface {
	api.Registry

	// Lookup returns the connection while it is registered, including the
	// window between a removal request and actual destruction, so that
	// draining completions can still reach their owner.
	Lookup(id uint64) (*client.Connection, bool)
}

// Dispatcher drives connection state transitions from completions.
type Dispatcher struct {
	ops     *pool.OperationPool
	conns   Liveness
	metrics *control.MetricsRegistry
	logger  *slog.Logger
}

// NewDispatcher constructs a dispatcher. metrics may be nil.
func NewDispatcher(ops *pool.OperationPool, conns Liveness, metrics *control.MetricsRegistry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		ops:     ops,
		conns:   conns,
		metrics: metrics,
		logger:  logger,
	}
}

var _ api.CompletionSink = (*Dispatcher)(nil)

// Complete implements api.CompletionSink.
func (d *Dispatcher) Complete(comp api.Completion) {
	op, ok := d.ops.Lookup(comp.Token)
	if !ok {
		// No record for this token: the issuing path already reclaimed it.
		d.count(control.MetricOrphanTokens)
		d.logger.Debug("orphanCompletion", slog.Uint64("token", comp.Token))
		return
	}

	owner := op.Owner()
	conn, found := d.conns.Lookup(owner)
	if !found || !d.conns.IsAlive(owner) {
		// The connection was torn down or is being drained; absorb.
		d.count(control.MetricDeadCompletions)
		d.ops.Release(op)
		return
	}

	if comp.Err == nil {
		switch op.Kind() {
		case pool.KindConnect:
			d.count(control.MetricCompletionsConnect)
			conn.OnConnectCompleted()
		case pool.KindReceive:
			d.count(control.MetricCompletionsReceive)
			conn.OnReceiveCompleted(comp.Bytes)
		case pool.KindSend:
			d.count(control.MetricCompletionsSend)
			conn.OnSendCompleted(comp.Bytes)
		}
	} else if op.Kind() == pool.KindConnect {
		d.count(control.MetricConnectRetries)
		if conn.RetryConnect(op, comp.Err) {
			// Re-armed: ownership of the record passed to the retry.
			return
		}
	} else {
		conn.OnOperationFailed(op.Kind(), comp.Err)
	}

	d.ops.Release(op)
}

func (d *Dispatcher) count(key string) {
	if d.metrics != nil {
		d.metrics.Inc(key)
	}
}
