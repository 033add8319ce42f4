// File: client/connection.go
// Package client implements the completion-driven TCP connection state
// machine.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A Connection owns one socket and drives it from creation through
// teardown:
// - connect retry over resolved candidates, advancing on synchronous
//   rejection and handing off to the completion path on acceptance
// - a read-ahead receive loop that re-arms immediately after delivery
// - single-flight sends out of an owned, capacity-bounded buffer
// - idempotent close and a draining destroy
//
// Completion callbacks arrive on arbitrary worker goroutines; every
// field they touch is guarded by the connection mutex.

package client

import (
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/momentics/hioload-tcp/api"
	"github.com/momentics/hioload-tcp/pool"
)

// State is the connection lifecycle state.
type State int32

const (
	StateWaiting State = iota
	StateCreated
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateCreated:
		return "created"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var nextConnID atomic.Uint64

// Connection is a single outbound TCP connection driven by completions.
type Connection struct {
	id      uint64
	cfg     Config
	conduit api.Conduit
	reg     api.Registry
	ops     *pool.OperationPool
	logger  *slog.Logger
	handler EventHandler

	mu         sync.Mutex
	state      State
	socket     api.Handle
	candidates []netip.AddrPort
	cursor     int
	recvBuf    []byte
	sendBuf    []byte
	sendBusy   bool
}

// NewConnection constructs a connection in the Waiting state. The handler
// may be nil. The caller must register the connection with reg before
// issuing operations, so the dispatcher can resolve completions.
func NewConnection(cfg Config, conduit api.Conduit, reg api.Registry, ops *pool.OperationPool, handler EventHandler) *Connection {
	cfg = cfg.withDefaults()
	return &Connection{
		id:      nextConnID.Add(1),
		cfg:     cfg,
		conduit: conduit,
		reg:     reg,
		ops:     ops,
		logger:  cfg.Logger,
		handler: handler,
		state:   StateWaiting,
		socket:  api.InvalidHandle,
	}
}

// ID returns the registry identifier of this connection.
func (c *Connection) ID() uint64 { return c.id }

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Create allocates the socket, enables address reuse and registers it
// with the completion mechanism. On failure the state is unchanged.
func (c *Connection) Create() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.socket.Valid() || c.state != StateWaiting {
		return api.ErrInvalidState
	}
	h, err := c.conduit.Open(c.cfg.LocalPort)
	if err != nil {
		return fmt.Errorf("create socket: %w", err)
	}
	c.socket = h
	c.recvBuf = c.takeBuffer(c.cfg.RecvPool, c.cfg.RecvBufferSize)
	c.sendBuf = c.takeBuffer(c.cfg.SendPool, c.cfg.MaxSendSize)
	c.state = StateCreated
	return nil
}

// Connect resolves host:port and iterates the candidates in order.
// A synchronous rejection advances to the next candidate immediately;
// acceptance (pending or completed) returns nil and the completion path
// takes over. The state transition happens when the first receive is
// armed, not here. Returns an error only when resolution fails or every
// candidate was rejected synchronously.
func (c *Connection) Connect(host string, port uint16) error {
	c.mu.Lock()
	if c.state != StateCreated {
		c.mu.Unlock()
		return api.ErrInvalidState
	}
	c.mu.Unlock()

	cands, err := c.conduit.Resolve(host, port)
	if err != nil {
		return fmt.Errorf("resolve %s:%d: %w", host, port, err)
	}
	if len(cands) == 0 {
		return fmt.Errorf("resolve %s:%d: %w", host, port, api.ErrNoCandidates)
	}

	c.mu.Lock()
	if c.state != StateCreated {
		c.mu.Unlock()
		return api.ErrInvalidState
	}
	c.candidates = cands
	c.cursor = 0

	op := c.ops.Acquire(c.id, pool.KindConnect)
	var lastErr error
	for c.cursor < len(c.candidates) {
		ep := c.candidates[c.cursor]
		res := c.conduit.ConnectAsync(c.socket, ep, op.Token())
		if res.Status == api.IssueFailed {
			c.logger.Warn("connectCandidateRejected",
				slog.Uint64("conn", c.id),
				slog.String("remoteAddr", ep.String()),
				slog.Any("err", res.Err),
			)
			lastErr = res.Err
			c.cursor++
			continue
		}
		// Accepted: the record now belongs to the pending operation.
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	c.ops.Release(op)
	return fmt.Errorf("connect %s:%d: %w: %w", host, port, api.ErrExhausted, lastErr)
}

// OnConnectCompleted runs once a connect succeeded, synchronously or
// through a completion. It performs the post-connect socket fixup and
// arms the first receive. A fixup failure is fatal to the connection.
func (c *Connection) OnConnectCompleted() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		c.reg.RequestRemoval(c.id)
		return
	}
	h := c.socket
	c.mu.Unlock()

	if err := c.conduit.Establish(h); err != nil {
		c.logger.Error("postConnectFixupFailed",
			slog.Uint64("conn", c.id),
			slog.Any("err", err),
		)
		c.reg.RequestRemoval(c.id)
		return
	}
	c.PostReceive()
}

// RetryConnect advances to the next candidate after an asynchronous
// connect failure, reusing the same operation record. It reports true
// when the record was re-armed (pending or completed) and must not be
// released by the dispatcher.
func (c *Connection) RetryConnect(op *pool.Operation, cause error) bool {
	c.mu.Lock()
	if c.state == StateClosed || !c.socket.Valid() {
		c.mu.Unlock()
		c.reg.RequestRemoval(c.id)
		return false
	}
	c.cursor++
	for c.cursor < len(c.candidates) {
		ep := c.candidates[c.cursor]
		res := c.conduit.ConnectAsync(c.socket, ep, op.Token())
		if res.Status == api.IssueFailed {
			c.logger.Warn("connectCandidateRejected",
				slog.Uint64("conn", c.id),
				slog.String("remoteAddr", ep.String()),
				slog.Any("err", res.Err),
			)
			c.cursor++
			continue
		}
		c.mu.Unlock()
		return true
	}
	c.mu.Unlock()
	c.logger.Error("connectFailed",
		slog.Uint64("conn", c.id),
		slog.Int("candidates", len(c.candidates)),
		slog.Any("err", cause),
	)
	c.reg.RequestRemoval(c.id)
	return false
}

// PostReceive arms an asynchronous receive into the owned buffer.
// Called after Close it only requests removal; a late receive loop must
// never re-enter a closed connection. Synchronous rejection is fatal.
// The very first armed receive flips Created to Connected and reports
// the established endpoints exactly once.
func (c *Connection) PostReceive() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		c.reg.RequestRemoval(c.id)
		return
	}

	op := c.ops.Acquire(c.id, pool.KindReceive)
	res := c.conduit.RecvAsync(c.socket, c.recvBuf, op.Token())
	if res.Status == api.IssueFailed {
		firstReceive := c.state == StateCreated
		c.mu.Unlock()
		c.ops.Release(op)
		if firstReceive {
			// Connect completed but the first receive was refused: the
			// server cannot accept this connection.
			c.logger.Error("connectionRefusedAfterConnect",
				slog.Uint64("conn", c.id),
				slog.Any("err", res.Err),
			)
		} else {
			c.logger.Error("receiveArmFailed",
				slog.Uint64("conn", c.id),
				slog.Any("err", res.Err),
			)
		}
		c.reg.RequestRemoval(c.id)
		return
	}

	if c.state == StateCreated {
		c.state = StateConnected
		local := c.conduit.LocalAddr(c.socket)
		remote := c.conduit.RemoteAddr(c.socket)
		c.mu.Unlock()
		c.logger.Info("connectionEstablished",
			slog.Uint64("conn", c.id),
			slog.String("localAddr", local),
			slog.String("remoteAddr", remote),
		)
		c.notifyConnected(local, remote)
		return
	}
	c.mu.Unlock()
}

// OnReceiveCompleted delivers byteCount received bytes upward and
// immediately re-arms the next receive. A zero byte count, or a
// completion arriving after close, signals a graceful peer close and
// triggers exactly one close-and-removal sequence.
func (c *Connection) OnReceiveCompleted(byteCount int) {
	c.mu.Lock()
	if byteCount > 0 && c.state != StateClosed {
		payload := c.recvBuf[:byteCount]
		c.mu.Unlock()
		// Deliver before re-arming so payload order is preserved and the
		// buffer is not overwritten under the consumer.
		c.notifyData(payload)
		c.PostReceive()
		return
	}
	c.mu.Unlock()
	c.Close()
	c.reg.RequestRemoval(c.id)
}

// Send copies p into the owned send buffer and issues an asynchronous
// send. Sends are single-flight: a second send before OnSendCompleted is
// rejected rather than corrupting the buffer. Synchronous rejection is
// fatal to the connection.
func (c *Connection) Send(p []byte) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return api.ErrClosed
	}
	if c.state != StateConnected {
		c.mu.Unlock()
		return api.ErrNotConnected
	}
	if len(p) > c.cfg.MaxSendSize {
		c.mu.Unlock()
		return fmt.Errorf("%w: %d > %d", api.ErrSendTooLarge, len(p), c.cfg.MaxSendSize)
	}
	if c.sendBusy {
		c.mu.Unlock()
		return api.ErrSendInFlight
	}
	n := copy(c.sendBuf, p)

	op := c.ops.Acquire(c.id, pool.KindSend)
	res := c.conduit.SendAsync(c.socket, c.sendBuf[:n], op.Token())
	if res.Status == api.IssueFailed {
		c.mu.Unlock()
		c.ops.Release(op)
		c.logger.Error("sendArmFailed",
			slog.Uint64("conn", c.id),
			slog.Any("err", res.Err),
		)
		c.reg.RequestRemoval(c.id)
		return fmt.Errorf("send: %w", res.Err)
	}
	c.sendBusy = true
	c.mu.Unlock()
	return nil
}

// OnSendCompleted clears the single-flight guard and reports the byte
// count; it does not re-arm or alter connection state.
func (c *Connection) OnSendCompleted(byteCount int) {
	c.mu.Lock()
	c.sendBusy = false
	c.mu.Unlock()
	c.logger.Debug("sendCompleted",
		slog.Uint64("conn", c.id),
		slog.Int("bytes", byteCount),
	)
	c.notifySent(byteCount)
}

// OnOperationFailed handles an asynchronous receive or send failure.
// Always fatal: no retry, no partial-operation recovery. Completions of
// operations cancelled by Close land here too and are absorbed quietly.
func (c *Connection) OnOperationFailed(kind pool.Kind, err error) {
	c.mu.Lock()
	if kind == pool.KindSend {
		c.sendBusy = false
	}
	closed := c.state == StateClosed
	c.mu.Unlock()
	if !closed {
		c.logger.Error("ioFailed",
			slog.Uint64("conn", c.id),
			slog.String("op", kind.String()),
			slog.Any("err", err),
		)
	}
	c.reg.RequestRemoval(c.id)
}

// Shutdown half-closes the socket: stop sending, continue receiving.
func (c *Connection) Shutdown() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return api.ErrClosed
	}
	if c.state != StateConnected {
		c.mu.Unlock()
		return api.ErrNotConnected
	}
	h := c.socket
	c.mu.Unlock()
	if err := c.conduit.Shutdown(h); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// Close moves the connection to its terminal state, closes the socket
// and cancels all outstanding operations on it. Idempotent: the second
// call is a no-op. Cancelled completions still arrive and are absorbed
// by the dispatcher's liveness check or OnOperationFailed.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	h := c.socket
	c.socket = api.InvalidHandle
	c.mu.Unlock()

	if h.Valid() {
		_ = c.conduit.Close(h)
	}
	c.notifyClosed()
}

// Destroy closes the connection and then blocks until every outstanding
// completion for its operations has drained, so the platform can never
// write into buffers of a destroyed connection. This is the only
// blocking call in the engine.
func (c *Connection) Destroy() {
	c.Close()
	c.ops.WaitIdle(c.id)

	c.mu.Lock()
	if c.recvBuf != nil && c.cfg.RecvPool != nil {
		c.cfg.RecvPool.PutBuffer(c.recvBuf)
	}
	if c.sendBuf != nil && c.cfg.SendPool != nil {
		c.cfg.SendPool.PutBuffer(c.sendBuf)
	}
	c.recvBuf = nil
	c.sendBuf = nil
	c.mu.Unlock()
}

func (c *Connection) takeBuffer(p api.BytePool, size int) []byte {
	if p != nil {
		return p.GetBuffer()
	}
	return make([]byte, size)
}

func (c *Connection) notifyConnected(local, remote string) {
	if c.handler != nil {
		c.handler.OnConnected(local, remote)
	}
}

func (c *Connection) notifyData(p []byte) {
	if c.handler != nil {
		c.handler.OnData(p)
	}
}

func (c *Connection) notifySent(n int) {
	if c.handler != nil {
		c.handler.OnSent(n)
	}
}

func (c *Connection) notifyClosed() {
	if c.handler != nil {
		c.handler.OnClosed()
	}
}
