// File: api/conduit.go
// Author: momentics <momentics@gmail.com>
//
// Conduit abstracts address resolution, raw socket creation and
// asynchronous I/O issuance. Implementations turn OS readiness or
// completion events into Completion values delivered through a
// CompletionSink on arbitrary worker goroutines.

package api

import "net/netip"

// Handle identifies an open socket owned by a connection.
type Handle int

// InvalidHandle marks a connection without a live socket.
const InvalidHandle Handle = -1

// Valid reports whether the handle refers to an open socket.
func (h Handle) Valid() bool { return h != InvalidHandle }

// IssueStatus is the three-way outcome of issuing an asynchronous operation.
type IssueStatus int

const (
	// IssueCompleted: the operation finished immediately. The completion
	// is still delivered through the sink, so callers handle synchronous
	// and asynchronous success on one path.
	IssueCompleted IssueStatus = iota

	// IssuePending: the operation was accepted and will complete later.
	IssuePending

	// IssueFailed: the operation was rejected before being queued.
	// No completion will be delivered; the issuer owns cleanup.
	IssueFailed
)

// IssueResult reports how the platform accepted an issued operation.
type IssueResult struct {
	Status IssueStatus
	Err    error // set only when Status == IssueFailed
}

// Completion is one finished operation, correlated by its record token.
type Completion struct {
	Token uint64
	Bytes int   // bytes transferred; meaningful for receive and send
	Err   error // nil on success; cancellation surfaces as an error
}

// CompletionSink receives completions from a Conduit. Implementations
// must tolerate concurrent invocation from multiple goroutines.
type CompletionSink interface {
	Complete(c Completion)
}

// Conduit is the socket/resolver collaborator consumed by the core.
//
// Issue methods must never invoke the sink synchronously on the caller's
// stack; even an IssueCompleted outcome is delivered asynchronously.
type Conduit interface {
	// Resolve maps host:port to an ordered candidate list.
	Resolve(host string, port uint16) ([]netip.AddrPort, error)

	// Open creates a nonblocking socket bound to localPort (0 = ephemeral),
	// enables address reuse and registers it with the completion mechanism.
	Open(localPort uint16) (Handle, error)

	// ConnectAsync issues a connect against one candidate.
	ConnectAsync(h Handle, ep netip.AddrPort, token uint64) IssueResult

	// RecvAsync issues a receive into buf. On completion, Completion.Bytes
	// holds the byte count; zero means the peer closed gracefully.
	RecvAsync(h Handle, buf []byte, token uint64) IssueResult

	// SendAsync issues a send of buf.
	SendAsync(h Handle, buf []byte, token uint64) IssueResult

	// Establish performs the post-connect socket fixup.
	Establish(h Handle) error

	// Shutdown half-closes the socket: stop sending, keep receiving.
	Shutdown(h Handle) error

	// Close closes the socket and cancels outstanding operations on it.
	// Their completions still arrive, carrying a cancellation error.
	Close(h Handle) error

	// LocalAddr and RemoteAddr return endpoint strings for diagnostics.
	LocalAddr(h Handle) string
	RemoteAddr(h Handle) string
}
