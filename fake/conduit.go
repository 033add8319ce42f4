// Package fake
// Author: momentics <momentics@gmail.com>
//
// Fake implementations for testing and development. The conduit is fully
// scriptable: each issue call consumes a scripted outcome (default:
// accepted as pending) and completions are delivered only when the test
// flushes or injects them, so tests control interleaving exactly.

package fake

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"github.com/momentics/hioload-tcp/api"
)

// ErrCancelled is carried by completions of operations cancelled by Close.
var ErrCancelled = errors.New("operation cancelled")

// Outcome scripts one issue call.
type Outcome struct {
	Status api.IssueStatus
	Err    error  // used when Status == IssueFailed
	Data   []byte // for completed receives: bytes copied into the buffer
}

// Issue-call kinds recorded by the fake.
const (
	OpConnect = "connect"
	OpRecv    = "recv"
	OpSend    = "send"
)

// IssuedOp is one recorded issue call.
type IssuedOp struct {
	Op       string
	Handle   api.Handle
	Token    uint64
	Endpoint netip.AddrPort
	Data     []byte // copy of the send payload
}

type pendingOp struct {
	op     string
	handle api.Handle
	buf    []byte
}

// Conduit is a scriptable api.Conduit.
type Conduit struct {
	mu   sync.Mutex
	sink api.CompletionSink

	nextHandle api.Handle
	open       map[api.Handle]bool

	resolves   map[string][]netip.AddrPort
	resolveErr error
	openErr    error
	establErr  error

	connectScript []Outcome
	recvScript    []Outcome
	sendScript    []Outcome

	issued     []IssuedOp
	pending    map[uint64]pendingOp
	deliveries []api.Completion
	closed     []api.Handle
	shutdowns  int

	localAddr  string
	remoteAddr string
}

// NewConduit creates a fake conduit with default settings: every issue
// is accepted as pending and resolution yields one loopback candidate.
func NewConduit() *Conduit {
	return &Conduit{
		open:       make(map[api.Handle]bool),
		resolves:   make(map[string][]netip.AddrPort),
		pending:    make(map[uint64]pendingOp),
		localAddr:  "127.0.0.1:50000",
		remoteAddr: "127.0.0.1:9000",
	}
}

// SetSink wires the completion sink, typically the dispatcher.
func (f *Conduit) SetSink(sink api.CompletionSink) {
	f.mu.Lock()
	f.sink = sink
	f.mu.Unlock()
}

// ScriptResolve fixes the candidate list returned for host.
func (f *Conduit) ScriptResolve(host string, eps ...netip.AddrPort) {
	f.mu.Lock()
	f.resolves[host] = eps
	f.mu.Unlock()
}

// SetResolveError makes Resolve fail.
func (f *Conduit) SetResolveError(err error) {
	f.mu.Lock()
	f.resolveErr = err
	f.mu.Unlock()
}

// SetOpenError makes Open fail.
func (f *Conduit) SetOpenError(err error) {
	f.mu.Lock()
	f.openErr = err
	f.mu.Unlock()
}

// SetEstablishError makes the post-connect fixup fail.
func (f *Conduit) SetEstablishError(err error) {
	f.mu.Lock()
	f.establErr = err
	f.mu.Unlock()
}

// ScriptConnect queues outcomes consumed by successive ConnectAsync calls.
func (f *Conduit) ScriptConnect(outcomes ...Outcome) {
	f.mu.Lock()
	f.connectScript = append(f.connectScript, outcomes...)
	f.mu.Unlock()
}

// ScriptRecv queues outcomes consumed by successive RecvAsync calls.
func (f *Conduit) ScriptRecv(outcomes ...Outcome) {
	f.mu.Lock()
	f.recvScript = append(f.recvScript, outcomes...)
	f.mu.Unlock()
}

// ScriptSend queues outcomes consumed by successive SendAsync calls.
func (f *Conduit) ScriptSend(outcomes ...Outcome) {
	f.mu.Lock()
	f.sendScript = append(f.sendScript, outcomes...)
	f.mu.Unlock()
}

// Resolve implements api.Conduit.
func (f *Conduit) Resolve(host string, port uint16) ([]netip.AddrPort, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resolveErr != nil {
		return nil, f.resolveErr
	}
	if eps, ok := f.resolves[host]; ok {
		return eps, nil
	}
	return []netip.AddrPort{netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), port)}, nil
}

// Open implements api.Conduit.
func (f *Conduit) Open(localPort uint16) (api.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return api.InvalidHandle, f.openErr
	}
	f.nextHandle++
	h := f.nextHandle
	f.open[h] = true
	return h, nil
}

// ConnectAsync implements api.Conduit.
func (f *Conduit) ConnectAsync(h api.Handle, ep netip.AddrPort, token uint64) api.IssueResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := popOutcome(&f.connectScript)
	f.issued = append(f.issued, IssuedOp{Op: OpConnect, Handle: h, Token: token, Endpoint: ep})
	switch out.Status {
	case api.IssueFailed:
		return api.IssueResult{Status: api.IssueFailed, Err: out.Err}
	case api.IssueCompleted:
		f.pending[token] = pendingOp{op: OpConnect, handle: h}
		f.deliveries = append(f.deliveries, api.Completion{Token: token})
		return api.IssueResult{Status: api.IssueCompleted}
	default:
		f.pending[token] = pendingOp{op: OpConnect, handle: h}
		return api.IssueResult{Status: api.IssuePending}
	}
}

// RecvAsync implements api.Conduit.
func (f *Conduit) RecvAsync(h api.Handle, buf []byte, token uint64) api.IssueResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := popOutcome(&f.recvScript)
	f.issued = append(f.issued, IssuedOp{Op: OpRecv, Handle: h, Token: token})
	switch out.Status {
	case api.IssueFailed:
		return api.IssueResult{Status: api.IssueFailed, Err: out.Err}
	case api.IssueCompleted:
		n := copy(buf, out.Data)
		f.pending[token] = pendingOp{op: OpRecv, handle: h, buf: buf}
		f.deliveries = append(f.deliveries, api.Completion{Token: token, Bytes: n})
		return api.IssueResult{Status: api.IssueCompleted}
	default:
		f.pending[token] = pendingOp{op: OpRecv, handle: h, buf: buf}
		return api.IssueResult{Status: api.IssuePending}
	}
}

// SendAsync implements api.Conduit.
func (f *Conduit) SendAsync(h api.Handle, buf []byte, token uint64) api.IssueResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := popOutcome(&f.sendScript)
	data := make([]byte, len(buf))
	copy(data, buf)
	f.issued = append(f.issued, IssuedOp{Op: OpSend, Handle: h, Token: token, Data: data})
	switch out.Status {
	case api.IssueFailed:
		return api.IssueResult{Status: api.IssueFailed, Err: out.Err}
	case api.IssueCompleted:
		f.pending[token] = pendingOp{op: OpSend, handle: h}
		f.deliveries = append(f.deliveries, api.Completion{Token: token, Bytes: len(buf)})
		return api.IssueResult{Status: api.IssueCompleted}
	default:
		f.pending[token] = pendingOp{op: OpSend, handle: h}
		return api.IssueResult{Status: api.IssuePending}
	}
}

// Establish implements api.Conduit.
func (f *Conduit) Establish(h api.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.establErr
}

// Shutdown implements api.Conduit.
func (f *Conduit) Shutdown(h api.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open[h] {
		return fmt.Errorf("shutdown: handle %d not open", h)
	}
	f.shutdowns++
	return nil
}

// Close implements api.Conduit. Armed operations on the handle are
// queued as cancelled completions, as the platform would deliver them.
func (f *Conduit) Close(h api.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.open, h)
	f.closed = append(f.closed, h)
	for token, p := range f.pending {
		if p.handle == h {
			delete(f.pending, token)
			f.deliveries = append(f.deliveries, api.Completion{Token: token, Err: ErrCancelled})
		}
	}
	return nil
}

// LocalAddr implements api.Conduit.
func (f *Conduit) LocalAddr(h api.Handle) string { return f.localAddr }

// RemoteAddr implements api.Conduit.
func (f *Conduit) RemoteAddr(h api.Handle) string { return f.remoteAddr }

// Flush delivers all queued completions to the sink, in order.
func (f *Conduit) Flush() {
	for {
		f.mu.Lock()
		if len(f.deliveries) == 0 || f.sink == nil {
			f.mu.Unlock()
			return
		}
		comp := f.deliveries[0]
		f.deliveries = f.deliveries[1:]
		delete(f.pending, comp.Token)
		sink := f.sink
		f.mu.Unlock()
		sink.Complete(comp)
	}
}

// Complete injects one completion for a pending token directly.
func (f *Conduit) Complete(token uint64, bytes int, err error) {
	f.mu.Lock()
	delete(f.pending, token)
	sink := f.sink
	f.mu.Unlock()
	if sink != nil {
		sink.Complete(api.Completion{Token: token, Bytes: bytes, Err: err})
	}
}

// FillRecv copies data into the buffer armed under token and returns the
// byte count, mimicking the platform writing into the receive buffer.
func (f *Conduit) FillRecv(token uint64, data []byte) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pending[token]
	if !ok || p.op != OpRecv {
		return 0
	}
	return copy(p.buf, data)
}

// LastIssued returns the most recent issue call of the given kind.
func (f *Conduit) LastIssued(op string) (IssuedOp, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.issued) - 1; i >= 0; i-- {
		if f.issued[i].Op == op {
			return f.issued[i], true
		}
	}
	return IssuedOp{}, false
}

// IssuedCount returns how many issue calls of the given kind happened.
func (f *Conduit) IssuedCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, io := range f.issued {
		if io.Op == op {
			n++
		}
	}
	return n
}

// Issued returns a copy of all recorded issue calls.
func (f *Conduit) Issued() []IssuedOp {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]IssuedOp, len(f.issued))
	copy(out, f.issued)
	return out
}

// PendingTokens returns tokens of operations accepted but not completed.
func (f *Conduit) PendingTokens() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint64, 0, len(f.pending))
	for t := range f.pending {
		out = append(out, t)
	}
	return out
}

// ClosedHandles returns every handle passed to Close, in order.
func (f *Conduit) ClosedHandles() []api.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]api.Handle, len(f.closed))
	copy(out, f.closed)
	return out
}

// Shutdowns returns how many half-closes were requested.
func (f *Conduit) Shutdowns() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shutdowns
}

func popOutcome(script *[]Outcome) Outcome {
	if len(*script) == 0 {
		return Outcome{Status: api.IssuePending}
	}
	out := (*script)[0]
	*script = (*script)[1:]
	return out
}
