//go:build linux

// File: transport/conduit_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Linux backend: dual-stack nonblocking sockets, an epoll readiness loop
// and a worker pool that delivers completions. Issue calls attempt the
// syscall immediately; EAGAIN/EINPROGRESS arms the fd and the poll loop
// finishes the operation when readiness arrives. Even synchronous
// success posts its completion through the sink, so the state machine
// sees one uniform completion path.

package transport

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-tcp/api"
	"github.com/momentics/hioload-tcp/internal/concurrency"
)

// armedOp is one operation parked on an fd waiting for readiness.
type armedOp struct {
	token     uint64
	buf       []byte
	isConnect bool // write-side only: connect vs send
}

type fdState struct {
	read       *armedOp
	write      *armedOp
	registered bool
}

type provider struct {
	epfd   int
	wakeFd int
	sink   api.CompletionSink
	exec   *concurrency.Executor

	mu  sync.Mutex
	fds map[int]*fdState

	closed   atomic.Bool
	loopDone chan struct{}
}

func newProvider(cfg Config, sink api.CompletionSink) (Provider, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &ev); err != nil {
		unix.Close(wakeFd)
		unix.Close(epfd)
		return nil, fmt.Errorf("epoll ctl add wake: %w", err)
	}

	p := &provider{
		epfd:     epfd,
		wakeFd:   wakeFd,
		sink:     sink,
		exec:     concurrency.NewExecutor(cfg.Workers),
		fds:      make(map[int]*fdState),
		loopDone: make(chan struct{}),
	}
	go p.loop()
	return p, nil
}

// Resolve implements api.Conduit.
func (p *provider) Resolve(host string, port uint16) ([]netip.AddrPort, error) {
	return resolveHostPort(host, port)
}

// Open creates a dual-stack nonblocking socket, enables address reuse
// and registers it with the poll loop.
func (p *provider) Open(localPort uint16) (api.Handle, error) {
	if p.closed.Load() {
		return api.InvalidHandle, api.ErrConduitClosed
	}
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return api.InvalidHandle, fmt.Errorf("socket: %w", err)
	}
	// Accept IPv4 candidates as v4-mapped addresses on the same socket.
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0)
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return api.InvalidHandle, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if localPort != 0 {
		if err := unix.Bind(fd, &unix.SockaddrInet6{Port: int(localPort)}); err != nil {
			unix.Close(fd)
			return api.InvalidHandle, fmt.Errorf("bind :%d: %w", localPort, err)
		}
	}

	st := &fdState{}
	p.mu.Lock()
	if err := p.register(fd, st); err != nil {
		p.mu.Unlock()
		unix.Close(fd)
		return api.InvalidHandle, err
	}
	p.fds[fd] = st
	p.mu.Unlock()
	return api.Handle(fd), nil
}

// ConnectAsync implements api.Conduit.
func (p *provider) ConnectAsync(h api.Handle, ep netip.AddrPort, token uint64) api.IssueResult {
	fd := int(h)
	err := unix.Connect(fd, sockaddrFrom(ep))
	switch err {
	case nil:
		p.post(token, 0, nil)
		return api.IssueResult{Status: api.IssueCompleted}
	case unix.EINPROGRESS, unix.EINTR:
		if armErr := p.armWrite(fd, &armedOp{token: token, isConnect: true}); armErr != nil {
			return api.IssueResult{Status: api.IssueFailed, Err: armErr}
		}
		return api.IssueResult{Status: api.IssuePending}
	default:
		return api.IssueResult{Status: api.IssueFailed, Err: fmt.Errorf("connect %s: %w", ep, err)}
	}
}

// RecvAsync implements api.Conduit. A zero-byte synchronous read is a
// graceful peer close and completes with zero bytes.
func (p *provider) RecvAsync(h api.Handle, buf []byte, token uint64) api.IssueResult {
	fd := int(h)
	for {
		n, err := unix.Read(fd, buf)
		switch {
		case err == nil:
			p.post(token, n, nil)
			return api.IssueResult{Status: api.IssueCompleted}
		case err == unix.EAGAIN:
			if armErr := p.armRead(fd, &armedOp{token: token, buf: buf}); armErr != nil {
				return api.IssueResult{Status: api.IssueFailed, Err: armErr}
			}
			return api.IssueResult{Status: api.IssuePending}
		case err == unix.EINTR:
			continue
		default:
			return api.IssueResult{Status: api.IssueFailed, Err: fmt.Errorf("read: %w", err)}
		}
	}
}

// SendAsync implements api.Conduit.
func (p *provider) SendAsync(h api.Handle, buf []byte, token uint64) api.IssueResult {
	fd := int(h)
	for {
		n, err := unix.Write(fd, buf)
		switch {
		case err == nil:
			p.post(token, n, nil)
			return api.IssueResult{Status: api.IssueCompleted}
		case err == unix.EAGAIN:
			if armErr := p.armWrite(fd, &armedOp{token: token, buf: buf}); armErr != nil {
				return api.IssueResult{Status: api.IssueFailed, Err: armErr}
			}
			return api.IssueResult{Status: api.IssuePending}
		case err == unix.EINTR:
			continue
		default:
			return api.IssueResult{Status: api.IssueFailed, Err: fmt.Errorf("write: %w", err)}
		}
	}
}

// Establish performs the post-connect fixup: surface any deferred socket
// error and propagate stream options onto the connected socket.
func (p *provider) Establish(h api.Handle) error {
	fd := int(h)
	if err := sockError(fd); err != nil {
		return fmt.Errorf("establish: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		return fmt.Errorf("setsockopt TCP_NODELAY: %w", err)
	}
	return nil
}

// Shutdown implements api.Conduit.
func (p *provider) Shutdown(h api.Handle) error {
	if err := unix.Shutdown(int(h), unix.SHUT_WR); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// Close deregisters and closes the socket. Armed operations complete
// with ECANCELED through the normal sink path.
func (p *provider) Close(h api.Handle) error {
	fd := int(h)
	p.mu.Lock()
	st, ok := p.fds[fd]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	delete(p.fds, fd)
	cancelled := collectArmed(st)
	if st.registered {
		_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	}
	err := unix.Close(fd)
	p.mu.Unlock()

	for _, op := range cancelled {
		p.post(op.token, 0, unix.ECANCELED)
	}
	return err
}

// LocalAddr implements api.Conduit.
func (p *provider) LocalAddr(h api.Handle) string {
	sa, err := unix.Getsockname(int(h))
	if err != nil {
		return ""
	}
	return sockaddrString(sa)
}

// RemoteAddr implements api.Conduit.
func (p *provider) RemoteAddr(h api.Handle) string {
	sa, err := unix.Getpeername(int(h))
	if err != nil {
		return ""
	}
	return sockaddrString(sa)
}

// Stop implements Provider.
func (p *provider) Stop() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	_, _ = unix.Write(p.wakeFd, one[:])
	<-p.loopDone

	p.mu.Lock()
	var cancelled []*armedOp
	for fd, st := range p.fds {
		cancelled = append(cancelled, collectArmed(st)...)
		_ = unix.Close(fd)
		delete(p.fds, fd)
	}
	p.mu.Unlock()

	for _, op := range cancelled {
		p.post(op.token, 0, unix.ECANCELED)
	}
	p.exec.Close()
	unix.Close(p.wakeFd)
	unix.Close(p.epfd)
	return nil
}

func (p *provider) loop() {
	defer close(p.loopDone)
	var events [128]unix.EpollEvent
	for {
		n, err := unix.EpollWait(p.epfd, events[:], -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil || p.closed.Load() {
			return
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == p.wakeFd {
				if p.closed.Load() {
					return
				}
				var buf [8]byte
				_, _ = unix.Read(p.wakeFd, buf[:])
				continue
			}
			p.handleReady(fd, events[i].Events)
		}
	}
}

// handleReady finishes armed operations once the fd turned ready.
func (p *provider) handleReady(fd int, ev uint32) {
	var completions []api.Completion

	p.mu.Lock()
	st, ok := p.fds[fd]
	if !ok {
		p.mu.Unlock()
		return
	}
	errEvent := ev&(unix.EPOLLERR|unix.EPOLLHUP) != 0

	if op := st.write; op != nil && (ev&unix.EPOLLOUT != 0 || errEvent) {
		if op.isConnect {
			st.write = nil
			completions = append(completions, api.Completion{Token: op.token, Err: sockError(fd)})
		} else {
			n, werr := unix.Write(fd, op.buf)
			if werr == unix.EAGAIN && !errEvent {
				// spurious wakeup, keep armed
			} else {
				st.write = nil
				if n < 0 {
					n = 0
				}
				completions = append(completions, api.Completion{Token: op.token, Bytes: n, Err: werr})
			}
		}
	}

	if op := st.read; op != nil && (ev&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0 || errEvent) {
		n, rerr := unix.Read(fd, op.buf)
		if rerr == unix.EAGAIN && !errEvent {
			// spurious wakeup, keep armed
		} else {
			st.read = nil
			if n < 0 {
				n = 0
			}
			completions = append(completions, api.Completion{Token: op.token, Bytes: n, Err: rerr})
		}
	}

	p.updateInterest(fd, st, errEvent)
	p.mu.Unlock()

	for _, c := range completions {
		p.post(c.Token, c.Bytes, c.Err)
	}
}

// register/updateInterest maintain the fd's epoll membership. An fd with
// no armed operations after an error event is dropped from the set so a
// broken socket cannot spin the loop; the next arm re-adds it.
func (p *provider) register(fd int, st *fdState) error {
	ev := unix.EpollEvent{Events: interestOf(st), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl add: %w", err)
	}
	st.registered = true
	return nil
}

func (p *provider) updateInterest(fd int, st *fdState, errEvent bool) {
	if st.read == nil && st.write == nil && errEvent {
		if st.registered {
			_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
			st.registered = false
		}
		return
	}
	if !st.registered {
		_ = p.register(fd, st)
		return
	}
	ev := unix.EpollEvent{Events: interestOf(st), Fd: int32(fd)}
	_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (p *provider) armRead(fd int, op *armedOp) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.fds[fd]
	if !ok {
		return api.ErrConduitClosed
	}
	if st.read != nil {
		return fmt.Errorf("receive already armed on fd %d", fd)
	}
	st.read = op
	p.updateInterest(fd, st, false)
	return nil
}

func (p *provider) armWrite(fd int, op *armedOp) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.fds[fd]
	if !ok {
		return api.ErrConduitClosed
	}
	if st.write != nil {
		return fmt.Errorf("write-side operation already armed on fd %d", fd)
	}
	st.write = op
	p.updateInterest(fd, st, false)
	return nil
}

// post hands a completion to the worker pool. A full queue falls back to
// a dedicated goroutine so issue paths holding connection locks never
// stall behind the workers.
func (p *provider) post(token uint64, n int, err error) {
	comp := api.Completion{Token: token, Bytes: n, Err: err}
	task := func() { p.sink.Complete(comp) }
	if subErr := p.exec.Submit(task); subErr == concurrency.ErrExecutorBusy {
		go task()
	}
}

func interestOf(st *fdState) uint32 {
	var ev uint32
	if st.read != nil {
		ev |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if st.write != nil {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func collectArmed(st *fdState) []*armedOp {
	var ops []*armedOp
	if st.read != nil {
		ops = append(ops, st.read)
		st.read = nil
	}
	if st.write != nil {
		ops = append(ops, st.write)
		st.write = nil
	}
	return ops
}

func sockError(fd int) error {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if v != 0 {
		return unix.Errno(v)
	}
	return nil
}

func sockaddrFrom(ep netip.AddrPort) unix.Sockaddr {
	// Dual-stack socket: IPv4 candidates travel as v4-mapped addresses.
	sa := &unix.SockaddrInet6{Port: int(ep.Port())}
	b := ep.Addr().As16()
	copy(sa.Addr[:], b[:])
	return sa
}

func sockaddrString(sa unix.Sockaddr) string {
	switch s := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(s.Addr), uint16(s.Port)).String()
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(s.Addr).Unmap(), uint16(s.Port)).String()
	default:
		return ""
	}
}
