// File: reactor/dispatcher_test.go
// Author: momentics <momentics@gmail.com>

package reactor_test

import (
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-tcp/api"
	"github.com/momentics/hioload-tcp/client"
	"github.com/momentics/hioload-tcp/control"
	"github.com/momentics/hioload-tcp/fake"
	"github.com/momentics/hioload-tcp/pool"
	"github.com/momentics/hioload-tcp/reactor"
)

type fixture struct {
	conduit *fake.Conduit
	reg     *fake.Registry
	ops     *pool.OperationPool
	metrics *control.MetricsRegistry
	disp    *reactor.Dispatcher
	conn    *client.Connection
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		conduit: fake.NewConduit(),
		reg:     fake.NewRegistry(),
		ops:     pool.NewOperationPool(),
		metrics: control.NewMetricsRegistry(),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.disp = reactor.NewDispatcher(f.ops, f.reg, f.metrics, logger)
	f.conduit.SetSink(f.disp)
	f.conn = client.NewConnection(
		client.Config{Logger: logger},
		f.conduit, f.reg, f.ops, nil,
	)
	f.reg.Register(f.conn)
	return f
}

func TestDispatcherOrphanTokenIsCounted(t *testing.T) {
	f := newFixture(t)

	f.disp.Complete(api.Completion{Token: 424242})

	assert.Equal(t, uint64(1), f.metrics.Get(control.MetricOrphanTokens))
	assert.Zero(t, f.metrics.Get(control.MetricCompletionsReceive))
}

func TestDispatcherAbsorbsCompletionForDeadConnection(t *testing.T) {
	f := newFixture(t)
	op := f.ops.Acquire(f.conn.ID(), pool.KindReceive)

	f.reg.RequestRemoval(f.conn.ID())
	f.disp.Complete(api.Completion{Token: op.Token(), Bytes: 16})

	assert.Equal(t, uint64(1), f.metrics.Get(control.MetricDeadCompletions))
	_, live := f.ops.Lookup(op.Token())
	assert.False(t, live, "record must be released even when absorbed")
	assert.Equal(t, 0, f.ops.Outstanding(f.conn.ID()))
}

func TestDispatcherAbsorbsCompletionForUnknownOwner(t *testing.T) {
	f := newFixture(t)
	op := f.ops.Acquire(f.conn.ID(), pool.KindSend)

	f.reg.Drop(f.conn.ID())
	f.disp.Complete(api.Completion{Token: op.Token()})

	assert.Equal(t, uint64(1), f.metrics.Get(control.MetricDeadCompletions))
	assert.Equal(t, 0, f.ops.Outstanding(f.conn.ID()))
}

func TestDispatcherCountsCompletionsByKind(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.conn.Create())
	require.NoError(t, f.conn.Connect("peer.test", 9000))

	issued, ok := f.conduit.LastIssued(fake.OpConnect)
	require.True(t, ok)
	f.conduit.Complete(issued.Token, 0, nil)

	recv, ok := f.conduit.LastIssued(fake.OpRecv)
	require.True(t, ok)
	n := f.conduit.FillRecv(recv.Token, []byte("ping"))
	f.conduit.Complete(recv.Token, n, nil)

	require.NoError(t, f.conn.Send([]byte("pong")))
	sent, ok := f.conduit.LastIssued(fake.OpSend)
	require.True(t, ok)
	f.conduit.Complete(sent.Token, 4, nil)

	assert.Equal(t, uint64(1), f.metrics.Get(control.MetricCompletionsConnect))
	assert.Equal(t, uint64(1), f.metrics.Get(control.MetricCompletionsReceive))
	assert.Equal(t, uint64(1), f.metrics.Get(control.MetricCompletionsSend))
}

func TestDispatcherKeepsRecordAcrossConnectRetry(t *testing.T) {
	f := newFixture(t)
	f.conduit.ScriptResolve("peer.test",
		mustAddrPort("10.0.0.1:9000"), mustAddrPort("10.0.0.2:9000"))

	require.NoError(t, f.conn.Create())
	require.NoError(t, f.conn.Connect("peer.test", 9000))
	issued, _ := f.conduit.LastIssued(fake.OpConnect)

	f.disp.Complete(api.Completion{Token: issued.Token, Err: errors.New("refused")})

	assert.Equal(t, uint64(1), f.metrics.Get(control.MetricConnectRetries))
	_, live := f.ops.Lookup(issued.Token)
	assert.True(t, live, "record ownership passes to the re-armed connect")
}

func TestDispatcherReleasesRecordWhenRetryExhausted(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.conn.Create())
	require.NoError(t, f.conn.Connect("peer.test", 9000))
	issued, _ := f.conduit.LastIssued(fake.OpConnect)

	// Single candidate: the async failure cannot be retried.
	f.disp.Complete(api.Completion{Token: issued.Token, Err: errors.New("refused")})

	_, live := f.ops.Lookup(issued.Token)
	assert.False(t, live)
	assert.Contains(t, f.reg.Removals(), f.conn.ID())
}

func mustAddrPort(s string) netip.AddrPort { return netip.MustParseAddrPort(s) }
