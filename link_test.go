package loom

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"

	"github.com/loomnet/loom/pkg/wire"
)

// testLink wires one link over half of a net.Pipe, with a frozen mock
// clock so probes and timeouts never fire on their own.
type testLink struct {
	l      *link
	events chan routerEvent
}

func newTestLink(t *testing.T, id LinkID, rc RawConn, node wire.NodeID, clk clock.Clock) *testLink {
	t.Helper()
	cfg := defaultConfig()
	cfg.node = node
	events := make(chan routerEvent, 64)
	l := newLink(id, rc, node, &cfg, clk,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		&metrics.BlackholeSink{},
		func(ev routerEvent) { events <- ev },
	)
	t.Cleanup(func() { l.die(ErrShutdown) })
	return &testLink{l: l, events: events}
}

func (tl *testLink) expect(t *testing.T, kind eventKind) routerEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-tl.events:
			if ev.kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("no event of kind %d within deadline", kind)
		}
	}
}

func newLinkPair(t *testing.T, na, nb wire.NodeID) (*testLink, *testLink) {
	t.Helper()
	ca, cb := net.Pipe()
	clk := clock.NewMock()
	a := newTestLink(t, 1, ca, na, clk)
	b := newTestLink(t, 2, cb, nb, clk)
	a.l.start()
	b.l.start()
	return a, b
}

func TestLinkHandshake(t *testing.T) {
	a, b := newLinkPair(t, 0xAA, 0xBB)

	up := a.expect(t, evLinkUp)
	require.Equal(t, wire.NodeID(0xBB), up.node)
	up = b.expect(t, evLinkUp)
	require.Equal(t, wire.NodeID(0xAA), up.node)

	state, remote := a.l.stateAndRemote()
	require.Equal(t, LinkConnected, state)
	require.Equal(t, wire.NodeID(0xBB), remote)
}

func TestLinkIdentityCollision(t *testing.T) {
	a, b := newLinkPair(t, 0xAA, 0xAA)

	ev := a.expect(t, evLinkDead)
	require.ErrorIs(t, ev.err, ErrIdentityCollision)
	_ = b // dies too once the transport closes under it
}

func TestLinkStreamExchange(t *testing.T) {
	a, b := newLinkPair(t, 0xAA, 0xBB)
	a.expect(t, evLinkUp)
	b.expect(t, evLinkUp)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	hdr := wire.OpenHeader{Src: 0xAA, Dst: 0xBB, Nonce: 7}
	sa, err := a.l.openStream(ctx, hdr)
	require.NoError(t, err)
	// 0xAA < 0xBB: the lower identity allocates even stream ids.
	require.Equal(t, wire.StreamID(2), sa.id)

	open := b.expect(t, evOpenStream)
	require.Equal(t, hdr, open.header)
	sb := open.stream

	require.NoError(t, a.l.sendData(ctx, sa, []byte("hello")))
	ev, err := sb.recv(ctx)
	require.NoError(t, err)
	require.Equal(t, wire.KindData, ev.kind)
	require.Equal(t, []byte("hello"), ev.payload)

	require.NoError(t, b.l.sendData(ctx, sb, []byte("aloha")))
	ev, err = sa.recv(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("aloha"), ev.payload)

	a.l.closeStream(sa)
	ev, err = sb.recv(ctx)
	require.NoError(t, err)
	require.Equal(t, wire.KindClose, ev.kind)

	// Closing again, or resetting after a close, is a no-op.
	a.l.closeStream(sa)
	a.l.resetStream(sa, "late")
	require.ErrorIs(t, a.l.sendData(ctx, sa, []byte("x")), ErrStreamClosed)
}

func TestLinkStreamReset(t *testing.T) {
	a, b := newLinkPair(t, 0xAA, 0xBB)
	a.expect(t, evLinkUp)
	b.expect(t, evLinkUp)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	sa, err := a.l.openStream(ctx, wire.OpenHeader{Src: 0xAA, Dst: 0xBB, Nonce: 8})
	require.NoError(t, err)
	sb := b.expect(t, evOpenStream).stream

	a.l.resetStream(sa, "capability revoked")
	ev, err := sb.recv(ctx)
	require.NoError(t, err)
	require.Equal(t, wire.KindReset, ev.kind)
	require.ErrorIs(t, ev.err, ErrStreamReset)
	require.Contains(t, ev.err.Error(), "capability revoked")
}

func TestLinkResetBypassesFullBuffer(t *testing.T) {
	a, b := newLinkPair(t, 0xAA, 0xBB)
	a.expect(t, evLinkUp)
	b.expect(t, evLinkUp)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	sa, err := a.l.openStream(ctx, wire.OpenHeader{Src: 0xAA, Dst: 0xBB, Nonce: 9})
	require.NoError(t, err)
	sb := b.expect(t, evOpenStream).stream

	// A locally injected reset is observable even though nothing was
	// ever received and nobody is draining.
	sb.deliverReset(streamEvent{kind: wire.KindReset, linkDead: true, err: ErrLinkDead})
	ev, err := sb.recv(ctx)
	require.NoError(t, err)
	require.Equal(t, wire.KindReset, ev.kind)
	require.True(t, ev.linkDead)
	_ = sa
}

func TestLinkSlowConsumerStallsSenderNotLink(t *testing.T) {
	a, b := newLinkPair(t, 0xAA, 0xBB)
	a.expect(t, evLinkUp)
	b.expect(t, evLinkUp)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sa, err := a.l.openStream(ctx, wire.OpenHeader{Src: 0xAA, Dst: 0xBB, Nonce: 11})
	require.NoError(t, err)
	sb := b.expect(t, evOpenStream).stream

	// Nobody drains sb: the sender may fill exactly the granted window.
	depth := a.l.cfg.streamDepth
	for i := 0; i < depth; i++ {
		require.NoError(t, a.l.sendData(ctx, sa, []byte{byte(i)}))
	}

	// One more parks on credit instead of jamming the link.
	short, scancel := context.WithTimeout(ctx, 100*time.Millisecond)
	err = a.l.sendData(short, sa, []byte("overflow"))
	scancel()
	require.ErrorIs(t, err, context.DeadlineExceeded)

	state, _ := a.l.stateAndRemote()
	require.Equal(t, LinkConnected, state)
	state, _ = b.l.stateAndRemote()
	require.Equal(t, LinkConnected, state)

	// Draining one message grants fresh credit and unblocks the sender.
	ev, err := sb.recv(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte{0}, ev.payload)
	require.NoError(t, a.l.sendData(ctx, sa, []byte("resumed")))

	for i := 1; i < depth; i++ {
		ev, err = sb.recv(ctx)
		require.NoError(t, err)
		require.Equal(t, []byte{byte(i)}, ev.payload)
	}
	ev, err = sb.recv(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("resumed"), ev.payload)
}

// scriptedConn completes the handshake from a canned hello and then
// goes silent: reads hang and writes vanish, the way a partitioned
// transport behaves without ever reporting an error.
type scriptedConn struct {
	mu     sync.Mutex
	queued [][]byte
	closed chan struct{}
	once   sync.Once
}

func (c *scriptedConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	if len(c.queued) > 0 {
		b := c.queued[0]
		c.queued = c.queued[1:]
		c.mu.Unlock()
		return copy(p, b), nil
	}
	c.mu.Unlock()
	<-c.closed
	return 0, io.ErrClosedPipe
}

func (c *scriptedConn) Write(p []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, io.ErrClosedPipe
	default:
		return len(p), nil
	}
}

func (c *scriptedConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func TestLinkSilentPartitionDiesByMissThreshold(t *testing.T) {
	hello, err := wire.MarshalControl(wire.ControlHello, wire.Hello{Node: 0xBB})
	require.NoError(t, err)
	conn := &scriptedConn{
		queued: [][]byte{wire.EncodeFrame(wire.Frame{
			Stream:  wire.ControlStream,
			Kind:    wire.KindData,
			Payload: hello,
		})},
		closed: make(chan struct{}),
	}
	clk := clock.NewMock()
	a := newTestLink(t, 1, conn, 0xAA, clk)
	a.l.start()
	a.expect(t, evLinkUp)

	// Probes go out, answers never come back; a bounded number of
	// intervals later the link must be declared dead.
	for i := 0; i < 4*a.l.cfg.missThreshold; i++ {
		clk.Add(a.l.cfg.pingInterval)
		select {
		case ev := <-a.events:
			if ev.kind == evLinkDead {
				require.ErrorIs(t, ev.err, ErrLinkDead)
				require.Contains(t, ev.err.Error(), "ping misses")
				return
			}
		case <-time.After(20 * time.Millisecond):
		}
	}
	t.Fatal("silently partitioned link was never declared dead")
}

func TestLinkDiesWhenTransportCloses(t *testing.T) {
	ca, cb := net.Pipe()
	clk := clock.NewMock()
	a := newTestLink(t, 1, ca, 0xAA, clk)
	b := newTestLink(t, 2, cb, 0xBB, clk)
	a.l.start()
	b.l.start()
	a.expect(t, evLinkUp)
	b.expect(t, evLinkUp)

	require.NoError(t, ca.Close())
	a.expect(t, evLinkDead)
	b.expect(t, evLinkDead)

	ctx := context.Background()
	_, err := a.l.openStream(ctx, wire.OpenHeader{Src: 0xAA, Dst: 0xBB, Nonce: 1})
	require.ErrorIs(t, err, ErrLinkNotConnected)
}

func TestLinkOpenBeforeConnectedFails(t *testing.T) {
	ca, _ := net.Pipe()
	clk := clock.NewMock()
	a := newTestLink(t, 1, ca, 0xAA, clk)
	// No peer: the handshake never completes.
	_, err := a.l.openStream(context.Background(), wire.OpenHeader{Src: 0xAA, Dst: 0xBB, Nonce: 1})
	require.ErrorIs(t, err, ErrLinkNotConnected)
}

func TestLinkMalformedFrameDegrades(t *testing.T) {
	ca, cb := net.Pipe()
	clk := clock.NewMock()
	a := newTestLink(t, 1, ca, 0xAA, clk)
	a.l.start()

	// Speak just enough protocol by hand to complete the handshake,
	// then send garbage that cannot be a frame.
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := cb.Read(buf); err != nil {
				return
			}
		}
	}()
	hello, err := wire.MarshalControl(wire.ControlHello, wire.Hello{Node: 0xBB})
	require.NoError(t, err)
	_, err = cb.Write(wire.EncodeFrame(wire.Frame{Stream: wire.ControlStream, Kind: wire.KindData, Payload: hello}))
	require.NoError(t, err)
	a.expect(t, evLinkUp)

	// First violation: a frame with an invalid control byte.
	_, err = cb.Write([]byte{0x02, 0x05, 0x00})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		state, _ := a.l.stateAndRemote()
		return state == LinkDegraded
	}, 3*time.Second, 10*time.Millisecond)

	// Second violation kills the link.
	_, err = cb.Write([]byte{0x02, 0x05, 0x00})
	require.NoError(t, err)
	ev := a.expect(t, evLinkDead)
	require.ErrorIs(t, ev.err, ErrProtocol)
}
