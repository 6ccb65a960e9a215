package loom

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-metrics"

	"github.com/loomnet/loom/pkg/wire"
)

// LinkID identifies one registered physical connection. It is local to
// a Router and never travels on the wire.
type LinkID uint64

type LinkState uint8

const (
	LinkHandshaking LinkState = iota
	LinkConnected
	LinkDegraded
	LinkDead
)

func (s LinkState) String() string {
	switch s {
	case LinkHandshaking:
		return "handshaking"
	case LinkConnected:
		return "connected"
	case LinkDegraded:
		return "degraded"
	case LinkDead:
		return "dead"
	default:
		return "invalid"
	}
}

// protocolStrikes is how many protocol violations a link survives: the
// first one degrades it and triggers renegotiation, a recurrence kills
// it.
const protocolStrikes = 2

// link turns one raw byte-stream connection into a bidirectional
// multiplexer of logical streams. Stream 0 is reserved for the
// handshake, ping probes and reachability adverts.
type link struct {
	id        LinkID
	rc        RawConn
	localNode wire.NodeID
	cfg       *config
	clk       clock.Clock
	logger    *slog.Logger
	msink     metrics.MetricSink
	mLabels   []metrics.Label
	notify    func(routerEvent)

	mu      sync.Mutex
	state   LinkState
	remote  wire.NodeID
	streams map[wire.StreamID]*linkStream
	// nextOut is the next locally assigned stream id. Parity is fixed
	// by the handshake (lower NodeID side takes even ids) so the two
	// initiators can never collide.
	nextOut wire.StreamID
	maxIn   wire.StreamID
	strikes int
	deadErr error

	// Control frames travel on their own queue, drained ahead of data,
	// so probes, grants and adverts are never stuck behind a stalled
	// stream.
	outCh     chan []byte
	ctrlCh    chan []byte
	closeCh   chan struct{}
	closeOnce sync.Once

	hsDone chan struct{}
	ping   *pingTracker
}

func newLink(
	id LinkID,
	rc RawConn,
	localNode wire.NodeID,
	cfg *config,
	clk clock.Clock,
	logger *slog.Logger,
	msink metrics.MetricSink,
	notify func(routerEvent),
) *link {
	l := &link{
		id:        id,
		rc:        rc,
		localNode: localNode,
		cfg:       cfg,
		clk:       clk,
		logger:    logger.With(LabelLinkID.L(uint64(id))),
		msink:     msink,
		mLabels:   append(cfg.metricLabels, LabelLinkID.M(fmt.Sprintf("%d", id))),
		notify:    notify,
		state:     LinkHandshaking,
		streams:   make(map[wire.StreamID]*linkStream),
		outCh:     make(chan []byte, cfg.outboundDepth),
		ctrlCh:    make(chan []byte, cfg.outboundDepth),
		closeCh:   make(chan struct{}),
		hsDone:    make(chan struct{}),
	}
	l.ping = newPingTracker(pingConfig{
		clock:     clk,
		interval:  cfg.pingInterval,
		threshold: cfg.missThreshold,
		send: func(p wire.Ping) bool {
			return l.trySendControl(wire.ControlPing, p)
		},
		onRTT: func(rtt time.Duration) {
			l.msink.SetGaugeWithLabels(
				MetricLoomLinkRttMs,
				float32(rtt.Seconds()*1000),
				l.mLabels,
			)
			l.notify(routerEvent{kind: evLinkCost, link: l, rtt: rtt})
		},
		onDead: func(misses int) {
			l.die(fmt.Errorf("%w: %d consecutive ping misses", ErrLinkDead, misses))
		},
	})
	return l
}

func (l *link) start() {
	go l.writeLoop()
	go l.readLoop()
	go l.awaitHandshake()
	if err := l.sendControl(context.Background(), wire.ControlHello, wire.Hello{Node: l.localNode}); err != nil {
		l.die(fmt.Errorf("%w: sending hello: %w", ErrHandshake, err))
	}
}

func (l *link) awaitHandshake() {
	timer := l.clk.Timer(l.cfg.handshakeTimeout)
	defer timer.Stop()
	select {
	case <-l.hsDone:
	case <-l.closeCh:
	case <-timer.C:
		l.die(fmt.Errorf("%w: no hello within %s", ErrHandshake, l.cfg.handshakeTimeout))
	}
}

func (l *link) writeLoop() {
	for {
		// Queued control frames go first.
		select {
		case buf := <-l.ctrlCh:
			if !l.write(buf) {
				return
			}
			continue
		default:
		}
		select {
		case <-l.closeCh:
			return
		case buf := <-l.ctrlCh:
			if !l.write(buf) {
				return
			}
		case buf := <-l.outCh:
			if !l.write(buf) {
				return
			}
		}
	}
}

func (l *link) write(buf []byte) bool {
	if _, err := l.rc.Write(buf); err != nil {
		l.die(fmt.Errorf("link: transport write: %w", err))
		return false
	}
	l.msink.IncrCounterWithLabels(MetricLoomFrameOutBytes, float32(len(buf)), l.mLabels)
	return true
}

func (l *link) readLoop() {
	var buf []byte
	tmp := make([]byte, 32*1024)
	for {
		n, rerr := l.rc.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			for len(buf) > 0 {
				fr, consumed, err := wire.Consume(buf)
				if errors.Is(err, wire.ErrShortBuffer) {
					break
				}
				if err != nil {
					l.msink.IncrCounterWithLabels(
						MetricLoomFrameInErrorCount,
						1.0,
						append(l.mLabels, LabelError.M("malformed_frame")),
					)
					if l.violation("malformed frame", "error", err) {
						return
					}
					// Frame boundaries are lost; start over from the
					// renegotiation hello.
					buf = buf[:0]
					break
				}
				buf = buf[consumed:]
				l.msink.IncrCounterWithLabels(MetricLoomFrameInBytes, float32(consumed), l.mLabels)
				if dead := l.dispatch(fr); dead {
					return
				}
			}
		}
		if rerr != nil {
			l.die(fmt.Errorf("link: transport closed: %w", rerr))
			return
		}
	}
}

// violation records a protocol violation. The first one degrades the
// link and requests renegotiation; a recurrence kills it. Reports
// whether the link died.
func (l *link) violation(reason string, args ...any) bool {
	l.mu.Lock()
	l.strikes++
	strikes := l.strikes
	if strikes >= protocolStrikes {
		l.mu.Unlock()
		l.die(fmt.Errorf("%w: %s", ErrProtocol, reason))
		return true
	}
	if l.state == LinkConnected {
		l.state = LinkDegraded
	}
	l.mu.Unlock()
	l.logger.Warn("protocol violation, degrading link", append([]any{"reason", reason}, args...)...)
	l.msink.IncrCounterWithLabels(MetricLoomLinkDegradedCount, 1.0, l.mLabels)
	l.trySendControl(wire.ControlHello, wire.Hello{Node: l.localNode})
	return false
}

func (l *link) dispatch(fr wire.Frame) bool {
	if fr.Stream == wire.ControlStream {
		return l.dispatchControl(fr)
	}
	switch fr.Kind {
	case wire.KindOpen:
		return l.handleOpen(fr)
	default:
		return l.handleStreamFrame(fr)
	}
}

func (l *link) dispatchControl(fr wire.Frame) bool {
	if fr.Kind != wire.KindData {
		return l.violation("non-data frame on control stream", "kind", fr.Kind.String())
	}
	subtype, body, err := wire.SplitControl(fr.Payload)
	if err != nil {
		return l.violation("empty control payload")
	}
	switch subtype {
	case wire.ControlHello:
		var hello wire.Hello
		if err := wire.UnmarshalBody(body, &hello); err != nil {
			return l.violation("malformed hello", "error", err)
		}
		return l.handleHello(hello)
	case wire.ControlPing:
		var p wire.Ping
		if err := wire.UnmarshalBody(body, &p); err != nil {
			return l.violation("malformed ping", "error", err)
		}
		l.trySendControl(wire.ControlPong, wire.Pong{Seq: p.Seq})
	case wire.ControlPong:
		var p wire.Pong
		if err := wire.UnmarshalBody(body, &p); err != nil {
			return l.violation("malformed pong", "error", err)
		}
		l.ping.pong(p.Seq)
	case wire.ControlAdvert:
		var ad wire.Advert
		if err := wire.UnmarshalBody(body, &ad); err != nil {
			return l.violation("malformed advert", "error", err)
		}
		l.notify(routerEvent{kind: evAdvert, link: l, node: l.remoteNode(), routes: ad.Routes})
	case wire.ControlCredit:
		var c wire.Credit
		if err := wire.UnmarshalBody(body, &c); err != nil {
			return l.violation("malformed credit", "error", err)
		}
		l.mu.Lock()
		s := l.streams[c.Stream]
		l.mu.Unlock()
		if s != nil {
			// Grants for closed streams race the close; drop them.
			s.addSendCredit(c.Grant)
		}
	default:
		// Unknown control subtypes are skipped so older nodes keep
		// interoperating with newer ones.
		l.logger.Debug("ignoring unknown control subtype", "subtype", subtype)
	}
	return false
}

func (l *link) handleHello(hello wire.Hello) bool {
	if hello.Node == 0 {
		return l.violation("hello without node identity")
	}
	if hello.Node == l.localNode {
		l.die(fmt.Errorf("%w: %w", ErrHandshake, ErrIdentityCollision))
		return true
	}
	l.mu.Lock()
	switch l.state {
	case LinkHandshaking:
		l.remote = hello.Node
		l.state = LinkConnected
		if l.localNode < hello.Node {
			l.nextOut = 2
		} else {
			l.nextOut = 1
		}
		l.mu.Unlock()
		close(l.hsDone)
		l.logger.Info("link established", LabelNode.L(hello.Node.String()))
		l.msink.IncrCounterWithLabels(MetricLoomLinkEstCount, 1.0, l.mLabels)
		l.notify(routerEvent{kind: evLinkUp, link: l, node: hello.Node})
		l.ping.start()
		return false
	case LinkConnected, LinkDegraded:
		if hello.Node != l.remote {
			l.mu.Unlock()
			l.die(fmt.Errorf("%w: peer identity changed mid-session", ErrHandshake))
			return true
		}
		wasDegraded := l.state == LinkDegraded
		l.state = LinkConnected
		l.mu.Unlock()
		if wasDegraded {
			l.logger.Info("link renegotiated")
		} else {
			// The peer is renegotiating a violation it observed;
			// answer with a fresh hello.
			l.trySendControl(wire.ControlHello, wire.Hello{Node: l.localNode})
		}
		return false
	default:
		l.mu.Unlock()
		return false
	}
}

func (l *link) handleOpen(fr wire.Frame) bool {
	hdr, err := wire.UnmarshalOpenHeader(fr.Payload)
	if err != nil {
		return l.violation("malformed open header", "error", err)
	}
	l.mu.Lock()
	if l.state != LinkConnected && l.state != LinkDegraded {
		l.mu.Unlock()
		return l.violation("open before handshake completed")
	}
	if fr.Stream%2 == l.nextOut%2 {
		l.mu.Unlock()
		return l.violation("open with local stream id parity", "stream", uint64(fr.Stream))
	}
	if _, exists := l.streams[fr.Stream]; exists || fr.Stream <= l.maxIn {
		l.mu.Unlock()
		return l.violation("open for an already used stream id", "stream", uint64(fr.Stream))
	}
	s := newLinkStream(l, fr.Stream, l.cfg.streamDepth)
	l.streams[fr.Stream] = s
	l.maxIn = fr.Stream
	l.mu.Unlock()
	// Hand the opener its initial window.
	_ = l.sendControl(context.Background(), wire.ControlCredit, wire.Credit{
		Stream: fr.Stream,
		Grant:  uint32(l.cfg.streamDepth),
	})
	l.msink.IncrCounterWithLabels(MetricLoomStreamOpenInCount, 1.0, l.mLabels)
	l.notify(routerEvent{kind: evOpenStream, link: l, stream: s, header: hdr})
	return false
}

func (l *link) handleStreamFrame(fr wire.Frame) bool {
	l.mu.Lock()
	s, ok := l.streams[fr.Stream]
	if !ok {
		stale := l.staleLocked(fr.Stream)
		l.mu.Unlock()
		if stale {
			// Frames racing a close we already processed.
			return false
		}
		return l.violation("frame for a stream that was never opened",
			"stream", uint64(fr.Stream), "kind", fr.Kind.String())
	}
	if fr.Kind == wire.KindClose || fr.Kind == wire.KindReset {
		delete(l.streams, fr.Stream)
	}
	l.mu.Unlock()

	switch fr.Kind {
	case wire.KindData:
		if !s.deliver(streamEvent{kind: wire.KindData, payload: fr.Payload}) {
			// The peer sent past the credit we granted.
			return l.violation("data exceeding granted window", "stream", uint64(fr.Stream))
		}
	case wire.KindClose:
		if !s.deliver(streamEvent{kind: wire.KindClose}) {
			return l.violation("close exceeding granted window", "stream", uint64(fr.Stream))
		}
	case wire.KindReset:
		ev := streamEvent{kind: wire.KindReset, payload: fr.Payload}
		if len(fr.Payload) > 0 {
			ev.err = fmt.Errorf("%w: %s", ErrStreamReset, fr.Payload)
		}
		s.deliverReset(ev)
	}
	return false
}

// staleLocked reports whether id belongs to a stream that existed and
// was since closed, as opposed to one that was never opened.
func (l *link) staleLocked(id wire.StreamID) bool {
	if l.nextOut == 0 {
		return false
	}
	if id%2 == l.nextOut%2 {
		return id < l.nextOut
	}
	return id <= l.maxIn
}

// openStream allocates a fresh stream and emits its OPEN frame. It
// fails unless the link is Connected.
func (l *link) openStream(ctx context.Context, hdr wire.OpenHeader) (*linkStream, error) {
	payload, err := wire.MarshalOpenHeader(hdr)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	if l.state != LinkConnected {
		st := l.state
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: link is %s", ErrLinkNotConnected, st)
	}
	id := l.nextOut
	l.nextOut += 2
	s := newLinkStream(l, id, l.cfg.streamDepth)
	l.streams[id] = s
	l.mu.Unlock()

	frame := wire.EncodeFrame(wire.Frame{Stream: id, Kind: wire.KindOpen, Payload: payload})
	if err := l.enqueue(ctx, frame); err != nil {
		l.mu.Lock()
		delete(l.streams, id)
		l.mu.Unlock()
		return nil, err
	}
	// Grant the acceptor its initial window for the reverse direction.
	if err := l.sendControl(ctx, wire.ControlCredit, wire.Credit{
		Stream: id,
		Grant:  uint32(l.cfg.streamDepth),
	}); err != nil {
		l.mu.Lock()
		delete(l.streams, id)
		l.mu.Unlock()
		return nil, err
	}
	l.msink.IncrCounterWithLabels(MetricLoomStreamOpenOutCount, 1.0, l.mLabels)
	return s, nil
}

func (l *link) sendData(ctx context.Context, s *linkStream, payload []byte) error {
	if s.sendClosed.Load() {
		return ErrStreamClosed
	}
	if err := s.awaitSendCredit(ctx); err != nil {
		return err
	}
	return l.enqueue(ctx, wire.EncodeFrame(wire.Frame{
		Stream:  s.id,
		Kind:    wire.KindData,
		Payload: payload,
	}))
}

// closeStream emits a graceful half-close after any queued data.
// Idempotent: closing twice, or after a reset, is a no-op.
func (l *link) closeStream(s *linkStream) {
	if !s.sendClosed.CompareAndSwap(false, true) {
		return
	}
	_ = l.enqueue(context.Background(), wire.EncodeFrame(wire.Frame{
		Stream: s.id,
		Kind:   wire.KindClose,
	}))
}

func (l *link) resetStream(s *linkStream, reason string) {
	if !s.sendClosed.CompareAndSwap(false, true) {
		return
	}
	l.mu.Lock()
	delete(l.streams, s.id)
	l.mu.Unlock()
	_ = l.enqueue(context.Background(), wire.EncodeFrame(wire.Frame{
		Stream:  s.id,
		Kind:    wire.KindReset,
		Payload: []byte(reason),
	}))
}

// enqueue pushes an encoded data frame on the outbound queue. A full
// queue suspends the caller: that is the backpressure contract, the
// link never buffers unbounded data.
func (l *link) enqueue(ctx context.Context, frame []byte) error {
	select {
	case <-l.closeCh:
		return l.deadError()
	default:
	}
	select {
	case l.outCh <- frame:
		return nil
	case <-l.closeCh:
		return l.deadError()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *link) tryEnqueue(frame []byte) bool {
	select {
	case l.outCh <- frame:
		return true
	default:
		return false
	}
}

func (l *link) sendControl(ctx context.Context, subtype byte, msg any) error {
	payload, err := wire.MarshalControl(subtype, msg)
	if err != nil {
		return err
	}
	frame := wire.EncodeFrame(wire.Frame{
		Stream:  wire.ControlStream,
		Kind:    wire.KindData,
		Payload: payload,
	})
	select {
	case <-l.closeCh:
		return l.deadError()
	default:
	}
	select {
	case l.ctrlCh <- frame:
		return nil
	case <-l.closeCh:
		return l.deadError()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// trySendControl is the non-blocking flavor used by probes and adverts:
// dropping one on a congested link is preferable to stalling the
// caller, the next interval retries anyway.
func (l *link) trySendControl(subtype byte, msg any) bool {
	payload, err := wire.MarshalControl(subtype, msg)
	if err != nil {
		return false
	}
	select {
	case l.ctrlCh <- wire.EncodeFrame(wire.Frame{
		Stream:  wire.ControlStream,
		Kind:    wire.KindData,
		Payload: payload,
	}):
		return true
	default:
		return false
	}
}

// die transitions the link to Dead exactly once: the transport is
// closed, the prober stopped, and the router notified so routes are
// recomputed and affected relays re-routed.
func (l *link) die(cause error) {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.state = LinkDead
		l.deadErr = cause
		l.mu.Unlock()
		close(l.closeCh)
		l.ping.stop()
		_ = l.rc.Close()
		l.logger.Info("link dead", LabelError.L(cause))
		l.msink.IncrCounterWithLabels(MetricLoomLinkDeadCount, 1.0, l.mLabels)
		l.notify(routerEvent{kind: evLinkDead, link: l, err: cause})
	})
}

func (l *link) deadError() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.deadErr != nil {
		return fmt.Errorf("%w: %w", ErrLinkDead, l.deadErr)
	}
	return ErrLinkDead
}

func (l *link) remoteNode() wire.NodeID {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remote
}

func (l *link) stateAndRemote() (LinkState, wire.NodeID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state, l.remote
}

// takeStreams removes and returns every open stream, used by the
// router to inject resets once the link died.
func (l *link) takeStreams() []*linkStream {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*linkStream, 0, len(l.streams))
	for _, s := range l.streams {
		out = append(out, s)
	}
	l.streams = make(map[wire.StreamID]*linkStream)
	return out
}
