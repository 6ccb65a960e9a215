package loom

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/loomnet/loom/pkg/wire"
)

// relayEndpoint is one side of a relayed stream: either a logical
// stream on a link, or the in-process pipe between a proxy handle and
// its relay. Relays and handles are written against this contract only.
type relayEndpoint interface {
	recvEvent(ctx context.Context) (streamEvent, error)
	sendData(ctx context.Context, payload []byte) error
	// closeSend emits a graceful half-close after queued data; it is
	// idempotent.
	closeSend()
	// fail aborts the endpoint with a terminal error.
	fail(err error)
	// done fires once the peer side will produce nothing further,
	// letting an in-flight open attempt abort early.
	done() <-chan struct{}
}

// linkEnd adapts one linkStream to the endpoint contract.
type linkEnd struct {
	l *link
	s *linkStream
}

func (e *linkEnd) recvEvent(ctx context.Context) (streamEvent, error) {
	return e.s.recv(ctx)
}

func (e *linkEnd) sendData(ctx context.Context, payload []byte) error {
	return e.l.sendData(ctx, e.s, payload)
}

func (e *linkEnd) closeSend() {
	e.l.closeStream(e.s)
}

func (e *linkEnd) fail(err error) {
	e.l.resetStream(e.s, err.Error())
}

func (e *linkEnd) done() <-chan struct{} {
	return e.s.abortCh
}

// localPipe joins a proxy handle to its relay inside one process. The
// data channels are bounded: a stalled reader suspends the writer, the
// same backpressure contract links apply.
type localPipe struct {
	aToB    chan []byte
	bToA    chan []byte
	aClosed chan struct{}
	bClosed chan struct{}
	aOnce   sync.Once
	bOnce   sync.Once

	termOnce sync.Once
	termCh   chan struct{}
	termErr  error
}

type localEnd struct {
	p *localPipe
	a bool
}

func newLocalPair(depth int) (a, b *localEnd) {
	p := &localPipe{
		aToB:    make(chan []byte, depth),
		bToA:    make(chan []byte, depth),
		aClosed: make(chan struct{}),
		bClosed: make(chan struct{}),
		termCh:  make(chan struct{}),
	}
	return &localEnd{p: p, a: true}, &localEnd{p: p, a: false}
}

func (e *localEnd) sides() (out, in chan []byte, outClosed, inClosed chan struct{}, outOnce *sync.Once) {
	if e.a {
		return e.p.aToB, e.p.bToA, e.p.aClosed, e.p.bClosed, &e.p.aOnce
	}
	return e.p.bToA, e.p.aToB, e.p.bClosed, e.p.aClosed, &e.p.bOnce
}

func (e *localEnd) recvEvent(ctx context.Context) (streamEvent, error) {
	_, in, _, inClosed, _ := e.sides()
	select {
	case b := <-in:
		return streamEvent{kind: wire.KindData, payload: b}, nil
	default:
	}
	select {
	case b := <-in:
		return streamEvent{kind: wire.KindData, payload: b}, nil
	case <-inClosed:
		select {
		case b := <-in:
			return streamEvent{kind: wire.KindData, payload: b}, nil
		default:
		}
		return streamEvent{kind: wire.KindClose}, nil
	case <-e.p.termCh:
		return streamEvent{kind: wire.KindReset, err: e.p.termErr}, nil
	case <-ctx.Done():
		return streamEvent{}, ctx.Err()
	}
}

func (e *localEnd) sendData(ctx context.Context, payload []byte) error {
	out, _, outClosed, inClosed, _ := e.sides()
	select {
	case <-outClosed:
		return ErrStreamClosed
	case <-inClosed:
		// Handles close both directions at once; stop pushing into a
		// pipe nobody drains anymore.
		return ErrStreamClosed
	case <-e.p.termCh:
		return e.p.termErr
	default:
	}
	select {
	case out <- payload:
		return nil
	case <-outClosed:
		return ErrStreamClosed
	case <-inClosed:
		return ErrStreamClosed
	case <-e.p.termCh:
		return e.p.termErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *localEnd) closeSend() {
	_, _, outClosed, _, outOnce := e.sides()
	outOnce.Do(func() { close(outClosed) })
}

func (e *localEnd) fail(err error) {
	e.p.termOnce.Do(func() {
		e.p.termErr = err
		close(e.p.termCh)
	})
}

func (e *localEnd) done() <-chan struct{} {
	_, _, _, inClosed, _ := e.sides()
	return inClosed
}

// ProxyStream is the application end of a proxied capability stream.
// Messages sent on one end arrive verbatim and in order on the other,
// however many hops sit in between.
//
// Receive MUST NOT be called concurrently, nor Send; calling Receive
// and Send at the same time is fine.
type ProxyStream struct {
	rt      *Router
	source  wire.NodeID
	dest    wire.NodeID
	key     resumeKey
	inbound bool

	mu         sync.Mutex
	ep         relayEndpoint
	epSeq      uint64
	resumeNote chan struct{}

	termMu  sync.Mutex
	termErr error

	closed     atomic.Bool
	closeOnce  sync.Once
	life       context.Context
	lifeCancel context.CancelCauseFunc
}

func newProxyStream(rt *Router, source, dest wire.NodeID, key resumeKey, inbound bool, ep relayEndpoint) *ProxyStream {
	life, cancel := context.WithCancelCause(context.Background())
	return &ProxyStream{
		rt:         rt,
		source:     source,
		dest:       dest,
		key:        key,
		inbound:    inbound,
		ep:         ep,
		resumeNote: make(chan struct{}),
		life:       life,
		lifeCancel: cancel,
	}
}

// Source is the node that opened the stream.
func (ps *ProxyStream) Source() wire.NodeID { return ps.source }

// Destination is the node the stream was opened toward.
func (ps *ProxyStream) Destination() wire.NodeID { return ps.dest }

// Send queues one message. It suspends the caller while every buffer
// toward the next hop is full, so a slow path is felt here instead of
// growing an unbounded queue.
func (ps *ProxyStream) Send(ctx context.Context, payload []byte) error {
	for {
		if err := ps.terminalErr(); err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrStreamClosed
			}
			return err
		}
		ep, seq := ps.endpoint()
		sctx, cancel := context.WithCancel(ctx)
		stop := context.AfterFunc(ps.life, func() { cancel() })
		err := ep.sendData(sctx, payload)
		stop()
		cancel()
		switch {
		case err == nil:
			return nil
		case ps.life.Err() != nil:
			return context.Cause(ps.life)
		case ps.inbound && errors.Is(err, ErrLinkDead):
			// Our inbound hop died; the far side is re-routing. Park
			// until the chain is spliced back or give up.
			if rerr := ps.awaitResume(ctx, seq); rerr != nil {
				if ctx.Err() != nil {
					return rerr
				}
				ps.setTerm(rerr)
				return rerr
			}
		default:
			return err
		}
	}
}

// Receive returns the next message. A graceful close by the far side
// surfaces as io.EOF; an abrupt one as ErrStreamReset; exhausted
// re-routing as ErrRelayFailed.
func (ps *ProxyStream) Receive(ctx context.Context) ([]byte, error) {
	for {
		if err := ps.terminalErr(); err != nil {
			return nil, err
		}
		ep, seq := ps.endpoint()
		rctx, cancel := context.WithCancel(ctx)
		stop := context.AfterFunc(ps.life, func() { cancel() })
		ev, err := ep.recvEvent(rctx)
		stop()
		cancel()
		if err != nil {
			if ps.life.Err() != nil {
				return nil, context.Cause(ps.life)
			}
			return nil, err
		}
		switch ev.kind {
		case wire.KindData:
			return ev.payload, nil
		case wire.KindClose:
			ps.setTerm(io.EOF)
			return nil, io.EOF
		case wire.KindReset:
			if ev.linkDead && ps.inbound {
				if rerr := ps.awaitResume(ctx, seq); rerr != nil {
					if ctx.Err() != nil {
						return nil, rerr
					}
					ps.setTerm(rerr)
					return nil, rerr
				}
				continue
			}
			terr := ev.err
			if terr == nil {
				terr = ErrStreamReset
			}
			ps.setTerm(terr)
			return nil, terr
		}
	}
}

// Close releases the stream on every hop it occupies. Queued outbound
// data is flushed first; Close is safe to call from any state and is
// idempotent.
func (ps *ProxyStream) Close() error {
	ps.closeOnce.Do(func() {
		ps.closed.Store(true)
		ep, _ := ps.endpoint()
		ep.closeSend()
		ps.lifeCancel(ErrStreamClosed)
		if ps.inbound {
			ps.rt.post(routerEvent{kind: evHandleClosed, handle: ps})
		}
	})
	return nil
}

func (ps *ProxyStream) endpoint() (relayEndpoint, uint64) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.ep, ps.epSeq
}

// splice swaps in the freshly re-established inbound hop and wakes any
// parked Send/Receive.
func (ps *ProxyStream) splice(ep relayEndpoint) {
	ps.mu.Lock()
	ps.ep = ep
	ps.epSeq++
	close(ps.resumeNote)
	ps.resumeNote = make(chan struct{})
	ps.mu.Unlock()
}

// resumable reports whether a re-established hop chain may still be
// attached to this handle.
func (ps *ProxyStream) resumable() bool {
	return !ps.closed.Load() && ps.terminalErr() == nil
}

func (ps *ProxyStream) awaitResume(ctx context.Context, seq uint64) error {
	ps.mu.Lock()
	if ps.epSeq != seq {
		// Already spliced by the other direction.
		ps.mu.Unlock()
		return nil
	}
	note := ps.resumeNote
	ps.mu.Unlock()

	timer := ps.rt.clk.Timer(ps.rt.cfg.resumeTimeout)
	defer timer.Stop()
	select {
	case <-note:
		return nil
	case <-timer.C:
		return ErrRelayFailed
	case <-ps.life.Done():
		return context.Cause(ps.life)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ps *ProxyStream) terminalErr() error {
	ps.termMu.Lock()
	defer ps.termMu.Unlock()
	if ps.termErr != nil && ps.termErr != io.EOF {
		return ps.termErr
	}
	if ps.closed.Load() {
		return ErrStreamClosed
	}
	if ps.termErr == io.EOF {
		return io.EOF
	}
	return nil
}

func (ps *ProxyStream) setTerm(err error) {
	ps.termMu.Lock()
	if ps.termErr == nil {
		ps.termErr = err
	}
	ps.termMu.Unlock()
}

// terminate is the router-side abort used on shutdown.
func (ps *ProxyStream) terminate(err error) {
	ps.setTerm(err)
	ps.lifeCancel(err)
}
