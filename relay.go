package loom

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loomnet/loom/pkg/wire"
)

type relayState uint8

const (
	relayEstablishing relayState = iota
	relayRelaying
	relayDraining
	relayClosed
	relayFailed
)

func (s relayState) String() string {
	switch s {
	case relayEstablishing:
		return "establishing"
	case relayRelaying:
		return "relaying"
	case relayDraining:
		return "draining"
	case relayClosed:
		return "closed"
	case relayFailed:
		return "failed"
	default:
		return "invalid"
	}
}

var (
	// errNeedReroute is the pump-internal signal that the downstream
	// hop died and a fresh route should be tried.
	errNeedReroute = errors.New("relay: downstream hop died")
	// errRelayTerminal stops both pumps after a reset was forwarded.
	errRelayTerminal = errors.New("relay: terminal reset forwarded")
	// errUpstreamGone aborts an in-flight open attempt because the
	// local side already went away.
	errUpstreamGone = errors.New("relay: upstream side gone")
)

// relay forwards one proxied stream between its upstream side (a local
// handle on the origin node, an inbound link stream on intermediate
// nodes) and a downstream hop chosen from the route table. It applies
// no framing of its own; payload passes through opaque and in order.
//
// When the downstream hop's link dies mid-relay, the relay returns to
// establishing against a freshly computed route, bounded by the
// configured retry budget. The upstream side is pinned: re-routing is
// invisible above except as a stall.
type relay struct {
	rt       *Router
	hdr      wire.OpenHeader
	origin   bool
	upstream relayEndpoint
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu       sync.Mutex
	state    relayState
	down     *linkEnd
	upDone   bool
	downDone bool
}

func newRelay(rt *Router, hdr wire.OpenHeader, upstream relayEndpoint, origin bool) *relay {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &relay{
		rt:       rt,
		hdr:      hdr,
		origin:   origin,
		upstream: upstream,
		logger: rt.logger.With(
			"relay_src", hdr.Src.String(),
			"relay_dst", hdr.Dst.String(),
		),
		ctx:    ctx,
		cancel: cancel,
		state:  relayEstablishing,
	}
}

func (r *relay) run() {
	defer r.rt.relayWg.Done()
	defer r.rt.post(routerEvent{kind: evRelayDone, relay: r})

	if err := r.establish(); err != nil {
		if errors.Is(err, errUpstreamGone) {
			r.setState(relayClosed)
			return
		}
		r.finish(err)
		return
	}

	for {
		r.mu.Lock()
		up, down := r.upDone, r.downDone
		r.mu.Unlock()
		if up && down {
			r.setState(relayClosed)
			return
		}

		g, gctx := errgroup.WithContext(r.ctx)
		if !up {
			g.Go(func() error { return r.pumpUpstream(gctx) })
		}
		if !down {
			g.Go(func() error { return r.pumpDownstream(gctx) })
		}
		err := g.Wait()
		switch {
		case err == nil:
			continue
		case errors.Is(err, errNeedReroute):
			r.setState(relayEstablishing)
			r.rt.msink.IncrCounterWithLabels(MetricLoomRelayRerouteCount, 1.0, r.rt.cfg.metricLabels)
			r.logger.Debug("downstream hop died, re-routing")
			if rerr := r.establish(); rerr != nil {
				if errors.Is(rerr, errUpstreamGone) {
					r.setState(relayClosed)
					return
				}
				r.finish(rerr)
				return
			}
		case errors.Is(err, errRelayTerminal):
			r.setState(relayClosed)
			return
		case r.ctx.Err() != nil:
			r.finish(context.Cause(r.ctx))
			return
		default:
			r.finish(err)
			return
		}
	}
}

// establishBackoff spaces route lookups so a retry observes the table
// as recomputed after the failure instead of racing it.
const establishBackoff = 10 * time.Millisecond

// establish opens a stream toward the destination on the current best
// next hop, retrying over fresh routes up to the configured budget.
func (r *relay) establish() error {
	ectx, cancel := context.WithCancel(r.ctx)
	defer cancel()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-r.upstream.done():
			cancel()
		case <-stop:
		case <-ectx.Done():
		}
	}()

	attempts := r.rt.cfg.rerouteRetries
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		if ectx.Err() != nil {
			return r.abortCause()
		}
		if i > 0 {
			timer := r.rt.clk.Timer(establishBackoff)
			select {
			case <-timer.C:
			case <-ectx.Done():
				timer.Stop()
				return r.abortCause()
			}
		}
		route, ok := r.rt.routeSnapshot().lookup(r.hdr.Dst)
		if !ok {
			break
		}
		l, ok := r.rt.linkByID(route.Link)
		if !ok {
			continue
		}
		s, err := l.openStream(ectx, r.hdr)
		if err != nil {
			if ectx.Err() != nil {
				return r.abortCause()
			}
			// The chosen link raced into a worse state; the table
			// will have moved on by the next attempt.
			r.logger.Debug("hop open failed", LabelLinkID.L(uint64(route.Link)), LabelError.L(err))
			continue
		}
		r.mu.Lock()
		r.down = &linkEnd{l: l, s: s}
		upDone := r.upDone
		r.state = relayRelaying
		r.mu.Unlock()
		if upDone {
			// The graceful close already forwarded on the dead hop
			// must reach the new one too.
			l.closeStream(s)
		}
		r.rt.msink.IncrCounterWithLabels(MetricLoomRelayEstCount, 1.0, r.rt.cfg.metricLabels)
		return nil
	}
	return fmt.Errorf("%w: toward %s", ErrRelayFailed, r.hdr.Dst)
}

func (r *relay) abortCause() error {
	if r.ctx.Err() != nil {
		return context.Cause(r.ctx)
	}
	return errUpstreamGone
}

// pumpUpstream forwards upstream events to the downstream hop.
func (r *relay) pumpUpstream(ctx context.Context) error {
	down := r.currentDown()
	for {
		ev, err := r.upstream.recvEvent(ctx)
		if err != nil {
			return err
		}
		switch ev.kind {
		case wire.KindData:
			if serr := down.sendData(ctx, ev.payload); serr != nil {
				if errors.Is(serr, ErrLinkDead) {
					return errNeedReroute
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return serr
			}
		case wire.KindClose:
			r.markUpDone()
			r.setState(relayDraining)
			down.closeSend()
			return nil
		case wire.KindReset:
			terr := ev.err
			if terr == nil {
				terr = ErrStreamReset
			}
			if ev.linkDead {
				// Our upstream hop died: the relay nearer the origin
				// routes around us, this chain segment is garbage.
				terr = fmt.Errorf("%w: upstream hop died", ErrStreamReset)
			}
			down.fail(terr)
			r.markUpDone()
			r.markDownDone()
			return errRelayTerminal
		}
	}
}

// pumpDownstream forwards downstream events back to the upstream side.
func (r *relay) pumpDownstream(ctx context.Context) error {
	down := r.currentDown()
	for {
		ev, err := down.recvEvent(ctx)
		if err != nil {
			return err
		}
		switch ev.kind {
		case wire.KindData:
			if serr := r.upstream.sendData(ctx, ev.payload); serr != nil {
				if errors.Is(serr, ErrStreamClosed) {
					// Local handle fully closed; drop the remainder
					// while the close drains through.
					continue
				}
				if errors.Is(serr, ErrLinkDead) {
					down.fail(serr)
					r.markUpDone()
					r.markDownDone()
					return errRelayTerminal
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return serr
			}
		case wire.KindClose:
			r.markDownDone()
			r.upstream.closeSend()
			return nil
		case wire.KindReset:
			if ev.linkDead {
				return errNeedReroute
			}
			terr := ev.err
			if terr == nil {
				terr = ErrStreamReset
			}
			r.upstream.fail(terr)
			r.markUpDone()
			r.markDownDone()
			return errRelayTerminal
		}
	}
}

// finish moves the relay to Failed and propagates the error to both
// sides so neither endpoint hangs.
func (r *relay) finish(err error) {
	r.setState(relayFailed)
	r.rt.msink.IncrCounterWithLabels(MetricLoomRelayFailedCount, 1.0, r.rt.cfg.metricLabels)
	r.logger.Warn("relay failed", LabelError.L(err))
	r.upstream.fail(err)
	if down := r.currentDown(); down != nil {
		down.fail(err)
	}
}

func (r *relay) currentDown() *linkEnd {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.down
}

func (r *relay) setState(s relayState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *relay) currentState() relayState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *relay) markUpDone() {
	r.mu.Lock()
	r.upDone = true
	r.mu.Unlock()
}

func (r *relay) markDownDone() {
	r.mu.Lock()
	r.downDone = true
	r.mu.Unlock()
}
