package loom

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/loomnet/loom/pkg/wire"
)

// streamEvent is one inbound event of a logical stream: a DATA payload,
// a graceful CLOSE, or a RESET. linkDead marks resets injected locally
// because the carrying link died, which a relay may recover from by
// re-routing; err carries the terminal cause when one is known.
type streamEvent struct {
	kind     wire.Kind
	payload  []byte
	linkDead bool
	err      error
}

// linkStream is one logical stream multiplexed on a link. Data is
// credit flow-controlled: the receiving side grants the peer one credit
// per buffer slot it frees, and the sender suspends once its credits
// run out. The link reader therefore never has to block on a stream
// whose consumer stalled, and control traffic keeps flowing regardless.
type linkStream struct {
	id wire.StreamID
	l  *link

	// in holds at most the granted window of DATA frames plus the
	// final CLOSE.
	in chan streamEvent

	// Resets bypass the ordinary buffer so they are observable even
	// when the consumer is blocked and the buffer is full.
	resetOnce sync.Once
	resetEv   streamEvent
	abortCh   chan struct{}

	// sendClosed latches once we emitted CLOSE or RESET; further
	// close/reset calls are no-ops.
	sendClosed atomic.Bool

	creditMu   sync.Mutex
	sendCredit uint32
	// owed counts DATA frames consumed locally whose credit was not
	// yet granted back to the peer.
	owed     uint32
	creditCh chan struct{}
}

func newLinkStream(l *link, id wire.StreamID, depth int) *linkStream {
	return &linkStream{
		id:       id,
		l:        l,
		in:       make(chan streamEvent, depth+1),
		abortCh:  make(chan struct{}),
		creditCh: make(chan struct{}, 1),
	}
}

// deliver queues an inbound event without ever blocking the caller.
// Reports false when the buffer is full, which a credit-respecting peer
// cannot cause.
func (s *linkStream) deliver(ev streamEvent) bool {
	select {
	case s.in <- ev:
		return true
	default:
	}
	select {
	case <-s.abortCh:
		return true
	case <-s.l.closeCh:
		return true
	default:
		return false
	}
}

func (s *linkStream) deliverReset(ev streamEvent) {
	s.resetOnce.Do(func() {
		s.resetEv = ev
		close(s.abortCh)
	})
}

// addSendCredit accounts a credit grant received from the peer and
// wakes any sender parked on an empty allowance.
func (s *linkStream) addSendCredit(n uint32) {
	s.creditMu.Lock()
	s.sendCredit += n
	s.creditMu.Unlock()
	select {
	case s.creditCh <- struct{}{}:
	default:
	}
}

func (s *linkStream) takeSendCredit() bool {
	s.creditMu.Lock()
	defer s.creditMu.Unlock()
	if s.sendCredit == 0 {
		return false
	}
	s.sendCredit--
	return true
}

// awaitSendCredit suspends until the peer granted room for one more
// DATA frame. This is where send-side backpressure is felt: a stalled
// remote consumer stops granting and the sender parks here.
func (s *linkStream) awaitSendCredit(ctx context.Context) error {
	for {
		if s.takeSendCredit() {
			return nil
		}
		select {
		case <-s.creditCh:
		case <-s.abortCh:
			if s.resetEv.err != nil {
				return s.resetEv.err
			}
			return ErrStreamReset
		case <-s.l.closeCh:
			return s.l.deadError()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *linkStream) addOwed(n uint32) {
	s.creditMu.Lock()
	s.owed += n
	s.creditMu.Unlock()
}

func (s *linkStream) takeOwed() uint32 {
	s.creditMu.Lock()
	defer s.creditMu.Unlock()
	n := s.owed
	s.owed = 0
	return n
}

// flushOwed grants accumulated credit back to the peer. A failed grant
// is re-accumulated so a later call retries it; credit is never lost.
func (s *linkStream) flushOwed(ctx context.Context) {
	n := s.takeOwed()
	if n == 0 {
		return
	}
	if err := s.l.sendControl(ctx, wire.ControlCredit, wire.Credit{Stream: s.id, Grant: n}); err != nil {
		s.addOwed(n)
	}
}

func (s *linkStream) tryFlushOwed() {
	n := s.takeOwed()
	if n == 0 {
		return
	}
	if !s.l.trySendControl(wire.ControlCredit, wire.Credit{Stream: s.id, Grant: n}) {
		s.addOwed(n)
	}
}

// recv returns the next inbound event. Data buffered before a reset is
// drained first, so bytes already delivered by the link are not lost to
// a late failure. Consumed DATA frames are granted back to the peer as
// fresh credit.
func (s *linkStream) recv(ctx context.Context) (streamEvent, error) {
	// Recover grants a previous call could not place.
	s.tryFlushOwed()

	ev, err := s.next(ctx)
	if err == nil && ev.kind == wire.KindData {
		s.addOwed(1)
		s.flushOwed(ctx)
	}
	return ev, err
}

func (s *linkStream) next(ctx context.Context) (streamEvent, error) {
	select {
	case ev := <-s.in:
		return ev, nil
	default:
	}
	select {
	case ev := <-s.in:
		return ev, nil
	case <-s.abortCh:
		select {
		case ev := <-s.in:
			return ev, nil
		default:
		}
		return s.resetEv, nil
	case <-ctx.Done():
		return streamEvent{}, ctx.Err()
	}
}
