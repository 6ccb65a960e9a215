package loom

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/loomnet/loom/pkg/wire"
)

type pingConfig struct {
	clock     clock.Clock
	interval  time.Duration
	threshold int
	send      func(wire.Ping) bool
	onRTT     func(time.Duration)
	onDead    func(misses int)
}

// pingTracker probes one link: it emits a ping every interval and
// expects the matching pong before the next tick. Pongs feed a smoothed
// RTT estimate; a configurable run of consecutive misses declares the
// link dead. This is the only failure detector for transports that
// partition silently instead of reporting closure.
type pingTracker struct {
	cfg pingConfig

	mu          sync.Mutex
	seq         uint64
	outstanding bool
	sentAt      time.Time
	misses      int
	srtt        time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
}

func newPingTracker(cfg pingConfig) *pingTracker {
	return &pingTracker{
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}
}

func (p *pingTracker) start() {
	go p.run()
}

func (p *pingTracker) run() {
	ticker := p.cfg.clock.Ticker(p.cfg.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			if dead, misses := p.tick(); dead {
				p.cfg.onDead(misses)
				return
			}
		}
	}
}

func (p *pingTracker) tick() (dead bool, misses int) {
	p.mu.Lock()
	wasOutstanding := p.outstanding
	if wasOutstanding {
		p.misses++
		if p.misses >= p.cfg.threshold {
			misses = p.misses
			p.mu.Unlock()
			return true, misses
		}
	}
	p.seq++
	seq := p.seq
	p.outstanding = true
	p.sentAt = p.cfg.clock.Now()
	p.mu.Unlock()
	if !p.cfg.send(wire.Ping{Seq: seq}) && !wasOutstanding {
		// The probe never left the node and none is in flight; local
		// congestion says nothing about the peer, so it must not turn
		// into a miss. An unanswered probe already out keeps counting.
		p.mu.Lock()
		if p.seq == seq {
			p.outstanding = false
		}
		p.mu.Unlock()
	}
	return false, 0
}

// pong matches a reply against the latest probe. Replies to stale
// probes are ignored: only the freshest sample updates the estimate.
func (p *pingTracker) pong(seq uint64) {
	p.mu.Lock()
	if !p.outstanding || seq != p.seq {
		p.mu.Unlock()
		return
	}
	sample := p.cfg.clock.Since(p.sentAt)
	if sample < 0 {
		sample = 0
	}
	if p.srtt == 0 {
		p.srtt = sample
	} else {
		p.srtt = (7*p.srtt + sample) / 8
	}
	p.misses = 0
	p.outstanding = false
	srtt := p.srtt
	p.mu.Unlock()
	p.cfg.onRTT(srtt)
}

func (p *pingTracker) rtt() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.srtt
}

func (p *pingTracker) stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
}
