package loom

import "github.com/loomnet/loom/pkg/wire"

// resumeKey names a proxy stream from the destination's point of view:
// the origin node plus the per-stream token carried in every OPEN
// header along the hop chain.
type resumeKey struct {
	src   wire.NodeID
	nonce uint64
}

// peer is the local bookkeeping for one remote node: which links reach
// it directly and which proxy streams reference it. A peer is created
// lazily the first time its node is seen and garbage-collected once
// nothing references it and no link advertises it anymore.
type peer struct {
	node    wire.NodeID
	links   map[LinkID]struct{}
	relays  map[*relay]struct{}
	handles map[resumeKey]*ProxyStream
}

func newPeer(node wire.NodeID) *peer {
	return &peer{
		node:    node,
		links:   make(map[LinkID]struct{}),
		relays:  make(map[*relay]struct{}),
		handles: make(map[resumeKey]*ProxyStream),
	}
}

func (p *peer) idle() bool {
	return len(p.links) == 0 && len(p.relays) == 0 && len(p.handles) == 0
}
