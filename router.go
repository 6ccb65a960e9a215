package loom

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-metrics"

	"github.com/loomnet/loom/pkg/wire"
)

// NodeID aliases the wire-level identifier so applications rarely need
// to import pkg/wire directly.
type NodeID = wire.NodeID

type eventKind uint8

const (
	evLinkAdd eventKind = iota
	evLinkUp
	evLinkDead
	evLinkCost
	evAdvert
	evOpenStream
	evRelayStart
	evRelayDone
	evHandleClosed
)

// routerEvent is the single message type of the router loop. Links,
// relays and handles run on their own goroutines and funnel every
// topology-affecting occurrence through here, so all bookkeeping is
// serialized in one place.
type routerEvent struct {
	kind   eventKind
	link   *link
	node   wire.NodeID
	err    error
	rtt    time.Duration
	routes []wire.RouteAd
	stream *linkStream
	header wire.OpenHeader
	relay  *relay
	handle *ProxyStream
}

// Router is the per-node mesh engine. It owns every registered link,
// tracks which nodes are reachable at what cost, answers proxy-stream
// opens from the application, and relays streams passing through on
// behalf of other nodes.
//
// All methods are safe for concurrent use.
type Router struct {
	cfg    config
	logger *slog.Logger
	msink  metrics.MetricSink
	clk    clock.Clock
	node   wire.NodeID

	events   chan routerEvent
	acceptCh chan *ProxyStream

	mu        sync.Mutex
	links     map[LinkID]*link
	peers     map[wire.NodeID]*peer
	adverts   map[wire.NodeID][]wire.RouteAd
	lastCosts map[LinkID]uint32
	relays    map[*relay]struct{}
	inbound   map[resumeKey]*ProxyStream

	nextLink atomic.Uint64
	table    atomic.Pointer[routeTable]

	shutdown   atomic.Bool
	shutdownCh chan struct{}
	wg         sync.WaitGroup
	relayWg    sync.WaitGroup
}

// New creates a Router and starts its event loop. Call Shutdown to
// release it.
func New(opts ...Option) (*Router, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	if cfg.node == 0 {
		cfg.node = wire.NewNodeID()
	}
	if cfg.logHandler == nil {
		cfg.logHandler = slog.Default().Handler()
	}
	if cfg.metricSink == nil {
		cfg.metricSink = &metrics.BlackholeSink{}
	}

	rt := &Router{
		cfg:        cfg,
		logger:     slog.New(cfg.logHandler).With(LabelNode.L(cfg.node.String())),
		msink:      cfg.metricSink,
		clk:        cfg.clock,
		node:       cfg.node,
		events:     make(chan routerEvent, 256),
		acceptCh:   make(chan *ProxyStream, cfg.acceptDepth),
		links:      make(map[LinkID]*link),
		peers:      make(map[wire.NodeID]*peer),
		adverts:    make(map[wire.NodeID][]wire.RouteAd),
		lastCosts:  make(map[LinkID]uint32),
		relays:     make(map[*relay]struct{}),
		inbound:    make(map[resumeKey]*ProxyStream),
		shutdownCh: make(chan struct{}),
	}
	rt.table.Store(emptyRouteTable())

	rt.wg.Add(1)
	go rt.run()
	return rt, nil
}

// LocalNode is this router's identity on the mesh.
func (rt *Router) LocalNode() wire.NodeID { return rt.node }

// RegisterLink hands a raw connection to the router. The handshake,
// probing and advert exchange start immediately; the returned id names
// the link in metrics and introspection. The router owns the connection
// from here on.
func (rt *Router) RegisterLink(rc RawConn) (LinkID, error) {
	if rt.shutdown.Load() {
		return 0, ErrShutdown
	}
	id := LinkID(rt.nextLink.Add(1))
	l := newLink(id, rc, rt.node, &rt.cfg, rt.clk, rt.logger, rt.msink, rt.postEvent)

	rt.mu.Lock()
	rt.links[id] = l
	rt.mu.Unlock()

	l.start()
	rt.post(routerEvent{kind: evLinkAdd, link: l})
	return id, nil
}

// OpenProxyStream opens a capability stream toward dest, relayed hop by
// hop along the current best path. It fails fast with ErrUnreachable
// when no path is known at all; a path that breaks later is re-routed
// transparently.
func (rt *Router) OpenProxyStream(ctx context.Context, dest wire.NodeID) (*ProxyStream, error) {
	if rt.shutdown.Load() {
		return nil, ErrShutdown
	}
	if dest == 0 || dest == rt.node {
		return nil, fmt.Errorf("%w: invalid destination %s", ErrUnreachable, dest)
	}
	if _, ok := rt.routeSnapshot().lookup(dest); !ok {
		return nil, fmt.Errorf("%w: no route toward %s", ErrUnreachable, dest)
	}

	nonce := wire.RandomToken()
	hdr := wire.OpenHeader{Src: rt.node, Dst: dest, Nonce: nonce}
	appEnd, relayEnd := newLocalPair(rt.cfg.streamDepth)
	handle := newProxyStream(rt, rt.node, dest, resumeKey{src: rt.node, nonce: nonce}, false, appEnd)
	r := newRelay(rt, hdr, relayEnd, true)
	if !rt.post(routerEvent{kind: evRelayStart, relay: r, node: dest}) {
		return nil, ErrShutdown
	}
	return handle, nil
}

// AcceptProxyStream returns the next stream some remote node opened
// toward this one. It blocks until a stream arrives, the context
// expires, or the router shuts down.
func (rt *Router) AcceptProxyStream(ctx context.Context) (*ProxyStream, error) {
	select {
	case handle := <-rt.acceptCh:
		return handle, nil
	case <-rt.shutdownCh:
		return nil, ErrShutdown
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Routes is a snapshot of the current table, sorted by destination.
func (rt *Router) Routes() []Route {
	return rt.routeSnapshot().snapshot()
}

// LinkInfo is one registered link as seen by introspection.
type LinkInfo struct {
	ID     LinkID
	Remote wire.NodeID
	State  LinkState
	RTT    time.Duration
}

// Links lists every registered link that has not died yet.
func (rt *Router) Links() []LinkInfo {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]LinkInfo, 0, len(rt.links))
	for _, l := range rt.links {
		state, remote := l.stateAndRemote()
		out = append(out, LinkInfo{
			ID:     l.id,
			Remote: remote,
			State:  state,
			RTT:    l.ping.rtt(),
		})
	}
	return out
}

// Shutdown stops the router: every link is closed, every relay and
// handle aborted with ErrShutdown. It blocks until all of them wound
// down and is idempotent.
func (rt *Router) Shutdown() error {
	if !rt.shutdown.CompareAndSwap(false, true) {
		rt.wg.Wait()
		return nil
	}
	close(rt.shutdownCh)
	rt.wg.Wait()
	return nil
}

func (rt *Router) routeSnapshot() *routeTable {
	return rt.table.Load()
}

func (rt *Router) linkByID(id LinkID) (*link, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	l, ok := rt.links[id]
	return l, ok
}

// post delivers an event to the loop unless the router is shutting
// down. Reports whether it was delivered.
func (rt *Router) post(ev routerEvent) bool {
	select {
	case rt.events <- ev:
		return true
	case <-rt.shutdownCh:
		return false
	}
}

// postEvent is the notify callback handed to links.
func (rt *Router) postEvent(ev routerEvent) {
	rt.post(ev)
}

func (rt *Router) run() {
	defer rt.wg.Done()
	ticker := rt.clk.Ticker(rt.cfg.advertInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rt.shutdownCh:
			rt.teardown()
			return
		case <-ticker.C:
			rt.broadcastAdverts()
		case ev := <-rt.events:
			rt.handle(ev)
		}
	}
}

func (rt *Router) handle(ev routerEvent) {
	switch ev.kind {
	case evLinkAdd:
		rt.logger.Debug("link registered", LabelLinkID.L(uint64(ev.link.id)))
	case evLinkUp:
		rt.handleLinkUp(ev.link, ev.node)
	case evLinkDead:
		rt.handleLinkDead(ev.link, ev.err)
	case evLinkCost:
		rt.handleLinkCost(ev.link, ev.rtt)
	case evAdvert:
		rt.handleAdvert(ev.node, ev.routes)
	case evOpenStream:
		rt.handleInboundOpen(ev.link, ev.stream, ev.header)
	case evRelayStart:
		rt.handleRelayStart(ev.relay, ev.node)
	case evRelayDone:
		rt.handleRelayDone(ev.relay)
	case evHandleClosed:
		rt.handleHandleClosed(ev.handle)
	}
}

func (rt *Router) handleLinkUp(l *link, remote wire.NodeID) {
	rt.mu.Lock()
	if _, ok := rt.links[l.id]; !ok {
		// Died between its hello and our handling of it.
		rt.mu.Unlock()
		return
	}
	p := rt.peerLocked(remote)
	p.links[l.id] = struct{}{}
	rt.lastCosts[l.id] = 1
	rt.mu.Unlock()

	rt.recompute()
	rt.broadcastAdverts()
}

func (rt *Router) handleLinkDead(l *link, cause error) {
	rt.mu.Lock()
	if _, ok := rt.links[l.id]; !ok {
		rt.mu.Unlock()
		return
	}
	delete(rt.links, l.id)
	delete(rt.lastCosts, l.id)
	_, remote := l.stateAndRemote()
	if remote != 0 {
		if p, ok := rt.peers[remote]; ok {
			delete(p.links, l.id)
			if len(p.links) == 0 {
				// Adverts learned over a vanished neighbour are as dead
				// as the neighbour itself.
				delete(rt.adverts, remote)
			}
		}
	}
	rt.mu.Unlock()

	// Publish the shrunk table before waking any stream parked on this
	// link, so a relay that re-establishes immediately cannot pick the
	// dead link again.
	rt.recompute()

	deadErr := l.deadError()
	for _, s := range l.takeStreams() {
		s.deliverReset(streamEvent{kind: wire.KindReset, linkDead: true, err: deadErr})
	}

	rt.gcPeers()
	rt.broadcastAdverts()
	rt.logger.Info("link removed", LabelLinkID.L(uint64(l.id)), LabelError.L(cause))
}

func (rt *Router) handleLinkCost(l *link, rtt time.Duration) {
	cost := costFromRTT(rtt)
	rt.mu.Lock()
	if _, ok := rt.links[l.id]; !ok {
		rt.mu.Unlock()
		return
	}
	old := rt.lastCosts[l.id]
	if old > 0 && withinHysteresis(old, cost, rt.cfg.costHysteresis) {
		rt.mu.Unlock()
		return
	}
	rt.lastCosts[l.id] = cost
	rt.mu.Unlock()

	rt.recompute()
	rt.broadcastAdverts()
}

func (rt *Router) handleAdvert(node wire.NodeID, routes []wire.RouteAd) {
	if node == 0 {
		// Advert raced the hello; the neighbour re-sends periodically.
		return
	}
	normalized := normalizeAdvert(routes)
	rt.mu.Lock()
	if advertsEqual(rt.adverts[node], normalized) {
		rt.mu.Unlock()
		return
	}
	rt.adverts[node] = normalized
	rt.mu.Unlock()

	rt.recompute()
	rt.broadcastAdverts()
}

func (rt *Router) handleInboundOpen(l *link, s *linkStream, hdr wire.OpenHeader) {
	if hdr.Dst == rt.node {
		key := resumeKey{src: hdr.Src, nonce: hdr.Nonce}
		rt.mu.Lock()
		existing := rt.inbound[key]
		rt.mu.Unlock()
		if existing != nil && existing.resumable() {
			// A re-established hop chain for a stream we already hold;
			// splice it in and let parked Send/Receive resume.
			existing.splice(&linkEnd{l: l, s: s})
			return
		}

		handle := newProxyStream(rt, hdr.Src, hdr.Dst, key, true, &linkEnd{l: l, s: s})
		select {
		case rt.acceptCh <- handle:
		default:
			// Detached: emitting the reset may suspend on the link's
			// outbound queue and the event loop must never block.
			go l.resetStream(s, "accept queue full")
			return
		}
		rt.mu.Lock()
		rt.inbound[key] = handle
		rt.peerLocked(hdr.Src).handles[key] = handle
		rt.mu.Unlock()
		return
	}

	// Passing through: relay toward the destination.
	r := newRelay(rt, hdr, &linkEnd{l: l, s: s}, false)
	rt.startRelay(r, hdr.Dst)
}

func (rt *Router) handleRelayStart(r *relay, dest wire.NodeID) {
	rt.startRelay(r, dest)
}

func (rt *Router) startRelay(r *relay, dest wire.NodeID) {
	rt.mu.Lock()
	rt.relays[r] = struct{}{}
	rt.peerLocked(dest).relays[r] = struct{}{}
	rt.mu.Unlock()
	rt.relayWg.Add(1)
	go r.run()
}

func (rt *Router) handleRelayDone(r *relay) {
	rt.mu.Lock()
	delete(rt.relays, r)
	if p, ok := rt.peers[r.hdr.Dst]; ok {
		delete(p.relays, r)
	}
	rt.mu.Unlock()
	rt.gcPeers()
}

func (rt *Router) handleHandleClosed(handle *ProxyStream) {
	rt.mu.Lock()
	if rt.inbound[handle.key] == handle {
		delete(rt.inbound, handle.key)
	}
	if p, ok := rt.peers[handle.source]; ok {
		if p.handles[handle.key] == handle {
			delete(p.handles, handle.key)
		}
	}
	rt.mu.Unlock()
	rt.gcPeers()
}

func (rt *Router) peerLocked(node wire.NodeID) *peer {
	p, ok := rt.peers[node]
	if !ok {
		p = newPeer(node)
		rt.peers[node] = p
	}
	return p
}

// recompute rebuilds the route table from the live links and the latest
// adverts, then publishes it atomically.
func (rt *Router) recompute() {
	rt.mu.Lock()
	gls := make([]graphLink, 0, len(rt.links))
	for id, l := range rt.links {
		state, remote := l.stateAndRemote()
		if state != LinkConnected && state != LinkDegraded {
			continue
		}
		cost := rt.lastCosts[id]
		if cost == 0 {
			cost = 1
		}
		gls = append(gls, graphLink{id: id, remote: remote, cost: cost})
	}
	adverts := make(map[wire.NodeID][]wire.RouteAd, len(rt.adverts))
	for n, ads := range rt.adverts {
		adverts[n] = ads
	}
	rt.mu.Unlock()

	table := computeRoutes(rt.node, gls, adverts)
	rt.table.Store(table)
	rt.msink.IncrCounterWithLabels(MetricLoomRouteRecomputeCount, 1.0, rt.cfg.metricLabels)
	rt.msink.SetGaugeWithLabels(MetricLoomRouteCount, float32(len(table.routes)), rt.cfg.metricLabels)
}

// broadcastAdverts tells every connected neighbour which destinations
// we can reach and at what cost. Routes that go through the receiving
// link, or to the receiver itself, are withheld so a neighbour never
// learns a path that loops straight back. An empty advert still goes
// out: it is how withdrawal propagates.
func (rt *Router) broadcastAdverts() {
	table := rt.routeSnapshot()

	rt.mu.Lock()
	targets := make([]*link, 0, len(rt.links))
	for _, l := range rt.links {
		state, _ := l.stateAndRemote()
		if state == LinkConnected || state == LinkDegraded {
			targets = append(targets, l)
		}
	}
	rt.mu.Unlock()

	for _, l := range targets {
		_, remote := l.stateAndRemote()
		ads := make([]wire.RouteAd, 0, len(table.routes))
		for _, r := range table.routes {
			if r.Link == l.id || r.Dest == remote {
				continue
			}
			ads = append(ads, wire.RouteAd{Dest: r.Dest, Cost: r.Cost})
		}
		l.trySendControl(wire.ControlAdvert, wire.Advert{Routes: normalizeAdvert(ads)})
	}
}

// gcPeers drops peers nothing references anymore and aborts relays
// still establishing toward destinations that fell off the table
// entirely.
func (rt *Router) gcPeers() {
	table := rt.routeSnapshot()

	rt.mu.Lock()
	var doomed []*relay
	for node, p := range rt.peers {
		if p.idle() {
			delete(rt.peers, node)
			continue
		}
		if len(p.links) > 0 {
			continue
		}
		if _, ok := table.lookup(node); ok {
			continue
		}
		for r := range p.relays {
			if r.currentState() == relayEstablishing {
				doomed = append(doomed, r)
			}
		}
	}
	rt.mu.Unlock()

	for _, r := range doomed {
		r.cancel(fmt.Errorf("%w: %s fell off the route table", ErrPeerUnreachable, r.hdr.Dst))
	}
}

func (rt *Router) teardown() {
	rt.mu.Lock()
	links := make([]*link, 0, len(rt.links))
	for _, l := range rt.links {
		links = append(links, l)
	}
	relays := make([]*relay, 0, len(rt.relays))
	for r := range rt.relays {
		relays = append(relays, r)
	}
	handles := make([]*ProxyStream, 0, len(rt.inbound))
	for _, h := range rt.inbound {
		handles = append(handles, h)
	}
	rt.mu.Unlock()

	for _, l := range links {
		l.die(ErrShutdown)
	}
	for _, r := range relays {
		r.cancel(ErrShutdown)
	}
	for _, h := range handles {
		h.terminate(ErrShutdown)
	}
	rt.relayWg.Wait()
	rt.table.Store(emptyRouteTable())
	rt.logger.Info("router stopped")
}

// costFromRTT maps a smoothed RTT to a link cost: whole milliseconds,
// floored at 1 so even loopback links carry a nonzero weight.
func costFromRTT(rtt time.Duration) uint32 {
	ms := rtt.Milliseconds()
	if ms < 1 {
		return 1
	}
	if ms > 1<<31 {
		return 1 << 31
	}
	return uint32(ms)
}

// withinHysteresis reports whether the cost moved by less than the
// configured relative fraction.
func withinHysteresis(old, cur uint32, fraction float64) bool {
	if old == cur {
		return true
	}
	diff := float64(cur) - float64(old)
	if diff < 0 {
		diff = -diff
	}
	return diff/float64(old) < fraction
}

func normalizeAdvert(ads []wire.RouteAd) []wire.RouteAd {
	out := append([]wire.RouteAd(nil), ads...)
	sortAdverts(out)
	return out
}

func advertsEqual(a, b []wire.RouteAd) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
