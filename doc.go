// Package loom is an embeddable mesh overlay: independent nodes
// exchange framed, flow-controlled streams over arbitrary byte links
// (sockets, serial lines, pipes) without a fully connected topology.
//
// ## How it works
//
// A process creates a `Router` and registers every physical connection
// it owns with `Router.RegisterLink`. Each link is turned into a
// multiplexed transport: a handshake on the reserved control stream
// exchanges node identities, then periodic pings measure liveness and
// round-trip time, and each node advertises which other nodes it can
// reach. From the set of live links and received advertisements, the
// router recomputes a shortest-path route table on every topology or
// cost change.
//
// Application code then calls `Router.OpenProxyStream` with a
// destination `NodeID`. The stream is relayed hop by hop: every
// intermediate router splices the inbound stream onto a fresh stream
// toward its own next hop, so neither endpoint needs a direct link.
// Payload is opaque to the relays and backpressure propagates end to
// end: a slow consumer suspends the producer instead of growing an
// unbounded queue.
//
// ## Failure model
//
// Links die either because the underlying transport reports closure or
// because a configurable number of consecutive pings go unanswered
// (silent partition). When a link under an active proxy stream dies,
// the relay adjacent to the failure re-establishes its downstream hop
// against a freshly computed route. The stream survives any single
// link failure as long as an alternate path exists; the endpoints
// observe a stall, not an error. Bytes that were in flight and not yet
// flushed at the moment of failure may be lost; bytes already
// delivered are never reordered or duplicated.
//
// There is no persisted state: the whole topology is rebuilt from live
// handshakes when a process restarts.
package loom
