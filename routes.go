package loom

import (
	"sort"

	"github.com/loomnet/loom/pkg/wire"
)

// Route is the locally chosen path toward one destination: the link to
// use as next hop and the cumulative cost of the whole path.
type Route struct {
	Dest wire.NodeID
	Link LinkID
	Cost uint32
}

// routeTable is an immutable shortest-path snapshot. Stale snapshots
// are replaced wholesale, never mutated, so readers can keep using one
// without observing a half-updated table.
type routeTable struct {
	routes map[wire.NodeID]Route
}

func emptyRouteTable() *routeTable {
	return &routeTable{routes: make(map[wire.NodeID]Route)}
}

func (t *routeTable) lookup(dest wire.NodeID) (Route, bool) {
	r, ok := t.routes[dest]
	return r, ok
}

func (t *routeTable) snapshot() []Route {
	out := make([]Route, 0, len(t.routes))
	for _, r := range t.routes {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Dest < out[j].Dest })
	return out
}

func sortAdverts(ads []wire.RouteAd) {
	sort.Slice(ads, func(i, j int) bool {
		if ads[i].Dest != ads[j].Dest {
			return ads[i].Dest < ads[j].Dest
		}
		return ads[i].Cost < ads[j].Cost
	})
}

// graphLink is one usable link as seen by the planner: a directed edge
// from the local node to its remote, weighted by the smoothed RTT.
type graphLink struct {
	id     LinkID
	remote wire.NodeID
	cost   uint32
}

// computeRoutes runs a single-source shortest-path relaxation over the
// graph made of direct links plus the reachability sets advertised by
// each neighbour. It is recomputed from scratch on every topology or
// cost change; there is no incremental patching to go wrong. Equal-cost
// paths deterministically prefer the lower next-hop LinkID, and
// unreachable nodes are simply absent from the result.
func computeRoutes(
	local wire.NodeID,
	links []graphLink,
	adverts map[wire.NodeID][]wire.RouteAd,
) *routeTable {
	type span struct {
		cost uint64
		hop  LinkID
	}
	dist := map[wire.NodeID]*span{local: {}}
	visited := map[wire.NodeID]bool{}

	relax := func(v wire.NodeID, cost uint64, hop LinkID) {
		if v == local || visited[v] {
			return
		}
		st, ok := dist[v]
		if !ok {
			dist[v] = &span{cost: cost, hop: hop}
			return
		}
		if cost < st.cost || (cost == st.cost && hop < st.hop) {
			st.cost = cost
			st.hop = hop
		}
	}

	sorted := append([]graphLink(nil), links...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].id < sorted[j].id })

	for {
		var u wire.NodeID
		var at *span
		for n, st := range dist {
			if visited[n] {
				continue
			}
			if at == nil || st.cost < at.cost || (st.cost == at.cost && n < u) {
				u, at = n, st
			}
		}
		if at == nil {
			break
		}
		visited[u] = true

		if u == local {
			for _, gl := range sorted {
				relax(gl.remote, at.cost+uint64(gl.cost), gl.id)
			}
			continue
		}
		ads := append([]wire.RouteAd(nil), adverts[u]...)
		sort.Slice(ads, func(i, j int) bool { return ads[i].Dest < ads[j].Dest })
		for _, ad := range ads {
			relax(ad.Dest, at.cost+uint64(ad.Cost), at.hop)
		}
	}

	table := emptyRouteTable()
	for n, st := range dist {
		if n == local {
			continue
		}
		cost := st.cost
		if cost > 1<<31 {
			cost = 1 << 31
		}
		table.routes[n] = Route{Dest: n, Link: st.hop, Cost: uint32(cost)}
	}
	return table
}
