package loom

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loomnet/loom/pkg/wire"
)

const (
	nodeA wire.NodeID = 0xA
	nodeB wire.NodeID = 0xB
	nodeC wire.NodeID = 0xC
	nodeD wire.NodeID = 0xD
)

func TestComputeRoutesDirectOnly(t *testing.T) {
	table := computeRoutes(nodeA, []graphLink{
		{id: 1, remote: nodeB, cost: 5},
		{id: 2, remote: nodeC, cost: 2},
	}, nil)

	r, ok := table.lookup(nodeB)
	require.True(t, ok)
	require.Equal(t, Route{Dest: nodeB, Link: 1, Cost: 5}, r)

	r, ok = table.lookup(nodeC)
	require.True(t, ok)
	require.Equal(t, Route{Dest: nodeC, Link: 2, Cost: 2}, r)

	_, ok = table.lookup(nodeD)
	require.False(t, ok)
}

func TestComputeRoutesMultiHop(t *testing.T) {
	// A -1- B, B advertises C at cost 3 and D at cost 10.
	table := computeRoutes(nodeA,
		[]graphLink{{id: 1, remote: nodeB, cost: 1}},
		map[wire.NodeID][]wire.RouteAd{
			nodeB: {{Dest: nodeC, Cost: 3}, {Dest: nodeD, Cost: 10}},
		})

	r, ok := table.lookup(nodeC)
	require.True(t, ok)
	require.Equal(t, Route{Dest: nodeC, Link: 1, Cost: 4}, r)

	r, ok = table.lookup(nodeD)
	require.True(t, ok)
	require.Equal(t, Route{Dest: nodeD, Link: 1, Cost: 11}, r)
}

func TestComputeRoutesPrefersCheaperPath(t *testing.T) {
	// Direct link to C costs 50; going through B costs 1+2.
	table := computeRoutes(nodeA,
		[]graphLink{
			{id: 1, remote: nodeB, cost: 1},
			{id: 2, remote: nodeC, cost: 50},
		},
		map[wire.NodeID][]wire.RouteAd{
			nodeB: {{Dest: nodeC, Cost: 2}},
		})

	r, ok := table.lookup(nodeC)
	require.True(t, ok)
	require.Equal(t, Route{Dest: nodeC, Link: 1, Cost: 3}, r)
}

func TestComputeRoutesEqualCostTieBreak(t *testing.T) {
	// Two parallel links to B at identical cost; the lower LinkID must
	// win no matter the input order.
	forward := []graphLink{
		{id: 1, remote: nodeB, cost: 7},
		{id: 2, remote: nodeB, cost: 7},
	}
	reversed := []graphLink{forward[1], forward[0]}

	for _, links := range [][]graphLink{forward, reversed} {
		table := computeRoutes(nodeA, links, nil)
		r, ok := table.lookup(nodeB)
		require.True(t, ok)
		require.Equal(t, LinkID(1), r.Link)
	}
}

func TestComputeRoutesDeterministic(t *testing.T) {
	links := []graphLink{
		{id: 3, remote: nodeB, cost: 2},
		{id: 1, remote: nodeC, cost: 2},
		{id: 2, remote: nodeD, cost: 9},
	}
	adverts := map[wire.NodeID][]wire.RouteAd{
		nodeB: {{Dest: nodeD, Cost: 3}, {Dest: nodeC, Cost: 1}},
		nodeC: {{Dest: nodeD, Cost: 3}, {Dest: nodeB, Cost: 1}},
	}

	want := computeRoutes(nodeA, links, adverts).snapshot()
	for i := 0; i < 20; i++ {
		require.Equal(t, want, computeRoutes(nodeA, links, adverts).snapshot())
	}
}

func TestComputeRoutesIgnoresAdvertsForSelf(t *testing.T) {
	// A neighbour advertising a path back to us must not create a route
	// toward ourselves.
	table := computeRoutes(nodeA,
		[]graphLink{{id: 1, remote: nodeB, cost: 1}},
		map[wire.NodeID][]wire.RouteAd{
			nodeB: {{Dest: nodeA, Cost: 1}},
		})
	_, ok := table.lookup(nodeA)
	require.False(t, ok)
}

func TestComputeRoutesUnreachableAdvertiser(t *testing.T) {
	// Adverts from a node we cannot reach contribute nothing.
	table := computeRoutes(nodeA, nil,
		map[wire.NodeID][]wire.RouteAd{
			nodeB: {{Dest: nodeC, Cost: 1}},
		})
	require.Empty(t, table.snapshot())
}

func TestWithinHysteresis(t *testing.T) {
	require.True(t, withinHysteresis(100, 100, 0.25))
	require.True(t, withinHysteresis(100, 110, 0.25))
	require.True(t, withinHysteresis(100, 80, 0.25))
	require.False(t, withinHysteresis(100, 125, 0.25))
	require.False(t, withinHysteresis(100, 60, 0.25))
	require.False(t, withinHysteresis(100, 101, 0))
}

func TestCostFromRTT(t *testing.T) {
	require.Equal(t, uint32(1), costFromRTT(0))
	require.Equal(t, uint32(1), costFromRTT(500_000)) // 0.5ms floors to 1
	require.Equal(t, uint32(25), costFromRTT(25_000_000))
}
