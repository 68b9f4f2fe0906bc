package vesselgraph

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// weighted returns the graph as a gonum weighted undirected graph with
// branch lengths as edge weights.
func (g *Graph) weighted() *simple.WeightedUndirectedGraph {
	wg := simple.NewWeightedUndirectedGraph(0, math.Inf(1))
	for _, n := range g.Nodes {
		wg.AddNode(simple.Node(n.ID))
	}
	for _, e := range g.Edges {
		wg.SetWeightedEdge(wg.NewWeightedEdge(simple.Node(e.From), simple.Node(e.To), e.Length))
	}
	return wg
}

// Components returns the node IDs of every connected component, each
// sorted, ordered by their smallest node ID.
func (g *Graph) Components() [][]int {
	if len(g.Nodes) == 0 {
		return nil
	}
	var out [][]int
	for _, comp := range topo.ConnectedComponents(g.weighted()) {
		ids := make([]int, len(comp))
		for i, n := range comp {
			ids[i] = int(n.ID())
		}
		sort.Ints(ids)
		out = append(out, ids)
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

// Root returns the root of the component containing node id: the endpoint
// on the widest branch, ties broken by branch length.
func (g *Graph) Root(comp []int) int {
	root, bestDiam, bestLen := comp[0], -1.0, -1.0
	for _, id := range comp {
		if g.Nodes[id].Kind != Endpoint {
			continue
		}
		for _, e := range g.Incident(id) {
			edge := g.Edges[e]
			if edge.Diameter > bestDiam || edge.Diameter == bestDiam && edge.Length > bestLen {
				root, bestDiam, bestLen = id, edge.Diameter, edge.Length
			}
		}
	}
	return root
}

// RelativePositions returns, per node, its geodesic distance from the root
// of its tree divided by the largest such distance in that tree. Values lie
// in [0, 1]; the root has 0.
func (g *Graph) RelativePositions() []float64 {
	rel := make([]float64, len(g.Nodes))
	if len(g.Nodes) == 0 {
		return rel
	}
	wg := g.weighted()
	for _, comp := range g.Components() {
		root := g.Root(comp)
		shortest := path.DijkstraFrom(simple.Node(root), wg)
		maxDepth := 0.0
		for _, id := range comp {
			if d := shortest.WeightTo(int64(id)); d > maxDepth && !math.IsInf(d, 1) {
				maxDepth = d
			}
		}
		if maxDepth == 0 {
			continue
		}
		for _, id := range comp {
			rel[id] = shortest.WeightTo(int64(id)) / maxDepth
		}
	}
	return rel
}

// spanningForest returns the set of build-edge indices kept by a maximum
// spanning forest over the given weighted edges. Dropping the remaining
// edges breaks every cycle at its shortest branch.
func spanningForest(nodes []int, edges []forestEdge) map[int]bool {
	src := simple.NewWeightedUndirectedGraph(0, math.Inf(1))
	for _, n := range nodes {
		src.AddNode(simple.Node(n))
	}
	byPair := make(map[[2]int]int, len(edges))
	for _, e := range edges {
		// Kruskal yields a minimum forest; negate to keep long branches.
		src.SetWeightedEdge(src.NewWeightedEdge(simple.Node(e.a), simple.Node(e.b), -e.length))
		byPair[pairKey(e.a, e.b)] = e.index
	}

	dst := simple.NewWeightedUndirectedGraph(0, math.Inf(1))
	path.Kruskal(dst, src)

	kept := make(map[int]bool, len(edges))
	it := dst.Edges()
	for it.Next() {
		e := it.Edge()
		kept[byPair[pairKey(int(e.From().ID()), int(e.To().ID()))]] = true
	}
	return kept
}

// forestEdge is the input to spanningForest.
type forestEdge struct {
	index  int
	a, b   int
	length float64
}

func pairKey(a, b int) [2]int {
	if a > b {
		a, b = b, a
	}
	return [2]int{a, b}
}
