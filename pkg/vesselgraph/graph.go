// Package vesselgraph converts a vessel skeleton into a forest of branch
// segments joined at endpoint and junction nodes.
package vesselgraph

import (
	"fmt"
	"image"
	"math"

	"gonum.org/v1/gonum/spatial/r2"
)

// NodeKind classifies graph nodes.
type NodeKind int

const (
	// Endpoint nodes terminate exactly one branch
	Endpoint NodeKind = iota
	// Junction nodes join three or more branches
	Junction
)

func (k NodeKind) String() string {
	if k == Junction {
		return "junction"
	}
	return "endpoint"
}

// BranchType describes where a branch sits in its tree.
type BranchType string

const (
	// BranchTerminal runs from a junction to a free end
	BranchTerminal BranchType = "terminal"
	// BranchParent joins two junctions
	BranchParent BranchType = "parent"
	// BranchIsolated has free ends on both sides
	BranchIsolated BranchType = "isolated"
)

// Node is an endpoint or junction of the vessel graph.
type Node struct {
	ID   int
	Kind NodeKind

	// Pos is the centroid of the node's skeleton pixels
	Pos r2.Vec

	// Pixels are the skeleton pixels merged into this node
	Pixels []image.Point
}

// Edge is a branch segment between two nodes.
type Edge struct {
	ID   int
	From int
	To   int

	// Path is the ordered skeleton polyline from node From to node To
	Path []image.Point

	// Length is the path length in pixels (not the chord length)
	Length float64

	// Diameters holds the local distance-transform diameter at each path pixel
	Diameters []float64

	// Diameter is the representative diameter: the vessel area nearest the
	// middle half of the path divided by its length, away from junction
	// blobs and tapered ends
	Diameter float64
}

// Graph is a forest of vessel trees extracted from one image.
type Graph struct {
	Width  int
	Height int
	Nodes  []Node
	Edges  []Edge
}

// Incident returns the IDs of the edges touching node id.
func (g *Graph) Incident(id int) []int {
	var out []int
	for _, e := range g.Edges {
		if e.From == id || e.To == id {
			out = append(out, e.ID)
		}
	}
	return out
}

// Degree returns the number of edges touching node id.
func (g *Graph) Degree(id int) int {
	return len(g.Incident(id))
}

// Other returns the node at the far end of edge e from node id.
func (g *Graph) Other(e, id int) int {
	if g.Edges[e].From == id {
		return g.Edges[e].To
	}
	return g.Edges[e].From
}

// OrientedPath returns the path of edge e starting at node from.
func (g *Graph) OrientedPath(e, from int) []image.Point {
	edge := g.Edges[e]
	if edge.From == from {
		return edge.Path
	}
	rev := make([]image.Point, len(edge.Path))
	for i, p := range edge.Path {
		rev[len(rev)-1-i] = p
	}
	return rev
}

// Junctions returns the IDs of all junction nodes.
func (g *Graph) Junctions() []int {
	var out []int
	for _, n := range g.Nodes {
		if n.Kind == Junction {
			out = append(out, n.ID)
		}
	}
	return out
}

// TotalLength returns the summed path length of all branches.
func (g *Graph) TotalLength() float64 {
	total := 0.0
	for _, e := range g.Edges {
		total += e.Length
	}
	return total
}

// LongestEdge returns the ID of the longest branch, or -1 for an empty graph.
func (g *Graph) LongestEdge() int {
	best := -1
	for _, e := range g.Edges {
		if best < 0 || e.Length > g.Edges[best].Length {
			best = e.ID
		}
	}
	return best
}

// BranchType classifies edge e by the kinds of its end nodes.
func (g *Graph) BranchType(e int) BranchType {
	edge := g.Edges[e]
	from, to := g.Nodes[edge.From].Kind, g.Nodes[edge.To].Kind
	switch {
	case from == Endpoint && to == Endpoint:
		return BranchIsolated
	case from == Junction && to == Junction:
		return BranchParent
	default:
		return BranchTerminal
	}
}

// Validate checks the structural invariants of the graph: every edge joins
// two existing nodes, endpoints have degree one, junctions degree three or
// more, and every component is a tree.
func (g *Graph) Validate() error {
	for i, n := range g.Nodes {
		if n.ID != i {
			return fmt.Errorf("node %d has id %d", i, n.ID)
		}
		deg := g.Degree(i)
		switch {
		case n.Kind == Endpoint && deg != 1:
			return fmt.Errorf("endpoint %d has degree %d", i, deg)
		case n.Kind == Junction && deg < 3:
			return fmt.Errorf("junction %d has degree %d", i, deg)
		}
	}
	for i, e := range g.Edges {
		if e.ID != i {
			return fmt.Errorf("edge %d has id %d", i, e.ID)
		}
		if e.From < 0 || e.From >= len(g.Nodes) || e.To < 0 || e.To >= len(g.Nodes) {
			return fmt.Errorf("edge %d references a missing node", i)
		}
		if e.From == e.To {
			return fmt.Errorf("edge %d is a self-loop", i)
		}
	}
	for _, comp := range g.Components() {
		edges := 0
		inComp := make(map[int]bool, len(comp))
		for _, id := range comp {
			inComp[id] = true
		}
		for _, e := range g.Edges {
			if inComp[e.From] {
				edges++
			}
		}
		if edges != len(comp)-1 {
			return fmt.Errorf("component with %d nodes has %d edges", len(comp), edges)
		}
	}
	return nil
}

// pathLength sums the Euclidean steps along a pixel path.
func pathLength(path []image.Point) float64 {
	total := 0.0
	for i := 1; i < len(path); i++ {
		dx := float64(path[i].X - path[i-1].X)
		dy := float64(path[i].Y - path[i-1].Y)
		total += math.Hypot(dx, dy)
	}
	return total
}

// centroid returns the mean position of pixels.
func centroid(pixels []image.Point) r2.Vec {
	var c r2.Vec
	for _, p := range pixels {
		c.X += float64(p.X)
		c.Y += float64(p.Y)
	}
	return r2.Scale(1/float64(len(pixels)), c)
}
