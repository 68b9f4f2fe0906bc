package vesselgraph

import (
	"gonum.org/v1/gonum/spatial/kdtree"
)

// junctionPoint is a junction cluster centroid indexed for merging.
type junctionPoint struct {
	X, Y float64
	Node int
}

// Compare implements the kdtree.Comparable interface
func (p junctionPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(junctionPoint)
	switch d {
	case 0:
		return p.X - q.X
	case 1:
		return p.Y - q.Y
	default:
		panic("illegal dimension")
	}
}

// Dims returns the number of dimensions for the KD-tree
func (p junctionPoint) Dims() int { return 2 }

// Distance returns the squared Euclidean distance between two points
func (p junctionPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(junctionPoint)
	dx := p.X - q.X
	dy := p.Y - q.Y
	return dx*dx + dy*dy
}

// junctionPoints is a collection of junctionPoint that satisfies kdtree.Interface
type junctionPoints []junctionPoint

func (p junctionPoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p junctionPoints) Len() int                              { return len(p) }
func (p junctionPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot implements the kdtree.Interface method
func (p junctionPoints) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(junctionPlane{junctionPoints: p, Dim: d}, kdtree.MedianOfRandoms(junctionPlane{junctionPoints: p, Dim: d}, 100))
}

// junctionPlane implements sort.Interface and kdtree.SortSlicer for junctionPoints
type junctionPlane struct {
	junctionPoints
	kdtree.Dim
}

func (p junctionPlane) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.junctionPoints[i].X < p.junctionPoints[j].X
	case 1:
		return p.junctionPoints[i].Y < p.junctionPoints[j].Y
	default:
		panic("illegal dimension")
	}
}

func (p junctionPlane) Slice(start, end int) kdtree.SortSlicer {
	return junctionPlane{junctionPoints: p.junctionPoints[start:end], Dim: p.Dim}
}

func (p junctionPlane) Swap(i, j int) {
	p.junctionPoints[i], p.junctionPoints[j] = p.junctionPoints[j], p.junctionPoints[i]
}

// mergeGroups returns, for each input point, the representative node of
// the group it belongs to after transitively merging points closer than
// threshold.
func mergeGroups(points []junctionPoint, threshold float64) map[int]int {
	parent := make(map[int]int, len(points))
	for _, p := range points {
		parent[p.Node] = p.Node
	}
	var find func(int) int
	find = func(x int) int {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}
	if len(points) < 2 || threshold <= 0 {
		return parent
	}

	tree := kdtree.New(junctionPoints(append([]junctionPoint(nil), points...)), true)
	for _, p := range points {
		keeper := kdtree.NewDistKeeper(threshold * threshold)
		tree.NearestSet(keeper, p)
		for _, item := range keeper.Heap {
			if item.Comparable == nil {
				continue
			}
			q := item.Comparable.(junctionPoint)
			a, b := find(p.Node), find(q.Node)
			if a == b {
				continue
			}
			if a < b {
				parent[b] = a
			} else {
				parent[a] = b
			}
		}
	}
	for id := range parent {
		parent[id] = find(id)
	}
	return parent
}
