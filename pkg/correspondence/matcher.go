// Package correspondence finds the same vessel landmarks in several views:
// graph nodes are paired under the epipolar constraint, chained across
// views, and matched branches are sampled into point correspondences.
package correspondence

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r2"

	"coronary3d/pkg/carm"
	"coronary3d/pkg/config"
	"coronary3d/pkg/triangulation"
	"coronary3d/pkg/vesselgraph"
)

// View is one image's vessel graph with its projection.
type View struct {
	Graph *vesselgraph.Graph
	Proj  *carm.Projection
}

// NodeRef identifies a node of one view.
type NodeRef struct {
	View int
	Node int
}

// Observation is a 2D point seen in one view.
type Observation struct {
	View  int
	Point r2.Vec
}

// PairMatch is a node match between two views.
type PairMatch struct {
	A, B     NodeRef
	Distance float64
	Score    float64
}

// Correspondence is a landmark matched across at least two views, with at
// most one node per view.
type Correspondence struct {
	Members []NodeRef
	Kind    vesselgraph.NodeKind
	Score   float64
}

// Member returns the node of view v, if the correspondence has one.
func (c *Correspondence) Member(v int) (int, bool) {
	for _, m := range c.Members {
		if m.View == v {
			return m.Node, true
		}
	}
	return 0, false
}

// Matcher matches landmarks and branches across views.
type Matcher struct {
	cfg config.Matching
	tri *triangulation.Triangulator
}

// NewMatcher creates a Matcher. tri is used to check chained correspondences.
func NewMatcher(cfg config.Matching, tri *triangulation.Triangulator) *Matcher {
	return &Matcher{cfg: cfg, tri: tri}
}

// fundamentals caches F for every ordered view pair.
type fundamentals struct {
	projs []*carm.Projection
	cache map[[2]int]*mat.Dense
}

func newFundamentals(projs []*carm.Projection) *fundamentals {
	return &fundamentals{projs: projs, cache: make(map[[2]int]*mat.Dense)}
}

func (f *fundamentals) get(a, b int) *mat.Dense {
	key := [2]int{a, b}
	if m, ok := f.cache[key]; ok {
		return m
	}
	m := carm.Fundamental(f.projs[a], f.projs[b])
	f.cache[key] = m
	return m
}

// MatchPair proposes node matches between views a and b. Candidates must
// be of the same kind and lie within the epipolar tolerance; they are
// scored by epipolar fit, degree agreement and relative tree position and
// assigned greedily so that no node is used twice.
func (m *Matcher) MatchPair(views []View, a, b int) []PairMatch {
	return m.matchPair(views, a, b, newFundamentals(projections(views)), relativePositions(views))
}

func (m *Matcher) matchPair(views []View, a, b int, fs *fundamentals, rel [][]float64) []PairMatch {
	ga, gb := views[a].Graph, views[b].Graph
	f := fs.get(a, b)
	epiWeight := 1 - m.cfg.DegreeWeight - m.cfg.PositionWeight

	var cands []PairMatch
	for _, na := range ga.Nodes {
		degA := ga.Degree(na.ID)
		for _, nb := range gb.Nodes {
			if na.Kind != nb.Kind {
				continue
			}
			d := carm.SymmetricDistance(f, na.Pos, nb.Pos)
			if d > m.cfg.EpipolarTolerancePx {
				continue
			}
			degScore := 0.0
			if degA == gb.Degree(nb.ID) {
				degScore = 1
			}
			posScore := 1 - math.Abs(rel[a][na.ID]-rel[b][nb.ID])
			score := epiWeight*(1-d/m.cfg.EpipolarTolerancePx) +
				m.cfg.DegreeWeight*degScore +
				m.cfg.PositionWeight*posScore
			cands = append(cands, PairMatch{
				A:        NodeRef{View: a, Node: na.ID},
				B:        NodeRef{View: b, Node: nb.ID},
				Distance: d,
				Score:    score,
			})
		}
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].Score > cands[j].Score })

	usedA := make(map[int]bool)
	usedB := make(map[int]bool)
	var out []PairMatch
	for _, c := range cands {
		if usedA[c.A.Node] || usedB[c.B.Node] {
			continue
		}
		usedA[c.A.Node] = true
		usedB[c.B.Node] = true
		out = append(out, c)
	}
	return out
}

// MatchNodes matches landmarks across all views. Pairwise matches are
// merged highest score first into multi-view correspondences; a merge is
// refused when it would put two nodes of one view together or when the
// joint triangulation does not reproject within the chain tolerance.
// Correspondences seen in fewer than two views are dropped.
func (m *Matcher) MatchNodes(views []View) []Correspondence {
	fs := newFundamentals(projections(views))
	rel := relativePositions(views)

	var pairs []PairMatch
	for a := 0; a < len(views); a++ {
		for b := a + 1; b < len(views); b++ {
			pairs = append(pairs, m.matchPair(views, a, b, fs, rel)...)
		}
	}
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].Score > pairs[j].Score })

	clusterOf := make(map[NodeRef]int)
	var clusters []*Correspondence
	find := func(r NodeRef, kind vesselgraph.NodeKind) int {
		if id, ok := clusterOf[r]; ok {
			return id
		}
		clusters = append(clusters, &Correspondence{Members: []NodeRef{r}, Kind: kind})
		clusterOf[r] = len(clusters) - 1
		return len(clusters) - 1
	}

	for _, p := range pairs {
		kind := views[p.A.View].Graph.Nodes[p.A.Node].Kind
		ca, cb := find(p.A, kind), find(p.B, kind)
		if ca == cb {
			continue
		}
		merged := append(append([]NodeRef(nil), clusters[ca].Members...), clusters[cb].Members...)
		if !distinctViews(merged) || !m.consistent(views, merged) {
			continue
		}
		clusters[ca].Members = merged
		clusters[ca].Score += clusters[cb].Score + p.Score
		for _, r := range clusters[cb].Members {
			clusterOf[r] = ca
		}
		clusters[cb].Members = nil
	}

	var out []Correspondence
	for _, c := range clusters {
		if len(c.Members) < 2 {
			continue
		}
		sort.Slice(c.Members, func(i, j int) bool { return c.Members[i].View < c.Members[j].View })
		out = append(out, *c)
	}
	return out
}

// consistent triangulates the members jointly and checks the reprojection.
func (m *Matcher) consistent(views []View, members []NodeRef) bool {
	if m.tri == nil {
		return true
	}
	projs := make([]*carm.Projection, len(members))
	obs := make([]r2.Vec, len(members))
	for i, r := range members {
		projs[i] = views[r.View].Proj
		obs[i] = views[r.View].Graph.Nodes[r.Node].Pos
	}
	pt, err := m.tri.Triangulate(projs, obs)
	if err != nil {
		return false
	}
	for _, r := range pt.Residuals {
		if r > m.cfg.ChainTolerancePx {
			return false
		}
	}
	return true
}

func distinctViews(members []NodeRef) bool {
	seen := make(map[int]bool, len(members))
	for _, r := range members {
		if seen[r.View] {
			return false
		}
		seen[r.View] = true
	}
	return true
}

func projections(views []View) []*carm.Projection {
	out := make([]*carm.Projection, len(views))
	for i, v := range views {
		out[i] = v.Proj
	}
	return out
}

func relativePositions(views []View) [][]float64 {
	out := make([][]float64, len(views))
	for i, v := range views {
		out[i] = v.Graph.RelativePositions()
	}
	return out
}
