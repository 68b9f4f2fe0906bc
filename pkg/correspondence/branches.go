package correspondence

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r2"

	"coronary3d/pkg/carm"
	"coronary3d/pkg/vesselgraph"
)

// EdgeRef is one view's edge of a matched branch, with the direction it is
// traversed in.
type EdgeRef struct {
	View     int
	Edge     int
	Reversed bool
}

// BranchMatch is a vessel branch seen in at least two views, running from
// node correspondence Start to node correspondence End.
type BranchMatch struct {
	Start int
	End   int
	Edges []EdgeRef

	// Samples are point correspondences along the branch, ordered from
	// Start to End, excluding the end nodes themselves
	Samples [][]Observation
}

// Views returns the views the branch was matched in.
func (b *BranchMatch) Views() []int {
	out := make([]int, len(b.Edges))
	for i, e := range b.Edges {
		out[i] = e.View
	}
	return out
}

// MatchBranches finds, for every pair of node correspondences, the views
// in which a single edge joins the two member nodes, and samples the
// branch when it is present in at least two views.
func (m *Matcher) MatchBranches(views []View, nodes []Correspondence) []BranchMatch {
	fs := newFundamentals(projections(views))
	var out []BranchMatch
	for s := 0; s < len(nodes); s++ {
		for e := s + 1; e < len(nodes); e++ {
			var edges []EdgeRef
			for v := range views {
				a, okA := nodes[s].Member(v)
				b, okB := nodes[e].Member(v)
				if !okA || !okB {
					continue
				}
				if ref, ok := edgeBetween(views[v], v, a, b); ok {
					edges = append(edges, ref)
				}
			}
			if len(edges) < 2 {
				continue
			}
			lines := make(map[int][]r2.Vec, len(edges))
			for _, ref := range edges {
				lines[ref.View] = orientedPolyline(views[ref.View].Graph, ref)
			}
			out = append(out, BranchMatch{
				Start:   s,
				End:     e,
				Edges:   edges,
				Samples: m.samplePolylines(fs, edges[0].View, lines, false),
			})
		}
	}
	return out
}

// SampleBranch matches points along one branch traced in several views.
// lines maps a view index to the branch polyline in that view, all running
// in the same direction; projs is indexed by view.
func (m *Matcher) SampleBranch(projs []*carm.Projection, ref int, lines map[int][]r2.Vec, includeEnds bool) [][]Observation {
	return m.samplePolylines(newFundamentals(projs), ref, lines, includeEnds)
}

// samplePolylines walks the reference polyline every BranchSampleStepPx of
// arc length. For each sample it searches every other view's polyline,
// within BranchSearchWindow of the same arc-length fraction, for the point
// closest to the sample's epipolar line, and keeps it when it lies within
// the epipolar tolerance. Samples matched in at least one other view are
// returned, ordered along the branch.
func (m *Matcher) samplePolylines(fs *fundamentals, ref int, lines map[int][]r2.Vec, includeEnds bool) [][]Observation {
	refLine := lines[ref]
	refCum := cumulative(refLine)
	total := refCum[len(refCum)-1]
	if total == 0 || m.cfg.BranchSampleStepPx <= 0 {
		return nil
	}

	var arcs []float64
	if includeEnds {
		arcs = append(arcs, 0)
	}
	for s := m.cfg.BranchSampleStepPx; s < total-m.cfg.BranchSampleStepPx/2; s += m.cfg.BranchSampleStepPx {
		arcs = append(arcs, s)
	}
	if includeEnds {
		arcs = append(arcs, total)
	}

	others := make([]int, 0, len(lines))
	for v := range lines {
		if v != ref {
			others = append(others, v)
		}
	}
	sort.Ints(others)
	cums := make(map[int][]float64, len(others))
	for _, v := range others {
		cums[v] = cumulative(lines[v])
	}

	var out [][]Observation
	for _, s := range arcs {
		p := pointAt(refLine, refCum, s)
		frac := s / total
		obs := []Observation{{View: ref, Point: p}}
		for _, v := range others {
			q, d, ok := m.closestOnLine(fs.get(ref, v), p, lines[v], cums[v], frac)
			if ok && d <= m.cfg.EpipolarTolerancePx {
				obs = append(obs, Observation{View: v, Point: q})
			}
		}
		if len(obs) >= 2 {
			out = append(out, obs)
		}
	}
	return out
}

// closestOnLine finds the point of line, within the search window around
// fraction frac, nearest to the epipolar line of p.
func (m *Matcher) closestOnLine(f *mat.Dense, p r2.Vec, line []r2.Vec, cum []float64, frac float64) (r2.Vec, float64, bool) {
	total := cum[len(cum)-1]
	if len(line) == 0 || total == 0 {
		return r2.Vec{}, 0, false
	}
	epi := carm.EpipolarLine(f, p)
	norm := math.Hypot(epi[0], epi[1])
	if norm == 0 {
		return r2.Vec{}, 0, false
	}
	signed := func(x r2.Vec) float64 { return (epi[0]*x.X + epi[1]*x.Y + epi[2]) / norm }

	lo := (frac - m.cfg.BranchSearchWindow) * total
	hi := (frac + m.cfg.BranchSearchWindow) * total
	best, bestD, found := r2.Vec{}, math.Inf(1), false
	consider := func(x r2.Vec, arc float64) {
		if arc < lo || arc > hi {
			return
		}
		if d := math.Abs(signed(x)); d < bestD {
			best, bestD, found = x, d, true
		}
	}

	for i := 0; i < len(line); i++ {
		consider(line[i], cum[i])
		if i == 0 {
			continue
		}
		da, db := signed(line[i-1]), signed(line[i])
		if da*db < 0 {
			t := da / (da - db)
			x := r2.Add(line[i-1], r2.Scale(t, r2.Sub(line[i], line[i-1])))
			consider(x, cum[i-1]+t*(cum[i]-cum[i-1]))
		}
	}
	return best, bestD, found
}

// edgeBetween returns the edge of view v joining nodes a and b, oriented
// from a.
func edgeBetween(view View, v, a, b int) (EdgeRef, bool) {
	for _, e := range view.Graph.Edges {
		switch {
		case e.From == a && e.To == b:
			return EdgeRef{View: v, Edge: e.ID}, true
		case e.From == b && e.To == a:
			return EdgeRef{View: v, Edge: e.ID, Reversed: true}, true
		}
	}
	return EdgeRef{}, false
}

// orientedPolyline returns the pixel path of ref as a polyline in match order.
func orientedPolyline(g *vesselgraph.Graph, ref EdgeRef) []r2.Vec {
	path := g.Edges[ref.Edge].Path
	out := make([]r2.Vec, len(path))
	for i, p := range path {
		j := i
		if ref.Reversed {
			j = len(path) - 1 - i
		}
		out[j] = r2.Vec{X: float64(p.X), Y: float64(p.Y)}
	}
	return out
}

// cumulative returns the arc length at every vertex of line.
func cumulative(line []r2.Vec) []float64 {
	cum := make([]float64, len(line))
	for i := 1; i < len(line); i++ {
		cum[i] = cum[i-1] + r2.Norm(r2.Sub(line[i], line[i-1]))
	}
	if len(cum) == 0 {
		return []float64{0}
	}
	return cum
}

// pointAt interpolates line at arc length s.
func pointAt(line []r2.Vec, cum []float64, s float64) r2.Vec {
	if s <= 0 {
		return line[0]
	}
	i := sort.SearchFloat64s(cum, s)
	if i >= len(line) {
		return line[len(line)-1]
	}
	if i == 0 || cum[i] == cum[i-1] {
		return line[i]
	}
	t := (s - cum[i-1]) / (cum[i] - cum[i-1])
	return r2.Add(line[i-1], r2.Scale(t, r2.Sub(line[i], line[i-1])))
}
