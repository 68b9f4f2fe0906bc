// Package bifurcation analyses the junctions of a vessel graph: it picks the
// parent branch, measures the branching angle and checks the diameters
// against Murray's cube law.
package bifurcation

import (
	"image"
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/r2"

	"coronary3d/pkg/config"
	"coronary3d/pkg/vesselgraph"
)

// Kind classifies a junction by its degree.
type Kind string

const (
	// KindBifurcation is a junction with exactly three branches
	KindBifurcation Kind = "bifurcation"
	// KindComplex is a junction with more than three branches
	KindComplex Kind = "complex"
	// KindDegenerate is a junction with fewer than three branches
	KindDegenerate Kind = "degenerate"
)

// Bifurcation describes one analysed junction.
type Bifurcation struct {
	Node     int    `json:"node"`
	Position r2.Vec `json:"position"`
	Kind     Kind   `json:"kind"`
	Degree   int    `json:"degree"`

	// Parent and Children are edge IDs; -1 when not assigned
	Parent   int    `json:"parent"`
	Children [2]int `json:"children"`

	ParentDiameter float64    `json:"parent_diameter"`
	ChildDiameters [2]float64 `json:"child_diameters"`

	// Angle between the two child directions, in degrees
	Angle float64 `json:"angle"`

	// MurrayRatio is the parent diameter over the cube-law prediction
	MurrayRatio float64 `json:"murray_ratio"`

	// Checked reports whether the cube law was evaluated
	Checked bool `json:"checked"`
	Valid   bool `json:"valid"`
}

// Analyzer evaluates the junctions of vessel graphs.
type Analyzer struct {
	cfg config.Bifurcation
}

// NewAnalyzer creates an Analyzer.
func NewAnalyzer(cfg config.Bifurcation) *Analyzer {
	return &Analyzer{cfg: cfg}
}

// Analyze reports every junction of g. Three-way junctions are validated
// against the cube law; others are reported as complex or degenerate.
// Invalid bifurcations are kept with Valid unset.
func (a *Analyzer) Analyze(g *vesselgraph.Graph) []Bifurcation {
	var out []Bifurcation
	for _, n := range g.Nodes {
		deg := g.Degree(n.ID)
		if n.Kind != vesselgraph.Junction && deg == 1 {
			continue
		}
		b := Bifurcation{
			Node:     n.ID,
			Position: n.Pos,
			Degree:   deg,
			Parent:   -1,
			Children: [2]int{-1, -1},
		}
		switch {
		case deg > 3:
			b.Kind = KindComplex
		case deg < 3:
			b.Kind = KindDegenerate
		default:
			b.Kind = KindBifurcation
			a.evaluate(g, n.ID, &b)
		}
		out = append(out, b)
	}
	return out
}

// evaluate assigns parent and children of a three-way junction and checks it.
func (a *Analyzer) evaluate(g *vesselgraph.Graph, node int, b *Bifurcation) {
	edges := g.Incident(node)
	tangents := make([]r2.Vec, len(edges))
	diams := make([]float64, len(edges))
	for i, e := range edges {
		tangents[i] = Tangent(g.OrientedPath(e, node), a.cfg.TangentWindow)
		diams[i] = g.Edges[e].Diameter
	}

	parent := a.pickParent(diams, tangents)
	var kids []int
	for i := range edges {
		if i != parent {
			kids = append(kids, i)
		}
	}

	b.Parent = edges[parent]
	b.Children = [2]int{edges[kids[0]], edges[kids[1]]}
	b.ParentDiameter = diams[parent]
	b.ChildDiameters = [2]float64{diams[kids[0]], diams[kids[1]]}
	b.Angle = AngleDegrees(tangents[kids[0]], tangents[kids[1]])

	if b.ParentDiameter > 0 && b.ChildDiameters[0] > 0 && b.ChildDiameters[1] > 0 {
		b.Checked = true
		b.MurrayRatio, b.Valid = a.CheckMurray(b.ParentDiameter, b.ChildDiameters[0], b.ChildDiameters[1])
	}
}

// pickParent returns the index of the widest branch. When the two widest
// are within the ambiguity margin, it returns the branch pointing most
// directly against the other two, i.e. the inflow direction.
func (a *Analyzer) pickParent(diams []float64, tangents []r2.Vec) int {
	order := make([]int, len(diams))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool { return diams[order[i]] > diams[order[j]] })
	widest, second := diams[order[0]], diams[order[1]]
	if widest > 0 && (widest-second)/widest > a.cfg.DiameterAmbiguity {
		return order[0]
	}

	best, bestCos := 0, math.Inf(1)
	for i := range tangents {
		var rest r2.Vec
		for j := range tangents {
			if j != i {
				rest = r2.Add(rest, unit(tangents[j]))
			}
		}
		c := r2.Dot(unit(tangents[i]), unit(rest))
		if c < bestCos {
			best, bestCos = i, c
		}
	}
	return best
}

// CheckMurray returns the cube-law ratio and whether it lies within the
// configured tolerance of one.
func (a *Analyzer) CheckMurray(parent, child1, child2 float64) (float64, bool) {
	ratio := MurrayRatio(parent, child1, child2)
	return ratio, math.Abs(ratio-1) <= a.cfg.MurrayTolerance
}

// MurrayRatio returns parent / cbrt(child1³ + child2³).
func MurrayRatio(parent, child1, child2 float64) float64 {
	expected := math.Cbrt(child1*child1*child1 + child2*child2*child2)
	if expected == 0 {
		return math.Inf(1)
	}
	return parent / expected
}

// Tangent estimates the initial direction of a path from its first window
// pixels. The result is not normalised.
func Tangent(path []image.Point, window int) r2.Vec {
	if len(path) < 2 {
		return r2.Vec{}
	}
	k := window
	if k < 1 {
		k = 1
	}
	if k > len(path)-1 {
		k = len(path) - 1
	}
	return r2.Vec{
		X: float64(path[k].X - path[0].X),
		Y: float64(path[k].Y - path[0].Y),
	}
}

// AngleDegrees returns the angle between two directions in degrees.
func AngleDegrees(u, v r2.Vec) float64 {
	nu, nv := r2.Norm(u), r2.Norm(v)
	if nu == 0 || nv == 0 {
		return 0
	}
	c := r2.Dot(u, v) / (nu * nv)
	c = math.Max(-1, math.Min(1, c))
	return math.Acos(c) * 180 / math.Pi
}

// CountInvalid returns how many checked bifurcations failed the cube law.
func CountInvalid(bs []Bifurcation) int {
	n := 0
	for _, b := range bs {
		if b.Checked && !b.Valid {
			n++
		}
	}
	return n
}

func unit(v r2.Vec) r2.Vec {
	n := r2.Norm(v)
	if n == 0 {
		return v
	}
	return r2.Scale(1/n, v)
}
