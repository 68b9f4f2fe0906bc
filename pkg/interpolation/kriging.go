// Package interpolation resamples 3D vessel centerlines by ordinary kriging
// along arc length. With a nugget effect the estimate filters the noise of
// triangulated points instead of passing through each of them.
package interpolation

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// VariogramModel selects the shape of the semivariogram.
type VariogramModel int

const (
	Spherical VariogramModel = iota
	Exponential
	Gaussian
)

// Params holds the variogram and neighbourhood parameters.
type Params struct {
	Model VariogramModel

	// Range is the correlation length along the centerline in mm
	Range  float64
	Sill   float64
	Nugget float64

	// Neighbors is the number of samples used for each estimate
	Neighbors int
}

// DefaultParams returns parameters suited to centerlines sampled about
// every millimetre.
func DefaultParams() Params {
	return Params{
		Model:     Gaussian,
		Range:     6,
		Sill:      1,
		Nugget:    0.05,
		Neighbors: 8,
	}
}

// Kriging estimates centerline positions from nearby samples.
type Kriging struct {
	params Params
}

// New creates a Kriging estimator. Neighbors below 2 is raised to 2.
func New(params Params) *Kriging {
	if params.Neighbors < 2 {
		params.Neighbors = 2
	}
	return &Kriging{params: params}
}

// structured is the variogram without the nugget.
func (k *Kriging) structured(h float64) float64 {
	p := k.params
	switch p.Model {
	case Spherical:
		if h >= p.Range {
			return p.Sill
		}
		r := h / p.Range
		return p.Sill * (1.5*r - 0.5*r*r*r)
	case Exponential:
		return p.Sill * (1 - math.Exp(-3*h/p.Range))
	default:
		return p.Sill * (1 - math.Exp(-3*h*h/(p.Range*p.Range)))
	}
}

// variogram returns the semivariance at lag h; zero at h = 0.
func (k *Kriging) variogram(h float64) float64 {
	if h == 0 {
		return 0
	}
	return k.params.Nugget + k.structured(h)
}

// Resample returns path at uniform arc-length spacing (the last step is
// adjusted so the end is hit exactly). The first and last points are kept;
// interior points are kriging estimates from the nearest samples.
//
// Parameters:
//   - path: ordered centerline points
//   - spacing: target distance between output points, in path units
//
// Returns:
//   - The resampled polyline; a copy of path when it has fewer than 2
//     points, zero length, or spacing is not positive
func (k *Kriging) Resample(path []r3.Vec, spacing float64) []r3.Vec {
	out := append([]r3.Vec(nil), path...)
	if len(path) < 2 || spacing <= 0 {
		return out
	}

	s := make([]float64, len(path))
	for i := 1; i < len(path); i++ {
		s[i] = s[i-1] + r3.Norm(r3.Sub(path[i], path[i-1]))
	}
	total := s[len(s)-1]
	if total == 0 {
		return out
	}

	n := int(math.Ceil(total / spacing))
	step := total / float64(n)
	out = make([]r3.Vec, 0, n+1)
	out = append(out, path[0])
	for j := 1; j < n; j++ {
		out = append(out, k.estimate(path, s, float64(j)*step))
	}
	return append(out, path[len(path)-1])
}

// estimate solves the ordinary kriging system for the arc-length position t.
// The right-hand side keeps the nugget at zero lag, which filters the
// uncorrelated noise instead of reproducing it.
func (k *Kriging) estimate(path []r3.Vec, s []float64, t float64) r3.Vec {
	idx := k.neighbors(s, t)
	m := len(idx)

	a := mat.NewDense(m+1, m+1, nil)
	b := mat.NewVecDense(m+1, nil)
	for i, pi := range idx {
		for j, pj := range idx {
			a.Set(i, j, k.variogram(math.Abs(s[pi]-s[pj])))
		}
		a.Set(i, m, 1)
		a.Set(m, i, 1)
		b.SetVec(i, k.params.Nugget+k.structured(math.Abs(s[pi]-t)))
	}
	b.SetVec(m, 1)

	var w mat.VecDense
	if err := w.SolveVec(a, b); err != nil {
		return path[idx[0]]
	}

	var est r3.Vec
	for i, pi := range idx {
		est = r3.Add(est, r3.Scale(w.AtVec(i), path[pi]))
	}
	return est
}

// neighbors returns the indices of the samples nearest to t in arc length,
// nearest first.
func (k *Kriging) neighbors(s []float64, t float64) []int {
	want := min(k.params.Neighbors, len(s))
	hi := sort.SearchFloat64s(s, t)
	lo := hi - 1

	idx := make([]int, 0, want)
	for len(idx) < want {
		switch {
		case lo < 0:
			idx = append(idx, hi)
			hi++
		case hi >= len(s):
			idx = append(idx, lo)
			lo--
		case t-s[lo] <= s[hi]-t:
			idx = append(idx, lo)
			lo--
		default:
			idx = append(idx, hi)
			hi++
		}
	}
	return idx
}
