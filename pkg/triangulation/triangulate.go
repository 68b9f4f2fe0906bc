// Package triangulation recovers 3D points from matched 2D projections with
// the direct linear transform.
package triangulation

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"

	"coronary3d/pkg/carm"
	"coronary3d/pkg/config"
)

// Point is a triangulated 3D point.
type Point struct {
	X r3.Vec

	// Residuals are the reprojection errors in pixels, one per observation
	Residuals []float64

	// Condition is σ3/σ1 of the normalised linear system; small values mean
	// the viewing rays are close to parallel
	Condition float64

	// Degenerate is set when Condition is below the configured limit
	Degenerate bool
}

// MeanResidual returns the mean reprojection error of p.
func (p Point) MeanResidual() float64 {
	if len(p.Residuals) == 0 {
		return 0
	}
	sum := 0.0
	for _, r := range p.Residuals {
		sum += r
	}
	return sum / float64(len(p.Residuals))
}

// Triangulator solves for 3D points given camera projections.
type Triangulator struct {
	cfg   config.Triangulation
	scale float64
}

// New creates a Triangulator. sceneScale is the typical distance of the
// scene from the sources (millimetres) and conditions the linear system.
func New(cfg config.Triangulation, sceneScale float64) *Triangulator {
	if sceneScale <= 0 {
		sceneScale = 1
	}
	return &Triangulator{cfg: cfg, scale: sceneScale}
}

// Triangulate returns the point minimising the algebraic error of
// x_i × (P_i X) = 0 over all observations. Near-parallel rays are flagged
// Degenerate, not rejected.
func (t *Triangulator) Triangulate(projs []*carm.Projection, obs []r2.Vec) (Point, error) {
	if len(projs) != len(obs) {
		return Point{}, fmt.Errorf("triangulate: %d projections for %d observations", len(projs), len(obs))
	}
	if len(obs) < 2 {
		return Point{}, fmt.Errorf("triangulate: need at least 2 observations, got %d", len(obs))
	}

	a := mat.NewDense(2*len(obs), 4, nil)
	for i, p := range projs {
		u, v := obs[i].X, obs[i].Y
		for j := 0; j < 4; j++ {
			a.Set(2*i, j, u*p.P.At(2, j)-p.P.At(0, j))
			a.Set(2*i+1, j, v*p.P.At(2, j)-p.P.At(1, j))
		}
	}
	// Express X in scene units so all four columns are comparable, then
	// give every equation unit weight.
	for r := 0; r < a.RawMatrix().Rows; r++ {
		for j := 0; j < 3; j++ {
			a.Set(r, j, a.At(r, j)*t.scale)
		}
		row := a.RawRowView(r)
		if n := floats.Norm(row, 2); n > 0 {
			for j := range row {
				row[j] /= n
			}
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFull); !ok {
		return Point{}, fmt.Errorf("triangulate: SVD did not converge")
	}
	sv := svd.Values(nil)
	var v mat.Dense
	svd.VTo(&v)

	// The solution is the right singular vector of the smallest value.
	w := v.At(3, 3)
	if math.Abs(w) < 1e-12 {
		return Point{}, fmt.Errorf("triangulate: point at infinity")
	}
	x := r3.Vec{
		X: v.At(0, 3) / w * t.scale,
		Y: v.At(1, 3) / w * t.scale,
		Z: v.At(2, 3) / w * t.scale,
	}

	pt := Point{X: x, Residuals: Residuals(projs, obs, x)}
	if sv[0] > 0 {
		pt.Condition = sv[2] / sv[0]
	}
	pt.Degenerate = pt.Condition < t.cfg.DegenerateCondition
	return pt, nil
}

// Residuals returns the reprojection error of x in every view.
func Residuals(projs []*carm.Projection, obs []r2.Vec, x r3.Vec) []float64 {
	out := make([]float64, len(obs))
	for i, p := range projs {
		out[i] = r2.Norm(r2.Sub(p.Project(x), obs[i]))
	}
	return out
}
