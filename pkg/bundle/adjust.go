// Package bundle refines triangulated vessel points by minimising their
// total squared reprojection error over fixed C-arm projections.
package bundle

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"

	"coronary3d/pkg/carm"
	"coronary3d/pkg/config"
	"coronary3d/pkg/logging"
)

// maxStepTries bounds the damping increases tried per point and iteration.
const maxStepTries = 5

// Observation is a 2D sighting of a point in one camera.
type Observation struct {
	Camera int
	Point  r2.Vec
}

// Track is a 3D point estimate with its observations.
type Track struct {
	X   r3.Vec
	Obs []Observation
}

// Result holds the refined points.
type Result struct {
	Points []r3.Vec

	// Residuals holds the reprojection error of each observation, per point
	Residuals [][]float64

	Iterations int
	Converged  bool

	// History is the total squared reprojection error before the first and
	// after every iteration; it never increases
	History []float64
}

// InitialError returns the total squared error before refinement.
func (r *Result) InitialError() float64 { return r.History[0] }

// FinalError returns the total squared error after refinement.
func (r *Result) FinalError() float64 { return r.History[len(r.History)-1] }

// MeanResidual returns the mean reprojection error over all observations.
func (r *Result) MeanResidual() float64 {
	sum, n := 0.0, 0
	for _, rs := range r.Residuals {
		for _, v := range rs {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Adjuster runs Levenberg-Marquardt refinement with the cameras held fixed.
type Adjuster struct {
	cfg config.Bundle
}

// New creates an Adjuster.
func New(cfg config.Bundle) *Adjuster {
	return &Adjuster{cfg: cfg}
}

// Adjust refines every track. With fixed cameras the problem separates per
// point, so each iteration takes one damped Gauss-Newton step per point and
// keeps it only if that point's error drops. Refinement stops when the
// relative decrease of the total error falls below the tolerance or after
// the configured number of iterations; hitting the cap is reported through
// Converged, not as an error.
func (a *Adjuster) Adjust(ctx context.Context, cams []*carm.Projection, tracks []Track) (*Result, error) {
	logger := logging.FromContext(ctx)
	for i, tr := range tracks {
		for _, o := range tr.Obs {
			if o.Camera < 0 || o.Camera >= len(cams) {
				return nil, fmt.Errorf("bundle: track %d references camera %d of %d", i, o.Camera, len(cams))
			}
		}
	}

	res := &Result{Points: make([]r3.Vec, len(tracks))}
	damping := make([]float64, len(tracks))
	errs := make([]float64, len(tracks))
	total := 0.0
	for i, tr := range tracks {
		res.Points[i] = tr.X
		damping[i] = a.cfg.InitialDamping
		errs[i] = squaredError(cams, tr.Obs, tr.X)
		total += errs[i]
	}
	res.History = append(res.History, total)

	if len(tracks) == 0 || total == 0 {
		res.Converged = true
		res.Residuals = residuals(cams, tracks, res.Points)
		return res, nil
	}

	for iter := 0; iter < a.cfg.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for i, tr := range tracks {
			res.Points[i], errs[i], damping[i] = a.step(cams, tr.Obs, res.Points[i], errs[i], damping[i])
		}

		prev := total
		total = 0
		for _, e := range errs {
			total += e
		}
		res.History = append(res.History, total)
		res.Iterations = iter + 1

		if prev == 0 || (prev-total)/prev < a.cfg.ConvergenceTol {
			res.Converged = true
			break
		}
	}

	res.Residuals = residuals(cams, tracks, res.Points)
	logger.Debug("bundle adjustment finished",
		"points", len(tracks),
		"iterations", res.Iterations,
		"converged", res.Converged,
		"initial", res.InitialError(),
		"final", res.FinalError())
	return res, nil
}

// step tries damped Gauss-Newton updates of one point and returns the
// accepted position, its error and the new damping.
func (a *Adjuster) step(cams []*carm.Projection, obs []Observation, x r3.Vec, cur, lambda float64) (r3.Vec, float64, float64) {
	jtj, jtr := normalEquations(cams, obs, x)

	for try := 0; try < maxStepTries; try++ {
		lhs := mat.NewDense(3, 3, nil)
		lhs.Copy(jtj)
		for d := 0; d < 3; d++ {
			lhs.Set(d, d, jtj.At(d, d)*(1+lambda))
		}
		var delta mat.VecDense
		if err := delta.SolveVec(lhs, jtr); err != nil {
			lambda *= 10
			continue
		}
		cand := r3.Vec{X: x.X - delta.AtVec(0), Y: x.Y - delta.AtVec(1), Z: x.Z - delta.AtVec(2)}
		if e := squaredError(cams, obs, cand); e < cur {
			return cand, e, math.Max(lambda/10, 1e-12)
		}
		lambda *= 10
	}
	return x, cur, lambda
}

// normalEquations returns JᵀJ and Jᵀr for the reprojection residuals of x.
func normalEquations(cams []*carm.Projection, obs []Observation, x r3.Vec) (*mat.Dense, *mat.VecDense) {
	jtj := mat.NewDense(3, 3, nil)
	jtr := mat.NewVecDense(3, nil)
	for _, o := range obs {
		p := cams[o.Camera].P
		h := [3]float64{}
		for i := 0; i < 3; i++ {
			h[i] = p.At(i, 0)*x.X + p.At(i, 1)*x.Y + p.At(i, 2)*x.Z + p.At(i, 3)
		}
		w := h[2]
		res := [2]float64{h[0]/w - o.Point.X, h[1]/w - o.Point.Y}
		var jac [2][3]float64
		for r := 0; r < 2; r++ {
			for c := 0; c < 3; c++ {
				jac[r][c] = (p.At(r, c)*w - h[r]*p.At(2, c)) / (w * w)
			}
		}
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				jtj.Set(i, j, jtj.At(i, j)+jac[0][i]*jac[0][j]+jac[1][i]*jac[1][j])
			}
			jtr.SetVec(i, jtr.AtVec(i)+jac[0][i]*res[0]+jac[1][i]*res[1])
		}
	}
	return jtj, jtr
}

func squaredError(cams []*carm.Projection, obs []Observation, x r3.Vec) float64 {
	sum := 0.0
	for _, o := range obs {
		d := r2.Sub(cams[o.Camera].Project(x), o.Point)
		sum += r2.Norm2(d)
	}
	return sum
}

func residuals(cams []*carm.Projection, tracks []Track, points []r3.Vec) [][]float64 {
	out := make([][]float64, len(tracks))
	for i, tr := range tracks {
		out[i] = make([]float64, len(tr.Obs))
		for j, o := range tr.Obs {
			out[i][j] = r2.Norm(r2.Sub(cams[o.Camera].Project(points[i]), o.Point))
		}
	}
	return out
}
