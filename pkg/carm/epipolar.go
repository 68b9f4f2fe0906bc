package carm

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r2"
)

// Fundamental returns F with x2ᵀ F x1 = 0 for corresponding pixels x1 in
// view a and x2 in view b: F = [e2]ₓ P2 P1⁺.
func Fundamental(a, b *Projection) *mat.Dense {
	// P1⁺ = P1ᵀ (P1 P1ᵀ)⁻¹
	var ppt mat.Dense
	ppt.Mul(a.P, a.P.T())
	var inv mat.Dense
	if err := inv.Inverse(&ppt); err != nil {
		return mat.NewDense(3, 3, nil)
	}
	var pinv mat.Dense
	pinv.Mul(a.P.T(), &inv)

	c1 := mat.NewVecDense(4, []float64{a.Center.X, a.Center.Y, a.Center.Z, 1})
	var e2 mat.VecDense
	e2.MulVec(b.P, c1)
	ex := mat.NewDense(3, 3, []float64{
		0, -e2.AtVec(2), e2.AtVec(1),
		e2.AtVec(2), 0, -e2.AtVec(0),
		-e2.AtVec(1), e2.AtVec(0), 0,
	})

	var p2p1 mat.Dense
	p2p1.Mul(b.P, &pinv)
	f := mat.NewDense(3, 3, nil)
	f.Mul(ex, &p2p1)
	return f
}

// EpipolarLine returns the line l = F x in the second view, as (a, b, c)
// with a·u + b·v + c = 0.
func EpipolarLine(f mat.Matrix, x r2.Vec) [3]float64 {
	var l [3]float64
	for i := 0; i < 3; i++ {
		l[i] = f.At(i, 0)*x.X + f.At(i, 1)*x.Y + f.At(i, 2)
	}
	return l
}

// LineDistance returns the pixel distance from x to line l.
func LineDistance(l [3]float64, x r2.Vec) float64 {
	n := math.Hypot(l[0], l[1])
	if n == 0 {
		return math.Inf(1)
	}
	return math.Abs(l[0]*x.X+l[1]*x.Y+l[2]) / n
}

// SymmetricDistance returns the mean of the distances of x2 from the
// epipolar line of x1 and of x1 from the epipolar line of x2, in pixels.
func SymmetricDistance(f *mat.Dense, x1, x2 r2.Vec) float64 {
	d2 := LineDistance(EpipolarLine(f, x1), x2)
	d1 := LineDistance(EpipolarLine(f.T(), x2), x1)
	return (d1 + d2) / 2
}
