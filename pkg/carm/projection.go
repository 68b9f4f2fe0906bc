// Package carm models a C-arm angiography system as a pinhole camera. It
// turns LAO/RAO and cranial/caudal gantry angles into 3x4 projection
// matrices and provides the epipolar geometry between two views.
package carm

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"

	"coronary3d/internal/models"
	"coronary3d/pkg/config"
	"coronary3d/pkg/errors"
)

// Gantry angle limits in degrees.
const (
	MinLAORAO        = -90.0
	MaxLAORAO        = 50.0
	MinCranialCaudal = -40.0
	MaxCranialCaudal = 40.0
)

// DefaultDetectorPixels is the detector size assumed when neither the image
// size nor a principal point is known.
const DefaultDetectorPixels = 1024

// ValidateView checks that the gantry angles lie within the C-arm's range.
func ValidateView(v models.CArmView) error {
	if math.IsNaN(v.LAORAO) || v.LAORAO < MinLAORAO || v.LAORAO > MaxLAORAO {
		return errors.New(errors.ErrCodeInvalidAngle,
			"LAO/RAO angle %.1f outside [%.0f, %.0f]", v.LAORAO, MinLAORAO, MaxLAORAO)
	}
	if math.IsNaN(v.CranialCaudal) || v.CranialCaudal < MinCranialCaudal || v.CranialCaudal > MaxCranialCaudal {
		return errors.New(errors.ErrCodeInvalidAngle,
			"cranial/caudal angle %.1f outside [%.0f, %.0f]", v.CranialCaudal, MinCranialCaudal, MaxCranialCaudal)
	}
	return nil
}

// Model builds projections for a fixed imaging geometry.
type Model struct {
	cfg config.Geometry
}

// NewModel creates a Model.
func NewModel(cfg config.Geometry) *Model {
	return &Model{cfg: cfg}
}

// Projection is the camera of one view. World coordinates are millimetres
// in a frame centred at the isocenter; image coordinates are pixels with y
// pointing down.
type Projection struct {
	View models.CArmView

	// R rotates world into camera coordinates; T is the camera-frame translation
	R *mat.Dense
	T r3.Vec

	// K holds the intrinsics: focal length in pixels and principal point
	K *mat.Dense

	// P = K [R | T]
	P *mat.Dense

	// Center is the X-ray source position in world coordinates
	Center r3.Vec
}

// Projection returns the camera for view. width and height are the image
// size used to place the principal point; zero means unknown.
func (m *Model) Projection(view models.CArmView, width, height int) (*Projection, error) {
	if err := ValidateView(view); err != nil {
		return nil, err
	}

	a := view.LAORAO * math.Pi / 180
	b := view.CranialCaudal * math.Pi / 180
	ca, sa := math.Cos(a), math.Sin(a)
	cb, sb := math.Cos(b), math.Sin(b)

	ry := mat.NewDense(3, 3, []float64{
		ca, 0, sa,
		0, 1, 0,
		-sa, 0, ca,
	})
	rx := mat.NewDense(3, 3, []float64{
		1, 0, 0,
		0, cb, -sb,
		0, sb, cb,
	})
	r := mat.NewDense(3, 3, nil)
	r.Mul(rx, ry)

	f := m.cfg.SourceToDetectorMM / m.cfg.PixelSpacingMM
	cx, cy := m.principalPoint(width, height)
	k := mat.NewDense(3, 3, []float64{
		f, 0, cx,
		0, f, cy,
		0, 0, 1,
	})

	t := r3.Vec{Z: m.cfg.SourceToIsocenterMM}
	rt := mat.NewDense(3, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rt.Set(i, j, r.At(i, j))
		}
	}
	rt.Set(0, 3, t.X)
	rt.Set(1, 3, t.Y)
	rt.Set(2, 3, t.Z)
	p := mat.NewDense(3, 4, nil)
	p.Mul(k, rt)

	// C = -Rᵀ t
	var c mat.VecDense
	c.MulVec(r.T(), mat.NewVecDense(3, []float64{-t.X, -t.Y, -t.Z}))

	return &Projection{
		View:   view,
		R:      r,
		T:      t,
		K:      k,
		P:      p,
		Center: r3.Vec{X: c.AtVec(0), Y: c.AtVec(1), Z: c.AtVec(2)},
	}, nil
}

func (m *Model) principalPoint(width, height int) (float64, float64) {
	if m.cfg.PrincipalPointX > 0 || m.cfg.PrincipalPointY > 0 {
		return m.cfg.PrincipalPointX, m.cfg.PrincipalPointY
	}
	if width > 0 && height > 0 {
		return float64(width) / 2, float64(height) / 2
	}
	return DefaultDetectorPixels / 2, DefaultDetectorPixels / 2
}

// Project maps a world point to pixel coordinates.
func (p *Projection) Project(x r3.Vec) r2.Vec {
	u, v, w := p.homogeneous(x)
	return r2.Vec{X: u / w, Y: v / w}
}

// Depth returns the distance of x from the source along the optical axis.
func (p *Projection) Depth(x r3.Vec) float64 {
	_, _, w := p.homogeneous(x)
	return w
}

func (p *Projection) homogeneous(x r3.Vec) (float64, float64, float64) {
	row := func(i int) float64 {
		return p.P.At(i, 0)*x.X + p.P.At(i, 1)*x.Y + p.P.At(i, 2)*x.Z + p.P.At(i, 3)
	}
	return row(0), row(1), row(2)
}

// Direction returns the unit viewing direction (source towards detector)
// in world coordinates.
func (p *Projection) Direction() r3.Vec {
	return r3.Vec{X: p.R.At(2, 0), Y: p.R.At(2, 1), Z: p.R.At(2, 2)}
}

// AngleBetween returns the angle in degrees between the viewing directions
// of two projections.
func AngleBetween(a, b *Projection) float64 {
	c := r3.Dot(a.Direction(), b.Direction())
	c = math.Max(-1, math.Min(1, c))
	return math.Acos(c) * 180 / math.Pi
}

func (p *Projection) String() string {
	return fmt.Sprintf("projection(%s)", p.View)
}
