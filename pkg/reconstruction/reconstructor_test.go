package reconstruction

import (
	"context"
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"

	"coronary3d/internal/models"
	"coronary3d/pkg/carm"
	"coronary3d/pkg/config"
	"coronary3d/pkg/errors"
)

// A synthetic Y-shaped vessel in millimetres around the isocenter.
var (
	yJunction = r3.Vec{X: 0, Y: 0, Z: 0}
	yParent   = r3.Vec{X: 0, Y: -22, Z: 0}
	yChild1   = r3.Vec{X: -14, Y: 22, Z: 4}
	yChild2   = r3.Vec{X: 16, Y: 10, Z: -5}
)

type tube struct {
	a, b   r3.Vec
	radius float64 // pixels
}

// yTubes has a parent of diameter 4 units and two children of 3, which
// satisfies the cube law within tolerance.
var yTubes = []tube{
	{yParent, yJunction, 6},
	{yJunction, yChild1, 4.5},
	{yJunction, yChild2, 4.5},
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Processing.NumCores = 2
	cfg.Matching.EpipolarTolerancePx = 8
	cfg.Matching.ChainTolerancePx = 10
	return cfg
}

func projection(t *testing.T, view models.CArmView, size int) *carm.Projection {
	t.Helper()
	p, err := carm.NewModel(config.DefaultConfig().Geometry).Projection(view, size, size)
	require.NoError(t, err)
	return p
}

// renderMask draws the projected tubes into a binary mask.
func renderMask(p *carm.Projection, size int, tubes []tube) *models.Mask {
	mask := models.NewMask(size, size)
	for _, tb := range tubes {
		a, b := p.Project(tb.a), p.Project(tb.b)
		d := r2.Sub(b, a)
		l2 := r2.Dot(d, d)
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				q := r2.Sub(r2.Vec{X: float64(x), Y: float64(y)}, a)
				s := 0.0
				if l2 > 0 {
					s = math.Max(0, math.Min(1, r2.Dot(q, d)/l2))
				}
				if r2.Norm(r2.Sub(q, r2.Scale(s, d))) <= tb.radius {
					mask.Set(x, y, true)
				}
			}
		}
	}
	return mask
}

func segmentDistance(x, a, b r3.Vec) float64 {
	ab := r3.Sub(b, a)
	s := math.Max(0, math.Min(1, r3.Dot(r3.Sub(x, a), ab)/r3.Dot(ab, ab)))
	return r3.Norm(r3.Sub(x, r3.Add(a, r3.Scale(s, ab))))
}

func TestStraightVesselSingleImage(t *testing.T) {
	mask := models.NewMask(60, 20)
	for y := 9; y <= 11; y++ {
		for x := 10; x <= 49; x++ {
			mask.Set(x, y, true)
		}
	}

	res, err := NewReconstructor(testConfig()).AnalyzeMask(context.Background(), mask)
	require.NoError(t, err)

	assert.Equal(t, KindSingleImage, res.Kind())
	assert.Equal(t, 1, res.NumBranches)
	assert.Equal(t, 0, res.NumBifurcations)
	assert.InDelta(t, 39.0, res.TotalLength, 1.0)
	assert.Len(t, res.MainCenterline, len(res.Branches[0].Points))
	assert.Empty(t, res.Warnings)
}

func TestFlatImageIsEmptyResult(t *testing.T) {
	img := models.NewImage(48, 48)
	for i := range img.Pix {
		img.Pix[i] = 0.5
	}

	res, err := NewReconstructor(testConfig()).AnalyzeImage(context.Background(), img)
	require.NoError(t, err)
	assert.Zero(t, res.NumBranches)
	assert.Zero(t, res.TotalLength)
	assert.Equal(t, 1, errors.CountKind(res.Warnings, errors.WarnEmptySegmentation))
}

func TestDarkLineImage(t *testing.T) {
	img := models.NewImage(64, 64)
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			v := 0.9
			if y >= 31 && y <= 33 && x >= 8 && x < 56 {
				v = 0.2
			}
			img.Set(x, y, v)
		}
	}

	res, err := NewReconstructor(testConfig()).AnalyzeImage(context.Background(), img)
	require.NoError(t, err)
	assert.NotZero(t, res.NumBranches)
	assert.Greater(t, res.TotalLength, 20.0)
	require.NotNil(t, res.Analysis)
	assert.NotNil(t, res.Analysis.Response)
}

func TestSingleViewRejectedBeforeProcessing(t *testing.T) {
	r := NewReconstructor(testConfig())

	// The nil image would fail the emptiness check if processing started.
	_, err := r.Reconstruct(context.Background(), []models.ViewImage{{Image: nil}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeTooFewViews))
	assert.True(t, errors.IsInput(err))

	_, err = r.Run(context.Background(), Request{
		Method: MethodMultiView,
		Masks:  []*models.Mask{models.NewMask(8, 8)},
		Views:  []models.CArmView{{}},
	})
	assert.True(t, errors.Is(err, errors.ErrCodeTooFewViews))
}

func TestRunInputErrors(t *testing.T) {
	r := NewReconstructor(testConfig())
	ctx := context.Background()
	mask := models.NewMask(8, 8)

	tests := []struct {
		name string
		req  Request
		code errors.Code
	}{
		{
			name: "views and images differ",
			req:  Request{Method: MethodMultiView, Images: []*models.Image{models.NewImage(4, 4)}, Views: []models.CArmView{{}, {LAORAO: 30}}},
			code: errors.ErrCodeViewMismatch,
		},
		{
			name: "angle out of range",
			req:  Request{Method: MethodMultiView, Masks: []*models.Mask{mask, mask}, Views: []models.CArmView{{}, {LAORAO: 120}}},
			code: errors.ErrCodeInvalidAngle,
		},
		{
			name: "no image",
			req:  Request{Method: MethodSingleImage},
			code: errors.ErrCodeInvalidInput,
		},
		{
			name: "unknown method",
			req:  Request{Method: "hologram"},
			code: errors.ErrCodeInvalidInput,
		},
		{
			name: "manual single view",
			req:  Request{Method: MethodManualTracking, Tracks: []models.TrackedView{{}}},
			code: errors.ErrCodeTooFewViews,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Run(ctx, tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.code, errors.GetCode(err))
		})
	}
}

func TestCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	mask := models.NewMask(32, 32)
	_, err := NewReconstructor(testConfig()).ReconstructMasks(ctx, []MaskView{
		{Mask: mask, View: models.CArmView{}},
		{Mask: mask, View: models.CArmView{LAORAO: 30}},
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestYShapeTwoViews(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping end-to-end reconstruction in short mode")
	}
	const size = 256
	views := []models.CArmView{{}, {LAORAO: 30}}
	masks := make([]*models.Mask, len(views))
	for i, v := range views {
		masks[i] = renderMask(projection(t, v, size), size, yTubes)
	}

	result, err := NewReconstructor(testConfig()).Run(context.Background(), Request{
		Method: MethodMultiView,
		Masks:  masks,
		Views:  views,
	})
	require.NoError(t, err)
	require.Equal(t, KindReconstruction, result.Kind())
	res := result.(*ReconstructionResult)

	assert.Equal(t, 2, res.NumViews)
	assert.Equal(t, 2, res.NumViewsUsed)
	require.Len(t, res.Bifurcations, 1)
	bif := res.Bifurcations[0]
	assert.True(t, bif.Checked)
	assert.True(t, bif.Valid)
	assert.Equal(t, 1, res.ValidBifurcations())
	assert.Less(t, r3.Norm(r3.Sub(bif.Position, yJunction)), 3.0)

	assert.Len(t, res.Branches, 3)
	assert.Greater(t, res.Confidence, 0.0)
	assert.LessOrEqual(t, res.Confidence, 1.0)
	for _, b := range res.Branches {
		assert.Equal(t, []int{0, 1}, b.ViewsUsed)
		assert.GreaterOrEqual(t, len(b.Points), 2)
	}
	for _, v := range res.Views {
		assert.True(t, v.Used)
	}
}

func trackedView(t *testing.T, view models.CArmView, size int) models.TrackedView {
	t.Helper()
	p := projection(t, view, size)
	sample := func(pts ...r3.Vec) []r2.Vec {
		var out []r2.Vec
		for i := 0; i+1 < len(pts); i++ {
			for k := 0; k < 4; k++ {
				x := r3.Add(pts[i], r3.Scale(float64(k)/4, r3.Sub(pts[i+1], pts[i])))
				out = append(out, p.Project(x))
			}
		}
		return append(out, p.Project(pts[len(pts)-1]))
	}
	return models.TrackedView{
		View:   view,
		Width:  size,
		Height: size,
		Branches: map[models.BranchRole][]r2.Vec{
			models.RoleMainVessel: sample(yParent, yJunction, yChild1),
			models.RoleBranch1:    sample(yJunction, yChild2),
		},
	}
}

func TestManualTracking(t *testing.T) {
	tracks := []models.TrackedView{
		trackedView(t, models.CArmView{}, 256),
		trackedView(t, models.CArmView{LAORAO: 30}, 256),
	}

	res, err := NewReconstructor(testConfig()).ReconstructManual(context.Background(), tracks)
	require.NoError(t, err)

	assert.Equal(t, MethodManualTracking, res.Method)
	assert.Equal(t, 2, res.NumViewsUsed)
	require.Len(t, res.Branches, 2)
	assert.Equal(t, "main_vessel", res.Branches[0].Role)
	assert.Equal(t, "branch_1", res.Branches[1].Role)

	for _, p := range res.Branches[1].Points {
		assert.Less(t, segmentDistance(p.Position, yJunction, yChild2), 0.5)
	}
	assert.InDelta(t, r3.Norm(r3.Sub(yChild2, yJunction)), res.Branches[1].Length, 0.5)

	require.Len(t, res.Bifurcations, 1)
	bif := res.Bifurcations[0]
	assert.False(t, bif.Checked)
	assert.Less(t, r3.Norm(r3.Sub(bif.Position, yJunction)), 0.5)
	assert.Equal(t, []int{0, 1}, bif.Branches)
	assert.Greater(t, res.Confidence, 0.5)
}

func TestManualTrackingInputErrors(t *testing.T) {
	r := NewReconstructor(testConfig())
	good := trackedView(t, models.CArmView{}, 256)

	sparse := models.TrackedView{
		View:     models.CArmView{LAORAO: 30},
		Branches: map[models.BranchRole][]r2.Vec{models.RoleMainVessel: {{X: 1, Y: 1}, {X: 2, Y: 2}}},
	}
	_, err := r.ReconstructManual(context.Background(), []models.TrackedView{good, sparse})
	assert.True(t, errors.Is(err, errors.ErrCodeTooFewPoints))

	unknown := trackedView(t, models.CArmView{LAORAO: 30}, 256)
	unknown.Branches[models.RoleUnknown] = []r2.Vec{{X: 1, Y: 1}}
	_, err = r.ReconstructManual(context.Background(), []models.TrackedView{good, unknown})
	assert.True(t, errors.Is(err, errors.ErrCodeUnknownBranch))
}

func TestResultJSONDiscriminant(t *testing.T) {
	single, err := json.Marshal(&SingleImageResult{Method: MethodSingleImage})
	require.NoError(t, err)
	assert.Contains(t, string(single), `"kind":"single_image"`)
	assert.Contains(t, string(single), `"reconstruction_method":"single_image"`)

	multi, err := json.Marshal(&ReconstructionResult{Method: MethodMultiView, NumViewsUsed: 2})
	require.NoError(t, err)
	assert.Contains(t, string(multi), `"kind":"reconstruction"`)
	assert.Contains(t, string(multi), `"reconstruction_method":"multi_view_complete_tree"`)
	assert.Contains(t, string(multi), `"num_views_used":2`)
}
