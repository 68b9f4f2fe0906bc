package triangulation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"

	"coronary3d/internal/models"
	"coronary3d/pkg/carm"
	"coronary3d/pkg/config"
)

func projections(t *testing.T, views ...models.CArmView) []*carm.Projection {
	t.Helper()
	m := carm.NewModel(config.DefaultConfig().Geometry)
	out := make([]*carm.Projection, len(views))
	for i, v := range views {
		p, err := m.Projection(v, 512, 512)
		require.NoError(t, err)
		out[i] = p
	}
	return out
}

func observe(projs []*carm.Projection, x r3.Vec) []r2.Vec {
	obs := make([]r2.Vec, len(projs))
	for i, p := range projs {
		obs[i] = p.Project(x)
	}
	return obs
}

func newTriangulator() *Triangulator {
	cfg := config.DefaultConfig()
	return New(cfg.Triangulation, cfg.Geometry.SourceToIsocenterMM)
}

func TestTwoViewRecovery(t *testing.T) {
	projs := projections(t, models.CArmView{}, models.CArmView{LAORAO: 30})
	const tol = 1e-3 * 750
	for _, x := range []r3.Vec{{}, {X: 5, Y: -3, Z: 7}, {X: -25, Y: 18, Z: 12}, {X: 40, Y: 40, Z: -30}} {
		pt, err := newTriangulator().Triangulate(projs, observe(projs, x))
		require.NoError(t, err)
		assert.InDelta(t, x.X, pt.X.X, tol)
		assert.InDelta(t, x.Y, pt.X.Y, tol)
		assert.InDelta(t, x.Z, pt.X.Z, tol)
		assert.False(t, pt.Degenerate)
		assert.Less(t, pt.MeanResidual(), 1e-6)
	}
}

func TestMultiViewRecovery(t *testing.T) {
	projs := projections(t,
		models.CArmView{LAORAO: -30, CranialCaudal: 20},
		models.CArmView{LAORAO: 45, CranialCaudal: -25},
		models.CArmView{LAORAO: 0, CranialCaudal: 35},
	)
	x := r3.Vec{X: 12, Y: -8, Z: 20}
	pt, err := newTriangulator().Triangulate(projs, observe(projs, x))
	require.NoError(t, err)
	assert.InDelta(t, 0, r3.Norm(r3.Sub(x, pt.X)), 1e-6)
	assert.Len(t, pt.Residuals, 3)
}

func TestNoisyObservations(t *testing.T) {
	projs := projections(t, models.CArmView{}, models.CArmView{LAORAO: 30})
	x := r3.Vec{X: 5, Y: -3, Z: 7}
	obs := observe(projs, x)
	obs[0] = r2.Add(obs[0], r2.Vec{X: 1.5, Y: -1})

	pt, err := newTriangulator().Triangulate(projs, obs)
	require.NoError(t, err)
	assert.Less(t, r3.Norm(r3.Sub(x, pt.X)), 2.0)
	assert.Greater(t, pt.MeanResidual(), 0.0)
}

func TestNearParallelViewsFlagged(t *testing.T) {
	projs := projections(t, models.CArmView{}, models.CArmView{LAORAO: 0.2})
	x := r3.Vec{X: 5, Y: -3, Z: 7}
	pt, err := newTriangulator().Triangulate(projs, observe(projs, x))
	require.NoError(t, err)
	assert.True(t, pt.Degenerate)
	assert.Less(t, pt.Condition, 0.02)

	wide := projections(t, models.CArmView{}, models.CArmView{LAORAO: 30})
	pt, err = newTriangulator().Triangulate(wide, observe(wide, x))
	require.NoError(t, err)
	assert.InDelta(t, 0.257, pt.Condition, 0.01)
}

func TestTriangulateInputErrors(t *testing.T) {
	projs := projections(t, models.CArmView{}, models.CArmView{LAORAO: 30})
	_, err := newTriangulator().Triangulate(projs[:1], []r2.Vec{{X: 1, Y: 1}})
	assert.Error(t, err)
	_, err = newTriangulator().Triangulate(projs, []r2.Vec{{X: 1, Y: 1}})
	assert.Error(t, err)
}
