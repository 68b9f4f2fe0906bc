package vesselness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coronary3d/internal/models"
	"coronary3d/pkg/config"
)

// lineImage draws a horizontal line of the given width and intensity on a
// uniform background.
func lineImage(size, width int, background, vessel float64) *models.Image {
	img := models.NewImage(size, size)
	for i := range img.Pix {
		img.Pix[i] = background
	}
	top := size/2 - width/2
	for y := top; y < top+width; y++ {
		for x := 0; x < size; x++ {
			img.Set(x, y, vessel)
		}
	}
	return img
}

func TestScales(t *testing.T) {
	f := NewFilter(config.DefaultConfig().Vesselness)
	assert.Equal(t, []float64{1, 2, 3}, f.Scales())

	cfg := config.DefaultConfig().Vesselness
	cfg.NumScales = 1
	assert.Equal(t, []float64{1}, NewFilter(cfg).Scales())
}

func TestEigenvaluesOrdered(t *testing.T) {
	l1, l2 := eigenvalues(1, 0, -5)
	assert.Equal(t, 1.0, l1)
	assert.Equal(t, -5.0, l2)

	l1, l2 = eigenvalues(2, 1, 2)
	assert.InDelta(t, 1.0, l1, 1e-12)
	assert.InDelta(t, 3.0, l2, 1e-12)
}

func TestGaussianKernelSums(t *testing.T) {
	g, dg, ddg := gaussianKernels(2)
	sum := func(k []float64) float64 {
		s := 0.0
		for _, v := range k {
			s += v
		}
		return s
	}
	assert.InDelta(t, 1.0, sum(g), 1e-12)
	assert.InDelta(t, 0.0, sum(dg), 1e-12)
	assert.InDelta(t, 0.0, sum(ddg), 1e-12)
}

func TestDarkLineResponse(t *testing.T) {
	img := lineImage(64, 3, 1.0, 0.2)
	f := NewFilter(config.DefaultConfig().Vesselness)
	resp := f.Response(img)

	center := resp.At(32, 32)
	far := resp.At(32, 5)
	assert.Greater(t, center, 0.5)
	assert.Less(t, far, 0.01)
	for _, v := range resp.Pix {
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 1.0)
	}
}

func TestSegmentDarkLine(t *testing.T) {
	img := lineImage(64, 3, 1.0, 0.2)
	seg := NewFilter(config.DefaultConfig().Vesselness).Segment(img)
	require.NotNil(t, seg.Mask)

	assert.True(t, seg.Mask.At(32, 32), "line centre should be vessel")
	assert.False(t, seg.Mask.At(32, 5), "background should not be vessel")
	assert.Greater(t, seg.Threshold, 0.0)
}

func TestBrightRidgesPolarity(t *testing.T) {
	img := lineImage(64, 3, 0.1, 0.9)

	cfg := config.DefaultConfig().Vesselness
	dark := NewFilter(cfg).Response(img)
	cfg.BlackRidges = false
	bright := NewFilter(cfg).Response(img)

	assert.Greater(t, bright.At(32, 32), 0.5)
	assert.Less(t, dark.At(32, 32), 0.01)
}

func TestFlatImageGivesEmptyMask(t *testing.T) {
	for _, level := range []float64{0, 0.5, 0.8, 1} {
		img := models.NewImage(64, 64)
		for i := range img.Pix {
			img.Pix[i] = level
		}
		seg := NewFilter(config.DefaultConfig().Vesselness).Segment(img)
		assert.True(t, seg.Mask.Empty(), "level %v", level)
		assert.Equal(t, 0.0, seg.Threshold, "level %v", level)
		for _, v := range seg.Response.Pix {
			require.Equal(t, 0.0, v, "level %v", level)
		}
	}
}

func TestEmptyImage(t *testing.T) {
	seg := NewFilter(config.DefaultConfig().Vesselness).Segment(&models.Image{})
	assert.True(t, seg.Mask.Empty())
}

func TestOtsuThresholdBimodal(t *testing.T) {
	values := make([]float64, 0, 100)
	for i := 0; i < 50; i++ {
		values = append(values, 0.1, 0.9)
	}
	th := OtsuThreshold(values)
	assert.Greater(t, th, 0.1)
	assert.LessOrEqual(t, th, 0.9)
}

func TestQuantileThreshold(t *testing.T) {
	values := make([]float64, 100)
	for i := range values {
		values[len(values)-1-i] = float64(i+1) / 100
	}
	assert.InDelta(t, 0.9, QuantileThreshold(values, 0.9), 0.011)
	assert.Equal(t, 0.0, QuantileThreshold(nil, 0.5))
}

func TestRemoveSmallComponents(t *testing.T) {
	mask := models.NewMask(20, 20)
	for x := 0; x < 15; x++ {
		mask.Set(x, 5, true)
	}
	mask.Set(18, 18, true)
	mask.Set(17, 18, true)

	RemoveSmallComponents(mask, 10)
	assert.Equal(t, 15, mask.Count())
	assert.False(t, mask.At(18, 18))
}

func TestQuantileSegmentation(t *testing.T) {
	img := lineImage(64, 3, 1.0, 0.2)
	cfg := config.DefaultConfig().Vesselness
	cfg.Threshold = "quantile"
	cfg.ThresholdQuantile = 0.95
	seg := NewFilter(cfg).Segment(img)

	assert.True(t, seg.Mask.At(32, 32))
	assert.False(t, seg.Mask.At(32, 5))
	assert.Less(t, seg.Mask.Count(), 64*64/4)
}

func BenchmarkResponse(b *testing.B) {
	img := lineImage(256, 5, 1.0, 0.3)
	f := NewFilter(config.DefaultConfig().Vesselness)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Response(img)
	}
}
