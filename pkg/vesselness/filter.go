// Package vesselness enhances tubular structures in angiographic images with
// a multi-scale Hessian (Frangi) filter and thresholds the response into a
// binary vessel mask.
package vesselness

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"coronary3d/internal/models"
	"coronary3d/pkg/config"
)

// curvatureFloor is the smallest scale-normalised Hessian norm, relative to
// the image's intensity range, that counts as structure rather than
// floating-point noise.
const curvatureFloor = 1e-6

// Filter computes vesselness responses and vessel masks.
type Filter struct {
	cfg config.Vesselness
}

// Segmentation is the output of the filter for one image.
type Segmentation struct {
	// Response is the multi-scale vesselness normalised to [0, 1]
	Response *models.Image

	// Mask is the thresholded vessel membership
	Mask *models.Mask

	// Threshold is the response level that separated vessel from background
	Threshold float64
}

// NewFilter creates a filter with the given parameters.
func NewFilter(cfg config.Vesselness) *Filter {
	return &Filter{cfg: cfg}
}

// Scales returns the Gaussian scales the filter evaluates.
func (f *Filter) Scales() []float64 {
	n := f.cfg.NumScales
	if n <= 1 || f.cfg.ScaleMax <= f.cfg.ScaleMin {
		return []float64{f.cfg.ScaleMin}
	}
	return floats.Span(make([]float64, n), f.cfg.ScaleMin, f.cfg.ScaleMax)
}

// Response computes the per-pixel maximum Frangi vesselness across scales,
// normalised so the strongest pixel is 1. An image without tubular
// structure yields an all-zero response.
func (f *Filter) Response(img *models.Image) *models.Image {
	out := models.NewImage(img.Width, img.Height)
	if img.Empty() {
		return out
	}
	span := floats.Max(img.Pix) - floats.Min(img.Pix)
	if span <= 0 {
		return out
	}
	floor := curvatureFloor * span

	for _, sigma := range f.Scales() {
		single := f.singleScale(img, sigma, floor)
		for i, v := range single {
			if v > out.Pix[i] {
				out.Pix[i] = v
			}
		}
	}

	if peak := floats.Max(out.Pix); peak > 0 {
		floats.Scale(1/peak, out.Pix)
	}
	return out
}

// singleScale evaluates the Frangi measure at one scale. Pixels whose
// Hessian norm does not exceed floor respond with zero.
func (f *Filter) singleScale(img *models.Image, sigma, floor float64) []float64 {
	hs := computeHessian(img, sigma)
	n := len(hs.xx)
	l1s := make([]float64, n)
	l2s := make([]float64, n)
	maxS := 0.0
	for i := 0; i < n; i++ {
		l1, l2 := eigenvalues(hs.xx[i], hs.xy[i], hs.yy[i])
		l1s[i], l2s[i] = l1, l2
		if s := math.Hypot(l1, l2); s > maxS {
			maxS = s
		}
	}

	out := make([]float64, n)
	if maxS <= floor {
		return out
	}
	c := f.cfg.Gamma
	if c <= 0 {
		c = 0.5 * maxS
	}

	beta2 := 2 * f.cfg.Beta * f.cfg.Beta
	c2 := 2 * c * c
	for i := 0; i < n; i++ {
		l1, l2 := l1s[i], l2s[i]
		if l2 == 0 {
			continue
		}
		// A dark vessel is an intensity valley: positive curvature across it.
		if f.cfg.BlackRidges && l2 < 0 || !f.cfg.BlackRidges && l2 > 0 {
			continue
		}
		s2 := l1*l1 + l2*l2
		if s2 <= floor*floor {
			continue
		}
		rb := l1 / l2
		out[i] = math.Exp(-rb*rb/beta2) * (1 - math.Exp(-s2/c2))
	}
	return out
}

// Segment computes the response, thresholds it and removes components
// smaller than the configured minimum area. No detected structure gives an
// empty mask, never an error.
func (f *Filter) Segment(img *models.Image) *Segmentation {
	resp := f.Response(img)
	seg := &Segmentation{Response: resp, Mask: models.NewMask(resp.Width, resp.Height)}
	if len(resp.Pix) == 0 || floats.Max(resp.Pix) == 0 {
		return seg
	}

	switch f.cfg.Threshold {
	case "quantile":
		seg.Threshold = QuantileThreshold(resp.Pix, f.cfg.ThresholdQuantile)
	default:
		seg.Threshold = OtsuThreshold(resp.Pix)
	}
	for i, v := range resp.Pix {
		seg.Mask.Bits[i] = v > 0 && v >= seg.Threshold
	}
	RemoveSmallComponents(seg.Mask, f.cfg.MinComponentArea)
	return seg
}

// RemoveSmallComponents clears 8-connected components with fewer than
// minArea pixels, in place.
func RemoveSmallComponents(mask *models.Mask, minArea int) {
	if minArea <= 1 {
		return
	}
	labels, count := mask.Components()
	sizes := make([]int, count+1)
	for _, l := range labels {
		sizes[l]++
	}
	for i, l := range labels {
		if l != 0 && sizes[l] < minArea {
			mask.Bits[i] = false
		}
	}
}
