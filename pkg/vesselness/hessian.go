package vesselness

import (
	"math"

	"coronary3d/internal/models"
)

// gaussianKernels returns the sampled Gaussian of the given scale together
// with its first and second derivatives. The smoothing kernel sums to one
// and the second-derivative kernel sums to zero so flat regions give no response.
func gaussianKernels(sigma float64) (g, dg, ddg []float64) {
	radius := int(math.Ceil(3 * sigma))
	if radius < 1 {
		radius = 1
	}
	n := 2*radius + 1
	g = make([]float64, n)
	dg = make([]float64, n)
	ddg = make([]float64, n)

	s2 := sigma * sigma
	sum := 0.0
	for i := range g {
		x := float64(i - radius)
		g[i] = math.Exp(-x * x / (2 * s2))
		sum += g[i]
	}
	mean := 0.0
	for i := range g {
		g[i] /= sum
		x := float64(i - radius)
		dg[i] = -x / s2 * g[i]
		ddg[i] = (x*x/s2 - 1) / s2 * g[i]
		mean += ddg[i]
	}
	mean /= float64(n)
	for i := range ddg {
		ddg[i] -= mean
	}
	return g, dg, ddg
}

// convolveRows convolves every row with kernel, clamping at the borders.
func convolveRows(src []float64, width, height int, kernel []float64) []float64 {
	radius := len(kernel) / 2
	dst := make([]float64, len(src))
	for y := 0; y < height; y++ {
		row := src[y*width : (y+1)*width]
		for x := 0; x < width; x++ {
			acc := 0.0
			for i, k := range kernel {
				sx := x - (i - radius)
				if sx < 0 {
					sx = 0
				} else if sx >= width {
					sx = width - 1
				}
				acc += k * row[sx]
			}
			dst[y*width+x] = acc
		}
	}
	return dst
}

// convolveCols convolves every column with kernel, clamping at the borders.
func convolveCols(src []float64, width, height int, kernel []float64) []float64 {
	radius := len(kernel) / 2
	dst := make([]float64, len(src))
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			acc := 0.0
			for i, k := range kernel {
				sy := y - (i - radius)
				if sy < 0 {
					sy = 0
				} else if sy >= height {
					sy = height - 1
				}
				acc += k * src[sy*width+x]
			}
			dst[y*width+x] = acc
		}
	}
	return dst
}

// hessian holds the scale-normalised second derivatives of an image.
type hessian struct {
	xx, xy, yy []float64
}

// computeHessian evaluates the Hessian of img at scale sigma with
// separable Gaussian derivative filters, multiplied by sigma² so responses
// are comparable across scales.
func computeHessian(img *models.Image, sigma float64) hessian {
	g, dg, ddg := gaussianKernels(sigma)
	w, h := img.Width, img.Height

	smoothY := convolveCols(img.Pix, w, h, g)
	derivY := convolveCols(img.Pix, w, h, dg)
	secondY := convolveCols(img.Pix, w, h, ddg)

	hs := hessian{
		xx: convolveRows(smoothY, w, h, ddg),
		xy: convolveRows(derivY, w, h, dg),
		yy: convolveRows(secondY, w, h, g),
	}
	norm := sigma * sigma
	for i := range hs.xx {
		hs.xx[i] *= norm
		hs.xy[i] *= norm
		hs.yy[i] *= norm
	}
	return hs
}

// eigenvalues returns the eigenvalues of the symmetric matrix
// [[a, b], [b, c]] ordered so that |l1| <= |l2|.
func eigenvalues(a, b, c float64) (l1, l2 float64) {
	tmp := math.Sqrt((a-c)*(a-c) + 4*b*b)
	e1 := (a + c + tmp) / 2
	e2 := (a + c - tmp) / 2
	if math.Abs(e1) <= math.Abs(e2) {
		return e1, e2
	}
	return e2, e1
}
