package skeleton

import (
	"math"

	"coronary3d/internal/models"
)

// DistanceMap holds, for every foreground pixel, the Euclidean distance to
// the nearest background pixel. Background pixels have distance zero.
type DistanceMap struct {
	Width  int
	Height int
	D      []float64
}

// At returns the distance at (x, y), or zero outside the map.
func (dm *DistanceMap) At(x, y int) float64 {
	if x < 0 || y < 0 || x >= dm.Width || y >= dm.Height {
		return 0
	}
	return dm.D[y*dm.Width+x]
}

// Diameter converts the distance at (x, y) to a vessel diameter in pixels.
// A centerline pixel at distance d sits in a vessel 2d-1 pixels wide.
func (dm *DistanceMap) Diameter(x, y int) float64 {
	d := dm.At(x, y)
	if d <= 0 {
		return 0
	}
	return 2*d - 1
}

// DistanceTransform computes the exact Euclidean distance transform of mask
// with the separable lower-envelope algorithm of Felzenszwalb and
// Huttenlocher. Pixels outside the image are not treated as background; a
// mask without background gets +Inf everywhere.
func DistanceTransform(mask *models.Mask) *DistanceMap {
	w, h := mask.Width, mask.Height
	dm := &DistanceMap{Width: w, Height: h, D: make([]float64, w*h)}
	if w == 0 || h == 0 {
		return dm
	}

	n := w
	if h > n {
		n = h
	}
	f := make([]float64, n)
	d := make([]float64, n)
	v := make([]int, n)
	z := make([]float64, n+1)

	// Columns first, on the squared distance to background along y.
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			if mask.Bits[y*w+x] {
				f[y] = math.Inf(1)
			} else {
				f[y] = 0
			}
		}
		squaredDistance1D(f[:h], d[:h], v, z, nil)
		for y := 0; y < h; y++ {
			dm.D[y*w+x] = d[y]
		}
	}

	for y := 0; y < h; y++ {
		copy(f[:w], dm.D[y*w:(y+1)*w])
		squaredDistance1D(f[:w], d[:w], v, z, nil)
		for x := 0; x < w; x++ {
			dm.D[y*w+x] = math.Sqrt(d[x])
		}
	}
	return dm
}

// NearestSite returns, for every pixel, the index y*Width+x of the closest
// set pixel of sites in Euclidean distance, or -1 when sites is empty.
// Ties go to the site found first in row-major scan order of the passes.
func NearestSite(sites *models.Mask) []int {
	w, h := sites.Width, sites.Height
	out := make([]int, w*h)
	if w == 0 || h == 0 {
		return out
	}

	n := w
	if h > n {
		n = h
	}
	f := make([]float64, n)
	d := make([]float64, n)
	arg := make([]int, n)
	v := make([]int, n)
	z := make([]float64, n+1)

	// Column pass: squared distance and row of the nearest site in the
	// same column.
	colDist := make([]float64, w*h)
	colRow := make([]int, w*h)
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			if sites.Bits[y*w+x] {
				f[y] = 0
			} else {
				f[y] = math.Inf(1)
			}
		}
		squaredDistance1D(f[:h], d[:h], v, z, arg[:h])
		for y := 0; y < h; y++ {
			colDist[y*w+x] = d[y]
			colRow[y*w+x] = arg[y]
		}
	}

	for y := 0; y < h; y++ {
		copy(f[:w], colDist[y*w:(y+1)*w])
		squaredDistance1D(f[:w], d[:w], v, z, arg[:w])
		for x := 0; x < w; x++ {
			sx := arg[x]
			if sx < 0 {
				out[y*w+x] = -1
				continue
			}
			out[y*w+x] = colRow[y*w+sx]*w + sx
		}
	}
	return out
}

// squaredDistance1D computes d[q] = min_p (q-p)² + f[p]. Sites with
// infinite f never contribute. When arg is non-nil it receives the
// minimising p, or -1 if every f is infinite.
func squaredDistance1D(f, d []float64, v []int, z []float64, arg []int) {
	k := -1
	for q := range f {
		if math.IsInf(f[q], 1) {
			continue
		}
		if k < 0 {
			k = 0
			v[0] = q
			z[0] = math.Inf(-1)
			z[1] = math.Inf(1)
			continue
		}
		s := intersect(f, q, v[k])
		for s <= z[k] {
			k--
			if k < 0 {
				break
			}
			s = intersect(f, q, v[k])
		}
		k++
		v[k] = q
		if k == 0 {
			z[0] = math.Inf(-1)
		} else {
			z[k] = s
		}
		z[k+1] = math.Inf(1)
	}

	if k < 0 {
		for q := range d {
			d[q] = math.Inf(1)
			if arg != nil {
				arg[q] = -1
			}
		}
		return
	}

	k = 0
	for q := range d {
		for z[k+1] < float64(q) {
			k++
		}
		diff := float64(q - v[k])
		d[q] = diff*diff + f[v[k]]
		if arg != nil {
			arg[q] = v[k]
		}
	}
}

// intersect returns the abscissa where the parabolas rooted at q and p meet.
func intersect(f []float64, q, p int) float64 {
	fq, fp := float64(q), float64(p)
	return ((f[q] + fq*fq) - (f[p] + fp*fp)) / (2*fq - 2*fp)
}
