// Package skeleton reduces binary vessel masks to one-pixel-wide centerlines
// and measures local vessel radius with a Euclidean distance transform.
package skeleton

import (
	"image"

	"coronary3d/internal/models"
	"coronary3d/pkg/config"
)

// Skeletonizer fills enclosed holes and thins a mask to its centerline.
type Skeletonizer struct {
	cfg config.Skeleton
}

// New creates a Skeletonizer.
func New(cfg config.Skeleton) *Skeletonizer {
	return &Skeletonizer{cfg: cfg}
}

// Skeletonize returns the centerline of mask. The input is not modified.
// The result has the same number of 8-connected components as the input
// and skeletonizing it again returns it unchanged.
func (s *Skeletonizer) Skeletonize(mask *models.Mask) *models.Mask {
	work := mask.Clone()
	if s.cfg.FillHoles {
		work = FillHoles(work, s.cfg.MaxHoleArea)
	}
	return Thin(work)
}

// The four thinning directions, applied in this order each iteration.
var directions = [4]image.Point{{0, -1}, {0, 1}, {1, 0}, {-1, 0}}

// Thin applies sequential directional thinning until a full iteration
// removes nothing. A pixel is removed only when it is a border pixel for the
// current direction, is 8-simple and is not a curve end.
func Thin(mask *models.Mask) *models.Mask {
	out := mask.Clone()
	candidates := make([]int, 0, 256)
	for {
		removed := 0
		for _, d := range directions {
			candidates = candidates[:0]
			for y := 0; y < out.Height; y++ {
				for x := 0; x < out.Width; x++ {
					if out.At(x, y) && !out.At(x+d.X, y+d.Y) {
						candidates = append(candidates, y*out.Width+x)
					}
				}
			}
			for _, idx := range candidates {
				x, y := idx%out.Width, idx/out.Width
				if out.CountNeighbors(x, y) > 1 && IsSimple(out, x, y) {
					out.Bits[idx] = false
					removed++
				}
			}
		}
		if removed == 0 {
			return out
		}
	}
}

// IsSimple reports whether removing (x, y) leaves the topology of the
// foreground (8-connected) and background (4-connected) unchanged. It
// evaluates the 8-connectivity number of the neighbourhood.
func IsSimple(m *models.Mask, x, y int) bool {
	var nb [9]bool
	for i, d := range models.Neighbors8 {
		nb[i] = m.At(x+d.X, y+d.Y)
	}
	nb[8] = nb[0]

	conn := 0
	for k := 0; k < 8; k += 2 {
		a, b, c := !nb[k], !nb[k+1], !nb[(k+2)%8]
		if a && !(a && b && c) {
			conn++
		}
	}
	return conn == 1
}

// FillHoles sets background regions that do not reach the image border.
// Only holes of at most maxArea pixels are filled (0 means any size), and a
// hole is left open when its rim touches more than one foreground component,
// so the number of components never changes.
func FillHoles(mask *models.Mask, maxArea int) *models.Mask {
	out := mask.Clone()
	w, h := mask.Width, mask.Height
	labels, _ := mask.Components()

	seen := make([]bool, len(mask.Bits))
	region := make([]int, 0, 64)
	stack := make([]int, 0, 64)
	four := [4]image.Point{{1, 0}, {-1, 0}, {0, 1}, {0, -1}}

	for start := range mask.Bits {
		if mask.Bits[start] || seen[start] {
			continue
		}
		region = region[:0]
		stack = append(stack[:0], start)
		seen[start] = true
		touchesBorder := false
		rim := 0
		multiRim := false

		for len(stack) > 0 {
			idx := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			region = append(region, idx)
			x, y := idx%w, idx/w
			if x == 0 || y == 0 || x == w-1 || y == h-1 {
				touchesBorder = true
			}
			for _, d := range four {
				nx, ny := x+d.X, y+d.Y
				if nx < 0 || ny < 0 || nx >= w || ny >= h {
					continue
				}
				nIdx := ny*w + nx
				if mask.Bits[nIdx] {
					continue
				}
				if !seen[nIdx] {
					seen[nIdx] = true
					stack = append(stack, nIdx)
				}
			}
			for _, d := range models.Neighbors8 {
				nx, ny := x+d.X, y+d.Y
				if !mask.At(nx, ny) {
					continue
				}
				l := labels[ny*w+nx]
				if rim == 0 {
					rim = l
				} else if rim != l {
					multiRim = true
				}
			}
		}

		if touchesBorder || multiRim || (maxArea > 0 && len(region) > maxArea) {
			continue
		}
		for _, idx := range region {
			out.Bits[idx] = true
		}
	}
	return out
}
