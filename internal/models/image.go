package models

import (
	"image"
	"image/color"
)

// Image is a single-channel intensity image with values in [0, 1].
// It is treated as immutable once handed to the pipeline.
type Image struct {
	// Width and Height are the dimensions in pixels
	Width  int
	Height int

	// Pix holds the intensities in row-major order
	Pix []float64
}

// NewImage allocates a zero-filled image.
func NewImage(width, height int) *Image {
	return &Image{
		Width:  width,
		Height: height,
		Pix:    make([]float64, width*height),
	}
}

// FromImage converts any raster image to grayscale intensities in [0, 1].
// Color images are reduced with the standard luminance weights.
func FromImage(img image.Image) *Image {
	bounds := img.Bounds()
	out := NewImage(bounds.Dx(), bounds.Dy())
	for y := 0; y < out.Height; y++ {
		for x := 0; x < out.Width; x++ {
			g := color.Gray16Model.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.Gray16)
			out.Pix[y*out.Width+x] = float64(g.Y) / 65535.0
		}
	}
	return out
}

// At returns the intensity at (x, y), clamping coordinates to the border.
func (im *Image) At(x, y int) float64 {
	if x < 0 {
		x = 0
	} else if x >= im.Width {
		x = im.Width - 1
	}
	if y < 0 {
		y = 0
	} else if y >= im.Height {
		y = im.Height - 1
	}
	return im.Pix[y*im.Width+x]
}

// Set writes the intensity at (x, y). Out-of-range writes are ignored.
func (im *Image) Set(x, y int, v float64) {
	if x < 0 || y < 0 || x >= im.Width || y >= im.Height {
		return
	}
	im.Pix[y*im.Width+x] = v
}

// Empty reports whether the image has no pixels.
func (im *Image) Empty() bool {
	return im == nil || im.Width <= 0 || im.Height <= 0 || len(im.Pix) != im.Width*im.Height
}

// ToGray renders the intensities as an 8-bit grayscale image.
func (im *Image) ToGray() *image.Gray {
	out := image.NewGray(image.Rect(0, 0, im.Width, im.Height))
	for i, v := range im.Pix {
		if v < 0 {
			v = 0
		} else if v > 1 {
			v = 1
		}
		out.Pix[i] = uint8(v*255 + 0.5)
	}
	return out
}

// Mask is a binary image of the same dimensions as its source Image.
type Mask struct {
	Width  int
	Height int
	Bits   []bool
}

// NewMask allocates an empty mask.
func NewMask(width, height int) *Mask {
	return &Mask{
		Width:  width,
		Height: height,
		Bits:   make([]bool, width*height),
	}
}

// At reports membership at (x, y); coordinates outside the mask are background.
func (m *Mask) At(x, y int) bool {
	if x < 0 || y < 0 || x >= m.Width || y >= m.Height {
		return false
	}
	return m.Bits[y*m.Width+x]
}

// Set writes membership at (x, y). Out-of-range writes are ignored.
func (m *Mask) Set(x, y int, v bool) {
	if x < 0 || y < 0 || x >= m.Width || y >= m.Height {
		return
	}
	m.Bits[y*m.Width+x] = v
}

// Count returns the number of foreground pixels.
func (m *Mask) Count() int {
	n := 0
	for _, b := range m.Bits {
		if b {
			n++
		}
	}
	return n
}

// Empty reports whether no pixel is set.
func (m *Mask) Empty() bool {
	return m == nil || m.Count() == 0
}

// Clone returns a deep copy of the mask.
func (m *Mask) Clone() *Mask {
	out := &Mask{Width: m.Width, Height: m.Height, Bits: make([]bool, len(m.Bits))}
	copy(out.Bits, m.Bits)
	return out
}

// Equal reports whether two masks have identical size and contents.
func (m *Mask) Equal(other *Mask) bool {
	if m.Width != other.Width || m.Height != other.Height {
		return false
	}
	for i := range m.Bits {
		if m.Bits[i] != other.Bits[i] {
			return false
		}
	}
	return true
}

// Points lists the foreground pixels in raster order.
func (m *Mask) Points() []image.Point {
	pts := make([]image.Point, 0)
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			if m.Bits[y*m.Width+x] {
				pts = append(pts, image.Pt(x, y))
			}
		}
	}
	return pts
}

// Neighbors8 lists the 8-connected offsets, starting east and turning
// counter-clockwise in image coordinates (y grows downwards).
var Neighbors8 = [8]image.Point{
	{1, 0}, {1, -1}, {0, -1}, {-1, -1},
	{-1, 0}, {-1, 1}, {0, 1}, {1, 1},
}

// CountNeighbors returns the number of 8-connected foreground neighbours of (x, y).
func (m *Mask) CountNeighbors(x, y int) int {
	n := 0
	for _, d := range Neighbors8 {
		if m.At(x+d.X, y+d.Y) {
			n++
		}
	}
	return n
}

// Components labels 8-connected foreground components. The returned slice
// holds a 1-based label per pixel (0 for background) and the label count.
func (m *Mask) Components() ([]int, int) {
	labels := make([]int, len(m.Bits))
	next := 0
	stack := make([]int, 0, 64)
	for start, b := range m.Bits {
		if !b || labels[start] != 0 {
			continue
		}
		next++
		labels[start] = next
		stack = append(stack[:0], start)
		for len(stack) > 0 {
			idx := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			x, y := idx%m.Width, idx/m.Width
			for _, d := range Neighbors8 {
				nx, ny := x+d.X, y+d.Y
				if !m.At(nx, ny) {
					continue
				}
				nIdx := ny*m.Width + nx
				if labels[nIdx] == 0 {
					labels[nIdx] = next
					stack = append(stack, nIdx)
				}
			}
		}
	}
	return labels, next
}
