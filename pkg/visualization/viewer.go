// Package visualization renders pipeline results: 2D overlays of the
// vessel analysis, reprojections and orthographic views of the 3D tree,
// and Graphviz drawings of the vessel graph.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"

	"coronary3d/internal/models"
	"coronary3d/pkg/bifurcation"
	"coronary3d/pkg/carm"
	"coronary3d/pkg/imageio"
	"coronary3d/pkg/vesselgraph"
)

// Overlay colours.
var (
	MaskColor      = color.RGBA{R: 200, G: 40, B: 40, A: 255}
	SkeletonColor  = color.RGBA{R: 255, G: 220, B: 0, A: 255}
	EndpointColor  = color.RGBA{R: 0, G: 200, B: 80, A: 255}
	ValidColor     = color.RGBA{R: 40, G: 120, B: 255, A: 255}
	InvalidColor   = color.RGBA{R: 255, G: 0, B: 200, A: 255}
	ReprojectColor = color.RGBA{R: 0, G: 230, B: 230, A: 255}
	TreeColor      = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

const (
	maskAlpha       = 0.45
	markerRadius    = 3
	projectionInset = 0.05 // fraction of the image left empty on each side
)

// Layers are the 2D results drawn by a Viewer. Any of them may be nil.
type Layers struct {
	Background   *models.Image
	Mask         *models.Mask
	Skeleton     *models.Mask
	Graph        *vesselgraph.Graph
	Bifurcations []bifurcation.Bifurcation
}

// Viewer draws the analysis of one view.
type Viewer struct {
	// dimensions of the view
	width  int
	height int

	layers Layers
}

// NewViewer creates a viewer for a width × height view.
func NewViewer(width, height int, layers Layers) *Viewer {
	return &Viewer{
		width:  width,
		height: height,
		layers: layers,
	}
}

// Overlay renders the background in gray with the vessel mask tinted, the
// skeleton on top and markers for endpoints and junctions. Junctions are
// blue when they pass the cube law and magenta when they fail it.
func (v *Viewer) Overlay() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, v.width, v.height))
	for y := 0; y < v.height; y++ {
		for x := 0; x < v.width; x++ {
			g := uint8(0)
			if bg := v.layers.Background; bg != nil && !bg.Empty() {
				g = uint8(math.Max(0, math.Min(255, bg.At(x, y)*255)))
			}
			c := color.RGBA{R: g, G: g, B: g, A: 255}
			if m := v.layers.Mask; m != nil && m.At(x, y) {
				c = blend(c, MaskColor, maskAlpha)
			}
			if s := v.layers.Skeleton; s != nil && s.At(x, y) {
				c = SkeletonColor
			}
			img.SetRGBA(x, y, c)
		}
	}

	if g := v.layers.Graph; g != nil {
		for _, n := range g.Nodes {
			if n.Kind == vesselgraph.Endpoint {
				drawMarker(img, n.Pos, EndpointColor)
			}
		}
	}
	for _, b := range v.layers.Bifurcations {
		c := ValidColor
		if b.Checked && !b.Valid {
			c = InvalidColor
		}
		drawMarker(img, b.Position, c)
	}
	return img
}

// DrawProjected draws 3D polylines reprojected through p onto img.
func DrawProjected(img *image.RGBA, polylines [][]r3.Vec, p *carm.Projection, c color.RGBA) {
	for _, line := range polylines {
		for i := 1; i < len(line); i++ {
			drawLine(img, p.Project(line[i-1]), p.Project(line[i]), c)
		}
	}
}

// ProjectTree draws 3D polylines orthographically onto the plane normal to
// axis, scaled to fit a size × size image. Axis x maps (z, y), axis y maps
// (x, z) and axis z maps (x, y).
func ProjectTree(polylines [][]r3.Vec, axis string, size int) (image.Image, error) {
	if size <= 0 {
		return nil, fmt.Errorf("size must be positive")
	}

	var plane func(r3.Vec) r2.Vec
	switch axis {
	case "x", "X":
		plane = func(p r3.Vec) r2.Vec { return r2.Vec{X: p.Z, Y: p.Y} }
	case "y", "Y":
		plane = func(p r3.Vec) r2.Vec { return r2.Vec{X: p.X, Y: p.Z} }
	case "z", "Z":
		plane = func(p r3.Vec) r2.Vec { return r2.Vec{X: p.X, Y: p.Y} }
	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	lo := r2.Vec{X: math.Inf(1), Y: math.Inf(1)}
	hi := r2.Vec{X: math.Inf(-1), Y: math.Inf(-1)}
	n := 0
	for _, line := range polylines {
		for _, p := range line {
			q := plane(p)
			lo = r2.Vec{X: math.Min(lo.X, q.X), Y: math.Min(lo.Y, q.Y)}
			hi = r2.Vec{X: math.Max(hi.X, q.X), Y: math.Max(hi.Y, q.Y)}
			n++
		}
	}
	if n == 0 {
		return nil, fmt.Errorf("no points to project")
	}

	span := math.Max(hi.X-lo.X, hi.Y-lo.Y)
	if span == 0 {
		span = 1
	}
	inset := projectionInset * float64(size)
	scale := (float64(size) - 2*inset) / span
	toPixel := func(p r3.Vec) r2.Vec {
		q := plane(p)
		return r2.Vec{X: inset + (q.X-lo.X)*scale, Y: inset + (q.Y-lo.Y)*scale}
	}

	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for i := range img.Pix {
		if i%4 == 3 {
			img.Pix[i] = 255
		}
	}
	for _, line := range polylines {
		if len(line) == 1 {
			drawMarker(img, toPixel(line[0]), TreeColor)
		}
		for i := 1; i < len(line); i++ {
			drawLine(img, toPixel(line[i-1]), toPixel(line[i]), TreeColor)
		}
	}
	return img, nil
}

// SaveImage writes img as PNG or JPEG, chosen by the file extension.
func SaveImage(img image.Image, filename string) error {
	return imageio.Save(filename, img)
}

// SaveProjections writes the x, y and z orthographic views of the tree to
// outputDir as projection_<axis>.png.
func SaveProjections(polylines [][]r3.Vec, outputDir string, size int) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}
	for _, axis := range []string{"x", "y", "z"} {
		img, err := ProjectTree(polylines, axis, size)
		if err != nil {
			return err
		}
		if err := SaveImage(img, filepath.Join(outputDir, fmt.Sprintf("projection_%s.png", axis))); err != nil {
			return err
		}
	}
	return nil
}

func blend(a, b color.RGBA, alpha float64) color.RGBA {
	mix := func(x, y uint8) uint8 { return uint8(float64(x)*(1-alpha) + float64(y)*alpha) }
	return color.RGBA{R: mix(a.R, b.R), G: mix(a.G, b.G), B: mix(a.B, b.B), A: 255}
}

func drawMarker(img *image.RGBA, at r2.Vec, c color.RGBA) {
	cx, cy := int(math.Round(at.X)), int(math.Round(at.Y))
	for dy := -markerRadius; dy <= markerRadius; dy++ {
		for dx := -markerRadius; dx <= markerRadius; dx++ {
			if dx*dx+dy*dy <= markerRadius*markerRadius {
				setIn(img, cx+dx, cy+dy, c)
			}
		}
	}
}

// drawLine rasterises the segment a-b with a DDA walk.
func drawLine(img *image.RGBA, a, b r2.Vec, c color.RGBA) {
	steps := int(math.Ceil(math.Max(math.Abs(b.X-a.X), math.Abs(b.Y-a.Y))))
	if steps == 0 {
		setIn(img, int(math.Round(a.X)), int(math.Round(a.Y)), c)
		return
	}
	for i := 0; i <= steps; i++ {
		t := float64(i) / float64(steps)
		setIn(img, int(math.Round(a.X+t*(b.X-a.X))), int(math.Round(a.Y+t*(b.Y-a.Y))), c)
	}
}

func setIn(img *image.RGBA, x, y int, c color.RGBA) {
	if image.Pt(x, y).In(img.Rect) {
		img.SetRGBA(x, y, c)
	}
}
