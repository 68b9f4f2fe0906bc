package visualization

import (
	"context"
	"image"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"

	"coronary3d/internal/models"
	"coronary3d/pkg/bifurcation"
	"coronary3d/pkg/carm"
	"coronary3d/pkg/config"
	"coronary3d/pkg/vesselgraph"
)

func sampleGraph() *vesselgraph.Graph {
	return &vesselgraph.Graph{
		Width:  20,
		Height: 20,
		Nodes: []vesselgraph.Node{
			{ID: 0, Kind: vesselgraph.Junction, Pos: r2.Vec{X: 10, Y: 10}},
			{ID: 1, Kind: vesselgraph.Endpoint, Pos: r2.Vec{X: 10, Y: 1}},
			{ID: 2, Kind: vesselgraph.Endpoint, Pos: r2.Vec{X: 2, Y: 18}},
			{ID: 3, Kind: vesselgraph.Endpoint, Pos: r2.Vec{X: 18, Y: 18}},
		},
		Edges: []vesselgraph.Edge{
			{ID: 0, From: 1, To: 0, Length: 9, Diameter: 4},
			{ID: 1, From: 0, To: 2, Length: 11.3, Diameter: 3},
			{ID: 2, From: 0, To: 3, Length: 11.3, Diameter: 3},
		},
	}
}

func TestOverlay(t *testing.T) {
	bg := models.NewImage(20, 20)
	for i := range bg.Pix {
		bg.Pix[i] = 0.5
	}
	mask := models.NewMask(20, 20)
	mask.Set(5, 5, true)
	skel := models.NewMask(20, 20)
	skel.Set(6, 5, true)

	valid := bifurcation.Bifurcation{Node: 0, Position: r2.Vec{X: 10, Y: 10}, Checked: true, Valid: true}
	viewer := NewViewer(20, 20, Layers{
		Background:   bg,
		Mask:         mask,
		Skeleton:     skel,
		Graph:        sampleGraph(),
		Bifurcations: []bifurcation.Bifurcation{valid},
	})

	img := viewer.Overlay()
	if img.Bounds() != image.Rect(0, 0, 20, 20) {
		t.Fatalf("Overlay bounds = %v", img.Bounds())
	}

	if got := img.RGBAAt(19, 0); got.R != 127 || got.G != 127 || got.B != 127 {
		t.Errorf("background pixel = %v, want gray 127", got)
	}
	if got := img.RGBAAt(5, 5); got.R <= got.G {
		t.Errorf("mask pixel should be tinted red, got %v", got)
	}
	if got := img.RGBAAt(6, 5); got != SkeletonColor {
		t.Errorf("skeleton pixel = %v, want %v", got, SkeletonColor)
	}
	if got := img.RGBAAt(10, 10); got != ValidColor {
		t.Errorf("junction marker = %v, want %v", got, ValidColor)
	}
	if got := img.RGBAAt(2, 18); got != EndpointColor {
		t.Errorf("endpoint marker = %v, want %v", got, EndpointColor)
	}
}

func TestOverlayInvalidJunction(t *testing.T) {
	invalid := bifurcation.Bifurcation{Node: 0, Position: r2.Vec{X: 10, Y: 10}, Checked: true}
	img := NewViewer(20, 20, Layers{Bifurcations: []bifurcation.Bifurcation{invalid}}).Overlay()

	if got := img.RGBAAt(10, 10); got != InvalidColor {
		t.Errorf("invalid junction marker = %v, want %v", got, InvalidColor)
	}
	if got := img.RGBAAt(0, 0); got.R != 0 || got.A != 255 {
		t.Errorf("empty background pixel = %v, want opaque black", got)
	}
}

func TestDrawProjected(t *testing.T) {
	p, err := carm.NewModel(config.DefaultConfig().Geometry).Projection(models.CArmView{}, 256, 256)
	if err != nil {
		t.Fatalf("Projection failed: %v", err)
	}

	img := image.NewRGBA(image.Rect(0, 0, 256, 256))
	line := [][]r3.Vec{{{X: -10, Y: 0, Z: 0}, {X: 10, Y: 0, Z: 0}}}
	DrawProjected(img, line, p, ReprojectColor)

	// the isocenter projects onto the principal point
	if got := img.RGBAAt(128, 128); got != ReprojectColor {
		t.Errorf("pixel at principal point = %v, want %v", got, ReprojectColor)
	}
	if got := img.RGBAAt(128, 20); got == ReprojectColor {
		t.Error("pixel far from the line should not be drawn")
	}
}

func TestProjectTree(t *testing.T) {
	tree := [][]r3.Vec{
		{{X: 0, Y: 0, Z: 0}, {X: 0, Y: 20, Z: 0}},
		{{X: 0, Y: 0, Z: 0}, {X: 10, Y: -10, Z: 5}},
	}

	for _, axis := range []string{"x", "y", "z"} {
		img, err := ProjectTree(tree, axis, 64)
		if err != nil {
			t.Fatalf("ProjectTree(%s) failed: %v", axis, err)
		}
		if img.Bounds().Dx() != 64 || img.Bounds().Dy() != 64 {
			t.Errorf("ProjectTree(%s) bounds = %v", axis, img.Bounds())
		}

		lit := 0
		rgba := img.(*image.RGBA)
		for y := 0; y < 64; y++ {
			for x := 0; x < 64; x++ {
				if rgba.RGBAAt(x, y) == TreeColor {
					lit++
				}
			}
		}
		if lit == 0 {
			t.Errorf("ProjectTree(%s) drew nothing", axis)
		}
	}
}

func TestProjectTreeErrors(t *testing.T) {
	tree := [][]r3.Vec{{{X: 1, Y: 2, Z: 3}}}

	if _, err := ProjectTree(tree, "w", 64); err == nil {
		t.Error("Expected error for invalid axis")
	}
	if _, err := ProjectTree(tree, "x", 0); err == nil {
		t.Error("Expected error for zero size")
	}
	if _, err := ProjectTree(nil, "x", 64); err == nil {
		t.Error("Expected error for empty tree")
	}
	if _, err := ProjectTree(tree, "z", 32); err != nil {
		t.Errorf("single point tree should render: %v", err)
	}
}

func TestSaveProjections(t *testing.T) {
	dir := t.TempDir()
	tree := [][]r3.Vec{{{X: 0, Y: 0, Z: 0}, {X: 5, Y: 12, Z: -3}}}

	if err := SaveProjections(tree, dir, 32); err != nil {
		t.Fatalf("SaveProjections failed: %v", err)
	}
	for _, axis := range []string{"x", "y", "z"} {
		path := filepath.Join(dir, "projection_"+axis+".png")
		if _, err := os.Stat(path); err != nil {
			t.Errorf("missing %s: %v", path, err)
		}
	}
}

func TestToDOT(t *testing.T) {
	bifs := []bifurcation.Bifurcation{{Node: 0, Checked: true, Valid: false}}
	dot := ToDOT(sampleGraph(), bifs)

	if !strings.HasPrefix(dot, "graph G {") {
		t.Error("ToDOT() output missing graph declaration")
	}
	if !strings.Contains(dot, "n1 -- n0") {
		t.Error("ToDOT() output missing edge")
	}
	if !strings.Contains(dot, "salmon") {
		t.Error("ToDOT() invalid junction missing salmon fill")
	}
	if strings.Count(dot, "shape=point") != 3 {
		t.Error("ToDOT() should draw three endpoints")
	}
}

func TestRenderSVG(t *testing.T) {
	svg, err := RenderSVG(context.Background(), ToDOT(sampleGraph(), nil))
	if err != nil {
		t.Fatalf("RenderSVG() error: %v", err)
	}
	if !strings.Contains(string(svg), "<svg") {
		t.Error("RenderSVG() output missing <svg> tag")
	}
}

func TestRenderSVG_InvalidDOT(t *testing.T) {
	if _, err := RenderSVG(context.Background(), `not valid DOT {{{`); err == nil {
		t.Error("RenderSVG() should return error for invalid DOT")
	}
}
