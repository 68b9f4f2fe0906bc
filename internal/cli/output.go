package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/spatial/r3"

	"coronary3d/internal/models"
	"coronary3d/pkg/carm"
	"coronary3d/pkg/config"
	"coronary3d/pkg/interpolation"
	"coronary3d/pkg/logging"
	"coronary3d/pkg/reconstruction"
	"coronary3d/pkg/stl"
	"coronary3d/pkg/visualization"
)

const (
	defaultOutputDir  = "coronary3d_output"
	defaultTubeRadius = 1.5 // mm
	defaultSmoothing  = 1.0 // mm between resampled centerline points
	tubeSegments      = 16
	projectionSize    = 512
)

// outputOpts are the flags controlling which artifacts a command writes.
type outputOpts struct {
	dir    string  // output directory
	svg    bool    // Graphviz drawing of each view's vessel graph
	stl    bool    // tube mesh of the 3D tree
	radius float64 // tube radius in mm
	smooth float64 // centerline resampling step in mm; 0 keeps the raw points
}

func (o *outputOpts) register(cmd *cobra.Command, tree bool) {
	cmd.Flags().StringVarP(&o.dir, "output", "o", defaultOutputDir, "output directory")
	cmd.Flags().BoolVar(&o.svg, "svg", true, "write a Graphviz SVG of each vessel graph")
	if tree {
		cmd.Flags().BoolVar(&o.stl, "stl", true, "write a binary STL tube mesh of the 3D tree")
		cmd.Flags().Float64Var(&o.radius, "radius", defaultTubeRadius, "tube radius of the STL mesh in mm")
		cmd.Flags().Float64Var(&o.smooth, "smooth", defaultSmoothing, "resample exported centerlines every this many mm by kriging (0 = raw points)")
	}
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}

// writeViewArtifacts writes the overlay of one analysed view, with the 3D
// tree reprojected on top when polylines is non-empty, and optionally the
// DOT and SVG drawings of its vessel graph.
func writeViewArtifacts(ctx context.Context, cfg *config.Config, opts outputOpts, name string, a *reconstruction.ViewAnalysis, bg *models.Image, polylines [][]r3.Vec) error {
	logger := logging.FromContext(ctx)

	overlay := visualization.NewViewer(a.Width, a.Height, visualization.Layers{
		Background:   bg,
		Mask:         a.Mask,
		Skeleton:     a.Skeleton,
		Graph:        a.Graph,
		Bifurcations: a.Bifurcations,
	}).Overlay()
	if len(polylines) > 0 {
		p, err := carm.NewModel(cfg.Geometry).Projection(a.View, a.Width, a.Height)
		if err != nil {
			return err
		}
		visualization.DrawProjected(overlay, polylines, p, visualization.ReprojectColor)
	}
	path := filepath.Join(opts.dir, name+"_overlay.png")
	if err := visualization.SaveImage(overlay, path); err != nil {
		return fmt.Errorf("save overlay: %w", err)
	}
	logger.Debug("wrote overlay", "path", path)

	if !opts.svg || a.Graph == nil {
		return nil
	}
	dot := visualization.ToDOT(a.Graph, a.Bifurcations)
	if err := os.WriteFile(filepath.Join(opts.dir, name+"_graph.dot"), []byte(dot), 0644); err != nil {
		return err
	}
	svg, err := visualization.RenderSVG(ctx, dot)
	if err != nil {
		// Graphviz failures only cost the drawing.
		logger.Warn("graph rendering failed", "view", name, "err", err)
		return nil
	}
	return os.WriteFile(filepath.Join(opts.dir, name+"_graph.svg"), svg, 0644)
}

// writeTree writes the orthographic projections and the STL mesh of a 3D
// reconstruction. The JSON result always keeps the unsmoothed points.
func writeTree(ctx context.Context, opts outputOpts, res *reconstruction.ReconstructionResult) error {
	logger := logging.FromContext(ctx)
	polylines := res.Polylines()
	if len(polylines) == 0 {
		logger.Warn("no 3D branches to export")
		return nil
	}
	if opts.smooth > 0 {
		k := interpolation.New(interpolation.DefaultParams())
		for i, line := range polylines {
			polylines[i] = k.Resample(line, opts.smooth)
		}
	}

	if err := visualization.SaveProjections(polylines, filepath.Join(opts.dir, "projections"), projectionSize); err != nil {
		return fmt.Errorf("save projections: %w", err)
	}

	if !opts.stl {
		return nil
	}
	mesher := stl.NewTubeMesher(tubeSegments)
	var tris []stl.Triangle
	for _, line := range polylines {
		tris = append(tris, mesher.Tube(line, opts.radius)...)
	}
	path := filepath.Join(opts.dir, "tree.stl")
	if err := stl.SaveToSTL(path, tris); err != nil {
		return fmt.Errorf("save STL: %w", err)
	}
	logger.Info("wrote mesh", "path", path, "triangles", len(tris))
	return nil
}

// printSummary writes a short human-readable report of res to stdout.
func printSummary(cmd *cobra.Command, res reconstruction.Result) {
	out := cmd.OutOrStdout()
	switch r := res.(type) {
	case *reconstruction.SingleImageResult:
		fmt.Fprintf(out, "Image %dx%d\n", r.Width, r.Height)
		fmt.Fprintf(out, "Branches: %d (total length %.1f px)\n", r.NumBranches, r.TotalLength)
		fmt.Fprintf(out, "Bifurcations: %d (%d valid)\n", r.NumBifurcations, r.NumValidBifurcations)
	case *reconstruction.ReconstructionResult:
		fmt.Fprintf(out, "Method: %s\n", r.Method)
		fmt.Fprintf(out, "Views used: %d of %d\n", r.NumViewsUsed, r.NumViews)
		fmt.Fprintf(out, "Branches: %d\n", len(r.Branches))
		fmt.Fprintf(out, "Bifurcations: %d (%d valid)\n", len(r.Bifurcations), r.ValidBifurcations())
		fmt.Fprintf(out, "Mean residual: %.3f px, confidence %.2f\n", r.MeanResidual, r.Confidence)
	}
	for _, w := range res.ResultWarnings() {
		fmt.Fprintf(out, "warning: %s\n", w)
	}
}
