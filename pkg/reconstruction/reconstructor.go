// Package reconstruction runs the coronary reconstruction pipeline for one
// request: per-image vessel analysis, multi-view fusion into a 3D tree, and
// the manual tracking path that starts from operator-picked points.
package reconstruction

import (
	"context"
	"runtime"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"coronary3d/internal/models"
	"coronary3d/pkg/bifurcation"
	"coronary3d/pkg/bundle"
	"coronary3d/pkg/carm"
	"coronary3d/pkg/config"
	"coronary3d/pkg/correspondence"
	"coronary3d/pkg/errors"
	"coronary3d/pkg/imageio"
	"coronary3d/pkg/logging"
	"coronary3d/pkg/skeleton"
	"coronary3d/pkg/triangulation"
	"coronary3d/pkg/vesselgraph"
	"coronary3d/pkg/vesselness"
)

// Reconstructor wires the pipeline stages together. It holds only
// configuration, so one instance can serve concurrent requests.
//
// The pipeline consists of these steps:
// 1. Vesselness filtering and thresholding of each image
// 2. Skeletonization of the vessel mask
// 3. Building the vessel graph from the skeleton
// 4. Bifurcation analysis of the graph
// 5. Matching nodes and branches across views
// 6. Triangulation and bundle adjustment of the matched points
//
// Steps 1-4 run concurrently per image; 5 and 6 wait for all of them.
type Reconstructor struct {
	cfg *config.Config

	filter   *vesselness.Filter
	skel     *skeleton.Skeletonizer
	builder  *vesselgraph.Builder
	analyzer *bifurcation.Analyzer
	model    *carm.Model
	tri      *triangulation.Triangulator
	matcher  *correspondence.Matcher
	adjuster *bundle.Adjuster
}

// NewReconstructor creates a Reconstructor for the given configuration.
//
// Parameters:
//   - cfg: validated configuration; nil selects the defaults
//
// Returns:
//   - A Reconstructor ready to serve requests
func NewReconstructor(cfg *config.Config) *Reconstructor {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	tri := triangulation.New(cfg.Triangulation, cfg.Geometry.SourceToIsocenterMM)
	return &Reconstructor{
		cfg:      cfg,
		filter:   vesselness.NewFilter(cfg.Vesselness),
		skel:     skeleton.New(cfg.Skeleton),
		builder:  vesselgraph.NewBuilder(cfg.Graph),
		analyzer: bifurcation.NewAnalyzer(cfg.Bifurcation),
		model:    carm.NewModel(cfg.Geometry),
		tri:      tri,
		matcher:  correspondence.NewMatcher(cfg.Matching, tri),
		adjuster: bundle.New(cfg.Bundle),
	}
}

// Config returns the configuration the Reconstructor was built with.
func (r *Reconstructor) Config() *config.Config {
	return r.cfg
}

// MaskView is a binary vessel mask with the C-arm angles it was seen from.
type MaskView struct {
	Mask *models.Mask
	View models.CArmView
}

// Request is the input of Run. Method selects the mode: single image uses
// Images[0] (or Masks[0]); multi-view pairs Images (or Masks) with Views
// by index; manual tracking uses Tracks.
type Request struct {
	Method Method
	Images []*models.Image
	Masks  []*models.Mask
	Views  []models.CArmView
	Tracks []models.TrackedView
}

// Run processes one request. The returned error is always an input error
// or a context error; every other problem is reported inside the result.
func (r *Reconstructor) Run(ctx context.Context, req Request) (Result, error) {
	logger := logging.FromContext(ctx).With("request_id", uuid.NewString(), "mode", string(req.Method))
	ctx = logging.WithLogger(ctx, logger)

	switch req.Method {
	case MethodSingleImage:
		if len(req.Masks) > 0 {
			return r.AnalyzeMask(ctx, req.Masks[0])
		}
		if len(req.Images) == 0 {
			return nil, errors.New(errors.ErrCodeInvalidInput, "no image supplied")
		}
		return r.AnalyzeImage(ctx, req.Images[0])

	case MethodMultiView:
		if len(req.Masks) > 0 {
			if len(req.Masks) != len(req.Views) {
				return nil, errors.New(errors.ErrCodeViewMismatch, "%d masks but %d views", len(req.Masks), len(req.Views))
			}
			views := make([]MaskView, len(req.Masks))
			for i := range req.Masks {
				views[i] = MaskView{Mask: req.Masks[i], View: req.Views[i]}
			}
			return r.ReconstructMasks(ctx, views)
		}
		if len(req.Images) != len(req.Views) {
			return nil, errors.New(errors.ErrCodeViewMismatch, "%d images but %d views", len(req.Images), len(req.Views))
		}
		views := make([]models.ViewImage, len(req.Images))
		for i := range req.Images {
			views[i] = models.ViewImage{Image: req.Images[i], View: req.Views[i]}
		}
		return r.Reconstruct(ctx, views)

	case MethodManualTracking:
		return r.ReconstructManual(ctx, req.Tracks)

	default:
		return nil, errors.New(errors.ErrCodeInvalidInput, "unknown reconstruction method %q", req.Method)
	}
}

// AnalyzeImage runs the 2D stages on one image.
func (r *Reconstructor) AnalyzeImage(ctx context.Context, img *models.Image) (*SingleImageResult, error) {
	if img.Empty() {
		return nil, errors.New(errors.ErrCodeInvalidInput, "image is empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.singleResult(ctx, r.analyzeImage(ctx, img)), nil
}

// AnalyzeMask runs the 2D stages on an already segmented vessel mask.
func (r *Reconstructor) AnalyzeMask(ctx context.Context, mask *models.Mask) (*SingleImageResult, error) {
	if mask == nil || mask.Width <= 0 || mask.Height <= 0 {
		return nil, errors.New(errors.ErrCodeInvalidInput, "mask is empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.singleResult(ctx, r.analyzeMask(ctx, mask)), nil
}

// Reconstruct fuses two or more angiograms into a 3D vessel tree.
func (r *Reconstructor) Reconstruct(ctx context.Context, views []models.ViewImage) (*ReconstructionResult, error) {
	angles := make([]models.CArmView, len(views))
	for i, v := range views {
		angles[i] = v.View
	}
	if err := validateViews(angles); err != nil {
		return nil, err
	}
	for i, v := range views {
		if v.Image.Empty() {
			return nil, errors.New(errors.ErrCodeInvalidInput, "image %d is empty", i)
		}
	}

	analyses, err := r.analyzeAll(ctx, len(views), func(ctx context.Context, i int) *ViewAnalysis {
		a := r.analyzeImage(ctx, views[i].Image)
		a.View = views[i].View
		return a
	})
	if err != nil {
		return nil, err
	}
	return r.fuse(ctx, analyses)
}

// ReconstructMasks fuses two or more segmented vessel masks into a 3D tree.
func (r *Reconstructor) ReconstructMasks(ctx context.Context, views []MaskView) (*ReconstructionResult, error) {
	angles := make([]models.CArmView, len(views))
	for i, v := range views {
		angles[i] = v.View
	}
	if err := validateViews(angles); err != nil {
		return nil, err
	}
	for i, v := range views {
		if v.Mask == nil || v.Mask.Width <= 0 || v.Mask.Height <= 0 {
			return nil, errors.New(errors.ErrCodeInvalidInput, "mask %d is empty", i)
		}
	}

	analyses, err := r.analyzeAll(ctx, len(views), func(ctx context.Context, i int) *ViewAnalysis {
		a := r.analyzeMask(ctx, views[i].Mask)
		a.View = views[i].View
		return a
	})
	if err != nil {
		return nil, err
	}
	return r.fuse(ctx, analyses)
}

// validateViews rejects requests with fewer than two views or with gantry
// angles out of range.
func validateViews(views []models.CArmView) error {
	if len(views) < 2 {
		return errors.New(errors.ErrCodeTooFewViews, "multi-view reconstruction needs at least 2 views, got %d", len(views))
	}
	for i, v := range views {
		if err := carm.ValidateView(v); err != nil {
			return errors.Wrap(errors.ErrCodeInvalidAngle, err, "view %d", i)
		}
	}
	return nil
}

// workers returns the number of views analysed concurrently.
func (r *Reconstructor) workers() int {
	if r.cfg.Processing.NumCores > 0 {
		return r.cfg.Processing.NumCores
	}
	return runtime.NumCPU()
}

// analyzeAll runs fn for every view on a bounded worker pool and waits for
// all of them. It fails only when ctx is done.
func (r *Reconstructor) analyzeAll(ctx context.Context, n int, fn func(context.Context, int) *ViewAnalysis) ([]*ViewAnalysis, error) {
	logger := logging.FromContext(ctx)
	timer := logging.StartTimer(logger)

	out := make([]*ViewAnalysis, n)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers())
	for i := 0; i < n; i++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out[i] = fn(logging.WithLogger(gctx, logger.With("view", i)), i)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	timer.Done("per-view analysis finished", "views", n)
	return out, nil
}

// ViewAnalysis holds the 2D stages of one view.
type ViewAnalysis struct {
	View   models.CArmView
	Width  int
	Height int

	// Response is the vesselness map; nil when the input was a mask
	Response  *models.Image
	Threshold float64
	Enhanced  bool

	Mask     *models.Mask
	Skeleton *models.Mask
	Distance *skeleton.DistanceMap

	Graph        *vesselgraph.Graph
	Bifurcations []bifurcation.Bifurcation
}

func (r *Reconstructor) analyzeImage(ctx context.Context, img *models.Image) *ViewAnalysis {
	src, enhanced := img, false
	if r.cfg.Vesselness.CLAHE {
		src, enhanced = imageio.Enhance(img, r.cfg.Vesselness.CLAHEClipLimit, r.cfg.Vesselness.CLAHETileSize)
	}

	timer := logging.StartTimer(logging.FromContext(ctx))
	seg := r.filter.Segment(src)
	timer.Done("vesselness", "threshold", seg.Threshold, "pixels", seg.Mask.Count(), "clahe", enhanced)

	a := r.analyzeMask(ctx, seg.Mask)
	a.Response = seg.Response
	a.Threshold = seg.Threshold
	a.Enhanced = enhanced
	return a
}

func (r *Reconstructor) analyzeMask(ctx context.Context, mask *models.Mask) *ViewAnalysis {
	timer := logging.StartTimer(logging.FromContext(ctx))

	skel := r.skel.Skeletonize(mask)
	dist := skeleton.DistanceTransform(mask)
	g := r.builder.Build(skel, dist)
	bifs := r.analyzer.Analyze(g)

	timer.Done("vessel graph",
		"skeleton", skel.Count(),
		"nodes", len(g.Nodes),
		"branches", len(g.Edges),
		"bifurcations", len(bifs))
	return &ViewAnalysis{
		Width:        mask.Width,
		Height:       mask.Height,
		Mask:         mask,
		Skeleton:     skel,
		Distance:     dist,
		Graph:        g,
		Bifurcations: bifs,
	}
}

// singleResult summarises one view's analysis.
func (r *Reconstructor) singleResult(ctx context.Context, a *ViewAnalysis) *SingleImageResult {
	logger := logging.FromContext(ctx)
	g := a.Graph
	res := &SingleImageResult{
		Method:       MethodSingleImage,
		Width:        a.Width,
		Height:       a.Height,
		NumBranches:  len(g.Edges),
		TotalLength:  g.TotalLength(),
		Branches:     make([]Branch2D, 0, len(g.Edges)),
		Bifurcations: a.Bifurcations,
		Warnings:     []errors.Warning{},
		Analysis:     a,
	}
	for _, e := range g.Edges {
		res.Branches = append(res.Branches, Branch2D{
			ID:       e.ID,
			From:     e.From,
			To:       e.To,
			Type:     g.BranchType(e.ID),
			Length:   e.Length,
			Diameter: e.Diameter,
			Points:   pathPoints(e.Path),
		})
	}
	if longest := g.LongestEdge(); longest >= 0 {
		res.MainCenterline = res.Branches[longest].Points
	}

	if a.Mask.Empty() || len(g.Edges) == 0 {
		res.Warnings = append(res.Warnings, errors.NewWarning(errors.WarnEmptySegmentation, "no vessels detected"))
	}
	for _, b := range a.Bifurcations {
		if b.Kind != bifurcation.KindBifurcation {
			continue
		}
		res.NumBifurcations++
		if b.Checked && b.Valid {
			res.NumValidBifurcations++
		}
		if b.Checked && !b.Valid {
			res.Warnings = append(res.Warnings, errors.NewWarning(errors.WarnInvalidBifurcation,
				"junction %d breaks the cube law (ratio %.2f)", b.Node, b.MurrayRatio))
		}
	}
	for _, w := range res.Warnings {
		logger.Warn(w.Message, "kind", w.Kind)
	}
	logger.Info("single image analysed",
		"branches", res.NumBranches,
		"bifurcations", res.NumBifurcations,
		"length", res.TotalLength)
	return res
}
