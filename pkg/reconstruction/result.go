package reconstruction

import (
	"encoding/json"

	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"

	"coronary3d/internal/models"
	"coronary3d/pkg/bifurcation"
	"coronary3d/pkg/errors"
	"coronary3d/pkg/vesselgraph"
)

// ResultKind discriminates the result variants.
type ResultKind string

const (
	KindSingleImage    ResultKind = "single_image"
	KindReconstruction ResultKind = "reconstruction"
)

// Method names how a result was produced.
type Method string

const (
	MethodSingleImage    Method = "single_image"
	MethodMultiView      Method = "multi_view_complete_tree"
	MethodManualTracking Method = "manual_tracking"
)

// Result is returned by Run. Callers switch on Kind, or on the concrete
// type, to reach the variant.
type Result interface {
	Kind() ResultKind
	ResultWarnings() []errors.Warning
}

// Branch2D is one branch of a single-image vessel graph.
type Branch2D struct {
	ID       int                    `json:"id"`
	From     int                    `json:"from"`
	To       int                    `json:"to"`
	Type     vesselgraph.BranchType `json:"type"`
	Length   float64                `json:"length_px"`
	Diameter float64                `json:"diameter_px"`
	Points   []r2.Vec               `json:"points"`
}

// SingleImageResult is the 2D analysis of one image.
type SingleImageResult struct {
	Method Method `json:"reconstruction_method"`
	Width  int    `json:"width"`
	Height int    `json:"height"`

	NumBranches          int     `json:"num_branches"`
	NumBifurcations      int     `json:"num_bifurcations"`
	NumValidBifurcations int     `json:"num_valid_bifurcations"`
	TotalLength          float64 `json:"total_vessel_length_px"`

	// MainCenterline is the longest branch
	MainCenterline []r2.Vec `json:"main_centerline"`

	Branches     []Branch2D                `json:"branches"`
	Bifurcations []bifurcation.Bifurcation `json:"bifurcations"`
	Warnings     []errors.Warning          `json:"warnings"`

	// Analysis keeps the intermediate images for overlay rendering
	Analysis *ViewAnalysis `json:"-"`
}

func (r *SingleImageResult) Kind() ResultKind { return KindSingleImage }

func (r *SingleImageResult) ResultWarnings() []errors.Warning { return r.Warnings }

// MarshalJSON adds the kind discriminant.
func (r *SingleImageResult) MarshalJSON() ([]byte, error) {
	type plain SingleImageResult
	return json.Marshal(struct {
		Kind ResultKind `json:"kind"`
		plain
	}{r.Kind(), plain(*r)})
}

// Point3D is a reconstructed vessel point.
type Point3D struct {
	Position r3.Vec `json:"position"`

	// Residuals holds the reprojection error in pixels per contributing view
	Residuals []float64 `json:"residuals"`
	Views     []int     `json:"views"`

	// Degenerate marks points triangulated from near-parallel rays
	Degenerate bool `json:"degenerate"`
}

// Branch3D is an ordered 3D vessel branch.
type Branch3D struct {
	ID         int                    `json:"id"`
	Role       string                 `json:"role,omitempty"`
	Type       vesselgraph.BranchType `json:"type"`
	Points     []Point3D              `json:"points"`
	Length     float64                `json:"length_mm"`
	Confidence float64                `json:"confidence"`
	ViewsUsed  []int                  `json:"views_used"`
}

// Bifurcation3D is a branching point located in 3D.
type Bifurcation3D struct {
	Position r3.Vec           `json:"position"`
	Kind     bifurcation.Kind `json:"kind"`
	Degree   int              `json:"degree"`

	// Angle between the two child branches in degrees
	Angle float64 `json:"angle"`

	// Branches are the IDs of the 3D branches meeting here
	Branches []int `json:"branches"`

	Checked    bool    `json:"checked"`
	Valid      bool    `json:"valid"`
	Confidence float64 `json:"confidence"`
	Views      []int   `json:"views"`
}

// ViewSummary describes one input view of a reconstruction.
type ViewSummary struct {
	View            models.CArmView `json:"view"`
	Width           int             `json:"width"`
	Height          int             `json:"height"`
	NumBranches     int             `json:"num_branches"`
	NumBifurcations int             `json:"num_bifurcations"`
	Used            bool            `json:"used"`
}

// ReconstructionResult is a 3D vessel tree fused from several views.
type ReconstructionResult struct {
	Method       Method          `json:"reconstruction_method"`
	Branches     []Branch3D      `json:"branches"`
	Bifurcations []Bifurcation3D `json:"bifurcations"`

	// Confidence is in [0, 1]; it drops with residuals, invalid
	// bifurcations, degenerate geometry and non-convergence
	Confidence float64 `json:"confidence"`

	NumViews     int `json:"num_views"`
	NumViewsUsed int `json:"num_views_used"`

	MeanResidual float64 `json:"mean_residual_px"`
	Iterations   int     `json:"iterations"`
	Converged    bool    `json:"converged"`

	Views    []ViewSummary    `json:"views"`
	Warnings []errors.Warning `json:"warnings"`

	// Analyses holds the per-view 2D stages; nil in manual mode
	Analyses []*ViewAnalysis `json:"-"`
}

func (r *ReconstructionResult) Kind() ResultKind { return KindReconstruction }

func (r *ReconstructionResult) ResultWarnings() []errors.Warning { return r.Warnings }

// MarshalJSON adds the kind discriminant.
func (r *ReconstructionResult) MarshalJSON() ([]byte, error) {
	type plain ReconstructionResult
	return json.Marshal(struct {
		Kind ResultKind `json:"kind"`
		plain
	}{r.Kind(), plain(*r)})
}

// ValidBifurcations counts the 3D bifurcations that passed the cube law.
func (r *ReconstructionResult) ValidBifurcations() int {
	n := 0
	for _, b := range r.Bifurcations {
		if b.Checked && b.Valid {
			n++
		}
	}
	return n
}

// Polylines returns the branch positions, in branch order.
func (r *ReconstructionResult) Polylines() [][]r3.Vec {
	out := make([][]r3.Vec, len(r.Branches))
	for i, b := range r.Branches {
		pts := make([]r3.Vec, len(b.Points))
		for j, p := range b.Points {
			pts[j] = p.Position
		}
		out[i] = pts
	}
	return out
}
