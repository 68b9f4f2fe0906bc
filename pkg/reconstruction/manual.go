package reconstruction

import (
	"context"

	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"

	"coronary3d/internal/models"
	"coronary3d/pkg/bifurcation"
	"coronary3d/pkg/bundle"
	"coronary3d/pkg/carm"
	"coronary3d/pkg/errors"
	"coronary3d/pkg/logging"
	"coronary3d/pkg/vesselgraph"
)

// minTrackedPoints is the fewest tracked points a view may contribute.
const minTrackedPoints = 3

// ReconstructManual reconstructs branches tracked by an operator. Each
// role tracked in at least two views is matched along its polylines,
// triangulated and refined; the origins of side branches are reported as
// bifurcations without a cube-law check.
func (r *Reconstructor) ReconstructManual(ctx context.Context, tracked []models.TrackedView) (*ReconstructionResult, error) {
	angles := make([]models.CArmView, len(tracked))
	for i, tv := range tracked {
		angles[i] = tv.View
	}
	if err := validateViews(angles); err != nil {
		return nil, err
	}
	for i, tv := range tracked {
		if n := tv.PointCount(); n < minTrackedPoints {
			return nil, errors.New(errors.ErrCodeTooFewPoints, "view %d has %d tracked points, need at least %d", i, n, minTrackedPoints)
		}
		for role := range tv.Branches {
			if role == models.RoleUnknown {
				return nil, errors.New(errors.ErrCodeUnknownBranch, "view %d has a branch without a known role", i)
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	logger := logging.FromContext(ctx)
	res := &ReconstructionResult{
		Method:       MethodManualTracking,
		NumViews:     len(tracked),
		Branches:     []Branch3D{},
		Bifurcations: []Bifurcation3D{},
		Warnings:     []errors.Warning{},
	}

	projs := make([]*carm.Projection, len(tracked))
	roles := make(map[models.BranchRole]bool)
	for i, tv := range tracked {
		p, err := r.model.Projection(tv.View, tv.Width, tv.Height)
		if err != nil {
			return nil, err
		}
		projs[i] = p
		for role := range tv.Branches {
			roles[role] = true
		}
		res.Views = append(res.Views, ViewSummary{
			View:        tv.View,
			Width:       tv.Width,
			Height:      tv.Height,
			NumBranches: len(tv.Branches),
		})
	}

	set := newTrackSet(r.tri, projs)
	type roleTracks struct {
		role   models.BranchRole
		tracks []int
		views  []int
	}
	var groups []roleTracks
	for _, role := range sortedKeys(roles) {
		lines := make(map[int][]r2.Vec)
		ref := -1
		var views []int
		for v, tv := range tracked {
			if pts := tv.Branches[role]; len(pts) >= 2 {
				lines[v] = pts
				views = append(views, v)
				if ref < 0 {
					ref = v
				}
			}
		}
		if len(lines) < 2 {
			logger.Debug("branch tracked in a single view, skipped", "role", role)
			continue
		}

		g := roleTracks{role: role, views: views}
		for _, s := range r.matcher.SampleBranch(projs, ref, lines, true) {
			if id := set.add(s); id >= 0 {
				g.tracks = append(g.tracks, id)
			}
		}
		if len(g.tracks) >= 2 {
			groups = append(groups, g)
		}
	}

	rf, err := r.refine(ctx, set)
	if err != nil {
		return nil, err
	}

	hasSide := false
	for _, g := range groups {
		if g.role.IsSideBranch() {
			hasSide = true
		}
	}
	mainID := -1
	for _, g := range groups {
		typ := vesselgraph.BranchTerminal
		if g.role == models.RoleMainVessel {
			typ = vesselgraph.BranchIsolated
			if hasSide {
				typ = vesselgraph.BranchParent
			}
		}
		b := r.branch3D(rf, len(res.Branches), g.tracks, typ, g.views)
		b.Role = g.role.String()
		res.Branches = append(res.Branches, b)
		if g.role == models.RoleMainVessel {
			mainID = b.ID
		}
	}

	for _, b := range res.Branches {
		if b.ID == mainID {
			continue
		}
		res.Bifurcations = append(res.Bifurcations, r.sideOrigin(rf, res.Branches, mainID, b))
	}

	r.finish(ctx, res, rf)
	return res, nil
}

// sideOrigin reports where a side branch leaves the main vessel. Manual
// tracks carry no diameters, so the cube law is not checked.
func (r *Reconstructor) sideOrigin(rf *refined, branches []Branch3D, main int, side Branch3D) Bifurcation3D {
	origin := side.Points[0]
	b := Bifurcation3D{
		Position: origin.Position,
		Kind:     bifurcation.KindBifurcation,
		Degree:   3,
		Branches: []int{side.ID},
		Views:    origin.Views,
	}
	if main >= 0 {
		b.Branches = []int{main, side.ID}
		mp := branches[main].Points
		j := nearestPoint(mp, origin.Position)
		along := r3.Sub(mp[min(j+1, len(mp)-1)].Position, mp[max(j-1, 0)].Position)
		out := r3.Sub(side.Points[min(2, len(side.Points)-1)].Position, origin.Position)
		b.Angle = angle3D(along, out)
	}
	b.Confidence = bundle.Confidence(r.cfg.Confidence, bundle.Quality{
		MeanResidual: mean(origin.Residuals),
		Converged:    rf.res.Converged,
	})
	return b
}

func nearestPoint(pts []Point3D, x r3.Vec) int {
	best, bestD := 0, -1.0
	for i, p := range pts {
		if d := r3.Norm(r3.Sub(p.Position, x)); bestD < 0 || d < bestD {
			best, bestD = i, d
		}
	}
	return best
}

func mean(vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	return stat.Mean(vs, nil)
}
