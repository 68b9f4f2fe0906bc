package reconstruction

import (
	"context"
	"image"
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"

	"coronary3d/pkg/bifurcation"
	"coronary3d/pkg/bundle"
	"coronary3d/pkg/carm"
	"coronary3d/pkg/correspondence"
	"coronary3d/pkg/errors"
	"coronary3d/pkg/logging"
	"coronary3d/pkg/triangulation"
	"coronary3d/pkg/vesselgraph"
)

// trackSet collects triangulated correspondences for bundle adjustment.
type trackSet struct {
	tri    *triangulation.Triangulator
	projs  []*carm.Projection
	tracks []bundle.Track
	points []triangulation.Point
	views  [][]int
}

func newTrackSet(tri *triangulation.Triangulator, projs []*carm.Projection) *trackSet {
	return &trackSet{tri: tri, projs: projs}
}

// add triangulates obs and returns the track index, or -1 when the
// observations cannot be triangulated.
func (s *trackSet) add(obs []correspondence.Observation) int {
	if len(obs) < 2 {
		return -1
	}
	projs := make([]*carm.Projection, len(obs))
	pts := make([]r2.Vec, len(obs))
	track := bundle.Track{Obs: make([]bundle.Observation, len(obs))}
	views := make([]int, len(obs))
	for i, o := range obs {
		projs[i] = s.projs[o.View]
		pts[i] = o.Point
		track.Obs[i] = bundle.Observation{Camera: o.View, Point: o.Point}
		views[i] = o.View
	}
	pt, err := s.tri.Triangulate(projs, pts)
	if err != nil {
		return -1
	}
	track.X = pt.X
	s.tracks = append(s.tracks, track)
	s.points = append(s.points, pt)
	s.views = append(s.views, views)
	return len(s.tracks) - 1
}

// refined is the outcome of bundle adjustment over a track set.
type refined struct {
	set *trackSet
	res *bundle.Result
}

func (rf *refined) point(i int) Point3D {
	return Point3D{
		Position:   rf.res.Points[i],
		Residuals:  rf.res.Residuals[i],
		Views:      rf.set.views[i],
		Degenerate: rf.set.points[i].Degenerate,
	}
}

// meanResidual averages the residuals of the given tracks.
func (rf *refined) meanResidual(ids []int) float64 {
	sum, n := 0.0, 0
	for _, id := range ids {
		for _, v := range rf.res.Residuals[id] {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func (rf *refined) degenerateFraction(ids []int) float64 {
	if len(ids) == 0 {
		return 0
	}
	n := 0
	for _, id := range ids {
		if rf.set.points[id].Degenerate {
			n++
		}
	}
	return float64(n) / float64(len(ids))
}

func (r *Reconstructor) refine(ctx context.Context, set *trackSet) (*refined, error) {
	res, err := r.adjuster.Adjust(ctx, set.projs, set.tracks)
	if err != nil {
		return nil, err
	}
	return &refined{set: set, res: res}, nil
}

// fuse matches the per-view graphs and builds the 3D tree.
func (r *Reconstructor) fuse(ctx context.Context, analyses []*ViewAnalysis) (*ReconstructionResult, error) {
	logger := logging.FromContext(ctx)
	res := &ReconstructionResult{
		Method:       MethodMultiView,
		NumViews:     len(analyses),
		Branches:     []Branch3D{},
		Bifurcations: []Bifurcation3D{},
		Warnings:     []errors.Warning{},
		Analyses:     analyses,
	}

	views := make([]correspondence.View, len(analyses))
	projs := make([]*carm.Projection, len(analyses))
	for i, a := range analyses {
		p, err := r.model.Projection(a.View, a.Width, a.Height)
		if err != nil {
			return nil, err
		}
		projs[i] = p
		views[i] = correspondence.View{Graph: a.Graph, Proj: p}
		res.Views = append(res.Views, ViewSummary{
			View:            a.View,
			Width:           a.Width,
			Height:          a.Height,
			NumBranches:     len(a.Graph.Edges),
			NumBifurcations: countKind(a.Bifurcations, bifurcation.KindBifurcation),
		})
		if len(a.Graph.Edges) == 0 {
			res.Warnings = append(res.Warnings, errors.NewViewWarning(errors.WarnEmptySegmentation, i, "no vessels detected in view %s", a.View))
		}
	}

	timer := logging.StartTimer(logger)
	nodes := r.matcher.MatchNodes(views)
	branches := r.matcher.MatchBranches(views, nodes)
	timer.Done("correspondence", "landmarks", len(nodes), "branches", len(branches))
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	set := newTrackSet(r.tri, projs)
	nodeTrack := make([]int, len(nodes))
	for i, c := range nodes {
		obs := make([]correspondence.Observation, len(c.Members))
		for k, m := range c.Members {
			obs[k] = correspondence.Observation{View: m.View, Point: analyses[m.View].Graph.Nodes[m.Node].Pos}
		}
		nodeTrack[i] = set.add(obs)
	}
	sampleTracks := make([][]int, len(branches))
	for i, b := range branches {
		for _, s := range b.Samples {
			if id := set.add(s); id >= 0 {
				sampleTracks[i] = append(sampleTracks[i], id)
			}
		}
	}

	rf, err := r.refine(ctx, set)
	if err != nil {
		return nil, err
	}

	rel := make([][]float64, len(analyses))
	for i, a := range analyses {
		rel[i] = a.Graph.RelativePositions()
	}

	// 3D branches, oriented from the end nearer the tree root.
	branchAt := make(map[int][]int)
	for i, b := range branches {
		ids := sampleTracks[i]
		if nodeTrack[b.Start] >= 0 {
			ids = append([]int{nodeTrack[b.Start]}, ids...)
		}
		if nodeTrack[b.End] >= 0 {
			ids = append(ids, nodeTrack[b.End])
		}
		if len(ids) < 2 {
			continue
		}

		ref := b.Edges[0]
		g := analyses[ref.View].Graph
		startNode, _ := nodes[b.Start].Member(ref.View)
		endNode, _ := nodes[b.End].Member(ref.View)
		if rel[ref.View][startNode] > rel[ref.View][endNode] {
			reverseInts(ids)
		}

		res.Branches = append(res.Branches, r.branch3D(rf, len(res.Branches), ids, g.BranchType(ref.Edge), b.Views()))
		id := len(res.Branches) - 1
		branchAt[b.Start] = append(branchAt[b.Start], id)
		branchAt[b.End] = append(branchAt[b.End], id)
	}

	// 3D bifurcations from matched junctions.
	for ci, c := range nodes {
		if c.Kind != vesselgraph.Junction || nodeTrack[ci] < 0 {
			continue
		}
		var seen []bifurcation.Bifurcation
		for _, m := range c.Members {
			if b, ok := findBifurcation(analyses[m.View].Bifurcations, m.Node); ok {
				seen = append(seen, b)
			}
		}
		if len(seen) == 0 {
			continue
		}
		res.Bifurcations = append(res.Bifurcations, r.bifurcation3D(rf, nodeTrack[ci], seen, res.Branches, branchAt[ci]))
	}

	r.finish(ctx, res, rf)
	return res, nil
}

// branch3D assembles a branch from refined tracks.
func (r *Reconstructor) branch3D(rf *refined, id int, tracks []int, typ vesselgraph.BranchType, views []int) Branch3D {
	b := Branch3D{ID: id, Type: typ, ViewsUsed: views, Points: make([]Point3D, len(tracks))}
	for i, t := range tracks {
		b.Points[i] = rf.point(t)
		if i > 0 {
			b.Length += r3.Norm(r3.Sub(b.Points[i].Position, b.Points[i-1].Position))
		}
	}
	b.Confidence = bundle.Confidence(r.cfg.Confidence, bundle.Quality{
		MeanResidual:       rf.meanResidual(tracks),
		DegenerateFraction: rf.degenerateFraction(tracks),
		Converged:          rf.res.Converged,
	})
	return b
}

// bifurcation3D merges the per-view analyses of one matched junction. It
// is valid only if every view that checked the cube law found it valid.
func (r *Reconstructor) bifurcation3D(rf *refined, track int, seen []bifurcation.Bifurcation, branches []Branch3D, incident []int) Bifurcation3D {
	pt := rf.point(track)
	b := Bifurcation3D{
		Position: pt.Position,
		Kind:     seen[0].Kind,
		Branches: incident,
		Views:    pt.Views,
		Valid:    true,
	}
	angleSum := 0.0
	for _, s := range seen {
		if s.Kind == bifurcation.KindBifurcation {
			b.Kind = s.Kind
		}
		if s.Degree > b.Degree {
			b.Degree = s.Degree
		}
		if s.Checked {
			b.Checked = true
			b.Valid = b.Valid && s.Valid
		}
		angleSum += s.Angle
	}
	b.Valid = b.Checked && b.Valid
	b.Angle = angleSum / float64(len(seen))
	if a, ok := childAngle3D(pt.Position, branches, incident); ok {
		b.Angle = a
	}

	invalid := 0.0
	if b.Checked && !b.Valid {
		invalid = 1
	}
	b.Confidence = bundle.Confidence(r.cfg.Confidence, bundle.Quality{
		MeanResidual:    rf.meanResidual([]int{track}),
		InvalidFraction: invalid,
		Converged:       rf.res.Converged,
	})
	return b
}

// childAngle3D measures the angle between the two child directions at a
// three-way junction. Branches run root-first, so the one ending at the
// junction is the parent.
func childAngle3D(at r3.Vec, branches []Branch3D, incident []int) (float64, bool) {
	if len(incident) != 3 {
		return 0, false
	}
	type arm struct {
		dir    r3.Vec
		parent bool
	}
	var arms []arm
	for _, id := range incident {
		pts := branches[id].Points
		startsHere := r3.Norm(r3.Sub(pts[0].Position, at)) <= r3.Norm(r3.Sub(pts[len(pts)-1].Position, at))
		var dir r3.Vec
		if startsHere {
			dir = r3.Sub(pts[min(2, len(pts)-1)].Position, pts[0].Position)
		} else {
			dir = r3.Sub(pts[max(0, len(pts)-3)].Position, pts[len(pts)-1].Position)
		}
		arms = append(arms, arm{dir: dir, parent: !startsHere})
	}

	var kids []r3.Vec
	for _, a := range arms {
		if !a.parent {
			kids = append(kids, a.dir)
		}
	}
	if len(kids) != 2 {
		return 0, false
	}
	return angle3D(kids[0], kids[1]), true
}

func angle3D(u, v r3.Vec) float64 {
	nu, nv := r3.Norm(u), r3.Norm(v)
	if nu == 0 || nv == 0 {
		return 0
	}
	c := math.Max(-1, math.Min(1, r3.Dot(u, v)/(nu*nv)))
	return math.Acos(c) * 180 / math.Pi
}

// finish computes request-level quality, views used and warnings.
func (r *Reconstructor) finish(ctx context.Context, res *ReconstructionResult, rf *refined) {
	logger := logging.FromContext(ctx)

	used := make(map[int]bool)
	all := make([]int, len(rf.set.tracks))
	for i := range rf.set.tracks {
		all[i] = i
		for _, v := range rf.set.views[i] {
			used[v] = true
		}
	}
	res.NumViewsUsed = len(used)
	for i := range res.Views {
		res.Views[i].Used = used[i]
	}

	res.MeanResidual = rf.res.MeanResidual()
	res.Iterations = rf.res.Iterations
	res.Converged = rf.res.Converged

	checked, invalid := 0, 0
	for _, b := range res.Bifurcations {
		if !b.Checked {
			continue
		}
		checked++
		if !b.Valid {
			invalid++
			res.Warnings = append(res.Warnings, errors.NewWarning(errors.WarnInvalidBifurcation,
				"bifurcation at (%.1f, %.1f, %.1f) breaks the cube law", b.Position.X, b.Position.Y, b.Position.Z))
		}
	}
	degenerate := 0
	for _, p := range rf.set.points {
		if p.Degenerate {
			degenerate++
		}
	}
	if degenerate > 0 {
		res.Warnings = append(res.Warnings, errors.NewWarning(errors.WarnDegenerateGeometry,
			"%d of %d points triangulated from near-parallel rays", degenerate, len(rf.set.points)))
	}
	if !rf.res.Converged {
		res.Warnings = append(res.Warnings, errors.NewWarning(errors.WarnNotConverged,
			"bundle adjustment stopped after %d iterations", rf.res.Iterations))
	}

	if len(all) > 0 {
		q := bundle.Quality{
			MeanResidual:       res.MeanResidual,
			DegenerateFraction: rf.degenerateFraction(all),
			Converged:          rf.res.Converged,
		}
		if checked > 0 {
			q.InvalidFraction = float64(invalid) / float64(checked)
		}
		res.Confidence = bundle.Confidence(r.cfg.Confidence, q)
	}

	for _, w := range res.Warnings {
		logger.Warn(w.Message, "kind", w.Kind, "view", w.View)
	}
	logger.Info("reconstruction finished",
		"method", res.Method,
		"branches", len(res.Branches),
		"bifurcations", len(res.Bifurcations),
		"views_used", res.NumViewsUsed,
		"confidence", res.Confidence)
}

func findBifurcation(bs []bifurcation.Bifurcation, node int) (bifurcation.Bifurcation, bool) {
	for _, b := range bs {
		if b.Node == node {
			return b, true
		}
	}
	return bifurcation.Bifurcation{}, false
}

func countKind(bs []bifurcation.Bifurcation, kind bifurcation.Kind) int {
	n := 0
	for _, b := range bs {
		if b.Kind == kind {
			n++
		}
	}
	return n
}

func pathPoints(path []image.Point) []r2.Vec {
	out := make([]r2.Vec, len(path))
	for i, p := range path {
		out[i] = r2.Vec{X: float64(p.X), Y: float64(p.Y)}
	}
	return out
}

func reverseInts(s []int) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

// sortedKeys returns the keys of m in ascending order.
func sortedKeys[K ~int, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
