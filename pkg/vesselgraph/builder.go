package vesselgraph

import (
	"image"
	"sort"

	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/stat"

	"coronary3d/internal/models"
	"coronary3d/pkg/config"
	"coronary3d/pkg/skeleton"
)

// Builder converts skeletons into vessel graphs.
type Builder struct {
	cfg config.Graph
}

// NewBuilder creates a Builder.
func NewBuilder(cfg config.Graph) *Builder {
	return &Builder{cfg: cfg}
}

// Build extracts the vessel forest from a one-pixel-wide skeleton. dist,
// when non-nil, supplies the distance transform of the vessel mask; its
// foreground is the mask used for branch diameters.
func (b *Builder) Build(skel *models.Mask, dist *skeleton.DistanceMap) *Graph {
	st := newBuildState(skel)
	st.seedNodes()
	st.mergeJunctions(b.cfg.JunctionMergeThreshold)
	st.walk()
	st.openRings()
	st.simplify(b.cfg.MinBranchLength)
	return st.finish(dist)
}

type bnode struct {
	pixels []image.Point
	alive  bool
}

type bedge struct {
	a, b  int
	path  []image.Point
	alive bool
}

func (e *bedge) length() float64 { return pathLength(e.path) }

// buildState is the mutable graph used while tracing and simplifying.
type buildState struct {
	skel    *models.Mask
	nodeAt  []int
	visited []bool
	nodes   []*bnode
	edges   []*bedge
}

func newBuildState(skel *models.Mask) *buildState {
	st := &buildState{
		skel:    skel,
		nodeAt:  make([]int, len(skel.Bits)),
		visited: make([]bool, len(skel.Bits)),
	}
	for i := range st.nodeAt {
		st.nodeAt[i] = -1
	}
	return st
}

func (st *buildState) index(p image.Point) int { return p.Y*st.skel.Width + p.X }

func (st *buildState) addNode(pixels []image.Point) int {
	id := len(st.nodes)
	st.nodes = append(st.nodes, &bnode{pixels: pixels, alive: true})
	for _, p := range pixels {
		st.nodeAt[st.index(p)] = id
	}
	return id
}

func (st *buildState) addEdge(a, b int, path []image.Point) {
	st.edges = append(st.edges, &bedge{a: a, b: b, path: path, alive: true})
}

// seedNodes turns pixels with one neighbour into endpoints and 8-connected
// clusters of pixels with three or more neighbours into junctions.
// Isolated pixels are dropped.
func (st *buildState) seedNodes() {
	m := st.skel
	isJunction := make([]bool, len(m.Bits))
	for _, p := range m.Points() {
		switch m.CountNeighbors(p.X, p.Y) {
		case 0, 2:
		case 1:
			st.addNode([]image.Point{p})
		default:
			isJunction[st.index(p)] = true
		}
	}

	for _, p := range m.Points() {
		idx := st.index(p)
		if !isJunction[idx] || st.nodeAt[idx] >= 0 {
			continue
		}
		cluster := []image.Point{p}
		isJunction[idx] = false
		for i := 0; i < len(cluster); i++ {
			c := cluster[i]
			for _, d := range models.Neighbors8 {
				q := c.Add(d)
				if !m.At(q.X, q.Y) || !isJunction[st.index(q)] {
					continue
				}
				isJunction[st.index(q)] = false
				cluster = append(cluster, q)
			}
		}
		sortPoints(cluster)
		st.addNode(cluster)
	}
}

// mergeJunctions merges junction clusters whose centroids are within threshold.
func (st *buildState) mergeJunctions(threshold float64) {
	var points []junctionPoint
	for id, n := range st.nodes {
		if len(n.pixels) == 1 && st.skel.CountNeighbors(n.pixels[0].X, n.pixels[0].Y) == 1 {
			continue
		}
		c := centroid(n.pixels)
		points = append(points, junctionPoint{X: c.X, Y: c.Y, Node: id})
	}
	groups := mergeGroups(points, threshold)
	for id, rep := range groups {
		if id == rep {
			continue
		}
		n := st.nodes[id]
		target := st.nodes[rep]
		target.pixels = append(target.pixels, n.pixels...)
		for _, p := range n.pixels {
			st.nodeAt[st.index(p)] = rep
		}
		n.alive = false
		n.pixels = nil
	}
	for _, n := range st.nodes {
		if n.alive {
			sortPoints(n.pixels)
		}
	}
}

// walk traces every chain of interior pixels leaving each node.
func (st *buildState) walk() {
	direct := make(map[[2]int]bool)
	for id := 0; id < len(st.nodes); id++ {
		n := st.nodes[id]
		if !n.alive {
			continue
		}
		for _, p := range n.pixels {
			for _, d := range models.Neighbors8 {
				q := p.Add(d)
				if !st.skel.At(q.X, q.Y) {
					continue
				}
				qi := st.index(q)
				if other := st.nodeAt[qi]; other >= 0 {
					key := pairKey(id, other)
					if other != id && !direct[key] {
						direct[key] = true
						st.addEdge(id, other, []image.Point{p, q})
					}
					continue
				}
				if st.visited[qi] {
					continue
				}
				path, end := st.trace(id, p, q)
				if end != id {
					st.addEdge(id, end, path)
				}
			}
		}
	}
}

// trace follows interior pixels from q (entered from node pixel p) until
// it reaches a node pixel. A chain that runs out of pixels ends in a new
// endpoint node, and a chain that curls back to its own start node is cut
// open at its last pixel.
func (st *buildState) trace(start int, p, q image.Point) ([]image.Point, int) {
	path := []image.Point{p, q}
	st.visited[st.index(q)] = true
	prev, cur := p, q
	for {
		var next image.Point
		found := false
		for _, d := range models.Neighbors8 {
			c := cur.Add(d)
			if c == prev || !st.skel.At(c.X, c.Y) {
				continue
			}
			ci := st.index(c)
			if node := st.nodeAt[ci]; node >= 0 {
				if node != start {
					return append(path, c), node
				}
				if len(path) >= 4 {
					return path, st.addNode([]image.Point{cur})
				}
				continue
			}
			if !st.visited[ci] && !found {
				next, found = c, true
			}
		}
		if !found {
			return path, st.addNode([]image.Point{cur})
		}
		st.visited[st.index(next)] = true
		path = append(path, next)
		prev, cur = cur, next
	}
}

// openRings handles closed curves without any node: one pixel becomes an
// endpoint and tracing from it cuts the ring open.
func (st *buildState) openRings() {
	for _, p := range st.skel.Points() {
		idx := st.index(p)
		if st.visited[idx] || st.nodeAt[idx] >= 0 || st.skel.CountNeighbors(p.X, p.Y) == 0 {
			continue
		}
		a := st.addNode([]image.Point{p})
		st.visited[idx] = true
		for _, d := range models.Neighbors8 {
			c := p.Add(d)
			if !st.skel.At(c.X, c.Y) || st.visited[st.index(c)] || st.nodeAt[st.index(c)] >= 0 {
				continue
			}
			path, end := st.trace(a, p, c)
			if end != a {
				st.addEdge(a, end, path)
			}
			break
		}
	}
}

// incidence returns the alive edges touching each node. Self-loops are
// listed once.
func (st *buildState) incidence() [][]int {
	inc := make([][]int, len(st.nodes))
	for i, e := range st.edges {
		if !e.alive {
			continue
		}
		inc[e.a] = append(inc[e.a], i)
		if e.b != e.a {
			inc[e.b] = append(inc[e.b], i)
		}
	}
	return inc
}

// simplify prunes spurs, contracts short inner branches, merges pass-through
// nodes and breaks cycles until the graph is a stable forest.
func (st *buildState) simplify(minLength float64) {
	for {
		changed := st.dropDegenerateEdges()
		changed = st.pruneSpurs(minLength) || changed
		changed = st.contractShort(minLength) || changed
		changed = st.mergeDegreeTwo() || changed
		if changed {
			continue
		}
		if !st.breakCycles() {
			break
		}
	}
	st.dropShortIsolated(minLength)
	st.dropOrphans()
}

// dropDegenerateEdges removes self-loops and keeps only the longest of
// parallel edges.
func (st *buildState) dropDegenerateEdges() bool {
	changed := false
	best := make(map[[2]int]int)
	for i, e := range st.edges {
		if !e.alive {
			continue
		}
		if e.a == e.b {
			e.alive = false
			changed = true
			continue
		}
		key := pairKey(e.a, e.b)
		if j, ok := best[key]; ok {
			if e.length() > st.edges[j].length() {
				st.edges[j].alive = false
				best[key] = i
			} else {
				e.alive = false
			}
			changed = true
			continue
		}
		best[key] = i
	}
	return changed
}

// pruneSpurs removes terminal branches shorter than minLength that hang off
// a junction, shortest first, never taking a junction below degree three
// on its own account.
func (st *buildState) pruneSpurs(minLength float64) bool {
	inc := st.incidence()
	type spur struct {
		edge, tip, base int
		length          float64
	}
	var spurs []spur
	for i, e := range st.edges {
		if !e.alive {
			continue
		}
		l := e.length()
		if l >= minLength {
			continue
		}
		switch {
		case len(inc[e.a]) == 1 && len(inc[e.b]) >= 3:
			spurs = append(spurs, spur{i, e.a, e.b, l})
		case len(inc[e.b]) == 1 && len(inc[e.a]) >= 3:
			spurs = append(spurs, spur{i, e.b, e.a, l})
		}
	}
	sort.SliceStable(spurs, func(i, j int) bool { return spurs[i].length < spurs[j].length })

	degree := make([]int, len(inc))
	for i := range inc {
		degree[i] = len(inc[i])
	}
	changed := false
	for _, s := range spurs {
		if degree[s.base] < 3 {
			continue
		}
		st.edges[s.edge].alive = false
		st.nodes[s.tip].alive = false
		degree[s.base]--
		changed = true
	}
	return changed
}

// contractShort merges the two junctions of the shortest junction-to-junction
// branch below minLength into one node.
func (st *buildState) contractShort(minLength float64) bool {
	inc := st.incidence()
	shortest, shortestLen := -1, minLength
	for i, e := range st.edges {
		if !e.alive || e.a == e.b || len(inc[e.a]) < 3 || len(inc[e.b]) < 3 {
			continue
		}
		if l := e.length(); l < shortestLen {
			shortest, shortestLen = i, l
		}
	}
	if shortest < 0 {
		return false
	}

	e := st.edges[shortest]
	keep, drop := st.nodes[e.a], st.nodes[e.b]
	keep.pixels = append(keep.pixels, drop.pixels...)
	sortPoints(keep.pixels)
	drop.alive = false
	e.alive = false
	for _, other := range st.edges {
		if !other.alive {
			continue
		}
		if other.a == e.b {
			other.a = e.a
		}
		if other.b == e.b {
			other.b = e.a
		}
	}
	return true
}

// mergeDegreeTwo joins the two branches meeting at a node of degree two.
func (st *buildState) mergeDegreeTwo() bool {
	changed := false
	for id, n := range st.nodes {
		if !n.alive {
			continue
		}
		inc := st.incidence()
		if len(inc[id]) != 2 {
			continue
		}
		e1, e2 := st.edges[inc[id][0]], st.edges[inc[id][1]]
		if e1.a == e1.b || e2.a == e2.b {
			continue
		}
		in := orientTo(e1, id)
		out := orientFrom(e2, id)
		if len(in) > 0 && len(out) > 0 && in[len(in)-1] == out[0] {
			out = out[1:]
		}
		path := append(append([]image.Point(nil), in...), out...)
		from, to := otherEnd(e1, id), otherEnd(e2, id)

		e1.a, e1.b, e1.path = from, to, path
		e2.alive = false
		n.alive = false
		changed = true
	}
	return changed
}

// breakCycles keeps a maximum-length spanning forest and removes every
// other edge. It reports whether anything was removed.
func (st *buildState) breakCycles() bool {
	var nodes []int
	for id, n := range st.nodes {
		if n.alive {
			nodes = append(nodes, id)
		}
	}
	var edges []forestEdge
	for i, e := range st.edges {
		if e.alive {
			edges = append(edges, forestEdge{index: i, a: e.a, b: e.b, length: e.length()})
		}
	}
	if len(edges) == 0 {
		return false
	}
	kept := spanningForest(nodes, edges)
	changed := false
	for _, fe := range edges {
		if !kept[fe.index] {
			st.edges[fe.index].alive = false
			changed = true
		}
	}
	return changed
}

// dropShortIsolated removes stand-alone branches shorter than minLength.
func (st *buildState) dropShortIsolated(minLength float64) {
	inc := st.incidence()
	for _, e := range st.edges {
		if e.alive && len(inc[e.a]) == 1 && len(inc[e.b]) == 1 && e.length() < minLength {
			e.alive = false
		}
	}
}

// dropOrphans removes nodes without edges.
func (st *buildState) dropOrphans() {
	inc := st.incidence()
	for id, n := range st.nodes {
		if n.alive && len(inc[id]) == 0 {
			n.alive = false
		}
	}
}

// finish compacts the surviving nodes and edges into a Graph and measures
// branch diameters.
func (st *buildState) finish(dist *skeleton.DistanceMap) *Graph {
	g := &Graph{Width: st.skel.Width, Height: st.skel.Height}
	inc := st.incidence()
	remap := make([]int, len(st.nodes))
	for id, n := range st.nodes {
		remap[id] = -1
		if !n.alive {
			continue
		}
		kind := Endpoint
		if len(inc[id]) >= 3 {
			kind = Junction
		}
		remap[id] = len(g.Nodes)
		g.Nodes = append(g.Nodes, Node{
			ID:     len(g.Nodes),
			Kind:   kind,
			Pos:    centroid(n.pixels),
			Pixels: n.pixels,
		})
	}
	for _, e := range st.edges {
		if !e.alive {
			continue
		}
		edge := Edge{
			ID:     len(g.Edges),
			From:   remap[e.a],
			To:     remap[e.b],
			Path:   e.path,
			Length: e.length(),
		}
		edge.Diameters, edge.Diameter = diameterProfile(e.path, dist)
		g.Edges = append(g.Edges, edge)
	}
	measureWidths(g, dist)
	return g
}

// widthStride is the pixel spacing of the polyline that measures the
// length of a width window.
const widthStride = 5

// middleHalf returns the index window [lo, hi) of the middle half of a path
// of n pixels.
func middleHalf(n int) (int, int) {
	lo, hi := n/4, (3*n+3)/4
	if hi <= lo {
		hi = lo + 1
	}
	return lo, hi
}

// diameterProfile samples the distance-transform diameter along path and
// returns the profile with the median of its middle half.
func diameterProfile(path []image.Point, dist *skeleton.DistanceMap) ([]float64, float64) {
	profile := make([]float64, len(path))
	if dist == nil || len(path) == 0 {
		return profile, 0
	}
	for i, p := range path {
		profile[i] = dist.Diameter(p.X, p.Y)
	}
	lo, hi := middleHalf(len(profile))
	middle := append([]float64(nil), profile[lo:hi]...)
	sort.Float64s(middle)
	return profile, stat.Quantile(0.5, stat.Empirical, middle, nil)
}

// measureWidths sets each edge diameter to the foreground area whose
// nearest centerline pixel lies in the middle half of the edge path,
// divided by the length of that stretch. Edges where nothing can be
// attributed keep their profile median.
func measureWidths(g *Graph, dist *skeleton.DistanceMap) {
	if dist == nil || len(g.Edges) == 0 {
		return
	}
	w, h := dist.Width, dist.Height
	sites := models.NewMask(w, h)
	ownerEdge := make([]int, w*h)
	ownerPos := make([]int, w*h)
	for i := range ownerEdge {
		ownerEdge[i] = -1
	}
	for _, e := range g.Edges {
		for i, p := range e.Path {
			idx := p.Y*w + p.X
			if p.X < 0 || p.Y < 0 || p.X >= w || p.Y >= h || ownerEdge[idx] >= 0 {
				continue
			}
			sites.Bits[idx] = true
			ownerEdge[idx], ownerPos[idx] = e.ID, i
		}
	}

	area := make([]int, len(g.Edges))
	for i, site := range skeleton.NearestSite(sites) {
		if site < 0 || dist.D[i] <= 0 {
			continue
		}
		e := ownerEdge[site]
		lo, hi := middleHalf(len(g.Edges[e].Path))
		if pos := ownerPos[site]; pos >= lo && pos < hi {
			area[e]++
		}
	}

	for i := range g.Edges {
		e := &g.Edges[i]
		lo, hi := middleHalf(len(e.Path))
		if l := windowLength(e.Path, lo, hi); l > 0 && area[i] > 0 {
			e.Diameter = float64(area[i]) / l
		}
	}
}

// windowLength is the length of the stretch of path owned by pixels
// [lo, hi), from the half-step before lo to the half-step before hi,
// measured on a coarse polyline so staircase steps do not inflate it.
func windowLength(path []image.Point, lo, hi int) float64 {
	pts := []r2.Vec{stepBoundary(path, lo)}
	for i := lo + widthStride; i < hi; i += widthStride {
		pts = append(pts, pixelVec(path[i]))
	}
	pts = append(pts, stepBoundary(path, hi))
	total := 0.0
	for i := 1; i < len(pts); i++ {
		total += r2.Norm(r2.Sub(pts[i], pts[i-1]))
	}
	return total
}

// stepBoundary is the midpoint between path[i-1] and path[i], clamped to
// the path ends.
func stepBoundary(path []image.Point, i int) r2.Vec {
	switch {
	case i <= 0:
		return pixelVec(path[0])
	case i >= len(path):
		return pixelVec(path[len(path)-1])
	}
	return r2.Scale(0.5, r2.Add(pixelVec(path[i-1]), pixelVec(path[i])))
}

func pixelVec(p image.Point) r2.Vec { return r2.Vec{X: float64(p.X), Y: float64(p.Y)} }

func orientTo(e *bedge, id int) []image.Point {
	if e.b == id {
		return e.path
	}
	return reversed(e.path)
}

func orientFrom(e *bedge, id int) []image.Point {
	if e.a == id {
		return e.path
	}
	return reversed(e.path)
}

func otherEnd(e *bedge, id int) int {
	if e.a == id {
		return e.b
	}
	return e.a
}

func reversed(path []image.Point) []image.Point {
	out := make([]image.Point, len(path))
	for i, p := range path {
		out[len(out)-1-i] = p
	}
	return out
}

func sortPoints(pts []image.Point) {
	sort.Slice(pts, func(i, j int) bool {
		if pts[i].Y != pts[j].Y {
			return pts[i].Y < pts[j].Y
		}
		return pts[i].X < pts[j].X
	})
}
