// Package stl exports reconstructed vessel centerlines as tube meshes in
// binary STL format.
package stl

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"gonum.org/v1/gonum/spatial/r3"
)

// Triangle is one facet of the mesh.
type Triangle struct {
	Normal  [3]float32
	Vertex1 [3]float32
	Vertex2 [3]float32
	Vertex3 [3]float32
}

// TubeMesher sweeps a circular cross-section along 3D polylines.
type TubeMesher struct {
	// segments is the number of vertices around each ring
	segments int

	// scale factors applied to the output coordinates
	xScale, yScale, zScale float32
}

// NewTubeMesher creates a mesher with the given ring resolution; values
// below 3 are raised to 3.
func NewTubeMesher(segments int) *TubeMesher {
	if segments < 3 {
		segments = 3
	}
	return &TubeMesher{segments: segments, xScale: 1, yScale: 1, zScale: 1}
}

// SetScale sets per-axis scale factors for the generated vertices.
func (m *TubeMesher) SetScale(x, y, z float32) {
	m.xScale, m.yScale, m.zScale = x, y, z
}

// Tube meshes a closed tube of the given radius around path. Consecutive
// duplicate points are skipped; a path with fewer than two distinct points
// yields no triangles.
func (m *TubeMesher) Tube(path []r3.Vec, radius float64) []Triangle {
	pts := dedupe(path)
	if len(pts) < 2 || radius <= 0 {
		return nil
	}

	rings := make([][]r3.Vec, len(pts))
	normal := perpendicular(tangentAt(pts, 0))
	for i := range pts {
		t := tangentAt(pts, i)
		// Project the previous normal onto the new cross-section to avoid twisting.
		normal = r3.Unit(r3.Sub(normal, r3.Scale(r3.Dot(normal, t), t)))
		if math.IsNaN(normal.X) {
			normal = perpendicular(t)
		}
		binormal := r3.Cross(t, normal)

		ring := make([]r3.Vec, m.segments)
		for k := range ring {
			a := 2 * math.Pi * float64(k) / float64(m.segments)
			off := r3.Add(r3.Scale(math.Cos(a)*radius, normal), r3.Scale(math.Sin(a)*radius, binormal))
			ring[k] = r3.Add(pts[i], off)
		}
		rings[i] = ring
	}

	var out []Triangle
	for i := 0; i+1 < len(rings); i++ {
		for k := 0; k < m.segments; k++ {
			k2 := (k + 1) % m.segments
			a, b := rings[i][k], rings[i][k2]
			c, d := rings[i+1][k], rings[i+1][k2]
			out = append(out, m.facet(a, b, c), m.facet(b, d, c))
		}
	}

	// End caps.
	first, last := pts[0], pts[len(pts)-1]
	for k := 0; k < m.segments; k++ {
		k2 := (k + 1) % m.segments
		out = append(out,
			m.facet(first, rings[0][k2], rings[0][k]),
			m.facet(last, rings[len(rings)-1][k], rings[len(rings)-1][k2]))
	}
	return out
}

// facet builds a triangle with its normal from the winding a, b, c.
func (m *TubeMesher) facet(a, b, c r3.Vec) Triangle {
	n := r3.Unit(r3.Cross(r3.Sub(b, a), r3.Sub(c, a)))
	if math.IsNaN(n.X) {
		n = r3.Vec{}
	}
	return Triangle{
		Normal:  [3]float32{float32(n.X), float32(n.Y), float32(n.Z)},
		Vertex1: m.vertex(a),
		Vertex2: m.vertex(b),
		Vertex3: m.vertex(c),
	}
}

func (m *TubeMesher) vertex(v r3.Vec) [3]float32 {
	return [3]float32{float32(v.X) * m.xScale, float32(v.Y) * m.yScale, float32(v.Z) * m.zScale}
}

func dedupe(path []r3.Vec) []r3.Vec {
	var out []r3.Vec
	for _, p := range path {
		if len(out) == 0 || r3.Norm(r3.Sub(p, out[len(out)-1])) > 1e-9 {
			out = append(out, p)
		}
	}
	return out
}

// tangentAt returns the unit direction of the polyline at vertex i.
func tangentAt(pts []r3.Vec, i int) r3.Vec {
	switch {
	case i == 0:
		return r3.Unit(r3.Sub(pts[1], pts[0]))
	case i == len(pts)-1:
		return r3.Unit(r3.Sub(pts[i], pts[i-1]))
	}
	t := r3.Add(r3.Unit(r3.Sub(pts[i], pts[i-1])), r3.Unit(r3.Sub(pts[i+1], pts[i])))
	if r3.Norm(t) < 1e-9 {
		return r3.Unit(r3.Sub(pts[i+1], pts[i]))
	}
	return r3.Unit(t)
}

// perpendicular returns a unit vector orthogonal to t.
func perpendicular(t r3.Vec) r3.Vec {
	axis := r3.Vec{X: 1}
	if math.Abs(t.X) > 0.9 {
		axis = r3.Vec{Y: 1}
	}
	return r3.Unit(r3.Cross(t, axis))
}

// WriteBinary writes triangles as binary STL: an 80-byte header, the facet
// count and 50 bytes per facet.
func WriteBinary(w io.Writer, triangles []Triangle) error {
	var header [80]byte
	copy(header[:], "coronary3d vessel tree")
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(triangles))); err != nil {
		return err
	}
	for _, t := range triangles {
		rec := struct {
			Normal, V1, V2, V3 [3]float32
			Attr               uint16
		}{t.Normal, t.Vertex1, t.Vertex2, t.Vertex3, 0}
		if err := binary.Write(w, binary.LittleEndian, rec); err != nil {
			return err
		}
	}
	return nil
}

// SaveToSTL writes triangles to a binary STL file.
func SaveToSTL(filename string, triangles []Triangle) error {
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create STL file: %w", err)
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	if err := WriteBinary(bw, triangles); err != nil {
		return fmt.Errorf("failed to write STL: %w", err)
	}
	return bw.Flush()
}
