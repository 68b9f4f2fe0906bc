package visualization

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"

	"coronary3d/pkg/bifurcation"
	"coronary3d/pkg/vesselgraph"
)

// ToDOT converts a vessel graph to Graphviz DOT. Junctions are drawn as
// circles coloured by their cube-law result, endpoints as points, and
// branches are labelled with their length and diameter in pixels.
func ToDOT(g *vesselgraph.Graph, bifs []bifurcation.Bifurcation) string {
	status := make(map[int]bifurcation.Bifurcation, len(bifs))
	for _, b := range bifs {
		status[b.Node] = b
	}

	var buf bytes.Buffer
	buf.WriteString("graph G {\n")
	buf.WriteString("  bgcolor=\"transparent\";\n")
	buf.WriteString("  node [fontsize=10];\n")
	buf.WriteString("  edge [fontsize=9];\n")
	buf.WriteString("\n")

	for _, n := range g.Nodes {
		if n.Kind == vesselgraph.Endpoint {
			fmt.Fprintf(&buf, "  n%d [shape=point, width=0.12, xlabel=\"E%d\"];\n", n.ID, n.ID)
			continue
		}
		fill := "lightgrey"
		if b, ok := status[n.ID]; ok && b.Checked {
			fill = "lightblue"
			if !b.Valid {
				fill = "salmon"
			}
		}
		fmt.Fprintf(&buf, "  n%d [shape=circle, style=filled, fillcolor=%s, label=\"J%d\"];\n", n.ID, fill, n.ID)
	}

	buf.WriteString("\n")
	for _, e := range g.Edges {
		fmt.Fprintf(&buf, "  n%d -- n%d [label=\"%.0f px / %.1f\"];\n", e.From, e.To, e.Length, e.Diameter)
	}

	buf.WriteString("}\n")
	return buf.String()
}

// RenderSVG renders a DOT graph to SVG using Graphviz.
func RenderSVG(ctx context.Context, dot string) ([]byte, error) {
	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("init graphviz: %w", err)
	}
	defer gv.Close()

	g, err := graphviz.ParseBytes([]byte(dot))
	if err != nil {
		return nil, fmt.Errorf("parse DOT: %w", err)
	}
	defer g.Close()

	var buf bytes.Buffer
	if err := gv.Render(ctx, g, graphviz.SVG, &buf); err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}
	return buf.Bytes(), nil
}
