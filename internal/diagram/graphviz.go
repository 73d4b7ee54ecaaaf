package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

var dotShapes = map[NodeKind]cgraph.Shape{
	NodeKindSend:      cgraph.BoxShape,
	NodeKindParallel:  cgraph.Box3DShape,
	NodeKindBranch:    cgraph.DiamondShape,
	NodeKindApproval:  cgraph.HexagonShape,
	NodeKindSignature: cgraph.ParallelogramShape,
	NodeKindWait:      cgraph.EllipseShape,
	NodeKindStart:     cgraph.CircleShape,
	NodeKindEnd:       cgraph.DoubleCircleShape,
}

// RenderImage lays the model out top to bottom with dot and returns PNG
// bytes. Status overlays fill the node and annotate it with the attempt
// count and duration.
func RenderImage(model *DiagramModel) ([]byte, error) {
	ctx := context.Background()
	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: start graphviz: %w", err)
	}
	defer gv.Close()
	gv.SetLayout(graphviz.DOT)

	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: new graph: %w", err)
	}
	defer graph.Close()
	graph.SetRankDir(cgraph.TBRank)
	graph.SetLabel(model.Title)

	p := &dotPainter{graph: graph, nodes: make(map[string]*cgraph.Node)}
	for _, n := range model.Nodes {
		if err := p.node(graph, n); err != nil {
			return nil, err
		}
	}
	for _, n := range model.Nodes {
		for _, sg := range n.Children {
			if err := p.cluster(n, sg); err != nil {
				return nil, err
			}
		}
	}
	for _, e := range model.Edges {
		if err := p.edge(e); err != nil {
			return nil, err
		}
	}

	var out bytes.Buffer
	if err := gv.Render(ctx, graph, graphviz.PNG, &out); err != nil {
		return nil, fmt.Errorf("diagram: render png: %w", err)
	}
	return out.Bytes(), nil
}

type dotPainter struct {
	graph *cgraph.Graph
	nodes map[string]*cgraph.Node
}

func (p *dotPainter) node(parent *cgraph.Graph, n *Node) error {
	gn, err := parent.CreateNodeByName(n.ID)
	if err != nil {
		return fmt.Errorf("diagram: node %s: %w", n.ID, err)
	}
	p.nodes[n.ID] = gn

	gn.SetLabel(firstLine(n.Label))
	if shape, ok := dotShapes[n.Kind]; ok {
		gn.SetShape(shape)
	}
	if n.Kind == NodeKindStart || n.Kind == NodeKindEnd {
		gn.SetLabel("")
		gn.SetWidth(0.3)
		gn.SetHeight(0.3)
	}
	if n.Status == nil {
		return nil
	}

	style := cgraph.FilledNodeStyle
	if n.Status.Status == "skipped" {
		style = cgraph.DashedNodeStyle
	}
	gn.SetStyle(style)
	if c, ok := statusPalette[n.Status.Status]; ok {
		gn.SetFillColor(c.Fill)
		gn.SetFontColor(c.Font)
	}
	if note := overlayNote(n.Status); note != "" {
		gn.SetLabel(firstLine(n.Label) + "\\n" + note)
	}
	return nil
}

// cluster draws the children of a parallel step in a dashed box, each fed
// by a dashed edge from the parent.
func (p *dotPainter) cluster(parent *Node, sg *SubGraph) error {
	sub, err := p.graph.CreateSubGraphByName("cluster_" + parent.ID)
	if err != nil {
		return fmt.Errorf("diagram: cluster %s: %w", parent.ID, err)
	}
	sub.SetLabel(sg.Label)
	sub.SetStyle(cgraph.DashedGraphStyle)

	for _, child := range sg.Nodes {
		if err := p.node(sub, child); err != nil {
			return err
		}
		e, err := p.graph.CreateEdgeByName("", p.nodes[parent.ID], p.nodes[child.ID])
		if err != nil {
			return fmt.Errorf("diagram: fan-out %s -> %s: %w", parent.ID, child.ID, err)
		}
		e.SetStyle(cgraph.DashedEdgeStyle)
	}
	return nil
}

// edge skips edges whose ends were never drawn, such as a branch target
// that names a missing step.
func (p *dotPainter) edge(e Edge) error {
	from, to := p.nodes[e.From], p.nodes[e.To]
	if from == nil || to == nil {
		return nil
	}
	ge, err := p.graph.CreateEdgeByName("", from, to)
	if err != nil {
		return fmt.Errorf("diagram: edge %s -> %s: %w", e.From, e.To, err)
	}
	if e.Label != "" {
		ge.SetLabel(e.Label)
	}
	return nil
}

func overlayNote(o *StatusOverlay) string {
	switch {
	case o.Attempts > 1 && o.DurationMs > 0:
		return fmt.Sprintf("x%d, %dms", o.Attempts, o.DurationMs)
	case o.Attempts > 1:
		return fmt.Sprintf("x%d", o.Attempts)
	case o.DurationMs > 0:
		return fmt.Sprintf("%dms", o.DurationMs)
	}
	return ""
}
