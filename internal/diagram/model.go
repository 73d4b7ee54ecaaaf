// Package diagram renders workflow definitions, optionally overlaid with an
// execution's step trail, as Mermaid flowcharts or PNG images.
package diagram

import "strings"

// NodeKind classifies a diagram node by its workflow step type.
type NodeKind string

const (
	NodeKindSend      NodeKind = "send"
	NodeKindSignature NodeKind = "signature"
	NodeKindApproval  NodeKind = "approval"
	NodeKindBranch    NodeKind = "branch"
	NodeKindParallel  NodeKind = "parallel"
	NodeKindWait      NodeKind = "wait"
	NodeKindStart     NodeKind = "start"
	NodeKindEnd       NodeKind = "end"
)

// Virtual node ids.
const (
	StartID = "__start__"
	EndID   = "__end__"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node represents a single step in the diagram.
type Node struct {
	ID       string
	Label    string
	Kind     NodeKind
	Status   *StatusOverlay
	Children []*SubGraph // parallel children
}

// SubGraph holds the steps a parallel step fans out to.
type SubGraph struct {
	Label string
	Nodes []*Node
}

// StatusOverlay carries runtime state for a node.
type StatusOverlay struct {
	Status     string // schema.StepStatus, or "suspended"
	DurationMs int64
	Attempts   int
	Error      string
}

// Edge represents a transition between two nodes.
type Edge struct {
	From  string
	To    string
	Label string
}

// statusColor is the fill and font colour of a status overlay.
type statusColor struct {
	Fill string
	Font string
}

// statusPalette is shared by every renderer so both outputs agree.
var statusPalette = map[string]statusColor{
	"completed": {Fill: "#2d6a2d", Font: "#ffffff"},
	"failed":    {Fill: "#8b1a1a", Font: "#ffffff"},
	"running":   {Fill: "#1a5276", Font: "#ffffff"},
	"suspended": {Fill: "#b7791a", Font: "#ffffff"},
	"pending":   {Fill: "#d3d3d3", Font: "#000000"},
	"skipped":   {Fill: "#e8e8e8", Font: "#888888"},
}

func firstLine(s string) string {
	if i := strings.Index(s, "\n"); i >= 0 {
		return s[:i]
	}
	return s
}
