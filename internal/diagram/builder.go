package diagram

import (
	"fmt"

	"github.com/rendis/signflow/pkg/schema"
)

// Build constructs a DiagramModel from a workflow definition. Steps follow
// list order; conditional branches add labelled then/else edges and parallel
// steps carry their children as a SubGraph.
func Build(title string, def *schema.WorkflowDefinition) (*DiagramModel, error) {
	if def == nil || len(def.Steps) == 0 {
		return nil, fmt.Errorf("diagram: workflow has no steps")
	}
	if title == "" {
		title = "Workflow"
	}

	children := make(map[string]bool)
	for _, s := range def.Steps {
		if cfg, ok := s.Config.(schema.ParallelConfig); ok {
			for _, id := range cfg.Steps {
				children[id] = true
			}
		}
	}

	// Top-level steps in execution order.
	var order []schema.WorkflowStep
	for _, s := range def.Steps {
		if !children[s.ID] {
			order = append(order, s)
		}
	}
	if len(order) == 0 {
		return nil, fmt.Errorf("diagram: workflow has no top-level steps")
	}

	model := &DiagramModel{Title: title}
	model.Nodes = append(model.Nodes, &Node{ID: StartID, Label: "Start", Kind: NodeKindStart})
	for _, s := range order {
		node := stepToNode(s)
		if cfg, ok := s.Config.(schema.ParallelConfig); ok {
			node.Children = append(node.Children, parallelChildren(def, cfg))
		}
		model.Nodes = append(model.Nodes, node)
	}
	model.Nodes = append(model.Nodes, &Node{ID: EndID, Label: "End", Kind: NodeKindEnd})

	model.Edges = append(model.Edges, Edge{From: StartID, To: order[0].ID})
	for i, s := range order {
		next := EndID
		if i+1 < len(order) {
			next = order[i+1].ID
		}
		if cfg, ok := s.Config.(schema.ConditionalBranchConfig); ok {
			model.Edges = append(model.Edges, Edge{From: s.ID, To: cfg.ThenStep, Label: "then"})
			elseTo := cfg.ElseStep
			if elseTo == "" {
				elseTo = next
			}
			model.Edges = append(model.Edges, Edge{From: s.ID, To: elseTo, Label: "else"})
			continue
		}
		model.Edges = append(model.Edges, Edge{From: s.ID, To: next})
	}
	return model, nil
}

// BuildExecution builds the workflow diagram and overlays the execution's
// step records. The latest record of each step wins; the step an execution
// is suspended on is marked suspended.
func BuildExecution(title string, def *schema.WorkflowDefinition, view *schema.ExecutionStatusView) (*DiagramModel, error) {
	model, err := Build(title, def)
	if err != nil {
		return nil, err
	}
	if view == nil {
		return model, nil
	}

	latest := make(map[string]*schema.StepRecord, len(view.Steps))
	for _, rec := range view.Steps {
		if prev, ok := latest[rec.StepID]; !ok || !rec.CreatedAt.Before(prev.CreatedAt) {
			latest[rec.StepID] = rec
		}
	}
	var suspendedOn string
	if view.Execution != nil && view.Execution.Awaiting != nil {
		suspendedOn = view.Execution.Awaiting.StepID
	}

	apply := func(n *Node) {
		if rec, ok := latest[n.ID]; ok {
			n.Status = overlay(rec)
		}
		if n.ID == suspendedOn {
			if n.Status == nil {
				n.Status = &StatusOverlay{}
			}
			n.Status.Status = "suspended"
		}
	}
	for _, n := range model.Nodes {
		apply(n)
		for _, sg := range n.Children {
			for _, sub := range sg.Nodes {
				apply(sub)
			}
		}
	}
	return model, nil
}

func overlay(rec *schema.StepRecord) *StatusOverlay {
	o := &StatusOverlay{
		Status:   string(rec.Status),
		Attempts: rec.Attempts,
		Error:    rec.ErrorMessage,
	}
	if rec.StartedAt != nil && rec.CompletedAt != nil {
		o.DurationMs = rec.CompletedAt.Sub(*rec.StartedAt).Milliseconds()
	}
	return o
}

func parallelChildren(def *schema.WorkflowDefinition, cfg schema.ParallelConfig) *SubGraph {
	label := "all"
	if !cfg.WaitForAll {
		label = "first success"
	}
	sg := &SubGraph{Label: label}
	for _, id := range cfg.Steps {
		if idx := def.IndexOf(id); idx >= 0 {
			sg.Nodes = append(sg.Nodes, stepToNode(def.Steps[idx]))
		}
	}
	return sg
}

func stepToNode(step schema.WorkflowStep) *Node {
	return &Node{ID: step.ID, Label: nodeLabel(step), Kind: stepTypeToKind(step.Type)}
}

func stepTypeToKind(st schema.StepType) NodeKind {
	switch st {
	case schema.StepTypeAwaitSignature:
		return NodeKindSignature
	case schema.StepTypeApprovalGate:
		return NodeKindApproval
	case schema.StepTypeConditionalBranch:
		return NodeKindBranch
	case schema.StepTypeParallel:
		return NodeKindParallel
	case schema.StepTypeWait:
		return NodeKindWait
	default:
		return NodeKindSend
	}
}

// nodeLabel is the step name or id, with a detail line for the step's
// counterparty.
func nodeLabel(step schema.WorkflowStep) string {
	name := step.Name
	if name == "" {
		name = step.ID
	}
	switch cfg := step.Config.(type) {
	case schema.SendDocumentConfig:
		return fmt.Sprintf("%s\nsend to %s", name, cfg.RecipientEmail)
	case schema.AwaitSignatureConfig:
		return fmt.Sprintf("%s\nsigned by %s", name, cfg.RecipientID)
	case schema.ApprovalGateConfig:
		return fmt.Sprintf("%s\n%s of %d", name, cfg.Mode, len(cfg.Approvers))
	case schema.ConditionalBranchConfig:
		return fmt.Sprintf("%s\n%s", name, cfg.Condition)
	case schema.WaitConfig:
		if cfg.Until != "" {
			return fmt.Sprintf("%s\nuntil %s", name, cfg.Until)
		}
		return fmt.Sprintf("%s\n%s", name, cfg.Duration)
	}
	return name
}
