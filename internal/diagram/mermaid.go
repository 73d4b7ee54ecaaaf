package diagram

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// RenderMermaid renders a DiagramModel as a Mermaid flowchart string.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	for _, node := range model.Nodes {
		fmt.Fprintf(&b, "    %s\n", mermaidNodeDef(node))
		for _, sg := range node.Children {
			fmt.Fprintf(&b, "    subgraph %s[\"%s: %s\"]\n",
				mermaidSafeID(node.ID+"_children"), mermaidEscapeLabel(node.ID), sg.Label)
			for _, sub := range sg.Nodes {
				fmt.Fprintf(&b, "        %s\n", mermaidNodeDef(sub))
			}
			b.WriteString("    end\n")
			fmt.Fprintf(&b, "    %s -.-> %s\n", mermaidSafeID(node.ID), mermaidSafeID(node.ID+"_children"))
		}
	}

	for _, edge := range model.Edges {
		label := ""
		if edge.Label != "" {
			label = fmt.Sprintf("|%s|", edge.Label)
		}
		fmt.Fprintf(&b, "    %s -->%s %s\n", mermaidSafeID(edge.From), label, mermaidSafeID(edge.To))
	}

	b.WriteString("\n")
	for _, status := range slices.Sorted(maps.Keys(statusPalette)) {
		c := statusPalette[status]
		fmt.Fprintf(&b, "    classDef %s fill:%s,color:%s", status, c.Fill, c.Font)
		if status == "skipped" {
			b.WriteString(",stroke-dasharray:5 5")
		}
		b.WriteString("\n")
	}

	classify := func(n *Node) {
		if n.Status == nil {
			return
		}
		if cls := mermaidStatusClass(n.Status.Status); cls != "" {
			fmt.Fprintf(&b, "    class %s %s\n", mermaidSafeID(n.ID), cls)
		}
	}
	for _, node := range model.Nodes {
		classify(node)
		for _, sg := range node.Children {
			for _, sub := range sg.Nodes {
				classify(sub)
			}
		}
	}

	return b.String()
}

// mermaidNodeDef returns a Mermaid node definition with the appropriate shape.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := mermaidEscapeLabel(node.Label)

	switch node.Kind {
	case NodeKindBranch:
		return fmt.Sprintf("%s{\"%s\"}", id, label)
	case NodeKindApproval:
		return fmt.Sprintf("%s{{\"%s\"}}", id, label)
	case NodeKindSignature:
		return fmt.Sprintf("%s[/\"%s\"/]", id, label)
	case NodeKindWait:
		return fmt.Sprintf("%s([\"%s\"])", id, label)
	case NodeKindParallel:
		return fmt.Sprintf("%s[[\"%s\"]]", id, label)
	case NodeKindStart, NodeKindEnd:
		return fmt.Sprintf("%s((\"%s\"))", id, label)
	default:
		return fmt.Sprintf("%s[\"%s\"]", id, label)
	}
}

// mermaidSafeID converts a node ID to a Mermaid-safe identifier.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	return r.Replace(id)
}

// mermaidEscapeLabel escapes quotes and turns newlines into line breaks.
func mermaidEscapeLabel(s string) string {
	r := strings.NewReplacer(`"`, "#quot;", "\n", "<br/>")
	return r.Replace(s)
}

func mermaidStatusClass(status string) string {
	if _, ok := statusPalette[status]; ok {
		return status
	}
	return ""
}
