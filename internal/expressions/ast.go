package expressions

import (
	"fmt"
	"strings"
)

// Node is a parsed condition expression.
type Node interface {
	String() string
	node()
}

// LogicalNode joins two operands with AND or OR.
type LogicalNode struct {
	Op          string // "AND" | "OR"
	Left, Right Node
}

// NotNode negates its operand.
type NotNode struct {
	Operand Node
}

// ComparisonNode applies a binary comparison operator.
type ComparisonNode struct {
	Op          string // == != > < >= <= contains in
	Left, Right Node
}

// LiteralNode is a string, number, boolean or null constant.
type LiteralNode struct {
	Value any
}

// IdentNode is a dotted path resolved against the execution variables.
type IdentNode struct {
	Path string
}

// CallNode invokes a built-in function.
type CallNode struct {
	Name string
	Args []Node
}

// ListNode is a bracketed list literal, mostly useful on the right of `in`.
type ListNode struct {
	Items []Node
}

func (*LogicalNode) node()    {}
func (*NotNode) node()        {}
func (*ComparisonNode) node() {}
func (*LiteralNode) node()    {}
func (*IdentNode) node()      {}
func (*CallNode) node()       {}
func (*ListNode) node()       {}

func (n *LogicalNode) String() string {
	return fmt.Sprintf("(%s %s %s)", n.Left, n.Op, n.Right)
}

func (n *NotNode) String() string { return fmt.Sprintf("(NOT %s)", n.Operand) }

func (n *ComparisonNode) String() string {
	return fmt.Sprintf("(%s %s %s)", n.Left, n.Op, n.Right)
}

func (n *LiteralNode) String() string {
	switch v := n.Value.(type) {
	case string:
		return fmt.Sprintf("%q", v)
	case nil:
		return "null"
	default:
		return fmt.Sprint(v)
	}
}

func (n *IdentNode) String() string { return n.Path }

func (n *CallNode) String() string {
	args := make([]string, len(n.Args))
	for i, a := range n.Args {
		args[i] = a.String()
	}
	return n.Name + "(" + strings.Join(args, ", ") + ")"
}

func (n *ListNode) String() string {
	items := make([]string, len(n.Items))
	for i, it := range n.Items {
		items[i] = it.String()
	}
	return "[" + strings.Join(items, ", ") + "]"
}
