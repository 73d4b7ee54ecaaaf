package expressions

import (
	"github.com/rendis/signflow/internal/execctx"
	"github.com/rendis/signflow/pkg/schema"
)

// Eval evaluates a parsed expression against vars. It never mutates vars.
func Eval(n Node, vars map[string]any) (any, error) {
	switch node := n.(type) {
	case *LiteralNode:
		return node.Value, nil

	case *IdentNode:
		v, ok := execctx.LookupPath(vars, node.Path)
		if !ok {
			return Undefined, nil
		}
		return v, nil

	case *ListNode:
		out := make([]any, len(node.Items))
		for i, item := range node.Items {
			v, err := Eval(item, vars)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil

	case *CallNode:
		args := make([]any, len(node.Args))
		for i, a := range node.Args {
			v, err := Eval(a, vars)
			if err != nil {
				return nil, err
			}
			args[i] = v
		}
		fn, ok := builtins[node.Name]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeExpression, "unknown function %q", node.Name)
		}
		return fn.fn(args)

	case *NotNode:
		v, err := Eval(node.Operand, vars)
		if err != nil {
			return nil, err
		}
		return !Truthy(v), nil

	case *LogicalNode:
		left, err := Eval(node.Left, vars)
		if err != nil {
			return nil, err
		}
		if node.Op == "AND" && !Truthy(left) {
			return false, nil
		}
		if node.Op == "OR" && Truthy(left) {
			return true, nil
		}
		right, err := Eval(node.Right, vars)
		if err != nil {
			return nil, err
		}
		return Truthy(right), nil

	case *ComparisonNode:
		left, err := Eval(node.Left, vars)
		if err != nil {
			return nil, err
		}
		right, err := Eval(node.Right, vars)
		if err != nil {
			return nil, err
		}
		return compare(node.Op, left, right)
	}
	return nil, schema.NewErrorf(schema.ErrCodeExpression, "unsupported node %T", n)
}

func compare(op string, left, right any) (bool, error) {
	switch op {
	case "==":
		return equal(left, right), nil
	case "!=":
		return !equal(left, right), nil
	case "contains":
		return containsValue(left, right), nil
	case "in":
		return containsValue(right, left), nil
	case ">", "<", ">=", "<=":
		c, ok := order(left, right)
		if !ok {
			return false, nil
		}
		switch op {
		case ">":
			return c > 0, nil
		case "<":
			return c < 0, nil
		case ">=":
			return c >= 0, nil
		default:
			return c <= 0, nil
		}
	}
	return false, schema.NewErrorf(schema.ErrCodeExpression, "unknown operator %q", op)
}
