package expressions

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rendis/signflow/pkg/schema"
)

// Parse turns a condition string into an AST.
//
//	or         := and ( OR and )*
//	and        := not ( AND not )*
//	not        := NOT not | comparison
//	comparison := operand ( cmpop operand )?
//	operand    := '(' or ')' | list | literal | call | ident
func Parse(src string) (Node, error) {
	if strings.TrimSpace(src) == "" {
		return nil, schema.NewError(schema.ErrCodeExpression, "empty expression")
	}
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, toks: toks}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, p.errorf(t, "unexpected %q", t.text)
	}
	return n, nil
}

type parser struct {
	src  string
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) expect(kind tokenKind, what string) error {
	if t := p.next(); t.kind != kind {
		return p.errorf(t, "expected %s", what)
	}
	return nil
}

func (p *parser) errorf(t token, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	return schema.NewErrorf(schema.ErrCodeExpression, "%s at position %d in %q", msg, t.pos, p.src)
}

func (p *parser) parseOr() (Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &LogicalNode{Op: "OR", Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &LogicalNode{Op: "AND", Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (Node, error) {
	if p.peek().kind == tokNot {
		p.next()
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &NotNode{Operand: operand}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (Node, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	t := p.peek()
	switch t.kind {
	case tokCompare, tokContains, tokIn:
		p.next()
		right, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		return &ComparisonNode{Op: t.text, Left: left, Right: right}, nil
	}
	return left, nil
}

func (p *parser) parseOperand() (Node, error) {
	t := p.next()
	switch t.kind {
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return inner, nil

	case tokLBracket:
		return p.parseList()

	case tokString:
		return &LiteralNode{Value: t.text}, nil

	case tokNumber:
		return p.number(t, false)

	case tokMinus:
		n := p.next()
		if n.kind != tokNumber {
			return nil, p.errorf(n, "expected number after '-'")
		}
		return p.number(n, true)

	case tokContains:
		// contains(...) used as a function rather than an operator.
		if p.peek().kind == tokLParen {
			return p.parseCall("contains", t)
		}
		return nil, p.errorf(t, "unexpected operator %q", t.text)

	case tokIdent:
		switch strings.ToLower(t.text) {
		case "true":
			return &LiteralNode{Value: true}, nil
		case "false":
			return &LiteralNode{Value: false}, nil
		case "null", "nil":
			return &LiteralNode{Value: nil}, nil
		}
		if p.peek().kind == tokLParen {
			return p.parseCall(t.text, t)
		}
		return &IdentNode{Path: t.text}, nil

	case tokEOF:
		return nil, p.errorf(t, "unexpected end of expression")
	default:
		return nil, p.errorf(t, "unexpected %q", t.text)
	}
}

func (p *parser) number(t token, negative bool) (Node, error) {
	f, err := strconv.ParseFloat(t.text, 64)
	if err != nil {
		return nil, p.errorf(t, "invalid number %q", t.text)
	}
	if negative {
		f = -f
	}
	return &LiteralNode{Value: f}, nil
}

func (p *parser) parseList() (Node, error) {
	list := &ListNode{}
	if p.peek().kind == tokRBracket {
		p.next()
		return list, nil
	}
	for {
		item, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		list.Items = append(list.Items, item)
		t := p.next()
		if t.kind == tokRBracket {
			return list, nil
		}
		if t.kind != tokComma {
			return nil, p.errorf(t, "expected ',' or ']'")
		}
	}
}

func (p *parser) parseCall(name string, at token) (Node, error) {
	fn, ok := builtins[name]
	if !ok {
		return nil, p.errorf(at, "unknown function %q", name)
	}
	p.next() // (

	call := &CallNode{Name: name}
	if p.peek().kind == tokRParen {
		p.next()
	} else {
		for {
			arg, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			call.Args = append(call.Args, arg)
			t := p.next()
			if t.kind == tokRParen {
				break
			}
			if t.kind != tokComma {
				return nil, p.errorf(t, "expected ',' or ')' in call to %s", name)
			}
		}
	}

	if len(call.Args) < fn.minArgs || (fn.maxArgs >= 0 && len(call.Args) > fn.maxArgs) {
		return nil, p.errorf(at, "%s: wrong number of arguments (%d)", name, len(call.Args))
	}
	return call, nil
}
