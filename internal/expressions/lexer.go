package expressions

import (
	"strings"
	"unicode"

	"github.com/rendis/signflow/pkg/schema"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokString
	tokNumber
	tokIdent
	tokCompare // == != > < >= <=
	tokAnd
	tokOr
	tokNot
	tokContains
	tokIn
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokComma
	tokMinus
)

type token struct {
	kind tokenKind
	text string // operator spelling, identifier path or decoded string literal
	pos  int
}

// lex splits src into tokens. Quoted literals are consumed whole, so
// operators and parentheses inside them never act as syntax.
func lex(src string) ([]token, error) {
	var toks []token
	rs := []rune(src)
	i := 0

	for i < len(rs) {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++

		case r == '\'' || r == '"':
			lit, next, err := lexString(rs, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokString, text: lit, pos: i})
			i = next

		case unicode.IsDigit(r) || (r == '.' && i+1 < len(rs) && unicode.IsDigit(rs[i+1])):
			start := i
			for i < len(rs) && (unicode.IsDigit(rs[i]) || rs[i] == '.' || rs[i] == 'e' || rs[i] == 'E' ||
				((rs[i] == '+' || rs[i] == '-') && (rs[i-1] == 'e' || rs[i-1] == 'E'))) {
				i++
			}
			toks = append(toks, token{kind: tokNumber, text: string(rs[start:i]), pos: start})

		case isIdentStart(r):
			start := i
			for i < len(rs) && isIdentPart(rs[i]) {
				i++
			}
			word := string(rs[start:i])
			toks = append(toks, keywordOrIdent(word, start))

		case r == '(':
			toks = append(toks, token{kind: tokLParen, text: "(", pos: i})
			i++
		case r == ')':
			toks = append(toks, token{kind: tokRParen, text: ")", pos: i})
			i++
		case r == '[':
			toks = append(toks, token{kind: tokLBracket, text: "[", pos: i})
			i++
		case r == ']':
			toks = append(toks, token{kind: tokRBracket, text: "]", pos: i})
			i++
		case r == ',':
			toks = append(toks, token{kind: tokComma, text: ",", pos: i})
			i++
		case r == '-':
			toks = append(toks, token{kind: tokMinus, text: "-", pos: i})
			i++

		case r == '&' && peek(rs, i+1) == '&':
			toks = append(toks, token{kind: tokAnd, text: "AND", pos: i})
			i += 2
		case r == '|' && peek(rs, i+1) == '|':
			toks = append(toks, token{kind: tokOr, text: "OR", pos: i})
			i += 2

		case r == '=' && peek(rs, i+1) == '=':
			toks = append(toks, token{kind: tokCompare, text: "==", pos: i})
			i += 2
		case r == '!' && peek(rs, i+1) == '=':
			toks = append(toks, token{kind: tokCompare, text: "!=", pos: i})
			i += 2
		case r == '!':
			toks = append(toks, token{kind: tokNot, text: "NOT", pos: i})
			i++
		case r == '>' || r == '<':
			start, op := i, string(r)
			i++
			if peek(rs, i) == '=' {
				op += "="
				i++
			}
			toks = append(toks, token{kind: tokCompare, text: op, pos: start})

		default:
			return nil, schema.NewErrorf(schema.ErrCodeExpression,
				"unexpected character %q at position %d", r, i)
		}
	}

	return append(toks, token{kind: tokEOF, pos: len(rs)}), nil
}

func lexString(rs []rune, start int) (string, int, error) {
	quote := rs[start]
	var b strings.Builder
	i := start + 1
	for i < len(rs) {
		r := rs[i]
		switch {
		case r == '\\' && i+1 < len(rs):
			i++
			switch rs[i] {
			case 'n':
				b.WriteRune('\n')
			case 't':
				b.WriteRune('\t')
			default:
				b.WriteRune(rs[i])
			}
		case r == quote:
			return b.String(), i + 1, nil
		default:
			b.WriteRune(r)
		}
		i++
	}
	return "", 0, schema.NewErrorf(schema.ErrCodeExpression, "unterminated string starting at position %d", start)
}

func keywordOrIdent(word string, pos int) token {
	switch strings.ToUpper(word) {
	case "AND":
		return token{kind: tokAnd, text: "AND", pos: pos}
	case "OR":
		return token{kind: tokOr, text: "OR", pos: pos}
	case "NOT":
		return token{kind: tokNot, text: "NOT", pos: pos}
	case "CONTAINS":
		return token{kind: tokContains, text: "contains", pos: pos}
	case "IN":
		return token{kind: tokIn, text: "in", pos: pos}
	}
	return token{kind: tokIdent, text: word, pos: pos}
}

func isIdentStart(r rune) bool {
	return r == '_' || r == '$' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return isIdentStart(r) || unicode.IsDigit(r) || r == '.'
}

func peek(rs []rune, i int) rune {
	if i < len(rs) {
		return rs[i]
	}
	return 0
}
