package expressions

import (
	"math"
	"strings"
	"unicode/utf8"

	"github.com/rendis/signflow/pkg/schema"
)

type builtin struct {
	minArgs, maxArgs int // maxArgs < 0 means variadic
	fn               func(args []any) (any, error)
}

// builtins is the complete function table. None of them read the clock or
// any other ambient state.
var builtins map[string]builtin

func init() {
	builtins = map[string]builtin{
		"length":      {1, 1, fnLength},
		"toUpperCase": {1, 1, stringFn(strings.ToUpper)},
		"toLowerCase": {1, 1, stringFn(strings.ToLower)},
		"trim":        {1, 1, stringFn(strings.TrimSpace)},
		"isEmpty":     {1, 1, fnIsEmpty},
		"startsWith":  {2, 2, stringPred(strings.HasPrefix)},
		"endsWith":    {2, 2, stringPred(strings.HasSuffix)},
		"contains":    {2, 2, func(a []any) (any, error) { return containsValue(a[0], a[1]), nil }},
		"substring":   {2, 3, fnSubstring},
		"round":       {1, 2, fnRound},
		"floor":       {1, 1, numberFn(math.Floor)},
		"ceil":        {1, 1, numberFn(math.Ceil)},
		"abs":         {1, 1, numberFn(math.Abs)},
		"min":         {1, -1, extremum(func(a, b float64) bool { return a < b })},
		"max":         {1, -1, extremum(func(a, b float64) bool { return a > b })},
	}
}

func fnLength(args []any) (any, error) {
	v := args[0]
	if s, ok := v.(string); ok {
		return float64(utf8.RuneCountInString(s)), nil
	}
	if n, ok := collectionLen(v); ok {
		return float64(n), nil
	}
	return float64(0), nil
}

func fnIsEmpty(args []any) (any, error) {
	v := args[0]
	if isNullish(v) {
		return true, nil
	}
	if s, ok := v.(string); ok {
		return s == "", nil
	}
	if n, ok := collectionLen(v); ok {
		return n == 0, nil
	}
	return false, nil
}

func stringFn(f func(string) string) func([]any) (any, error) {
	return func(args []any) (any, error) {
		return f(toString(args[0])), nil
	}
}

func stringPred(f func(s, affix string) bool) func([]any) (any, error) {
	return func(args []any) (any, error) {
		if isNullish(args[0]) {
			return false, nil
		}
		return f(toString(args[0]), toString(args[1])), nil
	}
}

func fnSubstring(args []any) (any, error) {
	rs := []rune(toString(args[0]))
	start, err := intArg("substring", args[1])
	if err != nil {
		return nil, err
	}
	end := len(rs)
	if len(args) == 3 {
		if end, err = intArg("substring", args[2]); err != nil {
			return nil, err
		}
	}
	start = clamp(start, 0, len(rs))
	end = clamp(end, start, len(rs))
	return string(rs[start:end]), nil
}

func fnRound(args []any) (any, error) {
	f, err := numberArg("round", args[0])
	if err != nil {
		return nil, err
	}
	digits := 0
	if len(args) == 2 {
		if digits, err = intArg("round", args[1]); err != nil {
			return nil, err
		}
	}
	p := math.Pow(10, float64(digits))
	return math.Round(f*p) / p, nil
}

func numberFn(f func(float64) float64) func([]any) (any, error) {
	return func(args []any) (any, error) {
		x, err := numberArg("math", args[0])
		if err != nil {
			return nil, err
		}
		return f(x), nil
	}
}

// extremum accepts either several numbers or a single list of numbers.
func extremum(better func(a, b float64) bool) func([]any) (any, error) {
	return func(args []any) (any, error) {
		if len(args) == 1 {
			if l, ok := toList(args[0]); ok {
				args = l
			}
		}
		if len(args) == 0 {
			return Undefined, nil
		}
		best, err := numberArg("min/max", args[0])
		if err != nil {
			return nil, err
		}
		for _, a := range args[1:] {
			f, err := numberArg("min/max", a)
			if err != nil {
				return nil, err
			}
			if better(f, best) {
				best = f
			}
		}
		return best, nil
	}
}

func numberArg(fn string, v any) (float64, error) {
	f, ok := toNumber(v)
	if !ok {
		return 0, schema.NewErrorf(schema.ErrCodeExpression, "%s: expected number, got %s", fn, typeName(v))
	}
	return f, nil
}

func intArg(fn string, v any) (int, error) {
	f, err := numberArg(fn, v)
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case undefinedValue:
		return "undefined"
	case string:
		return "string"
	case bool:
		return "boolean"
	}
	if _, ok := toNumber(v); ok {
		return "number"
	}
	if _, ok := toList(v); ok {
		return "list"
	}
	return "object"
}

// containsValue backs both the `contains` operator and function: substring
// for strings, membership for lists, key presence for objects.
func containsValue(haystack, needle any) bool {
	if s, ok := haystack.(string); ok {
		if isNullish(needle) {
			return false
		}
		return strings.Contains(s, toString(needle))
	}
	if l, ok := toList(haystack); ok {
		for _, item := range l {
			if equal(item, needle) {
				return true
			}
		}
		return false
	}
	if n, ok := needle.(string); ok {
		return hasKey(haystack, n)
	}
	return false
}
