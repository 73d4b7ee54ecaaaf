package execctx

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/signflow/pkg/schema"
)

// Interpolate replaces every ${{path}} reference in s with the value found by
// Lookup. An unresolved path is an error rather than an empty string.
func (c *Context) Interpolate(s string) (string, error) {
	if !strings.Contains(s, "${{") {
		return s, nil
	}

	var out strings.Builder
	out.Grow(len(s))

	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], "${{")
		if idx == -1 {
			out.WriteString(s[i:])
			break
		}
		out.WriteString(s[i : i+idx])
		start := i + idx + 3

		end := strings.Index(s[start:], "}}")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeExpression, "unclosed ${{ reference")
		}
		end += start

		path := strings.TrimSpace(s[start:end])
		if path == "" {
			return "", schema.NewError(schema.ErrCodeExpression, "empty ${{ }} reference")
		}
		if strings.Contains(path, "${{") {
			return "", schema.NewError(schema.ErrCodeExpression, "nested ${{ references are not allowed")
		}

		val, ok := c.Lookup(path)
		if !ok {
			return "", schema.NewErrorf(schema.ErrCodeExpression, "unresolved reference ${{%s}}", path).
				WithDetails(map[string]any{"path": path})
		}
		out.WriteString(stringify(val))
		i = end + 2
	}
	return out.String(), nil
}

func stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	case float64, int, int64, bool:
		return fmt.Sprint(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}
