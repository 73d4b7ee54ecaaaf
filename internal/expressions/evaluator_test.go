package expressions

import (
	"context"
	"testing"

	"github.com/rendis/signflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testVars() map[string]any {
	return map[string]any{
		"amount":   1500.0,
		"count":    3,
		"status":   "pending review",
		"approved": true,
		"signer": map[string]any{
			"name":    "  Ada Lovelace ",
			"country": "PT",
			"roles":   []any{"cfo", "board"},
		},
		"tags":  []string{"urgent", "legal"},
		"empty": "",
		"none":  nil,
	}
}

func eval(t *testing.T, expression string) any {
	t.Helper()
	out, err := NewEvaluator().Evaluate(context.Background(), expression, testVars())
	require.NoError(t, err, expression)
	return out
}

// --- Parsing ---

func TestParse_Precedence(t *testing.T) {
	tests := []struct {
		src  string
		want string
	}{
		{"a OR b AND c", "(a OR (b AND c))"},
		{"NOT a AND b", "((NOT a) AND b)"},
		{"(a OR b) AND c", "((a OR b) AND c)"},
		{"x > 1 && y <= 2 || !z", "(((x > 1) AND (y <= 2)) OR (NOT z))"},
		{"'a OR b' == s", `("a OR b" == s)`},
		{"name in ['x', \"y\"]", `(name in ["x", "y"])`},
		{"length(trim(n)) >= -2.5", "(length(trim(n)) >= -2.5)"},
		{"tags contains 'legal'", `(tags contains "legal")`},
	}
	for _, tt := range tests {
		n, err := Parse(tt.src)
		require.NoError(t, err, tt.src)
		assert.Equal(t, tt.want, n.String(), tt.src)
	}
}

func TestParse_QuotedOperatorsStayLiteral(t *testing.T) {
	n, err := Parse(`note == "x AND (y OR z)"`)
	require.NoError(t, err)

	cmp, ok := n.(*ComparisonNode)
	require.True(t, ok)
	assert.Equal(t, &LiteralNode{Value: "x AND (y OR z)"}, cmp.Right)
}

func TestParse_Errors(t *testing.T) {
	for _, src := range []string{
		"",
		"   ",
		"a ==",
		"(a == 1",
		"a == 1)",
		"'unterminated",
		"nosuchfn(1)",
		"length()",
		"substring('a')",
		"a # b",
		"[1, 2",
		"- x",
	} {
		_, err := Parse(src)
		require.Error(t, err, src)
		assert.True(t, schema.HasCode(err, schema.ErrCodeExpression), src)
	}
}

// --- Evaluation ---

func TestEvaluate_Comparisons(t *testing.T) {
	tests := []struct {
		expr string
		want bool
	}{
		{"amount > 1000", true},
		{"amount >= 1500", true},
		{"amount < 1500", false},
		{"count == 3", true},
		{"count == 3.0", true},
		{"count != 4", true},
		{"status == 'pending review'", true},
		{`signer.country == "PT"`, true},
		{"signer.country < 'QQ'", true},
		{"approved == true", true},
		{"status > 10", false},
		{"missing == null", true},
		{"none == null", true},
		{"missing == 0", false},
		{"signer.roles contains 'cfo'", true},
		{"tags contains 'legal'", true},
		{"status contains 'review'", true},
		{"signer contains 'name'", true},
		{"'board' in signer.roles", true},
		{"signer.country in ['PT', 'ES']", true},
		{"'view' in status", true},
		{"'ceo' in signer.roles", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, eval(t, tt.expr), tt.expr)
	}
}

func TestEvaluate_Logical(t *testing.T) {
	assert.Equal(t, true, eval(t, "amount > 1000 AND signer.country == 'PT'"))
	assert.Equal(t, false, eval(t, "amount > 1000 and approved == false"))
	assert.Equal(t, true, eval(t, "amount < 10 OR approved"))
	assert.Equal(t, true, eval(t, "NOT (amount < 10)"))
	assert.Equal(t, true, eval(t, "not missing"))
	assert.Equal(t, true, eval(t, "(amount > 10 || count > 10) && !(empty)"))
}

func TestEvaluate_ShortCircuitSkipsErrors(t *testing.T) {
	// round() would fail on a string, but the right operand is never reached.
	assert.Equal(t, false, eval(t, "approved == false AND round(status) > 1"))
	assert.Equal(t, true, eval(t, "approved OR round(status) > 1"))
}

func TestEvaluate_Functions(t *testing.T) {
	tests := []struct {
		expr string
		want any
	}{
		{"length(signer.roles)", 2.0},
		{"length(status)", 14.0},
		{"length(missing)", 0.0},
		{"toUpperCase(signer.country)", "PT"},
		{"toLowerCase('ABC')", "abc"},
		{"trim(signer.name)", "Ada Lovelace"},
		{"isEmpty(empty)", true},
		{"isEmpty(missing)", true},
		{"isEmpty(tags)", false},
		{"startsWith(status, 'pend')", true},
		{"endsWith(status, 'review')", true},
		{"contains(status, 'ding')", true},
		{"substring(status, 0, 7)", "pending"},
		{"substring(status, 8)", "review"},
		{"substring(status, 50, 60)", ""},
		{"round(2.567, 2)", 2.57},
		{"round(2.5)", 3.0},
		{"floor(2.9)", 2.0},
		{"ceil(2.1)", 3.0},
		{"abs(-4)", 4.0},
		{"min(3, 1, 2)", 1.0},
		{"max(3, amount, 2)", 1500.0},
		{"max([4, 9, 2])", 9.0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, eval(t, tt.expr), tt.expr)
	}
}

func TestEvaluate_FunctionTypeErrors(t *testing.T) {
	_, err := NewEvaluator().Evaluate(context.Background(), "round(status) > 1", testVars())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected number")
}

func TestEvaluate_UndefinedIsNil(t *testing.T) {
	out := eval(t, "signer.address.city")
	assert.Nil(t, out)
}

func TestEvaluate_DeterministicAndPure(t *testing.T) {
	vars := testVars()
	before := testVars()
	e := NewEvaluator()

	expression := "length(trim(signer.name)) > 5 AND 'legal' in tags"
	first, err := e.Evaluate(context.Background(), expression, vars)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := e.Evaluate(context.Background(), expression, vars)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, before, vars, "evaluation must not touch the variables")
}

func TestTruthy(t *testing.T) {
	for _, v := range []any{nil, Undefined, false, 0, 0.0, "", []any{}, map[string]any{}} {
		assert.False(t, Truthy(v), "%#v", v)
	}
	for _, v := range []any{true, 1, -2.5, "x", []string{"a"}, map[string]any{"k": 1}} {
		assert.True(t, Truthy(v), "%#v", v)
	}
}

// --- Registry ---

func TestConditions_Default(t *testing.T) {
	c := NewConditionsWith(NewEvaluator())

	ok, err := c.Evaluate(context.Background(), "", "amount > 1000", testVars())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Evaluate(context.Background(), "", "missing", testVars())
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Check("", "a == 1"))
	assert.Error(t, c.Check("", "a =="))

	_, err = c.Evaluate(context.Background(), "lua", "true", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}
