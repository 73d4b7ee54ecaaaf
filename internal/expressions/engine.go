// Package expressions evaluates conditional-branch conditions. The default
// dialect is a small hand-written language (see Parse); CEL, expr and jq are
// available per step through the `language` field.
package expressions

import (
	"context"
	"sync"

	"github.com/rendis/signflow/pkg/schema"
)

// Engine evaluates an expression against a snapshot of execution variables.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, vars map[string]any) (any, error)
	// Check compiles the expression without evaluating it.
	Check(expression string) error
}

// Evaluator is the default engine. Parsed ASTs are cached by source text.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]Node
}

// NewEvaluator creates the default condition engine.
func NewEvaluator() *Evaluator {
	return &Evaluator{cache: make(map[string]Node)}
}

// Name returns the engine identifier.
func (e *Evaluator) Name() string { return "default" }

// Check parses the expression.
func (e *Evaluator) Check(expression string) error {
	_, err := e.parse(expression)
	return err
}

// Evaluate parses (or reuses) the AST and evaluates it. Identifiers that do
// not resolve evaluate to Undefined, which Evaluate reports as nil.
func (e *Evaluator) Evaluate(_ context.Context, expression string, vars map[string]any) (any, error) {
	n, err := e.parse(expression)
	if err != nil {
		return nil, err
	}
	v, err := Eval(n, vars)
	if err != nil {
		return nil, err
	}
	if v == Undefined {
		return nil, nil
	}
	return v, nil
}

func (e *Evaluator) parse(expression string) (Node, error) {
	e.mu.RLock()
	if n, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return n, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if n, ok := e.cache[expression]; ok {
		return n, nil
	}
	n, err := Parse(expression)
	if err != nil {
		return nil, err
	}
	e.cache[expression] = n
	return n, nil
}

var _ Engine = (*Evaluator)(nil)

// Conditions routes condition evaluation to the engine named by a step's
// language field.
type Conditions struct {
	engines map[string]Engine
}

// NewConditions builds the default registry: the hand-written evaluator plus
// CEL, expr and jq.
func NewConditions() (*Conditions, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return NewConditionsWith(NewEvaluator(), celEngine, NewExprEngine(), NewGoJQEngine()), nil
}

// NewConditionsWith builds a registry from explicit engines. The engine named
// "default" serves steps without a language.
func NewConditionsWith(engines ...Engine) *Conditions {
	c := &Conditions{engines: make(map[string]Engine, len(engines))}
	for _, e := range engines {
		c.engines[e.Name()] = e
	}
	return c
}

func (c *Conditions) engine(language string) (Engine, error) {
	if language == schema.LanguageDefault {
		language = "default"
	}
	e, ok := c.engines[language]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported condition language %q", language)
	}
	return e, nil
}

// Check validates that expression compiles in the given language.
func (c *Conditions) Check(language, expression string) error {
	e, err := c.engine(language)
	if err != nil {
		return err
	}
	return e.Check(expression)
}

// Evaluate returns the boolean outcome of a condition. The default dialect
// applies Truthy; other dialects must produce a boolean.
func (c *Conditions) Evaluate(ctx context.Context, language, expression string, vars map[string]any) (bool, error) {
	e, err := c.engine(language)
	if err != nil {
		return false, err
	}
	out, err := e.Evaluate(ctx, expression, vars)
	if err != nil {
		return false, err
	}
	if _, ok := e.(*Evaluator); ok {
		return Truthy(out), nil
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExpression,
			"%s condition %q produced %T, want bool", e.Name(), expression, out)
	}
	return b, nil
}
