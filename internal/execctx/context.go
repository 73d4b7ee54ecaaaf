// Package execctx holds the per-execution variable store read and written by
// step handlers and the condition evaluator.
package execctx

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync"

	"github.com/rendis/signflow/pkg/schema"
)

// Context is a mutable variable store scoped to one execution, plus a
// metadata side-channel that conditions cannot see. Safe for concurrent use.
type Context struct {
	mu   sync.RWMutex
	vars map[string]any
	meta map[string]any
}

// Snapshot is the serializable form of a Context.
type Snapshot struct {
	Variables map[string]any `json:"variables"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// New creates a Context seeded with a deep copy of vars.
func New(vars map[string]any) *Context {
	c := &Context{vars: deepCopyMap(vars), meta: make(map[string]any)}
	if c.vars == nil {
		c.vars = make(map[string]any)
	}
	return c
}

// FromSnapshot reconstructs a Context from an exported snapshot.
func FromSnapshot(s Snapshot) *Context {
	c := New(s.Variables)
	if s.Metadata != nil {
		c.meta = deepCopyMap(s.Metadata)
	}
	return c
}

// Unmarshal reconstructs a Context from its JSON snapshot. Empty input yields
// an empty Context.
func Unmarshal(data []byte) (*Context, error) {
	if len(data) == 0 {
		return New(nil), nil
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "corrupt execution context snapshot").WithCause(err)
	}
	return FromSnapshot(s), nil
}

// Get returns the top-level variable key.
func (c *Context) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.vars[key]
	return deepCopyAny(v), ok
}

// Set stores a deep copy of value under key.
func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vars[key] = deepCopyAny(value)
}

// SetMany stores every entry of values.
func (c *Context) SetMany(values map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range values {
		c.vars[k] = deepCopyAny(v)
	}
}

// Has reports whether key is set.
func (c *Context) Has(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.vars[key]
	return ok
}

// Delete removes key.
func (c *Context) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.vars, key)
}

// GetMeta reads from the metadata side-channel.
func (c *Context) GetMeta(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.meta[key]
	return deepCopyAny(v), ok
}

// SetMeta writes to the metadata side-channel.
func (c *Context) SetMeta(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.meta[key] = deepCopyAny(value)
}

// Variables returns a deep copy of all variables.
func (c *Context) Variables() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return deepCopyMap(c.vars)
}

// Lookup resolves a dotted path such as "signer.address.city" against the
// variables. A key containing dots is matched whole before the path is
// split. Numeric segments index into lists. A missing path reports false.
func (c *Context) Lookup(path string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v, ok := LookupPath(c.vars, path)
	if !ok {
		return nil, false
	}
	return deepCopyAny(v), true
}

// LookupPath resolves a dotted path inside vars with the same rules as
// Context.Lookup. The returned value is not copied.
func LookupPath(vars map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	if v, ok := vars[path]; ok {
		return v, true
	}
	return walk(vars, strings.Split(path, "."))
}

func walk(root any, segments []string) (any, bool) {
	current := root
	for _, seg := range segments {
		if seg == "" {
			return nil, false
		}
		switch v := current.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return nil, false
			}
			current = next
		case map[string]string:
			next, ok := v[seg]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(v) {
				return nil, false
			}
			current = v[i]
		case []string:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(v) {
				return nil, false
			}
			current = v[i]
		default:
			return nil, false
		}
	}
	return current, true
}

// Snapshot exports a deep copy of the full state.
func (c *Context) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := Snapshot{Variables: deepCopyMap(c.vars)}
	if len(c.meta) > 0 {
		s.Metadata = deepCopyMap(c.meta)
	}
	return s
}

// Marshal encodes the snapshot as JSON for persistence.
func (c *Context) Marshal() (json.RawMessage, error) {
	data, err := json.Marshal(c.Snapshot())
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "context is not serializable").WithCause(err)
	}
	return data, nil
}

// ResultKey is the variable name a completed step's result is stored under.
func ResultKey(stepID string) string {
	return "step_" + stepID + "_result"
}
