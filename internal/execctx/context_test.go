package execctx

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContext_BasicOperations(t *testing.T) {
	c := New(map[string]any{"amount": 100.0})

	v, ok := c.Get("amount")
	require.True(t, ok)
	assert.Equal(t, 100.0, v)

	c.Set("status", "draft")
	assert.True(t, c.Has("status"))

	c.SetMany(map[string]any{"a": 1, "b": "two"})
	assert.True(t, c.Has("a"))
	assert.True(t, c.Has("b"))

	c.Delete("a")
	assert.False(t, c.Has("a"))

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestContext_SeedIsCopied(t *testing.T) {
	seed := map[string]any{"signer": map[string]any{"name": "Ada"}}
	c := New(seed)

	seed["signer"].(map[string]any)["name"] = "mutated"

	v, ok := c.Lookup("signer.name")
	require.True(t, ok)
	assert.Equal(t, "Ada", v)
}

func TestContext_Lookup(t *testing.T) {
	c := New(map[string]any{
		"signer": map[string]any{
			"address": map[string]any{"city": "Lisbon"},
			"tags":    []any{"vip", "eu"},
		},
		"dotted.key": "whole",
		"nothing":    nil,
	})

	v, ok := c.Lookup("signer.address.city")
	require.True(t, ok)
	assert.Equal(t, "Lisbon", v)

	v, ok = c.Lookup("signer.tags.1")
	require.True(t, ok)
	assert.Equal(t, "eu", v)

	v, ok = c.Lookup("dotted.key")
	require.True(t, ok)
	assert.Equal(t, "whole", v)

	v, ok = c.Lookup("nothing")
	assert.True(t, ok, "explicit null is defined")
	assert.Nil(t, v)

	for _, path := range []string{"signer.phone", "signer.address.city.zip", "signer.tags.9", "", "signer..city"} {
		_, ok := c.Lookup(path)
		assert.False(t, ok, path)
	}
}

func TestContext_Metadata(t *testing.T) {
	c := New(nil)
	c.SetMeta("attempt", 2)

	v, ok := c.GetMeta("attempt")
	require.True(t, ok)
	assert.Equal(t, 2, v)

	_, ok = c.Lookup("attempt")
	assert.False(t, ok, "metadata is not visible to lookups")
}

func TestContext_SnapshotRoundTrip(t *testing.T) {
	c := New(map[string]any{
		"amount": 250.5,
		"signer": map[string]any{"name": "Ada", "roles": []any{"cfo"}},
	})
	c.SetMeta("source", "api")

	first := c.Snapshot()
	again := FromSnapshot(first).Snapshot()
	assert.Equal(t, first, again)

	data, err := c.Marshal()
	require.NoError(t, err)
	restored, err := Unmarshal(data)
	require.NoError(t, err)
	data2, err := restored.Marshal()
	require.NoError(t, err)
	assert.JSONEq(t, string(data), string(data2))
}

func TestContext_SnapshotIsDetached(t *testing.T) {
	c := New(map[string]any{"list": []any{"a"}})
	s := c.Snapshot()
	s.Variables["list"].([]any)[0] = "changed"

	v, _ := c.Lookup("list.0")
	assert.Equal(t, "a", v)
}

func TestUnmarshal_Empty(t *testing.T) {
	c, err := Unmarshal(nil)
	require.NoError(t, err)
	assert.Empty(t, c.Variables())

	_, err = Unmarshal(json.RawMessage(`{not json`))
	assert.Error(t, err)
}

func TestContext_ConcurrentAccess(t *testing.T) {
	c := New(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Set("k", i)
			c.Lookup("k")
			c.Snapshot()
		}(i)
	}
	wg.Wait()
	assert.True(t, c.Has("k"))
}

// --- Interpolation ---

func TestInterpolate(t *testing.T) {
	c := New(map[string]any{
		"signer": map[string]any{"email": "ada@example.com", "name": "Ada"},
		"amount": 42.0,
	})

	out, err := c.Interpolate("Dear ${{ signer.name }}, amount ${{amount}}")
	require.NoError(t, err)
	assert.Equal(t, "Dear Ada, amount 42", out)

	out, err = c.Interpolate("plain text")
	require.NoError(t, err)
	assert.Equal(t, "plain text", out)
}

func TestInterpolate_Errors(t *testing.T) {
	c := New(map[string]any{"a": "b"})

	_, err := c.Interpolate("${{ missing }}")
	assert.ErrorContains(t, err, "unresolved reference")

	_, err = c.Interpolate("${{ a ")
	assert.ErrorContains(t, err, "unclosed")

	_, err = c.Interpolate("${{  }}")
	assert.ErrorContains(t, err, "empty")
}
