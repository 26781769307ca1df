package jsonpath

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDoc() map[string]any {
	return map[string]any{
		"payload": map[string]any{
			"template": "formA",
			"items": []any{
				map[string]any{"price": 2.0, "tags": []any{"a", "b"}},
				map[string]any{"price": 3.5},
			},
		},
	}
}

func TestParse(t *testing.T) {
	valid := []string{"a", "a.b", "a[0]", "a[0][1].b", "a.*.b", "a[*]", "[0]"}
	for _, raw := range valid {
		t.Run(raw, func(t *testing.T) {
			_, err := Parse(raw)
			assert.NoError(t, err)
		})
	}

	invalid := []string{"", "a..b", "a[", "a[x]", "a[-1]", "a]b", "a.b*"}
	for _, raw := range invalid {
		t.Run("invalid "+raw, func(t *testing.T) {
			_, err := Parse(raw)
			assert.Error(t, err)
		})
	}
}

func TestGet(t *testing.T) {
	doc := testDoc()

	v, ok, err := Get(doc, "payload.template")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "formA", v)

	v, ok, err = Get(doc, "payload.items[1].price")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3.5, v)

	v, ok, err = Get(doc, "payload.items[0].tags[1]")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b", v)

	_, ok, err = Get(doc, "payload.items[5].price")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = Get(doc, "payload.template.deeper")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = Get(doc, "payload.items.*.price")
	assert.Error(t, err)
}

func TestQueryWildcard(t *testing.T) {
	doc := testDoc()

	vals, err := Query(doc, "payload.items.*.price")
	require.NoError(t, err)
	assert.Equal(t, []any{2.0, 3.5}, vals)

	vals, err = Query(doc, "payload.items[*].tags[*]")
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, vals)

	vals, err = Query(map[string]any{"m": map[string]any{"b": 2, "a": 1}}, "m.*")
	require.NoError(t, err)
	assert.Equal(t, []any{1, 2}, vals, "object wildcard follows canonical key order")

	vals, err = Query(doc, "payload.nothing.*")
	require.NoError(t, err)
	assert.Empty(t, vals)
}

func TestSet(t *testing.T) {
	doc := testDoc()

	require.NoError(t, Set(doc, "appendix.owner.name", "ops"))
	v, ok, err := Get(doc, "appendix.owner.name")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ops", v)

	require.NoError(t, Set(doc, "payload.items[0].price", 9.0))
	v, _, _ = Get(doc, "payload.items[0].price")
	assert.Equal(t, 9.0, v)

	assert.Error(t, Set(doc, "payload.items[7].price", 1))
	assert.Error(t, Set(doc, "payload.template.x", 1))
	assert.Error(t, Set(doc, "payload.*", 1))
	assert.Error(t, Set(doc, "missing[0]", 1))
}
