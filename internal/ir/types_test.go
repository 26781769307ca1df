package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePriorityOrder(t *testing.T) {
	o, err := ParsePriorityOrder("")
	require.NoError(t, err)
	assert.Equal(t, PriorityAsc, o)

	o, err = ParsePriorityOrder("desc")
	require.NoError(t, err)
	assert.Equal(t, PriorityDesc, o)

	_, err = ParsePriorityOrder("random")
	assert.Error(t, err)
}

func TestSortRulesStableByPriority(t *testing.T) {
	rules := []Rule{
		{ID: "c", Priority: 5},
		{ID: "a", Priority: 1},
		{ID: "b", Priority: 5},
		{ID: "d", Priority: 1},
	}

	asc := SortRules(rules, PriorityAsc)
	assert.Equal(t, []string{"a", "d", "c", "b"}, ruleIDs(asc))

	desc := SortRules(rules, PriorityDesc)
	assert.Equal(t, []string{"c", "b", "a", "d"}, ruleIDs(desc))

	// Input untouched.
	assert.Equal(t, []string{"c", "a", "b", "d"}, ruleIDs(rules))
}

func TestConditionString(t *testing.T) {
	assert.Equal(t, "payload.template eq formA",
		Condition{Path: "payload.template", Op: OpEq, Value: "formA"}.String())
	assert.Equal(t, "payload.x exists", Condition{Path: "payload.x", Op: OpExists}.String())
	assert.Equal(t, "payload.n > 3", Condition{Expr: "payload.n > 3"}.String())
	assert.True(t, OpMissing.Unary())
	assert.False(t, OpIn.Unary())
}

func ruleIDs(rules []Rule) []string {
	ids := make([]string, len(rules))
	for i, r := range rules {
		ids[i] = r.ID
	}
	return ids
}
