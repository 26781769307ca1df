package compiler

import (
	"encoding/json"
	"testing"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/outpost/internal/ir"
)

func TestCompileRuleBasic(t *testing.T) {
	ctx := cuecontext.New()
	v := ctx.CompileString(`
		rule: "notify-form": {
			topic:    "*.*.*.event.form_create_instance"
			priority: 5
			appenders: [{name: "now", args: {into: "appendix.now", layout: "unix"}}]
			conditions: [
				{path: "payload.template", op: "in", value: ["formA", "formB"]},
				{expr: "payload.count > 2"},
			]
			actions: [
				{name: "SetResult", args: {value: 42}, bind: "answer"},
				{name: "RequestNotification", args: {group: "ops"}},
			]
		}
	`)
	require.NoError(t, v.Err())

	rule, err := CompileRule(v.LookupPath(cue.ParsePath(`rule."notify-form"`)))
	require.NoError(t, err)

	assert.Equal(t, "notify-form", rule.ID)
	assert.Equal(t, "*.*.*.event.form_create_instance", rule.Topic)
	assert.Equal(t, 5, rule.Priority)
	assert.True(t, rule.Enabled)
	assert.False(t, rule.SealDescendants)

	require.Len(t, rule.Appenders, 1)
	assert.Equal(t, "now", rule.Appenders[0].Name)
	assert.Equal(t, "unix", rule.Appenders[0].Args["layout"])

	require.Len(t, rule.Conditions, 2)
	assert.Equal(t, ir.OpIn, rule.Conditions[0].Op)
	assert.Equal(t, []any{"formA", "formB"}, rule.Conditions[0].Value)
	assert.Equal(t, "payload.count > 2", rule.Conditions[1].Expr)

	require.Len(t, rule.Actions, 2)
	assert.Equal(t, "SetResult", rule.Actions[0].Name)
	assert.Equal(t, json.Number("42"), rule.Actions[0].Args["value"])
	assert.Equal(t, "answer", rule.Actions[0].Bind)
	assert.Equal(t, "ops", rule.Actions[1].Args["group"])
}

func TestCompileRuleFlags(t *testing.T) {
	rules, err := CompileString(`
		rule: Disabled: {
			topic:            "a.b"
			enabled:          false
			seal_descendants: true
			actions: [{name: "EmitEvent", args: {topic: "a.c"}}]
		}
	`, "flags.cue")
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.False(t, rules[0].Enabled)
	assert.True(t, rules[0].SealDescendants)
}

func TestCompileRuleActionTags(t *testing.T) {
	rules, err := CompileString(`
		rule: Tagged: {
			topic: "a.b"
			actions: [
				{name: "EmitEvent", args: {topic: "a.c"}, tags: ["ops", " audit", "ops"]},
				{name: "EmitEvent", args: {topic: "a.d"}},
			]
		}
	`, "tags.cue")
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.Len(t, rules[0].Actions, 2)
	assert.Equal(t, []string{"audit", "ops"}, rules[0].Actions[0].Tags)
	assert.Nil(t, rules[0].Actions[1].Tags)
}

func TestCompileRuleErrors(t *testing.T) {
	tests := []struct {
		name  string
		src   string
		field string
	}{
		{"missing topic", `rule: R: {actions: [{name: "X"}]}`, "topic"},
		{"topic not string", `rule: R: {topic: 1, actions: [{name: "X"}]}`, "topic"},
		{"no actions", `rule: R: {topic: "a.b"}`, "actions"},
		{"empty actions", `rule: R: {topic: "a.b", actions: []}`, "actions"},
		{"action without name", `rule: R: {topic: "a.b", actions: [{args: {}}]}`, "actions[0].name"},
		{"bad priority", `rule: R: {topic: "a.b", priority: "high", actions: [{name: "X"}]}`, "priority"},
		{"condition without op", `rule: R: {topic: "a.b", conditions: [{path: "payload.x"}], actions: [{name: "X"}]}`, "conditions[0].op"},
		{"args not struct", `rule: R: {topic: "a.b", actions: [{name: "X", args: [1]}]}`, "actions[0].args"},
		{"tags not strings", `rule: R: {topic: "a.b", actions: [{name: "X", tags: [1]}]}`, "actions[0].tags"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CompileString(tt.src, "bad.cue")
			require.Error(t, err)
			var ce *CompileError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.field, ce.Field)
		})
	}
}

func TestCompileString_NoRules(t *testing.T) {
	_, err := CompileString(`other: 1`, "empty.cue")
	require.Error(t, err)
}

func TestCompileString_SyntaxErrorHasPosition(t *testing.T) {
	_, err := CompileString("rule: R: {\n  topic: \n", "broken.cue")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.cue")
}

func TestLoadRules_DeclarationOrder(t *testing.T) {
	rules, err := LoadRules("testdata/rules")
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "NotifyOnFormCreate", rules[0].ID)
	assert.Equal(t, "AuditFormCreate", rules[1].ID)
	assert.True(t, rules[1].SealDescendants)
	assert.Equal(t, map[string]any{"form": "${payload.id}", "at": "${appendix.seen_at}"}, rules[1].Actions[0].Args["payload"])

	assert.Empty(t, Validate(rules, Options{}))
}

func TestLoadRules_MissingDir(t *testing.T) {
	_, err := LoadRules("testdata/nope")
	assert.Error(t, err)

	_, err = LoadRules(t.TempDir())
	assert.Error(t, err)
}
