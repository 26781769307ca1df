package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeRules creates a rule file for scenario validation.
func writeRules(t *testing.T, dir, name string) string {
	t.Helper()
	rulesDir := filepath.Join(dir, "rules")
	require.NoError(t, os.MkdirAll(rulesDir, 0755))
	path := filepath.Join(rulesDir, name)
	require.NoError(t, os.WriteFile(path, []byte(`rule: R: {topic: "a.b", actions: [{name: "EmitEvent", args: {topic: "c.d"}}]}`), 0644))
	return path
}

func TestLoadScenario_ValidFile(t *testing.T) {
	dir := t.TempDir()
	writeRules(t, dir, "r.cue")
	scenarioPath := filepath.Join(dir, "test.yaml")

	content := `
name: test_scenario
description: "Test scenario for validation"
rules:
  - rules/r.cue
shard_count: 4
consumers:
  - name: mailer
    topic: "c.#"
emit:
  - topic: a.b
    action: create
    user_id: alice
    payload:
      id: X1
      amount: 3
assertions:
  - type: emitted
    topic: c.d
    count: 1
`
	require.NoError(t, os.WriteFile(scenarioPath, []byte(content), 0644))

	scenario, err := LoadScenario(scenarioPath)
	require.NoError(t, err)

	assert.Equal(t, "test_scenario", scenario.Name)
	assert.Equal(t, []string{filepath.Join(dir, "rules", "r.cue")}, scenario.Rules)
	assert.Equal(t, 4, scenario.ShardCount)
	require.Len(t, scenario.Consumers, 1)
	assert.Equal(t, "mailer", scenario.Consumers[0].Name)
	require.Len(t, scenario.Emit, 1)
	assert.Equal(t, "alice", scenario.Emit[0].UserID)
	assert.Equal(t, "X1", scenario.Emit[0].Payload["id"])
	require.Len(t, scenario.Assertions, 1)
	require.NotNil(t, scenario.Assertions[0].Count)
	assert.Equal(t, 1, *scenario.Assertions[0].Count)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestParseScenario_UnknownField(t *testing.T) {
	content := `
name: x
description: y
flow: []
emit:
  - topic: a.b
    action: create
assertions:
  - type: dead_letters
    count: 0
`
	_, err := ParseScenario([]byte(content), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "field flow not found")
}

func TestParseScenario_Validation(t *testing.T) {
	base := func(extra string) string {
		return "name: x\ndescription: y\nemit:\n  - topic: a.b\n    action: create\n" + extra
	}
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"missing name", "description: y\nemit: [{topic: a.b, action: c}]\nassertions: [{type: dead_letters, count: 0}]", "name is required"},
		{"no emit", "name: x\ndescription: y\nassertions: [{type: dead_letters, count: 0}]", "emit list is required"},
		{"no assertions", base(""), "assertions list is required"},
		{"bad topic", "name: x\ndescription: y\nemit: [{topic: a..b, action: c}]\nassertions: [{type: dead_letters, count: 0}]", "emit[0]"},
		{"missing action", "name: x\ndescription: y\nemit: [{topic: a.b}]\nassertions: [{type: dead_letters, count: 0}]", "action is required"},
		{"missing rules file", base("rules: [nope.cue]\nassertions: [{type: dead_letters, count: 0}]"), "rule file not found"},
		{"bad priority order", base("priority_order: sideways\nassertions: [{type: dead_letters, count: 0}]"), "invalid priority order"},
		{"duplicate consumer", base("consumers: [{name: a, topic: x}, {name: a, topic: y}]\nassertions: [{type: dead_letters, count: 0}]"), "duplicate name"},
		{"unknown assertion", base("assertions: [{type: vibes}]"), "unknown assertion type"},
		{"emitted without count", base("assertions: [{type: emitted, topic: a.b}]"), "count is required"},
		{"trace_order needs two", base("assertions: [{type: trace_order, topics: [a.b]}]"), "at least two topics"},
		{"unknown alert kind", base("assertions: [{type: alerts, kind: meltdown, count: 1}]"), "unknown alert kind"},
		{"bad state", base("assertions: [{type: state, topic: a.b, state: exploded}]"), "assertions[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.content), t.TempDir())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadScenario_Testdata(t *testing.T) {
	files, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, files)
	for _, f := range files {
		t.Run(filepath.Base(f), func(t *testing.T) {
			_, err := LoadScenario(f)
			require.NoError(t, err)
		})
	}
}
