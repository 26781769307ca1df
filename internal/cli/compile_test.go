package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileRules(t *testing.T) {
	dir := writeFiles(t, map[string]string{"forms.cue": formRules})

	out, err := executeCommand(t, "rules", "compile", dir)
	require.NoError(t, err)

	assert.Contains(t, out, "✓ Compiled 2 rule(s)")
	assert.Contains(t, out, "NotifyOnFormCreate: *.*.*.event.form_create_instance (priority 10")
	assert.Contains(t, out, "AuditFormCreate")
	assert.Contains(t, out, ", sealed)")
	assert.Contains(t, out, "Hash: ")
}

func TestCompileRulesJSON(t *testing.T) {
	dir := writeFiles(t, map[string]string{"forms.cue": formRules})

	out, err := executeCommand(t, "--format", "json", "rules", "compile", dir)
	require.NoError(t, err)

	resp := decodeResponse(t, out)
	assert.Equal(t, "ok", resp.Status)
	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	assert.Len(t, data["rules"], 2)
	assert.NotEmpty(t, data["hash"])
}

func TestCompileOutputToFile(t *testing.T) {
	dir := writeFiles(t, map[string]string{"forms.cue": formRules})
	outputFile := filepath.Join(t.TempDir(), "compiled.json")

	out, err := executeCommand(t, "rules", "compile", dir, "-o", outputFile)
	require.NoError(t, err)
	assert.Contains(t, out, "Output written to: "+outputFile)

	data, err := os.ReadFile(outputFile)
	require.NoError(t, err)

	var result map[string]any
	require.NoError(t, json.Unmarshal(data, &result))
	assert.Len(t, result["rules"], 2)

	rules, err := LoadRuleSet(dir)
	require.NoError(t, err)
	assert.Len(t, rules, 2)
	assert.Contains(t, out, "Hash: "+result["hash"].(string))
}

func TestCompileHashStable(t *testing.T) {
	dir := writeFiles(t, map[string]string{"forms.cue": formRules})

	first, err := executeCommand(t, "--format", "json", "rules", "compile", dir)
	require.NoError(t, err)
	second, err := executeCommand(t, "--format", "json", "rules", "compile", dir)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name string
		dir  func(t *testing.T) string
		code string
		msg  string
	}{
		{
			name: "missing directory",
			dir:  func(t *testing.T) string { return "/nonexistent/directory/path" },
			code: ErrCodeNotFound,
			msg:  "not found",
		},
		{
			name: "empty directory",
			dir:  func(t *testing.T) string { return t.TempDir() },
			code: ErrCodeNoFiles,
			msg:  "no CUE files found",
		},
		{
			name: "broken CUE",
			dir: func(t *testing.T) string {
				return writeFiles(t, map[string]string{"bad.cue": "rule: Broken: {"})
			},
			code: ErrCodeLoadFailed,
		},
		{
			name: "rule without actions",
			dir: func(t *testing.T) string {
				return writeFiles(t, map[string]string{"bad.cue": `rule: Empty: {topic: "a.b"}`})
			},
			code: ErrCodeLoadFailed,
			msg:  "at least one action is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := executeCommand(t, "rules", "compile", tt.dir(t))
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
			assert.Contains(t, out, "Error ["+tt.code+"]")
			if tt.msg != "" {
				assert.Contains(t, out, tt.msg)
			}
		})
	}
}

func TestCompileErrorJSON(t *testing.T) {
	out, err := executeCommand(t, "--format", "json", "rules", "compile", t.TempDir())
	require.Error(t, err)

	resp := decodeResponse(t, out)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeNoFiles, resp.Error.Code)
}
