package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const loopRules = `rule: Echo: {
	topic: "loop.ping"
	actions: [{name: "EmitEvent", args: {topic: "loop.ping"}}]
}
`

const unknownActionRules = `rule: Teleport: {
	topic: "orders.placed"
	actions: [{name: "Teleport", args: {}}]
}
`

func TestValidateValidRules(t *testing.T) {
	dir := writeFiles(t, map[string]string{"forms.cue": formRules})

	out, err := executeCommand(t, "rules", "validate", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ 2 rule(s) valid")
	assert.NotContains(t, out, "⚠")
}

func TestValidateCascadeIsWarning(t *testing.T) {
	dir := writeFiles(t, map[string]string{"loop.cue": loopRules})

	out, err := executeCommand(t, "rules", "validate", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "⚠ rule Echo re-triggers itself through unsealed events")
	assert.Contains(t, out, "✓ 1 rule(s) valid")
}

func TestValidateUnknownAction(t *testing.T) {
	dir := writeFiles(t, map[string]string{"bad.cue": unknownActionRules})

	out, err := executeCommand(t, "rules", "validate", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ Validation failed with 1 error(s)")
	assert.Contains(t, out, `unknown action "Teleport"`)
}

func TestValidateJSON(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		dir := writeFiles(t, map[string]string{"loop.cue": loopRules})

		out, err := executeCommand(t, "--format", "json", "rules", "validate", dir)
		require.NoError(t, err)

		resp := decodeResponse(t, out)
		assert.Equal(t, "ok", resp.Status)
		data := resp.Data.(map[string]any)
		assert.Equal(t, true, data["valid"])
		assert.Len(t, data["warnings"], 1)
	})

	t.Run("invalid", func(t *testing.T) {
		dir := writeFiles(t, map[string]string{"bad.cue": unknownActionRules})

		out, err := executeCommand(t, "--format", "json", "rules", "validate", dir)
		require.Error(t, err)
		assert.Equal(t, ExitFailure, GetExitCode(err))

		resp := decodeResponse(t, out)
		assert.Equal(t, "error", resp.Status)
		require.NotNil(t, resp.Error)
		assert.Equal(t, ErrCodeInvalidRule, resp.Error.Code)
	})
}

func TestValidateMissingDirectory(t *testing.T) {
	out, err := executeCommand(t, "rules", "validate", "/nonexistent/rules")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error ["+ErrCodeNotFound+"]")
}
