package engine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRuntimeError_Predicates(t *testing.T) {
	actionErr := NewActionError("evt-1", "R1", "EmitEvent", 0, errors.New("boom"))
	wrapped := fmt.Errorf("dispatch: %w", actionErr)

	assert.True(t, IsActionError(wrapped))
	assert.False(t, IsUnknownActionError(wrapped))
	assert.ErrorContains(t, actionErr, "boom")
	assert.ErrorContains(t, actionErr, "rule=R1")

	unknown := NewUnknownActionError("R2", "SendFax")
	assert.True(t, IsUnknownActionError(unknown))
	assert.False(t, IsActionError(unknown))
	assert.ErrorContains(t, unknown, "SendFax")

	assert.True(t, IsAppenderError(&RuntimeError{Code: ErrCodeAppenderFailed}))
	assert.True(t, IsConditionError(&RuntimeError{Code: ErrCodeConditionFailed}))
	assert.True(t, IsCascadeError(&RuntimeError{Code: ErrCodeCascadeLimit}))
	assert.False(t, IsActionError(errors.New("plain")))
}

func TestRuntimeError_Unwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := NewActionError("evt-1", "R1", "RequestNotification", 1, cause)
	assert.ErrorIs(t, err, cause)
}
