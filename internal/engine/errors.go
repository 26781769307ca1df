package engine

import (
	"errors"
	"fmt"
)

// RuntimeError represents an error detected while evaluating a rule.
//
// Runtime errors include:
//   - Action failed: an action returned an error or panicked
//   - Unknown action: a rule references an unregistered action
//   - Cascade limit: the origin chain reached the maximum depth
//   - Appender failed: the enrichment pipeline failed
//   - Condition failed: a condition could not be evaluated
//
// RuntimeError includes structured fields for diagnostics and alerts.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// EventID identifies the triggering event.
	EventID string

	// RuleID identifies the rule.
	RuleID string

	// Action names the failing action, if any.
	Action string

	// Details contains additional context.
	Details map[string]string

	// Err is the underlying cause.
	Err error
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeActionFailed indicates an action returned an error.
	ErrCodeActionFailed RuntimeErrorCode = "ACTION_FAILED"

	// ErrCodeUnknownAction indicates a referenced action doesn't exist.
	ErrCodeUnknownAction RuntimeErrorCode = "UNKNOWN_ACTION"

	// ErrCodeCascadeLimit indicates the cascade depth limit was reached.
	ErrCodeCascadeLimit RuntimeErrorCode = "CASCADE_LIMIT"

	// ErrCodeAppenderFailed indicates the appender pipeline failed.
	ErrCodeAppenderFailed RuntimeErrorCode = "APPENDER_FAILED"

	// ErrCodeConditionFailed indicates a condition could not be evaluated.
	ErrCodeConditionFailed RuntimeErrorCode = "CONDITION_FAILED"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.RuleID != "" && e.Action != "" {
		return fmt.Sprintf("%s: %s (event=%s, rule=%s, action=%s)", e.Code, msg, e.EventID, e.RuleID, e.Action)
	}
	if e.RuleID != "" {
		return fmt.Sprintf("%s: %s (event=%s, rule=%s)", e.Code, msg, e.EventID, e.RuleID)
	}
	if e.EventID != "" {
		return fmt.Sprintf("%s: %s (event=%s)", e.Code, msg, e.EventID)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause.
func (e *RuntimeError) Unwrap() error { return e.Err }

func hasCode(err error, code RuntimeErrorCode) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// IsActionError returns true if the error is an action failure.
// Uses errors.As to handle wrapped errors.
func IsActionError(err error) bool { return hasCode(err, ErrCodeActionFailed) }

// IsUnknownActionError returns true if the error is an unknown action.
func IsUnknownActionError(err error) bool { return hasCode(err, ErrCodeUnknownAction) }

// IsCascadeError returns true if the error is a cascade limit error.
// Matches both RuntimeError with ErrCodeCascadeLimit and CascadeLimitError.
func IsCascadeError(err error) bool {
	if hasCode(err, ErrCodeCascadeLimit) {
		return true
	}
	var ce *CascadeLimitError
	return errors.As(err, &ce)
}

// IsAppenderError returns true if the error is an appender failure.
func IsAppenderError(err error) bool { return hasCode(err, ErrCodeAppenderFailed) }

// IsConditionError returns true if the error is a condition failure.
func IsConditionError(err error) bool { return hasCode(err, ErrCodeConditionFailed) }

// NewActionError creates a RuntimeError for a failed action.
func NewActionError(eventID, ruleID, action string, index int, err error) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeActionFailed,
		Message: "action failed",
		EventID: eventID,
		RuleID:  ruleID,
		Action:  action,
		Details: map[string]string{"action_index": fmt.Sprintf("%d", index)},
		Err:     err,
	}
}

// NewUnknownActionError creates a RuntimeError for an unregistered action.
func NewUnknownActionError(ruleID, action string) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeUnknownAction,
		Message: fmt.Sprintf("action %q is not registered", action),
		RuleID:  ruleID,
		Action:  action,
	}
}
