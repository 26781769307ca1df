package event

import (
	"errors"
	"fmt"
)

// ValidationError reports a malformed event at enqueue time. It is the only
// error kind the sink surfaces synchronously to business callers.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event %s: %s", e.Field, e.Message)
}

// IsValidationError reports whether err (or anything it wraps) is a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
