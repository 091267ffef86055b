// Package apperr holds the error types shared across pipeline stages that do not
// belong to a single stage.
package apperr

import (
	"errors"
	"fmt"
)

// InputValidationError is a caller mistake: missing file, malformed body, bad shape.
type InputValidationError struct {
	Message string
	Err     error
}

func (e *InputValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *InputValidationError) Unwrap() error { return e.Err }

// Invalid builds an InputValidationError with a formatted message.
func Invalid(format string, args ...any) error {
	return &InputValidationError{Message: fmt.Sprintf(format, args...)}
}

// PersistenceError wraps a failure of the feedback or audit store.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}

func IsInvalid(err error) bool {
	var target *InputValidationError
	return errors.As(err, &target)
}
