package workflow

import (
	"errors"
	"fmt"
)

var (
	// ErrNotAllowed is wrapped by every workflow precondition failure.
	ErrNotAllowed = errors.New("workflow: operation not allowed")

	errMissingRepository = errors.New("workflow: repository is required")
	errMissingRegistry   = errors.New("workflow: registry is required")
)

// Error reports a refused workflow operation together with the document it concerned. It is
// not retried; callers re-read the document and decide again.
type Error struct {
	Operation string
	Path      string
	Message   string
	Err       error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("workflow %s: %s", e.Operation, e.Message)
	}
	return fmt.Sprintf("workflow %s on %s: %s", e.Operation, e.Path, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrNotAllowed) match every workflow error, including those that
// wrap a save conflict.
func (e *Error) Is(target error) bool {
	return target == ErrNotAllowed
}

func refuse(operation, path, format string, args ...any) error {
	return &Error{Operation: operation, Path: path, Message: fmt.Sprintf(format, args...)}
}

// AsError extracts the workflow error from err.
func AsError(err error) (*Error, bool) {
	var workflowErr *Error
	if errors.As(err, &workflowErr) {
		return workflowErr, true
	}
	return nil, false
}
