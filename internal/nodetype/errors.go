package nodetype

import (
	"errors"
	"fmt"
)

var (
	// ErrTypeInUse indicates that a type with live instances cannot be redefined or removed.
	ErrTypeInUse = errors.New("nodetype: type is in use")
	// ErrNamespaceConflict indicates a namespace URI already bound to another prefix.
	ErrNamespaceConflict = errors.New("nodetype: namespace conflict")
	// ErrInvalidDefinition indicates a definition that references unknown types or namespaces.
	ErrInvalidDefinition = errors.New("nodetype: invalid definition")
	// ErrSyntax indicates malformed CND text.
	ErrSyntax = errors.New("nodetype: cnd syntax error")
)

// SyntaxError locates a CND parse failure.
type SyntaxError struct {
	Line    int
	Message string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("cnd line %d: %s", e.Line, e.Message)
}

func (e *SyntaxError) Unwrap() error {
	return ErrSyntax
}

// Error is a coded registry failure. Codes take the form "<operation>.<reason>".
type Error struct {
	code string
	err  error
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Code returns the machine-readable failure code.
func (e *Error) Code() string {
	return e.code
}

const (
	opRegistryNew = "nodetype.new"
	opBootstrap   = "nodetype.bootstrap"
	opResolve     = "nodetype.resolve"
	opEffective   = "nodetype.effective"
	opRegister    = "nodetype.register"
	opUnregister  = "nodetype.unregister"
	opInUse       = "nodetype.in_use"
	opReverse     = "nodetype.reverse_index"
)

func newError(operation, reason string, cause error) error {
	return &Error{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}
