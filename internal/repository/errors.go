package repository

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// Error is a coded repository failure. Codes take the form "<operation>.<reason>".
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
	opRepositoryNew = "repository.new"
	opGetNode       = "repository.get_node"
	opChildren      = "repository.children"
	opAddNode       = "repository.add_node"
	opSave          = "repository.save"
	opFindByType    = "repository.find_by_type"
	opSeed          = "repository.seed"
)

func newError(operation, reason string, cause error) error {
	return &Error{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
