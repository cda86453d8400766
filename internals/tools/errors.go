package tools

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownTool      = errors.New("unknown tool")
	ErrInvalidArguments = errors.New("invalid arguments")
)

// CallError records which tool and operation failed.
type CallError struct {
	Tool string
	Op   Op
	Err  error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Tool, e.Op, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}
