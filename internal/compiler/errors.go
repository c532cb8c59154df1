package compiler

import (
	"errors"
	"fmt"
)

var (
	// ErrNotCompiled is returned when a unit decoded from storage is invoked
	// before being passed through Compiler.Hydrate.
	ErrNotCompiled = errors.New("compiler: unit is not compiled")

	// ErrInterrupted is returned when a script run is stopped by its context
	// or by the invocation timeout.
	ErrInterrupted = errors.New("compiler: task interrupted")

	// ErrNoCallback is returned when a task body returns without calling cb.
	ErrNoCallback = errors.New("compiler: task returned without calling its callback")
)

// CompileError reports source text that cannot become an invocable unit.
type CompileError struct {
	Reason string
	Err    error
}

func (e *CompileError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("compile error: %s: %v", e.Reason, e.Err)
	}
	return "compile error: " + e.Reason
}

func (e *CompileError) Unwrap() error {
	return e.Err
}

// TaskError is the failure a task signals through cb(err) or by throwing.
type TaskError struct {
	Message string
}

func (e *TaskError) Error() string {
	return "task failed: " + e.Message
}
