// Package models defines the resources exposed by the workflow API.
package models

import (
	"time"

	"workflow-api/internal/compiler"
)

// Task is one step of a chain. Body is required; Fallback runs only when
// Body signals failure.
type Task struct {
	Body     *compiler.Unit `json:"body,omitempty"`
	Fallback *compiler.Unit `json:"fallback,omitempty"`
}

// Workflow is a named definition of an ordered task chain plus the chain run
// when it fails. A stored workflow is replaced wholesale, never patched.
type Workflow struct {
	UUID      string    `json:"uuid"`
	Name      string    `json:"name,omitempty"`
	Timeout   *float64  `json:"timeout,omitempty"`
	Chain     []Task    `json:"chain"`
	OnError   []Task    `json:"onerror"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Normalize replaces nil chains with empty ones so they encode as [].
func (w *Workflow) Normalize() {
	if w.Chain == nil {
		w.Chain = []Task{}
	}
	if w.OnError == nil {
		w.OnError = []Task{}
	}
}

// TaskList is a named chain of a workflow.
type TaskList struct {
	Name  string
	Tasks []Task
}

// TaskLists returns the chain followed by the onerror chain.
func (w *Workflow) TaskLists() []TaskList {
	return []TaskList{
		{Name: "chain", Tasks: w.Chain},
		{Name: "onerror", Tasks: w.OnError},
	}
}
