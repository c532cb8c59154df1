package models

import (
	"time"
)

// JobExecution is the recorded execution state of a job.
type JobExecution string

const (
	JobQueued   JobExecution = "queued"
	JobCanceled JobExecution = "canceled"
)

// JobInfo is one entry of a job's append-only info log.
type JobInfo struct {
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Job is an instantiation of a workflow. Workflow holds a copy of the
// definition taken when the job was created; edits to the source workflow
// never reach it.
type Job struct {
	UUID         string         `json:"uuid"`
	Name         string         `json:"name,omitempty"`
	WorkflowUUID string         `json:"workflow_uuid"`
	Params       map[string]any `json:"params,omitempty"`
	Execution    JobExecution   `json:"execution"`
	Info         []JobInfo      `json:"info"`
	Workflow     *Workflow      `json:"workflow"`
	Version      int64          `json:"version"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Normalize replaces nil collections with empty ones so they encode as [].
func (j *Job) Normalize() {
	if j.Info == nil {
		j.Info = []JobInfo{}
	}
	if j.Workflow != nil {
		j.Workflow.Normalize()
	}
}
