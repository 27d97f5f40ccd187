// Package types provides shared types for the orchestrator service.
package types

import (
	"time"
)

// WorkflowStatus represents the current state of a workflow.
type WorkflowStatus string

const (
	WorkflowStatusPending   WorkflowStatus = "pending"
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
)

// IsTerminal reports whether the workflow has finished.
func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusFailed || s == WorkflowStatusCancelled
}

// ErrorStrategy decides how a terminal task failure affects its workflow.
type ErrorStrategy string

const (
	// StopOnFirstError fails the workflow on the first terminal task failure.
	StopOnFirstError ErrorStrategy = "stop_on_first_error"
	// ContinueOnError keeps running independent tasks; the workflow ends failed.
	ContinueOnError ErrorStrategy = "continue_on_error"
	// RetryFailed behaves like ContinueOnError and allows the failed tasks to
	// be reset for another run.
	RetryFailed ErrorStrategy = "retry_failed"
	// SkipFailed cancels the hard dependents of a failed task and lets the
	// workflow complete.
	SkipFailed ErrorStrategy = "skip_failed"
)

// Valid reports whether s is a known strategy.
func (s ErrorStrategy) Valid() bool {
	switch s {
	case StopOnFirstError, ContinueOnError, RetryFailed, SkipFailed:
		return true
	}
	return false
}

// WorkflowRecord is the persisted shape of a workflow. Tasks are stored
// separately and referenced by id.
type WorkflowRecord struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	Status           WorkflowStatus    `json:"status"`
	ErrorStrategy    ErrorStrategy     `json:"error_strategy"`
	MaxParallelTasks int               `json:"max_parallel_tasks"`
	TotalTasks       int               `json:"total_tasks"`
	CompletedTasks   int               `json:"completed_tasks"`
	FailedTasks      int               `json:"failed_tasks"`
	TaskIDs          []string          `json:"task_ids"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Progress summarises the task sets of a workflow.
type Progress struct {
	Total     int     `json:"total"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Running   int     `json:"running"`
	Pending   int     `json:"pending"`
	Percent   float64 `json:"percent"`
}
