// Package store provides durable workflow and task state.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/leifmarkthaler/gleitzeit-sub000/pkg/types"
)

// Common errors returned by Store implementations.
var (
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrTaskNotFound     = errors.New("task not found")
	ErrUnknownCounter   = errors.New("unknown workflow counter")
)

// Counter names an atomically incremented workflow field.
type Counter string

const (
	CounterCompleted Counter = "completed_tasks"
	CounterFailed    Counter = "failed_tasks"
)

func (c Counter) valid() bool {
	return c == CounterCompleted || c == CounterFailed
}

// Store persists workflow and task records. Implementations must be safe
// for concurrent use.
type Store interface {
	// Workflows
	SaveWorkflow(ctx context.Context, rec *types.WorkflowRecord) error
	GetWorkflow(ctx context.Context, id string) (*types.WorkflowRecord, error)
	ListWorkflows(ctx context.Context) ([]*types.WorkflowRecord, error)
	// UpdateWorkflowStatus sets the status and maintains the set of
	// incomplete workflows.
	UpdateWorkflowStatus(ctx context.Context, id string, status types.WorkflowStatus) error
	IncrementCounter(ctx context.Context, id string, counter Counter, delta int64) (int64, error)

	// Tasks
	SaveTask(ctx context.Context, task *types.Task) error
	SaveTasks(ctx context.Context, tasks []*types.Task) error
	GetTask(ctx context.Context, id string) (*types.Task, error)
	// ListTasks returns a workflow's tasks in submission order.
	ListTasks(ctx context.Context, workflowID string) ([]*types.Task, error)

	// Recovery queries
	IncompleteWorkflows(ctx context.Context) ([]string, error)
	IncompleteTasks(ctx context.Context, workflowID string) ([]*types.Task, error)

	// Active executor tracking
	AddActiveNode(ctx context.Context, name string) error
	RemoveActiveNode(ctx context.Context, name string) error
	ActiveNodes(ctx context.Context) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}

// Config holds settings shared by Store implementations.
type Config struct {
	// Retention is how long a finished workflow and its tasks are kept
	// (0 = forever).
	Retention time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{Retention: 7 * 24 * time.Hour}
}

func incomplete(tasks []*types.Task) []*types.Task {
	var out []*types.Task
	for _, t := range tasks {
		if !t.Status.IsTerminal() {
			out = append(out, t)
		}
	}
	return out
}
