package api

import (
	"fmt"
	"time"

	"github.com/leifmarkthaler/gleitzeit-sub000/internal/workflow"
	"github.com/leifmarkthaler/gleitzeit-sub000/pkg/types"
)

// SubmitWorkflowRequest is the request body for submitting a workflow.
// Dependencies may name tasks by name or by id.
type SubmitWorkflowRequest struct {
	ID               string              `json:"id,omitempty"`
	Name             string              `json:"name"`
	Description      string              `json:"description,omitempty"`
	ErrorStrategy    types.ErrorStrategy `json:"error_strategy,omitempty"`
	MaxParallelTasks int                 `json:"max_parallel_tasks,omitempty"`
	Metadata         map[string]string   `json:"metadata,omitempty"`
	Tasks            []TaskRequest       `json:"tasks"`
}

// TaskRequest describes one task of a submission.
type TaskRequest struct {
	ID               string           `json:"id,omitempty"`
	Name             string           `json:"name"`
	Type             types.TaskType   `json:"type"`
	Parameters       types.Parameters `json:"parameters"`
	Priority         types.Priority   `json:"priority,omitempty"`
	Dependencies     []string         `json:"dependencies,omitempty"`
	DependsOnSuccess *bool            `json:"depends_on_success,omitempty"`
	Tags             []string         `json:"tags,omitempty"`
	MaxRetries       *int             `json:"max_retries,omitempty"`
	Timeout          string           `json:"timeout,omitempty"`
}

// Build turns the request into a workflow. defaultRetries applies to tasks
// that do not set max_retries. It also returns the task ids by name.
func (req *SubmitWorkflowRequest) Build(defaultRetries int) (*workflow.Workflow, map[string]string, error) {
	opts := []workflow.Option{workflow.WithMaxParallel(req.MaxParallelTasks)}
	if req.ID != "" {
		opts = append(opts, workflow.WithID(req.ID))
	}
	if req.ErrorStrategy != "" {
		opts = append(opts, workflow.WithErrorStrategy(req.ErrorStrategy))
	}
	md := req.Metadata
	if req.Description != "" {
		md = make(map[string]string, len(req.Metadata)+1)
		for k, v := range req.Metadata {
			md[k] = v
		}
		md["description"] = req.Description
	}
	if len(md) > 0 {
		opts = append(opts, workflow.WithMetadata(md))
	}
	wf := workflow.New(req.Name, opts...)

	tasks := make([]*types.Task, len(req.Tasks))
	ids := make(map[string]string, len(req.Tasks))
	for i, tr := range req.Tasks {
		t := workflow.NewTask(tr.Name, tr.Type, tr.Parameters)
		if tr.ID != "" {
			t.ID = tr.ID
		}
		if tr.Priority != "" {
			t.Priority = tr.Priority
		}
		if tr.DependsOnSuccess != nil {
			t.DependsOnSuccess = *tr.DependsOnSuccess
		}
		t.MaxRetries = defaultRetries
		if tr.MaxRetries != nil {
			t.MaxRetries = *tr.MaxRetries
		}
		t.Tags = tr.Tags
		if tr.Timeout != "" {
			d, err := time.ParseDuration(tr.Timeout)
			if err != nil {
				return nil, nil, fmt.Errorf("task %s: timeout: %w", tr.Name, err)
			}
			t.Timeout = d
		}
		tasks[i] = t
		if tr.Name != "" {
			ids[tr.Name] = t.ID
		}
	}

	for i, tr := range req.Tasks {
		for _, dep := range tr.Dependencies {
			if id, ok := ids[dep]; ok {
				dep = id
			}
			tasks[i].Dependencies = append(tasks[i].Dependencies, dep)
		}
		if err := wf.AddTask(tasks[i]); err != nil {
			return nil, nil, err
		}
	}
	return wf, ids, nil
}
