package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TaskType is the kind of work a task performs. It selects the executor and
// the parameter variant.
type TaskType string

const (
	TaskTypeText     TaskType = "text"
	TaskTypeVision   TaskType = "vision"
	TaskTypeFunction TaskType = "function"
	TaskTypeHTTP     TaskType = "http"
	TaskTypeFile     TaskType = "file"
)

// Priority is the dispatch band of a task.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Priorities returns the bands in dispatch order.
func Priorities() []Priority {
	return []Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}
}

// Rank returns the position of p in dispatch order. Unknown values rank as normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// Valid reports whether p is one of the known bands.
func (p Priority) Valid() bool {
	switch p {
	case PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusAssigned   TaskStatus = "assigned"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusRetrying   TaskStatus = "retrying"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// InFlight reports whether the task is held by an executor.
func (s TaskStatus) InFlight() bool {
	return s == TaskStatusAssigned || s == TaskStatusProcessing
}

// TextParams configures a text-generation task.
type TextParams struct {
	Prompt      string   `json:"prompt"`
	Model       string   `json:"model,omitempty"`
	System      string   `json:"system,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
}

// VisionParams configures an image-understanding task.
type VisionParams struct {
	Prompt string   `json:"prompt"`
	Model  string   `json:"model,omitempty"`
	Images []string `json:"images"`
}

// FunctionParams configures a registered function call.
type FunctionParams struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// HTTPParams configures an outbound HTTP request.
type HTTPParams struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// FileParams configures a file operation.
type FileParams struct {
	Operation string `json:"operation"` // read, write, append, delete
	Path      string `json:"path"`
	Content   string `json:"content,omitempty"`
}

// Parameters is the kind-specific parameter set of a task. Exactly one
// variant matching the task type is expected; External carries free-form
// parameters for out-of-process executors.
type Parameters struct {
	Text     *TextParams     `json:"text,omitempty"`
	Vision   *VisionParams   `json:"vision,omitempty"`
	Function *FunctionParams `json:"function,omitempty"`
	HTTP     *HTTPParams     `json:"http,omitempty"`
	File     *FileParams     `json:"file,omitempty"`
	External map[string]any  `json:"external_parameters,omitempty"`
}

// Common parameter errors.
var (
	ErrMissingParameters  = errors.New("missing parameters for task type")
	ErrConflictingVariant = errors.New("parameters carry a variant for another task type")
)

// Validate checks that the variant matching kind is the one present.
func (p *Parameters) Validate(kind TaskType) error {
	set := map[TaskType]bool{
		TaskTypeText:     p.Text != nil,
		TaskTypeVision:   p.Vision != nil,
		TaskTypeFunction: p.Function != nil,
		TaskTypeHTTP:     p.HTTP != nil,
		TaskTypeFile:     p.File != nil,
	}
	for k, present := range set {
		if present && k != kind {
			return fmt.Errorf("%w: %s", ErrConflictingVariant, k)
		}
	}
	if _, known := set[kind]; known && !set[kind] && len(p.External) == 0 {
		return fmt.Errorf("%w: %s", ErrMissingParameters, kind)
	}
	switch {
	case p.Text != nil && p.Text.Prompt == "":
		return errors.New("text: prompt is required")
	case p.Vision != nil && len(p.Vision.Images) == 0:
		return errors.New("vision: at least one image is required")
	case p.Function != nil && p.Function.Name == "":
		return errors.New("function: name is required")
	case p.HTTP != nil && p.HTTP.URL == "":
		return errors.New("http: url is required")
	case p.File != nil && p.File.Path == "":
		return errors.New("file: path is required")
	}
	return nil
}

// RequiredModels returns the models an executor must serve to run the task.
func (p *Parameters) RequiredModels() []string {
	switch {
	case p.Text != nil && p.Text.Model != "":
		return []string{p.Text.Model}
	case p.Vision != nil && p.Vision.Model != "":
		return []string{p.Vision.Model}
	}
	return nil
}

// Clone returns a deep copy via JSON round trip.
func (p Parameters) Clone() Parameters {
	data, err := json.Marshal(p)
	if err != nil {
		return p
	}
	var out Parameters
	if err := json.Unmarshal(data, &out); err != nil {
		return p
	}
	return out
}

// Task is a single unit of work inside a workflow.
type Task struct {
	ID               string        `json:"id"`
	WorkflowID       string        `json:"workflow_id,omitempty"`
	Name             string        `json:"name"`
	Type             TaskType      `json:"type"`
	Parameters       Parameters    `json:"parameters"`
	Priority         Priority      `json:"priority"`
	Dependencies     []string      `json:"dependencies,omitempty"`
	DependsOnSuccess bool          `json:"depends_on_success"`
	Tags             []string      `json:"tags,omitempty"`
	MaxRetries       int           `json:"max_retries"`
	RetryCount       int           `json:"retry_count"`
	Timeout          time.Duration `json:"timeout,omitempty"`
	Status           TaskStatus    `json:"status"`
	AssignedNodeID   string        `json:"assigned_node_id,omitempty"`
	Result           any           `json:"result,omitempty"`
	Error            string        `json:"error,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	QueuedAt         *time.Time    `json:"queued_at,omitempty"`
	AssignedAt       *time.Time    `json:"assigned_at,omitempty"`
	StartedAt        *time.Time    `json:"started_at,omitempty"`
	CompletedAt      *time.Time    `json:"completed_at,omitempty"`
}

// CanRetry reports whether another attempt fits in the retry budget.
func (t *Task) CanRetry() bool {
	return t.RetryCount+1 <= t.MaxRetries
}

// Clone returns a copy that shares nothing mutable with t.
func (t *Task) Clone() *Task {
	c := *t
	c.Parameters = t.Parameters.Clone()
	c.Dependencies = append([]string(nil), t.Dependencies...)
	c.Tags = append([]string(nil), t.Tags...)
	return &c
}
