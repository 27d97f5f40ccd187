// Package workflow provides the task DAG model and its state machine.
package workflow

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/leifmarkthaler/gleitzeit-sub000/pkg/types"
)

// Common errors returned by Workflow operations.
var (
	ErrDuplicateTaskID         = errors.New("duplicate task id")
	ErrDuplicateTaskName       = errors.New("duplicate task name")
	ErrTaskNotFound            = errors.New("task not found")
	ErrInvalidTransition       = errors.New("invalid status transition")
	ErrUnknownDependency       = errors.New("unknown dependency")
	ErrCycle                   = errors.New("dependency cycle")
	ErrEmptyWorkflow           = errors.New("workflow has no tasks")
	ErrDependencyUnsatisfiable = errors.New("dependency unsatisfiable")
	ErrCancelled               = errors.New("cancelled")
	ErrSkipped                 = errors.New("skipped: hard dependency failed")
	ErrStrategyMismatch        = errors.New("operation not allowed by error strategy")
)

// DefaultMaxRetries is applied by NewTask.
const DefaultMaxRetries = 3

// NewTask creates a pending task with defaults applied: a fresh id, normal
// priority and hard dependencies.
func NewTask(name string, kind types.TaskType, params types.Parameters) *types.Task {
	return &types.Task{
		ID:               uuid.New().String(),
		Name:             name,
		Type:             kind,
		Parameters:       params,
		Priority:         types.PriorityNormal,
		DependsOnSuccess: true,
		MaxRetries:       DefaultMaxRetries,
		Status:           types.TaskStatusPending,
		CreatedAt:        time.Now().UTC(),
	}
}

// Workflow owns a set of tasks linked by dependencies and tracks which of
// them are in flight, completed or failed. It is safe for concurrent use.
type Workflow struct {
	mu sync.RWMutex

	id          string
	name        string
	strategy    types.ErrorStrategy
	maxParallel int
	status      types.WorkflowStatus
	metadata    map[string]string

	tasks  map[string]*types.Task
	order  []string
	byName map[string]string

	current   map[string]struct{}
	completed map[string]struct{}
	failed    map[string]struct{}

	results map[string]any
	errs    map[string]string

	createdAt   time.Time
	startedAt   *time.Time
	completedAt *time.Time

	now func() time.Time
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithID sets the workflow id instead of generating one.
func WithID(id string) Option {
	return func(w *Workflow) { w.id = id }
}

// WithErrorStrategy sets how terminal task failures affect the workflow.
func WithErrorStrategy(s types.ErrorStrategy) Option {
	return func(w *Workflow) { w.strategy = s }
}

// WithMaxParallel bounds how many tasks may be in flight at once (0 = unlimited).
func WithMaxParallel(n int) Option {
	return func(w *Workflow) { w.maxParallel = n }
}

// WithMetadata attaches free-form labels.
func WithMetadata(md map[string]string) Option {
	return func(w *Workflow) { w.metadata = md }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(w *Workflow) { w.now = now }
}

// New creates an empty pending workflow.
func New(name string, opts ...Option) *Workflow {
	w := &Workflow{
		id:        uuid.New().String(),
		name:      name,
		strategy:  types.ContinueOnError,
		status:    types.WorkflowStatusPending,
		tasks:     make(map[string]*types.Task),
		byName:    make(map[string]string),
		current:   make(map[string]struct{}),
		completed: make(map[string]struct{}),
		failed:    make(map[string]struct{}),
		results:   make(map[string]any),
		errs:      make(map[string]string),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(w)
	}
	w.createdAt = w.now()
	return w
}

// AddTask binds task to the workflow and appends it to the task order. The
// workflow keeps its own copy.
func (w *Workflow) AddTask(task *types.Task) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if _, exists := w.tasks[task.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTaskID, task.ID)
	}
	if task.Name != "" {
		if _, exists := w.byName[task.Name]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateTaskName, task.Name)
		}
	}

	t := task.Clone()
	t.WorkflowID = w.id
	task.WorkflowID = w.id
	if t.Priority == "" {
		t.Priority = types.PriorityNormal
	}
	if t.Status == "" {
		t.Status = types.TaskStatusPending
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = w.now()
	}

	w.tasks[t.ID] = t
	w.order = append(w.order, t.ID)
	if t.Name != "" {
		w.byName[t.Name] = t.ID
	}
	return nil
}

// Validate checks the graph before submission: at least one task, every
// dependency names a task of this workflow, parameters match task types, and
// there are no cycles.
func (w *Workflow) Validate() error {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if len(w.tasks) == 0 {
		return ErrEmptyWorkflow
	}
	for _, id := range w.order {
		t := w.tasks[id]
		for _, dep := range t.Dependencies {
			if _, ok := w.tasks[dep]; !ok {
				return fmt.Errorf("%w: task %s depends on %s", ErrUnknownDependency, t.Name, dep)
			}
		}
		if err := t.Parameters.Validate(t.Type); err != nil {
			return fmt.Errorf("task %s: %w", t.Name, err)
		}
	}

	const (
		white = iota
		grey
		black
	)
	colour := make(map[string]int, len(w.tasks))
	var visit func(id string) error
	visit = func(id string) error {
		colour[id] = grey
		for _, dep := range w.tasks[id].Dependencies {
			switch colour[dep] {
			case grey:
				return fmt.Errorf("%w: %s -> %s", ErrCycle, id, dep)
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		colour[id] = black
		return nil
	}
	for _, id := range w.order {
		if colour[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// ID returns the workflow id.
func (w *Workflow) ID() string { return w.id }

// Name returns the workflow name.
func (w *Workflow) Name() string { return w.name }

// ErrorStrategy returns the configured error strategy.
func (w *Workflow) ErrorStrategy() types.ErrorStrategy { return w.strategy }

// MaxParallel returns the in-flight bound (0 = unlimited).
func (w *Workflow) MaxParallel() int { return w.maxParallel }

// Status returns the overall workflow status.
func (w *Workflow) Status() types.WorkflowStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

// Task returns a copy of the task with the given id.
func (w *Workflow) Task(id string) (*types.Task, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	t, ok := w.tasks[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// Tasks returns copies of all tasks in insertion order.
func (w *Workflow) Tasks() []*types.Task {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]*types.Task, 0, len(w.order))
	for _, id := range w.order {
		out = append(out, w.tasks[id].Clone())
	}
	return out
}

// Len returns the number of tasks.
func (w *Workflow) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.order)
}

// InFlight returns how many tasks are currently assigned or processing.
func (w *Workflow) InFlight() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.current)
}

// Results returns a copy of the results of completed tasks keyed by task id.
func (w *Workflow) Results() map[string]any {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make(map[string]any, len(w.results))
	for k, v := range w.results {
		out[k] = v
	}
	return out
}

// Errors returns a copy of the terminal errors keyed by task id.
func (w *Workflow) Errors() map[string]string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make(map[string]string, len(w.errs))
	for k, v := range w.errs {
		out[k] = v
	}
	return out
}

// ReadyTasks returns the tasks that are neither in flight nor finished and
// whose dependencies are satisfied, in insertion order.
func (w *Workflow) ReadyTasks() []*types.Task {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.readyLocked()
}

func (w *Workflow) readyLocked() []*types.Task {
	var ready []*types.Task
	for _, id := range w.order {
		if w.trackedLocked(id) {
			continue
		}
		t := w.tasks[id]
		if t.Status.IsTerminal() || t.Status.InFlight() {
			continue
		}
		if w.satisfiedLocked(t) {
			ready = append(ready, t.Clone())
		}
	}
	return ready
}

func (w *Workflow) trackedLocked(id string) bool {
	if _, ok := w.current[id]; ok {
		return true
	}
	if _, ok := w.completed[id]; ok {
		return true
	}
	_, ok := w.failed[id]
	return ok
}

// satisfiedLocked reports whether every dependency of t is completed, or
// failed when t tolerates failed dependencies.
func (w *Workflow) satisfiedLocked(t *types.Task) bool {
	for _, dep := range t.Dependencies {
		if _, ok := w.completed[dep]; ok {
			continue
		}
		if _, ok := w.failed[dep]; ok && !t.DependsOnSuccess {
			continue
		}
		return false
	}
	return true
}

// IsComplete reports whether every task is completed or failed.
func (w *Workflow) IsComplete() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.completeLocked()
}

func (w *Workflow) completeLocked() bool {
	return len(w.completed)+len(w.failed) == len(w.tasks)
}

// Progress summarises the task sets.
func (w *Workflow) Progress() types.Progress {
	w.mu.RLock()
	defer w.mu.RUnlock()

	p := types.Progress{
		Total:     len(w.tasks),
		Completed: len(w.completed),
		Failed:    len(w.failed),
		Running:   len(w.current),
	}
	p.Pending = p.Total - p.Completed - p.Failed - p.Running
	if p.Total > 0 {
		p.Percent = float64(p.Completed+p.Failed) / float64(p.Total) * 100
	}
	return p
}

// Stalled reports the deadlock condition: the workflow is not complete,
// nothing is in flight and no task is ready.
func (w *Workflow) Stalled() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return !w.completeLocked() && len(w.current) == 0 && len(w.readyLocked()) == 0
}

// Overdue returns copies of in-flight tasks whose timeout has elapsed.
func (w *Workflow) Overdue(now time.Time) []*types.Task {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var out []*types.Task
	for _, id := range w.order {
		if _, ok := w.current[id]; !ok {
			continue
		}
		t := w.tasks[id]
		if t.Timeout <= 0 {
			continue
		}
		since := t.AssignedAt
		if t.StartedAt != nil {
			since = t.StartedAt
		}
		if since != nil && now.Sub(*since) > t.Timeout {
			out = append(out, t.Clone())
		}
	}
	return out
}
