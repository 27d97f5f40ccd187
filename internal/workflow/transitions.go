package workflow

import (
	"errors"
	"fmt"

	"github.com/leifmarkthaler/gleitzeit-sub000/pkg/types"
)

// taskTransitions lists the allowed status changes. Processing leaves only
// into completed, failed or retrying; cancellation of a workflow is the one
// administrative override.
var taskTransitions = map[types.TaskStatus]map[types.TaskStatus]bool{
	types.TaskStatusPending: {
		types.TaskStatusQueued:    true,
		types.TaskStatusAssigned:  true,
		types.TaskStatusFailed:    true,
		types.TaskStatusCancelled: true,
	},
	types.TaskStatusQueued: {
		types.TaskStatusAssigned:  true,
		types.TaskStatusFailed:    true,
		types.TaskStatusCancelled: true,
	},
	types.TaskStatusAssigned: {
		types.TaskStatusProcessing: true,
		types.TaskStatusCompleted:  true,
		types.TaskStatusFailed:     true,
		types.TaskStatusRetrying:   true,
		types.TaskStatusQueued:     true,
		types.TaskStatusCancelled:  true,
	},
	types.TaskStatusProcessing: {
		types.TaskStatusCompleted: true,
		types.TaskStatusFailed:    true,
		types.TaskStatusRetrying:  true,
		types.TaskStatusCancelled: true,
	},
	types.TaskStatusRetrying: {
		types.TaskStatusQueued:    true,
		types.TaskStatusAssigned:  true,
		types.TaskStatusFailed:    true,
		types.TaskStatusCancelled: true,
	},
	types.TaskStatusFailed: {
		types.TaskStatusPending: true,
	},
	types.TaskStatusCompleted: {},
	types.TaskStatusCancelled: {},
}

// CanTransition reports whether a task may move from one status to another.
func CanTransition(from, to types.TaskStatus) bool {
	return taskTransitions[from][to]
}

func (w *Workflow) lookupLocked(id string) (*types.Task, error) {
	t, ok := w.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t, nil
}

func transition(t *types.Task, to types.TaskStatus) error {
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("%w: task %s %s -> %s", ErrInvalidTransition, t.ID, t.Status, to)
	}
	t.Status = to
	return nil
}

// MarkAssigned records that the task was handed to member. The first
// assignment moves the workflow to running.
func (w *Workflow) MarkAssigned(id, member string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	t, err := w.lookupLocked(id)
	if err != nil {
		return err
	}
	if err := transition(t, types.TaskStatusAssigned); err != nil {
		return err
	}
	now := w.now()
	t.AssignedNodeID = member
	t.AssignedAt = &now
	t.StartedAt = nil
	w.current[id] = struct{}{}

	if w.status == types.WorkflowStatusPending {
		w.status = types.WorkflowStatusRunning
		w.startedAt = &now
	}
	return nil
}

// MarkStarted records that the executor accepted the task.
func (w *Workflow) MarkStarted(id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	t, err := w.lookupLocked(id)
	if err != nil {
		return err
	}
	if err := transition(t, types.TaskStatusProcessing); err != nil {
		return err
	}
	now := w.now()
	t.StartedAt = &now
	return nil
}

// MarkCompleted records the task's result.
func (w *Workflow) MarkCompleted(id string, result any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	t, err := w.lookupLocked(id)
	if err != nil {
		return err
	}
	if err := transition(t, types.TaskStatusCompleted); err != nil {
		return err
	}
	now := w.now()
	t.Result = result
	t.Error = ""
	t.CompletedAt = &now
	delete(w.current, id)
	w.completed[id] = struct{}{}
	w.results[id] = result

	w.refreshStatusLocked()
	return nil
}

// MarkFailed records a failed attempt. When the error is retryable and the
// retry budget allows, the task becomes retrying and true is returned;
// otherwise the task fails terminally.
func (w *Workflow) MarkFailed(id string, cause error) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	t, err := w.lookupLocked(id)
	if err != nil {
		return false, err
	}
	if cause == nil {
		cause = errors.New("unknown failure")
	}

	if retryable(cause) && t.CanRetry() {
		if err := transition(t, types.TaskStatusRetrying); err != nil {
			return false, err
		}
		t.RetryCount++
		t.Error = cause.Error()
		t.AssignedNodeID = ""
		delete(w.current, id)
		return true, nil
	}

	if err := transition(t, types.TaskStatusFailed); err != nil {
		return false, err
	}
	w.failLocked(t, cause.Error())
	if w.strategy == types.SkipFailed {
		w.skipDependentsLocked(id)
	}
	w.refreshStatusLocked()
	return false, nil
}

// failLocked moves t into the failed set. The caller has set t.Status.
func (w *Workflow) failLocked(t *types.Task, reason string) {
	now := w.now()
	t.Error = reason
	t.CompletedAt = &now
	delete(w.current, t.ID)
	w.failed[t.ID] = struct{}{}
	w.errs[t.ID] = reason

	if w.strategy == types.StopOnFirstError && !w.status.IsTerminal() {
		w.status = types.WorkflowStatusFailed
		w.completedAt = &now
	}
}

// retryable reports whether another attempt could succeed. Errors may opt
// out by implementing Retryable() bool.
func retryable(err error) bool {
	if errors.Is(err, ErrDependencyUnsatisfiable) || errors.Is(err, ErrCancelled) || errors.Is(err, ErrSkipped) {
		return false
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}

// refreshStatusLocked settles the overall status once every task is finished.
func (w *Workflow) refreshStatusLocked() {
	if w.status.IsTerminal() || !w.completeLocked() {
		return
	}
	now := w.now()
	w.completedAt = &now
	if len(w.failed) == 0 || w.strategy == types.SkipFailed {
		w.status = types.WorkflowStatusCompleted
		return
	}
	w.status = types.WorkflowStatusFailed
}

// FailUnsatisfiable fails every task that is neither finished nor in flight
// with ErrDependencyUnsatisfiable and returns their ids. It is the resolution
// for a stalled workflow.
func (w *Workflow) FailUnsatisfiable() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	var ids []string
	for _, id := range w.order {
		t := w.tasks[id]
		if w.trackedLocked(id) || t.Status.IsTerminal() {
			continue
		}
		if err := transition(t, types.TaskStatusFailed); err != nil {
			continue
		}
		w.failLocked(t, ErrDependencyUnsatisfiable.Error())
		ids = append(ids, id)
	}
	w.refreshStatusLocked()
	return ids
}

// Unassign returns an assigned task to the queue after its assignment could
// not be delivered. The retry budget is untouched.
func (w *Workflow) Unassign(id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	t, err := w.lookupLocked(id)
	if err != nil {
		return err
	}
	if err := transition(t, types.TaskStatusQueued); err != nil {
		return err
	}
	now := w.now()
	t.AssignedNodeID = ""
	t.AssignedAt = nil
	t.QueuedAt = &now
	delete(w.current, id)
	return nil
}

// Requeue makes an in-flight task dispatchable again after its executor was
// lost. Assigned tasks go back to queued, processing tasks to retrying; the
// retry budget is untouched. Tasks that are not in flight are left alone.
func (w *Workflow) Requeue(id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	t, err := w.lookupLocked(id)
	if err != nil {
		return err
	}
	switch t.Status {
	case types.TaskStatusAssigned:
		err = transition(t, types.TaskStatusQueued)
	case types.TaskStatusProcessing:
		err = transition(t, types.TaskStatusRetrying)
	default:
		return nil
	}
	if err != nil {
		return err
	}
	now := w.now()
	t.AssignedNodeID = ""
	t.AssignedAt = nil
	t.StartedAt = nil
	t.QueuedAt = &now
	delete(w.current, id)
	return nil
}

// Cancel marks every unfinished task cancelled and the workflow cancelled.
// It returns copies of the tasks that were in flight so their executors can
// be told.
func (w *Workflow) Cancel() []*types.Task {
	w.mu.Lock()
	defer w.mu.Unlock()

	inFlight := w.cancelLocked(ErrCancelled.Error())
	if !w.status.IsTerminal() || w.status == types.WorkflowStatusFailed {
		now := w.now()
		w.status = types.WorkflowStatusCancelled
		w.completedAt = &now
	}
	return inFlight
}

// CancelOutstanding cancels every unfinished task without changing the
// workflow status. Used after a stop-on-first-error failure.
func (w *Workflow) CancelOutstanding(reason string) []*types.Task {
	w.mu.Lock()
	defer w.mu.Unlock()
	inFlight := w.cancelLocked(reason)
	w.refreshStatusLocked()
	return inFlight
}

func (w *Workflow) cancelLocked(reason string) []*types.Task {
	var inFlight []*types.Task
	now := w.now()
	for _, id := range w.order {
		t := w.tasks[id]
		if t.Status.IsTerminal() {
			continue
		}
		if t.Status.InFlight() {
			inFlight = append(inFlight, t.Clone())
		}
		t.Status = types.TaskStatusCancelled
		t.Error = reason
		t.CompletedAt = &now
		delete(w.current, id)
		w.failed[id] = struct{}{}
	}
	return inFlight
}

// skipDependentsLocked cancels every unfinished task that transitively has a
// hard dependency on id.
func (w *Workflow) skipDependentsLocked(id string) {
	queue := []string{id}
	seen := map[string]bool{id: true}
	now := w.now()
	for len(queue) > 0 {
		failedID := queue[0]
		queue = queue[1:]
		for _, candidate := range w.order {
			if seen[candidate] {
				continue
			}
			t := w.tasks[candidate]
			if !t.DependsOnSuccess || !contains(t.Dependencies, failedID) {
				continue
			}
			if t.Status.IsTerminal() || t.Status.InFlight() {
				continue
			}
			seen[candidate] = true
			t.Status = types.TaskStatusCancelled
			t.Error = ErrSkipped.Error()
			t.CompletedAt = &now
			w.failed[candidate] = struct{}{}
			queue = append(queue, candidate)
		}
	}
}

// ResetFailed puts terminally failed tasks back to pending with a fresh
// retry budget. Only workflows using the retry_failed strategy allow it.
func (w *Workflow) ResetFailed() ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.strategy != types.RetryFailed {
		return nil, fmt.Errorf("%w: %s", ErrStrategyMismatch, w.strategy)
	}

	var ids []string
	for _, id := range w.order {
		t := w.tasks[id]
		if t.Status != types.TaskStatusFailed {
			continue
		}
		if err := transition(t, types.TaskStatusPending); err != nil {
			continue
		}
		t.RetryCount = 0
		t.Error = ""
		t.CompletedAt = nil
		t.AssignedNodeID = ""
		delete(w.failed, id)
		delete(w.errs, id)
		ids = append(ids, id)
	}
	if len(ids) > 0 && w.status == types.WorkflowStatusFailed {
		w.status = types.WorkflowStatusRunning
		w.completedAt = nil
	}
	return ids, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
