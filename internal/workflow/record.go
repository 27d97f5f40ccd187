package workflow

import (
	"time"

	"github.com/leifmarkthaler/gleitzeit-sub000/pkg/types"
)

// Record returns the persisted shape of the workflow.
func (w *Workflow) Record() *types.WorkflowRecord {
	w.mu.RLock()
	defer w.mu.RUnlock()

	md := make(map[string]string, len(w.metadata))
	for k, v := range w.metadata {
		md[k] = v
	}
	return &types.WorkflowRecord{
		ID:               w.id,
		Name:             w.name,
		Status:           w.status,
		ErrorStrategy:    w.strategy,
		MaxParallelTasks: w.maxParallel,
		TotalTasks:       len(w.tasks),
		CompletedTasks:   len(w.completed),
		FailedTasks:      len(w.failed),
		TaskIDs:          append([]string(nil), w.order...),
		Metadata:         md,
		CreatedAt:        w.createdAt,
		StartedAt:        w.startedAt,
		CompletedAt:      w.completedAt,
		UpdatedAt:        w.now(),
	}
}

// Restore rebuilds a workflow from its persisted record and tasks. Task sets
// are derived from each task's status: assigned and processing tasks are in
// flight, completed tasks are completed, failed and cancelled tasks failed.
func Restore(rec *types.WorkflowRecord, tasks []*types.Task, opts ...Option) *Workflow {
	base := []Option{
		WithID(rec.ID),
		WithErrorStrategy(rec.ErrorStrategy),
		WithMaxParallel(rec.MaxParallelTasks),
		WithMetadata(rec.Metadata),
	}
	w := New(rec.Name, append(base, opts...)...)
	if rec.Status != "" {
		w.status = rec.Status
	}
	if !rec.CreatedAt.IsZero() {
		w.createdAt = rec.CreatedAt
	}
	w.startedAt = rec.StartedAt
	w.completedAt = rec.CompletedAt

	byID := make(map[string]*types.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	ordered := make([]*types.Task, 0, len(tasks))
	for _, id := range rec.TaskIDs {
		if t, ok := byID[id]; ok {
			ordered = append(ordered, t)
			delete(byID, id)
		}
	}
	for _, t := range tasks {
		if _, left := byID[t.ID]; left {
			ordered = append(ordered, t)
		}
	}

	for _, src := range ordered {
		t := src.Clone()
		t.WorkflowID = w.id
		w.tasks[t.ID] = t
		w.order = append(w.order, t.ID)
		if t.Name != "" {
			w.byName[t.Name] = t.ID
		}
		switch {
		case t.Status == types.TaskStatusCompleted:
			w.completed[t.ID] = struct{}{}
			w.results[t.ID] = t.Result
		case t.Status == types.TaskStatusFailed:
			w.failed[t.ID] = struct{}{}
			w.errs[t.ID] = t.Error
		case t.Status == types.TaskStatusCancelled:
			w.failed[t.ID] = struct{}{}
		case t.Status.InFlight():
			w.current[t.ID] = struct{}{}
		}
	}
	// The process may have stopped between the last task write and the
	// workflow write.
	w.refreshStatusLocked()
	return w
}

// CreatedAt returns when the workflow was created.
func (w *Workflow) CreatedAt() time.Time { return w.createdAt }
