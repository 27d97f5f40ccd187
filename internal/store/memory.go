package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/leifmarkthaler/gleitzeit-sub000/pkg/types"
)

// MemoryStore implements Store in process memory.
// Suitable for testing and single-process deployments.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]*types.WorkflowRecord
	tasks     map[string]*types.Task
	nodes     map[string]struct{}
	now       func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string]*types.WorkflowRecord),
		tasks:     make(map[string]*types.Task),
		nodes:     make(map[string]struct{}),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SaveWorkflow stores a copy of rec.
func (s *MemoryStore) SaveWorkflow(ctx context.Context, rec *types.WorkflowRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[rec.ID] = cloneRecord(rec)
	return nil
}

// GetWorkflow returns a copy of the stored record.
func (s *MemoryStore) GetWorkflow(ctx context.Context, id string) (*types.WorkflowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.workflows[id]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	return cloneRecord(rec), nil
}

// ListWorkflows returns all records, newest first.
func (s *MemoryStore) ListWorkflows(ctx context.Context) ([]*types.WorkflowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.WorkflowRecord, 0, len(s.workflows))
	for _, rec := range s.workflows {
		out = append(out, cloneRecord(rec))
	}
	sortNewestFirst(out)
	return out, nil
}

// UpdateWorkflowStatus sets the status and timestamps.
func (s *MemoryStore) UpdateWorkflowStatus(ctx context.Context, id string, status types.WorkflowStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.workflows[id]
	if !ok {
		return ErrWorkflowNotFound
	}
	applyStatus(rec, status, s.now())
	return nil
}

// IncrementCounter adds delta to a workflow counter.
func (s *MemoryStore) IncrementCounter(ctx context.Context, id string, counter Counter, delta int64) (int64, error) {
	if !counter.valid() {
		return 0, ErrUnknownCounter
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.workflows[id]
	if !ok {
		return 0, ErrWorkflowNotFound
	}
	field := &rec.CompletedTasks
	if counter == CounterFailed {
		field = &rec.FailedTasks
	}
	*field += int(delta)
	rec.UpdatedAt = s.now()
	return int64(*field), nil
}

// SaveTask stores a copy of task.
func (s *MemoryStore) SaveTask(ctx context.Context, task *types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task.Clone()
	return nil
}

// SaveTasks stores copies of all tasks.
func (s *MemoryStore) SaveTasks(ctx context.Context, tasks []*types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tasks {
		s.tasks[t.ID] = t.Clone()
	}
	return nil
}

// GetTask returns a copy of the stored task.
func (s *MemoryStore) GetTask(ctx context.Context, id string) (*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return t.Clone(), nil
}

// ListTasks returns the workflow's tasks in submission order.
func (s *MemoryStore) ListTasks(ctx context.Context, workflowID string) ([]*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.workflows[workflowID]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	out := make([]*types.Task, 0, len(rec.TaskIDs))
	for _, id := range rec.TaskIDs {
		if t, ok := s.tasks[id]; ok {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

// IncompleteWorkflows returns the ids of workflows not in a terminal status.
func (s *MemoryStore) IncompleteWorkflows(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, rec := range s.workflows {
		if !rec.Status.IsTerminal() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// IncompleteTasks returns the non-terminal tasks of a workflow.
func (s *MemoryStore) IncompleteTasks(ctx context.Context, workflowID string) ([]*types.Task, error) {
	tasks, err := s.ListTasks(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return incomplete(tasks), nil
}

// AddActiveNode marks an executor as active.
func (s *MemoryStore) AddActiveNode(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[name] = struct{}{}
	return nil
}

// RemoveActiveNode clears an executor's active mark.
func (s *MemoryStore) RemoveActiveNode(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes, name)
	return nil
}

// ActiveNodes returns the active executor names, sorted.
func (s *MemoryStore) ActiveNodes(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.nodes))
	for n := range s.nodes {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error { return nil }

func applyStatus(rec *types.WorkflowRecord, status types.WorkflowStatus, now time.Time) {
	rec.Status = status
	rec.UpdatedAt = now
	if status == types.WorkflowStatusRunning && rec.StartedAt == nil {
		rec.StartedAt = &now
	}
	if status.IsTerminal() && rec.CompletedAt == nil {
		rec.CompletedAt = &now
	}
}

func cloneRecord(rec *types.WorkflowRecord) *types.WorkflowRecord {
	c := *rec
	c.TaskIDs = append([]string(nil), rec.TaskIDs...)
	if rec.Metadata != nil {
		c.Metadata = make(map[string]string, len(rec.Metadata))
		for k, v := range rec.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func sortNewestFirst(recs []*types.WorkflowRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].CreatedAt.After(recs[j].CreatedAt)
	})
}

// Ensure MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)
