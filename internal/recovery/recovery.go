// Package recovery re-attaches interrupted workflows to the dispatcher after
// a restart.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/leifmarkthaler/gleitzeit-sub000/internal/dispatcher"
	"github.com/leifmarkthaler/gleitzeit-sub000/internal/metrics"
	"github.com/leifmarkthaler/gleitzeit-sub000/internal/resilience"
	"github.com/leifmarkthaler/gleitzeit-sub000/internal/store"
	"github.com/leifmarkthaler/gleitzeit-sub000/internal/workflow"
	"github.com/leifmarkthaler/gleitzeit-sub000/pkg/types"
)

// ErrWorkflowFinished is returned when asked to resume a workflow whose
// stored status is already terminal.
var ErrWorkflowFinished = errors.New("workflow already finished")

// Classification splits the unfinished tasks of one workflow.
type Classification struct {
	WorkflowID string `json:"workflow_id"`
	// Resumable tasks have their dependencies satisfied or were in flight
	// when the process stopped.
	Resumable []string `json:"resumable"`
	// Blocked tasks wait on dependencies that have not completed.
	Blocked []string `json:"blocked"`
}

// Classify sorts the unfinished tasks of a workflow into resumable and
// blocked, in the given order. tasks must hold every task of the workflow so
// dependency outcomes can be looked up.
func Classify(tasks []*types.Task) Classification {
	var c Classification
	byID := make(map[string]*types.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
		if c.WorkflowID == "" {
			c.WorkflowID = t.WorkflowID
		}
	}
	for _, t := range tasks {
		if t.Status.IsTerminal() {
			continue
		}
		if t.Status.InFlight() || satisfied(t, byID) {
			c.Resumable = append(c.Resumable, t.ID)
		} else {
			c.Blocked = append(c.Blocked, t.ID)
		}
	}
	return c
}

func satisfied(t *types.Task, byID map[string]*types.Task) bool {
	for _, id := range t.Dependencies {
		dep, ok := byID[id]
		if !ok {
			return false
		}
		switch {
		case dep.Status == types.TaskStatusCompleted:
		case dep.Status.IsTerminal() && !t.DependsOnSuccess:
		default:
			return false
		}
	}
	return true
}

// Config holds coordinator configuration.
type Config struct {
	// Clock replaces time.Now for restored workflows, for tests
	Clock  func() time.Time
	Logger *slog.Logger
}

// Coordinator restores unfinished workflows from the store. It only acts on
// what was durably recorded; it never invents lost work.
type Coordinator struct {
	store      store.Store
	dispatcher *dispatcher.Dispatcher
	retrier    *resilience.Retrier
	logger     *slog.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

// New creates a coordinator.
func New(st store.Store, d *dispatcher.Dispatcher, retrier *resilience.Retrier, cfg *Config) *Coordinator {
	if cfg == nil {
		cfg = &Config{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	if retrier == nil {
		retrier = resilience.NewRetrier(nil, resilience.WithLogger(logger))
	}
	return &Coordinator{
		store:      st,
		dispatcher: d,
		retrier:    retrier,
		logger:     logger,
		tracer:     otel.Tracer("gleitzeit/recovery"),
		now:        now,
	}
}

// Recover resumes every unfinished workflow in the store. A workflow that
// cannot be resumed is logged and skipped; the joined errors are returned
// together with the classifications of the workflows that were resumed.
func (c *Coordinator) Recover(ctx context.Context) ([]Classification, error) {
	ctx, span := c.tracer.Start(ctx, "recovery.recover")
	defer span.End()

	ids, err := c.incomplete(ctx)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("workflows", len(ids)))
	if len(ids) == 0 {
		c.logger.Info("no interrupted workflows")
		return nil, nil
	}

	var (
		out  []Classification
		errs []error
	)
	for _, id := range ids {
		cls, err := c.ResumeWorkflow(ctx, id)
		if err != nil {
			if errors.Is(err, ErrWorkflowFinished) {
				continue
			}
			c.logger.Error("resume workflow", slog.String("workflow_id", id), slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("workflow %s: %w", id, err))
			continue
		}
		out = append(out, cls)
	}

	resumable, blocked := 0, 0
	for _, cls := range out {
		resumable += len(cls.Resumable)
		blocked += len(cls.Blocked)
	}
	c.logger.Info("recovery finished",
		slog.Int("workflows", len(out)),
		slog.Int("resumable", resumable),
		slog.Int("blocked", blocked),
		slog.Int("errors", len(errs)),
	)
	return out, errors.Join(errs...)
}

// ResumeWorkflow restores one workflow into the dispatcher and asks for an
// immediate dispatch pass over it. Tasks that were in flight when the
// process stopped are requeued without consuming their retry budget.
// Resuming a workflow that is already attached only repeats the dispatch
// pass.
func (c *Coordinator) ResumeWorkflow(ctx context.Context, id string) (Classification, error) {
	ctx, span := c.tracer.Start(ctx, "recovery.resume_workflow")
	defer span.End()
	span.SetAttributes(attribute.String("workflow_id", id))

	rec, tasks, err := c.load(ctx, id)
	if err != nil {
		return Classification{WorkflowID: id}, err
	}
	if rec.Status.IsTerminal() {
		return Classification{WorkflowID: id}, ErrWorkflowFinished
	}
	cls := Classify(tasks)
	cls.WorkflowID = id

	wf := workflow.Restore(rec, tasks, workflow.WithClock(c.now))
	if wf.Status().IsTerminal() {
		// Every task finished before the workflow record was written.
		c.persistRecord(ctx, wf)
		return cls, nil
	}

	live, added := c.dispatcher.Attach(wf)
	if added {
		c.requeueInFlight(ctx, live)
	}

	metrics.RecoveredTasks.WithLabelValues("resumable").Add(float64(len(cls.Resumable)))
	metrics.RecoveredTasks.WithLabelValues("blocked").Add(float64(len(cls.Blocked)))
	c.logger.Info("workflow resumed",
		slog.String("workflow_id", id),
		slog.Bool("attached", added),
		slog.Int("resumable", len(cls.Resumable)),
		slog.Int("blocked", len(cls.Blocked)),
	)

	if len(cls.Resumable) > 0 {
		n, err := c.dispatcher.DispatchWorkflow(ctx, id)
		if err != nil {
			return cls, fmt.Errorf("dispatch recovered workflow: %w", err)
		}
		span.SetAttributes(attribute.Int("assigned", n))
	}
	return cls, nil
}

// Plan classifies every unfinished workflow without changing anything.
func (c *Coordinator) Plan(ctx context.Context) ([]Classification, error) {
	ids, err := c.incomplete(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Classification, 0, len(ids))
	for _, id := range ids {
		rec, tasks, err := c.load(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("workflow %s: %w", id, err)
		}
		if rec.Status.IsTerminal() {
			continue
		}
		cls := Classify(tasks)
		cls.WorkflowID = id
		out = append(out, cls)
	}
	return out, nil
}

func (c *Coordinator) incomplete(ctx context.Context) ([]string, error) {
	var ids []string
	err := c.retrier.Run(ctx, resilience.OpStore, func(ctx context.Context) error {
		var err error
		ids, err = c.store.IncompleteWorkflows(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list incomplete workflows: %w", err)
	}
	return ids, nil
}

func (c *Coordinator) load(ctx context.Context, id string) (*types.WorkflowRecord, []*types.Task, error) {
	var (
		rec   *types.WorkflowRecord
		tasks []*types.Task
	)
	err := c.retrier.Run(ctx, resilience.OpStore, func(ctx context.Context) error {
		var err error
		if rec, err = c.store.GetWorkflow(ctx, id); err != nil {
			if errors.Is(err, store.ErrWorkflowNotFound) {
				return resilience.Permanent(err)
			}
			return err
		}
		tasks, err = c.store.ListTasks(ctx, id)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return rec, tasks, nil
}

// requeueInFlight returns tasks that were held by an executor before the
// restart to the queue. The executor registry starts empty, so no member
// holds their slots.
func (c *Coordinator) requeueInFlight(ctx context.Context, wf *workflow.Workflow) {
	var changed []*types.Task
	for _, t := range wf.Tasks() {
		if !t.Status.InFlight() {
			continue
		}
		if err := wf.Requeue(t.ID); err != nil {
			c.logger.Warn("requeue recovered task", slog.String("task_id", t.ID), slog.String("error", err.Error()))
			continue
		}
		if fresh, ok := wf.Task(t.ID); ok {
			changed = append(changed, fresh)
		}
	}
	if len(changed) == 0 {
		return
	}
	err := c.retrier.Run(ctx, resilience.OpStore, func(ctx context.Context) error {
		return c.store.SaveTasks(ctx, changed)
	})
	if err != nil {
		c.logger.Error("persist requeued tasks",
			slog.String("workflow_id", wf.ID()),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Coordinator) persistRecord(ctx context.Context, wf *workflow.Workflow) {
	rec := wf.Record()
	err := c.retrier.Run(ctx, resilience.OpStore, func(ctx context.Context) error {
		return c.store.SaveWorkflow(ctx, rec)
	})
	if err != nil {
		c.logger.Error("persist settled workflow",
			slog.String("workflow_id", wf.ID()),
			slog.String("error", err.Error()),
		)
		return
	}
	c.logger.Info("workflow settled during recovery",
		slog.String("workflow_id", wf.ID()),
		slog.String("status", string(rec.Status)),
	)
}
