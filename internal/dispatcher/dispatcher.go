// Package dispatcher moves ready tasks onto executor nodes and applies the
// executors' reports back to the workflow model.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/leifmarkthaler/gleitzeit-sub000/internal/bus"
	"github.com/leifmarkthaler/gleitzeit-sub000/internal/metrics"
	"github.com/leifmarkthaler/gleitzeit-sub000/internal/pool"
	"github.com/leifmarkthaler/gleitzeit-sub000/internal/resilience"
	"github.com/leifmarkthaler/gleitzeit-sub000/internal/store"
	"github.com/leifmarkthaler/gleitzeit-sub000/internal/workflow"
	"github.com/leifmarkthaler/gleitzeit-sub000/pkg/types"
)

// Common errors returned by the Dispatcher.
var (
	ErrWorkflowExists   = errors.New("workflow already submitted")
	ErrInvalidWorkflow  = errors.New("invalid workflow")
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrUnknownMessage   = errors.New("unknown message type")
	ErrTaskTimeout      = errors.New("task timed out")
)

// Config holds dispatcher configuration.
type Config struct {
	// Interval between periodic dispatch cycles
	Interval time.Duration

	// MaxConcurrentAssignments bounds assignment fan-out within a cycle
	MaxConcurrentAssignments int

	// StarvationThreshold is how long a task may stay ready before it is
	// reported as starving (0 = never)
	StarvationThreshold time.Duration

	// Clock replaces time.Now, for tests
	Clock func() time.Time

	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval:                 time.Second,
		MaxConcurrentAssignments: 10,
		StarvationThreshold:      5 * time.Minute,
	}
}

// Dispatcher owns the set of live workflows and drives them to completion.
type Dispatcher struct {
	cfg     Config
	store   store.Store
	bus     bus.Bus
	nodes   *pool.Pool
	retrier *resilience.Retrier
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time

	mu        sync.RWMutex
	workflows map[string]*workflow.Workflow
	order     []string
	owner     map[string]string // task id -> workflow id
	running   map[string]bool
	finished  map[string]bool

	pendingMu sync.Mutex
	pending   map[string]pendingTask

	starveMu   sync.Mutex
	readySince map[string]time.Time
	starving   map[string]bool

	cycleMu sync.Mutex
	sem     chan struct{}
	trigger chan struct{}
}

// New creates a dispatcher.
func New(st store.Store, b bus.Bus, nodes *pool.Pool, retrier *resilience.Retrier, cfg *Config) *Dispatcher {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	def := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.MaxConcurrentAssignments <= 0 {
		c.MaxConcurrentAssignments = def.MaxConcurrentAssignments
	}
	if c.Clock == nil {
		c.Clock = func() time.Time { return time.Now().UTC() }
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if retrier == nil {
		retrier = resilience.NewRetrier(nil, resilience.WithLogger(c.Logger))
	}

	return &Dispatcher{
		cfg:        c,
		store:      st,
		bus:        b,
		nodes:      nodes,
		retrier:    retrier,
		logger:     c.Logger,
		tracer:     otel.Tracer("gleitzeit/dispatcher"),
		now:        c.Clock,
		workflows:  make(map[string]*workflow.Workflow),
		owner:      make(map[string]string),
		running:    make(map[string]bool),
		finished:   make(map[string]bool),
		pending:    make(map[string]pendingTask),
		readySince: make(map[string]time.Time),
		starving:   make(map[string]bool),
		sem:        make(chan struct{}, c.MaxConcurrentAssignments),
		trigger:    make(chan struct{}, 1),
	}
}

// Nodes returns the executor pool.
func (d *Dispatcher) Nodes() *pool.Pool { return d.nodes }

// Submit validates wf, stores it durably and makes it eligible for dispatch.
func (d *Dispatcher) Submit(ctx context.Context, wf *workflow.Workflow) error {
	if err := wf.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidWorkflow, err)
	}
	if _, added := d.attach(wf); !added {
		return fmt.Errorf("%w: %s", ErrWorkflowExists, wf.ID())
	}

	rec := wf.Record()
	tasks := wf.Tasks()
	err := d.retrier.Run(ctx, resilience.OpStore, func(ctx context.Context) error {
		if err := d.store.SaveWorkflow(ctx, rec); err != nil {
			return err
		}
		return d.store.SaveTasks(ctx, tasks)
	})
	if err != nil {
		d.detach(wf.ID())
		return fmt.Errorf("persist workflow: %w", err)
	}

	d.logger.Info("workflow submitted",
		slog.String("workflow_id", wf.ID()),
		slog.String("name", wf.Name()),
		slog.Int("tasks", wf.Len()),
		slog.String("error_strategy", string(wf.ErrorStrategy())),
	)
	d.Trigger()
	return nil
}

// Attach registers a workflow that is already durably stored, such as one
// restored after a restart. It returns the registered instance and whether
// wf was newly attached; attaching an id twice keeps the first instance.
func (d *Dispatcher) Attach(wf *workflow.Workflow) (*workflow.Workflow, bool) {
	return d.attach(wf)
}

func (d *Dispatcher) attach(wf *workflow.Workflow) (*workflow.Workflow, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.workflows[wf.ID()]; ok {
		return existing, false
	}
	d.workflows[wf.ID()] = wf
	d.order = append(d.order, wf.ID())
	for _, t := range wf.Tasks() {
		d.owner[t.ID] = wf.ID()
	}
	status := wf.Status()
	if status == types.WorkflowStatusRunning {
		d.running[wf.ID()] = true
	}
	if status.IsTerminal() {
		d.finished[wf.ID()] = true
	} else {
		metrics.WorkflowsActive.Inc()
	}
	return wf, true
}

func (d *Dispatcher) detach(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	wf, ok := d.workflows[id]
	if !ok {
		return
	}
	delete(d.workflows, id)
	for i, wid := range d.order {
		if wid == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	for _, t := range wf.Tasks() {
		delete(d.owner, t.ID)
	}
	delete(d.running, id)
	if !d.finished[id] {
		metrics.WorkflowsActive.Dec()
	}
	delete(d.finished, id)
}

// Workflow returns a live workflow by id.
func (d *Dispatcher) Workflow(id string) (*workflow.Workflow, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	wf, ok := d.workflows[id]
	return wf, ok
}

// Workflows returns the live workflows in submission order.
func (d *Dispatcher) Workflows() []*workflow.Workflow {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*workflow.Workflow, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.workflows[id])
	}
	return out
}

// active returns the workflows that are not finished, in submission order.
func (d *Dispatcher) active() []*workflow.Workflow {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*workflow.Workflow, 0, len(d.order))
	for _, id := range d.order {
		if !d.finished[id] {
			out = append(out, d.workflows[id])
		}
	}
	return out
}

// lookup finds the workflow owning taskID, preferring workflowID when given.
func (d *Dispatcher) lookup(workflowID, taskID string) (*workflow.Workflow, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if workflowID == "" {
		workflowID = d.owner[taskID]
	}
	wf, ok := d.workflows[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	return wf, nil
}

// Cancel cancels a workflow. Tasks are marked cancelled at once; executors
// holding in-flight tasks are told on a best-effort basis.
func (d *Dispatcher) Cancel(ctx context.Context, id string) error {
	wf, ok := d.Workflow(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	inFlight := wf.Cancel()
	d.releaseAndNotify(ctx, wf, inFlight, "workflow cancelled")
	d.saveTasks(ctx, wf.Tasks()...)
	d.logger.Info("workflow cancelled",
		slog.String("workflow_id", id),
		slog.Int("in_flight", len(inFlight)),
	)
	d.settle(ctx, wf, "")
	return nil
}

// RetryFailed resets the failed tasks of a retry_failed workflow and puts it
// back into dispatch. It returns the reset task ids.
func (d *Dispatcher) RetryFailed(ctx context.Context, id string) ([]string, error) {
	wf, ok := d.Workflow(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	ids, err := wf.ResetFailed()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return ids, nil
	}

	d.mu.Lock()
	if d.finished[id] && !wf.Status().IsTerminal() {
		delete(d.finished, id)
		metrics.WorkflowsActive.Inc()
	}
	d.mu.Unlock()

	rec := wf.Record()
	tasks := wf.Tasks()
	err = d.retrier.Run(ctx, resilience.OpStore, func(ctx context.Context) error {
		if err := d.store.SaveWorkflow(ctx, rec); err != nil {
			return err
		}
		return d.store.SaveTasks(ctx, tasks)
	})
	if err != nil {
		d.logger.Error("persist retried workflow",
			slog.String("workflow_id", id),
			slog.String("error", err.Error()),
		)
	}
	d.logger.Info("retrying failed tasks", slog.String("workflow_id", id), slog.Int("tasks", len(ids)))
	d.Trigger()
	return ids, nil
}

// Trigger asks the run loop for an immediate cycle. It never blocks.
func (d *Dispatcher) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// Run consumes inbound bus events and runs dispatch cycles until ctx is
// done. Events and cycles share this one goroutine.
func (d *Dispatcher) Run(ctx context.Context) error {
	events, err := d.bus.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe to bus: %w", err)
	}

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	d.logger.Info("dispatcher started",
		slog.Duration("interval", d.cfg.Interval),
		slog.Int("max_concurrent_assignments", d.cfg.MaxConcurrentAssignments),
	)
	d.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopped")
			return nil
		case env, ok := <-events:
			if !ok {
				events = nil
				d.logger.Warn("bus inbound stream closed")
				continue
			}
			if err := d.HandleEnvelope(ctx, env); err != nil {
				d.logger.Warn("inbound event rejected",
					slog.String("type", string(env.Type)),
					slog.String("task_id", env.TaskID),
					slog.String("error", err.Error()),
				)
			}
		case <-ticker.C:
			d.SweepTimeouts(ctx)
			d.PruneStaleNodes(ctx)
			d.RunCycle(ctx)
		case <-d.trigger:
			d.RunCycle(ctx)
		}
	}
}

// saveTasks writes task snapshots through the store breaker. Failures are
// logged; the in-memory model stays authoritative while the process runs.
func (d *Dispatcher) saveTasks(ctx context.Context, tasks ...*types.Task) {
	if len(tasks) == 0 {
		return
	}
	err := d.retrier.Run(ctx, resilience.OpStore, func(ctx context.Context) error {
		return d.store.SaveTasks(ctx, tasks)
	})
	if err != nil {
		d.logger.Error("persist tasks",
			slog.String("workflow_id", tasks[0].WorkflowID),
			slog.Int("tasks", len(tasks)),
			slog.String("error", err.Error()),
		)
	}
}

func (d *Dispatcher) saveTask(ctx context.Context, wf *workflow.Workflow, id string) {
	if t, ok := wf.Task(id); ok {
		d.saveTasks(ctx, t)
	}
}

func (d *Dispatcher) increment(ctx context.Context, wf *workflow.Workflow, counter store.Counter) {
	err := d.retrier.Run(ctx, resilience.OpStore, func(ctx context.Context) error {
		_, err := d.store.IncrementCounter(ctx, wf.ID(), counter, 1)
		return err
	})
	if err != nil {
		d.logger.Error("increment workflow counter",
			slog.String("workflow_id", wf.ID()),
			slog.String("counter", string(counter)),
			slog.String("error", err.Error()),
		)
	}
}

// broadcast publishes a workflow event to the workflow's group.
func (d *Dispatcher) broadcast(ctx context.Context, wf *workflow.Workflow, msgType types.MessageType, taskID string) {
	payload := types.WorkflowEvent{
		WorkflowID: wf.ID(),
		Name:       wf.Name(),
		Status:     wf.Status(),
		Progress:   wf.Progress(),
		TaskID:     taskID,
	}
	if msgType == types.MessageWorkflowCompleted {
		payload.Errors = wf.Errors()
	}
	env, err := types.NewEnvelope(msgType, payload)
	if err != nil {
		d.logger.Error("encode workflow event", slog.String("error", err.Error()))
		return
	}
	env.WorkflowID = wf.ID()
	env.TaskID = taskID
	err = d.retrier.Run(ctx, resilience.OpBus, func(ctx context.Context) error {
		return d.bus.Broadcast(ctx, bus.WorkflowGroup(wf.ID()), env)
	})
	if err != nil {
		d.logger.Warn("broadcast workflow event",
			slog.String("workflow_id", wf.ID()),
			slog.String("type", string(msgType)),
			slog.String("error", err.Error()),
		)
	}
}

// markRunning records the first assignment of a workflow.
func (d *Dispatcher) markRunning(ctx context.Context, wf *workflow.Workflow) {
	d.mu.Lock()
	if d.running[wf.ID()] {
		d.mu.Unlock()
		return
	}
	d.running[wf.ID()] = true
	d.mu.Unlock()

	err := d.retrier.Run(ctx, resilience.OpStore, func(ctx context.Context) error {
		return d.store.UpdateWorkflowStatus(ctx, wf.ID(), types.WorkflowStatusRunning)
	})
	if err != nil {
		d.logger.Error("persist workflow status",
			slog.String("workflow_id", wf.ID()),
			slog.String("error", err.Error()),
		)
	}
	d.broadcast(ctx, wf, types.MessageWorkflowStarted, "")
}

// settle broadcasts progress after a task change and finishes the workflow
// once its status is terminal.
func (d *Dispatcher) settle(ctx context.Context, wf *workflow.Workflow, taskID string) {
	status := wf.Status()
	if !status.IsTerminal() {
		if taskID != "" {
			d.broadcast(ctx, wf, types.MessageWorkflowProgress, taskID)
		}
		return
	}

	d.mu.Lock()
	if d.finished[wf.ID()] {
		d.mu.Unlock()
		return
	}
	d.finished[wf.ID()] = true
	d.mu.Unlock()

	if status == types.WorkflowStatusFailed && wf.ErrorStrategy() == types.StopOnFirstError {
		inFlight := wf.CancelOutstanding("cancelled: workflow failed")
		d.releaseAndNotify(ctx, wf, inFlight, "workflow failed")
		d.saveTasks(ctx, wf.Tasks()...)
	}

	rec := wf.Record()
	err := d.retrier.Run(ctx, resilience.OpStore, func(ctx context.Context) error {
		return d.store.SaveWorkflow(ctx, rec)
	})
	if err != nil {
		d.logger.Error("persist finished workflow",
			slog.String("workflow_id", wf.ID()),
			slog.String("error", err.Error()),
		)
	}

	metrics.WorkflowsActive.Dec()
	metrics.WorkflowsTotal.WithLabelValues(string(status)).Inc()
	if rec.StartedAt != nil && rec.CompletedAt != nil {
		metrics.WorkflowDuration.WithLabelValues(string(status)).Observe(rec.CompletedAt.Sub(*rec.StartedAt).Seconds())
	}
	d.forgetStarvation(wf)

	progress := wf.Progress()
	d.logger.Info("workflow finished",
		slog.String("workflow_id", wf.ID()),
		slog.String("status", string(status)),
		slog.Int("completed", progress.Completed),
		slog.Int("failed", progress.Failed),
	)
	d.broadcast(ctx, wf, types.MessageWorkflowCompleted, taskID)
}

// releaseAndNotify frees the slots of in-flight tasks that were just
// cancelled and tells their executors. Notification is best effort.
func (d *Dispatcher) releaseAndNotify(ctx context.Context, wf *workflow.Workflow, tasks []*types.Task, reason string) {
	for _, t := range tasks {
		if t.AssignedNodeID == "" {
			continue
		}
		d.nodes.Release(t.AssignedNodeID, t.ID)
		metrics.TasksTotal.WithLabelValues(string(t.Type), "cancelled").Inc()
		d.notifyCancel(ctx, wf.ID(), t.ID, t.AssignedNodeID, reason)
	}
}

func (d *Dispatcher) notifyCancel(ctx context.Context, workflowID, taskID, member, reason string) {
	env, err := types.NewEnvelope(types.MessageTaskCancel, types.Cancellation{
		TaskID:     taskID,
		WorkflowID: workflowID,
		Reason:     reason,
	})
	if err != nil {
		return
	}
	env.WorkflowID = workflowID
	env.TaskID = taskID
	env.NodeID = member
	if err := d.bus.Send(ctx, member, env); err != nil {
		d.logger.Debug("cancel notification not delivered",
			slog.String("task_id", taskID),
			slog.String("member", member),
			slog.String("error", err.Error()),
		)
	}
}
