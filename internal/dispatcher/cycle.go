package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/leifmarkthaler/gleitzeit-sub000/internal/bus"
	"github.com/leifmarkthaler/gleitzeit-sub000/internal/metrics"
	"github.com/leifmarkthaler/gleitzeit-sub000/internal/pool"
	"github.com/leifmarkthaler/gleitzeit-sub000/internal/resilience"
	"github.com/leifmarkthaler/gleitzeit-sub000/internal/workflow"
	"github.com/leifmarkthaler/gleitzeit-sub000/pkg/types"
)

// candidate is a ready task together with the workflow that owns it.
type candidate struct {
	wf   *workflow.Workflow
	task *types.Task
}

// placement is a candidate that holds a member slot and is marked assigned,
// waiting for its notification to be delivered.
type placement struct {
	candidate
	member string
	params types.Parameters
}

// pendingTask is an entry of the pending-assignment set. Placed entries are
// already counted by the workflow's in-flight tasks.
type pendingTask struct {
	workflowID string
	placed     bool
}

// RunCycle performs one dispatch cycle over every live workflow and returns
// the number of tasks assigned.
func (d *Dispatcher) RunCycle(ctx context.Context) int {
	d.cycleMu.Lock()
	defer d.cycleMu.Unlock()

	ctx, span := d.tracer.Start(ctx, "dispatcher.cycle")
	defer span.End()
	start := time.Now()
	defer func() {
		metrics.DispatchCycleDuration.Observe(time.Since(start).Seconds())
	}()

	workflows := d.active()
	d.resolveStalled(ctx, workflows)

	bands := d.collect(workflows)
	d.observeStarvation(bands)

	if len(d.nodes.Available()) == 0 {
		span.SetAttributes(attribute.Bool("skipped", true))
		return 0
	}
	n := d.dispatch(ctx, bands)
	span.SetAttributes(attribute.Int("assigned", n))
	return n
}

// DispatchWorkflow runs an out-of-band dispatch pass for one workflow. It may
// overlap with a periodic cycle; the pending-assignment set keeps the two
// from assigning the same task.
func (d *Dispatcher) DispatchWorkflow(ctx context.Context, id string) (int, error) {
	wf, ok := d.Workflow(id)
	if !ok {
		return 0, ErrWorkflowNotFound
	}
	ctx, span := d.tracer.Start(ctx, "dispatcher.dispatch_workflow")
	defer span.End()
	span.SetAttributes(attribute.String("workflow_id", id))

	if wf.Status().IsTerminal() {
		return 0, nil
	}
	workflows := []*workflow.Workflow{wf}
	d.resolveStalled(ctx, workflows)
	if len(d.nodes.Available()) == 0 {
		return 0, nil
	}
	return d.dispatch(ctx, d.collect(workflows)), nil
}

// collect groups the ready tasks of workflows by priority band, keeping
// workflow submission order and task insertion order within a band.
func (d *Dispatcher) collect(workflows []*workflow.Workflow) map[types.Priority][]candidate {
	bands := make(map[types.Priority][]candidate)
	for _, wf := range workflows {
		if wf.Status().IsTerminal() {
			continue
		}
		for _, t := range wf.ReadyTasks() {
			p := t.Priority
			if !p.Valid() {
				p = types.PriorityNormal
			}
			bands[p] = append(bands[p], candidate{wf: wf, task: t})
		}
	}
	for _, p := range types.Priorities() {
		metrics.ReadyTasks.WithLabelValues(string(p)).Set(float64(len(bands[p])))
	}
	return bands
}

// dispatch assigns candidates band by band, urgent first. Members are
// chosen in band order; at most MaxConcurrentAssignments notifications are
// in progress at once.
func (d *Dispatcher) dispatch(ctx context.Context, bands map[types.Priority][]candidate) int {
	var assigned atomic.Int64
	for _, p := range types.Priorities() {
		var wg sync.WaitGroup
		for _, c := range bands[p] {
			if !d.reserve(c) {
				continue
			}
			pl, ok := d.place(c, nil)
			if !ok {
				d.unreserve(c.task.ID)
				continue
			}
			select {
			case d.sem <- struct{}{}:
			case <-ctx.Done():
				d.revert(context.WithoutCancel(ctx), pl, ctx.Err())
				d.unreserve(c.task.ID)
				wg.Wait()
				return int(assigned.Load())
			}
			wg.Add(1)
			go func(pl placement) {
				defer wg.Done()
				defer func() { <-d.sem }()
				defer d.unreserve(pl.task.ID)
				if d.deliver(ctx, pl) {
					assigned.Add(1)
				}
			}(pl)
		}
		wg.Wait()
	}
	return int(assigned.Load())
}

// reserve adds the task to the pending-assignment set. It refuses tasks that
// are already pending and tasks whose workflow is at its parallelism limit.
func (d *Dispatcher) reserve(c candidate) bool {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	if _, busy := d.pending[c.task.ID]; busy {
		return false
	}
	if limit := c.wf.MaxParallel(); limit > 0 {
		inFlight := c.wf.InFlight()
		for _, pt := range d.pending {
			if pt.workflowID == c.wf.ID() && !pt.placed {
				inFlight++
			}
		}
		if inFlight >= limit {
			return false
		}
	}
	d.pending[c.task.ID] = pendingTask{workflowID: c.wf.ID()}
	return true
}

// markPlaced records that a pending task now holds a slot and is counted as
// in flight by its workflow.
func (d *Dispatcher) markPlaced(taskID string) {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	if pt, ok := d.pending[taskID]; ok {
		pt.placed = true
		d.pending[taskID] = pt
	}
}

func (d *Dispatcher) unreserve(taskID string) {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	delete(d.pending, taskID)
}

// Pending reports whether a task is in the pending-assignment set.
func (d *Dispatcher) Pending(taskID string) bool {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	_, ok := d.pending[taskID]
	return ok
}

// place takes a member slot for the task and marks it assigned. Members in
// exclude are skipped. The candidate's task may be a stale copy: the pool
// refuses a task that some member already holds, and the workflow refuses
// a task that is no longer ready.
func (d *Dispatcher) place(c candidate, exclude []string) (placement, bool) {
	task := c.task
	params, unresolved, err := c.wf.ResolveParameters(task.ID)
	if err != nil {
		return placement{}, false
	}
	if len(unresolved) > 0 {
		d.logger.Debug("unresolved result references",
			slog.String("task_id", task.ID),
			slog.Any("references", unresolved),
		)
	}

	criteria := pool.Criteria{
		TaskType:      task.Type,
		Models:        params.RequiredModels(),
		PreferredTags: task.Tags,
		Exclude:       exclude,
	}
	member, ok := d.nodes.Acquire(criteria, task.ID)
	if !ok {
		if len(exclude) == 0 {
			metrics.AssignmentsTotal.WithLabelValues(string(task.Priority), "no_member").Inc()
		}
		return placement{}, false
	}
	if err := c.wf.MarkAssigned(task.ID, member); err != nil {
		// The task moved on (cancelled, or assigned by another pass). The
		// slot was taken by this call, so releasing it is safe.
		d.nodes.Release(member, task.ID)
		return placement{}, false
	}
	d.markPlaced(task.ID)
	return placement{candidate: c, member: member, params: params}, true
}

// deliver notifies the member of a placement. A member that is not
// listening is charged to that member alone and the task is offered to the
// next eligible member; any other failure reverts the assignment and the
// task waits for the next cycle.
func (d *Dispatcher) deliver(ctx context.Context, pl placement) bool {
	ctx, span := d.tracer.Start(ctx, "dispatcher.assign")
	defer span.End()
	span.SetAttributes(
		attribute.String("workflow_id", pl.wf.ID()),
		attribute.String("task_id", pl.task.ID),
		attribute.String("priority", string(pl.task.Priority)),
	)

	var tried []string
	for {
		span.SetAttributes(attribute.String("member", pl.member))
		d.saveTask(ctx, pl.wf, pl.task.ID)
		err := d.notify(ctx, pl)
		if err == nil {
			break
		}
		span.RecordError(err)
		d.revert(ctx, pl, err)
		if !errors.Is(err, bus.ErrNoReceiver) {
			span.SetStatus(codes.Error, "assignment reverted")
			return false
		}
		tried = append(tried, pl.member)
		next, ok := d.place(pl.candidate, tried)
		if !ok {
			span.SetStatus(codes.Error, "no listening member")
			return false
		}
		pl = next
	}

	metrics.AssignmentsTotal.WithLabelValues(string(pl.task.Priority), "assigned").Inc()
	d.logger.Debug("task assigned",
		slog.String("workflow_id", pl.wf.ID()),
		slog.String("task_id", pl.task.ID),
		slog.String("member", pl.member),
		slog.String("priority", string(pl.task.Priority)),
	)
	d.markRunning(ctx, pl.wf)
	return true
}

// notify sends the assignment through the bus breaker. A member with no
// receiver is reported as permanent: the bus itself answered, so only the
// member's own breaker counts the failure.
func (d *Dispatcher) notify(ctx context.Context, pl placement) error {
	task := pl.task
	env, err := types.NewEnvelope(types.MessageTaskAssign, types.Assignment{
		TaskID:     task.ID,
		WorkflowID: pl.wf.ID(),
		Name:       task.Name,
		Type:       task.Type,
		Parameters: pl.params,
		Priority:   task.Priority,
		Attempt:    task.RetryCount + 1,
		Timeout:    task.Timeout,
	})
	if err != nil {
		return err
	}
	env.WorkflowID = pl.wf.ID()
	env.TaskID = task.ID
	env.NodeID = pl.member
	return d.retrier.Run(ctx, resilience.OpBus, func(ctx context.Context) error {
		err := d.bus.Send(ctx, pl.member, env)
		if errors.Is(err, bus.ErrNoReceiver) {
			return resilience.Permanent(err)
		}
		return err
	})
}

// revert undoes an assignment whose notification was never delivered. The
// task was never confirmed received, so it is not failed.
func (d *Dispatcher) revert(ctx context.Context, pl placement, cause error) {
	d.nodes.Release(pl.member, pl.task.ID)
	switch resilience.Classify(cause) {
	case resilience.ClassCircuitOpen, resilience.ClassCanceled:
	default:
		d.nodes.RecordFailure(pl.member, cause)
	}
	if err := pl.wf.Unassign(pl.task.ID); err != nil {
		d.logger.Warn("revert assignment",
			slog.String("task_id", pl.task.ID),
			slog.String("error", err.Error()),
		)
	}
	d.saveTask(ctx, pl.wf, pl.task.ID)
	metrics.AssignmentsTotal.WithLabelValues(string(pl.task.Priority), "reverted").Inc()
	d.logger.Warn("assignment notification failed, task returned to queue",
		slog.String("workflow_id", pl.wf.ID()),
		slog.String("task_id", pl.task.ID),
		slog.String("member", pl.member),
		slog.String("error", cause.Error()),
	)
}

// resolveStalled fails the remaining tasks of workflows that can make no
// further progress.
func (d *Dispatcher) resolveStalled(ctx context.Context, workflows []*workflow.Workflow) {
	for _, wf := range workflows {
		if wf.Status().IsTerminal() || !wf.Stalled() {
			continue
		}
		ids := wf.FailUnsatisfiable()
		if len(ids) == 0 {
			continue
		}
		d.logger.Warn("workflow deadlocked, failing unsatisfiable tasks",
			slog.String("workflow_id", wf.ID()),
			slog.Any("task_ids", ids),
		)
		var tasks []*types.Task
		for _, id := range ids {
			if t, ok := wf.Task(id); ok {
				tasks = append(tasks, t)
				metrics.TasksTotal.WithLabelValues(string(t.Type), "failed").Inc()
			}
		}
		d.saveTasks(ctx, tasks...)
		d.settle(ctx, wf, "")
	}
}

// observeStarvation tracks how long each task has been ready and warns once
// per task when it passes the threshold.
func (d *Dispatcher) observeStarvation(bands map[types.Priority][]candidate) {
	if d.cfg.StarvationThreshold <= 0 {
		return
	}
	now := d.now()

	d.starveMu.Lock()
	defer d.starveMu.Unlock()

	seen := make(map[string]bool)
	starving := 0
	for _, p := range types.Priorities() {
		for _, c := range bands[p] {
			id := c.task.ID
			seen[id] = true
			since, ok := d.readySince[id]
			if !ok {
				d.readySince[id] = now
				continue
			}
			if now.Sub(since) < d.cfg.StarvationThreshold {
				continue
			}
			starving++
			if !d.starving[id] {
				d.starving[id] = true
				d.logger.Warn("task starving: no eligible executor",
					slog.String("workflow_id", c.wf.ID()),
					slog.String("task_id", id),
					slog.String("type", string(c.task.Type)),
					slog.Any("models", c.task.Parameters.RequiredModels()),
					slog.Duration("ready_for", now.Sub(since)),
				)
			}
		}
	}
	for id := range d.readySince {
		if !seen[id] {
			delete(d.readySince, id)
			delete(d.starving, id)
		}
	}
	metrics.StarvingTasks.Set(float64(starving))
}

// Starving returns the ids of tasks currently reported as starving.
func (d *Dispatcher) Starving() []string {
	d.starveMu.Lock()
	defer d.starveMu.Unlock()
	out := make([]string, 0, len(d.starving))
	for id := range d.starving {
		out = append(out, id)
	}
	return out
}

func (d *Dispatcher) forgetStarvation(wf *workflow.Workflow) {
	d.starveMu.Lock()
	defer d.starveMu.Unlock()
	for _, t := range wf.Tasks() {
		delete(d.readySince, t.ID)
		delete(d.starving, t.ID)
	}
}
