package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/leifmarkthaler/gleitzeit-sub000/internal/metrics"
	"github.com/leifmarkthaler/gleitzeit-sub000/internal/pool"
	"github.com/leifmarkthaler/gleitzeit-sub000/internal/resilience"
	"github.com/leifmarkthaler/gleitzeit-sub000/internal/store"
	"github.com/leifmarkthaler/gleitzeit-sub000/internal/workflow"
	"github.com/leifmarkthaler/gleitzeit-sub000/pkg/types"
)

// HandleEnvelope applies one inbound event. Duplicate and stale task reports
// are ignored, so redelivery is harmless.
func (d *Dispatcher) HandleEnvelope(ctx context.Context, env *types.Envelope) error {
	switch env.Type {
	case types.MessageNodeRegister:
		var reg types.NodeRegistration
		if err := env.Decode(&reg); err != nil {
			return err
		}
		if reg.NodeID == "" {
			reg.NodeID = env.NodeID
		}
		return d.registerNode(ctx, reg)

	case types.MessageNodeHeartbeat:
		var hb types.Heartbeat
		if err := env.Decode(&hb); err != nil {
			return err
		}
		if hb.NodeID == "" {
			hb.NodeID = env.NodeID
		}
		if err := d.nodes.Heartbeat(hb.NodeID, hb.Resources); err != nil {
			return fmt.Errorf("heartbeat from %s: %w", hb.NodeID, err)
		}
		return nil

	case types.MessageNodeDisconnect:
		return d.removeNode(ctx, env.NodeID, "disconnected")

	case types.MessageTaskAccepted, types.MessageTaskProgress, types.MessageTaskCompleted, types.MessageTaskFailed:
		var report types.TaskReport
		if len(env.Data) > 0 {
			if err := env.Decode(&report); err != nil {
				return err
			}
		}
		if report.TaskID == "" {
			report.TaskID = env.TaskID
		}
		if report.WorkflowID == "" {
			report.WorkflowID = env.WorkflowID
		}
		if report.NodeID == "" {
			report.NodeID = env.NodeID
		}
		return d.handleReport(ctx, env.Type, report)
	}
	return fmt.Errorf("%w: %s", ErrUnknownMessage, env.Type)
}

func (d *Dispatcher) registerNode(ctx context.Context, reg types.NodeRegistration) error {
	err := d.nodes.Register(pool.MemberSpec{
		Name:         reg.NodeID,
		Address:      reg.Address,
		Capabilities: reg.Capabilities,
	})
	if err != nil {
		return err
	}
	err = d.retrier.Run(ctx, resilience.OpStore, func(ctx context.Context) error {
		return d.store.AddActiveNode(ctx, reg.NodeID)
	})
	if err != nil {
		d.logger.Error("persist active node", slog.String("member", reg.NodeID), slog.String("error", err.Error()))
	}
	d.Trigger()
	return nil
}

// removeNode drops a member and requeues the tasks it held.
func (d *Dispatcher) removeNode(ctx context.Context, name, reason string) error {
	tasks, err := d.nodes.Remove(name)
	if err != nil {
		return fmt.Errorf("remove %s: %w", name, err)
	}
	d.forgetNode(ctx, name)
	d.requeue(ctx, name, tasks, reason)
	return nil
}

func (d *Dispatcher) forgetNode(ctx context.Context, name string) {
	err := d.retrier.Run(ctx, resilience.OpStore, func(ctx context.Context) error {
		return d.store.RemoveActiveNode(ctx, name)
	})
	if err != nil {
		d.logger.Error("persist node removal", slog.String("member", name), slog.String("error", err.Error()))
	}
}

// requeue returns in-flight tasks of a lost member to dispatch without
// consuming their retry budget.
func (d *Dispatcher) requeue(ctx context.Context, member string, taskIDs []string, reason string) {
	for _, id := range taskIDs {
		wf, err := d.lookup("", id)
		if err != nil {
			continue
		}
		if err := wf.Requeue(id); err != nil {
			d.logger.Warn("requeue task", slog.String("task_id", id), slog.String("error", err.Error()))
			continue
		}
		d.saveTask(ctx, wf, id)
	}
	if len(taskIDs) > 0 {
		d.logger.Warn("member lost, tasks requeued",
			slog.String("member", member),
			slog.String("reason", reason),
			slog.Int("tasks", len(taskIDs)),
		)
		d.Trigger()
	}
}

// handleReport applies a task report from an executor.
func (d *Dispatcher) handleReport(ctx context.Context, msgType types.MessageType, report types.TaskReport) error {
	wf, err := d.lookup(report.WorkflowID, report.TaskID)
	if err != nil {
		return err
	}
	task, ok := wf.Task(report.TaskID)
	if !ok {
		return fmt.Errorf("%w: %s", workflow.ErrTaskNotFound, report.TaskID)
	}
	if !task.Status.InFlight() {
		d.logger.Debug("ignoring report for task not in flight",
			slog.String("task_id", task.ID),
			slog.String("type", string(msgType)),
			slog.String("status", string(task.Status)),
		)
		return nil
	}
	if report.NodeID != "" && report.NodeID != task.AssignedNodeID {
		d.logger.Debug("ignoring report from previous assignee",
			slog.String("task_id", task.ID),
			slog.String("member", report.NodeID),
			slog.String("assigned", task.AssignedNodeID),
		)
		return nil
	}

	switch msgType {
	case types.MessageTaskAccepted:
		if task.Status == types.TaskStatusProcessing {
			return nil
		}
		if err := wf.MarkStarted(task.ID); err != nil {
			return err
		}
		d.saveTask(ctx, wf, task.ID)
		return nil

	case types.MessageTaskProgress:
		d.broadcast(ctx, wf, types.MessageWorkflowProgress, task.ID)
		return nil

	case types.MessageTaskCompleted:
		return d.completeTask(ctx, wf, task, report)

	default:
		return d.failTask(ctx, wf, task, report)
	}
}

func (d *Dispatcher) completeTask(ctx context.Context, wf *workflow.Workflow, task *types.Task, report types.TaskReport) error {
	member := task.AssignedNodeID
	d.nodes.Release(member, task.ID)
	_ = d.nodes.ReportResult(member, nil, report.Duration)

	if err := wf.MarkCompleted(task.ID, report.Result); err != nil {
		return err
	}
	d.saveTask(ctx, wf, task.ID)
	d.increment(ctx, wf, store.CounterCompleted)

	metrics.TasksTotal.WithLabelValues(string(task.Type), "completed").Inc()
	if report.Duration > 0 {
		metrics.TaskDuration.WithLabelValues(string(task.Type)).Observe(report.Duration.Seconds())
	}
	d.logger.Info("task completed",
		slog.String("workflow_id", wf.ID()),
		slog.String("task_id", task.ID),
		slog.String("member", member),
	)
	d.settle(ctx, wf, task.ID)
	d.Trigger()
	return nil
}

func (d *Dispatcher) failTask(ctx context.Context, wf *workflow.Workflow, task *types.Task, report types.TaskReport) error {
	cause := errors.New(report.Error)
	if report.Error == "" {
		cause = errors.New("task failed")
	}
	switch {
	case report.Permanent:
		cause = resilience.Permanent(cause)
	case report.RetryAfter > 0:
		cause = resilience.RateLimited(cause, report.RetryAfter)
	}
	return d.fail(ctx, wf, task, cause)
}

// fail releases the task's slot and records the failure on the model.
func (d *Dispatcher) fail(ctx context.Context, wf *workflow.Workflow, task *types.Task, cause error) error {
	member := task.AssignedNodeID
	d.nodes.Release(member, task.ID)
	if !resilience.IsPermanent(cause) {
		d.nodes.RecordFailure(member, cause)
	}

	retrying, err := wf.MarkFailed(task.ID, cause)
	if err != nil {
		return err
	}
	d.saveTask(ctx, wf, task.ID)

	if retrying {
		metrics.TasksTotal.WithLabelValues(string(task.Type), "retrying").Inc()
		d.logger.Info("task failed, will retry",
			slog.String("workflow_id", wf.ID()),
			slog.String("task_id", task.ID),
			slog.Int("attempt", task.RetryCount+1),
			slog.String("error", cause.Error()),
		)
		d.broadcast(ctx, wf, types.MessageWorkflowProgress, task.ID)
		d.Trigger()
		return nil
	}

	d.increment(ctx, wf, store.CounterFailed)
	metrics.TasksTotal.WithLabelValues(string(task.Type), "failed").Inc()
	d.logger.Warn("task failed",
		slog.String("workflow_id", wf.ID()),
		slog.String("task_id", task.ID),
		slog.String("member", member),
		slog.String("class", resilience.Classify(cause).String()),
		slog.String("error", cause.Error()),
	)
	// Skipped dependents changed too.
	if wf.ErrorStrategy() == types.SkipFailed {
		d.saveTasks(ctx, wf.Tasks()...)
	}
	d.settle(ctx, wf, task.ID)
	d.Trigger()
	return nil
}
