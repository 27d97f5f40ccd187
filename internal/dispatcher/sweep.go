package dispatcher

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/leifmarkthaler/gleitzeit-sub000/internal/metrics"
)

// SweepTimeouts fails every in-flight task whose timeout has elapsed, freeing
// its member slot. The failure is transient, so the task is retried while its
// budget allows. It returns the number of tasks timed out.
func (d *Dispatcher) SweepTimeouts(ctx context.Context) int {
	now := d.now()
	n := 0
	for _, wf := range d.active() {
		for _, task := range wf.Overdue(now) {
			member := task.AssignedNodeID
			cause := fmt.Errorf("%w after %s", ErrTaskTimeout, task.Timeout)
			if err := d.fail(ctx, wf, task, cause); err != nil {
				d.logger.Warn("time out task", slog.String("task_id", task.ID), slog.String("error", err.Error()))
				continue
			}
			n++
			metrics.TasksTotal.WithLabelValues(string(task.Type), "timeout").Inc()
			if member != "" {
				d.notifyCancel(ctx, wf.ID(), task.ID, member, "timeout")
			}
		}
	}
	return n
}

// PruneStaleNodes removes members whose heartbeat is older than the pool's
// max age and requeues their tasks. It returns the removed member names.
func (d *Dispatcher) PruneStaleNodes(ctx context.Context) []string {
	removed := d.nodes.Prune(d.now())
	names := make([]string, 0, len(removed))
	for _, r := range removed {
		names = append(names, r.Name)
		d.forgetNode(ctx, r.Name)
		d.requeue(ctx, r.Name, r.Tasks, "stale heartbeat")
	}
	return names
}
