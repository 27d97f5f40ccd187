package workflow

import (
	"errors"
	"fmt"
	"testing"

	"pgregory.net/rapid"

	"github.com/leifmarkthaler/gleitzeit-sub000/pkg/types"
)

// TestProperty_DependencySafety drives random DAGs through random outcomes and
// checks that a ready task never has a dependency outside completed (or
// outside completed ∪ failed for soft dependencies).
func TestProperty_DependencySafety(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 12).Draw(t, "tasks")
		strategy := rapid.SampledFrom([]types.ErrorStrategy{
			types.ContinueOnError, types.StopOnFirstError, types.SkipFailed, types.RetryFailed,
		}).Draw(t, "strategy")

		w := New("prop", WithErrorStrategy(strategy))
		for i := 0; i < n; i++ {
			task := NewTask(fmt.Sprintf("t%d", i), types.TaskTypeFunction, types.Parameters{
				Function: &types.FunctionParams{Name: "noop"},
			})
			task.ID = task.Name
			task.MaxRetries = rapid.IntRange(0, 2).Draw(t, "retries")
			task.DependsOnSuccess = rapid.Bool().Draw(t, "hard")
			for j := 0; j < i; j++ {
				if rapid.IntRange(0, 3).Draw(t, "edge") == 0 {
					task.Dependencies = append(task.Dependencies, fmt.Sprintf("t%d", j))
				}
			}
			if err := w.AddTask(task); err != nil {
				t.Fatalf("AddTask failed: %v", err)
			}
		}
		if err := w.Validate(); err != nil {
			t.Fatalf("Validate failed: %v", err)
		}

		for step := 0; step < 4*n+4; step++ {
			checkReady(t, w)
			if w.IsComplete() {
				break
			}
			if w.Stalled() {
				w.FailUnsatisfiable()
				continue
			}
			ready := w.ReadyTasks()
			if len(ready) == 0 {
				// Only in-flight work remains; finish one of them.
				for _, task := range w.Tasks() {
					if task.Status.InFlight() {
						if err := w.MarkCompleted(task.ID, "ok"); err != nil {
							t.Fatalf("MarkCompleted failed: %v", err)
						}
						break
					}
				}
				continue
			}
			pick := ready[rapid.IntRange(0, len(ready)-1).Draw(t, "pick")]
			if err := w.MarkAssigned(pick.ID, "node"); err != nil {
				t.Fatalf("MarkAssigned failed: %v", err)
			}
			switch rapid.IntRange(0, 3).Draw(t, "outcome") {
			case 0:
				if _, err := w.MarkFailed(pick.ID, errors.New("transient")); err != nil {
					t.Fatalf("MarkFailed failed: %v", err)
				}
			case 1:
				if _, err := w.MarkFailed(pick.ID, &permanentErr{"permanent"}); err != nil {
					t.Fatalf("MarkFailed failed: %v", err)
				}
			case 2:
				// Leave in flight.
			default:
				if err := w.MarkCompleted(pick.ID, "ok"); err != nil {
					t.Fatalf("MarkCompleted failed: %v", err)
				}
			}
			checkInvariants(t, w)
		}
	})
}

func checkReady(t *rapid.T, w *Workflow) {
	status := make(map[string]types.TaskStatus)
	for _, task := range w.Tasks() {
		status[task.ID] = task.Status
	}
	for _, task := range w.ReadyTasks() {
		for _, dep := range task.Dependencies {
			s := status[dep]
			if s == types.TaskStatusCompleted {
				continue
			}
			if !task.DependsOnSuccess && (s == types.TaskStatusFailed || s == types.TaskStatusCancelled) {
				continue
			}
			t.Fatalf("task %s ready while dependency %s is %s", task.ID, dep, s)
		}
	}
}

func checkInvariants(t *rapid.T, w *Workflow) {
	p := w.Progress()
	if p.Pending < 0 || p.Completed+p.Failed+p.Running+p.Pending != p.Total {
		t.Fatalf("task sets do not partition the workflow: %+v", p)
	}
	for _, task := range w.Tasks() {
		if task.RetryCount > task.MaxRetries {
			t.Fatalf("task %s retry_count %d exceeds max_retries %d", task.ID, task.RetryCount, task.MaxRetries)
		}
	}
}
