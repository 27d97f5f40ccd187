package pool

import (
	"fmt"
	"sort"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"pgregory.net/rapid"

	"github.com/leifmarkthaler/gleitzeit-sub000/pkg/types"
)

// TestProperty_LoadConservation drives a pool through random acquire,
// release, removal and re-registration and checks after every step that each
// member's active task count equals its assignment set.
func TestProperty_LoadConservation(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		p := New(DefaultConfig("prop"))
		names := []string{"m1", "m2", "m3"}
		for _, n := range names {
			max := rapid.IntRange(1, 4).Draw(t, "max_"+n)
			if err := p.Register(spec(n, max)); err != nil {
				t.Fatal(err)
			}
		}

		held := map[string]string{} // task -> member
		next := 0

		t.Repeat(map[string]func(*rapid.T){
			"acquire": func(t *rapid.T) {
				id := fmt.Sprintf("t%d", next)
				next++
				if name, ok := p.Acquire(Criteria{}, id); ok {
					held[id] = name
				}
			},
			"reacquire": func(t *rapid.T) {
				if len(held) == 0 {
					t.Skip("nothing held")
				}
				ids := make([]string, 0, len(held))
				for id := range held {
					ids = append(ids, id)
				}
				sort.Strings(ids)
				id := rapid.SampledFrom(ids).Draw(t, "task")
				if name, ok := p.Acquire(Criteria{}, id); ok {
					t.Fatalf("task %s held by %s acquired again on %s", id, held[id], name)
				}
			},
			"release": func(t *rapid.T) {
				if len(held) == 0 {
					t.Skip("nothing held")
				}
				ids := make([]string, 0, len(held))
				for id := range held {
					ids = append(ids, id)
				}
				sort.Strings(ids)
				id := rapid.SampledFrom(ids).Draw(t, "task")
				if !p.Release(held[id], id) {
					t.Fatalf("release of held task %s on %s failed", id, held[id])
				}
				delete(held, id)
			},
			"remove": func(t *rapid.T) {
				name := rapid.SampledFrom(names).Draw(t, "member")
				tasks, err := p.Remove(name)
				if err != nil {
					return
				}
				for _, id := range tasks {
					if held[id] != name {
						t.Fatalf("removed member %s returned foreign task %s", name, id)
					}
					delete(held, id)
				}
			},
			"register": func(t *rapid.T) {
				name := rapid.SampledFrom(names).Draw(t, "member")
				if err := p.Register(spec(name, rapid.IntRange(1, 4).Draw(t, "max"))); err != nil {
					t.Fatal(err)
				}
			},
			"": func(t *rapid.T) {
				want := map[string][]string{}
				for id, name := range held {
					want[name] = append(want[name], id)
				}
				for _, m := range p.Snapshot() {
					if m.Resources.ActiveTasks != len(m.AssignedTasks) {
						t.Fatalf("%s: active_tasks %d != assigned %d", m.Name, m.Resources.ActiveTasks, len(m.AssignedTasks))
					}
					sort.Strings(want[m.Name])
					if fmt.Sprint(want[m.Name]) != fmt.Sprint(nilIfEmpty(m.AssignedTasks)) {
						t.Fatalf("%s: assigned %v, want %v", m.Name, m.AssignedTasks, want[m.Name])
					}
				}
			},
		})
	})
}

func nilIfEmpty(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	return s
}

// TestLoadScoreProperty checks that the score stays in [0, 1] and never
// drops when a member takes on another task.
func TestLoadScoreProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("score is bounded", prop.ForAll(
		func(active, max int, cpu, mem, gpu float64) bool {
			s := LoadScore(types.Resources{ActiveTasks: active, CPUPercent: cpu, MemoryPercent: mem, GPUPercent: &gpu}, max)
			return s >= 0 && s <= 1
		},
		gen.IntRange(-5, 50),
		gen.IntRange(0, 16),
		gen.Float64Range(-50, 200),
		gen.Float64Range(-50, 200),
		gen.Float64Range(-50, 200),
	))

	properties.Property("more tasks never lower the score", prop.ForAll(
		func(active, max int, cpu float64) bool {
			res := types.Resources{ActiveTasks: active, CPUPercent: cpu}
			before := LoadScore(res, max)
			res.ActiveTasks++
			return LoadScore(res, max) >= before
		},
		gen.IntRange(0, 20),
		gen.IntRange(1, 16),
		gen.Float64Range(0, 100),
	))

	properties.TestingRun(t)
}
