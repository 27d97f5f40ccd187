package pool

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leifmarkthaler/gleitzeit-sub000/internal/resilience"
	"github.com/leifmarkthaler/gleitzeit-sub000/pkg/types"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestPool(strategy Strategy, clock *testClock) *Pool {
	cfg := DefaultConfig("test")
	cfg.Strategy = strategy
	cfg.MaxAge = 30 * time.Second
	cfg.Breaker = resilience.BreakerConfig{FailureThreshold: 2, RecoveryTimeout: 10 * time.Second}
	if clock != nil {
		cfg.Clock = clock.Now
	}
	return New(cfg)
}

func spec(name string, max int, tags ...string) MemberSpec {
	return MemberSpec{
		Name: name,
		Capabilities: types.Capabilities{
			TaskTypes:          []types.TaskType{types.TaskTypeText, types.TaskTypeFunction},
			Models:             []string{"llama3"},
			MaxConcurrentTasks: max,
			Tags:               tags,
		},
	}
}

func register(t *testing.T, p *Pool, specs ...MemberSpec) {
	t.Helper()
	for _, s := range specs {
		require.NoError(t, p.Register(s))
	}
}

func TestPool_LeastLoadedPrefersIdleMember(t *testing.T) {
	p := newTestPool(LeastLoaded, nil)
	register(t, p, spec("m1", 4), spec("m2", 4))
	require.NoError(t, p.UpdateStats("m1", Stats{Load: 2, Healthy: true}))

	name, ok := p.Select(Criteria{TaskType: types.TaskTypeText})
	require.True(t, ok)
	assert.Equal(t, "m2", name)
}

func TestPool_RequiredTagWithoutMatch(t *testing.T) {
	p := newTestPool(Affinity, nil)
	register(t, p, spec("vision-node", 4, "vision"))

	name, ok := p.Select(Criteria{RequiredTags: []string{"coding"}})
	assert.False(t, ok)
	assert.Empty(t, name)
}

func TestPool_TieBreaksByRegistrationOrder(t *testing.T) {
	for _, strategy := range []Strategy{LeastLoaded, FastestResponse, Affinity, RoundRobin} {
		t.Run(string(strategy), func(t *testing.T) {
			p := newTestPool(strategy, nil)
			register(t, p, spec("first", 4), spec("second", 4))
			name, ok := p.Select(Criteria{})
			require.True(t, ok)
			assert.Equal(t, "first", name)
		})
	}
}

func TestPool_RoundRobin(t *testing.T) {
	p := newTestPool(RoundRobin, nil)
	register(t, p, spec("a", 4), spec("b", 4), spec("c", 4))

	var got []string
	for i := 0; i < 4; i++ {
		name, ok := p.Select(Criteria{})
		require.True(t, ok)
		got = append(got, name)
	}
	assert.Equal(t, []string{"a", "b", "c", "a"}, got)

	require.NoError(t, p.Drain("c"))
	got = got[:0]
	for i := 0; i < 3; i++ {
		name, _ := p.Select(Criteria{})
		got = append(got, name)
	}
	assert.Equal(t, []string{"b", "a", "b"}, got)
}

func TestPool_FastestResponse(t *testing.T) {
	p := newTestPool(FastestResponse, nil)
	register(t, p, spec("slow", 4), spec("fast", 4))
	require.NoError(t, p.ReportResult("slow", nil, 300*time.Millisecond))
	require.NoError(t, p.ReportResult("fast", nil, 100*time.Millisecond))

	name, ok := p.Select(Criteria{})
	require.True(t, ok)
	assert.Equal(t, "fast", name)

	assert.ErrorIs(t, p.ReportResult("missing", nil, time.Second), ErrMemberNotFound)
}

func TestPool_Affinity(t *testing.T) {
	p := newTestPool(Affinity, nil)
	register(t, p, spec("gpu-box", 4, "gpu"), spec("cpu-box", 4, "cpu", "coding"))
	_, ok := p.Acquire(Criteria{}, "warm-up")
	require.True(t, ok, "gpu-box takes the first task")

	name, ok := p.Select(Criteria{PreferredTags: []string{"coding"}})
	require.True(t, ok)
	assert.Equal(t, "cpu-box", name, "matching tags win")

	name, ok = p.Select(Criteria{PreferredTags: []string{"tpu"}})
	require.True(t, ok)
	assert.Equal(t, "cpu-box", name, "no match falls back to least loaded")
}

func TestPool_CapabilityFilters(t *testing.T) {
	p := newTestPool(LeastLoaded, nil)
	register(t, p, spec("m1", 4, "fast"))

	tests := []struct {
		name     string
		criteria Criteria
		want     bool
	}{
		{"supported kind", Criteria{TaskType: types.TaskTypeText}, true},
		{"unsupported kind", Criteria{TaskType: types.TaskTypeVision}, false},
		{"served model", Criteria{Models: []string{"llama3"}}, true},
		{"missing model", Criteria{Models: []string{"llama3", "mistral"}}, false},
		{"required tag present", Criteria{RequiredTags: []string{"fast"}}, true},
		{"preferred tag absent", Criteria{PreferredTags: []string{"slow"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := p.Select(tt.criteria)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestPool_AcquireRespectsCapacity(t *testing.T) {
	p := newTestPool(LeastLoaded, nil)
	register(t, p, spec("m1", 2))

	for _, id := range []string{"t1", "t2"} {
		name, ok := p.Acquire(Criteria{}, id)
		require.True(t, ok)
		assert.Equal(t, "m1", name)
	}
	_, ok := p.Acquire(Criteria{}, "t3")
	assert.False(t, ok)

	m, _ := p.Get("m1")
	assert.Equal(t, types.MemberStatusOverloaded, m.Status)
	assert.Equal(t, 2, m.Resources.ActiveTasks)
	assert.Empty(t, p.Available())

	assert.True(t, p.Release("m1", "t1"))
	assert.False(t, p.Release("m1", "t1"), "second release is a no-op")
	m, _ = p.Get("m1")
	assert.Equal(t, types.MemberStatusBusy, m.Status)
	assert.Equal(t, []string{"t2"}, m.AssignedTasks)
}

func TestPool_AcquireRefusesHeldTask(t *testing.T) {
	p := newTestPool(LeastLoaded, nil)
	register(t, p, spec("m1", 2), spec("m2", 2))

	name, ok := p.Acquire(Criteria{}, "t1")
	require.True(t, ok)
	assert.Equal(t, "m1", name)

	_, ok = p.Acquire(Criteria{}, "t1")
	assert.False(t, ok, "a held task is not placed twice")
	m1, _ := p.Get("m1")
	m2, _ := p.Get("m2")
	assert.Equal(t, []string{"t1"}, m1.AssignedTasks)
	assert.Zero(t, m2.Load)

	require.True(t, p.Release("m1", "t1"))
	name, ok = p.Acquire(Criteria{}, "t1")
	require.True(t, ok)
	assert.Equal(t, "m1", name)
}

func TestPool_AcquireExcludes(t *testing.T) {
	p := newTestPool(LeastLoaded, nil)
	register(t, p, spec("m1", 2), spec("m2", 2))

	name, ok := p.Acquire(Criteria{Exclude: []string{"m1"}}, "t1")
	require.True(t, ok)
	assert.Equal(t, "m2", name)

	_, ok = p.Acquire(Criteria{Exclude: []string{"m1", "m2"}}, "t2")
	assert.False(t, ok)
}

func TestPool_BreakerMarksMemberUnhealthy(t *testing.T) {
	clock := newTestClock()
	p := newTestPool(LeastLoaded, clock)
	register(t, p, spec("m1", 4))

	p.RecordFailure("m1", errors.New("connection refused"))
	m, _ := p.Get("m1")
	assert.True(t, m.Healthy, "below threshold")

	p.RecordFailure("m1", errors.New("connection refused"))
	m, _ = p.Get("m1")
	assert.False(t, m.Healthy)
	assert.Equal(t, types.MemberStatusUnhealthy, m.Status)
	assert.Equal(t, "open", m.Breaker)
	_, ok := p.Select(Criteria{})
	assert.False(t, ok)

	p.RecordSuccess("m1")
	m, _ = p.Get("m1")
	assert.False(t, m.Healthy, "success before the recovery timeout is not a probe")

	require.NoError(t, p.UpdateStats("m1", Stats{Healthy: true}))
	m, _ = p.Get("m1")
	assert.False(t, m.Healthy, "stats cannot override an open breaker")

	clock.Advance(10 * time.Second)
	p.RecordSuccess("m1")
	m, _ = p.Get("m1")
	assert.True(t, m.Healthy)
	assert.Equal(t, "closed", m.Breaker)
	_, ok = p.Select(Criteria{})
	assert.True(t, ok)
}

func TestPool_HeartbeatActsAsProbe(t *testing.T) {
	clock := newTestClock()
	p := newTestPool(LeastLoaded, clock)
	register(t, p, spec("m1", 4))
	p.RecordFailure("m1", nil)
	p.RecordFailure("m1", nil)

	require.NoError(t, p.Heartbeat("m1", types.Resources{CPUPercent: 10}))
	m, _ := p.Get("m1")
	assert.False(t, m.Healthy)

	clock.Advance(10 * time.Second)
	require.NoError(t, p.Heartbeat("m1", types.Resources{CPUPercent: 10, ActiveTasks: 7}))
	m, _ = p.Get("m1")
	assert.True(t, m.Healthy)
	assert.Zero(t, m.Resources.ActiveTasks, "reported task count is ignored")
	assert.Equal(t, 10.0, m.Resources.CPUPercent)

	assert.ErrorIs(t, p.Heartbeat("ghost", types.Resources{}), ErrMemberNotFound)
}

func TestPool_Prune(t *testing.T) {
	clock := newTestClock()
	p := newTestPool(LeastLoaded, clock)
	register(t, p, spec("alive", 4), spec("stale", 4))
	_, ok := p.Acquire(Criteria{}, "t1")
	require.True(t, ok)
	_, ok = p.Acquire(Criteria{}, "t2")
	require.True(t, ok)

	clock.Advance(20 * time.Second)
	require.NoError(t, p.Heartbeat("alive", types.Resources{}))
	clock.Advance(11 * time.Second)

	removed := p.Prune(clock.Now())
	require.Len(t, removed, 1)
	assert.Equal(t, "stale", removed[0].Name)
	assert.Equal(t, []string{"t2"}, removed[0].Tasks)
	assert.Equal(t, 1, p.Len())
	assert.Empty(t, p.Prune(clock.Now()))
}

func TestPool_RegisterAndRemove(t *testing.T) {
	p := newTestPool(LeastLoaded, nil)
	assert.ErrorIs(t, p.Register(MemberSpec{}), ErrInvalidMember)

	register(t, p, spec("m1", 1))
	_, ok := p.Acquire(Criteria{}, "t1")
	require.True(t, ok)

	// Re-registration refreshes the declaration but keeps assignments.
	register(t, p, spec("m1", 3, "gpu"))
	m, _ := p.Get("m1")
	assert.Equal(t, 3, m.MaxConcurrent)
	assert.Equal(t, []string{"t1"}, m.AssignedTasks)
	assert.Equal(t, 1, p.Len())

	tasks, err := p.Remove("m1")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, tasks)
	_, err = p.Remove("m1")
	assert.ErrorIs(t, err, ErrMemberNotFound)
}

func TestPool_DrainExcludesMember(t *testing.T) {
	p := newTestPool(LeastLoaded, nil)
	register(t, p, spec("m1", 4))
	require.NoError(t, p.Drain("m1"))

	_, ok := p.Select(Criteria{})
	assert.False(t, ok)
	m, _ := p.Get("m1")
	assert.Equal(t, types.MemberStatusDraining, m.Status)
	assert.ErrorIs(t, p.Drain("m2"), ErrMemberNotFound)
}

func TestPool_WeightedLoad(t *testing.T) {
	cfg := DefaultConfig("nodes")
	cfg.WeightedLoad = true
	p := New(cfg)
	register(t, p, spec("hot", 4), spec("cool", 4))
	require.NoError(t, p.Heartbeat("hot", types.Resources{CPUPercent: 95, MemoryPercent: 90}))
	require.NoError(t, p.Heartbeat("cool", types.Resources{CPUPercent: 5, MemoryPercent: 10}))
	_, ok := p.Acquire(Criteria{}, "t1")
	require.True(t, ok)

	name, ok := p.Select(Criteria{})
	require.True(t, ok)
	assert.Equal(t, "cool", name, "one task on a cool node still beats an idle hot node")
}

func TestLoadScore(t *testing.T) {
	gpu := 50.0
	tests := []struct {
		name string
		res  types.Resources
		max  int
		want float64
	}{
		{"idle", types.Resources{}, 4, 0},
		{"half tasks", types.Resources{ActiveTasks: 2}, 4, 0.2},
		{"saturated", types.Resources{ActiveTasks: 4, CPUPercent: 100, MemoryPercent: 100, GPUPercent: &gpu}, 4, 0.95},
		{"clamped", types.Resources{ActiveTasks: 9, CPUPercent: 250, MemoryPercent: -5}, 4, 0.7},
		{"no capacity", types.Resources{}, 0, 0.4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, LoadScore(tt.res, tt.max), 1e-9)
		})
	}
}

func TestParseStrategy(t *testing.T) {
	for in, want := range map[string]Strategy{
		"round-robin":      RoundRobin,
		"LEAST_LOADED":     LeastLoaded,
		"":                 LeastLoaded,
		"fastest_response": FastestResponse,
		" affinity ":       Affinity,
	} {
		got, err := ParseStrategy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseStrategy("random")
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	nodes := New(DefaultConfig("nodes"))
	inference := New(DefaultConfig("inference"))
	reg := NewRegistry(nodes, inference)

	got, ok := reg.Get("inference")
	require.True(t, ok)
	assert.Same(t, inference, got)
	_, ok = reg.Get("missing")
	assert.False(t, ok)
	assert.Equal(t, []*Pool{nodes, inference}, reg.All())
}
