// Package pool provides load-balanced selection over named members, used both
// for executor nodes and for backend service endpoints such as inference
// servers.
package pool

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/leifmarkthaler/gleitzeit-sub000/internal/metrics"
	"github.com/leifmarkthaler/gleitzeit-sub000/internal/resilience"
	"github.com/leifmarkthaler/gleitzeit-sub000/pkg/types"
)

// Common errors returned by Pool.
var (
	ErrMemberNotFound = errors.New("pool member not found")
	ErrInvalidMember  = errors.New("pool member name is required")
)

// DefaultMaxConcurrent applies to members that do not declare a limit.
const DefaultMaxConcurrent = 4

// Config configures a Pool.
type Config struct {
	// Name labels metrics and log lines ("nodes", "inference").
	Name     string
	Strategy Strategy

	// WeightedLoad ranks least-loaded candidates by LoadScore instead of the
	// plain task fraction.
	WeightedLoad bool

	DefaultMaxConcurrent int

	// MaxAge is the heartbeat staleness limit used by Prune. Zero disables
	// pruning.
	MaxAge time.Duration

	// Breaker configures the per-member circuit breaker.
	Breaker resilience.BreakerConfig

	Clock  func() time.Time
	Logger *slog.Logger
}

// DefaultConfig returns a least-loaded pool configuration.
func DefaultConfig(name string) Config {
	return Config{
		Name:                 name,
		Strategy:             LeastLoaded,
		DefaultMaxConcurrent: DefaultMaxConcurrent,
		Breaker:              resilience.DefaultBreakerConfig(),
	}
}

// MemberSpec is what a member declares when it registers.
type MemberSpec struct {
	Name         string             `json:"name"`
	Address      string             `json:"address,omitempty"`
	Capabilities types.Capabilities `json:"capabilities"`
	Resources    types.Resources    `json:"resources"`
}

// Stats are externally measured figures for a member.
type Stats struct {
	// Load is in-flight work not routed through Acquire.
	Load        int           `json:"load"`
	SuccessRate float64       `json:"success_rate"`
	AvgLatency  time.Duration `json:"avg_latency"`
	Healthy     bool          `json:"healthy"`
}

// Criteria describe what a request needs from a member.
type Criteria struct {
	TaskType types.TaskType `json:"task_type,omitempty"`
	// Models must all be served by the member.
	Models []string `json:"models,omitempty"`
	// RequiredTags must all be declared by the member.
	RequiredTags []string `json:"required_tags,omitempty"`
	// PreferredTags steer the affinity strategy but never exclude a member.
	PreferredTags []string `json:"preferred_tags,omitempty"`
	// Exclude names members that must not be chosen.
	Exclude []string `json:"exclude,omitempty"`
}

// Member is a point-in-time view of a pool member.
type Member struct {
	Name                string             `json:"name"`
	Address             string             `json:"address,omitempty"`
	Capabilities        types.Capabilities `json:"capabilities"`
	Resources           types.Resources    `json:"resources"`
	Status              types.MemberStatus `json:"status"`
	Healthy             bool               `json:"healthy"`
	Load                int                `json:"load"`
	MaxConcurrent       int                `json:"max_concurrent"`
	LoadScore           float64            `json:"load_score"`
	ConsecutiveFailures int                `json:"consecutive_failures"`
	SuccessRate         float64            `json:"success_rate"`
	ErrorRate           float64            `json:"error_rate"`
	AvgLatency          time.Duration      `json:"avg_latency"`
	Breaker             string             `json:"breaker_state"`
	AssignedTasks       []string           `json:"assigned_tasks,omitempty"`
	LastHeartbeat       time.Time          `json:"last_heartbeat"`
	RegisteredAt        time.Time          `json:"registered_at"`
}

// Removed describes a member dropped from the pool together with the tasks
// it still held.
type Removed struct {
	Name  string
	Tasks []string
}

type member struct {
	spec           MemberSpec
	healthy        bool
	draining       bool
	reportedLoad   int
	successRate    float64
	avgLatency     time.Duration
	totalRequests  int64
	failedRequests int64
	lastHeartbeat  time.Time
	registeredAt   time.Time
	assigned       map[string]struct{}
	breaker        *resilience.Breaker
}

// Pool is a set of members with per-member health and load, safe for
// concurrent use. Members are kept in registration order, which is the
// tie-break order for every strategy.
type Pool struct {
	cfg    Config
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	members map[string]*member
	order   []string
	rrNext  int
}

// New creates an empty pool.
func New(cfg Config) *Pool {
	if cfg.Strategy == "" {
		cfg.Strategy = LeastLoaded
	}
	if cfg.DefaultMaxConcurrent <= 0 {
		cfg.DefaultMaxConcurrent = DefaultMaxConcurrent
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	if cfg.Breaker.Clock == nil {
		cfg.Breaker.Clock = now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		cfg:     cfg,
		now:     now,
		logger:  logger.With(slog.String("pool", cfg.Name)),
		members: make(map[string]*member),
	}
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.cfg.Name }

// Strategy returns the configured selection strategy.
func (p *Pool) Strategy() Strategy { return p.cfg.Strategy }

// Register adds a member, or refreshes the declaration of an existing one.
// Re-registration keeps the member's assignments and health.
func (p *Pool) Register(spec MemberSpec) error {
	if spec.Name == "" {
		return ErrInvalidMember
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if m, ok := p.members[spec.Name]; ok {
		spec.Resources.ActiveTasks = len(m.assigned)
		m.spec = spec
		m.lastHeartbeat = now
		p.publishLocked()
		return nil
	}

	spec.Resources.ActiveTasks = 0
	p.members[spec.Name] = &member{
		spec:          spec,
		healthy:       true,
		successRate:   1,
		lastHeartbeat: now,
		registeredAt:  now,
		assigned:      make(map[string]struct{}),
		breaker:       resilience.NewBreaker(p.cfg.Name+"."+spec.Name, p.cfg.Breaker),
	}
	p.order = append(p.order, spec.Name)
	p.logger.Info("member registered",
		slog.String("member", spec.Name),
		slog.Int("max_concurrent", p.maxConcurrent(spec.Capabilities)),
	)
	p.publishLocked()
	return nil
}

// Remove drops a member and returns the tasks it was holding.
func (p *Pool) Remove(name string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.members[name]
	if !ok {
		return nil, ErrMemberNotFound
	}
	tasks := m.taskIDs()
	p.removeLocked(name)
	p.publishLocked()
	return tasks, nil
}

func (p *Pool) removeLocked(name string) {
	delete(p.members, name)
	for i, n := range p.order {
		if n == name {
			p.order = append(p.order[:i], p.order[i+1:]...)
			if p.rrNext > i {
				p.rrNext--
			}
			break
		}
	}
	metrics.PoolMemberLoad.DeleteLabelValues(p.cfg.Name, name)
}

// UpdateStats records externally measured load and health. A member marked
// unhealthy by its breaker is not restored by stats alone; it needs a
// successful probe.
func (p *Pool) UpdateStats(name string, stats Stats) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.members[name]
	if !ok {
		return ErrMemberNotFound
	}
	if stats.Load < 0 {
		stats.Load = 0
	}
	m.reportedLoad = stats.Load
	m.successRate = stats.SuccessRate
	m.avgLatency = stats.AvgLatency
	switch {
	case !stats.Healthy:
		m.healthy = false
	case m.breaker.State() == resilience.StateClosed:
		m.healthy = true
	}
	p.publishLocked()
	return nil
}

// Heartbeat records liveness and resource usage. The reported active task
// count is ignored: the pool's own assignment set is authoritative. A
// heartbeat from an unhealthy member counts as a probe once its breaker
// admits one.
func (p *Pool) Heartbeat(name string, res types.Resources) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.members[name]
	if !ok {
		return ErrMemberNotFound
	}
	res.ActiveTasks = len(m.assigned)
	m.spec.Resources = res
	m.lastHeartbeat = p.now()
	if !m.healthy && m.breaker.Allow() {
		m.breaker.RecordSuccess()
		m.healthy = true
		p.logger.Info("member recovered", slog.String("member", name))
	}
	p.publishLocked()
	return nil
}

// Drain stops new selections for a member while it finishes its work.
func (p *Pool) Drain(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.members[name]
	if !ok {
		return ErrMemberNotFound
	}
	m.draining = true
	p.publishLocked()
	return nil
}

// Select picks the best eligible member for c. The boolean is false when no
// member is eligible; that is backpressure, not an error.
func (p *Pool) Select(c Criteria) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.selectLocked(c)
	if m == nil {
		return "", false
	}
	return m.spec.Name, true
}

// Acquire selects a member for taskID and records the assignment in the same
// critical section, so concurrent callers cannot oversubscribe a member. A
// task already held by any member is refused, so a successful Acquire always
// owns the slot it took.
func (p *Pool) Acquire(c Criteria, taskID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.members {
		if _, held := m.assigned[taskID]; held {
			return "", false
		}
	}
	m := p.selectLocked(c)
	if m == nil {
		return "", false
	}
	m.assigned[taskID] = struct{}{}
	m.spec.Resources.ActiveTasks = len(m.assigned)
	p.publishLocked()
	return m.spec.Name, true
}

// Release frees the slot taskID held on a member. It reports whether the
// task was assigned there.
func (p *Pool) Release(name, taskID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.members[name]
	if !ok {
		return false
	}
	if _, held := m.assigned[taskID]; !held {
		return false
	}
	delete(m.assigned, taskID)
	m.spec.Resources.ActiveTasks = len(m.assigned)
	p.publishLocked()
	return true
}

// RecordSuccess reports a successful call to or probe of a member.
func (p *Pool) RecordSuccess(name string) {
	p.record(name, nil, 0, false)
}

// RecordFailure reports a failed call to or probe of a member. Once its
// breaker opens the member is marked unhealthy.
func (p *Pool) RecordFailure(name string, err error) {
	if err == nil {
		err = errors.New("unspecified failure")
	}
	p.record(name, err, 0, false)
}

// ReportResult records the outcome and latency of one call to a member and
// updates its rolling success rate and latency.
func (p *Pool) ReportResult(name string, err error, latency time.Duration) error {
	p.mu.Lock()
	_, ok := p.members[name]
	p.mu.Unlock()
	if !ok {
		return ErrMemberNotFound
	}
	p.record(name, err, latency, false)
	return nil
}

// recordProbe reports the outcome of a probe admitted by probeTargets.
func (p *Pool) recordProbe(name string, err error, latency time.Duration) {
	p.record(name, err, latency, true)
}

const ewmaWeight = 0.2

// record applies a call outcome. A success only restores an unhealthy member
// when it is the admitted half-open probe.
func (p *Pool) record(name string, err error, latency time.Duration, probe bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.members[name]
	if !ok {
		return
	}

	m.totalRequests++
	outcome := 1.0
	if err != nil {
		m.failedRequests++
		outcome = 0
	}
	m.successRate = (1-ewmaWeight)*m.successRate + ewmaWeight*outcome
	if latency > 0 {
		if m.avgLatency == 0 {
			m.avgLatency = latency
		} else {
			m.avgLatency = time.Duration((1-ewmaWeight)*float64(m.avgLatency) + ewmaWeight*float64(latency))
		}
	}

	if err == nil {
		switch {
		case m.healthy:
			m.breaker.RecordSuccess()
		case probe || m.breaker.Allow():
			m.breaker.RecordSuccess()
			m.healthy = true
			p.logger.Info("member recovered", slog.String("member", name))
		}
	} else {
		m.breaker.RecordFailure()
		if m.healthy && m.breaker.State() == resilience.StateOpen {
			m.healthy = false
			p.logger.Warn("member marked unhealthy",
				slog.String("member", name),
				slog.Int("consecutive_failures", m.breaker.ConsecutiveFailures()),
				slog.String("error", err.Error()),
			)
		}
	}
	p.publishLocked()
}

// Prune removes members whose last heartbeat is older than MaxAge.
func (p *Pool) Prune(now time.Time) []Removed {
	if p.cfg.MaxAge <= 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	var removed []Removed
	for _, name := range append([]string(nil), p.order...) {
		m := p.members[name]
		if now.Sub(m.lastHeartbeat) <= p.cfg.MaxAge {
			continue
		}
		removed = append(removed, Removed{Name: name, Tasks: m.taskIDs()})
		p.removeLocked(name)
		p.logger.Warn("stale member pruned",
			slog.String("member", name),
			slog.Time("last_heartbeat", m.lastHeartbeat),
		)
	}
	if len(removed) > 0 {
		p.publishLocked()
	}
	return removed
}

// Get returns a snapshot of one member.
func (p *Pool) Get(name string) (Member, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.members[name]
	if !ok {
		return Member{}, false
	}
	return p.viewLocked(m), true
}

// Snapshot returns every member in registration order.
func (p *Pool) Snapshot() []Member {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Member, 0, len(p.order))
	for _, name := range p.order {
		out = append(out, p.viewLocked(p.members[name]))
	}
	return out
}

// Available returns members that could take any work right now.
func (p *Pool) Available() []Member {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Member
	for _, name := range p.order {
		m := p.members[name]
		if p.availableLocked(m) {
			out = append(out, p.viewLocked(m))
		}
	}
	return out
}

// Len returns the number of members.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.members)
}

// probeTargets returns members with an address whose breaker admits a call.
// For an open breaker past its recovery timeout this claims the single
// half-open probe, so the caller must report the outcome.
func (p *Pool) probeTargets() []Member {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Member
	for _, name := range p.order {
		m := p.members[name]
		if m.spec.Address == "" || m.draining {
			continue
		}
		if m.breaker.Allow() {
			out = append(out, p.viewLocked(m))
		}
	}
	return out
}

func (p *Pool) maxConcurrent(c types.Capabilities) int {
	if c.MaxConcurrentTasks > 0 {
		return c.MaxConcurrentTasks
	}
	return p.cfg.DefaultMaxConcurrent
}

func (p *Pool) load(m *member) int {
	return len(m.assigned) + m.reportedLoad
}

func (p *Pool) availableLocked(m *member) bool {
	return m.healthy && !m.draining && p.load(m) < p.maxConcurrent(m.spec.Capabilities)
}

func (p *Pool) statusLocked(m *member) types.MemberStatus {
	load, max := p.load(m), p.maxConcurrent(m.spec.Capabilities)
	switch {
	case m.draining:
		return types.MemberStatusDraining
	case !m.healthy:
		return types.MemberStatusUnhealthy
	case load >= max:
		return types.MemberStatusOverloaded
	case load > 0:
		return types.MemberStatusBusy
	default:
		return types.MemberStatusHealthy
	}
}

func (p *Pool) viewLocked(m *member) Member {
	max := p.maxConcurrent(m.spec.Capabilities)
	res := m.spec.Resources
	res.ActiveTasks = len(m.assigned)
	scored := res
	scored.ActiveTasks = p.load(m)
	errRate := 0.0
	if m.totalRequests > 0 {
		errRate = float64(m.failedRequests) / float64(m.totalRequests)
	}
	return Member{
		Name:                m.spec.Name,
		Address:             m.spec.Address,
		Capabilities:        m.spec.Capabilities,
		Resources:           res,
		Status:              p.statusLocked(m),
		Healthy:             m.healthy,
		Load:                p.load(m),
		MaxConcurrent:       max,
		LoadScore:           LoadScore(scored, max),
		ConsecutiveFailures: m.breaker.ConsecutiveFailures(),
		SuccessRate:         m.successRate,
		ErrorRate:           errRate,
		AvgLatency:          m.avgLatency,
		Breaker:             m.breaker.State().String(),
		AssignedTasks:       m.taskIDs(),
		LastHeartbeat:       m.lastHeartbeat,
		RegisteredAt:        m.registeredAt,
	}
}

var memberStatuses = []types.MemberStatus{
	types.MemberStatusHealthy,
	types.MemberStatusBusy,
	types.MemberStatusOverloaded,
	types.MemberStatusUnhealthy,
	types.MemberStatusDraining,
}

func (p *Pool) publishLocked() {
	counts := make(map[types.MemberStatus]int, len(memberStatuses))
	for _, name := range p.order {
		m := p.members[name]
		counts[p.statusLocked(m)]++
		max := p.maxConcurrent(m.spec.Capabilities)
		res := m.spec.Resources
		res.ActiveTasks = p.load(m)
		metrics.PoolMemberLoad.WithLabelValues(p.cfg.Name, name).Set(LoadScore(res, max))
	}
	for _, s := range memberStatuses {
		metrics.PoolMembers.WithLabelValues(p.cfg.Name, string(s)).Set(float64(counts[s]))
	}
}

func (m *member) taskIDs() []string {
	if len(m.assigned) == 0 {
		return nil
	}
	ids := make([]string, 0, len(m.assigned))
	for id := range m.assigned {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Registry holds the pools of one process, keyed by name.
type Registry struct {
	mu    sync.RWMutex
	pools map[string]*Pool
	order []string
}

// NewRegistry creates a registry holding pools.
func NewRegistry(pools ...*Pool) *Registry {
	r := &Registry{pools: make(map[string]*Pool)}
	for _, p := range pools {
		r.Add(p)
	}
	return r
}

// Add registers p under its name, replacing any pool of the same name.
func (r *Registry) Add(p *Pool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pools[p.Name()]; !ok {
		r.order = append(r.order, p.Name())
	}
	r.pools[p.Name()] = p
}

// Get returns the pool called name.
func (r *Registry) Get(name string) (*Pool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pools[name]
	return p, ok
}

// All returns every pool in the order they were added.
func (r *Registry) All() []*Pool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Pool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.pools[name])
	}
	return out
}
