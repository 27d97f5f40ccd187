package pool

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/leifmarkthaler/gleitzeit-sub000/pkg/types"
)

// Strategy names a selection policy.
type Strategy string

const (
	RoundRobin      Strategy = "round_robin"
	LeastLoaded     Strategy = "least_loaded"
	FastestResponse Strategy = "fastest_response"
	Affinity        Strategy = "affinity"
)

// ParseStrategy accepts the configuration spelling of a strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")) {
	case RoundRobin:
		return RoundRobin, nil
	case LeastLoaded, "":
		return LeastLoaded, nil
	case FastestResponse:
		return FastestResponse, nil
	case Affinity:
		return Affinity, nil
	default:
		return "", fmt.Errorf("unknown pool strategy %q", s)
	}
}

// Load score weights. Lower scores are preferred.
const (
	taskWeight = 0.4
	cpuWeight  = 0.3
	memWeight  = 0.2
	gpuWeight  = 0.1
)

// LoadScore combines task occupancy and resource usage into one figure in
// [0, 1]. Each fraction is clamped before weighting; a member without a GPU
// contributes nothing for it.
func LoadScore(res types.Resources, maxTasks int) float64 {
	taskFraction := 1.0
	if maxTasks > 0 {
		taskFraction = clamp01(float64(res.ActiveTasks) / float64(maxTasks))
	}
	gpu := 0.0
	if res.GPUPercent != nil {
		gpu = clamp01(*res.GPUPercent / 100)
	}
	return taskWeight*taskFraction +
		cpuWeight*clamp01(res.CPUPercent/100) +
		memWeight*clamp01(res.MemoryPercent/100) +
		gpuWeight*gpu
}

func clamp01(v float64) float64 {
	switch {
	case v < 0 || math.IsNaN(v):
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// eligibleLocked reports whether m can take a request matching c.
func (p *Pool) eligibleLocked(m *member, c Criteria) bool {
	if !p.availableLocked(m) || slices.Contains(c.Exclude, m.spec.Name) {
		return false
	}
	caps := &m.spec.Capabilities
	if !caps.Supports(c.TaskType) {
		return false
	}
	return containsAll(caps.Models, c.Models) && containsAll(caps.Tags, c.RequiredTags)
}

func (p *Pool) selectLocked(c Criteria) *member {
	candidates := make([]*member, 0, len(p.order))
	for _, name := range p.order {
		if m := p.members[name]; p.eligibleLocked(m, c) {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	switch p.cfg.Strategy {
	case RoundRobin:
		return p.roundRobinLocked(c)
	case FastestResponse:
		return p.fastest(candidates)
	case Affinity:
		if preferred := withTags(candidates, c.PreferredTags); len(preferred) > 0 {
			return p.leastLoaded(preferred)
		}
		return p.leastLoaded(candidates)
	default:
		return p.leastLoaded(candidates)
	}
}

// roundRobinLocked walks registration order from the cursor and takes the
// first eligible member.
func (p *Pool) roundRobinLocked(c Criteria) *member {
	n := len(p.order)
	for i := 0; i < n; i++ {
		idx := (p.rrNext + i) % n
		m := p.members[p.order[idx]]
		if p.eligibleLocked(m, c) {
			p.rrNext = (idx + 1) % n
			return m
		}
	}
	return nil
}

func (p *Pool) leastLoaded(candidates []*member) *member {
	var best *member
	bestScore := 0.0
	for _, m := range candidates {
		score := p.score(m)
		if best == nil || score < bestScore {
			best, bestScore = m, score
		}
	}
	return best
}

func (p *Pool) fastest(candidates []*member) *member {
	var best *member
	for _, m := range candidates {
		switch {
		case best == nil:
			best = m
		case m.avgLatency < best.avgLatency:
			best = m
		case m.avgLatency == best.avgLatency && p.score(m) < p.score(best):
			best = m
		}
	}
	return best
}

func (p *Pool) score(m *member) float64 {
	max := p.maxConcurrent(m.spec.Capabilities)
	if p.cfg.WeightedLoad {
		res := m.spec.Resources
		res.ActiveTasks = p.load(m)
		return LoadScore(res, max)
	}
	return float64(p.load(m)) / float64(max)
}

func withTags(candidates []*member, tags []string) []*member {
	if len(tags) == 0 {
		return nil
	}
	var out []*member
	for _, m := range candidates {
		if containsAll(m.spec.Capabilities.Tags, tags) {
			out = append(out, m)
		}
	}
	return out
}

func containsAll(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, h := range have {
		set[h] = struct{}{}
	}
	for _, w := range want {
		if _, ok := set[w]; !ok {
			return false
		}
	}
	return true
}
