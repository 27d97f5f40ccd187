package types

// Capabilities is the declaration an executor or service endpoint makes on
// registration. It is the sole input to capability matching.
type Capabilities struct {
	TaskTypes          []TaskType `json:"task_types"`
	Models             []string   `json:"models,omitempty"`
	MaxConcurrentTasks int        `json:"max_concurrent_tasks"`
	GPU                bool       `json:"gpu,omitempty"`
	Tags               []string   `json:"tags,omitempty"`
}

// Supports reports whether kind is among the declared task types. An empty
// declaration supports every kind.
func (c *Capabilities) Supports(kind TaskType) bool {
	if kind == "" || len(c.TaskTypes) == 0 {
		return true
	}
	for _, t := range c.TaskTypes {
		if t == kind {
			return true
		}
	}
	return false
}

// Resources is the live utilisation reported by a member.
type Resources struct {
	CPUPercent    float64  `json:"cpu_percent"`
	MemoryPercent float64  `json:"memory_percent"`
	GPUPercent    *float64 `json:"gpu_percent,omitempty"`
	ActiveTasks   int      `json:"active_tasks"`
}

// MemberStatus is the coarse lifecycle state of a pool member.
type MemberStatus string

const (
	MemberStatusStarting   MemberStatus = "starting"
	MemberStatusHealthy    MemberStatus = "healthy"
	MemberStatusBusy       MemberStatus = "busy"
	MemberStatusOverloaded MemberStatus = "overloaded"
	MemberStatusUnhealthy  MemberStatus = "unhealthy"
	MemberStatusOffline    MemberStatus = "offline"
	MemberStatusDraining   MemberStatus = "draining"
)
