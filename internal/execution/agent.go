// Package execution schedules atomic tasks onto registered agents. The engine
// owns all execution and agent state; external callers mutate it only through
// commands drained by a single loop.
package execution

import (
	"time"

	"vibe/internal/ids"
)

// AgentStatus is the lifecycle state of a registered agent.
type AgentStatus string

const (
	AgentIdle AgentStatus = "idle"
	AgentBusy AgentStatus = "busy"
	// AgentDraining finishes its in-flight work but accepts nothing new.
	AgentDraining AgentStatus = "draining"
	AgentOffline  AgentStatus = "offline"
)

// IsValid returns true if the status is one of the recognized values.
func (s AgentStatus) IsValid() bool {
	switch s {
	case AgentIdle, AgentBusy, AgentDraining, AgentOffline:
		return true
	default:
		return false
	}
}

// schedulable reports whether new work may be dispatched to an agent in this
// state.
func (s AgentStatus) schedulable() bool {
	return s == AgentIdle || s == AgentBusy
}

// Capacity is what an agent declares it can take.
type Capacity struct {
	MaxMemoryMB        int     `json:"max_memory_mb"`
	MaxCPUWeight       float64 `json:"max_cpu_weight"`
	MaxConcurrentTasks int     `json:"max_concurrent_tasks"`
}

// Usage mirrors Capacity with the agent's current consumption. ActiveTasks is
// mutated only by the engine loop.
type Usage struct {
	MemoryMB    int     `json:"memory_mb"`
	CPUWeight   float64 `json:"cpu_weight"`
	ActiveTasks int     `json:"active_tasks"`
}

// AgentMetadata carries the scheduling signals the hybrid policy reads.
type AgentMetadata struct {
	LastHeartbeat        time.Time     `json:"last_heartbeat"`
	TotalTasksExecuted   int64         `json:"total_tasks_executed"`
	AverageExecutionTime time.Duration `json:"average_execution_time"`
	SuccessRate          float64       `json:"success_rate"`
}

// Agent is one registered worker.
type Agent struct {
	ID           ids.AgentID   `json:"id"`
	DisplayName  string        `json:"display_name"`
	Status       AgentStatus   `json:"status"`
	Capabilities []string      `json:"capabilities,omitempty"`
	Capacity     Capacity      `json:"capacity"`
	Usage        Usage         `json:"usage"`
	Metadata     AgentMetadata `json:"metadata"`
}

// hasCapabilities reports whether the agent declares every requested
// capability.
func (a *Agent) hasCapabilities(wanted []string) bool {
	if len(wanted) == 0 {
		return true
	}
	have := make(map[string]bool, len(a.Capabilities))
	for _, c := range a.Capabilities {
		have[c] = true
	}
	for _, w := range wanted {
		if !have[w] {
			return false
		}
	}
	return true
}

// hasHeadroom reports whether the agent can take one more task.
func (a *Agent) hasHeadroom() bool {
	return a.Usage.ActiveTasks < a.Capacity.MaxConcurrentTasks
}
