package execution

import (
	"time"

	"vibe/internal/ids"
	"vibe/internal/shared/jsonx"
)

// ExecStatus is the lifecycle state of one task execution.
type ExecStatus string

const (
	ExecQueued     ExecStatus = "queued"
	ExecDispatched ExecStatus = "dispatched"
	ExecRunning    ExecStatus = "running"
	ExecCompleted  ExecStatus = "completed"
	ExecCancelled  ExecStatus = "cancelled"
	ExecTimedOut   ExecStatus = "timed_out"
)

// IsTerminal reports whether the status is final.
func (s ExecStatus) IsTerminal() bool {
	switch s {
	case ExecCompleted, ExecCancelled, ExecTimedOut:
		return true
	default:
		return false
	}
}

// canTransition encodes the legal state machine: queued -> dispatched ->
// running -> terminal, with cancel allowed from any non-terminal state.
func (s ExecStatus) canTransition(next ExecStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if next == ExecCancelled {
		return true
	}
	switch s {
	case ExecQueued:
		return next == ExecDispatched
	case ExecDispatched:
		return next == ExecRunning || next == ExecCompleted || next == ExecTimedOut
	case ExecRunning:
		return next == ExecCompleted || next == ExecTimedOut
	default:
		return false
	}
}

// Result is the outcome envelope of a finished execution.
type Result struct {
	Success  bool             `json:"success"`
	Output   jsonx.RawMessage `json:"output,omitempty"`
	Error    string           `json:"error,omitempty"`
	Metadata map[string]any   `json:"metadata,omitempty"`
}

// TaskExecution is one scheduled attempt to run a task on an agent. The
// engine holds the authoritative copy; snapshots are handed out by value.
type TaskExecution struct {
	ID      ids.ExecutionID `json:"id"`
	TaskID  ids.TaskID      `json:"task_id"`
	AgentID ids.AgentID     `json:"agent_id,omitempty"`
	Status  ExecStatus      `json:"status"`
	// Priority is copied from the task so the queue can order without a
	// storage round-trip.
	Priority             string    `json:"priority"`
	RequiredCapabilities []string  `json:"required_capabilities,omitempty"`
	ScheduledAt          time.Time `json:"scheduled_at"`
	DispatchedAt         time.Time `json:"dispatched_at,omitempty"`
	CompletedAt          time.Time `json:"completed_at,omitempty"`
	Result               *Result   `json:"result,omitempty"`
	// RetryOf links a re-queued execution to the attempt it replaces.
	RetryOf ids.ExecutionID `json:"retry_of,omitempty"`
	// cancelRequested records a cancel that arrived after dispatch; the
	// execution finalizes as cancelled on the next reply or watchdog tick.
	cancelRequested bool
}

// Statistics is the aggregate view returned by GetExecutionStatistics.
type Statistics struct {
	ByStatus       map[ExecStatus]int `json:"by_status"`
	QueueDepth     int                `json:"queue_depth"`
	Agents         int                `json:"agents"`
	TotalSubmitted int64              `json:"total_submitted"`
	TotalCompleted int64              `json:"total_completed"`
	TotalTimedOut  int64              `json:"total_timed_out"`
	TotalCancelled int64              `json:"total_cancelled"`
	AverageRunTime time.Duration      `json:"average_run_time"`
}
