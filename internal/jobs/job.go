// Package jobs is the process-wide registry of long-running background jobs.
//
// Every externally visible operation (a decomposition run, an export, a batch
// submit) is tracked as a Job with status, progress, and a result envelope.
// Clients poll through GetJobRateLimited, which also tells them how long to
// wait before asking again.
package jobs

import (
	"time"

	"vibe/internal/shared/jsonx"
)

// Status represents the lifecycle state of a background job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	// StatusFailed marks an agent-visible task failure.
	StatusFailed Status = "failed"
	// StatusError marks an engine-level fault.
	StatusError Status = "error"
)

var validStatuses = map[Status]bool{
	StatusPending:   true,
	StatusRunning:   true,
	StatusCompleted: true,
	StatusFailed:    true,
	StatusError:     true,
}

// IsValid returns true if the status is one of the recognized values.
func (s Status) IsValid() bool {
	return validStatuses[s]
}

// IsTerminal reports whether the status is a final state. A terminal job's
// status and result never mutate again.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusError:
		return true
	default:
		return false
	}
}

// ResultEnvelope is the job outcome kept until the job is purged or evicted.
type ResultEnvelope struct {
	Success  bool             `json:"success"`
	Output   jsonx.RawMessage `json:"output,omitempty"`
	Error    string           `json:"error,omitempty"`
	Metadata map[string]any   `json:"metadata,omitempty"`
}

// Job is one tracked background operation.
type Job struct {
	ID       string           `json:"id"`
	ToolName string           `json:"tool_name"`
	Params   jsonx.RawMessage `json:"params,omitempty"`
	Status   Status           `json:"status"`
	// Progress is in [0,100] and monotonically non-decreasing until terminal.
	Progress   int             `json:"progress"`
	Message    string          `json:"message,omitempty"`
	Result     *ResultEnvelope `json:"result,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	AccessedAt time.Time       `json:"accessed_at"`
}

// PollHint is the rate-limited view handed to polling clients.
type PollHint struct {
	Job             Job `json:"job"`
	SuggestedWaitMs int `json:"suggested_wait_ms"`
}

// suggestedWait computes the adaptive polling interval from job state.
// Push-capable transports force the wait to zero upstream.
func suggestedWait(status Status, progress int) time.Duration {
	if status.IsTerminal() {
		return 0
	}
	if status == StatusPending {
		return 1000 * time.Millisecond
	}
	switch {
	case progress < 50:
		return 800 * time.Millisecond
	case progress < 80:
		return 500 * time.Millisecond
	default:
		return 200 * time.Millisecond
	}
}
