// Package decompose implements recursive task decomposition: a coarse request
// becomes a bounded tree of atomic tasks grouped into functional-area epics.
package decompose

import (
	"time"

	"vibe/internal/domain"
)

// ProjectContext carries what the engine knows about the surrounding project
// when judging a task.
type ProjectContext struct {
	ProjectID  string   `json:"project_id"`
	TotalFiles int      `json:"total_files"`
	// AvgRelevance scores how well the known files match the task, in [0,1].
	AvgRelevance float64  `json:"avg_relevance"`
	Languages    []string `json:"languages,omitempty"`
	Frameworks   []string `json:"frameworks,omitempty"`
	// ResearchNotes accumulates context gathered by research passes.
	ResearchNotes []string `json:"research_notes,omitempty"`
}

// Draft is a candidate task flowing through the decomposition tree. Leaves
// that pass the atomicity check are persisted as domain.AtomicTask records.
type Draft struct {
	Title              string                `json:"title"`
	Description        string                `json:"description"`
	Type               domain.TaskType       `json:"type"`
	Priority           domain.Priority       `json:"priority"`
	EstimatedHours     float64               `json:"estimated_hours"`
	FunctionalArea     domain.FunctionalArea `json:"functional_area"`
	AcceptanceCriteria []string              `json:"acceptance_criteria"`
	FilePaths          []string              `json:"file_paths,omitempty"`
	DependencyIDs      []string              `json:"dependency_ids,omitempty"`
}

// SessionStatus represents the lifecycle state of a decomposition session.
type SessionStatus string

const (
	SessionPending    SessionStatus = "pending"
	SessionInProgress SessionStatus = "in_progress"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
	// SessionCancelled is reserved; a cancelled run is reported as failed
	// with the cancel reason in Error.
	SessionCancelled SessionStatus = "cancelled"
)

// IsTerminal reports whether the session reached a final state.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionCancelled:
		return true
	default:
		return false
	}
}

// NodeResult records the atomicity decision for one visited node.
type NodeResult struct {
	Title      string  `json:"title"`
	Depth      int     `json:"depth"`
	IsAtomic   bool    `json:"is_atomic"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

// Session is one run of the decomposition engine.
type Session struct {
	ID         string        `json:"id"`
	ProjectID  string        `json:"project_id"`
	RootTaskID string        `json:"root_task_id"`
	JobID      string        `json:"job_id"`
	Status     SessionStatus `json:"status"`
	// Partial marks a session that hit the leaf or wall-clock cap and
	// returned what it had discovered so far.
	Partial          bool         `json:"partial,omitempty"`
	CurrentDepth     int          `json:"current_depth"`
	TotalTasks       int          `json:"total_tasks"`
	ProcessedTasks   int          `json:"processed_tasks"`
	NodeResults      []NodeResult `json:"node_results,omitempty"`
	PersistedTaskIDs []string     `json:"persisted_task_ids,omitempty"`
	Error            string       `json:"error,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}
