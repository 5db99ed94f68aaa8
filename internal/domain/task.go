package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"vibe/internal/shared/jsonx"
)

// MaxAtomicHours is the upper bound for an atomic task's estimate (~10 min).
const MaxAtomicHours = 0.17

// TaskType categorizes the work an atomic task represents.
type TaskType string

const (
	TaskTypeDevelopment   TaskType = "development"
	TaskTypeTesting       TaskType = "testing"
	TaskTypeDocumentation TaskType = "documentation"
	TaskTypeResearch      TaskType = "research"
	TaskTypeDeployment    TaskType = "deployment"
	TaskTypeReview        TaskType = "review"
)

var validTaskTypes = map[TaskType]bool{
	TaskTypeDevelopment:   true,
	TaskTypeTesting:       true,
	TaskTypeDocumentation: true,
	TaskTypeResearch:      true,
	TaskTypeDeployment:    true,
	TaskTypeReview:        true,
}

// IsValid returns true if the task type is one of the recognized values.
func (t TaskType) IsValid() bool {
	return validTaskTypes[t]
}

// Priority orders queued tasks for dispatch.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank maps a priority to a comparable weight; higher dispatches first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 0
	default:
		return -1
	}
}

// IsValid returns true if the priority is one of the recognized values.
func (p Priority) IsValid() bool {
	return p.Rank() >= 0
}

// FunctionalArea is the closed vocabulary epics are derived from. Decomposition
// never produces generic scaffolding buckets; every subtask lands in one of
// these areas.
type FunctionalArea string

const (
	AreaAuthentication    FunctionalArea = "authentication"
	AreaUserManagement    FunctionalArea = "user-management"
	AreaContentManagement FunctionalArea = "content-management"
	AreaDataManagement    FunctionalArea = "data-management"
	AreaIntegration       FunctionalArea = "integration"
	AreaAdmin             FunctionalArea = "admin"
	AreaUIComponents      FunctionalArea = "ui-components"
	AreaPerformance       FunctionalArea = "performance"
	AreaObservability     FunctionalArea = "observability"
	AreaOther             FunctionalArea = "other"
)

// FunctionalAreas lists the closed vocabulary in a stable order.
var FunctionalAreas = []FunctionalArea{
	AreaAuthentication,
	AreaUserManagement,
	AreaContentManagement,
	AreaDataManagement,
	AreaIntegration,
	AreaAdmin,
	AreaUIComponents,
	AreaPerformance,
	AreaObservability,
	AreaOther,
}

// IsValid returns true if the area belongs to the closed vocabulary.
func (a FunctionalArea) IsValid() bool {
	for _, area := range FunctionalAreas {
		if a == area {
			return true
		}
	}
	return false
}

// NormalizeFunctionalArea maps a free-form LLM label onto the closed
// vocabulary, defaulting to AreaOther.
func NormalizeFunctionalArea(raw string) FunctionalArea {
	area := FunctionalArea(strings.ToLower(strings.TrimSpace(raw)))
	if area.IsValid() {
		return area
	}
	// Common aliases the LLM tends to emit.
	switch string(area) {
	case "auth", "login", "security":
		return AreaAuthentication
	case "users", "user", "accounts":
		return AreaUserManagement
	case "content", "cms":
		return AreaContentManagement
	case "data", "database", "storage", "persistence":
		return AreaDataManagement
	case "api", "integrations", "external":
		return AreaIntegration
	case "ui", "frontend", "components":
		return AreaUIComponents
	case "perf", "optimization":
		return AreaPerformance
	case "monitoring", "logging", "metrics":
		return AreaObservability
	default:
		return AreaOther
	}
}

// forbiddenEpicIDs are the auto-increment defaults the scaffolding-epic
// failure mode produced; they must never be assigned.
var forbiddenEpicIDs = map[string]bool{
	"E001":         true,
	"E002":         true,
	"E003":         true,
	"default-epic": true,
}

// IsForbiddenEpicID reports whether id is one of the banned placeholder ids.
func IsForbiddenEpicID(id string) bool {
	return forbiddenEpicIDs[id]
}

var connectiveRe = regexp.MustCompile(`(?i)\b(and|or|then)\b`)

// HasCompoundConnective reports whether a title contains "and", "or", or
// "then" — the signal that a task still bundles multiple pieces of work.
func HasCompoundConnective(title string) bool {
	return connectiveRe.MatchString(title)
}

// CriteriaBlock groups the acceptance-adjacent criteria of an atomic task.
type CriteriaBlock struct {
	Test        []string `json:"test,omitempty"`
	Performance []string `json:"performance,omitempty"`
	Quality     []string `json:"quality,omitempty"`
}

// AtomicTask is a leaf of the decomposition tree: a unit of work small enough
// to hand to a single agent without further splitting.
type AtomicTask struct {
	ID                 string           `json:"id"`
	Title              string           `json:"title"`
	Description        string           `json:"description"`
	Type               TaskType         `json:"type"`
	Priority           Priority         `json:"priority"`
	Status             Status           `json:"status"`
	EstimatedHours     float64          `json:"estimated_hours"`
	ActualHours        float64          `json:"actual_hours,omitempty"`
	FunctionalArea     FunctionalArea   `json:"functional_area"`
	EpicID             string           `json:"epic_id"`
	ProjectID          string           `json:"project_id"`
	FilePaths          []string         `json:"file_paths,omitempty"`
	AcceptanceCriteria []string         `json:"acceptance_criteria"`
	DependencyIDs      []string         `json:"dependency_ids,omitempty"`
	Criteria           CriteriaBlock    `json:"criteria,omitempty"`
	AssignedAgent      string           `json:"assigned_agent,omitempty"`
	ExecutionContext   jsonx.RawMessage `json:"execution_context,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
	CompletedAt        *time.Time       `json:"completed_at,omitempty"`
}

// Validate checks the structural invariants of a task record.
func (t *AtomicTask) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task: id is required")
	}
	if t.Title == "" {
		return fmt.Errorf("task: title is required")
	}
	if !t.Type.IsValid() {
		return fmt.Errorf("task: invalid type %q", t.Type)
	}
	if !t.Priority.IsValid() {
		return fmt.Errorf("task: invalid priority %q", t.Priority)
	}
	if !t.Status.IsValid() {
		return fmt.Errorf("task: invalid status %q", t.Status)
	}
	if t.Status == StatusCompleted {
		if t.CompletedAt == nil {
			return fmt.Errorf("task: completed task requires completed_at")
		}
		if t.ActualHours < 0 {
			return fmt.Errorf("task: completed task requires actual_hours >= 0")
		}
	}
	return nil
}

// ValidateAtomic checks the stricter invariants a true atom must satisfy on
// top of Validate.
func (t *AtomicTask) ValidateAtomic() error {
	if err := t.Validate(); err != nil {
		return err
	}
	if t.EstimatedHours <= 0 || t.EstimatedHours > MaxAtomicHours {
		return fmt.Errorf("task: estimated_hours %.3f outside (0, %.2f]", t.EstimatedHours, MaxAtomicHours)
	}
	if len(t.AcceptanceCriteria) != 1 {
		return fmt.Errorf("task: atom requires exactly one acceptance criterion, got %d", len(t.AcceptanceCriteria))
	}
	if HasCompoundConnective(t.Title) {
		return fmt.Errorf("task: atom title %q contains a compound connective", t.Title)
	}
	if !t.FunctionalArea.IsValid() {
		return fmt.Errorf("task: functional area %q outside vocabulary", t.FunctionalArea)
	}
	if IsForbiddenEpicID(t.EpicID) {
		return fmt.Errorf("task: epic id %q is a forbidden placeholder", t.EpicID)
	}
	return nil
}
