package domain

import (
	"fmt"
	"time"

	"vibe/internal/shared/jsonx"
)

// Project is the root of the ownership tree. It exclusively owns its epics;
// deleting a project cascades to epics and their tasks.
type Project struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Status      Status           `json:"status"`
	EpicIDs     []string         `json:"epic_ids"`
	TechStack   []string         `json:"tech_stack,omitempty"`
	Config      jsonx.RawMessage `json:"config,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Validate checks that the project has the minimum required fields.
func (p *Project) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("project: id is required")
	}
	if p.Name == "" {
		return fmt.Errorf("project: name is required")
	}
	if !p.Status.IsValid() {
		return fmt.Errorf("project: invalid status %q", p.Status)
	}
	return nil
}

// Epic groups atomic tasks of one functional area within a project.
type Epic struct {
	ID             string         `json:"id"`
	ProjectID      string         `json:"project_id"`
	Title          string         `json:"title"`
	FunctionalArea FunctionalArea `json:"functional_area"`
	Status         Status         `json:"status"`
	TaskIDs        []string       `json:"task_ids"`
	// DependsOn references other epics within the same project.
	DependsOn []string  `json:"depends_on,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks that the epic has the minimum required fields.
func (e *Epic) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("epic: id is required")
	}
	if e.ProjectID == "" {
		return fmt.Errorf("epic: project_id is required")
	}
	if e.Title == "" {
		return fmt.Errorf("epic: title is required")
	}
	if !e.Status.IsValid() {
		return fmt.Errorf("epic: invalid status %q", e.Status)
	}
	if IsForbiddenEpicID(e.ID) {
		return fmt.Errorf("epic: id %q is a forbidden placeholder", e.ID)
	}
	return nil
}
