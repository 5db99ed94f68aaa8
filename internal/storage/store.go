// Package storage defines the persistence port for projects, epics, and
// atomic tasks, plus the file-backed reference implementation.
package storage

import (
	"context"

	"vibe/internal/domain"
)

// Store is the persistence contract the decomposition service and execution
// engine depend on. Implementations range from the bundled file store to
// database backends.
type Store interface {
	CreateProject(ctx context.Context, p domain.Project) error
	GetProject(ctx context.Context, id string) (*domain.Project, error)
	UpdateProject(ctx context.Context, p domain.Project) error
	// DeleteProject removes the project and cascades to its epics and tasks.
	DeleteProject(ctx context.Context, id string) error
	ListProjects(ctx context.Context) ([]domain.Project, error)
	ProjectsByStatus(ctx context.Context, status domain.Status) ([]domain.Project, error)
	// SearchProjects matches query against project names and descriptions.
	SearchProjects(ctx context.Context, query string) ([]domain.Project, error)

	CreateEpic(ctx context.Context, e domain.Epic) error
	GetEpic(ctx context.Context, id string) (*domain.Epic, error)
	UpdateEpic(ctx context.Context, e domain.Epic) error
	// DeleteEpic removes the epic and cascades to its tasks.
	DeleteEpic(ctx context.Context, id string) error
	EpicsByProject(ctx context.Context, projectID string) ([]domain.Epic, error)
	EpicsByStatus(ctx context.Context, status domain.Status) ([]domain.Epic, error)

	CreateTask(ctx context.Context, t domain.AtomicTask) error
	GetTask(ctx context.Context, id string) (*domain.AtomicTask, error)
	UpdateTask(ctx context.Context, t domain.AtomicTask) error
	DeleteTask(ctx context.Context, id string) error
	TasksByEpic(ctx context.Context, epicID string) ([]domain.AtomicTask, error)
	TasksByStatus(ctx context.Context, status domain.Status) ([]domain.AtomicTask, error)
}

// PathValidator is the security collaborator consulted before any filesystem
// write outside the store's own layout. A failed validation is a hard
// failure; the engine never retries it.
type PathValidator interface {
	Validate(path string, op string) PathDecision
}

// PathDecision is the validator's verdict on one path operation.
type PathDecision struct {
	OK            bool
	Canonical     string
	ViolationType string
	Error         string
}

// AllowAllValidator accepts every path. It is the default when no validator
// is wired; deployments supply their own whitelist implementation.
type AllowAllValidator struct{}

func (AllowAllValidator) Validate(path string, _ string) PathDecision {
	return PathDecision{OK: true, Canonical: path}
}
