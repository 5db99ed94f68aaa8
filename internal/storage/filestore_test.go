package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vibe/internal/domain"
	"vibe/internal/shared/jsonx"
	"vibe/internal/verr"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(t.TempDir(), nil, nil)
	require.NoError(t, err)
	return store
}

func testProject(id string) domain.Project {
	return domain.Project{
		ID:     id,
		Name:   "Webshop",
		Status: domain.StatusPending,
	}
}

func testEpic(id, projectID string) domain.Epic {
	return domain.Epic{
		ID:             id,
		ProjectID:      projectID,
		Title:          "Authentication",
		FunctionalArea: domain.AreaAuthentication,
		Status:         domain.StatusPending,
	}
}

func testTask(id, epicID string) domain.AtomicTask {
	now := time.Now()
	return domain.AtomicTask{
		ID:                 id,
		Title:              "Add password hash helper",
		Type:               domain.TaskTypeDevelopment,
		Priority:           domain.PriorityMedium,
		Status:             domain.StatusPending,
		EstimatedHours:     0.15,
		FunctionalArea:     domain.AreaAuthentication,
		EpicID:             epicID,
		ProjectID:          "proj_1",
		AcceptanceCriteria: []string{"helper hashes with bcrypt"},
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

func TestProjectRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p := testProject("proj_1")
	p.Description = "online shop backend"
	p.TechStack = []string{"go", "postgres"}
	require.NoError(t, store.CreateProject(ctx, p))

	got, err := store.GetProject(ctx, "proj_1")
	require.NoError(t, err)
	assert.Equal(t, p.Name, got.Name)
	assert.Equal(t, p.TechStack, got.TechStack)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestGetUnknownEntity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetProject(ctx, "proj_missing")
	assert.True(t, verr.IsKind(err, verr.KindUnknownTask))

	_, err = store.GetTask(ctx, "task_missing")
	assert.True(t, verr.IsKind(err, verr.KindUnknownTask))
}

func TestUpdateRequiresExistingEntity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.UpdateProject(ctx, testProject("proj_ghost"))
	assert.True(t, verr.IsKind(err, verr.KindUnknownTask))

	err = store.UpdateTask(ctx, testTask("task_ghost", "epic_auth_1"))
	assert.True(t, verr.IsKind(err, verr.KindUnknownTask))
}

func TestCreateRejectsInvalidEntities(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.CreateProject(ctx, domain.Project{ID: "proj_1"})
	assert.True(t, verr.IsKind(err, verr.KindValidation))

	task := testTask("task_1", "epic_auth_1")
	task.Title = ""
	err = store.CreateTask(ctx, task)
	assert.True(t, verr.IsKind(err, verr.KindValidation))
}

func TestEpicRequiresProject(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.CreateEpic(ctx, testEpic("epic_auth_1", "proj_missing"))
	assert.True(t, verr.IsKind(err, verr.KindUnknownTask))
}

func TestDeleteProjectCascades(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateProject(ctx, testProject("proj_1")))
	require.NoError(t, store.CreateEpic(ctx, testEpic("epic_auth_1", "proj_1")))
	require.NoError(t, store.CreateTask(ctx, testTask("task_1", "epic_auth_1")))
	require.NoError(t, store.CreateTask(ctx, testTask("task_2", "epic_auth_1")))

	require.NoError(t, store.DeleteProject(ctx, "proj_1"))

	_, err := store.GetProject(ctx, "proj_1")
	assert.True(t, verr.IsKind(err, verr.KindUnknownTask))
	_, err = store.GetEpic(ctx, "epic_auth_1")
	assert.True(t, verr.IsKind(err, verr.KindUnknownTask))
	_, err = store.GetTask(ctx, "task_1")
	assert.True(t, verr.IsKind(err, verr.KindUnknownTask))
	_, err = store.GetTask(ctx, "task_2")
	assert.True(t, verr.IsKind(err, verr.KindUnknownTask))
}

func TestTasksByEpicAndStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateProject(ctx, testProject("proj_1")))
	require.NoError(t, store.CreateEpic(ctx, testEpic("epic_auth_1", "proj_1")))

	done := testTask("task_1", "epic_auth_1")
	done.Status = domain.StatusCompleted
	now := time.Now()
	done.CompletedAt = &now
	done.ActualHours = 0.1
	require.NoError(t, store.CreateTask(ctx, done))
	require.NoError(t, store.CreateTask(ctx, testTask("task_2", "epic_auth_1")))
	require.NoError(t, store.CreateTask(ctx, testTask("task_3", "epic_other_1")))

	byEpic, err := store.TasksByEpic(ctx, "epic_auth_1")
	require.NoError(t, err)
	assert.Len(t, byEpic, 2)

	pending, err := store.TasksByStatus(ctx, domain.StatusPending)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	completed, err := store.TasksByStatus(ctx, domain.StatusCompleted)
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, "task_1", completed[0].ID)
}

func TestSearchProjects(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	shop := testProject("proj_1")
	shop.Name = "Webshop"
	shop.Description = "checkout and payments"
	require.NoError(t, store.CreateProject(ctx, shop))

	blog := testProject("proj_2")
	blog.Name = "Blog"
	require.NoError(t, store.CreateProject(ctx, blog))

	hits, err := store.SearchProjects(ctx, "payment")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "proj_1", hits[0].ID)

	all, err := store.SearchProjects(ctx, "  ")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestCorruptEntityFileYieldsParseError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	path := filepath.Join(store.Root(), "tasks", "task_bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := store.GetTask(ctx, "task_bad")
	require.Error(t, err)
	assert.True(t, verr.IsKind(err, verr.KindParse))

	// Listing skips the corrupt entry instead of failing the whole scan.
	tasks, err := store.TasksByStatus(ctx, domain.StatusPending)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestWritesRebuildIndex(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateProject(ctx, testProject("proj_b")))
	require.NoError(t, store.CreateProject(ctx, testProject("proj_a")))

	data, err := os.ReadFile(filepath.Join(store.Root(), "projects-index.json"))
	require.NoError(t, err)

	var index struct {
		Kind string   `json:"kind"`
		IDs  []string `json:"ids"`
	}
	require.NoError(t, jsonx.Unmarshal(data, &index))
	assert.Equal(t, "projects", index.Kind)
	assert.Equal(t, []string{"proj_a", "proj_b"}, index.IDs)
}

func TestCancelledContextShortCircuits(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := store.CreateProject(ctx, testProject("proj_1"))
	assert.True(t, verr.IsKind(err, verr.KindCancelled))

	_, err = store.ListProjects(ctx)
	assert.True(t, verr.IsKind(err, verr.KindCancelled))
}

func TestOperationTimeoutSurfacesAsTimeout(t *testing.T) {
	store := newTestStore(t)
	store.SetOperationTimeout(time.Nanosecond)

	err := store.CreateProject(context.Background(), testProject("proj_1"))
	require.Error(t, err)
	assert.True(t, verr.IsKind(err, verr.KindTimeout), "got %v", err)

	// A realistic budget leaves local file operations untouched.
	store.SetOperationTimeout(time.Minute)
	require.NoError(t, store.CreateProject(context.Background(), testProject("proj_2")))
}
