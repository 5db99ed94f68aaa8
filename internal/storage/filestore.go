package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"vibe/internal/domain"
	"vibe/internal/shared/jsonx"
	"vibe/internal/shared/logging"
	"vibe/internal/verr"
)

const (
	projectsDir = "projects"
	epicsDir    = "epics"
	tasksDir    = "tasks"
)

// FileStore is the JSON-on-disk reference implementation of Store.
//
// Every entity lives in its own file under {root}/{kind}/{id}.json. Writes go
// to a temp path in the same directory and are renamed into place so readers
// never observe a partial document. Mutations on the same id are serialized
// by a per-id lock; contention surfaces as a retryable busy error instead of
// blocking the caller.
type FileStore struct {
	root      string
	validator PathValidator
	logger    logging.Logger
	// opTimeout bounds each file operation. Zero disables the bound.
	opTimeout time.Duration

	locks sync.Map // "kind/id" -> *sync.Mutex
}

// NewFileStore creates the directory layout under root and returns the store.
func NewFileStore(root string, validator PathValidator, logger logging.Logger) (*FileStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, verr.New(verr.KindValidation, "file store root is required")
	}
	if validator == nil {
		validator = AllowAllValidator{}
	}
	for _, dir := range []string{projectsDir, epicsDir, tasksDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("create store dir %s: %w", dir, err)
		}
	}
	return &FileStore{
		root:      root,
		validator: validator,
		logger:    logging.OrNop(logger),
	}, nil
}

// Root returns the base directory of the store layout.
func (s *FileStore) Root() string {
	return s.root
}

// SetOperationTimeout caps every subsequent file operation at d.
func (s *FileStore) SetOperationTimeout(d time.Duration) {
	s.opTimeout = d
}

// opCtx derives the per-operation deadline context.
func (s *FileStore) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithDeadline(ctx, time.Now().Add(s.opTimeout))
}

// ctxKind maps a context error onto the taxonomy: an elapsed deadline is a
// retryable timeout, everything else a cancellation.
func ctxKind(err error) verr.Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return verr.KindTimeout
	}
	return verr.KindCancelled
}

// ---------------------------------------------------------------------------
// Projects
// ---------------------------------------------------------------------------

func (s *FileStore) CreateProject(ctx context.Context, p domain.Project) error {
	if err := p.Validate(); err != nil {
		return verr.Wrap(err, verr.KindValidation, "create project")
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	p.UpdatedAt = time.Now()
	return s.write(ctx, projectsDir, p.ID, p)
}

func (s *FileStore) GetProject(ctx context.Context, id string) (*domain.Project, error) {
	var p domain.Project
	if err := s.read(ctx, projectsDir, id, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *FileStore) UpdateProject(ctx context.Context, p domain.Project) error {
	if err := p.Validate(); err != nil {
		return verr.Wrap(err, verr.KindValidation, "update project")
	}
	if !s.exists(projectsDir, p.ID) {
		return verr.New(verr.KindUnknownTask, "project %s not found", p.ID)
	}
	p.UpdatedAt = time.Now()
	return s.write(ctx, projectsDir, p.ID, p)
}

func (s *FileStore) DeleteProject(ctx context.Context, id string) error {
	epics, err := s.EpicsByProject(ctx, id)
	if err != nil {
		return err
	}
	for _, e := range epics {
		if err := s.DeleteEpic(ctx, e.ID); err != nil {
			return err
		}
	}
	return s.remove(ctx, projectsDir, id)
}

func (s *FileStore) ListProjects(ctx context.Context) ([]domain.Project, error) {
	return readAll[domain.Project](ctx, s, projectsDir)
}

func (s *FileStore) ProjectsByStatus(ctx context.Context, status domain.Status) ([]domain.Project, error) {
	all, err := s.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	var out []domain.Project
	for _, p := range all {
		if p.Status == status {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *FileStore) SearchProjects(ctx context.Context, query string) ([]domain.Project, error) {
	all, err := s.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(strings.TrimSpace(query))
	if needle == "" {
		return all, nil
	}
	var out []domain.Project
	for _, p := range all {
		if strings.Contains(strings.ToLower(p.Name), needle) ||
			strings.Contains(strings.ToLower(p.Description), needle) {
			out = append(out, p)
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Epics
// ---------------------------------------------------------------------------

func (s *FileStore) CreateEpic(ctx context.Context, e domain.Epic) error {
	if err := e.Validate(); err != nil {
		return verr.Wrap(err, verr.KindValidation, "create epic")
	}
	if !s.exists(projectsDir, e.ProjectID) {
		return verr.New(verr.KindUnknownTask, "epic %s references missing project %s", e.ID, e.ProjectID)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.UpdatedAt = time.Now()
	return s.write(ctx, epicsDir, e.ID, e)
}

func (s *FileStore) GetEpic(ctx context.Context, id string) (*domain.Epic, error) {
	var e domain.Epic
	if err := s.read(ctx, epicsDir, id, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *FileStore) UpdateEpic(ctx context.Context, e domain.Epic) error {
	if err := e.Validate(); err != nil {
		return verr.Wrap(err, verr.KindValidation, "update epic")
	}
	if !s.exists(epicsDir, e.ID) {
		return verr.New(verr.KindUnknownTask, "epic %s not found", e.ID)
	}
	e.UpdatedAt = time.Now()
	return s.write(ctx, epicsDir, e.ID, e)
}

func (s *FileStore) DeleteEpic(ctx context.Context, id string) error {
	tasks, err := s.TasksByEpic(ctx, id)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if err := s.DeleteTask(ctx, t.ID); err != nil {
			return err
		}
	}
	return s.remove(ctx, epicsDir, id)
}

func (s *FileStore) EpicsByProject(ctx context.Context, projectID string) ([]domain.Epic, error) {
	all, err := readAll[domain.Epic](ctx, s, epicsDir)
	if err != nil {
		return nil, err
	}
	var out []domain.Epic
	for _, e := range all {
		if e.ProjectID == projectID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *FileStore) EpicsByStatus(ctx context.Context, status domain.Status) ([]domain.Epic, error) {
	all, err := readAll[domain.Epic](ctx, s, epicsDir)
	if err != nil {
		return nil, err
	}
	var out []domain.Epic
	for _, e := range all {
		if e.Status == status {
			out = append(out, e)
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Tasks
// ---------------------------------------------------------------------------

func (s *FileStore) CreateTask(ctx context.Context, t domain.AtomicTask) error {
	if err := t.Validate(); err != nil {
		return verr.Wrap(err, verr.KindValidation, "create task")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	t.UpdatedAt = time.Now()
	return s.write(ctx, tasksDir, t.ID, t)
}

func (s *FileStore) GetTask(ctx context.Context, id string) (*domain.AtomicTask, error) {
	var t domain.AtomicTask
	if err := s.read(ctx, tasksDir, id, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *FileStore) UpdateTask(ctx context.Context, t domain.AtomicTask) error {
	if err := t.Validate(); err != nil {
		return verr.Wrap(err, verr.KindValidation, "update task")
	}
	if !s.exists(tasksDir, t.ID) {
		return verr.New(verr.KindUnknownTask, "task %s not found", t.ID)
	}
	t.UpdatedAt = time.Now()
	return s.write(ctx, tasksDir, t.ID, t)
}

func (s *FileStore) DeleteTask(ctx context.Context, id string) error {
	return s.remove(ctx, tasksDir, id)
}

func (s *FileStore) TasksByEpic(ctx context.Context, epicID string) ([]domain.AtomicTask, error) {
	all, err := readAll[domain.AtomicTask](ctx, s, tasksDir)
	if err != nil {
		return nil, err
	}
	var out []domain.AtomicTask
	for _, t := range all {
		if t.EpicID == epicID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *FileStore) TasksByStatus(ctx context.Context, status domain.Status) ([]domain.AtomicTask, error) {
	all, err := readAll[domain.AtomicTask](ctx, s, tasksDir)
	if err != nil {
		return nil, err
	}
	var out []domain.AtomicTask
	for _, t := range all {
		if t.Status == status {
			out = append(out, t)
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// File plumbing
// ---------------------------------------------------------------------------

func (s *FileStore) lockFor(kind, id string) *sync.Mutex {
	key := kind + "/" + id
	mu, _ := s.locks.LoadOrStore(key, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (s *FileStore) entityPath(kind, id string) string {
	return filepath.Join(s.root, kind, id+".json")
}

func (s *FileStore) exists(kind, id string) bool {
	_, err := os.Stat(s.entityPath(kind, id))
	return err == nil
}

func (s *FileStore) write(ctx context.Context, kind, id string, entity any) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return verr.Wrap(err, ctxKind(err), "write %s/%s", kind, id)
	}

	mu := s.lockFor(kind, id)
	if !mu.TryLock() {
		return verr.New(verr.KindBusy, "%s %s is being written by another caller; retry", kind, id)
	}
	defer mu.Unlock()

	path := s.entityPath(kind, id)
	if decision := s.validator.Validate(path, "write"); !decision.OK {
		return verr.New(verr.KindValidation, "path rejected (%s): %s", decision.ViolationType, decision.Error)
	}

	data, err := jsonx.MarshalIndent(entity, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s %s: %w", kind, id, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+id+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s %s: %w", kind, id, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp for %s %s: %w", kind, id, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp for %s %s: %w", kind, id, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename %s %s into place: %w", kind, id, err)
	}

	s.rebuildIndex(kind)
	return nil
}

func (s *FileStore) read(ctx context.Context, kind, id string, out any) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return verr.Wrap(err, ctxKind(err), "read %s/%s", kind, id)
	}
	data, err := os.ReadFile(s.entityPath(kind, id))
	if err != nil {
		if os.IsNotExist(err) {
			return verr.New(verr.KindUnknownTask, "%s %s not found", strings.TrimSuffix(kind, "s"), id)
		}
		return fmt.Errorf("read %s %s: %w", kind, id, err)
	}
	if err := jsonx.Unmarshal(data, out); err != nil {
		return verr.Wrap(err, verr.KindParse, "decode %s %s", kind, id)
	}
	return nil
}

func (s *FileStore) remove(ctx context.Context, kind, id string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return verr.Wrap(err, ctxKind(err), "delete %s/%s", kind, id)
	}
	mu := s.lockFor(kind, id)
	if !mu.TryLock() {
		return verr.New(verr.KindBusy, "%s %s is being written by another caller; retry", kind, id)
	}
	defer mu.Unlock()

	if err := os.Remove(s.entityPath(kind, id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s %s: %w", kind, id, err)
	}
	s.rebuildIndex(kind)
	return nil
}

func readAll[T any](ctx context.Context, s *FileStore, kind string) ([]T, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return nil, verr.Wrap(err, ctxKind(err), "list %s", kind)
	}
	entries, err := os.ReadDir(filepath.Join(s.root, kind))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	var out []T
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.root, kind, name))
		if err != nil {
			s.logger.Warn("Skipping unreadable %s entry %s: %v", kind, name, err)
			continue
		}
		var item T
		if err := jsonx.Unmarshal(data, &item); err != nil {
			s.logger.Warn("Skipping corrupt %s entry %s: %v", kind, name, err)
			continue
		}
		out = append(out, item)
	}
	return out, nil
}

// rebuildIndex writes {kind}-index.json listing every entity id. The index is
// an artifact for external tooling; reads inside the store always go to the
// entity files.
func (s *FileStore) rebuildIndex(kind string) {
	entries, err := os.ReadDir(filepath.Join(s.root, kind))
	if err != nil {
		s.logger.Warn("Index rebuild for %s failed: %v", kind, err)
		return
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)

	doc := struct {
		Kind      string    `json:"kind"`
		IDs       []string  `json:"ids"`
		UpdatedAt time.Time `json:"updated_at"`
	}{Kind: kind, IDs: ids, UpdatedAt: time.Now()}

	data, err := jsonx.MarshalIndent(doc, "", "  ")
	if err != nil {
		s.logger.Warn("Index marshal for %s failed: %v", kind, err)
		return
	}
	indexPath := filepath.Join(s.root, kind+"-index.json")
	tmp := indexPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.logger.Warn("Index write for %s failed: %v", kind, err)
		return
	}
	if err := os.Rename(tmp, indexPath); err != nil {
		s.logger.Warn("Index rename for %s failed: %v", kind, err)
	}
}
