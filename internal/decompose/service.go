package decompose

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"vibe/internal/domain"
	"vibe/internal/events"
	"vibe/internal/ids"
	"vibe/internal/jobs"
	"vibe/internal/shared/jsonx"
	"vibe/internal/shared/logging"
	"vibe/internal/storage"
	"vibe/internal/verr"
)

// cancelledByUser is the reason recorded when no explicit one is given.
const cancelledByUser = "Cancelled by user"

// TaskSubmitter receives persisted atomic leaves for execution. The execution
// engine implements it; a nil submitter means decomposition-only mode.
type TaskSubmitter interface {
	SubmitTask(ctx context.Context, task domain.AtomicTask) error
}

// StartRequest describes one decomposition run.
type StartRequest struct {
	ProjectID   string   `json:"project_id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Priority    string   `json:"priority,omitempty"`
	Languages   []string `json:"languages,omitempty"`
	Frameworks  []string `json:"frameworks,omitempty"`
	// TotalFiles and AvgRelevance seed the project context for the research
	// trigger; zero files marks a greenfield project.
	TotalFiles   int     `json:"total_files,omitempty"`
	AvgRelevance float64 `json:"avg_relevance,omitempty"`
	// AutoExecute submits persisted leaves to the execution engine.
	AutoExecute bool `json:"auto_execute,omitempty"`
}

// sessionState pairs the public session record with its cancel handle.
type sessionState struct {
	mu      sync.Mutex
	session Session
	runCtx  context.Context
	cancel  context.CancelCauseFunc
}

func (s *sessionState) snapshot() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.session
	snap.NodeResults = append([]NodeResult(nil), s.session.NodeResults...)
	snap.PersistedTaskIDs = append([]string(nil), s.session.PersistedTaskIDs...)
	return snap
}

// Service owns decomposition sessions: it runs the engine in the background,
// tracks each run as a job, persists the resulting atoms, and streams
// progress through the notifier.
type Service struct {
	engine    *Engine
	store     storage.Store
	jobs      *jobs.Manager
	notifier  *events.Notifier
	submitter TaskSubmitter
	logger    logging.Logger
	now       func() time.Time
	// runTimeout is the hard ceiling on one session run, on top of the
	// engine's soft wall-clock cap. Zero disables it.
	runTimeout time.Duration

	mu       sync.RWMutex
	sessions map[string]*sessionState
}

// NewService wires the decomposition service.
func NewService(engine *Engine, store storage.Store, jobMgr *jobs.Manager, notifier *events.Notifier, submitter TaskSubmitter, logger logging.Logger) *Service {
	return &Service{
		engine:    engine,
		store:     store,
		jobs:      jobMgr,
		notifier:  notifier,
		submitter: submitter,
		logger:    logging.OrNop(logger),
		now:       time.Now,
		sessions:  make(map[string]*sessionState),
	}
}

// SetRunTimeout bounds every future session run. A run past the deadline ends
// failed with a timeout reason.
func (s *Service) SetRunTimeout(d time.Duration) {
	s.runTimeout = d
}

// StartDecomposition validates the request, registers a session and job, and
// runs the engine in the background. It returns immediately with the session.
func (s *Service) StartDecomposition(ctx context.Context, req StartRequest) (Session, error) {
	if strings.TrimSpace(req.Title) == "" {
		return Session{}, verr.New(verr.KindValidation, "decomposition title is required")
	}
	if strings.TrimSpace(req.ProjectID) == "" {
		return Session{}, verr.New(verr.KindValidation, "project id is required")
	}
	if _, err := s.store.GetProject(ctx, req.ProjectID); err != nil {
		return Session{}, err
	}

	params, _ := jsonx.Marshal(req)
	jobID := s.jobs.CreateJob("decompose_task", params)

	now := s.now()
	runCtx, cancel := context.WithCancelCause(context.Background())
	stopTimer := context.CancelFunc(func() {})
	if s.runTimeout > 0 {
		runCtx, stopTimer = context.WithTimeoutCause(runCtx, s.runTimeout,
			verr.New(verr.KindTimeout, "decomposition exceeded %s", s.runTimeout))
	}
	state := &sessionState{
		runCtx: runCtx,
		session: Session{
			ID:        ids.NewSessionID(),
			ProjectID: req.ProjectID,
			// The root request gets a task id of its own so subtasks can
			// reference their origin.
			RootTaskID: string(ids.NewTaskID()),
			JobID:      jobID,
			Status:     SessionPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
		cancel: cancel,
	}

	s.mu.Lock()
	s.sessions[state.session.ID] = state
	s.mu.Unlock()

	go func() {
		defer stopTimer()
		s.run(runCtx, state, req)
	}()

	s.logger.Info("Decomposition session %s started (job %s, project %s)", state.session.ID, jobID, req.ProjectID)
	return state.snapshot(), nil
}

func (s *Service) run(ctx context.Context, state *sessionState, req StartRequest) {
	sessionID, jobID := state.session.ID, state.session.JobID

	s.mutate(state, func(sess *Session) {
		sess.Status = SessionInProgress
	})
	_ = s.jobs.UpdateStatus(jobID, jobs.StatusRunning, "decomposing", 5)

	priority := domain.Priority(req.Priority)
	if !priority.IsValid() {
		priority = domain.PriorityMedium
	}
	root := Draft{
		Title:       req.Title,
		Description: req.Description,
		Type:        domain.TaskTypeDevelopment,
		Priority:    priority,
	}
	pctx := ProjectContext{
		ProjectID:    req.ProjectID,
		TotalFiles:   req.TotalFiles,
		AvgRelevance: req.AvgRelevance,
		Languages:    req.Languages,
		Frameworks:   req.Frameworks,
	}

	observe := func(result NodeResult, leavesSoFar int) {
		s.mutate(state, func(sess *Session) {
			sess.NodeResults = append(sess.NodeResults, result)
			sess.ProcessedTasks++
			if sess.TotalTasks < sess.ProcessedTasks {
				sess.TotalTasks = sess.ProcessedTasks
			}
			if result.Depth > sess.CurrentDepth {
				sess.CurrentDepth = result.Depth
			}
		})
		// Progress ramps with discovered leaves but never claims completion
		// before the run ends.
		progress := 5 + leavesSoFar
		if progress > 90 {
			progress = 90
		}
		_ = s.jobs.UpdateStatus(jobID, jobs.StatusRunning, result.Title, progress)
		s.publish(sessionID, jobID, events.KindProgress, map[string]any{
			"node":   result,
			"leaves": leavesSoFar,
		})
	}

	outcome, err := s.engine.Decompose(ctx, root, pctx, observe)
	if err != nil {
		s.finishFailed(state, err)
		return
	}

	taskIDs, persistErr := s.persist(ctx, req, outcome.Leaves)
	s.mutate(state, func(sess *Session) {
		sess.PersistedTaskIDs = taskIDs
		sess.Partial = outcome.Partial
	})
	if persistErr != nil {
		s.finishFailed(state, persistErr)
		return
	}

	if req.AutoExecute && s.submitter != nil {
		s.submit(ctx, taskIDs)
	}

	s.mutate(state, func(sess *Session) {
		sess.Status = SessionCompleted
		// A terminal session has processed everything it knows about.
		sess.TotalTasks = sess.ProcessedTasks
	})
	output, _ := jsonx.Marshal(map[string]any{
		"session_id": sessionID,
		"task_ids":   taskIDs,
		"partial":    outcome.Partial,
	})
	_ = s.jobs.SetResult(jobID, jobs.ResultEnvelope{Success: true, Output: output})
	s.publish(sessionID, jobID, events.KindTerminal, map[string]any{
		"status":  SessionCompleted,
		"tasks":   len(taskIDs),
		"partial": outcome.Partial,
	})
	s.logger.Info("Session %s completed: %d atomic tasks (partial=%v)", sessionID, len(taskIDs), outcome.Partial)
}

func (s *Service) finishFailed(state *sessionState, cause error) {
	sessionID, jobID := state.session.ID, state.session.JobID
	msg := cause.Error()
	if verr.IsKind(cause, verr.KindCancelled) {
		// A cancelled run ends as a failed session carrying the cancel reason.
		if reason := context.Cause(contextOf(state)); reason != nil && reason != context.Canceled {
			msg = reason.Error()
		} else {
			msg = cancelledByUser
		}
	}

	s.mutate(state, func(sess *Session) {
		sess.Status = SessionFailed
		sess.Error = msg
		sess.TotalTasks = sess.ProcessedTasks
	})
	_ = s.jobs.SetResult(jobID, jobs.ResultEnvelope{Success: false, Error: msg})
	s.publish(sessionID, jobID, events.KindTerminal, map[string]any{
		"status": SessionFailed,
		"error":  msg,
	})
	s.logger.Warn("Session %s ended %s: %s", sessionID, SessionFailed, msg)
}

// contextOf is a helper for reading the cancellation cause recorded by
// CancelSession. The cancel func stores its cause on the run context; the
// state itself only keeps the handle.
func contextOf(state *sessionState) context.Context {
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.runCtx != nil {
		return state.runCtx
	}
	return context.Background()
}

// persist writes leaves as atomic tasks, creating one epic per functional
// area. Epic ids derive from the area; placeholder ids never appear.
func (s *Service) persist(ctx context.Context, req StartRequest, leaves []Draft) ([]string, error) {
	epicByArea := make(map[domain.FunctionalArea]*domain.Epic)
	now := s.now()

	var taskIDs []string
	for _, leaf := range leaves {
		epic, ok := epicByArea[leaf.FunctionalArea]
		if !ok {
			epic = &domain.Epic{
				ID:             ids.NewEpicID(string(leaf.FunctionalArea)),
				ProjectID:      req.ProjectID,
				Title:          epicTitle(leaf.FunctionalArea),
				FunctionalArea: leaf.FunctionalArea,
				Status:         domain.StatusPending,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			epicByArea[leaf.FunctionalArea] = epic
		}

		task := domain.AtomicTask{
			ID:                 string(ids.NewTaskID()),
			Title:              leaf.Title,
			Description:        leaf.Description,
			Type:               leaf.Type,
			Priority:           leaf.Priority,
			Status:             domain.StatusPending,
			EstimatedHours:     leaf.EstimatedHours,
			FunctionalArea:     leaf.FunctionalArea,
			EpicID:             epic.ID,
			ProjectID:          req.ProjectID,
			FilePaths:          leaf.FilePaths,
			AcceptanceCriteria: leaf.AcceptanceCriteria,
			DependencyIDs:      leaf.DependencyIDs,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if err := task.ValidateAtomic(); err != nil {
			return taskIDs, verr.Wrap(err, verr.KindValidation, "leaf %q failed atom validation", leaf.Title)
		}
		if err := s.store.CreateTask(ctx, task); err != nil {
			return taskIDs, err
		}
		epic.TaskIDs = append(epic.TaskIDs, task.ID)
		taskIDs = append(taskIDs, task.ID)
	}

	for _, epic := range epicByArea {
		if err := s.store.CreateEpic(ctx, *epic); err != nil {
			return taskIDs, err
		}
	}

	// Attach the new epics to the project record.
	project, err := s.store.GetProject(ctx, req.ProjectID)
	if err != nil {
		return taskIDs, err
	}
	for _, epic := range epicByArea {
		project.EpicIDs = append(project.EpicIDs, epic.ID)
	}
	project.UpdatedAt = now
	if err := s.store.UpdateProject(ctx, *project); err != nil {
		return taskIDs, err
	}
	return taskIDs, nil
}

// submit hands persisted leaves to the execution engine. Submissions are
// independent, so they fan out; failures are logged, not fatal to the session.
func (s *Service) submit(ctx context.Context, taskIDs []string) {
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(4)
	for _, id := range taskIDs {
		id := id
		group.Go(func() error {
			task, err := s.store.GetTask(ctx, id)
			if err != nil {
				s.logger.Warn("Submit skipped for %s: %v", id, err)
				return nil
			}
			if err := s.submitter.SubmitTask(ctx, *task); err != nil {
				s.logger.Warn("Execution submit failed for %s: %v", id, err)
			}
			return nil
		})
	}
	_ = group.Wait()
}

// GetSession returns a snapshot of a session.
func (s *Service) GetSession(sessionID string) (Session, error) {
	s.mu.RLock()
	state, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return Session{}, verr.New(verr.KindUnknownSession, "session %s not found", sessionID)
	}
	return state.snapshot(), nil
}

// ListSessions returns snapshots of all known sessions, newest first.
func (s *Service) ListSessions() []Session {
	s.mu.RLock()
	sessions := make([]Session, 0, len(s.sessions))
	for _, state := range s.sessions {
		sessions = append(sessions, state.snapshot())
	}
	s.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	return sessions
}

// CancelSession requests cooperative cancellation. The run stops at its next
// node boundary; already persisted tasks stay persisted.
func (s *Service) CancelSession(sessionID string, reason string) error {
	s.mu.RLock()
	state, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return verr.New(verr.KindUnknownSession, "session %s not found", sessionID)
	}

	state.mu.Lock()
	status := state.session.Status
	state.mu.Unlock()
	if status.IsTerminal() {
		return verr.New(verr.KindInvalidState, "session %s already %s", sessionID, status)
	}

	if strings.TrimSpace(reason) == "" {
		reason = cancelledByUser
	}
	state.cancel(fmt.Errorf("%s", reason))
	s.logger.Info("Session %s cancellation requested: %s", sessionID, reason)
	return nil
}

// GetResults loads the atomic tasks a session persisted.
func (s *Service) GetResults(ctx context.Context, sessionID string) ([]domain.AtomicTask, error) {
	session, err := s.GetSession(sessionID)
	if err != nil {
		return nil, err
	}

	tasks := make([]domain.AtomicTask, 0, len(session.PersistedTaskIDs))
	for _, id := range session.PersistedTaskIDs {
		task, err := s.store.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, nil
}

// ExportFormat selects how ExportSession renders its files.
type ExportFormat string

const (
	ExportJSON     ExportFormat = "json"
	ExportMarkdown ExportFormat = "markdown"
)

// ExportSession writes the session summary and its tasks under
// {outputDir}/decomposition-sessions/{sessionID}/.
func (s *Service) ExportSession(ctx context.Context, sessionID, outputDir string, format ExportFormat) (string, error) {
	session, err := s.GetSession(sessionID)
	if err != nil {
		return "", err
	}
	tasks, err := s.GetResults(ctx, sessionID)
	if err != nil {
		return "", err
	}

	dir := filepath.Join(outputDir, "decomposition-sessions", sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("export: %w", err)
	}

	switch format {
	case ExportMarkdown:
		path := filepath.Join(dir, "summary.md")
		if err := os.WriteFile(path, renderMarkdown(session, tasks), 0o644); err != nil {
			return "", fmt.Errorf("export: %w", err)
		}
		return path, nil
	case ExportJSON, "":
		path := filepath.Join(dir, "summary.json")
		payload, err := jsonx.MarshalIndent(map[string]any{
			"session": session,
			"tasks":   tasks,
		}, "", "  ")
		if err != nil {
			return "", fmt.Errorf("export: %w", err)
		}
		if err := os.WriteFile(path, payload, 0o644); err != nil {
			return "", fmt.Errorf("export: %w", err)
		}
		return path, nil
	default:
		return "", verr.New(verr.KindValidation, "unknown export format %q", format)
	}
}

func renderMarkdown(session Session, tasks []domain.AtomicTask) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "# Decomposition %s\n\n", session.ID)
	fmt.Fprintf(&b, "- Project: %s\n- Status: %s\n- Tasks: %d\n", session.ProjectID, session.Status, len(tasks))
	if session.Partial {
		b.WriteString("- Partial: decomposition stopped at a cap\n")
	}
	b.WriteString("\n## Tasks\n\n")
	byEpic := make(map[string][]domain.AtomicTask)
	for _, task := range tasks {
		byEpic[task.EpicID] = append(byEpic[task.EpicID], task)
	}
	epicIDs := make([]string, 0, len(byEpic))
	for id := range byEpic {
		epicIDs = append(epicIDs, id)
	}
	sort.Strings(epicIDs)
	for _, epicID := range epicIDs {
		fmt.Fprintf(&b, "### %s\n\n", epicID)
		for _, task := range byEpic[epicID] {
			fmt.Fprintf(&b, "- [ ] **%s** (%.2fh, %s) — %s\n", task.Title, task.EstimatedHours, task.Priority, task.AcceptanceCriteria[0])
		}
		b.WriteString("\n")
	}
	return []byte(b.String())
}

// CleanupSessions drops terminal sessions older than the cutoff and returns
// how many were removed. Running sessions are never touched.
func (s *Service) CleanupSessions(olderThan time.Duration) int {
	cutoff := s.now().Add(-olderThan)

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, state := range s.sessions {
		state.mu.Lock()
		expired := state.session.Status.IsTerminal() && state.session.UpdatedAt.Before(cutoff)
		state.mu.Unlock()
		if expired {
			delete(s.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info("Cleaned up %d terminal decomposition sessions", removed)
	}
	return removed
}

func (s *Service) mutate(state *sessionState, fn func(*Session)) {
	state.mu.Lock()
	fn(&state.session)
	state.session.UpdatedAt = s.now()
	state.mu.Unlock()
}

func (s *Service) publish(sessionID, jobID string, kind events.Kind, payload map[string]any) {
	if s.notifier == nil {
		return
	}
	raw, err := jsonx.Marshal(payload)
	if err != nil {
		s.logger.Warn("Event payload marshal failed: %v", err)
		return
	}
	s.notifier.Publish(sessionID, events.Event{JobID: jobID, Kind: kind, Payload: raw})
}

func epicTitle(area domain.FunctionalArea) string {
	words := strings.Split(string(area), "-")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}
