package jobs

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"vibe/internal/ids"
	"vibe/internal/shared/jsonx"
	"vibe/internal/shared/logging"
	"vibe/internal/verr"
)

const defaultCapacity = 1000

// TerminalListener is invoked once when a job reaches a terminal state.
type TerminalListener func(job Job)

// Manager is the in-memory job registry.
//
// Non-terminal jobs live in a plain map and are never evicted; once a job
// becomes terminal it moves into an LRU cache so finished results age out
// before live work does. The split keeps the eviction preference of the LRU
// without ever dropping a running job.
type Manager struct {
	mu       sync.RWMutex
	active   map[string]*Job
	terminal *lru.Cache[string, *Job]
	capacity int

	// pushCapable forces suggested polling waits to zero when a push
	// transport (SSE/websocket) is serving this process.
	pushCapable bool

	onTerminal TerminalListener
	metrics    *Metrics
	logger     logging.Logger
	now        func() time.Time
}

// NewManager creates a job registry with the given terminal-cache capacity.
func NewManager(capacity int, metrics *Metrics, logger logging.Logger) *Manager {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	cache, err := lru.New[string, *Job](capacity)
	if err != nil {
		// lru.New only errors on non-positive size which we guard above.
		panic(err)
	}
	return &Manager{
		active:   make(map[string]*Job),
		terminal: cache,
		capacity: capacity,
		metrics:  metrics,
		logger:   logging.OrNop(logger),
		now:      time.Now,
	}
}

// SetPushCapable marks the registry as served by a push transport; polling
// clients are then told not to wait between requests.
func (m *Manager) SetPushCapable(push bool) {
	m.mu.Lock()
	m.pushCapable = push
	m.mu.Unlock()
}

// SetTerminalListener registers the callback invoked when a job finishes.
func (m *Manager) SetTerminalListener(fn TerminalListener) {
	m.mu.Lock()
	m.onTerminal = fn
	m.mu.Unlock()
}

// CreateJob registers a fresh pending job and returns its id.
func (m *Manager) CreateJob(toolName string, params jsonx.RawMessage) string {
	now := m.now()
	job := &Job{
		ID:         ids.NewJobID(),
		ToolName:   toolName,
		Params:     params,
		Status:     StatusPending,
		Progress:   0,
		CreatedAt:  now,
		UpdatedAt:  now,
		AccessedAt: now,
	}

	m.mu.Lock()
	m.active[job.ID] = job
	activeCount := len(m.active)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.jobsCreated.Inc()
		m.metrics.jobsActive.Set(float64(activeCount))
	}
	if activeCount > m.capacity {
		// Non-terminal jobs are never evicted; surface the pressure instead.
		m.logger.Warn("Job registry above high-water mark: %d live jobs (capacity %d)", activeCount, m.capacity)
	}
	m.logger.Debug("Created job %s for tool %s", job.ID, toolName)
	return job.ID
}

// UpdateStatus applies a compare-and-set status/progress update. Attempts to
// mutate a terminal job or to decrease progress are rejected with
// invalid_state_transition and leave the job unchanged.
func (m *Manager) UpdateStatus(jobID string, status Status, message string, progress int) error {
	if !status.IsValid() {
		return verr.New(verr.KindValidation, "unknown job status %q", status)
	}
	if progress < 0 || progress > 100 {
		return verr.New(verr.KindValidation, "progress %d outside [0,100]", progress)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.active[jobID]
	if !ok {
		if _, found := m.terminal.Get(jobID); found {
			return verr.New(verr.KindInvalidState, "job %s is terminal", jobID)
		}
		return verr.New(verr.KindUnknownTask, "job %s not found", jobID)
	}
	if progress < job.Progress {
		return verr.New(verr.KindInvalidState, "progress may not decrease (%d -> %d)", job.Progress, progress)
	}

	job.Status = status
	job.Progress = progress
	if message != "" {
		job.Message = message
	}
	job.UpdatedAt = m.now()

	if status.IsTerminal() {
		m.finishLocked(job)
	}
	return nil
}

// SetResult atomically records the result envelope, moves the job to its
// terminal status (completed on success, error otherwise), and sets progress
// to 100.
func (m *Manager) SetResult(jobID string, result ResultEnvelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.active[jobID]
	if !ok {
		if _, found := m.terminal.Get(jobID); found {
			return verr.New(verr.KindInvalidState, "job %s is terminal", jobID)
		}
		return verr.New(verr.KindUnknownTask, "job %s not found", jobID)
	}

	job.Result = &result
	job.Progress = 100
	if result.Success {
		job.Status = StatusCompleted
	} else {
		job.Status = StatusError
		if job.Message == "" {
			job.Message = result.Error
		}
	}
	job.UpdatedAt = m.now()
	m.finishLocked(job)
	return nil
}

// finishLocked moves a now-terminal job from the active map into the LRU.
// Caller holds m.mu.
func (m *Manager) finishLocked(job *Job) {
	delete(m.active, job.ID)
	if evicted := m.terminal.Add(job.ID, job); evicted && m.metrics != nil {
		m.metrics.jobsEvicted.Inc()
	}
	if m.metrics != nil {
		m.metrics.jobsActive.Set(float64(len(m.active)))
		m.metrics.jobsFinished.WithLabelValues(string(job.Status)).Inc()
	}
	if m.onTerminal != nil {
		// Deliver a snapshot so the listener can't mutate registry state.
		go m.onTerminal(*job)
	}
}

// GetJob returns a snapshot of the job, or false when unknown.
func (m *Manager) GetJob(jobID string) (Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.lookupLocked(jobID)
	if !ok {
		return Job{}, false
	}
	job.AccessedAt = m.now()
	return *job, true
}

// GetJobRateLimited returns the job together with the adaptive poll hint.
func (m *Manager) GetJobRateLimited(jobID string) (PollHint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.lookupLocked(jobID)
	if !ok {
		return PollHint{}, false
	}
	job.AccessedAt = m.now()

	wait := suggestedWait(job.Status, job.Progress)
	if m.pushCapable {
		wait = 0
	}
	return PollHint{Job: *job, SuggestedWaitMs: int(wait.Milliseconds())}, true
}

func (m *Manager) lookupLocked(jobID string) (*Job, bool) {
	if job, ok := m.active[jobID]; ok {
		return job, true
	}
	if job, ok := m.terminal.Get(jobID); ok {
		return job, true
	}
	return nil, false
}

// PurgeTerminal removes terminal jobs whose last update is older than the
// cutoff and returns how many were dropped.
func (m *Manager) PurgeTerminal(olderThan time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-olderThan)
	purged := 0
	for _, key := range m.terminal.Keys() {
		job, ok := m.terminal.Peek(key)
		if !ok {
			continue
		}
		if job.UpdatedAt.Before(cutoff) {
			m.terminal.Remove(key)
			purged++
		}
	}
	if purged > 0 {
		m.logger.Info("Purged %d terminal jobs older than %v", purged, olderThan)
	}
	return purged
}

// Counts returns the number of live and retained-terminal jobs.
func (m *Manager) Counts() (active int, terminal int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active), m.terminal.Len()
}
