package execution

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"vibe/internal/domain"
	"vibe/internal/events"
	"vibe/internal/ids"
	"vibe/internal/shared/jsonx"
	"vibe/internal/shared/logging"
	"vibe/internal/storage"
	"vibe/internal/verr"
)

const (
	defaultHelpRequestTTL  = time.Hour
	defaultMaxHelpRequests = 3
	defaultBlockerDelay    = 30 * time.Minute
	helpRequestCacheSize   = 1024

	// Throughput normalization ceiling: twelve five-minute atoms per hour.
	maxTasksPerHour = 12.0
	// feedbackSession is the notifier session escalations publish to.
	feedbackSession = "feedback"
)

// Impact is the inferred severity of a blocker.
type Impact string

const (
	ImpactLow      Impact = "low"
	ImpactMedium   Impact = "medium"
	ImpactHigh     Impact = "high"
	ImpactCritical Impact = "critical"
)

// HelpRequest is an open request for assistance from an agent.
type HelpRequest struct {
	ID        string      `json:"id"`
	AgentID   ids.AgentID `json:"agent_id"`
	TaskID    ids.TaskID  `json:"task_id"`
	Details   HelpDetails `json:"details"`
	CreatedAt time.Time   `json:"created_at"`
	ExpiresAt time.Time   `json:"expires_at"`
}

// Blocker is a recorded impediment with its inferred impact.
type Blocker struct {
	ID        string         `json:"id"`
	AgentID   ids.AgentID    `json:"agent_id"`
	TaskID    ids.TaskID     `json:"task_id"`
	Details   BlockerDetails `json:"details"`
	Impact    Impact         `json:"impact"`
	Resolved  bool           `json:"resolved"`
	CreatedAt time.Time      `json:"created_at"`
}

// ProcessorConfig tunes the feedback path.
type ProcessorConfig struct {
	HelpRequestTTL         time.Duration
	MaxHelpRequests        int
	BlockerEscalationDelay time.Duration
	// AutoRetryFailedTasks re-submits a task once after an agent-reported
	// failure. Infrastructure failures are retried by the engine regardless.
	AutoRetryFailedTasks bool
}

// DefaultProcessorConfig returns the documented defaults.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		HelpRequestTTL:         defaultHelpRequestTTL,
		MaxHelpRequests:        defaultMaxHelpRequests,
		BlockerEscalationDelay: defaultBlockerDelay,
	}
}

// agentStats tracks the feedback-side counters of one agent.
type agentStats struct {
	firstSeen    time.Time
	helpRequests int64
	blockers     int64
	retriedTasks map[ids.TaskID]bool
}

// Processor consumes parsed agent replies and drives the engine, storage, and
// escalation events accordingly.
type Processor struct {
	engine   *Engine
	store    storage.Store
	notifier *events.Notifier
	cfg      ProcessorConfig
	logger   logging.Logger
	now      func() time.Time

	// Open help requests age out on their TTL.
	helpRequests *expirable.LRU[string, HelpRequest]

	mu       sync.Mutex
	blockers map[string]*Blocker
	stats    map[ids.AgentID]*agentStats
}

// NewProcessor wires the feedback path.
func NewProcessor(engine *Engine, store storage.Store, notifier *events.Notifier, cfg ProcessorConfig, logger logging.Logger) *Processor {
	if cfg.HelpRequestTTL <= 0 {
		cfg.HelpRequestTTL = defaultHelpRequestTTL
	}
	if cfg.MaxHelpRequests <= 0 {
		cfg.MaxHelpRequests = defaultMaxHelpRequests
	}
	if cfg.BlockerEscalationDelay <= 0 {
		cfg.BlockerEscalationDelay = defaultBlockerDelay
	}
	return &Processor{
		engine:       engine,
		store:        store,
		notifier:     notifier,
		cfg:          cfg,
		logger:       logging.OrNop(logger),
		now:          time.Now,
		helpRequests: expirable.NewLRU[string, HelpRequest](helpRequestCacheSize, nil, cfg.HelpRequestTTL),
		blockers:     make(map[string]*Blocker),
		stats:        make(map[ids.AgentID]*agentStats),
	}
}

// ProcessRaw parses a wire message and processes it. A malformed message
// costs the sender success rate when the sender is identifiable.
func (p *Processor) ProcessRaw(ctx context.Context, raw []byte) error {
	reply, err := ParseReply(raw)
	if err != nil {
		if agentID := peekAgentID(raw); agentID != "" {
			p.engine.RecordProtocolError(agentID)
		}
		p.logger.Warn("Rejected agent reply: %v", err)
		return err
	}
	return p.Process(ctx, reply)
}

// Process handles one validated reply.
func (p *Processor) Process(ctx context.Context, reply Reply) error {
	exec, err := p.engine.ActiveExecutionForTask(reply.TaskID)
	if err != nil {
		if verr.IsKind(err, verr.KindUnknownTask) {
			// Distinguish a finished execution from a never-known task so the
			// agent gets the right rejection.
			if p.taskKnown(ctx, reply.TaskID) {
				return verr.New(verr.KindInvalidState, "task %s has no active execution", reply.TaskID)
			}
		}
		return err
	}
	p.touch(reply.AgentID)

	switch reply.Kind {
	case ReplyCompleted:
		return p.completed(ctx, exec, reply)
	case ReplyNeedsHelp:
		return p.needsHelp(exec, reply)
	case ReplyBlocked:
		return p.blocked(ctx, exec, reply)
	case ReplyFailed:
		return p.failed(ctx, exec, reply)
	default:
		return verr.New(verr.KindProtocol, "unhandled reply kind %q", reply.Kind)
	}
}

func (p *Processor) completed(ctx context.Context, exec TaskExecution, reply Reply) error {
	if err := p.engine.CompleteExecution(exec.ID, Result{
		Success: true,
		Output:  reply.CompletionDetails,
	}); err != nil {
		return err
	}

	if err := p.markTask(ctx, reply.TaskID, domain.StatusCompleted, exec); err != nil {
		p.logger.Warn("Task %s completion not persisted: %v", reply.TaskID, err)
	}
	p.recommendNext(ctx, reply.AgentID)
	p.logger.Info("Task %s completed by agent %s", reply.TaskID, reply.AgentID)
	return nil
}

func (p *Processor) needsHelp(exec TaskExecution, reply Reply) error {
	now := p.now()
	req := HelpRequest{
		ID:        ids.NewJobID(),
		AgentID:   reply.AgentID,
		TaskID:    reply.TaskID,
		Details:   *reply.HelpRequest,
		CreatedAt: now,
		ExpiresAt: now.Add(p.cfg.HelpRequestTTL),
	}
	p.helpRequests.Add(req.ID, req)

	p.mu.Lock()
	p.stats[reply.AgentID].helpRequests++
	p.mu.Unlock()

	open := p.openHelpRequests(reply.AgentID)
	p.publish(events.KindStatus, string(exec.ID), map[string]any{
		"event": "helpRequested", "agent_id": reply.AgentID, "task_id": reply.TaskID,
		"issue": reply.HelpRequest.IssueDescription, "open": open,
	})
	if open > p.cfg.MaxHelpRequests {
		p.publish(events.KindStatus, string(exec.ID), map[string]any{
			"event": "helpEscalated", "agent_id": reply.AgentID, "open": open,
		})
		p.logger.Warn("Agent %s escalated: %d open help requests", reply.AgentID, open)
	}
	return nil
}

func (p *Processor) blocked(ctx context.Context, exec TaskExecution, reply Reply) error {
	blocker := &Blocker{
		ID:        ids.NewJobID(),
		AgentID:   reply.AgentID,
		TaskID:    reply.TaskID,
		Details:   *reply.BlockerDetails,
		Impact:    inferImpact(*reply.BlockerDetails, reply.Message),
		CreatedAt: p.now(),
	}

	p.mu.Lock()
	p.blockers[blocker.ID] = blocker
	p.stats[reply.AgentID].blockers++
	p.mu.Unlock()

	if err := p.markTask(ctx, reply.TaskID, domain.StatusBlocked, exec); err != nil {
		p.logger.Warn("Task %s blocked status not persisted: %v", reply.TaskID, err)
	}
	p.publish(events.KindStatus, string(exec.ID), map[string]any{
		"event": "taskBlocked", "agent_id": reply.AgentID, "task_id": reply.TaskID,
		"blocker_id": blocker.ID, "impact": blocker.Impact,
	})
	p.logger.Warn("Task %s blocked (%s, impact %s): %s", reply.TaskID, blocker.Details.BlockerType, blocker.Impact, blocker.Details.Description)

	if blocker.Impact == ImpactHigh || blocker.Impact == ImpactCritical {
		blockerID, execID := blocker.ID, exec.ID
		time.AfterFunc(p.cfg.BlockerEscalationDelay, func() {
			p.escalateBlocker(blockerID, execID)
		})
	}
	return nil
}

func (p *Processor) failed(ctx context.Context, exec TaskExecution, reply Reply) error {
	if err := p.engine.CompleteExecution(exec.ID, Result{
		Success: false,
		Error:   reply.Message,
	}); err != nil {
		return err
	}
	if err := p.markTask(ctx, reply.TaskID, domain.StatusFailed, exec); err != nil {
		p.logger.Warn("Task %s failed status not persisted: %v", reply.TaskID, err)
	}
	p.logger.Warn("Task %s failed on agent %s: %s", reply.TaskID, reply.AgentID, reply.Message)

	if p.cfg.AutoRetryFailedTasks && p.markRetried(reply.AgentID, reply.TaskID) {
		task, err := p.store.GetTask(ctx, string(reply.TaskID))
		if err != nil {
			return nil
		}
		task.Status = domain.StatusPending
		task.UpdatedAt = p.now()
		if err := p.store.UpdateTask(ctx, *task); err == nil {
			if _, err := p.engine.SubmitTask(ctx, *task); err != nil {
				p.logger.Warn("Auto-retry submit failed for %s: %v", reply.TaskID, err)
			} else {
				p.logger.Info("Task %s re-submitted after failure", reply.TaskID)
			}
		}
	}
	return nil
}

// ResolveBlocker marks a blocker resolved, disarming its escalation.
func (p *Processor) ResolveBlocker(blockerID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	blocker, ok := p.blockers[blockerID]
	if !ok {
		return verr.New(verr.KindUnknownTask, "blocker %s not found", blockerID)
	}
	blocker.Resolved = true
	return nil
}

// OpenBlockers returns the unresolved blockers, newest first.
func (p *Processor) OpenBlockers() []Blocker {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Blocker
	for _, blocker := range p.blockers {
		if !blocker.Resolved {
			out = append(out, *blocker)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// PerformanceScore computes the weighted score of one agent. Each component
// is clamped to [0,1] before weighting.
func (p *Processor) PerformanceScore(agentID ids.AgentID) (float64, error) {
	agent, err := p.engine.GetAgent(agentID)
	if err != nil {
		return 0, err
	}

	p.mu.Lock()
	stats, ok := p.stats[agentID]
	if !ok {
		stats = &agentStats{firstSeen: p.now()}
	}
	helpCount, blockerCount, firstSeen := stats.helpRequests, stats.blockers, stats.firstSeen
	p.mu.Unlock()

	hours := p.now().Sub(firstSeen).Hours()
	if hours < 1 {
		hours = 1
	}
	throughput := clamp01(float64(agent.Metadata.TotalTasksExecuted) / hours / maxTasksPerHour)

	total := float64(agent.Metadata.TotalTasksExecuted)
	if total < 1 {
		total = 1
	}
	helpRate := clamp01(float64(helpCount) / total)
	blockerRate := clamp01(float64(blockerCount) / total)

	return 0.4*clamp01(agent.Metadata.SuccessRate) +
		0.3*throughput +
		0.2*(1-helpRate) +
		0.1*(1-blockerRate), nil
}

func (p *Processor) escalateBlocker(blockerID string, execID ids.ExecutionID) {
	p.mu.Lock()
	blocker, ok := p.blockers[blockerID]
	resolved := ok && blocker.Resolved
	p.mu.Unlock()
	if !ok || resolved {
		return
	}
	p.publish(events.KindStatus, string(execID), map[string]any{
		"event": "blockerEscalated", "blocker_id": blockerID, "impact": blocker.Impact,
	})
	p.logger.Warn("Blocker %s unresolved after %v, escalating", blockerID, p.cfg.BlockerEscalationDelay)
}

// recommendNext surfaces the highest-priority pending task as an event.
func (p *Processor) recommendNext(ctx context.Context, agentID ids.AgentID) {
	pending, err := p.store.TasksByStatus(ctx, domain.StatusPending)
	if err != nil || len(pending) == 0 {
		return
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].Priority.Rank() > pending[j].Priority.Rank()
	})
	p.publish(events.KindStatus, string(agentID), map[string]any{
		"event": "nextTaskRecommended", "agent_id": agentID, "task_id": pending[0].ID,
	})
}

func (p *Processor) markTask(ctx context.Context, taskID ids.TaskID, status domain.Status, exec TaskExecution) error {
	task, err := p.store.GetTask(ctx, string(taskID))
	if err != nil {
		return err
	}
	now := p.now()
	task.Status = status
	task.UpdatedAt = now
	task.AssignedAgent = string(exec.AgentID)
	if status == domain.StatusCompleted {
		task.CompletedAt = &now
		task.ActualHours = now.Sub(exec.DispatchedAt).Hours()
		if task.ActualHours < 0 {
			task.ActualHours = 0
		}
	}
	return p.store.UpdateTask(ctx, *task)
}

func (p *Processor) taskKnown(ctx context.Context, taskID ids.TaskID) bool {
	_, err := p.store.GetTask(ctx, string(taskID))
	return err == nil
}

// touch ensures the stats entry exists. Callers then mutate under p.mu.
func (p *Processor) touch(agentID ids.AgentID) {
	p.mu.Lock()
	if _, ok := p.stats[agentID]; !ok {
		p.stats[agentID] = &agentStats{firstSeen: p.now(), retriedTasks: make(map[ids.TaskID]bool)}
	}
	p.mu.Unlock()
}

// markRetried returns true the first time a task is retried for this agent.
func (p *Processor) markRetried(agentID ids.AgentID, taskID ids.TaskID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := p.stats[agentID]
	if stats.retriedTasks == nil {
		stats.retriedTasks = make(map[ids.TaskID]bool)
	}
	if stats.retriedTasks[taskID] {
		return false
	}
	stats.retriedTasks[taskID] = true
	return true
}

func (p *Processor) openHelpRequests(agentID ids.AgentID) int {
	open := 0
	now := p.now()
	for _, req := range p.helpRequests.Values() {
		if req.AgentID == agentID && req.ExpiresAt.After(now) {
			open++
		}
	}
	return open
}

func (p *Processor) publish(kind events.Kind, jobID string, payload map[string]any) {
	if p.notifier == nil {
		return
	}
	raw, err := jsonx.Marshal(payload)
	if err != nil {
		p.logger.Warn("Feedback event marshal failed: %v", err)
		return
	}
	p.notifier.Publish(feedbackSession, events.Event{JobID: jobID, Kind: kind, Payload: raw})
}

// inferImpact derives blocker severity from its type and wording.
func inferImpact(details BlockerDetails, message string) Impact {
	text := strings.ToLower(details.Description + " " + message)
	switch {
	case strings.Contains(text, "critical") || strings.Contains(text, "urgent"):
		return ImpactCritical
	case strings.Contains(text, "blocking") || strings.Contains(text, "severe") || details.BlockerType == BlockerDependency:
		return ImpactHigh
	case details.BlockerType == BlockerClarification:
		return ImpactLow
	default:
		return ImpactMedium
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// peekAgentID best-effort extracts the sender of an otherwise invalid reply.
func peekAgentID(raw []byte) ids.AgentID {
	var partial struct {
		AgentID string `json:"agentId"`
	}
	if err := jsonx.Unmarshal(raw, &partial); err != nil {
		return ""
	}
	agentID, err := ids.NewAgentIDFrom(partial.AgentID)
	if err != nil {
		return ""
	}
	return agentID
}
