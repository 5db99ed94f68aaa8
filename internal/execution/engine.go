package execution

import (
	"context"
	"sort"
	"sync"
	"time"

	"vibe/internal/domain"
	"vibe/internal/events"
	"vibe/internal/ids"
	"vibe/internal/shared/jsonx"
	"vibe/internal/shared/logging"
	"vibe/internal/verr"
)

const (
	defaultWatchdogInterval = 6 * time.Second
	defaultTaskTimeout      = 5 * time.Minute
	// queueFactor bounds the queue at maxConcurrentExecutions x 10.
	queueFactor = 10
	// executionSession is the notifier session lifecycle events publish to.
	executionSession = "executions"
)

// Dispatcher hands a dispatched execution to its agent. Implemented by the
// transport layer; calls run outside the engine loop so transport I/O never
// blocks scheduling.
type Dispatcher interface {
	Dispatch(ctx context.Context, exec TaskExecution, task domain.AtomicTask, agent Agent) error
}

// EngineConfig tunes the scheduler.
type EngineConfig struct {
	MaxConcurrentExecutions int
	WatchdogInterval        time.Duration
	TaskTimeout             time.Duration
	// RequeueOnTimeout re-submits a timed-out execution once.
	RequeueOnTimeout bool
}

// DefaultEngineConfig returns the documented scheduler defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxConcurrentExecutions: 10,
		WatchdogInterval:        defaultWatchdogInterval,
		TaskTimeout:             defaultTaskTimeout,
		RequeueOnTimeout:        true,
	}
}

// Engine is the task scheduler. All executions, agents, and the queue are
// owned by one loop goroutine; every mutation arrives as a command on a
// single channel, so state is serialized by construction.
type Engine struct {
	cfg        EngineConfig
	dispatcher Dispatcher
	notifier   *events.Notifier
	metrics    *Metrics
	logger     logging.Logger
	now        func() time.Time

	commands chan func()
	stopped  chan struct{}
	// stopMu orders command sends against the close of stopped: senders hold
	// the read side, Dispose closes under the write side, so every command
	// that got in is seen by the loop or its drain.
	stopMu   sync.RWMutex
	stopOnce sync.Once

	// Loop-owned state. Never touched outside the loop goroutine.
	agents     map[ids.AgentID]*Agent
	executions map[ids.ExecutionID]*TaskExecution
	tasks      map[ids.TaskID]domain.AtomicTask
	queue      []*TaskExecution

	totalSubmitted int64
	totalCompleted int64
	totalTimedOut  int64
	totalCancelled int64
	totalRunTime   time.Duration
}

// NewEngine constructs the scheduler and starts its loop and watchdog.
func NewEngine(cfg EngineConfig, dispatcher Dispatcher, notifier *events.Notifier, metrics *Metrics, logger logging.Logger) *Engine {
	if cfg.MaxConcurrentExecutions <= 0 {
		cfg.MaxConcurrentExecutions = 10
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = defaultWatchdogInterval
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = defaultTaskTimeout
	}
	e := &Engine{
		cfg:        cfg,
		dispatcher: dispatcher,
		notifier:   notifier,
		metrics:    metrics,
		logger:     logging.OrNop(logger),
		now:        time.Now,
		commands:   make(chan func(), 256),
		stopped:    make(chan struct{}),
		agents:     make(map[ids.AgentID]*Agent),
		executions: make(map[ids.ExecutionID]*TaskExecution),
		tasks:      make(map[ids.TaskID]domain.AtomicTask),
	}
	go e.loop()
	return e
}

func (e *Engine) loop() {
	ticker := time.NewTicker(e.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case cmd := <-e.commands:
			cmd()
		case <-ticker.C:
			e.watchdog()
		case <-e.stopped:
			// Drain commands already enqueued so callers are not left hanging.
			for {
				select {
				case cmd := <-e.commands:
					cmd()
				default:
					return
				}
			}
		}
	}
}

// call runs fn on the loop goroutine and waits for it.
func (e *Engine) call(fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		fn()
	}
	e.stopMu.RLock()
	select {
	case <-e.stopped:
		e.stopMu.RUnlock()
		return verr.New(verr.KindInvalidState, "execution engine disposed")
	default:
	}
	// stopped cannot close while the read lock is held, so the loop (or its
	// drain) is guaranteed to run this command.
	e.commands <- wrapped
	e.stopMu.RUnlock()
	<-done
	return nil
}

// RegisterAgent adds or replaces an agent. Usage counters of a replaced agent
// are preserved so re-registration cannot forge capacity.
func (e *Engine) RegisterAgent(agent Agent) error {
	if agent.ID == "" {
		return verr.New(verr.KindValidation, "agent id is required")
	}
	if agent.Capacity.MaxConcurrentTasks <= 0 {
		return verr.New(verr.KindValidation, "agent %s: max_concurrent_tasks must be positive", agent.ID)
	}
	if !agent.Status.IsValid() {
		agent.Status = AgentIdle
	}
	return e.call(func() {
		if prev, ok := e.agents[agent.ID]; ok {
			agent.Usage.ActiveTasks = prev.Usage.ActiveTasks
		}
		if agent.Metadata.LastHeartbeat.IsZero() {
			agent.Metadata.LastHeartbeat = e.now()
		}
		e.agents[agent.ID] = &agent
		if e.metrics != nil {
			e.metrics.agents.Set(float64(len(e.agents)))
		}
		e.publish(events.KindStatus, string(agent.ID), map[string]any{"event": "agentRegistered", "agent_id": agent.ID})
		e.logger.Info("Agent %s registered (capacity %d)", agent.ID, agent.Capacity.MaxConcurrentTasks)
		e.schedule()
	})
}

// UnregisterAgent removes an agent. Its in-flight executions are re-queued so
// the work is not lost.
func (e *Engine) UnregisterAgent(agentID ids.AgentID) error {
	return e.call(func() {
		if _, ok := e.agents[agentID]; !ok {
			return
		}
		delete(e.agents, agentID)
		if e.metrics != nil {
			e.metrics.agents.Set(float64(len(e.agents)))
		}
		for _, exec := range e.executions {
			if exec.AgentID == agentID && !exec.Status.IsTerminal() && exec.Status != ExecQueued {
				e.logger.Warn("Re-queueing execution %s after agent %s unregistered", exec.ID, agentID)
				exec.Status = ExecCancelled
				e.finalize(exec, &Result{Success: false, Error: "agent unregistered"})
				e.requeue(exec, "agent unregistered")
			}
		}
		e.publish(events.KindStatus, string(agentID), map[string]any{"event": "agentUnregistered", "agent_id": agentID})
		e.logger.Info("Agent %s unregistered", agentID)
		e.schedule()
	})
}

// UpdateAgentStatus changes an agent's status and optionally adjusts its
// active-task usage. Usage never exceeds capacity or drops below zero.
func (e *Engine) UpdateAgentStatus(agentID ids.AgentID, status AgentStatus, usageDelta int) error {
	if !status.IsValid() {
		return verr.New(verr.KindValidation, "unknown agent status %q", status)
	}
	var callErr error
	err := e.call(func() {
		agent, ok := e.agents[agentID]
		if !ok {
			callErr = verr.New(verr.KindUnknownTask, "agent %s not registered", agentID)
			return
		}
		agent.Status = status
		agent.Metadata.LastHeartbeat = e.now()
		next := agent.Usage.ActiveTasks + usageDelta
		if next < 0 {
			next = 0
		}
		if next > agent.Capacity.MaxConcurrentTasks {
			next = agent.Capacity.MaxConcurrentTasks
		}
		agent.Usage.ActiveTasks = next
		e.schedule()
	})
	if err != nil {
		return err
	}
	return callErr
}

// SubmitTask queues a task for execution and returns the execution id. The
// queue is bounded; overflow is rejected with queue_full.
func (e *Engine) SubmitTask(ctx context.Context, task domain.AtomicTask) (ids.ExecutionID, error) {
	taskID, err := ids.NewTaskIDFrom(task.ID)
	if err != nil {
		return "", verr.Wrap(err, verr.KindValidation, "submit")
	}
	if err := ctx.Err(); err != nil {
		return "", verr.Wrap(err, verr.KindCancelled, "submit")
	}

	var (
		execID  ids.ExecutionID
		callErr error
	)
	err = e.call(func() {
		if len(e.queue) >= e.cfg.MaxConcurrentExecutions*queueFactor {
			if e.metrics != nil {
				e.metrics.rejected.Inc()
			}
			callErr = verr.New(verr.KindQueueFull, "execution queue full (%d)", len(e.queue))
			return
		}
		exec := &TaskExecution{
			ID:                   ids.NewExecutionID(),
			TaskID:               taskID,
			Status:               ExecQueued,
			Priority:             string(task.Priority),
			RequiredCapabilities: []string{string(task.Type)},
			ScheduledAt:          e.now(),
		}
		e.executions[exec.ID] = exec
		e.tasks[taskID] = task
		e.enqueue(exec)
		e.totalSubmitted++
		if e.metrics != nil {
			e.metrics.submitted.Inc()
			e.metrics.queueDepth.Set(float64(len(e.queue)))
		}
		execID = exec.ID
		e.publish(events.KindStatus, string(exec.ID), map[string]any{
			"event": "taskSubmitted", "task_id": taskID, "execution_id": exec.ID,
		})
		e.logger.Debug("Execution %s queued for task %s (priority %s)", exec.ID, taskID, task.Priority)
		e.schedule()
	})
	if err != nil {
		return "", err
	}
	return execID, callErr
}

// enqueue inserts by priority rank; equal priorities keep submission order,
// so a higher-priority arrival preempts only queued work.
func (e *Engine) enqueue(exec *TaskExecution) {
	rank := domain.Priority(exec.Priority).Rank()
	pos := sort.Search(len(e.queue), func(i int) bool {
		return domain.Priority(e.queue[i].Priority).Rank() < rank
	})
	e.queue = append(e.queue, nil)
	copy(e.queue[pos+1:], e.queue[pos:])
	e.queue[pos] = exec
}

// schedule drains the queue while an eligible agent exists. Runs on the loop.
func (e *Engine) schedule() {
	for len(e.queue) > 0 {
		exec := e.queue[0]
		if exec.Status != ExecQueued {
			// Cancelled while waiting; drop it from the queue.
			e.queue = e.queue[1:]
			continue
		}
		agent := e.selectAgent(exec.RequiredCapabilities)
		if agent == nil {
			break
		}
		e.queue = e.queue[1:]
		e.dispatch(exec, agent)
	}
	if e.metrics != nil {
		e.metrics.queueDepth.Set(float64(len(e.queue)))
	}
}

// selectAgent implements the hybrid_optimal policy: idle with capabilities,
// then any idle, then a busy agent with headroom and the best success rate.
func (e *Engine) selectAgent(wanted []string) *Agent {
	var idleMatching, idleAny, busy []*Agent
	for _, agent := range e.agents {
		if !agent.Status.schedulable() || !agent.hasHeadroom() {
			continue
		}
		switch {
		case agent.Status == AgentIdle && agent.hasCapabilities(wanted):
			idleMatching = append(idleMatching, agent)
		case agent.Status == AgentIdle:
			idleAny = append(idleAny, agent)
		default:
			busy = append(busy, agent)
		}
	}
	for _, pool := range [][]*Agent{idleMatching, idleAny, busy} {
		if len(pool) > 0 {
			return pickBest(pool)
		}
	}
	return nil
}

// pickBest tie-breaks by lowest active tasks, then highest success rate, then
// earliest heartbeat for round-robin fairness among equals.
func pickBest(pool []*Agent) *Agent {
	sort.Slice(pool, func(i, j int) bool {
		a, b := pool[i], pool[j]
		if a.Usage.ActiveTasks != b.Usage.ActiveTasks {
			return a.Usage.ActiveTasks < b.Usage.ActiveTasks
		}
		if a.Metadata.SuccessRate != b.Metadata.SuccessRate {
			return a.Metadata.SuccessRate > b.Metadata.SuccessRate
		}
		return a.Metadata.LastHeartbeat.Before(b.Metadata.LastHeartbeat)
	})
	return pool[0]
}

// dispatch moves a queued execution to the chosen agent. The transport call
// happens in a goroutine; its failure comes back as a command.
func (e *Engine) dispatch(exec *TaskExecution, agent *Agent) {
	exec.Status = ExecDispatched
	exec.AgentID = agent.ID
	exec.DispatchedAt = e.now()
	agent.Usage.ActiveTasks++
	if agent.Status == AgentIdle {
		agent.Status = AgentBusy
	}

	e.publish(events.KindStatus, string(exec.ID), map[string]any{
		"event": "executionDispatched", "execution_id": exec.ID, "agent_id": agent.ID,
	})
	e.logger.Debug("Execution %s dispatched to agent %s", exec.ID, agent.ID)

	if e.dispatcher == nil {
		return
	}
	execCopy := *exec
	agentCopy := *agent
	task := e.tasks[exec.TaskID]
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.TaskTimeout)
		defer cancel()
		if err := e.dispatcher.Dispatch(ctx, execCopy, task, agentCopy); err != nil {
			e.logger.Warn("Dispatch of %s to %s failed: %v", execCopy.ID, agentCopy.ID, err)
			// Transport failure is an infrastructure fault: retry once, then
			// surface as an unsuccessful completion.
			_ = e.call(func() { e.dispatchFailed(execCopy.ID, err) })
		}
	}()
}

func (e *Engine) dispatchFailed(execID ids.ExecutionID, cause error) {
	exec, ok := e.executions[execID]
	if !ok || exec.Status.IsTerminal() {
		return
	}
	e.releaseAgent(exec)
	if exec.RetryOf == "" {
		exec.Status = ExecCancelled
		e.finalize(exec, &Result{Success: false, Error: "dispatch failed: " + cause.Error()})
		e.requeue(exec, "dispatch failed")
		e.schedule()
		return
	}
	exec.Status = ExecCancelled
	e.finalize(exec, &Result{Success: false, Error: "dispatch failed after retry: " + cause.Error()})
	e.schedule()
}

// MarkRunning records that the agent acknowledged the task.
func (e *Engine) MarkRunning(execID ids.ExecutionID) error {
	var callErr error
	err := e.call(func() {
		exec, ok := e.executions[execID]
		if !ok {
			callErr = verr.New(verr.KindUnknownTask, "execution %s not found", execID)
			return
		}
		if !exec.Status.canTransition(ExecRunning) {
			callErr = verr.New(verr.KindInvalidState, "execution %s is %s", execID, exec.Status)
			return
		}
		exec.Status = ExecRunning
	})
	if err != nil {
		return err
	}
	return callErr
}

// CompleteExecution finalizes a dispatched or running execution with the
// given result. A pending cancel wins over the result status.
func (e *Engine) CompleteExecution(execID ids.ExecutionID, result Result) error {
	var callErr error
	err := e.call(func() {
		exec, ok := e.executions[execID]
		if !ok {
			callErr = verr.New(verr.KindUnknownTask, "execution %s not found", execID)
			return
		}
		if !exec.Status.canTransition(ExecCompleted) {
			callErr = verr.New(verr.KindInvalidState, "execution %s is %s", execID, exec.Status)
			return
		}
		e.releaseAgent(exec)
		e.updateAgentMetrics(exec, result.Success)
		if exec.cancelRequested {
			exec.Status = ExecCancelled
		} else {
			exec.Status = ExecCompleted
		}
		e.finalize(exec, &result)
		e.schedule()
	})
	if err != nil {
		return err
	}
	return callErr
}

// CancelExecution cancels a queued execution immediately; for a dispatched or
// running one it records the intent and waits for the reply or the watchdog.
// Cancelling a terminal execution is a no-op.
func (e *Engine) CancelExecution(execID ids.ExecutionID) error {
	var callErr error
	err := e.call(func() {
		exec, ok := e.executions[execID]
		if !ok {
			callErr = verr.New(verr.KindUnknownTask, "execution %s not found", execID)
			return
		}
		switch {
		case exec.Status.IsTerminal():
			// No-op.
		case exec.Status == ExecQueued:
			exec.Status = ExecCancelled
			e.removeFromQueue(exec.ID)
			e.finalize(exec, &Result{Success: false, Error: "cancelled before dispatch"})
		default:
			exec.cancelRequested = true
			e.logger.Debug("Cancel recorded for in-flight execution %s", execID)
		}
	})
	if err != nil {
		return err
	}
	return callErr
}

// GetExecution returns a snapshot of one execution.
func (e *Engine) GetExecution(execID ids.ExecutionID) (TaskExecution, error) {
	var (
		snap    TaskExecution
		callErr error
	)
	err := e.call(func() {
		exec, ok := e.executions[execID]
		if !ok {
			callErr = verr.New(verr.KindUnknownTask, "execution %s not found", execID)
			return
		}
		snap = *exec
	})
	if err != nil {
		return TaskExecution{}, err
	}
	return snap, callErr
}

// ActiveExecutionForTask resolves the non-terminal execution of a task.
// Agent replies reference tasks, not executions, so the feedback path needs
// this lookup.
func (e *Engine) ActiveExecutionForTask(taskID ids.TaskID) (TaskExecution, error) {
	var (
		snap    TaskExecution
		callErr error
	)
	err := e.call(func() {
		for _, exec := range e.executions {
			if exec.TaskID == taskID && !exec.Status.IsTerminal() {
				snap = *exec
				return
			}
		}
		callErr = verr.New(verr.KindUnknownTask, "no active execution for task %s", taskID)
	})
	if err != nil {
		return TaskExecution{}, err
	}
	return snap, callErr
}

// RecordProtocolError folds a zero score into the agent's success rate after
// a malformed reply. Task counters stay untouched.
func (e *Engine) RecordProtocolError(agentID ids.AgentID) {
	_ = e.call(func() {
		agent, ok := e.agents[agentID]
		if !ok {
			return
		}
		total := agent.Metadata.TotalTasksExecuted
		agent.Metadata.SuccessRate = agent.Metadata.SuccessRate * float64(total) / float64(total+1)
	})
}

// GetExecutionsByStatus returns snapshots of every execution in the state.
func (e *Engine) GetExecutionsByStatus(status ExecStatus) ([]TaskExecution, error) {
	var out []TaskExecution
	err := e.call(func() {
		for _, exec := range e.executions {
			if exec.Status == status {
				out = append(out, *exec)
			}
		}
	})
	return out, err
}

// GetAgent returns a snapshot of one agent.
func (e *Engine) GetAgent(agentID ids.AgentID) (Agent, error) {
	var (
		snap    Agent
		callErr error
	)
	err := e.call(func() {
		agent, ok := e.agents[agentID]
		if !ok {
			callErr = verr.New(verr.KindUnknownTask, "agent %s not registered", agentID)
			return
		}
		snap = *agent
	})
	if err != nil {
		return Agent{}, err
	}
	return snap, callErr
}

// GetExecutionStatistics returns the aggregate scheduler view.
func (e *Engine) GetExecutionStatistics() (Statistics, error) {
	stats := Statistics{ByStatus: make(map[ExecStatus]int)}
	err := e.call(func() {
		for _, exec := range e.executions {
			stats.ByStatus[exec.Status]++
		}
		stats.QueueDepth = len(e.queue)
		stats.Agents = len(e.agents)
		stats.TotalSubmitted = e.totalSubmitted
		stats.TotalCompleted = e.totalCompleted
		stats.TotalTimedOut = e.totalTimedOut
		stats.TotalCancelled = e.totalCancelled
		if e.totalCompleted > 0 {
			stats.AverageRunTime = e.totalRunTime / time.Duration(e.totalCompleted)
		}
	})
	return stats, err
}

// watchdog times out executions whose dispatch age exceeds the task timeout.
// Runs on the loop.
func (e *Engine) watchdog() {
	now := e.now()
	for _, exec := range e.executions {
		if exec.Status != ExecDispatched && exec.Status != ExecRunning {
			continue
		}
		if now.Sub(exec.DispatchedAt) <= e.cfg.TaskTimeout {
			continue
		}
		e.releaseAgent(exec)
		if exec.cancelRequested {
			exec.Status = ExecCancelled
			e.finalize(exec, &Result{Success: false, Error: "cancelled; agent never replied"})
			continue
		}
		exec.Status = ExecTimedOut
		e.totalTimedOut++
		e.finalize(exec, &Result{Success: false, Error: "execution timed out"})
		e.publish(events.KindStatus, string(exec.ID), map[string]any{
			"event": "executionTimedOut", "execution_id": exec.ID, "agent_id": exec.AgentID,
		})
		e.logger.Warn("Execution %s timed out on agent %s", exec.ID, exec.AgentID)
		if e.cfg.RequeueOnTimeout && exec.RetryOf == "" {
			e.requeue(exec, "timeout")
		}
	}
	e.schedule()
}

// requeue submits a fresh execution for the same task. The retry link caps
// re-queueing at one attempt per original submission.
func (e *Engine) requeue(prev *TaskExecution, reason string) {
	retry := &TaskExecution{
		ID:                   ids.NewExecutionID(),
		TaskID:               prev.TaskID,
		Status:               ExecQueued,
		Priority:             prev.Priority,
		RequiredCapabilities: prev.RequiredCapabilities,
		ScheduledAt:          e.now(),
		RetryOf:              prev.ID,
	}
	e.executions[retry.ID] = retry
	e.enqueue(retry)
	e.logger.Info("Execution %s re-queued as %s (%s)", prev.ID, retry.ID, reason)
}

// releaseAgent returns the execution's slot to its agent. Runs on the loop.
func (e *Engine) releaseAgent(exec *TaskExecution) {
	agent, ok := e.agents[exec.AgentID]
	if !ok {
		return
	}
	if agent.Usage.ActiveTasks > 0 {
		agent.Usage.ActiveTasks--
	}
	if agent.Usage.ActiveTasks == 0 && agent.Status == AgentBusy {
		agent.Status = AgentIdle
	}
}

// updateAgentMetrics folds one finished execution into the agent's rolling
// success rate and average runtime.
func (e *Engine) updateAgentMetrics(exec *TaskExecution, success bool) {
	agent, ok := e.agents[exec.AgentID]
	if !ok {
		return
	}
	elapsed := e.now().Sub(exec.DispatchedAt)
	total := agent.Metadata.TotalTasksExecuted
	agent.Metadata.AverageExecutionTime = time.Duration(
		(int64(agent.Metadata.AverageExecutionTime)*total + int64(elapsed)) / (total + 1),
	)
	score := 0.0
	if success {
		score = 1.0
	}
	agent.Metadata.SuccessRate = (agent.Metadata.SuccessRate*float64(total) + score) / float64(total+1)
	agent.Metadata.TotalTasksExecuted = total + 1
	agent.Metadata.LastHeartbeat = e.now()
}

// finalize stamps the terminal state and emits the terminal event. Runs on
// the loop; exec.Status must already be terminal.
func (e *Engine) finalize(exec *TaskExecution, result *Result) {
	exec.Result = result
	exec.CompletedAt = e.now()
	switch exec.Status {
	case ExecCompleted:
		e.totalCompleted++
		e.totalRunTime += exec.CompletedAt.Sub(exec.DispatchedAt)
		if e.metrics != nil {
			e.metrics.runDuration.Observe(exec.CompletedAt.Sub(exec.DispatchedAt).Seconds())
		}
	case ExecCancelled:
		e.totalCancelled++
	}
	if e.metrics != nil {
		e.metrics.finished.WithLabelValues(string(exec.Status)).Inc()
	}
	e.publish(events.KindTerminal, string(exec.ID), map[string]any{
		"event":        "executionCompleted",
		"execution_id": exec.ID,
		"status":       exec.Status,
		"success":      result.Success,
	})
}

func (e *Engine) removeFromQueue(execID ids.ExecutionID) {
	for i, queued := range e.queue {
		if queued.ID == execID {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			return
		}
	}
}

func (e *Engine) publish(kind events.Kind, jobID string, payload map[string]any) {
	if e.notifier == nil {
		return
	}
	raw, err := jsonx.Marshal(payload)
	if err != nil {
		e.logger.Warn("Execution event marshal failed: %v", err)
		return
	}
	e.notifier.Publish(executionSession, events.Event{JobID: jobID, Kind: kind, Payload: raw})
}

// Dispose cancels every non-terminal execution, stops the watchdog, and shuts
// the loop down. Safe to call more than once.
func (e *Engine) Dispose() {
	e.stopOnce.Do(func() {
		_ = e.call(func() {
			for _, exec := range e.executions {
				if exec.Status.IsTerminal() {
					continue
				}
				e.releaseAgent(exec)
				exec.Status = ExecCancelled
				e.finalize(exec, &Result{Success: false, Error: "engine disposed"})
			}
			e.queue = nil
			if e.metrics != nil {
				e.metrics.queueDepth.Set(0)
			}
		})
		e.stopMu.Lock()
		close(e.stopped)
		e.stopMu.Unlock()
		e.logger.Info("Execution engine disposed")
	})
}
