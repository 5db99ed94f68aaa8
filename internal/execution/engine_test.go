package execution

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vibe/internal/domain"
	"vibe/internal/ids"
	"vibe/internal/verr"
)

// stubDispatcher records dispatches in order; Err makes every dispatch fail.
type stubDispatcher struct {
	mu         sync.Mutex
	dispatched []TaskExecution
	Err        error
}

func (d *stubDispatcher) Dispatch(_ context.Context, exec TaskExecution, _ domain.AtomicTask, _ Agent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return d.Err
	}
	d.dispatched = append(d.dispatched, exec)
	return nil
}

func (d *stubDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dispatched)
}

func (d *stubDispatcher) order() []ids.TaskID {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]ids.TaskID, len(d.dispatched))
	for i, exec := range d.dispatched {
		out[i] = exec.TaskID
	}
	return out
}

func newTestEngine(t *testing.T, cfg EngineConfig, dispatcher Dispatcher) *Engine {
	t.Helper()
	engine := NewEngine(cfg, dispatcher, nil, nil, nil)
	t.Cleanup(engine.Dispose)
	return engine
}

func testAgent(id string, maxConcurrent int, capabilities ...string) Agent {
	return Agent{
		ID:           ids.AgentID(id),
		Status:       AgentIdle,
		Capabilities: capabilities,
		Capacity:     Capacity{MaxConcurrentTasks: maxConcurrent},
	}
}

func execTask(id string, priority domain.Priority) domain.AtomicTask {
	return domain.AtomicTask{
		ID:       id,
		Title:    "Add password hash helper",
		Type:     domain.TaskTypeDevelopment,
		Priority: priority,
		Status:   domain.StatusPending,
	}
}

func TestSubmitDispatchesToIdleAgent(t *testing.T) {
	dispatcher := &stubDispatcher{}
	engine := newTestEngine(t, DefaultEngineConfig(), dispatcher)

	require.NoError(t, engine.RegisterAgent(testAgent("agent_1", 2, "development")))
	execID, err := engine.SubmitTask(context.Background(), execTask("task_1", domain.PriorityMedium))
	require.NoError(t, err)

	exec, err := engine.GetExecution(execID)
	require.NoError(t, err)
	assert.Equal(t, ExecDispatched, exec.Status)
	assert.Equal(t, ids.AgentID("agent_1"), exec.AgentID)
	assert.False(t, exec.DispatchedAt.IsZero())

	agent, err := engine.GetAgent("agent_1")
	require.NoError(t, err)
	assert.Equal(t, AgentBusy, agent.Status)
	assert.Equal(t, 1, agent.Usage.ActiveTasks)

	require.Eventually(t, func() bool { return dispatcher.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestConcurrencyLimitQueuesOverflow(t *testing.T) {
	dispatcher := &stubDispatcher{}
	engine := newTestEngine(t, DefaultEngineConfig(), dispatcher)

	require.NoError(t, engine.RegisterAgent(testAgent("agent_1", 2, "development")))
	for i := 0; i < 5; i++ {
		_, err := engine.SubmitTask(context.Background(), execTask(fmt.Sprintf("task_%d", i), domain.PriorityMedium))
		require.NoError(t, err)
	}

	stats, err := engine.GetExecutionStatistics()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.ByStatus[ExecDispatched])
	assert.Equal(t, 3, stats.ByStatus[ExecQueued])
	assert.Equal(t, 3, stats.QueueDepth)
	assert.Equal(t, int64(5), stats.TotalSubmitted)

	agent, err := engine.GetAgent("agent_1")
	require.NoError(t, err)
	assert.Equal(t, 2, agent.Usage.ActiveTasks)
}

func TestPriorityOrdersTheQueue(t *testing.T) {
	dispatcher := &stubDispatcher{}
	engine := newTestEngine(t, DefaultEngineConfig(), dispatcher)

	// No agents yet: everything queues.
	_, err := engine.SubmitTask(context.Background(), execTask("task_low", domain.PriorityLow))
	require.NoError(t, err)
	_, err = engine.SubmitTask(context.Background(), execTask("task_critical", domain.PriorityCritical))
	require.NoError(t, err)
	_, err = engine.SubmitTask(context.Background(), execTask("task_medium", domain.PriorityMedium))
	require.NoError(t, err)

	require.NoError(t, engine.RegisterAgent(testAgent("agent_1", 3, "development")))

	require.Eventually(t, func() bool { return dispatcher.count() == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []ids.TaskID{"task_critical", "task_medium", "task_low"}, dispatcher.order())
}

func TestQueueFullRejectsSubmission(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.MaxConcurrentExecutions = 1
	engine := newTestEngine(t, cfg, &stubDispatcher{})

	for i := 0; i < 10; i++ {
		_, err := engine.SubmitTask(context.Background(), execTask(fmt.Sprintf("task_%d", i), domain.PriorityMedium))
		require.NoError(t, err)
	}
	_, err := engine.SubmitTask(context.Background(), execTask("task_overflow", domain.PriorityMedium))
	require.Error(t, err)
	assert.True(t, verr.IsKind(err, verr.KindQueueFull))
}

func TestSubmitRejectsInvalidTask(t *testing.T) {
	engine := newTestEngine(t, DefaultEngineConfig(), &stubDispatcher{})
	_, err := engine.SubmitTask(context.Background(), domain.AtomicTask{})
	assert.True(t, verr.IsKind(err, verr.KindValidation))
}

func TestCancelQueuedExecution(t *testing.T) {
	engine := newTestEngine(t, DefaultEngineConfig(), &stubDispatcher{})

	execID, err := engine.SubmitTask(context.Background(), execTask("task_1", domain.PriorityMedium))
	require.NoError(t, err)
	require.NoError(t, engine.CancelExecution(execID))

	exec, err := engine.GetExecution(execID)
	require.NoError(t, err)
	assert.Equal(t, ExecCancelled, exec.Status)
	require.NotNil(t, exec.Result)
	assert.False(t, exec.Result.Success)

	stats, err := engine.GetExecutionStatistics()
	require.NoError(t, err)
	assert.Equal(t, 0, stats.QueueDepth)
	assert.Equal(t, int64(1), stats.TotalCancelled)

	// Cancelling a terminal execution is a no-op, not an error.
	assert.NoError(t, engine.CancelExecution(execID))
}

func TestCancelInFlightWinsOverResult(t *testing.T) {
	engine := newTestEngine(t, DefaultEngineConfig(), &stubDispatcher{})
	require.NoError(t, engine.RegisterAgent(testAgent("agent_1", 1, "development")))

	execID, err := engine.SubmitTask(context.Background(), execTask("task_1", domain.PriorityMedium))
	require.NoError(t, err)
	require.NoError(t, engine.CancelExecution(execID))

	// The agent still replies with success; the pending cancel wins.
	require.NoError(t, engine.CompleteExecution(execID, Result{Success: true}))
	exec, err := engine.GetExecution(execID)
	require.NoError(t, err)
	assert.Equal(t, ExecCancelled, exec.Status)
}

func TestCompleteExecutionLifecycle(t *testing.T) {
	engine := newTestEngine(t, DefaultEngineConfig(), &stubDispatcher{})
	require.NoError(t, engine.RegisterAgent(testAgent("agent_1", 1, "development")))

	execID, err := engine.SubmitTask(context.Background(), execTask("task_1", domain.PriorityMedium))
	require.NoError(t, err)

	require.NoError(t, engine.MarkRunning(execID))
	require.NoError(t, engine.CompleteExecution(execID, Result{Success: true}))

	exec, err := engine.GetExecution(execID)
	require.NoError(t, err)
	assert.Equal(t, ExecCompleted, exec.Status)
	assert.False(t, exec.CompletedAt.IsZero())

	agent, err := engine.GetAgent("agent_1")
	require.NoError(t, err)
	assert.Equal(t, AgentIdle, agent.Status)
	assert.Equal(t, 0, agent.Usage.ActiveTasks)
	assert.Equal(t, int64(1), agent.Metadata.TotalTasksExecuted)
	assert.Equal(t, 1.0, agent.Metadata.SuccessRate)

	// Completing twice is an invalid transition.
	err = engine.CompleteExecution(execID, Result{Success: true})
	assert.True(t, verr.IsKind(err, verr.KindInvalidState))
}

func TestFailedResultKeepsExecutionCompleted(t *testing.T) {
	engine := newTestEngine(t, DefaultEngineConfig(), &stubDispatcher{})
	require.NoError(t, engine.RegisterAgent(testAgent("agent_1", 1, "development")))

	execID, err := engine.SubmitTask(context.Background(), execTask("task_1", domain.PriorityMedium))
	require.NoError(t, err)
	require.NoError(t, engine.CompleteExecution(execID, Result{Success: false, Error: "tests failed"}))

	// An agent-reported failure is a completed execution with an unsuccessful
	// result, not a scheduler-level state.
	exec, err := engine.GetExecution(execID)
	require.NoError(t, err)
	assert.Equal(t, ExecCompleted, exec.Status)
	assert.False(t, exec.Result.Success)

	agent, err := engine.GetAgent("agent_1")
	require.NoError(t, err)
	assert.Equal(t, 0.0, agent.Metadata.SuccessRate)
}

func TestMarkRunningRequiresDispatched(t *testing.T) {
	engine := newTestEngine(t, DefaultEngineConfig(), &stubDispatcher{})

	execID, err := engine.SubmitTask(context.Background(), execTask("task_1", domain.PriorityMedium))
	require.NoError(t, err)

	// Still queued: running is not reachable.
	err = engine.MarkRunning(execID)
	assert.True(t, verr.IsKind(err, verr.KindInvalidState))

	err = engine.MarkRunning("exec_ghost")
	assert.True(t, verr.IsKind(err, verr.KindUnknownTask))
}

func TestWatchdogTimesOutAndRequeuesOnce(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.WatchdogInterval = 5 * time.Millisecond
	cfg.TaskTimeout = time.Millisecond
	engine := newTestEngine(t, cfg, &stubDispatcher{})
	require.NoError(t, engine.RegisterAgent(testAgent("agent_1", 1, "development")))

	execID, err := engine.SubmitTask(context.Background(), execTask("task_1", domain.PriorityMedium))
	require.NoError(t, err)

	// Both the original and its single retry eventually time out; no third
	// attempt appears.
	require.Eventually(t, func() bool {
		timedOut, err := engine.GetExecutionsByStatus(ExecTimedOut)
		return err == nil && len(timedOut) == 2
	}, 2*time.Second, 5*time.Millisecond)

	timedOut, err := engine.GetExecutionsByStatus(ExecTimedOut)
	require.NoError(t, err)
	var retry TaskExecution
	for _, exec := range timedOut {
		if exec.ID != execID {
			retry = exec
		}
	}
	assert.Equal(t, execID, retry.RetryOf)

	stats, err := engine.GetExecutionStatistics()
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalTimedOut)
	assert.Equal(t, 2, stats.ByStatus[ExecTimedOut])

	agent, err := engine.GetAgent("agent_1")
	require.NoError(t, err)
	assert.Equal(t, 0, agent.Usage.ActiveTasks)
}

func TestDispatchFailureRequeuesOnce(t *testing.T) {
	dispatcher := &stubDispatcher{Err: fmt.Errorf("connection refused")}
	engine := newTestEngine(t, DefaultEngineConfig(), dispatcher)
	require.NoError(t, engine.RegisterAgent(testAgent("agent_1", 1, "development")))

	_, err := engine.SubmitTask(context.Background(), execTask("task_1", domain.PriorityMedium))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		cancelled, err := engine.GetExecutionsByStatus(ExecCancelled)
		return err == nil && len(cancelled) == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestUnregisterAgentRequeuesInFlight(t *testing.T) {
	dispatcher := &stubDispatcher{}
	engine := newTestEngine(t, DefaultEngineConfig(), dispatcher)
	require.NoError(t, engine.RegisterAgent(testAgent("agent_1", 1, "development")))

	execID, err := engine.SubmitTask(context.Background(), execTask("task_1", domain.PriorityMedium))
	require.NoError(t, err)
	require.NoError(t, engine.UnregisterAgent("agent_1"))

	exec, err := engine.GetExecution(execID)
	require.NoError(t, err)
	assert.Equal(t, ExecCancelled, exec.Status)

	// The work survives as a fresh queued execution linked to the original.
	queued, err := engine.GetExecutionsByStatus(ExecQueued)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, execID, queued[0].RetryOf)
	assert.Equal(t, ids.TaskID("task_1"), queued[0].TaskID)

	_, err = engine.GetAgent("agent_1")
	assert.True(t, verr.IsKind(err, verr.KindUnknownTask))
}

func TestDrainingAgentAcceptsNothingNew(t *testing.T) {
	dispatcher := &stubDispatcher{}
	engine := newTestEngine(t, DefaultEngineConfig(), dispatcher)
	require.NoError(t, engine.RegisterAgent(testAgent("agent_1", 2, "development")))
	require.NoError(t, engine.UpdateAgentStatus("agent_1", AgentDraining, 0))

	execID, err := engine.SubmitTask(context.Background(), execTask("task_1", domain.PriorityMedium))
	require.NoError(t, err)

	exec, err := engine.GetExecution(execID)
	require.NoError(t, err)
	assert.Equal(t, ExecQueued, exec.Status)

	// Back to idle: the queue drains.
	require.NoError(t, engine.UpdateAgentStatus("agent_1", AgentIdle, 0))
	exec, err = engine.GetExecution(execID)
	require.NoError(t, err)
	assert.Equal(t, ExecDispatched, exec.Status)
}

func TestCapabilityMatchingPrefersMatchingIdleAgent(t *testing.T) {
	dispatcher := &stubDispatcher{}
	engine := newTestEngine(t, DefaultEngineConfig(), dispatcher)

	generalist := testAgent("agent_general", 2)
	require.NoError(t, engine.RegisterAgent(generalist))
	specialist := testAgent("agent_dev", 2, "development")
	require.NoError(t, engine.RegisterAgent(specialist))

	execID, err := engine.SubmitTask(context.Background(), execTask("task_1", domain.PriorityMedium))
	require.NoError(t, err)

	exec, err := engine.GetExecution(execID)
	require.NoError(t, err)
	assert.Equal(t, ids.AgentID("agent_dev"), exec.AgentID)
}

func TestRecordProtocolErrorLowersSuccessRate(t *testing.T) {
	engine := newTestEngine(t, DefaultEngineConfig(), &stubDispatcher{})

	agent := testAgent("agent_1", 1, "development")
	agent.Metadata.TotalTasksExecuted = 1
	agent.Metadata.SuccessRate = 1.0
	require.NoError(t, engine.RegisterAgent(agent))

	engine.RecordProtocolError("agent_1")

	got, err := engine.GetAgent("agent_1")
	require.NoError(t, err)
	assert.Equal(t, 0.5, got.Metadata.SuccessRate)
	// Protocol errors do not count as executed tasks.
	assert.Equal(t, int64(1), got.Metadata.TotalTasksExecuted)
}

func TestActiveExecutionForTask(t *testing.T) {
	engine := newTestEngine(t, DefaultEngineConfig(), &stubDispatcher{})

	execID, err := engine.SubmitTask(context.Background(), execTask("task_1", domain.PriorityMedium))
	require.NoError(t, err)

	exec, err := engine.ActiveExecutionForTask("task_1")
	require.NoError(t, err)
	assert.Equal(t, execID, exec.ID)

	require.NoError(t, engine.CancelExecution(execID))
	_, err = engine.ActiveExecutionForTask("task_1")
	assert.True(t, verr.IsKind(err, verr.KindUnknownTask))
}

func TestDisposeCancelsOutstandingWork(t *testing.T) {
	engine := NewEngine(DefaultEngineConfig(), &stubDispatcher{}, nil, nil, nil)

	_, err := engine.SubmitTask(context.Background(), execTask("task_1", domain.PriorityMedium))
	require.NoError(t, err)

	engine.Dispose()
	engine.Dispose() // idempotent

	_, err = engine.SubmitTask(context.Background(), execTask("task_2", domain.PriorityMedium))
	require.Error(t, err)
	assert.True(t, verr.IsKind(err, verr.KindInvalidState))
}

func TestConcurrentCallsDuringDisposeNeverHang(t *testing.T) {
	engine := NewEngine(DefaultEngineConfig(), &stubDispatcher{}, nil, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, _ = engine.GetExecutionStatistics()
			}
		}()
	}
	go engine.Dispose()

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("callers hung while the engine was being disposed")
	}
}

func TestRegisterAgentValidation(t *testing.T) {
	engine := newTestEngine(t, DefaultEngineConfig(), &stubDispatcher{})

	err := engine.RegisterAgent(Agent{})
	assert.True(t, verr.IsKind(err, verr.KindValidation))

	err = engine.RegisterAgent(Agent{ID: "agent_1"})
	assert.True(t, verr.IsKind(err, verr.KindValidation))
}
