package execution

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vibe/internal/domain"
	"vibe/internal/events"
	"vibe/internal/ids"
	"vibe/internal/storage"
	"vibe/internal/verr"
)

type feedbackFixture struct {
	engine    *Engine
	store     *storage.FileStore
	notifier  *events.Notifier
	processor *Processor
}

func newFeedbackFixture(t *testing.T, cfg ProcessorConfig) *feedbackFixture {
	t.Helper()

	store, err := storage.NewFileStore(t.TempDir(), nil, nil)
	require.NoError(t, err)

	engine := NewEngine(DefaultEngineConfig(), &stubDispatcher{}, nil, nil, nil)
	t.Cleanup(engine.Dispose)

	notifier := events.NewNotifier(0, nil)
	t.Cleanup(notifier.Close)

	return &feedbackFixture{
		engine:    engine,
		store:     store,
		notifier:  notifier,
		processor: NewProcessor(engine, store, notifier, cfg, nil),
	}
}

// startExecution persists the task and dispatches it to a fresh agent.
func (f *feedbackFixture) startExecution(t *testing.T, taskID string) ids.ExecutionID {
	t.Helper()
	task := domain.AtomicTask{
		ID:                 taskID,
		Title:              "Add password hash helper",
		Type:               domain.TaskTypeDevelopment,
		Priority:           domain.PriorityMedium,
		Status:             domain.StatusPending,
		EstimatedHours:     0.15,
		FunctionalArea:     domain.AreaAuthentication,
		EpicID:             "epic_authentication_ab12cd34",
		ProjectID:          "proj_1",
		AcceptanceCriteria: []string{"helper hashes with bcrypt"},
	}
	require.NoError(t, f.store.CreateTask(context.Background(), task))

	execID, err := f.engine.SubmitTask(context.Background(), task)
	require.NoError(t, err)
	return execID
}

func TestCompletedReplyFinalizesExecutionAndTask(t *testing.T) {
	f := newFeedbackFixture(t, DefaultProcessorConfig())
	require.NoError(t, f.engine.RegisterAgent(testAgent("agent_1", 1, "development")))
	execID := f.startExecution(t, "task_1")

	err := f.processor.Process(context.Background(), Reply{
		Kind:              ReplyCompleted,
		TaskID:            "task_1",
		AgentID:           "agent_1",
		CompletionDetails: []byte(`{"files_changed": 2}`),
	})
	require.NoError(t, err)

	exec, err := f.engine.GetExecution(execID)
	require.NoError(t, err)
	assert.Equal(t, ExecCompleted, exec.Status)
	assert.True(t, exec.Result.Success)

	task, err := f.store.GetTask(context.Background(), "task_1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, task.Status)
	require.NotNil(t, task.CompletedAt)
	assert.Equal(t, "agent_1", task.AssignedAgent)
	assert.GreaterOrEqual(t, task.ActualHours, 0.0)
}

func TestFailedReplyIsCompletedWithoutSuccess(t *testing.T) {
	f := newFeedbackFixture(t, DefaultProcessorConfig())
	require.NoError(t, f.engine.RegisterAgent(testAgent("agent_1", 1, "development")))
	execID := f.startExecution(t, "task_1")

	err := f.processor.Process(context.Background(), Reply{
		Kind:    ReplyFailed,
		TaskID:  "task_1",
		AgentID: "agent_1",
		Message: "tests failed",
	})
	require.NoError(t, err)

	exec, err := f.engine.GetExecution(execID)
	require.NoError(t, err)
	assert.Equal(t, ExecCompleted, exec.Status)
	assert.False(t, exec.Result.Success)
	assert.Equal(t, "tests failed", exec.Result.Error)

	task, err := f.store.GetTask(context.Background(), "task_1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, task.Status)

	// Without AutoRetryFailedTasks nothing is re-submitted.
	_, err = f.engine.ActiveExecutionForTask("task_1")
	assert.True(t, verr.IsKind(err, verr.KindUnknownTask))
}

func TestAutoRetryResubmitsFailedTaskOnce(t *testing.T) {
	cfg := DefaultProcessorConfig()
	cfg.AutoRetryFailedTasks = true
	f := newFeedbackFixture(t, cfg)
	require.NoError(t, f.engine.RegisterAgent(testAgent("agent_1", 1, "development")))
	f.startExecution(t, "task_1")

	fail := Reply{Kind: ReplyFailed, TaskID: "task_1", AgentID: "agent_1", Message: "flaky"}
	require.NoError(t, f.processor.Process(context.Background(), fail))

	// The failure produced a fresh active execution for the task.
	retry, err := f.engine.ActiveExecutionForTask("task_1")
	require.NoError(t, err)
	assert.Equal(t, ids.TaskID("task_1"), retry.TaskID)

	// A second failure is not retried again.
	require.NoError(t, f.processor.Process(context.Background(), fail))
	_, err = f.engine.ActiveExecutionForTask("task_1")
	assert.True(t, verr.IsKind(err, verr.KindUnknownTask))
}

func TestReplyForUnknownTask(t *testing.T) {
	f := newFeedbackFixture(t, DefaultProcessorConfig())

	err := f.processor.Process(context.Background(), Reply{
		Kind: ReplyCompleted, TaskID: "task_ghost", AgentID: "agent_1",
	})
	assert.True(t, verr.IsKind(err, verr.KindUnknownTask))
}

func TestReplyForFinishedExecutionIsInvalidState(t *testing.T) {
	f := newFeedbackFixture(t, DefaultProcessorConfig())
	agent := testAgent("agent_1", 1, "development")
	require.NoError(t, f.engine.RegisterAgent(agent))
	f.startExecution(t, "task_1")

	done := Reply{Kind: ReplyCompleted, TaskID: "task_1", AgentID: "agent_1"}
	require.NoError(t, f.processor.Process(context.Background(), done))

	before, err := f.engine.GetAgent("agent_1")
	require.NoError(t, err)

	// The task is known but its execution is terminal: invalid_state, and the
	// agent's counters stay untouched.
	err = f.processor.Process(context.Background(), done)
	assert.True(t, verr.IsKind(err, verr.KindInvalidState))

	after, err := f.engine.GetAgent("agent_1")
	require.NoError(t, err)
	assert.Equal(t, before.Metadata.TotalTasksExecuted, after.Metadata.TotalTasksExecuted)
	assert.Equal(t, before.Metadata.SuccessRate, after.Metadata.SuccessRate)
}

func TestProcessRawPenalizesIdentifiableSender(t *testing.T) {
	f := newFeedbackFixture(t, DefaultProcessorConfig())
	agent := testAgent("agent_1", 1, "development")
	agent.Metadata.TotalTasksExecuted = 1
	agent.Metadata.SuccessRate = 1.0
	require.NoError(t, f.engine.RegisterAgent(agent))

	err := f.processor.ProcessRaw(context.Background(), []byte(`{"kind": "completed", "agentId": "agent_1"}`))
	require.Error(t, err)
	assert.True(t, verr.IsKind(err, verr.KindProtocol))

	got, err := f.engine.GetAgent("agent_1")
	require.NoError(t, err)
	assert.Equal(t, 0.5, got.Metadata.SuccessRate)
}

func TestProcessRawGarbageWithoutSender(t *testing.T) {
	f := newFeedbackFixture(t, DefaultProcessorConfig())
	err := f.processor.ProcessRaw(context.Background(), []byte("not even json"))
	require.Error(t, err)
	assert.True(t, verr.IsKind(err, verr.KindProtocol))
}

func TestHelpRequestsEscalateAboveLimit(t *testing.T) {
	cfg := DefaultProcessorConfig()
	cfg.MaxHelpRequests = 2
	f := newFeedbackFixture(t, cfg)
	require.NoError(t, f.engine.RegisterAgent(testAgent("agent_1", 1, "development")))
	f.startExecution(t, "task_1")

	sub := f.notifier.Subscribe("feedback")
	defer f.notifier.Unsubscribe(sub)

	help := Reply{
		Kind: ReplyNeedsHelp, TaskID: "task_1", AgentID: "agent_1",
		HelpRequest: &HelpDetails{IssueDescription: "stuck on flaky test"},
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, f.processor.Process(context.Background(), help))
	}
	assert.Equal(t, 3, f.processor.openHelpRequests("agent_1"))

	sawEscalation := false
	deadline := time.After(2 * time.Second)
	for !sawEscalation {
		select {
		case event := <-sub.Events():
			if containsEvent(event.Payload, "helpEscalated") {
				sawEscalation = true
			}
		case <-deadline:
			t.Fatal("escalation event never published")
		}
	}
}

func containsEvent(payload []byte, name string) bool {
	return strings.Contains(string(payload), fmt.Sprintf("%q", name))
}

func TestBlockedReplyRecordsBlocker(t *testing.T) {
	f := newFeedbackFixture(t, DefaultProcessorConfig())
	require.NoError(t, f.engine.RegisterAgent(testAgent("agent_1", 1, "development")))
	f.startExecution(t, "task_1")

	err := f.processor.Process(context.Background(), Reply{
		Kind: ReplyBlocked, TaskID: "task_1", AgentID: "agent_1",
		BlockerDetails: &BlockerDetails{
			BlockerType: BlockerTechnical,
			Description: "schema mismatch between environments",
		},
	})
	require.NoError(t, err)

	task, err := f.store.GetTask(context.Background(), "task_1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusBlocked, task.Status)

	open := f.processor.OpenBlockers()
	require.Len(t, open, 1)
	assert.Equal(t, ImpactMedium, open[0].Impact)

	require.NoError(t, f.processor.ResolveBlocker(open[0].ID))
	assert.Empty(t, f.processor.OpenBlockers())

	err = f.processor.ResolveBlocker("blocker_ghost")
	assert.True(t, verr.IsKind(err, verr.KindUnknownTask))
}

func TestHighImpactBlockerEscalatesUnlessResolved(t *testing.T) {
	cfg := DefaultProcessorConfig()
	cfg.BlockerEscalationDelay = 30 * time.Millisecond
	f := newFeedbackFixture(t, cfg)
	require.NoError(t, f.engine.RegisterAgent(testAgent("agent_1", 2, "development")))
	f.startExecution(t, "task_1")

	sub := f.notifier.Subscribe("feedback")
	defer f.notifier.Unsubscribe(sub)

	err := f.processor.Process(context.Background(), Reply{
		Kind: ReplyBlocked, TaskID: "task_1", AgentID: "agent_1",
		BlockerDetails: &BlockerDetails{
			BlockerType: BlockerDependency,
			Description: "blocking until the migration lands",
		},
	})
	require.NoError(t, err)

	sawEscalation := false
	deadline := time.After(2 * time.Second)
	for !sawEscalation {
		select {
		case event := <-sub.Events():
			if containsEvent(event.Payload, "blockerEscalated") {
				sawEscalation = true
			}
		case <-deadline:
			t.Fatal("high-impact blocker never escalated")
		}
	}
}

func TestResolvedBlockerDoesNotEscalate(t *testing.T) {
	cfg := DefaultProcessorConfig()
	cfg.BlockerEscalationDelay = 30 * time.Millisecond
	f := newFeedbackFixture(t, cfg)
	require.NoError(t, f.engine.RegisterAgent(testAgent("agent_1", 1, "development")))
	f.startExecution(t, "task_1")

	sub := f.notifier.Subscribe("feedback")
	defer f.notifier.Unsubscribe(sub)

	err := f.processor.Process(context.Background(), Reply{
		Kind: ReplyBlocked, TaskID: "task_1", AgentID: "agent_1",
		BlockerDetails: &BlockerDetails{
			BlockerType: BlockerResource,
			Description: "critical quota exhausted",
		},
	})
	require.NoError(t, err)

	open := f.processor.OpenBlockers()
	require.Len(t, open, 1)
	require.NoError(t, f.processor.ResolveBlocker(open[0].ID))

	// Give the disarmed timer a chance to fire, then ensure no escalation
	// reached the stream.
	time.Sleep(100 * time.Millisecond)
	for {
		select {
		case event := <-sub.Events():
			assert.False(t, containsEvent(event.Payload, "blockerEscalated"))
		default:
			return
		}
	}
}

func TestInferImpact(t *testing.T) {
	cases := []struct {
		details BlockerDetails
		message string
		want    Impact
	}{
		{BlockerDetails{BlockerType: BlockerTechnical, Description: "critical outage"}, "", ImpactCritical},
		{BlockerDetails{BlockerType: BlockerTechnical, Description: "x"}, "this is urgent", ImpactCritical},
		{BlockerDetails{BlockerType: BlockerTechnical, Description: "blocking the release"}, "", ImpactHigh},
		{BlockerDetails{BlockerType: BlockerDependency, Description: "waits on task_0"}, "", ImpactHigh},
		{BlockerDetails{BlockerType: BlockerClarification, Description: "which endpoint?"}, "", ImpactLow},
		{BlockerDetails{BlockerType: BlockerResource, Description: "quota low"}, "", ImpactMedium},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, inferImpact(tc.details, tc.message), "%+v", tc.details)
	}
}

func TestPerformanceScore(t *testing.T) {
	f := newFeedbackFixture(t, DefaultProcessorConfig())

	perfect := testAgent("agent_perfect", 1, "development")
	perfect.Metadata.TotalTasksExecuted = 12
	perfect.Metadata.SuccessRate = 1.0
	require.NoError(t, f.engine.RegisterAgent(perfect))

	score, err := f.processor.PerformanceScore("agent_perfect")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, score, 0.01)

	idle := testAgent("agent_idle", 1, "development")
	require.NoError(t, f.engine.RegisterAgent(idle))

	score, err = f.processor.PerformanceScore("agent_idle")
	require.NoError(t, err)
	// No throughput, no successes, but also no help requests or blockers.
	assert.InDelta(t, 0.3, score, 0.01)

	_, err = f.processor.PerformanceScore("agent_ghost")
	assert.True(t, verr.IsKind(err, verr.KindUnknownTask))
}
