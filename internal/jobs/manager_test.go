package jobs

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vibe/internal/shared/jsonx"
	"vibe/internal/verr"
)

func newTestManager(capacity int) *Manager {
	return NewManager(capacity, nil, nil)
}

func TestCreateJobStartsPending(t *testing.T) {
	m := newTestManager(10)
	id := m.CreateJob("decompose_task", jsonx.RawMessage(`{"title":"x"}`))

	job, ok := m.GetJob(id)
	require.True(t, ok)
	assert.Equal(t, StatusPending, job.Status)
	assert.Equal(t, 0, job.Progress)
	assert.Equal(t, "decompose_task", job.ToolName)
}

func TestUpdateStatusRejectsProgressDecrease(t *testing.T) {
	m := newTestManager(10)
	id := m.CreateJob("t", nil)

	require.NoError(t, m.UpdateStatus(id, StatusRunning, "", 50))
	err := m.UpdateStatus(id, StatusRunning, "", 30)
	require.Error(t, err)
	assert.True(t, verr.IsKind(err, verr.KindInvalidState))

	job, _ := m.GetJob(id)
	assert.Equal(t, 50, job.Progress)
}

func TestTerminalJobsAreImmutable(t *testing.T) {
	m := newTestManager(10)
	id := m.CreateJob("t", nil)
	require.NoError(t, m.SetResult(id, ResultEnvelope{Success: true}))

	err := m.UpdateStatus(id, StatusRunning, "", 10)
	require.Error(t, err)
	assert.True(t, verr.IsKind(err, verr.KindInvalidState))

	err = m.SetResult(id, ResultEnvelope{Success: false, Error: "again"})
	require.Error(t, err)
	assert.True(t, verr.IsKind(err, verr.KindInvalidState))

	job, ok := m.GetJob(id)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, job.Status)
	require.NotNil(t, job.Result)
	assert.True(t, job.Result.Success)
}

func TestSetResultRoundTrip(t *testing.T) {
	m := newTestManager(10)
	id := m.CreateJob("t", nil)

	envelope := ResultEnvelope{Success: true, Output: jsonx.RawMessage(`{"n":1}`)}
	require.NoError(t, m.SetResult(id, envelope))

	job, ok := m.GetJob(id)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.Equal(t, &envelope, job.Result)
}

func TestSetResultFailureYieldsError(t *testing.T) {
	m := newTestManager(10)
	id := m.CreateJob("t", nil)
	require.NoError(t, m.SetResult(id, ResultEnvelope{Success: false, Error: "boom"}))

	job, _ := m.GetJob(id)
	assert.Equal(t, StatusError, job.Status)
	assert.Equal(t, "boom", job.Message)
}

func TestUnknownJob(t *testing.T) {
	m := newTestManager(10)
	_, ok := m.GetJob("job_missing")
	assert.False(t, ok)

	err := m.UpdateStatus("job_missing", StatusRunning, "", 10)
	assert.True(t, verr.IsKind(err, verr.KindUnknownTask))
}

func TestAdaptivePollingLadder(t *testing.T) {
	m := newTestManager(10)
	id := m.CreateJob("t", nil)

	cases := []struct {
		status   Status
		progress int
		wantMs   int
	}{
		{StatusPending, 0, 1000},
		{StatusRunning, 30, 800},
		{StatusRunning, 60, 500},
		{StatusRunning, 90, 200},
	}
	for _, tc := range cases {
		require.NoError(t, m.UpdateStatus(id, tc.status, "", tc.progress))
		hint, ok := m.GetJobRateLimited(id)
		require.True(t, ok)
		assert.Equal(t, tc.wantMs, hint.SuggestedWaitMs, "status=%s progress=%d", tc.status, tc.progress)
	}

	require.NoError(t, m.SetResult(id, ResultEnvelope{Success: true}))
	hint, ok := m.GetJobRateLimited(id)
	require.True(t, ok)
	assert.Equal(t, 0, hint.SuggestedWaitMs)
}

func TestPushCapableForcesZeroWait(t *testing.T) {
	m := newTestManager(10)
	m.SetPushCapable(true)
	id := m.CreateJob("t", nil)

	hint, ok := m.GetJobRateLimited(id)
	require.True(t, ok)
	assert.Equal(t, 0, hint.SuggestedWaitMs)
}

func TestTerminalJobsEvictOverCapacity(t *testing.T) {
	m := newTestManager(3)

	var ids []string
	for i := 0; i < 5; i++ {
		id := m.CreateJob(fmt.Sprintf("t%d", i), nil)
		require.NoError(t, m.SetResult(id, ResultEnvelope{Success: true}))
		ids = append(ids, id)
	}

	// The two oldest terminal jobs aged out of the LRU.
	_, ok := m.GetJob(ids[0])
	assert.False(t, ok)
	_, ok = m.GetJob(ids[1])
	assert.False(t, ok)
	_, ok = m.GetJob(ids[4])
	assert.True(t, ok)

	active, terminal := m.Counts()
	assert.Equal(t, 0, active)
	assert.Equal(t, 3, terminal)
}

func TestNonTerminalJobsNeverEvicted(t *testing.T) {
	m := newTestManager(2)

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, m.CreateJob("t", nil))
	}
	for _, id := range ids {
		_, ok := m.GetJob(id)
		assert.True(t, ok, "live job %s must survive capacity pressure", id)
	}
	active, _ := m.Counts()
	assert.Equal(t, 5, active)
}

func TestTerminalListenerReceivesSnapshot(t *testing.T) {
	m := newTestManager(10)
	var wg sync.WaitGroup
	wg.Add(1)

	var got Job
	m.SetTerminalListener(func(job Job) {
		got = job
		wg.Done()
	})

	id := m.CreateJob("t", nil)
	require.NoError(t, m.SetResult(id, ResultEnvelope{Success: true}))
	wg.Wait()

	assert.Equal(t, id, got.ID)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestPurgeTerminal(t *testing.T) {
	m := newTestManager(10)
	past := time.Now().Add(-2 * time.Hour)
	m.now = func() time.Time { return past }

	id := m.CreateJob("t", nil)
	require.NoError(t, m.SetResult(id, ResultEnvelope{Success: true}))

	m.now = time.Now
	purged := m.PurgeTerminal(time.Hour)
	assert.Equal(t, 1, purged)
	_, ok := m.GetJob(id)
	assert.False(t, ok)
}
