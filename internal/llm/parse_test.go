package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vibe/internal/verr"
)

type completionPayload struct {
	Subtasks []struct {
		Title string  `json:"title"`
		Hours float64 `json:"estimated_hours"`
	} `json:"subtasks"`
}

func TestUnmarshalCompletionPlainJSON(t *testing.T) {
	var out completionPayload
	raw := `{"subtasks": [{"title": "Add index", "estimated_hours": 0.1}]}`
	require.NoError(t, UnmarshalCompletion(raw, &out))
	require.Len(t, out.Subtasks, 1)
	assert.Equal(t, "Add index", out.Subtasks[0].Title)
}

func TestUnmarshalCompletionMarkdownFence(t *testing.T) {
	var out completionPayload
	raw := "Here is the decomposition:\n```json\n{\"subtasks\": [{\"title\": \"Add index\", \"estimated_hours\": 0.1}]}\n```\nLet me know if you need changes."
	require.NoError(t, UnmarshalCompletion(raw, &out))
	require.Len(t, out.Subtasks, 1)
}

func TestUnmarshalCompletionLeadingProse(t *testing.T) {
	var out completionPayload
	raw := `Sure! {"subtasks": []}`
	require.NoError(t, UnmarshalCompletion(raw, &out))
	assert.Empty(t, out.Subtasks)
}

func TestUnmarshalCompletionRepairsMalformedJSON(t *testing.T) {
	var out completionPayload
	// Trailing comma and single quotes, the usual model sins.
	raw := `{'subtasks': [{'title': 'Add index', 'estimated_hours': 0.1},]}`
	require.NoError(t, UnmarshalCompletion(raw, &out))
	require.Len(t, out.Subtasks, 1)
	assert.Equal(t, "Add index", out.Subtasks[0].Title)
}

func TestUnmarshalCompletionNoJSON(t *testing.T) {
	var out completionPayload
	err := UnmarshalCompletion("I could not produce a decomposition.", &out)
	require.Error(t, err)
	assert.True(t, verr.IsKind(err, verr.KindParse))

	err = UnmarshalCompletion("", &out)
	require.Error(t, err)
	assert.True(t, verr.IsKind(err, verr.KindParse))
}

func TestRetryClientRetriesTransientFailures(t *testing.T) {
	mock := NewMockClient(`{"subtasks": []}`).FailWith(
		verr.New(verr.KindBusy, "rate limited"),
		verr.New(verr.KindTimeout, "slow"),
	)
	client := NewRetryClient(mock, verr.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond})

	out, err := client.Complete(context.Background(), Request{Prompt: "decompose"})
	require.NoError(t, err)
	assert.Equal(t, `{"subtasks": []}`, out)
	assert.Equal(t, 3, mock.CallCount())
}

func TestRetryClientStopsOnValidationError(t *testing.T) {
	mock := NewMockClient(`{"subtasks": []}`).FailWith(verr.New(verr.KindValidation, "bad prompt"))
	client := NewRetryClient(mock, verr.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond})

	_, err := client.Complete(context.Background(), Request{Prompt: "decompose"})
	require.Error(t, err)
	assert.True(t, verr.IsKind(err, verr.KindValidation))
	assert.Equal(t, 1, mock.CallCount())
}

func TestRetryClientClassifiesUnknownErrorsAsTransient(t *testing.T) {
	mock := NewMockClient(`{"subtasks": []}`).FailWith(errors.New("connection reset"))
	client := NewRetryClient(mock, verr.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond})

	_, err := client.Complete(context.Background(), Request{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, 2, mock.CallCount())
}

func TestRetryClientHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	mock := NewMockClient(`{"subtasks": []}`)
	client := NewRetryClient(mock, verr.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond})

	_, err := client.Complete(ctx, Request{Prompt: "x"})
	require.Error(t, err)
	assert.True(t, verr.IsKind(err, verr.KindCancelled))
	assert.Equal(t, 0, mock.CallCount())
}

func TestRetryClientPreservesModel(t *testing.T) {
	client := NewRetryClient(NewMockClient("x"), verr.DefaultRetryConfig())
	assert.Equal(t, "mock", client.Model())
}
