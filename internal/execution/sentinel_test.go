package execution

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vibe/internal/ids"
	"vibe/internal/verr"
)

func TestParseReplyCompleted(t *testing.T) {
	raw := []byte(`{
		"kind": "completed",
		"taskId": "task_1",
		"agentId": "agent_1",
		"message": "done",
		"completion_details": {"files_changed": 2}
	}`)

	reply, err := ParseReply(raw)
	require.NoError(t, err)
	assert.Equal(t, ReplyCompleted, reply.Kind)
	assert.Equal(t, ids.TaskID("task_1"), reply.TaskID)
	assert.Equal(t, ids.AgentID("agent_1"), reply.AgentID)
	assert.NotEmpty(t, reply.CompletionDetails)
}

func TestParseReplyNeedsHelp(t *testing.T) {
	raw := []byte(`{
		"kind": "needs_help",
		"taskId": "task_1",
		"agentId": "agent_1",
		"help_request": {
			"issue_description": "cannot resolve the dependency graph",
			"attempted_solutions": ["cleared cache"],
			"specific_questions": ["which version is pinned?"]
		}
	}`)

	reply, err := ParseReply(raw)
	require.NoError(t, err)
	require.NotNil(t, reply.HelpRequest)
	assert.Equal(t, "cannot resolve the dependency graph", reply.HelpRequest.IssueDescription)
	assert.Len(t, reply.HelpRequest.AttemptedSolutions, 1)
}

func TestParseReplyBlocked(t *testing.T) {
	raw := []byte(`{
		"kind": "blocked",
		"taskId": "task_1",
		"agentId": "agent_1",
		"blocker_details": {
			"blocker_type": "dependency",
			"description": "migration must land first",
			"suggested_resolution": "run task_0"
		}
	}`)

	reply, err := ParseReply(raw)
	require.NoError(t, err)
	require.NotNil(t, reply.BlockerDetails)
	assert.Equal(t, BlockerDependency, reply.BlockerDetails.BlockerType)
}

func TestParseReplyProtocolErrors(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"malformed json", `{"kind": "completed",`},
		{"unknown kind", `{"kind": "shrug", "taskId": "task_1", "agentId": "agent_1"}`},
		{"missing task id", `{"kind": "completed", "agentId": "agent_1"}`},
		{"blank task id", `{"kind": "completed", "taskId": "  ", "agentId": "agent_1"}`},
		{"missing agent id", `{"kind": "completed", "taskId": "task_1"}`},
		{"needs_help without details", `{"kind": "needs_help", "taskId": "task_1", "agentId": "agent_1"}`},
		{"needs_help blank issue", `{"kind": "needs_help", "taskId": "task_1", "agentId": "agent_1", "help_request": {"issue_description": " "}}`},
		{"blocked without details", `{"kind": "blocked", "taskId": "task_1", "agentId": "agent_1"}`},
		{"blocked unknown type", `{"kind": "blocked", "taskId": "task_1", "agentId": "agent_1", "blocker_details": {"blocker_type": "weather", "description": "x"}}`},
		{"blocked blank description", `{"kind": "blocked", "taskId": "task_1", "agentId": "agent_1", "blocker_details": {"blocker_type": "technical", "description": " "}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseReply([]byte(tc.raw))
			require.Error(t, err)
			assert.True(t, verr.IsKind(err, verr.KindProtocol), "got %v", err)
		})
	}
}

func TestParseReplyFailedNeedsNoDetails(t *testing.T) {
	raw := []byte(`{"kind": "failed", "taskId": "task_1", "agentId": "agent_1", "message": "tests failed"}`)
	reply, err := ParseReply(raw)
	require.NoError(t, err)
	assert.Equal(t, ReplyFailed, reply.Kind)
	assert.Equal(t, "tests failed", reply.Message)
}
