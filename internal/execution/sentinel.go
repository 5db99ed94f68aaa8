package execution

import (
	"strings"

	"vibe/internal/ids"
	"vibe/internal/shared/jsonx"
	"vibe/internal/verr"
)

// ReplyKind tags the variants of the agent wire protocol.
type ReplyKind string

const (
	ReplyCompleted ReplyKind = "completed"
	ReplyNeedsHelp ReplyKind = "needs_help"
	ReplyBlocked   ReplyKind = "blocked"
	ReplyFailed    ReplyKind = "failed"
)

// BlockerType classifies what is blocking an agent.
type BlockerType string

const (
	BlockerDependency    BlockerType = "dependency"
	BlockerResource      BlockerType = "resource"
	BlockerTechnical     BlockerType = "technical"
	BlockerClarification BlockerType = "clarification"
)

func (t BlockerType) valid() bool {
	switch t {
	case BlockerDependency, BlockerResource, BlockerTechnical, BlockerClarification:
		return true
	default:
		return false
	}
}

// HelpDetails is the needs_help payload.
type HelpDetails struct {
	IssueDescription   string   `json:"issue_description"`
	AttemptedSolutions []string `json:"attempted_solutions,omitempty"`
	SpecificQuestions  []string `json:"specific_questions,omitempty"`
}

// BlockerDetails is the blocked payload.
type BlockerDetails struct {
	BlockerType         BlockerType `json:"blocker_type"`
	Description         string      `json:"description"`
	SuggestedResolution string      `json:"suggested_resolution,omitempty"`
}

// Reply is one parsed agent message. Exactly one of the detail blocks is
// meaningful, selected by Kind.
type Reply struct {
	Kind              ReplyKind        `json:"kind"`
	TaskID            ids.TaskID       `json:"taskId"`
	AgentID           ids.AgentID      `json:"agentId"`
	Message           string           `json:"message,omitempty"`
	CompletionDetails jsonx.RawMessage `json:"completion_details,omitempty"`
	HelpRequest       *HelpDetails     `json:"help_request,omitempty"`
	BlockerDetails    *BlockerDetails  `json:"blocker_details,omitempty"`
}

// ParseReply decodes and validates one wire message. Every malformation is a
// protocol_error; the caller decides whether to penalize the sender.
func ParseReply(raw []byte) (Reply, error) {
	var reply Reply
	if err := jsonx.Unmarshal(raw, &reply); err != nil {
		return Reply{}, verr.Wrap(err, verr.KindProtocol, "malformed agent reply")
	}
	if err := reply.validate(); err != nil {
		return Reply{}, err
	}
	return reply, nil
}

func (r *Reply) validate() error {
	switch r.Kind {
	case ReplyCompleted, ReplyNeedsHelp, ReplyBlocked, ReplyFailed:
	default:
		return verr.New(verr.KindProtocol, "unknown reply kind %q", r.Kind)
	}
	if strings.TrimSpace(string(r.TaskID)) == "" {
		return verr.New(verr.KindProtocol, "reply is missing task_id")
	}
	if strings.TrimSpace(string(r.AgentID)) == "" {
		return verr.New(verr.KindProtocol, "reply is missing agent_id")
	}
	switch r.Kind {
	case ReplyNeedsHelp:
		if r.HelpRequest == nil || strings.TrimSpace(r.HelpRequest.IssueDescription) == "" {
			return verr.New(verr.KindProtocol, "needs_help reply requires help_request.issue_description")
		}
	case ReplyBlocked:
		if r.BlockerDetails == nil {
			return verr.New(verr.KindProtocol, "blocked reply requires blocker_details")
		}
		if !r.BlockerDetails.BlockerType.valid() {
			return verr.New(verr.KindProtocol, "unknown blocker_type %q", r.BlockerDetails.BlockerType)
		}
		if strings.TrimSpace(r.BlockerDetails.Description) == "" {
			return verr.New(verr.KindProtocol, "blocked reply requires a description")
		}
	}
	return nil
}
