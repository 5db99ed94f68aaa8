// Package ids produces identifiers for the engine's entities and defines the
// branded ID types the execution engine schedules with.
package ids

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// TaskID identifies an atomic task. The brand exists so a task id can never
// be passed where an execution or agent id is expected.
type TaskID string

// AgentID identifies a registered worker agent.
type AgentID string

// ExecutionID identifies one scheduled attempt to run a task on an agent.
type ExecutionID string

// ErrEmptyID is returned by the branded factories when given a blank string.
var ErrEmptyID = fmt.Errorf("id must not be empty")

// NewTaskIDFrom validates and brands an externally supplied task id.
func NewTaskIDFrom(raw string) (TaskID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("task id: %w", ErrEmptyID)
	}
	return TaskID(raw), nil
}

// NewAgentIDFrom validates and brands an externally supplied agent id.
func NewAgentIDFrom(raw string) (AgentID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("agent id: %w", ErrEmptyID)
	}
	return AgentID(raw), nil
}

// NewExecutionIDFrom validates and brands an externally supplied execution id.
func NewExecutionIDFrom(raw string) (ExecutionID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("execution id: %w", ErrEmptyID)
	}
	return ExecutionID(raw), nil
}

// NewProjectID generates a project identifier with a stable prefix for display.
func NewProjectID() string {
	return newIdentifier("proj")
}

// NewEpicID derives an epic identifier from its functional area so epic ids
// stay meaningful instead of auto-incremented.
func NewEpicID(functionalArea string) string {
	area := strings.TrimSpace(strings.ToLower(functionalArea))
	if area == "" {
		area = "other"
	}
	return fmt.Sprintf("epic_%s_%s", area, shortSuffix())
}

// NewTaskID generates a fresh branded task identifier.
func NewTaskID() TaskID {
	return TaskID(newIdentifier("task"))
}

// NewExecutionID generates a fresh branded execution identifier.
func NewExecutionID() ExecutionID {
	return ExecutionID(newIdentifier("exec"))
}

// NewJobID generates a background-job identifier.
func NewJobID() string {
	return newIdentifier("job")
}

// NewSessionID generates a decomposition-session identifier.
func NewSessionID() string {
	return newIdentifier("session")
}

func newIdentifier(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, uuid.NewString())
}

func shortSuffix() string {
	return uuid.NewString()[:8]
}
