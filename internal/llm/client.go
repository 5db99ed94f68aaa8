// Package llm defines the completion port the decomposition engine consumes
// and the decorators that make raw model output safe to parse.
//
// The concrete HTTP client is an external collaborator; the engine only
// depends on the Client interface here.
package llm

import (
	"context"
	"time"
)

// Request is one completion call.
type Request struct {
	Prompt string
	// SystemPrompt is prepended when the provider supports a system role.
	SystemPrompt string
	// Schema, when non-empty, asks the provider for JSON conforming to the
	// given JSON-schema document. Responses are still validated locally.
	Schema  string
	Timeout time.Duration
}

// Client is the minimal completion contract.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
	Model() string
}

// Config carries the caller-supplied timeout and retry parameters.
type Config struct {
	Timeout     time.Duration
	MaxAttempts int
}
