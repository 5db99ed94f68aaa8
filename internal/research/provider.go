// Package research defines the context-gathering collaborator the
// decomposition engine calls before splitting unfamiliar work.
package research

import "context"

// Depth controls how much effort a research pass spends.
type Depth string

const (
	DepthTargeted Depth = "targeted"
	DepthModerate Depth = "moderate"
	DepthDeep     Depth = "deep"
)

// Scope bounds one research pass.
type Scope struct {
	Depth            Depth `json:"depth"`
	EstimatedQueries int   `json:"estimated_queries"`
}

// Provider produces textual context for a query. The concrete implementation
// (web search, code search, docs) is external to the engine.
type Provider interface {
	Research(ctx context.Context, query string, scope Scope) (string, error)
}

// Nop is a Provider that returns no additional context.
type Nop struct{}

func (Nop) Research(context.Context, string, Scope) (string, error) {
	return "", nil
}
