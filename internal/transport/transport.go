// Package transport brings up the agent-facing endpoints (stdio, websocket,
// http, sse) with dynamic port allocation and graceful degradation: a
// transport that cannot start is reported unavailable without aborting the
// rest.
package transport

import "context"

// Kind names one transport flavor.
type Kind string

const (
	KindStdio     Kind = "stdio"
	KindWebsocket Kind = "websocket"
	KindHTTP      Kind = "http"
	KindSSE       Kind = "sse"
)

// State is the lifecycle state of one transport.
type State string

const (
	StateDisabled State = "disabled"
	StatePending  State = "pending"
	StateStarting State = "starting"
	StateStarted  State = "started"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// Transport is one startable endpoint. Start binds resources and returns
// only after the transport is serving; Stop releases them.
type Transport interface {
	Kind() Kind
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	// AllocatedPort returns the bound port after a successful start, 0 for
	// portless transports (stdio).
	AllocatedPort() int
	// Endpoint returns the externally visible address after start.
	Endpoint() string
}
