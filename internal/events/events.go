// Package events fans progress events out to per-session subscribers.
//
// Delivery is best-effort and in-process: a slow subscriber loses its oldest
// non-terminal events once its buffer passes the high-watermark, and a
// backpressure marker is inserted so the client knows a gap exists. Terminal
// events are never dropped.
package events

import "vibe/internal/shared/jsonx"

// Kind classifies a session event.
type Kind string

const (
	KindProgress Kind = "progress"
	KindStatus   Kind = "status"
	KindLog      Kind = "log"
	KindTerminal Kind = "terminal"
	// KindBackpressure marks a gap where older events were dropped.
	KindBackpressure Kind = "backpressure"
)

// Event is one notification observed by subscribers of a session.
type Event struct {
	JobID   string           `json:"job_id"`
	Kind    Kind             `json:"kind"`
	Payload jsonx.RawMessage `json:"payload,omitempty"`
	// Seq is monotonic per (session, job) pair so ordering gaps are visible.
	Seq uint64 `json:"seq"`
}
