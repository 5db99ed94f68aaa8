// Package jsonx pins the module's JSON codec. Session exports, store files,
// and event payloads all marshal through these aliases, so the underlying
// implementation changes in exactly one place.
package jsonx

import "github.com/goccy/go-json"

var (
	Marshal       = json.Marshal
	MarshalIndent = json.MarshalIndent
	Unmarshal     = json.Unmarshal
	NewDecoder    = json.NewDecoder
	NewEncoder    = json.NewEncoder
)

type RawMessage = json.RawMessage
type Number = json.Number
