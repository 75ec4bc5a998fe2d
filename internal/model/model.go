// Package model defines the external model collaborator interface and the
// provider adapters behind it. A response tags its payload as either free
// text (textual protocol) or function-call triples (structured protocol);
// which protocol a session speaks is decided by the client wiring, never by
// the core loop.
package model

import (
	"context"

	"github.com/crescentlab/crescent-agent/internal/extract"
	"github.com/crescentlab/crescent-agent/internal/history"
)

// ToolSchema advertises one action to a structured-protocol provider.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Response is one model turn. Calls is empty for textual-protocol
// responses; the action tags then live inside Text.
type Response struct {
	Text  string                 `json:"text"`
	Calls []extract.FunctionCall `json:"calls,omitempty"`
}

// Structured reports whether the response arrived as function calls.
func (r Response) Structured() bool {
	return len(r.Calls) > 0
}

// Client is the model collaborator. A failed Chat is the one loop-fatal
// error category; everything downstream of it is recovered into results.
type Client interface {
	Chat(ctx context.Context, turns []history.Turn, tools []ToolSchema) (Response, error)
}

// providerToolName maps a dotted Namespace.method action name onto the
// [A-Za-z0-9_-] charset providers enforce for function names. The adapters
// keep an alias map so responses translate back to the real name.
func providerToolName(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
