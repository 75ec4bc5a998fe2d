// Package actions defines the shared contracts between the extractor, the
// execution engine, and the conversation loop: what a requested action looks
// like, what its outcome looks like, and how callables are registered and
// resolved.
package actions

import (
	"strings"
	"time"
)

// Protocol identifies the wire shape an action request was extracted from.
type Protocol string

const (
	// ProtocolTextual marks requests parsed out of free model text via
	// <Namespace.method> tag pairs.
	ProtocolTextual Protocol = "textual"
	// ProtocolStructured marks requests arriving as provider-native function
	// calls (name + JSON argument string + call id).
	ProtocolStructured Protocol = "structured"
)

// Request is one action the model asked for.
//
// Notes:
// - Arguments is empty whenever ExtractionOK is false; FailureReason then
//   carries the reason the extractor could not produce arguments.
// - RawText is the exact substring the extractor matched, kept for replay
//   and diagnostics. It is never re-parsed after extraction.
// - A Request is immutable once built; the engine consumes it exactly once.
type Request struct {
	Name          string         `json:"name"`
	Arguments     map[string]any `json:"arguments,omitempty"`
	CallID        string         `json:"call_id"`
	Protocol      Protocol       `json:"protocol"`
	ExtractionOK  bool           `json:"extraction_ok"`
	FailureReason string         `json:"failure_reason,omitempty"`
	RawText       string         `json:"raw_text,omitempty"`
}

// State is the lifecycle of one Result. Transitions only move forward:
// pending -> running -> success|failed.
type State string

const (
	StatePending State = "pending"
	StateRunning State = "running"
	StateSuccess State = "success"
	StateFailed  State = "failed"
)

// ToolMessage is the structured projection of a result for conversation
// transport: the call id pairs it back to the request that produced it.
type ToolMessage struct {
	CallID string `json:"call_id"`
	Name   string `json:"name"`
	Text   string `json:"text"`
}

// Result is the outcome of running one Request. The engine owns it until it
// is observed; afterwards only its serialized projection lives on.
type Result struct {
	Request    *Request     `json:"request"`
	State      State        `json:"state"`
	Content    string       `json:"content"`
	Message    *ToolMessage `json:"message,omitempty"`
	StartedAt  time.Time    `json:"started_at,omitzero"`
	FinishedAt time.Time    `json:"finished_at,omitzero"`
}

// CompletionSentinelName is the canonical spelling of the completion
// sentinel, used when advertising it to structured-protocol providers.
const CompletionSentinelName = "task_complete"

// completionSentinels are never resolved against a registry; they signal the
// model considers the task done and always yield a canned success.
var completionSentinels = map[string]struct{}{
	"task_complete": {},
	"task complete": {},
	"task.complete": {},
	"taskcomplete":  {},
}

// IsCompletionSentinel reports whether name is the reserved no-op completion
// action. Matching is case-insensitive.
func IsCompletionSentinel(name string) bool {
	key := strings.ToLower(strings.TrimSpace(name))
	_, ok := completionSentinels[key]
	return ok
}

// CompletionAck is the canned content recorded for a completion sentinel.
const CompletionAck = "Task marked as complete."
