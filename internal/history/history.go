// Package history keeps the ordered conversation log and its truncation
// policy. The one structural invariant that matters: an assistant turn that
// carries action requests and the tool turns that carry their results form
// an atomic group — truncation drops the whole group or none of it, because
// a dangling tool result (or a request with no result) is an invalid
// conversation for every model API.
package history

import (
	"strings"
	"sync"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// turnOverhead is the flat per-turn cost added to the size heuristic; it
// stands in for role/framing tokens.
const turnOverhead = 8

// ToolCallRef is the replayable record of one action request an assistant
// turn carried: enough for a provider adapter to reconstruct the original
// function-call block when the conversation is sent back.
type ToolCallRef struct {
	CallID        string `json:"call_id"`
	Name          string `json:"name"`
	ArgumentsJSON string `json:"arguments_json,omitempty"`
}

// Turn is one history entry.
//
// An assistant turn that requested actions lists their call ids in CallIDs
// (and, for the structured protocol, the full refs in ToolCalls); each tool
// turn answering one of those requests carries the matching CallID. That
// linkage defines the atomic truncation groups.
type Turn struct {
	Role      string        `json:"role"`
	Content   string        `json:"content"`
	CallID    string        `json:"call_id,omitempty"`
	ToolName  string        `json:"tool_name,omitempty"`
	CallIDs   []string      `json:"call_ids,omitempty"`
	ToolCalls []ToolCallRef `json:"tool_calls,omitempty"`
}

// ApproxSize is the cheap size heuristic for one turn: roughly four
// characters per token plus flat overhead. Exactness does not matter, only
// monotonicity.
func (t Turn) ApproxSize() int {
	return len(t.Content)/4 + turnOverhead
}

// Log is an append-only (until truncated) ordered turn list. At most one
// system turn exists and it is always first.
type Log struct {
	mu    sync.Mutex
	turns []Turn
}

func New() *Log {
	return &Log{}
}

// SetSystem installs or replaces the leading system turn.
func (l *Log) SetSystem(content string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.turns) > 0 && l.turns[0].Role == RoleSystem {
		l.turns[0].Content = content
		return
	}
	l.turns = append([]Turn{{Role: RoleSystem, Content: content}}, l.turns...)
}

// Append adds one turn at the end. A system turn appended mid-conversation
// is routed to SetSystem to preserve the single-leading-system invariant.
func (l *Log) Append(turn Turn) {
	if l == nil {
		return
	}
	if turn.Role == RoleSystem {
		l.SetSystem(turn.Content)
		return
	}
	l.mu.Lock()
	l.turns = append(l.turns, turn)
	l.mu.Unlock()
}

// Turns returns a copy of the current log.
func (l *Log) Turns() []Turn {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Turn, len(l.turns))
	copy(out, l.turns)
	return out
}

// Size returns the approximate size of the whole log.
func (l *Log) Size() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return sizeOf(l.turns)
}

func sizeOf(turns []Turn) int {
	total := 0
	for _, t := range turns {
		total += t.ApproxSize()
	}
	return total
}

// Truncate drops whole turns from the front (after the system turn, which
// always survives) until the approximate size fits the budget. A turn that
// opens an action-request group is only dropped together with every turn of
// that group.
func (l *Log) Truncate(budget int) {
	if l == nil || budget <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if sizeOf(l.turns) <= budget {
		return
	}

	head := 0
	kept := l.turns
	var system *Turn
	if len(kept) > 0 && kept[0].Role == RoleSystem {
		sys := kept[0]
		system = &sys
		kept = kept[1:]
	}

	systemSize := 0
	if system != nil {
		systemSize = system.ApproxSize()
	}

	for head < len(kept) && systemSize+sizeOf(kept[head:]) > budget {
		head = groupEnd(kept, head)
	}
	kept = kept[head:]

	if system != nil {
		l.turns = append([]Turn{*system}, kept...)
		return
	}
	l.turns = append([]Turn(nil), kept...)
}

// groupEnd returns the index just past the atomic group starting at i: the
// turn itself plus, for an assistant turn carrying requests, every
// following tool turn answering one of its call ids.
func groupEnd(turns []Turn, i int) int {
	turn := turns[i]
	end := i + 1
	if turn.Role != RoleAssistant || len(turn.CallIDs) == 0 {
		return end
	}
	pending := make(map[string]struct{}, len(turn.CallIDs))
	for _, id := range turn.CallIDs {
		id = strings.TrimSpace(id)
		if id != "" {
			pending[id] = struct{}{}
		}
	}
	for end < len(turns) && len(pending) > 0 {
		next := turns[end]
		if next.Role != RoleTool {
			break
		}
		if _, ok := pending[next.CallID]; !ok {
			break
		}
		delete(pending, next.CallID)
		end++
	}
	return end
}
