package extract

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/crescentlab/crescent-agent/internal/actions"
)

// FromFunctionCall converts one provider-native function call into a
// Request. A JSON parse failure is encoded in the result: the raw argument
// string is preserved for diagnostics and the engine reports the reason back
// to the model instead of invoking anything.
func FromFunctionCall(name string, argsJSON string, callID string) *actions.Request {
	req := &actions.Request{
		Name:     strings.TrimSpace(name),
		CallID:   strings.TrimSpace(callID),
		Protocol: actions.ProtocolStructured,
		RawText:  argsJSON,
	}
	if req.CallID == "" {
		req.CallID = newCallID()
	}

	trimmed := strings.TrimSpace(argsJSON)
	if trimmed == "" {
		req.ExtractionOK = true
		req.Arguments = map[string]any{}
		return req
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(trimmed), &args); err != nil {
		req.FailureReason = fmt.Sprintf("invalid function call arguments: %v", err)
		return req
	}
	if args == nil {
		args = map[string]any{}
	}
	req.ExtractionOK = true
	req.Arguments = args
	return req
}

// FromFunctionCalls maps a batch of function calls, preserving provider
// order.
func FromFunctionCalls(calls []FunctionCall) []*actions.Request {
	out := make([]*actions.Request, 0, len(calls))
	for _, call := range calls {
		out = append(out, FromFunctionCall(call.Name, call.ArgumentsJSON, call.CallID))
	}
	return out
}

// FunctionCall is the structured-protocol wire triple.
type FunctionCall struct {
	Name          string `json:"name"`
	ArgumentsJSON string `json:"arguments_json"`
	CallID        string `json:"call_id"`
}
