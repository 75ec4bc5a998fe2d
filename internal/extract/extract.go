// Package extract turns one model response into structured action requests.
//
// Two wire shapes are supported: the textual protocol, where actions are
// embedded in free model text as <Namespace.method> tag pairs with nested
// parameter tags, and the structured protocol, where the provider already
// delivered a (name, argsJSON, callID) function-call triple.
//
// Extraction never fails loudly. A span the extractor cannot make sense of
// becomes a Request with ExtractionOK=false and a FailureReason the engine
// later reports back to the model as an observation.
package extract

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/crescentlab/crescent-agent/internal/actions"
)

// Catalog is the extractor's view of the registered actions: which names to
// scan for, and which parameter tags to look for inside a matched span.
// *actions.InMemoryRegistry satisfies it.
type Catalog interface {
	Names() []string
	ParameterNames(name string) []string
}

// pathParamNames are parameter names treated as file paths when deciding
// whether a sibling value is a raw file body that must survive verbatim.
var pathParamNames = map[string]struct{}{
	"path":        {},
	"filePath":    {},
	"apiFilePath": {},
}

// Extract scans text for every cataloged action name and returns the
// requests in the order their opening tags appear in the text. The scan is
// per-name, so ordering is restored by sorting on the match offset.
func Extract(text string, catalog Catalog) []*actions.Request {
	if strings.TrimSpace(text) == "" || catalog == nil {
		return nil
	}

	type located struct {
		start int
		req   *actions.Request
	}
	var found []located

	names := catalog.Names()
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		open := "<" + name + ">"
		clos := "</" + name + ">"

		from := 0
		for {
			rel := strings.Index(text[from:], open)
			if rel < 0 {
				break
			}
			start := from + rel
			bodyStart := start + len(open)
			endRel := strings.Index(text[bodyStart:], clos)
			if endRel < 0 {
				break
			}
			bodyEnd := bodyStart + endRel
			raw := text[start : bodyEnd+len(clos)]
			body := text[bodyStart:bodyEnd]

			req := parseSpan(name, body, raw, catalog.ParameterNames(name))
			found = append(found, located{start: start, req: req})
			from = bodyEnd + len(clos)
		}
	}

	sort.SliceStable(found, func(i, j int) bool { return found[i].start < found[j].start })

	out := make([]*actions.Request, 0, len(found))
	for _, item := range found {
		out = append(out, item.req)
	}
	return out
}

// parseSpan extracts the declared parameters from one matched action body.
func parseSpan(name string, body string, raw string, paramOrder []string) *actions.Request {
	req := &actions.Request{
		Name:     name,
		CallID:   newCallID(),
		Protocol: actions.ProtocolTextual,
		RawText:  raw,
	}

	values := make(map[string]string, len(paramOrder))
	for _, param := range paramOrder {
		open := "<" + param + ">"
		clos := "</" + param + ">"
		start := strings.Index(body, open)
		if start < 0 {
			continue
		}
		end := strings.LastIndex(body, clos)
		if end < 0 || end < start+len(open) {
			continue
		}
		values[param] = strings.TrimSpace(body[start+len(open) : end])
	}

	if len(values) == 0 {
		trimmed := strings.TrimSpace(body)
		if looksLikeBareJSONObject(trimmed) {
			req.FailureReason = "action body is a bare JSON object with no parameter tags; use <param>value</param> tags"
			return req
		}
		req.ExtractionOK = true
		req.Arguments = map[string]any{}
		return req
	}

	// A .json-suffixed path parameter means sibling values are raw file
	// bodies: parsing and re-serializing them would silently reformat the
	// file, so they are kept verbatim.
	verbatimSiblings := false
	for _, param := range paramOrder {
		if _, ok := pathParamNames[param]; !ok {
			continue
		}
		if strings.HasSuffix(unescapeEntities(values[param]), ".json") {
			verbatimSiblings = true
			break
		}
	}

	args := make(map[string]any, len(values))
	for param, rawValue := range values {
		unescaped := unescapeEntities(rawValue)
		_, isPath := pathParamNames[param]
		if verbatimSiblings && !isPath {
			args[param] = unescaped
			continue
		}
		args[param] = parseLiteral(unescaped)
	}

	req.ExtractionOK = true
	req.Arguments = args
	return req
}

// parseLiteral attempts a JSON literal parse and falls back to the raw
// string. Models interleave bare words, quoted strings, numbers, and inline
// JSON freely; best effort is the contract.
func parseLiteral(s string) any {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return s
	}
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return s
	}
	return v
}

// looksLikeBareJSONObject reports whether the whole span body is one JSON
// object. Such spans are a malformed request (the model dumped a function
// call payload where tags were expected) and are flagged, not guessed at.
func looksLikeBareJSONObject(s string) bool {
	if !strings.HasPrefix(s, "{") || !strings.HasSuffix(s, "}") {
		return false
	}
	var v map[string]any
	return json.Unmarshal([]byte(s), &v) == nil
}

func newCallID() string {
	return "call_" + uuid.NewString()
}
