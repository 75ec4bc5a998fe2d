// Package agent drives the conversation loop: send history to the model,
// extract the requested actions, execute them, feed the results back, repeat
// until the model stops requesting actions.
//
// Error posture: only a failed model call ends a run. Everything downstream
// (extraction, execution, persistence) degrades into observations the model
// reads on its next turn.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/crescentlab/crescent-agent/internal/actions"
	"github.com/crescentlab/crescent-agent/internal/engine"
	"github.com/crescentlab/crescent-agent/internal/extract"
	"github.com/crescentlab/crescent-agent/internal/history"
	"github.com/crescentlab/crescent-agent/internal/model"
	"github.com/crescentlab/crescent-agent/internal/sessionstore"
)

const (
	defaultResultWait    = 60 * time.Second
	defaultHistoryBudget = 48_000
	defaultMaxSteps      = 200

	persistTimeout = 2 * time.Second
)

// Options configures one Loop.
type Options struct {
	Log    *slog.Logger
	Model  model.Client
	Engine *engine.Engine

	// Catalog is the extractor's view of the registered actions, used for
	// textual-protocol responses.
	Catalog extract.Catalog

	// Schemas advertises actions to structured-protocol providers. The
	// completion sentinel is appended automatically.
	Schemas []model.ToolSchema

	// SystemPrompt, when set, is installed as the leading system turn.
	SystemPrompt string

	// HistoryBudget caps the approximate conversation size. Default 48000.
	HistoryBudget int

	// ResultWait bounds how long one step waits for its action batch.
	// Default 60s.
	ResultWait time.Duration

	// MaxSteps is a hard safety net against a model that never stops
	// requesting actions. Default 200.
	MaxSteps int

	// Store, when set, receives fire-and-forget copies of turns and results.
	Store     *sessionstore.Store
	SessionID string
}

// Loop is one conversation run's state machine.
type Loop struct {
	log        *slog.Logger
	model      model.Client
	engine     *engine.Engine
	catalog    extract.Catalog
	schemas    []model.ToolSchema
	hist       *history.Log
	budget     int
	resultWait time.Duration
	maxSteps   int
	store      *sessionstore.Store
	sessionID  string
}

func New(opts Options) (*Loop, error) {
	if opts.Model == nil {
		return nil, errors.New("missing model client")
	}
	if opts.Engine == nil {
		return nil, errors.New("missing engine")
	}
	log := opts.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	budget := opts.HistoryBudget
	if budget <= 0 {
		budget = defaultHistoryBudget
	}
	wait := opts.ResultWait
	if wait <= 0 {
		wait = defaultResultWait
	}
	maxSteps := opts.MaxSteps
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}
	sessionID := strings.TrimSpace(opts.SessionID)
	if sessionID == "" {
		sessionID = "sess_" + uuid.NewString()
	}

	schemas := append([]model.ToolSchema(nil), opts.Schemas...)
	if len(schemas) > 0 {
		schemas = append(schemas, model.ToolSchema{
			Name:        actions.CompletionSentinelName,
			Description: "Call this when the task is fully complete and no further actions are needed.",
			Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
		})
	}

	hist := history.New()
	if prompt := strings.TrimSpace(opts.SystemPrompt); prompt != "" {
		hist.SetSystem(prompt)
	}

	return &Loop{
		log:        log,
		model:      opts.Model,
		engine:     opts.Engine,
		catalog:    opts.Catalog,
		schemas:    schemas,
		hist:       hist,
		budget:     budget,
		resultWait: wait,
		maxSteps:   maxSteps,
		store:      opts.Store,
		sessionID:  sessionID,
	}, nil
}

// SessionID returns the id this run persists under.
func (l *Loop) SessionID() string {
	if l == nil {
		return ""
	}
	return l.sessionID
}

// History exposes the conversation log, mainly for tests and replay.
func (l *Loop) History() *history.Log {
	if l == nil {
		return nil
	}
	return l.hist
}

// Run processes one user instruction to completion and returns the model's
// final text. The returned error is non-nil only for model-call failures or
// the step safety net.
func (l *Loop) Run(ctx context.Context, instruction string) (string, error) {
	if l == nil {
		return "", errors.New("nil loop")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	userTurn := history.Turn{Role: history.RoleUser, Content: instruction}
	l.hist.Append(userTurn)
	l.persistTurn(userTurn)

	for step := 0; step < l.maxSteps; step++ {
		l.hist.Truncate(l.budget)

		resp, err := l.model.Chat(ctx, l.hist.Turns(), l.schemas)
		if err != nil {
			return "", fmt.Errorf("model call failed: %w", err)
		}

		requests, refs := l.extractRequests(resp)
		if len(requests) == 0 {
			assistant := history.Turn{Role: history.RoleAssistant, Content: resp.Text}
			l.hist.Append(assistant)
			l.persistTurn(assistant)
			return stripCompletionTags(resp.Text), nil
		}

		callIDs := make([]string, 0, len(requests))
		for _, req := range requests {
			callIDs = append(callIDs, req.CallID)
		}
		assistant := history.Turn{
			Role:      history.RoleAssistant,
			Content:   resp.Text,
			CallIDs:   callIDs,
			ToolCalls: refs,
		}
		l.hist.Append(assistant)
		l.persistTurn(assistant)

		l.engine.Run(ctx, requests, true, l.resultWait)
		results := l.engine.Observe()
		l.appendResults(requests, results)

		if batchHasSentinel(requests) {
			final := stripCompletionTags(resp.Text)
			if strings.TrimSpace(final) == "" {
				final = actions.CompletionAck
			}
			return final, nil
		}
	}

	return "", fmt.Errorf("run aborted after %d steps without completion", l.maxSteps)
}

// extractRequests turns a model response into action requests plus the
// replayable tool-call refs for the assistant turn.
func (l *Loop) extractRequests(resp model.Response) ([]*actions.Request, []history.ToolCallRef) {
	if resp.Structured() {
		requests := make([]*actions.Request, 0, len(resp.Calls))
		refs := make([]history.ToolCallRef, 0, len(resp.Calls))
		for _, call := range resp.Calls {
			req := extract.FromFunctionCall(call.Name, call.ArgumentsJSON, call.CallID)
			requests = append(requests, req)
			argsJSON := strings.TrimSpace(call.ArgumentsJSON)
			if argsJSON == "" {
				argsJSON = "{}"
			}
			refs = append(refs, history.ToolCallRef{
				CallID:        req.CallID,
				Name:          req.Name,
				ArgumentsJSON: argsJSON,
			})
		}
		return requests, refs
	}

	requests := extract.Extract(resp.Text, l.catalog)
	refs := make([]history.ToolCallRef, 0, len(requests))
	for _, req := range requests {
		argsJSON := "{}"
		if len(req.Arguments) > 0 {
			if b, err := json.Marshal(req.Arguments); err == nil {
				argsJSON = string(b)
			}
		}
		refs = append(refs, history.ToolCallRef{
			CallID:        req.CallID,
			Name:          req.Name,
			ArgumentsJSON: argsJSON,
		})
	}
	return requests, refs
}

// appendResults records the observed batch. Results answering the current
// batch become tool turns right behind their assistant turn; results from
// earlier batches (stragglers past their wait window) travel as user-role
// observations so request/result groups stay contiguous. Batch requests
// whose result has not arrived yet get a placeholder tool turn, since a
// request with no recorded result is an invalid conversation for every
// provider.
func (l *Loop) appendResults(requests []*actions.Request, results []*actions.Result) {
	batch := make(map[string]*actions.Request, len(requests))
	for _, req := range requests {
		batch[req.CallID] = req
	}

	answered := make(map[string]struct{}, len(results))
	var late []*actions.Result
	for _, result := range results {
		if result == nil || result.Request == nil {
			continue
		}
		if _, ok := batch[result.Request.CallID]; !ok {
			late = append(late, result)
			continue
		}
		answered[result.Request.CallID] = struct{}{}
		turn := history.Turn{
			Role:     history.RoleTool,
			Content:  result.Content,
			CallID:   result.Request.CallID,
			ToolName: result.Request.Name,
		}
		l.hist.Append(turn)
		l.persistTurn(turn)
		l.persistResult(result)
	}

	for _, req := range requests {
		if _, ok := answered[req.CallID]; ok {
			continue
		}
		turn := history.Turn{
			Role:     history.RoleTool,
			Content:  fmt.Sprintf("%s is still running; its result will be reported when it finishes.", req.Name),
			CallID:   req.CallID,
			ToolName: req.Name,
		}
		l.hist.Append(turn)
		l.persistTurn(turn)
	}

	for _, result := range late {
		turn := history.Turn{
			Role: history.RoleUser,
			Content: fmt.Sprintf("[late result for %s (%s)] %s",
				result.Request.Name, result.State, result.Content),
		}
		l.hist.Append(turn)
		l.persistTurn(turn)
		l.persistResult(result)
	}
}

func batchHasSentinel(requests []*actions.Request) bool {
	for _, req := range requests {
		if req.ExtractionOK && actions.IsCompletionSentinel(req.Name) {
			return true
		}
	}
	return false
}

// stripCompletionTags removes textual completion sentinel markers from final
// response text.
func stripCompletionTags(text string) string {
	out := text
	for _, sentinel := range []string{"task_complete", "Task.complete", "TASK_COMPLETE"} {
		for _, marker := range []string{
			"<" + sentinel + "></" + sentinel + ">",
			"<" + sentinel + "/>",
			"<" + sentinel + " />",
			"<" + sentinel + ">",
			"</" + sentinel + ">",
		} {
			out = strings.ReplaceAll(out, marker, "")
		}
	}
	return strings.TrimSpace(out)
}

// persistTurn writes one turn to the session store. Persistence is
// advisory: failures are logged and the run continues.
func (l *Loop) persistTurn(turn history.Turn) {
	if l.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	err := l.store.AppendTurn(ctx, sessionstore.TurnRecord{
		SessionID: l.sessionID,
		Role:      turn.Role,
		Content:   turn.Content,
		CallID:    turn.CallID,
		ToolName:  turn.ToolName,
		AtUnixMs:  time.Now().UnixMilli(),
	})
	if err != nil {
		l.log.Warn("session turn persist failed", "session_id", l.sessionID, "error", err)
	}
}

func (l *Loop) persistResult(result *actions.Result) {
	if l.store == nil || result == nil || result.Request == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	err := l.store.AppendResult(ctx, sessionstore.ResultRecord{
		SessionID:        l.sessionID,
		CallID:           result.Request.CallID,
		Name:             result.Request.Name,
		State:            string(result.State),
		Content:          result.Content,
		StartedAtUnixMs:  result.StartedAt.UnixMilli(),
		FinishedAtUnixMs: result.FinishedAt.UnixMilli(),
	})
	if err != nil {
		l.log.Warn("action result persist failed", "session_id", l.sessionID, "error", err)
	}
}
