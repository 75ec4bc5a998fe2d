// Package engine runs extracted action requests against registered
// callables with a bounded concurrency pool. Nothing escapes the engine as
// an error: every submitted request produces exactly one structured result,
// and failures (upstream extraction, unknown names, throwing actions,
// panics) are folded into failed results the model can read and react to.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/crescentlab/crescent-agent/internal/actions"
	"github.com/crescentlab/crescent-agent/internal/procmon"
)

const (
	defaultPoolSize    = 5
	defaultGracePeriod = 2 * time.Second
)

// Options configures one Engine.
type Options struct {
	Log *slog.Logger

	// PoolSize bounds how many action invocations run at once. Default 5.
	PoolSize int

	// GracePeriod is how long a non-waitAll Run lingers before returning
	// while slower actions continue in the background. Tunable, not a
	// contract.
	GracePeriod time.Duration

	// Supervisor, when set, contributes the background-process status
	// summary appended to observed results.
	Supervisor *procmon.Supervisor
}

// Engine executes action batches. Registries are consulted in the order
// given; the first registry that resolves a name wins.
type Engine struct {
	log        *slog.Logger
	poolSize   int
	grace      time.Duration
	supervisor *procmon.Supervisor
	registries []actions.Registry

	sem chan struct{}

	mu        sync.Mutex
	completed []*actions.Result
}

func New(opts Options, registries ...actions.Registry) *Engine {
	log := opts.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	poolSize := opts.PoolSize
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}
	grace := opts.GracePeriod
	if grace <= 0 {
		grace = defaultGracePeriod
	}
	return &Engine{
		log:        log,
		poolSize:   poolSize,
		grace:      grace,
		supervisor: opts.Supervisor,
		registries: registries,
		sem:        make(chan struct{}, poolSize),
	}
}

// Run submits a batch. Every request starts concurrently but at most
// PoolSize invocations hold a permit at any instant. With waitAll the call
// blocks until the whole batch finished or timeout elapsed; otherwise it
// returns after the grace period and stragglers surface in a later
// Observe.
func (e *Engine) Run(ctx context.Context, requests []*actions.Request, waitAll bool, timeout time.Duration) {
	if e == nil || len(requests) == 0 {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var wg sync.WaitGroup
	for _, req := range requests {
		if req == nil {
			continue
		}
		wg.Add(1)
		go func(req *actions.Request) {
			defer wg.Done()
			e.runOne(ctx, req)
		}(req)
	}

	batchDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(batchDone)
	}()

	if waitAll {
		if timeout <= 0 {
			<-batchDone
			return
		}
		select {
		case <-batchDone:
		case <-time.After(timeout):
			e.log.Debug("action batch wait timed out", "requests", len(requests), "timeout", timeout)
		}
		return
	}

	select {
	case <-batchDone:
	case <-time.After(e.grace):
		e.log.Debug("action batch still running after grace period", "requests", len(requests))
	}
}

// runOne drives one request to its final state and buffers the result.
func (e *Engine) runOne(ctx context.Context, req *actions.Request) {
	result := &actions.Result{Request: req, State: actions.StatePending}

	defer func() {
		if r := recover(); r != nil {
			result.State = actions.StateFailed
			result.Content = fmt.Sprintf("action panicked: %v", r)
			result.FinishedAt = time.Now()
			e.emit(result)
			return
		}
		e.emit(result)
	}()

	// Upstream extraction failure: report, never invoke.
	if !req.ExtractionOK {
		reason := strings.TrimSpace(req.FailureReason)
		if reason == "" {
			reason = "action request could not be parsed"
		}
		result.State = actions.StateFailed
		result.Content = reason
		result.FinishedAt = time.Now()
		return
	}

	// Reserved completion sentinel: canned success, no registry lookup.
	if actions.IsCompletionSentinel(req.Name) {
		result.State = actions.StateSuccess
		result.Content = actions.CompletionAck
		result.FinishedAt = time.Now()
		return
	}

	// Pool permit is the only suspension point the engine itself adds; the
	// invocation may block on I/O, which is exactly what the ceiling is
	// protecting against.
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		result.State = actions.StateFailed
		result.Content = "action aborted before start: " + ctx.Err().Error()
		result.FinishedAt = time.Now()
		return
	}
	defer func() { <-e.sem }()

	result.State = actions.StateRunning
	result.StartedAt = time.Now()

	callable, ok := actions.ResolveAcross(req.Name, e.registries)
	if !ok {
		result.State = actions.StateFailed
		result.Content = fmt.Sprintf("action %q not found, check the name", req.Name)
		result.FinishedAt = time.Now()
		return
	}

	value, err := callable.Invoke(ctx, mapArguments(callable, req.Arguments))
	result.FinishedAt = time.Now()
	if err != nil {
		result.State = actions.StateFailed
		result.Content = stringifyError(err)
		return
	}

	result.State = actions.StateSuccess
	content, msg := stringifyValue(req, value)
	result.Content = content
	result.Message = msg
}

// mapArguments applies the declared parameter order: when an order is
// declared, only declared parameters are passed through; with no declared
// order the whole argument map travels as-is (free-form tool inputs).
func mapArguments(c actions.Callable, args map[string]any) map[string]any {
	if len(c.ParameterOrder) == 0 {
		if args == nil {
			return map[string]any{}
		}
		return args
	}
	out := make(map[string]any, len(c.ParameterOrder))
	for _, name := range c.ParameterOrder {
		if v, ok := args[name]; ok {
			out[name] = v
		}
	}
	return out
}

func stringifyError(err error) string {
	if err == nil {
		return "action failed"
	}
	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		msg = "action failed"
	}
	return msg
}

// stringifyValue renders an action return value as result content. Strings
// and tool messages pass through; anything else is JSON-encoded.
func stringifyValue(req *actions.Request, value any) (string, *actions.ToolMessage) {
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case *actions.ToolMessage:
		if v == nil {
			return "", nil
		}
		return v.Text, v
	case actions.ToolMessage:
		return v.Text, &v
	case []byte:
		return string(v), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v), nil
		}
		return string(b), nil
	}
}

// emit appends a finished result to the observation buffer in completion
// order.
func (e *Engine) emit(result *actions.Result) {
	if result.Message == nil {
		result.Message = &actions.ToolMessage{
			CallID: result.Request.CallID,
			Name:   result.Request.Name,
			Text:   result.Content,
		}
	} else {
		if strings.TrimSpace(result.Message.CallID) == "" {
			result.Message.CallID = result.Request.CallID
		}
		if strings.TrimSpace(result.Message.Name) == "" {
			result.Message.Name = result.Request.Name
		}
	}

	e.mu.Lock()
	e.completed = append(e.completed, result)
	e.mu.Unlock()
}

// Observe drains the completed-result buffer exactly once. When background
// processes are still active, an advisory status summary is appended to the
// content of the last drained result so the model knows work continues.
func (e *Engine) Observe() []*actions.Result {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	out := e.completed
	e.completed = nil
	e.mu.Unlock()

	if len(out) == 0 {
		return nil
	}
	if e.supervisor != nil {
		if summary := e.supervisor.StatusSummary(); summary != "" {
			last := out[len(out)-1]
			last.Content = strings.TrimRight(last.Content, "\n") + "\n\n" + summary
			if last.Message != nil {
				last.Message.Text = last.Content
			}
		}
	}
	return out
}
