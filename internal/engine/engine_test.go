package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crescentlab/crescent-agent/internal/actions"
)

func newTestRegistry(t *testing.T) *actions.InMemoryRegistry {
	t.Helper()
	return actions.NewInMemoryRegistry()
}

func request(name string, args map[string]any) *actions.Request {
	return &actions.Request{
		Name:         name,
		Arguments:    args,
		CallID:       "call_" + name + fmt.Sprintf("_%d", time.Now().UnixNano()),
		Protocol:     actions.ProtocolTextual,
		ExtractionOK: true,
	}
}

func TestRunProducesOneResultPerRequest(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)
	if err := reg.Register("Echo.say", []string{"text"}, func(ctx context.Context, args map[string]any) (any, error) {
		return args["text"], nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	eng := New(Options{}, reg)

	reqs := []*actions.Request{
		request("Echo.say", map[string]any{"text": "one"}),
		request("Echo.say", map[string]any{"text": "two"}),
	}
	eng.Run(context.Background(), reqs, true, 0)

	results := eng.Observe()
	if len(results) != 2 {
		t.Fatalf("results=%d, want 2", len(results))
	}
	for _, res := range results {
		if res.State != actions.StateSuccess {
			t.Fatalf("state=%q content=%q, want success", res.State, res.Content)
		}
		if res.Message == nil || res.Message.CallID != res.Request.CallID {
			t.Fatalf("message not paired to request: %+v", res.Message)
		}
	}
}

func TestPoolCeiling(t *testing.T) {
	t.Parallel()

	const poolSize = 3
	const batch = 9

	var inFlight, peak atomic.Int32
	reg := newTestRegistry(t)
	if err := reg.Register("Slow.work", nil, func(ctx context.Context, args map[string]any) (any, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		inFlight.Add(-1)
		return "done", nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	eng := New(Options{PoolSize: poolSize}, reg)

	reqs := make([]*actions.Request, 0, batch)
	for i := 0; i < batch; i++ {
		reqs = append(reqs, request("Slow.work", nil))
	}
	eng.Run(context.Background(), reqs, true, 0)

	if got := eng.Observe(); len(got) != batch {
		t.Fatalf("results=%d, want %d", len(got), batch)
	}
	if p := peak.Load(); p > poolSize {
		t.Fatalf("peak concurrency=%d, want <= %d", p, poolSize)
	}
}

func TestFailingActionDoesNotAffectSiblings(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)
	if err := reg.Register("Ok.run", nil, func(ctx context.Context, args map[string]any) (any, error) {
		return "fine", nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register("Bad.run", nil, func(ctx context.Context, args map[string]any) (any, error) {
		return nil, errors.New("disk exploded")
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register("Panic.run", nil, func(ctx context.Context, args map[string]any) (any, error) {
		panic("boom")
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	eng := New(Options{}, reg)

	eng.Run(context.Background(), []*actions.Request{
		request("Ok.run", nil),
		request("Bad.run", nil),
		request("Panic.run", nil),
	}, true, 0)

	results := eng.Observe()
	if len(results) != 3 {
		t.Fatalf("results=%d, want 3", len(results))
	}
	byName := map[string]*actions.Result{}
	for _, res := range results {
		byName[res.Request.Name] = res
	}
	if byName["Ok.run"].State != actions.StateSuccess {
		t.Fatalf("Ok.run state=%q", byName["Ok.run"].State)
	}
	if byName["Bad.run"].State != actions.StateFailed || byName["Bad.run"].Content != "disk exploded" {
		t.Fatalf("Bad.run=%+v", byName["Bad.run"])
	}
	if byName["Panic.run"].State != actions.StateFailed || !strings.Contains(byName["Panic.run"].Content, "boom") {
		t.Fatalf("Panic.run=%+v", byName["Panic.run"])
	}
}

func TestUnknownActionFails(t *testing.T) {
	t.Parallel()

	eng := New(Options{}, newTestRegistry(t))
	eng.Run(context.Background(), []*actions.Request{request("No.where", nil)}, true, 0)

	results := eng.Observe()
	if len(results) != 1 {
		t.Fatalf("results=%d, want 1", len(results))
	}
	if results[0].State != actions.StateFailed {
		t.Fatalf("state=%q, want failed", results[0].State)
	}
	if !strings.Contains(results[0].Content, "not found") {
		t.Fatalf("content=%q, want not-found message", results[0].Content)
	}
}

func TestExtractionFailurePassesThrough(t *testing.T) {
	t.Parallel()

	eng := New(Options{}, newTestRegistry(t))
	req := &actions.Request{
		Name:          "File.read",
		CallID:        "call_x",
		Protocol:      actions.ProtocolTextual,
		FailureReason: "action body is a bare JSON object",
	}
	eng.Run(context.Background(), []*actions.Request{req}, true, 0)

	results := eng.Observe()
	if len(results) != 1 {
		t.Fatalf("results=%d, want 1", len(results))
	}
	if results[0].State != actions.StateFailed || results[0].Content != req.FailureReason {
		t.Fatalf("result=%+v, want the extraction failure reason", results[0])
	}
}

func TestCompletionSentinelYieldsCannedAck(t *testing.T) {
	t.Parallel()

	eng := New(Options{}, newTestRegistry(t))
	eng.Run(context.Background(), []*actions.Request{request("task_complete", nil)}, true, 0)

	results := eng.Observe()
	if len(results) != 1 {
		t.Fatalf("results=%d, want 1", len(results))
	}
	if results[0].State != actions.StateSuccess || results[0].Content != actions.CompletionAck {
		t.Fatalf("result=%+v, want canned ack", results[0])
	}
}

func TestObserveDrainsExactlyOnce(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)
	if err := reg.Register("Quick.run", nil, func(ctx context.Context, args map[string]any) (any, error) {
		return "ok", nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	eng := New(Options{}, reg)
	eng.Run(context.Background(), []*actions.Request{request("Quick.run", nil)}, true, 0)

	if got := eng.Observe(); len(got) != 1 {
		t.Fatalf("first observe=%d, want 1", len(got))
	}
	if got := eng.Observe(); got != nil {
		t.Fatalf("second observe=%v, want nil", got)
	}
}

func TestWaitAllTimeoutLeavesStraggler(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)
	if err := reg.Register("Slow.run", nil, func(ctx context.Context, args map[string]any) (any, error) {
		time.Sleep(250 * time.Millisecond)
		return "late", nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	eng := New(Options{}, reg)

	start := time.Now()
	eng.Run(context.Background(), []*actions.Request{request("Slow.run", nil)}, true, 50*time.Millisecond)
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Fatalf("Run blocked %s past its timeout", elapsed)
	}

	if got := eng.Observe(); len(got) != 0 {
		t.Fatalf("early observe=%d, want 0", len(got))
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if results := eng.Observe(); len(results) == 1 {
			if results[0].Content != "late" {
				t.Fatalf("content=%q, want late", results[0].Content)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("straggler result never surfaced")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestGraceModeReturnsEarly(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)
	release := make(chan struct{})
	if err := reg.Register("Block.run", nil, func(ctx context.Context, args map[string]any) (any, error) {
		<-release
		return "released", nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	eng := New(Options{GracePeriod: 40 * time.Millisecond}, reg)

	start := time.Now()
	eng.Run(context.Background(), []*actions.Request{request("Block.run", nil)}, false, 0)
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("grace-mode Run blocked %s", elapsed)
	}
	close(release)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if results := eng.Observe(); len(results) == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("result never surfaced after release")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestMapArguments(t *testing.T) {
	t.Parallel()

	declared := actions.Callable{ParameterOrder: []string{"path", "limit"}}
	got := mapArguments(declared, map[string]any{"path": "/tmp/a", "limit": 3, "extra": true})
	if len(got) != 2 || got["path"] != "/tmp/a" || got["limit"] != 3 {
		t.Fatalf("mapped=%v, want declared params only", got)
	}

	freeForm := actions.Callable{}
	all := map[string]any{"anything": "goes"}
	if got := mapArguments(freeForm, all); len(got) != 1 || got["anything"] != "goes" {
		t.Fatalf("mapped=%v, want passthrough", got)
	}
	if got := mapArguments(freeForm, nil); got == nil {
		t.Fatal("nil args must map to an empty map")
	}
}
