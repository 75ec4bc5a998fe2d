package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/crescentlab/crescent-agent/internal/actions"
	"github.com/crescentlab/crescent-agent/internal/procmon"
)

func newTestToolbox(t *testing.T) (*Toolbox, string) {
	t.Helper()
	root := t.TempDir()
	s := procmon.NewSupervisor(nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Cleanup(ctx)
	})
	return New(Options{
		WorkspaceRoot: root,
		Shell:         "/bin/sh",
		Supervisor:    s,
	}), root
}

func TestRegisterAll(t *testing.T) {
	t.Parallel()

	tb, _ := newTestToolbox(t)
	reg := actions.NewInMemoryRegistry()
	if err := tb.RegisterAll(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	for _, name := range []string{"Shell.run", "Shell.kill", "Shell.view", "File.read", "File.write", "File.append"} {
		if !reg.Has(name) {
			t.Fatalf("action %s not registered", name)
		}
	}
	if len(tb.Schemas()) < 6 {
		t.Fatalf("schemas=%d, want one per action", len(tb.Schemas()))
	}
}

func TestFileWriteReadAppend(t *testing.T) {
	t.Parallel()

	tb, root := newTestToolbox(t)
	path := filepath.Join(root, "nested", "cfg.json")
	content := "{\n  \"b\": 1,\n  \"a\": 2\n}"

	out, err := tb.fileWrite(context.Background(), map[string]any{"path": path, "content": content})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	written := out.(map[string]any)
	if written["bytes_written"] != len(content) {
		t.Fatalf("bytes_written=%v, want %d", written["bytes_written"], len(content))
	}

	// The file bytes must match the argument exactly.
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("readback: %v", err)
	}
	if string(raw) != content {
		t.Fatalf("on disk=%q, want %q", raw, content)
	}

	if _, err := tb.fileAppend(context.Background(), map[string]any{"path": path, "content": "\n"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := tb.fileRead(context.Background(), map[string]any{"path": path})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	read := got.(map[string]any)
	if read["content"] != content+"\n" {
		t.Fatalf("content=%q, want %q", read["content"], content+"\n")
	}
	if read["truncated"] != false {
		t.Fatal("small file must not be truncated")
	}
}

func TestFileWriteStructuredContent(t *testing.T) {
	t.Parallel()

	tb, root := newTestToolbox(t)
	path := filepath.Join(root, "notes.txt")

	// Extraction literal-parses inline JSON for non-.json paths, so the
	// content argument can arrive as a map; it must land as JSON text,
	// not Go map syntax.
	_, err := tb.fileWrite(context.Background(), map[string]any{
		"path":    path,
		"content": map[string]any{"a": float64(1)},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("readback: %v", err)
	}
	if string(raw) != `{"a":1}` {
		t.Fatalf("on disk=%q, want JSON round-trip", raw)
	}
}

func TestFileReadOffsetLimit(t *testing.T) {
	t.Parallel()

	tb, root := newTestToolbox(t)
	path := filepath.Join(root, "lines.txt")
	if err := os.WriteFile(path, []byte("one\ntwo\nthree\nfour"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	got, err := tb.fileRead(context.Background(), map[string]any{"path": path, "offset": float64(2), "limit": float64(2)})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if content := got.(map[string]any)["content"]; content != "two\nthree" {
		t.Fatalf("content=%q, want lines two..three", content)
	}
}

func TestPathSandbox(t *testing.T) {
	t.Parallel()

	tb, root := newTestToolbox(t)

	if _, err := tb.fileRead(context.Background(), map[string]any{"path": "relative.txt"}); err == nil {
		t.Fatal("relative path must be rejected")
	}
	if _, err := tb.fileRead(context.Background(), map[string]any{"path": "/etc/passwd"}); err == nil {
		t.Fatal("path outside workspace must be rejected")
	}
	escape := filepath.Join(root, "..", "escape.txt")
	if _, err := tb.fileWrite(context.Background(), map[string]any{"path": escape, "content": "x"}); err == nil {
		t.Fatal("dot-dot escape must be rejected")
	}
}

func TestShellRunForeground(t *testing.T) {
	t.Parallel()

	tb, _ := newTestToolbox(t)
	got, err := tb.shellRun(context.Background(), map[string]any{"command": "printf hello; printf world >&2; exit 3"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	out := got.(map[string]any)
	if out["stdout"] != "hello" || out["stderr"] != "world" {
		t.Fatalf("stdout=%q stderr=%q", out["stdout"], out["stderr"])
	}
	if out["exit_code"] != 3 {
		t.Fatalf("exit_code=%v, want 3", out["exit_code"])
	}
}

func TestShellRunTimeout(t *testing.T) {
	t.Parallel()

	tb, _ := newTestToolbox(t)
	start := time.Now()
	_, err := tb.shellRun(context.Background(), map[string]any{"command": "sleep 30", "timeout_ms": float64(100)})
	if err == nil {
		t.Fatal("timed-out command must error")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("run blocked %s past its timeout", elapsed)
	}
}

func TestShellRunTimeoutWithForkedChildren(t *testing.T) {
	t.Parallel()

	tb, _ := newTestToolbox(t)
	// The forked child inherits the output pipes; the run must still
	// unblock at the deadline instead of waiting for the child's EOF.
	start := time.Now()
	_, err := tb.shellRun(context.Background(), map[string]any{
		"command":    "sleep 30 & sleep 30",
		"timeout_ms": float64(100),
	})
	if err == nil {
		t.Fatal("timed-out command must error")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("run blocked %s past its timeout", elapsed)
	}
}

func TestShellRunSurvivingChildKeepsResult(t *testing.T) {
	t.Parallel()

	tb, _ := newTestToolbox(t)
	// The shell exits cleanly while its child lingers with the pipes; the
	// run must report the shell's own outcome, not an error.
	got, err := tb.shellRun(context.Background(), map[string]any{
		"command": "sleep 3 & printf hi",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	out := got.(map[string]any)
	if out["stdout"] != "hi" || out["exit_code"] != 0 {
		t.Fatalf("stdout=%q exit_code=%v, want hi / 0", out["stdout"], out["exit_code"])
	}
}

func TestShellRunBackgroundAndKill(t *testing.T) {
	t.Parallel()

	tb, _ := newTestToolbox(t)
	got, err := tb.shellRun(context.Background(), map[string]any{"command": "sleep 30", "background": true})
	if err != nil {
		t.Fatalf("background run: %v", err)
	}
	out := got.(map[string]any)
	id, _ := out["process_id"].(string)
	if !strings.HasPrefix(id, "proc_") {
		t.Fatalf("process_id=%q", id)
	}

	view, err := tb.shellView(context.Background(), nil)
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if !strings.Contains(view.(string), id) {
		t.Fatalf("view=%q, want it to name %s", view, id)
	}

	if _, err := tb.shellKill(context.Background(), map[string]any{"process_id": id}); err != nil {
		t.Fatalf("kill: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		view, err := tb.shellView(context.Background(), nil)
		if err != nil {
			t.Fatalf("view: %v", err)
		}
		if !strings.Contains(view.(string), id) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("process %s still listed after kill", id)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestShellRunOutputCapped(t *testing.T) {
	t.Parallel()

	tb, _ := newTestToolbox(t)
	got, err := tb.shellRun(context.Background(), map[string]any{"command": "yes x | head -c 400000"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	out := got.(map[string]any)
	if out["truncated"] != true {
		t.Fatal("oversized output must be flagged truncated")
	}
	if n := len(out["stdout"].(string)); n > maxShellOutput {
		t.Fatalf("stdout=%d bytes, want <= %d", n, maxShellOutput)
	}
}
