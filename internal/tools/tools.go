// Package tools provides the built-in Shell.* and File.* actions. Every
// action is sandboxed to the workspace root; paths must be absolute and
// inside it.
package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/crescentlab/crescent-agent/internal/actions"
	"github.com/crescentlab/crescent-agent/internal/model"
	"github.com/crescentlab/crescent-agent/internal/procmon"
)

var (
	errPathMustBeAbsolute   = errors.New("path must be absolute")
	errPathOutsideWorkspace = errors.New("path outside workspace root")
)

// Toolbox holds the shared state of the built-in actions. Background spawn
// goes through the narrow Registrar capability; kill/view need the full
// supervisor.
type Toolbox struct {
	log        *slog.Logger
	root       string
	shell      string
	registrar  procmon.Registrar
	supervisor *procmon.Supervisor
}

type Options struct {
	Log           *slog.Logger
	WorkspaceRoot string
	Shell         string
	Supervisor    *procmon.Supervisor
}

func New(opts Options) *Toolbox {
	log := opts.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	shell := strings.TrimSpace(opts.Shell)
	if shell == "" {
		shell = "/bin/bash"
	}
	return &Toolbox{
		log:        log,
		root:       strings.TrimSpace(opts.WorkspaceRoot),
		shell:      shell,
		registrar:  opts.Supervisor,
		supervisor: opts.Supervisor,
	}
}

// RegisterAll installs every built-in action into reg.
func (t *Toolbox) RegisterAll(reg *actions.InMemoryRegistry) error {
	if t == nil || reg == nil {
		return errors.New("nil toolbox or registry")
	}
	for _, item := range []struct {
		name   string
		params []string
		fn     actions.InvokeFunc
	}{
		{"Shell.run", []string{"command", "cwd", "background", "timeout_ms"}, t.shellRun},
		{"Shell.kill", []string{"process_id", "force"}, t.shellKill},
		{"Shell.view", nil, t.shellView},
		{"File.read", []string{"path", "offset", "limit"}, t.fileRead},
		{"File.write", []string{"path", "content"}, t.fileWrite},
		{"File.append", []string{"path", "content"}, t.fileAppend},
	} {
		if err := reg.Register(item.name, item.params, item.fn); err != nil {
			return fmt.Errorf("register %s: %w", item.name, err)
		}
	}
	return nil
}

// Schemas advertises the built-in actions to structured-protocol providers.
func (t *Toolbox) Schemas() []model.ToolSchema {
	str := func(desc string) map[string]any {
		return map[string]any{"type": "string", "description": desc}
	}
	return []model.ToolSchema{
		{
			Name:        "Shell.run",
			Description: "Run a shell command in the workspace. Set background=true for long-lived processes (servers, watchers); they keep running after the call returns.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command":    str("Shell command to run"),
					"cwd":        str("Absolute working directory inside the workspace (optional)"),
					"background": map[string]any{"type": "boolean", "description": "Run detached and return a process_id"},
					"timeout_ms": map[string]any{"type": "integer", "description": "Foreground timeout in milliseconds, max 60000"},
				},
				"required": []string{"command"},
			},
		},
		{
			Name:        "Shell.kill",
			Description: "Stop a background process started by Shell.run. Graceful by default; force=true kills immediately.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"process_id": str("Process id returned by Shell.run"),
					"force":      map[string]any{"type": "boolean"},
				},
				"required": []string{"process_id"},
			},
		},
		{
			Name:        "Shell.view",
			Description: "List running background processes with their status.",
			Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
		},
		{
			Name:        "File.read",
			Description: "Read a file inside the workspace.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":   str("Absolute file path"),
					"offset": map[string]any{"type": "integer", "description": "Line to start from (1-based, optional)"},
					"limit":  map[string]any{"type": "integer", "description": "Max lines to return (optional)"},
				},
				"required": []string{"path"},
			},
		},
		{
			Name:        "File.write",
			Description: "Write a file inside the workspace, replacing any existing content. The content is written byte-for-byte.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":    str("Absolute file path"),
					"content": str("Full file content"),
				},
				"required": []string{"path", "content"},
			},
		},
		{
			Name:        "File.append",
			Description: "Append to a file inside the workspace, creating it when missing.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":    str("Absolute file path"),
					"content": str("Content to append"),
				},
				"required": []string{"path", "content"},
			},
		},
	}
}

func (t *Toolbox) workspaceRootAbs() (string, error) {
	root := strings.TrimSpace(t.root)
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", errors.New("invalid workspace root")
		}
		root = wd
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", errors.New("invalid workspace root")
	}
	return filepath.Clean(abs), nil
}

func (t *Toolbox) resolveWithinRoot(p string) (string, error) {
	rootAbs, err := t.workspaceRootAbs()
	if err != nil {
		return "", err
	}
	p = strings.TrimSpace(p)
	if p == "" || !filepath.IsAbs(p) {
		return "", errPathMustBeAbsolute
	}
	abs := filepath.Clean(p)
	rel, err := filepath.Rel(rootAbs, abs)
	if err != nil {
		return "", errPathOutsideWorkspace
	}
	rel = filepath.Clean(rel)
	if rel != "." && (rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator))) {
		return "", errPathOutsideWorkspace
	}
	return abs, nil
}

// stringArg returns args[key] rendered as a string. Extraction is best
// effort, so numeric and boolean literals still arrive where strings are
// expected.
func stringArg(args map[string]any, key string) string {
	switch v := args[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		// Structured values (extraction literal-parses inline JSON) must
		// round-trip losslessly, not as Go syntax.
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func boolArg(args map[string]any, key string) bool {
	switch v := args[key].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(strings.TrimSpace(v), "true")
	default:
		return false
	}
}

func intArg(args map[string]any, key string) int64 {
	switch v := args[key].(type) {
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}
