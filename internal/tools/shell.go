package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const (
	defaultShellTimeout = 60 * time.Second
	maxShellTimeout     = 60 * time.Second
	maxShellOutput      = 200_000
)

// shellRun executes a command under the configured shell. Foreground runs
// block until exit or timeout; background runs detach from the call, get
// their own process group, and are handed to the supervisor.
func (t *Toolbox) shellRun(ctx context.Context, args map[string]any) (any, error) {
	command := strings.TrimSpace(stringArg(args, "command"))
	if command == "" {
		return nil, errors.New("missing command")
	}

	cwd := strings.TrimSpace(stringArg(args, "cwd"))
	var (
		cwdAbs string
		err    error
	)
	if cwd == "" {
		cwdAbs, err = t.workspaceRootAbs()
	} else {
		cwdAbs, err = t.resolveWithinRoot(cwd)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid cwd: %w", err)
	}

	if boolArg(args, "background") {
		return t.runBackground(command, cwdAbs)
	}

	timeout := defaultShellTimeout
	if ms := intArg(args, "timeout_ms"); ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
		if timeout > maxShellTimeout {
			timeout = maxShellTimeout
		}
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	cmd := exec.CommandContext(execCtx, t.shell, "-lc", command)
	cmd.Dir = cwdAbs
	// On deadline, kill the whole process group: forked descendants hold
	// the output pipes open, and killing only the shell would leave Run
	// blocked on pipe EOF until they exit. WaitDelay bounds that wait even
	// when a descendant survives the kill.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		if err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL); err != nil {
			return cmd.Process.Kill()
		}
		return nil
	}
	cmd.WaitDelay = time.Second

	out := newOutputBuffers(maxShellOutput)
	cmd.Stdout = out.writer(&out.stdout)
	cmd.Stderr = out.writer(&out.stderr)

	runErr := cmd.Run()
	durationMS := time.Since(started).Milliseconds()

	exitCode := 0
	if runErr != nil {
		if execCtx.Err() != nil {
			return nil, fmt.Errorf("command timed out after %s", timeout)
		}
		var ee *exec.ExitError
		switch {
		case errors.Is(runErr, exec.ErrWaitDelay):
			// The shell exited but a forked child still holds the output
			// pipes; the command itself finished.
			if cmd.ProcessState != nil {
				exitCode = cmd.ProcessState.ExitCode()
			}
		case errors.As(runErr, &ee):
			exitCode = ee.ExitCode()
		default:
			return nil, runErr
		}
	}

	return map[string]any{
		"stdout":      out.stdoutString(),
		"stderr":      out.stderrString(),
		"exit_code":   exitCode,
		"duration_ms": durationMS,
		"truncated":   out.isTruncated(),
	}, nil
}

// runBackground starts the command detached from the invoking context so it
// outlives the call, in its own process group so a later stop reaches shell
// children too.
func (t *Toolbox) runBackground(command string, cwdAbs string) (any, error) {
	if t.registrar == nil {
		return nil, errors.New("background processes are not available")
	}

	cmd := exec.Command(t.shell, "-lc", command)
	cmd.Dir = cwdAbs
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start failed: %v", err)
	}

	id, err := t.registrar.RegisterBackgroundProcess(cmd, command, cwdAbs)
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, err
	}

	t.log.Info("background process started", "process_id", id, "os_pid", cmd.Process.Pid)
	return map[string]any{
		"process_id": id,
		"os_pid":     cmd.Process.Pid,
		"note":       "running in background; use Shell.view to check on it and Shell.kill to stop it",
	}, nil
}

func (t *Toolbox) shellKill(ctx context.Context, args map[string]any) (any, error) {
	if t.supervisor == nil {
		return nil, errors.New("background processes are not available")
	}
	id := strings.TrimSpace(stringArg(args, "process_id"))
	if id == "" {
		return nil, errors.New("missing process_id")
	}
	report, err := t.supervisor.Stop(ctx, id, boolArg(args, "force"))
	if err != nil {
		return nil, err
	}
	return report, nil
}

func (t *Toolbox) shellView(ctx context.Context, args map[string]any) (any, error) {
	if t.supervisor == nil {
		return "no background processes", nil
	}
	summary := t.supervisor.StatusSummary()
	if summary == "" {
		return "no background processes running", nil
	}
	return summary, nil
}

// outputBuffers caps stdout+stderr at one combined byte budget. Writes past
// the budget are swallowed (and flagged) rather than refused, so the child
// never blocks on a full pipe.
type outputBuffers struct {
	max int

	mu        sync.Mutex
	used      int
	truncated bool
	stdout    bytes.Buffer
	stderr    bytes.Buffer
}

func newOutputBuffers(max int) *outputBuffers {
	if max <= 0 {
		max = 1
	}
	return &outputBuffers{max: max}
}

func (b *outputBuffers) writer(dst *bytes.Buffer) io.Writer {
	return writerFunc(func(p []byte) (int, error) {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.used >= b.max {
			b.truncated = true
			return len(p), nil
		}
		n := len(p)
		if remain := b.max - b.used; n > remain {
			n = remain
			b.truncated = true
		}
		_, _ = dst.Write(p[:n])
		b.used += n
		return len(p), nil
	})
}

func (b *outputBuffers) stdoutString() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stdout.String()
}

func (b *outputBuffers) stderrString() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stderr.String()
}

func (b *outputBuffers) isTruncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
