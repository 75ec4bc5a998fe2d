// Package procmon tracks long-lived OS processes spawned by actions,
// independent of the request/response cycle that created them. A process
// registered here in one agent turn stays observable and stoppable in any
// later turn.
package procmon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gopsproc "github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"
)

// stopGraceWindow is how long Stop waits after SIGTERM before escalating to
// SIGKILL.
const stopGraceWindow = 5 * time.Second

// Handle is the external view of one tracked process. ExitCode is nil while
// the process is running; only the per-process monitor goroutine ever sets
// it.
type Handle struct {
	ProcessID  string    `json:"process_id"`
	OSPid      int       `json:"os_pid"`
	Command    string    `json:"command"`
	WorkingDir string    `json:"working_dir"`
	StartedAt  time.Time `json:"started_at"`
	ExitCode   *int      `json:"exit_code,omitempty"`
}

// StopReport is the per-process outcome of Stop or Cleanup.
type StopReport struct {
	ProcessID string `json:"process_id"`
	Command   string `json:"command"`
	Escalated bool   `json:"escalated,omitempty"`
	ExitCode  *int   `json:"exit_code,omitempty"`
	Error     string `json:"error,omitempty"`
}

type entry struct {
	handle Handle
	cmd    *exec.Cmd

	// done closes when the monitor has observed exit and recorded the code.
	done chan struct{}

	exitCode int
	exited   bool
}

// Supervisor owns the background-process map. All mutation goes through its
// methods; action implementations get at it only through the narrow
// Registrar capability.
type Supervisor struct {
	log *slog.Logger

	mu     sync.Mutex
	active map[string]*entry
}

// Registrar is the capability handed to actions that spawn background
// processes. It exposes registration only; lifecycle control stays with the
// engine's caller.
type Registrar interface {
	RegisterBackgroundProcess(cmd *exec.Cmd, command string, workingDir string) (string, error)
}

func NewSupervisor(log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Supervisor{
		log:    log,
		active: make(map[string]*entry),
	}
}

// RegisterBackgroundProcess starts tracking an already-started command and
// returns the opaque process id. A monitor goroutine awaits exit and is the
// single source of truth for "is it still running".
func (s *Supervisor) RegisterBackgroundProcess(cmd *exec.Cmd, command string, workingDir string) (string, error) {
	if s == nil {
		return "", errors.New("nil supervisor")
	}
	if cmd == nil || cmd.Process == nil {
		return "", errors.New("process not started")
	}

	id := "proc_" + uuid.NewString()
	e := &entry{
		handle: Handle{
			ProcessID:  id,
			OSPid:      cmd.Process.Pid,
			Command:    strings.TrimSpace(command),
			WorkingDir: strings.TrimSpace(workingDir),
			StartedAt:  time.Now(),
		},
		cmd:  cmd,
		done: make(chan struct{}),
	}

	s.mu.Lock()
	s.active[id] = e
	s.mu.Unlock()

	go s.monitor(id, e)

	s.log.Debug("background process registered",
		"process_id", id, "os_pid", e.handle.OSPid, "command", e.handle.Command)
	return id, nil
}

// monitor waits for process exit, records the exit code, and removes the
// entry from the active set. It is the only writer of exited/exitCode.
func (s *Supervisor) monitor(id string, e *entry) {
	err := e.cmd.Wait()

	code := 0
	if e.cmd.ProcessState != nil {
		code = e.cmd.ProcessState.ExitCode()
	} else if err != nil {
		code = -1
	}

	s.mu.Lock()
	e.exited = true
	e.exitCode = code
	delete(s.active, id)
	s.mu.Unlock()
	close(e.done)

	s.log.Debug("background process exited",
		"process_id", id, "os_pid", e.handle.OSPid, "exit_code", code)
}

// Get returns the handle for a tracked process.
func (s *Supervisor) Get(id string) (Handle, bool) {
	if s == nil {
		return Handle{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.active[strings.TrimSpace(id)]
	if !ok {
		return Handle{}, false
	}
	return e.handle, true
}

// List reports the active set, oldest first. Entries whose underlying handle
// already reports exit are skipped; their removal still belongs to the
// monitor, which is about to fire.
func (s *Supervisor) List() []Handle {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	out := make([]Handle, 0, len(s.active))
	for _, e := range s.active {
		if e.exited || e.cmd.ProcessState != nil {
			continue
		}
		out = append(out, e.handle)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// ActiveCount reports how many processes are currently tracked.
func (s *Supervisor) ActiveCount() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Stop terminates one tracked process. With force=false it sends SIGTERM,
// waits up to the grace window, then escalates to SIGKILL; the report notes
// the escalation. With force=true it kills immediately.
func (s *Supervisor) Stop(ctx context.Context, id string, force bool) (StopReport, error) {
	if s == nil {
		return StopReport{}, errors.New("nil supervisor")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	id = strings.TrimSpace(id)

	s.mu.Lock()
	e, ok := s.active[id]
	s.mu.Unlock()
	if !ok {
		return StopReport{ProcessID: id}, fmt.Errorf("process %s not found", id)
	}

	report := StopReport{ProcessID: id, Command: e.handle.Command}

	if force {
		if err := s.signal(e, unix.SIGKILL); err != nil {
			report.Error = err.Error()
			return report, nil
		}
		s.awaitExit(ctx, e, &report)
		return report, nil
	}

	if err := s.signal(e, unix.SIGTERM); err != nil {
		report.Error = err.Error()
		return report, nil
	}

	select {
	case <-e.done:
	case <-time.After(stopGraceWindow):
		report.Escalated = true
		s.log.Debug("background process stop escalated",
			"process_id", id, "os_pid", e.handle.OSPid)
		if err := s.signal(e, unix.SIGKILL); err != nil {
			report.Error = err.Error()
			return report, nil
		}
		s.awaitExit(ctx, e, &report)
		return report, nil
	case <-ctx.Done():
		report.Error = ctx.Err().Error()
		return report, nil
	}

	s.fillExitCode(e, &report)
	return report, nil
}

func (s *Supervisor) awaitExit(ctx context.Context, e *entry, report *StopReport) {
	select {
	case <-e.done:
		s.fillExitCode(e, report)
	case <-ctx.Done():
		report.Error = ctx.Err().Error()
	}
}

func (s *Supervisor) fillExitCode(e *entry, report *StopReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.exited {
		code := e.exitCode
		report.ExitCode = &code
	}
}

// signal targets the process group when the command was started with its own
// group, so shell children die with the shell.
func (s *Supervisor) signal(e *entry, sig unix.Signal) error {
	pid := e.handle.OSPid
	if pid <= 0 {
		return errors.New("invalid pid")
	}
	if e.cmd.SysProcAttr != nil && e.cmd.SysProcAttr.Setpgid {
		if err := unix.Kill(-pid, sig); err == nil {
			return nil
		}
	}
	if e.cmd.Process == nil {
		return errors.New("process already released")
	}
	return e.cmd.Process.Signal(sig)
}

// Cleanup stops every tracked process and aggregates one report per process.
// Individual failures become per-item diagnostics; Cleanup itself never
// fails.
func (s *Supervisor) Cleanup(ctx context.Context) []StopReport {
	if s == nil {
		return nil
	}
	handles := s.List()
	out := make([]StopReport, 0, len(handles))
	for _, h := range handles {
		report, err := s.Stop(ctx, h.ProcessID, false)
		if err != nil {
			report = StopReport{ProcessID: h.ProcessID, Command: h.Command, Error: err.Error()}
		}
		out = append(out, report)
	}
	return out
}

// StatusSummary renders an advisory one-liner per active process, with
// best-effort CPU/RSS sampling. Empty when nothing is running. The engine
// appends this to reported result content so the model knows work continues.
func (s *Supervisor) StatusSummary() string {
	handles := s.List()
	if len(handles) == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d background process(es) still running:", len(handles))
	for _, h := range handles {
		fmt.Fprintf(&b, "\n- %s (pid %d): %s", h.ProcessID, h.OSPid, h.Command)
		if stats := sampleProcessStats(h.OSPid); stats != "" {
			b.WriteString(" [" + stats + "]")
		}
	}
	return b.String()
}

func sampleProcessStats(pid int) string {
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return ""
	}
	parts := make([]string, 0, 2)
	if cpu, err := p.CPUPercent(); err == nil {
		parts = append(parts, fmt.Sprintf("cpu %.1f%%", cpu))
	}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		parts = append(parts, fmt.Sprintf("rss %dMB", mem.RSS/(1<<20)))
	}
	return strings.Join(parts, ", ")
}
