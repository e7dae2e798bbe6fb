package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrProcessNotFound is returned by Terminate for an untracked pid.
var ErrProcessNotFound = errors.New("process not found")

// ProcessInfo describes a tracked subprocess.
type ProcessInfo struct {
	PID       int       `json:"pid"`
	RunID     string    `json:"runId"`
	CommandID string    `json:"commandId"`
	Command   string    `json:"command"`
	StartedAt time.Time `json:"startedAt"`
}

type trackedProcess struct {
	info       ProcessInfo
	cmd        *exec.Cmd
	done       chan struct{}
	terminated atomic.Bool
}

// processTable is keyed by OS pid. Entries are inserted after a successful
// start and removed when the process is reaped or terminated.
type processTable struct {
	mu    sync.Mutex
	procs map[int]*trackedProcess
}

func newProcessTable() *processTable {
	return &processTable{procs: make(map[int]*trackedProcess)}
}

func (t *processTable) insert(p *trackedProcess) {
	t.mu.Lock()
	t.procs[p.info.PID] = p
	t.mu.Unlock()
}

func (t *processTable) remove(pid int) {
	t.mu.Lock()
	delete(t.procs, pid)
	t.mu.Unlock()
}

func (t *processTable) get(pid int) (*trackedProcess, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.procs[pid]
	return p, ok
}

func (t *processTable) list() []ProcessInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ProcessInfo, 0, len(t.procs))
	for _, p := range t.procs {
		out = append(out, p.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (t *processTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.procs)
}

// ActiveProcesses lists tracked subprocesses, oldest first.
func (e *Executor) ActiveProcesses() []ProcessInfo {
	return e.procs.list()
}

// ActiveCount returns the number of tracked subprocesses.
func (e *Executor) ActiveCount() int {
	return e.procs.len()
}

// Terminate asks the process group of pid to exit, waits up to the grace
// period and then kills it. The entry is removed from the table either way.
func (e *Executor) Terminate(pid int) error {
	p, ok := e.procs.get(pid)
	if !ok {
		return fmt.Errorf("%w: %d", ErrProcessNotFound, pid)
	}
	defer e.procs.remove(pid)

	p.terminated.Store(true)
	log.Info("terminating process", "pid", pid, "commandId", p.info.CommandID)

	if err := terminateProcessGroup(p.cmd); err != nil {
		log.Warn("graceful termination failed", "pid", pid, "error", err.Error())
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(e.grace):
	}

	log.Warn("process did not exit within grace period, killing", "pid", pid, "grace", e.grace.String())
	if err := killProcessGroup(p.cmd); err != nil {
		return fmt.Errorf("kill process %d: %w", pid, err)
	}
	return nil
}

// procSpec describes one subprocess run.
type procSpec struct {
	commandID string
	display   string
	name      string
	args      []string
	env       map[string]string
	dir       string
	timeout   time.Duration
}

type procResult struct {
	stdout     string
	stderr     string
	exitCode   int
	err        error
	timedOut   bool
	terminated bool
	duration   time.Duration
}

// runProcess starts spec in its own process group, tracks it in the process
// table and waits for it to exit or for the timeout.
func (e *Executor) runProcess(ctx context.Context, spec procSpec) procResult {
	ctx, cancel := context.WithTimeout(ctx, spec.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, spec.name, spec.args...)
	cmd.Dir = spec.dir
	if cmd.Dir == "" {
		cmd.Dir = e.opts.WorkDir
	}
	cmd.Env = buildEnvironment(spec.commandID, spec.env)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{buf: &stdout, limit: MaxOutputSize}
	cmd.Stderr = &limitedWriter{buf: &stderr, limit: MaxOutputSize}

	// Set process group so children are killed on timeout
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = 5 * time.Second

	start := e.now()
	if err := cmd.Start(); err != nil {
		return procResult{exitCode: -1, err: fmt.Errorf("start %s: %w", spec.name, err)}
	}

	p := &trackedProcess{
		info: ProcessInfo{
			PID:       cmd.Process.Pid,
			RunID:     uuid.NewString(),
			CommandID: spec.commandID,
			Command:   spec.display,
			StartedAt: start,
		},
		cmd:  cmd,
		done: make(chan struct{}),
	}
	e.procs.insert(p)

	err := cmd.Wait()
	close(p.done)
	e.procs.remove(p.info.PID)

	res := procResult{
		stdout:   stdout.String(),
		stderr:   stderr.String(),
		duration: e.now().Sub(start),
	}

	switch {
	case err == nil:
		res.exitCode = 0
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.exitCode = -1
		res.timedOut = true
		res.err = fmt.Errorf("execution timed out after %d seconds", int(spec.timeout.Seconds()))
	case p.terminated.Load():
		res.exitCode = -1
		res.terminated = true
		res.err = errors.New("process terminated")
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.exitCode = exitErr.ExitCode()
			res.err = fmt.Errorf("exit status %d", res.exitCode)
		} else {
			res.exitCode = -1
			res.err = err
		}
	}
	return res
}

// buildEnvironment overlays the command's variables on the agent's own
// environment.
func buildEnvironment(commandID string, overlay map[string]string) []string {
	env := os.Environ()
	env = append(env, "OPSAGENT_COMMAND_ID="+commandID)
	keys := make([]string, 0, len(overlay))
	for k := range overlay {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			continue
		}
		env = append(env, k+"="+overlay[k])
	}
	return env
}

// limitedWriter wraps a buffer with a size limit
type limitedWriter struct {
	buf     *bytes.Buffer
	limit   int
	written int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	if w.written >= w.limit {
		// Discard additional data but don't error
		return total, nil
	}

	remaining := w.limit - w.written
	if len(p) > remaining {
		p = p[:remaining]
	}

	n, err := w.buf.Write(p)
	w.written += n
	if err != nil {
		return n, err
	}
	return total, nil
}
