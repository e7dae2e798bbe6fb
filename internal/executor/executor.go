// Package executor runs dequeued commands: it screens execute payloads,
// applies the type-level conflict table and dispatches to a handler per
// command type.
package executor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/opsagent/internal/collectors"
	"github.com/breeze-rmm/opsagent/internal/command"
	"github.com/breeze-rmm/opsagent/internal/logging"
)

var log = logging.L("executor")

const (
	// DefaultTimeout is the default execution timeout in seconds
	DefaultTimeout = 300 // 5 minutes

	// MaxTimeout is the maximum allowed execution timeout
	MaxTimeout = 3600 // 1 hour

	// MaxOutputSize is the maximum size of stdout/stderr to capture
	MaxOutputSize = 1024 * 1024 // 1MB

	// DefaultMaxTransferBytes caps upload and download sizes.
	DefaultMaxTransferBytes = 512 * 1024 * 1024

	typeConflictDeferral = 2 * time.Minute
	terminateGrace       = 10 * time.Second
)

// Result is the outcome of one command. Status is completed, failed or
// deferred.
type Result struct {
	Status     command.Status `json:"status"`
	Output     string         `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	ExitCode   int            `json:"exitCode"`
	DurationMs int64          `json:"durationMs"`

	// Retryable marks a transient failure.
	Retryable bool `json:"-"`
	// DeferFor or DeferUntil say when a deferred command may run again.
	DeferFor   time.Duration `json:"-"`
	DeferUntil time.Time     `json:"-"`
}

func completed(output string) Result {
	return Result{Status: command.StatusCompleted, Output: output}
}

func failed(err error, retryable bool) Result {
	return Result{Status: command.StatusFailed, Error: err.Error(), ExitCode: -1, Retryable: retryable}
}

func deferredFor(msg string, d time.Duration) Result {
	return Result{Status: command.StatusDeferred, Output: msg, DeferFor: d}
}

func deferredUntil(msg string, until time.Time) Result {
	return Result{Status: command.StatusDeferred, Output: msg, DeferUntil: until}
}

// Options configures an Executor. Zero values fall back to defaults.
type Options struct {
	DefaultTimeout     time.Duration
	AllowSystemRestart bool
	MaintenanceWindow  *command.Window
	WorkDir            string
	Collector          collectors.Collector
	HTTPClient         *http.Client
	MaxTransferBytes   int64
	// SystemRestart replaces the platform shutdown command.
	SystemRestart func(ctx context.Context) error
}

type handlerFunc func(e *Executor, ctx context.Context, cmd *command.Command) Result

// handlerRegistry maps command types to their handlers. It is only written
// during package init and read-only thereafter.
var handlerRegistry = map[command.Type]handlerFunc{
	command.TypeExecute:     handleExecute,
	command.TypeUpload:      handleUpload,
	command.TypeDownload:    handleDownload,
	command.TypePatch:       handlePatch,
	command.TypeRestart:     handleRestart,
	command.TypeHealthCheck: handleHealthCheck,
}

// Executor runs commands. It is safe for concurrent use.
type Executor struct {
	opts     Options
	policy   atomic.Pointer[SecurityPolicy]
	inFlight *inFlightSet
	procs    *processTable
	now      func() time.Time
	grace    time.Duration
	restart  func(ctx context.Context) error
}

// New creates an Executor. A nil policy uses the built-in dangerous
// pattern list.
func New(opts Options, policy *SecurityPolicy) *Executor {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout * time.Second
	}
	if opts.DefaultTimeout > MaxTimeout*time.Second {
		opts.DefaultTimeout = MaxTimeout * time.Second
	}
	if opts.WorkDir == "" {
		opts.WorkDir = os.TempDir()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	}
	if opts.MaxTransferBytes <= 0 {
		opts.MaxTransferBytes = DefaultMaxTransferBytes
	}
	if policy == nil {
		policy = &SecurityPolicy{}
	}

	e := &Executor{
		opts:     opts,
		inFlight: newInFlightSet(),
		procs:    newProcessTable(),
		now:      time.Now,
		grace:    terminateGrace,
	}
	e.restart = e.systemRestart
	if opts.SystemRestart != nil {
		e.restart = opts.SystemRestart
	}
	e.policy.Store(policy)
	return e
}

// SetPolicy swaps the security policy used for subsequent commands.
func (e *Executor) SetPolicy(p *SecurityPolicy) {
	if p == nil {
		p = &SecurityPolicy{}
	}
	e.policy.Store(p)
	log.Info("security policy updated",
		"allowedPatterns", len(p.allowed),
		"blockedPatterns", len(p.blocked),
	)
}

// Execute runs cmd to completion and returns its result. It never panics.
func (e *Executor) Execute(ctx context.Context, cmd *command.Command) (res Result) {
	start := e.now()
	clog := logging.WithCommand(log, cmd.ID, string(cmd.Type))

	defer func() {
		if r := recover(); r != nil {
			clog.Error("panic in command handler", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			res = failed(fmt.Errorf("handler panic: %v", r), false)
		}
		res.DurationMs = e.now().Sub(start).Milliseconds()
	}()

	if cmd.Type == command.TypeExecute {
		if err := e.policy.Load().Check(cmd.Payload); err != nil {
			clog.Warn("command rejected by security policy", "error", err.Error())
			return failed(err, false)
		}
	}

	if blocker, ok := e.inFlight.tryAdd(cmd.Type); !ok {
		msg := fmt.Sprintf("%s conflicts with in-flight %s", cmd.Type, blocker)
		clog.Info("command deferred by type conflict", "blockedBy", string(blocker))
		return deferredFor(msg, typeConflictDeferral)
	}
	defer e.inFlight.remove(cmd.Type)

	h, ok := handlerRegistry[cmd.Type]
	if !ok {
		return failed(fmt.Errorf("unsupported command type %q", cmd.Type), false)
	}

	clog.Info("executing command")
	res = h(e, ctx, cmd)
	clog.Info("command finished",
		"status", string(res.Status),
		"exitCode", res.ExitCode,
		"durationMs", e.now().Sub(start).Milliseconds(),
	)
	return res
}

// InFlightTypes returns the command types currently inside a handler.
func (e *Executor) InFlightTypes() []command.Type {
	return e.inFlight.list()
}

// timeoutFor resolves a per-command timeout in seconds, bounded by
// MaxTimeout.
func (e *Executor) timeoutFor(cmd *command.Command) time.Duration {
	secs := cmd.ParamInt("timeout", 0)
	if secs <= 0 {
		return e.opts.DefaultTimeout
	}
	if secs > MaxTimeout {
		secs = MaxTimeout
	}
	return time.Duration(secs) * time.Second
}
