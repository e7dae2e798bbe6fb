// Package scheduler polls the remote API for commands, feeds them through the
// queue and dispatches them to the executor on a bounded worker pool.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/opsagent/internal/audit"
	"github.com/breeze-rmm/opsagent/internal/command"
	"github.com/breeze-rmm/opsagent/internal/executor"
	"github.com/breeze-rmm/opsagent/internal/health"
	"github.com/breeze-rmm/opsagent/internal/logging"
	"github.com/breeze-rmm/opsagent/internal/queue"
	"github.com/breeze-rmm/opsagent/internal/workerpool"
	"github.com/breeze-rmm/opsagent/pkg/api"
)

var log = logging.L("scheduler")

const (
	DefaultPollInterval    = 30 * time.Second
	DefaultErrorBackoff    = 60 * time.Second
	DefaultMaxConcurrent   = 2
	DefaultShutdownTimeout = 30 * time.Second

	defaultDeferral = 2 * time.Minute
	reportTimeout   = 30 * time.Second
)

var ErrAlreadyRunning = errors.New("scheduler is already running")

// API is the remote control API the scheduler consumes.
type API interface {
	FetchPendingCommands(ctx context.Context, agentID string) ([]json.RawMessage, error)
	ReportCommandStatus(ctx context.Context, commandID string, u api.StatusUpdate) error
}

// Executor runs one command to completion.
type Executor interface {
	Execute(ctx context.Context, cmd *command.Command) executor.Result
	ActiveCount() int
}

// BusyState is the part of the busy detector the dispatch gate consults.
type BusyState interface {
	IsBusy() bool
	BusyReasons() []string
}

type Config struct {
	AgentID           string
	PollInterval      time.Duration
	ErrorBackoff      time.Duration
	MaxConcurrent     int
	ShutdownTimeout   time.Duration
	MaxRetries        int
	MaintenanceWindow *command.Window
}

// Deps are the collaborators a Scheduler drives. Busy, Health and Audit may
// be nil.
type Deps struct {
	API      API
	Queue    *queue.Queue
	Executor Executor
	Busy     BusyState
	Health   *health.Monitor
	Audit    *audit.Logger
}

// Status is the scheduler's control surface view.
type Status struct {
	Running             bool           `json:"running"`
	AgentID             string         `json:"agentId,omitempty"`
	ActiveProcessCount  int            `json:"activeProcessCount"`
	QueueLength         int            `json:"queueLength"`
	ExecutingCount      int            `json:"executingCount"`
	ActiveWorkers       int            `json:"activeWorkers"`
	MaxWorkers          int            `json:"maxWorkers"`
	SystemBusy          bool           `json:"systemBusy"`
	BusyReasons         []string       `json:"busyReasons,omitempty"`
	InMaintenanceWindow bool           `json:"inMaintenanceWindow"`
	Stats               queue.Stats    `json:"stats"`
	Health              map[string]any `json:"health,omitempty"`
}

type Scheduler struct {
	cfg   Config
	deps  Deps
	queue *queue.Queue
	pool  *workerpool.Pool
	now   func() time.Time

	mu      sync.RWMutex
	agentID string

	running  atomic.Bool
	wake     chan struct{}
	stopChan chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func New(cfg Config, deps Deps) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = DefaultErrorBackoff
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = command.DefaultMaxRetries
	}

	return &Scheduler{
		cfg:      cfg,
		deps:     deps,
		queue:    deps.Queue,
		pool:     workerpool.New(cfg.MaxConcurrent, cfg.MaxConcurrent),
		now:      time.Now,
		agentID:  cfg.AgentID,
		wake:     make(chan struct{}, 1),
		stopChan: make(chan struct{}),
	}
}

// SetAgentID switches fetches to the per-agent endpoint.
func (s *Scheduler) SetAgentID(id string) {
	s.mu.Lock()
	s.agentID = id
	s.mu.Unlock()
	log.Info("agent id set", "agentId", id)
}

func (s *Scheduler) AgentID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.agentID
}

// Start launches the poll loop and the queue eviction sweep. It returns
// immediately.
func (s *Scheduler) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.queue.RunEviction(ctx, s.onEvict)
	}()

	log.Info("scheduler started",
		"pollInterval", s.cfg.PollInterval.String(),
		"maxConcurrent", s.cfg.MaxConcurrent,
	)
	return nil
}

// Stop halts polling and waits, up to the shutdown timeout, for dispatched
// commands to finish. Commands still running after that keep running.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		s.pool.Shutdown(ctx)
		s.running.Store(false)
		log.Info("scheduler stopped")
	})
}

// Wake runs the dispatch step without waiting for the next poll.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-s.wake:
			if err := s.safely("dispatch", func() error { s.dispatch(ctx); return nil }); err != nil {
				log.Error("dispatch failed", "error", err.Error())
			}
		case <-timer.C:
			wait := s.cfg.PollInterval
			if err := s.RunCycle(ctx); err != nil {
				log.Error("scheduler cycle failed, backing off",
					"error", err.Error(),
					"backoff", s.cfg.ErrorBackoff.String(),
				)
				s.reportHealth(health.ComponentScheduler, health.Degraded, err.Error())
				wait = s.cfg.ErrorBackoff
			} else {
				s.reportHealth(health.ComponentScheduler, health.Healthy, "")
			}
			timer.Reset(wait)
		}
	}
}

// RunCycle fetches pending commands, enqueues them and dispatches at most
// one. A panic inside the cycle is returned as an error.
func (s *Scheduler) RunCycle(ctx context.Context) error {
	return s.safely("cycle", func() error {
		raw, err := s.deps.API.FetchPendingCommands(ctx, s.AgentID())
		if err != nil {
			s.reportHealth(health.ComponentFetch, health.Degraded, err.Error())
			return fmt.Errorf("fetch pending commands: %w", err)
		}
		s.reportHealth(health.ComponentFetch, health.Healthy, "")
		s.Ingest(raw)
		s.dispatch(ctx)
		return nil
	})
}

func (s *Scheduler) safely(what string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in scheduler "+what, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			err = fmt.Errorf("panic in %s: %v", what, r)
		}
	}()
	return fn()
}

// Ingest validates and enqueues raw commands and returns how many were
// accepted. Malformed items are logged and dropped.
func (s *Scheduler) Ingest(raw []json.RawMessage) int {
	accepted := 0
	for _, item := range raw {
		cmd, err := command.ParseWithRetries(item, s.cfg.MaxRetries)
		if err != nil {
			log.Warn("dropping malformed command", "error", err.Error())
			s.deps.Audit.Log(audit.EventCommandRejected, "", map[string]any{"reason": err.Error()})
			continue
		}

		if err := s.queue.Enqueue(cmd); err != nil {
			switch {
			case errors.Is(err, queue.ErrDuplicate):
				log.Debug("command already known", "commandId", cmd.ID)
			case errors.Is(err, queue.ErrFinished):
				s.resendOutcome(cmd.ID)
			case errors.Is(err, queue.ErrQueueFull):
				log.Warn("command queue full, command not accepted", "commandId", cmd.ID, "commandType", string(cmd.Type))
			default:
				log.Warn("command not enqueued", "commandId", cmd.ID, "error", err.Error())
			}
			continue
		}

		accepted++
		s.deps.Audit.Log(audit.EventCommandReceived, cmd.ID, map[string]any{
			"type":     string(cmd.Type),
			"priority": int(cmd.Priority),
		})
	}
	if accepted > 0 {
		log.Info("commands queued", "count", accepted, "queueLength", s.queue.Len())
	}
	return accepted
}

// resendOutcome reports the recorded terminal status again for a command the
// server redelivered after it finished.
func (s *Scheduler) resendOutcome(id string) {
	done, ok := s.queue.Finished(id)
	if !ok {
		return
	}
	log.Info("command already finished, resending outcome", "commandId", id, "status", string(done.Status))
	s.report(context.Background(), id, api.StatusUpdate{
		Status:       string(done.Status),
		Output:       done.Output,
		ErrorMessage: done.Error,
		Timestamp:    done.CompletedAt.UTC(),
	})
}

// dispatch starts one command if a worker slot is free and the host is not
// busy. Critical and high priority work is still considered on a busy host;
// the queue applies the per-command busy policy.
func (s *Scheduler) dispatch(ctx context.Context) {
	if s.pool.Pending() >= s.cfg.MaxConcurrent {
		return
	}
	if s.deps.Busy != nil && s.deps.Busy.IsBusy() && !s.queue.HasPriorityAtMost(command.PriorityHigh) {
		log.Debug("host busy, dispatch skipped", "reasons", s.deps.Busy.BusyReasons())
		return
	}

	cmd := s.queue.Dequeue()
	if cmd == nil {
		return
	}

	clog := logging.WithCommand(log, cmd.ID, string(cmd.Type))
	s.report(ctx, cmd.ID, api.StatusUpdate{Status: string(command.StatusExecuting)})
	s.deps.Audit.Log(audit.EventCommandDispatched, cmd.ID, map[string]any{
		"type":     string(cmd.Type),
		"priority": int(cmd.Priority),
		"category": string(cmd.Category),
	})

	if !s.pool.Submit(func() { s.run(cmd) }) {
		clog.Warn("worker pool rejected command, deferring")
		if err := s.queue.Defer(cmd.ID, "worker pool unavailable", defaultDeferral); err != nil {
			clog.Error("failed to return command to queue", "error", err.Error())
		}
		return
	}
	clog.Info("command dispatched", "priority", int(cmd.Priority), "category", string(cmd.Category))
}

// run executes a command on a pool worker and records the outcome. It uses
// its own context so in-flight work outlives Stop.
func (s *Scheduler) run(cmd *command.Command) {
	defer s.Wake()
	ctx := context.Background()
	clog := logging.WithCommand(log, cmd.ID, string(cmd.Type))

	res := s.deps.Executor.Execute(ctx, cmd)

	switch res.Status {
	case command.StatusDeferred:
		var err error
		if !res.DeferUntil.IsZero() {
			err = s.queue.DeferUntil(cmd.ID, res.Output, res.DeferUntil)
		} else {
			d := res.DeferFor
			if d <= 0 {
				d = defaultDeferral
			}
			err = s.queue.Defer(cmd.ID, res.Output, d)
		}
		if err != nil {
			clog.Error("failed to re-queue deferred command", "error", err.Error())
		}
		s.report(ctx, cmd.ID, api.StatusUpdate{Status: string(command.StatusDeferred), Output: res.Output})
		s.deps.Audit.Log(audit.EventCommandDeferred, cmd.ID, map[string]any{"reason": res.Output})

	case command.StatusCompleted:
		if err := s.queue.MarkCompleted(cmd.ID, res.Output); err != nil {
			clog.Error("failed to mark command completed", "error", err.Error())
		}
		s.report(ctx, cmd.ID, api.StatusUpdate{Status: string(command.StatusCompleted), Output: res.Output})
		s.deps.Audit.Log(audit.EventCommandCompleted, cmd.ID, map[string]any{
			"exitCode":   res.ExitCode,
			"durationMs": res.DurationMs,
		})

	default:
		retried, err := s.queue.MarkFailed(cmd.ID, res.Error, res.Retryable)
		if err != nil {
			clog.Error("failed to mark command failed", "error", err.Error())
		}
		if retried {
			msg := fmt.Sprintf("retry %d of %d scheduled: %s", cmd.RetryCount+1, cmd.MaxRetries, res.Error)
			s.report(ctx, cmd.ID, api.StatusUpdate{Status: string(command.StatusDeferred), Output: res.Output, ErrorMessage: msg})
			s.deps.Audit.Log(audit.EventCommandDeferred, cmd.ID, map[string]any{"reason": msg})
			return
		}
		s.report(ctx, cmd.ID, api.StatusUpdate{
			Status:       string(command.StatusFailed),
			Output:       res.Output,
			ErrorMessage: res.Error,
		})
		s.deps.Audit.Log(audit.EventCommandFailed, cmd.ID, map[string]any{
			"exitCode": res.ExitCode,
			"error":    res.Error,
		})
	}
}

func (s *Scheduler) report(ctx context.Context, id string, u api.StatusUpdate) {
	if u.Timestamp.IsZero() {
		u.Timestamp = s.now().UTC()
	}
	ctx, cancel := context.WithTimeout(ctx, reportTimeout)
	defer cancel()

	if err := s.deps.API.ReportCommandStatus(ctx, id, u); err != nil {
		log.Warn("failed to report command status", "commandId", id, "status", u.Status, "error", err.Error())
		s.reportHealth(health.ComponentReport, health.Degraded, err.Error())
		return
	}
	s.reportHealth(health.ComponentReport, health.Healthy, "")
}

func (s *Scheduler) onEvict(cmd *command.Command) {
	msg := fmt.Sprintf("evicted after waiting in queue since %s", cmd.QueuedAt.UTC().Format(time.RFC3339))
	s.report(context.Background(), cmd.ID, api.StatusUpdate{Status: string(command.StatusFailed), ErrorMessage: msg})
	s.deps.Audit.Log(audit.EventCommandEvicted, cmd.ID, map[string]any{"type": string(cmd.Type)})
}

func (s *Scheduler) reportHealth(component string, st health.Status, msg string) {
	if s.deps.Health != nil {
		s.deps.Health.Update(component, st, msg)
	}
}

// GetStatus returns the scheduler's current state.
func (s *Scheduler) GetStatus() Status {
	st := Status{
		Running:        s.running.Load(),
		AgentID:        s.AgentID(),
		QueueLength:    s.queue.Len(),
		ExecutingCount: s.queue.ExecutingCount(),
		ActiveWorkers:  s.pool.Running(),
		MaxWorkers:     s.pool.MaxWorkers(),
		Stats:          s.queue.Stats(),
	}
	if s.deps.Executor != nil {
		st.ActiveProcessCount = s.deps.Executor.ActiveCount()
	}
	if s.deps.Busy != nil {
		st.SystemBusy = s.deps.Busy.IsBusy()
		if st.SystemBusy {
			st.BusyReasons = s.deps.Busy.BusyReasons()
		}
	}
	if s.cfg.MaintenanceWindow != nil {
		st.InMaintenanceWindow = s.cfg.MaintenanceWindow.Contains(s.now())
	}
	if s.deps.Health != nil {
		st.Health = s.deps.Health.Summary()
	}
	return st
}
