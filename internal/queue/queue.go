// Package queue holds pending commands and decides which one, if any, is
// safe to start.
package queue

import (
	"container/heap"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/breeze-rmm/opsagent/internal/busy"
	"github.com/breeze-rmm/opsagent/internal/command"
	"github.com/breeze-rmm/opsagent/internal/conflict"
	"github.com/breeze-rmm/opsagent/internal/logging"
)

var log = logging.L("queue")

var (
	ErrQueueFull = errors.New("command queue is full")
	ErrDuplicate = errors.New("command is already queued or executing")
	ErrNotFound  = errors.New("command is not executing")
	ErrFinished  = errors.New("command already finished")
)

const (
	DefaultCapacity         = 100
	DefaultHistorySize      = 100
	DefaultMaxAge           = 24 * time.Hour
	DefaultEvictionInterval = 5 * time.Minute

	busyDeferral     = 5 * time.Minute
	conflictDeferral = 2 * time.Minute
	retryDeferral    = 10 * time.Minute
)

// BusyState is the part of the busy detector the queue consults.
type BusyState interface {
	IsBusy() bool
	LoadTrend() busy.Trend
}

type Options struct {
	Capacity          int
	HistorySize       int
	MaxAge            time.Duration
	EvictionInterval  time.Duration
	MaintenanceWindow *command.Window
}

// Completion is a terminal outcome kept in the bounded history.
type Completion struct {
	ID          string         `json:"id"`
	Type        command.Type   `json:"type"`
	Status      command.Status `json:"status"`
	Output      string         `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	RetryCount  int            `json:"retryCount"`
	QueuedAt    time.Time      `json:"queuedAt"`
	CompletedAt time.Time      `json:"completedAt"`
}

type Stats struct {
	TotalQueued        int64   `json:"totalQueued"`
	TotalExecuted      int64   `json:"totalExecuted"`
	TotalFailed        int64   `json:"totalFailed"`
	TotalDeferred      int64   `json:"totalDeferred"`
	TotalEvicted       int64   `json:"totalEvicted"`
	AverageWaitMinutes float64 `json:"averageWaitMinutes"`
}

// Queue is a bounded priority queue. A single mutex guards the heap, the
// executing map, the history and the stats.
type Queue struct {
	opts Options
	busy BusyState
	now  func() time.Time

	mu        sync.Mutex
	heap      entryHeap
	queued    map[string]*entry
	executing map[string]*command.Command
	history   []Completion
	stats     Stats
	seq       uint64
}

// New creates a queue. busy may be nil, in which case the host is never
// considered busy.
func New(opts Options, b BusyState) *Queue {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.EvictionInterval <= 0 {
		opts.EvictionInterval = DefaultEvictionInterval
	}
	return &Queue{
		opts:      opts,
		busy:      b,
		now:       time.Now,
		queued:    make(map[string]*entry),
		executing: make(map[string]*command.Command),
	}
}

// Enqueue admits a command. It derives the category and, for maintenance
// sensitive types, the default execution window. Capacity counts queued and
// executing commands together.
func (q *Queue) Enqueue(cmd *command.Command) error {
	if cmd == nil || cmd.ID == "" {
		return command.ErrMissingID
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.queued[cmd.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, cmd.ID)
	}
	if _, ok := q.executing[cmd.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, cmd.ID)
	}
	if _, ok := q.finishedLocked(cmd.ID); ok {
		return fmt.Errorf("%w: %s", ErrFinished, cmd.ID)
	}
	// Executing commands keep their slot so a retry or defer can always
	// return them to the queue.
	if q.heap.Len()+len(q.executing) >= q.opts.Capacity {
		return fmt.Errorf("%w (%d entries)", ErrQueueFull, q.opts.Capacity)
	}

	c := cmd.Clone()
	c.QueuedAt = q.now()
	c.Category = conflict.Classify(c)
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryCount > c.MaxRetries {
		c.RetryCount = c.MaxRetries
	}
	if c.Window == nil && !c.IgnoreWindow && c.Type.MaintenanceSensitive() &&
		c.Priority > command.PriorityHigh && q.opts.MaintenanceWindow != nil {
		w := *q.opts.MaintenanceWindow
		c.Window = &w
	}

	q.pushLocked(c)
	q.stats.TotalQueued++

	log.Debug("command queued",
		"commandId", c.ID,
		"commandType", string(c.Type),
		"priority", int(c.Priority),
		"category", string(c.Category),
		"queueLength", q.heap.Len(),
	)
	return nil
}

func (q *Queue) pushLocked(c *command.Command) {
	q.seq++
	e := &entry{cmd: c, seq: q.seq}
	heap.Push(&q.heap, e)
	q.queued[c.ID] = e
}

// Dequeue returns the first command, in priority order, that is inside its
// window, passes the busy policy and does not conflict with running work.
// Candidates skipped by the busy or conflict checks have their defer time
// pushed out. The returned command is marked executing.
func (q *Queue) Dequeue() *command.Command {
	// Busy state is read once, before taking the queue lock.
	isBusy := false
	trend := busy.TrendStable
	if q.busy != nil {
		isBusy = q.busy.IsBusy()
		trend = q.busy.LoadTrend()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.heap.Len() == 0 {
		return nil
	}

	now := q.now()
	running := make([]*command.Command, 0, len(q.executing))
	for _, c := range q.executing {
		running = append(running, c)
	}

	candidates := q.heap.drain()
	var chosen *entry
	for _, e := range candidates {
		c := e.cmd
		if !c.CanExecuteNow(now) {
			continue
		}
		if isBusy && c.Priority > command.PriorityHigh {
			q.deferLocked(c, now.Add(busyDeferral), "host busy")
			continue
		}
		if !isBusy && trend == busy.TrendIncreasing && c.Priority > command.PriorityNormal {
			q.deferLocked(c, now.Add(busyDeferral), "load increasing")
			continue
		}
		if err := conflict.Resolve(running, c); err != nil {
			q.deferLocked(c, now.Add(conflictDeferral), err.Error())
			continue
		}
		chosen = e
		break
	}

	for _, e := range candidates {
		if e == chosen {
			continue
		}
		heap.Push(&q.heap, e)
	}

	if chosen == nil {
		return nil
	}

	delete(q.queued, chosen.cmd.ID)
	q.executing[chosen.cmd.ID] = chosen.cmd
	return chosen.cmd.Clone()
}

func (q *Queue) deferLocked(c *command.Command, until time.Time, reason string) {
	c.DeferUntil = until
	q.stats.TotalDeferred++
	log.Debug("command deferred",
		"commandId", c.ID,
		"commandType", string(c.Type),
		"until", until,
		"reason", reason,
	)
}

// MarkCompleted moves an executing command to history.
func (q *Queue) MarkCompleted(id, output string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	c, ok := q.executing[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(q.executing, id)

	now := q.now()
	q.stats.TotalExecuted++
	wait := now.Sub(c.QueuedAt).Minutes()
	n := float64(q.stats.TotalExecuted)
	q.stats.AverageWaitMinutes = (q.stats.AverageWaitMinutes*(n-1) + wait) / n

	q.recordLocked(Completion{
		ID:          c.ID,
		Type:        c.Type,
		Status:      command.StatusCompleted,
		Output:      output,
		RetryCount:  c.RetryCount,
		QueuedAt:    c.QueuedAt,
		CompletedAt: now,
	})
	return nil
}

// MarkFailed records a failure. With retry set and retries left, the command
// is requeued behind a 10 minute defer and true is returned. Otherwise it
// goes to history as failed.
func (q *Queue) MarkFailed(id, errMsg string, retry bool) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	c, ok := q.executing[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(q.executing, id)

	now := q.now()
	c.LastError = errMsg
	if retry && c.RetryCount < c.MaxRetries {
		c.RetryCount++
		c.DeferUntil = now.Add(retryDeferral)
		q.pushLocked(c)
		log.Info("command scheduled for retry",
			"commandId", c.ID,
			"commandType", string(c.Type),
			"retry", c.RetryCount,
			"maxRetries", c.MaxRetries,
			"until", c.DeferUntil,
		)
		return true, nil
	}

	q.stats.TotalFailed++
	q.recordLocked(Completion{
		ID:          c.ID,
		Type:        c.Type,
		Status:      command.StatusFailed,
		Error:       errMsg,
		RetryCount:  c.RetryCount,
		QueuedAt:    c.QueuedAt,
		CompletedAt: now,
	})
	return false, nil
}

// Defer returns an executing command to the queue, not eligible for d.
func (q *Queue) Defer(id, reason string, d time.Duration) error {
	return q.DeferUntil(id, reason, q.now().Add(d))
}

// DeferUntil returns an executing command to the queue, not eligible before
// until. Retry bookkeeping is unchanged.
func (q *Queue) DeferUntil(id, reason string, until time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	c, ok := q.executing[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(q.executing, id)
	q.deferLocked(c, until, reason)
	q.pushLocked(c)
	return nil
}

func (q *Queue) recordLocked(c Completion) {
	if len(q.history) >= q.opts.HistorySize {
		copy(q.history, q.history[1:])
		q.history = q.history[:len(q.history)-1]
	}
	q.history = append(q.history, c)
}

// Finished returns the history entry for a command that already reached a
// terminal status.
func (q *Queue) Finished(id string) (Completion, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.finishedLocked(id)
}

func (q *Queue) finishedLocked(id string) (Completion, bool) {
	for i := len(q.history) - 1; i >= 0; i-- {
		if q.history[i].ID == id {
			return q.history[i], true
		}
	}
	return Completion{}, false
}

// Len returns the number of queued (not executing) commands.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

func (q *Queue) ExecutingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.executing)
}

// HasPriorityAtMost reports whether any queued command has priority <= p.
func (q *Queue) HasPriorityAtMost(p command.Priority) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.heap {
		if e.cmd.Priority <= p {
			return true
		}
	}
	return false
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

func (q *Queue) History() []Completion {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Completion(nil), q.history...)
}
