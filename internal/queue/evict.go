package queue

import (
	"container/heap"
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/breeze-rmm/opsagent/internal/command"
)

// Evict removes queued commands older than the maximum age, regardless of
// priority, and returns them.
func (q *Queue) Evict() []*command.Command {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.now().Add(-q.opts.MaxAge)
	var evicted []*command.Command
	kept := q.heap[:0]
	for _, e := range q.heap {
		if e.cmd.QueuedAt.Before(cutoff) {
			delete(q.queued, e.cmd.ID)
			evicted = append(evicted, e.cmd)
			continue
		}
		kept = append(kept, e)
	}
	if len(evicted) == 0 {
		return nil
	}
	for i := len(kept); i < len(q.heap); i++ {
		q.heap[i] = nil
	}
	q.heap = kept
	for i, e := range q.heap {
		e.index = i
	}
	heap.Init(&q.heap)
	q.stats.TotalEvicted += int64(len(evicted))
	return evicted
}

// RunEviction sweeps on the eviction interval until ctx is cancelled. A
// panicking sweep is logged and the loop continues.
func (q *Queue) RunEviction(ctx context.Context, onEvict func(*command.Command)) {
	ticker := time.NewTicker(q.opts.EvictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.sweep(onEvict)
		}
	}
}

func (q *Queue) sweep(onEvict func(*command.Command)) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in eviction sweep", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()

	evicted := q.Evict()
	for _, c := range evicted {
		log.Warn("evicted stale command",
			"commandId", c.ID,
			"commandType", string(c.Type),
			"queuedAt", c.QueuedAt,
		)
		if onEvict != nil {
			onEvict(c)
		}
	}
}
