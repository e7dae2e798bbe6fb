package queue

import (
	"sort"
	"time"

	"github.com/breeze-rmm/opsagent/internal/command"
)

// EntryView is the read-only form of a queued or executing command.
type EntryView struct {
	ID         string           `json:"id"`
	Type       command.Type     `json:"type"`
	Priority   command.Priority `json:"priority"`
	Category   command.Category `json:"category"`
	QueuedAt   time.Time        `json:"queuedAt"`
	DeferUntil *time.Time       `json:"deferUntil,omitempty"`
	Window     string           `json:"executionWindow,omitempty"`
	RetryCount int              `json:"retryCount"`
	MaxRetries int              `json:"maxRetries"`
}

type Snapshot struct {
	Queued    []EntryView  `json:"queued"`
	Executing []EntryView  `json:"executing"`
	Stats     Stats        `json:"stats"`
	History   []Completion `json:"history"`
}

func viewOf(c *command.Command) EntryView {
	v := EntryView{
		ID:         c.ID,
		Type:       c.Type,
		Priority:   c.Priority,
		Category:   c.Category,
		QueuedAt:   c.QueuedAt,
		RetryCount: c.RetryCount,
		MaxRetries: c.MaxRetries,
	}
	if !c.DeferUntil.IsZero() {
		t := c.DeferUntil
		v.DeferUntil = &t
	}
	if c.Window != nil {
		v.Window = c.Window.String()
	}
	return v
}

// Snapshot returns queued entries in dequeue order, executing entries, the
// stats and the completion history.
func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	ordered := make(entryHeap, len(q.heap))
	copy(ordered, q.heap)
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.cmd.Priority != b.cmd.Priority {
			return a.cmd.Priority < b.cmd.Priority
		}
		if !a.cmd.QueuedAt.Equal(b.cmd.QueuedAt) {
			return a.cmd.QueuedAt.Before(b.cmd.QueuedAt)
		}
		return a.seq < b.seq
	})

	s := Snapshot{
		Queued:    make([]EntryView, 0, len(ordered)),
		Executing: make([]EntryView, 0, len(q.executing)),
		Stats:     q.stats,
		History:   append([]Completion(nil), q.history...),
	}
	for _, e := range ordered {
		s.Queued = append(s.Queued, viewOf(e.cmd))
	}
	for _, c := range q.executing {
		s.Executing = append(s.Executing, viewOf(c))
	}
	sort.Slice(s.Executing, func(i, j int) bool { return s.Executing[i].ID < s.Executing[j].ID })
	return s
}
