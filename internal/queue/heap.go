package queue

import (
	"container/heap"

	"github.com/breeze-rmm/opsagent/internal/command"
)

type entry struct {
	cmd   *command.Command
	seq   uint64
	index int
}

// entryHeap is a min-heap on (priority, queuedAt, seq).
type entryHeap []*entry

var _ heap.Interface = (*entryHeap)(nil)

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.cmd.Priority != b.cmd.Priority {
		return a.cmd.Priority < b.cmd.Priority
	}
	if !a.cmd.QueuedAt.Equal(b.cmd.QueuedAt) {
		return a.cmd.QueuedAt.Before(b.cmd.QueuedAt)
	}
	return a.seq < b.seq
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// drain pops every entry in priority order, leaving the heap empty.
func (h *entryHeap) drain() []*entry {
	out := make([]*entry, 0, h.Len())
	for h.Len() > 0 {
		out = append(out, heap.Pop(h).(*entry))
	}
	return out
}
