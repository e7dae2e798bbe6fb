package executor

import (
	"sort"
	"sync"

	"github.com/breeze-rmm/opsagent/internal/command"
)

// typeConflicts declares which command types may not start while another
// type is in flight. It is read-only after init.
var typeConflicts = map[command.Type][]command.Type{
	command.TypeRestart: {command.TypeExecute, command.TypePatch, command.TypeUpload, command.TypeDownload},
	command.TypePatch:   {command.TypeRestart, command.TypeExecute},
}

// typeConflict reports whether candidate and inFlight may not overlap. The
// table is consulted in both directions.
func typeConflict(candidate, inFlight command.Type) bool {
	if candidate == inFlight {
		return true
	}
	for _, t := range typeConflicts[candidate] {
		if t == inFlight {
			return true
		}
	}
	for _, t := range typeConflicts[inFlight] {
		if t == candidate {
			return true
		}
	}
	return false
}

// inFlightSet is the set of command types currently inside a handler.
type inFlightSet struct {
	mu    sync.Mutex
	types map[command.Type]struct{}
}

func newInFlightSet() *inFlightSet {
	return &inFlightSet{types: make(map[command.Type]struct{})}
}

// tryAdd adds t unless it is present or conflicts with a present type. The
// returned type is the in-flight type that blocked it.
func (s *inFlightSet) tryAdd(t command.Type) (command.Type, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for existing := range s.types {
		if typeConflict(t, existing) {
			return existing, false
		}
	}
	s.types[t] = struct{}{}
	return "", true
}

func (s *inFlightSet) remove(t command.Type) {
	s.mu.Lock()
	delete(s.types, t)
	s.mu.Unlock()
}

func (s *inFlightSet) list() []command.Type {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]command.Type, 0, len(s.types))
	for t := range s.types {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
