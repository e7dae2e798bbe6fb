package command

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Window is a daily time-of-day range [Start, End) in minutes since local
// midnight. Start > End wraps past midnight. Start == End spans the whole day.
type Window struct {
	Start int
	End   int
}

// ParseWindow parses "HH:MM-HH:MM".
func ParseWindow(s string) (*Window, error) {
	parts := strings.Split(strings.TrimSpace(s), "-")
	if len(parts) != 2 {
		return nil, fmt.Errorf("execution window %q: want HH:MM-HH:MM", s)
	}
	start, err := parseClock(parts[0])
	if err != nil {
		return nil, fmt.Errorf("execution window %q: %w", s, err)
	}
	end, err := parseClock(parts[1])
	if err != nil {
		return nil, fmt.Errorf("execution window %q: %w", s, err)
	}
	return &Window{Start: start, End: end}, nil
}

func parseClock(s string) (int, error) {
	hm := strings.Split(strings.TrimSpace(s), ":")
	if len(hm) != 2 {
		return 0, fmt.Errorf("bad time %q", s)
	}
	h, err := strconv.Atoi(hm[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("bad hour in %q", s)
	}
	m, err := strconv.Atoi(hm[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("bad minute in %q", s)
	}
	return h*60 + m, nil
}

func minuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// Contains reports whether t falls inside the window, in t's location.
func (w Window) Contains(t time.Time) bool {
	m := minuteOfDay(t)
	switch {
	case w.Start == w.End:
		return true
	case w.Start < w.End:
		return m >= w.Start && m < w.End
	default:
		return m >= w.Start || m < w.End
	}
}

// NextStart returns the next time at or after t when the window opens. If t
// is already inside the window, t is returned.
func (w Window) NextStart(t time.Time) time.Time {
	if w.Contains(t) {
		return t
	}
	return w.NextOpen(t)
}

// NextOpen returns the first window start strictly after t.
func (w Window) NextOpen(t time.Time) time.Time {
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	start := midnight.Add(time.Duration(w.Start) * time.Minute)
	if !start.After(t) {
		start = start.AddDate(0, 0, 1)
	}
	return start
}

func (w Window) String() string {
	return fmt.Sprintf("%02d:%02d-%02d:%02d", w.Start/60, w.Start%60, w.End/60, w.End%60)
}

func (w Window) MarshalJSON() ([]byte, error) {
	return json.Marshal(w.String())
}

func (w *Window) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseWindow(s)
	if err != nil {
		return err
	}
	*w = *parsed
	return nil
}
