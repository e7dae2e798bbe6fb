package command

import (
	"errors"
	"testing"
	"time"
)

func at(h, m int) time.Time {
	return time.Date(2026, 3, 10, h, m, 0, 0, time.UTC)
}

func TestWindowContains(t *testing.T) {
	w, err := ParseWindow("02:00-04:00")
	if err != nil {
		t.Fatalf("ParseWindow: %v", err)
	}
	if !w.Contains(at(2, 0)) || !w.Contains(at(3, 59)) {
		t.Fatal("expected 02:00 and 03:59 inside window")
	}
	if w.Contains(at(4, 0)) || w.Contains(at(1, 59)) {
		t.Fatal("expected 04:00 and 01:59 outside window")
	}
}

func TestWindowWrapsMidnight(t *testing.T) {
	w, err := ParseWindow("22:30-01:00")
	if err != nil {
		t.Fatalf("ParseWindow: %v", err)
	}
	for _, tm := range []time.Time{at(22, 30), at(23, 59), at(0, 0), at(0, 59)} {
		if !w.Contains(tm) {
			t.Fatalf("expected %s inside overnight window", tm.Format("15:04"))
		}
	}
	if w.Contains(at(1, 0)) || w.Contains(at(12, 0)) {
		t.Fatal("expected 01:00 and 12:00 outside overnight window")
	}
}

func TestWindowNextStart(t *testing.T) {
	w := Window{Start: 2 * 60, End: 4 * 60}

	got := w.NextStart(at(1, 0))
	if !got.Equal(at(2, 0)) {
		t.Fatalf("NextStart(01:00) = %v, want same-day 02:00", got)
	}

	got = w.NextStart(at(5, 0))
	want := at(2, 0).AddDate(0, 0, 1)
	if !got.Equal(want) {
		t.Fatalf("NextStart(05:00) = %v, want %v", got, want)
	}

	inside := at(3, 0)
	if got := w.NextStart(inside); !got.Equal(inside) {
		t.Fatalf("NextStart inside window = %v, want %v", got, inside)
	}
}

func TestWindowNextOpenSkipsCurrentWindow(t *testing.T) {
	w := Window{Start: 2 * 60, End: 4 * 60}

	if got, want := w.NextOpen(at(3, 0)), at(2, 0).AddDate(0, 0, 1); !got.Equal(want) {
		t.Fatalf("NextOpen(03:00) = %v, want %v", got, want)
	}
	if got, want := w.NextOpen(at(2, 0)), at(2, 0).AddDate(0, 0, 1); !got.Equal(want) {
		t.Fatalf("NextOpen(02:00) = %v, want %v", got, want)
	}
	if got := w.NextOpen(at(1, 59)); !got.Equal(at(2, 0)) {
		t.Fatalf("NextOpen(01:59) = %v, want same-day 02:00", got)
	}
}

func TestParseWindowRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "02:00", "24:00-01:00", "02:60-03:00", "aa:bb-cc:dd"} {
		if _, err := ParseWindow(s); err == nil {
			t.Fatalf("ParseWindow(%q) should fail", s)
		}
	}
}

func TestCanExecuteNow(t *testing.T) {
	now := at(12, 0)
	c := &Command{ID: "1"}
	if !c.CanExecuteNow(now) {
		t.Fatal("command without constraints should be runnable")
	}
	c.DeferUntil = now.Add(time.Minute)
	if c.CanExecuteNow(now) {
		t.Fatal("deferred command should not be runnable")
	}
	c.DeferUntil = time.Time{}
	c.Window = &Window{Start: 2 * 60, End: 4 * 60}
	if c.CanExecuteNow(now) {
		t.Fatal("command outside its window should not be runnable")
	}
	if !c.CanExecuteNow(at(3, 0)) {
		t.Fatal("command inside its window should be runnable")
	}
}

func TestCloneIsDeep(t *testing.T) {
	c := &Command{ID: "1", Parameters: map[string]any{"a": "b"}, Window: &Window{Start: 1, End: 2}}
	cp := c.Clone()
	cp.Parameters["a"] = "changed"
	cp.Window.Start = 9
	if c.Parameters["a"] != "b" || c.Window.Start != 1 {
		t.Fatal("Clone shares state with the original")
	}
}

func TestParseStringAndNumericIDs(t *testing.T) {
	c, err := Parse([]byte(`{"id":"abc","type":"execute","payload":"echo hi"}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.ID != "abc" || c.Type != TypeExecute || c.Payload != "echo hi" {
		t.Fatalf("unexpected command %+v", c)
	}
	if c.Priority != PriorityNormal || c.MaxRetries != DefaultMaxRetries {
		t.Fatalf("expected defaults, got priority=%d maxRetries=%d", c.Priority, c.MaxRetries)
	}

	c, err = Parse([]byte(`{"id":42,"type":"restart","priority":2}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.ID != "42" || c.Priority != PriorityHigh {
		t.Fatalf("unexpected command %+v", c)
	}
}

func TestParseRejectsBadShape(t *testing.T) {
	cases := map[string]error{
		`[1,2,3]`:                         ErrInvalidShape,
		`"just a string"`:                 ErrInvalidShape,
		`{"type":"execute"}`:              ErrMissingID,
		`{"id":"","type":"x"}`:            ErrMissingID,
		`{"id":null}`:                     ErrMissingID,
		`{"id":{"nested":true}}`:          ErrInvalidShape,
		`{"id":"1","priority":"extreme"}`: ErrInvalidShape,
	}
	for in, want := range cases {
		if _, err := Parse([]byte(in)); !errors.Is(err, want) {
			t.Fatalf("Parse(%s) err = %v, want %v", in, err, want)
		}
	}
}

func TestParsePayloadObjectAndOptions(t *testing.T) {
	raw := `{
		"id": "7",
		"type": "restart",
		"priority": "critical",
		"payload": {"service": "nginx", "kind": "service"},
		"parameters": {"timeout": 60, "env": {"A": "1"}},
		"execution_window": "01:00-03:00",
		"defer_until": "2026-03-10T05:00:00Z",
		"max_retries": 5,
		"ignore_window": true
	}`
	c, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.Payload != "nginx" {
		t.Fatalf("Payload = %q, want nginx", c.Payload)
	}
	if c.ParamString("kind", "") != "service" {
		t.Fatalf("payload object fields should merge into parameters: %v", c.Parameters)
	}
	if c.ParamInt("timeout", 0) != 60 {
		t.Fatalf("timeout = %d, want 60", c.ParamInt("timeout", 0))
	}
	if env := c.ParamStringMap("env"); env["A"] != "1" {
		t.Fatalf("env = %v", env)
	}
	if c.Priority != PriorityCritical || c.MaxRetries != 5 || !c.IgnoreWindow {
		t.Fatalf("unexpected options %+v", c)
	}
	if c.Window == nil || c.Window.String() != "01:00-03:00" {
		t.Fatalf("Window = %v", c.Window)
	}
	if !c.DeferUntil.Equal(time.Date(2026, 3, 10, 5, 0, 0, 0, time.UTC)) {
		t.Fatalf("DeferUntil = %v", c.DeferUntil)
	}
}

func TestParsePriorityNames(t *testing.T) {
	for in, want := range map[string]Priority{"critical": 1, "HIGH": 2, "normal": 5, "low": 8, "deferred": 10, "3": 3} {
		got, ok := ParsePriority(in)
		if !ok || got != want {
			t.Fatalf("ParsePriority(%q) = %d,%v want %d", in, got, ok, want)
		}
	}
}

func TestMaintenanceSensitive(t *testing.T) {
	for _, typ := range []Type{TypePatch, TypeRestart, TypeUpdate, TypeReboot, TypeInstall} {
		if !typ.MaintenanceSensitive() {
			t.Fatalf("%s should be maintenance sensitive", typ)
		}
	}
	for _, typ := range []Type{TypeExecute, TypeUpload, TypeHealthCheck} {
		if typ.MaintenanceSensitive() {
			t.Fatalf("%s should not be maintenance sensitive", typ)
		}
	}
}
