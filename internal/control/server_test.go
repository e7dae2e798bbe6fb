package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/breeze-rmm/opsagent/internal/audit"
	"github.com/breeze-rmm/opsagent/internal/busy"
	"github.com/breeze-rmm/opsagent/internal/executor"
	"github.com/breeze-rmm/opsagent/internal/health"
	"github.com/breeze-rmm/opsagent/internal/queue"
	"github.com/breeze-rmm/opsagent/internal/scheduler"
)

type fakeStatus struct{}

func (fakeStatus) GetStatus() scheduler.Status {
	return scheduler.Status{Running: true, AgentID: "agent-1", QueueLength: 2}
}

type fakeQueue struct{}

func (fakeQueue) Snapshot() queue.Snapshot {
	return queue.Snapshot{Queued: []queue.EntryView{{ID: "c1", Type: "execute"}}}
}

func (fakeQueue) History() []queue.Completion {
	return []queue.Completion{{ID: "c0", Type: "execute", Status: "completed", Output: "ok"}}
}

type fakeLocks struct {
	locks map[string]busy.OperationLock
}

func (f *fakeLocks) AddOperationLock(opType, reason string, ttl time.Duration) busy.OperationLock {
	l := busy.OperationLock{OperationType: opType, Reason: reason, ExpiresAt: time.Now().Add(ttl)}
	f.locks[opType] = l
	return l
}

func (f *fakeLocks) RemoveOperationLock(opType string) bool {
	_, ok := f.locks[opType]
	delete(f.locks, opType)
	return ok
}

func (f *fakeLocks) Locks() []busy.OperationLock {
	var out []busy.OperationLock
	for _, l := range f.locks {
		out = append(out, l)
	}
	return out
}

type fakeProcs struct {
	terminated []int
}

func (f *fakeProcs) ActiveProcesses() []executor.ProcessInfo {
	return []executor.ProcessInfo{{PID: 42, CommandID: "c9"}}
}

func (f *fakeProcs) Terminate(pid int) error {
	if pid != 42 {
		return fmt.Errorf("%w: %d", executor.ErrProcessNotFound, pid)
	}
	f.terminated = append(f.terminated, pid)
	return nil
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeLocks, *fakeProcs, *audit.Logger) {
	t.Helper()
	hm := health.NewMonitor()
	hm.Update(health.ComponentFetch, health.Healthy, "")
	hm.Update(health.ComponentWebSocket, health.Degraded, "reconnecting")
	return newTestServerWithHealth(t, hm)
}

func newTestServerWithHealth(t *testing.T, hm *health.Monitor) (*httptest.Server, *fakeLocks, *fakeProcs, *audit.Logger) {
	t.Helper()
	al, err := audit.NewLogger(t.TempDir(), 10, 2)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	t.Cleanup(func() { al.Close() })

	locks := &fakeLocks{locks: map[string]busy.OperationLock{}}
	procs := &fakeProcs{}
	s := New(Deps{Status: fakeStatus{}, Queue: fakeQueue{}, Locks: locks, Processes: procs, Health: hm, Audit: al})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv, locks, procs, al
}

func TestStatusAndQueue(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	c := NewClient(srv.URL)

	st, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.Running || st.AgentID != "agent-1" || st.QueueLength != 2 {
		t.Fatalf("status = %+v", st)
	}

	resp, err := http.Get(srv.URL + "/queue")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var snap queue.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if len(snap.Queued) != 1 || snap.Queued[0].ID != "c1" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestLockLifecycle(t *testing.T) {
	srv, locks, _, al := newTestServer(t)
	c := NewClient(srv.URL)
	ctx := context.Background()

	l, err := c.AddLock(ctx, LockRequest{OperationType: "backup", Reason: "nightly", TTLMinutes: 30})
	if err != nil {
		t.Fatalf("AddLock: %v", err)
	}
	if l.OperationType != "backup" || len(locks.locks) != 1 {
		t.Fatalf("lock not added: %+v", l)
	}

	listed, err := c.Locks(ctx)
	if err != nil || len(listed) != 1 {
		t.Fatalf("Locks = %v, %v", listed, err)
	}

	if err := c.RemoveLock(ctx, "backup"); err != nil {
		t.Fatalf("RemoveLock: %v", err)
	}
	if err := c.RemoveLock(ctx, "backup"); err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("second RemoveLock = %v", err)
	}
	if al.DroppedCount() != 0 {
		t.Fatal("audit entries dropped")
	}
}

func TestAddLockRequiresType(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	resp, err := http.Post(srv.URL+"/locks", "application/json", strings.NewReader(`{"reason":"x"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestTerminateProcess(t *testing.T) {
	srv, _, procs, _ := newTestServer(t)

	del := func(path string) int {
		req, _ := http.NewRequest(http.MethodDelete, srv.URL+path, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if got := del("/processes/42"); got != http.StatusNoContent {
		t.Fatalf("terminate 42 = %d", got)
	}
	if got := del("/processes/7"); got != http.StatusNotFound {
		t.Fatalf("terminate 7 = %d", got)
	}
	if got := del("/processes/abc"); got != http.StatusBadRequest {
		t.Fatalf("terminate abc = %d", got)
	}
	if len(procs.terminated) != 1 {
		t.Fatalf("terminated = %v", procs.terminated)
	}
}

func TestNewClientAcceptsListenAddress(t *testing.T) {
	if c := NewClient("127.0.0.1:7341"); c.baseURL != "http://127.0.0.1:7341" {
		t.Fatalf("baseURL = %q", c.baseURL)
	}
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatal(err)
		}
	}
	return resp.StatusCode
}

func TestHistory(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	var h []queue.Completion
	if code := getJSON(t, srv.URL+"/history", &h); code != http.StatusOK {
		t.Fatalf("GET /history = %d", code)
	}
	if len(h) != 1 || h[0].ID != "c0" || h[0].Output != "ok" {
		t.Fatalf("history = %+v", h)
	}
}

func TestHealthEndpoints(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	var report HealthReport
	if code := getJSON(t, srv.URL+"/health", &report); code != http.StatusOK {
		t.Fatalf("GET /health = %d", code)
	}
	if report.Status != health.Degraded || len(report.Checks) != 2 {
		t.Fatalf("report = %+v", report)
	}
	if report.Checks[0].Name != health.ComponentFetch || report.Checks[1].Name != health.ComponentWebSocket {
		t.Fatalf("checks not sorted by name: %+v", report.Checks)
	}

	var check health.Check
	if code := getJSON(t, srv.URL+"/health/websocket", &check); code != http.StatusOK {
		t.Fatalf("GET /health/websocket = %d", code)
	}
	if check.Status != health.Degraded || check.Message != "reconnecting" {
		t.Fatalf("check = %+v", check)
	}
	if code := getJSON(t, srv.URL+"/health/nope", nil); code != http.StatusNotFound {
		t.Fatalf("GET /health/nope = %d, want 404", code)
	}
}

func TestClientHealthAndHistory(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	c := NewClient(srv.URL)
	ctx := context.Background()

	r, err := c.Health(ctx)
	if err != nil || r.Status != health.Degraded {
		t.Fatalf("Health = %+v, %v", r, err)
	}
	h, err := c.History(ctx)
	if err != nil || len(h) != 1 {
		t.Fatalf("History = %+v, %v", h, err)
	}
}

func TestHealthWithoutMonitor(t *testing.T) {
	srv, _, _, _ := newTestServerWithHealth(t, nil)
	if code := getJSON(t, srv.URL+"/health", nil); code != http.StatusServiceUnavailable {
		t.Fatalf("GET /health = %d, want 503", code)
	}
}
