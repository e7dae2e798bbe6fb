package busy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/breeze-rmm/opsagent/internal/collectors"
	"github.com/breeze-rmm/opsagent/internal/health"
)

type fakeCollector struct {
	mu    sync.Mutex
	load  collectors.Load
	procs []collectors.ProcessInfo
	err   error
	calls int
}

func (f *fakeCollector) CurrentLoad(context.Context) (collectors.Load, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.load, f.err
}

func (f *fakeCollector) ListProcesses(context.Context) ([]collectors.ProcessInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.procs, nil
}

func (f *fakeCollector) setCPU(v float64) {
	f.mu.Lock()
	f.load.CPUPercent = v
	f.mu.Unlock()
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestDetector(t *testing.T, fc *fakeCollector) (*Detector, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	d := New(fc, DefaultThresholds(), 30*time.Second)
	d.now = clock.now
	d.selfPID = -1
	return d, clock
}

func TestOperationLockExpires(t *testing.T) {
	d, clock := newTestDetector(t, &fakeCollector{})

	d.AddOperationLock("patch", "change freeze", time.Minute)
	if !d.IsBusy() {
		t.Fatal("IsBusy should be true while a lock is active")
	}

	clock.advance(59 * time.Second)
	if !d.IsBusy() {
		t.Fatal("lock should still be active before TTL elapses")
	}

	clock.advance(time.Second)
	if d.IsBusy() {
		t.Fatalf("IsBusy should be false after TTL, reasons: %v", d.BusyReasons())
	}
	if len(d.Locks()) != 0 {
		t.Fatal("expired lock should be purged")
	}
}

func TestRemoveOperationLock(t *testing.T) {
	d, _ := newTestDetector(t, &fakeCollector{})
	l := d.AddOperationLock("backup", "manual", 0)
	if l.ExpiresAt.Sub(l.CreatedAt) != DefaultLockTTL {
		t.Fatalf("default TTL = %v, want %v", l.ExpiresAt.Sub(l.CreatedAt), DefaultLockTTL)
	}
	if !d.RemoveOperationLock("backup") {
		t.Fatal("RemoveOperationLock should report removal")
	}
	if d.RemoveOperationLock("backup") {
		t.Fatal("second removal should report false")
	}
	if d.IsBusy() {
		t.Fatal("no locks and no snapshot should not be busy")
	}
}

func TestThresholdsMakeHostBusy(t *testing.T) {
	high := 3.5
	cases := []collectors.Load{
		{CPUPercent: 81},
		{MemoryPercent: 85},
		{DiskPercent: 95},
		{LoadAverage: &high},
	}
	for _, l := range cases {
		fc := &fakeCollector{load: l}
		d, _ := newTestDetector(t, fc)
		if err := d.UpdateSystemState(context.Background()); err != nil {
			t.Fatalf("UpdateSystemState: %v", err)
		}
		if !d.IsBusy() {
			t.Fatalf("load %+v should be busy", l)
		}
	}

	fc := &fakeCollector{load: collectors.Load{CPUPercent: 80, MemoryPercent: 80, DiskPercent: 90}}
	d, _ := newTestDetector(t, fc)
	if err := d.UpdateSystemState(context.Background()); err != nil {
		t.Fatalf("UpdateSystemState: %v", err)
	}
	if d.IsBusy() {
		t.Fatalf("values at the thresholds should not be busy: %v", d.BusyReasons())
	}
}

func TestCriticalProcessMakesHostBusy(t *testing.T) {
	fc := &fakeCollector{procs: []collectors.ProcessInfo{
		{PID: 10, Name: "bash"},
		{PID: 11, Name: "python3", Cmdline: "/usr/bin/RSYNC -a /src /dst"},
	}}
	d, _ := newTestDetector(t, fc)
	if err := d.UpdateSystemState(context.Background()); err != nil {
		t.Fatal(err)
	}
	snap, ok := d.Snapshot()
	if !ok {
		t.Fatal("expected snapshot")
	}
	if len(snap.CriticalProcesses[ProcessBackup]) != 1 {
		t.Fatalf("expected one backup process, got %v", snap.CriticalProcesses)
	}
	if !d.IsBusy() {
		t.Fatal("backup process should make host busy")
	}
}

func TestHighResourceProcessLimit(t *testing.T) {
	hog := func(pid int32) collectors.ProcessInfo {
		return collectors.ProcessInfo{PID: pid, Name: "worker", CPUPercent: 60}
	}

	fc := &fakeCollector{procs: []collectors.ProcessInfo{hog(1), hog(2), hog(3)}}
	d, _ := newTestDetector(t, fc)
	_ = d.UpdateSystemState(context.Background())
	if d.IsBusy() {
		t.Fatal("three high-resource processes is at the limit, not over it")
	}

	fc = &fakeCollector{procs: []collectors.ProcessInfo{hog(1), hog(2), hog(3), {PID: 4, Name: "cache", MemoryPercent: 55}}}
	d, _ = newTestDetector(t, fc)
	_ = d.UpdateSystemState(context.Background())
	if !d.IsBusy() {
		t.Fatal("four high-resource processes should be busy")
	}
}

func TestUpdateSystemStateIsRateLimited(t *testing.T) {
	fc := &fakeCollector{}
	d, clock := newTestDetector(t, fc)
	ctx := context.Background()

	_ = d.UpdateSystemState(ctx)
	_ = d.UpdateSystemState(ctx)
	clock.advance(29 * time.Second)
	_ = d.UpdateSystemState(ctx)
	if fc.calls != 1 {
		t.Fatalf("collector called %d times within interval, want 1", fc.calls)
	}

	clock.advance(time.Second)
	_ = d.UpdateSystemState(ctx)
	if fc.calls != 2 {
		t.Fatalf("collector called %d times after interval, want 2", fc.calls)
	}
}

func TestFailedUpdateIsRetriedAndReported(t *testing.T) {
	fc := &fakeCollector{err: errors.New("procfs unavailable")}
	d, _ := newTestDetector(t, fc)
	m := health.NewMonitor()
	d.SetHealthMonitor(m)

	if err := d.UpdateSystemState(context.Background()); err == nil {
		t.Fatal("expected collection error")
	}
	if c, _ := m.Get(health.ComponentSampler); c.Status != health.Degraded {
		t.Fatalf("sampler health = %q, want degraded", c.Status)
	}

	fc.mu.Lock()
	fc.err = nil
	fc.mu.Unlock()
	if err := d.UpdateSystemState(context.Background()); err != nil {
		t.Fatalf("retry should not be rate limited after failure: %v", err)
	}
	if fc.calls != 2 {
		t.Fatalf("collector calls = %d, want 2", fc.calls)
	}
}

func TestLoadTrend(t *testing.T) {
	fc := &fakeCollector{}
	d, clock := newTestDetector(t, fc)
	ctx := context.Background()

	sample := func(cpu float64) {
		fc.setCPU(cpu)
		clock.advance(30 * time.Second)
		if err := d.UpdateSystemState(ctx); err != nil {
			t.Fatal(err)
		}
	}

	sample(10)
	sample(50)
	if got := d.LoadTrend(); got != TrendStable {
		t.Fatalf("trend with two samples = %s, want stable", got)
	}

	sample(25)
	if got := d.LoadTrend(); got != TrendIncreasing {
		t.Fatalf("trend 10 -> 25 = %s, want increasing", got)
	}

	sample(30)
	if got := d.LoadTrend(); got != TrendDecreasing {
		t.Fatalf("trend 50 -> 30 = %s, want decreasing", got)
	}

	sample(35)
	if got := d.LoadTrend(); got != TrendStable {
		t.Fatalf("trend 25 -> 35 = %s, want stable", got)
	}
}

func TestSampleRingIsBounded(t *testing.T) {
	fc := &fakeCollector{}
	d, clock := newTestDetector(t, fc)
	for i := 0; i < maxSamples+5; i++ {
		fc.setCPU(float64(i))
		clock.advance(30 * time.Second)
		_ = d.UpdateSystemState(context.Background())
	}
	d.mu.RLock()
	n := len(d.samples)
	last := d.samples[n-1]
	d.mu.RUnlock()
	if n != maxSamples {
		t.Fatalf("samples = %d, want %d", n, maxSamples)
	}
	if last != float64(maxSamples+4) {
		t.Fatalf("newest sample = %v, want %d", last, maxSamples+4)
	}
}
