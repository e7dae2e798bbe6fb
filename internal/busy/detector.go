// Package busy decides whether the host is too occupied to start new work.
package busy

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/opsagent/internal/collectors"
	"github.com/breeze-rmm/opsagent/internal/health"
	"github.com/breeze-rmm/opsagent/internal/logging"
)

var log = logging.L("busy")

const (
	DefaultUpdateInterval = 30 * time.Second
	DefaultLockTTL        = 60 * time.Minute

	maxSamples     = 20
	trendThreshold = 10.0
)

// Trend is the direction of recent CPU load.
type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
	TrendStable     Trend = "stable"
)

type Thresholds struct {
	CPUPercent               float64
	MemoryPercent            float64
	DiskPercent              float64
	LoadAverage              float64
	ProcessCPUPercent        float64
	ProcessMemoryPercent     float64
	HighResourceProcessLimit int
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		CPUPercent:               80,
		MemoryPercent:            80,
		DiskPercent:              90,
		LoadAverage:              2.0,
		ProcessCPUPercent:        50,
		ProcessMemoryPercent:     50,
		HighResourceProcessLimit: 3,
	}
}

// Snapshot is a cached read of host state.
type Snapshot struct {
	CPUPercent               float64                      `json:"cpuPercent"`
	MemoryPercent            float64                      `json:"memoryPercent"`
	DiskPercent              float64                      `json:"diskPercent"`
	LoadAverage              *float64                     `json:"loadAverage,omitempty"`
	CriticalProcesses        map[ProcessCategory][]string `json:"criticalProcesses,omitempty"`
	HighResourceProcessCount int                          `json:"highResourceProcessCount"`
	Trend                    Trend                        `json:"trend"`
	SampledAt                time.Time                    `json:"sampledAt"`
}

// OperationLock suppresses work until it expires or is removed.
type OperationLock struct {
	OperationType string    `json:"operationType"`
	Reason        string    `json:"reason"`
	CreatedAt     time.Time `json:"createdAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// Detector owns the cached snapshot, the load sample ring and the lock
// table. All three are guarded by mu.
type Detector struct {
	collector  collectors.Collector
	thresholds Thresholds
	interval   time.Duration
	selfPID    int32
	now        func() time.Time
	health     *health.Monitor

	mu         sync.RWMutex
	snapshot   *Snapshot
	lastUpdate time.Time
	samples    []float64
	locks      map[string]OperationLock

	updating atomic.Bool
}

func New(c collectors.Collector, th Thresholds, interval time.Duration) *Detector {
	if interval <= 0 {
		interval = DefaultUpdateInterval
	}
	return &Detector{
		collector:  c,
		thresholds: th,
		interval:   interval,
		selfPID:    int32(os.Getpid()),
		now:        time.Now,
		samples:    make([]float64, 0, maxSamples),
		locks:      make(map[string]OperationLock),
	}
}

// SetHealthMonitor makes sampling failures visible as the sampler component.
func (d *Detector) SetHealthMonitor(m *health.Monitor) {
	d.health = m
}

// UpdateSystemState refreshes the snapshot. It is a no-op if the last
// successful update is younger than the update interval or another update
// is already running. Collection happens outside the lock.
func (d *Detector) UpdateSystemState(ctx context.Context) error {
	d.mu.RLock()
	fresh := !d.lastUpdate.IsZero() && d.now().Sub(d.lastUpdate) < d.interval
	d.mu.RUnlock()
	if fresh {
		return nil
	}
	if !d.updating.CompareAndSwap(false, true) {
		return nil
	}
	defer d.updating.Store(false)

	l, err := d.collector.CurrentLoad(ctx)
	if err != nil {
		d.reportHealth(health.Degraded, err.Error())
		return fmt.Errorf("collect load: %w", err)
	}
	procs, err := d.collector.ListProcesses(ctx)
	if err != nil {
		d.reportHealth(health.Degraded, err.Error())
		return fmt.Errorf("list processes: %w", err)
	}
	critical, high := classifyProcesses(procs, d.thresholds, d.selfPID)

	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.samples) == maxSamples {
		copy(d.samples, d.samples[1:])
		d.samples = d.samples[:maxSamples-1]
	}
	d.samples = append(d.samples, l.CPUPercent)

	now := d.now()
	d.snapshot = &Snapshot{
		CPUPercent:               l.CPUPercent,
		MemoryPercent:            l.MemoryPercent,
		DiskPercent:              l.DiskPercent,
		LoadAverage:              l.LoadAverage,
		CriticalProcesses:        critical,
		HighResourceProcessCount: high,
		Trend:                    d.trendLocked(),
		SampledAt:                now,
	}
	d.lastUpdate = now
	d.reportHealth(health.Healthy, "")
	return nil
}

func (d *Detector) reportHealth(status health.Status, msg string) {
	if d.health != nil {
		d.health.Update(health.ComponentSampler, status, msg)
	}
}

// IsBusy reports whether any busy condition holds.
func (d *Detector) IsBusy() bool {
	return len(d.BusyReasons()) > 0
}

// BusyReasons lists every condition currently making the host busy. Expired
// locks are purged first.
func (d *Detector) BusyReasons() []string {
	d.CleanupExpiredLocks()

	d.mu.RLock()
	defer d.mu.RUnlock()

	var reasons []string
	if s := d.snapshot; s != nil {
		th := d.thresholds
		if s.CPUPercent > th.CPUPercent {
			reasons = append(reasons, fmt.Sprintf("cpu %.1f%% > %.0f%%", s.CPUPercent, th.CPUPercent))
		}
		if s.MemoryPercent > th.MemoryPercent {
			reasons = append(reasons, fmt.Sprintf("memory %.1f%% > %.0f%%", s.MemoryPercent, th.MemoryPercent))
		}
		if s.DiskPercent > th.DiskPercent {
			reasons = append(reasons, fmt.Sprintf("disk %.1f%% > %.0f%%", s.DiskPercent, th.DiskPercent))
		}
		if s.LoadAverage != nil && *s.LoadAverage > th.LoadAverage {
			reasons = append(reasons, fmt.Sprintf("load average %.2f > %.2f", *s.LoadAverage, th.LoadAverage))
		}
		for _, cat := range categoryOrder {
			if names := s.CriticalProcesses[cat]; len(names) > 0 {
				reasons = append(reasons, fmt.Sprintf("%s process running: %s", cat, names[0]))
			}
		}
		if s.HighResourceProcessCount > th.HighResourceProcessLimit {
			reasons = append(reasons, fmt.Sprintf("%d high-resource processes", s.HighResourceProcessCount))
		}
	}
	for _, l := range d.sortedLocksLocked() {
		reasons = append(reasons, fmt.Sprintf("operation lock %s: %s", l.OperationType, l.Reason))
	}
	return reasons
}

// LoadTrend compares the newest CPU sample with the one two intervals
// earlier. Fewer than three samples is stable.
func (d *Detector) LoadTrend() Trend {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.trendLocked()
}

func (d *Detector) trendLocked() Trend {
	n := len(d.samples)
	if n < 3 {
		return TrendStable
	}
	delta := d.samples[n-1] - d.samples[n-3]
	switch {
	case delta > trendThreshold:
		return TrendIncreasing
	case delta < -trendThreshold:
		return TrendDecreasing
	default:
		return TrendStable
	}
}

// Snapshot returns a copy of the cached snapshot.
func (d *Detector) Snapshot() (Snapshot, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.snapshot == nil {
		return Snapshot{}, false
	}
	s := *d.snapshot
	s.CriticalProcesses = make(map[ProcessCategory][]string, len(d.snapshot.CriticalProcesses))
	for k, v := range d.snapshot.CriticalProcesses {
		s.CriticalProcesses[k] = append([]string(nil), v...)
	}
	return s, true
}

// Run samples host state and sweeps expired locks until ctx is cancelled.
func (d *Detector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Detector) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in state sampler", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			d.reportHealth(health.Unhealthy, fmt.Sprint(r))
		}
	}()

	if err := d.UpdateSystemState(ctx); err != nil {
		log.Warn("system state update failed", "error", err.Error())
	}
	if n := d.CleanupExpiredLocks(); n > 0 {
		log.Info("expired operation locks removed", "count", n)
	}
}
