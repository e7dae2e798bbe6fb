// Package collectors reads host load and process state.
package collectors

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// Load is a point-in-time read of host utilisation. LoadAverage is nil where
// the platform has no load average.
type Load struct {
	CPUPercent    float64  `json:"cpuPercent"`
	MemoryPercent float64  `json:"memoryPercent"`
	DiskPercent   float64  `json:"diskPercent"`
	LoadAverage   *float64 `json:"loadAverage,omitempty"`
}

type ProcessInfo struct {
	PID           int32   `json:"pid"`
	Name          string  `json:"name"`
	Cmdline       string  `json:"cmdline,omitempty"`
	CPUPercent    float64 `json:"cpuPercent"`
	MemoryPercent float64 `json:"memoryPercent"`
}

// Collector is consumed by the busy detector and the health_check handler.
type Collector interface {
	CurrentLoad(ctx context.Context) (Load, error)
	ListProcesses(ctx context.Context) ([]ProcessInfo, error)
}

// NetworkCounters is implemented by collectors that can report interface
// throughput totals.
type NetworkCounters interface {
	NetworkTotals(ctx context.Context) (sent, recv uint64, err error)
}

// System collects from the local host through gopsutil.
type System struct {
	diskPath string
}

func NewSystem() *System {
	return &System{diskPath: rootPath()}
}

func rootPath() string {
	if runtime.GOOS == "windows" {
		drive := os.Getenv("SystemDrive")
		if drive == "" {
			drive = "C:"
		}
		return drive + string(filepath.Separator)
	}
	return "/"
}

func (s *System) CurrentLoad(ctx context.Context) (Load, error) {
	var l Load

	cpuPercent, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return l, fmt.Errorf("failed to get CPU usage: %w", err)
	}
	if len(cpuPercent) > 0 {
		l.CPUPercent = cpuPercent[0]
	}

	vmem, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return l, fmt.Errorf("failed to get memory usage: %w", err)
	}
	l.MemoryPercent = vmem.UsedPercent

	// Disk and load average are best effort.
	if usage, err := disk.UsageWithContext(ctx, s.diskPath); err == nil {
		l.DiskPercent = usage.UsedPercent
	}

	if runtime.GOOS != "windows" {
		if avg, err := load.AvgWithContext(ctx); err == nil {
			la := avg.Load1
			l.LoadAverage = &la
		}
	}

	return l, nil
}

func (s *System) ListProcesses(ctx context.Context) ([]ProcessInfo, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get process list: %w", err)
	}

	out := make([]ProcessInfo, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		info := ProcessInfo{PID: p.Pid, Name: name}
		if cmdline, err := p.CmdlineWithContext(ctx); err == nil {
			info.Cmdline = cmdline
		}
		if cpuPercent, err := p.CPUPercentWithContext(ctx); err == nil {
			info.CPUPercent = cpuPercent
		}
		if memPercent, err := p.MemoryPercentWithContext(ctx); err == nil {
			info.MemoryPercent = float64(memPercent)
		}
		out = append(out, info)
	}
	return out, nil
}

func (s *System) NetworkTotals(ctx context.Context) (uint64, uint64, error) {
	counters, err := net.IOCountersWithContext(ctx, false)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get network counters: %w", err)
	}
	if len(counters) == 0 {
		return 0, 0, nil
	}
	return counters[0].BytesSent, counters[0].BytesRecv, nil
}
