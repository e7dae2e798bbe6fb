package collectors

import (
	"context"
	"os"
	"testing"
)

func TestSystemCurrentLoad(t *testing.T) {
	l, err := NewSystem().CurrentLoad(context.Background())
	if err != nil {
		t.Skipf("host metrics unavailable: %v", err)
	}
	if l.CPUPercent < 0 || l.CPUPercent > 100 {
		t.Fatalf("CPUPercent out of range: %.2f", l.CPUPercent)
	}
	if l.MemoryPercent <= 0 || l.MemoryPercent > 100 {
		t.Fatalf("MemoryPercent out of range: %.2f", l.MemoryPercent)
	}
}

func TestSystemListProcessesIncludesSelf(t *testing.T) {
	procs, err := NewSystem().ListProcesses(context.Background())
	if err != nil {
		t.Skipf("process list unavailable: %v", err)
	}
	self := int32(os.Getpid())
	for _, p := range procs {
		if p.PID == self {
			if p.Name == "" {
				t.Fatal("own process has empty name")
			}
			return
		}
	}
	t.Fatalf("own pid %d not found among %d processes", self, len(procs))
}
