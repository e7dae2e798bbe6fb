package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/breeze-rmm/opsagent/internal/collectors"
	"github.com/breeze-rmm/opsagent/internal/command"
)

const (
	healthProbeTimeout     = 15 * time.Second
	defaultHealthThreshold = 90.0
)

var serviceNameRe = regexp.MustCompile(`^[A-Za-z0-9@._-]+$`)

// HealthCheck is one probe in a health_check report.
type HealthCheck struct {
	Name      string   `json:"name"`
	Healthy   bool     `json:"healthy"`
	Value     *float64 `json:"value,omitempty"`
	Threshold *float64 `json:"threshold,omitempty"`
	Detail    string   `json:"detail,omitempty"`
}

// HealthReport is the JSON output of a health_check command. An unhealthy
// report is still a completed command.
type HealthReport struct {
	Healthy   bool          `json:"healthy"`
	Checks    []HealthCheck `json:"checks"`
	CheckedAt time.Time     `json:"checkedAt"`
}

// healthChecks returns the requested probe names. The payload or the
// "checks" parameter may list them; the default is cpu, memory and disk,
// plus network and service when their targets are given.
func healthChecks(cmd *command.Command) []string {
	raw := cmd.Payload
	if raw == "" {
		raw = cmd.ParamString("checks", "")
	}
	if raw == "" {
		if list, ok := cmd.Parameters["checks"].([]any); ok {
			parts := make([]string, 0, len(list))
			for _, v := range list {
				if s, ok := v.(string); ok {
					parts = append(parts, s)
				}
			}
			raw = strings.Join(parts, ",")
		}
	}
	if raw != "" && raw != "all" {
		var out []string
		for _, f := range strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' }) {
			out = append(out, strings.ToLower(f))
		}
		return out
	}
	checks := []string{"cpu", "memory", "disk"}
	if cmd.ParamString("host", "") != "" {
		checks = append(checks, "network")
	}
	if cmd.ParamString("service", "") != "" {
		checks = append(checks, "service")
	}
	return checks
}

func handleHealthCheck(e *Executor, ctx context.Context, cmd *command.Command) Result {
	report := HealthReport{Healthy: true, CheckedAt: e.now().UTC()}

	var (
		load    collectors.Load
		loadErr error
		loaded  bool
	)
	currentLoad := func() (collectors.Load, error) {
		if !loaded {
			loaded = true
			if e.opts.Collector == nil {
				loadErr = fmt.Errorf("no metrics collector configured")
			} else {
				load, loadErr = e.opts.Collector.CurrentLoad(ctx)
			}
		}
		return load, loadErr
	}

	for _, name := range healthChecks(cmd) {
		var c HealthCheck
		switch name {
		case "cpu", "memory", "disk":
			c = e.metricCheck(name, cmd, currentLoad)
		case "network":
			c = e.networkCheck(ctx, cmd)
		case "service":
			c = e.serviceCheck(ctx, cmd)
		default:
			c = HealthCheck{Name: name, Detail: "unknown check"}
		}
		if !c.Healthy {
			report.Healthy = false
		}
		report.Checks = append(report.Checks, c)
	}

	out, err := json.Marshal(report)
	if err != nil {
		return failed(fmt.Errorf("marshal health report: %w", err), false)
	}
	return completed(string(out))
}

func (e *Executor) metricCheck(name string, cmd *command.Command, currentLoad func() (collectors.Load, error)) HealthCheck {
	c := HealthCheck{Name: name}
	l, err := currentLoad()
	if err != nil {
		c.Detail = err.Error()
		return c
	}
	var v float64
	switch name {
	case "cpu":
		v = l.CPUPercent
	case "memory":
		v = l.MemoryPercent
	case "disk":
		v = l.DiskPercent
	}
	th := cmd.ParamFloat(name+"_threshold", defaultHealthThreshold)
	c.Value = &v
	c.Threshold = &th
	c.Healthy = v < th
	return c
}

// networkCheck dials host:port and, when the collector exposes interface
// counters, includes the totals.
func (e *Executor) networkCheck(ctx context.Context, cmd *command.Command) HealthCheck {
	c := HealthCheck{Name: "network"}
	host := cmd.ParamString("host", "")
	if host == "" {
		c.Detail = "no host given"
		return c
	}
	port := strconv.Itoa(cmd.ParamInt("port", 443))
	addr := net.JoinHostPort(host, port)

	d := net.Dialer{Timeout: healthProbeTimeout}
	dctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()
	start := e.now()
	conn, err := d.DialContext(dctx, "tcp", addr)
	if err != nil {
		c.Detail = fmt.Sprintf("dial %s: %v", addr, err)
		return c
	}
	_ = conn.Close()

	ms := float64(e.now().Sub(start).Milliseconds())
	c.Value = &ms
	c.Healthy = true
	c.Detail = fmt.Sprintf("%s reachable", addr)
	if nc, ok := e.opts.Collector.(collectors.NetworkCounters); ok {
		if sent, recv, err := nc.NetworkTotals(ctx); err == nil {
			c.Detail += fmt.Sprintf(", %d bytes sent, %d bytes received", sent, recv)
		}
	}
	return c
}

func (e *Executor) serviceCheck(ctx context.Context, cmd *command.Command) HealthCheck {
	c := HealthCheck{Name: "service"}
	svc := cmd.ParamString("service", "")
	if !serviceNameRe.MatchString(svc) {
		c.Detail = fmt.Sprintf("invalid service name %q", svc)
		return c
	}

	var name string
	var args []string
	switch runtime.GOOS {
	case "windows":
		name, args = "sc", []string{"query", svc}
	case "darwin":
		name, args = "launchctl", []string{"list", svc}
	default:
		name, args = "systemctl", []string{"is-active", svc}
	}
	pr := e.runProcess(ctx, procSpec{
		commandID: cmd.ID,
		display:   name + " " + strings.Join(args, " "),
		name:      name,
		args:      args,
		timeout:   healthProbeTimeout,
	})
	c.Detail = strings.TrimSpace(pr.stdout)
	if pr.err != nil {
		if c.Detail == "" {
			c.Detail = pr.err.Error()
		}
		return c
	}
	if runtime.GOOS == "windows" {
		c.Healthy = strings.Contains(pr.stdout, "RUNNING")
		return c
	}
	c.Healthy = true
	return c
}
