package executor

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/breeze-rmm/opsagent/internal/command"
)

const restartNotAllowedDeferral = time.Hour

// wantsSystemRestart reports whether a restart command targets the host
// rather than a service.
func wantsSystemRestart(cmd *command.Command) bool {
	if cmd.ParamBool("system", false) {
		return true
	}
	switch strings.ToLower(cmd.ParamString("kind", cmd.ParamString("target", ""))) {
	case "system", "host", "reboot":
		return true
	case "service":
		return false
	}
	return cmd.Payload == "" && cmd.ParamString("service", "") == ""
}

func handleRestart(e *Executor, ctx context.Context, cmd *command.Command) Result {
	if wantsSystemRestart(cmd) {
		return e.restartSystem(ctx)
	}
	return e.restartService(ctx, cmd)
}

// restartSystem runs only when system restarts are enabled and the current
// time is inside the maintenance window. Otherwise the command is deferred
// to the next window start.
func (e *Executor) restartSystem(ctx context.Context) Result {
	now := e.now()
	w := e.opts.MaintenanceWindow

	if !e.opts.AllowSystemRestart || (w != nil && !w.Contains(now)) {
		msg := "system restart must wait for a maintenance window"
		if !e.opts.AllowSystemRestart {
			msg = "system restart is disabled on this agent; waiting for a maintenance window"
		}
		if w == nil {
			return deferredFor(msg, restartNotAllowedDeferral)
		}
		next := w.NextStart(now)
		if !next.After(now) {
			next = w.NextOpen(now)
		}
		return deferredUntil(msg, next)
	}

	if err := e.restart(ctx); err != nil {
		return failed(fmt.Errorf("schedule system restart: %w", err), true)
	}
	log.Warn("system restart scheduled")
	return completed("system restart scheduled")
}

func (e *Executor) systemRestart(ctx context.Context) error {
	var name string
	var args []string
	switch runtime.GOOS {
	case "windows":
		name, args = "shutdown", []string{"/r", "/t", "60", "/c", "Scheduled restart by opsagent"}
	default:
		name, args = "shutdown", []string{"-r", "+1"}
	}
	pr := e.runProcess(ctx, procSpec{
		display: name + " " + strings.Join(args, " "),
		name:    name,
		args:    args,
		timeout: 30 * time.Second,
	})
	return pr.err
}

func serviceRestartCommand(svc string) (string, []string) {
	switch runtime.GOOS {
	case "windows":
		return "cmd.exe", []string{"/C", "net stop " + svc + " && net start " + svc}
	case "darwin":
		return "launchctl", []string{"kickstart", "-k", "system/" + svc}
	default:
		return "systemctl", []string{"restart", svc}
	}
}

// restartService restarts a named service through the platform service
// manager.
func (e *Executor) restartService(ctx context.Context, cmd *command.Command) Result {
	svc := cmd.ParamString("service", cmd.Payload)
	if !serviceNameRe.MatchString(svc) {
		return failed(fmt.Errorf("invalid service name %q", svc), false)
	}
	name, args := serviceRestartCommand(svc)
	pr := e.runProcess(ctx, procSpec{
		commandID: cmd.ID,
		display:   name + " " + strings.Join(args, " "),
		name:      name,
		args:      args,
		timeout:   e.timeoutFor(cmd),
	})
	res := processResult(pr)
	if res.Status == command.StatusCompleted && res.Output == "" {
		res.Output = fmt.Sprintf("service %s restarted", svc)
	}
	return res
}
