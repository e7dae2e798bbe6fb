package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/breeze-rmm/opsagent/internal/command"
)

func handleExecute(e *Executor, ctx context.Context, cmd *command.Command) Result {
	shell := cmd.ParamString("shell", "")
	name, args := shellCommand(shell)
	if name == "" {
		return failed(fmt.Errorf("shell %q is not available on this platform", shell), false)
	}

	pr := e.runProcess(ctx, procSpec{
		commandID: cmd.ID,
		display:   cmd.Payload,
		name:      name,
		args:      append(args, cmd.Payload),
		env:       cmd.ParamStringMap("env"),
		dir:       cmd.ParamString("cwd", cmd.ParamString("dir", "")),
		timeout:   e.timeoutFor(cmd),
	})
	return processResult(pr)
}

// processResult maps a finished subprocess onto a command result. Non-zero
// exits, timeouts and spawn errors are retryable; an operator termination
// is not.
func processResult(pr procResult) Result {
	stdout := SanitizeOutput(pr.stdout)
	stderr := SanitizeOutput(pr.stderr)

	if pr.err == nil {
		r := completed(stdout)
		r.ExitCode = 0
		return r
	}

	msg := pr.err.Error()
	if detail := strings.TrimSpace(stderr); detail != "" {
		msg += ": " + detail
	}
	r := Result{
		Status:    command.StatusFailed,
		Output:    stdout,
		Error:     msg,
		ExitCode:  pr.exitCode,
		Retryable: !pr.terminated,
	}
	return r
}
