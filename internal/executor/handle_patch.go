package executor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"runtime"
	"strings"

	"github.com/breeze-rmm/opsagent/internal/command"
)

var lookPath = exec.LookPath

var packageNameRe = regexp.MustCompile(`^[A-Za-z0-9@._+:~-]+$`)

type patchStep struct {
	name string
	args []string
}

// patchPlan returns the package manager invocations that apply updates for
// pkgs, or every pending update when pkgs is empty.
func patchPlan(pkgs []string) (string, []patchStep, error) {
	switch runtime.GOOS {
	case "darwin":
		if len(pkgs) == 0 {
			return "softwareupdate", []patchStep{{"softwareupdate", []string{"-i", "-a"}}}, nil
		}
		return "softwareupdate", []patchStep{{"softwareupdate", append([]string{"-i"}, pkgs...)}}, nil

	case "windows":
		if _, err := lookPath("winget"); err != nil {
			return "", nil, errors.New("winget is not available")
		}
		common := []string{"--silent", "--accept-package-agreements", "--accept-source-agreements"}
		if len(pkgs) == 0 {
			return "winget", []patchStep{{"winget", append([]string{"upgrade", "--all"}, common...)}}, nil
		}
		steps := make([]patchStep, 0, len(pkgs))
		for _, p := range pkgs {
			steps = append(steps, patchStep{"winget", append([]string{"upgrade", "--id", p, "--exact"}, common...)})
		}
		return "winget", steps, nil
	}

	if _, err := lookPath("apt-get"); err == nil {
		steps := []patchStep{{"apt-get", []string{"update", "-q"}}}
		if len(pkgs) == 0 {
			steps = append(steps, patchStep{"apt-get", []string{"-y", "-q", "upgrade"}})
		} else {
			steps = append(steps, patchStep{"apt-get", append([]string{"-y", "-q", "install", "--only-upgrade"}, pkgs...)})
		}
		return "apt", steps, nil
	}
	for _, mgr := range []string{"dnf", "yum"} {
		if _, err := lookPath(mgr); err == nil {
			return mgr, []patchStep{{mgr, append([]string{"-y", "update"}, pkgs...)}}, nil
		}
	}
	if _, err := lookPath("zypper"); err == nil {
		return "zypper", []patchStep{{"zypper", append([]string{"--non-interactive", "update"}, pkgs...)}}, nil
	}
	return "", nil, errors.New("no supported package manager found")
}

func patchPackages(cmd *command.Command) ([]string, error) {
	raw := cmd.Payload
	if raw == "" {
		raw = cmd.ParamString("packages", cmd.ParamString("package", ""))
	}
	pkgs := strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' || r == '\n' })
	for _, p := range pkgs {
		if !packageNameRe.MatchString(p) {
			return nil, fmt.Errorf("invalid package name %q", p)
		}
	}
	return pkgs, nil
}

func handlePatch(e *Executor, ctx context.Context, cmd *command.Command) Result {
	pkgs, err := patchPackages(cmd)
	if err != nil {
		return failed(err, false)
	}
	mgr, steps, err := patchPlan(pkgs)
	if err != nil {
		return failed(err, false)
	}

	env := map[string]string{}
	if mgr == "apt" {
		env["DEBIAN_FRONTEND"] = "noninteractive"
	}

	var out strings.Builder
	for _, s := range steps {
		pr := e.runProcess(ctx, procSpec{
			commandID: cmd.ID,
			display:   s.name + " " + strings.Join(s.args, " "),
			name:      s.name,
			args:      s.args,
			env:       env,
			timeout:   e.timeoutFor(cmd),
		})
		res := processResult(pr)
		out.WriteString(res.Output)
		if res.Status != command.StatusCompleted {
			res.Output = out.String()
			return res
		}
	}
	return completed(out.String())
}
