package executor

import (
	"runtime"
	"strings"
)

// Shells accepted in the "shell" parameter of an execute command.
const (
	ShellSh         = "sh"
	ShellBash       = "bash"
	ShellPowerShell = "powershell"
	ShellCMD        = "cmd"
)

// shellCommand returns the interpreter and leading arguments that run an
// inline command line. An empty name means the shell is unavailable here.
func shellCommand(shell string) (string, []string) {
	switch strings.ToLower(shell) {
	case ShellBash:
		if runtime.GOOS == "windows" {
			return "bash.exe", []string{"-c"}
		}
		return "/bin/bash", []string{"-c"}

	case ShellPowerShell, "pwsh":
		if runtime.GOOS == "windows" {
			return "powershell.exe", []string{"-NoProfile", "-NonInteractive", "-ExecutionPolicy", "Bypass", "-Command"}
		}
		return "pwsh", []string{"-NoProfile", "-NonInteractive", "-Command"}

	case ShellCMD:
		if runtime.GOOS == "windows" {
			return "cmd.exe", []string{"/C"}
		}
		return "", nil

	case ShellSh:
		if runtime.GOOS == "windows" {
			return "", nil
		}
		return "/bin/sh", []string{"-c"}

	default:
		if runtime.GOOS == "windows" {
			return "cmd.exe", []string{"/C"}
		}
		return "/bin/sh", []string{"-c"}
	}
}
