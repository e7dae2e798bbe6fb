package busy

import (
	"strings"

	"github.com/breeze-rmm/opsagent/internal/collectors"
)

// ProcessCategory groups processes that indicate the host is occupied.
type ProcessCategory string

const (
	ProcessBackup      ProcessCategory = "backup"
	ProcessAntivirus   ProcessCategory = "antivirus"
	ProcessMaintenance ProcessCategory = "maintenance"
	ProcessUpdate      ProcessCategory = "update"
)

// processPatterns are lowercase substrings matched against process names and
// command lines.
var processPatterns = map[ProcessCategory][]string{
	ProcessBackup: {
		"rsync", "tar", "zip", "7z", "robocopy", "duplicity", "restic", "borg", "veeam", "acronis", "backupd", "wbengine",
	},
	ProcessAntivirus: {
		"scan", "defender", "mcafee", "norton", "symantec", "clamav", "clamd", "sophos", "msmpeng", "kaspersky", "avast", "crowdstrike",
	},
	ProcessMaintenance: {
		"defrag", "chkdsk", "fsck", "sfc.exe", "dism", "cleanmgr", "updatedb", "logrotate", "e2fsck",
	},
	ProcessUpdate: {
		"apt-get", "apt ", "dpkg", "yum", "dnf", "zypper", "pacman", "wuauclt", "msiexec", "softwareupdate", "trustedinstaller", "tiworker", "unattended-upgrade",
	},
}

// categoryOrder keeps reporting stable.
var categoryOrder = []ProcessCategory{ProcessBackup, ProcessAntivirus, ProcessMaintenance, ProcessUpdate}

// matchCategory returns the first category whose patterns appear in the
// process name or command line.
func matchCategory(p collectors.ProcessInfo) (ProcessCategory, bool) {
	name := strings.ToLower(p.Name)
	cmdline := strings.ToLower(p.Cmdline)
	for _, cat := range categoryOrder {
		for _, pat := range processPatterns[cat] {
			if strings.Contains(name, pat) || strings.Contains(cmdline, pat) {
				return cat, true
			}
		}
	}
	return "", false
}

// classifyProcesses groups critical process names by category and counts the
// processes over either per-process threshold. selfPID is never counted.
func classifyProcesses(procs []collectors.ProcessInfo, th Thresholds, selfPID int32) (map[ProcessCategory][]string, int) {
	critical := make(map[ProcessCategory][]string)
	high := 0
	for _, p := range procs {
		if p.PID == selfPID {
			continue
		}
		if cat, ok := matchCategory(p); ok {
			critical[cat] = append(critical[cat], p.Name)
		}
		if p.CPUPercent > th.ProcessCPUPercent || p.MemoryPercent > th.ProcessMemoryPercent {
			high++
		}
	}
	return critical, high
}
