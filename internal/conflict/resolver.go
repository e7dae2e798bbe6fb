// Package conflict classifies commands into categories and decides which
// categories may not run at the same time.
package conflict

import (
	"fmt"
	"strings"

	"github.com/breeze-rmm/opsagent/internal/command"
)

// matrix is declared per category; lookups check both directions.
var matrix = map[command.Category]map[command.Category]bool{
	command.CategorySystemCritical: {
		command.CategoryMaintenance: true,
		command.CategoryDeployment:  true,
	},
	command.CategoryMaintenance: {
		command.CategorySystemCritical: true,
		command.CategoryDeployment:     true,
		command.CategoryBackup:         true,
	},
	command.CategoryDeployment: {
		command.CategorySystemCritical: true,
		command.CategoryMaintenance:    true,
		command.CategoryBackup:         true,
	},
	command.CategoryBackup: {
		command.CategoryMaintenance: true,
		command.CategoryDeployment:  true,
	},
}

// Classify derives the category of a command. Rules are evaluated in order;
// the first match wins.
func Classify(c *command.Command) command.Category {
	if c.Priority <= command.PriorityHigh {
		return command.CategorySystemCritical
	}
	switch c.Type {
	case command.TypeRestart, command.TypeReboot:
		return command.CategorySystemCritical
	case command.TypePatch, command.TypeUpdate, command.TypeInstall:
		return command.CategoryMaintenance
	case command.TypeDeploy, command.TypeUpload:
		return command.CategoryDeployment
	case command.TypeBackup, command.TypeDownload:
		return command.CategoryBackup
	case command.TypeHealthCheck, command.TypeMonitor:
		return command.CategoryMonitoring
	}
	payload := strings.ToLower(c.Payload)
	if strings.Contains(payload, "security") || strings.Contains(payload, "firewall") {
		return command.CategorySecurity
	}
	return command.CategoryUserOperation
}

// Conflicts reports whether categories a and b may not run concurrently.
func Conflicts(a, b command.Category) bool {
	return matrix[a][b] || matrix[b][a]
}

// Resolve returns nil if candidate may start alongside the running commands,
// or an error naming the first running command it collides with.
func Resolve(running []*command.Command, candidate *command.Command) error {
	cat := candidate.Category
	if cat == "" {
		cat = Classify(candidate)
	}
	for _, r := range running {
		rc := r.Category
		if rc == "" {
			rc = Classify(r)
		}
		if Conflicts(rc, cat) {
			return fmt.Errorf("%s command conflicts with running %s command %s", cat, rc, r.ID)
		}
	}
	return nil
}
