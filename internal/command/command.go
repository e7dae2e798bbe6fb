package command

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// Type identifies the kind of remote work a command carries.
type Type string

const (
	TypeExecute     Type = "execute"
	TypeUpload      Type = "upload"
	TypeDownload    Type = "download"
	TypePatch       Type = "patch"
	TypeRestart     Type = "restart"
	TypeHealthCheck Type = "health_check"

	// Aliases the server may send. They classify like their canonical
	// counterparts but have no dedicated handler.
	TypeReboot  Type = "reboot"
	TypeUpdate  Type = "update"
	TypeInstall Type = "install"
	TypeDeploy  Type = "deploy"
	TypeBackup  Type = "backup"
	TypeMonitor Type = "monitor"
)

// MaintenanceSensitive reports whether commands of this type default to the
// maintenance window.
func (t Type) MaintenanceSensitive() bool {
	switch t {
	case TypePatch, TypeRestart, TypeUpdate, TypeReboot, TypeInstall:
		return true
	}
	return false
}

// Priority orders commands. Lower values run first.
type Priority int

const (
	PriorityCritical Priority = 1
	PriorityHigh     Priority = 2
	PriorityNormal   Priority = 5
	PriorityLow      Priority = 8
	PriorityDeferred Priority = 10
)

var priorityNames = map[string]Priority{
	"critical": PriorityCritical,
	"high":     PriorityHigh,
	"normal":   PriorityNormal,
	"low":      PriorityLow,
	"deferred": PriorityDeferred,
}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityDeferred:
		return "deferred"
	}
	return strconv.Itoa(int(p))
}

// ParsePriority accepts a band name or an integer.
func ParsePriority(s string) (Priority, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if p, ok := priorityNames[s]; ok {
		return p, true
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return Priority(n), true
}

// Category is the derived classification used for conflict checks.
type Category string

const (
	CategorySystemCritical Category = "system_critical"
	CategoryMaintenance    Category = "maintenance"
	CategoryMonitoring     Category = "monitoring"
	CategoryDeployment     Category = "deployment"
	CategoryBackup         Category = "backup"
	CategorySecurity       Category = "security"
	CategoryUserOperation  Category = "user_operation"
)

// Status values reported to the remote API.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusDeferred  Status = "deferred"
)

const DefaultMaxRetries = 3

var (
	ErrInvalidShape = errors.New("command is not a JSON object")
	ErrMissingID    = errors.New("command has no id")
)

// Command is a unit of remote work.
type Command struct {
	ID         string         `json:"id"`
	Type       Type           `json:"type"`
	Payload    string         `json:"payload,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Priority   Priority       `json:"priority"`
	Category   Category       `json:"category,omitempty"`

	QueuedAt     time.Time `json:"queuedAt"`
	RetryCount   int       `json:"retryCount"`
	MaxRetries   int       `json:"maxRetries"`
	DeferUntil   time.Time `json:"deferUntil,omitempty"`
	Window       *Window   `json:"executionWindow,omitempty"`
	IgnoreWindow bool      `json:"ignoreWindow,omitempty"`
	LastError    string    `json:"lastError,omitempty"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (c *Command) Clone() *Command {
	if c == nil {
		return nil
	}
	cp := *c
	if c.Parameters != nil {
		cp.Parameters = make(map[string]any, len(c.Parameters))
		for k, v := range c.Parameters {
			cp.Parameters[k] = v
		}
	}
	if c.Window != nil {
		w := *c.Window
		cp.Window = &w
	}
	return &cp
}

// CanExecuteNow reports whether the command's defer time has passed and now
// falls inside its execution window, if it has one.
func (c *Command) CanExecuteNow(now time.Time) bool {
	if !c.DeferUntil.IsZero() && now.Before(c.DeferUntil) {
		return false
	}
	if c.Window != nil && !c.Window.Contains(now) {
		return false
	}
	return true
}

// ParamString returns a string parameter, or def if absent or not a string.
func (c *Command) ParamString(key, def string) string {
	if v, ok := c.Parameters[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

func (c *Command) ParamInt(key string, def int) int {
	if v, ok := c.Parameters[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		case string:
			if i, err := strconv.Atoi(n); err == nil {
				return i
			}
		}
	}
	return def
}

func (c *Command) ParamFloat(key string, def float64) float64 {
	if v, ok := c.Parameters[key]; ok {
		switch n := v.(type) {
		case float64:
			return n
		case int:
			return float64(n)
		case string:
			if f, err := strconv.ParseFloat(n, 64); err == nil {
				return f
			}
		}
	}
	return def
}

func (c *Command) ParamBool(key string, def bool) bool {
	if v, ok := c.Parameters[key]; ok {
		switch b := v.(type) {
		case bool:
			return b
		case string:
			if parsed, err := strconv.ParseBool(b); err == nil {
				return parsed
			}
		}
	}
	return def
}

// ParamStringMap returns an object parameter with its string values, as used
// for environment overlays.
func (c *Command) ParamStringMap(key string) map[string]string {
	raw, ok := c.Parameters[key].(map[string]any)
	if !ok {
		if m, ok := c.Parameters[key].(map[string]string); ok {
			return m
		}
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			out[k] = val
		case float64:
			out[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(val)
		}
	}
	return out
}
