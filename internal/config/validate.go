package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

var windowRegex = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d-([01]\d|2[0-3]):[0-5]\d$`)

// ValidationResult separates problems that must stop startup from those that
// were corrected in place.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// AllErrors returns fatals followed by warnings.
func (r ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	return append(all, r.Warnings...)
}

// Validate checks the config and returns all errors found. Values that would
// break the scheduler are clamped to safe bounds. Errors are logged as warnings.
func (c *Config) Validate() []error {
	errs := c.ValidateTiered().AllErrors()
	for _, err := range errs {
		slog.Warn("config validation", "error", err)
	}
	return errs
}

// ValidateTiered is Validate without logging, split into tiers.
func (c *Config) ValidateTiered() ValidationResult {
	var res ValidationResult

	if c.AgentID != "" {
		if _, err := uuid.Parse(c.AgentID); err != nil || len(c.AgentID) != 36 {
			res.Fatals = append(res.Fatals, fmt.Errorf("agent_id %q is not a valid UUID", c.AgentID))
		}
	}

	if c.ServerURL != "" {
		u, err := url.Parse(c.ServerURL)
		if err != nil {
			res.Fatals = append(res.Fatals, fmt.Errorf("server_url %q is not a valid URL: %w", c.ServerURL, err))
		} else if u.Scheme != "http" && u.Scheme != "https" {
			res.Fatals = append(res.Fatals, fmt.Errorf("server_url scheme must be http or https, got %q", u.Scheme))
		}
	}

	for _, r := range c.AuthToken {
		if unicode.IsControl(r) {
			res.Fatals = append(res.Fatals, fmt.Errorf("auth_token contains control characters"))
			break
		}
	}

	if c.MaintenanceWindow != "" && !windowRegex.MatchString(c.MaintenanceWindow) {
		res.Warnings = append(res.Warnings, fmt.Errorf("maintenance_window %q is not HH:MM-HH:MM, using 02:00-04:00", c.MaintenanceWindow))
		c.MaintenanceWindow = "02:00-04:00"
	}

	clampInt(&res, "poll_interval_seconds", &c.PollIntervalSeconds, 5, 3600)
	clampInt(&res, "error_backoff_seconds", &c.ErrorBackoffSeconds, 5, 3600)
	clampInt(&res, "max_concurrent_commands", &c.MaxConcurrentCommands, 1, 100)
	clampInt(&res, "shutdown_timeout_seconds", &c.ShutdownTimeoutSeconds, 1, 600)
	clampInt(&res, "command_queue_size", &c.CommandQueueSize, 1, 10000)
	clampInt(&res, "command_max_age_hours", &c.CommandMaxAgeHours, 1, 24*30)
	clampInt(&res, "eviction_interval_minutes", &c.EvictionIntervalMinutes, 1, 1440)
	clampInt(&res, "completed_history_size", &c.CompletedHistorySize, 1, 10000)
	clampInt(&res, "max_retries", &c.MaxRetries, 0, 20)
	clampInt(&res, "state_update_interval_seconds", &c.StateUpdateIntervalSeconds, 1, 3600)
	clampInt(&res, "high_resource_process_limit", &c.HighResourceProcessLimit, 0, 1000)
	clampInt(&res, "default_timeout_seconds", &c.DefaultTimeoutSeconds, 1, 3600)

	clampPercent(&res, "cpu_threshold", &c.CPUThreshold)
	clampPercent(&res, "memory_threshold", &c.MemoryThreshold)
	clampPercent(&res, "disk_threshold", &c.DiskThreshold)
	clampPercent(&res, "process_cpu_threshold", &c.ProcessCPUThreshold)
	clampPercent(&res, "process_memory_threshold", &c.ProcessMemoryThreshold)

	if c.LoadAverageThreshold <= 0 {
		res.Warnings = append(res.Warnings, fmt.Errorf("load_average_threshold %.2f must be positive, using 2.0", c.LoadAverageThreshold))
		c.LoadAverageThreshold = 2.0
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		res.Warnings = append(res.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		res.Warnings = append(res.Warnings, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	return res
}

func clampInt(res *ValidationResult, key string, v *int, lo, hi int) {
	if *v < lo {
		res.Warnings = append(res.Warnings, fmt.Errorf("%s %d is below minimum %d, clamping", key, *v, lo))
		*v = lo
	} else if *v > hi {
		res.Warnings = append(res.Warnings, fmt.Errorf("%s %d exceeds maximum %d, clamping", key, *v, hi))
		*v = hi
	}
}

func clampPercent(res *ValidationResult, key string, v *float64) {
	if *v <= 0 || *v > 100 {
		res.Warnings = append(res.Warnings, fmt.Errorf("%s %.1f is outside (0,100], clamping", key, *v))
		if *v <= 0 {
			*v = 1
		} else {
			*v = 100
		}
	}
}
