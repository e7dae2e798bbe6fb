package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	AgentID   string `mapstructure:"agent_id"`
	ServerURL string `mapstructure:"server_url"`
	AuthToken string `mapstructure:"auth_token"`
	DataDir   string `mapstructure:"data_dir"`

	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`
	LogMaxAgeDays int    `mapstructure:"log_max_age_days"`

	// Scheduler
	PollIntervalSeconds    int `mapstructure:"poll_interval_seconds"`
	ErrorBackoffSeconds    int `mapstructure:"error_backoff_seconds"`
	MaxConcurrentCommands  int `mapstructure:"max_concurrent_commands"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`

	// Queue
	CommandQueueSize        int    `mapstructure:"command_queue_size"`
	CommandMaxAgeHours      int    `mapstructure:"command_max_age_hours"`
	EvictionIntervalMinutes int    `mapstructure:"eviction_interval_minutes"`
	CompletedHistorySize    int    `mapstructure:"completed_history_size"`
	MaxRetries              int    `mapstructure:"max_retries"`
	MaintenanceWindow       string `mapstructure:"maintenance_window"`

	// Busy detection
	StateUpdateIntervalSeconds int     `mapstructure:"state_update_interval_seconds"`
	CPUThreshold               float64 `mapstructure:"cpu_threshold"`
	MemoryThreshold            float64 `mapstructure:"memory_threshold"`
	DiskThreshold              float64 `mapstructure:"disk_threshold"`
	LoadAverageThreshold       float64 `mapstructure:"load_average_threshold"`
	ProcessCPUThreshold        float64 `mapstructure:"process_cpu_threshold"`
	ProcessMemoryThreshold     float64 `mapstructure:"process_memory_threshold"`
	HighResourceProcessLimit   int     `mapstructure:"high_resource_process_limit"`

	// Executor
	DefaultTimeoutSeconds int      `mapstructure:"default_timeout_seconds"`
	AllowedPatterns       []string `mapstructure:"allowed_patterns"`
	BlockedPatterns       []string `mapstructure:"blocked_patterns"`
	PolicyFile            string   `mapstructure:"policy_file"`
	AllowSystemRestart    bool     `mapstructure:"allow_system_restart"`

	// Surfaces
	WebSocketEnabled bool   `mapstructure:"websocket_enabled"`
	ControlListen    string `mapstructure:"control_listen"`
	AuditEnabled     bool   `mapstructure:"audit_enabled"`
	AuditMaxSizeMB   int    `mapstructure:"audit_max_size_mb"`
	AuditMaxBackups  int    `mapstructure:"audit_max_backups"`
}

func Default() *Config {
	return &Config{
		LogLevel:                   "info",
		LogFormat:                  "text",
		LogMaxSizeMB:               50,
		LogMaxBackups:              3,
		LogMaxAgeDays:              28,
		PollIntervalSeconds:        30,
		ErrorBackoffSeconds:        60,
		MaxConcurrentCommands:      2,
		ShutdownTimeoutSeconds:     30,
		CommandQueueSize:           100,
		CommandMaxAgeHours:         24,
		EvictionIntervalMinutes:    5,
		CompletedHistorySize:       100,
		MaxRetries:                 3,
		MaintenanceWindow:          "02:00-04:00",
		StateUpdateIntervalSeconds: 30,
		CPUThreshold:               80,
		MemoryThreshold:            80,
		DiskThreshold:              90,
		LoadAverageThreshold:       2.0,
		ProcessCPUThreshold:        50,
		ProcessMemoryThreshold:     50,
		HighResourceProcessLimit:   3,
		DefaultTimeoutSeconds:      300,
		ControlListen:              "127.0.0.1:7341",
		AuditEnabled:               true,
		AuditMaxSizeMB:             50,
		AuditMaxBackups:            3,
	}
}

func Load(cfgFile string) (*Config, error) {
	cfg := Default()
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("agent")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("OPSAGENT")
	v.AutomaticEnv()
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// bindEnv registers the keys that are commonly supplied through the
// environment so AutomaticEnv can resolve them during Unmarshal.
func bindEnv(v *viper.Viper) {
	for _, key := range []string{"agent_id", "server_url", "auth_token", "log_level", "log_format", "data_dir", "policy_file"} {
		_ = v.BindEnv(key)
	}
}

func Save(cfg *Config) error {
	return SaveTo(cfg, "")
}

func SaveTo(cfg *Config, cfgFile string) error {
	v := viper.New()
	v.Set("agent_id", cfg.AgentID)
	v.Set("server_url", cfg.ServerURL)
	v.Set("auth_token", cfg.AuthToken)
	v.Set("data_dir", cfg.DataDir)
	v.Set("log_level", cfg.LogLevel)
	v.Set("log_format", cfg.LogFormat)
	v.Set("log_file", cfg.LogFile)
	v.Set("poll_interval_seconds", cfg.PollIntervalSeconds)
	v.Set("max_concurrent_commands", cfg.MaxConcurrentCommands)
	v.Set("command_queue_size", cfg.CommandQueueSize)
	v.Set("maintenance_window", cfg.MaintenanceWindow)
	v.Set("allowed_patterns", cfg.AllowedPatterns)
	v.Set("blocked_patterns", cfg.BlockedPatterns)
	v.Set("policy_file", cfg.PolicyFile)
	v.Set("allow_system_restart", cfg.AllowSystemRestart)
	v.Set("websocket_enabled", cfg.WebSocketEnabled)
	v.Set("control_listen", cfg.ControlListen)
	v.Set("audit_enabled", cfg.AuditEnabled)
	v.Set("audit_max_size_mb", cfg.AuditMaxSizeMB)
	v.Set("audit_max_backups", cfg.AuditMaxBackups)

	cfgPath := cfgFile
	if cfgPath == "" {
		cfgPath = filepath.Join(configDir(), "agent.yaml")
	}
	if dir := filepath.Dir(cfgPath); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}

	if err := v.WriteConfigAs(cfgPath); err != nil {
		return err
	}

	// Restrict config file to owner-only access (contains auth token)
	return os.Chmod(cfgPath, 0600)
}

// GetDataDir returns the directory for agent state such as the audit log.
func (c *Config) GetDataDir() string {
	if c != nil && c.DataDir != "" {
		return c.DataDir
	}
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "OpsAgent", "data")
	case "darwin":
		return "/Library/Application Support/OpsAgent/data"
	default:
		return "/var/lib/opsagent"
	}
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

func (c *Config) ErrorBackoff() time.Duration {
	return time.Duration(c.ErrorBackoffSeconds) * time.Second
}

func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

func (c *Config) StateUpdateInterval() time.Duration {
	return time.Duration(c.StateUpdateIntervalSeconds) * time.Second
}

func (c *Config) EvictionInterval() time.Duration {
	return time.Duration(c.EvictionIntervalMinutes) * time.Minute
}

func (c *Config) CommandMaxAge() time.Duration {
	return time.Duration(c.CommandMaxAgeHours) * time.Hour
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "OpsAgent")
	case "darwin":
		return "/Library/Application Support/OpsAgent"
	default:
		return "/etc/opsagent"
	}
}
