package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/breeze-rmm/opsagent/internal/audit"
	"github.com/breeze-rmm/opsagent/internal/busy"
	"github.com/breeze-rmm/opsagent/internal/collectors"
	"github.com/breeze-rmm/opsagent/internal/command"
	"github.com/breeze-rmm/opsagent/internal/config"
	"github.com/breeze-rmm/opsagent/internal/control"
	"github.com/breeze-rmm/opsagent/internal/executor"
	"github.com/breeze-rmm/opsagent/internal/health"
	"github.com/breeze-rmm/opsagent/internal/httputil"
	"github.com/breeze-rmm/opsagent/internal/logging"
	"github.com/breeze-rmm/opsagent/internal/queue"
	"github.com/breeze-rmm/opsagent/internal/scheduler"
	"github.com/breeze-rmm/opsagent/internal/websocket"
	"github.com/breeze-rmm/opsagent/pkg/api"
)

var log = logging.L("main")

func runAgent() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	res := cfg.ValidateTiered()

	logOut, closeLog, err := openLogOutput(cfg)
	if err != nil {
		return err
	}
	defer closeLog()
	logging.Init(cfg.LogFormat, cfg.LogLevel, logOut)

	for _, w := range res.Warnings {
		log.Warn("config validation", "error", w.Error())
	}
	if res.HasFatals() {
		for _, f := range res.Fatals {
			log.Error("config validation", "error", f.Error())
		}
		return fmt.Errorf("invalid configuration")
	}
	if cfg.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}

	var window *command.Window
	if cfg.MaintenanceWindow != "" {
		if window, err = command.ParseWindow(cfg.MaintenanceWindow); err != nil {
			return err
		}
	}

	log.Info("starting agent", "version", version, "server", cfg.ServerURL, "agentId", cfg.AgentID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var auditLog *audit.Logger
	if cfg.AuditEnabled {
		auditLog, err = audit.NewLogger(cfg.GetDataDir(), cfg.AuditMaxSizeMB, cfg.AuditMaxBackups)
		if err != nil {
			log.Warn("audit log unavailable, continuing without it", "error", err.Error())
		}
	}
	defer auditLog.Close()

	hm := health.NewMonitor()
	sys := collectors.NewSystem()

	detector := busy.New(sys, busy.Thresholds{
		CPUPercent:               cfg.CPUThreshold,
		MemoryPercent:            cfg.MemoryThreshold,
		DiskPercent:              cfg.DiskThreshold,
		LoadAverage:              cfg.LoadAverageThreshold,
		ProcessCPUPercent:        cfg.ProcessCPUThreshold,
		ProcessMemoryPercent:     cfg.ProcessMemoryThreshold,
		HighResourceProcessLimit: cfg.HighResourceProcessLimit,
	}, cfg.StateUpdateInterval())
	detector.SetHealthMonitor(hm)
	go detector.Run(ctx)

	q := queue.New(queue.Options{
		Capacity:          cfg.CommandQueueSize,
		HistorySize:       cfg.CompletedHistorySize,
		MaxAge:            cfg.CommandMaxAge(),
		EvictionInterval:  cfg.EvictionInterval(),
		MaintenanceWindow: window,
	}, detector)

	policy, err := loadPolicy(cfg)
	if err != nil {
		log.Warn("security policy invalid, using built-in blacklist", "error", err.Error())
	}
	workDir := filepath.Join(cfg.GetDataDir(), "work")
	if err := os.MkdirAll(workDir, 0o700); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	runner := executor.New(executor.Options{
		DefaultTimeout:     time.Duration(cfg.DefaultTimeoutSeconds) * time.Second,
		AllowSystemRestart: cfg.AllowSystemRestart,
		MaintenanceWindow:  window,
		WorkDir:            workDir,
		Collector:          sys,
	}, policy)

	if cfg.PolicyFile != "" {
		inline := config.PolicyFromConfig(cfg)
		pw, err := config.NewPolicyWatcher(cfg.PolicyFile, func(p config.Policy) {
			merged := inline.Merge(p)
			compiled, err := executor.CompilePolicy(merged.Allowed, merged.Blocked)
			if err != nil {
				log.Warn("reloaded policy does not compile, keeping previous policy", "error", err.Error())
				return
			}
			runner.SetPolicy(compiled)
			auditLog.Log(audit.EventPolicyReloaded, "", map[string]any{
				"allowed": len(merged.Allowed),
				"blocked": len(merged.Blocked),
			})
		})
		if err != nil {
			log.Warn("policy file will not be watched", "error", err.Error())
		} else {
			go pw.Run(ctx)
		}
	}

	client := api.NewClient(cfg.ServerURL, cfg.AuthToken).WithRetry(httputil.DefaultRetryConfig())

	sched := scheduler.New(scheduler.Config{
		AgentID:           cfg.AgentID,
		PollInterval:      cfg.PollInterval(),
		ErrorBackoff:      cfg.ErrorBackoff(),
		MaxConcurrent:     cfg.MaxConcurrentCommands,
		ShutdownTimeout:   cfg.ShutdownTimeout(),
		MaxRetries:        cfg.MaxRetries,
		MaintenanceWindow: window,
	}, scheduler.Deps{
		API:      client,
		Queue:    q,
		Executor: runner,
		Busy:     detector,
		Health:   hm,
		Audit:    auditLog,
	})

	var ws *websocket.Client
	if cfg.WebSocketEnabled {
		ws = websocket.New(&websocket.Config{
			ServerURL: cfg.ServerURL,
			AgentID:   cfg.AgentID,
			AuthToken: cfg.AuthToken,
		}, sched, hm)
		go ws.Start()
	}

	var ctl *control.Server
	if cfg.ControlListen != "" {
		ctl = control.New(control.Deps{
			Status:    sched,
			Queue:     q,
			Locks:     detector,
			Processes: runner,
			Health:    hm,
			Audit:     auditLog,
		})
		if err := ctl.Start(cfg.ControlListen); err != nil {
			log.Warn("control server disabled", "error", err.Error())
			ctl = nil
		}
	}

	if err := sched.Start(); err != nil {
		return err
	}
	auditLog.Log(audit.EventAgentStart, "", map[string]any{"version": version})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info("shutting down", "signal", sig.String())

	if ws != nil {
		ws.Stop()
	}
	if ctl != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		_ = ctl.Shutdown(shutdownCtx)
		done()
	}
	sched.Stop()
	cancel()
	auditLog.Log(audit.EventAgentStop, "", map[string]any{"signal": sig.String()})
	return nil
}

// openLogOutput returns stdout, or the rotating log file when one is
// configured. Debug level also copies file output to stdout.
func openLogOutput(cfg *config.Config) (io.Writer, func(), error) {
	if cfg.LogFile == "" {
		return os.Stdout, func() {}, nil
	}
	w, err := logging.NewFileWriter(logging.FileOptions{
		Path:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
		Compress:   true,
	}, logging.IsDebug(cfg.LogLevel))
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return w, func() { w.Close() }, nil
}
