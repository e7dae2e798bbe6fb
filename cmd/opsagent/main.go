package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/opsagent/internal/config"
	"github.com/breeze-rmm/opsagent/internal/control"
	"github.com/breeze-rmm/opsagent/internal/executor"
)

var (
	version    = "0.1.0"
	cfgFile    string
	controlURL string
)

var rootCmd = &cobra.Command{
	Use:   "opsagent",
	Short: "Endpoint command agent",
	Long:  `opsagent polls a control server for commands, schedules them around host load and maintenance windows, and runs them.`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAgent()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("opsagent v%s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running agent's scheduler status",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := controlClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		st, err := c.Status(ctx)
		if err != nil {
			return fmt.Errorf("agent not reachable: %w", err)
		}
		return printJSON(st)
	},
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect the command security policy",
}

var policyCheckCmd = &cobra.Command{
	Use:   "check [command line]",
	Short: "Compile the configured policy and optionally test a command line against it",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		p, err := loadPolicy(cfg)
		if err != nil {
			return err
		}
		if p.Configured() {
			fmt.Println("policy: configured patterns compiled")
		} else {
			fmt.Println("policy: none configured, built-in blacklist applies")
		}
		if len(args) == 0 {
			return nil
		}
		if err := p.Check(args[0]); err != nil {
			fmt.Printf("rejected: %v\n", err)
			os.Exit(2)
		}
		fmt.Println("allowed")
		return nil
	},
}

var lockType, lockReason string
var lockTTL int

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show component health on the running agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := controlClient()
		if err != nil {
			return err
		}
		r, err := c.Health(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(r)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recently finished commands",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := controlClient()
		if err != nil {
			return err
		}
		h, err := c.History(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(h)
	},
}

var locksCmd = &cobra.Command{
	Use:   "locks",
	Short: "List operation locks on the running agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := controlClient()
		if err != nil {
			return err
		}
		locks, err := c.Locks(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(locks)
	},
}

var locksAddCmd = &cobra.Command{
	Use:   "add <operation-type>",
	Short: "Suppress command dispatch while an external operation runs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := controlClient()
		if err != nil {
			return err
		}
		l, err := c.AddLock(cmd.Context(), control.LockRequest{
			OperationType: args[0],
			Reason:        lockReason,
			TTLMinutes:    lockTTL,
		})
		if err != nil {
			return err
		}
		return printJSON(l)
	},
}

var locksRemoveCmd = &cobra.Command{
	Use:   "remove <operation-type>",
	Short: "Remove an operation lock",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := controlClient()
		if err != nil {
			return err
		}
		if err := c.RemoveLock(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("lock %s removed\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is the platform config dir agent.yaml)")
	rootCmd.PersistentFlags().StringVar(&controlURL, "control", "", "control server address (default from control_listen)")

	locksAddCmd.Flags().StringVar(&lockReason, "reason", "", "why the lock is held")
	locksAddCmd.Flags().IntVar(&lockTTL, "ttl", 60, "lock lifetime in minutes")

	policyCmd.AddCommand(policyCheckCmd)
	locksCmd.AddCommand(locksAddCmd, locksRemoveCmd)
	rootCmd.AddCommand(runCmd, versionCmd, statusCmd, healthCmd, historyCmd, policyCmd, locksCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func controlClient() (*control.Client, error) {
	addr := controlURL
	if addr == "" {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		addr = cfg.ControlListen
	}
	if addr == "" {
		return nil, fmt.Errorf("control server is disabled (control_listen is empty)")
	}
	return control.NewClient(addr), nil
}

// loadPolicy compiles the config patterns merged with the policy file.
func loadPolicy(cfg *config.Config) (*executor.SecurityPolicy, error) {
	pol := config.PolicyFromConfig(cfg)
	if cfg.PolicyFile != "" {
		filePol, err := config.LoadPolicy(cfg.PolicyFile)
		if err != nil {
			return nil, err
		}
		pol = pol.Merge(filePol)
	}
	p, err := executor.CompilePolicy(pol.Allowed, pol.Blocked)
	if err != nil {
		return nil, fmt.Errorf("compile security policy: %w", err)
	}
	return p, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
