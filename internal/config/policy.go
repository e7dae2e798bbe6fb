package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Policy is the operator-managed command screen. Patterns are regular
// expressions matched case-insensitively against the full command line.
type Policy struct {
	Allowed []string `yaml:"allowed"`
	Blocked []string `yaml:"blocked"`
}

// LoadPolicy reads a policy file. A missing file yields an empty policy.
func LoadPolicy(path string) (Policy, error) {
	var p Policy
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return p, fmt.Errorf("read policy file: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	return p, nil
}

// PolicyFromConfig returns the inline patterns in the agent config.
func PolicyFromConfig(c *Config) Policy {
	return Policy{
		Allowed: append([]string(nil), c.AllowedPatterns...),
		Blocked: append([]string(nil), c.BlockedPatterns...),
	}
}

// Merge returns the union of both policies.
func (p Policy) Merge(other Policy) Policy {
	return Policy{
		Allowed: append(append([]string(nil), p.Allowed...), other.Allowed...),
		Blocked: append(append([]string(nil), p.Blocked...), other.Blocked...),
	}
}

// PolicyWatcher reloads a policy file when it changes on disk and hands the
// new policy to onChange. Parse errors keep the previous policy in force.
type PolicyWatcher struct {
	path     string
	onChange func(Policy)
	watcher  *fsnotify.Watcher
	delay    time.Duration
	log      *slog.Logger

	mu    sync.Mutex
	timer *time.Timer
}

// NewPolicyWatcher watches the directory holding path so editors that
// replace the file by rename are still observed.
func NewPolicyWatcher(path string, onChange func(Policy)) (*PolicyWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}
	return &PolicyWatcher{
		path:     filepath.Clean(path),
		onChange: onChange,
		watcher:  w,
		delay:    500 * time.Millisecond,
		log:      slog.Default().With("component", "policy"),
	}, nil
}

// Run blocks until ctx is cancelled.
func (pw *PolicyWatcher) Run(ctx context.Context) {
	defer pw.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			pw.mu.Lock()
			if pw.timer != nil {
				pw.timer.Stop()
			}
			pw.mu.Unlock()
			return
		case event, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != pw.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				pw.schedule()
			}
		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			pw.log.Warn("policy watcher error", "error", err.Error())
		}
	}
}

// schedule debounces bursts of events into a single reload.
func (pw *PolicyWatcher) schedule() {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	if pw.timer != nil {
		pw.timer.Stop()
	}
	pw.timer = time.AfterFunc(pw.delay, pw.reload)
}

func (pw *PolicyWatcher) reload() {
	p, err := LoadPolicy(pw.path)
	if err != nil {
		pw.log.Warn("policy reload failed, keeping previous policy", "error", err.Error())
		return
	}
	pw.log.Info("policy reloaded", "allowed", len(p.Allowed), "blocked", len(p.Blocked))
	pw.onChange(p)
}
