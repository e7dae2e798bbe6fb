// Package audit writes a tamper-evident trail of command lifecycle events.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/breeze-rmm/opsagent/internal/logging"
)

var log = logging.L("audit")

// Event types for audit logging.
const (
	EventCommandReceived   = "command_received"
	EventCommandRejected   = "command_rejected"
	EventCommandDispatched = "command_dispatched"
	EventCommandCompleted  = "command_completed"
	EventCommandFailed     = "command_failed"
	EventCommandDeferred   = "command_deferred"
	EventCommandEvicted    = "command_evicted"
	EventLockAdded         = "lock_added"
	EventLockRemoved       = "lock_removed"
	EventProcessTerminated = "process_terminated"
	EventPolicyReloaded    = "policy_reloaded"
	EventAgentStart        = "agent_start"
	EventAgentStop         = "agent_stop"
	EventLogRotated        = "log_rotated"
)

// criticalEvents are event types that require fsync after writing.
var criticalEvents = map[string]bool{
	EventCommandRejected:   true,
	EventProcessTerminated: true,
	EventPolicyReloaded:    true,
	EventAgentStart:        true,
	EventAgentStop:         true,
}

// Entry is a single audit log record.
type Entry struct {
	Timestamp string         `json:"timestamp"`
	EventType string         `json:"eventType"`
	CommandID string         `json:"commandId,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	PrevHash  string         `json:"prevHash"`
	EntryHash string         `json:"entryHash"`
}

type rotator interface {
	Rotate() error
}

type syncer interface {
	Sync() error
}

// Logger writes JSONL audit records linked by a SHA-256 hash chain. Files
// are rotated through lumberjack; the first record of a new file is an
// EventLogRotated sentinel whose prevHash is the last hash of the old file.
type Logger struct {
	mu       sync.Mutex
	out      io.WriteCloser
	filePath string
	maxSize  int64
	written  int64
	prevHash string
	dropped  atomic.Int64
	now      func() time.Time
}

// NewLogger creates an audit logger writing to {dataDir}/audit.jsonl.
func NewLogger(dataDir string, maxSizeMB, maxBackups int) (*Logger, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create audit data dir: %w", err)
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 50
	}
	if maxBackups <= 0 {
		maxBackups = 3
	}

	filePath := filepath.Join(dataDir, "audit.jsonl")
	var written int64
	if info, err := os.Stat(filePath); err == nil {
		written = info.Size()
	}

	l := &Logger{
		// lumberjack's own threshold sits above ours so rotation only
		// happens here, where the sentinel can be written.
		out: &lumberjack.Logger{
			Filename:   filePath,
			MaxSize:    maxSizeMB + 1,
			MaxBackups: maxBackups,
		},
		filePath: filePath,
		maxSize:  int64(maxSizeMB) * 1024 * 1024,
		written:  written,
		prevHash: lastHash(filePath),
		now:      time.Now,
	}

	log.Info("audit logger started", "path", filePath)
	return l, nil
}

// lastHash resumes the chain from an existing file, or starts at genesis.
func lastHash(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return "genesis"
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		var e Entry
		if json.Unmarshal([]byte(lines[i]), &e) == nil && e.EntryHash != "" {
			return e.EntryHash
		}
	}
	return "genesis"
}

// Log writes a single audit entry with hash chain linking.
// The hash chain is only advanced after a successful write to prevent
// gaps: if the write fails, the next entry will re-link to the same prevHash.
// Safe to call on a nil receiver (no-op).
func (l *Logger) Log(eventType string, commandID string, details map[string]any) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	data, entry, err := l.encode(Entry{
		Timestamp: l.now().UTC().Format(time.RFC3339Nano),
		EventType: eventType,
		CommandID: commandID,
		Details:   details,
		PrevHash:  l.prevHash,
	})
	if err != nil {
		log.Error("failed to encode audit entry", "error", err.Error(), "eventType", eventType)
		l.dropped.Add(1)
		return
	}

	if l.written+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			log.Error("audit log rotation failed", "error", err.Error())
			l.dropped.Add(1)
			return
		}
		// The sentinel moved the chain head.
		if data, entry, err = l.encode(Entry{
			Timestamp: entry.Timestamp,
			EventType: eventType,
			CommandID: commandID,
			Details:   details,
			PrevHash:  l.prevHash,
		}); err != nil {
			l.dropped.Add(1)
			return
		}
	}

	n, err := l.out.Write(data)
	if err != nil {
		log.Error("failed to write audit entry", "error", err.Error(), "eventType", eventType)
		l.dropped.Add(1)
		return
	}
	l.written += int64(n)

	// Only advance hash chain after successful write
	l.prevHash = entry.EntryHash

	// Fsync critical entries when the writer supports it
	if criticalEvents[eventType] {
		if s, ok := l.out.(syncer); ok {
			if err := s.Sync(); err != nil {
				log.Error("failed to fsync critical audit entry", "error", err.Error(), "eventType", eventType)
			}
		}
	}
}

func (l *Logger) encode(e Entry) ([]byte, Entry, error) {
	h, err := computeHash(e)
	if err != nil {
		return nil, e, err
	}
	e.EntryHash = h
	data, err := json.Marshal(e)
	if err != nil {
		return nil, e, fmt.Errorf("marshal entry: %w", err)
	}
	return append(data, '\n'), e, nil
}

// Close flushes and closes the audit log file.
// Safe to call on a nil receiver (no-op).
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.out != nil {
		return l.out.Close()
	}
	return nil
}

// DroppedCount returns the number of audit entries that failed to write.
// Returns -1 if the logger is nil (not initialized), distinguishing
// "logger not available" from "logger working with zero drops".
func (l *Logger) DroppedCount() int64 {
	if l == nil {
		return -1
	}
	return l.dropped.Load()
}

// computeHash produces the SHA-256 hash for an audit entry.
// Fields are length-prefixed so no delimiter choice can make two different
// entries hash alike.
func computeHash(entry Entry) (string, error) {
	h := sha256.New()
	for _, field := range []string{entry.Timestamp, entry.EventType, entry.CommandID, entry.PrevHash} {
		fmt.Fprintf(h, "%d:%s", len(field), field)
	}
	if entry.Details != nil {
		detailBytes, err := json.Marshal(entry.Details)
		if err != nil {
			return "", fmt.Errorf("marshal details for hash: %w", err)
		}
		fmt.Fprintf(h, "%d:", len(detailBytes))
		h.Write(detailBytes)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (l *Logger) rotate() error {
	r, ok := l.out.(rotator)
	if !ok {
		return fmt.Errorf("audit writer does not support rotation")
	}
	prevHashBeforeRotation := l.prevHash

	if err := r.Rotate(); err != nil {
		return err
	}
	l.written = 0

	data, sentinel, err := l.encode(Entry{
		Timestamp: l.now().UTC().Format(time.RFC3339Nano),
		EventType: EventLogRotated,
		PrevHash:  prevHashBeforeRotation,
		Details: map[string]any{
			"previousFile": l.latestBackup(),
		},
	})
	if err != nil {
		log.Error("rotation sentinel encode failed, hash chain broken", "error", err.Error())
		l.dropped.Add(1)
		l.prevHash = "chain-broken"
		return nil
	}

	n, err := l.out.Write(data)
	if err != nil {
		log.Error("rotation sentinel write failed, hash chain broken", "error", err.Error())
		l.dropped.Add(1)
		l.prevHash = "chain-broken"
		return nil
	}
	l.written += int64(n)
	l.prevHash = sentinel.EntryHash
	return nil
}

// Backups returns rotated audit files, oldest first. lumberjack names them
// audit-<timestamp>.jsonl beside the live file.
func (l *Logger) Backups() []string {
	dir := filepath.Dir(l.filePath)
	ext := filepath.Ext(l.filePath)
	prefix := strings.TrimSuffix(filepath.Base(l.filePath), ext) + "-"
	matches, _ := filepath.Glob(filepath.Join(dir, prefix+"*"+ext))
	sort.Strings(matches)
	return matches
}

func (l *Logger) latestBackup() string {
	b := l.Backups()
	if len(b) == 0 {
		return ""
	}
	return b[len(b)-1]
}
