package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/radio-control/beaconnode/internal/adapter"
	"github.com/radio-control/beaconnode/internal/logging"
	"github.com/radio-control/beaconnode/internal/mode"
)

// Outcomes recorded in audit entries.
const (
	OutcomeApplied  = "APPLIED"
	OutcomeAcked    = "ACKED"
	OutcomeDropped  = "DROPPED"
	OutcomeRejected = "REJECTED"
	OutcomeFailed   = "FAILED"
)

// AuditEntry represents a single audit log entry.
type AuditEntry struct {
	Timestamp time.Time              `json:"ts"`
	BootID    string                 `json:"bootId"`
	Node      string                 `json:"node"`
	Topic     string                 `json:"topic,omitempty"`
	Action    string                 `json:"action"`
	Params    map[string]interface{} `json:"params,omitempty"`
	Outcome   string                 `json:"outcome"`
	Code      string                 `json:"code"`
}

// Options configures the audit file and its rotation.
type Options struct {
	Dir        string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Logger implements the audit logging functionality.
type Logger struct {
	mu       sync.Mutex
	filePath string
	file     *lumberjack.Logger
	node     string
	now      func() time.Time
}

// NewLogger creates a new audit logger writing to <dir>/audit.jsonl.
func NewLogger(opts Options) (*Logger, error) {
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	filePath := filepath.Join(opts.Dir, "audit.jsonl")

	// Open eagerly so permission problems surface at startup.
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}
	_ = f.Close()

	return &Logger{
		filePath: filePath,
		file: &lumberjack.Logger{
			Filename:   filePath,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
		},
		now: time.Now,
	}, nil
}

// SetNode sets the node address stamped on later entries.
func (l *Logger) SetNode(address string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.node = address
}

// LogCommand records the handling of one inbound command.
func (l *Logger) LogCommand(ctx context.Context, topic, action string, params map[string]interface{}, outcome string, err error) {
	l.writeEntry(AuditEntry{
		Topic:   topic,
		Action:  action,
		Params:  params,
		Outcome: outcome,
		Code:    getCodeFromError(err),
	})
}

// LogTransition records a mode transition performed by the control loop.
func (l *Logger) LogTransition(ctx context.Context, from, to mode.Mode, err error) {
	outcome := OutcomeApplied
	if err != nil {
		outcome = OutcomeFailed
	}
	l.writeEntry(AuditEntry{
		Action:  "mode_transition",
		Params:  map[string]interface{}{"from": from.String(), "to": to.String()},
		Outcome: outcome,
		Code:    getCodeFromError(err),
	})
}

// writeEntry stamps and appends an entry.
func (l *Logger) writeEntry(entry AuditEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return
	}

	entry.Timestamp = l.now().UTC()
	entry.BootID = logging.BootID()
	entry.Node = l.node

	jsonData, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to marshal audit entry: %v\n", err)
		return
	}

	if _, err := l.file.Write(append(jsonData, '\n')); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write audit entry: %v\n", err)
	}
}

// getCodeFromError maps errors to standardized codes.
func getCodeFromError(err error) string {
	switch {
	case err == nil:
		return "SUCCESS"
	case errors.Is(err, mode.ErrMalformedCommand):
		return "MALFORMED"
	case errors.Is(err, mode.ErrUnknownMode):
		return "UNKNOWN_MODE"
	case errors.Is(err, adapter.ErrInvalidRange):
		return "INVALID_RANGE"
	case errors.Is(err, adapter.ErrBusy):
		return "BUSY"
	case errors.Is(err, adapter.ErrUnavailable):
		return "UNAVAILABLE"
	case errors.Is(err, adapter.ErrInternal):
		return "INTERNAL"
	default:
		return "ERROR"
	}
}

// Close closes the audit logger and its file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

// GetFilePath returns the path to the audit log file.
func (l *Logger) GetFilePath() string {
	return l.filePath
}

// Rotate moves the current file aside with a timestamp suffix and starts a new one.
func (l *Logger) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("audit logger closed")
	}
	return l.file.Rotate()
}
