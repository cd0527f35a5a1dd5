// Package audit writes a JSONL trail of protocol tool-call outcomes.
// Recording is best-effort: a failed write never fails the operation it
// describes.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Outcome   string `json:"outcome"` // "ok" or an error kind
	Operation string `json:"operation"`
	Caller    string `json:"caller,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

var (
	mu        sync.Mutex
	file      *os.File
	failCount atomic.Int64
)

// Init opens the audit log under dataDir/logs. Safe to call once at
// startup; subsequent calls are no-ops.
func Init(dataDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// Close flushes and closes the audit file.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// FailCount returns the total number of failed operations recorded since
// startup.
func FailCount() int64 {
	return failCount.Load()
}

// Record appends one audit entry. outcome is "ok" for success or the
// protocol error kind otherwise.
func Record(outcome, operation, caller, reason string) {
	if outcome != "ok" {
		failCount.Add(1)
	}

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	e := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Outcome:   outcome,
		Operation: operation,
		Caller:    caller,
		Reason:    reason,
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return
	}
	raw = append(raw, '\n')
	_, _ = file.Write(raw)
}
