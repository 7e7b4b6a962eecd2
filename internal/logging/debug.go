package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	debugMu sync.RWMutex
	debug   *DebugLogger
)

// SetDebug installs the process-wide debug logger. Pass nil to disable.
func SetDebug(l *DebugLogger) {
	debugMu.Lock()
	defer debugMu.Unlock()
	debug = l
}

// Debugf writes to the process-wide debug logger, if one is installed.
// Packages without a logger of their own route internals through it.
func Debugf(format string, args ...any) {
	debugMu.RLock()
	l := debug
	debugMu.RUnlock()

	if l != nil {
		l.Log(format, args...)
	}
}

// DebugLogger appends timestamped lines to a file. The zero value and a
// nil pointer discard everything.
type DebugLogger struct {
	mu sync.Mutex
	f  *os.File
}

// DebugLogPath is where NewDebugLoggerForDir writes for a project root.
func DebugLogPath(root string) string {
	return filepath.Join(root, ".hive", "logs", "debug.log")
}

// NewDebugLogger opens path for appending, creating parent directories.
// An empty path yields a discarding logger.
func NewDebugLogger(path string) (*DebugLogger, error) {
	if path == "" {
		return &DebugLogger{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("debug log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("debug log: %w", err)
	}
	l := &DebugLogger{f: f}
	l.Log("--- pid %d started %s ---", os.Getpid(), time.Now().Format(time.RFC3339))
	return l, nil
}

// NewDebugLoggerForDir opens DebugLogPath(root), falling back to a
// discarding logger when the file cannot be opened.
func NewDebugLoggerForDir(root string) *DebugLogger {
	if l, err := NewDebugLogger(DebugLogPath(root)); err == nil {
		return l
	}
	return &DebugLogger{}
}

func (l *DebugLogger) Log(format string, args ...any) {
	if l == nil || l.f == nil {
		return
	}
	line := fmt.Sprintf("%s %s\n", time.Now().Format("15:04:05.000"), fmt.Sprintf(format, args...))
	l.mu.Lock()
	defer l.mu.Unlock()
	l.f.WriteString(line)
}

func (l *DebugLogger) Close() error {
	if l == nil || l.f == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}
