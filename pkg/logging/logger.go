// Package logging provides structured component logging for browserd.
//
// All components of one process share a run-scoped log file under
// ~/.browserd/logs/, named by a generated run ID. If the file cannot
// be opened the logger falls back to stderr so the service keeps
// running.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Level is the minimum severity a logger emits.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = map[Level]string{
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARN",
	LevelError: "ERROR",
}

// ParseLevel maps a config string to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger writes timestamped, component-tagged entries at or above its
// level.
type Logger struct {
	component string
	level     Level
	mu        sync.Mutex
	logger    *log.Logger
	file      *os.File
	closeOnce sync.Once
}

var (
	runID     string
	runIDOnce sync.Once

	logDir  string
	dirOnce sync.Once
	dirErr  error
)

// RunID returns the identifier shared by every logger in this process.
func RunID() string {
	runIDOnce.Do(func() {
		runID = uuid.New().String()
	})
	return runID
}

func initLogDir() error {
	dirOnce.Do(func() {
		home, err := os.UserHomeDir()
		if err != nil {
			dirErr = fmt.Errorf("failed to get home directory: %w", err)
			return
		}
		logDir = filepath.Join(home, ".browserd", "logs")
		if err := os.MkdirAll(logDir, 0750); err != nil {
			dirErr = fmt.Errorf("failed to create log directory: %w", err)
		}
	})
	return dirErr
}

// NewLogger creates a logger for one component. Multiple components
// append to the same run-scoped file.
func NewLogger(component string, level Level) *Logger {
	if err := initLogDir(); err != nil {
		return fallback(component, level, err)
	}

	path := filepath.Join(logDir, fmt.Sprintf("%s-browserd.log", RunID()))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fallback(component, level, fmt.Errorf("failed to open log file: %w", err))
	}

	return &Logger{
		component: component,
		level:     level,
		logger:    log.New(file, "", 0),
		file:      file,
	}
}

func fallback(component string, level Level, err error) *Logger {
	l := log.New(os.Stderr, "", 0)
	l.Printf("WARNING: file logging unavailable, using stderr: %v", err)
	return &Logger{component: component, level: level, logger: l}
}

func (l *Logger) logf(level Level, format string, v ...interface{}) {
	if level < l.level {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	ts := time.Now().Format("2006-01-02 15:04:05.000")
	l.logger.Printf("[%s] [%s] [%s] %s", ts, l.component, levelNames[level], fmt.Sprintf(format, v...))
}

// Debugf logs a debug-level message.
func (l *Logger) Debugf(format string, v ...interface{}) { l.logf(LevelDebug, format, v...) }

// Infof logs an info-level message.
func (l *Logger) Infof(format string, v ...interface{}) { l.logf(LevelInfo, format, v...) }

// Warnf logs a warning-level message.
func (l *Logger) Warnf(format string, v ...interface{}) { l.logf(LevelWarn, format, v...) }

// Errorf logs an error-level message.
func (l *Logger) Errorf(format string, v ...interface{}) { l.logf(LevelError, format, v...) }

// Writer exposes the underlying sink, for wiring third-party output.
func (l *Logger) Writer() io.Writer {
	if l.file != nil {
		return l.file
	}
	return os.Stderr
}

// Close closes the log file. Safe to call multiple times.
func (l *Logger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		if l.file != nil {
			err = l.file.Close()
		}
	})
	return err
}
