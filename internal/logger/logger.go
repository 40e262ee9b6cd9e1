// Package logger owns the process-wide slog logger. Components obtain
// scoped loggers with ComponentLogger or WithSession.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l LogLevel) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

var (
	slogLogger   *slog.Logger
	levelVar     = new(slog.LevelVar)
	logFile      *os.File
	mu           sync.Mutex
	once         sync.Once
	logPath      string
	initDone     bool
	currentLevel LogLevel = LevelInfo
)

// DefaultLogPath is the default log file for the relay process.
const DefaultLogPath = "/tmp/relay.log"

// SetLevel sets the minimum log level to output
func SetLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	currentLevel = level
	levelVar.Set(level.toSlogLevel())
}

// SetDebug enables debug level logging
func SetDebug(enabled bool) {
	if enabled {
		SetLevel(LevelDebug)
	} else {
		SetLevel(LevelInfo)
	}
}

// Init opens path for appending and routes all logging to it. Calls after
// the first successful Init (or InitWriter) are no-ops until Reset.
func Init(path string) error {
	mu.Lock()
	defer mu.Unlock()

	if initDone {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create log directory for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	logFile = f
	logPath = path
	install(slog.NewTextHandler(f, &slog.HandlerOptions{Level: levelVar}))

	slogLogger.Info("logger initialized", "path", path)
	return nil
}

// InitWriter routes logging to w. When json is set the JSON handler is
// used, which is what `relay serve --log-stdout` wants under a supervisor.
func InitWriter(w io.Writer, json bool) {
	mu.Lock()
	defer mu.Unlock()

	if initDone {
		return
	}
	opts := &slog.HandlerOptions{Level: levelVar}
	if json {
		install(slog.NewJSONHandler(w, opts))
	} else {
		install(slog.NewTextHandler(w, opts))
	}
}

// install must be called with mu held.
func install(h slog.Handler) {
	levelVar.Set(currentLevel.toSlogLevel())
	slogLogger = slog.New(h)
	initDone = true
}

func ensureInit() {
	if initDone {
		return
	}
	once.Do(func() {
		f, err := os.OpenFile(DefaultLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to open log file %s: %v\n", DefaultLogPath, err)
			return
		}
		logFile = f
		logPath = DefaultLogPath
		install(slog.NewTextHandler(f, &slog.HandlerOptions{Level: levelVar}))
	})
}

// Path returns the file currently receiving log output, or "" when logging
// to a writer.
func Path() string {
	mu.Lock()
	defer mu.Unlock()
	return logPath
}

// Close closes the log file
func Close() {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
	slogLogger = nil
}

// Reset resets the logger state, allowing reinitialization.
// This is primarily for testing purposes.
func Reset() {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
	initDone = false
	once = sync.Once{}
	logPath = ""
	slogLogger = nil
	currentLevel = LevelInfo
	levelVar = new(slog.LevelVar)
}

// ComponentLogger returns a slog.Logger with the component attribute pre-attached.
//
//	log := logger.ComponentLogger("dispatch")
//	log.Info("resumed", "sessionID", sess.ID, "procedure", name)
func ComponentLogger(component string) *slog.Logger {
	return base().With(slog.String("component", component))
}

// WithSession returns a slog.Logger with the session ID pre-attached.
func WithSession(sessionID string) *slog.Logger {
	return base().With(slog.String("sessionID", sessionID))
}

func base() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()

	ensureInit()
	if slogLogger == nil {
		return slog.Default()
	}
	return slogLogger
}
