// Package logging provides categorized file-based debug logging for tx.
// Logs are written to .tx/logs/ with one file per category per day.
// Logging is gated by debug mode (TX_DEBUG or config); when disabled every
// call is a no-op so hot paths pay only a map lookup.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot      Category = "boot"      // startup, config, daemon files
	CategoryStore     Category = "store"     // SQLite repositories
	CategoryTasks     Category = "tasks"     // task graph engine
	CategoryScheduler Category = "scheduler" // ready-frontier computation
	CategoryClaims    Category = "claims"    // worker registry, leases
	CategoryRuns      Category = "runs"      // run sessions, heartbeats
	CategoryReaper    Category = "reaper"    // stalled-run reaping
	CategoryLearnings Category = "learnings" // learning store
	CategoryRetrieval Category = "retrieval" // search pipeline
	CategoryAnchors   Category = "anchors"   // anchor verification
	CategoryEmbedding Category = "embedding" // embedding engines
	CategoryAPI       Category = "api"       // HTTP boundary
	CategoryRPC       Category = "rpc"       // stdio bridge
)

// Log levels.
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Logger wraps a standard logger with category and file output.
// A Logger with a nil inner logger is a no-op.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex

	stateMu   sync.RWMutex
	logsDir   string
	debugMode bool
	logLevel  = LevelInfo
	disabled  map[Category]bool
)

// Options controls logger initialization.
type Options struct {
	Debug    bool
	Level    string            // debug|info|warn|error, default info
	Disabled map[Category]bool // categories to silence even in debug mode
}

// Initialize sets up the logging directory under the given state dir
// (typically ".tx"). A no-op when debug mode is off.
func Initialize(stateDir string, opts Options) error {
	if stateDir == "" {
		return fmt.Errorf("state directory required")
	}

	stateMu.Lock()
	debugMode = opts.Debug
	disabled = opts.Disabled
	switch opts.Level {
	case "debug":
		logLevel = LevelDebug
	case "warn", "warning":
		logLevel = LevelWarn
	case "error":
		logLevel = LevelError
	default:
		logLevel = LevelInfo
	}
	logsDir = filepath.Join(stateDir, "logs")
	stateMu.Unlock()

	if !opts.Debug {
		return nil
	}
	if err := os.MkdirAll(filepath.Join(stateDir, "logs"), 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== tx logging initialized ===")
	boot.Info("Logs directory: %s", filepath.Join(stateDir, "logs"))
	boot.Info("Log level: %d", logLevel)
	return nil
}

// IsDebugMode reports whether debug logging is enabled.
func IsDebugMode() bool {
	stateMu.RLock()
	defer stateMu.RUnlock()
	return debugMode
}

func categoryEnabled(category Category) bool {
	stateMu.RLock()
	defer stateMu.RUnlock()
	if !debugMode || logsDir == "" {
		return false
	}
	return !disabled[category]
}

// Get returns (or creates) the logger for a category. Returns a no-op
// logger when debug mode is off or the category is silenced.
func Get(category Category) *Logger {
	if !categoryEnabled(category) {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	// Date prefix keeps rotation a matter of deleting old files.
	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(logsDir, fmt.Sprintf("%s_%s.log", date, category))

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		file:     file,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l
	return l
}

// Close closes all open log files. Called at process shutdown.
func Close() {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	for cat, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
		delete(loggers, cat)
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelDebug {
		return
	}
	l.logger.Printf("[DEBUG] %s", fmt.Sprintf(format, args...))
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelInfo {
		return
	}
	l.logger.Printf("[INFO] %s", fmt.Sprintf(format, args...))
}

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelWarn {
		return
	}
	l.logger.Printf("[WARN] %s", fmt.Sprintf(format, args...))
}

// Error logs an error message.
func (l *Logger) Error(format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	l.logger.Printf("[ERROR] %s", fmt.Sprintf(format, args...))
}

// =============================================================================
// CONVENIENCE HELPERS
// =============================================================================

// Store logs an info message to the store category.
func Store(format string, args ...interface{}) { Get(CategoryStore).Info(format, args...) }

// StoreDebug logs a debug message to the store category.
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debug(format, args...) }

// Retrieval logs an info message to the retrieval category.
func Retrieval(format string, args ...interface{}) { Get(CategoryRetrieval).Info(format, args...) }

// RetrievalDebug logs a debug message to the retrieval category.
func RetrievalDebug(format string, args ...interface{}) {
	Get(CategoryRetrieval).Debug(format, args...)
}

// Embedding logs an info message to the embedding category.
func Embedding(format string, args ...interface{}) { Get(CategoryEmbedding).Info(format, args...) }

// EmbeddingDebug logs a debug message to the embedding category.
func EmbeddingDebug(format string, args ...interface{}) {
	Get(CategoryEmbedding).Debug(format, args...)
}

// Anchors logs an info message to the anchors category.
func Anchors(format string, args ...interface{}) { Get(CategoryAnchors).Info(format, args...) }

// AnchorsDebug logs a debug message to the anchors category.
func AnchorsDebug(format string, args ...interface{}) { Get(CategoryAnchors).Debug(format, args...) }

// =============================================================================
// PERFORMANCE TIMERS
// =============================================================================

// Timer measures the duration of an operation.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop logs the elapsed time at debug level and returns it.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold warns when the operation exceeded the threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
