// Package logging provides config-driven categorized file-based debug
// logging. Logs are written under <data-dir>/logs/ with one file per
// category. When debug mode is off the whole package is a silent no-op, so
// call sites never need to guard their log statements.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"mnemo/internal/config"
)

// Category names a log file / subsystem.
type Category string

const (
	CategoryBoot      Category = "boot"
	CategoryIngest    Category = "ingest"
	CategoryExtract   Category = "extract"
	CategorySalience  Category = "salience"
	CategoryStore     Category = "store"
	CategoryTier      Category = "tier"
	CategoryRetrieval Category = "retrieval"
	CategoryGate      Category = "gate"
	CategoryFrames    Category = "frames"
	CategoryPattern   Category = "pattern"
	CategoryLoops     Category = "loops"
	CategorySession   Category = "session"
	CategoryRelations Category = "relations"
	CategoryWorkers   Category = "workers"
	CategoryTools     Category = "tools"
	CategoryEmbedding Category = "embedding"
)

const (
	levelDebug = iota
	levelInfo
	levelWarn
	levelError
)

var (
	mu       sync.RWMutex
	loggers  = make(map[Category]*Logger)
	logsDir  string
	cfg      config.LoggingConfig
	minLevel = levelInfo
	active   bool
)

// Logger writes to one category file.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

// Initialize sets up the logging directory from the given config. Safe to
// call again (e.g. on config reload); reconfiguration closes nothing, it
// only changes gating.
func Initialize(dataDir string, c config.LoggingConfig) error {
	mu.Lock()
	defer mu.Unlock()

	cfg = c
	minLevel = parseLevel(c.Level)
	active = c.DebugMode

	if !active {
		return nil
	}

	logsDir = filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return fmt.Errorf("create logs directory: %w", err)
	}
	return nil
}

// Reconfigure applies a new logging config at runtime.
func Reconfigure(c config.LoggingConfig) {
	mu.Lock()
	defer mu.Unlock()
	cfg = c
	minLevel = parseLevel(c.Level)
	active = c.DebugMode
}

func parseLevel(s string) int {
	switch s {
	case "debug":
		return levelDebug
	case "warn", "warning":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

func enabled(cat Category, level int) bool {
	mu.RLock()
	defer mu.RUnlock()
	if !active || level < minLevel {
		return false
	}
	if len(cfg.Categories) == 0 {
		return true
	}
	on, listed := cfg.Categories[string(cat)]
	return !listed || on
}

// Get returns the logger for a category, creating its file lazily.
func Get(cat Category) *Logger {
	mu.RLock()
	l, ok := loggers[cat]
	mu.RUnlock()
	if ok {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if l, ok = loggers[cat]; ok {
		return l
	}

	l = &Logger{category: cat}
	if active && logsDir != "" {
		path := filepath.Join(logsDir, string(cat)+".log")
		if f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
			l.file = f
			l.logger = log.New(f, "", 0)
		}
	}
	loggers[cat] = l
	return l
}

func (l *Logger) write(level int, tag, format string, args ...interface{}) {
	if l == nil || l.logger == nil || !enabled(l.category, level) {
		return
	}
	msg := fmt.Sprintf(format, args...)
	l.logger.Printf("%s [%s] %s", time.Now().Format("2006-01-02 15:04:05.000"), tag, msg)
}

func (l *Logger) Debug(format string, args ...interface{}) {
	l.write(levelDebug, "DEBUG", format, args...)
}

func (l *Logger) Info(format string, args ...interface{}) {
	l.write(levelInfo, "INFO", format, args...)
}

func (l *Logger) Warn(format string, args ...interface{}) {
	l.write(levelWarn, "WARN", format, args...)
}

func (l *Logger) Error(format string, args ...interface{}) {
	l.write(levelError, "ERROR", format, args...)
}

// Close flushes and closes all category files.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	for _, l := range loggers {
		if l.file != nil {
			_ = l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// Convenience helpers for hot paths.

func Ingest(format string, args ...interface{}) { Get(CategoryIngest).Info(format, args...) }
func IngestDebug(format string, args ...interface{}) {
	Get(CategoryIngest).Debug(format, args...)
}
func Store(format string, args ...interface{}) { Get(CategoryStore).Info(format, args...) }
func StoreDebug(format string, args ...interface{}) {
	Get(CategoryStore).Debug(format, args...)
}
func Retrieval(format string, args ...interface{}) { Get(CategoryRetrieval).Info(format, args...) }
func RetrievalDebug(format string, args ...interface{}) {
	Get(CategoryRetrieval).Debug(format, args...)
}
func Pattern(format string, args ...interface{}) { Get(CategoryPattern).Info(format, args...) }
func PatternDebug(format string, args ...interface{}) {
	Get(CategoryPattern).Debug(format, args...)
}
func Embedding(format string, args ...interface{}) { Get(CategoryEmbedding).Info(format, args...) }
func EmbeddingDebug(format string, args ...interface{}) {
	Get(CategoryEmbedding).Debug(format, args...)
}

// Timer measures an operation's wall time and logs it at debug level.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation.
func StartTimer(cat Category, op string) *Timer {
	return &Timer{category: cat, op: op, start: time.Now()}
}

// Stop logs the elapsed time. Slow operations (>500ms) are logged at warn.
func (t *Timer) Stop() {
	elapsed := time.Since(t.start)
	l := Get(t.category)
	if elapsed > 500*time.Millisecond {
		l.Warn("%s took %v (slow)", t.op, elapsed)
		return
	}
	l.Debug("%s took %v", t.op, elapsed)
}
