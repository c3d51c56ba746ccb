// Package logging provides real-time log output for mirrors and stores.
// Lines are plain text, one event per line, with sorted key=value fields so
// output stays stable across runs.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// ParseLevel converts a config string such as "debug" or "WARN" to a Level.
func ParseLevel(s string) (Level, bool) {
	level := Level(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := levelPriority[level]; !ok {
		return LevelInfo, false
	}
	return level, true
}

// Logger provides structured logging to stdout.
type Logger struct {
	mu        *sync.Mutex
	output    io.Writer
	minLevel  Level
	component string
	traceID   string
}

// levelPriority maps levels to numeric priority for filtering.
var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// New creates a new Logger.
func New() *Logger {
	return &Logger{
		mu:       &sync.Mutex{},
		output:   os.Stdout,
		minLevel: LevelInfo,
	}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	l := New()
	l.output = io.Discard
	return l
}

// WithComponent returns a new logger with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	return &Logger{
		mu:        l.mu,
		output:    l.output,
		minLevel:  l.minLevel,
		component: component,
		traceID:   l.traceID,
	}
}

// WithTraceID returns a new logger with the given trace ID.
func (l *Logger) WithTraceID(traceID string) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	return &Logger{
		mu:        l.mu,
		output:    l.output,
		minLevel:  l.minLevel,
		component: l.component,
		traceID:   traceID,
	}
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	l.minLevel = level
	l.mu.Unlock()
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	l.output = w
	l.mu.Unlock()
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

// formatFields formats a map of fields as key=value pairs in key order.
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return " " + strings.Join(parts, " ")
}

// log writes a log entry in traditional format: LEVEL TIMESTAMP [component] message key=value ...
func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if levelPriority[level] < levelPriority[l.minLevel] {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	merged := make(map[string]interface{})
	if len(fields) > 0 && fields[0] != nil {
		for k, v := range fields[0] {
			merged[k] = v
		}
	}
	if l.traceID != "" {
		merged["trace_id"] = l.traceID
	}
	fieldStr := formatFields(merged)

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}

	l.output.Write([]byte(line))
}

// --- Mirror lifecycle logging methods ---
// Called by the mirror as its coordinator moves through hydrate, save and
// lease transitions.

// HydrateComplete logs a finished hydration. found is false when the key
// was absent and defaults were kept.
func (l *Logger) HydrateComplete(key string, found bool, bytes int, duration time.Duration) {
	l.Info("hydrate_complete", map[string]interface{}{
		"key":      key,
		"found":    found,
		"bytes":    bytes,
		"duration": duration.String(),
	})
}

// HydrateFailed logs a failed hydration.
func (l *Logger) HydrateFailed(key string, err error) {
	l.Error("hydrate_failed", map[string]interface{}{
		"key":   key,
		"error": err.Error(),
	})
}

// SaveComplete logs a successful snapshot write.
func (l *Logger) SaveComplete(key string, bytes int, duration time.Duration) {
	l.Debug("save_complete", map[string]interface{}{
		"key":      key,
		"bytes":    bytes,
		"duration": duration.String(),
	})
}

// SaveFailed logs a failed snapshot write.
func (l *Logger) SaveFailed(key string, err error) {
	l.Error("save_failed", map[string]interface{}{
		"key":   key,
		"error": err.Error(),
	})
}

// Reset logs a reset to defaults.
func (l *Logger) Reset(key string) {
	l.Info("reset", map[string]interface{}{
		"key": key,
	})
}

// LeaseAcquired logs acquisition of the key lease.
func (l *Logger) LeaseAcquired(key, owner string, ttl time.Duration) {
	l.Debug("lease_acquired", map[string]interface{}{
		"key":   key,
		"owner": owner,
		"ttl":   ttl.String(),
	})
}

// LeaseLost logs a failed lease refresh.
func (l *Logger) LeaseLost(key string, err error) {
	l.Warn("lease_lost", map[string]interface{}{
		"key":   key,
		"error": err.Error(),
	})
}
