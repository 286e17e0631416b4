// Package logger provides structured JSON logging and lightweight run metrics
// for the ingestion pipeline.
//
// Log entries are emitted as one JSON object per line with a timestamp, level,
// message, and optional structured fields. Metrics cover counters and timings
// accumulated in-process; the pipeline flushes them into run records rather
// than exposing a scrape endpoint.
package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
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

var levelRank = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// Fields represents structured log fields.
type Fields map[string]interface{}

// Logger writes structured JSON log entries.
type Logger struct {
	mu       sync.Mutex
	minLevel Level
	out      io.Writer
}

type entry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Fields    Fields `json:"fields,omitempty"`
	Error     string `json:"error,omitempty"`
}

var defaultLogger = New(LevelInfo, os.Stdout)

// New creates a logger that discards messages below level.
func New(level Level, out io.Writer) *Logger {
	return &Logger{minLevel: level, out: out}
}

// SetDefault replaces the package-level logger used by the convenience
// functions.
func SetDefault(l *Logger) {
	defaultLogger = l
}

func (l *Logger) log(level Level, message string, fields Fields, err error) {
	if levelRank[level] < levelRank[l.minLevel] {
		return
	}

	e := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Level:     string(level),
		Message:   message,
		Fields:    fields,
	}
	if err != nil {
		e.Error = err.Error()
	}

	data, marshalErr := json.Marshal(e)
	l.mu.Lock()
	defer l.mu.Unlock()
	if marshalErr != nil {
		fmt.Fprintf(l.out, "[%s] %s: %s (marshal error: %v)\n", e.Timestamp, e.Level, e.Message, marshalErr)
		return
	}
	fmt.Fprintln(l.out, string(data))
}

// Debug logs a debug message with optional structured fields.
func (l *Logger) Debug(message string, fields Fields) { l.log(LevelDebug, message, fields, nil) }

// Info logs an informational message with optional structured fields.
func (l *Logger) Info(message string, fields Fields) { l.log(LevelInfo, message, fields, nil) }

// Warn logs a warning with optional structured fields.
func (l *Logger) Warn(message string, fields Fields) { l.log(LevelWarn, message, fields, nil) }

// Error logs an error with optional structured fields.
func (l *Logger) Error(message string, fields Fields, err error) {
	l.log(LevelError, message, fields, err)
}

// Package-level convenience functions using the default logger.

func Debug(message string, fields Fields) { defaultLogger.Debug(message, fields) }
func Info(message string, fields Fields)  { defaultLogger.Info(message, fields) }
func Warn(message string, fields Fields)  { defaultLogger.Warn(message, fields) }
func Error(message string, fields Fields, err error) {
	defaultLogger.Error(message, fields, err)
}
