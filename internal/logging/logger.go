package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/austindbirch/tonharbor/internal/tracing"
)

// LogLevel represents the severity of the log entry
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

var levelRank = map[LogLevel]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
	LevelFatal: 4,
}

// LogEntry represents a structured log entry
type LogEntry struct {
	Time      time.Time      `json:"time"`
	Level     LogLevel       `json:"level"`
	Message   string         `json:"msg"`
	Service   string         `json:"service,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
	SpanID    string         `json:"span_id,omitempty"`
	MessageID string         `json:"message_id,omitempty"`
	Endpoint  string         `json:"endpoint,omitempty"`
	RequestID uint32         `json:"app_request_id,omitempty"`
	Round     int            `json:"round,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`

	logger *Logger
}

// Logger provides structured logging with trace correlation
type Logger struct {
	service string

	mu    sync.Mutex
	out   io.Writer
	level LogLevel
}

// New creates a new structured logger for the given service
func New(service string) *Logger {
	return &Logger{
		service: service,
		out:     os.Stdout,
		level:   LevelDebug,
	}
}

// SetOutput redirects the logger, mostly for tests
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	l.out = w
	l.mu.Unlock()
}

// SetLevel drops entries below the given level
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

func (l *Logger) entry(fields map[string]any) *LogEntry {
	return &LogEntry{
		Time:    time.Now().UTC(),
		Service: l.service,
		Fields:  fields,
		logger:  l,
	}
}

// WithContext creates a log entry with trace correlation from context
func (l *Logger) WithContext(ctx context.Context) *LogEntry {
	entry := l.entry(make(map[string]any))
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		entry.TraceID = traceID
	}
	return entry
}

// WithFields creates a log entry with arbitrary key-value pairs
func (l *Logger) WithFields(fields map[string]any) *LogEntry {
	return l.entry(fields)
}

// Plain creates a basic log entry without context
func (l *Logger) Plain() *LogEntry {
	return l.entry(make(map[string]any))
}

// WithTraceID sets the trace ID for the log entry
func (e *LogEntry) WithTraceID(traceID string) *LogEntry {
	e.TraceID = traceID
	return e
}

// WithMessage sets the ledger message id
func (e *LogEntry) WithMessage(messageID string) *LogEntry {
	e.MessageID = messageID
	return e
}

// WithEndpoint sets the endpoint URL
func (e *LogEntry) WithEndpoint(endpoint string) *LogEntry {
	e.Endpoint = endpoint
	return e
}

// WithRequest sets the app request id
func (e *LogEntry) WithRequest(id uint32) *LogEntry {
	e.RequestID = id
	return e
}

// WithRound sets the broadcast round (1-based)
func (e *LogEntry) WithRound(round int) *LogEntry {
	e.Round = round
	return e
}

// WithField adds a single field to the log entry
func (e *LogEntry) WithField(key string, value any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// WithFields adds multiple fields to the log entry
func (e *LogEntry) WithFields(fields map[string]any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	for k, v := range fields {
		e.Fields[k] = v
	}
	return e
}

// WithError adds an error field to the log entry
func (e *LogEntry) WithError(err error) *LogEntry {
	if err != nil {
		if e.Fields == nil {
			e.Fields = make(map[string]any)
		}
		e.Fields["error"] = err.Error()
	}
	return e
}

func (e *LogEntry) Debug(message string) { e.log(LevelDebug, message) }
func (e *LogEntry) Info(message string)  { e.log(LevelInfo, message) }
func (e *LogEntry) Warn(message string)  { e.log(LevelWarn, message) }
func (e *LogEntry) Error(message string) { e.log(LevelError, message) }

func (e *LogEntry) Debugf(format string, args ...any) { e.log(LevelDebug, fmt.Sprintf(format, args...)) }
func (e *LogEntry) Infof(format string, args ...any)  { e.log(LevelInfo, fmt.Sprintf(format, args...)) }
func (e *LogEntry) Warnf(format string, args ...any)  { e.log(LevelWarn, fmt.Sprintf(format, args...)) }
func (e *LogEntry) Errorf(format string, args ...any) { e.log(LevelError, fmt.Sprintf(format, args...)) }

// Fatal logs at fatal level and exits
func (e *LogEntry) Fatal(message string) {
	e.log(LevelFatal, message)
	os.Exit(1)
}

func (e *LogEntry) log(level LogLevel, message string) {
	e.Level = level
	e.Message = message
	e.output()
}

// output writes the log entry as a single JSON line
func (e *LogEntry) output() {
	l := e.logger
	if l == nil {
		l = defaultLogger
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if levelRank[e.Level] < levelRank[l.level] {
		return
	}

	if len(e.Fields) == 0 {
		e.Fields = nil
	}

	data, err := json.Marshal(e)
	if err != nil {
		// Fallback to plain text if JSON marshaling fails
		fmt.Fprintf(os.Stderr, "logging error: %v\n", err)
		fmt.Fprintf(l.out, "%s [%s] %s\n", e.Time.Format(time.RFC3339), e.Level, e.Message)
		return
	}
	fmt.Fprintln(l.out, string(data))
}

var defaultLogger = New("tonharbor")

// Default returns the process-wide logger
func Default() *Logger {
	return defaultLogger
}

// WithContext creates a log entry with trace correlation from context using the default logger
func WithContext(ctx context.Context) *LogEntry {
	return defaultLogger.WithContext(ctx)
}

// Plain creates a basic log entry using the default logger
func Plain() *LogEntry {
	return defaultLogger.Plain()
}

// Discard returns a logger that drops everything
func Discard() *Logger {
	l := New("")
	l.out = io.Discard
	return l
}
