package logger

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/Pirikara/cspgate/internal/admission"
)

// Level represents log level
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// ParseLevel maps a flag value to a Level, defaulting to info
func ParseLevel(s string) Level {
	switch Level(s) {
	case LevelDebug, LevelWarn, LevelError:
		return Level(s)
	}
	return LevelInfo
}

// Logger provides JSON Lines logging
type Logger struct {
	mu     sync.Mutex
	writer io.Writer
	level  Level
}

// NewLogger creates a new Logger
func NewLogger(writer io.Writer, level Level) *Logger {
	if writer == nil {
		writer = os.Stdout
	}
	return &Logger{
		writer: writer,
		level:  level,
	}
}

// Discard returns a logger that drops everything
func Discard() *Logger {
	return NewLogger(io.Discard, LevelError)
}

// VerdictEvent represents one threat-gate classification
type VerdictEvent struct {
	Timestamp      string   `json:"ts"`
	Level          string   `json:"level"`
	Event          string   `json:"event"`
	Origin         string   `json:"origin"`
	Directive      string   `json:"directive"`
	Status         string   `json:"status"`
	DetectionCount int      `json:"detection_count"`
	CheckedAt      string   `json:"checked_at"`
	Reasons        []string `json:"reasons,omitempty"`
	Cached         bool     `json:"cached"`
	Decision       string   `json:"decision"`
	Mode           string   `json:"mode"`
	RequestID      string   `json:"request_id,omitempty"`
}

// LogVerdict logs a verdict event. The audit log records every verdict,
// whatever its level filter says.
func (l *Logger) LogVerdict(
	v admission.Verdict,
	decision admission.Decision,
	mode admission.Mode,
	requestID string,
) {
	event := VerdictEvent{
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
		Level:          string(LevelInfo),
		Event:          "verdict",
		Origin:         v.Origin,
		Directive:      string(v.Directive),
		Status:         string(v.Status),
		DetectionCount: v.DetectionCount,
		CheckedAt:      v.CheckedAt.UTC().Format(time.RFC3339),
		Reasons:        v.Reasons,
		Cached:         v.Cached,
		Decision:       string(decision),
		Mode:           string(mode),
		RequestID:      requestID,
	}

	l.writeJSON(event)
}

// GenericEvent represents a generic log event
type GenericEvent struct {
	Timestamp string                 `json:"ts"`
	Level     string                 `json:"level"`
	Event     string                 `json:"event"`
	Message   string                 `json:"message,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Log logs a generic event
func (l *Logger) Log(level Level, event, message string, data map[string]interface{}) {
	e := GenericEvent{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     string(level),
		Event:     event,
		Message:   message,
		Data:      data,
	}

	l.writeJSON(e)
}

// Debug logs a debug event
func (l *Logger) Debug(event, message string, data map[string]interface{}) {
	if l.shouldLog(LevelDebug) {
		l.Log(LevelDebug, event, message, data)
	}
}

// Info logs an info event
func (l *Logger) Info(event, message string, data map[string]interface{}) {
	if l.shouldLog(LevelInfo) {
		l.Log(LevelInfo, event, message, data)
	}
}

// Warn logs a warning event
func (l *Logger) Warn(event, message string, data map[string]interface{}) {
	if l.shouldLog(LevelWarn) {
		l.Log(LevelWarn, event, message, data)
	}
}

// Error logs an error event
func (l *Logger) Error(event, message string, data map[string]interface{}) {
	if l.shouldLog(LevelError) {
		l.Log(LevelError, event, message, data)
	}
}

// writeJSON writes a JSON line to the output
func (l *Logger) writeJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		// Fallback to stderr if marshal fails
		os.Stderr.WriteString("Failed to marshal log: " + err.Error() + "\n")
		return
	}
	data = append(data, '\n')

	// one Write per line so concurrent handlers never interleave
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writer.Write(data)
}

// shouldLog checks if a log level should be logged
func (l *Logger) shouldLog(level Level) bool {
	levels := map[Level]int{
		LevelDebug: 0,
		LevelInfo:  1,
		LevelWarn:  2,
		LevelError: 3,
	}

	return levels[level] >= levels[l.level]
}
