// Package logger writes leveled JSON log lines with PII redaction.
package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Level represents the severity of a log entry.
type Level int32

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "INFO"
	}
}

// ParseLevel maps a config string ("debug", "info", "warn", "error") to a
// Level. Unknown values fall back to INFO.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

// Logger writes one JSON object per entry.
type Logger struct {
	level     atomic.Int32
	redactPII atomic.Bool

	mu   sync.Mutex
	out  io.Writer
	base []interface{}
}

var defaultLogger = newLogger(os.Stderr)

func newLogger(w io.Writer) *Logger {
	l := &Logger{out: w}
	l.level.Store(int32(INFO))
	l.redactPII.Store(true)
	return l
}

// SetLevel sets the minimum log level for the default logger.
func SetLevel(l Level) { defaultLogger.level.Store(int32(l)) }

// SetRedactPII enables or disables PII redaction for the default logger.
func SetRedactPII(r bool) { defaultLogger.redactPII.Store(r) }

// SetOutput redirects the default logger. Used by tests.
func SetOutput(w io.Writer) {
	defaultLogger.mu.Lock()
	defaultLogger.out = w
	defaultLogger.mu.Unlock()
}

// SetBaseFields attaches key-value pairs to every entry of the default
// logger, e.g. the worker id.
func SetBaseFields(fields ...interface{}) {
	defaultLogger.mu.Lock()
	defaultLogger.base = fields
	defaultLogger.mu.Unlock()
}

// Debug emits a DEBUG-level structured log entry.
func Debug(msg string, fields ...interface{}) { defaultLogger.log(DEBUG, msg, fields...) }

// Info emits an INFO-level structured log entry.
func Info(msg string, fields ...interface{}) { defaultLogger.log(INFO, msg, fields...) }

// Warn emits a WARN-level structured log entry.
func Warn(msg string, fields ...interface{}) { defaultLogger.log(WARN, msg, fields...) }

// Error emits an ERROR-level structured log entry.
func Error(msg string, fields ...interface{}) { defaultLogger.log(ERROR, msg, fields...) }

func (l *Logger) log(level Level, msg string, fields ...interface{}) {
	if int32(level) < l.level.Load() {
		return
	}

	entry := map[string]interface{}{
		"time":  time.Now().UTC().Format(time.RFC3339),
		"level": level.String(),
		"msg":   msg,
	}

	redact := l.redactPII.Load()

	l.mu.Lock()
	defer l.mu.Unlock()

	addFields(entry, l.base, redact)
	addFields(entry, fields, redact)

	data, err := json.Marshal(entry)
	if err != nil {
		data, _ = json.Marshal(map[string]string{"level": "ERROR", "msg": "log encode failed", "error": err.Error()})
	}
	fmt.Fprintln(l.out, string(data))
}

// addFields parses key-value pairs into the entry. Numbers and booleans
// keep their JSON type; everything else is rendered as a string. A
// trailing key without a value is dropped.
func addFields(entry map[string]interface{}, fields []interface{}, redact bool) {
	for i := 0; i+1 < len(fields); i += 2 {
		key := fmt.Sprintf("%v", fields[i])
		if droppedKeys[key] {
			continue
		}

		switch v := fields[i+1].(type) {
		case int, int32, int64, uint, uint32, uint64, float64, bool:
			entry[key] = v
		case nil:
			entry[key] = nil
		default:
			val := stringify(v)
			if redact {
				val = redactPIIValue(key, val)
			}
			entry[key] = val
		}
	}
}

// droppedKeys are never written, whatever the redaction setting.
var droppedKeys = map[string]bool{
	"raw_row":            true,
	"normalized_payload": true,
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case error:
		return t.Error()
	case time.Duration:
		return t.String()
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

var emailRegex = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

func redactPIIValue(key, val string) string {
	key = strings.ToLower(key)
	switch {
	case strings.Contains(key, "email"):
		return RedactEmail(val)
	case strings.Contains(key, "phone"):
		return RedactPhone(val)
	case key == "dob", key == "first_name", key == "last_name":
		return RedactValue(val)
	}
	// Embedded emails in generic fields
	return emailRegex.ReplaceAllStringFunc(val, RedactEmail)
}
