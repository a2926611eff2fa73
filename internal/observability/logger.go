package observability

import (
	"encoding/json"
	"io"
	"log"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"
)

var sensitiveKeys = []string{"token", "code", "password", "secret", "authorization", "cookie"}

var secretPattern = regexp.MustCompile(`\b([0-9a-fA-F]{32,}|[0-9]{6})\b`)

type Logger struct {
	base *log.Logger
}

func NewLogger() *Logger {
	return NewLoggerTo(os.Stdout)
}

func NewLoggerTo(w io.Writer) *Logger {
	return &Logger{base: log.New(w, "", 0)}
}

func (l *Logger) Info(message string, fields map[string]any) {
	l.write("info", message, fields)
}

func (l *Logger) Warn(message string, fields map[string]any) {
	l.write("warn", message, fields)
}

func (l *Logger) Error(message string, fields map[string]any) {
	l.write("error", message, fields)
}

func (l *Logger) write(level, message string, fields map[string]any) {
	if l == nil {
		return
	}

	payload := map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"level":     level,
		"message":   message,
	}
	for k, v := range Redact(fields) {
		payload[k] = v
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		l.base.Println(`{"level":"error","message":"failed to encode log"}`)
		return
	}

	l.base.Println(string(encoded))
}

// Redact masks non-count values under sensitive keys and scrubs token- or code-shaped
// substrings from the remaining string values.
func Redact(fields map[string]any) map[string]any {
	if len(fields) == 0 {
		return fields
	}

	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if isSensitiveKey(k) && !isCount(v) {
			out[k] = "[redacted]"
			continue
		}
		switch value := v.(type) {
		case string:
			out[k] = RedactString(value)
		case error:
			out[k] = RedactString(value.Error())
		default:
			out[k] = v
		}
	}
	return out
}

func RedactString(value string) string {
	return secretPattern.ReplaceAllString(value, "[redacted]")
}

func isCount(v any) bool {
	switch v.(type) {
	case int, int32, int64, uint, uint32, uint64:
		return true
	default:
		return false
	}
}

// isSensitiveKey matches whole key segments, so "device_token" is
// sensitive while "deleted_one_time_codes" is not.
func isSensitiveKey(key string) bool {
	key = strings.ToLower(key)
	if strings.HasSuffix(key, "_hash") {
		return false
	}
	segments := strings.FieldsFunc(key, func(r rune) bool {
		return r == '_' || r == '-' || r == '.' || r == ' '
	})
	for _, segment := range segments {
		if slices.Contains(sensitiveKeys, segment) {
			return true
		}
	}
	return false
}
