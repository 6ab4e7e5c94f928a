package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var levelNames = map[LogLevel]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
}

func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

// ParseLevel maps a config string to a level. Unknown values fall back to INFO.
func ParseLevel(s string) LogLevel {
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

type logEntry struct {
	Time      string                 `json:"time"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

var (
	mu           sync.Mutex
	currentLevel = INFO
	out          io.Writer = os.Stderr
	jsonOutput   bool
)

func SetLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	currentLevel = level
}

func GetLevel() LogLevel {
	mu.Lock()
	defer mu.Unlock()
	return currentLevel
}

// SetOutput redirects log lines. A nil writer restores stderr.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if w == nil {
		w = os.Stderr
	}
	out = w
}

// EnableJSON switches between one-JSON-object-per-line and the human format.
func EnableJSON(enabled bool) {
	mu.Lock()
	defer mu.Unlock()
	jsonOutput = enabled
}

func logMessage(level LogLevel, component, message string, fields map[string]interface{}) {
	mu.Lock()
	defer mu.Unlock()
	if level < currentLevel {
		return
	}

	entry := logEntry{
		Time:      time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level.String(),
		Component: component,
		Message:   message,
		Fields:    fields,
	}

	if jsonOutput {
		data, err := json.Marshal(entry)
		if err != nil {
			fmt.Fprintf(out, "%s [%s] logger: marshal entry: %v\n", entry.Time, entry.Level, err)
			return
		}
		out.Write(append(data, '\n'))
		return
	}

	var b strings.Builder
	b.WriteString(entry.Time)
	b.WriteString(" [")
	b.WriteString(entry.Level)
	b.WriteString("]")
	if component != "" {
		b.WriteString(" ")
		b.WriteString(component)
		b.WriteString(":")
	}
	b.WriteString(" ")
	b.WriteString(message)
	if len(fields) > 0 {
		b.WriteString(" {")
		b.WriteString(formatFields(fields))
		b.WriteString("}")
	}
	b.WriteString("\n")
	io.WriteString(out, b.String())
}

func formatFields(fields map[string]interface{}) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return strings.Join(parts, ", ")
}

func Debug(message string) { logMessage(DEBUG, "", message, nil) }
func Info(message string)  { logMessage(INFO, "", message, nil) }
func Warn(message string)  { logMessage(WARN, "", message, nil) }
func Error(message string) { logMessage(ERROR, "", message, nil) }

func DebugC(component, message string) { logMessage(DEBUG, component, message, nil) }
func InfoC(component, message string)  { logMessage(INFO, component, message, nil) }
func WarnC(component, message string)  { logMessage(WARN, component, message, nil) }
func ErrorC(component, message string) { logMessage(ERROR, component, message, nil) }

func DebugCF(component, message string, fields map[string]interface{}) {
	logMessage(DEBUG, component, message, fields)
}

func InfoCF(component, message string, fields map[string]interface{}) {
	logMessage(INFO, component, message, fields)
}

func WarnCF(component, message string, fields map[string]interface{}) {
	logMessage(WARN, component, message, fields)
}

func ErrorCF(component, message string, fields map[string]interface{}) {
	logMessage(ERROR, component, message, fields)
}
