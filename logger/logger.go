package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// LevelEnv names the environment variable read by LevelFromEnv.
const LevelEnv = "BTRACED_LOG_LEVEL"

// LogLevel represents the severity of a log message
type LogLevel int

const (
	ERROR LogLevel = iota // Errors
	WARN                  // Warnings
	INFO                  // Link lifecycle: scan, connect, deliver
	DEBUG                 // Discovery details, advertisement metadata
	TRACE                 // ATT/L2CAP frames
)

var (
	currentLevel LogLevel  = INFO
	output       io.Writer = os.Stdout
	mu           sync.RWMutex
)

// SetLevel sets the global log level
func SetLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	currentLevel = level
}

// GetLevel returns the current log level
func GetLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return currentLevel
}

// SetOutput redirects all log output. Passing nil restores stdout.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if w == nil {
		w = os.Stdout
	}
	output = w
}

// ParseLevel converts a string to a LogLevel, defaulting to INFO
func ParseLevel(level string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "TRACE":
		return TRACE
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// LevelFromEnv returns the level named by BTRACED_LOG_LEVEL, or fallback when unset.
func LevelFromEnv(fallback LogLevel) LogLevel {
	v := os.Getenv(LevelEnv)
	if v == "" {
		return fallback
	}
	return ParseLevel(v)
}

func (l LogLevel) String() string {
	switch l {
	case TRACE:
		return "TRACE"
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO "
	case WARN:
		return "WARN "
	case ERROR:
		return "ERROR"
	default:
		return "?????"
	}
}

func log(level LogLevel, prefix, format string, args ...interface{}) {
	mu.RLock()
	enabled := level <= currentLevel
	w := output
	mu.RUnlock()
	if !enabled {
		return
	}

	msg := fmt.Sprintf(format, args...)
	if prefix != "" {
		fmt.Fprintf(w, "[%s %s] %s\n", prefix, level, msg)
	} else {
		fmt.Fprintf(w, "[%s] %s\n", level, msg)
	}
}

// Log logs at an explicit level
func Log(level LogLevel, prefix, format string, args ...interface{}) {
	log(level, prefix, format, args...)
}

// Enabled reports whether messages at level are currently written
func Enabled(level LogLevel) bool {
	return level <= GetLevel()
}

// Trace logs a trace message (wire protocol details)
func Trace(prefix, format string, args ...interface{}) {
	log(TRACE, prefix, format, args...)
}

// Debug logs a debug message
func Debug(prefix, format string, args ...interface{}) {
	log(DEBUG, prefix, format, args...)
}

// Info logs an info message (high-level events)
func Info(prefix, format string, args ...interface{}) {
	log(INFO, prefix, format, args...)
}

// Warn logs a warning message
func Warn(prefix, format string, args ...interface{}) {
	log(WARN, prefix, format, args...)
}

// Error logs an error message
func Error(prefix, format string, args ...interface{}) {
	log(ERROR, prefix, format, args...)
}

// ToJSON converts any value to a pretty-printed JSON string for logging
func ToJSON(v interface{}) string {
	if msg, ok := v.(proto.Message); ok {
		marshaler := protojson.MarshalOptions{
			Multiline:       true,
			Indent:          "  ",
			EmitUnpopulated: false,
		}
		jsonBytes, err := marshaler.Marshal(msg)
		if err != nil {
			return fmt.Sprintf("<error: %v>", err)
		}
		return string(jsonBytes)
	}

	jsonBytes, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("<error: %v>", err)
	}
	return string(jsonBytes)
}

// TraceJSON logs a trace message with a JSON representation
func TraceJSON(prefix, label string, v interface{}) {
	if GetLevel() < TRACE {
		return
	}
	log(TRACE, prefix, "%s:\n%s", label, ToJSON(v))
}

// DebugJSON logs a debug message with a JSON representation
func DebugJSON(prefix, label string, v interface{}) {
	if GetLevel() < DEBUG {
		return
	}
	log(DEBUG, prefix, "%s:\n%s", label, ToJSON(v))
}
