// CrewClaw - Multi-agent coordination engine for personal AI assistants
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 CrewClaw contributors

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

// Level is the log severity. Messages below the configured level are dropped.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// ParseLevel maps a config string to a Level. Unknown strings fall back to INFO.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

var levelColors = map[Level]string{
	LevelDebug: "\033[36m", // cyan
	LevelInfo:  "\033[32m", // green
	LevelWarn:  "\033[33m", // yellow
	LevelError: "\033[31m", // red
}

const colorReset = "\033[0m"

// Logger writes leveled, component-tagged records to a single sink.
type Logger struct {
	mu      sync.Mutex
	level   Level
	jsonOut bool
	color   bool
	out     io.Writer
}

func New(out io.Writer) *Logger {
	return &Logger{level: LevelInfo, color: true, out: out}
}

var std = New(os.Stderr)

// SetLevel configures the global logger's minimum severity.
func SetLevel(level Level) {
	std.mu.Lock()
	std.level = level
	std.mu.Unlock()
}

// SetJSONOutput switches the global logger between console and JSON lines.
func SetJSONOutput(enabled bool) {
	std.mu.Lock()
	std.jsonOut = enabled
	std.color = !enabled
	std.mu.Unlock()
}

// SetOutput redirects the global logger. Used by tests.
func SetOutput(out io.Writer) {
	std.mu.Lock()
	std.out = out
	std.mu.Unlock()
}

func (l *Logger) log(level Level, component, msg string, fields map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level < l.level {
		return
	}

	now := time.Now()
	if l.jsonOut {
		rec := make(map[string]interface{}, len(fields)+4)
		rec["ts"] = now.Format(time.RFC3339)
		rec["level"] = level.String()
		rec["component"] = component
		rec["msg"] = msg
		for k, v := range fields {
			rec[k] = v
		}
		if b, err := json.Marshal(rec); err == nil {
			fmt.Fprintln(l.out, string(b))
		}
		return
	}

	var b strings.Builder
	b.WriteString(now.Format("15:04:05"))
	b.WriteByte(' ')
	if l.color {
		b.WriteString(levelColors[level])
	}
	fmt.Fprintf(&b, "%-5s", level.String())
	if l.color {
		b.WriteString(colorReset)
	}
	fmt.Fprintf(&b, " [%s] %s", component, msg)
	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, fields[k])
		}
	}
	fmt.Fprintln(l.out, b.String())
}

// DebugCF logs at DEBUG with a component tag and structured fields.
func DebugCF(component, msg string, fields map[string]interface{}) {
	std.log(LevelDebug, component, msg, fields)
}

// InfoCF logs at INFO with a component tag and structured fields.
func InfoCF(component, msg string, fields map[string]interface{}) {
	std.log(LevelInfo, component, msg, fields)
}

// WarnCF logs at WARN with a component tag and structured fields.
func WarnCF(component, msg string, fields map[string]interface{}) {
	std.log(LevelWarn, component, msg, fields)
}

// ErrorCF logs at ERROR with a component tag and structured fields.
func ErrorCF(component, msg string, fields map[string]interface{}) {
	std.log(LevelError, component, msg, fields)
}
