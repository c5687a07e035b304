package vfs

import (
	"bytes"
	"fmt"
	"strings"
	"sync/atomic"

	"modernc.org/libc"
	sqlite3 "modernc.org/sqlite/lib"
)

// LogLevel is the severity of a message sent to the host log
type LogLevel int

// enum of log levels
const (
	LogError LogLevel = iota
	LogWarn
	LogNotice
)

// code maps the level to the result code sqlite3_log is called with
func (l LogLevel) code() int32 {
	switch l {
	case LogError:
		return sqlite3.SQLITE_INTERNAL
	case LogWarn:
		return sqlite3.SQLITE_WARNING
	default:
		return sqlite3.SQLITE_NOTICE
	}
}

func (l LogLevel) String() string {
	switch l {
	case LogError:
		return "error"
	case LogWarn:
		return "warn"
	case LogNotice:
		return "notice"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// Logger sends messages of one registered VFS to the host log channel, so host and plugin
// diagnostics end up in a single stream. The host truncates long messages.
// Logger is also an io.Writer accepting "[LEVEL] message" lines, so it can be used as lgr output.
type Logger struct {
	name  string
	api   hostAPI
	debug atomic.Bool
}

// Name returns the name of the VFS the logger belongs to
func (l *Logger) Name() string { return l.name }

// SetDebug enables forwarding of DEBUG and TRACE lines written via Write
func (l *Logger) SetDebug(on bool) { l.debug.Store(on) }

// Log sends msg with the given level
func (l *Logger) Log(level LogLevel, msg string) {
	tls := libc.NewTLS()
	defer tls.Close()
	hostLog(tls, l.api, level.code(), msg)
}

// Logf formats and sends a message with the given level
func (l *Logger) Logf(level LogLevel, format string, args ...any) {
	l.Log(level, fmt.Sprintf(format, args...))
}

// Write splits p into lines and sends each one with the level parsed from its prefix
func (l *Logger) Write(p []byte) (int, error) {
	for _, line := range bytes.Split(p, []byte("\n")) {
		msg := strings.TrimSpace(string(line))
		if msg == "" {
			continue
		}
		level, keep := l.parseLevel(msg)
		if !keep {
			continue
		}
		l.Log(level, msg)
	}
	return len(p), nil
}

// parseLevel finds a level marker among the first fields of a line, lines without one are notices
func (l *Logger) parseLevel(line string) (level LogLevel, keep bool) {
	fields := strings.Fields(line)
	for i, f := range fields {
		if i > 3 {
			break
		}
		switch strings.Trim(f, "[]") {
		case "ERROR", "PANIC", "FATAL":
			return LogError, true
		case "WARN", "WARNING":
			return LogWarn, true
		case "INFO", "NOTICE":
			return LogNotice, true
		case "DEBUG", "TRACE":
			return LogNotice, l.debug.Load()
		}
	}
	return LogNotice, true
}
