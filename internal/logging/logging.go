// Package logging provides a small prefixed, leveled logger matching the
// plain log.Printf style used throughout the source tree (no structured
// logging framework is pulled in for this).
package logging

import (
	"log"
	"os"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger writes prefixed lines to stderr, dropping anything below its
// configured level.
type Logger struct {
	prefix string
	level  Level
	out    *log.Logger
}

func New(component string, level Level) *Logger {
	return &Logger{
		prefix: "[" + component + "] ",
		level:  level,
		out:    log.New(os.Stderr, "", log.LstdFlags),
	}
}

func (l *Logger) Debugf(format string, args ...any) { l.logf(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.logf(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.logf(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.logf(LevelError, format, args...) }

func (l *Logger) logf(level Level, format string, args ...any) {
	if level < l.level {
		return
	}
	l.out.Printf(l.prefix+format, args...)
}

// SecurityEvent logs a security-relevant session event in the
// "[SECURITY] [timestamp] [EventName] details" shape carried over from the
// source auth module, so security events remain greppable independent of
// the general log level.
func (l *Logger) SecurityEvent(event, detail string) {
	l.out.Printf("%s[SECURITY] [%s] [%s] %s", l.prefix, time.Now().UTC().Format(time.RFC3339), event, detail)
}
