package node

import (
	"log"
	"os"
)

// LogLevel is the node's leveled-logging threshold, matching Config's
// log_level field.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

func parseLevel(s string) LogLevel {
	switch s {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger wraps the standard log package with a level gate, the same
// shape as the teacher's direct log.Printf call sites but cheap enough
// to filter debug noise in production.
type Logger struct {
	level LogLevel
	std   *log.Logger
}

// NewLogger returns a Logger writing to stderr at levelName
// (debug|info|warn|error; unrecognized values fall back to info).
func NewLogger(levelName string) *Logger {
	return &Logger{
		level: parseLevel(levelName),
		std:   log.New(os.Stderr, "", log.LstdFlags),
	}
}

func (l *Logger) logf(level LogLevel, prefix, format string, args ...interface{}) {
	if level < l.level {
		return
	}
	l.std.Printf(prefix+" "+format, args...)
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.logf(LevelDebug, "DEBUG", format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.logf(LevelInfo, "INFO", format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.logf(LevelWarn, "WARN", format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.logf(LevelError, "ERROR", format, args...) }
