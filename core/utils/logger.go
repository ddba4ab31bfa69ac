package utils

import (
	"io"
	"log"
	"os"
	"sync"
)

type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Logger is a small leveled logger shared by every component.
// A nil *Logger is safe to call; output is simply dropped.
type Logger struct {
	mu    sync.Mutex
	out   *log.Logger
	level LogLevel
}

func NewLogger() *Logger {
	return &Logger{
		out:   log.New(os.Stdout, "", log.LstdFlags|log.LUTC),
		level: LevelInfo,
	}
}

func NewLoggerWithWriter(w io.Writer, level LogLevel) *Logger {
	return &Logger{
		out:   log.New(w, "", log.LstdFlags|log.LUTC),
		level: level,
	}
}

func ParseLevel(raw string) LogLevel {
	switch raw {
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

func (l *Logger) SetLevel(level LogLevel) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

func (l *Logger) logf(level LogLevel, prefix, format string, args ...any) {
	if l == nil {
		return
	}
	l.mu.Lock()
	min := l.level
	l.mu.Unlock()
	if level < min {
		return
	}
	l.out.Printf(prefix+" "+format, args...)
}

func (l *Logger) Debugf(format string, args ...any) {
	l.logf(LevelDebug, "DEBUG", format, args...)
}

func (l *Logger) Infof(format string, args ...any) {
	l.logf(LevelInfo, "INFO", format, args...)
}

func (l *Logger) Warnf(format string, args ...any) {
	l.logf(LevelWarn, "WARN", format, args...)
}

func (l *Logger) Errorf(format string, args ...any) {
	l.logf(LevelError, "ERROR", format, args...)
}
