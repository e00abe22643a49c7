// Package logger provides a minimal leveled logging wrapper used throughout
// the gateway instead of the bare standard library logger.
package logger

import (
	"log"
	"os"
)

// Logger wraps a set of per-level standard library loggers.
type Logger struct {
	info  *log.Logger
	warn  *log.Logger
	error *log.Logger
	debug *log.Logger
}

// Default is the package-level logger used by the free functions below.
var Default = New()

// New builds a Logger writing info/warn/debug to stdout and error to stderr.
func New() *Logger {
	return &Logger{
		info:  log.New(os.Stdout, "[INFO] ", log.LstdFlags),
		warn:  log.New(os.Stdout, "[WARN] ", log.LstdFlags),
		error: log.New(os.Stderr, "[ERROR] ", log.LstdFlags),
		debug: log.New(os.Stdout, "[DEBUG] ", log.LstdFlags),
	}
}

func (l *Logger) Info(format string, v ...any)  { l.info.Printf(format, v...) }
func (l *Logger) Warn(format string, v ...any)  { l.warn.Printf(format, v...) }
func (l *Logger) Error(format string, v ...any) { l.error.Printf(format, v...) }
func (l *Logger) Debug(format string, v ...any) { l.debug.Printf(format, v...) }

func Info(format string, v ...any)  { Default.Info(format, v...) }
func Warn(format string, v ...any)  { Default.Warn(format, v...) }
func Error(format string, v ...any) { Default.Error(format, v...) }
func Debug(format string, v ...any) { Default.Debug(format, v...) }
