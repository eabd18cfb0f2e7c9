package logger

import (
	"fmt"
	"log"
	"os"
)

type Logger struct {
	info  *log.Logger
	error *log.Logger
	debug *log.Logger
}

var Default = New("")

// New creates a logger. component, when non-empty, is tagged onto every
// line (e.g. "tcp", "tunnel") so concurrent subsystems stay attributable
// in interleaved output.
func New(component string) *Logger {
	tag := ""
	if component != "" {
		tag = "[" + component + "] "
	}
	return &Logger{
		info:  log.New(os.Stdout, tag+"[INFO] ", log.LstdFlags),
		error: log.New(os.Stderr, tag+"[ERROR] ", log.LstdFlags),
		debug: log.New(os.Stdout, tag+"[DEBUG] ", log.LstdFlags),
	}
}

func (l *Logger) Info(format string, v ...any) {
	l.info.Printf(format, v...)
}

func (l *Logger) Error(format string, v ...any) {
	l.error.Printf(format, v...)
}

func (l *Logger) Debug(format string, v ...any) {
	l.debug.Printf(format, v...)
}

// WithFlow returns a format prefix carrying a flow id for log correlation
// across the handful of lines one dataplane connection or tunnel dial
// produces. Use as: logger.Info(logger.WithFlow(flowID)+"dialed %s", addr)
func WithFlow(flowID string) string {
	return fmt.Sprintf("flow=%s ", flowID)
}

func Info(format string, v ...any) {
	Default.Info(format, v...)
}

func Error(format string, v ...any) {
	Default.Error(format, v...)
}

func Debug(format string, v ...any) {
	Default.Debug(format, v...)
}
