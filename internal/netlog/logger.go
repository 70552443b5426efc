// Package netlog provides the leveled logger used throughout the
// connection, notify, event and ghost layers.
package netlog

import (
	"fmt"
	"log"
	"os"
)

const calldepth = 3

const (
	info  = "INFO"
	warn  = "WARN"
	errl  = "ERROR"
	debug = "DEBUG"
	fatal = "FATAL"
)

// Logger is the leveled logging contract used by every component in this
// module. Applications may supply their own implementation; DefaultLogger
// and LogrusLogger are the two built in.
type Logger interface {
	Info(v ...interface{})
	Infof(format string, v ...interface{})
	Warn(v ...interface{})
	Warnf(format string, v ...interface{})
	Error(v ...interface{})
	Errorf(format string, v ...interface{})
	Debug(v ...interface{})
	Debugf(format string, v ...interface{})
	Fatal(v ...interface{})
	Fatalf(format string, v ...interface{})
	Panic(v ...interface{})
	Panicf(format string, v ...interface{})

	// ToggleDebug enables or disables debug-level output and returns the
	// previous state.
	ToggleDebug(value bool) bool
}

func level(prefix, message string) string {
	return fmt.Sprintf("[%s]: %s", prefix, message)
}

// DefaultLogger wraps the standard library logger the way the rest of the
// stack expects: level-prefixed lines, debug gated behind a flag.
type DefaultLogger struct {
	*log.Logger
	debug bool
}

// NewDefaultLogger builds a DefaultLogger writing to stderr.
func NewDefaultLogger(prefix string) *DefaultLogger {
	return &DefaultLogger{
		Logger: log.New(os.Stderr, prefix+" ", log.LstdFlags),
		debug:  false,
	}
}

func (l *DefaultLogger) Info(v ...interface{}) { l.Output(calldepth, level(info, fmt.Sprint(v...))) }
func (l *DefaultLogger) Infof(format string, v ...interface{}) {
	l.Output(calldepth, level(info, fmt.Sprintf(format, v...)))
}
func (l *DefaultLogger) Warn(v ...interface{}) { l.Output(calldepth, level(warn, fmt.Sprint(v...))) }
func (l *DefaultLogger) Warnf(format string, v ...interface{}) {
	l.Output(calldepth, level(warn, fmt.Sprintf(format, v...)))
}
func (l *DefaultLogger) Error(v ...interface{}) { l.Output(calldepth, level(errl, fmt.Sprint(v...))) }
func (l *DefaultLogger) Errorf(format string, v ...interface{}) {
	l.Output(calldepth, level(errl, fmt.Sprintf(format, v...)))
}
func (l *DefaultLogger) Debug(v ...interface{}) {
	if l.debug {
		l.Output(calldepth, level(debug, fmt.Sprint(v...)))
	}
}
func (l *DefaultLogger) Debugf(format string, v ...interface{}) {
	if l.debug {
		l.Output(calldepth, level(debug, fmt.Sprintf(format, v...)))
	}
}
func (l *DefaultLogger) Fatal(v ...interface{}) {
	l.Output(calldepth, level(fatal, fmt.Sprint(v...)))
	os.Exit(1)
}
func (l *DefaultLogger) Fatalf(format string, v ...interface{}) {
	l.Output(calldepth, level(fatal, fmt.Sprintf(format, v...)))
	os.Exit(1)
}

func (l *DefaultLogger) Panic(v ...interface{}) {
	l.Logger.Panic(v...)
}

func (l *DefaultLogger) Panicf(format string, v ...interface{}) {
	l.Logger.Panicf(format, v...)
}

func (l *DefaultLogger) ToggleDebug(value bool) bool {
	prev := l.debug
	l.debug = value
	return prev
}
