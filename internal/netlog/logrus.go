package netlog

import "github.com/sirupsen/logrus"

// LogrusLogger adapts *logrus.Logger to the Logger interface, for
// applications that already standardized on structured logging.
type LogrusLogger struct {
	entry *logrus.Logger
}

// NewLogrusLogger wraps l, defaulting its level to Info.
func NewLogrusLogger(l *logrus.Logger) *LogrusLogger {
	if l == nil {
		l = logrus.New()
	}
	l.SetLevel(logrus.InfoLevel)
	return &LogrusLogger{entry: l}
}

func (l *LogrusLogger) Info(v ...interface{})                  { l.entry.Info(v...) }
func (l *LogrusLogger) Infof(format string, v ...interface{})  { l.entry.Infof(format, v...) }
func (l *LogrusLogger) Warn(v ...interface{})                   { l.entry.Warn(v...) }
func (l *LogrusLogger) Warnf(format string, v ...interface{})  { l.entry.Warnf(format, v...) }
func (l *LogrusLogger) Error(v ...interface{})                  { l.entry.Error(v...) }
func (l *LogrusLogger) Errorf(format string, v ...interface{}) { l.entry.Errorf(format, v...) }
func (l *LogrusLogger) Debug(v ...interface{})                  { l.entry.Debug(v...) }
func (l *LogrusLogger) Debugf(format string, v ...interface{}) { l.entry.Debugf(format, v...) }
func (l *LogrusLogger) Fatal(v ...interface{})                  { l.entry.Fatal(v...) }
func (l *LogrusLogger) Fatalf(format string, v ...interface{}) { l.entry.Fatalf(format, v...) }
func (l *LogrusLogger) Panic(v ...interface{})                  { l.entry.Panic(v...) }
func (l *LogrusLogger) Panicf(format string, v ...interface{}) { l.entry.Panicf(format, v...) }

func (l *LogrusLogger) ToggleDebug(value bool) bool {
	prev := l.entry.GetLevel() == logrus.DebugLevel
	if value {
		l.entry.SetLevel(logrus.DebugLevel)
	} else {
		l.entry.SetLevel(logrus.InfoLevel)
	}
	return prev
}
