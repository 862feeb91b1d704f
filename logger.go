package irkd

import (
	"io"
	"log"
)

// Log verbosity levels, matching the -d flag: 0 errors, 1 events,
// 2 protocol traffic.
const (
	LogLevelError = iota
	LogLevelEvent
	LogLevelDebug
)

type Logger interface {
	Errorf(format string, v ...interface{})
	Printf(format string, v ...interface{})
	Debugf(format string, v ...interface{})
}

type logger struct {
	*log.Logger
	level int
}

var _ Logger = (*logger)(nil)

func (l *logger) Errorf(format string, v ...interface{}) {
	l.Logger.Printf(format, v...)
}

func (l *logger) Printf(format string, v ...interface{}) {
	if l.level >= LogLevelEvent {
		l.Logger.Printf(format, v...)
	}
}

func (l *logger) Debugf(format string, v ...interface{}) {
	if l.level >= LogLevelDebug {
		l.Logger.Printf(format, v...)
	}
}

// NewLogger creates a leveled logger writing to out.
func NewLogger(out io.Writer, level int) Logger {
	return &logger{
		Logger: log.New(out, "", log.LstdFlags),
		level:  level,
	}
}

type prefixLogger struct {
	logger Logger
	prefix string
}

var _ Logger = (*prefixLogger)(nil)

func (l *prefixLogger) Errorf(format string, v ...interface{}) {
	v = append([]interface{}{l.prefix}, v...)
	l.logger.Errorf("%v"+format, v...)
}

func (l *prefixLogger) Printf(format string, v ...interface{}) {
	v = append([]interface{}{l.prefix}, v...)
	l.logger.Printf("%v"+format, v...)
}

func (l *prefixLogger) Debugf(format string, v ...interface{}) {
	v = append([]interface{}{l.prefix}, v...)
	l.logger.Debugf("%v"+format, v...)
}
