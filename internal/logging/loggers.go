// Package logging provides tinycdp's leveled loggers: one stdlib *log.Logger per
// level, Error routed to stderr, everything else to stdout, microsecond
// timestamps.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
)

// Level is one of the four severities Loggers supports, ordered low to high.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warn:
		return "WARN"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Loggers dispatches to one *log.Logger per level, suppressing anything below
// minLevel. The zero value is not usable; construct with NewDefaultLoggers or
// NewDisabledLoggers.
type Loggers struct {
	byLevel  [4]*log.Logger
	minLevel Level
}

// NewDefaultLoggers builds the standard configuration: stdout for
// Debug/Info/Warn, stderr for Error, minimum level Info.
func NewDefaultLoggers() *Loggers {
	l := &Loggers{minLevel: Info}
	for lvl := Debug; lvl <= Error; lvl++ {
		l.byLevel[lvl] = makeLog(os.Stdout, lvl)
	}
	l.byLevel[Error] = makeLog(os.Stderr, Error)
	return l
}

// NewDisabledLoggers discards everything; used as the zero-value fallback
// when no logging context has been attached (see context.go).
func NewDisabledLoggers() *Loggers {
	l := &Loggers{minLevel: Error + 1}
	for lvl := Debug; lvl <= Error; lvl++ {
		l.byLevel[lvl] = makeLog(io.Discard, lvl)
	}
	return l
}

func makeLog(w io.Writer, lvl Level) *log.Logger {
	return log.New(w, "["+lvl.String()+"] ", log.Ldate|log.Ltime|log.Lmicroseconds)
}

// SetMinLevel changes which levels are emitted; levels below it are no-ops.
func (l *Loggers) SetMinLevel(lvl Level) {
	l.minLevel = lvl
}

func (l *Loggers) log(lvl Level, msg string) {
	if lvl < l.minLevel {
		return
	}
	l.byLevel[lvl].Print(msg)
}

func (l *Loggers) Debug(args ...interface{}) { l.log(Debug, fmt.Sprint(args...)) }
func (l *Loggers) Info(args ...interface{})  { l.log(Info, fmt.Sprint(args...)) }
func (l *Loggers) Warn(args ...interface{})  { l.log(Warn, fmt.Sprint(args...)) }
func (l *Loggers) Error(args ...interface{}) { l.log(Error, fmt.Sprint(args...)) }

func (l *Loggers) Debugf(format string, args ...interface{}) { l.log(Debug, fmt.Sprintf(format, args...)) }
func (l *Loggers) Infof(format string, args ...interface{})  { l.log(Info, fmt.Sprintf(format, args...)) }
func (l *Loggers) Warnf(format string, args ...interface{})  { l.log(Warn, fmt.Sprintf(format, args...)) }
func (l *Loggers) Errorf(format string, args ...interface{}) { l.log(Error, fmt.Sprintf(format, args...)) }
