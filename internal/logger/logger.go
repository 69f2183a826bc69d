// Package logger abstracts diagnostic output so the session loop and
// framing adapter never write to stderr directly.
package logger

import (
	"log"
	"os"
)

// Logger is the capability surface consumed by the rest of the core.
type Logger interface {
	Errorf(format string, v ...interface{})
	Warnf(format string, v ...interface{})
	Debugf(format string, v ...interface{})
}

// New returns a stderr-backed Logger when verbose is true, or otherwise a
// Logger that discards only Debugf. Debugf (the frame-level trace) is only ever reachable
// through a verbose Logger; Errorf/Warnf still go to stderr regardless so
// that connection failures are always reported.
func New(verbose bool) Logger {
	l := &stderrLogger{l: log.New(os.Stderr, "", log.Ltime|log.Lmicroseconds)}
	if !verbose {
		return &quietLogger{l: l}
	}
	return l
}

type stderrLogger struct {
	l *log.Logger
}

func (l *stderrLogger) Errorf(format string, v ...interface{}) { l.output("ERROR", format, v...) }
func (l *stderrLogger) Warnf(format string, v ...interface{})  { l.output("WARN", format, v...) }
func (l *stderrLogger) Debugf(format string, v ...interface{}) { l.output("DEBUG", format, v...) }

func (l *stderrLogger) output(level, format string, v ...interface{}) {
	format = level + " [h2fetch] " + format
	if len(v) == 0 {
		l.l.Print(format)
		return
	}
	l.l.Printf(format, v...)
}

// quietLogger suppresses Debugf (verbose framing trace) but still surfaces
// errors and warnings; Debugf is only wired up when verbose output is
// enabled.
type quietLogger struct {
	l *stderrLogger
}

func (l *quietLogger) Errorf(format string, v ...interface{}) { l.l.Errorf(format, v...) }
func (l *quietLogger) Warnf(format string, v ...interface{})  { l.l.Warnf(format, v...) }
func (l *quietLogger) Debugf(format string, v ...interface{}) {}
