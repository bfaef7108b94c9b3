// Package logger is the process-wide leveled logger. Call sites use printf
// style helpers (logger.Info("applied %d servers", n)).
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

const callerField = "caller"

var (
	mu     sync.Mutex
	global = newLogger(os.Stderr)
)

func newLogger(out io.Writer) *log.Logger {
	l := log.New()
	l.SetOutput(out)
	l.SetLevel(log.InfoLevel)
	l.SetFormatter(&Format{})
	return l
}

// Format renders entries as
//
//	2009/01/23 01:23:23 INFO resolved.go:23: message
type Format struct{}

func (*Format) Format(e *log.Entry) ([]byte, error) {
	caller := ""
	if c, ok := e.Data[callerField]; ok {
		caller = fmt.Sprintf(" %v:", c)
	}
	return []byte(fmt.Sprintf("%s %s%s %s\n",
		e.Time.Format("2006/01/02 15:04:05"),
		strings.ToUpper(e.Level.String()),
		caller,
		e.Message)), nil
}

// Init sets the minimum level. Accepted names are TRACE, DEBUG, INFO, WARN,
// ERROR and FATAL in any case; an empty level keeps INFO.
func Init(level string) error {
	lvl := log.InfoLevel
	if level != "" {
		parsed, err := ParseLevel(level)
		if err != nil {
			return err
		}
		lvl = parsed
	}

	mu.Lock()
	defer mu.Unlock()
	global.SetLevel(lvl)
	return nil
}

// ParseLevel maps a level name to a logrus level.
func ParseLevel(level string) (log.Level, error) {
	return log.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
}

// SetOutput redirects log output, mainly for tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	global.SetOutput(w)
}

// GetLogger returns the underlying logger.
func GetLogger() *log.Logger {
	return global
}

func logf(level log.Level, format string, args ...interface{}) {
	if !global.IsLevelEnabled(level) {
		return
	}
	entry := log.NewEntry(global)
	if _, file, line, ok := runtime.Caller(2); ok {
		entry = entry.WithField(callerField, fmt.Sprintf("%s:%d", filepath.Base(file), line))
	}
	entry.Logf(level, format, args...)
}

func Trace(format string, args ...interface{}) {
	logf(log.TraceLevel, format, args...)
}

func Debug(format string, args ...interface{}) {
	logf(log.DebugLevel, format, args...)
}

func Info(format string, args ...interface{}) {
	logf(log.InfoLevel, format, args...)
}

func Warn(format string, args ...interface{}) {
	logf(log.WarnLevel, format, args...)
}

func Error(format string, args ...interface{}) {
	logf(log.ErrorLevel, format, args...)
}

// Fatal logs and exits the process with status 1.
func Fatal(format string, args ...interface{}) {
	logf(log.FatalLevel, format, args...)
	global.Exit(1)
}
