// Package wlog is a small leveled logger, framed as RFC 5424 syslog
// records. The shape follows gravwell's ingest/log package: a handful of
// level constants, multiple attached writers, and Fatal/FatalCode helpers
// that terminate the process after logging.
package wlog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/crewjam/rfc5424"
)

type Level int

const (
	OFF Level = iota
	DEBUG
	INFO
	WARN
	ERROR
	CRITICAL
	FATAL
)

const (
	defaultDepth = 3

	maxAppname  = 48
	maxHostname = 255
	maxMsgID    = 32
)

var (
	ErrNotOpen      = errors.New("logger is not open")
	ErrInvalidLevel = errors.New("invalid log level")
)

func (l Level) String() string {
	switch l {
	case OFF:
		return `OFF`
	case DEBUG:
		return `DEBUG`
	case INFO:
		return `INFO`
	case WARN:
		return `WARN`
	case ERROR:
		return `ERROR`
	case CRITICAL:
		return `CRITICAL`
	case FATAL:
		return `FATAL`
	}
	return `UNKNOWN`
}

func (l Level) valid() bool {
	return l >= OFF && l <= FATAL
}

func (l Level) priority() rfc5424.Priority {
	switch l {
	case DEBUG:
		return rfc5424.User | rfc5424.Debug
	case INFO:
		return rfc5424.User | rfc5424.Info
	case WARN:
		return rfc5424.User | rfc5424.Warning
	case ERROR:
		return rfc5424.User | rfc5424.Error
	case CRITICAL:
		return rfc5424.User | rfc5424.Crit
	case FATAL:
		return rfc5424.User | rfc5424.Emergency
	}
	return rfc5424.User | rfc5424.Info
}

// LevelFromString maps a config/env string to a Level, case-insensitively.
func LevelFromString(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case `OFF`:
		return OFF, nil
	case `DEBUG`:
		return DEBUG, nil
	case `INFO`, ``:
		return INFO, nil
	case `WARN`, `WARNING`:
		return WARN, nil
	case `ERROR`:
		return ERROR, nil
	case `CRITICAL`:
		return CRITICAL, nil
	case `FATAL`:
		return FATAL, nil
	}
	return OFF, ErrInvalidLevel
}

// Logger is a small leveled, multi-writer logger. Safe for concurrent use.
type Logger struct {
	mtx      sync.Mutex
	wtrs     []io.Writer
	lvl      Level
	hostname string
	appname  string
	hot      bool
}

// New creates a logger writing to wtr at level INFO.
func New(wtr io.Writer) *Logger {
	l := &Logger{
		wtrs: []io.Writer{wtr},
		lvl:  INFO,
		hot:  true,
	}
	l.guessHostAppname()
	return l
}

func NewDiscard() *Logger {
	return New(io.Discard)
}

func (l *Logger) guessHostAppname() {
	if h, err := os.Hostname(); err == nil {
		if len(h) > maxHostname {
			h = h[:maxHostname]
		}
		l.hostname = h
	}
	if len(os.Args) > 0 {
		exe := filepath.Base(os.Args[0])
		if ext := filepath.Ext(exe); len(ext) > 0 && len(ext) < len(exe) {
			exe = strings.TrimSuffix(exe, ext)
		}
		if len(exe) > maxAppname {
			exe = exe[:maxAppname]
		}
		l.appname = exe
	}
}

// AddWriter attaches an additional writer; every subsequent log line goes
// to all attached writers.
func (l *Logger) AddWriter(w io.Writer) error {
	if w == nil {
		return errors.New("nil writer")
	}
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if !l.hot {
		return ErrNotOpen
	}
	l.wtrs = append(l.wtrs, w)
	return nil
}

func (l *Logger) SetLevelString(s string) error {
	lvl, err := LevelFromString(s)
	if err != nil {
		return err
	}
	return l.SetLevel(lvl)
}

func (l *Logger) SetLevel(lvl Level) error {
	if !lvl.valid() {
		return ErrInvalidLevel
	}
	l.mtx.Lock()
	l.lvl = lvl
	l.mtx.Unlock()
	return nil
}

func (l *Logger) Close() error {
	l.mtx.Lock()
	l.hot = false
	l.mtx.Unlock()
	return nil
}

func (l *Logger) Debugf(f string, args ...interface{}) { l.outputf(DEBUG, f, args...) }
func (l *Logger) Infof(f string, args ...interface{})  { l.outputf(INFO, f, args...) }
func (l *Logger) Warnf(f string, args ...interface{})  { l.outputf(WARN, f, args...) }
func (l *Logger) Errorf(f string, args ...interface{}) { l.outputf(ERROR, f, args...) }

// Fatal logs at FATAL and exits the process with code -1. Used only at
// startup for configuration-fatal errors (spec.md §7 kind 1).
func (l *Logger) Fatal(f string, args ...interface{}) {
	l.FatalCode(-1, f, args...)
}

// FatalCode logs at FATAL and exits with the given code.
func (l *Logger) FatalCode(code int, f string, args ...interface{}) {
	l.outputf(FATAL, f, args...)
	os.Exit(code)
}

func (l *Logger) outputf(lvl Level, f string, args ...interface{}) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if !l.hot || lvl < l.lvl || l.lvl == OFF {
		return
	}
	ts := time.Now()
	msg := fmt.Sprintf(f, args...)
	loc := callLoc(defaultDepth)
	b, err := genRFCMessage(ts, lvl.priority(), l.hostname, l.appname, loc, msg)
	if err != nil || len(b) == 0 {
		// fall back to a plain line rather than drop the log entirely
		b = []byte(ts.UTC().Format(time.RFC3339) + " " + loc + " " + lvl.String() + " " + msg)
	}
	for _, w := range l.wtrs {
		io.WriteString(w, string(b))
		io.WriteString(w, "\n")
	}
}

func genRFCMessage(ts time.Time, prio rfc5424.Priority, hostname, appname, msgid, msg string) ([]byte, error) {
	m := rfc5424.Message{
		Priority:  prio,
		Timestamp: ts,
		Hostname:  trimLength(maxHostname, hostname),
		AppName:   trimLength(maxAppname, appname),
		MessageID: trimLength(maxMsgID, msgid),
		Message:   []byte(msg),
	}
	return m.MarshalBinary()
}

func callLoc(depth int) (s string) {
	if _, file, line, ok := runtime.Caller(depth); ok {
		dir, fn := filepath.Split(file)
		fn = filepath.Join(filepath.Base(dir), fn)
		s = fmt.Sprintf("%s:%d", fn, line)
	}
	return
}

func trimLength(n int, s string) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
