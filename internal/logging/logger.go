package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"sync"
	"time"
)

// Logger defines a minimal, printf-style logging contract shared by every
// component in the process.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// IsNil reports whether logger is nil or wraps a nil pointer receiver.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	val := reflect.ValueOf(logger)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

// Level represents the severity of a log message.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "?"
	}
}

var (
	rootOnce sync.Once
	root     *fileLogger
)

// fileLogger is the process-wide sink behind component loggers. It writes to
// stderr and, when ATLAS_LOG_FILE is set, appends to that file as well.
type fileLogger struct {
	mu     sync.Mutex
	out    io.Writer
	level  Level
	logger *log.Logger
}

func getRoot() *fileLogger {
	rootOnce.Do(func() {
		var out io.Writer = os.Stderr
		if path := os.Getenv("ATLAS_LOG_FILE"); path != "" {
			if f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
				out = io.MultiWriter(os.Stderr, f)
			} else {
				log.Printf("failed to open log file %s: %v", path, err)
			}
		}
		level := LevelInfo
		if os.Getenv("ATLAS_DEBUG") != "" {
			level = LevelDebug
		}
		root = &fileLogger{out: out, level: level, logger: log.New(out, "", 0)}
	})
	return root
}

// SetLevel adjusts the minimum level of the process-wide sink.
func SetLevel(level Level) {
	r := getRoot()
	r.mu.Lock()
	r.level = level
	r.mu.Unlock()
}

type componentLogger struct {
	component string
}

// NewComponentLogger returns the default application logger scoped to a component.
func NewComponentLogger(component string) Logger {
	return &componentLogger{component: component}
}

func (l *componentLogger) emit(level Level, format string, args ...any) {
	r := getRoot()
	r.mu.Lock()
	defer r.mu.Unlock()
	if level < r.level {
		return
	}
	_, file, line, ok := runtime.Caller(3)
	caller := "???"
	if ok {
		caller = fmt.Sprintf("%s:%d", filepath.Base(file), line)
	}
	msg := fmt.Sprintf(format, args...)
	r.logger.Printf("%s [%s] [%s] %s %s",
		time.Now().Format("2006-01-02 15:04:05.000"),
		level, l.component, caller, msg)
}

func (l *componentLogger) Debug(format string, args ...any) { l.emit(LevelDebug, format, args...) }
func (l *componentLogger) Info(format string, args ...any)  { l.emit(LevelInfo, format, args...) }
func (l *componentLogger) Warn(format string, args ...any)  { l.emit(LevelWarn, format, args...) }
func (l *componentLogger) Error(format string, args ...any) { l.emit(LevelError, format, args...) }

type multiLogger struct {
	loggers []Logger
}

// Multi returns a logger fan-out that calls every non-nil logger in order.
func Multi(loggers ...Logger) Logger {
	flattened := make([]Logger, 0, len(loggers))
	for _, logger := range loggers {
		if IsNil(logger) {
			continue
		}
		if ml, ok := logger.(*multiLogger); ok {
			flattened = append(flattened, ml.loggers...)
			continue
		}
		flattened = append(flattened, logger)
	}
	if len(flattened) == 0 {
		return Nop()
	}
	if len(flattened) == 1 {
		return flattened[0]
	}
	return &multiLogger{loggers: flattened}
}

func (l *multiLogger) Debug(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Debug(format, args...)
	}
}

func (l *multiLogger) Info(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Info(format, args...)
	}
}

func (l *multiLogger) Warn(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Warn(format, args...)
	}
}

func (l *multiLogger) Error(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Error(format, args...)
	}
}
