package wbshare

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel specifies the level of spew that should go to the log
type LogLevel int

const (
	// LogLevelUnknown is the zero value; its behavior is undefined
	LogLevelUnknown LogLevel = iota

	// LogLevelPanic causes output of an error message followed by a panic
	LogLevelPanic

	// LogLevelFatal causes output of an error message followed by os.Exit(1)
	LogLevelFatal

	// LogLevelError is for unexpected error messages
	LogLevelError

	// LogLevelWarning is for warning messages
	LogLevelWarning

	// LogLevelInfo is for lifecycle messages
	LogLevelInfo

	// LogLevelDebug is for per-connection messages
	LogLevelDebug

	// LogLevelTrace is for per-message messages
	LogLevelTrace
)

var logLevelNames = [...]string{
	"unknown", "panic", "fatal", "error", "warning", "info", "debug", "trace",
}

// Filtering happens in BasicLogger, so trace records go out at zerolog's debug
// level to stay clear of zerolog's global level floor.
var zerologLevels = [...]zerolog.Level{
	zerolog.InfoLevel, zerolog.PanicLevel, zerolog.FatalLevel, zerolog.ErrorLevel,
	zerolog.WarnLevel, zerolog.InfoLevel, zerolog.DebugLevel, zerolog.DebugLevel,
}

// ParseLogLevel converts a level name ("info", "debug", ...) to a LogLevel.
// "warn" is accepted as an alias for "warning".
func ParseLogLevel(s string) (LogLevel, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "warn" {
		name = "warning"
	}
	for i, n := range logLevelNames {
		if i > 0 && n == name {
			return LogLevel(i), nil
		}
	}
	return LogLevelUnknown, fmt.Errorf("unknown log level: %q", s)
}

func (x LogLevel) String() string {
	if x < LogLevelUnknown || x > LogLevelTrace {
		x = LogLevelUnknown
	}
	return logLevelNames[x]
}

func (x LogLevel) zerolog() zerolog.Level {
	if x < LogLevelUnknown || x > LogLevelTrace {
		return zerolog.InfoLevel
	}
	return zerologLevels[x]
}

// Logger is a leveled logging component whose records carry a prefix that can
// be extended with Fork. Errors created through a Logger carry the same prefix.
type Logger interface {
	// Prefix returns the logger's prefix, without a trailing ": "
	Prefix() string

	GetLogLevel() LogLevel
	SetLogLevel(logLevel LogLevel)

	// Log outputs args iff logLevel is enabled
	Log(logLevel LogLevel, args ...interface{})

	// Logf outputs a formatted message iff logLevel is enabled
	Logf(logLevel LogLevel, f string, args ...interface{})

	ELogf(f string, args ...interface{})
	WLogf(f string, args ...interface{})
	ILogf(f string, args ...interface{})
	DLogf(f string, args ...interface{})
	TLogf(f string, args ...interface{})

	// Panicf logs at panic level and then panics
	Panicf(f string, args ...interface{})

	// PanicOnError does nothing if err is nil; otherwise it logs err and panics
	PanicOnError(err error)

	// Errorf returns an error whose message has the logger's prefix
	Errorf(f string, args ...interface{}) error

	// ELogErrorf logs at error level and returns the logged message as an error
	ELogErrorf(f string, args ...interface{}) error

	// WLogErrorf logs at warning level and returns the logged message as an error
	WLogErrorf(f string, args ...interface{}) error

	// DLogErrorf logs at debug level and returns the logged message as an error
	DLogErrorf(f string, args ...interface{}) error

	// Sprintf returns a formatted string with the logger's prefix
	Sprintf(f string, args ...interface{}) string

	// Fork creates a new Logger whose prefix is this logger's prefix with a
	// formatted string appended (": " between them). The log level and sink
	// are inherited.
	Fork(prefix string, args ...interface{}) Logger
}

// BasicLogger is a prefixed, level-filtered log stream backed by zerolog.
type BasicLogger struct {
	prefix string
	// prefixC is prefix if prefix is empty; otherwise prefix + ": "
	prefixC  string
	sink     zerolog.Logger
	logLevel LogLevel
}

// NewLogger creates a Logger that writes human-readable records to os.Stderr
func NewLogger(prefix string, logLevel LogLevel) Logger {
	return NewLoggerWithWriter(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}, prefix, logLevel)
}

// NewLoggerWithWriter creates a Logger that writes to an arbitrary writer. Unless
// w is a zerolog.ConsoleWriter, each record is one JSON object.
func NewLoggerWithWriter(w io.Writer, prefix string, logLevel LogLevel) Logger {
	sink := zerolog.New(w).With().Timestamp().Logger()
	return newBasicLogger(sink, prefix, logLevel)
}

func newBasicLogger(sink zerolog.Logger, prefix string, logLevel LogLevel) *BasicLogger {
	prefixC := prefix
	if prefixC != "" {
		prefixC += ": "
	}
	return &BasicLogger{
		prefix:   prefix,
		prefixC:  prefixC,
		sink:     sink,
		logLevel: logLevel,
	}
}

func (l *BasicLogger) enabled(logLevel LogLevel) bool {
	return logLevel <= l.logLevel || logLevel <= LogLevelFatal
}

// emit writes an already-prefixed message, then exits or panics for the fatal
// and panic levels.
func (l *BasicLogger) emit(logLevel LogLevel, msg string) {
	l.sink.WithLevel(logLevel.zerolog()).Msg(msg)
	switch logLevel {
	case LogLevelFatal:
		os.Exit(1)
	case LogLevelPanic:
		panic(msg)
	}
}

// Log outputs args iff logLevel is enabled
func (l *BasicLogger) Log(logLevel LogLevel, args ...interface{}) {
	if l.enabled(logLevel) {
		l.emit(logLevel, l.prefixC+fmt.Sprint(args...))
	}
}

// Logf outputs a formatted message iff logLevel is enabled
func (l *BasicLogger) Logf(logLevel LogLevel, f string, args ...interface{}) {
	if l.enabled(logLevel) {
		l.emit(logLevel, l.Sprintf(f, args...))
	}
}

func (l *BasicLogger) logErrorf(logLevel LogLevel, f string, args ...interface{}) error {
	msg := l.Sprintf(f, args...)
	if l.enabled(logLevel) {
		l.emit(logLevel, msg)
	}
	return errors.New(msg)
}

// ELogf outputs at error level
func (l *BasicLogger) ELogf(f string, args ...interface{}) { l.Logf(LogLevelError, f, args...) }

// WLogf outputs at warning level
func (l *BasicLogger) WLogf(f string, args ...interface{}) { l.Logf(LogLevelWarning, f, args...) }

// ILogf outputs at info level
func (l *BasicLogger) ILogf(f string, args ...interface{}) { l.Logf(LogLevelInfo, f, args...) }

// DLogf outputs at debug level
func (l *BasicLogger) DLogf(f string, args ...interface{}) { l.Logf(LogLevelDebug, f, args...) }

// TLogf outputs at trace level
func (l *BasicLogger) TLogf(f string, args ...interface{}) { l.Logf(LogLevelTrace, f, args...) }

// Panicf logs at panic level and then panics
func (l *BasicLogger) Panicf(f string, args ...interface{}) { l.Logf(LogLevelPanic, f, args...) }

// PanicOnError does nothing if err is nil; otherwise it logs err and panics
func (l *BasicLogger) PanicOnError(err error) {
	if err != nil {
		l.Panicf("%s", err)
	}
}

// Errorf returns an error whose message has the logger's prefix
func (l *BasicLogger) Errorf(f string, args ...interface{}) error {
	return errors.New(l.Sprintf(f, args...))
}

// ELogErrorf logs at error level and returns the message as an error
func (l *BasicLogger) ELogErrorf(f string, args ...interface{}) error {
	return l.logErrorf(LogLevelError, f, args...)
}

// WLogErrorf logs at warning level and returns the message as an error
func (l *BasicLogger) WLogErrorf(f string, args ...interface{}) error {
	return l.logErrorf(LogLevelWarning, f, args...)
}

// DLogErrorf logs at debug level and returns the message as an error
func (l *BasicLogger) DLogErrorf(f string, args ...interface{}) error {
	return l.logErrorf(LogLevelDebug, f, args...)
}

// Sprintf returns a string that has the Logger's prefix
func (l *BasicLogger) Sprintf(f string, args ...interface{}) string {
	return l.prefixC + fmt.Sprintf(f, args...)
}

// Fork creates a new Logger that has an additional formatted string appended onto
// an existing logger's prefix (with ": " added between)
func (l *BasicLogger) Fork(prefix string, args ...interface{}) Logger {
	newPrefix := l.prefixC + fmt.Sprintf(prefix, args...)
	return newBasicLogger(l.sink, newPrefix, l.logLevel)
}

// Prefix returns the Logger's prefix string (does not include ": " trailer)
func (l *BasicLogger) Prefix() string {
	return l.prefix
}

// GetLogLevel returns the log level
func (l *BasicLogger) GetLogLevel() LogLevel {
	return l.logLevel
}

// SetLogLevel sets the log level. Loggers already forked keep their own level.
func (l *BasicLogger) SetLogLevel(logLevel LogLevel) {
	l.logLevel = logLevel
}
