// Package logging wraps log/slog for sharescan. Loggers write text or JSON
// to stdout, stderr or a file, and carry job, host and session fields as
// they are passed down the scan and browse paths.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
)

const (
	logDirPerm  = 0750
	logFilePerm = 0600
)

// LogLevel names a minimum severity.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// LogFormat selects the slog handler.
type LogFormat string

const (
	FormatText LogFormat = "text"
	FormatJSON LogFormat = "json"
)

// Field keys shared by every component.
const (
	KeyComponent = "component"
	KeyJobID     = "job_id"
	KeyHost      = "host"
	KeySession   = "session_id"
	KeyTarget    = "target"
	KeyError     = "error"
)

// Config holds logging configuration. Output is "stdout", "stderr",
// "discard" or a file path.
type Config struct {
	Level     LogLevel  `yaml:"level" json:"level"`
	Format    LogFormat `yaml:"format" json:"format"`
	Output    string    `yaml:"output" json:"output"`
	AddSource bool      `yaml:"add_source" json:"add_source"`
}

// DefaultConfig logs info and above as text on stdout.
func DefaultConfig() Config {
	return Config{Level: LevelInfo, Format: FormatText, Output: "stdout"}
}

// Logger is a slog.Logger with sharescan field helpers.
type Logger struct {
	*slog.Logger
}

// New builds a logger from cfg, creating the log file and its directory
// when Output is a path.
func New(cfg Config) (*Logger, error) {
	w, err := openOutput(cfg.Output)
	if err != nil {
		return nil, err
	}
	return NewWithWriter(cfg, w), nil
}

func openOutput(dest string) (io.Writer, error) {
	switch dest {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	case "discard":
		return io.Discard, nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), logDirPerm); err != nil {
		return nil, err
	}
	return os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFilePerm)
}

// NewWithWriter builds a logger on w. cfg.Output is ignored.
func NewWithWriter(cfg Config, w io.Writer) *Logger {
	opts := &slog.HandlerOptions{Level: levelOf(cfg.Level), AddSource: cfg.AddSource}
	if cfg.Format == FormatJSON {
		return &Logger{slog.New(slog.NewJSONHandler(w, opts))}
	}
	return &Logger{slog.New(slog.NewTextHandler(w, opts))}
}

// NewNop returns a logger that drops everything.
func NewNop() *Logger {
	return NewWithWriter(DefaultConfig(), io.Discard)
}

// NewDefault returns a logger built from DefaultConfig.
func NewDefault() *Logger {
	return NewWithWriter(DefaultConfig(), os.Stdout)
}

// levelOf maps a configured level to slog. Unknown names log at info.
func levelOf(level LogLevel) slog.Level {
	name := strings.ToLower(strings.TrimSpace(string(level)))
	if name == "warning" {
		name = string(LevelWarn)
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// WithFields returns a child logger carrying the key/value pairs.
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{l.With(fields...)}
}

func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields(KeyComponent, component)
}

func (l *Logger) WithJobID(jobID string) *Logger {
	return l.WithFields(KeyJobID, jobID)
}

func (l *Logger) WithHost(host string) *Logger {
	return l.WithFields(KeyHost, host)
}

// WithSession tags records with a browse session ID.
func (l *Logger) WithSession(sessionID string) *Logger {
	return l.WithFields(KeySession, sessionID)
}

func (l *Logger) WithError(err error) *Logger {
	return l.WithFields(KeyError, err)
}

// InfoScan logs a job-level event for a scan target.
func (l *Logger) InfoScan(msg, target string, fields ...any) {
	l.Info(msg, prepend(fields, KeyTarget, target)...)
}

// ErrorScan logs a job-level failure for a scan target.
func (l *Logger) ErrorScan(msg, target string, err error, fields ...any) {
	l.Error(msg, prepend(fields, KeyTarget, target, KeyError, err)...)
}

// WarnEnumeration logs a host failure that does not stop the job.
func (l *Logger) WarnEnumeration(msg, host string, err error, fields ...any) {
	l.Warn(msg, prepend(fields, KeyHost, host, KeyError, err)...)
}

// InfoIndex logs a share index event.
func (l *Logger) InfoIndex(msg, sessionID string, fields ...any) {
	l.Info(msg, prepend(fields, KeyComponent, "index", KeySession, sessionID)...)
}

// ErrorIndex logs a failed share index build.
func (l *Logger) ErrorIndex(msg, sessionID string, err error, fields ...any) {
	l.Error(msg, prepend(fields, KeyComponent, "index", KeySession, sessionID, KeyError, err)...)
}

func prepend(fields []any, head ...any) []any {
	return append(head, fields...)
}

var defaultLogger atomic.Pointer[Logger]

func init() {
	defaultLogger.Store(NewDefault())
}

// SetDefault replaces the package logger.
func SetDefault(logger *Logger) {
	defaultLogger.Store(logger)
}

// Default returns the package logger.
func Default() *Logger {
	return defaultLogger.Load()
}

func Debug(msg string, fields ...any) { Default().Debug(msg, fields...) }
func Info(msg string, fields ...any)  { Default().Info(msg, fields...) }
func Warn(msg string, fields ...any)  { Default().Warn(msg, fields...) }
func Error(msg string, fields ...any) { Default().Error(msg, fields...) }
