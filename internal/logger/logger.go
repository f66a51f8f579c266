// Package logger provides structured logging backed by zerolog.
// It keeps a small field-oriented API (WithField / WithFields / WithError)
// so call sites never touch zerolog directly.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shepherd-project/mediadl/internal/config"
)

// LogLevel represents the severity level of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
	case DEBUG:
		return zerolog.DebugLevel
	case WARN:
		return zerolog.WarnLevel
	case ERROR:
		return zerolog.ErrorLevel
	case FATAL:
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// Logger is the main logger structure
type Logger struct {
	mu         sync.Mutex
	level      LogLevel
	zl         zerolog.Logger
	fileWriter io.WriteCloser
	logPath    string
}

var (
	defaultLogger *Logger
	once          sync.Once
	globalMu      sync.RWMutex
)

// InitLogger initializes the global logger with the given configuration
func InitLogger(cfg *config.LogConfig) error {
	logger, err := NewLogger(cfg)
	if err != nil {
		return err
	}
	globalMu.Lock()
	defaultLogger = logger
	globalMu.Unlock()
	return nil
}

// NewLogger creates a new logger instance
func NewLogger(cfg *config.LogConfig) (*Logger, error) {
	l := &Logger{
		level: parseLevel(cfg.Level),
	}

	var outputs []io.Writer

	switch strings.ToLower(cfg.Output) {
	case "file":
		f, err := l.openLogFile(cfg.Directory)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, f)
	case "both":
		f, err := l.openLogFile(cfg.Directory)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, consoleOrJSON(os.Stdout, cfg.Format), f)
	default:
		outputs = append(outputs, consoleOrJSON(os.Stdout, cfg.Format))
	}

	var w io.Writer = outputs[0]
	if len(outputs) > 1 {
		w = zerolog.MultiLevelWriter(outputs...)
	}

	l.zl = zerolog.New(w).Level(l.level.zerolog()).With().Timestamp().Logger()
	return l, nil
}

// NewWithWriter creates a logger writing to w. JSON when format is "json",
// console text otherwise.
func NewWithWriter(w io.Writer, level, format string) *Logger {
	l := &Logger{level: parseLevel(level)}
	out := w
	if format != "json" {
		out = zerolog.ConsoleWriter{Out: w, NoColor: true, TimeFormat: "2006-01-02 15:04:05"}
	}
	l.zl = zerolog.New(out).Level(l.level.zerolog()).With().Timestamp().Logger()
	return l
}

func consoleOrJSON(w io.Writer, format string) io.Writer {
	if format == "json" {
		return w
	}
	return zerolog.ConsoleWriter{Out: w, TimeFormat: "2006-01-02 15:04:05"}
}

// openLogFile opens mediadl-<date>.log in append mode. Files are always JSON
// so they stay machine readable.
func (l *Logger) openLogFile(dir string) (io.Writer, error) {
	if dir == "" {
		dir = "logs"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("创建日志目录失败: %w", err)
	}

	logFile := filepath.Join(dir, fmt.Sprintf("mediadl-%s.log", time.Now().Format("2006-01-02")))
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("打开日志文件失败: %w", err)
	}

	l.fileWriter = f
	l.logPath = logFile
	return f, nil
}

// parseLevel converts string level to LogLevel
func parseLevel(level string) LogLevel {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return INFO
	}
}

// GetLogger returns the global logger instance
func GetLogger() *Logger {
	globalMu.RLock()
	l := defaultLogger
	globalMu.RUnlock()
	if l != nil {
		return l
	}

	once.Do(func() {
		fallback, _ := NewLogger(&config.LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		})
		globalMu.Lock()
		if defaultLogger == nil {
			defaultLogger = fallback
		}
		globalMu.Unlock()
	})

	globalMu.RLock()
	defer globalMu.RUnlock()
	return defaultLogger
}

// SetLogger replaces the global logger. Intended for tests.
func SetLogger(l *Logger) {
	globalMu.Lock()
	defaultLogger = l
	globalMu.Unlock()
}

// LogPath returns the current log file path, empty when logging to stdout only
func (l *Logger) LogPath() string {
	return l.logPath
}

// log is the internal logging method
func (l *Logger) log(level LogLevel, msg string, fields map[string]interface{}) {
	if level < l.level {
		return
	}

	var ev *zerolog.Event
	switch level {
	case DEBUG:
		ev = l.zl.Debug()
	case INFO:
		ev = l.zl.Info()
	case WARN:
		ev = l.zl.Warn()
	case ERROR:
		ev = l.zl.Error()
	default:
		// WithLevel so zerolog doesn't exit on its own; Fatal callers do that
		ev = l.zl.WithLevel(zerolog.FatalLevel)
	}
	if len(fields) > 0 {
		ev = ev.Fields(fields)
	}
	ev.Msg(msg)
}

// WithField creates a log entry with a single field
func (l *Logger) WithField(key string, value interface{}) *LogEntry {
	return &LogEntry{
		logger: l,
		fields: map[string]interface{}{key: value},
	}
}

// WithFields creates a log entry with multiple fields
func (l *Logger) WithFields(fields map[string]interface{}) *LogEntry {
	copied := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	return &LogEntry{
		logger: l,
		fields: copied,
	}
}

// WithError creates a log entry with an error field
func (l *Logger) WithError(err error) *LogEntry {
	return l.WithField("error", errString(err))
}

func errString(err error) string {
	if err == nil {
		return "<nil>"
	}
	return err.Error()
}

// LogEntry represents a log entry with fields
type LogEntry struct {
	logger *Logger
	fields map[string]interface{}
}

// WithField adds a field to the log entry
func (e *LogEntry) WithField(key string, value interface{}) *LogEntry {
	e.fields[key] = value
	return e
}

// WithFields adds multiple fields to the log entry
func (e *LogEntry) WithFields(fields map[string]interface{}) *LogEntry {
	for k, v := range fields {
		e.fields[k] = v
	}
	return e
}

// WithError adds an error field to the log entry
func (e *LogEntry) WithError(err error) *LogEntry {
	e.fields["error"] = errString(err)
	return e
}

// Debug logs at debug level
func (e *LogEntry) Debug(args ...interface{}) {
	e.logger.log(DEBUG, fmt.Sprint(args...), e.fields)
}

// Debugf logs a formatted message at debug level
func (e *LogEntry) Debugf(format string, args ...interface{}) {
	e.logger.log(DEBUG, fmt.Sprintf(format, args...), e.fields)
}

// Info logs at info level
func (e *LogEntry) Info(args ...interface{}) {
	e.logger.log(INFO, fmt.Sprint(args...), e.fields)
}

// Infof logs a formatted message at info level
func (e *LogEntry) Infof(format string, args ...interface{}) {
	e.logger.log(INFO, fmt.Sprintf(format, args...), e.fields)
}

// Warn logs at warning level
func (e *LogEntry) Warn(args ...interface{}) {
	e.logger.log(WARN, fmt.Sprint(args...), e.fields)
}

// Warnf logs a formatted message at warning level
func (e *LogEntry) Warnf(format string, args ...interface{}) {
	e.logger.log(WARN, fmt.Sprintf(format, args...), e.fields)
}

// Error logs at error level
func (e *LogEntry) Error(args ...interface{}) {
	e.logger.log(ERROR, fmt.Sprint(args...), e.fields)
}

// Errorf logs a formatted message at error level
func (e *LogEntry) Errorf(format string, args ...interface{}) {
	e.logger.log(ERROR, fmt.Sprintf(format, args...), e.fields)
}

// Fatal logs at fatal level and exits
func (e *LogEntry) Fatal(args ...interface{}) {
	e.logger.log(FATAL, fmt.Sprint(args...), e.fields)
	os.Exit(1)
}

// Fatalf logs a formatted message at fatal level and exits
func (e *LogEntry) Fatalf(format string, args ...interface{}) {
	e.logger.log(FATAL, fmt.Sprintf(format, args...), e.fields)
	os.Exit(1)
}

// Global convenience functions

// WithField creates a logger entry with a single field
func WithField(key string, value interface{}) *LogEntry {
	return GetLogger().WithField(key, value)
}

// WithFields creates a logger entry with multiple fields
func WithFields(fields map[string]interface{}) *LogEntry {
	return GetLogger().WithFields(fields)
}

// WithError creates a logger entry with an error field
func WithError(err error) *LogEntry {
	return GetLogger().WithError(err)
}

// Debug logs a message at debug level
func Debug(args ...interface{}) {
	GetLogger().log(DEBUG, fmt.Sprint(args...), nil)
}

// Debugf logs a formatted message at debug level
func Debugf(format string, args ...interface{}) {
	GetLogger().log(DEBUG, fmt.Sprintf(format, args...), nil)
}

// Info logs a message at info level
func Info(args ...interface{}) {
	GetLogger().log(INFO, fmt.Sprint(args...), nil)
}

// Infof logs a formatted message at info level
func Infof(format string, args ...interface{}) {
	GetLogger().log(INFO, fmt.Sprintf(format, args...), nil)
}

// Warn logs a message at warning level
func Warn(args ...interface{}) {
	GetLogger().log(WARN, fmt.Sprint(args...), nil)
}

// Warnf logs a formatted message at warning level
func Warnf(format string, args ...interface{}) {
	GetLogger().log(WARN, fmt.Sprintf(format, args...), nil)
}

// Error logs a message at error level
func Error(args ...interface{}) {
	GetLogger().log(ERROR, fmt.Sprint(args...), nil)
}

// Errorf logs a formatted message at error level
func Errorf(format string, args ...interface{}) {
	GetLogger().log(ERROR, fmt.Sprintf(format, args...), nil)
}

// Fatal logs a message at fatal level and exits
func Fatal(args ...interface{}) {
	GetLogger().log(FATAL, fmt.Sprint(args...), nil)
	os.Exit(1)
}

// Fatalf logs a formatted message at fatal level and exits
func Fatalf(format string, args ...interface{}) {
	GetLogger().log(FATAL, fmt.Sprintf(format, args...), nil)
	os.Exit(1)
}

// Close closes the logger and releases resources
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fileWriter != nil {
		err := l.fileWriter.Close()
		l.fileWriter = nil
		return err
	}
	return nil
}

// Info logs a message at info level
func (l *Logger) Info(args ...interface{}) {
	l.log(INFO, fmt.Sprint(args...), nil)
}

// Infof logs a formatted message at info level
func (l *Logger) Infof(format string, args ...interface{}) {
	l.log(INFO, fmt.Sprintf(format, args...), nil)
}

// Warn logs a message at warning level
func (l *Logger) Warn(args ...interface{}) {
	l.log(WARN, fmt.Sprint(args...), nil)
}

// Warnf logs a formatted message at warning level
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.log(WARN, fmt.Sprintf(format, args...), nil)
}

// Error logs a message at error level
func (l *Logger) Error(args ...interface{}) {
	l.log(ERROR, fmt.Sprint(args...), nil)
}

// Errorf logs a formatted message at error level
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.log(ERROR, fmt.Sprintf(format, args...), nil)
}

// Debug logs a message at debug level
func (l *Logger) Debug(args ...interface{}) {
	l.log(DEBUG, fmt.Sprint(args...), nil)
}

// Debugf logs a formatted message at debug level
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.log(DEBUG, fmt.Sprintf(format, args...), nil)
}
