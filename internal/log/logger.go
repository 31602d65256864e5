package log

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu     sync.Mutex
	logger *slog.Logger
)

// Options controls log destinations and rotation.
type Options struct {
	Level       string
	Dir         string // directory for the rotated log file; empty means stderr only
	File        string // log file name within Dir
	MaxBytes    int    // rotate after this many bytes (default 10 MB)
	BackupCount int    // rotated files to keep (default 10)
}

// Setup initializes the global logger with stderr output only.
// logic: default to INFO. If level is invalid, fallback to INFO.
func Setup(level string) {
	SetupWithOptions(Options{Level: level})
}

// SetupWithOptions initializes the global logger, optionally adding a
// size-rotated file destination. Every record passes through the
// password-redacting handler before it is emitted. Calling it again
// replaces the logger, so a configuration reload takes effect.
func SetupWithOptions(opts Options) {
	var l slog.Level
	switch strings.ToUpper(opts.Level) {
	case "DEBUG":
		l = slog.LevelDebug
	case "WARN":
		l = slog.LevelWarn
	case "ERROR":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}

	out := io.Writer(os.Stderr)
	if opts.Dir != "" {
		file := opts.File
		if file == "" {
			file = "app.log"
		}
		maxBytes := opts.MaxBytes
		if maxBytes <= 0 {
			maxBytes = 10 * 1024 * 1024
		}
		backups := opts.BackupCount
		if backups <= 0 {
			backups = 10
		}
		rotated := &lumberjack.Logger{
			Filename:   filepath.Join(opts.Dir, file),
			MaxSize:    maxBytes / (1024 * 1024),
			MaxBackups: backups,
		}
		out = io.MultiWriter(os.Stderr, rotated)
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: l})
	l2 := slog.New(NewRedactingHandler(handler))

	mu.Lock()
	logger = l2
	mu.Unlock()
	slog.SetDefault(l2)
}

// Get returns the configured logger, or a default one if Setup hasn't been called.
func Get() *slog.Logger {
	mu.Lock()
	l := logger
	mu.Unlock()
	if l != nil {
		return l
	}
	Setup("INFO")
	mu.Lock()
	l = logger
	mu.Unlock()
	return l
}

// WithComponent returns a logger with the component field set.
func WithComponent(name string) *slog.Logger {
	return Get().With(slog.String("component", name))
}

// WithQueue returns a logger with the queue field set.
func WithQueue(name string) *slog.Logger {
	return Get().With(slog.String("queue", name))
}

// WithMessage returns a logger with the message_id field set.
func WithMessage(id string) *slog.Logger {
	return Get().With(slog.String("message_id", id))
}

// Info logs at INFO level.
func Info(msg string, args ...any) {
	Get().Info(msg, args...)
}

// Debug logs at DEBUG level.
func Debug(msg string, args ...any) {
	Get().Debug(msg, args...)
}

// Warn logs at WARN level.
func Warn(msg string, args ...any) {
	Get().Warn(msg, args...)
}

// Error logs at ERROR level.
func Error(msg string, args ...any) {
	Get().Error(msg, args...)
}
