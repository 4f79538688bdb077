package logger

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"example.com/h2mux/internal/config"
)

// LogFields carries structured context for a log line.
type LogFields map[string]interface{}

// logWriter is a log sink that can be reopened in place on SIGHUP. Loggers
// hold it for their whole lifetime; only the underlying file changes.
type logWriter struct {
	mu     sync.Mutex
	target string
	w      io.Writer
	f      *os.File
}

func openWriter(target string) (*logWriter, error) {
	lw := &logWriter{target: target}
	switch target {
	case "stdout":
		lw.w = os.Stdout
	case "stderr":
		lw.w = os.Stderr
	default:
		f, err := openLogFile(target)
		if err != nil {
			return nil, err
		}
		lw.w, lw.f = f, f
	}
	return lw, nil
}

func openLogFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	return f, nil
}

func (lw *logWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.w.Write(p)
}

func (lw *logWriter) reopen() error {
	if lw.f == nil {
		return nil
	}
	lw.mu.Lock()
	defer lw.mu.Unlock()
	closeErr := lw.f.Close()
	f, err := openLogFile(lw.target)
	if err != nil {
		// Keep logging somewhere rather than writing to a closed file.
		lw.w, lw.f = os.Stderr, nil
		return multierr.Append(closeErr, err)
	}
	lw.w, lw.f = f, f
	return closeErr
}

func (lw *logWriter) close() error {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if lw.f == nil {
		return nil
	}
	err := lw.f.Close()
	lw.w, lw.f = io.Discard, nil
	return err
}

// Logger writes the structured error log and, when enabled, one access log
// line per finished stream. Both are JSON lines produced by zerolog.
type Logger struct {
	errorLog      zerolog.Logger
	accessLog     zerolog.Logger
	accessEnabled bool
	writers       []*logWriter
}

// AccessEntry describes one finished stream.
type AccessEntry struct {
	SessionID     string
	StreamID      uint32
	RemoteAddr    string
	Method        string
	Path          string
	Authority     string
	Status        int
	BytesSent     int64
	BytesReceived int64
	Duration      time.Duration
	// Outcome is how the stream ended: "closed", "cancelled", "refused", ...
	Outcome string
}

func zerologLevel(level config.LogLevel) zerolog.Level {
	switch level {
	case config.LogLevelDebug:
		return zerolog.DebugLevel
	case config.LogLevelWarning:
		return zerolog.WarnLevel
	case config.LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a Logger from a defaulted logging section.
func NewLogger(cfg *config.LoggingConfig) (*Logger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("logging configuration cannot be nil")
	}

	errTarget := "stderr"
	if cfg.ErrorLog != nil && cfg.ErrorLog.Target != nil {
		errTarget = *cfg.ErrorLog.Target
	}
	errOut, err := openWriter(errTarget)
	if err != nil {
		return nil, fmt.Errorf("error log: %w", err)
	}
	l := &Logger{
		errorLog: zerolog.New(errOut).Level(zerologLevel(cfg.LogLevel)).With().Timestamp().Logger(),
		writers:  []*logWriter{errOut},
	}

	if a := cfg.AccessLog; a != nil && (a.Enabled == nil || *a.Enabled) {
		target := "stdout"
		if a.Target != nil {
			target = *a.Target
		}
		accessOut, err := openWriter(target)
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("access log: %w", err), errOut.close())
		}
		l.accessLog = zerolog.New(accessOut).With().Timestamp().Logger()
		l.accessEnabled = true
		l.writers = append(l.writers, accessOut)
	}
	return l, nil
}

// New creates a Logger writing error-log lines to w at level, with the
// access log disabled.
func New(w io.Writer, level config.LogLevel) *Logger {
	return &Logger{
		errorLog: zerolog.New(w).Level(zerologLevel(level)).With().Timestamp().Logger(),
	}
}

// NewWithAccess is New plus an access log written to access.
func NewWithAccess(w, access io.Writer, level config.LogLevel) *Logger {
	l := New(w, level)
	l.accessLog = zerolog.New(access).With().Timestamp().Logger()
	l.accessEnabled = true
	return l
}

// Nop returns a Logger that discards everything.
func Nop() *Logger {
	return &Logger{errorLog: zerolog.Nop(), accessLog: zerolog.Nop()}
}

// With returns a child Logger that adds fields to every error-log line.
func (l *Logger) With(fields LogFields) *Logger {
	child := *l
	child.errorLog = l.errorLog.With().Fields(map[string]interface{}(fields)).Logger()
	return &child
}

// DebugEnabled reports whether debug lines are written. Hot paths check it
// before building fields.
func (l *Logger) DebugEnabled() bool {
	return l.errorLog.GetLevel() <= zerolog.DebugLevel
}

func emit(ev *zerolog.Event, msg string, fields []LogFields) {
	if ev == nil {
		return
	}
	for _, f := range fields {
		ev = ev.Fields(map[string]interface{}(f))
	}
	ev.Msg(msg)
}

func (l *Logger) Debug(msg string, fields ...LogFields) { emit(l.errorLog.Debug(), msg, fields) }
func (l *Logger) Info(msg string, fields ...LogFields)  { emit(l.errorLog.Info(), msg, fields) }
func (l *Logger) Warn(msg string, fields ...LogFields)  { emit(l.errorLog.Warn(), msg, fields) }
func (l *Logger) Error(msg string, fields ...LogFields) { emit(l.errorLog.Error(), msg, fields) }

// Access writes one access log line. It is a no-op when the access log is
// disabled.
func (l *Logger) Access(e AccessEntry) {
	if !l.accessEnabled {
		return
	}
	ev := l.accessLog.Log().
		Str("session", e.SessionID).
		Uint32("stream", e.StreamID).
		Str("method", e.Method).
		Str("path", e.Path).
		Int("status", e.Status).
		Int64("bytes_sent", e.BytesSent).
		Int64("bytes_received", e.BytesReceived).
		Dur("duration_ms", e.Duration).
		Str("outcome", e.Outcome)
	if e.RemoteAddr != "" {
		ev = ev.Str("remote_addr", e.RemoteAddr)
	}
	if e.Authority != "" {
		ev = ev.Str("authority", e.Authority)
	}
	ev.Send()
}

// CloseLogFiles closes file-backed targets. Standard streams are left open.
func (l *Logger) CloseLogFiles() error {
	var err error
	for _, w := range l.writers {
		err = multierr.Append(err, w.close())
	}
	return err
}

// ReopenLogFiles closes and reopens file-backed targets, for log rotation
// on SIGHUP.
func (l *Logger) ReopenLogFiles() error {
	var err error
	for _, w := range l.writers {
		if rerr := w.reopen(); rerr != nil {
			err = multierr.Append(err, fmt.Errorf("reopening %s: %w", w.target, rerr))
		}
	}
	return err
}
