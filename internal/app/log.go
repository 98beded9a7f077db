package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"tapecat/internal/config"
)

// catHandler is a custom slog.Handler that formats log records as:
//
//	<timestamp>\t<level>\t<opID>\t<message>\t<key=value ...>
type catHandler struct {
	w     io.Writer
	opID  string
	attrs []slog.Attr
}

func (h *catHandler) Enabled(_ context.Context, _ slog.Level) bool { return true }

func (h *catHandler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time.UTC().Format("2006-01-02T15:04:05Z")
	level := r.Level.String()

	_, err := fmt.Fprintf(h.w, "%s\t%s\t%s\t%s", ts, level, h.opID, r.Message)
	if err != nil {
		return err
	}

	for _, a := range h.attrs {
		fmt.Fprintf(h.w, "\t%s=%v", a.Key, a.Value)
	}

	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(h.w, "\t%s=%v", a.Key, a.Value)
		return true
	})

	_, err = fmt.Fprintln(h.w)
	return err
}

func (h *catHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &catHandler{
		w:     h.w,
		opID:  h.opID,
		attrs: append(append([]slog.Attr{}, h.attrs...), attrs...),
	}
}

func (h *catHandler) WithGroup(string) slog.Handler { return h }

// newLogger creates a structured logger writing to a size-rotated
// logDir/tapecat.log and to stderr. The returned closer owns the
// rotated file.
func newLogger(logDir string, logCfg config.LogConfig, opID string) (*slog.Logger, io.Closer, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("creating log directory: %w", err)
	}

	rotated := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, "tapecat.log"),
		MaxSize:    logCfg.MaxSizeMB,
		MaxBackups: logCfg.MaxBackups,
		MaxAge:     logCfg.MaxAgeDays,
	}

	w := io.MultiWriter(rotated, os.Stderr)
	handler := &catHandler{w: w, opID: opID}
	return slog.New(handler), rotated, nil
}

// slogSink adapts *slog.Logger to the catalog.MsgSink interface. Fatal
// catalog diagnostics are job-fatal, not process-fatal: they log at
// error level and the originating operation's error return carries the
// failure.
type slogSink struct {
	l *slog.Logger
}

func (s *slogSink) Fatalf(format string, args ...any) {
	s.l.Error(fmt.Sprintf(format, args...))
}

func (s *slogSink) Warningf(format string, args ...any) {
	s.l.Warn(fmt.Sprintf(format, args...))
}

func (s *slogSink) Infof(format string, args ...any) {
	s.l.Info(fmt.Sprintf(format, args...))
}
