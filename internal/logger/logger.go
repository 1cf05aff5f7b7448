// Package logger provides the structured logger used across pulsewire.
// Log records are written through slog with colored level tags so that
// interactive use of the CLI stays readable, while attribute formatting
// remains machine-parseable.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// Handler is a minimal slog.Handler with colored level output.
type Handler struct {
	writer   io.Writer
	logLevel slog.Level
	attrs    []slog.Attr
	group    string
	mu       sync.Mutex
}

// NewHandler creates a handler writing to w at the given minimum level.
func NewHandler(w io.Writer, level slog.Level) *Handler {
	return &Handler{
		writer:   w,
		logLevel: level,
	}
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.logLevel
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	level := r.Level.String()

	switch r.Level {
	case slog.LevelDebug:
		level = color.MagentaString(level)
	case slog.LevelInfo:
		level = color.BlueString(level)
	case slog.LevelWarn:
		level = color.YellowString(level)
	case slog.LevelError:
		level = color.RedString(level)
	}

	var b strings.Builder
	b.WriteString(r.Time.Format(time.DateTime))
	b.WriteString(" [")
	b.WriteString(level)
	b.WriteString("] ")
	b.WriteString(r.Message)

	for _, attr := range h.attrs {
		writeAttr(&b, h.group, attr)
	}
	r.Attrs(func(attr slog.Attr) bool {
		writeAttr(&b, h.group, attr)
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.writer, b.String())
	return err
}

func writeAttr(b *strings.Builder, group string, attr slog.Attr) {
	key := attr.Key
	if group != "" {
		key = group + "." + key
	}
	fmt.Fprintf(b, " %s=%v", key, attr.Value)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := &Handler{
		writer:   h.writer,
		logLevel: h.logLevel,
		group:    h.group,
	}
	nh.attrs = append(append(nh.attrs, h.attrs...), attrs...)
	return nh
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{
		writer:   h.writer,
		logLevel: h.logLevel,
		attrs:    h.attrs,
		group:    name,
	}
}

var (
	defaultLogger *slog.Logger
	initOnce      sync.Once
)

// Default returns the process-wide logger, creating it on first use.
// The level is taken from PULSEWIRE_LOG_LEVEL (debug|info|warn|error).
func Default() *slog.Logger {
	initOnce.Do(func() {
		defaultLogger = slog.New(NewHandler(os.Stderr, levelFromEnv()))
	})
	return defaultLogger
}

func levelFromEnv() slog.Level {
	switch strings.ToLower(os.Getenv("PULSEWIRE_LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
