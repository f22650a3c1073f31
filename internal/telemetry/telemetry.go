package telemetry

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// contextHandler wraps a slog.Handler and injects the ambient RequestContext
// (requestId, contextId, channel) into every record logged through a context
// carrying one, via an explicit context.Context value read at emit time.
type contextHandler struct {
	slog.Handler
}

func (h contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if rc, ok := RequestContextFrom(ctx); ok {
		r.AddAttrs(
			slog.String("requestId", rc.RequestID),
			slog.String("contextId", rc.ContextID),
		)
		if rc.Channel != "" {
			r.AddAttrs(slog.String("channel", rc.Channel))
		}
		if rc.TargetID != "" {
			r.AddAttrs(slog.String("targetId", rc.TargetID))
		}
		if rc.ActorID != "" {
			r.AddAttrs(slog.String("actorId", rc.ActorID))
		}
	}
	return h.Handler.Handle(ctx, r)
}

func (h contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return contextHandler{h.Handler.WithAttrs(attrs)}
}

func (h contextHandler) WithGroup(name string) slog.Handler {
	return contextHandler{h.Handler.WithGroup(name)}
}

// dailyFileHandler fans records out to "<root>/.ship/logs/YYYY-MM-DD.jsonl",
// rotating the destination file by UTC date.
type dailyFileHandler struct {
	mu      sync.Mutex
	dir     string
	date    string
	file    *os.File
	wrapped slog.Handler
}

func newDailyFileHandler(dir string) *dailyFileHandler {
	h := &dailyFileHandler{dir: dir}
	h.wrapped = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	return h
}

func (h *dailyFileHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.wrapped.Enabled(ctx, level)
}

func (h *dailyFileHandler) Handle(ctx context.Context, r slog.Record) error {
	if err := h.rotate(r.Time); err != nil {
		return err
	}
	h.mu.Lock()
	f := h.file
	h.mu.Unlock()
	if f != nil {
		jh := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug})
		_ = jh.Handle(ctx, r)
	}
	return nil
}

func (h *dailyFileHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &dailyFileHandler{dir: h.dir, wrapped: h.wrapped.WithAttrs(attrs)}
}

func (h *dailyFileHandler) WithGroup(name string) slog.Handler {
	return &dailyFileHandler{dir: h.dir, wrapped: h.wrapped.WithGroup(name)}
}

func (h *dailyFileHandler) rotate(t time.Time) error {
	date := t.UTC().Format("2006-01-02")

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.date == date && h.file != nil {
		return nil
	}
	if err := os.MkdirAll(h.dir, 0o755); err != nil {
		return err
	}
	if h.file != nil {
		h.file.Close()
	}
	f, err := os.OpenFile(filepath.Join(h.dir, date+".jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	h.file = f
	h.date = date
	return nil
}

// multiHandler fans a record out to several handlers, so a process can log
// to stderr and to a durable sink simultaneously.
type multiHandler struct {
	handlers []slog.Handler
}

func (m multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (m multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		next[i] = h.WithAttrs(attrs)
	}
	return multiHandler{next}
}

func (m multiHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		next[i] = h.WithGroup(name)
	}
	return multiHandler{next}
}

// Setup installs the process-wide slog.Logger: JSON to stderr plus an
// append-only daily JSONL file under shipRoot/logs, both enriched with the
// ambient RequestContext when present. Call once at startup.
func Setup(shipRoot string, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	stderrHandler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	fileHandler := newDailyFileHandler(filepath.Join(shipRoot, "logs"))

	logger := slog.New(contextHandler{multiHandler{[]slog.Handler{stderrHandler, fileHandler}}})
	slog.SetDefault(logger)
	return logger
}
