// Package logging is the default sink for an obs.Observability instance:
// it drains the event channel and writes structured log lines with
// log/slog. A collaborator embedding the core in something other than a
// CLI (an Android VPN service, say) is free to drain the same channel
// itself instead of using this package.
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/sms1sis/https-dns-proxy-go/internal/config"
	"github.com/sms1sis/https-dns-proxy-go/internal/obs"
)

// New builds a slog.Logger from a LoggingConfig, fanning out to every
// configured output.
func New(cfg config.LoggingConfig) (*slog.Logger, error) {
	var handlers []slog.Handler
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	for _, output := range cfg.Outputs {
		switch strings.ToLower(output) {
		case "console":
			handlers = append(handlers, slog.NewTextHandler(os.Stderr, opts))
		case "file":
			if cfg.File.Path == "" {
				return nil, fmt.Errorf("logging: file output enabled but no path configured")
			}
			perm := os.FileMode(0644)
			if cfg.File.Permissions != 0 {
				perm = os.FileMode(cfg.File.Permissions)
			}
			f, err := os.OpenFile(cfg.File.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, perm)
			if err != nil {
				return nil, fmt.Errorf("logging: open log file: %w", err)
			}
			if strings.EqualFold(cfg.Format, "json") {
				handlers = append(handlers, slog.NewJSONHandler(f, opts))
			} else {
				handlers = append(handlers, slog.NewTextHandler(f, opts))
			}
		}
	}

	if len(handlers) == 0 {
		handlers = append(handlers, slog.NewTextHandler(os.Stderr, opts))
	}

	var h slog.Handler
	if len(handlers) == 1 {
		h = handlers[0]
	} else {
		h = &multiHandler{handlers: handlers}
	}
	return slog.New(h), nil
}

// Drain runs until ctx is cancelled, converting every obs.LogEvent into a
// slog record. It returns when the observability channel is closed or the
// context is done; callers typically run it in its own goroutine.
func Drain(ctx context.Context, logger *slog.Logger, o *obs.Observability) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-o.Events:
			if !ok {
				return
			}
			logger.LogAttrs(ctx, toSlogLevel(ev.Level), ev.Message,
				slog.String("tag", ev.Tag),
			)
		}
	}
}

func toSlogLevel(l obs.Level) slog.Level {
	switch l {
	case obs.LevelDebug:
		return slog.LevelDebug
	case obs.LevelWarn:
		return slog.LevelWarn
	case obs.LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func parseLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// multiHandler fans a record out to every configured handler, mirroring
// what a multi-output logging config needs regardless of how many sinks
// are attached.
type multiHandler struct {
	handlers []slog.Handler
	mu       sync.Mutex
}

func (m *multiHandler) Enabled(ctx context.Context, l slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		next[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: next}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		next[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: next}
}
