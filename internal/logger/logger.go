// Package logger builds the process slog.Logger for the CLI.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	slogmulti "github.com/samber/slog-multi"
)

type config struct {
	debug  bool
	format string
	stderr io.Writer
	file   string
}

// Option configures New.
type Option func(*config)

// WithDebug lowers the level to debug.
func WithDebug(debug bool) Option {
	return func(c *config) {
		c.debug = debug
	}
}

// WithFormat selects "text" or "json" output.
func WithFormat(format string) Option {
	return func(c *config) {
		c.format = format
	}
}

// WithFile also appends log lines to path.
func WithFile(path string) Option {
	return func(c *config) {
		c.file = path
	}
}

// WithConsole replaces stderr as the console writer. A nil writer disables
// console output.
func WithConsole(w io.Writer) Option {
	return func(c *config) {
		c.stderr = w
	}
}

// New returns a logger fanning out to the console and the optional log file,
// and a function closing the file.
func New(opts ...Option) (*slog.Logger, func() error, error) {
	cfg := &config{format: "text", stderr: os.Stderr}
	for _, opt := range opts {
		opt(cfg)
	}

	level := slog.LevelInfo
	if cfg.debug {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	var handlers []slog.Handler
	if cfg.stderr != nil {
		handlers = append(handlers, newHandler(cfg.stderr, cfg.format, handlerOpts))
	}

	closeFn := func() error { return nil }
	if cfg.file != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.file), 0o700); err != nil {
			return nil, nil, fmt.Errorf("creating log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		// The file always gets JSON so it can be parsed later.
		handlers = append(handlers, &guardedHandler{handler: slog.NewJSONHandler(f, handlerOpts), mu: &sync.Mutex{}})
		closeFn = f.Close
	}

	return slog.New(slogmulti.Fanout(handlers...)), closeFn, nil
}

func newHandler(w io.Writer, format string, opts *slog.HandlerOptions) slog.Handler {
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

var _ slog.Handler = (*guardedHandler)(nil)

// guardedHandler serializes writes to the log file so concurrent records
// never interleave. Derived handlers share the mutex.
type guardedHandler struct {
	handler slog.Handler
	mu      *sync.Mutex
}

func (h *guardedHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *guardedHandler) Handle(ctx context.Context, record slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.handler.Handle(ctx, record)
}

func (h *guardedHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &guardedHandler{handler: h.handler.WithAttrs(attrs), mu: h.mu}
}

func (h *guardedHandler) WithGroup(name string) slog.Handler {
	return &guardedHandler{handler: h.handler.WithGroup(name), mu: h.mu}
}
