package logger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config describes how the application logger should behave.
type Config struct {
	Level       string      `yaml:"level" env:"LEVEL"`
	Format      string      `yaml:"format" env:"FORMAT"`
	OutputPaths []string    `yaml:"output_paths" env:"OUTPUT_PATHS" envSeparator:","`
	Audit       AuditConfig `yaml:"audit" envPrefix:"AUDIT_"`
}

// AuditConfig controls the rotating audit log.
type AuditConfig struct {
	Enabled    bool   `yaml:"enabled" env:"ENABLED"`
	Path       string `yaml:"path" env:"PATH"`
	MaxSizeMB  int    `yaml:"max_size_mb" env:"MAX_SIZE_MB"`
	MaxBackups int    `yaml:"max_backups" env:"MAX_BACKUPS"`
	MaxAgeDays int    `yaml:"max_age_days" env:"MAX_AGE_DAYS"`
}

var (
	root    atomic.Pointer[rootHandler]
	current atomic.Pointer[slog.Logger]
	audit   atomic.Pointer[slog.Logger]

	once    sync.Once
	initErr error

	wrapMu  sync.Mutex
	closers []io.Closer
)

// Init configures the process logger. Only the first call has any effect.
// The configured logger also becomes slog.Default, so records written through
// the standard log package reach the same handler.
func Init(cfg Config) error {
	once.Do(func() {
		opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
		handler, err := buildHandler(cfg.Format, cfg.OutputPaths, opts)
		if err != nil {
			initErr = err
			return
		}
		root.Store(&rootHandler{h: handler})
		base := slog.New(&swapHandler{})
		current.Store(base)
		slog.SetDefault(base)

		if !cfg.Audit.Enabled {
			return
		}
		al, err := buildAuditLogger(cfg.Audit)
		if err != nil {
			initErr = err
			return
		}
		audit.Store(al)
	})
	return initErr
}

func buildHandler(format string, outputs []string, opts *slog.HandlerOptions) (slog.Handler, error) {
	var writers []io.Writer
	for _, out := range outputs {
		w, err := openWriter(out)
		if err != nil {
			return nil, err
		}
		writers = append(writers, w)
	}

	var w io.Writer = os.Stdout
	switch len(writers) {
	case 0:
	case 1:
		w = writers[0]
	default:
		w = io.MultiWriter(writers...)
	}

	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(w, opts), nil
	}
	return slog.NewJSONHandler(w, opts), nil
}

func buildAuditLogger(cfg AuditConfig) (*slog.Logger, error) {
	if cfg.Path == "" {
		return nil, errors.New("audit log path cannot be empty when enabled")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    positiveOr(cfg.MaxSizeMB, 100),
		MaxBackups: positiveOr(cfg.MaxBackups, 7),
		MaxAge:     positiveOr(cfg.MaxAgeDays, 30),
	}
	closers = append(closers, rotator)
	return slog.New(slog.NewJSONHandler(rotator, &slog.HandlerOptions{Level: slog.LevelInfo})), nil
}

func openWriter(path string) (io.Writer, error) {
	switch strings.ToLower(path) {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	closers = append(closers, file)
	return file, nil
}

func positiveOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Wrap replaces the process handler with fn(previous) and returns the
// previous handler. Loggers obtained from L, Named or slog.Default before
// the call pick up the new handler on their next record.
func Wrap(fn func(slog.Handler) slog.Handler) slog.Handler {
	_ = L()
	wrapMu.Lock()
	defer wrapMu.Unlock()

	if root.Load() == nil {
		// Init failed; adopt the default handler so wrapping still works.
		root.Store(&rootHandler{h: slog.Default().Handler()})
		current.Store(slog.New(&swapHandler{}))
	}
	prev := root.Load().h
	root.Store(&rootHandler{h: fn(prev)})
	return prev
}

type rootHandler struct {
	h slog.Handler
}

type resolvedHandler struct {
	from *rootHandler
	h    slog.Handler
}

// swapHandler resolves the current root handler on every call and replays
// the attrs and groups added through With / WithGroup on top of it.
type swapHandler struct {
	ops   []func(slog.Handler) slog.Handler
	cache atomic.Pointer[resolvedHandler]
}

func (s *swapHandler) resolve() slog.Handler {
	r := root.Load()
	if c := s.cache.Load(); c != nil && c.from == r {
		return c.h
	}
	h := r.h
	for _, op := range s.ops {
		h = op(h)
	}
	s.cache.Store(&resolvedHandler{from: r, h: h})
	return h
}

func (s *swapHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return s.resolve().Enabled(ctx, level)
}

func (s *swapHandler) Handle(ctx context.Context, r slog.Record) error {
	return s.resolve().Handle(ctx, r)
}

func (s *swapHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return s
	}
	return s.with(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (s *swapHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return s
	}
	return s.with(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

func (s *swapHandler) with(op func(slog.Handler) slog.Handler) *swapHandler {
	ops := make([]func(slog.Handler) slog.Handler, 0, len(s.ops)+1)
	ops = append(ops, s.ops...)
	return &swapHandler{ops: append(ops, op)}
}

// L returns the structured logger instance.
func L() *slog.Logger {
	if l := current.Load(); l != nil {
		return l
	}
	_ = Init(Config{})
	if l := current.Load(); l != nil {
		return l
	}
	return slog.Default()
}

// Audit returns the audit logger, or the process logger when auditing is off.
func Audit() *slog.Logger {
	if l := audit.Load(); l != nil {
		return l
	}
	return L()
}

// Named returns a child logger tagged with a component name.
func Named(name string) *slog.Logger {
	return L().With(slog.String("component", name))
}

// Sync closes file outputs opened by Init.
func Sync() error {
	var err error
	for _, c := range closers {
		err = errors.Join(err, c.Close())
	}
	closers = nil
	return err
}
