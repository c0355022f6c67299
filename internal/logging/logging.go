// Package logging configures the process-wide structured log subscriber.
//
// Initialized once in the gateway supervisor, per the single-shot
// global-mutable-state policy: everything else receives a *slog.Logger by
// reference or context rather than touching a package-level singleton.
package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// Format selects the slog handler used for rendering.
type Format string

const (
	FormatPretty  Format = "pretty"
	FormatCompact Format = "compact"
	FormatJSON    Format = "json"
)

// directive is one "pkg=level" entry from a filter string.
type directive struct {
	pkg   string
	level slog.Level
}

// levelFilterHandler applies per-package minimum levels on top of a base
// slog.Handler, implementing the RUSTYCLAW_LOG / RUST_LOG directive
// mini-language ("pkg=level,pkg=level", plus a bare "level" default).
type levelFilterHandler struct {
	base       slog.Handler
	defaultLvl slog.Level
	directives []directive
}

func (h *levelFilterHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.defaultLvl
}

func (h *levelFilterHandler) Handle(ctx context.Context, r slog.Record) error {
	pkg := ""
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "pkg" {
			pkg = a.Value.String()
			return false
		}
		return true
	})
	min := h.defaultLvl
	for _, d := range h.directives {
		if pkg == d.pkg {
			min = d.level
			break
		}
	}
	if r.Level < min {
		return nil
	}
	return h.base.Handle(ctx, r)
}

func (h *levelFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelFilterHandler{base: h.base.WithAttrs(attrs), defaultLvl: h.defaultLvl, directives: h.directives}
}

func (h *levelFilterHandler) WithGroup(name string) slog.Handler {
	return &levelFilterHandler{base: h.base.WithGroup(name), defaultLvl: h.defaultLvl, directives: h.directives}
}

func parseDirective(spec string) (slog.Level, []directive) {
	def := slog.LevelInfo
	var out []directive
	if spec == "" {
		return def, out
	}
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) == 1 {
			def = parseLevel(kv[0])
			continue
		}
		out = append(out, directive{pkg: kv[0], level: parseLevel(kv[1])})
	}
	return def, out
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Init configures the default slog logger from the RUSTYCLAW_LOG/RUST_LOG
// filter directive and RUSTYCLAW_LOG_FORMAT, and returns it. Safe to call
// exactly once at process startup.
func Init() *slog.Logger {
	spec := os.Getenv("RUSTYCLAW_LOG")
	if spec == "" {
		spec = os.Getenv("RUST_LOG")
	}
	format := Format(strings.ToLower(os.Getenv("RUSTYCLAW_LOG_FORMAT")))
	if format == "" {
		format = FormatPretty
	}

	def, directives := parseDirective(spec)

	var base slog.Handler
	opts := &slog.HandlerOptions{Level: def}
	switch format {
	case FormatJSON:
		base = slog.NewJSONHandler(os.Stderr, opts)
	default:
		// "pretty" and "compact" both use the text handler; compact omits
		// source location via AddSource=false (the default).
		base = slog.NewTextHandler(os.Stderr, opts)
	}

	handler := &levelFilterHandler{base: base, defaultLvl: def, directives: directives}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// For returns a logger tagged with a "pkg" attribute for per-package
// filtering by Init's directive parser.
func For(logger *slog.Logger, pkg string) *slog.Logger {
	return logger.With("pkg", pkg)
}
