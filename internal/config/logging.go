package config

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// LevelTrace is a custom log level below Debug for wire-level forensics,
// selectable as "trace" in log_level and component_levels.
const LevelTrace = slog.Level(-8)

// ParseLogLevel converts a string to a slog.Level.
// Supported values: trace, debug, info, warn, error (case-insensitive).
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "trace":
		return LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: trace, debug, info, warn, error)", s)
	}
}

// ReplaceLogLevelNames customizes the level name for Trace in log output.
func ReplaceLogLevelNames(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		level, ok := a.Value.Any().(slog.Level)
		if ok && level == LevelTrace {
			a.Value = slog.StringValue("TRACE")
		}
	}
	return a
}

// componentKey is the slog attribute key components attach via
// logger.With(componentKey, name) so ComponentHandler can look up a
// per-component override (e.g. "router": "trace" while everything else
// stays at "info").
const componentKey = "component"

// ParseComponentLevels validates a bootstrap config's component -> level
// overrides (spec.md §2's component letters A-I: knowledge, channel,
// command, feature, rules, scheduler, alert, router, admin). Returns the
// parsed levels keyed by component name, or the first parse error found.
func ParseComponentLevels(raw map[string]string) (map[string]slog.Level, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	levels := make(map[string]slog.Level, len(raw))
	for name, s := range raw {
		level, err := ParseLogLevel(s)
		if err != nil {
			return nil, fmt.Errorf("component %q: %w", name, err)
		}
		levels[name] = level
	}
	return levels, nil
}

// ComponentHandler wraps a base slog.Handler and applies per-component
// minimum levels on top of the base level, so a single bootstrap config
// can e.g. trace the request router while keeping the scheduler at info.
// A record with no "component" attribute is filtered at baseLvl alone.
type ComponentHandler struct {
	base      slog.Handler
	levels    map[string]slog.Level
	baseLvl   slog.Leveler
	component string // attached via WithComponent (WithAttrs)
}

// NewComponentHandler wraps base with per-component level overrides.
// baseLvl is the handler's default minimum level for records whose
// component has no override.
func NewComponentHandler(base slog.Handler, levels map[string]slog.Level, baseLvl slog.Leveler) *ComponentHandler {
	return &ComponentHandler{base: base, levels: levels, baseLvl: baseLvl}
}

func (h *ComponentHandler) Enabled(_ context.Context, level slog.Level) bool {
	// The component attached via WithComponent is already known here, so
	// its override applies before the record is built.
	min := h.baseLvl.Level()
	if lvl, ok := h.levels[h.component]; ok {
		min = lvl
	}
	return level >= min
}

func (h *ComponentHandler) Handle(ctx context.Context, r slog.Record) error {
	min := h.baseLvl.Level()
	if lvl, ok := h.levels[h.component]; ok {
		min = lvl
	}
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == componentKey {
			if lvl, ok := h.levels[a.Value.String()]; ok {
				min = lvl
			}
			return false
		}
		return true
	})
	if r.Level < min {
		return nil
	}
	return h.base.Handle(ctx, r)
}

func (h *ComponentHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	component := h.component
	for _, a := range attrs {
		if a.Key == componentKey {
			component = a.Value.String()
		}
	}
	return &ComponentHandler{base: h.base.WithAttrs(attrs), levels: h.levels, baseLvl: h.baseLvl, component: component}
}

func (h *ComponentHandler) WithGroup(name string) slog.Handler {
	return &ComponentHandler{base: h.base.WithGroup(name), levels: h.levels, baseLvl: h.baseLvl, component: h.component}
}

// WithComponent returns a child logger tagged with the given component
// name, for ComponentHandler's per-component level lookup.
func WithComponent(logger *slog.Logger, name string) *slog.Logger {
	return logger.With(componentKey, name)
}
