package config

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":      slog.LevelInfo,
		"info":  slog.LevelInfo,
		"trace": LevelTrace,
		"DEBUG": slog.LevelDebug,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for s, want := range cases {
		got, err := ParseLogLevel(s)
		if err != nil {
			t.Fatalf("ParseLogLevel(%q): %v", s, err)
		}
		if got != want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", s, got, want)
		}
	}
	if _, err := ParseLogLevel("bogus"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestParseComponentLevels(t *testing.T) {
	levels, err := ParseComponentLevels(map[string]string{"router": "trace", "scheduler": "warn"})
	if err != nil {
		t.Fatalf("ParseComponentLevels: %v", err)
	}
	if levels["router"] != LevelTrace || levels["scheduler"] != slog.LevelWarn {
		t.Fatalf("unexpected levels: %+v", levels)
	}
	if _, err := ParseComponentLevels(map[string]string{"router": "bogus"}); err == nil {
		t.Error("expected error for unknown component level")
	}
	if levels, err := ParseComponentLevels(nil); err != nil || levels != nil {
		t.Errorf("ParseComponentLevels(nil) = %v, %v; want nil, nil", levels, err)
	}
}

func TestComponentHandler_OverridesPerComponent(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn})
	levels := map[string]slog.Level{"router": slog.LevelDebug}
	handler := NewComponentHandler(base, levels, slog.LevelWarn)
	logger := slog.New(handler)

	WithComponent(logger, "router").Debug("router debug line")
	if !strings.Contains(buf.String(), "router debug line") {
		t.Error("expected router's debug override to let the record through")
	}

	buf.Reset()
	WithComponent(logger, "scheduler").Debug("scheduler debug line")
	if strings.Contains(buf.String(), "scheduler debug line") {
		t.Error("expected scheduler (no override) to stay at the base Warn level")
	}

	buf.Reset()
	WithComponent(logger, "scheduler").Warn("scheduler warn line")
	if !strings.Contains(buf.String(), "scheduler warn line") {
		t.Error("expected scheduler warn line to pass the base level")
	}
}
