package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"info":    slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"ERR":     slog.LevelError,
		" Debug ": slog.LevelDebug,
	}
	for input, want := range cases {
		got, err := ParseLevel(input)
		if err != nil {
			t.Errorf("ParseLevel(%q) error = %v", input, err)
			continue
		}
		if got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", input, got, want)
		}
	}

	if _, err := ParseLevel("loud"); err == nil {
		t.Error("ParseLevel should reject an unknown level name")
	}
}

func TestCLIHandlerWritesAttrs(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := NewCLI(&buf, slog.LevelInfo)

	logger.Info("guest state changed", "guest", "vm-a", "to", "running")

	line := buf.String()
	if !strings.HasPrefix(line, "INFO ") {
		t.Fatalf("line %q should start with the level", line)
	}
	if !strings.Contains(line, "guest state changed") {
		t.Fatalf("line %q missing message", line)
	}
	if !strings.Contains(line, "guest=vm-a") || !strings.Contains(line, "to=running") {
		t.Fatalf("line %q missing attributes", line)
	}
}

func TestCLIHandlerCarriesWithAttrs(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := NewCLI(&buf, slog.LevelInfo).With("component", "reconciler")

	logger.Info("tick")

	if !strings.Contains(buf.String(), "component=reconciler") {
		t.Fatalf("line %q missing bound attribute", buf.String())
	}
}

func TestCLIHandlerFlattensGroups(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := NewCLI(&buf, slog.LevelInfo).WithGroup("backend")

	logger.Info("opened", "uri", "qemu:///system")

	if !strings.Contains(buf.String(), "backend.uri=qemu:///system") {
		t.Fatalf("line %q missing dotted group key", buf.String())
	}
}

func TestCLIHandlerHonorsLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := NewCLI(&buf, slog.LevelWarn)

	logger.Info("hidden")
	logger.Warn("shown")

	output := buf.String()
	if strings.Contains(output, "hidden") {
		t.Fatalf("info record leaked through warn level: %q", output)
	}
	if !strings.Contains(output, "shown") {
		t.Fatalf("warn record missing: %q", output)
	}
}
