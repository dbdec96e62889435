package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{" error ", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestComponentFollowsLaterInit(t *testing.T) {
	prev := Logger()
	defer InitWithHandler(prev.Handler())

	log := Component("sampler")

	var buf bytes.Buffer
	InitWriter(&buf, slog.LevelInfo, false)

	log.Info("tick", "connected", true)
	out := buf.String()
	if !strings.Contains(out, "component=sampler") {
		t.Errorf("missing component attribute: %q", out)
	}
	if !strings.Contains(out, "connected=true") {
		t.Errorf("missing record attribute: %q", out)
	}
}

func TestComponentRespectsLevel(t *testing.T) {
	prev := Logger()
	defer InitWithHandler(prev.Handler())

	var buf bytes.Buffer
	InitWriter(&buf, slog.LevelWarn, true)

	log := Component("server")
	log.Info("hidden")
	log.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info record should be filtered: %q", out)
	}
	if !strings.Contains(out, `"component":"server"`) {
		t.Errorf("expected JSON component attribute: %q", out)
	}
}

func TestComponentGroupOrdering(t *testing.T) {
	prev := Logger()
	defer InitWithHandler(prev.Handler())

	var buf bytes.Buffer
	InitWriter(&buf, slog.LevelInfo, false)

	Component("export").WithGroup("req").Info("done", "rows", 3)
	out := buf.String()
	if !strings.Contains(out, "component=export") || !strings.Contains(out, "req.rows=3") {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestWithContext(t *testing.T) {
	prev := Logger()
	defer InitWithHandler(prev.Handler())

	var buf bytes.Buffer
	InitWriter(&buf, slog.LevelInfo, false)

	ctx := ContextWithRequestID(context.Background(), 42)
	WithContext(ctx, Component("server")).Info("request")
	if !strings.Contains(buf.String(), "request_id=42") {
		t.Errorf("missing request id: %q", buf.String())
	}

	buf.Reset()
	WithContext(context.Background(), Component("server")).Info("request")
	if strings.Contains(buf.String(), "request_id") {
		t.Errorf("unexpected request id: %q", buf.String())
	}
}
