package logging

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)
	logger.SetLevel(LevelInfo)

	logger.Debug("debug message")
	if buf.Len() > 0 {
		t.Error("debug message should be filtered at INFO level")
	}

	logger.Info("info message")
	if buf.Len() == 0 {
		t.Error("info message should be logged")
	}

	output := buf.String()
	if !strings.Contains(output, "INFO") {
		t.Error("log should contain INFO level")
	}
	if !strings.Contains(output, "info message") {
		t.Error("log should contain the message")
	}
}

func TestLogger_WithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := New().WithComponent("sweep")
	logger.SetOutput(&buf)

	logger.Info("test message")

	output := buf.String()
	if !strings.Contains(output, "[sweep]") {
		t.Errorf("expected component 'sweep' in log, got: %s", output)
	}
}

func TestLogger_ComponentSharesLevel(t *testing.T) {
	var buf bytes.Buffer
	root := New()
	root.SetOutput(&buf)
	child := root.WithComponent("registry")

	root.SetLevel(LevelError)
	child.Warn("should be filtered")
	if buf.Len() > 0 {
		t.Errorf("child should follow parent level, got: %s", buf.String())
	}
}

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)

	logger.Info("heartbeat", map[string]interface{}{
		"ip": "10.0.0.1",
	})

	output := buf.String()
	if !strings.Contains(output, `"ip"`) || !strings.Contains(output, "10.0.0.1") {
		t.Errorf("expected ip field in log, got: %s", output)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"loud", "", true},
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

func observed() (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return NewFromZap(zap.New(core)), logs
}

func TestLogger_NodeDown(t *testing.T) {
	logger, logs := observed()

	logger.NodeDown("n-1", "web-1", 150*time.Second)

	entries := logs.FilterMessage("node_down").All()
	if len(entries) != 1 {
		t.Fatalf("node_down entries = %d, want 1", len(entries))
	}
	if entries[0].Level != zapcore.WarnLevel {
		t.Errorf("level = %v, want warn", entries[0].Level)
	}
	ctx := entries[0].ContextMap()
	if ctx["node_id"] != "n-1" {
		t.Errorf("node_id = %v, want n-1", ctx["node_id"])
	}
	if ctx["silence"] != "2m30s" {
		t.Errorf("silence = %v, want 2m30s", ctx["silence"])
	}
}

func TestLogger_ServiceTransition(t *testing.T) {
	logger, logs := observed()

	logger.ServiceTransition("s-1", "checkout", false, 0, 2)
	logger.ServiceTransition("s-1", "checkout", true, 1, 2)

	if logs.FilterMessage("service_down").Len() != 1 {
		t.Error("expected one service_down entry")
	}
	if logs.FilterMessage("service_operational").Len() != 1 {
		t.Error("expected one service_operational entry")
	}
}

func TestLogger_SweepComplete(t *testing.T) {
	logger, logs := observed()

	logger.SweepComplete(3, 2, 1, 1, 0, 5*time.Millisecond)
	logger.SweepComplete(3, 2, 0, 0, 1, 5*time.Millisecond)

	entries := logs.FilterMessage("sweep_complete").All()
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Level != zapcore.InfoLevel {
		t.Errorf("clean sweep level = %v, want info", entries[0].Level)
	}
	if entries[1].Level != zapcore.WarnLevel {
		t.Errorf("sweep with failures level = %v, want warn", entries[1].Level)
	}
	if entries[0].ContextMap()["duration"] != "5ms" {
		t.Errorf("duration = %v, want 5ms", entries[0].ContextMap()["duration"])
	}
}
