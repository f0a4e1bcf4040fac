package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "json", Output: &buf})

	ctx := context.Background()
	logger.Debug(ctx, "debug message")
	logger.Info(ctx, "info message")
	logger.Warn(ctx, "warn message")
	logger.Error(ctx, "error message")

	out := buf.String()
	if strings.Contains(out, "debug message") || strings.Contains(out, "info message") {
		t.Errorf("below-threshold messages logged: %s", out)
	}
	if !strings.Contains(out, "warn message") || !strings.Contains(out, "error message") {
		t.Errorf("threshold messages missing: %s", out)
	}
}

func TestLoggerContextFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Format: "json", Output: &buf})

	ctx := WithTraceID(context.Background(), "tr-42")
	ctx = WithScope(ctx, "t1", "s1")
	ctx = WithSessionID(ctx, "sess-1")
	ctx = WithNPCID(ctx, "gatekeeper")
	logger.Info(ctx, "turn started")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	for key, want := range map[string]string{
		"trace_id":   "tr-42",
		"tenant_id":  "t1",
		"site_id":    "s1",
		"session_id": "sess-1",
		"npc_id":     "gatekeeper",
	} {
		if record[key] != want {
			t.Errorf("%s = %v, want %s", key, record[key], want)
		}
	}
}

func TestLoggerRedaction(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Format: "json", Output: &buf})
	ctx := context.Background()

	secret := "sk-ant-" + strings.Repeat("a", 96)
	logger.Info(ctx, "provider configured", "detail", "api_key: "+secret)

	out := buf.String()
	if strings.Contains(out, secret) {
		t.Errorf("api key leaked: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Errorf("no redaction marker: %s", out)
	}
}

func TestLoggerRedactsSensitiveMapKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Format: "json", Output: &buf})

	logger.Info(context.Background(), "request", "payload", map[string]any{
		"password": "hunter2-hunter2",
		"query":    "bell tower",
	})

	out := buf.String()
	if strings.Contains(out, "hunter2-hunter2") {
		t.Errorf("password leaked: %s", out)
	}
	if !strings.Contains(out, "bell tower") {
		t.Errorf("benign value dropped: %s", out)
	}
}

func TestTraceIDFrom(t *testing.T) {
	if got := TraceIDFrom(context.Background()); got != "" {
		t.Errorf("TraceIDFrom(empty) = %q", got)
	}
	ctx := WithTraceID(context.Background(), "tr-7")
	if got := TraceIDFrom(ctx); got != "tr-7" {
		t.Errorf("TraceIDFrom = %q", got)
	}
}
