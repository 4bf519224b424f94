package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"

	"mercator-hq/aegis/pkg/config"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{"json", Config{Level: "info", Format: "json"}, false},
		{"text", Config{Level: "debug", Format: "text"}, false},
		{"console", Config{Level: "WARN", Format: "console"}, false},
		{"empty uses defaults", Config{}, false},
		{"invalid level", Config{Level: "loud"}, true},
		{"invalid format", Config{Format: "xml"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.config.Writer = &bytes.Buffer{}
			logger, err := New(tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && logger == nil {
				t.Fatal("expected logger")
			}
		})
	}
}

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON log line %q: %v", buf.String(), err)
	}
	return entry
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Level: "warn", Writer: &buf})
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("info should be filtered at warn level, got %q", buf.String())
	}
	logger.Warn("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("warn should be written, got %q", buf.String())
	}
}

func TestLogger_ContextFields(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Writer: &buf})
	if err != nil {
		t.Fatal(err)
	}

	ctx := WithRunID(context.Background(), "run-1")
	ctx = WithTenantID(ctx, "acme")
	ctx = WithPolicyID(ctx, "p1")
	ctx = WithRequestID(ctx, "req-9")

	traceID, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	spanID, _ := trace.SpanIDFromHex("0102030405060708")
	ctx = trace.ContextWithSpanContext(ctx, trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID,
		SpanID:  spanID,
	}))

	logger.With("component", "test").InfoContext(ctx, "decided")
	entry := decode(t, &buf)

	want := map[string]string{
		"run_id":     "run-1",
		"tenant_id":  "acme",
		"policy_id":  "p1",
		"request_id": "req-9",
		"trace_id":   "0102030405060708090a0b0c0d0e0f10",
		"span_id":    "0102030405060708",
		"component":  "test",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("%s = %v, want %q", k, entry[k], v)
		}
	}
}

func TestLogger_NoContextFields(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := New(Config{Writer: &buf})
	logger.Info("plain")
	entry := decode(t, &buf)
	if _, ok := entry["run_id"]; ok {
		t.Error("run_id should be absent without context value")
	}
}

func TestLogger_ConsoleDropsTime(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := New(Config{Format: "console", Writer: &buf})
	logger.Info("hello")
	if strings.Contains(buf.String(), "time=") {
		t.Errorf("console output should not include time: %q", buf.String())
	}
}

func TestRedactor(t *testing.T) {
	r := NewRedactor()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bearer", "Authorization: Bearer abc.def-123", "Authorization: Bearer " + Redacted},
		{"url password", "postgres://aegis:hunter2@db:5432/aegis", "postgres://aegis:" + Redacted + "@db:5432/aegis"},
		{"dsn password", "host=db user=aegis password=hunter2 sslmode=disable", "host=db user=aegis password=" + Redacted + " sslmode=disable"},
		{"clean", "snapshot activated", "snapshot activated"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.RedactString(tt.in); got != tt.want {
				t.Errorf("RedactString() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLogger_RedactsSensitiveKeys(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := New(Config{Writer: &buf, Redact: NewRedactor()})
	logger.Info("git auth", "auth_token", "ghp_secret", "dsn", "postgres://u:p@h/db")
	entry := decode(t, &buf)
	if entry["auth_token"] != Redacted {
		t.Errorf("auth_token = %v", entry["auth_token"])
	}
	if entry["dsn"] != "postgres://u:"+Redacted+"@h/db" {
		t.Errorf("dsn = %v", entry["dsn"])
	}
}

func TestInstall(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	if _, err := Install(config.LoggingConfig{Level: "info", Format: "json"}, &buf); err != nil {
		t.Fatal(err)
	}
	slog.Default().Info("via default", "password", "x")
	entry := decode(t, &buf)
	if entry["password"] != Redacted {
		t.Errorf("installed logger should redact, got %v", entry["password"])
	}
}
