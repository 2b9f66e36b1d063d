package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func setupBuffer(t *testing.T, opts Options) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	opts.Output = &buf
	if err := Setup(context.Background(), opts); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	t.Cleanup(func() { _ = Setup(context.Background(), Options{}) })
	return &buf
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{"Error", slog.LevelError, false},
		{"fatal", LevelFatal, false},
		{"verbose", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestSetup_JSONCarriesService(t *testing.T) {
	buf := setupBuffer(t, Options{Level: "info"})

	Info("pass completed", "user_id", "alice")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("Expected one JSON record, got %q: %v", buf.String(), err)
	}
	if rec["msg"] != "pass completed" || rec["user_id"] != "alice" {
		t.Errorf("Unexpected record: %v", rec)
	}
	if rec["service"] != DefaultServiceName {
		t.Errorf("Expected service %q, got %v", DefaultServiceName, rec["service"])
	}
}

func TestSetup_TextAndLevel(t *testing.T) {
	buf := setupBuffer(t, Options{Level: "warn", Format: "text", ServiceName: "automations-test"})

	Info("hidden")
	Warn("shown", "rule_id", "r1")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("Info should be filtered at warn level: %q", out)
	}
	if !strings.Contains(out, "msg=shown") || !strings.Contains(out, "rule_id=r1") {
		t.Errorf("Expected text record for warning, got %q", out)
	}
	if !strings.Contains(out, "service=automations-test") {
		t.Errorf("Expected service attribute, got %q", out)
	}
}

func TestSetup_UnknownLevelStillInstalls(t *testing.T) {
	var buf bytes.Buffer
	err := Setup(context.Background(), Options{Level: "loud", Output: &buf})
	t.Cleanup(func() { _ = Setup(context.Background(), Options{}) })
	if err == nil {
		t.Fatal("Expected error for unknown level")
	}

	Info("still logging")
	if !strings.Contains(buf.String(), "still logging") {
		t.Errorf("Expected logger to fall back to info, got %q", buf.String())
	}
}

func TestCountersIgnoreSampling(t *testing.T) {
	buf := setupBuffer(t, Options{SampleRate: 1 << 30})

	before := Snapshot()
	for i := 0; i < 10; i++ {
		Warn("noisy")
	}
	Error("boom")
	ErrorHttp5xx()
	WarnHttp4xx(429)
	WarnHttp4xx(404)
	ErrorExecution()
	WarnWriteBack()
	ErrorPass()
	after := Snapshot()

	if d := after.Warnings - before.Warnings; d != 13 {
		t.Errorf("Expected 13 warnings counted, got %d", d)
	}
	if d := after.Errors - before.Errors; d != 4 {
		t.Errorf("Expected 4 errors counted, got %d", d)
	}
	if d := after.HTTP4xx - before.HTTP4xx; d != 2 {
		t.Errorf("Expected 2 4xx responses, got %d", d)
	}
	if d := after.HTTP429 - before.HTTP429; d != 1 {
		t.Errorf("Expected 1 429 response, got %d", d)
	}
	if after.ExecutionFailures-before.ExecutionFailures != 1 ||
		after.WriteBackFailures-before.WriteBackFailures != 1 ||
		after.PassFailures-before.PassFailures != 1 {
		t.Errorf("Dispatch counters not incremented: before %+v after %+v", before, after)
	}
	if strings.Count(buf.String(), "noisy") > 1 {
		t.Errorf("Expected sampling to drop nearly every warning, got %q", buf.String())
	}
}
