package client

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("log line is not JSON: %q", line)
		}
		out = append(out, m)
	}
	return out
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("WARN", &buf)

	logger.Debug("hidden")
	logger.Info("hidden")
	logger.Warn("shown", Int("attempt", 3))
	logger.Error("shown too")

	lines := decodeLines(t, &buf)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %s", len(lines), buf.String())
	}
	if lines[0]["level"] != "warn" || lines[0]["message"] != "shown" {
		t.Errorf("unexpected first line %v", lines[0])
	}
	if lines[0]["attempt"] != float64(3) {
		t.Errorf("expected attempt=3, got %v", lines[0]["attempt"])
	}
	if _, ok := lines[0]["timestamp"]; !ok {
		t.Error("expected timestamp field")
	}
}

func TestLoggerWithFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("DEBUG", &buf).WithFields(String("client", "app"))

	logger.Debug("exec", Duration("elapsed", 1500*time.Millisecond), Error("error", errServerRejected("no such table", 1)))

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	line := lines[0]
	if line["client"] != "app" || line["elapsed"] != "1.5s" || line["error"] != "no such table" {
		t.Errorf("unexpected line %v", line)
	}
}

func TestLoggerRedaction(t *testing.T) {
	var buf bytes.Buffer
	NewLogger("INFO", &buf).Info("auth", String("password", "hunter2"), String("Token", "abc"))

	if strings.Contains(buf.String(), "hunter2") || strings.Contains(buf.String(), "abc") {
		t.Errorf("sensitive values leaked: %s", buf.String())
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   DEBUG,
		"INFO":    INFO,
		"Warn":    WARN,
		"error":   ERROR,
		"verbose": INFO,
	}
	for in, want := range tests {
		if got := ParseLogLevel(in); got != want {
			t.Errorf("ParseLogLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestNoopLogger(t *testing.T) {
	logger := NewNoopLogger()
	logger.Error("ignored")
	if logger.WithFields(String("k", "v")) != logger {
		t.Error("noop WithFields should return itself")
	}
	if NewKitLogger(nil) == nil {
		t.Error("expected a logger for nil input")
	}
}
