package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New()
	l.SetOutput(&buf)
	l.SetLevel(LevelWarn)

	l.Info("hidden %d", 1)
	l.Warn("shown %d", 2)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info message should be filtered: %q", out)
	}
	if !strings.Contains(out, "[WARN] shown 2") {
		t.Fatalf("expected warn line, got %q", out)
	}
}

func TestChildSharesSink(t *testing.T) {
	var buf bytes.Buffer
	root := New()
	child := root.WithField("serial", "09AF123456")

	root.SetOutput(&buf)
	root.SetLevel(LevelDebug)

	child.Debug("refreshed")
	if !strings.Contains(buf.String(), `"serial":"09AF123456"`) {
		t.Fatalf("expected field in child output, got %q", buf.String())
	}
}

func TestJSONMode(t *testing.T) {
	var buf bytes.Buffer
	l := New()
	l.SetOutput(&buf)
	l.SetJSONMode(true)

	l.WithFields(map[string]interface{}{"device_id": "dev-1"}).Error("failed: %s", "boom")

	var entry Entry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal entry: %v (%q)", err, buf.String())
	}
	if entry.Level != "ERROR" || entry.Message != "failed: boom" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if entry.Fields["device_id"] != "dev-1" {
		t.Fatalf("unexpected fields: %+v", entry.Fields)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		"warning": LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
		"verbose": LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
