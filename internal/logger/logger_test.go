package logger

import (
	"bytes"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(WARN, &buf, false)

	l.Info("Session", "hidden %d", 1)
	l.Warn("Session", "shown %d", 2)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("INFO message written at WARN level: %q", out)
	}
	if !strings.Contains(out, "[WARN] [Session] shown 2") {
		t.Errorf("missing WARN line, got %q", out)
	}
}

func TestSilentDropsEverything(t *testing.T) {
	var buf bytes.Buffer
	l := New(SILENT, &buf, false)
	l.Error("Main", "boom")
	if buf.Len() != 0 {
		t.Errorf("SILENT logger wrote %q", buf.String())
	}
}

func TestModuleHandleUsesGlobalLogger(t *testing.T) {
	var buf bytes.Buffer
	Init(DEBUG, &buf, false)
	defer Init(SILENT, &buf, false)

	For("Capture").Debug("frame %d", 7)
	if !strings.Contains(buf.String(), "[DEBUG] [Capture] frame 7") {
		t.Errorf("module handle output = %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   DEBUG,
		"INFO":    INFO,
		"warning": WARN,
		"error":   ERROR,
		"none":    SILENT,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("ParseLevel(\"loud\") expected error")
	}
}
