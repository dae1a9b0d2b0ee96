package logx

import (
	"bytes"
	"strings"
	"testing"
)

func TestFormatChatLineSortsFields(t *testing.T) {
	line := []byte(`{"level":"warn","time":"x","caller":"a.go:1","message":"notify failed","record":"hello","comp":"dispatch"}`)
	got := formatChatLine(line)
	want := "[WARN] notify failed\n- comp=dispatch\n- record=hello"
	if got != want {
		t.Fatalf("formatChatLine() = %q, want %q", got, want)
	}
}

func TestFormatChatLineNonJSON(t *testing.T) {
	if got := formatChatLine([]byte("  plain text \n")); got != "plain text" {
		t.Fatalf("formatChatLine() = %q", got)
	}
}

func TestParseLevelDefaults(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		" WARN ":  LevelWarn,
		"warning": LevelWarn,
		"":        LevelInfo,
		"bogus":   LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in, LevelInfo); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestWriterLoggerAppliesFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "tracker"))
	log.Info("loaded", Int("count", 3))

	out := buf.String()
	for _, want := range []string{`"comp":"tracker"`, `"count":3`, `"message":"loaded"`} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %s", out, want)
		}
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var log Logger
	if !log.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	log.Error("ignored")
}
