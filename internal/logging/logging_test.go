package logging

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func newTestLogger(level Level) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	l := New(Config{Level: level, Output: &buf, Prefix: "test"})
	l.core.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }
	return l, &buf
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
		ok   bool
	}{
		{"trace", LevelTrace, true},
		{"DEBUG", LevelDebug, true},
		{" info ", LevelInfo, true},
		{"warning", LevelWarn, true},
		{"Error", LevelError, true},
		{"always", LevelAlways, true},
		{"verbose", LevelInfo, false},
	}
	for _, tt := range tests {
		got, ok := ParseLevel(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	l, buf := newTestLogger(LevelWarn)

	l.Debug("hidden")
	l.Info("hidden")
	l.Warn("shown %d", 1)
	l.Always("always shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("expected debug/info to be filtered, got %q", out)
	}
	if !strings.Contains(out, "[WARN] test: shown 1") {
		t.Errorf("expected warn line, got %q", out)
	}
	if !strings.Contains(out, "[ALWAYS] test: always shown") {
		t.Errorf("expected always line, got %q", out)
	}
}

func TestLogger_FieldsSorted(t *testing.T) {
	l, buf := newTestLogger(LevelInfo)

	l.WithComponent("listener").WithField("b", 2).WithField("a", 1).Info("msg")

	want := "2024-01-02T03:04:05.000 [INFO] test: msg {a=1, b=2, component=listener}\n"
	if buf.String() != want {
		t.Errorf("got %q, want %q", buf.String(), want)
	}
}

func TestLogger_ChildSharesLevel(t *testing.T) {
	root, buf := newTestLogger(LevelInfo)
	child := root.WithComponent("replica")

	child.Debug("before")
	root.SetLevel(LevelDebug)
	child.Debug("after")

	out := buf.String()
	if strings.Contains(out, "before") {
		t.Error("expected debug line before SetLevel to be filtered")
	}
	if !strings.Contains(out, "after") {
		t.Error("expected child to observe root SetLevel")
	}
}

func TestNull(t *testing.T) {
	l := Null()
	if l.Enabled(LevelAlways) {
		t.Error("expected null logger to be disabled for every level")
	}
	l.Always("nothing")

	if OrNull(nil) == nil {
		t.Error("expected OrNull(nil) to return a logger")
	}
}
