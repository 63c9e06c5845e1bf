package logging

import (
	"errors"
	"log/slog"
	"strings"
	"testing"

	"golang.org/x/time/rate"
)

type lineSink struct {
	lines []string
	err   error
}

func (s *lineSink) Emit(line string) error {
	s.lines = append(s.lines, line)
	return s.err
}

func TestForwardingHandler_OneLinePerRecord(t *testing.T) {
	sink := &lineSink{}
	logger := NewForwardingLogger(sink, "info")

	logger.Info("agent ready", KeyNode, "beta")
	logger.With(KeyComponent, "clipboard").Warn("owner lost")
	logger.Debug("filtered")

	if len(sink.lines) != 2 {
		t.Fatalf("lines = %q, want 2", sink.lines)
	}
	first := sink.lines[0]
	if strings.Contains(first, "\n") || strings.Contains(first, "time=") {
		t.Errorf("line not trimmed to one untimed line: %q", first)
	}
	if !strings.Contains(first, `msg="agent ready"`) || !strings.Contains(first, "node=beta") {
		t.Errorf("first line = %q", first)
	}
	if !strings.Contains(sink.lines[1], "component=clipboard") || !strings.Contains(sink.lines[1], "level=WARN") {
		t.Errorf("second line = %q", sink.lines[1])
	}
}

func TestForwardingHandler_Groups(t *testing.T) {
	sink := &lineSink{}
	logger := slog.New(NewForwardingHandler(sink, "debug")).WithGroup("setup")

	logger.Debug("param", "key", "DISPLAY")

	if len(sink.lines) != 1 || !strings.Contains(sink.lines[0], "setup.key=DISPLAY") {
		t.Errorf("lines = %q", sink.lines)
	}
}

func TestForwardingHandler_RateLimit(t *testing.T) {
	sink := &lineSink{}
	h := NewForwardingHandlerWithLimit(sink, "info", 0, 2)
	logger := slog.New(h)

	for i := 0; i < 5; i++ {
		logger.Info("spam", KeyCount, i)
	}
	if len(sink.lines) != 2 {
		t.Fatalf("forwarded %d lines, want 2", len(sink.lines))
	}
	if h.Dropped() != 3 {
		t.Errorf("Dropped = %d, want 3", h.Dropped())
	}
}

func TestForwardingHandler_ReportsDrops(t *testing.T) {
	sink := &lineSink{}
	h := NewForwardingHandlerWithLimit(sink, "info", 0, 1)
	logger := slog.New(h)

	logger.Info("first")
	logger.Info("dropped")
	h.state.limiter = rate.NewLimiter(rate.Inf, 1)
	logger.Info("after")

	if len(sink.lines) != 3 {
		t.Fatalf("lines = %q", sink.lines)
	}
	if !strings.Contains(sink.lines[1], "log lines dropped") || !strings.Contains(sink.lines[1], "count=1") {
		t.Errorf("drop notice = %q", sink.lines[1])
	}
	if !strings.Contains(sink.lines[2], "msg=after") {
		t.Errorf("last line = %q", sink.lines[2])
	}
}

func TestForwardingHandler_ErrorsBypassLimit(t *testing.T) {
	sink := &lineSink{}
	h := NewForwardingHandlerWithLimit(sink, "info", 0, 1)
	logger := slog.New(h)

	logger.Info("first")
	logger.Info("dropped")
	logger.Error("agent exiting", KeyError, "stream closed")

	if len(sink.lines) != 3 {
		t.Fatalf("lines = %q, want first, drop notice, exit reason", sink.lines)
	}
	if !strings.Contains(sink.lines[1], "log lines dropped") {
		t.Errorf("drop notice = %q", sink.lines[1])
	}
	if !strings.Contains(sink.lines[2], `msg="agent exiting"`) || !strings.Contains(sink.lines[2], "level=ERROR") {
		t.Errorf("exit line = %q", sink.lines[2])
	}
	if h.Dropped() != 0 {
		t.Errorf("Dropped = %d after notice, want 0", h.Dropped())
	}
}

func TestForwardingHandler_SinkError(t *testing.T) {
	want := errors.New("channel closed")
	h := NewForwardingHandler(&lineSink{err: want}, "info")

	var r slog.Record
	r.Message = "x"
	r.Level = slog.LevelInfo
	if err := h.Handle(t.Context(), r); !errors.Is(err, want) {
		t.Errorf("Handle error = %v, want %v", err, want)
	}
}

func TestSinkFunc(t *testing.T) {
	var got string
	s := SinkFunc(func(line string) error { got = line; return nil })
	s.Emit("hello")
	if got != "hello" {
		t.Errorf("got %q", got)
	}
}
