package logging

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// Sink receives one rendered log line, without a trailing newline.
type Sink interface {
	Emit(line string) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(line string) error

// Emit implements Sink.
func (f SinkFunc) Emit(line string) error {
	return f(line)
}

// Default forwarding limits.
const (
	DefaultForwardRate  rate.Limit = 200
	DefaultForwardBurst            = 64
)

// forwardState is shared by a handler and every handler derived from it.
type forwardState struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	sink    Sink
	limiter *rate.Limiter
	dropped int
}

// ForwardingHandler renders each record as one text line and hands it to
// a Sink. It is used where there is no terminal to write to, such as an
// agent whose only output is its protocol stream. Records below error
// level are rate limited; dropped lines are counted and reported with the
// next line that gets through.
type ForwardingHandler struct {
	inner slog.Handler
	state *forwardState
}

var _ slog.Handler = (*ForwardingHandler)(nil)

// NewForwardingHandler creates a handler with the default rate limit.
func NewForwardingHandler(sink Sink, level string) *ForwardingHandler {
	return NewForwardingHandlerWithLimit(sink, level, DefaultForwardRate, DefaultForwardBurst)
}

// NewForwardingHandlerWithLimit creates a handler that forwards at most
// limit lines per second with the given burst.
func NewForwardingHandlerWithLimit(sink Sink, level string, limit rate.Limit, burst int) *ForwardingHandler {
	st := &forwardState{
		sink:    sink,
		limiter: rate.NewLimiter(limit, burst),
	}
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// The receiving side timestamps the line.
			if len(groups) == 0 && a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return a
		},
	}
	return &ForwardingHandler{
		inner: slog.NewTextHandler(&st.buf, opts),
		state: st,
	}
}

// NewForwardingLogger returns a logger backed by a ForwardingHandler.
func NewForwardingLogger(sink Sink, level string) *slog.Logger {
	return slog.New(NewForwardingHandler(sink, level))
}

// Enabled implements slog.Handler.
func (h *ForwardingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *ForwardingHandler) Handle(ctx context.Context, r slog.Record) error {
	st := h.state
	st.mu.Lock()
	defer st.mu.Unlock()

	// Errors always go through; an agent's exit reason is usually one.
	if r.Level < slog.LevelError && !st.limiter.Allow() {
		st.dropped++
		return nil
	}

	st.buf.Reset()
	if err := h.inner.Handle(ctx, r); err != nil {
		return err
	}
	line := strings.TrimSuffix(st.buf.String(), "\n")

	if st.dropped > 0 {
		notice := fmt.Sprintf("level=WARN msg=\"log lines dropped\" %s=%d", KeyCount, st.dropped)
		st.dropped = 0
		if err := st.sink.Emit(notice); err != nil {
			return err
		}
	}
	return st.sink.Emit(line)
}

// WithAttrs implements slog.Handler.
func (h *ForwardingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ForwardingHandler{inner: h.inner.WithAttrs(attrs), state: h.state}
}

// WithGroup implements slog.Handler.
func (h *ForwardingHandler) WithGroup(name string) slog.Handler {
	return &ForwardingHandler{inner: h.inner.WithGroup(name), state: h.state}
}

// Dropped returns the number of lines dropped since the last forwarded
// line.
func (h *ForwardingHandler) Dropped() int {
	h.state.mu.Lock()
	defer h.state.mu.Unlock()
	return h.state.dropped
}
