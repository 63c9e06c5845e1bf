package peer

import (
	"errors"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/postalsys/kvmux/internal/channel"
	"github.com/postalsys/kvmux/internal/protocol"
	"github.com/postalsys/kvmux/internal/transport"
)

// ============================================================================
// Connection State Tests
// ============================================================================

func TestConnectionState_String(t *testing.T) {
	tests := []struct {
		state ConnectionState
		want  string
	}{
		{StateSettingUp, "SETTING_UP"},
		{StateConnected, "CONNECTED"},
		{StateFailed, "FAILED"},
		{StatePermanentlyFailed, "PERMANENTLY_FAILED"},
		{ConnectionState(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("ConnectionState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestNode_String(t *testing.T) {
	r := NewRemote("", "host.example", transport.Settings{}, nil)
	if r.Alias != "host.example" {
		t.Errorf("Alias = %q, want hostname fallback", r.Alias)
	}

	tests := []struct {
		node Node
		want string
	}{
		{None, "none"},
		{Master, "master"},
		{RemoteNode(r), "host.example"},
	}
	for _, tt := range tests {
		if got := tt.node.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

// ============================================================================
// Reconnection Tests
// ============================================================================

func TestReconnectConfig_Default(t *testing.T) {
	cfg := DefaultReconnectConfig()

	if cfg.InitialDelay != 500*time.Millisecond {
		t.Errorf("InitialDelay = %v, want 500ms", cfg.InitialDelay)
	}
	if cfg.MaxDelay != 30*time.Second {
		t.Errorf("MaxDelay = %v, want 30s", cfg.MaxDelay)
	}
	if cfg.Multiplier != 2.0 {
		t.Errorf("Multiplier = %v, want 2.0", cfg.Multiplier)
	}
	if cfg.MaxAttempts != 10 {
		t.Errorf("MaxAttempts = %d, want 10", cfg.MaxAttempts)
	}
}

func TestBackoffCalculator_DelayAfterFailures(t *testing.T) {
	calc := NewBackoffCalculator(DefaultReconnectConfig())

	want := []time.Duration{
		500 * time.Millisecond,
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}

	for i, w := range want {
		failCount := i + 1
		if got := calc.DelayAfterFailures(failCount); got != w {
			t.Errorf("DelayAfterFailures(%d) = %v, want %v", failCount, got, w)
		}
	}
}

func TestBackoffCalculator_Exhausted(t *testing.T) {
	calc := NewBackoffCalculator(DefaultReconnectConfig())

	for k := 0; k <= 10; k++ {
		if calc.Exhausted(k) {
			t.Errorf("Exhausted(%d) = true", k)
		}
	}
	if !calc.Exhausted(11) {
		t.Error("Exhausted(11) = false")
	}

	unlimited := NewBackoffCalculator(ReconnectConfig{InitialDelay: time.Second, MaxDelay: time.Second, Multiplier: 2})
	if unlimited.Exhausted(1000) {
		t.Error("MaxAttempts 0 should never be exhausted")
	}
}

// ============================================================================
// Remote State Machine Tests
// ============================================================================

type fakeProcess struct {
	killed int
}

func (p *fakeProcess) Pid() int    { return 4242 }
func (p *fakeProcess) Kill() error { p.killed++; return nil }

func attach(t *testing.T, r *Remote) (*fakeProcess, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() { unix.Close(fds[1]) })

	proc := &fakeProcess{}
	if err := r.Attach(&transport.Conn{FD: fds[0], Process: proc}, channel.DefaultConfig()); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	return proc, fds[1]
}

func TestRemote_InitialState(t *testing.T) {
	r := NewRemote("a", "a.example", transport.Settings{}, nil)
	now := time.Now()

	if r.State() != StateFailed {
		t.Errorf("State = %s, want FAILED", r.State())
	}
	if !r.ReconnectDue(now) {
		t.Error("new remote not immediately due for reconnect")
	}
	if r.Live() {
		t.Error("new remote reports live")
	}
	if err := r.Enqueue(&protocol.Ready{}); !errors.Is(err, ErrNotLive) {
		t.Errorf("Enqueue error = %v, want ErrNotLive", err)
	}
	if d := r.NextDeadline(); d.IsZero() || d.After(now) {
		t.Errorf("NextDeadline = %v, want a past deadline", d)
	}
}

func TestRemote_Lifecycle(t *testing.T) {
	r := NewRemote("a", "a.example", transport.Settings{}, nil)
	backoff := NewBackoffCalculator(DefaultReconnectConfig())
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	proc, _ := attach(t, r)
	if r.State() != StateSettingUp || !r.Live() {
		t.Fatalf("after Attach: state %s live %v", r.State(), r.Live())
	}
	if err := r.Enqueue(&protocol.Setup{Version: protocol.ProtocolVersion}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	r.MarkFailed(now, backoff)
	r.MarkFailed(now, backoff)
	if r.FailCount() != 2 {
		t.Fatalf("FailCount = %d", r.FailCount())
	}

	// Reconnect, then a ready clears the failure count.
	if err := r.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	attach(t, r)
	if err := r.MarkConnected(); err != nil {
		t.Fatalf("MarkConnected: %v", err)
	}
	if r.State() != StateConnected || r.FailCount() != 0 {
		t.Errorf("state %s failCount %d after ready", r.State(), r.FailCount())
	}
	if err := r.MarkConnected(); err == nil {
		t.Error("second ready accepted")
	}
	if proc.killed != 1 {
		t.Errorf("first process killed %d times", proc.killed)
	}
}

func TestRemote_BackoffAndPermanentFailure(t *testing.T) {
	r := NewRemote("a", "a.example", transport.Settings{}, nil)
	backoff := NewBackoffCalculator(DefaultReconnectConfig())
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for k := 1; k <= 10; k++ {
		if r.MarkFailed(now, backoff) {
			t.Fatalf("permanent after %d failures", k)
		}
		if r.State() != StateFailed {
			t.Fatalf("state = %s after %d failures", r.State(), k)
		}
		want := now.Add(backoff.DelayAfterFailures(k))
		if !r.NextReconnect().Equal(want) {
			t.Errorf("failure %d: next reconnect %v, want %v", k, r.NextReconnect(), want)
		}
		if r.ReconnectDue(want.Add(-time.Nanosecond)) {
			t.Errorf("failure %d: due before backoff elapsed", k)
		}
		if !r.ReconnectDue(want) {
			t.Errorf("failure %d: not due when backoff elapsed", k)
		}
	}

	if !r.MarkFailed(now, backoff) {
		t.Fatal("11th failure not permanent")
	}
	if r.State() != StatePermanentlyFailed {
		t.Errorf("state = %s, want PERMANENTLY_FAILED", r.State())
	}
	far := now.Add(24 * time.Hour)
	if r.ReconnectDue(far) {
		t.Error("permanently failed remote due for reconnect")
	}
	if !r.NextDeadline().IsZero() {
		t.Errorf("NextDeadline = %v, want none", r.NextDeadline())
	}

	r.Reset(far)
	if r.State() != StateFailed || r.FailCount() != 0 {
		t.Errorf("after Reset: state %s failCount %d", r.State(), r.FailCount())
	}
	if !r.ReconnectDue(far) {
		t.Error("reset remote not immediately due")
	}
}

func TestRemote_DisconnectDiscardsState(t *testing.T) {
	r := NewRemote("a", "a.example", transport.Settings{}, nil)
	proc, _ := attach(t, r)
	now := time.Now()

	r.ScheduleMessage(now.Add(time.Second), &protocol.SetBrightness{Level: 0.5})
	r.Enqueue(&protocol.GetClipboard{})

	if err := r.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if proc.killed != 1 {
		t.Errorf("killed = %d, want 1", proc.killed)
	}
	if r.Channel() != nil || r.Process() != nil {
		t.Error("connection still attached")
	}
	if r.ScheduledCount() != 0 {
		t.Errorf("ScheduledCount = %d, want 0", r.ScheduledCount())
	}
	if err := r.Disconnect(); err != nil {
		t.Errorf("second Disconnect: %v", err)
	}
}

func TestRemote_ScheduledMessages(t *testing.T) {
	r := NewRemote("a", "a.example", transport.Settings{}, nil)
	attach(t, r)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	r.ScheduleMessage(now.Add(200*time.Millisecond), &protocol.SetBrightness{Level: 1})
	r.ScheduleMessage(now.Add(100*time.Millisecond), &protocol.SetBrightness{Level: 0.5})

	if d := r.NextDeadline(); !d.Equal(now.Add(100 * time.Millisecond)) {
		t.Errorf("NextDeadline = %v", d)
	}
	if _, ok := r.PopDueMessage(now); ok {
		t.Error("message popped before due")
	}
	m, ok := r.PopDueMessage(now.Add(150 * time.Millisecond))
	if !ok || m.(*protocol.SetBrightness).Level != 0.5 {
		t.Errorf("PopDueMessage = %v, %v", m, ok)
	}
}
