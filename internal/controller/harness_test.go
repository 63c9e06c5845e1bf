package controller

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"

	"github.com/postalsys/kvmux/internal/channel"
	"github.com/postalsys/kvmux/internal/config"
	"github.com/postalsys/kvmux/internal/metrics"
	"github.com/postalsys/kvmux/internal/peer"
	"github.com/postalsys/kvmux/internal/platform/headless"
	"github.com/postalsys/kvmux/internal/protocol"
	"github.com/postalsys/kvmux/internal/transport"
)

// ============================================================================
// Fake transport
// ============================================================================

type fakeProcess struct {
	pid    int
	killed bool
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Kill() error {
	p.killed = true
	return nil
}

// fakeAgent is the remote end of a spawned transport, driven by the test.
type fakeAgent struct {
	host string
	ch   *channel.Channel
	proc *fakeProcess
}

// drain returns every message the controller has written so far.
func (a *fakeAgent) drain(t *testing.T) []protocol.Message {
	t.Helper()
	var out []protocol.Message
	for {
		m, err := a.ch.Receive()
		if errors.Is(err, channel.ErrPeerClosed) {
			return out
		}
		if err != nil {
			t.Fatalf("agent %s receive: %v", a.host, err)
		}
		if m == nil {
			return out
		}
		out = append(out, m)
	}
}

func (a *fakeAgent) send(t *testing.T, msgs ...protocol.Message) {
	t.Helper()
	for _, m := range msgs {
		if err := a.ch.Enqueue(m); err != nil {
			t.Fatalf("agent %s enqueue: %v", a.host, err)
		}
	}
	for a.ch.HasOutbound() {
		if _, err := a.ch.Send(); err != nil {
			t.Fatalf("agent %s send: %v", a.host, err)
		}
	}
}

func (a *fakeAgent) hangUp() {
	a.ch.Close()
}

// fakeSpawner hands out socketpairs instead of running a remote shell.
type fakeSpawner struct {
	agents map[string][]*fakeAgent
	err    error
	pids   int
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{agents: make(map[string][]*fakeAgent)}
}

func (s *fakeSpawner) Spawn(hostname string, _ transport.Settings) (*transport.Conn, error) {
	if s.err != nil {
		return nil, s.err
	}
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	ch, err := channel.New(fds[1], fds[1], channel.DefaultConfig())
	if err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, err
	}
	s.pids++
	a := &fakeAgent{host: hostname, ch: ch, proc: &fakeProcess{pid: 1000 + s.pids}}
	s.agents[hostname] = append(s.agents[hostname], a)
	return &transport.Conn{FD: fds[0], Process: a.proc}, nil
}

func (s *fakeSpawner) spawns(hostname string) int {
	return len(s.agents[hostname])
}

func (s *fakeSpawner) latest(hostname string) *fakeAgent {
	list := s.agents[hostname]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

func (s *fakeSpawner) closeAll() {
	for _, list := range s.agents {
		for _, a := range list {
			a.ch.Close()
		}
	}
}

// ============================================================================
// Harness
// ============================================================================

var testBackoff = peer.ReconnectConfig{
	InitialDelay: 10 * time.Millisecond,
	MaxDelay:     40 * time.Millisecond,
	Multiplier:   2,
	MaxAttempts:  3,
}

// twoRemotes is master <-> alpha <-> beta in a row.
const twoRemotes = `
master:
  neighbors:
    right: alpha
remotes:
  - alias: alpha
    hostname: alpha.lan
    neighbors:
      left: master
      right: beta
  - alias: beta
    hostname: beta.lan
    neighbors:
      left: alpha
hotkeys:
  - key: control+mod4+right
    action: switch right
  - key: control+mod4+left
    action: switch left
  - key: control+mod4+b
    action: switch-to beta
  - key: control+mod4+r
    action: reconnect
  - key: control+mod4+q
    action: quit
`

type harness struct {
	t       *testing.T
	ctrl    *Controller
	plat    *headless.Platform
	spawner *fakeSpawner
	metrics *metrics.Metrics
	now     time.Time
}

func newHarness(t *testing.T, yamlConfig string) *harness {
	t.Helper()

	cfg, err := config.Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	topo, err := cfg.Resolve()
	if err != nil {
		t.Fatalf("resolve config: %v", err)
	}
	plat, err := headless.New(1000, 800)
	if err != nil {
		t.Fatalf("headless platform: %v", err)
	}

	h := &harness{
		t:       t,
		plat:    plat,
		spawner: newFakeSpawner(),
		metrics: metrics.NewMetricsWithRegistry(prometheus.NewRegistry()),
		now:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.ctrl, err = New(Options{
		Config:   cfg,
		Topology: topo,
		Platform: plat,
		Spawner:  h.spawner,
		Metrics:  h.metrics,
		Backoff:  testBackoff,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.ctrl.SetClock(func() time.Time { return h.now })

	t.Cleanup(func() {
		h.ctrl.Close()
		h.spawner.closeAll()
	})
	return h
}

func (h *harness) advance(d time.Duration) {
	h.now = h.now.Add(d)
}

// pump runs a few non-blocking loop iterations.
func (h *harness) pump() {
	h.t.Helper()
	for i := 0; i < 4; i++ {
		if err := h.ctrl.RunOnce(0); err != nil {
			h.t.Fatalf("RunOnce: %v", err)
		}
	}
}

func (h *harness) remote(name string) *peer.Remote {
	h.t.Helper()
	r, ok := h.ctrl.Remote(name)
	if !ok {
		h.t.Fatalf("no remote %q", name)
	}
	return r
}

func (h *harness) agent(name string) *fakeAgent {
	h.t.Helper()
	a := h.spawner.latest(h.remote(name).Hostname)
	if a == nil {
		h.t.Fatalf("remote %q never spawned", name)
	}
	return a
}

// connect completes the handshake for the named remotes and discards what
// they received.
func (h *harness) connect(names ...string) {
	h.t.Helper()
	h.pump()
	for _, name := range names {
		a := h.agent(name)
		msgs := a.drain(h.t)
		if len(msgs) == 0 {
			h.t.Fatalf("%s: no setup message", name)
		}
		if _, ok := msgs[0].(*protocol.Setup); !ok {
			h.t.Fatalf("%s: first message is %s, want setup", name, msgs[0].Type())
		}
		a.send(h.t, &protocol.Ready{})
	}
	h.pump()
	for _, name := range names {
		if st := h.remote(name).State(); st != peer.StateConnected {
			h.t.Fatalf("%s: state %s after ready", name, st)
		}
		h.agent(name).drain(h.t)
	}
}

// ============================================================================
// Message helpers
// ============================================================================

func keyEvents(msgs []protocol.Message) []protocol.KeyEvent {
	var out []protocol.KeyEvent
	for _, m := range msgs {
		if k, ok := m.(*protocol.KeyEvent); ok {
			out = append(out, *k)
		}
	}
	return out
}

func brightnessLevels(msgs []protocol.Message) []float32 {
	var out []float32
	for _, m := range msgs {
		if b, ok := m.(*protocol.SetBrightness); ok {
			out = append(out, b.Level)
		}
	}
	return out
}

func messageTypes(msgs []protocol.Message) []protocol.MessageType {
	out := make([]protocol.MessageType, len(msgs))
	for i, m := range msgs {
		out[i] = m.Type()
	}
	return out
}

func findMessage[T protocol.Message](msgs []protocol.Message) (T, bool) {
	for _, m := range msgs {
		if v, ok := m.(T); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}
