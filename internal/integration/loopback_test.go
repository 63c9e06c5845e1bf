// Package integration runs a controller against real agents connected
// over socketpairs instead of a remote shell.
package integration

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/postalsys/kvmux/internal/agent"
	"github.com/postalsys/kvmux/internal/config"
	"github.com/postalsys/kvmux/internal/control"
	"github.com/postalsys/kvmux/internal/controller"
	"github.com/postalsys/kvmux/internal/logging"
	"github.com/postalsys/kvmux/internal/metrics"
	"github.com/postalsys/kvmux/internal/peer"
	"github.com/postalsys/kvmux/internal/platform"
	"github.com/postalsys/kvmux/internal/platform/headless"
	"github.com/postalsys/kvmux/internal/transport"

	"github.com/prometheus/client_golang/prometheus"
)

// ============================================================================
// Loopback transport
// ============================================================================

// loopbackAgent is one in-process agent session.
type loopbackAgent struct {
	pid    int
	plat   *headless.Platform
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (a *loopbackAgent) Pid() int { return a.pid }

// Kill stops the agent and waits for it to exit.
func (a *loopbackAgent) Kill() error {
	a.cancel()
	select {
	case <-a.done:
		return nil
	case <-time.After(5 * time.Second):
		return errors.New("agent did not exit")
	}
}

// loopbackSpawner starts an agent in a goroutine for every spawn.
type loopbackSpawner struct {
	mu     sync.Mutex
	agents map[string][]*loopbackAgent
	params map[string]map[string]string
}

func newLoopbackSpawner() *loopbackSpawner {
	return &loopbackSpawner{
		agents: make(map[string][]*loopbackAgent),
		params: make(map[string]map[string]string),
	}
}

func (s *loopbackSpawner) Spawn(hostname string, _ transport.Settings) (*transport.Conn, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}

	la := &loopbackAgent{done: make(chan struct{})}
	a, err := agent.New(agent.Options{
		InFD:     fds[1],
		OutFD:    fds[1],
		LogLevel: "debug",
		Setenv: func(k, v string) error {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.params[hostname] == nil {
				s.params[hostname] = make(map[string]string)
			}
			s.params[hostname][k] = v
			return nil
		},
		OpenPlatform: func() (platform.Platform, error) {
			p, err := headless.New(800, 600)
			if err != nil {
				return nil, err
			}
			s.mu.Lock()
			la.plat = p
			s.mu.Unlock()
			return p, nil
		},
	})
	if err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	la.cancel = cancel
	go func() {
		defer close(la.done)
		la.err = a.Run(ctx)
	}()

	s.mu.Lock()
	la.pid = 5000 + len(s.agents[hostname])
	s.agents[hostname] = append(s.agents[hostname], la)
	s.mu.Unlock()

	return &transport.Conn{FD: fds[0], Process: la}, nil
}

func (s *loopbackSpawner) spawns(hostname string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.agents[hostname])
}

func (s *loopbackSpawner) latest(hostname string) *loopbackAgent {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.agents[hostname]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

// platform returns the latest agent's platform once setup opened it.
func (s *loopbackSpawner) platform(hostname string) *headless.Platform {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.agents[hostname]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1].plat
}

func (s *loopbackSpawner) setupParams(hostname string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string)
	for k, v := range s.params[hostname] {
		out[k] = v
	}
	return out
}

// ============================================================================
// Environment
// ============================================================================

// lockedBuffer collects controller log output.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

const pairConfig = `
master:
  neighbors:
    right: alpha
remotes:
  - alias: alpha
    hostname: alpha.lan
    display: ":3"
    params:
      LANG: C.UTF-8
    neighbors:
      left: master
`

type env struct {
	t       *testing.T
	ctrl    *controller.Controller
	plat    *headless.Platform
	spawner *loopbackSpawner
	logs    *lockedBuffer
	cancel  context.CancelFunc
	done    chan error
}

func startEnv(t *testing.T, yamlConfig string) *env {
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

	e := &env{
		t:       t,
		plat:    plat,
		spawner: newLoopbackSpawner(),
		logs:    &lockedBuffer{},
		done:    make(chan error, 1),
	}
	e.ctrl, err = controller.New(controller.Options{
		Config:   cfg,
		Topology: topo,
		Platform: plat,
		Spawner:  e.spawner,
		Logger:   logging.NewLoggerWithWriter("debug", "text", e.logs),
		Metrics:  metrics.NewMetricsWithRegistry(prometheus.NewRegistry()),
		Backoff: peer.ReconnectConfig{
			InitialDelay: 20 * time.Millisecond,
			MaxDelay:     100 * time.Millisecond,
			Multiplier:   2,
			MaxAttempts:  5,
		},
	})
	if err != nil {
		t.Fatalf("controller: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	go func() { e.done <- e.ctrl.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-e.done:
			if err != nil {
				t.Errorf("controller Run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("controller did not stop")
		}
	})
	return e
}

// eventually polls cond until it holds or the deadline passes.
func (e *env) eventually(what string, cond func() bool) {
	e.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			e.t.Fatalf("timed out waiting for %s\ncontroller log:\n%s", what, e.logs.String())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (e *env) status() *control.StatusResponse {
	e.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := e.ctrl.Status(ctx)
	if err != nil {
		e.t.Fatalf("Status: %v", err)
	}
	return st
}

func (e *env) remote(alias string) control.RemoteInfo {
	e.t.Helper()
	for _, r := range e.status().Remotes {
		if r.Alias == alias {
			return r
		}
	}
	e.t.Fatalf("no remote %q in status", alias)
	return control.RemoteInfo{}
}

func (e *env) waitConnected(alias string) *headless.Platform {
	e.t.Helper()
	e.eventually(alias+" connected", func() bool { return e.remote(alias).State == "connected" })
	var p *headless.Platform
	e.eventually(alias+" platform", func() bool {
		p = e.spawner.platform(e.remote(alias).Hostname)
		return p != nil
	})
	return p
}

func (e *env) focus(node string) {
	e.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.ctrl.Focus(ctx, node); err != nil {
		e.t.Fatalf("Focus(%s): %v", node, err)
	}
}
