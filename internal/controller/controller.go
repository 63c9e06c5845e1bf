// Package controller is the kvmux controller engine. It owns every remote,
// the focused node, the scheduled-call queue and the readiness wait that
// multiplexes all of them with the platform's input events. The engine is
// single-threaded: every method except Do, Post and the control adapters
// must be called from the goroutine running Run or RunOnce.
package controller

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/postalsys/kvmux/internal/channel"
	"github.com/postalsys/kvmux/internal/config"
	"github.com/postalsys/kvmux/internal/edge"
	"github.com/postalsys/kvmux/internal/fdwatch"
	"github.com/postalsys/kvmux/internal/logging"
	"github.com/postalsys/kvmux/internal/metrics"
	"github.com/postalsys/kvmux/internal/peer"
	"github.com/postalsys/kvmux/internal/platform"
	"github.com/postalsys/kvmux/internal/protocol"
	"github.com/postalsys/kvmux/internal/scheduler"
	"github.com/postalsys/kvmux/internal/transport"
)

// ErrStopped is returned for requests made after the controller shut down.
var ErrStopped = errors.New("controller stopped")

// Options configures a Controller.
type Options struct {
	Config   *config.Config
	Topology *config.Topology
	Platform platform.Platform
	Spawner  transport.Spawner

	// Logger defaults to a discarding logger.
	Logger *slog.Logger

	// Metrics defaults to metrics.Default().
	Metrics *metrics.Metrics

	// Backoff defaults to peer.DefaultReconnectConfig().
	Backoff peer.ReconnectConfig
}

// link is the controller's per-remote bookkeeping around a peer.Remote.
type link struct {
	remote *peer.Remote
	setup  []byte

	recvWatch fdwatch.Handle
	sendWatch fdwatch.Handle
	spawnedAt time.Time
}

// Controller is the engine context threaded through every operation.
type Controller struct {
	cfg     *config.Config
	plat    platform.Platform
	spawner transport.Spawner
	logger  *slog.Logger
	metrics *metrics.Metrics
	backoff *peer.BackoffCalculator
	chanCfg channel.Config
	tap     edge.MultiTap

	links       []*link
	byRemote    map[*peer.Remote]*link
	masterNbrs  [edge.NumDirections]peer.Node
	masterEdges edge.Tracker

	focus    peer.Node
	savedPos platform.Point

	calls scheduler.Calls
	now   func() time.Time

	watch         *fdwatch.Set
	platformWatch fdwatch.Handle
	wakeWatch     fdwatch.Handle
	platformReady bool
	wakeReady     bool
	wakeR, wakeW  int

	inboxMu sync.Mutex
	inbox   []request
	stopped bool

	quit   bool
	closed bool
}

// New builds a controller from a validated configuration and its resolved
// topology. It binds every configured hotkey; a binding failure is
// returned. The controller takes ownership of the platform.
func New(opts Options) (*Controller, error) {
	cfg, topo := opts.Config, opts.Topology
	if cfg == nil || topo == nil || opts.Platform == nil || opts.Spawner == nil {
		return nil, fmt.Errorf("controller: config, topology, platform and spawner are required")
	}
	if len(topo.Remotes) != len(cfg.Remotes) {
		return nil, fmt.Errorf("controller: topology has %d remotes, config has %d", len(topo.Remotes), len(cfg.Remotes))
	}

	backoff := opts.Backoff
	if backoff == (peer.ReconnectConfig{}) {
		backoff = peer.DefaultReconnectConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.Default()
	}

	c := &Controller{
		cfg:     cfg,
		plat:    opts.Platform,
		spawner: opts.Spawner,
		logger:  logger,
		metrics: m,
		backoff: peer.NewBackoffCalculator(backoff),
		chanCfg: channel.Config{
			MaxBacklogBytes:   int(cfg.Channel.SendBacklog),
			MaxQueuedMessages: cfg.Channel.MaxQueuedMessages,
		},
		tap:      cfg.MouseSwitch.Policy(),
		byRemote: make(map[*peer.Remote]*link, len(cfg.Remotes)),
		focus:    peer.Master,
		now:      time.Now,
		watch:    fdwatch.New(),
		wakeR:    -1,
		wakeW:    -1,
	}

	defaults := cfg.Transport.Settings()
	for _, rc := range cfg.Remotes {
		params := rc.SetupParams()
		setup, err := protocol.FlattenParams(params)
		if err != nil {
			return nil, fmt.Errorf("remote %q: %w", rc.Name(), err)
		}
		r := peer.NewRemote(rc.Alias, rc.Hostname, rc.Transport.Settings().Merge(defaults), params)
		l := &link{remote: r, setup: setup}
		c.links = append(c.links, l)
		c.byRemote[r] = l
	}

	// Single resolution pass from configuration references to nodes.
	for d := range c.masterNbrs {
		c.masterNbrs[d] = c.node(topo.Master[d])
	}
	for i, l := range c.links {
		for d := range l.remote.Neighbors {
			l.remote.Neighbors[d] = c.node(topo.Remotes[i][d])
		}
	}

	if err := c.openWake(); err != nil {
		return nil, err
	}
	c.platformWatch = c.watch.Register(c.plat.EventFD(), func() { c.platformReady = true }, nil)
	c.watch.Monitor(c.platformWatch, fdwatch.Read)

	c.plat.SetHandler(inputHandler{c})
	for _, hk := range topo.Hotkeys {
		action := hk.Action
		if err := c.plat.BindHotkey(hk.Key, func(mods []platform.KeyCode) { c.runAction(action, mods) }); err != nil {
			c.closeWake()
			return nil, fmt.Errorf("bind hotkey %q: %w", hk.Key, err)
		}
	}

	return c, nil
}

// node converts a resolved configuration reference to a node.
func (c *Controller) node(ref config.NodeRef) peer.Node {
	switch ref.Kind() {
	case config.RefMaster:
		return peer.Master
	case config.RefRemote:
		return peer.RemoteNode(c.links[ref.Index()].remote)
	case config.RefNone:
		return peer.None
	default:
		panic(fmt.Sprintf("unresolved node reference %q", ref.Name()))
	}
}

func (c *Controller) openWake() error {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return fmt.Errorf("wake pipe: %w", err)
	}
	c.wakeR, c.wakeW = fds[0], fds[1]
	c.wakeWatch = c.watch.Register(c.wakeR, func() { c.wakeReady = true }, nil)
	c.watch.Monitor(c.wakeWatch, fdwatch.Read)
	return nil
}

func (c *Controller) closeWake() {
	c.watch.Unregister(c.wakeWatch)
	c.inboxMu.Lock()
	defer c.inboxMu.Unlock()
	if c.wakeR >= 0 {
		unix.Close(c.wakeR)
		unix.Close(c.wakeW)
		c.wakeR, c.wakeW = -1, -1
	}
}

// SetClock replaces the time source.
func (c *Controller) SetClock(now func() time.Time) {
	c.now = now
}

// Remotes returns every remote in configuration order.
func (c *Controller) Remotes() []*peer.Remote {
	out := make([]*peer.Remote, len(c.links))
	for i, l := range c.links {
		out[i] = l.remote
	}
	return out
}

// Remote looks up a remote by alias, then by hostname.
func (c *Controller) Remote(name string) (*peer.Remote, bool) {
	for _, l := range c.links {
		if l.remote.Alias == name {
			return l.remote, true
		}
	}
	for _, l := range c.links {
		if l.remote.Hostname == name {
			return l.remote, true
		}
	}
	return nil, false
}

// FocusedNode returns the focused node.
func (c *Controller) FocusedNode() peer.Node {
	return c.focus
}

// Quitting reports whether a quit was requested.
func (c *Controller) Quitting() bool {
	return c.quit
}

// Close disconnects every remote, releases input capture and closes the
// platform. It is idempotent.
func (c *Controller) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	if c.focus.Kind == peer.NodeRemote {
		if err := c.plat.Ungrab(); err != nil {
			errs = append(errs, fmt.Errorf("ungrab: %w", err))
		}
		c.focus = peer.Master
	}
	for _, l := range c.links {
		c.unwatch(l)
		if err := l.remote.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("remote %s: %w", l.remote.Alias, err))
		}
	}
	c.calls.Clear()

	c.stopInbox()
	c.watch.Unregister(c.platformWatch)
	c.closeWake()
	if err := c.plat.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close platform: %w", err))
	}
	return errors.Join(errs...)
}
