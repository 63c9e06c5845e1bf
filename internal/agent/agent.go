// Package agent implements the peer side of the kvmux protocol. An agent
// runs on a remote node with its standard streams connected to the
// controller through the remote shell. It waits for setup, opens the local
// platform and executes input, pointer, clipboard and brightness messages
// until the stream closes. It has no terminal, so its log records travel
// back to the controller as protocol log messages.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/postalsys/kvmux/internal/channel"
	"github.com/postalsys/kvmux/internal/fdwatch"
	"github.com/postalsys/kvmux/internal/logging"
	"github.com/postalsys/kvmux/internal/platform"
	"github.com/postalsys/kvmux/internal/protocol"
)

var (
	// ErrVersionMismatch is returned when the controller speaks another
	// protocol version
	ErrVersionMismatch = errors.New("protocol version mismatch")

	// ErrUnexpectedMessage is returned for a message the agent never
	// accepts in its current state
	ErrUnexpectedMessage = errors.New("unexpected message")
)

// PlatformFactory opens the local platform backend. It is called once,
// after the setup parameters are applied to the environment.
type PlatformFactory func() (platform.Platform, error)

// Options configures an Agent.
type Options struct {
	// InFD and OutFD carry the stream from and to the controller. They may
	// be the same descriptor. The agent takes ownership of both.
	InFD, OutFD int

	OpenPlatform PlatformFactory

	// Setenv applies one setup parameter. Defaults to os.Setenv.
	Setenv func(key, value string) error

	// LogLevel for forwarded records. Defaults to "info".
	LogLevel string

	// Channel bounds the outbound queue. Zero values take the defaults.
	Channel channel.Config
}

// Agent is one agent session. It is single-threaded; only the context
// passed to Run may be used from other goroutines.
type Agent struct {
	opts   Options
	logger *slog.Logger

	ch    *channel.Channel
	plat  platform.Platform
	ready bool

	watch         *fdwatch.Set
	streamWatch   fdwatch.Handle
	outWatch      fdwatch.Handle
	platformWatch fdwatch.Handle
	wakeWatch     fdwatch.Handle
	platformReady bool
	wakeReady     bool

	wakeMu       sync.Mutex
	wakeR, wakeW int

	done bool
	err  error
}

// New creates an agent on the given stream. Log records produced before
// the stream is switched to non-blocking mode are written synchronously.
func New(opts Options) (*Agent, error) {
	if opts.OpenPlatform == nil {
		return nil, fmt.Errorf("agent: platform factory is required")
	}
	if opts.Setenv == nil {
		opts.Setenv = os.Setenv
	}
	if opts.LogLevel == "" {
		opts.LogLevel = "info"
	}

	a := &Agent{
		opts:  opts,
		watch: fdwatch.New(),
		wakeR: -1,
		wakeW: -1,
	}
	a.logger = logging.NewForwardingLogger(logging.SinkFunc(a.emitLog), opts.LogLevel).
		With(logging.KeyComponent, "agent", logging.KeyPID, os.Getpid())
	a.logger.Debug("agent starting")

	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("wake pipe: %w", err)
	}
	a.wakeR, a.wakeW = fds[0], fds[1]

	ch, err := channel.New(opts.InFD, opts.OutFD, opts.Channel)
	if err != nil {
		a.closeWake()
		return nil, err
	}
	a.ch = ch

	if ch.SendFD() == ch.RecvFD() {
		a.streamWatch = a.watch.Register(ch.RecvFD(), a.receive, a.transmit)
		a.outWatch = a.streamWatch
	} else {
		a.streamWatch = a.watch.Register(ch.RecvFD(), a.receive, nil)
		a.outWatch = a.watch.Register(ch.SendFD(), nil, a.transmit)
	}
	a.watch.Monitor(a.streamWatch, fdwatch.Read)

	a.wakeWatch = a.watch.Register(a.wakeR, func() { a.wakeReady = true }, nil)
	a.watch.Monitor(a.wakeWatch, fdwatch.Read)
	return a, nil
}

// Logger returns the forwarding logger.
func (a *Agent) Logger() *slog.Logger {
	return a.logger
}

// Run serves the controller until the stream closes, a protocol error
// occurs or ctx ends. A stream closed by the controller is a clean exit.
// Run closes the agent before returning.
func (a *Agent) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, a.wake)
	defer stop()

	for !a.done {
		if a.ch.HasOutbound() {
			a.watch.Monitor(a.outWatch, fdwatch.Write)
		} else {
			a.watch.Unmonitor(a.outWatch, fdwatch.Write)
		}

		a.platformReady, a.wakeReady = false, false
		if _, err := a.watch.Wait(-1); err != nil {
			a.finish(fmt.Errorf("wait: %w", err))
			break
		}

		if a.platformReady && !a.done {
			if err := a.plat.ProcessEvents(); err != nil {
				a.finish(fmt.Errorf("platform events: %w", err))
			}
		}
		if a.wakeReady && ctx.Err() != nil {
			a.logger.Info("agent stopping", logging.KeyReason, context.Cause(ctx))
			a.finish(nil)
		}
	}

	a.flush()
	a.Close()
	return a.err
}

func (a *Agent) wake() {
	a.wakeMu.Lock()
	defer a.wakeMu.Unlock()
	if a.wakeW >= 0 {
		unix.Write(a.wakeW, []byte{1})
	}
}

// finish ends the session with err, keeping the first error.
func (a *Agent) finish(err error) {
	if a.done {
		return
	}
	a.done = true
	a.err = err
}

// fail logs err through the channel and ends the session.
func (a *Agent) fail(err error) {
	a.logger.Error("agent exiting", logging.KeyError, err)
	a.finish(err)
}

// flush makes a last non-blocking attempt to deliver queued messages,
// which usually hold the log record explaining the exit.
func (a *Agent) flush() {
	for a.ch != nil && !a.ch.Closed() && a.ch.HasOutbound() {
		st, err := a.ch.Send()
		if err != nil || st == channel.SendWouldBlock {
			return
		}
	}
}

func (a *Agent) receive() {
	if a.done {
		return
	}
	m, err := a.ch.Receive()
	if err != nil {
		if errors.Is(err, channel.ErrPeerClosed) {
			a.finish(nil)
			return
		}
		a.fail(fmt.Errorf("receive: %w", err))
		return
	}
	if m == nil {
		return
	}
	if err := a.handle(m); err != nil {
		a.fail(err)
	}
}

func (a *Agent) transmit() {
	if a.done {
		return
	}
	if _, err := a.ch.Send(); err != nil {
		a.finish(fmt.Errorf("send: %w", err))
	}
}

// send queues m for the controller. A full queue ends the session.
func (a *Agent) send(m protocol.Message) {
	if err := a.ch.Enqueue(m); err != nil {
		a.finish(fmt.Errorf("queue %s: %w", m.Type(), err))
	}
}

// emitLog is the forwarding logger's sink.
func (a *Agent) emitLog(line string) error {
	m := &protocol.Log{Text: []byte(line)}
	if a.ch == nil {
		return protocol.NewWriter(fdWriter(a.opts.OutFD)).Write(m)
	}
	return a.ch.Enqueue(m)
}

// fdWriter writes to a descriptor that is still blocking, for the window
// before the channel takes it over. It does not own the descriptor.
type fdWriter int

func (w fdWriter) Write(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		m, err := unix.Write(int(w), p[n:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return n, err
		}
		n += m
	}
	return n, nil
}

func (a *Agent) handle(m protocol.Message) error {
	if !a.ready {
		s, ok := m.(*protocol.Setup)
		if !ok {
			return fmt.Errorf("%w: %s before setup", ErrUnexpectedMessage, m.Type())
		}
		return a.setup(s)
	}

	var err error
	switch m := m.(type) {
	case *protocol.KeyEvent:
		err = a.plat.InjectKey(platform.KeyCode(m.Key), m.Action)
	case *protocol.ClickEvent:
		err = a.plat.InjectClick(platform.Button(m.Button), m.Action)
	case *protocol.MoveRel:
		err = a.plat.MoveMouseRel(m.DX, m.DY)
	case *protocol.SetMousePos:
		err = a.plat.SetMousePos(platform.Point{X: m.X, Y: m.Y})
	case *protocol.SetMousePosScreenRel:
		err = a.plat.SetMousePosScreenRel(m.X, m.Y)
	case *protocol.SetBrightness:
		err = a.plat.SetBrightness(m.Level)
	case *protocol.SetClipboard:
		err = a.plat.SetClipboard(m.Text)
	case *protocol.GetClipboard:
		var text []byte
		if text, err = a.plat.Clipboard(); err == nil {
			a.send(&protocol.SetClipboard{Text: text})
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnexpectedMessage, m.Type())
	}

	if err != nil {
		a.logger.Warn("failed to apply message",
			logging.KeyType, m.Type().String(),
			logging.KeyError, err)
	}
	return nil
}

// setup applies the controller's parameters, opens the platform and
// acknowledges with Ready.
func (a *Agent) setup(s *protocol.Setup) error {
	if s.Version != protocol.ProtocolVersion {
		return fmt.Errorf("%w: controller speaks %d, agent speaks %d",
			ErrVersionMismatch, s.Version, protocol.ProtocolVersion)
	}
	params, err := protocol.ParseParams(s.Params)
	if err != nil {
		return fmt.Errorf("setup parameters: %w", err)
	}
	for _, k := range slices.Sorted(maps.Keys(params)) {
		if err := a.opts.Setenv(k, params[k]); err != nil {
			return fmt.Errorf("set %s: %w", k, err)
		}
	}

	plat, err := a.opts.OpenPlatform()
	if err != nil {
		return fmt.Errorf("open platform: %w", err)
	}
	a.plat = plat
	a.plat.SetHandler(edgeReporter{a})
	a.platformWatch = a.watch.Register(plat.EventFD(), func() { a.platformReady = true }, nil)
	a.watch.Monitor(a.platformWatch, fdwatch.Read)

	a.ready = true
	a.send(&protocol.Ready{})
	a.logger.Debug("setup complete", logging.KeyCount, len(params))
	return nil
}

// edgeReporter reports local edge crossings to the controller. The agent
// never grabs input, so the other callbacks have nothing to do.
type edgeReporter struct {
	a *Agent
}

func (edgeReporter) KeyEvent(platform.KeyCode, protocol.PressRelease)  {}
func (edgeReporter) MoveRel(int32, int32)                              {}
func (edgeReporter) ClickEvent(platform.Button, protocol.PressRelease) {}

func (e edgeReporter) EdgeMaskChange(oldMask, newMask uint32, x, y float32) {
	e.a.send(&protocol.EdgeMaskChange{Old: oldMask, New: newMask, X: x, Y: y})
}

// Close releases the stream, the platform and the wake pipe. It is
// idempotent.
func (a *Agent) Close() error {
	var errs []error
	a.watch.Unregister(a.platformWatch)
	a.watch.Unregister(a.streamWatch)
	a.watch.Unregister(a.outWatch)
	if a.ch != nil {
		errs = append(errs, a.ch.Close())
	}
	if a.plat != nil {
		errs = append(errs, a.plat.Close())
		a.plat = nil
	}
	a.closeWake()
	return errors.Join(errs...)
}

func (a *Agent) closeWake() {
	a.watch.Unregister(a.wakeWatch)
	a.wakeMu.Lock()
	defer a.wakeMu.Unlock()
	if a.wakeR >= 0 {
		unix.Close(a.wakeR)
		unix.Close(a.wakeW)
		a.wakeR, a.wakeW = -1, -1
	}
}
