package controller

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/postalsys/kvmux/internal/channel"
	"github.com/postalsys/kvmux/internal/fdwatch"
	"github.com/postalsys/kvmux/internal/logging"
	"github.com/postalsys/kvmux/internal/peer"
	"github.com/postalsys/kvmux/internal/protocol"
)

// Failure reasons, used as metric labels.
const (
	ReasonReceive    = "receive"
	ReasonProtocol   = "protocol"
	ReasonSend       = "send"
	ReasonBacklog    = "backlog"
	ReasonUnexpected = "unexpected"
	ReasonRequested  = "requested"
)

// connect spawns a transport for l and sends the setup message. A spawn
// failure means the host cannot run processes at all, so it is returned
// rather than retried.
func (c *Controller) connect(l *link, now time.Time) error {
	r := l.remote
	c.metrics.RecordReconnectAttempt()

	conn, err := c.spawner.Spawn(r.Hostname, r.Transport)
	if err != nil {
		return fmt.Errorf("remote %s: %w", r.Alias, err)
	}
	if err := r.Attach(conn, c.chanCfg); err != nil {
		unix.Close(conn.FD)
		conn.Process.Kill()
		return err
	}
	l.spawnedAt = now

	ch := r.Channel()
	onRead := func() { c.receive(l) }
	onWrite := func() { c.transmit(l) }
	if ch.SendFD() == ch.RecvFD() {
		l.recvWatch = c.watch.Register(ch.RecvFD(), onRead, onWrite)
		l.sendWatch = l.recvWatch
	} else {
		l.recvWatch = c.watch.Register(ch.RecvFD(), onRead, nil)
		l.sendWatch = c.watch.Register(ch.SendFD(), nil, onWrite)
	}
	c.watch.Monitor(l.recvWatch, fdwatch.Read)
	c.logger.Info("connecting to remote",
		logging.KeyRemote, r.Alias,
		logging.KeyHostname, r.Hostname,
		logging.KeyPID, conn.Process.Pid(),
		logging.KeyAttempt, r.FailCount()+1)

	c.send(r, &protocol.Setup{Version: protocol.ProtocolVersion, Params: l.setup})
	return nil
}

func (c *Controller) unwatch(l *link) {
	if l.sendWatch != l.recvWatch {
		c.watch.Unregister(l.sendWatch)
	}
	c.watch.Unregister(l.recvWatch)
	l.recvWatch, l.sendWatch = fdwatch.Handle{}, fdwatch.Handle{}
}

// send queues m for r. Messages for a remote without a connection are
// dropped; a full backlog or a closed channel fails the remote.
func (c *Controller) send(r *peer.Remote, m protocol.Message) {
	err := r.Enqueue(m)
	switch {
	case err == nil:
		c.metrics.RecordMessageSent(m.Type().String(), protocol.EncodedLen(m))
	case errors.Is(err, peer.ErrNotLive):
		c.logger.Debug("dropping message for disconnected remote",
			logging.KeyRemote, r.Alias, logging.KeyType, m.Type().String())
	case errors.Is(err, channel.ErrBacklogExceeded):
		c.metrics.RecordBacklogOverflow()
		c.fail(r, ReasonBacklog, err)
	default:
		c.fail(r, ReasonSend, err)
	}
}

// fail tears down r's connection and schedules its reconnect. If r holds
// focus, focus returns to the controller first. Failing a remote that is
// not live is a no-op, so handlers may call it reentrantly.
func (c *Controller) fail(r *peer.Remote, reason string, cause error) {
	if !r.Live() {
		return
	}
	c.logger.Warn("disconnecting remote",
		logging.KeyRemote, r.Alias,
		logging.KeyReason, reason,
		logging.KeyError, cause)

	permanent := r.MarkFailed(c.now(), c.backoff)
	c.metrics.RecordFailure(reason, permanent)

	if c.focus.Kind == peer.NodeRemote && c.focus.Remote == r {
		c.focusMaster(TriggerFailover)
	}

	l := c.byRemote[r]
	c.unwatch(l)
	if err := r.Disconnect(); err != nil {
		c.logger.Warn("remote teardown incomplete", logging.KeyRemote, r.Alias, logging.KeyError, err)
	}

	if permanent {
		c.logger.Error("remote exceeds failure limits, giving up",
			logging.KeyRemote, r.Alias, logging.KeyCount, r.FailCount())
		return
	}
	c.logger.Info("remote will reconnect",
		logging.KeyRemote, r.Alias,
		logging.KeyDelay, r.NextReconnect().Sub(c.now()))
}

// ResetRemotes makes every remote eligible to reconnect now and clears
// its failure history. Permanently failed remotes become Failed again;
// live remotes keep their connection.
func (c *Controller) ResetRemotes() {
	now := c.now()
	for _, l := range c.links {
		l.remote.Reset(now)
	}
	c.logger.Info("reset all remotes")
}

// ReconnectRemote forces r to disconnect and reconnect immediately, clearing
// its failure history.
func (c *Controller) ReconnectRemote(r *peer.Remote) {
	c.fail(r, ReasonRequested, errors.New("reconnect requested"))
	r.Reset(c.now())
}
