package controller

import (
	"errors"
	"fmt"
	"strings"

	"github.com/postalsys/kvmux/internal/config"
	"github.com/postalsys/kvmux/internal/edge"
	"github.com/postalsys/kvmux/internal/logging"
	"github.com/postalsys/kvmux/internal/peer"
	"github.com/postalsys/kvmux/internal/protocol"
)

// receive makes one receive attempt on l's channel and dispatches the
// message, if a complete one arrived.
func (c *Controller) receive(l *link) {
	r := l.remote
	if !r.Live() {
		return
	}
	m, err := r.Channel().Receive()
	if err != nil {
		reason := ReasonReceive
		if errors.Is(err, protocol.ErrMalformed) {
			reason = ReasonProtocol
		}
		c.fail(r, reason, fmt.Errorf("failed to receive valid message: %w", err))
		return
	}
	if m == nil {
		return
	}
	c.metrics.RecordMessageReceived(m.Type().String(), protocol.EncodedLen(m))
	c.handleMessage(l, m)
}

// transmit makes one send attempt on l's channel.
func (c *Controller) transmit(l *link) {
	r := l.remote
	if !r.Live() {
		return
	}
	if _, err := r.Channel().Send(); err != nil {
		c.fail(r, ReasonSend, fmt.Errorf("failed to send message: %w", err))
	}
}

func (c *Controller) handleMessage(l *link, m protocol.Message) {
	r := l.remote
	switch m := m.(type) {
	case *protocol.Ready:
		if err := r.MarkConnected(); err != nil {
			c.fail(r, ReasonUnexpected, err)
			return
		}
		c.metrics.RecordSetup(c.now().Sub(l.spawnedAt).Seconds())
		c.logger.Info("remote ready", logging.KeyRemote, r.Alias)
		if c.cfg.FocusHint.Mode == config.FocusHintDimInactive {
			c.transitionBrightness(peer.RemoteNode(r), 1, float32(c.cfg.FocusHint.Brightness))
		}

	case *protocol.SetClipboard:
		if r.State() != peer.StateConnected {
			c.logger.Warn("ignoring clipboard from remote that is not connected",
				logging.KeyRemote, r.Alias, logging.KeyState, r.State().String())
			return
		}
		if err := c.plat.SetClipboard(m.Text); err != nil {
			c.logger.Warn("failed to set clipboard", logging.KeyRemote, r.Alias, logging.KeyError, err)
			return
		}
		if f := c.focusedRemote(); f != nil {
			text, err := c.plat.Clipboard()
			if err != nil {
				c.logger.Warn("failed to read clipboard", logging.KeyError, err)
				return
			}
			c.send(f, &protocol.SetClipboard{Text: text})
		}

	case *protocol.Log:
		c.logger.Info(strings.TrimRight(string(m.Text), "\n"), logging.KeyRemote, r.Alias)

	case *protocol.EdgeMaskChange:
		if m.Old&^edge.AllDirs != 0 || m.New&^edge.AllDirs != 0 {
			c.fail(r, ReasonProtocol, fmt.Errorf("invalid edge mask %#x -> %#x", m.Old, m.New))
			return
		}
		c.edgeMaskChange(&r.Edges, r.Alias, m.Old, m.New, m.X, m.Y)

	default:
		c.fail(r, ReasonUnexpected, fmt.Errorf("unexpected %s message", m.Type()))
	}
}
