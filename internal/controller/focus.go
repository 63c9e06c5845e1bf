package controller

import (
	"github.com/postalsys/kvmux/internal/config"
	"github.com/postalsys/kvmux/internal/edge"
	"github.com/postalsys/kvmux/internal/logging"
	"github.com/postalsys/kvmux/internal/peer"
	"github.com/postalsys/kvmux/internal/platform"
	"github.com/postalsys/kvmux/internal/protocol"
)

// Switch triggers, used as log values and metric labels.
const (
	TriggerHotkey   = "hotkey"
	TriggerEdge     = "edge"
	TriggerControl  = "control"
	TriggerFailover = "failover"
)

// FocusNode moves input focus to target. peer.None keeps the current
// focus. mods are the modifier keys currently held; they are released on
// the node losing focus and pressed on the node gaining it. A remote that
// is not connected cannot take focus. FocusNode reports whether focus
// actually changed.
func (c *Controller) FocusNode(target peer.Node, mods []platform.KeyCode, trigger string) bool {
	to := target
	switch target.Kind {
	case peer.NodeNone:
		to = c.focus
	case peer.NodeRemote:
		if target.Remote.State() != peer.StateConnected {
			c.logger.Warn("remote not connected, can't focus",
				logging.KeyRemote, target.Remote.Alias,
				logging.KeyState, target.Remote.State().String())
			return false
		}
	}

	from := c.focus
	if to != from || c.cfg.ShowNullSwitch == config.NullSwitchYes ||
		(c.cfg.ShowNullSwitch == config.NullSwitchHotkeyOnly && trigger == TriggerHotkey) {
		c.indicateSwitch(from, to)
	}
	if to == from {
		return false
	}

	switch {
	case from.Kind == peer.NodeRemote && to.Kind == peer.NodeMaster:
		if err := c.plat.Ungrab(); err != nil {
			c.logger.Warn("failed to release input", logging.KeyError, err)
		}
		if err := c.plat.SetMousePos(c.savedPos); err != nil {
			c.logger.Warn("failed to restore pointer", logging.KeyError, err)
		}
	case from.Kind == peer.NodeMaster && to.Kind == peer.NodeRemote:
		if pos, err := c.plat.MousePos(); err == nil {
			c.savedPos = pos
		} else {
			c.logger.Warn("failed to read pointer position", logging.KeyError, err)
		}
		if err := c.plat.Grab(); err != nil {
			c.logger.Warn("failed to grab input", logging.KeyError, err)
		}
	}
	if to.Kind == peer.NodeRemote {
		if err := c.plat.SetMousePos(c.plat.ScreenCenter()); err != nil {
			c.logger.Warn("failed to center pointer", logging.KeyError, err)
		}
	}

	// Commit before queueing transfers: a send that fails the new node
	// must see it focused so it can hand focus back to the controller.
	c.focus = to
	c.metrics.RecordFocusSwitch(trigger)
	c.logger.Info("focus switched",
		logging.KeyFrom, from.String(),
		logging.KeyTo, to.String(),
		logging.KeyTrigger, trigger)

	c.transferClipboard(from, to)
	c.transferModifiers(from, to, mods)
	return true
}

// focusMaster returns focus to the controller, carrying the modifiers
// held right now.
func (c *Controller) focusMaster(trigger string) bool {
	return c.FocusNode(peer.Master, c.plat.CurrentModifiers(), trigger)
}

// focusNeighbor focuses the focused node's neighbor in direction d.
func (c *Controller) focusNeighbor(d edge.Direction, mods []platform.KeyCode, trigger string) bool {
	nbrs := &c.masterNbrs
	if c.focus.Kind == peer.NodeRemote {
		nbrs = &c.focus.Remote.Neighbors
	}
	return c.FocusNode(nbrs[d], mods, trigger)
}

// transferClipboard asks the node losing focus for its clipboard, which
// arrives later as a SetClipboard, and pushes the controller's clipboard
// to the node gaining focus.
func (c *Controller) transferClipboard(from, to peer.Node) {
	if from.Kind == peer.NodeRemote {
		c.send(from.Remote, &protocol.GetClipboard{})
	}
	if to.Kind == peer.NodeRemote {
		text, err := c.plat.Clipboard()
		if err != nil {
			c.logger.Warn("failed to read clipboard", logging.KeyError, err)
			return
		}
		c.send(to.Remote, &protocol.SetClipboard{Text: text})
	}
}

// transferModifiers releases mods on the node losing focus, then presses
// them on the node gaining it.
func (c *Controller) transferModifiers(from, to peer.Node, mods []platform.KeyCode) {
	if from.Kind == peer.NodeRemote {
		for _, k := range mods {
			c.send(from.Remote, &protocol.KeyEvent{Key: uint32(k), Action: protocol.Release})
		}
	}
	if to.Kind == peer.NodeRemote {
		for _, k := range mods {
			c.send(to.Remote, &protocol.KeyEvent{Key: uint32(k), Action: protocol.Press})
		}
	}
}

// indicateSwitch runs the configured brightness cue for a switch.
func (c *Controller) indicateSwitch(from, to peer.Node) {
	hint := c.cfg.FocusHint
	dim := float32(hint.Brightness)

	switch hint.Mode {
	case config.FocusHintDimInactive:
		if from != to {
			c.transitionBrightness(from, 1, dim)
		}
		c.transitionBrightness(to, dim, 1)
	case config.FocusHintFlashActive:
		c.transitionBrightness(to, dim, 1)
	}
}
