package controller

import (
	"github.com/postalsys/kvmux/internal/config"
	"github.com/postalsys/kvmux/internal/logging"
	"github.com/postalsys/kvmux/internal/platform"
)

// runAction executes a hotkey action. mods are the chord's modifiers.
func (c *Controller) runAction(a config.Action, mods []platform.KeyCode) {
	c.logger.Debug("hotkey action", logging.KeyAction, a.String())

	switch a.Kind {
	case config.ActionSwitch:
		c.focusNeighbor(a.Dir, mods, TriggerHotkey)
	case config.ActionSwitchTo:
		c.FocusNode(c.node(a.Node), mods, TriggerHotkey)
	case config.ActionReconnect:
		c.ResetRemotes()
	case config.ActionQuit:
		c.Quit()
	default:
		c.logger.Error("unknown hotkey action", logging.KeyAction, a.String())
	}
}

// Quit asks Run to shut down after the current iteration.
func (c *Controller) Quit() {
	if !c.quit {
		c.logger.Info("quit requested")
	}
	c.quit = true
}
