package controller

import (
	"time"

	"github.com/postalsys/kvmux/internal/logging"
	"github.com/postalsys/kvmux/internal/peer"
	"github.com/postalsys/kvmux/internal/protocol"
)

// transitionBrightness fades n's display from one level to another over
// the configured duration. The first level applies now, then steps-1
// evenly spaced intermediate levels, then the final level at now+duration.
func (c *Controller) transitionBrightness(n peer.Node, from, to float32) {
	steps := c.cfg.FocusHint.FadeSteps
	duration := c.cfg.FocusHint.Duration
	now := c.now()

	c.setBrightness(n, from)
	for i := 1; i < steps; i++ {
		frac := float32(i) / float32(steps)
		at := now.Add(time.Duration(float64(frac) * float64(duration)))
		c.scheduleBrightness(n, from+frac*(to-from), at)
	}
	c.scheduleBrightness(n, to, now.Add(duration))
}

func (c *Controller) setBrightness(n peer.Node, level float32) {
	switch n.Kind {
	case peer.NodeMaster:
		if err := c.plat.SetBrightness(level); err != nil {
			c.logger.Warn("failed to set brightness", logging.KeyError, err)
		}
	case peer.NodeRemote:
		c.send(n.Remote, &protocol.SetBrightness{Level: level})
	}
}

// scheduleBrightness sets n's brightness at t: a scheduled call for the
// controller, a scheduled message for a remote. Remotes without a
// connection are skipped since teardown discards their schedule anyway.
func (c *Controller) scheduleBrightness(n peer.Node, level float32, t time.Time) {
	switch n.Kind {
	case peer.NodeMaster:
		c.calls.Schedule(t, func(time.Time) { c.setBrightness(peer.Master, level) })
	case peer.NodeRemote:
		if n.Remote.Live() {
			n.Remote.ScheduleMessage(t, &protocol.SetBrightness{Level: level})
		}
	}
}
