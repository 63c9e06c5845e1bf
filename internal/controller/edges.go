package controller

import (
	"github.com/postalsys/kvmux/internal/edge"
	"github.com/postalsys/kvmux/internal/logging"
	"github.com/postalsys/kvmux/internal/peer"
	"github.com/postalsys/kvmux/internal/platform"
	"github.com/postalsys/kvmux/internal/protocol"
)

// inputHandler receives the controller's local input. Grabbed input is
// forwarded to the focused remote.
type inputHandler struct {
	c *Controller
}

func (h inputHandler) KeyEvent(key platform.KeyCode, action protocol.PressRelease) {
	if r := h.c.focusedRemote(); r != nil {
		h.c.send(r, &protocol.KeyEvent{Key: uint32(key), Action: action})
	}
}

func (h inputHandler) MoveRel(dx, dy int32) {
	if r := h.c.focusedRemote(); r != nil {
		h.c.send(r, &protocol.MoveRel{DX: dx, DY: dy})
	}
}

func (h inputHandler) ClickEvent(button platform.Button, action protocol.PressRelease) {
	if r := h.c.focusedRemote(); r != nil {
		h.c.send(r, &protocol.ClickEvent{Button: uint32(button), Action: action})
	}
}

func (h inputHandler) EdgeMaskChange(oldMask, newMask uint32, x, y float32) {
	h.c.edgeMaskChange(&h.c.masterEdges, peer.Master.String(), oldMask, newMask, x, y)
}

func (c *Controller) focusedRemote() *peer.Remote {
	if c.focus.Kind == peer.NodeRemote {
		return c.focus.Remote
	}
	return nil
}

// edgeMaskChange feeds every per-direction transition between two edge
// masks reported by node src into that node's edge history.
func (c *Controller) edgeMaskChange(t *edge.Tracker, src string, oldMask, newMask uint32, x, y float32) {
	for _, cr := range edge.Crossings(oldMask, newMask) {
		if !c.edgeEvent(t.History(cr.Dir), cr.Dir, cr.Event, x, y) {
			c.logger.Warn("out-of-sync edge event ignored",
				logging.KeyNode, src,
				logging.KeyDirection, cr.Dir.String())
		}
	}
}

// edgeEvent records one transition and, when it completes a multi-tap
// sequence, switches to the focused node's neighbor in that direction.
// A real switch also places the pointer on the neighbor's opposite edge
// so it appears to slide across. It returns false for a duplicate.
func (c *Controller) edgeEvent(h *edge.History, d edge.Direction, ev edge.Event, x, y float32) bool {
	now := c.now()
	if !h.Record(ev, now) {
		c.metrics.RecordEdgeEvent("duplicate")
		return false
	}
	c.metrics.RecordEdgeEvent("accepted")

	if ev != edge.Arrive || !c.tap.Completed(h, now) {
		return true
	}
	c.metrics.RecordEdgeEvent("multitap")
	if c.focusNeighbor(d, c.plat.CurrentModifiers(), TriggerEdge) {
		c.repositionAfterEdgeSwitch(d, x, y)
	}
	return true
}

func (c *Controller) repositionAfterEdgeSwitch(d edge.Direction, srcX, srcY float32) {
	x, y := edge.EntryPoint(d, srcX, srcY)
	if r := c.focusedRemote(); r != nil {
		c.send(r, &protocol.SetMousePosScreenRel{X: x, Y: y})
		return
	}
	if err := c.plat.SetMousePosScreenRel(x, y); err != nil {
		c.logger.Warn("failed to reposition pointer", logging.KeyError, err)
	}
}
