package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/postalsys/kvmux/internal/fdwatch"
	"github.com/postalsys/kvmux/internal/peer"
	"github.com/postalsys/kvmux/internal/scheduler"
)

// Run drives the event loop until a quit is requested, ctx ends, or a
// process-fatal error occurs. It closes the controller before returning.
func (c *Controller) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { c.Post(c.Quit) })
	defer stop()

	for !c.quit {
		if err := c.RunOnce(-1); err != nil {
			c.Close()
			return err
		}
	}
	return c.Close()
}

// RunOnce performs one loop iteration: run due calls, reconnect remotes
// whose backoff elapsed and queue their due messages, wait for readiness
// (at most maxWait; negative means until the next deadline), service
// every ready remote with one receive and one send attempt, then the
// platform's input events and requests from other goroutines. Errors are
// process-fatal.
func (c *Controller) RunOnce(maxWait time.Duration) error {
	if c.closed {
		return ErrStopped
	}
	now := c.now()

	c.calls.RunDue(now)

	for _, l := range c.links {
		r := l.remote
		if r.ReconnectDue(now) {
			if err := c.connect(l, now); err != nil {
				return err
			}
		}
		if r.Live() {
			c.flushScheduled(r, now)
		}
	}

	for _, l := range c.links {
		if !l.remote.Live() {
			continue
		}
		if l.remote.Channel().HasOutbound() {
			c.watch.Monitor(l.sendWatch, fdwatch.Write)
		} else {
			c.watch.Unmonitor(l.sendWatch, fdwatch.Write)
		}
	}

	timeout := time.Duration(-1)
	if d := c.NextDeadline(); !d.IsZero() {
		timeout = max(d.Sub(now), 0)
	}
	if maxWait >= 0 && (timeout < 0 || maxWait < timeout) {
		timeout = maxWait
	}

	c.platformReady, c.wakeReady = false, false
	if _, err := c.watch.Wait(timeout); err != nil {
		return err
	}

	if c.platformReady {
		if err := c.plat.ProcessEvents(); err != nil {
			return fmt.Errorf("platform events: %w", err)
		}
	}
	if c.wakeReady {
		c.drainInbox()
	}

	c.recordStates()
	return nil
}

// flushScheduled queues r's scheduled messages that are due at now.
func (c *Controller) flushScheduled(r *peer.Remote, now time.Time) {
	for r.Live() {
		m, ok := r.PopDueMessage(now)
		if !ok {
			return
		}
		c.send(r, m)
	}
}

// NextDeadline returns the earliest of the next scheduled call, every
// remote's next scheduled message and every Failed remote's reconnect
// time. Zero means nothing is pending.
func (c *Controller) NextDeadline() time.Time {
	var next time.Time
	if e, ok := c.calls.Peek(); ok {
		next = e.Due
	}
	for _, l := range c.links {
		next = scheduler.Earliest(next, l.remote.NextDeadline())
	}
	return next
}

func (c *Controller) recordStates() {
	counts := make(map[string]int, 4)
	for _, l := range c.links {
		counts[l.remote.State().String()]++
	}
	c.metrics.SetRemoteStates(counts)
}
