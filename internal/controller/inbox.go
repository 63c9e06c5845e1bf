package controller

import (
	"context"

	"golang.org/x/sys/unix"
)

// request is a function posted to the event loop by another goroutine.
type request struct {
	fn   func()
	done chan error
}

// Do runs fn on the event-loop goroutine and waits for it to finish. It
// must not be called from the event loop itself. If ctx ends first, Do
// returns its error and fn may still run later.
func (c *Controller) Do(ctx context.Context, fn func()) error {
	done := make(chan error, 1)
	if !c.post(request{fn: fn, done: done}) {
		return ErrStopped
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Post queues fn to run on the event-loop goroutine without waiting. It
// reports false if the controller has stopped.
func (c *Controller) Post(fn func()) bool {
	return c.post(request{fn: fn})
}

func (c *Controller) post(req request) bool {
	c.inboxMu.Lock()
	defer c.inboxMu.Unlock()
	if c.stopped {
		return false
	}
	c.inbox = append(c.inbox, req)

	// Written under inboxMu so closeWake cannot release the descriptor
	// first. A full pipe already signals readiness.
	if c.wakeW >= 0 {
		unix.Write(c.wakeW, []byte{1})
	}
	return true
}

// drainInbox empties the wake pipe and runs every queued request.
func (c *Controller) drainInbox() {
	var buf [64]byte
	for {
		n, err := unix.Read(c.wakeR, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil || n < len(buf) {
			break
		}
	}

	c.inboxMu.Lock()
	reqs := c.inbox
	c.inbox = nil
	c.inboxMu.Unlock()

	for _, req := range reqs {
		req.fn()
		if req.done != nil {
			req.done <- nil
		}
	}
}

// stopInbox rejects further requests and fails the pending ones.
func (c *Controller) stopInbox() {
	c.inboxMu.Lock()
	c.stopped = true
	reqs := c.inbox
	c.inbox = nil
	c.inboxMu.Unlock()

	for _, req := range reqs {
		if req.done != nil {
			req.done <- ErrStopped
		}
	}
}
