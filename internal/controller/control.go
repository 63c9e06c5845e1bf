package controller

import (
	"context"
	"fmt"
	"strings"

	"github.com/postalsys/kvmux/internal/control"
	"github.com/postalsys/kvmux/internal/peer"
)

var _ control.Engine = (*Controller)(nil)

// Status implements control.Engine.
func (c *Controller) Status(ctx context.Context) (*control.StatusResponse, error) {
	var resp *control.StatusResponse
	if err := c.Do(ctx, func() { resp = c.status() }); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Controller) status() *control.StatusResponse {
	resp := &control.StatusResponse{
		Focus:   c.focus.String(),
		Remotes: make([]control.RemoteInfo, 0, len(c.links)),
	}
	for _, l := range c.links {
		r := l.remote
		info := control.RemoteInfo{
			Alias:     r.Alias,
			Hostname:  r.Hostname,
			State:     strings.ToLower(r.State().String()),
			FailCount: r.FailCount(),
			Focused:   c.focus.Kind == peer.NodeRemote && c.focus.Remote == r,
		}
		if r.State() == peer.StateFailed {
			next := r.NextReconnect()
			info.NextReconnect = &next
		}
		if p := r.Process(); p != nil {
			info.PID = p.Pid()
		}
		if ch := r.Channel(); ch != nil {
			info.BacklogMessages, info.BacklogBytes = ch.Backlog()
		}
		resp.Remotes = append(resp.Remotes, info)
	}
	return resp
}

// Reconnect implements control.Engine. An empty node resets every remote;
// a named remote is torn down if live and made eligible to reconnect now.
func (c *Controller) Reconnect(ctx context.Context, node string) error {
	var err error
	doErr := c.Do(ctx, func() {
		if node == "" {
			c.ResetRemotes()
			return
		}
		r, ok := c.Remote(node)
		if !ok {
			err = fmt.Errorf("%w: %s", control.ErrUnknownNode, node)
			return
		}
		c.ReconnectRemote(r)
	})
	if doErr != nil {
		return doErr
	}
	return err
}

// Focus implements control.Engine. "master" names the controller.
func (c *Controller) Focus(ctx context.Context, node string) error {
	var err error
	doErr := c.Do(ctx, func() {
		target := peer.Master
		if node != peer.Master.String() {
			r, ok := c.Remote(node)
			if !ok {
				err = fmt.Errorf("%w: %s", control.ErrUnknownNode, node)
				return
			}
			if r.State() != peer.StateConnected {
				err = fmt.Errorf("%w: %s is %s", control.ErrNotConnected, node, strings.ToLower(r.State().String()))
				return
			}
			target = peer.RemoteNode(r)
		}
		c.FocusNode(target, c.plat.CurrentModifiers(), TriggerControl)
	})
	if doErr != nil {
		return doErr
	}
	return err
}
