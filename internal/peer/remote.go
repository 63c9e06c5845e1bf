// Package peer holds the controller's per-remote connection state: the
// connection state machine, reconnect backoff, and the remote's scheduled
// outbound messages.
package peer

import (
	"errors"
	"fmt"
	"time"

	"github.com/postalsys/kvmux/internal/channel"
	"github.com/postalsys/kvmux/internal/edge"
	"github.com/postalsys/kvmux/internal/protocol"
	"github.com/postalsys/kvmux/internal/scheduler"
	"github.com/postalsys/kvmux/internal/transport"
)

// ErrNotLive is returned when sending to a remote without a connection.
var ErrNotLive = errors.New("remote not connected")

// ConnectionState represents the state of a remote's connection.
type ConnectionState int32

const (
	StateSettingUp ConnectionState = iota
	StateConnected
	StateFailed
	StatePermanentlyFailed
)

// String returns the string representation of the state.
func (s ConnectionState) String() string {
	switch s {
	case StateSettingUp:
		return "SETTING_UP"
	case StateConnected:
		return "CONNECTED"
	case StateFailed:
		return "FAILED"
	case StatePermanentlyFailed:
		return "PERMANENTLY_FAILED"
	default:
		return "UNKNOWN"
	}
}

// NodeKind discriminates Node.
type NodeKind uint8

const (
	NodeNone NodeKind = iota
	NodeMaster
	NodeRemote
)

// Node is a resolved node reference: nothing, the controller itself, or
// a remote.
type Node struct {
	Kind   NodeKind
	Remote *Remote
}

var (
	// None refers to no node.
	None = Node{}
	// Master refers to the controller.
	Master = Node{Kind: NodeMaster}
)

// RemoteNode returns a reference to r.
func RemoteNode(r *Remote) Node {
	return Node{Kind: NodeRemote, Remote: r}
}

// String returns "none", "master", or the remote's alias.
func (n Node) String() string {
	switch n.Kind {
	case NodeMaster:
		return "master"
	case NodeRemote:
		return n.Remote.Alias
	default:
		return "none"
	}
}

// Remote is one non-controller node. The struct lives for the whole run;
// its connection is torn down and rebuilt across reconnects.
type Remote struct {
	Alias     string
	Hostname  string
	Transport transport.Settings
	Params    map[string]string
	Neighbors [edge.NumDirections]Node
	Edges     edge.Tracker

	state         ConnectionState
	failCount     int
	nextReconnect time.Time

	proc      transport.Process
	ch        *channel.Channel
	scheduled scheduler.Queue[protocol.Message]
}

// NewRemote creates a remote in the Failed state, eligible to connect
// immediately.
func NewRemote(alias, hostname string, settings transport.Settings, params map[string]string) *Remote {
	if alias == "" {
		alias = hostname
	}
	return &Remote{
		Alias:     alias,
		Hostname:  hostname,
		Transport: settings,
		Params:    params,
		state:     StateFailed,
	}
}

// State returns the connection state.
func (r *Remote) State() ConnectionState {
	return r.state
}

// FailCount returns the number of consecutive failures.
func (r *Remote) FailCount() int {
	return r.failCount
}

// NextReconnect returns the earliest time a Failed remote may reconnect.
func (r *Remote) NextReconnect() time.Time {
	return r.nextReconnect
}

// Channel returns the live message channel, or nil.
func (r *Remote) Channel() *channel.Channel {
	return r.ch
}

// Process returns the live transport process, or nil.
func (r *Remote) Process() transport.Process {
	return r.proc
}

// Live reports whether the remote has a connection (setting up or
// connected).
func (r *Remote) Live() bool {
	return r.state == StateSettingUp || r.state == StateConnected
}

// ReconnectDue reports whether a Failed remote may reconnect at now.
func (r *Remote) ReconnectDue(now time.Time) bool {
	return r.state == StateFailed && !now.Before(r.nextReconnect)
}

// Attach installs a freshly spawned transport and enters SettingUp.
func (r *Remote) Attach(conn *transport.Conn, cfg channel.Config) error {
	ch, err := channel.New(conn.FD, conn.FD, cfg)
	if err != nil {
		return fmt.Errorf("remote %s: %w", r.Alias, err)
	}
	r.ch = ch
	r.proc = conn.Process
	r.state = StateSettingUp
	return nil
}

// MarkConnected moves a SettingUp remote to Connected and clears its
// failure count.
func (r *Remote) MarkConnected() error {
	if r.state != StateSettingUp {
		return fmt.Errorf("remote %s: ready received in state %s", r.Alias, r.state)
	}
	r.state = StateConnected
	r.failCount = 0
	return nil
}

// MarkFailed records a failure at now. The remote becomes Failed with its
// next reconnect time pushed out by the backoff, or PermanentlyFailed once
// the retry limit is exceeded, which MarkFailed reports. It does not tear
// down the connection; see Disconnect.
func (r *Remote) MarkFailed(now time.Time, backoff *BackoffCalculator) (permanent bool) {
	r.failCount++
	if backoff.Exhausted(r.failCount) {
		r.state = StatePermanentlyFailed
		return true
	}
	r.state = StateFailed
	r.nextReconnect = now.Add(backoff.DelayAfterFailures(r.failCount))
	return false
}

// Reset clears the failure history and makes the remote eligible to
// reconnect at now. A PermanentlyFailed remote becomes Failed.
func (r *Remote) Reset(now time.Time) {
	if r.state == StatePermanentlyFailed {
		r.state = StateFailed
	}
	r.failCount = 0
	r.nextReconnect = now
}

// Disconnect closes the channel, kills and reaps the transport process
// and discards scheduled messages. It does not change the state.
func (r *Remote) Disconnect() error {
	var errs []error
	if r.ch != nil {
		if err := r.ch.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
		r.ch = nil
	}
	r.scheduled.Clear()
	if r.proc != nil {
		if err := r.proc.Kill(); err != nil {
			errs = append(errs, err)
		}
		r.proc = nil
	}
	return errors.Join(errs...)
}

// Enqueue queues m on the live channel. It returns ErrNotLive without a
// channel and channel.ErrBacklogExceeded when the queue is full.
func (r *Remote) Enqueue(m protocol.Message) error {
	if !r.Live() || r.ch == nil {
		return ErrNotLive
	}
	return r.ch.Enqueue(m)
}

// ScheduleMessage queues m to be sent at t.
func (r *Remote) ScheduleMessage(t time.Time, m protocol.Message) {
	r.scheduled.Insert(t, m)
}

// PopDueMessage removes the earliest scheduled message due at now.
func (r *Remote) PopDueMessage(now time.Time) (protocol.Message, bool) {
	e, ok := r.scheduled.PopDue(now)
	return e.Value, ok
}

// ScheduledCount returns the number of pending scheduled messages.
func (r *Remote) ScheduledCount() int {
	return r.scheduled.Len()
}

// NextDeadline returns the earliest time this remote needs the event
// loop: its next scheduled message, or its reconnect time when Failed.
// Zero means none.
func (r *Remote) NextDeadline() time.Time {
	var msgDue time.Time
	if e, ok := r.scheduled.Peek(); ok {
		msgDue = e.Due
	}
	var reconnect time.Time
	if r.state == StateFailed {
		reconnect = r.nextReconnect
		if reconnect.IsZero() {
			reconnect = time.Unix(0, 0)
		}
	}
	return scheduler.Earliest(msgDue, reconnect)
}
