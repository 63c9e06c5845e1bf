// Package fdwatch multiplexes readiness across a set of file descriptors
// with poll(2). Watches live in an arena addressed by generation-checked
// handles, so a callback may unregister any watch (including its own) or
// register new ones while a dispatch pass is running.
package fdwatch

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Flags selects which readiness conditions a watch is interested in.
type Flags uint8

const (
	Read Flags = 1 << iota
	Write
)

// Handle identifies a registered watch. The zero Handle is never valid.
type Handle struct {
	index uint32
	gen   uint32
}

// Callback is invoked when a watched descriptor is ready.
type Callback func()

type entry struct {
	gen     uint32
	live    bool
	fd      int
	flags   Flags
	onRead  Callback
	onWrite Callback
}

// Set is an arena of descriptor watches. It is not safe for concurrent
// use.
type Set struct {
	entries []entry
	free    []uint32
	count   int
}

// New creates an empty Set.
func New() *Set {
	return &Set{}
}

// Register adds a watch for fd with no readiness flags enabled. Either
// callback may be nil.
func (s *Set) Register(fd int, onRead, onWrite Callback) Handle {
	var idx uint32
	if n := len(s.free); n > 0 {
		idx = s.free[n-1]
		s.free = s.free[:n-1]
	} else {
		s.entries = append(s.entries, entry{})
		idx = uint32(len(s.entries) - 1)
	}

	e := &s.entries[idx]
	e.gen++
	e.live = true
	e.fd = fd
	e.flags = 0
	e.onRead = onRead
	e.onWrite = onWrite
	s.count++

	return Handle{index: idx, gen: e.gen}
}

// Unregister removes a watch. Stale handles are ignored.
func (s *Set) Unregister(h Handle) {
	e := s.lookup(h)
	if e == nil {
		return
	}
	*e = entry{gen: e.gen}
	s.free = append(s.free, h.index)
	s.count--
}

// Live reports whether h refers to a registered watch.
func (s *Set) Live(h Handle) bool {
	return s.lookup(h) != nil
}

// Len returns the number of registered watches.
func (s *Set) Len() int {
	return s.count
}

// Monitor enables the given readiness flags.
func (s *Set) Monitor(h Handle, f Flags) {
	if e := s.lookup(h); e != nil {
		e.flags |= f
	}
}

// Unmonitor disables the given readiness flags.
func (s *Set) Unmonitor(h Handle, f Flags) {
	if e := s.lookup(h); e != nil {
		e.flags &^= f
	}
}

// Flags returns the enabled readiness flags of h.
func (s *Set) Flags(h Handle) Flags {
	if e := s.lookup(h); e != nil {
		return e.flags
	}
	return 0
}

func (s *Set) lookup(h Handle) *entry {
	if h.gen == 0 || int(h.index) >= len(s.entries) {
		return nil
	}
	e := &s.entries[h.index]
	if !e.live || e.gen != h.gen {
		return nil
	}
	return e
}

// Wait blocks until a monitored descriptor is ready or timeout elapses,
// then invokes the callbacks of the ready watches in registration-slot
// order. A negative timeout waits indefinitely. For each ready watch the
// read callback runs before the write callback, and each callback runs
// only if its watch is still registered and interested at that point.
// Watches registered during dispatch are not visited until the next call.
// Wait returns the number of ready descriptors; an interrupted poll
// returns zero.
func (s *Set) Wait(timeout time.Duration) (int, error) {
	handles := make([]Handle, 0, s.count)
	fds := make([]unix.PollFd, 0, s.count)
	for i := range s.entries {
		e := &s.entries[i]
		if !e.live || e.flags == 0 {
			continue
		}
		var events int16
		if e.flags&Read != 0 {
			events |= unix.POLLIN
		}
		if e.flags&Write != 0 {
			events |= unix.POLLOUT
		}
		handles = append(handles, Handle{index: uint32(i), gen: e.gen})
		fds = append(fds, unix.PollFd{Fd: int32(e.fd), Events: events})
	}

	n, err := unix.Poll(fds, PollTimeout(timeout))
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("poll: %w", err)
	}
	if n == 0 {
		return 0, nil
	}

	const failed = unix.POLLERR | unix.POLLHUP | unix.POLLNVAL
	for i, h := range handles {
		rev := fds[i].Revents
		if rev == 0 {
			continue
		}
		if e := s.lookup(h); e != nil && e.flags&Read != 0 && rev&(unix.POLLIN|failed) != 0 && e.onRead != nil {
			e.onRead()
		}
		// The read callback may have unregistered or reused the slot.
		if e := s.lookup(h); e != nil && e.flags&Write != 0 && rev&(unix.POLLOUT|failed) != 0 && e.onWrite != nil {
			e.onWrite()
		}
	}
	return n, nil
}

// PollTimeout converts a duration to a poll(2) timeout in milliseconds,
// rounding up so a wait never returns before the deadline. Negative
// durations mean no timeout.
func PollTimeout(d time.Duration) int {
	if d < 0 {
		return -1
	}
	ms := (d + time.Millisecond - 1) / time.Millisecond
	if ms > 1<<31-1 {
		return 1<<31 - 1
	}
	return int(ms)
}
