// Package scheduler provides due-time ordered queues for deferred work.
//
// Entries are kept ascending by due time. An entry is inserted before the
// first entry with a strictly later time, so entries with equal times keep
// their insertion order.
package scheduler

import (
	"time"
)

// Entry is one queued value and its due time.
type Entry[T any] struct {
	Due   time.Time
	Value T
}

// Queue is an ascending due-time queue. The zero value is empty and ready
// to use. It is not safe for concurrent use.
type Queue[T any] struct {
	entries []Entry[T]
}

// Insert adds v due at t.
func (q *Queue[T]) Insert(t time.Time, v T) {
	i := len(q.entries)
	for j, e := range q.entries {
		if e.Due.After(t) {
			i = j
			break
		}
	}

	q.entries = append(q.entries, Entry[T]{})
	copy(q.entries[i+1:], q.entries[i:])
	q.entries[i] = Entry[T]{Due: t, Value: v}
}

// Peek returns the earliest entry without removing it.
func (q *Queue[T]) Peek() (Entry[T], bool) {
	if len(q.entries) == 0 {
		return Entry[T]{}, false
	}
	return q.entries[0], true
}

// PopDue removes and returns the earliest entry if it is due at now.
func (q *Queue[T]) PopDue(now time.Time) (Entry[T], bool) {
	if len(q.entries) == 0 || q.entries[0].Due.After(now) {
		return Entry[T]{}, false
	}
	e := q.entries[0]
	q.entries[0] = Entry[T]{}
	q.entries = q.entries[1:]
	if len(q.entries) == 0 {
		q.entries = nil
	}
	return e, true
}

// Len returns the number of queued entries.
func (q *Queue[T]) Len() int {
	return len(q.entries)
}

// Clear discards every entry.
func (q *Queue[T]) Clear() {
	q.entries = nil
}

// Call is a deferred callback. It receives the time the pass was run for.
type Call func(now time.Time)

// Calls is a queue of deferred callbacks.
type Calls struct {
	Queue[Call]
}

// Schedule runs fn at t.
func (c *Calls) Schedule(t time.Time, fn Call) {
	c.Insert(t, fn)
}

// RunDue pops and runs every call due at now in ascending order. A call
// may schedule more calls; those run in the same pass only if they are
// already due and sort ahead of what remains.
func (c *Calls) RunDue(now time.Time) int {
	n := 0
	for {
		e, ok := c.PopDue(now)
		if !ok {
			return n
		}
		e.Value(now)
		n++
	}
}

// Earliest returns the earliest of the given deadlines. Zero times mean
// "no deadline" and are skipped; the result is zero if all are zero.
func Earliest(deadlines ...time.Time) time.Time {
	var earliest time.Time
	for _, d := range deadlines {
		if d.IsZero() {
			continue
		}
		if earliest.IsZero() || d.Before(earliest) {
			earliest = d
		}
	}
	return earliest
}
