// Package edge tracks pointer screen-edge crossings and recognizes
// multi-tap sequences against a screen boundary.
package edge

import (
	"fmt"
	"strings"
	"time"
)

// Direction is one of the four screen edges.
type Direction int

const (
	Left Direction = iota
	Right
	Up
	Down

	NumDirections = 4
)

// AllDirs is the mask with every direction bit set.
const AllDirs uint32 = 1<<NumDirections - 1

// Directions lists every direction in mask-bit order.
var Directions = [NumDirections]Direction{Left, Right, Up, Down}

var directionNames = [NumDirections]string{"left", "right", "up", "down"}

// Mask returns the edge bitmask bit for d.
func (d Direction) Mask() uint32 {
	return 1 << uint(d)
}

// Valid reports whether d names a direction.
func (d Direction) Valid() bool {
	return d >= 0 && d < NumDirections
}

// String returns the lowercase direction name.
func (d Direction) String() string {
	if !d.Valid() {
		return fmt.Sprintf("direction(%d)", int(d))
	}
	return directionNames[d]
}

// ParseDirection parses a direction name, ignoring case.
func ParseDirection(s string) (Direction, error) {
	for i, name := range directionNames {
		if strings.EqualFold(s, name) {
			return Direction(i), nil
		}
	}
	return 0, fmt.Errorf("invalid direction %q", s)
}

// Event is an edge transition kind.
type Event int

const (
	// Depart means the pointer left the boundary region. It is the
	// initial state of every history.
	Depart Event = iota
	// Arrive means the pointer reached the boundary.
	Arrive
)

func (e Event) String() string {
	if e == Arrive {
		return "arrive"
	}
	return "depart"
}

// HistoryLen is the number of transitions each History remembers.
const HistoryLen = 16

// MaxTaps is the largest tap count a History can recognize.
const MaxTaps = HistoryLen / 2

// History is a ring of the most recent transition times for one
// direction. Recorded kinds strictly alternate.
type History struct {
	last  Event
	idx   int
	times [HistoryLen]time.Time
}

// Record appends a transition. It returns false, leaving the history
// unchanged, when ev repeats the last recorded kind.
func (h *History) Record(ev Event, now time.Time) bool {
	if ev == h.last {
		return false
	}
	h.idx = (h.idx + 1) % HistoryLen
	h.times[h.idx] = now
	h.last = ev
	return true
}

// Last returns the most recently recorded kind.
func (h *History) Last() Event {
	return h.last
}

// Entry returns the time of the transition rel steps back; 0 is the most
// recent. Slots never written hold the zero time.
func (h *History) Entry(rel int) time.Time {
	if rel < 0 || rel >= HistoryLen {
		panic(fmt.Sprintf("edge history index %d out of range", rel))
	}
	return h.times[(h.idx-rel+HistoryLen)%HistoryLen]
}

// MultiTap is a multi-tap switching policy. A zero Taps disables it.
type MultiTap struct {
	Taps   int
	Window time.Duration
}

// Enabled reports whether the policy triggers at all.
func (m MultiTap) Enabled() bool {
	return m.Taps > 0
}

// Completed reports whether an arrival just recorded at now finishes a
// sequence of m.Taps arrivals within m.Window. Each earlier tap
// contributes one arrival and one departure, so the sequence starts
// 2*(Taps-1) entries back.
func (m MultiTap) Completed(h *History, now time.Time) bool {
	if !m.Enabled() || h.Last() != Arrive {
		return false
	}
	start := h.Entry((m.Taps - 1) * 2)
	if start.IsZero() {
		return false
	}
	return now.Sub(start) < m.Window
}

// Crossing is one direction's transition derived from an edge mask change.
type Crossing struct {
	Dir   Direction
	Event Event
}

// Crossings returns the per-direction transitions between two edge masks
// in direction order.
func Crossings(oldMask, newMask uint32) []Crossing {
	var out []Crossing
	for _, d := range Directions {
		bit := d.Mask()
		if oldMask&bit == newMask&bit {
			continue
		}
		ev := Depart
		if newMask&bit != 0 {
			ev = Arrive
		}
		out = append(out, Crossing{Dir: d, Event: ev})
	}
	return out
}

// EntryPoint returns where the pointer should appear on a neighbor after
// leaving through edge d at screen fraction (x, y): on the opposite edge,
// keeping the perpendicular coordinate.
func EntryPoint(d Direction, x, y float32) (float32, float32) {
	switch d {
	case Left:
		return 1, y
	case Right:
		return 0, y
	case Up:
		return x, 1
	case Down:
		return x, 0
	}
	return x, y
}

// Tracker holds one History per direction for a node.
type Tracker struct {
	hist [NumDirections]History
}

// History returns the history for d.
func (t *Tracker) History(d Direction) *History {
	return &t.hist[d]
}

// Reset clears every direction.
func (t *Tracker) Reset() {
	t.hist = [NumDirections]History{}
}
