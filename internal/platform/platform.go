// Package platform defines the capabilities kvmux needs from the local
// windowing system: input capture and injection, pointer control,
// clipboard, display brightness and hotkeys.
package platform

import (
	"errors"

	"github.com/postalsys/kvmux/internal/protocol"
)

var (
	// ErrHotkeyConflict is returned when a chord is already bound
	ErrHotkeyConflict = errors.New("hotkey already bound")

	// ErrInvalidChord is returned for chords that do not parse
	ErrInvalidChord = errors.New("invalid key chord")
)

// Point is an absolute screen position in pixels.
type Point struct {
	X, Y int32
}

// Handler receives local input while it is grabbed, and edge crossings at
// all times.
type Handler interface {
	KeyEvent(key KeyCode, action protocol.PressRelease)
	MoveRel(dx, dy int32)
	ClickEvent(button Button, action protocol.PressRelease)

	// EdgeMaskChange reports that the set of screen edges the pointer
	// touches changed. x and y are screen fractions.
	EdgeMaskChange(oldMask, newMask uint32, x, y float32)
}

// HotkeyFunc is invoked when a bound chord is pressed. mods are the
// chord's modifier keys.
type HotkeyFunc func(mods []KeyCode)

// Platform is a local windowing system backend. Methods are called from a
// single goroutine.
type Platform interface {
	// EventFD returns a descriptor that is readable when ProcessEvents has
	// work to do.
	EventFD() int

	// ProcessEvents handles every pending event, invoking the Handler and
	// hotkey callbacks synchronously.
	ProcessEvents() error

	// SetHandler installs the input handler.
	SetHandler(h Handler)

	// BindHotkey registers a chord such as "control+mod4+f1". Conflicts
	// and registration failures are returned.
	BindHotkey(chord string, fn HotkeyFunc) error

	// Grab captures keyboard and pointer so input goes to the Handler
	// instead of the local desktop. Ungrab releases it.
	Grab() error
	Ungrab() error

	MousePos() (Point, error)
	SetMousePos(p Point) error
	SetMousePosScreenRel(x, y float32) error
	MoveMouseRel(dx, dy int32) error
	ScreenCenter() Point

	// CurrentModifiers returns the modifier keys currently held.
	CurrentModifiers() []KeyCode

	InjectKey(key KeyCode, action protocol.PressRelease) error
	InjectClick(button Button, action protocol.PressRelease) error

	Clipboard() ([]byte, error)
	SetClipboard(text []byte) error

	// SetBrightness sets display brightness in [0, 1] immediately.
	SetBrightness(level float32) error

	Close() error
}
