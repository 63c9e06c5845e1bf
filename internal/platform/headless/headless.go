// Package headless is an in-memory platform backend. It keeps pointer,
// clipboard, brightness and grab state in memory, records injected input,
// and lets callers feed synthetic local input and hotkey presses through
// its event descriptor. It backs tests and runs on hosts without a
// display.
package headless

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/postalsys/kvmux/internal/edge"
	"github.com/postalsys/kvmux/internal/platform"
	"github.com/postalsys/kvmux/internal/protocol"
)

// Injection is one synthetic input event delivered to the local desktop.
type Injection struct {
	Key    platform.KeyCode
	Button platform.Button
	Action protocol.PressRelease
}

type binding struct {
	chord platform.Chord
	fn    platform.HotkeyFunc
}

// Platform implements platform.Platform in memory. Capability methods are
// meant for the event-loop goroutine; the Send* and Trigger* feeders may
// be called from any goroutine.
type Platform struct {
	width, height int32

	readFD, writeFD int

	mu        sync.Mutex
	pending   []func()
	handler   platform.Handler
	hotkeys   map[string]binding
	grabbed   bool
	grabs     int
	pos       platform.Point
	edgeMask  uint32
	held      []platform.KeyCode
	clipboard []byte
	level     float32
	levels    []float32
	injected  []Injection
	closed    bool
}

var _ platform.Platform = (*Platform)(nil)

// New creates a headless screen of the given size with the pointer at its
// center.
func New(width, height int32) (*Platform, error) {
	if width < 2 || height < 2 {
		return nil, fmt.Errorf("invalid screen size %dx%d", width, height)
	}
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("event pipe: %w", err)
	}
	p := &Platform{
		width:   width,
		height:  height,
		readFD:  fds[0],
		writeFD: fds[1],
		hotkeys: make(map[string]binding),
		level:   1,
	}
	p.pos = p.ScreenCenter()
	return p, nil
}

// EventFD implements platform.Platform.
func (p *Platform) EventFD() int {
	return p.readFD
}

// queue appends an event and wakes the event descriptor.
func (p *Platform) queue(fn func()) {
	p.mu.Lock()
	closed := p.closed
	if !closed {
		p.pending = append(p.pending, fn)
	}
	p.mu.Unlock()
	if closed {
		return
	}
	// A full pipe already signals readiness.
	unix.Write(p.writeFD, []byte{1})
}

// ProcessEvents implements platform.Platform.
func (p *Platform) ProcessEvents() error {
	var buf [64]byte
	for {
		n, err := unix.Read(p.readFD, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil || n < len(buf) {
			break
		}
	}

	p.mu.Lock()
	events := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, ev := range events {
		ev()
	}
	return nil
}

// SetHandler implements platform.Platform.
func (p *Platform) SetHandler(h platform.Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
}

func (p *Platform) currentHandler() platform.Handler {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handler
}

// BindHotkey implements platform.Platform.
func (p *Platform) BindHotkey(chord string, fn platform.HotkeyFunc) error {
	c, err := platform.ParseChord(chord)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if prev, ok := p.hotkeys[c.ID()]; ok {
		return fmt.Errorf("%w: %q conflicts with %q", platform.ErrHotkeyConflict, chord, prev.chord)
	}
	p.hotkeys[c.ID()] = binding{chord: c, fn: fn}
	return nil
}

// Grab implements platform.Platform.
func (p *Platform) Grab() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.grabbed {
		return fmt.Errorf("inputs already grabbed")
	}
	p.grabbed = true
	p.grabs++
	return nil
}

// Ungrab implements platform.Platform.
func (p *Platform) Ungrab() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.grabbed {
		return fmt.Errorf("inputs not grabbed")
	}
	p.grabbed = false
	return nil
}

// MousePos implements platform.Platform.
func (p *Platform) MousePos() (platform.Point, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pos, nil
}

// SetMousePos implements platform.Platform.
func (p *Platform) SetMousePos(pt platform.Point) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pos = p.clamp(pt)
	p.edgeMask = p.maskAt(p.pos)
	return nil
}

// SetMousePosScreenRel implements platform.Platform.
func (p *Platform) SetMousePosScreenRel(x, y float32) error {
	return p.SetMousePos(platform.Point{
		X: int32(x * float32(p.width-1)),
		Y: int32(y * float32(p.height-1)),
	})
}

// MoveMouseRel implements platform.Platform. Like injected motion on a
// real display, it reports edge changes to the handler.
func (p *Platform) MoveMouseRel(dx, dy int32) error {
	p.moveLocal(dx, dy)
	return nil
}

// ScreenCenter implements platform.Platform.
func (p *Platform) ScreenCenter() platform.Point {
	return platform.Point{X: p.width / 2, Y: p.height / 2}
}

// CurrentModifiers implements platform.Platform.
func (p *Platform) CurrentModifiers() []platform.KeyCode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]platform.KeyCode(nil), p.held...)
}

// InjectKey implements platform.Platform.
func (p *Platform) InjectKey(key platform.KeyCode, action protocol.PressRelease) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.injected = append(p.injected, Injection{Key: key, Action: action})
	return nil
}

// InjectClick implements platform.Platform.
func (p *Platform) InjectClick(button platform.Button, action protocol.PressRelease) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.injected = append(p.injected, Injection{Button: button, Action: action})
	return nil
}

// Clipboard implements platform.Platform.
func (p *Platform) Clipboard() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.clipboard...), nil
}

// SetClipboard implements platform.Platform.
func (p *Platform) SetClipboard(text []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clipboard = append([]byte(nil), text...)
	return nil
}

// SetBrightness implements platform.Platform.
func (p *Platform) SetBrightness(level float32) error {
	if !(level >= 0 && level <= 1) {
		return fmt.Errorf("brightness %v out of range", level)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.level = level
	p.levels = append(p.levels, level)
	return nil
}

// Close implements platform.Platform.
func (p *Platform) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.pending = nil
	p.mu.Unlock()

	err := unix.Close(p.readFD)
	if werr := unix.Close(p.writeFD); err == nil {
		err = werr
	}
	return err
}

func (p *Platform) clamp(pt platform.Point) platform.Point {
	pt.X = min(max(pt.X, 0), p.width-1)
	pt.Y = min(max(pt.Y, 0), p.height-1)
	return pt
}

func (p *Platform) maskAt(pt platform.Point) uint32 {
	var mask uint32
	if pt.X == 0 {
		mask |= edge.Left.Mask()
	}
	if pt.X == p.width-1 {
		mask |= edge.Right.Mask()
	}
	if pt.Y == 0 {
		mask |= edge.Up.Mask()
	}
	if pt.Y == p.height-1 {
		mask |= edge.Down.Mask()
	}
	return mask
}

// ============================================================================
// Synthetic local input
// ============================================================================

// SendKey feeds a local key event. Modifier state is tracked; while
// grabbed the event goes to the handler.
func (p *Platform) SendKey(key platform.KeyCode, action protocol.PressRelease) {
	p.queue(func() {
		p.mu.Lock()
		if key.IsModifier() {
			p.held = updateHeld(p.held, key, action)
		}
		grabbed := p.grabbed
		p.mu.Unlock()

		if h := p.currentHandler(); grabbed && h != nil {
			h.KeyEvent(key, action)
		}
	})
}

func updateHeld(held []platform.KeyCode, key platform.KeyCode, action protocol.PressRelease) []platform.KeyCode {
	for i, k := range held {
		if k == key {
			if action == protocol.Release {
				return append(held[:i], held[i+1:]...)
			}
			return held
		}
	}
	if action == protocol.Press {
		held = append(held, key)
	}
	return held
}

// SendClick feeds a local button event, delivered to the handler while
// grabbed.
func (p *Platform) SendClick(button platform.Button, action protocol.PressRelease) {
	p.queue(func() {
		p.mu.Lock()
		grabbed := p.grabbed
		p.mu.Unlock()

		if h := p.currentHandler(); grabbed && h != nil {
			h.ClickEvent(button, action)
		}
	})
}

// SendMotion feeds relative pointer motion. While grabbed it goes to the
// handler; otherwise the local pointer moves and any change in the set of
// touched edges is reported.
func (p *Platform) SendMotion(dx, dy int32) {
	p.queue(func() {
		p.mu.Lock()
		if p.grabbed {
			p.mu.Unlock()
			if h := p.currentHandler(); h != nil {
				h.MoveRel(dx, dy)
			}
			return
		}
		p.mu.Unlock()
		p.moveLocal(dx, dy)
	})
}

func (p *Platform) moveLocal(dx, dy int32) {
	p.mu.Lock()
	oldMask := p.edgeMask
	p.pos = p.clamp(platform.Point{X: p.pos.X + dx, Y: p.pos.Y + dy})
	p.edgeMask = p.maskAt(p.pos)
	newMask := p.edgeMask
	x := float32(p.pos.X) / float32(p.width-1)
	y := float32(p.pos.Y) / float32(p.height-1)
	h := p.handler
	p.mu.Unlock()

	if oldMask != newMask && h != nil {
		h.EdgeMaskChange(oldMask, newMask, x, y)
	}
}

// TriggerHotkey simulates pressing a bound chord.
func (p *Platform) TriggerHotkey(chord string) error {
	c, err := platform.ParseChord(chord)
	if err != nil {
		return err
	}
	p.mu.Lock()
	b, ok := p.hotkeys[c.ID()]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("hotkey %q not bound", chord)
	}
	p.queue(func() { b.fn(append([]platform.KeyCode(nil), b.chord.Mods...)) })
	return nil
}

// ============================================================================
// Observation
// ============================================================================

// Grabbed reports whether input is currently grabbed.
func (p *Platform) Grabbed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.grabbed
}

// GrabCount returns how many times Grab succeeded.
func (p *Platform) GrabCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.grabs
}

// Brightness returns the current brightness level.
func (p *Platform) Brightness() float32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level
}

// BrightnessHistory returns every level set so far.
func (p *Platform) BrightnessHistory() []float32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]float32(nil), p.levels...)
}

// Injected returns every injected key and button event so far.
func (p *Platform) Injected() []Injection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Injection(nil), p.injected...)
}

// SetHeldModifiers replaces the set of held modifier keys.
func (p *Platform) SetHeldModifiers(keys ...platform.KeyCode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.held = append([]platform.KeyCode(nil), keys...)
}
