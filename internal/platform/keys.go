package platform

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
)

// KeyCode is a platform-independent key identifier carried on the wire.
type KeyCode uint32

// Button is a platform-independent pointer button.
type Button uint32

const (
	ButtonLeft Button = iota + 1
	ButtonMiddle
	ButtonRight
	ButtonScrollUp
	ButtonScrollDown
	ButtonScrollLeft
	ButtonScrollRight
)

// Modifier keys.
const (
	KeyNone KeyCode = iota
	KeyShiftL
	KeyShiftR
	KeyControlL
	KeyControlR
	KeyAltL
	KeyAltR
	KeySuperL
	KeySuperR
	KeyCapsLock
	KeyMod2
	KeyMod3
	KeyMod5

	firstNonModifier
)

// Non-modifier keys. Letters, digits and function keys are contiguous.
const (
	KeyA KeyCode = firstNonModifier + iota
)

const (
	KeyDigit0 KeyCode = KeyA + 26 + iota
)

const (
	KeyF1 KeyCode = KeyDigit0 + 10 + iota
)

const (
	KeyEscape KeyCode = KeyF1 + 24 + iota
	KeyReturn
	KeyTab
	KeyBackspace
	KeySpace
	KeyInsert
	KeyDelete
	KeyHome
	KeyEnd
	KeyPageUp
	KeyPageDown
	KeyLeft
	KeyRight
	KeyUp
	KeyDown
	KeyMinus
	KeyEqual
	KeyBracketLeft
	KeyBracketRight
	KeyBackslash
	KeySemicolon
	KeyApostrophe
	KeyGrave
	KeyComma
	KeyPeriod
	KeySlash
	KeyPrint
	KeyScrollLock
	KeyPause
	KeyMenu
	KeyNumLock

	keyCount
)

// IsModifier reports whether k is a modifier key.
func (k KeyCode) IsModifier() bool {
	return k > KeyNone && k < firstNonModifier
}

// String returns the canonical key name.
func (k KeyCode) String() string {
	if k < keyCount && keyNames[k] != "" {
		return keyNames[k]
	}
	return fmt.Sprintf("key(%d)", uint32(k))
}

var keyNames = func() [keyCount]string {
	var n [keyCount]string
	n[KeyShiftL] = "shift_l"
	n[KeyShiftR] = "shift_r"
	n[KeyControlL] = "control_l"
	n[KeyControlR] = "control_r"
	n[KeyAltL] = "alt_l"
	n[KeyAltR] = "alt_r"
	n[KeySuperL] = "super_l"
	n[KeySuperR] = "super_r"
	n[KeyCapsLock] = "capslock"
	n[KeyMod2] = "mod2"
	n[KeyMod3] = "mod3"
	n[KeyMod5] = "mod5"
	for i := 0; i < 26; i++ {
		n[KeyA+KeyCode(i)] = string(rune('a' + i))
	}
	for i := 0; i < 10; i++ {
		n[KeyDigit0+KeyCode(i)] = string(rune('0' + i))
	}
	for i := 0; i < 24; i++ {
		n[KeyF1+KeyCode(i)] = fmt.Sprintf("f%d", i+1)
	}
	for k, name := range map[KeyCode]string{
		KeyEscape: "escape", KeyReturn: "return", KeyTab: "tab", KeyBackspace: "backspace",
		KeySpace: "space", KeyInsert: "insert", KeyDelete: "delete", KeyHome: "home",
		KeyEnd: "end", KeyPageUp: "pageup", KeyPageDown: "pagedown", KeyLeft: "left",
		KeyRight: "right", KeyUp: "up", KeyDown: "down", KeyMinus: "minus",
		KeyEqual: "equal", KeyBracketLeft: "bracketleft", KeyBracketRight: "bracketright",
		KeyBackslash: "backslash", KeySemicolon: "semicolon", KeyApostrophe: "apostrophe",
		KeyGrave: "grave", KeyComma: "comma", KeyPeriod: "period", KeySlash: "slash",
		KeyPrint: "print", KeyScrollLock: "scrolllock", KeyPause: "pause", KeyMenu: "menu",
		KeyNumLock: "numlock",
	} {
		n[k] = name
	}
	return n
}()

// keyAliases are extra names accepted in chords.
var keyAliases = map[string]KeyCode{
	"esc":   KeyEscape,
	"enter": KeyReturn,
	"del":   KeyDelete,
	"prior": KeyPageUp,
	"next":  KeyPageDown,
}

// modifierNames maps chord modifier names to the key reported to remotes.
var modifierNames = map[string]KeyCode{
	"shift":   KeyShiftL,
	"control": KeyControlL,
	"ctrl":    KeyControlL,
	"alt":     KeyAltL,
	"mod1":    KeyAltL,
	"mod2":    KeyMod2,
	"mod3":    KeyMod3,
	"mod4":    KeySuperL,
	"super":   KeySuperL,
	"mod5":    KeyMod5,
	"lock":    KeyCapsLock,
}

var keysByName = func() map[string]KeyCode {
	m := make(map[string]KeyCode, keyCount)
	for k, name := range keyNames {
		if name != "" && !KeyCode(k).IsModifier() {
			m[name] = KeyCode(k)
		}
	}
	for name, k := range keyAliases {
		m[name] = k
	}
	return m
}()

// fold case-folds a key or modifier name. Casers are stateful, so each
// call gets its own.
func fold(s string) string {
	return cases.Fold().String(s)
}

// ParseKey looks up a non-modifier key by name, ignoring case.
func ParseKey(name string) (KeyCode, error) {
	if k, ok := keysByName[fold(name)]; ok {
		return k, nil
	}
	return KeyNone, fmt.Errorf("unknown key %q", name)
}

// Chord is a parsed hotkey: zero or more modifiers plus one key.
type Chord struct {
	Mods []KeyCode
	Key  KeyCode
}

// ParseChord parses a "+"-joined chord such as "control+mod4+f1".
// Modifier names come first; exactly one non-modifier key is required.
func ParseChord(s string) (Chord, error) {
	var c Chord
	parts := strings.Split(s, "+")
	for i, raw := range parts {
		name := fold(strings.TrimSpace(raw))
		if name == "" {
			return Chord{}, fmt.Errorf("%w %q: empty component", ErrInvalidChord, s)
		}
		if i < len(parts)-1 {
			mod, ok := modifierNames[name]
			if !ok {
				return Chord{}, fmt.Errorf("%w %q: unknown modifier %q", ErrInvalidChord, s, raw)
			}
			for _, m := range c.Mods {
				if m == mod {
					return Chord{}, fmt.Errorf("%w %q: repeated modifier %q", ErrInvalidChord, s, raw)
				}
			}
			c.Mods = append(c.Mods, mod)
			continue
		}
		key, ok := keysByName[name]
		if !ok {
			return Chord{}, fmt.Errorf("%w %q: unknown key %q", ErrInvalidChord, s, raw)
		}
		c.Key = key
	}
	return c, nil
}

// String returns the chord in canonical form.
func (c Chord) String() string {
	parts := make([]string, 0, len(c.Mods)+1)
	for _, m := range c.Mods {
		parts = append(parts, modifierName(m))
	}
	parts = append(parts, c.Key.String())
	return strings.Join(parts, "+")
}

func modifierName(k KeyCode) string {
	switch k {
	case KeyShiftL, KeyShiftR:
		return "shift"
	case KeyControlL, KeyControlR:
		return "control"
	case KeyAltL, KeyAltR:
		return "mod1"
	case KeySuperL, KeySuperR:
		return "mod4"
	case KeyMod2:
		return "mod2"
	case KeyMod3:
		return "mod3"
	case KeyMod5:
		return "mod5"
	case KeyCapsLock:
		return "lock"
	}
	return k.String()
}

// ID returns a canonical identity for the chord, independent of modifier
// order, used to detect conflicting bindings.
func (c Chord) ID() string {
	var mask uint32
	for _, m := range c.Mods {
		mask |= 1 << uint32(m)
	}
	return fmt.Sprintf("%x:%d", mask, c.Key)
}
