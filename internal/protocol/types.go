// Package protocol defines the wire protocol spoken between the kvmux
// controller and its agents over a remote shell's standard streams.
package protocol

// MessageType identifies the kind of a message on the wire.
type MessageType uint8

// Message type constants
const (
	TypeSetup                MessageType = 0x01 // Handshake, controller -> agent
	TypeReady                MessageType = 0x02 // Handshake reply, agent -> controller
	TypeLog                  MessageType = 0x03 // Diagnostic text, agent -> controller
	TypeSetClipboard         MessageType = 0x04 // Replace clipboard contents
	TypeGetClipboard         MessageType = 0x05 // Request clipboard contents
	TypeKeyEvent             MessageType = 0x10 // Key press/release
	TypeMoveRel              MessageType = 0x11 // Relative pointer motion
	TypeClickEvent           MessageType = 0x12 // Pointer button press/release
	TypeSetBrightness        MessageType = 0x13 // Display brightness
	TypeSetMousePos          MessageType = 0x14 // Absolute pointer position
	TypeSetMousePosScreenRel MessageType = 0x15 // Pointer position as screen fraction
	TypeEdgeMaskChange       MessageType = 0x16 // Pointer crossed a screen boundary
)

// PressRelease distinguishes key/button presses from releases.
type PressRelease uint8

const (
	Release PressRelease = 0
	Press   PressRelease = 1
)

// String returns the string representation of the action.
func (p PressRelease) String() string {
	switch p {
	case Press:
		return "press"
	case Release:
		return "release"
	default:
		return "invalid"
	}
}

// Protocol constants
const (
	// ProtocolVersion is the current protocol version
	ProtocolVersion uint32 = 1

	// HeaderSize is the size of a message header in bytes
	HeaderSize = 22

	// FieldsSize is the size of the fixed-field area inside the header
	FieldsSize = 16

	// MaxPayloadSize is the maximum payload size (4 MiB), large enough
	// for any reasonable clipboard transfer.
	MaxPayloadSize = 4 << 20
)

// TypeName returns a human-readable name for a message type.
func TypeName(t MessageType) string {
	switch t {
	case TypeSetup:
		return "SETUP"
	case TypeReady:
		return "READY"
	case TypeLog:
		return "LOG"
	case TypeSetClipboard:
		return "SET_CLIPBOARD"
	case TypeGetClipboard:
		return "GET_CLIPBOARD"
	case TypeKeyEvent:
		return "KEY_EVENT"
	case TypeMoveRel:
		return "MOVE_REL"
	case TypeClickEvent:
		return "CLICK_EVENT"
	case TypeSetBrightness:
		return "SET_BRIGHTNESS"
	case TypeSetMousePos:
		return "SET_MOUSE_POS"
	case TypeSetMousePosScreenRel:
		return "SET_MOUSE_POS_SCREEN_REL"
	case TypeEdgeMaskChange:
		return "EDGE_MASK_CHANGE"
	default:
		return "UNKNOWN"
	}
}

// String implements fmt.Stringer.
func (t MessageType) String() string {
	return TypeName(t)
}

// IsKnownType reports whether t is a message type this version understands.
func IsKnownType(t MessageType) bool {
	return TypeName(t) != "UNKNOWN"
}

// HasPayload reports whether messages of type t carry a variable-length
// payload after the header. For all other types the header's length
// field must be zero.
func HasPayload(t MessageType) bool {
	switch t {
	case TypeSetup, TypeLog, TypeSetClipboard:
		return true
	default:
		return false
	}
}
