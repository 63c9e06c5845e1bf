package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

var (
	// ErrNeedMoreData is returned by Decode when the buffer holds only a
	// prefix of a message. Nothing has been consumed.
	ErrNeedMoreData = errors.New("need more data")

	// ErrMalformed is returned when a header or fixed field fails validation
	ErrMalformed = errors.New("malformed message")

	// ErrPayloadTooLarge is returned when a payload exceeds MaxPayloadSize
	ErrPayloadTooLarge = errors.New("message payload exceeds maximum size")
)

// Message is one protocol message. The concrete types in this package
// are the only implementations.
//
// Wire format:
//
//	Type    [1 byte]   - MessageType
//	Flags   [1 byte]   - reserved, must be zero
//	Length  [4 bytes]  - payload length (big-endian), zero for fixed-only types
//	Fields  [16 bytes] - type-specific fixed fields (big-endian), zero padded
//	Payload [Length]   - opaque bytes
type Message interface {
	Type() MessageType
	putFields(b []byte)
	payload() []byte
}

// Setup opens a session. Params is a flattened key/value map (see
// FlattenParams).
type Setup struct {
	Version uint32
	Params  []byte
}

// Ready acknowledges Setup.
type Ready struct{}

// Log carries free-form diagnostic text from an agent.
type Log struct {
	Text []byte
}

// SetClipboard replaces the receiver's clipboard contents.
type SetClipboard struct {
	Text []byte
}

// GetClipboard asks the receiver to reply with a SetClipboard.
type GetClipboard struct{}

// KeyEvent injects a key press or release.
type KeyEvent struct {
	Key    uint32
	Action PressRelease
}

// MoveRel moves the pointer by a relative amount.
type MoveRel struct {
	DX, DY int32
}

// ClickEvent injects a pointer button press or release.
type ClickEvent struct {
	Button uint32
	Action PressRelease
}

// SetBrightness sets display brightness in [0, 1].
type SetBrightness struct {
	Level float32
}

// SetMousePos moves the pointer to absolute screen coordinates.
type SetMousePos struct {
	X, Y int32
}

// SetMousePosScreenRel moves the pointer to a position expressed as a
// fraction of the screen size.
type SetMousePosScreenRel struct {
	X, Y float32
}

// EdgeMaskChange reports that the pointer's set of touched screen edges
// changed from Old to New at screen fraction (X, Y).
type EdgeMaskChange struct {
	Old, New uint32
	X, Y     float32
}

func (*Setup) Type() MessageType                { return TypeSetup }
func (*Ready) Type() MessageType                { return TypeReady }
func (*Log) Type() MessageType                  { return TypeLog }
func (*SetClipboard) Type() MessageType         { return TypeSetClipboard }
func (*GetClipboard) Type() MessageType         { return TypeGetClipboard }
func (*KeyEvent) Type() MessageType             { return TypeKeyEvent }
func (*MoveRel) Type() MessageType              { return TypeMoveRel }
func (*ClickEvent) Type() MessageType           { return TypeClickEvent }
func (*SetBrightness) Type() MessageType        { return TypeSetBrightness }
func (*SetMousePos) Type() MessageType          { return TypeSetMousePos }
func (*SetMousePosScreenRel) Type() MessageType { return TypeSetMousePosScreenRel }
func (*EdgeMaskChange) Type() MessageType       { return TypeEdgeMaskChange }

func (m *Setup) putFields(b []byte) { binary.BigEndian.PutUint32(b, m.Version) }
func (*Ready) putFields([]byte)        {}
func (*Log) putFields([]byte)          {}
func (*SetClipboard) putFields([]byte) {}
func (*GetClipboard) putFields([]byte) {}

func (m *KeyEvent) putFields(b []byte) {
	binary.BigEndian.PutUint32(b[0:4], m.Key)
	b[4] = uint8(m.Action)
}

func (m *MoveRel) putFields(b []byte) {
	binary.BigEndian.PutUint32(b[0:4], uint32(m.DX))
	binary.BigEndian.PutUint32(b[4:8], uint32(m.DY))
}

func (m *ClickEvent) putFields(b []byte) {
	binary.BigEndian.PutUint32(b[0:4], m.Button)
	b[4] = uint8(m.Action)
}

func (m *SetBrightness) putFields(b []byte) {
	binary.BigEndian.PutUint32(b[0:4], math.Float32bits(m.Level))
}

func (m *SetMousePos) putFields(b []byte) {
	binary.BigEndian.PutUint32(b[0:4], uint32(m.X))
	binary.BigEndian.PutUint32(b[4:8], uint32(m.Y))
}

func (m *SetMousePosScreenRel) putFields(b []byte) {
	binary.BigEndian.PutUint32(b[0:4], math.Float32bits(m.X))
	binary.BigEndian.PutUint32(b[4:8], math.Float32bits(m.Y))
}

func (m *EdgeMaskChange) putFields(b []byte) {
	binary.BigEndian.PutUint32(b[0:4], m.Old)
	binary.BigEndian.PutUint32(b[4:8], m.New)
	binary.BigEndian.PutUint32(b[8:12], math.Float32bits(m.X))
	binary.BigEndian.PutUint32(b[12:16], math.Float32bits(m.Y))
}

func (m *Setup) payload() []byte              { return m.Params }
func (*Ready) payload() []byte                { return nil }
func (m *Log) payload() []byte                { return m.Text }
func (m *SetClipboard) payload() []byte       { return m.Text }
func (*GetClipboard) payload() []byte         { return nil }
func (*KeyEvent) payload() []byte             { return nil }
func (*MoveRel) payload() []byte              { return nil }
func (*ClickEvent) payload() []byte           { return nil }
func (*SetBrightness) payload() []byte        { return nil }
func (*SetMousePos) payload() []byte          { return nil }
func (*SetMousePosScreenRel) payload() []byte { return nil }
func (*EdgeMaskChange) payload() []byte       { return nil }

// Encode serializes a message to bytes.
func Encode(m Message) ([]byte, error) {
	p := m.payload()
	if len(p) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	buf := make([]byte, HeaderSize+len(p))

	// Header
	buf[0] = uint8(m.Type())
	buf[1] = 0
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(p)))
	m.putFields(buf[6:HeaderSize])

	// Payload
	copy(buf[HeaderSize:], p)

	return buf, nil
}

// EncodedLen returns the number of bytes Encode produces for m.
func EncodedLen(m Message) int {
	return HeaderSize + len(m.payload())
}

// DecodeHeader validates a message header and returns the message type
// and payload length. buf must hold at least HeaderSize bytes.
func DecodeHeader(buf []byte) (t MessageType, length uint32, err error) {
	if len(buf) < HeaderSize {
		return 0, 0, ErrNeedMoreData
	}

	t = MessageType(buf[0])
	length = binary.BigEndian.Uint32(buf[2:6])

	if !IsKnownType(t) {
		return 0, 0, fmt.Errorf("%w: unknown message type 0x%02x", ErrMalformed, uint8(t))
	}
	if buf[1] != 0 {
		return 0, 0, fmt.Errorf("%w: nonzero flags 0x%02x on %s", ErrMalformed, buf[1], t)
	}
	if length > MaxPayloadSize {
		return 0, 0, fmt.Errorf("%w: %s payload length %d exceeds %d", ErrMalformed, t, length, MaxPayloadSize)
	}
	if length > 0 && !HasPayload(t) {
		return 0, 0, fmt.Errorf("%w: %s carries unexpected %d-byte payload", ErrMalformed, t, length)
	}

	return t, length, nil
}

// Decode deserializes one message from the front of buf and returns it
// with the number of bytes consumed. If buf holds only part of a message
// it returns ErrNeedMoreData and consumes nothing. Validation failures
// wrap ErrMalformed. The returned payload never aliases buf.
func Decode(buf []byte) (Message, int, error) {
	t, length, err := DecodeHeader(buf)
	if err != nil {
		return nil, 0, err
	}

	total := HeaderSize + int(length)
	if len(buf) < total {
		return nil, 0, ErrNeedMoreData
	}

	f := buf[6:HeaderSize]
	var payload []byte
	if length > 0 {
		payload = make([]byte, length)
		copy(payload, buf[HeaderSize:total])
	}

	var m Message
	switch t {
	case TypeSetup:
		m = &Setup{Version: binary.BigEndian.Uint32(f[0:4]), Params: payload}
	case TypeReady:
		m = &Ready{}
	case TypeLog:
		m = &Log{Text: payload}
	case TypeSetClipboard:
		m = &SetClipboard{Text: payload}
	case TypeGetClipboard:
		m = &GetClipboard{}
	case TypeKeyEvent:
		action, err := decodeAction(f[4])
		if err != nil {
			return nil, 0, err
		}
		m = &KeyEvent{Key: binary.BigEndian.Uint32(f[0:4]), Action: action}
	case TypeMoveRel:
		m = &MoveRel{
			DX: int32(binary.BigEndian.Uint32(f[0:4])),
			DY: int32(binary.BigEndian.Uint32(f[4:8])),
		}
	case TypeClickEvent:
		action, err := decodeAction(f[4])
		if err != nil {
			return nil, 0, err
		}
		m = &ClickEvent{Button: binary.BigEndian.Uint32(f[0:4]), Action: action}
	case TypeSetBrightness:
		level := math.Float32frombits(binary.BigEndian.Uint32(f[0:4]))
		if !(level >= 0 && level <= 1) {
			return nil, 0, fmt.Errorf("%w: brightness %v out of range", ErrMalformed, level)
		}
		m = &SetBrightness{Level: level}
	case TypeSetMousePos:
		m = &SetMousePos{
			X: int32(binary.BigEndian.Uint32(f[0:4])),
			Y: int32(binary.BigEndian.Uint32(f[4:8])),
		}
	case TypeSetMousePosScreenRel:
		m = &SetMousePosScreenRel{
			X: math.Float32frombits(binary.BigEndian.Uint32(f[0:4])),
			Y: math.Float32frombits(binary.BigEndian.Uint32(f[4:8])),
		}
	case TypeEdgeMaskChange:
		m = &EdgeMaskChange{
			Old: binary.BigEndian.Uint32(f[0:4]),
			New: binary.BigEndian.Uint32(f[4:8]),
			X:   math.Float32frombits(binary.BigEndian.Uint32(f[8:12])),
			Y:   math.Float32frombits(binary.BigEndian.Uint32(f[12:16])),
		}
	}

	return m, total, nil
}

func decodeAction(b uint8) (PressRelease, error) {
	switch PressRelease(b) {
	case Press, Release:
		return PressRelease(b), nil
	default:
		return 0, fmt.Errorf("%w: invalid press/release value %d", ErrMalformed, b)
	}
}

// ============================================================================
// Blocking Reader/Writer
// ============================================================================

// Reader reads messages from a blocking io.Reader.
type Reader struct {
	r      io.Reader
	header [HeaderSize]byte
}

// NewReader creates a new Reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Read reads the next message.
func (mr *Reader) Read() (Message, error) {
	if _, err := io.ReadFull(mr.r, mr.header[:]); err != nil {
		return nil, err
	}

	_, length, err := DecodeHeader(mr.header[:])
	if err != nil {
		return nil, err
	}

	buf := make([]byte, HeaderSize+int(length))
	copy(buf, mr.header[:])
	if length > 0 {
		if _, err := io.ReadFull(mr.r, buf[HeaderSize:]); err != nil {
			return nil, err
		}
	}

	m, _, err := Decode(buf)
	return m, err
}

// Writer writes messages to a blocking io.Writer.
type Writer struct {
	w io.Writer
}

// NewWriter creates a new Writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write writes a message.
func (mw *Writer) Write(m Message) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	_, err = mw.w.Write(data)
	return err
}
