package secure

import (
	"encoding/binary"
	"fmt"

	"github.com/kstaniek/go-secure-can/internal/can"
)

// FrameKind distinguishes classic CAN from CAN FD frames.
type FrameKind int

const (
	KindClassic FrameKind = iota
	KindFD
)

func (k FrameKind) String() string {
	if k == KindFD {
		return "fd"
	}
	return "classic"
}

// Frame is the common view over both frame shapes: an identifier and the
// payload+tag bytes of its data region.
type Frame interface {
	Kind() FrameKind
	ID() uint32
	Body() []byte
	MarshalBinary() ([]byte, error)
}

// ClassicFrame mirrors struct can_frame:
//
//	0..3  can_id (EFF flag set)
//	4     len
//	5..7  padding
//	8..15 data
type ClassicFrame struct {
	CANID uint32
	Len   uint8
	Data  [can.MaxLen]byte
}

func (f *ClassicFrame) Kind() FrameKind { return KindClassic }
func (f *ClassicFrame) ID() uint32      { return f.CANID }
func (f *ClassicFrame) Body() []byte    { return f.Data[:f.Len] }

// MarshalBinary encodes the 16-byte SocketCAN layout. The kernel uses host
// byte order; common Linux targets are little-endian.
func (f *ClassicFrame) MarshalBinary() ([]byte, error) {
	if f.Len > can.MaxLen {
		return nil, fmt.Errorf("%w: classic length %d", ErrMalformedFrame, f.Len)
	}
	buf := make([]byte, can.MTU)
	binary.LittleEndian.PutUint32(buf[0:4], f.CANID)
	buf[4] = f.Len
	copy(buf[8:], f.Data[:f.Len])
	return buf, nil
}

// FDFrame mirrors struct canfd_frame:
//
//	0..3  can_id (EFF flag set)
//	4     len
//	5     flags
//	6..7  reserved
//	8..71 data
type FDFrame struct {
	CANID uint32
	Len   uint8
	Flags uint8
	Data  [can.MaxFDLen]byte
}

func (f *FDFrame) Kind() FrameKind { return KindFD }
func (f *FDFrame) ID() uint32      { return f.CANID }
func (f *FDFrame) Body() []byte    { return f.Data[:f.Len] }

// MarshalBinary encodes the 72-byte SocketCAN FD layout.
func (f *FDFrame) MarshalBinary() ([]byte, error) {
	if f.Len > can.MaxFDLen {
		return nil, fmt.Errorf("%w: fd length %d", ErrMalformedFrame, f.Len)
	}
	buf := make([]byte, can.FDMTU)
	binary.LittleEndian.PutUint32(buf[0:4], f.CANID)
	buf[4] = f.Len
	buf[5] = f.Flags
	copy(buf[8:], f.Data[:f.Len])
	return buf, nil
}

// UnmarshalFrame classifies raw by its size (can.MTU or can.FDMTU) and
// validates the declared length against the frame kind's capacity.
func UnmarshalFrame(raw []byte) (Frame, error) {
	switch len(raw) {
	case can.MTU:
		f := &ClassicFrame{CANID: binary.LittleEndian.Uint32(raw[0:4]), Len: raw[4]}
		if f.Len > can.MaxLen {
			return nil, fmt.Errorf("%w: classic length %d", ErrMalformedFrame, f.Len)
		}
		copy(f.Data[:], raw[8:8+f.Len])
		return f, nil
	case can.FDMTU:
		f := &FDFrame{CANID: binary.LittleEndian.Uint32(raw[0:4]), Len: raw[4], Flags: raw[5]}
		if f.Len > can.MaxFDLen {
			return nil, fmt.Errorf("%w: fd length %d", ErrMalformedFrame, f.Len)
		}
		copy(f.Data[:], raw[8:8+f.Len])
		return f, nil
	default:
		return nil, fmt.Errorf("%w: %d byte buffer", ErrMalformedFrame, len(raw))
	}
}

// FrameCodec builds and parses secure frames. Stateless and safe for concurrent use.
type FrameCodec struct {
	// BitRateSwitch sets CANFD_BRS on built FD frames.
	BitRateSwitch bool
}

// KindFor selects the frame shape for n payload+tag bytes.
func (FrameCodec) KindFor(n int) FrameKind {
	if n <= can.MaxLen {
		return KindClassic
	}
	return KindFD
}

// PadForFD zero-extends m.Payload so payload+tags is a length a CAN FD DLC
// can carry. Messages that fit a classic frame are left untouched. It must run
// before tags are computed.
func (c FrameCodec) PadForFD(m *Message) {
	n := m.wireLen()
	if c.KindFor(n) != KindFD {
		return
	}
	l := can.FDLen(n)
	if l <= n {
		return
	}
	m.Payload = append(m.Payload, make([]byte, l-n)...)
}

// Build concatenates payload and tags into a classic or FD frame.
func (c FrameCodec) Build(m *Message) (Frame, error) {
	if err := m.ArbitrationID.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if len(m.Tags) != m.ArbitrationID.Quantity() {
		return nil, fmt.Errorf("%w: %d tags for %d destinations", ErrMalformedMessage, len(m.Tags), m.ArbitrationID.Quantity())
	}
	n := m.wireLen()
	if n > can.MaxFDLen {
		return nil, fmt.Errorf("%w: %d data bytes exceed %d", ErrMalformedMessage, n, can.MaxFDLen)
	}
	id := m.ArbitrationID.Encode() | can.CAN_EFF_FLAG
	var data []byte
	var fr Frame
	if c.KindFor(n) == KindClassic {
		cf := &ClassicFrame{CANID: id, Len: uint8(n)}
		data, fr = cf.Data[:], cf
	} else {
		ff := &FDFrame{CANID: id, Len: uint8(n)}
		if c.BitRateSwitch {
			ff.Flags |= can.CANFD_BRS
		}
		data, fr = ff.Data[:], ff
	}
	off := copy(data, m.Payload)
	for i, t := range m.Tags {
		if len(t) != TagSize {
			return nil, fmt.Errorf("%w: tag %d is %d bytes", ErrMalformedMessage, i, len(t))
		}
		off += copy(data[off:], t)
	}
	return fr, nil
}

// Decode splits a frame into a Message. The tag region is TagSize bytes per
// destination at the end of the body.
func (FrameCodec) Decode(f Frame) (*Message, error) {
	if f.ID()&can.CAN_EFF_FLAG == 0 {
		return nil, fmt.Errorf("%w: standard identifier 0x%X", ErrMalformedFrame, f.ID())
	}
	id := DecodeArbitrationID(f.ID() & can.CAN_EFF_MASK)
	body := f.Body()
	tagBytes := id.Quantity() * TagSize
	if len(body) < tagBytes {
		return nil, fmt.Errorf("%w: %d data bytes shorter than %d tag bytes", ErrMalformedFrame, len(body), tagBytes)
	}
	split := len(body) - tagBytes
	m := &Message{
		ArbitrationID: id,
		Payload:       append([]byte(nil), body[:split]...),
		Tags:          make([][]byte, id.Quantity()),
	}
	for i := range m.Tags {
		off := split + i*TagSize
		m.Tags[i] = append([]byte(nil), body[off:off+TagSize]...)
	}
	return m, nil
}

// Parse decodes a raw SocketCAN buffer into a Message.
func (c FrameCodec) Parse(raw []byte) (*Message, error) {
	f, err := UnmarshalFrame(raw)
	if err != nil {
		return nil, err
	}
	return c.Decode(f)
}
