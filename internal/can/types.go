package can

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

// Wire sizes of struct can_frame / struct canfd_frame.
const (
	MTU      = 16
	FDMTU    = 72
	MaxLen   = 8
	MaxFDLen = 64
)

// CANFD_BRS requests a bit rate switch for the data phase (canfd_frame.flags).
const CANFD_BRS = 0x01

// ErrNoFrame is returned by transports when no frame arrived before the read timeout.
var ErrNoFrame = errors.New("can: no frame before timeout")

// ErrFrameSize is returned for buffers that are neither MTU nor FDMTU long
// or whose length byte exceeds the frame kind.
var ErrFrameSize = errors.New("can: bad frame size")

// Frame is a plain CAN / CAN FD frame as exchanged with TCP clients.
// CANID contains EFF/RTR/ERR flags in its upper bits like SocketCAN.
// Len is payload length (0..8 classic, up to 64 when FD is set).
// Flags carries canfd_frame.flags and is only meaningful for FD frames.
type Frame struct {
	CANID uint32
	Len   uint8
	FD    bool
	Flags uint8
	Data  [64]byte
}

// Payload returns the valid part of Data.
func (f *Frame) Payload() []byte { return f.Data[:f.Len] }

func (f Frame) CopyShallow() Frame { // handy for tests
	var g Frame
	g.CANID, g.Len, g.FD, g.Flags = f.CANID, f.Len, f.FD, f.Flags
	copy(g.Data[:], f.Data[:])
	return g
}

// fdLens lists the payload lengths a CAN FD DLC can express.
var fdLens = [...]uint8{0, 1, 2, 3, 4, 5, 6, 7, 8, 12, 16, 20, 24, 32, 48, 64}

// FDLen rounds n up to the next length expressible by a CAN FD DLC.
// It returns -1 when n exceeds MaxFDLen.
func FDLen(n int) int {
	for _, l := range fdLens {
		if n <= int(l) {
			return int(l)
		}
	}
	return -1
}

// MarshalRaw renders f in the struct can_frame (16 bytes) or struct
// canfd_frame (72 bytes) layout, little-endian ID.
func (f Frame) MarshalRaw() []byte {
	size, max := MTU, MaxLen
	if f.FD {
		size, max = FDMTU, MaxFDLen
	}
	n := int(f.Len)
	if n > max {
		n = max
	}
	b := make([]byte, size)
	binary.LittleEndian.PutUint32(b[0:4], f.CANID)
	b[4] = uint8(n)
	if f.FD {
		b[5] = f.Flags
	}
	copy(b[8:], f.Data[:n])
	return b
}

// UnmarshalRaw parses a 16 or 72 byte SocketCAN buffer.
func UnmarshalRaw(b []byte) (Frame, error) {
	var f Frame
	switch len(b) {
	case MTU:
	case FDMTU:
		f.FD = true
		f.Flags = b[5]
	default:
		return f, fmt.Errorf("%w: %d bytes", ErrFrameSize, len(b))
	}
	f.CANID = binary.LittleEndian.Uint32(b[0:4])
	n := int(b[4])
	if (!f.FD && n > MaxLen) || n > MaxFDLen {
		return f, fmt.Errorf("%w: length %d", ErrFrameSize, n)
	}
	f.Len = uint8(n)
	copy(f.Data[:], b[8:8+n])
	return f, nil
}
