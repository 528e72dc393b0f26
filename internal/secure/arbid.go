package secure

import (
	"fmt"
	"strings"
)

// Address and field limits of the extended identifier layout.
const (
	MaxPriority     = 7
	MaxAddress      = 63
	MaxDestinations = 3
)

// Bit layout (29 bits):
//
//	28..26 priority | 25..20 source | 19..18 quantity | 17..12 dst0 | 11..6 dst1 | 5..0 dst2
const (
	priorityShift = 26
	sourceShift   = 20
	quantityShift = 18
	dstShift0     = 12

	priorityMask = 0x1C000000
	sourceMask   = 0x03F00000
	quantityMask = 0x000C0000
	addrMask     = 0x3F
)

// ArbitrationID is the routing metadata embedded in an extended CAN identifier.
// The destination quantity is always len(Destinations).
type ArbitrationID struct {
	Priority     uint8
	Source       uint8
	Destinations []uint8
}

// NewArbitrationID validates the fields and returns an ArbitrationID.
func NewArbitrationID(priority, source uint8, destinations ...uint8) (ArbitrationID, error) {
	id := ArbitrationID{Priority: priority, Source: source, Destinations: append([]uint8(nil), destinations...)}
	if err := id.Validate(); err != nil {
		return ArbitrationID{}, err
	}
	return id, nil
}

// Validate reports whether every field fits its bit range.
func (a ArbitrationID) Validate() error {
	if a.Priority > MaxPriority {
		return fmt.Errorf("%w: priority %d > %d", ErrInvalidArbitrationID, a.Priority, MaxPriority)
	}
	if a.Source > MaxAddress {
		return fmt.Errorf("%w: source %d > %d", ErrInvalidArbitrationID, a.Source, MaxAddress)
	}
	if len(a.Destinations) > MaxDestinations {
		return fmt.Errorf("%w: %d destinations (max %d)", ErrInvalidArbitrationID, len(a.Destinations), MaxDestinations)
	}
	for _, d := range a.Destinations {
		if d > MaxAddress {
			return fmt.Errorf("%w: destination %d > %d", ErrInvalidArbitrationID, d, MaxAddress)
		}
	}
	return nil
}

// Quantity is the number of destinations encoded in bits 18..19.
func (a ArbitrationID) Quantity() int { return len(a.Destinations) }

// Encode packs the fields into the low 29 bits. The caller is expected to
// have validated a; out-of-range fields are masked.
func (a ArbitrationID) Encode() uint32 {
	var v uint32
	for i, d := range a.Destinations {
		if i >= MaxDestinations {
			break
		}
		v |= (uint32(d) & addrMask) << (dstShift0 - 6*i)
	}
	v |= uint32(len(a.Destinations)&0x3) << quantityShift
	v |= (uint32(a.Source) & addrMask) << sourceShift
	v |= (uint32(a.Priority) & 0x7) << priorityShift
	return v
}

// DecodeArbitrationID unpacks v. Bits above 28 (SocketCAN flags) are ignored.
func DecodeArbitrationID(v uint32) ArbitrationID {
	a := ArbitrationID{
		Priority: uint8((v & priorityMask) >> priorityShift),
		Source:   uint8((v & sourceMask) >> sourceShift),
	}
	n := int((v & quantityMask) >> quantityShift)
	if n > MaxDestinations {
		n = MaxDestinations
	}
	a.Destinations = make([]uint8, n)
	for i := range a.Destinations {
		a.Destinations[i] = uint8((v >> (dstShift0 - 6*i)) & addrMask)
	}
	return a
}

// Has reports whether addr is one of the destinations and its slot index.
func (a ArbitrationID) Has(addr uint8) (int, bool) {
	for i, d := range a.Destinations {
		if d == addr {
			return i, true
		}
	}
	return -1, false
}

// Equal compares all fields including destination order.
func (a ArbitrationID) Equal(b ArbitrationID) bool {
	if a.Priority != b.Priority || a.Source != b.Source || len(a.Destinations) != len(b.Destinations) {
		return false
	}
	for i := range a.Destinations {
		if a.Destinations[i] != b.Destinations[i] {
			return false
		}
	}
	return true
}

func (a ArbitrationID) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "PRI=%d SRC=0x%.2x DST=[", a.Priority, a.Source)
	for i, d := range a.Destinations {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "0x%.2x", d)
	}
	sb.WriteByte(']')
	return sb.String()
}
