package cnl

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/kstaniek/go-secure-can/internal/metrics"

	"github.com/kstaniek/go-secure-can/internal/can"
)

// fdFlag marks a CAN FD frame in the length byte. FD frames carry one extra
// flags byte (canfd_frame.flags) between the length and the payload.
const fdFlag = 0x80

// Codec encodes/decodes cannelloni frames. Stateless and safe for concurrent use.
type Codec struct{}

// ErrInvalidLength is returned when a frame length is outside 0..8 (classic)
// or is not a valid CAN FD length.
var ErrInvalidLength = errors.New("cannelloni: invalid length")

// ErrTruncatedFrame is returned when the underlying reader ends mid-frame.
var ErrTruncatedFrame = errors.New("cannelloni: truncated frame")

// WireSize returns the encoded size of f.
func WireSize(f can.Frame) int {
	n := 4 + 1 + int(f.Len)
	if f.FD {
		n++
	}
	return n
}

// Encode packs frames into a single cannelloni packet (DATA).
func (c *Codec) Encode(frames []can.Frame) []byte {
	if len(frames) == 0 {
		return nil
	}
	var buf bytes.Buffer
	size := 0
	for _, f := range frames {
		size += WireSize(f)
	}
	buf.Grow(size)
	_, _ = c.EncodeTo(&buf, frames)
	return buf.Bytes()
}

// EncodeTo writes the wire representation of frames to w and returns bytes written.
// Each frame is encoded as: 4-byte BE CANID, 1-byte length (bit 7 = FD),
// an FD flags byte for FD frames, payload.
func (c *Codec) EncodeTo(w io.Writer, frames []can.Frame) (int, error) {
	var total int
	for _, f := range frames {
		var hdr [6]byte
		binary.BigEndian.PutUint32(hdr[:4], f.CANID)
		hdr[4] = f.Len & 0x7F
		h := hdr[:5]
		if f.FD {
			hdr[4] |= fdFlag
			hdr[5] = f.Flags
			h = hdr[:6]
		}
		n, err := w.Write(h)
		total += n
		if err != nil {
			return total, fmt.Errorf("cannelloni encode header: %w", err)
		}
		ln := int(f.Len)
		if ln > can.MaxFDLen {
			ln = can.MaxFDLen
		}
		if ln > 0 {
			n, err = w.Write(f.Data[:ln])
			total += n
			if err != nil {
				return total, fmt.Errorf("cannelloni encode data: %w", err)
			}
		}
	}
	return total, nil
}

// Decode reads exactly one frame from r.
// It returns io.EOF if called at a clean frame boundary and no more data is available.
func (c *Codec) Decode(r io.Reader) (can.Frame, error) {
	var f can.Frame
	var idb [4]byte
	if _, err := io.ReadFull(r, idb[:]); err != nil {
		return f, err
	}
	f.CANID = binary.BigEndian.Uint32(idb[:])
	var lb [1]byte
	n, err := r.Read(lb[:])
	if err != nil {
		return f, err
	}
	if n == 0 {
		return f, io.EOF
	}
	f.FD = lb[0]&fdFlag != 0
	ln := int(lb[0] &^ fdFlag)
	switch {
	case !f.FD && ln > can.MaxLen:
		metrics.IncMalformed()
		return f, fmt.Errorf("cannelloni decode: %w (%d)", ErrInvalidLength, ln)
	case f.FD && can.FDLen(ln) != ln:
		metrics.IncMalformed()
		return f, fmt.Errorf("cannelloni decode fd: %w (%d)", ErrInvalidLength, ln)
	}
	f.Len = uint8(ln)
	if f.FD {
		if _, err := io.ReadFull(r, lb[:]); err != nil {
			metrics.IncMalformed()
			return f, fmt.Errorf("cannelloni decode flags: %w", ErrTruncatedFrame)
		}
		f.Flags = lb[0]
	}
	if ln > 0 {
		if _, err := io.ReadFull(r, f.Data[:ln]); err != nil {
			metrics.IncMalformed()
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return f, fmt.Errorf("cannelloni decode payload: %w", ErrTruncatedFrame)
			}
			return f, fmt.Errorf("cannelloni decode payload: %w", err)
		}
	}
	return f, nil
}

// DecodeN decodes up to max frames (if max>0) or until EOF (if max<=0) invoking onFrame for each.
// It returns the number of frames decoded and the terminal error (which can be io.EOF).
func (c *Codec) DecodeN(r io.Reader, max int, onFrame func(can.Frame)) (int, error) {
	var n int
	for max <= 0 || n < max {
		fr, err := c.Decode(r)
		if err != nil {
			return n, err
		}
		onFrame(fr)
		n++
	}
	return n, nil
}
