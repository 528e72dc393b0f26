package serial

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/kstaniek/go-secure-can/internal/can"
	"github.com/kstaniek/go-secure-can/internal/metrics"
)

// Codec frames classic CAN frames in the adapter's UART envelope. The adapter
// has no CAN FD support.
type Codec struct{}

var (
	// ErrFDUnsupported is returned for frames the classic-only adapter cannot carry.
	ErrFDUnsupported = errors.New("serial: CAN FD not supported by adapter")
	ErrStandardID    = errors.New("serial: standard 11-bit IDs not supported")
)

const (
	preamble0  = 0x2D
	txMarker   = 0xD4
	insSendExt = 2 // CAN UART SEND WITH EXT ID
)

// CompactBuffer reclaims consumed prefix capacity when underlying buffer
// grows too large relative to unread bytes. It returns true if compaction
// occurred. Thresholds chosen to avoid excessive copying.
func CompactBuffer(b *bytes.Buffer) bool {
	data := b.Bytes()
	// If buffer size < 1KB, skip.
	if len(data) < 1024 {
		return false
	}
	// If unread < 25% of capacity, compact.
	if cap(data) > 0 && len(data)*4 < cap(data) {
		clone := make([]byte, len(data))
		copy(clone, data)
		b.Reset()
		_, _ = b.Write(clone)
		return true
	}
	return false
}

// canUARTSend builds a UART frame:
// [0x2D, 0xD4, len+1, data..., checksum]
// checksum = (len+1) + 0x2D + sum(data) (mod 256)
func canUARTSend(data []byte) []byte {
	n := len(data)
	frame := make([]byte, n+4)

	frame[0] = preamble0
	frame[1] = txMarker
	frame[2] = byte(n + 1)

	sum := frame[2] + preamble0
	for i, b := range data {
		frame[3+i] = b
		sum += b
	}
	frame[3+n] = sum
	return frame
}

// Encode wraps a classic extended frame for transmission. Frames that do not
// fit the adapter (FD, more than 8 bytes, missing EFF flag) are rejected.
func (Codec) Encode(f can.Frame) ([]byte, error) {
	if f.FD || f.Len > can.MaxLen {
		return nil, fmt.Errorf("%w: %d data bytes", ErrFDUnsupported, f.Len)
	}
	if f.CANID&can.CAN_EFF_FLAG == 0 {
		return nil, ErrStandardID
	}
	id := f.CANID & can.CAN_EFF_MASK
	tab := make([]byte, 6+f.Len) // INS(1) + FLAGS(1) + ID(4) + PAYLOAD(0..8)
	tab[0] = insSendExt
	tab[1] = 0x80 + f.Len // FLAGS/DLC (0x80 | len) for classic
	binary.BigEndian.PutUint32(tab[2:6], id)
	copy(tab[6:], f.Data[:f.Len])
	return canUARTSend(tab), nil
}

// DecodeStream reads from in and emits complete frames via out.
// It returns nil if no error occurred (including io.EOF).
//
// Received frame (DLC=3):
// 2D D4 - preamble
// 08    - len = can_id(4) + payload(3) + checksum(1)
// 01 14 10 00 - CAN ID (big-endian, no flags)
// 00 F5 86 - payload
// xx    - checksum = 0x2D + len + sum(data bytes after len)
func (Codec) DecodeStream(in *bytes.Buffer, out func(can.Frame)) error {
	const (
		// ln = ID(4) + PAYLOAD(0..8) + checksum(1)
		minLn = 4 + 0 + 1
		maxLn = 4 + can.MaxLen + 1
	)
	header := []byte{preamble0, txMarker}

	for {
		data := in.Bytes()
		// Periodically compact to avoid unbounded growth from misaligned garbage
		_ = CompactBuffer(in)
		if len(data) < 3 { // need preamble + len
			return nil
		}

		// align to preamble
		i := bytes.Index(data, header)
		if i < 0 {
			// keep last byte in case next buffer starts with preamble second byte
			if in.Len() > 1 {
				last := data[len(data)-1]
				in.Reset()
				_ = in.WriteByte(last)
			}
			return nil
		}
		if i > 0 {
			in.Next(i)
			continue
		}

		// preamble at start; need length
		if len(data) < 4 {
			return nil
		}
		ln := int(data[2]) // includes (data bytes + 1 checksum)
		if ln < minLn || ln > maxLn {
			// malformed length; advance one byte to resync
			metrics.IncMalformed()
			in.Next(1)
			continue
		}

		req := 3 + ln // total bytes: 2 preamble + 1 len + ln
		if len(data) < req {
			return nil
		}

		// checksum: 0x2D + len + sum(data bytes after len)
		sum := uint(preamble0) + uint(data[2])
		for _, b := range data[3 : req-1] {
			sum += uint(b)
		}
		if byte(sum) != data[req-1] {
			// checksum mismatch: count and attempt resync
			metrics.IncMalformed()
			in.Next(1)
			continue
		}

		// parse frame
		id := binary.BigEndian.Uint32(data[3:7])
		payload := data[7 : req-1] // length can be 0..8

		var f can.Frame
		f.CANID = id | can.CAN_EFF_FLAG
		f.Len = uint8(len(payload))
		copy(f.Data[:], payload)

		out(f)
		metrics.IncSerialRx()
		in.Next(req)
	}
}
