package secure

import (
	"fmt"
	"strings"
	"time"

	"github.com/kstaniek/go-secure-can/internal/can"
)

// Verdict records why a received message was accepted or rejected.
type Verdict int

const (
	VerdictPending Verdict = iota
	VerdictAccepted
	VerdictForged
	VerdictReplay
	VerdictNotAddressed
)

func (v Verdict) String() string {
	switch v {
	case VerdictAccepted:
		return "accepted"
	case VerdictForged:
		return "forged"
	case VerdictReplay:
		return "replay"
	case VerdictNotAddressed:
		return "not_addressed"
	default:
		return "pending"
	}
}

// Message is a payload addressed through an ArbitrationID together with one
// authentication tag per destination. Accepted and Verdict are set only by
// the receiving Node.
type Message struct {
	Timestamp     time.Time
	ArbitrationID ArbitrationID
	Payload       []byte
	Tags          [][]byte
	Accepted      bool
	Verdict       Verdict
}

// NewMessage validates id and payload. The payload must leave room for one
// tag per destination inside an FD data region.
func NewMessage(id ArbitrationID, payload []byte) (*Message, error) {
	if err := id.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if max := MaxPayload(id.Quantity(), true); len(payload) > max {
		return nil, fmt.Errorf("%w: payload %d bytes exceeds %d", ErrMalformedMessage, len(payload), max)
	}
	return &Message{
		ArbitrationID: id,
		Payload:       append([]byte(nil), payload...),
	}, nil
}

// MaxPayload returns the largest payload that fits alongside tags for n
// destinations in a classic (fd=false) or FD frame.
func MaxPayload(n int, fd bool) int {
	capacity := can.MaxLen
	if fd {
		capacity = can.MaxFDLen
	}
	return capacity - n*TagSize
}

// Counter returns the freshness counter carried in the first payload byte.
// A message without payload carries counter 0.
func (m *Message) Counter() uint64 {
	if len(m.Payload) == 0 {
		return 0
	}
	return uint64(m.Payload[0])
}

// Source is the sending node address.
func (m *Message) Source() uint8 { return m.ArbitrationID.Source }

// Destinations are the addressed nodes in tag order.
func (m *Message) Destinations() []uint8 { return m.ArbitrationID.Destinations }

// Seconds returns the timestamp as floating point seconds since the epoch.
func (m *Message) Seconds() float64 {
	if m.Timestamp.IsZero() {
		return 0
	}
	return float64(m.Timestamp.UnixNano()) / 1e9
}

// clone copies m deeply enough that padding, tagging or re-addressing the
// copy never shows through m.
func (m *Message) clone() *Message {
	c := *m
	c.ArbitrationID.Destinations = append([]uint8(nil), m.ArbitrationID.Destinations...)
	c.Payload = append([]byte(nil), m.Payload...)
	c.Tags = nil
	return &c
}

// wireLen is the number of data bytes the message occupies on the wire.
func (m *Message) wireLen() int { return len(m.Payload) + m.ArbitrationID.Quantity()*TagSize }

func (m *Message) String() string {
	data := make([]string, len(m.Payload))
	for i, b := range m.Payload {
		data[i] = fmt.Sprintf("%02x", b)
	}
	return fmt.Sprintf("%15.6f    %s    %s", m.Seconds(), m.ArbitrationID, strings.Join(data, " "))
}
