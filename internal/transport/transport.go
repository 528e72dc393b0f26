package transport

import (
	"errors"
	"io"
	"time"

	"github.com/kstaniek/go-secure-can/internal/can"
	"github.com/kstaniek/go-secure-can/internal/cnl"
)

// FrameIO is the raw frame contract implemented by the SocketCAN, serial and
// loopback transports: blocking-with-timeout reads and writes of can.MTU or
// can.FDMTU sized buffers.
type FrameIO interface {
	ReadFrame(timeout time.Duration) ([]byte, error)
	WriteFrame(frame []byte) (int, error)
	Close() error
}

// FrameDecoder decodes a single CAN frame from a stream.
type FrameDecoder interface {
	Decode(r io.Reader) (can.Frame, error)
}

// MultiFrameDecoder optionally drains multiple frames from a stream.
type MultiFrameDecoder interface {
	DecodeN(r io.Reader, max int, onFrame func(can.Frame)) (int, error)
}

// FrameBatchEncoder can encode batches efficiently (either to bytes or directly to writer).
type FrameBatchEncoder interface {
	Encode([]can.Frame) []byte
	EncodeTo(w io.Writer, frames []can.Frame) (int, error)
}

// StreamCodec is what the TCP server needs from a wire codec.
type StreamCodec interface {
	FrameDecoder
	MultiFrameDecoder
	FrameBatchEncoder
}

// FrameSink is a generic CAN frame transmission target.
type FrameSink interface {
	SendFrame(can.Frame) error
}

// ErrTxOverflow is returned by queueing senders whose buffer is full.
var ErrTxOverflow = errors.New("tx queue overflow")

var (
	_ FrameDecoder      = (*cnl.Codec)(nil)
	_ MultiFrameDecoder = (*cnl.Codec)(nil)
	_ FrameBatchEncoder = (*cnl.Codec)(nil)
	_ StreamCodec       = (*cnl.Codec)(nil)
	_ FrameIO           = (*Endpoint)(nil)
)
