package serial

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/kstaniek/go-secure-can/internal/can"
	"github.com/kstaniek/go-secure-can/internal/metrics"
)

// idleWait is slept when the port returns no data and no error, so a port
// opened without a read timeout does not spin.
const idleWait = 5 * time.Millisecond

var sleepFn = time.Sleep

// Transport carries SocketCAN-layout frame buffers over the UART adapter.
// Only classic frames (can.MTU bytes) are supported. Not safe for concurrent use.
type Transport struct {
	port  Port
	codec Codec
	rx    bytes.Buffer
	queue []can.Frame
	buf   []byte
}

func NewTransport(p Port) *Transport {
	return &Transport{port: p, buf: make([]byte, 256)}
}

// ReadFrame returns the next frame decoded from the UART stream, or
// can.ErrNoFrame once timeout elapses. A negative timeout waits forever.
func (t *Transport) ReadFrame(timeout time.Duration) ([]byte, error) {
	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		if len(t.queue) > 0 {
			f := t.queue[0]
			t.queue = t.queue[1:]
			return f.MarshalRaw(), nil
		}
		n, err := t.port.Read(t.buf)
		if n > 0 {
			t.rx.Write(t.buf[:n])
			_ = t.codec.DecodeStream(&t.rx, func(f can.Frame) { t.queue = append(t.queue, f) })
		}
		if err != nil && !errors.Is(err, io.EOF) {
			metrics.IncError(metrics.ErrSerialRead)
			return nil, fmt.Errorf("serial read: %w", err)
		}
		if len(t.queue) > 0 {
			continue
		}
		if timeout >= 0 && !time.Now().Before(deadline) {
			return nil, can.ErrNoFrame
		}
		if n == 0 {
			sleepFn(idleWait)
		}
	}
}

// WriteFrame encodes a classic SocketCAN buffer into the UART envelope.
// FD buffers fail with ErrFDUnsupported.
func (t *Transport) WriteFrame(raw []byte) (int, error) {
	f, err := can.UnmarshalRaw(raw)
	if err != nil {
		return 0, err
	}
	wire, err := t.codec.Encode(f)
	if err != nil {
		return 0, err
	}
	n, err := t.port.Write(wire)
	if err == nil && n != len(wire) {
		err = io.ErrShortWrite
	}
	if err != nil {
		metrics.IncError(metrics.ErrSerialWrite)
		return 0, fmt.Errorf("serial write: %w", err)
	}
	metrics.IncSerialTx()
	return len(raw), nil
}

func (t *Transport) Close() error { return t.port.Close() }
