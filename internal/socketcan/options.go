package socketcan

import (
	"errors"
	"fmt"
	"time"

	"github.com/kstaniek/go-secure-can/internal/can"
)

// Options select socket behavior at Open.
type Options struct {
	FD         bool // enable CAN_RAW_FD_FRAMES
	ReceiveOwn bool // enable CAN_RAW_RECV_OWN_MSGS
}

// ErrFrameSize is returned for buffers the socket cannot carry.
var ErrFrameSize = errors.New("socketcan: unsupported frame size")

// checkSize accepts classic buffers always and FD buffers only when fd is set.
func checkSize(n int, fd bool) error {
	switch {
	case n == can.MTU:
		return nil
	case n == can.FDMTU && fd:
		return nil
	}
	return fmt.Errorf("%w: %d bytes (fd=%v)", ErrFrameSize, n, fd)
}

// pollMillis converts a read timeout to a poll(2) argument: negative blocks,
// sub-millisecond positive timeouts round up to 1ms.
func pollMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	ms := d.Milliseconds()
	if ms == 0 && d > 0 {
		ms = 1
	}
	return int(ms)
}
