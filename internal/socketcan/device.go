//go:build linux

package socketcan

import (
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-secure-can/internal/can"
	"github.com/kstaniek/go-secure-can/internal/metrics"
)

// Device is a raw CAN socket bound to one interface. It moves frames in the
// kernel's struct can_frame / struct canfd_frame layout.
type Device struct {
	fd    int
	iface string
	opts  Options
	buf   [can.FDMTU]byte
}

// Open binds a raw CAN socket to iface. With opts.FD the socket also carries
// CAN FD frames; with opts.ReceiveOwn frames written here are echoed back.
func Open(iface string, opts Options) (*Device, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	fail := func(err error) (*Device, error) {
		_ = unix.Close(fd)
		return nil, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, boolInt(opts.FD)); err != nil {
		// Older kernels may not know this option; only fatal when FD was asked for.
		if opts.FD || !errors.Is(err, unix.ENOPROTOOPT) {
			return fail(fmt.Errorf("CAN_RAW_FD_FRAMES=%v: %w", opts.FD, err))
		}
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_RECV_OWN_MSGS, boolInt(opts.ReceiveOwn)); err != nil {
		return fail(fmt.Errorf("CAN_RAW_RECV_OWN_MSGS: %w", err))
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return fail(fmt.Errorf("if %q: %w", iface, err))
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		return fail(fmt.Errorf("bind(can@%s): %w", iface, err))
	}
	return &Device{fd: fd, iface: iface, opts: opts}, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (d *Device) Close() error { return unix.Close(d.fd) }

// ReadFrame waits up to timeout for one frame and returns its raw bytes
// (can.MTU or can.FDMTU long). It returns can.ErrNoFrame on timeout; a
// negative timeout blocks.
//
// NOTE: The kernel provides can_id in host byte order. On common Linux archs
// (little-endian) this matches what the frame codecs expect.
func (d *Device) ReadFrame(timeout time.Duration) ([]byte, error) {
	ms := pollMillis(timeout)
	fds := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds, ms)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			metrics.IncError(metrics.ErrSocketCANRead)
			return nil, fmt.Errorf("poll(can@%s): %w", d.iface, err)
		}
		if n == 0 {
			return nil, can.ErrNoFrame
		}
		break
	}
	n, err := unix.Read(d.fd, d.buf[:])
	if err != nil {
		metrics.IncError(metrics.ErrSocketCANRead)
		return nil, fmt.Errorf("read(can@%s): %w", d.iface, err)
	}
	if err := checkSize(n, d.opts.FD); err != nil {
		metrics.IncError(metrics.ErrSocketCANRead)
		return nil, err
	}
	metrics.IncSocketCANRx()
	return append([]byte(nil), d.buf[:n]...), nil
}

// WriteFrame writes one raw frame buffer.
func (d *Device) WriteFrame(raw []byte) (int, error) {
	if err := checkSize(len(raw), d.opts.FD); err != nil {
		return 0, err
	}
	n, err := unix.Write(d.fd, raw)
	if err != nil {
		metrics.IncError(metrics.ErrSocketCANWrite)
		return n, fmt.Errorf("write(can@%s): %w", d.iface, err)
	}
	metrics.IncSocketCANTx()
	return n, nil
}
