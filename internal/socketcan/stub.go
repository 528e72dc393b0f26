//go:build !linux

package socketcan

import (
	"errors"
	"time"
)

// ErrUnsupported is returned by Open on platforms without SocketCAN.
var ErrUnsupported = errors.New("socketcan: only supported on linux")

// Device is a placeholder so callers compile on every platform.
type Device struct{}

func Open(string, Options) (*Device, error) { return nil, ErrUnsupported }

func (*Device) ReadFrame(time.Duration) ([]byte, error) { return nil, ErrUnsupported }
func (*Device) WriteFrame([]byte) (int, error)          { return 0, ErrUnsupported }
func (*Device) Close() error                            { return nil }
