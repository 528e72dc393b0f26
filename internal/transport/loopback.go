package transport

import (
	"errors"
	"sync"
	"time"

	"github.com/kstaniek/go-secure-can/internal/can"
)

// ErrClosed indicates the bus or endpoint has been closed.
var ErrClosed = errors.New("loopback: closed")

const loopbackQueue = 64

// LoopbackBus is an in-memory CAN bus for tests and simulations.
// Frames written on one endpoint are delivered to every other endpoint, and
// to the writer too when it was opened with echo enabled.
type LoopbackBus struct {
	mu        sync.RWMutex
	closed    bool
	endpoints map[*Endpoint]struct{}
}

// NewLoopbackBus creates a new loopback bus.
func NewLoopbackBus() *LoopbackBus {
	return &LoopbackBus{endpoints: make(map[*Endpoint]struct{})}
}

// Open attaches a new endpoint. echo mirrors CAN_RAW_RECV_OWN_MSGS.
func (b *LoopbackBus) Open(echo bool) *Endpoint {
	ep := &Endpoint{
		bus:    b,
		echo:   echo,
		ch:     make(chan []byte, loopbackQueue),
		closed: make(chan struct{}),
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		ep.dead = true
		close(ep.closed)
		return ep
	}
	b.endpoints[ep] = struct{}{}
	b.mu.Unlock()
	return ep
}

// Close closes the bus and detaches all endpoints.
func (b *LoopbackBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for ep := range b.endpoints {
		ep.closeNoLock()
	}
	b.endpoints = nil
	return nil
}

// Endpoint is one station on a LoopbackBus.
type Endpoint struct {
	bus    *LoopbackBus
	echo   bool
	ch     chan []byte
	mu     sync.Mutex
	dead   bool
	closed chan struct{}
	drops  uint64
}

// WriteFrame delivers a copy of frame to the other endpoints. Receivers with
// a full queue lose the frame, as a real controller would on overrun.
func (e *Endpoint) WriteFrame(frame []byte) (int, error) {
	if len(frame) != can.MTU && len(frame) != can.FDMTU {
		return 0, errors.New("loopback: bad frame size")
	}
	e.bus.mu.RLock()
	defer e.bus.mu.RUnlock()
	if e.bus.closed || e.isDead() {
		return 0, ErrClosed
	}
	for t := range e.bus.endpoints {
		if t == e && !e.echo {
			continue
		}
		select {
		case t.ch <- append([]byte(nil), frame...):
		default:
			t.mu.Lock()
			t.drops++
			t.mu.Unlock()
		}
	}
	return len(frame), nil
}

// ReadFrame waits up to timeout for a frame; a negative timeout waits forever.
func (e *Endpoint) ReadFrame(timeout time.Duration) ([]byte, error) {
	if timeout < 0 {
		select {
		case f := <-e.ch:
			return f, nil
		case <-e.closed:
			return nil, ErrClosed
		}
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case f := <-e.ch:
		return f, nil
	case <-e.closed:
		return nil, ErrClosed
	case <-t.C:
		return nil, can.ErrNoFrame
	}
}

// Drops is the number of frames lost because this endpoint's queue was full.
func (e *Endpoint) Drops() uint64 { e.mu.Lock(); defer e.mu.Unlock(); return e.drops }

// Close detaches the endpoint from its bus.
func (e *Endpoint) Close() error {
	e.bus.mu.Lock()
	e.closeNoLock()
	e.bus.mu.Unlock()
	return nil
}

func (e *Endpoint) isDead() bool { e.mu.Lock(); defer e.mu.Unlock(); return e.dead }

func (e *Endpoint) closeNoLock() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return
	}
	e.dead = true
	close(e.closed)
	if e.bus.endpoints != nil {
		delete(e.bus.endpoints, e)
	}
}
