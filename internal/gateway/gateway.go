// Package gateway puts a secure.Link on the bus for the daemon: it owns the
// only lock around the link, runs the receive loop and forwards accepted
// traffic to TCP clients.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kstaniek/go-secure-can/internal/can"
	"github.com/kstaniek/go-secure-can/internal/logging"
	"github.com/kstaniek/go-secure-can/internal/metrics"
	"github.com/kstaniek/go-secure-can/internal/secure"
	"github.com/kstaniek/go-secure-can/internal/transport"
)

const (
	defaultRecvTimeout = 50 * time.Millisecond
	defaultTxQueue     = 1024
	rxBackoffMin       = 20 * time.Millisecond
	rxBackoffMax       = 500 * time.Millisecond
)

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

// ErrNotExtended is returned for client frames without the EFF flag: only a
// 29-bit identifier can carry an arbitration ID.
var ErrNotExtended = errors.New("gateway: frame has no extended id")

// Broadcaster receives accepted messages as plain frames. *hub.Hub implements it.
type Broadcaster interface {
	Broadcast(can.Frame) int
}

// Gateway serializes every use of its Link.
type Gateway struct {
	mu   sync.Mutex
	link *secure.Link

	out         Broadcaster
	tx          *transport.AsyncTx[*secure.Message]
	alerts      *rate.Limiter
	logger      *slog.Logger
	recvTimeout time.Duration
	txQueue     int
	observe     func(*secure.Message)

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

type Option func(*Gateway)

// WithRecvTimeout bounds how long the receive loop holds the link lock per poll.
func WithRecvTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.recvTimeout = d
		}
	}
}

func WithTxQueue(n int) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.txQueue = n
		}
	}
}

// WithAlertRate limits forged/replay warnings to perSecond log lines (burst 1
// minimum). Zero or negative disables the limit.
func WithAlertRate(perSecond float64, burst int) Option {
	return func(g *Gateway) {
		if perSecond <= 0 {
			g.alerts = rate.NewLimiter(rate.Inf, 1)
			return
		}
		if burst < 1 {
			burst = 1
		}
		g.alerts = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithObserver is called from the receive loop for every delivered message,
// accepted or not.
func WithObserver(fn func(*secure.Message)) Option {
	return func(g *Gateway) { g.observe = fn }
}

// New wraps link. out may be nil when no clients are served.
func New(link *secure.Link, out Broadcaster, opts ...Option) *Gateway {
	g := &Gateway{
		link:        link,
		out:         out,
		alerts:      rate.NewLimiter(5, 5),
		logger:      logging.L(),
		recvTimeout: defaultRecvTimeout,
		txQueue:     defaultTxQueue,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Start launches the receive loop and the client send worker. They stop when
// ctx is cancelled or Close is called.
func (g *Gateway) Start(ctx context.Context) {
	ctx, g.cancel = context.WithCancel(ctx)
	g.tx = transport.NewAsyncTx(ctx, g.txQueue, g.Send, transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrGatewaySend)
			g.logger.Warn("gateway_send_error", "error", err)
		},
		OnDrop: func() error {
			metrics.IncError(metrics.ErrGatewayOver)
			return transport.ErrTxOverflow
		},
	})
	g.publishState()
	g.wg.Add(1)
	go g.rxLoop(ctx)
}

func (g *Gateway) rxLoop(ctx context.Context) {
	defer g.wg.Done()
	defer g.logger.Info("gateway_rx_end")
	backoff := rxBackoffMin
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		g.mu.Lock()
		m, ok, err := g.link.Recv(g.recvTimeout)
		g.mu.Unlock()
		if err != nil {
			if ctx.Err() != nil { // shutting down
				return
			}
			g.logger.Warn("link_read_error", "error", err, "backoff", backoff)
			sleepFn(backoff)
			backoff *= 2
			if backoff > rxBackoffMax {
				backoff = rxBackoffMax
			}
			continue
		}
		backoff = rxBackoffMin
		if ok {
			g.handle(m)
		}
	}
}

func (g *Gateway) handle(m *secure.Message) {
	g.publishState()
	if g.observe != nil {
		g.observe(m)
	}
	switch m.Verdict {
	case secure.VerdictAccepted:
		g.logger.Debug("secure_rx", "id", m.ArbitrationID.String(), "counter", m.Counter(), "len", len(m.Payload))
		if g.out != nil {
			g.out.Broadcast(ToFrame(m))
		}
	case secure.VerdictForged, secure.VerdictReplay:
		if g.alerts.Allow() {
			g.logger.Warn("secure_rx_rejected", "verdict", m.Verdict.String(), "id", m.ArbitrationID.String(), "counter", m.Counter())
		}
	default:
		g.logger.Debug("secure_rx_ignored", "verdict", m.Verdict.String(), "id", m.ArbitrationID.String())
	}
}

func (g *Gateway) publishState() {
	g.mu.Lock()
	known, local := len(g.link.Known()), g.link.LocalAddress()
	g.mu.Unlock()
	metrics.SetLinkState(known, local)
}

// Send transmits m synchronously. The link overwrites the source address.
func (g *Gateway) Send(m *secure.Message) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.link.Send(m)
}

// SendFrame converts a client frame and queues it for secure transmission.
// Conversion errors are returned immediately; a full queue returns
// transport.ErrTxOverflow.
func (g *Gateway) SendFrame(fr can.Frame) error {
	m, err := FromFrame(fr, g.link.Config().FDEnabled)
	if err != nil {
		return err
	}
	if g.tx == nil {
		return transport.ErrAsyncTxClosed
	}
	return g.tx.Send(m)
}

// LocalAddress is the address claimed by the link.
func (g *Gateway) LocalAddress() uint8 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.link.LocalAddress()
}

// Known returns the addresses the link has registered.
func (g *Gateway) Known() []uint8 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.link.Known()
}

// Close stops the loops and closes the link and its transport.
func (g *Gateway) Close() error {
	var err error
	g.once.Do(func() {
		if g.cancel != nil {
			g.cancel()
		}
		g.wg.Wait()
		if g.tx != nil {
			g.tx.Close()
		}
		g.mu.Lock()
		err = g.link.Close()
		g.mu.Unlock()
	})
	return err
}

// ToFrame renders an accepted message for TCP clients: the arbitration ID
// with the EFF flag and the payload without tags. Payloads over 8 bytes are
// zero-padded to the next valid FD length.
func ToFrame(m *secure.Message) can.Frame {
	fr := can.Frame{CANID: m.ArbitrationID.Encode() | can.CAN_EFF_FLAG}
	n := copy(fr.Data[:], m.Payload)
	if n > can.MaxLen {
		fr.FD = true
		n = can.FDLen(n)
	}
	fr.Len = uint8(n)
	return fr
}

// FromFrame reads a client frame as an outbound message. The source field of
// the identifier is ignored since the link replaces it.
func FromFrame(fr can.Frame, fdEnabled bool) (*secure.Message, error) {
	if fr.CANID&can.CAN_EFF_FLAG == 0 {
		return nil, ErrNotExtended
	}
	if fr.CANID&(can.CAN_RTR_FLAG|can.CAN_ERR_FLAG) != 0 {
		return nil, fmt.Errorf("%w: rtr/err frame", secure.ErrMalformedMessage)
	}
	id := secure.DecodeArbitrationID(fr.CANID & can.CAN_EFF_MASK)
	m, err := secure.NewMessage(id, fr.Payload())
	if err != nil {
		return nil, err
	}
	if !fdEnabled && len(m.Payload) > secure.MaxPayload(id.Quantity(), false) {
		return nil, fmt.Errorf("%w (%d payload bytes, %d destinations)", secure.ErrFDDisabled, len(m.Payload), id.Quantity())
	}
	return m, nil
}
