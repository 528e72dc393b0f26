package secure

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/kstaniek/go-secure-can/internal/can"
	"github.com/kstaniek/go-secure-can/internal/logging"
	"github.com/kstaniek/go-secure-can/internal/metrics"
)

// Transport moves fixed-size SocketCAN frame buffers (can.MTU or can.FDMTU bytes).
// ReadFrame returns can.ErrNoFrame when nothing arrives within timeout; a
// negative timeout blocks until a frame is available.
type Transport interface {
	ReadFrame(timeout time.Duration) ([]byte, error)
	WriteFrame(frame []byte) (int, error)
	Close() error
}

// Config is recognized when a Link is constructed.
type Config struct {
	Channel string
	// ReceiveOwnMessages is for the transport to honor; the link verifies every
	// frame it is handed.
	ReceiveOwnMessages bool
	FDEnabled          bool
	// ClaimedAddresses are in use elsewhere on the bus and skipped by the local claim.
	ClaimedAddresses []uint8
}

// Link is one secure endpoint on a bus. It owns the transport and every Node
// it has seen; Nodes never point back to it.
type Link struct {
	tr     Transport
	cfg    Config
	codec  FrameCodec
	auth   Authenticator
	keys   KeyProvider
	nodes  map[uint8]*Node
	local  *Node
	logger *slog.Logger
	now    func() time.Time
}

type LinkOption func(*Link)

// WithKeys replaces the placeholder address-hash key derivation.
func WithKeys(kp KeyProvider) LinkOption {
	return func(l *Link) {
		if kp != nil {
			l.keys = kp
		}
	}
}

func WithLogger(lg *slog.Logger) LinkOption {
	return func(l *Link) {
		if lg != nil {
			l.logger = lg
		}
	}
}

func WithClock(now func() time.Time) LinkOption {
	return func(l *Link) {
		if now != nil {
			l.now = now
		}
	}
}

func WithCodec(c FrameCodec) LinkOption            { return func(l *Link) { l.codec = c } }
func WithAuthenticator(a Authenticator) LinkOption { return func(l *Link) { l.auth = a } }

// NewLink registers the claimed addresses, claims the lowest free address for
// the local node and returns the Link.
func NewLink(tr Transport, cfg Config, opts ...LinkOption) (*Link, error) {
	if tr == nil {
		return nil, errors.New("secure: nil transport")
	}
	l := &Link{
		tr:     tr,
		cfg:    cfg,
		keys:   AddressHashKeys{},
		nodes:  make(map[uint8]*Node),
		logger: logging.L(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	for _, a := range cfg.ClaimedAddresses {
		if a > MaxAddress {
			return nil, fmt.Errorf("%w: claimed address %d > %d", ErrInvalidArbitrationID, a, MaxAddress)
		}
		if _, err := l.resolve(a); err != nil {
			return nil, err
		}
	}
	addr, err := ClaimAddress(l.Known())
	if err != nil {
		return nil, err
	}
	local, err := l.resolve(addr)
	if err != nil {
		return nil, err
	}
	l.local = local
	l.logger.Info("secure_link_ready", "channel", cfg.Channel, "address", addr, "fd", cfg.FDEnabled, "known", len(l.nodes))
	return l, nil
}

// ClaimAddress returns the smallest address in 0..MaxAddress not in known.
func ClaimAddress(known []uint8) (uint8, error) {
	var used [MaxAddress + 1]bool
	for _, a := range known {
		if a <= MaxAddress {
			used[a] = true
		}
	}
	for a := range used {
		if !used[a] {
			return uint8(a), nil
		}
	}
	return 0, ErrNoFreeAddress
}

// resolve returns the registered Node for addr, creating it on first sight.
func (l *Link) resolve(addr uint8) (*Node, error) {
	if n, ok := l.nodes[addr]; ok {
		return n, nil
	}
	key, err := l.keys.Key(addr)
	if err != nil {
		return nil, fmt.Errorf("node %d: %w", addr, err)
	}
	n := newNode(addr, key, l.auth)
	l.nodes[addr] = n
	l.logger.Debug("node_discovered", "address", addr)
	return n, nil
}

func (l *Link) LocalAddress() uint8 { return l.local.Address }
func (l *Link) Config() Config      { return l.cfg }

// Node returns the registered node at addr.
func (l *Link) Node(addr uint8) (*Node, bool) {
	n, ok := l.nodes[addr]
	return n, ok
}

// Known returns the registered addresses in ascending order.
func (l *Link) Known() []uint8 {
	out := make([]uint8, 0, len(l.nodes))
	for a := range l.nodes {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Send stamps m with the local source address, tags it for every destination
// and writes the frame. FD payloads are zero-padded to a valid FD length.
// m is updated only once the frame is written; on error it is left as passed.
// Transport failures are returned, not retried.
func (l *Link) Send(m *Message) error {
	out := m.clone()
	out.ArbitrationID.Source = l.local.Address
	if err := out.ArbitrationID.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	kind := l.codec.KindFor(out.wireLen())
	if kind == KindFD {
		if !l.cfg.FDEnabled {
			return fmt.Errorf("%w (%d data bytes)", ErrFDDisabled, out.wireLen())
		}
		l.codec.PadForFD(out)
	}
	out.Tags = make([][]byte, 0, out.ArbitrationID.Quantity())
	for _, d := range out.Destinations() {
		n, err := l.resolve(d)
		if err != nil {
			return err
		}
		out.Tags = append(out.Tags, n.Tag(out.Payload))
	}
	fr, err := l.codec.Build(out)
	if err != nil {
		return err
	}
	raw, err := fr.MarshalBinary()
	if err != nil {
		return err
	}
	n, err := l.tr.WriteFrame(raw)
	if err == nil && n != len(raw) {
		err = fmt.Errorf("short write %d/%d", n, len(raw))
	}
	if err != nil {
		metrics.IncError(metrics.ErrLinkWrite)
		return fmt.Errorf("%w: %w", ErrTransportWrite, err)
	}
	out.Timestamp = l.now()
	*m = *out
	metrics.IncSecureTx(fr.Kind().String())
	l.logger.Debug("secure_tx", "id", m.ArbitrationID.String(), "kind", fr.Kind().String(), "len", len(m.Payload))
	return nil
}

// Recv waits up to timeout for the next message and verifies it with the
// local node. ok is false, with a nil error, when nothing arrived in time.
// Rejected messages are returned with Accepted false and malformed frames are
// skipped. Echo of our own frames is up to the transport, so a frame claiming
// the local source address is verified like any other.
func (l *Link) Recv(timeout time.Duration) (m *Message, ok bool, err error) {
	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	wait := timeout
	for {
		raw, err := l.tr.ReadFrame(wait)
		if errors.Is(err, can.ErrNoFrame) {
			return nil, false, nil
		}
		if err != nil {
			metrics.IncError(metrics.ErrLinkRead)
			return nil, false, fmt.Errorf("%w: %w", ErrTransportRead, err)
		}
		msg, keep, err := l.accept(raw)
		if err != nil {
			return nil, false, err
		}
		if keep {
			return msg, true, nil
		}
		if timeout >= 0 {
			if wait = time.Until(deadline); wait <= 0 {
				return nil, false, nil
			}
		}
	}
}

// accept parses and verifies one raw frame. keep is false for frames Recv skips.
func (l *Link) accept(raw []byte) (*Message, bool, error) {
	m, err := l.codec.Parse(raw)
	if err != nil {
		metrics.IncMalformed()
		l.logger.Debug("malformed_frame", "error", err, "size", len(raw))
		return nil, false, nil
	}
	m.Timestamp = l.now()
	if _, err := l.resolve(m.Source()); err != nil {
		return nil, false, err
	}
	for _, d := range m.Destinations() {
		if _, err := l.resolve(d); err != nil {
			return nil, false, err
		}
	}
	l.local.Verify(m)
	metrics.IncVerdict(m.Verdict.String())
	return m, true, nil
}

func (l *Link) Close() error { return l.tr.Close() }
