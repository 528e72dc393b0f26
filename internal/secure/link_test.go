package secure

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kstaniek/go-secure-can/internal/can"
	"github.com/kstaniek/go-secure-can/internal/logging"
	"github.com/kstaniek/go-secure-can/internal/metrics"
	"github.com/kstaniek/go-secure-can/internal/transport"
)

// fakeTransport replays queued frames and records writes.
type fakeTransport struct {
	in       [][]byte
	out      [][]byte
	readErr  error
	writeErr error
	short    bool
	closed   bool
}

func (f *fakeTransport) ReadFrame(time.Duration) ([]byte, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	if len(f.in) == 0 {
		return nil, can.ErrNoFrame
	}
	fr := f.in[0]
	f.in = f.in[1:]
	return fr, nil
}

func (f *fakeTransport) WriteFrame(b []byte) (int, error) {
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	f.out = append(f.out, append([]byte(nil), b...))
	if f.short {
		return len(b) - 1, nil
	}
	return len(b), nil
}

func (f *fakeTransport) Close() error {
	f.closed = true
	return nil
}

func newTestLink(t *testing.T, tr Transport, cfg Config, opts ...LinkOption) *Link {
	t.Helper()
	opts = append([]LinkOption{WithLogger(logging.Discard())}, opts...)
	l, err := NewLink(tr, cfg, opts...)
	require.NoError(t, err)
	return l
}

func outbound(t *testing.T, payload []byte, dsts ...uint8) *Message {
	t.Helper()
	id, err := NewArbitrationID(5, 0, dsts...)
	require.NoError(t, err)
	m, err := NewMessage(id, payload)
	require.NoError(t, err)
	return m
}

func TestClaimAddress(t *testing.T) {
	cases := []struct {
		known []uint8
		want  uint8
	}{
		{[]uint8{0, 2}, 1},
		{nil, 0},
		{[]uint8{0, 1, 2}, 3},
		{[]uint8{5, 1}, 0},
	}
	for _, tc := range cases {
		got, err := ClaimAddress(tc.known)
		require.NoError(t, err)
		require.Equal(t, tc.want, got, "known=%v", tc.known)
	}

	all := make([]uint8, MaxAddress+1)
	for i := range all {
		all[i] = uint8(i)
	}
	_, err := ClaimAddress(all)
	require.ErrorIs(t, err, ErrNoFreeAddress)
}

func TestNewLinkClaimsLowestFree(t *testing.T) {
	l := newTestLink(t, &fakeTransport{}, Config{Channel: "vcan0", ClaimedAddresses: []uint8{0, 2}})
	require.Equal(t, uint8(1), l.LocalAddress())
	require.Equal(t, []uint8{0, 1, 2}, l.Known())
	require.Equal(t, "vcan0", l.Config().Channel)

	_, err := NewLink(&fakeTransport{}, Config{ClaimedAddresses: []uint8{64}})
	require.ErrorIs(t, err, ErrInvalidArbitrationID)
	_, err = NewLink(nil, Config{})
	require.Error(t, err)
}

func TestLinkScenarioOverLoopback(t *testing.T) {
	bus := transport.NewLoopbackBus()
	defer bus.Close()
	tx := newTestLink(t, bus.Open(false), Config{ClaimedAddresses: []uint8{1}})
	rx := newTestLink(t, bus.Open(false), Config{ClaimedAddresses: []uint8{0}})
	require.Equal(t, uint8(0), tx.LocalAddress())
	require.Equal(t, uint8(1), rx.LocalAddress())

	before := metrics.Snap()
	m := outbound(t, []byte{0, 245, 134}, 1)
	require.NoError(t, tx.Send(m))
	require.Len(t, m.Tags, 1)
	require.False(t, m.Timestamp.IsZero())

	got, ok, err := rx.Recv(time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, got.Accepted)
	require.Equal(t, VerdictAccepted, got.Verdict)
	require.Equal(t, []byte{0, 245, 134}, got.Payload)
	require.Equal(t, uint32(1<<12|1<<18|0<<20|5<<26), got.ArbitrationID.Encode())
	require.Greater(t, got.Seconds(), 0.0)

	after := metrics.Snap()
	require.Greater(t, after.SecureTx, before.SecureTx)
	require.Greater(t, after.Accepted, before.Accepted)
}

func TestLinkRejectsWithDifferentKey(t *testing.T) {
	bus := transport.NewLoopbackBus()
	defer bus.Close()
	tx := newTestLink(t, bus.Open(false), Config{ClaimedAddresses: []uint8{1}})
	rx := newTestLink(t, bus.Open(false), Config{ClaimedAddresses: []uint8{0}},
		WithKeys(HKDFKeys{Secret: []byte("a different secret")}))

	require.NoError(t, tx.Send(outbound(t, []byte{0, 245, 134}, 1)))
	got, ok, err := rx.Recv(time.Second)
	require.NoError(t, err)
	require.True(t, ok, "forged messages are delivered, not dropped")
	require.False(t, got.Accepted)
	require.Equal(t, VerdictForged, got.Verdict)
}

func TestLinkReplayRejected(t *testing.T) {
	bus := transport.NewLoopbackBus()
	defer bus.Close()
	tx := newTestLink(t, bus.Open(false), Config{ClaimedAddresses: []uint8{1}})
	rx := newTestLink(t, bus.Open(false), Config{ClaimedAddresses: []uint8{0}})

	want := []Verdict{VerdictAccepted, VerdictReplay, VerdictAccepted, VerdictAccepted}
	for i, counter := range []byte{5, 3, 5, 6} {
		require.NoError(t, tx.Send(outbound(t, []byte{counter, 0xEE}, 1)))
		got, ok, err := rx.Recv(time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, want[i], got.Verdict, "counter %d", counter)
	}
	n, ok := rx.Node(rx.LocalAddress())
	require.True(t, ok)
	require.Equal(t, uint64(6), n.Replay().CurrentCounter(0, []uint8{1}))
}

func TestLinkNotAddressedDiscoversNodes(t *testing.T) {
	bus := transport.NewLoopbackBus()
	defer bus.Close()
	tx := newTestLink(t, bus.Open(false), Config{ClaimedAddresses: []uint8{1}})
	rx := newTestLink(t, bus.Open(false), Config{ClaimedAddresses: []uint8{0}})

	require.NoError(t, tx.Send(outbound(t, []byte{1}, 7, 9)))
	got, ok, err := rx.Recv(time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, VerdictNotAddressed, got.Verdict)
	require.Equal(t, []uint8{0, 1, 7, 9}, rx.Known())
}

func TestLinkRecvTimeout(t *testing.T) {
	l := newTestLink(t, &fakeTransport{}, Config{})
	m, ok, err := l.Recv(10 * time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, m)
}

func TestLinkSkipsMalformed(t *testing.T) {
	// Build a frame from address 0 to 1 with a sender link on a fake transport.
	sender := &fakeTransport{}
	tx := newTestLink(t, sender, Config{})
	require.NoError(t, tx.Send(outbound(t, []byte{2}, 1)))
	own := sender.out[0]

	before := metrics.Snap().Malformed
	tr := &fakeTransport{in: [][]byte{make([]byte, 3), own}}
	self := newTestLink(t, tr, Config{}) // also claims 0
	got, ok, err := self.Recv(50 * time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok, "frame with local source is delivered")
	require.Greater(t, metrics.Snap().Malformed, before)
	require.Equal(t, uint8(0), got.Source())
	require.Equal(t, VerdictNotAddressed, got.Verdict)
}

func TestLinkSpoofedLocalSourceIsForged(t *testing.T) {
	id, err := NewArbitrationID(5, 0, 0)
	require.NoError(t, err)
	key, err := AddressHashKeys{}.Key(0)
	require.NoError(t, err)
	tag := Authenticator{}.Tag(key, []byte{9})
	tag[0] ^= 0xFF
	spoof := &Message{ArbitrationID: id, Payload: []byte{9}, Tags: [][]byte{tag}}
	fr, err := FrameCodec{}.Build(spoof)
	require.NoError(t, err)
	raw, err := fr.MarshalBinary()
	require.NoError(t, err)

	l := newTestLink(t, &fakeTransport{in: [][]byte{raw}}, Config{})
	require.Equal(t, uint8(0), l.LocalAddress())
	got, ok, err := l.Recv(50 * time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, got.Accepted)
	require.Equal(t, VerdictForged, got.Verdict)
}

func TestLinkSendOverridesSource(t *testing.T) {
	tr := &fakeTransport{}
	l := newTestLink(t, tr, Config{ClaimedAddresses: []uint8{0, 1}})
	m := outbound(t, []byte{1}, 0)
	m.ArbitrationID.Source = 40
	require.NoError(t, l.Send(m))
	require.Equal(t, uint8(2), m.Source())
	parsed, err := FrameCodec{}.Parse(tr.out[0])
	require.NoError(t, err)
	require.Equal(t, uint8(2), parsed.Source())
}

func TestLinkMultiDestination(t *testing.T) {
	tr := &fakeTransport{}
	tx := newTestLink(t, tr, Config{})
	require.NoError(t, tx.Send(outbound(t, []byte{1, 2}, 1, 2, 3)))
	require.Len(t, tr.out, 1)
	require.Len(t, tr.out[0], can.MTU)

	for i, addr := range []uint8{1, 2, 3} {
		claimed := make([]uint8, 0, addr)
		for a := uint8(0); a < addr; a++ {
			claimed = append(claimed, a)
		}
		rx := newTestLink(t, &fakeTransport{in: [][]byte{tr.out[0]}}, Config{ClaimedAddresses: claimed})
		require.Equal(t, addr, rx.LocalAddress())
		got, ok, err := rx.Recv(10 * time.Millisecond)
		require.NoError(t, err)
		require.True(t, ok)
		require.True(t, got.Accepted, "destination %d (slot %d)", addr, i)
	}
}

func TestLinkFD(t *testing.T) {
	payload := []byte{1, 2, 3, 4, 5, 6, 7}

	classicOnly := newTestLink(t, &fakeTransport{}, Config{})
	err := classicOnly.Send(outbound(t, payload, 1))
	require.ErrorIs(t, err, ErrFDDisabled)

	tr := &fakeTransport{}
	fd := newTestLink(t, tr, Config{FDEnabled: true})
	m := outbound(t, payload, 1)
	require.NoError(t, fd.Send(m))
	require.Len(t, tr.out[0], can.FDMTU)
	require.Len(t, m.Payload, 10, "padded to a valid FD length")

	rx := newTestLink(t, &fakeTransport{in: tr.out}, Config{ClaimedAddresses: []uint8{0}, FDEnabled: true})
	got, ok, err := rx.Recv(10 * time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, got.Accepted)
	require.Equal(t, append(payload, 0, 0, 0), got.Payload)
}

func TestLinkTransportFailures(t *testing.T) {
	boom := errors.New("boom")
	l := newTestLink(t, &fakeTransport{writeErr: boom, readErr: boom}, Config{})
	m := outbound(t, []byte{1}, 1)
	m.ArbitrationID.Source = 40
	err := l.Send(m)
	require.ErrorIs(t, err, ErrTransportWrite)
	require.ErrorIs(t, err, boom)
	require.Equal(t, uint8(40), m.Source(), "failed send leaves the message untouched")
	require.Nil(t, m.Tags)

	_, ok, err := l.Recv(time.Millisecond)
	require.ErrorIs(t, err, ErrTransportRead)
	require.ErrorIs(t, err, boom)
	require.False(t, ok)

	short := newTestLink(t, &fakeTransport{short: true}, Config{})
	require.ErrorIs(t, short.Send(outbound(t, []byte{1}, 1)), ErrTransportWrite)
}

func TestLinkKeyProviderFailure(t *testing.T) {
	failing := KeyFunc(func(addr uint8) ([]byte, error) {
		if addr == 5 {
			return nil, ErrKey
		}
		return []byte{addr}, nil
	})
	l := newTestLink(t, &fakeTransport{}, Config{}, WithKeys(failing))
	require.ErrorIs(t, l.Send(outbound(t, []byte{1}, 5)), ErrKey)

	_, err := NewLink(&fakeTransport{}, Config{ClaimedAddresses: []uint8{5}}, WithKeys(failing), WithLogger(logging.Discard()))
	require.ErrorIs(t, err, ErrKey)
}

func TestLinkClock(t *testing.T) {
	at := time.Unix(1700000000, 500000000)
	tr := &fakeTransport{}
	l := newTestLink(t, tr, Config{}, WithClock(func() time.Time { return at }))
	m := outbound(t, []byte{1}, 1)
	require.NoError(t, l.Send(m))
	require.Equal(t, at, m.Timestamp)
	require.InDelta(t, 1700000000.5, m.Seconds(), 1e-6)
	require.NoError(t, l.Close())
	require.True(t, tr.closed)
}
