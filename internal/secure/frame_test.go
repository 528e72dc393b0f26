package secure

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kstaniek/go-secure-can/internal/can"
)

func mkMessage(t *testing.T, payload []byte, dsts ...uint8) *Message {
	t.Helper()
	id, err := NewArbitrationID(5, 0, dsts...)
	require.NoError(t, err)
	m, err := NewMessage(id, payload)
	require.NoError(t, err)
	for i := range dsts {
		m.Tags = append(m.Tags, []byte{0xA0 + byte(i), 0xB0 + byte(i)})
	}
	return m
}

func TestFrameKindSelection(t *testing.T) {
	var c FrameCodec
	for n := 0; n <= 8; n++ {
		require.Equal(t, KindClassic, c.KindFor(n), "n=%d", n)
	}
	for n := 9; n <= 64; n++ {
		require.Equal(t, KindFD, c.KindFor(n), "n=%d", n)
	}
}

func TestBuildClassicFrame(t *testing.T) {
	var c FrameCodec
	m := mkMessage(t, []byte{0, 245, 134}, 1)
	fr, err := c.Build(m)
	require.NoError(t, err)
	require.Equal(t, KindClassic, fr.Kind())
	require.Equal(t, []byte{0, 245, 134, 0xA0, 0xB0}, fr.Body())

	raw, err := fr.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, raw, can.MTU)
	require.Equal(t, m.ArbitrationID.Encode()|can.CAN_EFF_FLAG, binary.LittleEndian.Uint32(raw[0:4]))
	require.Equal(t, byte(5), raw[4])
	require.Equal(t, []byte{0, 0, 0}, raw[5:8])

	back, err := c.Parse(raw)
	require.NoError(t, err)
	require.True(t, back.ArbitrationID.Equal(m.ArbitrationID))
	require.Equal(t, m.Payload, back.Payload)
	require.Equal(t, m.Tags, back.Tags)
	require.False(t, back.Accepted)
	require.Equal(t, VerdictPending, back.Verdict)
}

func TestBuildFDFrame(t *testing.T) {
	c := FrameCodec{BitRateSwitch: true}
	payload := make([]byte, 10)
	for i := range payload {
		payload[i] = byte(i + 1)
	}
	m := mkMessage(t, payload, 3)
	fr, err := c.Build(m)
	require.NoError(t, err)
	require.Equal(t, KindFD, fr.Kind())

	raw, err := fr.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, raw, can.FDMTU)
	require.Equal(t, byte(12), raw[4])
	require.Equal(t, byte(can.CANFD_BRS), raw[5])

	back, err := c.Parse(raw)
	require.NoError(t, err)
	require.Equal(t, payload, back.Payload)
	require.Equal(t, [][]byte{{0xA0, 0xB0}}, back.Tags)
}

func TestBuildMultiDestinationTags(t *testing.T) {
	var c FrameCodec
	m := mkMessage(t, []byte{7, 8}, 1, 2, 3)
	fr, err := c.Build(m)
	require.NoError(t, err)
	require.Equal(t, KindClassic, fr.Kind())
	raw, err := fr.MarshalBinary()
	require.NoError(t, err)
	back, err := c.Parse(raw)
	require.NoError(t, err)
	require.Equal(t, []byte{7, 8}, back.Payload)
	require.Len(t, back.Tags, 3)
	require.Equal(t, []byte{0xA2, 0xB2}, back.Tags[2])
}

func TestPadForFD(t *testing.T) {
	var c FrameCodec
	m := mkMessage(t, []byte{1, 2, 3, 4, 5, 6, 7}, 1) // 7+2 = 9 -> 12
	c.PadForFD(m)
	require.Len(t, m.Payload, 10)
	require.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 0, 0, 0}, m.Payload)

	classic := mkMessage(t, []byte{1, 2, 3}, 1)
	c.PadForFD(classic)
	require.Len(t, classic.Payload, 3)

	exact := mkMessage(t, make([]byte, 14), 1) // 16 already valid
	c.PadForFD(exact)
	require.Len(t, exact.Payload, 14)
}

func TestBuildRejects(t *testing.T) {
	var c FrameCodec
	m := mkMessage(t, []byte{1}, 1, 2)
	m.Tags = m.Tags[:1]
	_, err := c.Build(m)
	require.ErrorIs(t, err, ErrMalformedMessage)

	m = mkMessage(t, []byte{1}, 1)
	m.Tags[0] = []byte{1, 2, 3}
	_, err = c.Build(m)
	require.ErrorIs(t, err, ErrMalformedMessage)

	m = mkMessage(t, []byte{1}, 1)
	m.Payload = make([]byte, 63)
	_, err = c.Build(m)
	require.ErrorIs(t, err, ErrMalformedMessage)
}

func TestParseRejects(t *testing.T) {
	var c FrameCodec
	id, err := NewArbitrationID(1, 2, 3, 4, 5)
	require.NoError(t, err)

	classic := func(canID uint32, ln byte) []byte {
		raw := make([]byte, can.MTU)
		binary.LittleEndian.PutUint32(raw[0:4], canID)
		raw[4] = ln
		return raw
	}
	fd := func(canID uint32, ln byte) []byte {
		raw := make([]byte, can.FDMTU)
		binary.LittleEndian.PutUint32(raw[0:4], canID)
		raw[4] = ln
		return raw
	}
	eff := id.Encode() | can.CAN_EFF_FLAG

	cases := map[string][]byte{
		"badSize":        make([]byte, 10),
		"classicTooLong": classic(eff, 9),
		"fdTooLong":      fd(eff, 65),
		"standardID":     classic(id.Encode(), 8),
		"shortTagArea":   classic(eff, 5), // 3 destinations need 6 tag bytes
	}
	for name, raw := range cases {
		_, err := c.Parse(raw)
		require.ErrorIs(t, err, ErrMalformedFrame, name)
	}
}

func TestNewMessageRejectsOversizedPayload(t *testing.T) {
	id, err := NewArbitrationID(0, 0, 1)
	require.NoError(t, err)
	_, err = NewMessage(id, make([]byte, 62))
	require.NoError(t, err)
	_, err = NewMessage(id, make([]byte, 63))
	require.ErrorIs(t, err, ErrMalformedMessage)

	_, err = NewMessage(ArbitrationID{Priority: 9}, nil)
	require.ErrorIs(t, err, ErrMalformedMessage)
}

func TestMaxPayload(t *testing.T) {
	require.Equal(t, 6, MaxPayload(1, false))
	require.Equal(t, 2, MaxPayload(3, false))
	require.Equal(t, 62, MaxPayload(1, true))
	require.Equal(t, 64, MaxPayload(0, true))
}

// FuzzParse ensures arbitrary buffers never panic the parser.
func FuzzParse(f *testing.F) {
	var c FrameCodec
	m := &Message{ArbitrationID: ArbitrationID{Priority: 1, Destinations: []uint8{2}}, Payload: []byte{1, 2}, Tags: [][]byte{{3, 4}}}
	if fr, err := c.Build(m); err == nil {
		raw, _ := fr.MarshalBinary()
		f.Add(raw)
	}
	f.Add(make([]byte, can.FDMTU))
	f.Fuzz(func(t *testing.T, data []byte) {
		msg, err := c.Parse(data)
		if err == nil && len(msg.Tags) != msg.ArbitrationID.Quantity() {
			t.Fatalf("tags %d for %d destinations", len(msg.Tags), msg.ArbitrationID.Quantity())
		}
	})
}
