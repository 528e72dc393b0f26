package cnl

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"testing"

	"github.com/kstaniek/go-secure-can/internal/can"
)

func mkFrame(id uint32, n int) can.Frame {
	var f can.Frame
	f.CANID = (id & can.CAN_EFF_MASK) | can.CAN_EFF_FLAG
	if n < 0 {
		n = 0
	}
	if n > can.MaxLen {
		f.FD = true
		f.Flags = can.CANFD_BRS
		n = can.FDLen(n)
	}
	f.Len = uint8(n)
	rand.Read(f.Data[:n])
	return f
}

func sameFrame(a, b can.Frame) bool {
	return a.CANID == b.CANID && a.Len == b.Len && a.FD == b.FD && a.Flags == b.Flags &&
		bytes.Equal(a.Payload(), b.Payload())
}

func TestCNLCodec_RoundTrip(t *testing.T) {
	codec := Codec{}
	in := []can.Frame{
		mkFrame(0x1E5A, 8),
		mkFrame(0x1F55, 6),
		mkFrame(0x12345, 0),
		mkFrame(0x4141001, 12),
		mkFrame(0x4141002, 64),
	}

	wire := codec.Encode(in)
	want := 0
	for _, f := range in {
		want += WireSize(f)
	}
	if len(wire) != want {
		t.Fatalf("wire size %d, want %d", len(wire), want)
	}
	var out []can.Frame
	n, err := codec.DecodeN(bytes.NewReader(wire), 0, func(f can.Frame) { out = append(out, f.CopyShallow()) })
	if err != io.EOF && err != nil { // expect EOF at clean end
		t.Fatalf("DecodeN unexpected err: %v", err)
	}
	if n != len(in) || len(out) != len(in) {
		t.Fatalf("decoded %d collected %d, want %d", n, len(out), len(in))
	}
	for i := range in {
		if !sameFrame(in[i], out[i]) {
			t.Fatalf("frame %d mismatch: %+v vs %+v", i, in[i], out[i])
		}
	}
}

func TestCNLCodec_FDLayout(t *testing.T) {
	f := can.Frame{CANID: 0x80000001, Len: 12, FD: true, Flags: can.CANFD_BRS}
	f.Data[0] = 0xAA
	wire := (&Codec{}).Encode([]can.Frame{f})
	if wire[4] != 0x80|12 {
		t.Fatalf("len byte %#x", wire[4])
	}
	if wire[5] != can.CANFD_BRS {
		t.Fatalf("flags byte %#x", wire[5])
	}
	if wire[6] != 0xAA || len(wire) != 6+12 {
		t.Fatalf("payload placement: % X", wire)
	}
}

func TestCNLCodec_EncodeToMatchesEncode(t *testing.T) {
	codec := Codec{}
	frames := []can.Frame{mkFrame(0x10, 8), mkFrame(0x11, 3), mkFrame(0x12, 20)}
	a := codec.Encode(frames)
	var buf bytes.Buffer
	if _, err := codec.EncodeTo(&buf, frames); err != nil {
		t.Fatalf("EncodeTo error: %v", err)
	}
	if !bytes.Equal(a, buf.Bytes()) {
		t.Fatalf("Encode vs EncodeTo mismatch\nenc=% X\nencTo=% X", a, buf.Bytes())
	}
}

func TestCNLCodec_DecodeErrors(t *testing.T) {
	codec := Codec{}
	cases := []struct {
		name string
		wire []byte
		want error
	}{
		{"classic too long", []byte{0, 0, 0, 1, 0x09}, ErrInvalidLength},
		{"fd invalid length", []byte{0, 0, 0, 1, 0x80 | 9, 0}, ErrInvalidLength},
		{"fd too long", []byte{0, 0, 0, 1, 0xFF, 0}, ErrInvalidLength},
		{"truncated payload", []byte{0, 0, 0, 2, 0x05, 1, 2, 3}, ErrTruncatedFrame},
		{"missing fd flags", []byte{0, 0, 0, 2, 0x80 | 12}, ErrTruncatedFrame},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := codec.Decode(bytes.NewReader(tc.wire))
			if !errors.Is(err, tc.want) {
				t.Fatalf("err=%v want %v", err, tc.want)
			}
		})
	}
}

func TestDecodeN_Max(t *testing.T) {
	c := Codec{}
	in := []can.Frame{mkFrame(0x10, 8), mkFrame(0x11, 5), mkFrame(0x12, 0)}
	r := bytes.NewReader(c.Encode(in))
	n, err := c.DecodeN(r, 2, func(can.Frame) {})
	if err != nil || n != 2 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	n, err = c.DecodeN(r, 0, func(can.Frame) {})
	if err != io.EOF || n != 1 {
		t.Fatalf("rest n=%d err=%v", n, err)
	}
}

func BenchmarkCNLCodec_EncodeTo(b *testing.B) {
	codec := Codec{}
	frames := make([]can.Frame, 64)
	for i := range frames {
		frames[i] = mkFrame(uint32(0x200+i), 8+i%3*8)
	}
	var buf bytes.Buffer
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		buf.Reset()
		_, _ = codec.EncodeTo(&buf, frames)
	}
}

func BenchmarkCNLCodec_DecodeN(b *testing.B) {
	codec := Codec{}
	frames := make([]can.Frame, 64)
	for i := range frames {
		frames[i] = mkFrame(uint32(0x300+i), 8+i%3*8)
	}
	wire := codec.Encode(frames)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		r := bytes.NewReader(wire)
		_, _ = codec.DecodeN(r, 0, func(can.Frame) {})
	}
}
