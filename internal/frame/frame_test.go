package frame

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kstaniek/go-panda-gateway/internal/can"
	"github.com/kstaniek/go-panda-gateway/internal/metrics"
)

func TestBuildValidateRoundTrip(t *testing.T) {
	payload := []byte{0x10, 0x20, 0x30, Sync, 0x00}
	f, err := Build(TypeBulkIn, 200, payload, FlagPriority|FlagAckRequired)
	require.NoError(t, err)
	wire := f.Encode()
	require.Len(t, wire, HeaderSize+len(payload))
	assert.Equal(t, Sync, wire[0])

	got, n, err := Validate(wire)
	require.NoError(t, err)
	assert.Equal(t, len(wire), n)
	assert.Equal(t, f, got)
}

func TestBuildOversize(t *testing.T) {
	_, err := Build(TypeControl, 0, make([]byte, MaxPayload+1), 0)
	assert.ErrorIs(t, err, ErrOversizePayload)
	_, err = Build(TypeControl, 0, make([]byte, MaxPayload), 0)
	assert.NoError(t, err)
}

func TestValidateErrors(t *testing.T) {
	f, _ := Build(TypeStatus, 1, []byte{1, 2, 3}, 0)
	wire := f.Encode()

	bad := append([]byte(nil), wire...)
	bad[0] = 0x55
	_, _, err := Validate(bad)
	assert.ErrorIs(t, err, ErrInvalidSync)

	bad = append([]byte(nil), wire...)
	bad[3] = MaxPayload + 1
	_, _, err = Validate(bad)
	assert.ErrorIs(t, err, ErrOversizePayload)

	_, _, err = Validate(wire[:len(wire)-1])
	assert.ErrorIs(t, err, ErrShortFrame)

	for i := 1; i < len(wire); i++ {
		if i == 3 {
			continue // length byte changes framing
		}
		for bit := 0; bit < 8; bit++ {
			bad = append([]byte(nil), wire...)
			bad[i] ^= 1 << bit
			_, _, err = Validate(bad)
			assert.ErrorIs(t, err, ErrChecksumMismatch, "byte %d bit %d", i, bit)
		}
	}
}

func TestDecodeStreamResync(t *testing.T) {
	f1, _ := Build(TypeBulkIn, 1, []byte{1, 2, 3}, 0)
	f2, _ := Build(TypeSerial, 2, []byte("hello"), 0)
	f3, _ := Build(TypeStatus, 3, nil, 0)

	corrupt := f2.Encode()
	corrupt[len(corrupt)-1] ^= 0x01

	var stream []byte
	stream = append(stream, 0x00, 0x13, 0x37) // line noise
	stream = f1.AppendTo(stream)
	stream = append(stream, corrupt...)
	stream = f3.AppendTo(stream)

	before := metrics.Snap()
	var got []Frame
	var errs []error
	var buf bytes.Buffer
	for i := 0; i < len(stream); i += 4 {
		end := min(i+4, len(stream))
		buf.Write(stream[i:end])
		DecodeStream(&buf, func(f Frame) { got = append(got, f) }, func(err error) { errs = append(errs, err) })
	}
	require.Len(t, got, 2)
	assert.Equal(t, f1, got[0])
	assert.Equal(t, f3, got[1])
	assert.Zero(t, buf.Len())

	var sawChecksum bool
	for _, err := range errs {
		if errors.Is(err, ErrChecksumMismatch) {
			sawChecksum = true
		}
	}
	assert.True(t, sawChecksum)
	assert.Greater(t, metrics.Snap().ChecksumErrors, before.ChecksumErrors)
	assert.Greater(t, metrics.Snap().Malformed, before.Malformed)
}

func TestDecodeStreamKeepsPartialFrame(t *testing.T) {
	f, _ := Build(TypeControl, 9, []byte{1, 2, 3, 4, 5, 6, 7, 8}, 0)
	wire := f.Encode()
	var buf bytes.Buffer
	buf.Write(wire[:7])
	calls := 0
	DecodeStream(&buf, func(Frame) { calls++ }, nil)
	assert.Zero(t, calls)
	assert.Equal(t, 7, buf.Len())
	buf.Write(wire[7:])
	DecodeStream(&buf, func(Frame) { calls++ }, nil)
	assert.Equal(t, 1, calls)
}

func TestControlRequestRoundTrip(t *testing.T) {
	req := NewControl(CmdSetCANSpeed, 1, 500, []byte{0xAB})
	got, err := ParseControl(req.Marshal())
	require.NoError(t, err)
	assert.Equal(t, req, got)

	in := ControlRequest{RequestType: RequestTypeIn, Request: CmdGetHealth, Length: 274}
	got, err = ParseControl(in.Marshal())
	require.NoError(t, err)
	assert.Equal(t, uint16(274), got.Length)
	assert.Nil(t, got.Data)

	_, err = ParseControl([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrShortFrame)
}

func TestStatusAndErrorInfo(t *testing.T) {
	s := Status{UptimeMs: 1234, RxCount: [3]uint32{1, 2, 3}, TxCount: [3]uint32{4, 5, 6}, ErrorCount: 7, CANStatus: [3]uint8{can.StatusBusOff, 0, can.StatusWarning}, SystemStatus: SystemFailSafe}
	b := s.Marshal()
	require.Len(t, b, StatusSize)
	got, err := ParseStatus(b)
	require.NoError(t, err)
	assert.Equal(t, s, got)

	e := ErrorInfo{Code: ErrCodeCANFailed, Source: uint8(TypeBulkOut), Data: 0x123, Message: "blocked by safety mode with a very long message"}
	b = e.Marshal()
	require.Len(t, b, ErrorInfoSize)
	ge, err := ParseErrorInfo(b)
	require.NoError(t, err)
	assert.Equal(t, e.Code, ge.Code)
	assert.Equal(t, e.Data, ge.Data)
	assert.Equal(t, e.Message[:32], ge.Message)
}

func TestCanBatch(t *testing.T) {
	var pkts []can.Packet
	for i := 0; i < 40; i++ {
		n := i % 9
		p, err := can.NewPacket(uint8(i%3), uint32(0x100+i), bytes.Repeat([]byte{byte(i)}, n), false, false)
		require.NoError(t, err)
		pkts = append(pkts, p)
	}
	var all []can.Packet
	rest := pkts
	for len(rest) > 0 {
		payload, n := PackCanBatch(nil, rest, BulkCapacity)
		require.Greater(t, n, 0)
		assert.LessOrEqual(t, len(payload), BulkCapacity)
		got, err := UnpackCanBatch(payload)
		require.NoError(t, err)
		require.Len(t, got, n)
		all = append(all, got...)
		rest = rest[n:]
	}
	require.Len(t, all, len(pkts))
	for i := range pkts {
		assert.True(t, pkts[i].Equal(all[i]), "packet %d", i)
	}
}

func TestUnpackCanBatchVariableLength(t *testing.T) {
	a, _ := can.NewPacket(0, 0x10, []byte{1}, false, false)
	b, _ := can.NewPacket(1, 0x20, make([]byte, 48), false, true)
	c, _ := can.NewPacket(2, 0x30, nil, false, false)
	payload, n := PackCanBatch(nil, []can.Packet{a, b, c}, 1024)
	require.Equal(t, 3, n)
	got, err := UnpackCanBatch(payload)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, 48, got[1].Len())

	payload[len(payload)-1] ^= 0xFF // corrupt checksum of c
	got, err = UnpackCanBatch(payload)
	assert.ErrorIs(t, err, can.ErrInvalidChecksum)
	assert.Len(t, got, 2)
}

func FuzzDecodeStream(f *testing.F) {
	fr, _ := Build(TypeBulkIn, 1, []byte{1, 2, 3}, 0)
	f.Add(fr.Encode())
	f.Add([]byte{Sync, Sync, 0xFF, 0xFF})
	f.Fuzz(func(t *testing.T, data []byte) {
		var buf bytes.Buffer
		buf.Write(data)
		DecodeStream(&buf, func(Frame) {}, nil)
		if buf.Len() >= MaxFrameSize {
			t.Fatalf("decoder kept %d bytes", buf.Len())
		}
	})
}
