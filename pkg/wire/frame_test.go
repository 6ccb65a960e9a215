package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	frames := []Frame{
		{Stream: ControlStream, Kind: KindData, Payload: []byte{1, 42}},
		{Stream: 1, Kind: KindOpen, Payload: []byte("header")},
		{Stream: 2, Kind: KindData, Payload: bytes.Repeat([]byte{0xAB}, 1000)},
		{Stream: 300, Kind: KindData},
		{Stream: 1, Kind: KindClose},
		{Stream: 7, Kind: KindReset, Payload: []byte("went away")},
	}

	var buf []byte
	for _, fr := range frames {
		buf = AppendFrame(buf, fr)
	}

	for _, want := range frames {
		fr, n, err := Consume(buf)
		require.NoError(t, err)
		require.Greater(t, n, 0)
		require.Equal(t, want.Stream, fr.Stream)
		require.Equal(t, want.Kind, fr.Kind)
		require.Equal(t, want.Payload, fr.Payload)
		buf = buf[n:]
	}
	require.Empty(t, buf)
}

func TestConsumeEncodingIsCanonical(t *testing.T) {
	fr := Frame{Stream: 12345, Kind: KindData, Payload: []byte("hi")}
	require.Equal(t, EncodeFrame(fr), EncodeFrame(fr))
}

func TestConsumeTruncated(t *testing.T) {
	full := EncodeFrame(Frame{Stream: 5, Kind: KindData, Payload: []byte("partial delivery")})

	// Every strict prefix must report a short read, consume nothing and
	// never panic.
	for i := 0; i < len(full); i++ {
		_, n, err := Consume(full[:i])
		require.ErrorIs(t, err, ErrShortBuffer, "prefix of %d bytes", i)
		require.Zero(t, n)
	}

	fr, n, err := Consume(full)
	require.NoError(t, err)
	require.Equal(t, len(full), n)
	require.Equal(t, []byte("partial delivery"), fr.Payload)
}

func TestConsumeMalformed(t *testing.T) {
	cases := map[string][]byte{
		// Length prefix says 1 byte of body, so there is no room for a
		// control byte after the stream id.
		"missing control byte": {0x01, 0x05},
		// Control byte outside the defined range.
		"invalid kind zero": {0x02, 0x05, 0x00},
		"invalid kind high": {0x02, 0x05, 0x09},
		// Body complete per its length but the stream-id varint never
		// terminates inside it.
		"unterminated stream id": {0x02, 0x80, 0x80},
	}
	for name, buf := range cases {
		_, n, err := Consume(buf)
		require.ErrorIs(t, err, ErrMalformed, name)
		require.Zero(t, n, name)
	}
}

func TestConsumeOversized(t *testing.T) {
	huge := EncodeFrame(Frame{Stream: 1, Kind: KindData, Payload: make([]byte, MaxPayload+64)})
	_, _, err := Consume(huge)
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestConsumeGarbageNeverPanics(t *testing.T) {
	// A pseudo-random walk over byte soup; only the absence of panics
	// and of phantom consumption is asserted.
	seed := []byte{0xFF, 0x00, 0x80, 0x7F, 0xC3, 0x28, 0x01, 0x02, 0x03}
	buf := bytes.Repeat(seed, 50)
	for len(buf) > 0 {
		_, n, err := Consume(buf)
		if err != nil {
			require.Zero(t, n)
			buf = buf[1:]
			continue
		}
		require.Greater(t, n, 0)
		buf = buf[n:]
	}
}

func TestConsumePayloadDoesNotAlias(t *testing.T) {
	buf := EncodeFrame(Frame{Stream: 9, Kind: KindData, Payload: []byte("stable")})
	fr, _, err := Consume(buf)
	require.NoError(t, err)
	for i := range buf {
		buf[i] = 0
	}
	require.Equal(t, []byte("stable"), fr.Payload)
}
