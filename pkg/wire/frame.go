// Package wire defines the on-link frame format and the control
// messages carried on the reserved control stream.
//
// Every frame is length-prefixed so the codec can reassemble frames
// over byte-oriented transports that deliver partial reads:
//
//	[ uvarint total_length ][ uvarint stream_id ][ 1 control byte ][ payload ]
//
// total_length covers everything after the length prefix itself.
// Varints use the minimal (protobuf) encoding, so encoding a given
// frame always produces the same bytes.
package wire

import (
	"encoding/binary"
	"errors"

	"google.golang.org/protobuf/encoding/protowire"
)

// Kind is the control byte of a frame.
type Kind uint8

const (
	KindOpen  Kind = 1
	KindData  Kind = 2
	KindClose Kind = 3
	KindReset Kind = 4
)

func (k Kind) String() string {
	switch k {
	case KindOpen:
		return "OPEN"
	case KindData:
		return "DATA"
	case KindClose:
		return "CLOSE"
	case KindReset:
		return "RESET"
	default:
		return "INVALID"
	}
}

// MaxPayload bounds the payload of a single frame so a peer cannot make
// us buffer an arbitrarily large frame before it can be decoded.
const MaxPayload = 1 << 20

// maxFrameBody accounts for the stream-id varint and the control byte.
const maxFrameBody = MaxPayload + binary.MaxVarintLen64 + 1

var (
	// ErrShortBuffer reports a truncated buffer: the caller should
	// read more bytes and retry, nothing has been consumed.
	ErrShortBuffer = errors.New("wire: need more data")

	ErrMalformed = errors.New("wire: malformed frame")
	ErrTooLarge  = errors.New("wire: frame exceeds maximum size")
)

// Frame is the unit multiplexed on a link.
type Frame struct {
	Stream  StreamID
	Kind    Kind
	Payload []byte
}

// AppendFrame appends the canonical encoding of fr to dst.
func AppendFrame(dst []byte, fr Frame) []byte {
	body := protowire.AppendVarint(nil, uint64(fr.Stream))
	body = append(body, byte(fr.Kind))
	body = append(body, fr.Payload...)
	dst = protowire.AppendVarint(dst, uint64(len(body)))
	return append(dst, body...)
}

// EncodeFrame is AppendFrame with a fresh buffer.
func EncodeFrame(fr Frame) []byte {
	return AppendFrame(nil, fr)
}

// Consume decodes one frame from the head of buf and reports how many
// bytes it consumed. A truncated buffer yields ErrShortBuffer with
// n == 0 so the caller can retry once more bytes arrived; Consume never
// panics on arbitrary input. The returned payload does not alias buf.
func Consume(buf []byte) (fr Frame, n int, err error) {
	size, hdr, err := consumeUvarint(buf)
	if err != nil {
		return Frame{}, 0, err
	}
	if size > maxFrameBody {
		return Frame{}, 0, ErrTooLarge
	}
	if uint64(len(buf)-hdr) < size {
		return Frame{}, 0, ErrShortBuffer
	}
	body := buf[hdr : hdr+int(size)]

	sid, idLen, err := consumeUvarint(body)
	if err != nil {
		// The body is complete per its length prefix, so a varint
		// that does not fit is a protocol error, not a short read.
		return Frame{}, 0, ErrMalformed
	}
	if idLen >= len(body) {
		return Frame{}, 0, ErrMalformed
	}
	kind := Kind(body[idLen])
	if kind < KindOpen || kind > KindReset {
		return Frame{}, 0, ErrMalformed
	}

	var payload []byte
	if rest := body[idLen+1:]; len(rest) > 0 {
		payload = append([]byte(nil), rest...)
	}
	return Frame{Stream: StreamID(sid), Kind: kind, Payload: payload}, hdr + int(size), nil
}

func consumeUvarint(buf []byte) (uint64, int, error) {
	v, n := protowire.ConsumeVarint(buf)
	if n >= 0 {
		return v, n, nil
	}
	if truncatedVarint(buf) {
		return 0, 0, ErrShortBuffer
	}
	return 0, 0, ErrMalformed
}

// truncatedVarint reports whether buf ends in the middle of a varint
// that could still be completed by more bytes.
func truncatedVarint(buf []byte) bool {
	if len(buf) >= binary.MaxVarintLen64 {
		return false
	}
	for _, b := range buf {
		if b < 0x80 {
			return false
		}
	}
	return true
}
