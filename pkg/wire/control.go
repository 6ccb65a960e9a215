package wire

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Control messages travel as DATA frames on the reserved control
// stream. The first payload byte selects the message, the rest is a
// msgpack body.
const (
	ControlHello  byte = 1
	ControlPing   byte = 2
	ControlPong   byte = 3
	ControlAdvert byte = 4
	ControlCredit byte = 5
)

// Hello is exchanged by both sides right after a physical connection is
// registered, and re-sent to renegotiate a degraded link.
type Hello struct {
	Node NodeID `msgpack:"node"`
}

// Ping carries a sequence number the peer must echo back in a Pong.
type Ping struct {
	Seq uint64 `msgpack:"seq"`
}

type Pong struct {
	Seq uint64 `msgpack:"seq"`
}

// RouteAd advertises that the sender can reach Dest at the given cost.
type RouteAd struct {
	Dest NodeID `msgpack:"dest"`
	Cost uint32 `msgpack:"cost"`
}

// Advert is the sender's current reachability set. It replaces any
// previous advert received from the same node.
type Advert struct {
	Routes []RouteAd `msgpack:"routes"`
}

// Credit grants the peer permission to send Grant further DATA frames
// on one stream. Each side hands out credit as its consumer drains the
// stream buffer, so a sender can never put more frames on the link than
// the receiver has room for.
type Credit struct {
	Stream StreamID `msgpack:"stream"`
	Grant  uint32   `msgpack:"grant"`
}

// OpenHeader is the payload of every OPEN frame on a non-control
// stream. Src and Dst let intermediate hops relay the stream toward its
// destination; Nonce lets the destination recognise a re-established
// hop chain as the continuation of an existing proxy stream.
type OpenHeader struct {
	Src   NodeID `msgpack:"src"`
	Dst   NodeID `msgpack:"dst"`
	Nonce uint64 `msgpack:"nonce"`
}

// MarshalOpenHeader encodes the OPEN payload of a proxied stream.
func MarshalOpenHeader(hdr OpenHeader) ([]byte, error) {
	body, err := msgpack.Marshal(&hdr)
	if err != nil {
		return nil, fmt.Errorf("wire: encoding open header: %w", err)
	}
	return body, nil
}

func UnmarshalOpenHeader(payload []byte) (OpenHeader, error) {
	var hdr OpenHeader
	if err := msgpack.Unmarshal(payload, &hdr); err != nil {
		return OpenHeader{}, fmt.Errorf("%w: %s", ErrMalformed, err)
	}
	if hdr.Src == 0 || hdr.Dst == 0 {
		return OpenHeader{}, fmt.Errorf("%w: open header without endpoints", ErrMalformed)
	}
	return hdr, nil
}

// MarshalControl encodes a control-stream payload.
func MarshalControl(subtype byte, msg any) ([]byte, error) {
	body, err := msgpack.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("wire: encoding control %d: %w", subtype, err)
	}
	out := make([]byte, 0, len(body)+1)
	out = append(out, subtype)
	return append(out, body...), nil
}

// SplitControl separates the subtype byte from the msgpack body.
func SplitControl(payload []byte) (subtype byte, body []byte, err error) {
	if len(payload) == 0 {
		return 0, nil, ErrMalformed
	}
	return payload[0], payload[1:], nil
}

// UnmarshalBody decodes the msgpack body of a control payload.
func UnmarshalBody(body []byte, into any) error {
	if err := msgpack.Unmarshal(body, into); err != nil {
		return fmt.Errorf("%w: %s", ErrMalformed, err)
	}
	return nil
}
