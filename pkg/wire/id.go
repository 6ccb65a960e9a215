package wire

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// NodeID identifies one node of the mesh. It is assigned randomly at
// node creation and is stable for the lifetime of the process.
type NodeID uint64

// NewNodeID draws a fresh random identifier. The zero value is reserved
// to mean "not yet known" (e.g. a link whose handshake is pending).
func NewNodeID() NodeID {
	var buf [8]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			panic(fmt.Sprintf("wire: crypto/rand unavailable: %s", err))
		}
		id := NodeID(binary.BigEndian.Uint64(buf[:]))
		if id != 0 {
			return id
		}
	}
}

func (id NodeID) String() string {
	return fmt.Sprintf("%016x", uint64(id))
}

// RandomToken draws a random 64-bit value, used to tag a proxy stream
// so a re-established hop chain can be matched to it.
func RandomToken() uint64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(fmt.Sprintf("wire: crypto/rand unavailable: %s", err))
	}
	return binary.BigEndian.Uint64(buf[:])
}

// StreamID identifies one logical stream multiplexed on a link. IDs are
// assigned by the stream initiator and are only meaningful within one
// (link, direction) pair.
type StreamID uint64

// ControlStream is reserved on every link for the handshake, the
// ping/pong probes and reachability advertisements.
const ControlStream StreamID = 0
