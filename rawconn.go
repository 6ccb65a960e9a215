package loom

import "io"

// RawConn is the transport contract a link is built on: an ordered,
// reliable byte stream toward exactly one remote node. TCP connections,
// TLS sessions, unix sockets and in-memory pipes all qualify; datagram
// transports need an ordering layer before they do.
//
// The router owns the connection once it is registered: it closes it
// when the link dies and expects Read to return an error afterwards.
// Read and Write are never called concurrently with themselves, only
// with each other.
type RawConn interface {
	io.Reader
	io.Writer
	Close() error
}
