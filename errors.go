package loom

import "errors"

var (
	ErrInvalidCfg = errors.New("router: invalid options")
	ErrShutdown   = errors.New("router: shutting down")

	// ErrUnreachable is returned synchronously by OpenProxyStream when
	// no route to the destination is currently known.
	ErrUnreachable = errors.New("router: no route to destination")

	ErrLinkNotConnected  = errors.New("link: not connected")
	ErrLinkDead          = errors.New("link: dead")
	ErrProtocol          = errors.New("link: protocol violation")
	ErrHandshake         = errors.New("link: handshake failed")
	ErrIdentityCollision = errors.New("link: remote node presented our own identity")

	// ErrStreamClosed reports a graceful, peer- or user-initiated end
	// of stream; receivers observe io.EOF instead.
	ErrStreamClosed = errors.New("stream: closed")
	ErrStreamReset  = errors.New("stream: reset by peer")

	// ErrRelayFailed surfaces asynchronously on a proxy handle once a
	// hop failure exhausted every re-route attempt.
	ErrRelayFailed = errors.New("relay: no remaining route to destination")

	ErrPeerUnreachable = errors.New("relay: peer removed while streams in flight")
)
