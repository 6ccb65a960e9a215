package loom

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
)

// DialTCP connects to a remote node over TCP and registers the
// connection as a link. The handshake runs in the background; the
// returned id is usable immediately for introspection.
func (rt *Router) DialTCP(ctx context.Context, addr string) (LinkID, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("loom: dialing %s: %w", addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		// Frames are small and latency-sensitive; coalescing them
		// behind Nagle inflates every measured RTT.
		_ = tc.SetNoDelay(true)
	}
	id, err := rt.RegisterLink(conn)
	if err != nil {
		_ = conn.Close()
		return 0, err
	}
	return id, nil
}

// TCPListener accepts inbound TCP connections and registers each one as
// a link on the router.
type TCPListener struct {
	rt *Router
	ln net.Listener

	closeOnce sync.Once
	done      chan struct{}
}

// ListenTCP binds addr and starts accepting. Each accepted connection
// becomes a link; the remote identity is learned from its handshake.
func (rt *Router) ListenTCP(addr string) (*TCPListener, error) {
	if rt.shutdown.Load() {
		return nil, ErrShutdown
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("loom: listening on %s: %w", addr, err)
	}
	tl := &TCPListener{
		rt:   rt,
		ln:   ln,
		done: make(chan struct{}),
	}
	go tl.acceptLoop()
	return tl, nil
}

// Addr is the bound address, useful when listening on port 0.
func (tl *TCPListener) Addr() net.Addr { return tl.ln.Addr() }

// Close stops accepting. Links already registered stay up.
func (tl *TCPListener) Close() error {
	var err error
	tl.closeOnce.Do(func() {
		close(tl.done)
		err = tl.ln.Close()
	})
	return err
}

func (tl *TCPListener) acceptLoop() {
	logger := tl.rt.logger.With("listen_addr", tl.ln.Addr().String())
	for {
		conn, err := tl.ln.Accept()
		if err != nil {
			select {
			case <-tl.done:
			case <-tl.rt.shutdownCh:
			default:
				if !errors.Is(err, net.ErrClosed) {
					logger.Warn("accept failed", LabelError.L(err))
				}
			}
			return
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}
		if _, err := tl.rt.RegisterLink(conn); err != nil {
			_ = conn.Close()
			if errors.Is(err, ErrShutdown) {
				return
			}
		}
	}
}
