// Package transport carries the reverse-tunnel's session multiplexing
// layer: one Transport/Listener/Session/Stream shape realized over
// three carriers (raw TCP, KCP reliable-UDP, and native QUIC), so the
// tunnel client/server/manager never need to know which one is in use.
package transport

import (
	"context"
	"io"
	"net"
)

// Stream is one multiplexed substream of a Session: the register
// stream, or one proxy stream per dataplane connection.
type Stream interface {
	io.ReadWriteCloser
}

// Session is one tunnel connection. A session multiplexes any number
// of concurrent Streams over a single underlying carrier connection.
type Session interface {
	// OpenStream opens a new substream to the peer.
	OpenStream(ctx context.Context) (Stream, error)
	// AcceptStream blocks until the peer opens a substream, the
	// session closes, or ctx is done.
	AcceptStream(ctx context.Context) (Stream, error)
	Close() error
	RemoteAddr() net.Addr
	LocalAddr() net.Addr
}

// Listener accepts inbound Sessions on one carrier.
type Listener interface {
	Accept(ctx context.Context) (Session, error)
	Close() error
	Addr() net.Addr
}

// Transport is a carrier: tcp+yamux, kcp+yamux, or native quic.
type Transport interface {
	// Name identifies the carrier: "tcp", "udp" (KCP) or "quic". The
	// tunnel.transport config setting selects the KCP carrier with
	// "kcp", not "udp".
	Name() string
	Listen(ctx context.Context, addr string) (Listener, error)
	Dial(ctx context.Context, addr string) (Session, error)
}
