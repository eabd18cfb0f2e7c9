package transport

import (
	"context"
	"fmt"
	"net"

	"github.com/hashicorp/yamux"
	kcp "github.com/xtaci/kcp-go/v5"
)

// KCPTransport carries tunnel sessions over reliable-UDP (KCP),
// multiplexed with yamux. kcp-go's *UDPSession satisfies net.Conn, so
// it plugs into yamux exactly like a TCP conn.
type KCPTransport struct{}

func NewKCPTransport() *KCPTransport { return &KCPTransport{} }

func (t *KCPTransport) Name() string { return "udp" }

func (t *KCPTransport) Listen(ctx context.Context, addr string) (Listener, error) {
	ln, err := kcp.Listen(addr)
	if err != nil {
		return nil, fmt.Errorf("transport: kcp listen %s: %w", addr, err)
	}
	return &kcpListener{ln: ln.(*kcp.Listener)}, nil
}

func (t *KCPTransport) Dial(ctx context.Context, addr string) (Session, error) {
	conn, err := kcp.Dial(addr)
	if err != nil {
		return nil, fmt.Errorf("transport: kcp dial %s: %w", addr, err)
	}
	tuneKCP(conn.(*kcp.UDPSession))
	sess, err := yamux.Client(conn, yamuxConfig())
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("transport: yamux client handshake over kcp: %w", err)
	}
	return newYamuxSession(conn, sess), nil
}

type kcpListener struct {
	ln *kcp.Listener
}

func (l *kcpListener) Accept(ctx context.Context) (Session, error) {
	conn, err := l.ln.AcceptKCP()
	if err != nil {
		return nil, fmt.Errorf("transport: kcp accept: %w", err)
	}
	tuneKCP(conn)
	sess, err := yamux.Server(conn, yamuxConfig())
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("transport: yamux server handshake over kcp: %w", err)
	}
	return newYamuxSession(conn, sess), nil
}

func (l *kcpListener) Close() error   { return l.ln.Close() }
func (l *kcpListener) Addr() net.Addr { return l.ln.Addr() }

// tuneKCP applies the "fast3" profile (no-delay, short interval,
// aggressive fast-resend, no congestion window) recommended for
// latency-sensitive tunnels over lossy links.
func tuneKCP(conn *kcp.UDPSession) {
	conn.SetNoDelay(1, 10, 2, 1)
	conn.SetWindowSize(1024, 1024)
	conn.SetStreamMode(true)
	conn.SetWriteDelay(false)
}
