package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/hashicorp/yamux"
)

// TCPTransport carries tunnel sessions over raw TCP, multiplexed with
// yamux.
type TCPTransport struct {
	DialTimeout time.Duration
}

func NewTCPTransport(dialTimeout time.Duration) *TCPTransport {
	return &TCPTransport{DialTimeout: dialTimeout}
}

func (t *TCPTransport) Name() string { return "tcp" }

func (t *TCPTransport) Listen(ctx context.Context, addr string) (Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: tcp listen %s: %w", addr, err)
	}
	return &tcpListener{ln: ln}, nil
}

func (t *TCPTransport) Dial(ctx context.Context, addr string) (Session, error) {
	dialer := net.Dialer{Timeout: t.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: tcp dial %s: %w", addr, err)
	}
	sess, err := yamux.Client(conn, yamuxConfig())
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("transport: yamux client handshake: %w", err)
	}
	return newYamuxSession(conn, sess), nil
}

type tcpListener struct {
	ln net.Listener
}

func (l *tcpListener) Accept(ctx context.Context) (Session, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, fmt.Errorf("transport: tcp accept: %w", err)
	}
	sess, err := yamux.Server(conn, yamuxConfig())
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("transport: yamux server handshake: %w", err)
	}
	return newYamuxSession(conn, sess), nil
}

func (l *tcpListener) Close() error { return l.ln.Close() }
func (l *tcpListener) Addr() net.Addr { return l.ln.Addr() }

// yamuxConfig is shared by the tcp and kcp carriers: yamux's own
// defaults, with the keepalive interval set explicitly to 30s (the
// same value as yamux's default).
func yamuxConfig() *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.KeepAliveInterval = 30 * time.Second
	return cfg
}
