package udp

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prismproxy/prism/internal/metrics"
	"github.com/prismproxy/prism/internal/tunnel/manager"
	"github.com/prismproxy/prism/internal/tunnel/protocol"
	"github.com/prismproxy/prism/internal/tunnel/transport"
)

func TestDirectUDPRelayEchoesBothWays(t *testing.T) {
	upstream, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("ListenUDP upstream: %v", err)
	}
	defer upstream.Close()
	go func() {
		buf := make([]byte, 1024)
		for {
			n, src, err := upstream.ReadFromUDP(buf)
			if err != nil {
				return
			}
			upstream.WriteToUDP(buf[:n], src)
		}
	}()

	l := New(Config{
		ListenAddr: "127.0.0.1:0",
		Upstream:   upstream.LocalAddr().String(),
		Metrics:    metrics.NewCollector(),
	})

	ln, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("ListenUDP public: %v", err)
	}
	publicAddr := ln.LocalAddr().String()
	ln.Close()
	l.cfg.ListenAddr = publicAddr

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client, err := net.Dial("udp", publicAddr)
	if err != nil {
		t.Fatalf("dial public: %v", err)
	}
	defer client.Close()

	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 4)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := client.Read(buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("got %q, want ping", buf)
	}
}

// pipeSession is a transport.Session backed by a net.Pipe pair.
type pipeSession struct {
	conn net.Conn
}

func (p *pipeSession) OpenStream(ctx context.Context) (transport.Stream, error) {
	return p.conn, nil
}
func (p *pipeSession) AcceptStream(ctx context.Context) (transport.Stream, error) { return nil, nil }
func (p *pipeSession) Close() error         { return p.conn.Close() }
func (p *pipeSession) RemoteAddr() net.Addr { return p.conn.RemoteAddr() }
func (p *pipeSession) LocalAddr() net.Addr  { return p.conn.LocalAddr() }

func TestTunnelUDPRelayWritesFramedDatagrams(t *testing.T) {
	client, serverSide := net.Pipe()
	defer client.Close()

	mgr := manager.New()
	mgr.Register("c-1", &pipeSession{conn: serverSide}, []manager.RegisteredService{
		{Name: "lobby", Proto: "udp", RouteOnly: true},
	})

	read := make(chan []byte, 1)
	go func() {
		if _, _, err := protocol.ReadProxyHeader(client); err != nil {
			return
		}
		payload, err := protocol.ReadDatagram(client)
		if err != nil {
			return
		}
		read <- payload
	}()

	l := New(Config{ListenAddr: "127.0.0.1:0", Upstream: "tunnel:lobby", Manager: mgr})

	ln, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("ListenUDP public: %v", err)
	}
	publicAddr := ln.LocalAddr().String()
	ln.Close()
	l.cfg.ListenAddr = publicAddr

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	peer, err := net.Dial("udp", publicAddr)
	if err != nil {
		t.Fatalf("dial public: %v", err)
	}
	defer peer.Close()
	if _, err := peer.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case payload := <-read:
		if string(payload) != "hello" {
			t.Fatalf("payload = %q, want hello", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("tunnel substream never received the datagram")
	}
}
