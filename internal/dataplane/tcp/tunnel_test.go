package tcp

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/prismproxy/prism/internal/metrics"
	"github.com/prismproxy/prism/internal/ratelimit"
	"github.com/prismproxy/prism/internal/router"
	"github.com/prismproxy/prism/internal/tunnel/manager"
	"github.com/prismproxy/prism/internal/tunnel/protocol"
	"github.com/prismproxy/prism/internal/tunnel/transport"
	"github.com/prismproxy/prism/internal/wasmsandbox"
	"github.com/prismproxy/prism/internal/wasmsandbox/builtin"
)

// pipeSession wraps one side of a net.Pipe as a transport.Session with
// a single substream, enough to stand in for a tunnel client in tests.
type pipeSession struct {
	conn net.Conn
}

func (p *pipeSession) OpenStream(ctx context.Context) (transport.Stream, error) {
	return p.conn, nil
}
func (p *pipeSession) AcceptStream(ctx context.Context) (transport.Stream, error) { return nil, nil }
func (p *pipeSession) Close() error                                              { return p.conn.Close() }
func (p *pipeSession) RemoteAddr() net.Addr                                      { return p.conn.RemoteAddr() }
func (p *pipeSession) LocalAddr() net.Addr                                       { return p.conn.LocalAddr() }

func encodeVarInt(v int32) []byte {
	var out []byte
	u := uint32(v)
	for {
		b := byte(u & 0x7F)
		u >>= 7
		if u != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if u == 0 {
			break
		}
	}
	return out
}

func buildHandshake(host string, port uint16, protocolVersion, nextState int32) []byte {
	var body []byte
	body = append(body, encodeVarInt(0)...) // packet id
	body = append(body, encodeVarInt(protocolVersion)...)
	body = append(body, encodeVarInt(int32(len(host)))...)
	body = append(body, []byte(host)...)
	body = append(body, byte(port>>8), byte(port))
	body = append(body, encodeVarInt(nextState)...)

	var pkt []byte
	pkt = append(pkt, encodeVarInt(int32(len(body)))...)
	pkt = append(pkt, body...)
	return pkt
}

// TestRouteSplicesThroughTunnelWithMasqueradeHost drives spec scenario
// 4 end to end: a route matches on a wildcard host, resolves to a
// tunnel: upstream whose registered service carries a masquerade_host
// template, and the connection is dialed through the tunnel manager
// rather than a direct net.Dial. host_to_upstream is a rewrite-phase
// pass-through (the masquerade host only ever reaches the sandbox as
// the rewrite-phase upstream label, never as a byte substitution — see
// its own doc comment), so what this proves is that selecting and
// substituting that label never corrupts the forwarded prelude, and
// that the candidate actually dialed is the tunnel, not a stray direct
// dial of the literal host.
func TestRouteSplicesThroughTunnelWithMasqueradeHost(t *testing.T) {
	dir := t.TempDir()
	if err := builtin.Materialize(dir); err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	ctx := context.Background()
	sandbox := wasmsandbox.NewProvider(ctx, dir)
	defer sandbox.Close(ctx)

	rt := router.NewRouter(sandbox)
	if err := rt.Update([]router.RouteConfig{{
		Hosts:       []string{"*.mc.example.com"},
		Upstreams:   []string{"tunnel:survival"},
		Middlewares: []string{"minecraft_handshake", "host_to_upstream"},
		Strategy:    router.StrategySequential,
	}}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	mgr := manager.New()
	client, server := net.Pipe()
	defer client.Close()

	handshake := buildHandshake("play.mc.example.com", 25565, 764, 2)

	relayed := make(chan []byte, 1)
	go func() {
		br := bufio.NewReader(server)
		_, name, err := protocol.ReadProxyHeader(br)
		if err != nil || name != "survival" {
			return
		}
		buf := make([]byte, len(handshake))
		n, err := io.ReadFull(br, buf)
		if err != nil {
			return
		}
		relayed <- buf[:n]
	}()

	mgr.Register("c-1", &pipeSession{conn: client}, []manager.RegisteredService{
		{Name: "survival", Proto: "tcp", MasqueradeHost: "$1.internal.example.net"},
	})

	l := New(Config{
		ListenAddr:          "127.0.0.1:0",
		MaxHeaderBytes:      64 * 1024,
		HandshakeTimeout:    2 * time.Second,
		UpstreamDialTimeout: time.Second,
		Router:              rt,
		Sandbox:             sandbox,
		Manager:             mgr,
		Metrics:             metrics.NewCollector(),
		RateLimiter:         ratelimit.NewLimiter(nil),
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen public: %v", err)
	}
	l.cfg.ListenAddr = ln.Addr().String()
	ln.Close()

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(runCtx)
	time.Sleep(50 * time.Millisecond)

	conn, err := net.Dial("tcp", l.cfg.ListenAddr)
	if err != nil {
		t.Fatalf("dial public listener: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write(handshake); err != nil {
		t.Fatalf("write handshake: %v", err)
	}

	select {
	case got := <-relayed:
		if !bytes.Equal(got, handshake) {
			t.Fatalf("tunnel received %x, want unchanged prelude %x", got, handshake)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the tunnel side to receive the spliced prelude")
	}
}
