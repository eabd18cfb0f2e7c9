package autolisten

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/prismproxy/prism/internal/tunnel/manager"
	"github.com/prismproxy/prism/internal/tunnel/protocol"
	"github.com/prismproxy/prism/internal/tunnel/transport"
)

type pipeSession struct {
	conn net.Conn
}

func (p *pipeSession) OpenStream(ctx context.Context) (transport.Stream, error) {
	return p.conn, nil
}
func (p *pipeSession) AcceptStream(ctx context.Context) (transport.Stream, error) { return nil, nil }
func (p *pipeSession) Close() error                                              { return p.conn.Close() }
func (p *pipeSession) RemoteAddr() net.Addr                                       { return p.conn.RemoteAddr() }
func (p *pipeSession) LocalAddr() net.Addr                                        { return p.conn.LocalAddr() }

func TestDescriptorForSkipsRouteOnlyAndEmptyAddr(t *testing.T) {
	cases := []manager.Registration{
		{ClientID: "c-1", Service: manager.RegisteredService{Name: "a", RouteOnly: true, RemoteAddr: "0.0.0.0:1"}},
		{ClientID: "c-1", Service: manager.RegisteredService{Name: "b", RemoteAddr: ""}},
	}
	for _, reg := range cases {
		if _, ok := descriptorFor(reg); ok {
			t.Errorf("descriptorFor(%+v) should be skipped", reg)
		}
	}
}

func TestDescriptorForAcceptsEligibleRegistration(t *testing.T) {
	reg := manager.Registration{
		ClientID: "c-1",
		Service:  manager.RegisteredService{Name: "survival", Proto: "tcp", RemoteAddr: "0.0.0.0:25565"},
	}
	d, ok := descriptorFor(reg)
	if !ok {
		t.Fatal("expected an eligible descriptor")
	}
	if d.clientID != "c-1" || d.name != "survival" || d.addr != "0.0.0.0:25565" {
		t.Fatalf("descriptor = %+v", d)
	}
}

func TestReconcilerSplicesAcceptedConnectionThroughTunnel(t *testing.T) {
	mgr := manager.New()
	client, server := net.Pipe()
	defer client.Close()

	// Everything past the register stream is the tunnel's view of the
	// substream: first the PRPX header, then raw bytes to echo back.
	go func() {
		br := bufio.NewReader(server)
		if _, _, err := protocol.ReadProxyHeader(br); err != nil {
			return
		}
		buf := make([]byte, 5)
		n, err := br.Read(buf)
		if err != nil {
			return
		}
		_, _ = server.Write(buf[:n])
	}()

	mgr.Register("c-1", &pipeSession{conn: client}, []manager.RegisteredService{
		{Name: "survival", Proto: "tcp", RemoteAddr: "127.0.0.1:19123"},
	})

	r := New(mgr, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.reconcile(ctx)
	defer r.stopAll()

	// Give the accept loop a moment to bind before dialing.
	var conn net.Conn
	var err error
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		conn, err = net.Dial("tcp", "127.0.0.1:19123")
		if err == nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial public listener: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	echo := make([]byte, 5)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := conn.Read(echo); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(echo) != "hello" {
		t.Fatalf("echo = %q, want hello", echo)
	}
}

func TestReconcilerSplicesUDPDatagramsThroughTunnel(t *testing.T) {
	mgr := manager.New()
	client, server := net.Pipe()
	defer client.Close()

	// The tunnel's view of the substream: PRPU header, one datagram in,
	// the same datagram echoed back.
	go func() {
		br := bufio.NewReader(server)
		if _, _, err := protocol.ReadProxyHeader(br); err != nil {
			return
		}
		payload, err := protocol.ReadDatagram(br)
		if err != nil {
			return
		}
		_ = protocol.WriteDatagram(server, payload)
	}()

	mgr.Register("c-1", &pipeSession{conn: client}, []manager.RegisteredService{
		{Name: "survival-udp", Proto: "udp", RemoteAddr: "127.0.0.1:19200"},
	})

	r := New(mgr, 200*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.reconcile(ctx)
	defer r.stopAll()

	time.Sleep(50 * time.Millisecond)

	conn, err := net.Dial("udp", "127.0.0.1:19200")
	if err != nil {
		t.Fatalf("dial public udp socket: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	echo := make([]byte, 5)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(echo)
	if err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(echo[:n]) != "hello" {
		t.Fatalf("echo = %q, want hello", echo[:n])
	}
}

func TestReconcilerStopsListenerWhenServiceDisappears(t *testing.T) {
	mgr := manager.New()
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	mgr.Register("c-1", &pipeSession{conn: client}, []manager.RegisteredService{
		{Name: "survival", Proto: "tcp", RemoteAddr: "127.0.0.1:19124"},
	})

	r := New(mgr, 0)
	ctx := context.Background()
	r.reconcile(ctx)
	if len(r.running) != 1 {
		t.Fatalf("running = %d, want 1", len(r.running))
	}

	mgr.Unregister("c-1")
	r.reconcile(ctx)

	deadline := time.Now().Add(time.Second)
	for len(r.running) != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if len(r.running) != 0 {
		t.Fatalf("running = %d, want 0 after service disappears", len(r.running))
	}
}

func TestReconcilerRestartsListenerOnDescriptorChange(t *testing.T) {
	mgr := manager.New()
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	mgr.Register("c-1", &pipeSession{conn: client}, []manager.RegisteredService{
		{Name: "survival", Proto: "tcp", RemoteAddr: "127.0.0.1:19125"},
	})

	r := New(mgr, 0)
	defer r.stopAll()
	ctx := context.Background()
	r.reconcile(ctx)

	r.mu.Lock()
	first := r.running["c-1/survival"]
	r.mu.Unlock()
	if first == nil {
		t.Fatal("expected a running listener")
	}

	mgr.Register("c-1", &pipeSession{conn: client}, []manager.RegisteredService{
		{Name: "survival", Proto: "tcp", RemoteAddr: "127.0.0.1:19126"},
	})
	r.reconcile(ctx)

	r.mu.Lock()
	second := r.running["c-1/survival"]
	r.mu.Unlock()
	if second == nil {
		t.Fatal("expected a replacement running listener")
	}
	if second == first {
		t.Fatal("expected the listener to be restarted on descriptor change")
	}
}
