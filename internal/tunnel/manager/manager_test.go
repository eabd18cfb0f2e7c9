package manager

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prismproxy/prism/internal/tunnel/protocol"
	"github.com/prismproxy/prism/internal/tunnel/transport"
)

// pipeSession is a transport.Session backed by a real net.Pipe
// connection, so DialTCP/DialUDP exercise the real proxy-header
// write path against something that actually implements
// io.ReadWriteCloser.
type pipeSession struct {
	conn   net.Conn
	closed bool
}

func (p *pipeSession) OpenStream(ctx context.Context) (transport.Stream, error) {
	return p.conn, nil
}

func (p *pipeSession) AcceptStream(ctx context.Context) (transport.Stream, error) {
	return nil, nil
}

func (p *pipeSession) Close() error {
	p.closed = true
	return p.conn.Close()
}

func (p *pipeSession) RemoteAddr() net.Addr { return p.conn.RemoteAddr() }
func (p *pipeSession) LocalAddr() net.Addr  { return p.conn.LocalAddr() }

func newPipeSession() (*pipeSession, net.Conn) {
	client, server := net.Pipe()
	return &pipeSession{conn: client}, server
}

func svc(name string) []RegisteredService {
	return []RegisteredService{{Name: name, Proto: "tcp", RemoteAddr: "0.0.0.0:2000"}}
}

func TestRegisterFirstWriterWinsPrimary(t *testing.T) {
	m := New()
	sess, server := newPipeSession()
	defer server.Close()
	m.Register("c-1", sess, svc("survival"))

	_, got, ok := m.Primary("survival")
	if !ok {
		t.Fatal("expected a primary")
	}
	if got != sess {
		t.Fatal("expected the registering session to be primary")
	}
}

func TestRegisterSecondClientDoesNotStealPrimary(t *testing.T) {
	m := New()
	first, s1 := newPipeSession()
	defer s1.Close()
	second, s2 := newPipeSession()
	defer s2.Close()

	m.Register("c-1", first, svc("survival"))
	m.Register("c-2", second, svc("survival"))

	_, got, ok := m.Primary("survival")
	if !ok {
		t.Fatal("expected a primary")
	}
	if got != first {
		t.Fatal("expected the first registrant to remain primary")
	}
}

func TestUnregisterReelectsOldestRemainingClient(t *testing.T) {
	m := New()
	first, s1 := newPipeSession()
	defer s1.Close()
	second, s2 := newPipeSession()
	defer s2.Close()

	m.Register("c-1", first, svc("survival"))
	time.Sleep(time.Millisecond)
	m.Register("c-2", second, svc("survival"))

	m.Unregister("c-1")

	_, got, ok := m.Primary("survival")
	if !ok {
		t.Fatal("expected re-election to find a primary")
	}
	if got != second {
		t.Fatal("expected the remaining client to become primary")
	}
}

func TestUnregisterLastOwnerClearsPrimary(t *testing.T) {
	m := New()
	sess, server := newPipeSession()
	defer server.Close()
	m.Register("c-1", sess, svc("survival"))
	m.Unregister("c-1")

	if _, _, ok := m.Primary("survival"); ok {
		t.Fatal("expected no primary once the only owner disconnects")
	}
}

func TestWatchBumpsOnRegisterAndUnregister(t *testing.T) {
	m := New()
	select {
	case <-m.Watch():
		t.Fatal("unexpected bump before any mutation")
	default:
	}

	sess, server := newPipeSession()
	defer server.Close()
	m.Register("c-1", sess, svc("survival"))
	select {
	case <-m.Watch():
	default:
		t.Fatal("expected a bump after Register")
	}

	m.Unregister("c-1")
	select {
	case <-m.Watch():
	default:
		t.Fatal("expected a bump after Unregister")
	}
}

func TestNextClientIDMintsSequentialIDs(t *testing.T) {
	m := New()
	a := m.NextClientID()
	b := m.NextClientID()
	if a == b {
		t.Fatalf("expected distinct ids, got %q twice", a)
	}
	if a != "c-1" || b != "c-2" {
		t.Fatalf("ids = %q, %q, want c-1, c-2", a, b)
	}
}

func TestServicesSnapshotsAcrossClients(t *testing.T) {
	m := New()
	s1, c1 := newPipeSession()
	defer c1.Close()
	s2, c2 := newPipeSession()
	defer c2.Close()
	m.Register("c-1", s1, svc("survival"))
	m.Register("c-2", s2, svc("creative"))

	got := m.Services()
	if len(got) != 2 {
		t.Fatalf("services = %v, want 2 entries", got)
	}
}

func TestDialTCPWritesProxyHeaderForRegisteredService(t *testing.T) {
	m := New()
	sess, server := newPipeSession()
	defer server.Close()
	m.Register("c-1", sess, svc("survival"))

	read := make(chan struct {
		magic   [4]byte
		service string
		err     error
	}, 1)
	go func() {
		magic, service, err := protocol.ReadProxyHeader(server)
		read <- struct {
			magic   [4]byte
			service string
			err     error
		}{magic, service, err}
	}()

	st, registered, err := m.DialTCP(context.Background(), "survival", "c-1")
	if err != nil {
		t.Fatalf("DialTCP: %v", err)
	}
	if st == nil {
		t.Fatal("expected a non-nil stream")
	}
	if registered.Name != "survival" {
		t.Fatalf("registered.Name = %q, want survival", registered.Name)
	}

	got := <-read
	if got.err != nil {
		t.Fatalf("ReadProxyHeader: %v", got.err)
	}
	if got.magic != protocol.MagicProxyTCP {
		t.Fatalf("magic = %v, want MagicProxyTCP", got.magic)
	}
	if got.service != "survival" {
		t.Fatalf("service = %q, want survival", got.service)
	}
}

func TestRegistrationsPairServiceWithOwningClient(t *testing.T) {
	m := New()
	s1, c1 := newPipeSession()
	defer c1.Close()
	m.Register("c-1", s1, svc("survival"))

	regs := m.Registrations()
	if len(regs) != 1 {
		t.Fatalf("registrations = %v, want 1 entry", regs)
	}
	if regs[0].ClientID != "c-1" || regs[0].Service.Name != "survival" {
		t.Fatalf("registration = %+v, want {c-1 survival}", regs[0])
	}
}

func TestDialUnknownServiceFails(t *testing.T) {
	m := New()
	if _, _, err := m.DialTCP(context.Background(), "nope", ""); err == nil {
		t.Fatal("expected an error dialing an unregistered service")
	}
}
