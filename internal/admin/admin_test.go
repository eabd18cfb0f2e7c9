package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http/httptest"
	"testing"

	"github.com/prismproxy/prism/internal/metrics"
	"github.com/prismproxy/prism/internal/tunnel/manager"
	"github.com/prismproxy/prism/internal/tunnel/transport"
)

// pipeSession is a transport.Session backed by a net.Pipe pair, used
// wherever a test needs a real, closeable session handle without a
// real tunnel connection.
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

func newPipeSession() *pipeSession {
	a, b := net.Pipe()
	b.Close()
	return &pipeSession{conn: a}
}

func TestHandleHealthz(t *testing.T) {
	s := New(Config{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/healthz", nil)
	s.handleHealthz(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "ok" {
		t.Fatalf("body = %q, want ok", rec.Body.String())
	}
}

func TestHandleConnsWithoutMetrics(t *testing.T) {
	s := New(Config{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/conns", nil)
	s.handleConns(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var snap metrics.Snapshot
	if err := json.NewDecoder(rec.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.ActiveConnections != 0 {
		t.Fatalf("ActiveConnections = %d, want 0", snap.ActiveConnections)
	}
}

func TestHandleConnsWithMetrics(t *testing.T) {
	col := metrics.NewCollector()
	col.IncrementConnections()
	col.IncrementConnections()
	col.IncrementDialsOK()

	s := New(Config{Metrics: col})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/conns", nil)
	s.handleConns(rec, req)

	var snap metrics.Snapshot
	if err := json.NewDecoder(rec.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.ActiveConnections != 2 {
		t.Fatalf("ActiveConnections = %d, want 2", snap.ActiveConnections)
	}
	if snap.DialsOK != 1 {
		t.Fatalf("DialsOK = %d, want 1", snap.DialsOK)
	}
}

func TestHandleTunnelServicesWithoutManager(t *testing.T) {
	s := New(Config{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/tunnel/services", nil)
	s.handleTunnelServices(rec, req)

	var views []tunnelServiceView
	if err := json.NewDecoder(rec.Body).Decode(&views); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(views) != 0 {
		t.Fatalf("len(views) = %d, want 0", len(views))
	}
}

func TestHandleTunnelServicesDistinguishesPrimary(t *testing.T) {
	mgr := manager.New()
	mgr.Register("c-1", newPipeSession(), []manager.RegisteredService{
		{Name: "survival", Proto: "tcp"},
	})
	// c-2 registers the same service name after c-1: c-1 stays primary
	// (first-writer-wins, no prior primary) per manager.Register.
	mgr.Register("c-2", newPipeSession(), []manager.RegisteredService{
		{Name: "survival", Proto: "tcp"},
	})

	s := New(Config{Manager: mgr})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/tunnel/services", nil)
	s.handleTunnelServices(rec, req)

	var views []tunnelServiceView
	if err := json.NewDecoder(rec.Body).Decode(&views); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("len(views) = %d, want 2", len(views))
	}

	byClient := make(map[string]tunnelServiceView)
	for _, v := range views {
		byClient[v.ClientID] = v
	}
	if !byClient["c-1"].Primary {
		t.Fatalf("c-1 should be primary for survival, got %+v", byClient["c-1"])
	}
	if byClient["c-2"].Primary {
		t.Fatalf("c-2 should not be primary for survival, got %+v", byClient["c-2"])
	}
}

func TestHandleReloadSuccess(t *testing.T) {
	called := false
	s := New(Config{Reload: func() error { called = true; return nil }})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/reload", nil)
	s.handleReload(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !called {
		t.Fatal("Reload was not invoked")
	}
}

func TestHandleReloadError(t *testing.T) {
	s := New(Config{Reload: func() error { return errors.New("boom") }})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/reload", nil)
	s.handleReload(rec, req)

	if rec.Code != 400 {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleReloadNotImplemented(t *testing.T) {
	s := New(Config{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/reload", nil)
	s.handleReload(rec, req)

	if rec.Code != 501 {
		t.Fatalf("status = %d, want 501", rec.Code)
	}
}

func TestHandleReloadWrongMethod(t *testing.T) {
	s := New(Config{Reload: func() error { return nil }})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/reload", nil)
	s.handleReload(rec, req)

	if rec.Code != 405 {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}
