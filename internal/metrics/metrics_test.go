package metrics

import (
	"testing"
)

func TestCollector(t *testing.T) {
	c := NewCollector()

	if c.GetActiveConnections() != 0 {
		t.Error("Initial active connections should be 0")
	}
	if c.GetActiveUDPSessions() != 0 {
		t.Error("Initial active UDP sessions should be 0")
	}
	if c.GetTunnelClients() != 0 {
		t.Error("Initial tunnel clients should be 0")
	}
	if c.GetDialsOK() != 0 {
		t.Error("Initial dials OK should be 0")
	}
	if c.GetDialsFail() != 0 {
		t.Error("Initial dials fail should be 0")
	}
}

func TestCollectorConnections(t *testing.T) {
	c := NewCollector()

	c.IncrementConnections()
	if c.GetActiveConnections() != 1 {
		t.Error("Should have 1 active connection")
	}

	c.IncrementConnections()
	if c.GetActiveConnections() != 2 {
		t.Error("Should have 2 active connections")
	}

	c.DecrementConnections()
	if c.GetActiveConnections() != 1 {
		t.Error("Should have 1 active connection")
	}

	c.DecrementConnections()
	if c.GetActiveConnections() != 0 {
		t.Error("Should have 0 active connections")
	}
}

func TestCollectorDials(t *testing.T) {
	c := NewCollector()

	c.IncrementDialsOK()
	c.IncrementDialsOK()
	c.IncrementDialsFail()

	if c.GetDialsOK() != 2 {
		t.Error("Should have 2 successful dials")
	}
	if c.GetDialsFail() != 1 {
		t.Error("Should have 1 failed dial")
	}
}

func TestCollectorGauges(t *testing.T) {
	c := NewCollector()

	c.SetActiveUDPSessions(5)
	if c.GetActiveUDPSessions() != 5 {
		t.Error("Should have 5 active UDP sessions")
	}

	c.SetTunnelClients(3)
	if c.GetTunnelClients() != 3 {
		t.Error("Should have 3 tunnel clients")
	}
}

func TestCollectorSnapshot(t *testing.T) {
	c := NewCollector()

	c.IncrementConnections()
	c.IncrementDialsOK()
	c.IncrementDialsFail()
	c.SetTunnelClients(2)
	c.SetActiveUDPSessions(1)

	snap := c.Snapshot()

	if snap.ActiveConnections != 1 {
		t.Error("Snapshot should have 1 active connection")
	}
	if snap.DialsOK != 1 {
		t.Error("Snapshot should have 1 successful dial")
	}
	if snap.DialsFail != 1 {
		t.Error("Snapshot should have 1 failed dial")
	}
	if snap.TunnelClients != 2 {
		t.Error("Snapshot should have 2 tunnel clients")
	}
	if snap.ActiveUDPSessions != 1 {
		t.Error("Snapshot should have 1 active UDP session")
	}
	if snap.LastAccept.IsZero() {
		t.Error("Snapshot last accept should be populated after an increment")
	}
}

func TestCollectorReset(t *testing.T) {
	c := NewCollector()

	c.IncrementConnections()
	c.IncrementDialsOK()
	c.SetTunnelClients(4)

	c.Reset()

	if c.GetActiveConnections() != 0 {
		t.Error("Active connections should be 0 after reset")
	}
	if c.GetDialsOK() != 0 {
		t.Error("Dials OK should be 0 after reset")
	}
	if c.GetTunnelClients() != 0 {
		t.Error("Tunnel clients should be 0 after reset")
	}
}

func TestConnMetrics(t *testing.T) {
	cm := NewConnMetrics()

	cm.AddIn(100)
	cm.AddOut(50)
	cm.AddIn(25)

	if cm.BytesIn.Load() != 125 {
		t.Errorf("BytesIn = %d, want 125", cm.BytesIn.Load())
	}
	if cm.BytesOut.Load() != 50 {
		t.Errorf("BytesOut = %d, want 50", cm.BytesOut.Load())
	}
}
