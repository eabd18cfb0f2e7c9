// Package metrics provides collection and reporting of dataplane metrics
package metrics

import (
	"sync/atomic"
	"time"
)

// Collector holds all proxy metrics
type Collector struct {
	// Connection metrics
	ActiveConnections atomic.Int64
	ActiveUDPSessions atomic.Int64
	TunnelClients     atomic.Int64

	// Dial outcome metrics
	DialsOK   atomic.Uint64
	DialsFail atomic.Uint64

	// Timing metrics
	LastAcceptUnix atomic.Int64
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	return &Collector{}
}

// IncrementConnections increments the active connection count
func (m *Collector) IncrementConnections() {
	m.ActiveConnections.Add(1)
	m.LastAcceptUnix.Store(time.Now().Unix())
}

// DecrementConnections decrements the active connection count
func (m *Collector) DecrementConnections() {
	m.ActiveConnections.Add(-1)
}

// GetActiveConnections returns the current number of active connections
func (m *Collector) GetActiveConnections() int64 {
	return m.ActiveConnections.Load()
}

// SetActiveUDPSessions sets the number of active UDP sessions
func (m *Collector) SetActiveUDPSessions(n int) {
	m.ActiveUDPSessions.Store(int64(n))
}

// GetActiveUDPSessions returns the number of active UDP sessions
func (m *Collector) GetActiveUDPSessions() int64 {
	return m.ActiveUDPSessions.Load()
}

// SetTunnelClients sets the number of currently registered tunnel clients
func (m *Collector) SetTunnelClients(n int) {
	m.TunnelClients.Store(int64(n))
}

// GetTunnelClients returns the number of currently registered tunnel clients
func (m *Collector) GetTunnelClients() int64 {
	return m.TunnelClients.Load()
}

// IncrementDialsOK increments the successful upstream dial counter
func (m *Collector) IncrementDialsOK() {
	m.DialsOK.Add(1)
}

// IncrementDialsFail increments the failed upstream dial counter
func (m *Collector) IncrementDialsFail() {
	m.DialsFail.Add(1)
}

// GetDialsOK returns the total successful upstream dials
func (m *Collector) GetDialsOK() uint64 {
	return m.DialsOK.Load()
}

// GetDialsFail returns the total failed upstream dials
func (m *Collector) GetDialsFail() uint64 {
	return m.DialsFail.Load()
}

// GetLastAccept returns the timestamp of the most recently accepted connection
func (m *Collector) GetLastAccept() time.Time {
	return time.Unix(m.LastAcceptUnix.Load(), 0)
}

// Reset resets all metrics to zero values
func (m *Collector) Reset() {
	m.ActiveConnections.Store(0)
	m.ActiveUDPSessions.Store(0)
	m.TunnelClients.Store(0)
	m.DialsOK.Store(0)
	m.DialsFail.Store(0)
	m.LastAcceptUnix.Store(0)
}

// Snapshot returns a snapshot of current metrics
func (m *Collector) Snapshot() Snapshot {
	return Snapshot{
		ActiveConnections: m.GetActiveConnections(),
		ActiveUDPSessions: m.GetActiveUDPSessions(),
		TunnelClients:     m.GetTunnelClients(),
		DialsOK:           m.GetDialsOK(),
		DialsFail:         m.GetDialsFail(),
		LastAccept:        m.GetLastAccept(),
	}
}

// Snapshot represents a point-in-time view of metrics
type Snapshot struct {
	ActiveConnections int64     `json:"active_connections"`
	ActiveUDPSessions int64     `json:"active_udp_sessions"`
	TunnelClients     int64     `json:"tunnel_clients"`
	DialsOK           uint64    `json:"dials_ok"`
	DialsFail         uint64    `json:"dials_fail"`
	LastAccept        time.Time `json:"last_accept"`
}

// ConnMetrics holds per-connection byte counters. The admin /conns
// endpoint reports the Collector's Snapshot, not these counters.
type ConnMetrics struct {
	BytesIn  atomic.Uint64
	BytesOut atomic.Uint64
}

// NewConnMetrics creates new per-connection metrics
func NewConnMetrics() *ConnMetrics {
	return &ConnMetrics{}
}

// AddIn records bytes read from the client
func (c *ConnMetrics) AddIn(n uint64) {
	c.BytesIn.Add(n)
}

// AddOut records bytes written to the client
func (c *ConnMetrics) AddOut(n uint64) {
	c.BytesOut.Add(n)
}
