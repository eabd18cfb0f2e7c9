// Package ratelimit admits or rejects new connections per source IP,
// protecting listeners from a single client (or a small botnet) opening
// far more connections than any legitimate player/service would.
package ratelimit

import (
	"net"
	"sync"
	"time"
)

// Config controls admission limits. A zero value with Enabled false
// disables all checks; AllowConnection always returns true.
type Config struct {
	Enabled bool `json:"enabled"`

	// MaxConnectionsPerIP caps concurrent connections from one IP. Zero
	// means unlimited.
	MaxConnectionsPerIP int `json:"max_connections_per_ip"`

	// MaxConnectionsPerMinute caps new connections per IP within a
	// rolling one-minute window; exceeding it bans the IP. Zero means
	// unlimited.
	MaxConnectionsPerMinute int `json:"max_connections_per_minute"`

	// BanDurationSeconds is how long an IP stays rejected after tripping
	// the per-minute limit.
	BanDurationSeconds int `json:"ban_duration_seconds"`

	// CleanupIntervalSeconds is how often idle per-IP entries are swept
	// out of memory. Zero disables the sweep goroutine.
	CleanupIntervalSeconds int `json:"cleanup_interval_seconds"`
}

// ipWindow is the admission state tracked for one source IP.
type ipWindow struct {
	mu          sync.Mutex
	active      int
	recent      []time.Time
	bannedUntil time.Time
}

// Limiter admits connections against a Config, keyed by source IP.
type Limiter struct {
	cfg *Config

	mu      sync.RWMutex
	windows map[string]*ipWindow
}

// NewLimiter builds a Limiter. A nil cfg disables admission control
// entirely rather than panicking, so callers can wire a *Limiter
// unconditionally and let Config decide whether it does anything.
func NewLimiter(cfg *Config) *Limiter {
	if cfg == nil {
		cfg = &Config{}
	}

	l := &Limiter{
		cfg:     cfg,
		windows: make(map[string]*ipWindow),
	}

	if cfg.Enabled && cfg.CleanupIntervalSeconds > 0 {
		go l.sweepLoop()
	}

	return l
}

func (l *Limiter) windowFor(ip string) *ipWindow {
	l.mu.RLock()
	w, ok := l.windows[ip]
	l.mu.RUnlock()
	if ok {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok = l.windows[ip]; ok {
		return w
	}
	w = &ipWindow{recent: make([]time.Time, 0, l.cfg.MaxConnectionsPerMinute)}
	l.windows[ip] = w
	return w
}

// AllowConnection reports whether a new connection from addr may
// proceed, recording it against the per-IP counters if so.
func (l *Limiter) AllowConnection(addr net.Addr) bool {
	if !l.cfg.Enabled {
		return true
	}

	ip := extractIP(addr)
	if ip == "" {
		return false
	}

	w := l.windowFor(ip)
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	if now.Before(w.bannedUntil) {
		return false
	}

	if l.cfg.MaxConnectionsPerIP > 0 && w.active >= l.cfg.MaxConnectionsPerIP {
		return false
	}

	if l.cfg.MaxConnectionsPerMinute > 0 {
		cutoff := now.Add(-time.Minute)
		kept := w.recent[:0]
		for _, t := range w.recent {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		w.recent = kept

		if len(w.recent) >= l.cfg.MaxConnectionsPerMinute {
			w.bannedUntil = now.Add(time.Duration(l.cfg.BanDurationSeconds) * time.Second)
			return false
		}
		w.recent = append(w.recent, now)
	}

	w.active++
	return true
}

// ReleaseConnection decrements the active-connection count for addr's
// IP. Call it once per connection previously admitted by
// AllowConnection, on close.
func (l *Limiter) ReleaseConnection(addr net.Addr) {
	if !l.cfg.Enabled {
		return
	}

	ip := extractIP(addr)
	if ip == "" {
		return
	}

	l.mu.RLock()
	w, ok := l.windows[ip]
	l.mu.RUnlock()
	if !ok {
		return
	}

	w.mu.Lock()
	if w.active > 0 {
		w.active--
	}
	w.mu.Unlock()
}

// IsBanned reports whether addr's IP is currently serving out a ban.
func (l *Limiter) IsBanned(addr net.Addr) bool {
	if !l.cfg.Enabled {
		return false
	}

	ip := extractIP(addr)
	if ip == "" {
		return false
	}

	l.mu.RLock()
	w, ok := l.windows[ip]
	l.mu.RUnlock()
	if !ok {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return time.Now().Before(w.bannedUntil)
}

// Stats is a point-in-time view of one IP's admission state.
type Stats struct {
	IP                  string    `json:"ip"`
	ActiveConnections   int       `json:"active_connections"`
	ConnectionsInWindow int       `json:"connections_in_window"`
	Banned              bool      `json:"banned"`
	BannedUntil         time.Time `json:"banned_until,omitempty"`
}

// GetStats returns the current admission state for addr's IP. An IP
// never seen before reports a zeroed, non-banned Stats rather than nil.
func (l *Limiter) GetStats(addr net.Addr) *Stats {
	ip := extractIP(addr)
	if ip == "" {
		return nil
	}

	l.mu.RLock()
	w, ok := l.windows[ip]
	l.mu.RUnlock()
	if !ok {
		return &Stats{IP: ip}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return &Stats{
		IP:                  ip,
		ActiveConnections:   w.active,
		ConnectionsInWindow: len(w.recent),
		Banned:              time.Now().Before(w.bannedUntil),
		BannedUntil:         w.bannedUntil,
	}
}

// GlobalStats summarizes admission state across every tracked IP.
type GlobalStats struct {
	TrackedIPs     int `json:"tracked_ips"`
	TotalActive    int `json:"total_active"`
	BannedIPs      int `json:"banned_ips"`
	MaxPerIP       int `json:"max_per_ip"`
	MaxPerMinute   int `json:"max_per_minute"`
	BanDurationSec int `json:"ban_duration_sec"`
}

// GetGlobalStats aggregates every tracked IP's state.
func (l *Limiter) GetGlobalStats() GlobalStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := GlobalStats{
		TrackedIPs:     len(l.windows),
		MaxPerIP:       l.cfg.MaxConnectionsPerIP,
		MaxPerMinute:   l.cfg.MaxConnectionsPerMinute,
		BanDurationSec: l.cfg.BanDurationSeconds,
	}

	now := time.Now()
	for _, w := range l.windows {
		w.mu.Lock()
		out.TotalActive += w.active
		if now.Before(w.bannedUntil) {
			out.BannedIPs++
		}
		w.mu.Unlock()
	}

	return out
}

// sweepLoop periodically evicts idle entries so a long-running daemon
// doesn't accumulate one window per IP it has ever seen.
func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(time.Duration(l.cfg.CleanupIntervalSeconds) * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		l.cleanup()
	}
}

// idleRetention is how long a quiet, unbanned IP's window is kept
// before cleanup() reclaims it.
const idleRetention = 5 * time.Minute

func (l *Limiter) cleanup() {
	now := time.Now()
	cutoff := now.Add(-idleRetention)

	l.mu.Lock()
	defer l.mu.Unlock()

	for ip, w := range l.windows {
		w.mu.Lock()
		idle := w.active == 0 &&
			now.After(w.bannedUntil) &&
			(len(w.recent) == 0 || w.recent[len(w.recent)-1].Before(cutoff))
		w.mu.Unlock()

		if idle {
			delete(l.windows, ip)
		}
	}
}

// extractIP pulls the bare IP out of addr, stripping the port so
// multiple connections from the same host share one window regardless
// of source port.
func extractIP(addr net.Addr) string {
	switch v := addr.(type) {
	case *net.TCPAddr:
		return v.IP.String()
	case *net.UDPAddr:
		return v.IP.String()
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}
