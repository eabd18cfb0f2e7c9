// Package tcp implements the public TCP dataplane: accept a
// connection, capture its prelude, resolve a route, dial the winning
// upstream candidate (direct or through the reverse tunnel), rewrite
// the prelude, and splice the two sides together.
package tcp

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/prismproxy/prism/internal/metrics"
	"github.com/prismproxy/prism/internal/prelude"
	"github.com/prismproxy/prism/internal/proxysocks"
	"github.com/prismproxy/prism/internal/ratelimit"
	"github.com/prismproxy/prism/internal/router"
	"github.com/prismproxy/prism/internal/tunnel/manager"
	"github.com/prismproxy/prism/internal/wasmsandbox"
	"github.com/prismproxy/prism/pkg/logger"
)

const (
	defaultMaxHeaderBytes = 64 * 1024
	defaultMinecraftPort  = 25565
	tunnelUpstreamPrefix  = "tunnel:"
)

// Config controls one TCP listener. FixedUpstream, when non-empty, runs
// the listener as a forward handler: no prelude capture or route
// resolution, upstream dialing and splicing only.
type Config struct {
	ListenAddr          string
	FixedUpstream       string
	MaxHeaderBytes      int
	HandshakeTimeout    time.Duration
	UpstreamDialTimeout time.Duration
	IdleTimeout         time.Duration
	ProxyProtocolV2     bool

	Router      *router.Router
	Sandbox     *wasmsandbox.Provider
	Manager     *manager.Manager
	Metrics     *metrics.Collector
	RateLimiter *ratelimit.Limiter
	ProxyDialer *proxysocks.ProxyDialer

	StatusCacheEnabled bool
}

// Listener accepts and serves connections for one Config.
type Listener struct {
	cfg       Config
	log       *logger.Logger
	cache     *statusCache
	localPort int
}

func New(cfg Config) *Listener {
	if cfg.MaxHeaderBytes <= 0 {
		cfg.MaxHeaderBytes = defaultMaxHeaderBytes
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.UpstreamDialTimeout <= 0 {
		cfg.UpstreamDialTimeout = 5 * time.Second
	}
	l := &Listener{cfg: cfg, log: logger.New("dataplane-tcp")}
	if cfg.StatusCacheEnabled {
		l.cache = newStatusCache()
	}
	return l
}

// Run binds the public socket and accepts connections until ctx is
// canceled.
func (l *Listener) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("dataplane/tcp: listen %s: %w", l.cfg.ListenAddr, err)
	}
	defer ln.Close()

	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		l.localPort = tcpAddr.Port
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	l.log.Info("tcp dataplane listening on %s", l.cfg.ListenAddr)
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("dataplane/tcp: accept: %w", err)
			}
		}

		if l.cfg.RateLimiter != nil && !l.cfg.RateLimiter.AllowConnection(conn.RemoteAddr()) {
			l.log.Error("rejecting %s: rate limit exceeded", conn.RemoteAddr())
			_ = conn.Close()
			continue
		}

		go l.handleConn(ctx, conn)
	}
}

func (l *Listener) handleConn(ctx context.Context, conn net.Conn) {
	if l.cfg.Metrics != nil {
		l.cfg.Metrics.IncrementConnections()
	}
	defer func() {
		if l.cfg.Metrics != nil {
			l.cfg.Metrics.DecrementConnections()
		}
		if l.cfg.RateLimiter != nil {
			l.cfg.RateLimiter.ReleaseConnection(conn.RemoteAddr())
		}
		_ = conn.Close()
	}()

	if l.cfg.FixedUpstream != "" {
		l.forward(ctx, conn)
		return
	}
	l.route(ctx, conn)
}

// forward dials the fixed upstream with no capture or rewrite pass.
func (l *Listener) forward(ctx context.Context, conn net.Conn) {
	upstream, _, label, err := l.dialCandidate(ctx, l.cfg.FixedUpstream, nil, 0)
	if err != nil {
		l.log.Error("dialing fixed upstream %s: %v", l.cfg.FixedUpstream, err)
		if l.cfg.Metrics != nil {
			l.cfg.Metrics.IncrementDialsFail()
		}
		return
	}
	defer upstream.Close()
	if l.cfg.Metrics != nil {
		l.cfg.Metrics.IncrementDialsOK()
	}

	if l.cfg.ProxyProtocolV2 {
		if err := writeProxyProtocolV2(upstream, conn.RemoteAddr(), conn.LocalAddr()); err != nil {
			l.log.Error("writing proxy protocol header to %s: %v", label, err)
			return
		}
	}
	spliceIdle(conn, upstream, l.cfg.IdleTimeout)
}

// route captures the prelude, resolves a route, dials the winning
// candidate, rewrites the prelude, and splices.
func (l *Listener) route(ctx context.Context, conn net.Conn) {
	deadline := time.Now().Add(l.cfg.HandshakeTimeout)
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)

	var res *router.Resolution
	for {
		_ = conn.SetReadDeadline(deadline)
		n, err := conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if len(buf) > l.cfg.MaxHeaderBytes {
			l.log.Error("prelude from %s exceeded %d bytes", conn.RemoteAddr(), l.cfg.MaxHeaderBytes)
			return
		}

		r, status := l.cfg.Router.ResolveFromPrelude(ctx, buf)
		switch status {
		case router.ResolveMatched:
			res = r
		case router.ResolveNoMatch:
			return
		case router.ResolveNeedMoreData:
			if err != nil {
				return
			}
			continue
		}
		if res != nil {
			break
		}
		if err != nil {
			return
		}
	}
	_ = conn.SetReadDeadline(time.Time{})

	if l.maybeServeStatusCache(conn, res, buf) {
		return
	}

	hs, _, hsStatus := prelude.DecodeHandshake(buf)
	var handshakePort uint16
	if hsStatus == prelude.Complete {
		handshakePort = hs.Port
	}

	upstream, svc, label, err := l.dialFirst(ctx, res.Upstreams, res.Captures, handshakePort)
	if err != nil {
		l.log.Error("all upstream candidates failed for %s: %v", res.Host, err)
		return
	}
	defer upstream.Close()

	selected := label
	if svc.MasqueradeHost != "" {
		selected = router.SubstituteCaptures(svc.MasqueradeHost, res.Captures)
	}

	preludeBytes := buf
	if res.PreludeOverride != nil {
		preludeBytes = res.PreludeOverride
	}
	rewritten := l.cfg.Sandbox.RewriteChain(ctx, res.Chain, preludeBytes, selected)

	if l.cfg.ProxyProtocolV2 {
		if err := writeProxyProtocolV2(upstream, conn.RemoteAddr(), conn.LocalAddr()); err != nil {
			l.log.Error("writing proxy protocol header to %s: %v", selected, err)
			return
		}
	}
	if _, err := upstream.Write(rewritten); err != nil {
		l.log.Error("writing prelude to %s: %v", selected, err)
		return
	}

	spliceIdle(conn, upstream, l.cfg.IdleTimeout)
}

// dialFirst tries every candidate in order, returning the first that
// succeeds.
func (l *Listener) dialFirst(ctx context.Context, candidates []string, captures []string, handshakePort uint16) (io.ReadWriteCloser, manager.RegisteredService, string, error) {
	var lastErr error
	for _, candidate := range candidates {
		stream, svc, label, err := l.dialCandidate(ctx, candidate, captures, handshakePort)
		if err != nil {
			lastErr = err
			if l.cfg.Metrics != nil {
				l.cfg.Metrics.IncrementDialsFail()
			}
			continue
		}
		if l.cfg.Metrics != nil {
			l.cfg.Metrics.IncrementDialsOK()
		}
		return stream, svc, label, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("dataplane/tcp: no upstream candidates")
	}
	return nil, manager.RegisteredService{}, "", lastErr
}

func (l *Listener) dialCandidate(ctx context.Context, candidate string, captures []string, handshakePort uint16) (io.ReadWriteCloser, manager.RegisteredService, string, error) {
	if name, ok := strings.CutPrefix(candidate, tunnelUpstreamPrefix); ok {
		stream, svc, err := l.cfg.Manager.DialTCP(ctx, name, "")
		if err != nil {
			return nil, manager.RegisteredService{}, candidate, err
		}
		return stream, svc, candidate, nil
	}

	addr := ensurePort(candidate, l.defaultPort(handshakePort))
	dialCtx, cancel := context.WithTimeout(ctx, l.cfg.UpstreamDialTimeout)
	defer cancel()

	if l.cfg.ProxyDialer != nil && l.cfg.ProxyDialer.IsEnabled() {
		conn, err := l.cfg.ProxyDialer.DialContext(dialCtx, "tcp", addr)
		return conn, manager.RegisteredService{}, candidate, err
	}
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	return conn, manager.RegisteredService{}, candidate, err
}

func (l *Listener) defaultPort(handshakePort uint16) int {
	if handshakePort != 0 {
		return int(handshakePort)
	}
	if l.localPort != 0 {
		return l.localPort
	}
	return defaultMinecraftPort
}

// hasPort reports whether addr already carries a port, looking for a
// ':' after the last ']' so bracketed IPv6 literals aren't mistaken
// for host:port.
func hasPort(addr string) bool {
	rest := addr
	if idx := strings.LastIndex(addr, "]"); idx >= 0 {
		rest = addr[idx+1:]
	}
	return strings.Contains(rest, ":")
}

func ensurePort(addr string, port int) string {
	if hasPort(addr) {
		return addr
	}
	return addr + ":" + strconv.Itoa(port)
}

// spliceIdle copies in both directions until one side errors or idle
// elapses with no traffic in either direction, then closes both.
func spliceIdle(a, b io.ReadWriteCloser, idle time.Duration) {
	activity := make(chan struct{}, 1)
	done := make(chan struct{}, 2)

	cp := func(dst io.Writer, src io.Reader) {
		buf := make([]byte, 32*1024)
		for {
			n, err := src.Read(buf)
			if n > 0 {
				select {
				case activity <- struct{}{}:
				default:
				}
				if _, werr := dst.Write(buf[:n]); werr != nil {
					break
				}
			}
			if err != nil {
				break
			}
		}
		done <- struct{}{}
	}
	go cp(b, a)
	go cp(a, b)

	if idle <= 0 {
		<-done
		_ = a.Close()
		_ = b.Close()
		<-done
		return
	}

	timer := time.NewTimer(idle)
	defer timer.Stop()
	remaining := 2
	for remaining > 0 {
		select {
		case <-done:
			remaining--
			if remaining == 1 {
				_ = a.Close()
				_ = b.Close()
			}
		case <-activity:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(idle)
		case <-timer.C:
			_ = a.Close()
			_ = b.Close()
		}
	}
}
