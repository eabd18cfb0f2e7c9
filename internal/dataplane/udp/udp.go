// Package udp implements the public UDP dataplane: one bound socket
// fanning datagrams out to a per-peer session, each session owning a
// bounded outbound queue and a task that relays to either a direct
// ephemeral upstream socket or a tunnel-carried UDP substream.
package udp

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/prismproxy/prism/internal/metrics"
	"github.com/prismproxy/prism/internal/tunnel/manager"
	"github.com/prismproxy/prism/internal/tunnel/protocol"
	"github.com/prismproxy/prism/pkg/logger"
)

const (
	sessionQueueCapacity = 128
	maxDatagramBytes     = 1 << 20
	tunnelUpstreamPrefix = "tunnel:"
)

// Config controls one UDP listener bound to a single (possibly
// tunneled) upstream.
type Config struct {
	ListenAddr  string
	Upstream    string
	IdleTimeout time.Duration
	DialTimeout time.Duration

	Manager *manager.Manager
	Metrics *metrics.Collector
}

// sessionState names the per-peer lifecycle stage; only used for
// logging/introspection, since eviction is driven by lastSeen rather
// than an explicit transition out of Idle.
type sessionState int

const (
	stateActive sessionState = iota
	stateIdle
	stateGone
)

// session is one peer's outbound relay: a bounded queue the acceptor
// feeds and a task goroutine that drains it to the upstream while
// relaying upstream datagrams back to the peer.
type session struct {
	queue  chan []byte
	cancel context.CancelFunc

	mu       sync.Mutex
	lastSeen time.Time
	state    sessionState
}

func newSession(cancel context.CancelFunc) *session {
	return &session{
		queue:    make(chan []byte, sessionQueueCapacity),
		cancel:   cancel,
		lastSeen: time.Now(),
		state:    stateActive,
	}
}

func (s *session) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.state = stateActive
	s.mu.Unlock()
}

func (s *session) idleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastSeen)
}

// Listener binds the public UDP socket and fans datagrams out to
// per-peer sessions.
type Listener struct {
	cfg Config
	log *logger.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

func New(cfg Config) *Listener {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	return &Listener{cfg: cfg, log: logger.New("dataplane-udp"), sessions: make(map[string]*session)}
}

// Run binds the socket, serves datagrams, and sweeps idle sessions
// until ctx is canceled.
func (l *Listener) Run(ctx context.Context) error {
	laddr, err := net.ResolveUDPAddr("udp", l.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("dataplane/udp: resolve %s: %w", l.cfg.ListenAddr, err)
	}
	pc, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return fmt.Errorf("dataplane/udp: listen %s: %w", l.cfg.ListenAddr, err)
	}
	defer pc.Close()

	go func() {
		<-ctx.Done()
		_ = pc.Close()
	}()
	go l.sweep(ctx)

	l.log.Info("udp dataplane listening on %s -> %s", l.cfg.ListenAddr, l.cfg.Upstream)

	buf := make([]byte, maxDatagramBytes)
	for {
		n, src, err := pc.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("dataplane/udp: read: %w", err)
			}
		}
		if n > maxDatagramBytes {
			continue
		}
		payload := append([]byte(nil), buf[:n]...)
		l.dispatch(ctx, pc, src, payload)
	}
}

// dispatch hands payload to the peer's session queue, creating one on
// first contact and discarding-and-recreating on a full queue.
func (l *Listener) dispatch(ctx context.Context, pc *net.UDPConn, src *net.UDPAddr, payload []byte) {
	key := src.String()

	l.mu.Lock()
	s, ok := l.sessions[key]
	l.mu.Unlock()

	if !ok {
		var err error
		s, err = l.newSession(ctx, pc, src)
		if err != nil {
			l.log.Error("udp session dial for %s: %v", src, err)
			return
		}
		l.mu.Lock()
		l.sessions[key] = s
		l.mu.Unlock()
		if l.cfg.Metrics != nil {
			l.mu.Lock()
			l.cfg.Metrics.SetActiveUDPSessions(len(l.sessions))
			l.mu.Unlock()
		}
	}

	s.touch()
	select {
	case s.queue <- payload:
		return
	default:
	}

	// Queue full: discard this session and recreate, best-effort
	// re-enqueuing the datagram that triggered it.
	l.mu.Lock()
	delete(l.sessions, key)
	l.mu.Unlock()
	s.cancel()

	fresh, err := l.newSession(ctx, pc, src)
	if err != nil {
		l.log.Error("udp session re-dial for %s: %v", src, err)
		return
	}
	l.mu.Lock()
	l.sessions[key] = fresh
	l.mu.Unlock()

	select {
	case fresh.queue <- payload:
	default:
	}
}

func (l *Listener) newSession(ctx context.Context, pc *net.UDPConn, src *net.UDPAddr) (*session, error) {
	sessCtx, cancel := context.WithCancel(ctx)

	if name, ok := strings.CutPrefix(l.cfg.Upstream, tunnelUpstreamPrefix); ok {
		stream, _, err := l.cfg.Manager.DialUDP(sessCtx, name, "")
		if err != nil {
			cancel()
			return nil, err
		}
		s := newSession(cancel)
		go relayOutbound(sessCtx, s, func(p []byte) error { return protocol.WriteDatagram(stream, p) })
		go func() {
			defer s.cancel()
			for {
				p, err := protocol.ReadDatagram(stream)
				if err != nil {
					return
				}
				s.touch()
				if _, err := pc.WriteToUDP(p, src); err != nil {
					return
				}
			}
		}()
		go func() {
			<-sessCtx.Done()
			_ = stream.Close()
		}()
		return s, nil
	}

	dialCtx, dialCancel := context.WithTimeout(sessCtx, l.cfg.DialTimeout)
	defer dialCancel()
	raddr, err := net.ResolveUDPAddr("udp", l.cfg.Upstream)
	if err != nil {
		cancel()
		return nil, err
	}
	conn, err := (&net.Dialer{}).DialContext(dialCtx, "udp", raddr.String())
	if err != nil {
		cancel()
		return nil, err
	}
	udpConn := conn.(*net.UDPConn)

	s := newSession(cancel)
	go relayOutbound(sessCtx, s, func(p []byte) error {
		_, err := udpConn.Write(p)
		return err
	})
	go func() {
		defer s.cancel()
		buf := make([]byte, maxDatagramBytes)
		for {
			n, err := udpConn.Read(buf)
			if err != nil {
				return
			}
			s.touch()
			if _, err := pc.WriteToUDP(buf[:n], src); err != nil {
				return
			}
		}
	}()
	go func() {
		<-sessCtx.Done()
		_ = udpConn.Close()
	}()
	return s, nil
}

// relayOutbound drains a session's queue to send until the session is
// canceled (by the sweeper, by a queue-full discard, or by Run
// shutting down).
func relayOutbound(ctx context.Context, s *session, send func([]byte) error) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-s.queue:
			if err := send(p); err != nil {
				s.cancel()
				return
			}
		}
	}
}

func (l *Listener) sweep(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.IdleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.mu.Lock()
			for key, s := range l.sessions {
				if s.idleFor() > l.cfg.IdleTimeout {
					s.mu.Lock()
					s.state = stateGone
					s.mu.Unlock()
					s.cancel()
					delete(l.sessions, key)
				} else if s.idleFor() > l.cfg.IdleTimeout/2 {
					s.mu.Lock()
					s.state = stateIdle
					s.mu.Unlock()
				}
			}
			if l.cfg.Metrics != nil {
				l.cfg.Metrics.SetActiveUDPSessions(len(l.sessions))
			}
			l.mu.Unlock()
		}
	}
}
