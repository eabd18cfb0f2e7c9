package tcp

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/prismproxy/prism/internal/prelude"
	"github.com/prismproxy/prism/internal/router"
	"golang.org/x/sync/singleflight"
)

// statusCacheKey identifies one cached Minecraft status response: the
// upstream it came from and the protocol version the client asked
// with (status responses can vary by protocol version).
type statusCacheKey struct {
	upstream        string
	protocolVersion int32
}

func (k statusCacheKey) String() string {
	return fmt.Sprintf("%s|%d", k.upstream, k.protocolVersion)
}

type statusCacheEntry struct {
	frame   []byte
	expires time.Time
}

// statusCache holds recently fetched StatusResponse frames, deduping
// concurrent misses for the same key through a singleflight group so a
// burst of pings against a cold upstream triggers one real probe.
type statusCache struct {
	sf singleflight.Group

	mu      sync.Mutex
	entries map[statusCacheKey]statusCacheEntry
}

func newStatusCache() *statusCache {
	return &statusCache{entries: make(map[statusCacheKey]statusCacheEntry)}
}

func (c *statusCache) get(key statusCacheKey, ttl time.Duration, fetch func() ([]byte, error)) ([]byte, error) {
	c.mu.Lock()
	entry, ok := c.entries[key]
	c.mu.Unlock()
	if ok && time.Now().Before(entry.expires) {
		return entry.frame, nil
	}

	v, err, _ := c.sf.Do(key.String(), func() (any, error) {
		return fetch()
	})
	if err != nil {
		return nil, err
	}
	frame := v.([]byte)

	c.mu.Lock()
	c.entries[key] = statusCacheEntry{frame: frame, expires: time.Now().Add(ttl)}
	c.mu.Unlock()
	return frame, nil
}

// maybeServeStatusCache intercepts a Minecraft status handshake
// (next_state=1) on a cacheable route and serves it entirely out of
// the cache path, never handing the connection to the normal
// dial/splice flow. It returns false (and leaves conn untouched
// beyond the routing capture) for anything that isn't a cacheable
// status ping, so the caller can fall through to its normal handling.
func (l *Listener) maybeServeStatusCache(conn io.ReadWriter, res *router.Resolution, buf []byte) bool {
	if l.cache == nil || res.Route == nil || res.Route.CachePingTTL() <= 0 {
		return false
	}

	hs, hsLen, status := prelude.DecodeHandshake(buf)
	if status != prelude.Complete || hs.NextState != 1 {
		return false
	}
	if len(res.Upstreams) == 0 {
		return false
	}

	rest := buf[hsLen:]
	rest, ok := readFullPacket(conn, rest, l.cfg.MaxHeaderBytes)
	if !ok {
		return true // connection already consumed/closed; nothing left to hand off
	}
	// rest now holds exactly the StatusRequest packet (and nothing
	// more); a well-behaved client sends it as [0x01, 0x00].

	candidate := res.Upstreams[0]
	key := statusCacheKey{
		upstream:        normalizeUpstream(candidate),
		protocolVersion: hs.ProtocolVersion,
	}

	frame, err := l.cache.get(key, res.Route.CachePingTTL(), func() ([]byte, error) {
		return l.fetchStatusResponse(context.Background(), candidate, buf[:hsLen])
	})
	if err != nil {
		l.log.Error("status cache fetch for %s: %v", candidate, err)
		return true
	}

	if _, err := conn.Write(frame); err != nil {
		return true
	}
	l.echoPing(conn)
	return true
}

// echoPing reads one Ping packet and writes it back byte-for-byte; a
// Minecraft Pong packet is structurally identical to the Ping that
// prompted it, just echoed.
func (l *Listener) echoPing(conn io.ReadWriter) {
	buf := make([]byte, 0, 16)
	buf, ok := readFullPacket(conn, buf, 64)
	if !ok {
		return
	}
	_, _ = conn.Write(buf)
}

// readFullPacket blocks reads against conn until buf holds one
// complete VarInt-length-prefixed packet, returning the exact packet
// bytes (nothing from the next packet, if any arrived in the same
// read). ok is false if the connection errored or the packet would
// exceed limit bytes.
func readFullPacket(conn io.ReadWriter, buf []byte, limit int) ([]byte, bool) {
	for {
		length, n, st := prelude.DecodeVarInt(buf)
		if st == prelude.Complete {
			total := n + int(length)
			if total > limit {
				return nil, false
			}
			for len(buf) < total {
				chunk := make([]byte, 4096)
				m, err := conn.Read(chunk)
				if err != nil {
					return nil, false
				}
				buf = append(buf, chunk[:m]...)
			}
			return buf[:total], true
		}
		if st == prelude.Malformed || len(buf) > limit {
			return nil, false
		}
		chunk := make([]byte, 4096)
		m, err := conn.Read(chunk)
		if err != nil {
			return nil, false
		}
		buf = append(buf, chunk[:m]...)
	}
}

// fetchStatusResponse dials candidate fresh, replays the captured
// handshake bytes followed by a StatusRequest packet, and returns the
// upstream's raw StatusResponse frame.
func (l *Listener) fetchStatusResponse(ctx context.Context, candidate string, handshake []byte) ([]byte, error) {
	upstream, _, _, err := l.dialCandidate(ctx, candidate, nil, 0)
	if err != nil {
		return nil, fmt.Errorf("dataplane/tcp: status probe dial %s: %w", candidate, err)
	}
	defer upstream.Close()

	if _, err := upstream.Write(handshake); err != nil {
		return nil, fmt.Errorf("dataplane/tcp: status probe handshake write: %w", err)
	}
	if _, err := upstream.Write([]byte{0x01, 0x00}); err != nil {
		return nil, fmt.Errorf("dataplane/tcp: status probe request write: %w", err)
	}

	frame, ok := readFullPacket(upstream, nil, l.cfg.MaxHeaderBytes)
	if !ok {
		return nil, fmt.Errorf("dataplane/tcp: status probe %s: bad response", candidate)
	}
	return frame, nil
}

func normalizeUpstream(candidate string) string {
	return strings.ToLower(strings.TrimSpace(candidate))
}
