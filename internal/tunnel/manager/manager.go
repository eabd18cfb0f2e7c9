// Package manager holds the reverse-tunnel's server-side registry: one
// entry per connected client, one primary client per service name, and
// a watch channel the auto-listener reconciles against on every
// mutation.
package manager

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prismproxy/prism/internal/tunnel/protocol"
	"github.com/prismproxy/prism/internal/tunnel/transport"
)

// RegisteredService is one service a client advertised, after
// normalization by protocol.ReadRegisterRequest.
type RegisteredService = protocol.ServiceDescriptor

// ClientConn is one connected tunnel client: its session and the
// services it most recently registered.
type ClientConn struct {
	ID       string
	Session  transport.Session
	Services []RegisteredService
	Started  time.Time
}

func (c *ClientConn) service(name string) (RegisteredService, bool) {
	for _, svc := range c.Services {
		if svc.Name == name {
			return svc, true
		}
	}
	return RegisteredService{}, false
}

// Manager tracks connected clients and, per service name, which
// client is primary (the one dial/auto-listen traffic is routed to).
type Manager struct {
	mu      sync.RWMutex
	clients map[string]*ClientConn
	primary map[string]string // service name -> client id

	nextID atomic.Uint64

	watch chan struct{}
}

func New() *Manager {
	return &Manager{
		clients: make(map[string]*ClientConn),
		primary: make(map[string]string),
		watch:   make(chan struct{}, 1),
	}
}

// Watch returns a channel that receives a value (non-blocking, best
// effort — coalesced, not queued) on every register/unregister/
// re-election. Callers should re-check state after every receive
// rather than relying on any particular value.
func (m *Manager) Watch() <-chan struct{} { return m.watch }

func (m *Manager) bump() {
	select {
	case m.watch <- struct{}{}:
	default:
	}
}

// NextClientID mints a monotonically increasing client id of the
// form "c-<n>", as spec'd — not a uuid, since these ids are meant to
// be short and log-friendly.
func (m *Manager) NextClientID() string {
	return fmt.Sprintf("c-%d", m.nextID.Add(1))
}

// Register installs a client, closing out any prior client with the
// same id first. Services whose primary was the replaced client (or
// have no primary yet) are (re-)elected, preferring the new client
// when it is the only candidate, otherwise the oldest remaining
// client by Started time (first-writer-wins when there is no prior
// primary).
func (m *Manager) Register(id string, sess transport.Session, services []RegisteredService) *ClientConn {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prior, ok := m.clients[id]; ok {
		m.closeAndReelectLocked(prior)
		if prior.Session != nil && prior.Session != sess {
			_ = prior.Session.Close()
		}
	}

	conn := &ClientConn{ID: id, Session: sess, Services: services, Started: time.Now()}
	m.clients[id] = conn

	for _, svc := range services {
		if _, taken := m.primary[svc.Name]; !taken {
			m.primary[svc.Name] = id
		}
	}

	m.bump()
	return conn
}

// Unregister removes a client and re-elects any service it was
// primary for.
func (m *Manager) Unregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.clients[id]
	if !ok {
		return
	}
	m.closeAndReelectLocked(conn)
	delete(m.clients, id)
	m.bump()
}

// closeAndReelectLocked must be called with mu held. It clears every
// primary entry this client owned and re-elects among the remaining
// clients, preferring the oldest Started timestamp. It does not
// remove the client from m.clients; callers do that themselves
// (Register replaces the entry, Unregister deletes it).
func (m *Manager) closeAndReelectLocked(conn *ClientConn) {
	for _, svc := range conn.Services {
		if m.primary[svc.Name] != conn.ID {
			continue
		}
		delete(m.primary, svc.Name)
		if next := m.oldestCandidateLocked(svc.Name, conn.ID); next != "" {
			m.primary[svc.Name] = next
		}
	}
}

// oldestCandidateLocked returns the id of the oldest-started remaining
// client (other than exclude) that advertises name, or "" if none.
func (m *Manager) oldestCandidateLocked(name, exclude string) string {
	var candidates []*ClientConn
	for id, c := range m.clients {
		if id == exclude {
			continue
		}
		if _, ok := c.service(name); ok {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Started.Before(candidates[j].Started)
	})
	return candidates[0].ID
}

// Primary returns the currently registered-service record and owning
// session for a service's primary client.
func (m *Manager) Primary(name string) (RegisteredService, transport.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.primary[name]
	if !ok {
		return RegisteredService{}, nil, false
	}
	conn, ok := m.clients[id]
	if !ok {
		return RegisteredService{}, nil, false
	}
	svc, ok := conn.service(name)
	return svc, conn.Session, ok
}

// Client returns one connected client by id.
func (m *Manager) Client(id string) (*ClientConn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.clients[id]
	return conn, ok
}

// Services returns a snapshot of every currently registered service,
// across every connected client, for the admin surface.
func (m *Manager) Services() []RegisteredService {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []RegisteredService
	for _, c := range m.clients {
		out = append(out, c.Services...)
	}
	return out
}

// Registration pairs a registered service with the client id that
// advertised it, for consumers (the auto-listener) that need to dial
// back through that specific client.
type Registration struct {
	ClientID string
	Service  RegisteredService
}

// Registrations returns a snapshot of every (client id, service)
// pair currently registered, across every connected client.
func (m *Manager) Registrations() []Registration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Registration
	for id, c := range m.clients {
		for _, svc := range c.Services {
			out = append(out, Registration{ClientID: id, Service: svc})
		}
	}
	return out
}

// ClientCount returns the number of currently connected clients.
func (m *Manager) ClientCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// resolveSession picks the session to dial through: pinnedClientID if
// given and connected, otherwise the service's elected primary.
func (m *Manager) resolveSession(name, pinnedClientID string) (RegisteredService, transport.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if pinnedClientID != "" {
		conn, ok := m.clients[pinnedClientID]
		if !ok {
			return RegisteredService{}, nil, fmt.Errorf("manager: client %q not connected", pinnedClientID)
		}
		svc, ok := conn.service(name)
		if !ok {
			return RegisteredService{}, nil, fmt.Errorf("manager: client %q does not register service %q", pinnedClientID, name)
		}
		return svc, conn.Session, nil
	}

	id, ok := m.primary[name]
	if !ok {
		return RegisteredService{}, nil, fmt.Errorf("manager: no client registers service %q", name)
	}
	conn, ok := m.clients[id]
	if !ok {
		return RegisteredService{}, nil, fmt.Errorf("manager: primary client %q for service %q is gone", id, name)
	}
	svc, ok := conn.service(name)
	return svc, conn.Session, nil
}

// DialTCP opens a substream to the service's owning session carrying
// a PRPX header, returning the stream and the registered-service
// record (the caller needs masquerade_host off of it).
func (m *Manager) DialTCP(ctx context.Context, name, pinnedClientID string) (transport.Stream, RegisteredService, error) {
	return m.dial(ctx, protocol.MagicProxyTCP, name, pinnedClientID)
}

// DialUDP opens a substream to the service's owning session carrying
// a PRPU header.
func (m *Manager) DialUDP(ctx context.Context, name, pinnedClientID string) (transport.Stream, RegisteredService, error) {
	return m.dial(ctx, protocol.MagicProxyUDP, name, pinnedClientID)
}

func (m *Manager) dial(ctx context.Context, magic [4]byte, name, pinnedClientID string) (transport.Stream, RegisteredService, error) {
	svc, sess, err := m.resolveSession(name, pinnedClientID)
	if err != nil {
		return nil, RegisteredService{}, err
	}
	st, err := sess.OpenStream(ctx)
	if err != nil {
		return nil, RegisteredService{}, fmt.Errorf("manager: opening substream for %q: %w", name, err)
	}
	if err := protocol.WriteProxyHeader(st, magic, name); err != nil {
		_ = st.Close()
		return nil, RegisteredService{}, fmt.Errorf("manager: writing proxy header for %q: %w", name, err)
	}
	return st, svc, nil
}
