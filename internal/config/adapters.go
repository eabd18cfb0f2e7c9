package config

import (
	"fmt"

	"github.com/prismproxy/prism/internal/dataplane/tcp"
	"github.com/prismproxy/prism/internal/dataplane/udp"
	"github.com/prismproxy/prism/internal/router"
	"github.com/prismproxy/prism/internal/tunnel/transport"
)

// NewTransport builds the tunnel carrier named by Tunnel.Transport.
func (c *Config) NewTransport() (transport.Transport, error) {
	dialTimeout := durationOrDefault(c.Tunnel.DialTimeout, 0)
	switch c.Tunnel.Transport {
	case "", "tcp":
		return transport.NewTCPTransport(dialTimeout), nil
	case "kcp":
		return transport.NewKCPTransport(), nil
	case "quic":
		return transport.NewQUICTransport(nil, c.Tunnel.QUICInsecureSkipVerify)
	default:
		return nil, fmt.Errorf("config: unknown tunnel.transport %q", c.Tunnel.Transport)
	}
}

// ToTCPConfig converts the on-disk listener shape into the runtime
// tcp.Config, leaving the shared collaborators (router, sandbox,
// manager, metrics, rate limiter, proxy dialer) for the caller to
// attach, since those are process-wide singletons this package
// doesn't own.
func (t TCPListenerConfig) ToTCPConfig() tcp.Config {
	return tcp.Config{
		ListenAddr:          t.ListenAddr,
		FixedUpstream:       t.FixedUpstream,
		MaxHeaderBytes:      t.MaxHeaderBytes,
		HandshakeTimeout:    durationOrDefault(t.HandshakeTimeout, 0),
		UpstreamDialTimeout: durationOrDefault(t.UpstreamDialTimeout, 0),
		IdleTimeout:         durationOrDefault(t.IdleTimeout, 0),
		ProxyProtocolV2:     t.ProxyProtocolV2,
		StatusCacheEnabled:  t.StatusCacheEnabled,
	}
}

// ToUDPConfig converts the on-disk listener shape into the runtime
// udp.Config.
func (u UDPListenerConfig) ToUDPConfig() udp.Config {
	return udp.Config{
		ListenAddr:  u.ListenAddr,
		Upstream:    u.Upstream,
		IdleTimeout: durationOrDefault(u.IdleTimeout, 0),
		DialTimeout: durationOrDefault(u.DialTimeout, 0),
	}
}

// ToRouterConfig converts every configured route into router.RouteConfig,
// ready for router.Compile/Update.
func (c *Config) ToRouterConfig() []router.RouteConfig {
	out := make([]router.RouteConfig, 0, len(c.Routes))
	for _, r := range c.Routes {
		out = append(out, router.RouteConfig{
			Hosts:        r.Hosts,
			Upstreams:    r.Upstreams,
			Middlewares:  r.Middlewares,
			Strategy:     router.Strategy(r.Strategy),
			CachePingTTL: durationOrDefault(r.CachePingTTL, 0),
		})
	}
	return out
}
