// Package config defines Prism's validated configuration schema and
// the viper-backed loader that fills it in.
package config

import (
	"time"

	"github.com/prismproxy/prism/internal/proxysocks"
	"github.com/prismproxy/prism/internal/ratelimit"
)

// Config is the top-level configuration the daemon consumes.
type Config struct {
	Admin   AdminConfig   `yaml:"admin" mapstructure:"admin"`
	Sandbox SandboxConfig `yaml:"sandbox" mapstructure:"sandbox"`

	Routes []RouteConfig `yaml:"routes" mapstructure:"routes" validate:"omitempty,dive"`

	TCP []TCPListenerConfig `yaml:"tcp" mapstructure:"tcp" validate:"omitempty,dive"`
	UDP []UDPListenerConfig `yaml:"udp" mapstructure:"udp" validate:"omitempty,dive"`

	Tunnel TunnelConfig `yaml:"tunnel" mapstructure:"tunnel"`

	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
	Proxy     ProxyConfig     `yaml:"proxy" mapstructure:"proxy"`

	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// AdminConfig configures the read-only admin HTTP surface.
type AdminConfig struct {
	// ListenAddr is where /healthz, /metrics, /conns, /tunnel/services
	// and /reload are served. Empty disables the admin surface.
	ListenAddr string `yaml:"listen_addr" mapstructure:"listen_addr" validate:"omitempty,hostname_port"`
}

// SandboxConfig configures the middleware WASM host.
type SandboxConfig struct {
	// ModuleDir holds the compiled/text WAT middleware modules,
	// keyed by file name. Builtins are materialized here on startup.
	ModuleDir string `yaml:"module_dir" mapstructure:"module_dir" validate:"required"`
}

// RouteConfig is the on-disk shape of one router.RouteConfig entry.
type RouteConfig struct {
	Hosts        []string `yaml:"hosts" mapstructure:"hosts" validate:"required,min=1"`
	Upstreams    []string `yaml:"upstreams" mapstructure:"upstreams" validate:"required,min=1"`
	Middlewares  []string `yaml:"middlewares" mapstructure:"middlewares" validate:"required,min=1"`
	Strategy     string   `yaml:"strategy" mapstructure:"strategy" validate:"omitempty,oneof=sequential random round-robin"`
	CachePingTTL string   `yaml:"cache_ping_ttl" mapstructure:"cache_ping_ttl" validate:"omitempty"`
}

// TCPListenerConfig configures one internal/dataplane/tcp.Listener.
type TCPListenerConfig struct {
	ListenAddr          string `yaml:"listen_addr" mapstructure:"listen_addr" validate:"required,hostname_port"`
	FixedUpstream       string `yaml:"fixed_upstream" mapstructure:"fixed_upstream"`
	MaxHeaderBytes      int    `yaml:"max_header_bytes" mapstructure:"max_header_bytes" validate:"omitempty,min=1"`
	HandshakeTimeout    string `yaml:"handshake_timeout" mapstructure:"handshake_timeout" validate:"omitempty"`
	UpstreamDialTimeout string `yaml:"upstream_dial_timeout" mapstructure:"upstream_dial_timeout" validate:"omitempty"`
	IdleTimeout         string `yaml:"idle_timeout" mapstructure:"idle_timeout" validate:"omitempty"`
	ProxyProtocolV2     bool   `yaml:"proxy_protocol_v2" mapstructure:"proxy_protocol_v2"`
	StatusCacheEnabled  bool   `yaml:"status_cache_enabled" mapstructure:"status_cache_enabled"`
}

// UDPListenerConfig configures one internal/dataplane/udp.Listener.
type UDPListenerConfig struct {
	ListenAddr  string `yaml:"listen_addr" mapstructure:"listen_addr" validate:"required,hostname_port"`
	Upstream    string `yaml:"upstream" mapstructure:"upstream" validate:"required"`
	IdleTimeout string `yaml:"idle_timeout" mapstructure:"idle_timeout" validate:"omitempty"`
	DialTimeout string `yaml:"dial_timeout" mapstructure:"dial_timeout" validate:"omitempty"`
}

// TunnelConfig configures the reverse-tunnel server and, when Mode is
// "client", the outbound client agent instead.
type TunnelConfig struct {
	// Mode is "server" (accept tunnel clients, the common daemon case)
	// or "client" (dial out to a Prism server and register services).
	Mode       string `yaml:"mode" mapstructure:"mode" validate:"omitempty,oneof=server client"`
	Transport  string `yaml:"transport" mapstructure:"transport" validate:"omitempty,oneof=tcp kcp quic"`
	ListenAddr string `yaml:"listen_addr" mapstructure:"listen_addr" validate:"omitempty"`
	ServerAddr string `yaml:"server_addr" mapstructure:"server_addr" validate:"omitempty"`

	// AuthToken is the shared secret register requests are checked
	// against. Empty disables the check (single-tenant/dev use).
	AuthToken string `yaml:"auth_token" mapstructure:"auth_token"`

	QUICInsecureSkipVerify bool `yaml:"quic_insecure_skip_verify" mapstructure:"quic_insecure_skip_verify"`

	DialTimeout string `yaml:"dial_timeout" mapstructure:"dial_timeout" validate:"omitempty"`
	BackoffMin  string `yaml:"backoff_min" mapstructure:"backoff_min" validate:"omitempty"`
	BackoffMax  string `yaml:"backoff_max" mapstructure:"backoff_max" validate:"omitempty"`

	// Services is only consulted in client mode: the local services
	// this agent registers with the server.
	Services []TunnelServiceConfig `yaml:"services" mapstructure:"services" validate:"omitempty,dive"`
}

// TunnelServiceConfig is one client-side service registration.
type TunnelServiceConfig struct {
	Name           string `yaml:"name" mapstructure:"name" validate:"required"`
	Proto          string `yaml:"proto" mapstructure:"proto" validate:"required,oneof=tcp udp"`
	LocalAddr      string `yaml:"local_addr" mapstructure:"local_addr" validate:"required_without=RouteOnly"`
	RouteOnly      bool   `yaml:"route_only" mapstructure:"route_only"`
	RemoteAddr     string `yaml:"remote_addr" mapstructure:"remote_addr"`
	MasqueradeHost string `yaml:"masquerade_host" mapstructure:"masquerade_host"`
}

// RateLimitConfig mirrors internal/ratelimit.Config on disk.
type RateLimitConfig struct {
	Enabled                 bool `yaml:"enabled" mapstructure:"enabled"`
	MaxConnectionsPerIP     int  `yaml:"max_connections_per_ip" mapstructure:"max_connections_per_ip" validate:"omitempty,min=1"`
	MaxConnectionsPerMinute int  `yaml:"max_connections_per_minute" mapstructure:"max_connections_per_minute" validate:"omitempty,min=1"`
	BanDurationSeconds      int  `yaml:"ban_duration_seconds" mapstructure:"ban_duration_seconds" validate:"omitempty,min=1"`
	CleanupIntervalSeconds  int  `yaml:"cleanup_interval_seconds" mapstructure:"cleanup_interval_seconds" validate:"omitempty,min=1"`
}

// ToRatelimit converts the on-disk shape to the ratelimit package's
// runtime config.
func (c RateLimitConfig) ToRatelimit() *ratelimit.Config {
	return &ratelimit.Config{
		Enabled:                 c.Enabled,
		MaxConnectionsPerIP:     c.MaxConnectionsPerIP,
		MaxConnectionsPerMinute: c.MaxConnectionsPerMinute,
		BanDurationSeconds:      c.BanDurationSeconds,
		CleanupIntervalSeconds:  c.CleanupIntervalSeconds,
	}
}

// ProxyConfig mirrors internal/proxysocks.Config on disk.
type ProxyConfig struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	Type     string `yaml:"type" mapstructure:"type" validate:"omitempty,oneof=socks5"`
	Host     string `yaml:"host" mapstructure:"host" validate:"required_if=Enabled true"`
	Port     int    `yaml:"port" mapstructure:"port" validate:"required_if=Enabled true"`
	Username string `yaml:"username" mapstructure:"username"`
	Password string `yaml:"password" mapstructure:"password"`
}

// ToProxysocks converts the on-disk shape to the proxysocks package's
// runtime config.
func (c ProxyConfig) ToProxysocks() *proxysocks.Config {
	return &proxysocks.Config{
		Enabled:  c.Enabled,
		Type:     c.Type,
		Host:     c.Host,
		Port:     c.Port,
		Username: c.Username,
		Password: c.Password,
	}
}

// durationOrDefault parses s as a Go duration, returning def on an
// empty string. Malformed durations are caught at validation time, not
// here, so this never needs to return an error.
func durationOrDefault(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
