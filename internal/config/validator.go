package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Validate validates the config using struct tags, then cross-field
// rules the struct tags can't express: backoff ordering, per-listener
// duration parsing, and tunnel-mode-specific requirements.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateDurations(); err != nil {
		return err
	}
	if err := c.validateTunnel(); err != nil {
		return err
	}
	if len(c.TCP) == 0 && len(c.UDP) == 0 {
		return errors.New("config: at least one tcp or udp listener is required")
	}
	return nil
}

// validateDurations parses every duration-shaped field once at load
// time, so a malformed "5x" surfaces as a startup error rather than
// silently falling back to a default deep in a dataplane listener.
func (c *Config) validateDurations() error {
	check := func(field, value string) error {
		if value == "" {
			return nil
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("config: %s: %w", field, err)
		}
		return nil
	}

	for i, t := range c.TCP {
		if err := check(fmt.Sprintf("tcp[%d].handshake_timeout", i), t.HandshakeTimeout); err != nil {
			return err
		}
		if err := check(fmt.Sprintf("tcp[%d].upstream_dial_timeout", i), t.UpstreamDialTimeout); err != nil {
			return err
		}
		if err := check(fmt.Sprintf("tcp[%d].idle_timeout", i), t.IdleTimeout); err != nil {
			return err
		}
	}
	for i, u := range c.UDP {
		if err := check(fmt.Sprintf("udp[%d].idle_timeout", i), u.IdleTimeout); err != nil {
			return err
		}
		if err := check(fmt.Sprintf("udp[%d].dial_timeout", i), u.DialTimeout); err != nil {
			return err
		}
	}
	if err := check("tunnel.dial_timeout", c.Tunnel.DialTimeout); err != nil {
		return err
	}
	if err := check("tunnel.backoff_min", c.Tunnel.BackoffMin); err != nil {
		return err
	}
	if err := check("tunnel.backoff_max", c.Tunnel.BackoffMax); err != nil {
		return err
	}
	if c.Tunnel.BackoffMin != "" && c.Tunnel.BackoffMax != "" {
		min := durationOrDefault(c.Tunnel.BackoffMin, 0)
		max := durationOrDefault(c.Tunnel.BackoffMax, 0)
		if max < min {
			return fmt.Errorf("config: tunnel.backoff_max (%s) must be >= backoff_min (%s)", c.Tunnel.BackoffMax, c.Tunnel.BackoffMin)
		}
	}
	for i, r := range c.Routes {
		if err := check(fmt.Sprintf("routes[%d].cache_ping_ttl", i), r.CachePingTTL); err != nil {
			return err
		}
	}
	return nil
}

// validateTunnel enforces the requirements that only apply once Mode
// is known: a client agent needs somewhere to dial and something to
// register; a server needs a socket to accept on when any tunnel
// upstream is actually configured in a route or listener.
func (c *Config) validateTunnel() error {
	switch c.Tunnel.Mode {
	case "client":
		if c.Tunnel.ServerAddr == "" {
			return errors.New("config: tunnel.server_addr is required in client mode")
		}
		if len(c.Tunnel.Services) == 0 {
			return errors.New("config: tunnel.services must list at least one service in client mode")
		}
	case "server", "":
		if c.usesTunnelUpstream() && c.Tunnel.ListenAddr == "" {
			return errors.New("config: tunnel.listen_addr is required when any route or listener dials a tunnel: upstream")
		}
	}
	return nil
}

func (c *Config) usesTunnelUpstream() bool {
	for _, r := range c.Routes {
		for _, up := range r.Upstreams {
			if strings.HasPrefix(up, "tunnel:") {
				return true
			}
		}
	}
	for _, u := range c.UDP {
		if strings.HasPrefix(u.Upstream, "tunnel:") {
			return true
		}
	}
	for _, t := range c.TCP {
		if strings.HasPrefix(t.FixedUpstream, "tunnel:") {
			return true
		}
	}
	return false
}

func formatValidationErrors(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		msgs := make([]string, 0, len(verrs))
		for _, e := range verrs {
			msgs = append(msgs, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(msgs, "; "))
	}
	return err
}

func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "required_if", "required_without":
		return fmt.Sprintf("%s is required given the other fields set", field)
	case "min":
		return fmt.Sprintf("%s must have at least %s items", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
