// Package client implements the reverse-tunnel client: it connects
// out to a Prism server, registers its local services, and then
// serves every proxy substream the server dials back against a local
// address.
package client

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"time"

	"github.com/prismproxy/prism/internal/tunnel/protocol"
	"github.com/prismproxy/prism/internal/tunnel/transport"
	"github.com/prismproxy/prism/pkg/logger"
)

// LocalService is one locally reachable endpoint the client proxies
// traffic to, keyed by the name advertised in the register request.
type LocalService struct {
	Name      string
	Proto     string // "tcp" or "udp"
	LocalAddr string
}

// Config controls one client's connect/reconnect/register behavior.
type Config struct {
	Transport   transport.Transport
	ServerAddr  string
	Token       string
	Services    []protocol.ServiceDescriptor
	Local       map[string]LocalService // by service name
	DialTimeout time.Duration

	BackoffMin time.Duration
	BackoffMax time.Duration
}

// Client runs the connect/register/serve loop described by Config
// until Shutdown is called.
type Client struct {
	cfg Config
	log *logger.Logger

	shutdown chan struct{}
}

func New(cfg Config) *Client {
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 10 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &Client{cfg: cfg, log: logger.New("tunnel-client"), shutdown: make(chan struct{})}
}

// Shutdown aborts the reconnect loop and closes the active session,
// if any. Safe to call once.
func (c *Client) Shutdown() {
	select {
	case <-c.shutdown:
	default:
		close(c.shutdown)
	}
}

// Run connects, registers, and serves proxy substreams until ctx is
// canceled or Shutdown is called, waiting a Backoff delay before
// reconnecting after every failure.
func (c *Client) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		default:
		}

		if err := c.connectAndServe(ctx); err != nil {
			d := Backoff(c.cfg.BackoffMin, c.cfg.BackoffMax)
			c.log.Error("tunnel session ended: %v; reconnecting in %s", err, d)
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return
			case <-c.shutdown:
				return
			}
		}
	}
}

func (c *Client) connectAndServe(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	sess, err := c.cfg.Transport.Dial(dialCtx, c.cfg.ServerAddr)
	cancel()
	if err != nil {
		return fmt.Errorf("client: dialing %s: %w", c.cfg.ServerAddr, err)
	}
	defer sess.Close()

	if err := c.register(ctx, sess); err != nil {
		return err
	}
	c.log.Info("tunnel session established with %s", c.cfg.ServerAddr)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-c.shutdown:
			_ = sess.Close()
		case <-stop:
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.shutdown:
			return nil
		default:
		}

		st, err := sess.AcceptStream(ctx)
		if err != nil {
			select {
			case <-c.shutdown:
				return nil
			default:
			}
			return fmt.Errorf("client: accepting substream: %w", err)
		}
		go c.serveProxyStream(st)
	}
}

func (c *Client) register(ctx context.Context, sess transport.Session) error {
	st, err := sess.OpenStream(ctx)
	if err != nil {
		return fmt.Errorf("client: opening register stream: %w", err)
	}
	defer st.Close()

	req := protocol.RegisterRequest{Token: c.cfg.Token, Services: c.cfg.Services}
	if err := protocol.WriteRegisterRequest(st, req); err != nil {
		return fmt.Errorf("client: writing register request: %w", err)
	}
	if closer, ok := st.(interface{ CloseWrite() error }); ok {
		_ = closer.CloseWrite()
	}
	return nil
}

// serveProxyStream reads the PRPX/PRPU header and bridges the
// substream to the named local service. Unknown service names close
// the stream quietly.
func (c *Client) serveProxyStream(st transport.Stream) {
	defer st.Close()

	magic, name, err := protocol.ReadProxyHeader(st)
	if err != nil {
		c.log.Error("reading proxy header: %v", err)
		return
	}
	local, ok := c.cfg.Local[name]
	if !ok {
		return
	}

	switch magic {
	case protocol.MagicProxyUDP:
		c.serveUDP(st, local)
	default:
		c.serveTCP(st, local)
	}
}

func (c *Client) serveTCP(st transport.Stream, local LocalService) {
	conn, err := net.DialTimeout("tcp", local.LocalAddr, c.cfg.DialTimeout)
	if err != nil {
		c.log.Error("dialing local service %s at %s: %v", local.Name, local.LocalAddr, err)
		return
	}
	defer conn.Close()

	done := make(chan struct{}, 2)
	go func() { io.Copy(conn, st); done <- struct{}{} }()
	go func() { io.Copy(st, conn); done <- struct{}{} }()
	<-done
}

func (c *Client) serveUDP(st transport.Stream, local LocalService) {
	raddr, err := net.ResolveUDPAddr("udp", local.LocalAddr)
	if err != nil {
		c.log.Error("resolving local udp service %s at %s: %v", local.Name, local.LocalAddr, err)
		return
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		c.log.Error("dialing local udp service %s at %s: %v", local.Name, local.LocalAddr, err)
		return
	}
	defer conn.Close()

	done := make(chan struct{}, 2)
	go func() {
		defer func() { done <- struct{}{} }()
		for {
			payload, err := protocol.ReadDatagram(st)
			if err != nil {
				return
			}
			if _, err := conn.Write(payload); err != nil {
				return
			}
		}
	}()
	go func() {
		defer func() { done <- struct{}{} }()
		buf := make([]byte, 64*1024)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			if err := protocol.WriteDatagram(st, buf[:n]); err != nil {
				return
			}
		}
	}()
	<-done
}

// Backoff returns min multiplied by a randomly chosen 1, 2, 4 or 8,
// capped at max, plus up to 250ms of random jitter (so the result can
// exceed max by that jitter). It keeps no state: the delay does not
// grow with the number of consecutive failures.
func Backoff(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	mul := 1 << rand.Intn(4) // 1,2,4,8
	d := time.Duration(int64(min) * int64(mul))
	if d > max {
		d = max
	}
	return d + time.Duration(rand.Intn(250))*time.Millisecond
}
