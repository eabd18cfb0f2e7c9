package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/prismproxy/prism/internal/admin"
	"github.com/prismproxy/prism/internal/config"
	"github.com/prismproxy/prism/internal/dataplane/tcp"
	"github.com/prismproxy/prism/internal/dataplane/udp"
	"github.com/prismproxy/prism/internal/metrics"
	"github.com/prismproxy/prism/internal/proxysocks"
	"github.com/prismproxy/prism/internal/ratelimit"
	"github.com/prismproxy/prism/internal/router"
	"github.com/prismproxy/prism/internal/tunnel/autolisten"
	"github.com/prismproxy/prism/internal/tunnel/client"
	"github.com/prismproxy/prism/internal/tunnel/manager"
	"github.com/prismproxy/prism/internal/tunnel/protocol"
	"github.com/prismproxy/prism/internal/tunnel/server"
	"github.com/prismproxy/prism/internal/wasmsandbox"
	"github.com/prismproxy/prism/internal/wasmsandbox/builtin"
	"github.com/prismproxy/prism/pkg/logger"
)

// drainGrace bounds how long the daemon waits for in-flight work to
// unwind after the shutdown signal, mirroring the teacher's
// time.Sleep(2*time.Second) in main.go, generalized to Prism's larger
// fan-out of long-lived loops.
const drainGrace = 5 * time.Second

var log = logger.New("prism")

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("prism: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		cancel()
	}()

	if err := runWithConfig(ctx, cfg); err != nil {
		return err
	}

	<-ctx.Done()
	time.Sleep(drainGrace)
	log.Info("shutdown complete")
	return nil
}

// runWithConfig materializes every long-lived component described by
// cfg and starts it on its own goroutine. It returns once everything
// has been launched; the goroutines themselves run until ctx is
// canceled.
func runWithConfig(ctx context.Context, cfg *config.Config) error {
	if err := builtin.Materialize(cfg.Sandbox.ModuleDir); err != nil {
		return fmt.Errorf("prism: materializing builtin middlewares: %w", err)
	}
	sandbox := wasmsandbox.NewProvider(ctx, cfg.Sandbox.ModuleDir)

	rt := router.NewRouter(sandbox)
	if err := rt.Update(cfg.ToRouterConfig()); err != nil {
		return fmt.Errorf("prism: compiling routes: %w", err)
	}

	mgr := manager.New()
	col := metrics.NewCollector()
	limiter := ratelimit.NewLimiter(cfg.RateLimit.ToRatelimit())

	dialer, err := proxysocks.NewProxyDialer(cfg.Proxy.ToProxysocks())
	if err != nil {
		return fmt.Errorf("prism: configuring proxy dialer: %w", err)
	}

	if err := startTunnel(ctx, cfg, mgr); err != nil {
		return err
	}

	for _, t := range cfg.TCP {
		rc := t.ToTCPConfig()
		rc.Router = rt
		rc.Sandbox = sandbox
		rc.Manager = mgr
		rc.Metrics = col
		rc.RateLimiter = limiter
		rc.ProxyDialer = dialer
		ln := tcp.New(rc)
		go runOrCancel(ctx, "tcp listener "+t.ListenAddr, ln.Run)
	}

	for _, u := range cfg.UDP {
		rc := u.ToUDPConfig()
		rc.Manager = mgr
		rc.Metrics = col
		ln := udp.New(rc)
		go runOrCancel(ctx, "udp listener "+u.ListenAddr, ln.Run)
	}

	if cfg.Admin.ListenAddr != "" {
		reload := func() error { return reloadRoutes(rt) }
		srv := admin.New(admin.Config{
			ListenAddr: cfg.Admin.ListenAddr,
			Metrics:    col,
			Manager:    mgr,
			Reload:     reload,
		})
		go runOrCancel(ctx, "admin server", srv.Run)
	}

	return nil
}

// startTunnel wires the reverse-tunnel side: a server accepting
// clients, or a client agent dialing out and registering services,
// per cfg.Tunnel.Mode.
func startTunnel(ctx context.Context, cfg *config.Config, mgr *manager.Manager) error {
	if cfg.Tunnel.Mode == "client" {
		return startTunnelClient(ctx, cfg)
	}
	if cfg.Tunnel.ListenAddr == "" {
		return nil
	}

	tr, err := cfg.NewTransport()
	if err != nil {
		return fmt.Errorf("prism: %w", err)
	}

	srv := server.New(server.Config{
		Transport:  tr,
		ListenAddr: cfg.Tunnel.ListenAddr,
		AuthToken:  cfg.Tunnel.AuthToken,
		Manager:    mgr,
	})
	go runOrCancel(ctx, "tunnel server", srv.Run)

	idleTimeout := durationOrFallback(firstUDPIdleTimeout(cfg), 60*time.Second)
	recon := autolisten.New(mgr, idleTimeout)
	go recon.Run(ctx)

	return nil
}

func startTunnelClient(ctx context.Context, cfg *config.Config) error {
	tr, err := cfg.NewTransport()
	if err != nil {
		return fmt.Errorf("prism: %w", err)
	}

	services := make([]protocol.ServiceDescriptor, 0, len(cfg.Tunnel.Services))
	local := make(map[string]client.LocalService, len(cfg.Tunnel.Services))
	for _, svc := range cfg.Tunnel.Services {
		services = append(services, protocol.ServiceDescriptor{
			Name:           svc.Name,
			Proto:          svc.Proto,
			LocalAddr:      svc.LocalAddr,
			RouteOnly:      svc.RouteOnly,
			RemoteAddr:     svc.RemoteAddr,
			MasqueradeHost: svc.MasqueradeHost,
		})
		local[svc.Name] = client.LocalService{
			Name:      svc.Name,
			Proto:     svc.Proto,
			LocalAddr: svc.LocalAddr,
		}
	}

	c := client.New(client.Config{
		Transport:   tr,
		ServerAddr:  cfg.Tunnel.ServerAddr,
		Token:       cfg.Tunnel.AuthToken,
		Services:    services,
		Local:       local,
		DialTimeout: durationOrFallback(cfg.Tunnel.DialTimeout, 10*time.Second),
		BackoffMin:  durationOrFallback(cfg.Tunnel.BackoffMin, time.Second),
		BackoffMax:  durationOrFallback(cfg.Tunnel.BackoffMax, 10*time.Second),
	})

	go c.Run(ctx)
	go func() {
		<-ctx.Done()
		c.Shutdown()
	}()
	return nil
}

// reloadRoutes re-reads config and atomically swaps the router's
// compiled table. Any other failure leaves the previously loaded
// table serving traffic, per the reload contract.
func reloadRoutes(rt *router.Router) error {
	cfg, err := config.Reload()
	if err != nil {
		return err
	}
	if err := rt.Update(cfg.ToRouterConfig()); err != nil {
		return err
	}
	log.Info("reload: compiled %d route(s)", len(cfg.Routes))
	return nil
}

func runOrCancel(ctx context.Context, name string, run func(context.Context) error) {
	if err := run(ctx); err != nil {
		select {
		case <-ctx.Done():
		default:
			log.Error("%s: %v", name, err)
		}
	}
}

func firstUDPIdleTimeout(cfg *config.Config) string {
	if len(cfg.UDP) == 0 {
		return ""
	}
	return cfg.UDP[0].IdleTimeout
}

func durationOrFallback(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
