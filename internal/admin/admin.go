// Package admin serves the read-only HTTP surface: health/metrics
// endpoints, connection and tunnel-service snapshots, and a reload
// trigger. Grounded on the teacher's Proxy.HttpServe.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/prismproxy/prism/internal/metrics"
	"github.com/prismproxy/prism/internal/tunnel/manager"
	"github.com/prismproxy/prism/pkg/logger"
)

// Config controls the admin server.
type Config struct {
	ListenAddr string
	Metrics    *metrics.Collector
	Manager    *manager.Manager

	// Reload is invoked by POST /reload; nil disables the endpoint.
	Reload func() error
}

// Server hosts the admin HTTP surface.
type Server struct {
	cfg Config
	log *logger.Logger
}

func New(cfg Config) *Server {
	return &Server{cfg: cfg, log: logger.New("admin")}
}

// Run binds the admin socket and serves until ctx is canceled,
// draining in-flight requests with a 2s shutdown grace period.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/conns", s.handleConns)
	mux.HandleFunc("/tunnel/services", s.handleTunnelServices)
	mux.HandleFunc("/reload", s.handleReload)
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: s.cfg.ListenAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("admin: listening on %s", s.cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleConns(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Metrics == nil {
		writeJSON(w, http.StatusOK, metrics.Snapshot{})
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Metrics.Snapshot())
}

// tunnelServiceView is one registered service as rendered on the
// admin surface: its owning client, whether it's currently primary,
// and the fields operators care about for diagnosing a dead tunnel.
type tunnelServiceView struct {
	ClientID  string `json:"client_id"`
	Name      string `json:"name"`
	Proto     string `json:"proto"`
	RouteOnly bool   `json:"route_only"`
	Primary   bool   `json:"primary"`
}

func (s *Server) handleTunnelServices(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Manager == nil {
		writeJSON(w, http.StatusOK, []tunnelServiceView{})
		return
	}
	writeJSON(w, http.StatusOK, s.buildTunnelServiceViews(s.cfg.Manager.Registrations()))
}

func (s *Server) isPrimaryOwner(reg manager.Registration) bool {
	_, sess, ok := s.cfg.Manager.Primary(reg.Service.Name)
	if !ok {
		return false
	}
	conn, ok := s.cfg.Manager.Client(reg.ClientID)
	return ok && conn != nil && conn.Session == sess
}

func (s *Server) buildTunnelServiceViews(regs []manager.Registration) []tunnelServiceView {
	views := make([]tunnelServiceView, 0, len(regs))
	for _, reg := range regs {
		views = append(views, tunnelServiceView{
			ClientID:  reg.ClientID,
			Name:      reg.Service.Name,
			Proto:     reg.Service.Proto,
			RouteOnly: reg.Service.RouteOnly,
			Primary:   s.isPrimaryOwner(reg),
		})
	}
	return views
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Reload == nil {
		w.WriteHeader(http.StatusNotImplemented)
		return
	}
	if err := s.cfg.Reload(); err != nil {
		s.log.Error("reload: %v", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
