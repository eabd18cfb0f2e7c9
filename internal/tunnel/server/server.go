// Package server implements the reverse-tunnel server side: accept a
// session, validate its register request, hand the client to the
// manager, and police any substream the client opens unprompted.
package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/prismproxy/prism/internal/tunnel/manager"
	"github.com/prismproxy/prism/internal/tunnel/protocol"
	"github.com/prismproxy/prism/internal/tunnel/transport"
	"github.com/prismproxy/prism/pkg/logger"
)

// unsolicitedSubstreamGrace is how long the server waits for a
// client-opened substream it never asked for (anything but a dial the
// manager itself initiated) before closing it.
const unsolicitedSubstreamGrace = time.Second

// Config controls the server's accept/validate/serve loop.
type Config struct {
	Transport  transport.Transport
	ListenAddr string
	AuthToken  string // empty disables the token check
	Manager    *manager.Manager
}

type Server struct {
	cfg Config
	log *logger.Logger
}

func New(cfg Config) *Server {
	return &Server{cfg: cfg, log: logger.New("tunnel-server")}
}

// Run binds the listener and accepts sessions until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.cfg.Transport.Listen(ctx, s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.cfg.ListenAddr, err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	s.log.Info("tunnel server listening on %s", s.cfg.ListenAddr)
	for {
		sess, err := ln.Accept(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("server: accept: %w", err)
			}
		}
		go s.handleSession(ctx, sess)
	}
}

func (s *Server) handleSession(ctx context.Context, sess transport.Session) {
	clientID, ok := s.registerSession(ctx, sess)
	if !ok {
		_ = sess.Close()
		return
	}
	defer func() {
		s.cfg.Manager.Unregister(clientID)
		_ = sess.Close()
	}()

	for {
		st, err := sess.AcceptStream(ctx)
		if err != nil {
			return
		}
		// Clients are only expected to open substreams when the
		// server dials through the manager; those dials happen on
		// the manager's own goroutines, not by accepting here. Any
		// substream that shows up on this loop is unsolicited.
		go s.rejectUnsolicited(st)
	}
}

func (s *Server) rejectUnsolicited(st transport.Stream) {
	defer st.Close()
	time.Sleep(unsolicitedSubstreamGrace)
}

// registerSession accepts the first substream, reads and validates
// the register request, and hands the client to the manager.
func (s *Server) registerSession(ctx context.Context, sess transport.Session) (string, bool) {
	st, err := sess.AcceptStream(ctx)
	if err != nil {
		s.log.Error("accepting register stream: %v", err)
		return "", false
	}
	defer st.Close()

	req, err := protocol.ReadRegisterRequest(st)
	if err != nil {
		s.log.Error("reading register request from %s: %v", sess.RemoteAddr(), err)
		return "", false
	}

	if s.cfg.AuthToken != "" && subtle.ConstantTimeCompare([]byte(req.Token), []byte(s.cfg.AuthToken)) != 1 {
		s.log.Error("auth token mismatch from %s", sess.RemoteAddr())
		return "", false
	}

	clientID := s.cfg.Manager.NextClientID()
	s.cfg.Manager.Register(clientID, sess, req.Services)
	s.log.Info("registered client %s (%s) with %d service(s)", clientID, sess.RemoteAddr(), len(req.Services))
	return clientID, true
}
