// Package autolisten reconciles the tunnel manager's registered
// services against a set of running public listeners: one per
// service that carries a non-route-only remote_addr.
package autolisten

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/prismproxy/prism/internal/tunnel/manager"
	"github.com/prismproxy/prism/pkg/logger"
)

// descriptor is the part of a registration that determines whether a
// running listener must be restarted: if any field changes, the
// listener is stopped and a fresh one started in its place.
type descriptor struct {
	clientID string
	name     string
	proto    string
	addr     string
}

func descriptorFor(reg manager.Registration) (descriptor, bool) {
	svc := reg.Service
	if svc.RouteOnly || svc.RemoteAddr == "" {
		return descriptor{}, false
	}
	return descriptor{
		clientID: reg.ClientID,
		name:     svc.Name,
		proto:    svc.Proto,
		addr:     svc.RemoteAddr,
	}, true
}

type runningListener struct {
	desc   descriptor
	cancel context.CancelFunc
	done   chan struct{}
}

// Reconciler watches a manager's registrations and keeps one public
// listener per eligible service running, restarting it whenever its
// descriptor changes and tearing it down when the service disappears.
type Reconciler struct {
	mgr *manager.Manager
	log *logger.Logger

	udpFlowIdleTimeout time.Duration

	mu      sync.Mutex
	running map[string]*runningListener // keyed by clientID+"/"+name
}

func New(mgr *manager.Manager, udpFlowIdleTimeout time.Duration) *Reconciler {
	if udpFlowIdleTimeout <= 0 {
		udpFlowIdleTimeout = 60 * time.Second
	}
	return &Reconciler{
		mgr:                mgr,
		log:                logger.New("autolisten"),
		udpFlowIdleTimeout: udpFlowIdleTimeout,
		running:            make(map[string]*runningListener),
	}
}

// Run reconciles once immediately, then again on every manager watch
// bump, until ctx is canceled.
func (r *Reconciler) Run(ctx context.Context) {
	r.reconcile(ctx)
	watch := r.mgr.Watch()
	for {
		select {
		case <-ctx.Done():
			r.stopAll()
			return
		case <-watch:
			r.reconcile(ctx)
		}
	}
}

func key(d descriptor) string { return d.clientID + "/" + d.name }

func (r *Reconciler) reconcile(ctx context.Context) {
	desired := make(map[string]descriptor)
	for _, reg := range r.mgr.Registrations() {
		d, ok := descriptorFor(reg)
		if !ok {
			continue
		}
		desired[key(d)] = d
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for k, rl := range r.running {
		d, stillWanted := desired[k]
		if !stillWanted || d != rl.desc {
			rl.cancel()
			<-rl.done
			delete(r.running, k)
		}
	}

	for k, d := range desired {
		if _, ok := r.running[k]; ok {
			continue
		}
		lctx, cancel := context.WithCancel(ctx)
		rl := &runningListener{desc: d, cancel: cancel, done: make(chan struct{})}
		r.running[k] = rl
		go r.serve(lctx, rl, d)
	}
}

func (r *Reconciler) stopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, rl := range r.running {
		rl.cancel()
		<-rl.done
		delete(r.running, k)
	}
}

func (r *Reconciler) serve(ctx context.Context, rl *runningListener, d descriptor) {
	defer close(rl.done)
	switch d.proto {
	case "udp":
		r.serveUDP(ctx, d)
	default:
		r.serveTCP(ctx, d)
	}
}

func (r *Reconciler) serveTCP(ctx context.Context, d descriptor) {
	ln, err := net.Listen("tcp", d.addr)
	if err != nil {
		r.log.Error("auto-listen tcp %s (%s/%s): %v", d.addr, d.clientID, d.name, err)
		return
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	r.log.Info("auto-listen tcp %s -> %s/%s", d.addr, d.clientID, d.name)
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				r.log.Error("auto-listen accept %s: %v", d.addr, err)
				return
			}
		}
		go r.spliceTCP(ctx, conn, d)
	}
}

func (r *Reconciler) spliceTCP(ctx context.Context, conn net.Conn, d descriptor) {
	defer conn.Close()
	stream, _, err := r.mgr.DialTCP(ctx, d.name, d.clientID)
	if err != nil {
		r.log.Error("auto-listen dial %s/%s: %v", d.clientID, d.name, err)
		return
	}
	defer stream.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _, _ = io.Copy(stream, conn) }()
	go func() { defer wg.Done(); _, _ = io.Copy(conn, stream) }()
	wg.Wait()
}

