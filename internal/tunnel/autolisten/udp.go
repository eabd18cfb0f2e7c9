package autolisten

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/prismproxy/prism/internal/tunnel/protocol"
)

// maxUDPDatagram bounds a single inbound datagram; larger ones are
// dropped rather than forwarded.
const maxUDPDatagram = 1 << 20

// udpFlow is one source address's tunnel-backed UDP session: a
// substream to the owning client plus the last time traffic was seen
// in either direction. cancel closes the substream, which is also
// what unblocks the reverse-direction reader goroutine's pending
// ReadDatagram call on eviction.
type udpFlow struct {
	stream  io.Writer
	cancel  func()
	lastHit atomic64
}

type atomic64 struct {
	mu sync.Mutex
	t  time.Time
}

func (a *atomic64) touch() {
	a.mu.Lock()
	a.t = time.Now()
	a.mu.Unlock()
}

func (a *atomic64) since() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return time.Since(a.t)
}

func (r *Reconciler) serveUDP(ctx context.Context, d descriptor) {
	laddr, err := net.ResolveUDPAddr("udp", d.addr)
	if err != nil {
		r.log.Error("auto-listen udp %s (%s/%s): %v", d.addr, d.clientID, d.name, err)
		return
	}
	pc, err := net.ListenUDP("udp", laddr)
	if err != nil {
		r.log.Error("auto-listen udp %s (%s/%s): %v", d.addr, d.clientID, d.name, err)
		return
	}
	go func() {
		<-ctx.Done()
		_ = pc.Close()
	}()

	r.log.Info("auto-listen udp %s -> %s/%s", d.addr, d.clientID, d.name)

	var mu sync.Mutex
	flows := make(map[string]*udpFlow)

	sweep := time.NewTicker(r.udpFlowIdleTimeout / 2)
	defer sweep.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sweep.C:
				mu.Lock()
				for src, f := range flows {
					if f.lastHit.since() > r.udpFlowIdleTimeout {
						f.cancel()
						delete(flows, src)
					}
				}
				mu.Unlock()
			}
		}
	}()

	buf := make([]byte, maxUDPDatagram)
	for {
		n, src, err := pc.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				r.log.Error("auto-listen udp read %s: %v", d.addr, err)
				return
			}
		}
		payload := append([]byte(nil), buf[:n]...)

		mu.Lock()
		f, ok := flows[src.String()]
		mu.Unlock()
		if !ok {
			f, err = r.openUDPFlow(ctx, d, pc, src)
			if err != nil {
				r.log.Error("auto-listen udp dial %s/%s: %v", d.clientID, d.name, err)
				continue
			}
			mu.Lock()
			flows[src.String()] = f
			mu.Unlock()
		}
		f.lastHit.touch()
		if err := protocol.WriteDatagram(f.stream, payload); err != nil {
			r.log.Error("auto-listen udp forward %s: %v", src, err)
		}
	}
}

// openUDPFlow dials a new UDP-carrier substream to the service's
// owning client and starts the reverse-direction reader task, which
// writes tunnel datagrams back to src on the public socket.
func (r *Reconciler) openUDPFlow(ctx context.Context, d descriptor, pc *net.UDPConn, src *net.UDPAddr) (*udpFlow, error) {
	stream, _, err := r.mgr.DialUDP(ctx, d.name, d.clientID)
	if err != nil {
		return nil, err
	}
	var closeOnce sync.Once
	f := &udpFlow{
		stream: stream,
		cancel: func() { closeOnce.Do(func() { _ = stream.Close() }) },
	}
	f.lastHit.touch()

	go func() {
		defer f.cancel()
		for {
			payload, err := protocol.ReadDatagram(stream)
			if err != nil {
				return
			}
			f.lastHit.touch()
			if _, err := pc.WriteToUDP(payload, src); err != nil {
				return
			}
		}
	}()

	return f, nil
}
