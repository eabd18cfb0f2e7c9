package transport

import (
	"context"
	"fmt"
	"net"

	"github.com/hashicorp/yamux"
)

// acceptBacklog bounds how many accepted-but-not-yet-dequeued
// substreams a yamux session holds before the pump blocks upstream
// accepts, giving the carrier natural backpressure.
const acceptBacklog = 64

// yamuxSession adapts a *yamux.Session to Session. Yamux's own
// Accept() is synchronous and single-reader-safe on its own, but we
// still run it through a background pump into a bounded channel so
// AcceptStream can select on ctx/shutdown without blocking forever
// inside yamux internals, and so a closed session drains cleanly.
type yamuxSession struct {
	sess    *yamux.Session
	conn    net.Conn
	streams chan streamOrErr
	done    chan struct{}
}

type streamOrErr struct {
	stream *yamux.Stream
	err    error
}

func newYamuxSession(conn net.Conn, sess *yamux.Session) *yamuxSession {
	s := &yamuxSession{
		sess:    sess,
		conn:    conn,
		streams: make(chan streamOrErr, acceptBacklog),
		done:    make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *yamuxSession) pump() {
	defer close(s.streams)
	for {
		st, err := s.sess.AcceptStream()
		select {
		case s.streams <- streamOrErr{stream: st, err: err}:
		case <-s.done:
			if st != nil {
				_ = st.Close()
			}
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *yamuxSession) OpenStream(ctx context.Context) (Stream, error) {
	st, err := s.sess.OpenStream()
	if err != nil {
		return nil, fmt.Errorf("transport: opening yamux stream: %w", err)
	}
	return st, nil
}

func (s *yamuxSession) AcceptStream(ctx context.Context) (Stream, error) {
	select {
	case se, ok := <-s.streams:
		if !ok {
			return nil, fmt.Errorf("transport: session closed")
		}
		if se.err != nil {
			return nil, fmt.Errorf("transport: accepting yamux stream: %w", se.err)
		}
		return se.stream, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, fmt.Errorf("transport: session closed")
	}
}

func (s *yamuxSession) Close() error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	err := s.sess.Close()
	_ = s.conn.Close()
	return err
}

func (s *yamuxSession) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }
func (s *yamuxSession) LocalAddr() net.Addr  { return s.conn.LocalAddr() }
