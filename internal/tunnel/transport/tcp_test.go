package transport

import (
	"bufio"
	"context"
	"testing"
	"time"
)

func TestTCPTransportRoundTrip(t *testing.T) {
	tr := NewTCPTransport(2 * time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln, err := tr.Listen(ctx, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- func() error {
			sess, err := ln.Accept(ctx)
			if err != nil {
				return err
			}
			defer sess.Close()
			st, err := sess.AcceptStream(ctx)
			if err != nil {
				return err
			}
			defer st.Close()
			if _, err := st.Write([]byte("pong")); err != nil {
				return err
			}
			return nil
		}()
	}()

	clientSess, err := tr.Dial(ctx, ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer clientSess.Close()

	st, err := clientSess.OpenStream(ctx)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer st.Close()

	line := make([]byte, 4)
	if _, err := bufio.NewReader(st).Read(line); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(line) != "pong" {
		t.Fatalf("got %q, want pong", line)
	}

	if err := <-serverErr; err != nil {
		t.Fatalf("server goroutine: %v", err)
	}
}

func TestTCPTransportMultiplexesConcurrentStreams(t *testing.T) {
	tr := NewTCPTransport(2 * time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln, err := tr.Listen(ctx, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	const n = 4
	serverDone := make(chan error, 1)
	go func() {
		serverDone <- func() error {
			sess, err := ln.Accept(ctx)
			if err != nil {
				return err
			}
			defer sess.Close()
			for i := 0; i < n; i++ {
				st, err := sess.AcceptStream(ctx)
				if err != nil {
					return err
				}
				buf := make([]byte, 1)
				if _, err := st.Read(buf); err != nil {
					return err
				}
				if _, err := st.Write(buf); err != nil {
					return err
				}
				st.Close()
			}
			return nil
		}()
	}()

	clientSess, err := tr.Dial(ctx, ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer clientSess.Close()

	for i := 0; i < n; i++ {
		st, err := clientSess.OpenStream(ctx)
		if err != nil {
			t.Fatalf("OpenStream %d: %v", i, err)
		}
		if _, err := st.Write([]byte{byte('a' + i)}); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
		echo := make([]byte, 1)
		if _, err := st.Read(echo); err != nil {
			t.Fatalf("Read %d: %v", i, err)
		}
		if echo[0] != byte('a'+i) {
			t.Fatalf("echo %d = %q, want %q", i, echo[0], byte('a'+i))
		}
		st.Close()
	}

	if err := <-serverDone; err != nil {
		t.Fatalf("server goroutine: %v", err)
	}
}
