package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// ALPN is the protocol negotiated on every tunnel QUIC connection.
const ALPN = "prism-tunnel"

const (
	quicIdleTimeout = 60 * time.Second
	quicKeepAlive   = 20 * time.Second
)

// QUICTransport carries tunnel sessions over native QUIC multi-
// streaming; no yamux is needed since QUIC already multiplexes.
type QUICTransport struct {
	TLSConfig          *tls.Config
	InsecureSkipVerify bool
}

// NewQUICTransport builds a transport. If tlsConfig is nil, a
// self-signed certificate is generated (there is no public hostname
// to prove ownership of for a point-to-point tunnel link).
func NewQUICTransport(tlsConfig *tls.Config, insecureSkipVerify bool) (*QUICTransport, error) {
	if tlsConfig == nil {
		cert, err := selfSignedCert()
		if err != nil {
			return nil, fmt.Errorf("transport: generating self-signed quic cert: %w", err)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}
	tlsConfig.NextProtos = []string{ALPN}
	tlsConfig.InsecureSkipVerify = insecureSkipVerify
	return &QUICTransport{TLSConfig: tlsConfig, InsecureSkipVerify: insecureSkipVerify}, nil
}

func (t *QUICTransport) Name() string { return "quic" }

func (t *QUICTransport) Listen(ctx context.Context, addr string) (Listener, error) {
	ln, err := quic.ListenAddr(addr, t.TLSConfig, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: quic listen %s: %w", addr, err)
	}
	return &quicListener{ln: ln}, nil
}

func (t *QUICTransport) Dial(ctx context.Context, addr string) (Session, error) {
	conn, err := quic.DialAddr(ctx, addr, t.TLSConfig, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: quic dial %s: %w", addr, err)
	}
	return &quicSession{conn: conn}, nil
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  quicIdleTimeout,
		KeepAlivePeriod: quicKeepAlive,
	}
}

type quicListener struct {
	ln *quic.Listener
}

func (l *quicListener) Accept(ctx context.Context) (Session, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: quic accept: %w", err)
	}
	return &quicSession{conn: conn}, nil
}

func (l *quicListener) Close() error   { return l.ln.Close() }
func (l *quicListener) Addr() net.Addr { return l.ln.Addr() }

type quicSession struct {
	conn *quic.Conn
}

func (s *quicSession) OpenStream(ctx context.Context) (Stream, error) {
	st, err := s.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: opening quic stream: %w", err)
	}
	return st, nil
}

func (s *quicSession) AcceptStream(ctx context.Context) (Stream, error) {
	st, err := s.conn.AcceptStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: accepting quic stream: %w", err)
	}
	return st, nil
}

func (s *quicSession) Close() error {
	return s.conn.CloseWithError(0, "session closed")
}

func (s *quicSession) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }
func (s *quicSession) LocalAddr() net.Addr  { return s.conn.LocalAddr() }

// selfSignedCert generates an ephemeral ECDSA P-256 certificate valid
// for one year, used whenever the tunnel server has no configured
// cert/key pair.
func selfSignedCert() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return tls.Certificate{}, err
	}
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "prism-tunnel"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"prism-tunnel"},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}, nil
}
