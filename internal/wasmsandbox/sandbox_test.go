package wasmsandbox

import (
	"context"
	"testing"

	"github.com/prismproxy/prism/internal/wasmsandbox/builtin"
)

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	dir := t.TempDir()
	if err := builtin.Materialize(dir); err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	ctx := context.Background()
	p := NewProvider(ctx, dir)
	t.Cleanup(func() {
		if err := p.Close(ctx); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return p
}

func encodeVarInt(v int32) []byte {
	var out []byte
	u := uint32(v)
	for {
		b := byte(u & 0x7F)
		u >>= 7
		if u != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if u == 0 {
			break
		}
	}
	return out
}

func buildHandshake(host string, port uint16, protocolVersion, nextState int32) []byte {
	var body []byte
	body = append(body, encodeVarInt(0)...) // packet id
	body = append(body, encodeVarInt(protocolVersion)...)
	body = append(body, encodeVarInt(int32(len(host)))...)
	body = append(body, []byte(host)...)
	body = append(body, byte(port>>8), byte(port))
	body = append(body, encodeVarInt(nextState)...)

	var pkt []byte
	pkt = append(pkt, encodeVarInt(int32(len(body)))...)
	pkt = append(pkt, body...)
	return pkt
}

func TestMinecraftHandshakeMiddlewareMatches(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	buf := buildHandshake("play.example.com", 25565, 764, 1)
	out, status, err := p.Run(ctx, "minecraft_handshake", buf, PhaseParse, "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status != StatusMatched {
		t.Fatalf("status = %v, want matched", status)
	}
	if out.Host != "play.example.com" {
		t.Fatalf("host = %q, want play.example.com", out.Host)
	}
}

func TestMinecraftHandshakeMiddlewareNeedsMoreData(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	buf := buildHandshake("play.example.com", 25565, 764, 1)
	for n := 1; n < len(buf); n++ {
		_, status, err := p.Run(ctx, "minecraft_handshake", buf[:n], PhaseParse, "")
		if err != nil {
			t.Fatalf("Run at n=%d: %v", n, err)
		}
		if status != StatusNeedMoreData {
			t.Fatalf("n=%d: status = %v, want need-more-data", n, status)
		}
	}
}

func TestMinecraftHandshakeMiddlewareWrongPacketID(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	var body []byte
	body = append(body, encodeVarInt(1)...) // not the handshake packet id
	body = append(body, []byte("garbage")...)
	var pkt []byte
	pkt = append(pkt, encodeVarInt(int32(len(body)))...)
	pkt = append(pkt, body...)

	_, status, err := p.Run(ctx, "minecraft_handshake", pkt, PhaseParse, "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status != StatusNoMatch {
		t.Fatalf("status = %v, want no-match", status)
	}
}

func buildClientHello(sni string) []byte {
	var ext []byte
	ext = append(ext, 0x00, byte(len(sni)+3)) // server_name_list length
	ext = append(ext, 0x00)                   // name_type = host_name
	ext = append(ext, byte(len(sni)>>8), byte(len(sni)))
	ext = append(ext, []byte(sni)...)

	var extensions []byte
	extensions = append(extensions, 0x00, 0x00) // server_name
	extensions = append(extensions, byte(len(ext)>>8), byte(len(ext)))
	extensions = append(extensions, ext...)

	var hello []byte
	hello = append(hello, 0x03, 0x03)                     // client version
	hello = append(hello, make([]byte, 32)...)            // random
	hello = append(hello, 0x00)                           // session id len
	hello = append(hello, 0x00, 0x02, 0x13, 0x01)          // cipher suites
	hello = append(hello, 0x01, 0x00)                     // compression methods
	hello = append(hello, byte(len(extensions)>>8), byte(len(extensions)))
	hello = append(hello, extensions...)

	var handshake []byte
	handshake = append(handshake, 0x01) // ClientHello
	hsLen := len(hello)
	handshake = append(handshake, byte(hsLen>>16), byte(hsLen>>8), byte(hsLen))
	handshake = append(handshake, hello...)

	var record []byte
	record = append(record, 0x16, 0x03, 0x01)
	record = append(record, byte(len(handshake)>>8), byte(len(handshake)))
	record = append(record, handshake...)
	return record
}

func TestTLSSNIMiddlewareMatches(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	buf := buildClientHello("secure.example.com")
	out, status, err := p.Run(ctx, "tls_sni", buf, PhaseParse, "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status != StatusMatched {
		t.Fatalf("status = %v, want matched", status)
	}
	if out.Host != "secure.example.com" {
		t.Fatalf("host = %q, want secure.example.com", out.Host)
	}
}

func TestTLSSNIMiddlewareRejectsNonTLS(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	buf := buildHandshake("play.example.com", 25565, 764, 1)
	_, status, err := p.Run(ctx, "tls_sni", buf, PhaseParse, "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status != StatusNoMatch {
		t.Fatalf("status = %v, want no-match", status)
	}
}

func TestHostToUpstreamRewritesInRewritePhaseOnly(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	buf := []byte("hello prelude")

	out, status, err := p.Run(ctx, "host_to_upstream", buf, PhaseParse, "backend:25565")
	if err != nil {
		t.Fatalf("Run parse phase: %v", err)
	}
	if status != StatusNoMatch {
		t.Fatalf("parse phase status = %v, want no-match", status)
	}

	out, status, err = p.Run(ctx, "host_to_upstream", buf, PhaseRewrite, "backend:25565")
	if err != nil {
		t.Fatalf("Run rewrite phase: %v", err)
	}
	if status != StatusMatched {
		t.Fatalf("rewrite phase status = %v, want matched", status)
	}
	if string(out.Rewrite) != string(buf) {
		t.Fatalf("rewrite = %q, want %q", out.Rewrite, buf)
	}
}

func TestParseChainTriesEachModuleInOrder(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	buf := buildClientHello("secure.example.com")
	host, _, status := p.ParseChain(ctx, builtin.Names, buf, "")
	if status != StatusMatched {
		t.Fatalf("status = %v, want matched", status)
	}
	if host != "secure.example.com" {
		t.Fatalf("host = %q, want secure.example.com", host)
	}
}

func TestParseChainMinecraftWinsOnMinecraftTraffic(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	buf := buildHandshake("play.example.com", 25565, 764, 1)
	host, _, status := p.ParseChain(ctx, builtin.Names, buf, "")
	if status != StatusMatched {
		t.Fatalf("status = %v, want matched", status)
	}
	if host != "play.example.com" {
		t.Fatalf("host = %q, want play.example.com", host)
	}
}

func TestRewriteChainAppliesHostToUpstream(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	buf := []byte("a handshake body")
	out := p.RewriteChain(ctx, builtin.Names, buf, "backend:25565")
	if string(out) != string(buf) {
		t.Fatalf("rewrite chain output = %q, want %q", out, buf)
	}
}

func TestNormalizeNameRejectsSeparators(t *testing.T) {
	if _, err := normalizeName("../etc/passwd"); err == nil {
		t.Fatal("expected an error for a path-separator-bearing name")
	}
	if _, err := normalizeName(""); err == nil {
		t.Fatal("expected an error for an empty name")
	}
}
