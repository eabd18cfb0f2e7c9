// Package protocol implements the reverse-tunnel wire protocol: the
// register request sent once per session, the proxy stream header sent
// on every dialed substream, and the length-prefixed datagram framing
// used by the UDP carrier.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Version is the only wire protocol version Prism speaks.
const Version byte = 0x01

// Magic prefixes identify what follows on a freshly opened substream.
var (
	MagicRegister  = [4]byte{'P', 'R', 'R', 'G'}
	MagicProxyTCP  = [4]byte{'P', 'R', 'P', 'X'}
	MagicProxyUDP  = [4]byte{'P', 'R', 'P', 'U'}
)

// MaxFrameBytes bounds every length-prefixed payload this package
// reads: register request bodies and UDP carrier datagrams.
const MaxFrameBytes = 1 << 20 // 1 MiB

// ServiceDescriptor is one entry of a register request's services
// list, after normalization.
type ServiceDescriptor struct {
	Name           string `json:"name"`
	Proto          string `json:"proto"`
	LocalAddr      string `json:"local_addr"`
	RouteOnly      bool   `json:"route_only"`
	RemoteAddr     string `json:"remote_addr"`
	MasqueradeHost string `json:"masquerade_host"`
}

// normalize trims whitespace, lowercases proto and masquerade host, and
// clears remote_addr when route_only is set.
func (s ServiceDescriptor) normalize() ServiceDescriptor {
	s.Name = strings.TrimSpace(s.Name)
	s.Proto = strings.ToLower(strings.TrimSpace(s.Proto))
	s.LocalAddr = strings.TrimSpace(s.LocalAddr)
	s.RemoteAddr = strings.TrimSpace(s.RemoteAddr)
	s.MasqueradeHost = strings.ToLower(strings.TrimSpace(s.MasqueradeHost))
	if s.RouteOnly {
		s.RemoteAddr = ""
	}
	return s
}

// RegisterRequest is the first message sent on a tunnel session, on
// its own dedicated substream.
type RegisterRequest struct {
	Token    string              `json:"token"`
	Services []ServiceDescriptor `json:"services"`
}

// WriteRegisterRequest writes magic + version + length + JSON body.
func WriteRegisterRequest(w io.Writer, req RegisterRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("protocol: marshal register request: %w", err)
	}
	if len(body) > MaxFrameBytes {
		return fmt.Errorf("protocol: register request body too large (%d bytes)", len(body))
	}

	var hdr [9]byte
	copy(hdr[0:4], MagicRegister[:])
	hdr[4] = Version
	binary.BigEndian.PutUint32(hdr[5:9], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// ReadRegisterRequest reads and normalizes a register request. Services
// with an empty name after normalization are dropped.
func ReadRegisterRequest(r io.Reader) (RegisterRequest, error) {
	var hdr [9]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return RegisterRequest{}, fmt.Errorf("protocol: reading register header: %w", err)
	}
	if [4]byte(hdr[0:4]) != MagicRegister {
		return RegisterRequest{}, fmt.Errorf("protocol: bad register magic %q", hdr[0:4])
	}
	if hdr[4] != Version {
		return RegisterRequest{}, fmt.Errorf("protocol: unsupported version %d", hdr[4])
	}
	length := binary.BigEndian.Uint32(hdr[5:9])
	if length > MaxFrameBytes {
		return RegisterRequest{}, fmt.Errorf("protocol: register request body too large (%d bytes)", length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return RegisterRequest{}, fmt.Errorf("protocol: reading register body: %w", err)
	}

	var req RegisterRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return RegisterRequest{}, fmt.Errorf("protocol: decoding register body: %w", err)
	}

	normalized := make([]ServiceDescriptor, 0, len(req.Services))
	for _, svc := range req.Services {
		svc = svc.normalize()
		if svc.Name == "" {
			continue
		}
		normalized = append(normalized, svc)
	}
	req.Services = normalized
	return req, nil
}

// WriteProxyHeader writes magic (MagicProxyTCP or MagicProxyUDP) +
// version + a VarInt length + the service name, on every substream
// opened after the register stream.
func WriteProxyHeader(w io.Writer, magic [4]byte, service string) error {
	if service == "" {
		return fmt.Errorf("protocol: empty service name")
	}
	var hdr [5]byte
	copy(hdr[0:4], magic[:])
	hdr[4] = Version
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.Write(encodeVarInt(uint32(len(service)))); err != nil {
		return err
	}
	_, err := io.WriteString(w, service)
	return err
}

// ReadProxyHeader reads a proxy stream header and returns which
// carrier it names and the service it targets.
func ReadProxyHeader(r io.Reader) (magic [4]byte, service string, err error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return [4]byte{}, "", fmt.Errorf("protocol: reading proxy header: %w", err)
	}
	m := [4]byte(hdr[0:4])
	if m != MagicProxyTCP && m != MagicProxyUDP {
		return [4]byte{}, "", fmt.Errorf("protocol: bad proxy magic %q", hdr[0:4])
	}
	if hdr[4] != Version {
		return [4]byte{}, "", fmt.Errorf("protocol: unsupported version %d", hdr[4])
	}

	length, err := readVarInt(r)
	if err != nil {
		return [4]byte{}, "", fmt.Errorf("protocol: reading proxy header length: %w", err)
	}
	if length == 0 {
		return [4]byte{}, "", fmt.Errorf("protocol: empty service name")
	}
	name := make([]byte, length)
	if _, err := io.ReadFull(r, name); err != nil {
		return [4]byte{}, "", fmt.Errorf("protocol: reading service name: %w", err)
	}
	return m, string(name), nil
}

// WriteDatagram frames one UDP carrier datagram as a u32 BE length
// prefix followed by the payload.
func WriteDatagram(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameBytes {
		return fmt.Errorf("protocol: datagram too large (%d bytes)", len(payload))
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadDatagram reads one length-prefixed datagram into a freshly
// allocated slice.
func ReadDatagram(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("protocol: reading datagram length: %w", err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > MaxFrameBytes {
		return nil, fmt.Errorf("protocol: datagram too large (%d bytes)", length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("protocol: reading datagram payload: %w", err)
	}
	return payload, nil
}

// ErrShortBuffer is returned by ReadDatagramInto when buf is smaller
// than the advertised frame length. The frame is still fully drained
// from r before this is returned, keeping the stream aligned for the
// next read.
var ErrShortBuffer = fmt.Errorf("protocol: destination buffer shorter than datagram")

// ReadDatagramInto reads one length-prefixed datagram into buf. If buf
// is too small, the full frame is still read off r (and discarded) so
// the stream stays aligned, and ErrShortBuffer is returned.
func ReadDatagramInto(r io.Reader, buf []byte) (n int, err error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, fmt.Errorf("protocol: reading datagram length: %w", err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > MaxFrameBytes {
		return 0, fmt.Errorf("protocol: datagram too large (%d bytes)", length)
	}
	if int(length) <= len(buf) {
		if _, err := io.ReadFull(r, buf[:length]); err != nil {
			return 0, fmt.Errorf("protocol: reading datagram payload: %w", err)
		}
		return int(length), nil
	}

	if _, err := io.CopyN(io.Discard, r, int64(length)); err != nil {
		return 0, fmt.Errorf("protocol: draining oversized datagram: %w", err)
	}
	return 0, ErrShortBuffer
}

func encodeVarInt(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7F)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			break
		}
	}
	return out
}

func readVarInt(r io.Reader) (uint32, error) {
	var result uint32
	var b [1]byte
	for i := 0; i < 5; i++ {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, err
		}
		result |= uint32(b[0]&0x7F) << (7 * uint(i))
		if b[0]&0x80 == 0 {
			return result, nil
		}
	}
	return 0, fmt.Errorf("protocol: varint too long")
}
