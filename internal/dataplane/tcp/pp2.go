package tcp

import (
	"encoding/binary"
	"io"
	"net"
)

// pp2Signature is the fixed 12-byte PROXY protocol v2 magic.
var pp2Signature = [12]byte{0x0D, 0x0A, 0x0D, 0x0A, 0x00, 0x0D, 0x0A, 0x51, 0x55, 0x49, 0x54, 0x0A}

const (
	pp2VerCommandProxy = 0x21 // version 2, command PROXY
	pp2FamInet4Stream  = 0x11
	pp2FamInet6Stream  = 0x21
	pp2FamUnspec       = 0x00
)

// writeProxyProtocolV2 writes a PROXY protocol v2 header describing
// client as the source and local as the destination. When the two
// addresses aren't both IPv4 or both IPv6, it falls back to an
// AF_UNSPEC header with a zero-length address block.
func writeProxyProtocolV2(w io.Writer, client, local net.Addr) error {
	cip, cport := hostPort(client)
	lip, lport := hostPort(local)

	var famProto byte
	var addrBlock []byte

	switch {
	case cip != nil && lip != nil && cip.To4() != nil && lip.To4() != nil:
		famProto = pp2FamInet4Stream
		addrBlock = make([]byte, 12)
		copy(addrBlock[0:4], cip.To4())
		copy(addrBlock[4:8], lip.To4())
		binary.BigEndian.PutUint16(addrBlock[8:10], cport)
		binary.BigEndian.PutUint16(addrBlock[10:12], lport)
	case cip != nil && lip != nil && cip.To4() == nil && lip.To4() == nil:
		famProto = pp2FamInet6Stream
		addrBlock = make([]byte, 36)
		copy(addrBlock[0:16], cip.To16())
		copy(addrBlock[16:32], lip.To16())
		binary.BigEndian.PutUint16(addrBlock[32:34], cport)
		binary.BigEndian.PutUint16(addrBlock[34:36], lport)
	default:
		famProto = pp2FamUnspec
	}

	header := make([]byte, 0, 16+len(addrBlock))
	header = append(header, pp2Signature[:]...)
	header = append(header, pp2VerCommandProxy, famProto)
	lenField := make([]byte, 2)
	binary.BigEndian.PutUint16(lenField, uint16(len(addrBlock)))
	header = append(header, lenField...)
	header = append(header, addrBlock...)

	_, err := w.Write(header)
	return err
}

func hostPort(addr net.Addr) (net.IP, uint16) {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return nil, 0
	}
	return tcpAddr.IP, uint16(tcpAddr.Port)
}
