package prelude

import "encoding/binary"

// Handshake is the decoded form of a Minecraft protocol handshake packet:
// [VarInt packet length][VarInt packet id=0x00][VarInt protocol version]
// [String host][unsigned short port][VarInt next state].
type Handshake struct {
	ProtocolVersion int32
	Host            string
	Port            uint16
	NextState       int32
}

// HandshakePacketID is the packet id of the handshake packet in every
// Minecraft protocol version that matters for routing.
const HandshakePacketID = 0x00

// DecodeHandshake parses a Minecraft handshake packet from the start of
// buf without consuming it. n is the total number of bytes the packet
// (including its length prefix) occupies when status is Complete.
func DecodeHandshake(buf []byte) (hs Handshake, n int, status Status) {
	packetLen, lenBytes, st := DecodeVarInt(buf)
	if st != Complete {
		return Handshake{}, 0, st
	}
	if packetLen < 0 {
		return Handshake{}, 0, Malformed
	}

	total := lenBytes + int(packetLen)
	if total > len(buf) {
		return Handshake{}, 0, NeedMoreData
	}
	body := buf[lenBytes:total]

	off := 0
	packetID, idBytes, st := DecodeVarInt(body)
	if st != Complete {
		// The whole packet is already in hand (total <= len(buf)), so a
		// short VarInt here means the packet itself is malformed, not
		// merely incomplete.
		return Handshake{}, 0, Malformed
	}
	if packetID != HandshakePacketID {
		return Handshake{}, 0, Malformed
	}
	off += idBytes

	protoVer, pvBytes, st := decodeCompleteVarInt(body[off:])
	if st != Complete {
		return Handshake{}, 0, Malformed
	}
	off += pvBytes

	host, hostBytes, st := decodeCompleteString(body[off:])
	if st != Complete {
		return Handshake{}, 0, Malformed
	}
	off += hostBytes

	if off+2 > len(body) {
		return Handshake{}, 0, Malformed
	}
	port := binary.BigEndian.Uint16(body[off : off+2])
	off += 2

	nextState, nsBytes, st := decodeCompleteVarInt(body[off:])
	if st != Complete {
		return Handshake{}, 0, Malformed
	}
	off += nsBytes

	return Handshake{
		ProtocolVersion: protoVer,
		Host:            host,
		Port:            port,
		NextState:       nextState,
	}, total, Complete
}

// decodeCompleteVarInt decodes a VarInt that must fit entirely within buf;
// a short buffer here means malformed, not need-more-data, since the
// caller already bounded the whole packet.
func decodeCompleteVarInt(buf []byte) (int32, int, Status) {
	v, n, st := DecodeVarInt(buf)
	if st == NeedMoreData {
		return 0, 0, Malformed
	}
	return v, n, st
}

func decodeCompleteString(buf []byte) (string, int, Status) {
	s, n, st := DecodeString(buf)
	if st == NeedMoreData {
		return "", 0, Malformed
	}
	return s, n, st
}
