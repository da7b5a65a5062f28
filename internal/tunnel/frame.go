// Package tunnel implements KohakuRiver's binary-framed WebSocket
// multiplexer: the 8-byte frame codec shared by the runner-side tunnel
// server, the in-container tunnel client, and the Host's protocol-
// transparent WS proxy.
package tunnel

import (
	"encoding/binary"
	"fmt"

	"github.com/KohakuBlueleaf/kohakuriver/internal/types"
)

// FrameType is the first byte of every tunnel frame.
type FrameType byte

const (
	FrameConnect   FrameType = 0x01
	FrameConnected FrameType = 0x02
	FrameData      FrameType = 0x03
	FrameClose     FrameType = 0x04
	FrameError     FrameType = 0x05
	FramePing      FrameType = 0x06
	FramePong      FrameType = 0x07
)

// headerLen is the fixed-size portion of every frame: type, proto,
// client_id, port.
const headerLen = 8

// Frame is a decoded tunnel frame.
type Frame struct {
	Type     FrameType
	Proto    types.TunnelProto
	ClientID uint32
	Port     uint16
	Payload  []byte
}

// Build encodes f into the 8-byte-header-plus-payload wire format.
func Build(t FrameType, proto types.TunnelProto, clientID uint32, port uint16, payload []byte) []byte {
	buf := make([]byte, headerLen+len(payload))
	buf[0] = byte(t)
	buf[1] = byte(proto)
	binary.BigEndian.PutUint32(buf[2:6], clientID)
	binary.BigEndian.PutUint16(buf[6:8], port)
	copy(buf[headerLen:], payload)
	return buf
}

// Parse decodes a raw frame. It returns an error if raw is shorter than
// the fixed header.
func Parse(raw []byte) (Frame, error) {
	if len(raw) < headerLen {
		return Frame{}, fmt.Errorf("tunnel: frame too short (%d bytes, need at least %d)", len(raw), headerLen)
	}
	f := Frame{
		Type:     FrameType(raw[0]),
		Proto:    types.TunnelProto(raw[1]),
		ClientID: binary.BigEndian.Uint32(raw[2:6]),
		Port:     binary.BigEndian.Uint16(raw[6:8]),
	}
	if len(raw) > headerLen {
		f.Payload = raw[headerLen:]
	}
	return f, nil
}

// Connect builds a CONNECT frame: Runner -> Client, asking it to open
// 127.0.0.1:port locally.
func Connect(proto types.TunnelProto, clientID uint32, port uint16) []byte {
	return Build(FrameConnect, proto, clientID, port, nil)
}

// Connected builds a CONNECTED frame acknowledging a successful CONNECT.
func Connected(proto types.TunnelProto, clientID uint32) []byte {
	return Build(FrameConnected, proto, clientID, 0, nil)
}

// Data builds a DATA frame carrying payload in either direction.
func Data(proto types.TunnelProto, clientID uint32, payload []byte) []byte {
	return Build(FrameData, proto, clientID, 0, payload)
}

// Close builds a CLOSE frame tearing down one multiplexed connection.
func Close(proto types.TunnelProto, clientID uint32) []byte {
	return Build(FrameClose, proto, clientID, 0, nil)
}

// Error builds an ERROR frame carrying a human-readable message payload.
func Error(proto types.TunnelProto, clientID uint32, message string) []byte {
	return Build(FrameError, proto, clientID, 0, []byte(message))
}

// Ping builds a keepalive PING frame. client_id 0 is reserved for pings.
func Ping() []byte {
	return Build(FramePing, types.TunnelProtoTCP, 0, 0, nil)
}

// Pong builds the keepalive PONG reply.
func Pong() []byte {
	return Build(FramePong, types.TunnelProtoTCP, 0, 0, nil)
}
