package wisp

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// PacketType identifies a wisp packet.
type PacketType uint8

const (
	TypeConnect  PacketType = 0x01
	TypeData     PacketType = 0x02
	TypeContinue PacketType = 0x03
	TypeClose    PacketType = 0x04
)

// StreamType is the transport requested by a CONNECT packet.
type StreamType uint8

const (
	StreamTCP StreamType = 0x01
	StreamUDP StreamType = 0x02
)

// CloseReason is carried by CLOSE packets.
type CloseReason uint8

const (
	CloseUnknown      CloseReason = 0x01
	CloseVoluntary    CloseReason = 0x02
	CloseNetworkError CloseReason = 0x03
	CloseInvalidInfo  CloseReason = 0x41
	CloseUnreachable  CloseReason = 0x42
	CloseTimeout      CloseReason = 0x43
	CloseRefused      CloseReason = 0x44
	CloseDataTimeout  CloseReason = 0x47
	CloseBlocked      CloseReason = 0x48
	CloseThrottled    CloseReason = 0x49
	CloseClientError  CloseReason = 0x81
)

const headerLen = 5

// ErrShortPacket is returned for packets too small to carry their fields.
var ErrShortPacket = errors.New("wisp: short packet")

// Packet is one wisp frame. Every WebSocket binary message carries exactly
// one packet.
type Packet struct {
	Type     PacketType
	StreamID uint32
	Payload  []byte
}

// ParsePacket decodes b. The payload aliases b.
func ParsePacket(b []byte) (Packet, error) {
	if len(b) < headerLen {
		return Packet{}, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(b))
	}
	return Packet{
		Type:     PacketType(b[0]),
		StreamID: binary.LittleEndian.Uint32(b[1:5]),
		Payload:  b[headerLen:],
	}, nil
}

// Marshal encodes p into a new slice.
func (p Packet) Marshal() []byte {
	b := make([]byte, headerLen+len(p.Payload))
	b[0] = byte(p.Type)
	binary.LittleEndian.PutUint32(b[1:5], p.StreamID)
	copy(b[headerLen:], p.Payload)
	return b
}

// Connect is the payload of a CONNECT packet.
type Connect struct {
	Stream StreamType
	Port   uint16
	Host   string
}

// ParseConnect decodes a CONNECT payload.
func ParseConnect(b []byte) (Connect, error) {
	if len(b) < 3 {
		return Connect{}, fmt.Errorf("%w: connect payload of %d bytes", ErrShortPacket, len(b))
	}
	return Connect{
		Stream: StreamType(b[0]),
		Port:   binary.LittleEndian.Uint16(b[1:3]),
		Host:   string(b[3:]),
	}, nil
}

// Marshal encodes c as a CONNECT payload.
func (c Connect) Marshal() []byte {
	b := make([]byte, 3+len(c.Host))
	b[0] = byte(c.Stream)
	binary.LittleEndian.PutUint16(b[1:3], c.Port)
	copy(b[3:], c.Host)
	return b
}

// ContinuePacket grants the peer room for remaining more DATA packets.
func ContinuePacket(streamID, remaining uint32) Packet {
	p := Packet{Type: TypeContinue, StreamID: streamID, Payload: make([]byte, 4)}
	binary.LittleEndian.PutUint32(p.Payload, remaining)
	return p
}

// ClosePacket ends a stream.
func ClosePacket(streamID uint32, reason CloseReason) Packet {
	return Packet{Type: TypeClose, StreamID: streamID, Payload: []byte{byte(reason)}}
}

// Remaining decodes the payload of a CONTINUE packet.
func (p Packet) Remaining() (uint32, error) {
	if len(p.Payload) < 4 {
		return 0, ErrShortPacket
	}
	return binary.LittleEndian.Uint32(p.Payload), nil
}

// Reason decodes the payload of a CLOSE packet.
func (p Packet) Reason() CloseReason {
	if len(p.Payload) == 0 {
		return CloseUnknown
	}
	return CloseReason(p.Payload[0])
}
