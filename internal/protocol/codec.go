package protocol

import (
	"fmt"

	"github.com/and161185/peersync/internal/errs"
)

// HeaderSize is the fixed frame header: Opcode(1) + SubOpcode(1).
const HeaderSize = 2

// Packet is one decoded frame.
type Packet struct {
	Opcode    Opcode
	SubOpcode SubOpcode // SubNone for control packets
	Payload   []byte
}

// Encode serializes a packet into a frame.
func Encode(pkt Packet) []byte {
	buf := make([]byte, HeaderSize+len(pkt.Payload))
	buf[0] = byte(pkt.Opcode)
	buf[1] = byte(pkt.SubOpcode)
	copy(buf[HeaderSize:], pkt.Payload)
	return buf
}

// Decode parses a frame. The payload is copied so callers may reuse data.
func Decode(data []byte) (Packet, error) {
	if len(data) < HeaderSize {
		return Packet{}, fmt.Errorf("frame too short: %d bytes (need at least %d): %w",
			len(data), HeaderSize, errs.ErrMalformedPayload)
	}
	pkt := Packet{
		Opcode:    Opcode(data[0]),
		SubOpcode: SubOpcode(data[1]),
	}
	if len(data) > HeaderSize {
		pkt.Payload = make([]byte, len(data)-HeaderSize)
		copy(pkt.Payload, data[HeaderSize:])
	}
	return pkt, nil
}
