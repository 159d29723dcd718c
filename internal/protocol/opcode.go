// Package protocol defines the opcode space and frame format of the sync session protocol.
package protocol

import "fmt"

// Opcode is the packet class carried in the first byte of every frame.
type Opcode uint8

// Packet classes. PING/PONG are transport keepalives and never reach a session.
const (
	OpcodePing               Opcode = 0
	OpcodePong               Opcode = 1
	OpcodeNotifyAuthorized   Opcode = 2
	OpcodeNotifyUnauthorized Opcode = 3
	OpcodeData               Opcode = 7
)

func (o Opcode) String() string {
	switch o {
	case OpcodePing:
		return "PING"
	case OpcodePong:
		return "PONG"
	case OpcodeNotifyAuthorized:
		return "NOTIFY_AUTHORIZED"
	case OpcodeNotifyUnauthorized:
		return "NOTIFY_UNAUTHORIZED"
	case OpcodeData:
		return "DATA"
	default:
		return fmt.Sprintf("OPCODE(%d)", uint8(o))
	}
}

// IsControl reports whether o carries no payload.
func (o Opcode) IsControl() bool {
	return o == OpcodeNotifyAuthorized || o == OpcodeNotifyUnauthorized
}

// SubOpcode selects the message kind inside a DATA packet.
type SubOpcode uint8

// Message kinds carried under OpcodeData.
const (
	SubNone                   SubOpcode = 0
	SubSendToDevice           SubOpcode = 101
	SubSyncStateExchange      SubOpcode = 150
	SubSyncExport             SubOpcode = 201
	SubSyncSubscriptions      SubOpcode = 202
	SubSyncHistory            SubOpcode = 203
	SubSyncSubscriptionGroups SubOpcode = 204
	SubSyncPlaylists          SubOpcode = 205
)

func (s SubOpcode) String() string {
	switch s {
	case SubNone:
		return "none"
	case SubSendToDevice:
		return "sendToDevice"
	case SubSyncStateExchange:
		return "syncStateExchange"
	case SubSyncExport:
		return "syncExport"
	case SubSyncSubscriptions:
		return "syncSubscriptions"
	case SubSyncHistory:
		return "syncHistory"
	case SubSyncSubscriptionGroups:
		return "syncSubscriptionGroups"
	case SubSyncPlaylists:
		return "syncPlaylists"
	default:
		return fmt.Sprintf("sub(%d)", uint8(s))
	}
}
