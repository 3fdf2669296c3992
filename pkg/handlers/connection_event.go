package handlers

import (
	"time"

	"github.com/sessamekesh/spanreed-netsync/pkg/message"
)

//
// Connection logistics (opening / closing / overflowing connections)

type ConnectionEventType uint8

const (
	ConnectionEventType_Connected ConnectionEventType = iota
	ConnectionEventType_Disconnected
	// A bounded receive buffer overflowed; the consumer should force a full resync.
	ConnectionEventType_Overflow
)

func (t ConnectionEventType) String() string {
	switch t {
	case ConnectionEventType_Connected:
		return "connected"
	case ConnectionEventType_Disconnected:
		return "disconnected"
	case ConnectionEventType_Overflow:
		return "overflow"
	}
	return "unknown"
}

type ConnectionEvent struct {
	Type     ConnectionEventType
	ClientId uint64
	Addr     string
	Reason   string
	Error    error

	// Telemetry
	Timestamp time.Time
}

//
// Message forwarding

type IncomingMessage struct {
	ClientId uint64
	Channel  message.ChannelType
	Kind     message.MessageKind
	Sequence uint32
	Payload  []byte

	// Telemetry
	RecvTimestamp time.Time
}
