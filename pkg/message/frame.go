package message

import (
	"encoding/binary"
	"fmt"

	"github.com/sessamekesh/spanreed-netsync/pkg/errors"
)

type ChannelType uint8

const (
	// Handshake, heartbeat, ack and disconnect traffic. Any malformed frame here is fatal
	// to the connection attempt that produced it.
	ChannelType_Control ChannelType = iota
	// Best-effort, unordered, no retransmission. Stale sequences are dropped.
	ChannelType_Unreliable
	// Retransmitted until acknowledged, released to the application in send order.
	ChannelType_ReliableOrdered

	ChannelType_NONE
)

func (c ChannelType) String() string {
	switch c {
	case ChannelType_Control:
		return "control"
	case ChannelType_Unreliable:
		return "unreliable"
	case ChannelType_ReliableOrdered:
		return "reliable"
	}
	return fmt.Sprintf("channel(%d)", uint8(c))
}

// DataChannels are the channels application payloads may travel on.
var DataChannels = []ChannelType{ChannelType_Unreliable, ChannelType_ReliableOrdered}

type MessageKind uint8

const (
	MessageKind_HandshakeRequest MessageKind = 0x01
	MessageKind_HandshakeAccept  MessageKind = 0x02
	MessageKind_HandshakeReject  MessageKind = 0x03
	MessageKind_Heartbeat        MessageKind = 0x04
	MessageKind_HeartbeatEcho    MessageKind = 0x05
	MessageKind_Ack              MessageKind = 0x06
	MessageKind_Disconnect       MessageKind = 0x07

	MessageKind_Input         MessageKind = 0x10
	MessageKind_SnapshotDelta MessageKind = 0x11
	MessageKind_SnapshotFull  MessageKind = 0x12
	MessageKind_ResyncRequest MessageKind = 0x13
)

func (k MessageKind) String() string {
	switch k {
	case MessageKind_HandshakeRequest:
		return "HandshakeRequest"
	case MessageKind_HandshakeAccept:
		return "HandshakeAccept"
	case MessageKind_HandshakeReject:
		return "HandshakeReject"
	case MessageKind_Heartbeat:
		return "Heartbeat"
	case MessageKind_HeartbeatEcho:
		return "HeartbeatEcho"
	case MessageKind_Ack:
		return "Ack"
	case MessageKind_Disconnect:
		return "Disconnect"
	case MessageKind_Input:
		return "Input"
	case MessageKind_SnapshotDelta:
		return "SnapshotDelta"
	case MessageKind_SnapshotFull:
		return "SnapshotFull"
	case MessageKind_ResyncRequest:
		return "ResyncRequest"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

func IsKnownKind(k MessageKind) bool {
	switch k {
	case MessageKind_HandshakeRequest, MessageKind_HandshakeAccept, MessageKind_HandshakeReject,
		MessageKind_Heartbeat, MessageKind_HeartbeatEcho, MessageKind_Ack, MessageKind_Disconnect,
		MessageKind_Input, MessageKind_SnapshotDelta, MessageKind_SnapshotFull, MessageKind_ResyncRequest:
		return true
	}
	return false
}

// IsControlKind reports whether a kind belongs on the control channel.
func IsControlKind(k MessageKind) bool {
	return k >= MessageKind_HandshakeRequest && k <= MessageKind_Disconnect
}

const (
	// channel_tag u8 | message_kind u8 | sequence u32 | payload_len u32
	HeaderSize = 10

	// Largest frame that fits in a single UDP datagram.
	MaxDatagramSize       = 65507
	DefaultMaxPayloadSize = MaxDatagramSize - HeaderSize
)

// Frame is one sequenced message on one channel. Sequence numbers are scoped per
// (connection, channel), start at 1 and strictly increase.
type Frame struct {
	Channel  ChannelType
	Kind     MessageKind
	Sequence uint32
	Payload  []byte
}

type FrameSerializer struct {
	MaxPayloadSize int
}

func (s FrameSerializer) maxPayload() int {
	if s.MaxPayloadSize > 0 {
		return s.MaxPayloadSize
	}
	return DefaultMaxPayloadSize
}

func (s FrameSerializer) Encode(f *Frame) ([]byte, error) {
	if f.Channel >= ChannelType_NONE {
		return nil, &errors.InvalidEnumValue{
			EnumName: "Frame::Channel",
			IntValue: uint8(f.Channel),
		}
	}
	if len(f.Payload) > s.maxPayload() {
		return nil, &errors.MalformedFrame{
			MessageName: "Frame",
			Reason:      "payload exceeds maximum size",
			MsgSize:     len(f.Payload),
			Needed:      s.maxPayload(),
		}
	}

	out := make([]byte, 0, HeaderSize+len(f.Payload))
	out = append(out, uint8(f.Channel), uint8(f.Kind))
	out = binary.LittleEndian.AppendUint32(out, f.Sequence)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(f.Payload)))
	out = append(out, f.Payload...)
	return out, nil
}

// Decode parses exactly one frame. The returned payload never aliases raw, so callers
// may reuse their read buffers.
func (s FrameSerializer) Decode(raw []byte) (*Frame, error) {
	if len(raw) < HeaderSize {
		return nil, &errors.MalformedFrame{
			MessageName: "Frame",
			MsgSize:     len(raw),
			Needed:      HeaderSize,
		}
	}

	channel := ChannelType(raw[0])
	kind := MessageKind(raw[1])
	sequence := binary.LittleEndian.Uint32(raw[2:6])
	payloadLen := binary.LittleEndian.Uint32(raw[6:10])

	if channel >= ChannelType_NONE {
		return nil, &errors.MalformedFrame{
			MessageName: "Frame",
			Reason:      fmt.Sprintf("unknown channel tag %d", raw[0]),
			MsgSize:     len(raw),
			Needed:      HeaderSize,
		}
	}
	if uint64(payloadLen) > uint64(s.maxPayload()) {
		return nil, &errors.MalformedFrame{
			MessageName: "Frame",
			Reason:      "payload length exceeds maximum size",
			MsgSize:     len(raw),
			Needed:      HeaderSize + int(payloadLen),
		}
	}
	needed := HeaderSize + int(payloadLen)
	if len(raw) < needed {
		return nil, &errors.MalformedFrame{
			MessageName: "Frame::Payload",
			MsgSize:     len(raw),
			Needed:      needed,
		}
	}
	if len(raw) > needed {
		return nil, &errors.MalformedFrame{
			MessageName: "Frame",
			Reason:      "trailing bytes after payload",
			MsgSize:     len(raw),
			Needed:      needed,
		}
	}

	if !IsKnownKind(kind) {
		return nil, &errors.UnknownKind{
			Channel:  uint8(channel),
			Kind:     uint8(kind),
			Sequence: sequence,
		}
	}

	payload := make([]byte, payloadLen)
	copy(payload, raw[HeaderSize:needed])

	return &Frame{
		Channel:  channel,
		Kind:     kind,
		Sequence: sequence,
		Payload:  payload,
	}, nil
}

var defaultSerializer = FrameSerializer{}

func Encode(f *Frame) ([]byte, error) {
	return defaultSerializer.Encode(f)
}

func Decode(raw []byte) (*Frame, error) {
	return defaultSerializer.Decode(raw)
}
