package errors

import (
	"fmt"
	"time"
)

// MalformedFrame is returned when a buffer cannot be decoded into a frame or payload:
// truncated input, a length field pointing past the buffer, trailing bytes, or a
// length above the configured maximum.
type MalformedFrame struct {
	MessageName string
	Reason      string
	MsgSize     int
	Needed      int
}

func (e *MalformedFrame) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("Malformed frame (type=%s): %s (provided %d bytes, needed %d)", e.MessageName, e.Reason, e.MsgSize, e.Needed)
	}
	return fmt.Sprintf("Malformed frame (type=%s), provided %d bytes, needed at least %d", e.MessageName, e.MsgSize, e.Needed)
}

// UnknownKind is returned for a well-formed header carrying a message kind this build
// does not know. Channel and Sequence are filled so that a reliable receiver can still
// acknowledge and skip the frame.
type UnknownKind struct {
	Channel  uint8
	Kind     uint8
	Sequence uint32
}

func (e *UnknownKind) Error() string {
	return fmt.Sprintf("Unknown message kind=%d on channel=%d (seq=%d)", e.Kind, e.Channel, e.Sequence)
}

type InvalidEnumValue struct {
	EnumName string
	IntValue uint8
}

func (e *InvalidEnumValue) Error() string {
	return fmt.Sprintf("Invalid enum value=%d (enum: %s)", e.IntValue, e.EnumName)
}

type InvalidProtocol struct {
	ExpectedProtocolID uint64
	ActualProtocolID   uint64
}

func (e *InvalidProtocol) Error() string {
	return fmt.Sprintf("Invalid protocol: expected ProtocolID=%d, got ProtocolID=%d", e.ExpectedProtocolID, e.ActualProtocolID)
}

// TokenInvalid covers expired, forged, replayed or mis-bound connection tokens. A
// connection attempt that fails with it is not retried.
type TokenInvalid struct {
	Reason string
}

func (e *TokenInvalid) Error() string {
	return fmt.Sprintf("Connection token invalid: %s", e.Reason)
}

type HandshakeTimeout struct {
	After time.Duration
}

func (e *HandshakeTimeout) Error() string {
	return fmt.Sprintf("Handshake not completed within %s", e.After)
}

// ChannelOverflow means a bounded buffer (reorder buffer, pending reliable frames, input
// queue, replay buffer) hit its limit. The recovery is a forced full resync.
type ChannelOverflow struct {
	Channel string
	Limit   int
}

func (e *ChannelOverflow) Error() string {
	return fmt.Sprintf("Buffer overflow on %s (limit %d)", e.Channel, e.Limit)
}

type StaleInput struct {
	ClientID   uint64
	ClientTick uint32
	Horizon    uint32
}

func (e *StaleInput) Error() string {
	return fmt.Sprintf("Stale input from client %d: client_tick=%d is behind horizon %d", e.ClientID, e.ClientTick, e.Horizon)
}

type StaleSnapshot struct {
	Tick         uint32
	BaselineTick uint32
}

func (e *StaleSnapshot) Error() string {
	return fmt.Sprintf("Stale snapshot tick=%d (baseline tick=%d)", e.Tick, e.BaselineTick)
}

type Unauthorized struct {
	Identity string
}

func (e *Unauthorized) Error() string {
	return fmt.Sprintf("Identity '%s' is not authorized", e.Identity)
}

type ServiceUnavailable struct {
	Reason string
}

func (e *ServiceUnavailable) Error() string {
	return fmt.Sprintf("Service unavailable: %s", e.Reason)
}

type ConnectionClosed struct {
	ClientID uint64
	Reason   string
}

func (e *ConnectionClosed) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("Connection for client %d is closed", e.ClientID)
	}
	return fmt.Sprintf("Connection for client %d is closed: %s", e.ClientID, e.Reason)
}

type NameCollision struct {
	CollisionContext string
	Name             string
}

func (e *NameCollision) Error() string {
	return fmt.Sprintf("Name collision for name '%s' in context '%s'", e.Name, e.CollisionContext)
}
