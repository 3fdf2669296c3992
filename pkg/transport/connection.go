package transport

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sessamekesh/spanreed-netsync/pkg/errors"
	"github.com/sessamekesh/spanreed-netsync/pkg/message"
	"go.uber.org/zap"
)

type ConnectionState uint8

const (
	ConnectionState_Connecting ConnectionState = iota
	ConnectionState_Connected
	ConnectionState_Disconnecting
	ConnectionState_Closed
	ConnectionState_Failed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionState_Connecting:
		return "Connecting"
	case ConnectionState_Connected:
		return "Connected"
	case ConnectionState_Disconnecting:
		return "Disconnecting"
	case ConnectionState_Closed:
		return "Closed"
	case ConnectionState_Failed:
		return "Failed"
	}
	return fmt.Sprintf("ConnectionState(%d)", uint8(s))
}

func (s ConnectionState) IsTerminal() bool {
	return s == ConnectionState_Closed || s == ConnectionState_Failed
}

// CanTransitionTo reports whether next is a legal successor of s. Failed is reachable from
// every non-terminal state.
func (s ConnectionState) CanTransitionTo(next ConnectionState) bool {
	if s.IsTerminal() {
		return false
	}
	if next == ConnectionState_Failed {
		return true
	}
	switch s {
	case ConnectionState_Connecting:
		return next == ConnectionState_Connected || next == ConnectionState_Disconnecting
	case ConnectionState_Connected:
		return next == ConnectionState_Disconnecting || next == ConnectionState_Closed
	case ConnectionState_Disconnecting:
		return next == ConnectionState_Closed
	}
	return false
}

type IllegalTransitionError struct {
	From ConnectionState
	To   ConnectionState
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("Illegal connection state transition %s -> %s", e.From, e.To)
}

// ConnectionParams carries the per-connection timing and buffer calibration.
type ConnectionParams struct {
	HeartbeatInterval  time.Duration
	KeepAliveTimeout   time.Duration
	ResendBase         time.Duration
	ResendMax          time.Duration
	ReorderBufferLimit int
	MaxPendingReliable int
	MaxPayloadSize     int
}

func DefaultConnectionParams() ConnectionParams {
	return ConnectionParams{
		HeartbeatInterval:  time.Second,
		KeepAliveTimeout:   10 * time.Second,
		ResendBase:         200 * time.Millisecond,
		ResendMax:          2 * time.Second,
		ReorderBufferLimit: 256,
		MaxPendingReliable: 1024,
		MaxPayloadSize:     message.DefaultMaxPayloadSize,
	}
}

func (p ConnectionParams) withDefaults() ConnectionParams {
	d := DefaultConnectionParams()
	if p.HeartbeatInterval <= 0 {
		p.HeartbeatInterval = d.HeartbeatInterval
	}
	if p.KeepAliveTimeout <= 0 {
		p.KeepAliveTimeout = d.KeepAliveTimeout
	}
	if p.ResendBase <= 0 {
		p.ResendBase = d.ResendBase
	}
	if p.ResendMax < p.ResendBase {
		p.ResendMax = d.ResendMax
		if p.ResendMax < p.ResendBase {
			p.ResendMax = p.ResendBase
		}
	}
	if p.ReorderBufferLimit <= 0 {
		p.ReorderBufferLimit = d.ReorderBufferLimit
	}
	if p.MaxPendingReliable <= 0 {
		p.MaxPendingReliable = d.MaxPendingReliable
	}
	if p.MaxPayloadSize <= 0 {
		p.MaxPayloadSize = d.MaxPayloadSize
	}
	return p
}

type ChannelMetrics struct {
	FramesSent      uint64
	FramesReceived  uint64
	BytesSent       uint64
	BytesReceived   uint64
	HighestSequence uint32
	Delivered       uint64
	StaleDrops      uint64
	Duplicates      uint64
	Retransmits     uint64
	Overflows       uint64
	InFlight        int
}

// LossRate estimates the fraction of frames that never arrived. On the unreliable channel
// it is derived from sequence gaps; on the reliable channel from the retransmission ratio.
func (m ChannelMetrics) LossRate(channel message.ChannelType) float64 {
	switch channel {
	case message.ChannelType_Unreliable:
		if m.HighestSequence == 0 {
			return 0
		}
		lost := float64(m.HighestSequence) - float64(m.Delivered)
		if lost < 0 {
			return 0
		}
		return lost / float64(m.HighestSequence)
	case message.ChannelType_ReliableOrdered:
		total := m.FramesSent + m.Retransmits
		if total == 0 {
			return 0
		}
		return float64(m.Retransmits) / float64(total)
	}
	return 0
}

// ConnectionMetrics is a value copy of one connection's counters. Readers never see live
// channel state.
type ConnectionMetrics struct {
	ClientID uint64
	Addr     string
	State    ConnectionState
	RTT      time.Duration
	LastSeen time.Time
	Channels [message.ChannelType_NONE]ChannelMetrics
}

func (m ConnectionMetrics) BytesSent() uint64 {
	var total uint64
	for _, c := range m.Channels {
		total += c.BytesSent
	}
	return total
}

func (m ConnectionMetrics) LossRate(channel message.ChannelType) float64 {
	if channel >= message.ChannelType_NONE {
		return 0
	}
	return m.Channels[channel].LossRate(channel)
}

func (m ConnectionMetrics) BytesReceived() uint64 {
	var total uint64
	for _, c := range m.Channels {
		total += c.BytesReceived
	}
	return total
}

// Connection is one peer's channel state. It is owned by a Server or ClientConn; all of
// its methods take the connection's own lock and never touch another connection.
type Connection struct {
	ClientID uint64

	addr       net.Addr
	params     ConnectionParams
	write      func([]byte) error
	serializer message.FrameSerializer
	log        *zap.Logger

	mut_state   sync.Mutex
	state       ConnectionState
	closeReason string

	controlSeq     uint32
	unreliableSeq  uint32
	unreliableRecv unreliableReceiver
	reliableSend   *reliableSender
	reliableRecv   *reliableReceiver

	// Set once the server accepted the handshake so a retransmitted request gets the same answer.
	acceptPayload []byte

	lastSeen time.Time
	lastSent time.Time
	rtt      time.Duration
	hasRTT   bool
	channels [message.ChannelType_NONE]ChannelMetrics
}

func newConnection(clientID uint64, addr net.Addr, params ConnectionParams, write func([]byte) error, log *zap.Logger, now time.Time) *Connection {
	params = params.withDefaults()
	return &Connection{
		ClientID:     clientID,
		addr:         addr,
		params:       params,
		write:        write,
		serializer:   message.FrameSerializer{MaxPayloadSize: params.MaxPayloadSize},
		log:          log,
		state:        ConnectionState_Connecting,
		reliableSend: newReliableSender(params),
		reliableRecv: newReliableReceiver(params.ReorderBufferLimit),
		lastSeen:     now,
		lastSent:     now,
	}
}

func (c *Connection) Addr() net.Addr {
	return c.addr
}

func (c *Connection) State() ConnectionState {
	c.mut_state.Lock()
	defer c.mut_state.Unlock()
	return c.state
}

func (c *Connection) RTT() time.Duration {
	c.mut_state.Lock()
	defer c.mut_state.Unlock()
	return c.rtt
}

func (c *Connection) CloseReason() string {
	c.mut_state.Lock()
	defer c.mut_state.Unlock()
	return c.closeReason
}

func (c *Connection) transition(next ConnectionState) error {
	if !c.state.CanTransitionTo(next) {
		return &IllegalTransitionError{From: c.state, To: next}
	}
	c.log.Debug("Connection state transition",
		zap.Stringer("from", c.state), zap.Stringer("to", next))
	c.state = next
	if next.IsTerminal() {
		c.reliableSend.reset()
		c.reliableRecv.reset()
	}
	return nil
}

func (c *Connection) Transition(next ConnectionState) error {
	c.mut_state.Lock()
	defer c.mut_state.Unlock()
	return c.transition(next)
}

// establish moves a Connecting connection to Connected under the given client id.
func (c *Connection) establish(clientID uint64, now time.Time) error {
	c.mut_state.Lock()
	defer c.mut_state.Unlock()

	if err := c.transition(ConnectionState_Connected); err != nil {
		return err
	}
	c.ClientID = clientID
	c.lastSeen = now
	return nil
}

func (c *Connection) sampleRTT(sample time.Duration) {
	if sample < 0 {
		return
	}
	if !c.hasRTT {
		c.rtt = sample
		c.hasRTT = true
		return
	}
	c.rtt += (sample - c.rtt) / 8
}

func (c *Connection) writeFrame(f *message.Frame, now time.Time) ([]byte, error) {
	encoded, err := c.serializer.Encode(f)
	if err != nil {
		return nil, err
	}
	if err := c.writeRaw(f.Channel, encoded, now); err != nil {
		return encoded, err
	}
	return encoded, nil
}

func (c *Connection) writeRaw(channel message.ChannelType, encoded []byte, now time.Time) error {
	c.lastSent = now
	c.channels[channel].FramesSent++
	c.channels[channel].BytesSent += uint64(len(encoded))
	return c.write(encoded)
}

func (c *Connection) sendControl(kind message.MessageKind, payload []byte, now time.Time) error {
	c.controlSeq++
	_, err := c.writeFrame(&message.Frame{
		Channel:  message.ChannelType_Control,
		Kind:     kind,
		Sequence: c.controlSeq,
		Payload:  payload,
	}, now)
	return err
}

// SendControl writes a control-channel frame. Unlike Send it is allowed while Connecting so
// the handshake can run over the same sequence space.
func (c *Connection) SendControl(kind message.MessageKind, payload []byte, now time.Time) error {
	c.mut_state.Lock()
	defer c.mut_state.Unlock()

	if c.state.IsTerminal() {
		return &errors.ConnectionClosed{ClientID: c.ClientID, Reason: c.state.String()}
	}
	return c.sendControl(kind, payload, now)
}

// Send queues a data frame on channel. Reliable frames are kept for retransmission until
// acknowledged; a write error on the carrier does not lose them.
func (c *Connection) Send(channel message.ChannelType, kind message.MessageKind, payload []byte, now time.Time) error {
	c.mut_state.Lock()
	defer c.mut_state.Unlock()

	if c.state != ConnectionState_Connected {
		return &errors.ConnectionClosed{ClientID: c.ClientID, Reason: c.state.String()}
	}

	switch channel {
	case message.ChannelType_Unreliable:
		c.unreliableSeq++
		_, err := c.writeFrame(&message.Frame{
			Channel:  channel,
			Kind:     kind,
			Sequence: c.unreliableSeq,
			Payload:  payload,
		}, now)
		return err
	case message.ChannelType_ReliableOrdered:
		seq, err := c.reliableSend.reserve()
		if err != nil {
			c.channels[channel].Overflows++
			return err
		}
		encoded, err := c.serializer.Encode(&message.Frame{
			Channel:  channel,
			Kind:     kind,
			Sequence: seq,
			Payload:  payload,
		})
		if err != nil {
			return err
		}
		c.reliableSend.track(seq, encoded, now)
		if err := c.writeRaw(channel, encoded, now); err != nil {
			c.log.Debug("Reliable write failed, leaving frame for retransmission", zap.Uint32("seq", seq), zap.Error(err))
		}
		return nil
	}
	return &errors.InvalidEnumValue{EnumName: "ChannelType", IntValue: uint8(channel)}
}

type frameResult struct {
	delivered []*message.Frame
	overflow  bool
	closed    bool
	reason    string
	// Handshake-class frames are handed back to the owner.
	handshake *message.Frame
}

func (c *Connection) handleFrame(f *message.Frame, size int, now time.Time) frameResult {
	c.mut_state.Lock()
	defer c.mut_state.Unlock()

	res := frameResult{}
	if c.state.IsTerminal() {
		return res
	}
	if message.IsControlKind(f.Kind) != (f.Channel == message.ChannelType_Control) {
		c.log.Warn("Dropping frame on the wrong channel", zap.Stringer("channel", f.Channel), zap.Stringer("kind", f.Kind))
		if f.Channel != message.ChannelType_Control {
			res.delivered = c.skipFrame(f.Channel, f.Sequence, size, now)
		}
		return res
	}

	c.lastSeen = now
	c.channels[f.Channel].FramesReceived++
	c.channels[f.Channel].BytesReceived += uint64(size)
	if f.Sequence > c.channels[f.Channel].HighestSequence {
		c.channels[f.Channel].HighestSequence = f.Sequence
	}

	switch f.Channel {
	case message.ChannelType_Control:
		c.handleControl(f, now, &res)

	case message.ChannelType_Unreliable:
		if !c.unreliableRecv.accept(f.Sequence) {
			c.channels[f.Channel].StaleDrops++
			return res
		}
		c.channels[f.Channel].Delivered++
		res.delivered = []*message.Frame{f}

	case message.ChannelType_ReliableOrdered:
		ready, verdict := c.reliableRecv.receive(f.Sequence, f)
		switch verdict {
		case reliableVerdict_Overflow:
			c.channels[f.Channel].Overflows++
			res.overflow = true
			c.log.Warn("Reorder buffer overflow, dropping frame unacknowledged",
				zap.Uint32("seq", f.Sequence), zap.Int("limit", c.params.ReorderBufferLimit))
			return res
		case reliableVerdict_Duplicate:
			c.channels[f.Channel].Duplicates++
		}
		c.channels[f.Channel].Delivered += uint64(len(ready))
		res.delivered = ready
		c.sendAck(f.Sequence, now)
	}
	return res
}

func (c *Connection) sendAck(seq uint32, now time.Time) {
	payload := message.Marshal(&message.Ack{Cumulative: c.reliableRecv.delivered, Sequence: seq})
	if err := c.sendControl(message.MessageKind_Ack, payload, now); err != nil {
		c.log.Debug("Failed to send ack", zap.Uint32("seq", seq), zap.Error(err))
	}
}

func (c *Connection) handleControl(f *message.Frame, now time.Time, res *frameResult) {
	switch f.Kind {
	case message.MessageKind_Heartbeat:
		hb := message.Heartbeat{}
		if err := message.Unmarshal(f.Payload, &hb); err != nil {
			c.log.Debug("Dropping malformed heartbeat", zap.Error(err))
			return
		}
		hb.Echo = true
		if err := c.sendControl(message.MessageKind_HeartbeatEcho, message.Marshal(&hb), now); err != nil {
			c.log.Debug("Failed to echo heartbeat", zap.Error(err))
		}

	case message.MessageKind_HeartbeatEcho:
		hb := message.Heartbeat{Echo: true}
		if err := message.Unmarshal(f.Payload, &hb); err != nil {
			c.log.Debug("Dropping malformed heartbeat echo", zap.Error(err))
			return
		}
		c.sampleRTT(now.Sub(time.Unix(0, hb.Timestamp)))

	case message.MessageKind_Ack:
		ack := message.Ack{}
		if err := message.Unmarshal(f.Payload, &ack); err != nil {
			c.log.Debug("Dropping malformed ack", zap.Error(err))
			return
		}
		if sample, ok := c.reliableSend.ack(ack.Cumulative, ack.Sequence, now); ok {
			c.sampleRTT(sample)
		}

	case message.MessageKind_Disconnect:
		msg := message.Disconnect{}
		if err := message.Unmarshal(f.Payload, &msg); err != nil {
			msg.Reason = "remote disconnect"
		}
		if c.state == ConnectionState_Connected {
			_ = c.transition(ConnectionState_Closed)
		} else {
			_ = c.transition(ConnectionState_Failed)
		}
		c.closeReason = msg.Reason
		res.closed = true
		res.reason = msg.Reason

	case message.MessageKind_HandshakeRequest, message.MessageKind_HandshakeAccept, message.MessageKind_HandshakeReject:
		res.handshake = f

	default:
		c.log.Warn("Unexpected kind on control channel", zap.Stringer("kind", f.Kind))
	}
}

// handleUnknown accounts for a frame whose header decoded but whose kind is not known.
// On the reliable channel the sequence is still consumed and acknowledged so the stream
// does not stall behind it.
func (c *Connection) handleUnknown(channel message.ChannelType, seq uint32, size int, now time.Time) []*message.Frame {
	c.mut_state.Lock()
	defer c.mut_state.Unlock()

	if c.state.IsTerminal() || channel >= message.ChannelType_NONE {
		return nil
	}
	return c.skipFrame(channel, seq, size, now)
}

// skipFrame consumes a data-channel sequence without delivering its frame. Callers hold
// mut_state.
func (c *Connection) skipFrame(channel message.ChannelType, seq uint32, size int, now time.Time) []*message.Frame {
	c.lastSeen = now
	c.channels[channel].FramesReceived++
	c.channels[channel].BytesReceived += uint64(size)

	switch channel {
	case message.ChannelType_ReliableOrdered:
		ready, verdict := c.reliableRecv.receive(seq, nil)
		if verdict == reliableVerdict_Overflow {
			c.channels[channel].Overflows++
			return nil
		}
		c.channels[channel].Delivered += uint64(len(ready))
		c.sendAck(seq, now)
		return ready
	case message.ChannelType_Unreliable:
		c.unreliableRecv.accept(seq)
	}
	return nil
}

// poll runs the time-driven work: keep-alive expiry, retransmission, heartbeats. It
// reports true when the connection just failed.
func (c *Connection) poll(now time.Time) bool {
	c.mut_state.Lock()
	defer c.mut_state.Unlock()

	if c.state != ConnectionState_Connected {
		return false
	}

	if now.Sub(c.lastSeen) > c.params.KeepAliveTimeout {
		_ = c.transition(ConnectionState_Failed)
		c.closeReason = "keep-alive timeout"
		return true
	}

	for _, encoded := range c.reliableSend.due(now) {
		c.channels[message.ChannelType_ReliableOrdered].Retransmits++
		if err := c.writeRaw(message.ChannelType_ReliableOrdered, encoded, now); err != nil {
			c.log.Debug("Retransmission write failed", zap.Error(err))
		}
	}

	if now.Sub(c.lastSent) >= c.params.HeartbeatInterval {
		hb := message.Heartbeat{Timestamp: now.UnixNano()}
		if err := c.sendControl(message.MessageKind_Heartbeat, message.Marshal(&hb), now); err != nil {
			c.log.Debug("Heartbeat write failed", zap.Error(err))
		}
	}
	return false
}

// close ends a live connection locally: a best-effort Disconnect goes out and pending
// retransmissions are dropped. It reports whether the connection was still open.
func (c *Connection) close(reason string, now time.Time) bool {
	c.mut_state.Lock()
	defer c.mut_state.Unlock()

	if c.state.IsTerminal() {
		return false
	}
	if c.state == ConnectionState_Connected {
		_ = c.transition(ConnectionState_Disconnecting)
		payload := message.Marshal(&message.Disconnect{Reason: reason})
		if err := c.sendControl(message.MessageKind_Disconnect, payload, now); err != nil {
			c.log.Debug("Best-effort disconnect write failed", zap.Error(err))
		}
		_ = c.transition(ConnectionState_Closed)
	} else {
		_ = c.transition(ConnectionState_Failed)
	}
	c.closeReason = reason
	return true
}

func (c *Connection) Metrics() ConnectionMetrics {
	c.mut_state.Lock()
	defer c.mut_state.Unlock()

	m := ConnectionMetrics{
		ClientID: c.ClientID,
		State:    c.state,
		RTT:      c.rtt,
		LastSeen: c.lastSeen,
		Channels: c.channels,
	}
	if c.addr != nil {
		m.Addr = c.addr.String()
	}
	m.Channels[message.ChannelType_ReliableOrdered].InFlight = c.reliableSend.inFlight()
	return m
}
