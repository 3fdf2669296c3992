package transport

import (
	"context"
	goerrs "errors"
	"net"
	"sync"
	"time"

	"github.com/sessamekesh/spanreed-netsync/pkg/errors"
	"github.com/sessamekesh/spanreed-netsync/pkg/handlers"
	"github.com/sessamekesh/spanreed-netsync/pkg/message"
	"go.uber.org/zap"
)

type ClientParams struct {
	ProtocolID uint64
	// The compact signed connection token obtained from the token service.
	Token []byte

	Connection       ConnectionParams
	HandshakeTimeout time.Duration
	HandshakeRetry   time.Duration
	PollInterval     time.Duration

	EventBufferSize   int
	MessageBufferSize int

	Logger *zap.Logger
	Now    func() time.Time
}

// ClientConn is the client side of one transport connection.
type ClientConn struct {
	conn       PacketConn
	remote     net.Addr
	connection *Connection
	accept     message.HandshakeAccept
	params     ClientParams
	serializer message.FrameSerializer
	log        *zap.Logger
	now        func() time.Time

	handshakes chan handshakeOutcome
	events     chan handlers.ConnectionEvent
	messages   chan handlers.IncomingMessage

	closeOnce sync.Once
	lostOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

type handshakeOutcome struct {
	reject *message.HandshakeReject
	err    error
}

// Dial runs the handshake against remote over conn, retransmitting the request every
// HandshakeRetry. The returned ClientConn owns conn; on failure conn is closed.
func Dial(ctx context.Context, conn PacketConn, remote net.Addr, params ClientParams) (*ClientConn, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	if params.HandshakeTimeout <= 0 {
		params.HandshakeTimeout = 5 * time.Second
	}
	if params.HandshakeRetry <= 0 {
		params.HandshakeRetry = 250 * time.Millisecond
	}
	if params.PollInterval <= 0 {
		params.PollInterval = 10 * time.Millisecond
	}
	if params.EventBufferSize <= 0 {
		params.EventBufferSize = 8
	} else if params.EventBufferSize < 2 {
		params.EventBufferSize = 2
	}
	if params.MessageBufferSize <= 0 {
		params.MessageBufferSize = 1024
	}
	params.Connection = params.Connection.withDefaults()

	log := logger.With(zap.String("handler", "TransportClient"), zap.Stringer("server", remote))

	c := &ClientConn{
		conn:       conn,
		remote:     remote,
		params:     params,
		serializer: message.FrameSerializer{MaxPayloadSize: params.Connection.MaxPayloadSize},
		log:        log,
		now:        now,
		handshakes: make(chan handshakeOutcome, 4),
		events:     make(chan handlers.ConnectionEvent, params.EventBufferSize),
		messages:   make(chan handlers.IncomingMessage, params.MessageBufferSize),
		done:       make(chan struct{}),
	}
	c.connection = newConnection(0, remote, params.Connection, func(b []byte) error {
		_, err := conn.WriteTo(b, remote)
		return err
	}, log, now())

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.readLoop()
	}()

	if err := c.handshake(ctx); err != nil {
		c.connection.Transition(ConnectionState_Failed)
		c.shutdown()
		c.wg.Wait()
		return nil, err
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.pollLoop()
	}()

	return c, nil
}

func (c *ClientConn) handshake(ctx context.Context) error {
	request := message.Marshal(&message.HandshakeRequest{
		ProtocolID: c.params.ProtocolID,
		Token:      c.params.Token,
	})

	deadline := time.NewTimer(c.params.HandshakeTimeout)
	defer deadline.Stop()
	retry := time.NewTicker(c.params.HandshakeRetry)
	defer retry.Stop()

	send := func() {
		if err := c.connection.SendControl(message.MessageKind_HandshakeRequest, request, c.now()); err != nil {
			c.log.Debug("Failed to send handshake request", zap.Error(err))
		}
	}
	send()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			c.log.Warn("Handshake timed out", zap.Duration("after", c.params.HandshakeTimeout))
			return &errors.HandshakeTimeout{After: c.params.HandshakeTimeout}
		case <-retry.C:
			send()
		case outcome := <-c.handshakes:
			if outcome.err != nil {
				c.log.Warn("Handshake failed", zap.Error(outcome.err))
				return outcome.err
			}
			if outcome.reject != nil {
				c.log.Warn("Handshake rejected", zap.Uint8("code", uint8(outcome.reject.Code)), zap.String("reason", outcome.reject.Reason))
				return rejectError(c.params.ProtocolID, *outcome.reject)
			}
			c.log.Info("Connected", zap.Uint64("clientId", c.accept.ClientID), zap.Uint32("serverTick", c.accept.ServerTick))
			return nil
		}
	}
}

func rejectError(protocolID uint64, reject message.HandshakeReject) error {
	switch reject.Code {
	case message.RejectCode_ProtocolMismatch:
		return &errors.InvalidProtocol{ExpectedProtocolID: protocolID}
	case message.RejectCode_ServerFull:
		return &errors.ServiceUnavailable{Reason: reject.Reason}
	case message.RejectCode_Malformed:
		return &errors.MalformedFrame{MessageName: "HandshakeRequest", Reason: reject.Reason}
	}
	return &errors.TokenInvalid{Reason: reject.Reason}
}

func (c *ClientConn) readLoop() {
	buf := make([]byte, message.MaxDatagramSize)
	for {
		n, addr, err := c.conn.ReadFrom(buf)
		if err != nil {
			if goerrs.Is(err, net.ErrClosed) {
				c.log.Debug("Carrier closed, exiting read loop")
				return
			}
			select {
			case <-c.done:
				return
			default:
			}
			c.log.Warn("Error reading datagram", zap.Error(err))
			continue
		}
		if addr.String() != c.remote.String() {
			c.log.Debug("Dropping datagram from unexpected address", zap.Stringer("addr", addr))
			continue
		}
		c.handleDatagram(buf[:n], c.now())
	}
}

func (c *ClientConn) handleDatagram(raw []byte, now time.Time) {
	connecting := c.connection.State() == ConnectionState_Connecting

	frame, err := c.serializer.Decode(raw)
	if err != nil {
		var unknown *errors.UnknownKind
		if !connecting && goerrs.As(err, &unknown) {
			c.log.Warn("Dropping frame of unknown kind", zap.Uint8("kind", unknown.Kind), zap.Uint8("channel", unknown.Channel))
			c.deliver(c.connection.handleUnknown(message.ChannelType(unknown.Channel), unknown.Sequence, len(raw), now), now)
			return
		}
		if connecting {
			c.offerHandshake(handshakeOutcome{err: err})
			return
		}
		c.log.Debug("Dropping malformed datagram", zap.Error(err))
		return
	}

	res := c.connection.handleFrame(frame, len(raw), now)
	if res.handshake != nil {
		if connecting {
			c.offerHandshake(c.completeHandshake(res.handshake, now))
		}
		return
	}
	if res.overflow {
		c.publishEvent(handlers.ConnectionEvent{
			Type:      handlers.ConnectionEventType_Overflow,
			ClientId:  c.accept.ClientID,
			Addr:      c.remote.String(),
			Error:     &errors.ChannelOverflow{Channel: message.ChannelType_ReliableOrdered.String(), Limit: c.params.Connection.ReorderBufferLimit},
			Timestamp: now,
		})
	}
	c.deliver(res.delivered, now)
	if res.closed {
		c.log.Info("Server closed the connection", zap.String("reason", res.reason))
		c.lost(res.reason, &errors.ConnectionClosed{ClientID: c.accept.ClientID, Reason: res.reason}, now)
	}
}

// completeHandshake runs on the read loop so that the connection is established before
// any data frame following the accept is processed.
func (c *ClientConn) completeHandshake(f *message.Frame, now time.Time) handshakeOutcome {
	switch f.Kind {
	case message.MessageKind_HandshakeAccept:
		accept := message.HandshakeAccept{}
		if err := message.Unmarshal(f.Payload, &accept); err != nil {
			return handshakeOutcome{err: err}
		}
		c.accept = accept
		if err := c.connection.establish(accept.ClientID, now); err != nil {
			return handshakeOutcome{err: err}
		}
		return handshakeOutcome{}
	case message.MessageKind_HandshakeReject:
		reject := message.HandshakeReject{}
		if err := message.Unmarshal(f.Payload, &reject); err != nil {
			return handshakeOutcome{err: err}
		}
		return handshakeOutcome{reject: &reject}
	}
	return handshakeOutcome{err: &errors.MalformedFrame{MessageName: f.Kind.String(), Reason: "unexpected handshake frame"}}
}

func (c *ClientConn) offerHandshake(outcome handshakeOutcome) {
	select {
	case c.handshakes <- outcome:
	default:
	}
}

func (c *ClientConn) deliver(frames []*message.Frame, now time.Time) {
	for _, f := range frames {
		select {
		case <-c.done:
			return
		case c.messages <- handlers.IncomingMessage{
			ClientId:      c.accept.ClientID,
			Channel:       f.Channel,
			Kind:          f.Kind,
			Sequence:      f.Sequence,
			Payload:       f.Payload,
			RecvTimestamp: now,
		}:
		}
	}
}

// publishEvent keeps the last buffer slot free for the terminal Disconnected event. Only the
// read loop publishes other events, so the length check cannot race another producer.
func (c *ClientConn) publishEvent(ev handlers.ConnectionEvent) {
	if ev.Type != handlers.ConnectionEventType_Disconnected && len(c.events) >= cap(c.events)-1 {
		c.log.Warn("Event buffer full, dropping connection event", zap.Stringer("type", ev.Type))
		return
	}
	select {
	case c.events <- ev:
	default:
		c.log.Warn("Event buffer full, dropping connection event", zap.Stringer("type", ev.Type))
	}
}

func (c *ClientConn) pollLoop() {
	ticker := time.NewTicker(c.params.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			now := c.now()
			if c.connection.poll(now) {
				c.log.Warn("Keep-alive timeout, connection lost")
				c.lost("keep-alive timeout", &errors.ConnectionClosed{ClientID: c.accept.ClientID, Reason: "keep-alive timeout"}, now)
				return
			}
		}
	}
}

// lost publishes the terminal Disconnected event and releases the carrier.
func (c *ClientConn) lost(reason string, err error, now time.Time) {
	c.lostOnce.Do(func() {
		c.publishEvent(handlers.ConnectionEvent{
			Type:      handlers.ConnectionEventType_Disconnected,
			ClientId:  c.accept.ClientID,
			Addr:      c.remote.String(),
			Reason:    reason,
			Error:     err,
			Timestamp: now,
		})
	})
	c.shutdown()
}

func (c *ClientConn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		if err := c.conn.Close(); err != nil {
			c.log.Debug("Failed to close carrier", zap.Error(err))
		}
	})
}

func (c *ClientConn) ClientID() uint64 {
	return c.accept.ClientID
}

// Accept returns the server's handshake answer: assigned client id and tick calibration.
func (c *ClientConn) Accept() message.HandshakeAccept {
	return c.accept
}

func (c *ClientConn) State() ConnectionState {
	return c.connection.State()
}

func (c *ClientConn) Events() <-chan handlers.ConnectionEvent {
	return c.events
}

func (c *ClientConn) Messages() <-chan handlers.IncomingMessage {
	return c.messages
}

// Done is closed once the connection is closed or lost.
func (c *ClientConn) Done() <-chan struct{} {
	return c.done
}

func (c *ClientConn) Send(channel message.ChannelType, kind message.MessageKind, payload []byte) error {
	return c.connection.Send(channel, kind, payload, c.now())
}

func (c *ClientConn) Metrics() ConnectionMetrics {
	return c.connection.Metrics()
}

// Close sends a best-effort Disconnect and releases the carrier. It waits for the
// connection goroutines to exit.
func (c *ClientConn) Close(reason string) {
	if c.connection.close(reason, c.now()) {
		c.log.Info("Closing connection", zap.String("reason", reason))
	}
	c.shutdown()
	c.wg.Wait()
}
