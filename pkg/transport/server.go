package transport

import (
	"context"
	goerrs "errors"
	"net"
	"sync"
	"time"

	"github.com/sessamekesh/spanreed-netsync/internal"
	"github.com/sessamekesh/spanreed-netsync/pkg/errors"
	"github.com/sessamekesh/spanreed-netsync/pkg/handlers"
	"github.com/sessamekesh/spanreed-netsync/pkg/message"
	"github.com/sessamekesh/spanreed-netsync/pkg/token"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const tracerName = "github.com/sessamekesh/spanreed-netsync/pkg/transport"

// TokenVerifier checks the credential carried by a HandshakeRequest. *token.Verifier
// implements it.
type TokenVerifier interface {
	Verify(raw []byte) (token.ConnectionToken, error)
}

type ServerParams struct {
	ProtocolID uint64
	MaxClients int

	Connection   ConnectionParams
	PollInterval time.Duration

	EventBufferSize   int
	MessageBufferSize int

	Verifier TokenVerifier

	// Reported to clients in HandshakeAccept.
	TickHz           uint16
	FullSyncInterval uint32
	CurrentTick      func() uint32

	Logger *zap.Logger
	Now    func() time.Time
}

// Server is the simulation side of the transport: it accepts handshakes on one carrier and
// multiplexes every client's channels over it.
type Server struct {
	params     ServerParams
	conn       PacketConn
	serializer message.FrameSerializer
	log        *zap.Logger
	now        func() time.Time

	connections *internal.ConnectionTable[*Connection]

	events   chan handlers.ConnectionEvent
	messages chan handlers.IncomingMessage
}

func NewServer(conn PacketConn, params ServerParams) (*Server, error) {
	if params.Verifier == nil {
		return nil, goerrs.New("transport server requires a token verifier")
	}

	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	if params.MaxClients <= 0 {
		params.MaxClients = 64
	}
	if params.PollInterval <= 0 {
		params.PollInterval = 10 * time.Millisecond
	}
	if params.EventBufferSize <= 0 {
		params.EventBufferSize = 64
	}
	if params.MessageBufferSize <= 0 {
		params.MessageBufferSize = 4096
	}
	if params.CurrentTick == nil {
		params.CurrentTick = func() uint32 { return 0 }
	}
	params.Connection = params.Connection.withDefaults()

	return &Server{
		params:      params,
		conn:        conn,
		serializer:  message.FrameSerializer{MaxPayloadSize: params.Connection.MaxPayloadSize},
		log:         logger.With(zap.String("handler", "TransportServer")),
		now:         now,
		connections: internal.CreateConnectionTable[*Connection](params.MaxClients),
		events:      make(chan handlers.ConnectionEvent, params.EventBufferSize),
		messages:    make(chan handlers.IncomingMessage, params.MessageBufferSize),
	}, nil
}

func (s *Server) Events() <-chan handlers.ConnectionEvent {
	return s.events
}

func (s *Server) Messages() <-chan handlers.IncomingMessage {
	return s.messages
}

func (s *Server) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Start runs the read and poll loops until ctx is cancelled, then closes every connection
// and the carrier.
func (s *Server) Start(ctx context.Context) error {
	wg := sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		s.shutdown()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.readLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(s.params.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.poll(ctx, s.now())
			}
		}
	}()

	wg.Wait()
	s.log.Info("Transport server goroutines finished")
	return nil
}

func (s *Server) readLoop(ctx context.Context) {
	buf := make([]byte, message.MaxDatagramSize)
	for {
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			if goerrs.Is(err, net.ErrClosed) || ctx.Err() != nil {
				s.log.Info("Carrier closed, exiting read loop")
				return
			}
			s.log.Warn("Error reading datagram", zap.Error(err))
			continue
		}
		s.handleDatagram(ctx, buf[:n], addr, s.now())
	}
}

func (s *Server) handleDatagram(ctx context.Context, raw []byte, addr net.Addr, now time.Time) {
	conn, known := s.connections.LookupAddr(addr.String())

	frame, err := s.serializer.Decode(raw)
	if err != nil {
		var unknown *errors.UnknownKind
		if goerrs.As(err, &unknown) && known {
			s.log.Warn("Dropping frame of unknown kind",
				zap.Uint64("clientId", conn.ClientID), zap.Uint8("kind", unknown.Kind), zap.Uint8("channel", unknown.Channel))
			s.deliver(ctx, conn, conn.handleUnknown(message.ChannelType(unknown.Channel), unknown.Sequence, len(raw), now), now)
			return
		}
		if !known {
			// A malformed first frame ends that connection attempt.
			s.log.Debug("Rejecting malformed datagram from unknown address", zap.Stringer("addr", addr), zap.Error(err))
			s.reject(addr, message.RejectCode_Malformed, err.Error())
			return
		}
		s.log.Debug("Dropping malformed datagram", zap.Uint64("clientId", conn.ClientID), zap.Error(err))
		return
	}

	if !known {
		if frame.Channel != message.ChannelType_Control || frame.Kind != message.MessageKind_HandshakeRequest {
			s.log.Debug("Dropping frame from unknown address", zap.Stringer("addr", addr), zap.Stringer("kind", frame.Kind))
			return
		}
		s.handshake(ctx, frame, addr, now)
		return
	}

	res := conn.handleFrame(frame, len(raw), now)
	if res.handshake != nil && res.handshake.Kind == message.MessageKind_HandshakeRequest {
		// The accept was lost; answer the retransmitted request the same way.
		if err := conn.SendControl(message.MessageKind_HandshakeAccept, conn.acceptPayload, now); err != nil {
			s.log.Debug("Failed to resend handshake accept", zap.Error(err))
		}
		return
	}
	if res.overflow {
		s.publishEvent(ctx, handlers.ConnectionEvent{
			Type:      handlers.ConnectionEventType_Overflow,
			ClientId:  conn.ClientID,
			Addr:      addr.String(),
			Error:     &errors.ChannelOverflow{Channel: message.ChannelType_ReliableOrdered.String(), Limit: s.params.Connection.ReorderBufferLimit},
			Timestamp: now,
		})
	}
	s.deliver(ctx, conn, res.delivered, now)
	if res.closed {
		s.log.Info("Client disconnected", zap.Uint64("clientId", conn.ClientID), zap.String("reason", res.reason))
		s.remove(ctx, conn, res.reason, nil, now)
	}
}

func (s *Server) deliver(ctx context.Context, conn *Connection, frames []*message.Frame, now time.Time) {
	for _, f := range frames {
		select {
		case <-ctx.Done():
			return
		case s.messages <- handlers.IncomingMessage{
			ClientId:      conn.ClientID,
			Channel:       f.Channel,
			Kind:          f.Kind,
			Sequence:      f.Sequence,
			Payload:       f.Payload,
			RecvTimestamp: now,
		}:
		}
	}
}

func (s *Server) publishEvent(ctx context.Context, ev handlers.ConnectionEvent) {
	select {
	case <-ctx.Done():
	case s.events <- ev:
	}
}

func (s *Server) handshake(ctx context.Context, frame *message.Frame, addr net.Addr, now time.Time) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "transport.handshake")
	defer span.End()
	span.SetAttributes(attribute.String("netsync.addr", addr.String()))

	log := s.log.With(zap.Stringer("addr", addr))

	req := message.HandshakeRequest{}
	if err := message.Unmarshal(frame.Payload, &req); err != nil {
		log.Warn("Malformed handshake request", zap.Error(err))
		span.SetStatus(codes.Error, "malformed")
		s.reject(addr, message.RejectCode_Malformed, err.Error())
		return
	}

	if req.ProtocolID != s.params.ProtocolID {
		err := &errors.InvalidProtocol{ExpectedProtocolID: s.params.ProtocolID, ActualProtocolID: req.ProtocolID}
		log.Warn("Handshake protocol mismatch", zap.Error(err))
		span.SetStatus(codes.Error, "protocol mismatch")
		s.reject(addr, message.RejectCode_ProtocolMismatch, err.Error())
		return
	}

	tok, err := s.params.Verifier.Verify(req.Token)
	if err != nil {
		log.Warn("Handshake token rejected", zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "token invalid")
		s.reject(addr, message.RejectCode_TokenInvalid, err.Error())
		return
	}
	span.SetAttributes(attribute.Int64("netsync.client_id", int64(tok.ClientID)))
	log = log.With(zap.Uint64("clientId", tok.ClientID))

	conn := newConnection(tok.ClientID, addr, s.params.Connection, func(b []byte) error {
		_, err := s.conn.WriteTo(b, addr)
		return err
	}, log, now)
	if err := conn.establish(tok.ClientID, now); err != nil {
		log.Error("Unexpected state on fresh connection", zap.Error(err))
		return
	}
	conn.acceptPayload = message.Marshal(&message.HandshakeAccept{
		ClientID:         tok.ClientID,
		ServerTick:       s.params.CurrentTick(),
		TickHz:           s.params.TickHz,
		FullSyncInterval: s.params.FullSyncInterval,
	})

	if err := s.connections.Insert(tok.ClientID, addr.String(), conn); err != nil {
		var tooMany *internal.TooManyClientsError
		if goerrs.As(err, &tooMany) {
			log.Warn("Server full, rejecting handshake", zap.Error(err))
			span.SetStatus(codes.Error, "server full")
			s.reject(addr, message.RejectCode_ServerFull, err.Error())
			return
		}
		log.Warn("Client id already connected from another address", zap.Error(err))
		span.SetStatus(codes.Error, "duplicate")
		s.reject(addr, message.RejectCode_Duplicate, err.Error())
		return
	}

	if err := conn.SendControl(message.MessageKind_HandshakeAccept, conn.acceptPayload, now); err != nil {
		log.Warn("Failed to send handshake accept", zap.Error(err))
	}

	log.Info("Client connected")
	s.publishEvent(ctx, handlers.ConnectionEvent{
		Type:      handlers.ConnectionEventType_Connected,
		ClientId:  tok.ClientID,
		Addr:      addr.String(),
		Timestamp: now,
	})
}

func (s *Server) reject(addr net.Addr, code message.RejectCode, reason string) {
	encoded, err := s.serializer.Encode(&message.Frame{
		Channel:  message.ChannelType_Control,
		Kind:     message.MessageKind_HandshakeReject,
		Sequence: 1,
		Payload:  message.Marshal(&message.HandshakeReject{Code: code, Reason: reason}),
	})
	if err != nil {
		s.log.Error("Failed to encode handshake reject", zap.Error(err))
		return
	}
	if _, err := s.conn.WriteTo(encoded, addr); err != nil {
		s.log.Debug("Failed to send handshake reject", zap.Stringer("addr", addr), zap.Error(err))
	}
}

func (s *Server) poll(ctx context.Context, now time.Time) {
	for _, conn := range s.connections.Snapshot() {
		if conn.poll(now) {
			s.log.Info("Client keep-alive timeout", zap.Uint64("clientId", conn.ClientID))
			s.remove(ctx, conn, "keep-alive timeout", &errors.ConnectionClosed{ClientID: conn.ClientID, Reason: "keep-alive timeout"}, now)
		}
	}
}

func (s *Server) remove(ctx context.Context, conn *Connection, reason string, err error, now time.Time) {
	if _, removed := s.connections.Remove(conn.ClientID, conn.Addr().String()); !removed {
		return
	}
	s.publishEvent(ctx, handlers.ConnectionEvent{
		Type:      handlers.ConnectionEventType_Disconnected,
		ClientId:  conn.ClientID,
		Addr:      conn.Addr().String(),
		Reason:    reason,
		Error:     err,
		Timestamp: now,
	})
}

// Send writes one data frame to a connected client.
func (s *Server) Send(clientID uint64, channel message.ChannelType, kind message.MessageKind, payload []byte) error {
	conn, err := s.connections.Get(clientID)
	if err != nil {
		return &errors.ConnectionClosed{ClientID: clientID}
	}
	return conn.Send(channel, kind, payload, s.now())
}

// Disconnect closes a client's connection locally, sending a best-effort Disconnect frame.
func (s *Server) Disconnect(ctx context.Context, clientID uint64, reason string) error {
	conn, err := s.connections.Get(clientID)
	if err != nil {
		return err
	}
	now := s.now()
	conn.close(reason, now)
	s.log.Info("Disconnecting client", zap.Uint64("clientId", clientID), zap.String("reason", reason))
	s.remove(ctx, conn, reason, nil, now)
	return nil
}

func (s *Server) ConnectedCount() int {
	return s.connections.Len()
}

func (s *Server) HasCapacity() bool {
	return s.connections.HasCapacity()
}

// ConnectionMetrics returns a copy of every live connection's counters.
func (s *Server) ConnectionMetrics() []ConnectionMetrics {
	conns := s.connections.Snapshot()
	out := make([]ConnectionMetrics, 0, len(conns))
	for _, conn := range conns {
		out = append(out, conn.Metrics())
	}
	return out
}

func (s *Server) shutdown() {
	now := s.now()
	for _, conn := range s.connections.Drain() {
		conn.close("server shutting down", now)
	}
	if err := s.conn.Close(); err != nil {
		s.log.Warn("Failed to close carrier", zap.Error(err))
	}
	s.log.Info("Transport server shut down")
}
