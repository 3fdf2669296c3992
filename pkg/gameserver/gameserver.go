// Package gameserver ties the transport server to the authoritative simulation: connection
// events become Join/Leave inputs, Input messages go to the per-client queues, and the
// simulation broadcasts back through the same transport.
package gameserver

import (
	"context"
	goerrs "errors"
	"sync"

	"github.com/sessamekesh/spanreed-netsync/pkg/errors"
	"github.com/sessamekesh/spanreed-netsync/pkg/handlers"
	"github.com/sessamekesh/spanreed-netsync/pkg/message"
	"github.com/sessamekesh/spanreed-netsync/pkg/simulation"
	"github.com/sessamekesh/spanreed-netsync/pkg/transport"
	"go.uber.org/zap"
)

type Params struct {
	// CurrentTick, TickHz and FullSyncInterval are filled in from the simulation.
	Transport  transport.ServerParams
	Simulation simulation.Params

	Logger *zap.Logger
}

type Server struct {
	log       *zap.Logger
	transport *transport.Server
	sim       *simulation.Simulation
}

func New(conn transport.PacketConn, params Params) (*Server, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	s := &Server{log: logger.With(zap.String("handler", "GameServer"))}

	simParams := params.Simulation
	simParams.Publisher = s
	if simParams.Logger == nil {
		simParams.Logger = logger
	}
	s.sim = simulation.New(simParams)

	tp := params.Transport
	tp.CurrentTick = s.sim.CurrentTick
	tp.TickHz = uint16(s.sim.TickHz())
	tp.FullSyncInterval = s.sim.FullSyncInterval()
	if tp.Logger == nil {
		tp.Logger = logger
	}
	ts, err := transport.NewServer(conn, tp)
	if err != nil {
		return nil, err
	}
	s.transport = ts
	return s, nil
}

// Send implements simulation.Publisher.
func (s *Server) Send(clientID uint64, channel message.ChannelType, kind message.MessageKind, payload []byte) error {
	return s.transport.Send(clientID, channel, kind, payload)
}

func (s *Server) HasCapacity() bool {
	return s.transport.HasCapacity()
}

func (s *Server) ConnectedCount() int {
	return s.transport.ConnectedCount()
}

func (s *Server) ConnectionMetrics() []transport.ConnectionMetrics {
	return s.transport.ConnectionMetrics()
}

func (s *Server) Simulation() *simulation.Simulation {
	return s.sim
}

func (s *Server) Transport() *transport.Server {
	return s.transport
}

// Start runs the transport, the tick loop and the router until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	wg := sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.transport.Start(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.sim.Start(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.route(ctx)
	}()

	wg.Wait()
	s.log.Info("Game server stopped")
	return nil
}

func (s *Server) route(ctx context.Context) {
	events := s.transport.Events()
	messages := s.transport.Messages()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			s.handleEvent(ev)
		case msg := <-messages:
			// A client's Connected event is always published before its first message.
			s.drainEvents(events)
			s.handleMessage(msg)
		}
	}
}

func (s *Server) drainEvents(events <-chan handlers.ConnectionEvent) {
	for {
		select {
		case ev := <-events:
			s.handleEvent(ev)
		default:
			return
		}
	}
}

func (s *Server) handleEvent(ev handlers.ConnectionEvent) {
	log := s.log.With(zap.Uint64("clientId", ev.ClientId), zap.Stringer("event", ev.Type))
	switch ev.Type {
	case handlers.ConnectionEventType_Connected:
		log.Info("Adding client to simulation")
		s.sim.AddClient(ev.ClientId)
	case handlers.ConnectionEventType_Disconnected:
		log.Info("Removing client from simulation", zap.String("reason", ev.Reason))
		s.sim.RemoveClient(ev.ClientId)
	case handlers.ConnectionEventType_Overflow:
		log.Warn("Reliable channel overflow, forcing full resync", zap.Error(ev.Error))
		s.sim.RequestResync(ev.ClientId)
	}
}

func (s *Server) handleMessage(msg handlers.IncomingMessage) {
	switch msg.Kind {
	case message.MessageKind_Input:
		in := message.Input{}
		if err := message.Unmarshal(msg.Payload, &in); err != nil {
			s.log.Debug("Dropping malformed input", zap.Uint64("clientId", msg.ClientId), zap.Error(err))
			return
		}
		err := s.sim.Submit(simulation.InputCommand{
			ClientID:   msg.ClientId,
			ClientTick: in.ClientTick,
			Payload:    in.Payload,
		})
		var closed *errors.ConnectionClosed
		if goerrs.As(err, &closed) {
			s.log.Debug("Dropping input from client outside the simulation", zap.Uint64("clientId", msg.ClientId))
		}
	case message.MessageKind_ResyncRequest:
		req := message.ResyncRequest{}
		if err := message.Unmarshal(msg.Payload, &req); err != nil {
			s.log.Debug("Dropping malformed resync request", zap.Uint64("clientId", msg.ClientId), zap.Error(err))
			return
		}
		s.log.Info("Client requested resync", zap.Uint64("clientId", msg.ClientId), zap.Uint32("baselineTick", req.BaselineTick))
		s.sim.RequestResync(msg.ClientId)
	default:
		s.log.Debug("Ignoring message", zap.Uint64("clientId", msg.ClientId), zap.Stringer("kind", msg.Kind))
	}
}
