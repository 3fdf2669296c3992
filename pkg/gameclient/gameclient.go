// Package gameclient is the client-side counterpart of gameserver: it owns a transport
// connection and a reconciler, turns local inputs into predicted state plus Input messages,
// and feeds every snapshot from the server back into reconciliation.
package gameclient

import (
	"context"
	goerrs "errors"
	"net"
	"sync"
	"time"

	"github.com/sessamekesh/spanreed-netsync/pkg/errors"
	"github.com/sessamekesh/spanreed-netsync/pkg/handlers"
	"github.com/sessamekesh/spanreed-netsync/pkg/message"
	"github.com/sessamekesh/spanreed-netsync/pkg/reconcile"
	"github.com/sessamekesh/spanreed-netsync/pkg/simulation"
	"github.com/sessamekesh/spanreed-netsync/pkg/snapshot"
	"github.com/sessamekesh/spanreed-netsync/pkg/transport"
	"go.uber.org/zap"
)

type Params struct {
	Transport transport.ClientParams

	// Must be the same game logic the server runs.
	Step               simulation.StepFunc
	ReplayBufferLength int

	// ReliableOrdered (default) or Unreliable.
	InputChannel message.ChannelType

	Logger *zap.Logger
	Now    func() time.Time
}

type Client struct {
	log        *zap.Logger
	conn       *transport.ClientConn
	reconciler *reconcile.Reconciler
	channel    message.ChannelType
	now        func() time.Time

	accept    message.HandshakeAccept
	connectAt time.Time

	mut_input  sync.Mutex
	clientTick uint32

	// Owned by the receive loop.
	awaitingBase  uint32
	awaitingSince uint32
	lastResync    uint32
	hasResynced   bool

	lost chan handlers.ConnectionEvent
	wg   sync.WaitGroup
}

// Connect performs the transport handshake and starts applying server snapshots.
func Connect(ctx context.Context, conn transport.PacketConn, remote net.Addr, params Params) (*Client, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	if params.InputChannel != message.ChannelType_Unreliable {
		params.InputChannel = message.ChannelType_ReliableOrdered
	}
	tp := params.Transport
	if tp.Logger == nil {
		tp.Logger = logger
	}
	if tp.Now == nil {
		tp.Now = now
	}

	cc, err := transport.Dial(ctx, conn, remote, tp)
	if err != nil {
		return nil, err
	}
	accept := cc.Accept()

	c := &Client{
		log:  logger.With(zap.String("handler", "GameClient"), zap.Uint64("clientId", accept.ClientID)),
		conn: cc,
		reconciler: reconcile.New(reconcile.Params{
			Step:               params.Step,
			ReplayBufferLength: params.ReplayBufferLength,
			Logger:             logger,
		}),
		channel:    params.InputChannel,
		now:        now,
		accept:     accept,
		connectAt:  now(),
		clientTick: accept.ServerTick,
		lost:       make(chan handlers.ConnectionEvent, 1),
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.receiveLoop()
	}()

	c.log.Info("Connected", zap.Uint32("serverTick", accept.ServerTick), zap.Uint16("tickHz", accept.TickHz))
	return c, nil
}

// estimatedServerTick extrapolates the server tick from the handshake.
func (c *Client) estimatedServerTick() uint32 {
	if c.accept.TickHz == 0 {
		return c.accept.ServerTick
	}
	elapsed := c.now().Sub(c.connectAt)
	return c.accept.ServerTick + uint32(elapsed*time.Duration(c.accept.TickHz)/time.Second)
}

// SubmitInput predicts the input locally and sends it to the server. It never blocks; a full
// reliable send window is reported as ChannelOverflow and the input is only predicted.
func (c *Client) SubmitInput(payload []byte) (uint32, error) {
	c.mut_input.Lock()
	tick := max(c.clientTick+1, c.estimatedServerTick())
	c.clientTick = tick
	c.mut_input.Unlock()

	cmd := simulation.InputCommand{ClientID: c.accept.ClientID, ClientTick: tick, Payload: payload}
	if err := c.reconciler.Predict(cmd); err != nil {
		c.log.Warn("Prediction suspended", zap.Error(err))
	}
	return tick, c.conn.Send(c.channel, message.MessageKind_Input, message.Marshal(&message.Input{ClientTick: tick, Payload: payload}))
}

func (c *Client) LatestPredictedState() snapshot.WorldSnapshot {
	return c.reconciler.LatestPredictedState()
}

func (c *Client) Baseline() snapshot.WorldSnapshot {
	return c.reconciler.Baseline()
}

// ConnectionLost yields one event if the server closes the connection or it times out.
func (c *Client) ConnectionLost() <-chan handlers.ConnectionEvent {
	return c.lost
}

func (c *Client) ClientID() uint64 {
	return c.accept.ClientID
}

func (c *Client) Accept() message.HandshakeAccept {
	return c.accept
}

func (c *Client) Metrics() transport.ConnectionMetrics {
	return c.conn.Metrics()
}

// ConnectionMetrics lets a diagnostics visualizer observe the client's single connection.
func (c *Client) ConnectionMetrics() []transport.ConnectionMetrics {
	return []transport.ConnectionMetrics{c.conn.Metrics()}
}

func (c *Client) ReconcileStats() reconcile.Stats {
	return c.reconciler.Stats()
}

func (c *Client) Close(reason string) {
	c.conn.Close(reason)
	c.wg.Wait()
}

func (c *Client) receiveLoop() {
	messages := c.conn.Messages()
	events := c.conn.Events()
	for {
		select {
		case <-c.conn.Done():
			c.drainEvents(events)
			return
		case ev := <-events:
			c.handleEvent(ev)
		case msg := <-messages:
			c.handleMessage(msg)
		}
	}
}

func (c *Client) drainEvents(events <-chan handlers.ConnectionEvent) {
	for {
		select {
		case ev := <-events:
			c.handleEvent(ev)
		default:
			return
		}
	}
}

func (c *Client) handleEvent(ev handlers.ConnectionEvent) {
	switch ev.Type {
	case handlers.ConnectionEventType_Disconnected:
		c.log.Warn("Connection lost", zap.String("reason", ev.Reason))
		select {
		case c.lost <- ev:
		default:
		}
	case handlers.ConnectionEventType_Overflow:
		c.log.Warn("Reliable channel overflow", zap.Error(ev.Error))
		c.requestResync(c.reconciler.Stats().BaselineTick)
	}
}

func (c *Client) handleMessage(msg handlers.IncomingMessage) {
	if msg.Kind != message.MessageKind_SnapshotFull && msg.Kind != message.MessageKind_SnapshotDelta {
		c.log.Debug("Ignoring message", zap.Stringer("kind", msg.Kind))
		return
	}
	env := message.SnapshotEnvelope{}
	if err := message.Unmarshal(msg.Payload, &env); err != nil {
		c.log.Debug("Dropping malformed snapshot", zap.Error(err))
		return
	}
	env.Full = msg.Kind == message.MessageKind_SnapshotFull

	err := c.reconciler.Apply(&env)
	var stale *errors.StaleSnapshot
	switch {
	case err == nil:
		if env.Full {
			c.awaitingBase = 0
		}
	case goerrs.As(err, &stale):
		c.handleStale(&env)
	default:
		c.log.Debug("Dropping undecodable snapshot", zap.Uint32("tick", env.Tick), zap.Error(err))
	}
}

// handleStale requests a full resync when deltas keep referring to a full snapshot that has
// not arrived for a whole full-sync interval.
func (c *Client) handleStale(env *message.SnapshotEnvelope) {
	if env.BaseTick <= c.reconciler.FullTick() {
		return
	}
	if c.awaitingBase != env.BaseTick {
		c.awaitingBase = env.BaseTick
		c.awaitingSince = env.Tick
		return
	}
	if env.Tick-c.awaitingSince < c.accept.FullSyncInterval {
		return
	}
	c.requestResync(env.Tick)
}

func (c *Client) requestResync(tick uint32) {
	if c.hasResynced && tick-c.lastResync < c.accept.FullSyncInterval {
		return
	}
	c.hasResynced = true
	c.lastResync = tick

	fullTick := c.reconciler.FullTick()
	c.log.Info("Requesting full resync", zap.Uint32("fullTick", fullTick))
	if err := c.conn.Send(message.ChannelType_ReliableOrdered, message.MessageKind_ResyncRequest, message.Marshal(&message.ResyncRequest{BaselineTick: fullTick})); err != nil {
		c.log.Debug("Failed to send resync request", zap.Error(err))
	}
}
