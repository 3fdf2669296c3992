// Package simulation runs the authoritative fixed-rate world loop: it drains per-client input
// queues, integrates one tick through the game logic, and broadcasts the result to every
// joined client as a delta on the unreliable channel or a full snapshot on the reliable one.
package simulation

import (
	"context"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sessamekesh/spanreed-netsync/pkg/errors"
	"github.com/sessamekesh/spanreed-netsync/pkg/message"
	"github.com/sessamekesh/spanreed-netsync/pkg/snapshot"
	"go.uber.org/zap"
)

// Publisher delivers an encoded payload to one client. *transport.Server implements it.
type Publisher interface {
	Send(clientID uint64, channel message.ChannelType, kind message.MessageKind, payload []byte) error
}

type Params struct {
	TickHz           int
	FullSyncInterval uint32
	// Player inputs whose client tick trails the world tick by more than this are dropped.
	StalenessBound   uint32
	InputQueueLength int

	Step      StepFunc
	Initial   snapshot.WorldSnapshot
	Publisher Publisher

	Logger *zap.Logger
}

type clientState struct {
	inputAck uint32
	// Last full snapshot sent to the client; deltas are computed against it.
	baseline  snapshot.WorldSnapshot
	needsFull bool
	// Set once a full snapshot send has failed and been reported.
	fullFailed bool
}

// TickReport summarizes one call to Tick.
type TickReport struct {
	Tick       uint32
	Integrated int
	Stale      int
	Superseded int
	Fulls      int
	Deltas     int
}

type Stats struct {
	Tick       uint32
	Clients    int
	Integrated uint64
	StaleDrops uint64
	QueueDrops uint64
}

type Simulation struct {
	params Params
	log    *zap.Logger

	arrival atomic.Uint64

	mut_queues sync.RWMutex
	queues     map[uint64]*inputQueue

	mut_lifecycle sync.Mutex
	lifecycle     []InputCommand

	mut_resync sync.Mutex
	resync     map[uint64]struct{}

	// Owned by the tick goroutine.
	world   snapshot.WorldSnapshot
	clients map[uint64]*clientState

	tick       atomic.Uint32
	latest     atomic.Pointer[snapshot.WorldSnapshot]
	joined     atomic.Int64
	integrated atomic.Uint64
	staleDrops atomic.Uint64
	queueDrops atomic.Uint64
}

func New(params Params) *Simulation {
	logger := params.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if params.TickHz <= 0 {
		params.TickHz = 30
	}
	if params.FullSyncInterval == 0 {
		params.FullSyncInterval = 60
	}
	if params.StalenessBound == 0 {
		params.StalenessBound = 30
	}
	if params.InputQueueLength <= 0 {
		params.InputQueueLength = 64
	}

	world := params.Initial.Clone()
	s := &Simulation{
		params:  params,
		log:     logger.With(zap.String("handler", "Simulation")),
		queues:  make(map[uint64]*inputQueue),
		resync:  make(map[uint64]struct{}),
		world:   world,
		clients: make(map[uint64]*clientState),
	}
	s.tick.Store(world.Tick)
	latest := world.Clone()
	s.latest.Store(&latest)
	return s
}

func (s *Simulation) CurrentTick() uint32 {
	return s.tick.Load()
}

// Latest returns the most recently integrated world. Callers must not modify it.
func (s *Simulation) Latest() snapshot.WorldSnapshot {
	return *s.latest.Load()
}

func (s *Simulation) TickHz() int {
	return s.params.TickHz
}

func (s *Simulation) FullSyncInterval() uint32 {
	return s.params.FullSyncInterval
}

func (s *Simulation) Stats() Stats {
	return Stats{
		Tick:       s.tick.Load(),
		Clients:    int(s.joined.Load()),
		Integrated: s.integrated.Load(),
		StaleDrops: s.staleDrops.Load(),
		QueueDrops: s.queueDrops.Load(),
	}
}

// AddClient opens an input queue for the client and schedules a Join input for the next
// tick, after which the client receives a full snapshot.
func (s *Simulation) AddClient(clientID uint64) {
	func() {
		s.mut_queues.Lock()
		defer s.mut_queues.Unlock()
		s.queues[clientID] = newInputQueue(s.params.InputQueueLength)
	}()

	s.mut_lifecycle.Lock()
	defer s.mut_lifecycle.Unlock()
	s.lifecycle = append(s.lifecycle, InputCommand{
		ClientID: clientID,
		Kind:     InputKind_Join,
		arrival:  s.arrival.Add(1),
	})
}

// RemoveClient closes the client's queue. Inputs it already queued are still integrated on
// the next tick, followed by a Leave input.
func (s *Simulation) RemoveClient(clientID uint64) {
	var remaining []InputCommand
	func() {
		s.mut_queues.Lock()
		defer s.mut_queues.Unlock()
		if q, has := s.queues[clientID]; has {
			remaining = q.drain()
			delete(s.queues, clientID)
		}
	}()

	s.mut_lifecycle.Lock()
	defer s.mut_lifecycle.Unlock()
	s.lifecycle = append(s.lifecycle, remaining...)
	s.lifecycle = append(s.lifecycle, InputCommand{
		ClientID:   clientID,
		ClientTick: math.MaxUint32,
		Kind:       InputKind_Leave,
		arrival:    s.arrival.Add(1),
	})
}

// Submit queues a player input. A full queue discards its oldest entry.
func (s *Simulation) Submit(cmd InputCommand) error {
	s.mut_queues.RLock()
	q, has := s.queues[cmd.ClientID]
	s.mut_queues.RUnlock()
	if !has {
		return &errors.ConnectionClosed{ClientID: cmd.ClientID, Reason: "not joined"}
	}

	cmd.Kind = InputKind_Player
	cmd.arrival = s.arrival.Add(1)
	if q.push(cmd) {
		s.queueDrops.Add(1)
		s.log.Debug("Input queue full, dropped oldest input", zap.Uint64("clientId", cmd.ClientID))
	}
	return nil
}

// RequestResync makes the next tick send the client a full snapshot.
func (s *Simulation) RequestResync(clientID uint64) {
	s.mut_resync.Lock()
	defer s.mut_resync.Unlock()
	s.resync[clientID] = struct{}{}
}

// Start ticks at TickHz until ctx is cancelled.
func (s *Simulation) Start(ctx context.Context) error {
	ticker := time.NewTicker(time.Second / time.Duration(s.params.TickHz))
	defer ticker.Stop()

	s.log.Info("Starting simulation", zap.Int("tickHz", s.params.TickHz), zap.Uint32("tick", s.CurrentTick()))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("Simulation stopped", zap.Uint32("tick", s.CurrentTick()))
			return nil
		case <-ticker.C:
			s.Tick()
		}
	}
}

func (s *Simulation) drainLifecycle() []InputCommand {
	s.mut_lifecycle.Lock()
	defer s.mut_lifecycle.Unlock()
	out := s.lifecycle
	s.lifecycle = nil
	return out
}

func (s *Simulation) drainQueues() []InputCommand {
	s.mut_queues.RLock()
	ids := make([]uint64, 0, len(s.queues))
	for id := range s.queues {
		ids = append(ids, id)
	}
	queues := make([]*inputQueue, 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		queues = append(queues, s.queues[id])
	}
	s.mut_queues.RUnlock()

	var out []InputCommand
	for _, q := range queues {
		out = append(out, q.drain()...)
	}
	return out
}

func (s *Simulation) drainResync() map[uint64]struct{} {
	s.mut_resync.Lock()
	defer s.mut_resync.Unlock()
	out := s.resync
	s.resync = make(map[uint64]struct{})
	return out
}

// Tick integrates one step and broadcasts the result. It must only be called from a single
// goroutine; Start does so.
func (s *Simulation) Tick() TickReport {
	var report TickReport

	var lifecycle, players []InputCommand
	for _, cmd := range s.drainLifecycle() {
		if cmd.Kind == InputKind_Player {
			players = append(players, cmd)
		} else {
			lifecycle = append(lifecycle, cmd)
		}
	}
	players = append(players, s.drainQueues()...)
	Order(players)

	// Lifecycle inputs apply in arrival order, so the last one for a client decides whether it
	// stays joined. A Join that follows a Leave in the same drain is integrated after it.
	final := make(map[uint64]InputKind)
	rejoined := make(map[uint64]bool)
	for i, cmd := range lifecycle {
		if cmd.Kind == InputKind_Join && final[cmd.ClientID] == InputKind_Leave {
			lifecycle[i].ClientTick = math.MaxUint32
			rejoined[cmd.ClientID] = true
		}
		final[cmd.ClientID] = cmd.Kind
		if _, has := s.clients[cmd.ClientID]; cmd.Kind == InputKind_Join && !has {
			s.clients[cmd.ClientID] = &clientState{needsFull: true}
		}
	}

	horizon := s.world.Tick
	accepted := make([]InputCommand, 0, len(players)+len(lifecycle))
	latestTick := make(map[uint64]uint32)
	for _, cmd := range players {
		cs, joined := s.clients[cmd.ClientID]
		if !joined {
			report.Stale++
			continue
		}
		newest := cs.inputAck
		if t, has := latestTick[cmd.ClientID]; has {
			newest = t
		}
		if cmd.ClientTick <= newest {
			report.Superseded++
			continue
		}
		if uint64(cmd.ClientTick)+uint64(s.params.StalenessBound) < uint64(horizon) {
			report.Stale++
			if s.log.Core().Enabled(zap.DebugLevel) {
				err := &errors.StaleInput{ClientID: cmd.ClientID, ClientTick: cmd.ClientTick, Horizon: horizon}
				s.log.Debug("Dropping input", zap.Error(err))
			}
			continue
		}
		latestTick[cmd.ClientID] = cmd.ClientTick
		accepted = append(accepted, cmd)
	}
	report.Integrated = len(accepted)
	accepted = append(accepted, lifecycle...)

	s.world = Integrate(s.world, accepted, s.params.Step)
	for id, t := range latestTick {
		s.clients[id].inputAck = t
	}
	for id, kind := range final {
		switch {
		case kind == InputKind_Leave:
			delete(s.clients, id)
		case rejoined[id]:
			s.clients[id] = &clientState{needsFull: true}
		}
	}

	s.tick.Store(s.world.Tick)
	latest := s.world
	s.latest.Store(&latest)
	s.joined.Store(int64(len(s.clients)))
	s.integrated.Add(uint64(report.Integrated))
	s.staleDrops.Add(uint64(report.Stale + report.Superseded))

	report.Tick = s.world.Tick
	report.Fulls, report.Deltas = s.broadcast()
	return report
}

func (s *Simulation) broadcast() (fulls int, deltas int) {
	if s.params.Publisher == nil || len(s.clients) == 0 {
		return 0, 0
	}

	resync := s.drainResync()
	periodic := s.world.Tick%s.params.FullSyncInterval == 0

	var fullBody []byte
	deltaBodies := make(map[uint32][]byte)

	ids := make([]uint64, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		cs := s.clients[id]
		_, wantsResync := resync[id]

		if cs.needsFull || wantsResync || periodic {
			if fullBody == nil {
				body, err := snapshot.EncodeFull(s.world)
				if err != nil {
					s.log.Error("Failed to encode full snapshot", zap.Uint32("tick", s.world.Tick), zap.Error(err))
					return fulls, deltas
				}
				fullBody = body
			}
			env := &message.SnapshotEnvelope{
				Full:     true,
				Tick:     s.world.Tick,
				BaseTick: s.world.Tick,
				InputAck: cs.inputAck,
				Body:     fullBody,
			}
			if err := s.params.Publisher.Send(id, message.ChannelType_ReliableOrdered, env.Kind(), message.Marshal(env)); err != nil {
				if !cs.fullFailed {
					s.log.Warn("Full snapshot not sent, client has no baseline", zap.Uint64("clientId", id), zap.Uint32("tick", s.world.Tick), zap.Int("bodySize", len(fullBody)), zap.Error(err))
					cs.fullFailed = true
				} else {
					s.log.Debug("Full snapshot not sent", zap.Uint64("clientId", id), zap.Error(err))
				}
				continue
			}
			cs.baseline = s.world
			cs.needsFull = false
			cs.fullFailed = false
			fulls++
			continue
		}

		body, has := deltaBodies[cs.baseline.Tick]
		if !has {
			body = snapshot.Diff(cs.baseline, s.world).Encode()
			deltaBodies[cs.baseline.Tick] = body
		}
		env := &message.SnapshotEnvelope{
			Tick:     s.world.Tick,
			BaseTick: cs.baseline.Tick,
			InputAck: cs.inputAck,
			Body:     body,
		}
		if err := s.params.Publisher.Send(id, message.ChannelType_Unreliable, env.Kind(), message.Marshal(env)); err != nil {
			s.log.Debug("Delta not sent", zap.Uint64("clientId", id), zap.Error(err))
			continue
		}
		deltas++
	}
	return fulls, deltas
}
