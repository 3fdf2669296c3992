// Package reconcile keeps a client's two views of the world: the baseline (last state the
// server confirmed) and the predicted copy (baseline plus every input the server has not yet
// acknowledged). New authoritative state rolls the prediction back and replays.
package reconcile

import (
	goerrs "errors"
	"sync"

	"github.com/sessamekesh/spanreed-netsync/pkg/errors"
	"github.com/sessamekesh/spanreed-netsync/pkg/message"
	"github.com/sessamekesh/spanreed-netsync/pkg/simulation"
	"github.com/sessamekesh/spanreed-netsync/pkg/snapshot"
	"go.uber.org/zap"
)

type Params struct {
	Step simulation.StepFunc
	// Maximum number of unacknowledged inputs kept for replay.
	ReplayBufferLength int

	Logger *zap.Logger
}

type Stats struct {
	BaselineTick   uint32
	InputAck       uint32
	Pending        int
	HardResync     bool
	StaleSnapshots uint64
	HardResyncs    uint64
}

type Reconciler struct {
	params Params
	log    *zap.Logger

	mut_state sync.Mutex

	// Last full snapshot received; deltas are expressed against it.
	full    snapshot.WorldSnapshot
	hasFull bool

	baseline  snapshot.WorldSnapshot
	predicted snapshot.Entities
	pending   []simulation.InputCommand
	inputAck  uint32

	hardResync  bool
	resyncUntil uint32

	staleSnapshots uint64
	hardResyncs    uint64
}

func New(params Params) *Reconciler {
	logger := params.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if params.ReplayBufferLength <= 0 {
		params.ReplayBufferLength = 128
	}
	return &Reconciler{
		params:    params,
		log:       logger.With(zap.String("handler", "Reconciler")),
		baseline:  snapshot.New(0),
		predicted: snapshot.Entities{},
	}
}

// Predict applies a local input immediately and keeps it for replay until the server
// acknowledges it. If the replay buffer overflows, prediction is abandoned until the server
// catches up (hard resync) and a ChannelOverflow error reports it.
func (r *Reconciler) Predict(cmd simulation.InputCommand) error {
	r.mut_state.Lock()
	defer r.mut_state.Unlock()

	cmd.Kind = simulation.InputKind_Player
	r.pending = append(r.pending, cmd)

	if len(r.pending) > r.params.ReplayBufferLength {
		r.pending = r.pending[len(r.pending)-r.params.ReplayBufferLength:]
		r.resyncUntil = cmd.ClientTick
		r.predicted = r.baseline.Entities.Clone()
		if !r.hardResync {
			r.hardResync = true
			r.hardResyncs++
			r.log.Warn("Replay buffer overflow, showing server state until inputs are acknowledged",
				zap.Uint32("clientTick", cmd.ClientTick), zap.Uint32("inputAck", r.inputAck))
			return &errors.ChannelOverflow{Channel: "replay buffer", Limit: r.params.ReplayBufferLength}
		}
		return nil
	}

	if r.hardResync {
		return nil
	}
	r.predicted = r.params.Step(r.predicted.Clone(), []simulation.InputCommand{cmd})
	return nil
}

// ApplyFull installs a full snapshot as both the delta base and the new baseline.
func (r *Reconciler) ApplyFull(env *message.SnapshotEnvelope) error {
	ws, err := snapshot.DecodeFull(env.Body)
	if err != nil {
		return err
	}

	r.mut_state.Lock()
	defer r.mut_state.Unlock()

	r.full = ws
	r.hasFull = true
	if ws.Tick < r.baseline.Tick {
		// An older full still re-bases later deltas but does not roll the baseline back.
		return nil
	}
	r.rebase(ws, env.InputAck)
	return nil
}

// ApplyDelta applies a delta to the last full snapshot. Deltas for another base, or not newer
// than the current baseline, fail with StaleSnapshot and leave every view untouched.
func (r *Reconciler) ApplyDelta(env *message.SnapshotEnvelope) error {
	d, err := snapshot.DecodeDelta(env.Body)
	if err != nil {
		return err
	}

	r.mut_state.Lock()
	defer r.mut_state.Unlock()

	if !r.hasFull || d.Tick <= r.baseline.Tick {
		r.staleSnapshots++
		return &errors.StaleSnapshot{Tick: d.Tick, BaselineTick: r.baseline.Tick}
	}
	ws, err := d.Apply(r.full)
	if err != nil {
		var stale *errors.StaleSnapshot
		if goerrs.As(err, &stale) {
			r.staleSnapshots++
		}
		return err
	}
	r.rebase(ws, env.InputAck)
	return nil
}

// Apply dispatches on the envelope kind.
func (r *Reconciler) Apply(env *message.SnapshotEnvelope) error {
	if env.Full {
		return r.ApplyFull(env)
	}
	return r.ApplyDelta(env)
}

// rebase replaces the baseline, discards acknowledged inputs, and replays the rest on a copy
// of the new baseline.
func (r *Reconciler) rebase(ws snapshot.WorldSnapshot, inputAck uint32) {
	r.baseline = ws
	if inputAck > r.inputAck {
		r.inputAck = inputAck
	}

	keep := r.pending[:0]
	for _, cmd := range r.pending {
		if cmd.ClientTick > r.inputAck {
			keep = append(keep, cmd)
		}
	}
	r.pending = keep

	if r.hardResync && r.inputAck >= r.resyncUntil {
		r.hardResync = false
		r.log.Info("Hard resync complete", zap.Uint32("inputAck", r.inputAck), zap.Int("pending", len(r.pending)))
	}

	predicted := ws.Entities.Clone()
	if !r.hardResync {
		for _, cmd := range r.pending {
			predicted = r.params.Step(predicted, []simulation.InputCommand{cmd})
		}
	}
	r.predicted = predicted
}

// LatestPredictedState is what the presentation layer should draw. The result is a copy.
func (r *Reconciler) LatestPredictedState() snapshot.WorldSnapshot {
	r.mut_state.Lock()
	defer r.mut_state.Unlock()
	return snapshot.WorldSnapshot{Tick: r.baseline.Tick, Entities: r.predicted.Clone()}
}

func (r *Reconciler) Baseline() snapshot.WorldSnapshot {
	r.mut_state.Lock()
	defer r.mut_state.Unlock()
	return r.baseline.Clone()
}

// FullTick is the tick of the last full snapshot, which a resync request reports.
func (r *Reconciler) FullTick() uint32 {
	r.mut_state.Lock()
	defer r.mut_state.Unlock()
	return r.full.Tick
}

func (r *Reconciler) Stats() Stats {
	r.mut_state.Lock()
	defer r.mut_state.Unlock()
	return Stats{
		BaselineTick:   r.baseline.Tick,
		InputAck:       r.inputAck,
		Pending:        len(r.pending),
		HardResync:     r.hardResync,
		StaleSnapshots: r.staleSnapshots,
		HardResyncs:    r.hardResyncs,
	}
}
