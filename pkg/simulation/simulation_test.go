package simulation

import (
	"bytes"
	goerrs "errors"
	"sync"
	"testing"

	"github.com/sessamekesh/spanreed-netsync/pkg/message"
	"github.com/sessamekesh/spanreed-netsync/pkg/snapshot"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

// journalStep gives every joined client an entity whose state is the concatenation of the
// payloads it has sent, so integration order is visible in the snapshot.
func journalStep(state snapshot.Entities, inputs []InputCommand) snapshot.Entities {
	for _, in := range inputs {
		id := snapshot.EntityID(in.ClientID)
		switch in.Kind {
		case InputKind_Join:
			state[id] = []byte{}
		case InputKind_Leave:
			delete(state, id)
		case InputKind_Player:
			if prev, has := state[id]; has {
				state[id] = append(bytes.Clone(prev), in.Payload...)
			}
		}
	}
	return state
}

type sent struct {
	clientID uint64
	channel  message.ChannelType
	kind     message.MessageKind
	env      message.SnapshotEnvelope
}

type recordingPublisher struct {
	mut_sent sync.Mutex
	sent     []sent
}

func (p *recordingPublisher) Send(clientID uint64, channel message.ChannelType, kind message.MessageKind, payload []byte) error {
	var env message.SnapshotEnvelope
	if err := message.Unmarshal(payload, &env); err != nil {
		return err
	}
	env.Full = kind == message.MessageKind_SnapshotFull

	p.mut_sent.Lock()
	defer p.mut_sent.Unlock()
	p.sent = append(p.sent, sent{clientID: clientID, channel: channel, kind: kind, env: env})
	return nil
}

func (p *recordingPublisher) take() []sent {
	p.mut_sent.Lock()
	defer p.mut_sent.Unlock()
	out := p.sent
	p.sent = nil
	return out
}

func newTestSimulation(t *testing.T, params Params) (*Simulation, *recordingPublisher) {
	t.Helper()
	pub := &recordingPublisher{}
	params.Step = journalStep
	params.Publisher = pub
	params.Logger = zaptest.NewLogger(t)
	return New(params), pub
}

func TestIntegrateIsDeterministic(t *testing.T) {
	start := snapshot.WorldSnapshot{Tick: 10, Entities: snapshot.Entities{1: {}, 2: {}}}
	inputs := []InputCommand{
		{ClientID: 1, ClientTick: 12, Payload: []byte("c"), arrival: 1},
		{ClientID: 2, ClientTick: 11, Payload: []byte("x"), arrival: 2},
		{ClientID: 1, ClientTick: 11, Payload: []byte("b"), arrival: 3},
		{ClientID: 1, ClientTick: 11, Payload: []byte("a"), arrival: 0},
	}

	a := Integrate(start, inputs, journalStep)
	b := Integrate(start, inputs, journalStep)
	if !bytes.Equal(a.Encode(), b.Encode()) {
		t.Fatal("same inputs produced different snapshots")
	}
	if a.Tick != 11 {
		t.Errorf("expected tick 11, got %d", a.Tick)
	}
	if got := string(a.Entities[1]); got != "abc" {
		t.Errorf("expected client_tick then arrival order 'abc', got %q", got)
	}
	if len(start.Entities[1]) != 0 {
		t.Error("Integrate modified its input snapshot")
	}
}

func TestJoinSendsFullSnapshot(t *testing.T) {
	sim, pub := newTestSimulation(t, Params{FullSyncInterval: 100})

	sim.AddClient(7)
	report := sim.Tick()
	if report.Tick != 1 || report.Fulls != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	out := pub.take()
	if len(out) != 1 || out[0].channel != message.ChannelType_ReliableOrdered || !out[0].env.Full {
		t.Fatalf("expected one reliable full snapshot, got %+v", out)
	}
	full, err := snapshot.DecodeFull(out[0].env.Body)
	if err != nil {
		t.Fatalf("DecodeFull: %v", err)
	}
	if _, has := full.Entities[7]; !has || full.Tick != 1 {
		t.Fatalf("joined client missing from full snapshot: %+v", full)
	}

	sim.Tick()
	out = pub.take()
	if len(out) != 1 || out[0].channel != message.ChannelType_Unreliable || out[0].env.Full {
		t.Fatalf("expected one unreliable delta, got %+v", out)
	}
	if out[0].env.BaseTick != 1 || out[0].env.Tick != 2 {
		t.Errorf("delta should be based on the last full snapshot: %+v", out[0].env)
	}
}

func TestInputsAreOrderedAndAcknowledged(t *testing.T) {
	sim, pub := newTestSimulation(t, Params{FullSyncInterval: 100})
	sim.AddClient(1)
	sim.Tick()
	pub.take()

	for _, in := range []struct {
		tick uint32
		b    byte
	}{{4, 'c'}, {2, 'a'}, {3, 'b'}} {
		if err := sim.Submit(InputCommand{ClientID: 1, ClientTick: in.tick, Payload: []byte{in.b}}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	report := sim.Tick()
	if report.Integrated != 3 {
		t.Fatalf("expected 3 integrated inputs, got %+v", report)
	}
	if got := string(sim.Latest().Entities[1]); got != "abc" {
		t.Errorf("expected inputs in client_tick order, got %q", got)
	}
	out := pub.take()
	if len(out) != 1 || out[0].env.InputAck != 4 {
		t.Fatalf("expected input_ack 4, got %+v", out)
	}

	// Anything at or below the acknowledged tick was already integrated.
	sim.Submit(InputCommand{ClientID: 1, ClientTick: 4, Payload: []byte{'z'}})
	sim.Submit(InputCommand{ClientID: 1, ClientTick: 5, Payload: []byte{'d'}})
	sim.Submit(InputCommand{ClientID: 1, ClientTick: 5, Payload: []byte{'e'}})
	report = sim.Tick()
	if report.Integrated != 1 || report.Superseded != 2 {
		t.Errorf("unexpected report %+v", report)
	}
	if got := string(sim.Latest().Entities[1]); got != "abcd" {
		t.Errorf("expected 'abcd', got %q", got)
	}
}

func TestStaleInputsAreDropped(t *testing.T) {
	sim, _ := newTestSimulation(t, Params{StalenessBound: 5, FullSyncInterval: 100})
	sim.AddClient(1)
	for i := 0; i < 20; i++ {
		sim.Tick()
	}

	sim.Submit(InputCommand{ClientID: 1, ClientTick: 10, Payload: []byte{'x'}})
	sim.Submit(InputCommand{ClientID: 1, ClientTick: 16, Payload: []byte{'y'}})
	report := sim.Tick()
	if report.Stale != 1 || report.Integrated != 1 {
		t.Fatalf("expected one stale and one integrated input, got %+v", report)
	}
	if got := string(sim.Latest().Entities[1]); got != "y" {
		t.Errorf("stale input reached the world: %q", got)
	}
	if stats := sim.Stats(); stats.StaleDrops != 1 || stats.Integrated != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestInputQueueDropsOldest(t *testing.T) {
	sim, _ := newTestSimulation(t, Params{InputQueueLength: 3, FullSyncInterval: 100})
	sim.AddClient(1)
	sim.Tick()

	for i := 0; i < 5; i++ {
		sim.Submit(InputCommand{ClientID: 1, ClientTick: uint32(2 + i), Payload: []byte{byte('a' + i)}})
	}
	if depth := sim.queues[1].size(); depth != 3 {
		t.Fatalf("queue grew past its bound: %d", depth)
	}
	sim.Tick()
	if got := string(sim.Latest().Entities[1]); got != "cde" {
		t.Errorf("expected the newest three inputs, got %q", got)
	}
	if drops := sim.Stats().QueueDrops; drops != 2 {
		t.Errorf("expected 2 queue drops, got %d", drops)
	}
}

func TestSubmitRequiresJoinedClient(t *testing.T) {
	sim, _ := newTestSimulation(t, Params{})
	if err := sim.Submit(InputCommand{ClientID: 3, ClientTick: 1}); err == nil {
		t.Fatal("expected an error for an unknown client")
	}
}

func TestFullSyncIntervalAndResync(t *testing.T) {
	sim, pub := newTestSimulation(t, Params{FullSyncInterval: 4})
	sim.AddClient(1)
	sim.AddClient(2)

	var fullTicks []uint32
	for i := 0; i < 8; i++ {
		sim.Tick()
		for _, s := range pub.take() {
			if s.clientID == 1 && s.env.Full {
				fullTicks = append(fullTicks, s.env.Tick)
			}
		}
	}
	want := []uint32{1, 4, 8}
	if len(fullTicks) != len(want) {
		t.Fatalf("full snapshots at %v, want %v", fullTicks, want)
	}
	for i := range want {
		if fullTicks[i] != want[i] {
			t.Fatalf("full snapshots at %v, want %v", fullTicks, want)
		}
	}

	sim.RequestResync(2)
	sim.Tick()
	for _, s := range pub.take() {
		switch s.clientID {
		case 1:
			if s.env.Full || s.env.BaseTick != 8 {
				t.Errorf("client 1 should get a delta on tick 8's baseline: %+v", s.env)
			}
		case 2:
			if !s.env.Full || s.env.Tick != 9 {
				t.Errorf("client 2 should get a resync full snapshot: %+v", s.env)
			}
		}
	}
}

func TestLeaveRemovesClient(t *testing.T) {
	sim, pub := newTestSimulation(t, Params{FullSyncInterval: 100})
	sim.AddClient(1)
	sim.Tick()
	sim.Submit(InputCommand{ClientID: 1, ClientTick: 2, Payload: []byte{'q'}})
	sim.RemoveClient(1)

	report := sim.Tick()
	if report.Integrated != 1 {
		t.Errorf("queued input should be integrated before the leave: %+v", report)
	}
	if _, has := sim.Latest().Entities[1]; has {
		t.Error("entity survived the leave input")
	}
	if sim.Stats().Clients != 0 {
		t.Error("client still counted as joined")
	}
	pub.take()
	sim.Tick()
	if out := pub.take(); len(out) != 0 {
		t.Errorf("departed client still receives snapshots: %+v", out)
	}
}

func TestRejoinBeforeNextTickKeepsClient(t *testing.T) {
	sim, pub := newTestSimulation(t, Params{FullSyncInterval: 100})
	sim.AddClient(1)
	sim.Tick()
	sim.Submit(InputCommand{ClientID: 1, ClientTick: 2, Payload: []byte{'o'}})
	pub.take()

	sim.RemoveClient(1)
	sim.AddClient(1)
	sim.Tick()
	if got, has := sim.Latest().Entities[1]; !has || len(got) != 0 {
		t.Fatalf("rejoined client should have a fresh entity, got %q (present=%v)", got, has)
	}
	if sim.Stats().Clients != 1 {
		t.Fatalf("rejoined client not counted as joined: %+v", sim.Stats())
	}
	out := pub.take()
	if len(out) != 1 || !out[0].env.Full || out[0].env.InputAck != 0 {
		t.Fatalf("rejoined client should get a full snapshot with a reset input_ack, got %+v", out)
	}

	if err := sim.Submit(InputCommand{ClientID: 1, ClientTick: 5, Payload: []byte{'n'}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	report := sim.Tick()
	if report.Integrated != 1 || report.Stale != 0 {
		t.Fatalf("input after rejoin not integrated: %+v", report)
	}
	if got := string(sim.Latest().Entities[1]); got != "n" {
		t.Errorf("expected 'n', got %q", got)
	}
}

func TestJoinThenLeaveInOneTick(t *testing.T) {
	sim, pub := newTestSimulation(t, Params{FullSyncInterval: 100})
	sim.AddClient(1)
	sim.RemoveClient(1)
	sim.Tick()
	if _, has := sim.Latest().Entities[1]; has {
		t.Error("entity survived a leave that followed its join")
	}
	if sim.Stats().Clients != 0 {
		t.Error("client still counted as joined")
	}
	if out := pub.take(); len(out) != 0 {
		t.Errorf("departed client received snapshots: %+v", out)
	}
}

type failingPublisher struct {
	mut_fail sync.Mutex
	fail     bool
}

func (p *failingPublisher) Send(uint64, message.ChannelType, message.MessageKind, []byte) error {
	p.mut_fail.Lock()
	defer p.mut_fail.Unlock()
	if p.fail {
		return goerrs.New("payload too large")
	}
	return nil
}

func TestFailedFullSnapshotIsReportedOncePerClient(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	pub := &failingPublisher{fail: true}
	sim := New(Params{FullSyncInterval: 100, Step: journalStep, Publisher: pub, Logger: zap.New(core)})

	sim.AddClient(1)
	sim.AddClient(2)
	for i := 0; i < 5; i++ {
		if report := sim.Tick(); report.Fulls != 0 {
			t.Fatalf("no full snapshot should be delivered: %+v", report)
		}
	}
	if n := logs.FilterMessage("Full snapshot not sent, client has no baseline").Len(); n != 2 {
		t.Fatalf("expected one warning per client, got %d", n)
	}

	pub.mut_fail.Lock()
	pub.fail = false
	pub.mut_fail.Unlock()
	if report := sim.Tick(); report.Fulls != 2 {
		t.Fatalf("pending full snapshots should go out once sends succeed: %+v", report)
	}
}
