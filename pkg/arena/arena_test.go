package arena

import (
	"bytes"
	"testing"

	"github.com/sessamekesh/spanreed-netsync/pkg/simulation"
	"github.com/sessamekesh/spanreed-netsync/pkg/snapshot"
)

func mustInput(t *testing.T, in PlayerInput) []byte {
	t.Helper()
	raw, err := EncodeInput(in)
	if err != nil {
		t.Fatalf("EncodeInput: %v", err)
	}
	return raw
}

func position(t *testing.T, state snapshot.Entities, clientID uint64) (int32, int32) {
	t.Helper()
	raw, has := state[EntityFor(clientID)]
	if !has {
		t.Fatalf("no entity for client %d", clientID)
	}
	p, err := DecodePlayer(raw)
	if err != nil {
		t.Fatalf("DecodePlayer: %v", err)
	}
	return p.X, p.Y
}

func TestJoinMoveLeave(t *testing.T) {
	a := New(DefaultConfig())
	state := a.Step(snapshot.Entities{}, []simulation.InputCommand{{ClientID: 1, Kind: simulation.InputKind_Join}})
	if x, y := position(t, state, 1); x != 250 || y != 0 {
		t.Fatalf("unexpected spawn (%d, %d)", x, y)
	}

	right := mustInput(t, PlayerInput{Right: true, Up: true})
	for i := 0; i < 3; i++ {
		state = a.Step(state, []simulation.InputCommand{{ClientID: 1, ClientTick: uint32(i + 1), Payload: right}})
	}
	if x, y := position(t, state, 1); x != 280 || y != 30 {
		t.Errorf("expected (280, 30) after three ticks, got (%d, %d)", x, y)
	}

	state = a.Step(state, []simulation.InputCommand{{ClientID: 1, Kind: simulation.InputKind_Leave}})
	if len(state) != 0 {
		t.Errorf("entity survived leave: %v", state)
	}
}

func TestScreenWrap(t *testing.T) {
	cases := []struct {
		v, size, want int32
	}{
		{0, 100, 0},
		{49, 100, 49},
		{50, 100, -50},
		{-51, 100, 49},
		{-50, 100, -50},
		{260, 100, -40},
	}
	for _, tc := range cases {
		if got := wrap(tc.v, tc.size); got != tc.want {
			t.Errorf("wrap(%d, %d) = %d, want %d", tc.v, tc.size, got, tc.want)
		}
	}
}

func TestUnknownPayloadIsIgnored(t *testing.T) {
	a := New(DefaultConfig())
	state := a.Step(snapshot.Entities{}, []simulation.InputCommand{{ClientID: 2, Kind: simulation.InputKind_Join}})
	before := bytes.Clone(state[EntityFor(2)])
	state = a.Step(state, []simulation.InputCommand{{ClientID: 2, Payload: []byte{0xc1}}})
	if !bytes.Equal(before, state[EntityFor(2)]) {
		t.Error("garbage input moved the player")
	}
}

func TestStepIsDeterministic(t *testing.T) {
	a := New(DefaultConfig())
	start := snapshot.WorldSnapshot{Entities: snapshot.Entities{}}
	inputs := []simulation.InputCommand{
		{ClientID: 1, Kind: simulation.InputKind_Join},
		{ClientID: 2, Kind: simulation.InputKind_Join},
	}
	w1 := simulation.Integrate(start, inputs, a.Step)
	w2 := simulation.Integrate(start, inputs, a.Step)
	move := mustInput(t, PlayerInput{Left: true})
	next := []simulation.InputCommand{{ClientID: 1, ClientTick: 1, Payload: move}, {ClientID: 2, ClientTick: 1, Payload: move}}
	w1 = simulation.Integrate(w1, next, a.Step)
	w2 = simulation.Integrate(w2, next, a.Step)
	if !bytes.Equal(w1.Encode(), w2.Encode()) {
		t.Fatal("identical inputs produced different snapshots")
	}
}
