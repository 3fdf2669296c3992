// Package arena is a small movement game used to drive the simulation in the binaries and
// end-to-end tests: every client controls one square that moves in four directions and wraps
// around the edges of the field.
package arena

import (
	"github.com/sessamekesh/spanreed-netsync/pkg/simulation"
	"github.com/sessamekesh/spanreed-netsync/pkg/snapshot"
	"github.com/vmihailenco/msgpack/v5"
)

// PlayerInput is the payload of a Player input command.
type PlayerInput struct {
	Up    bool `msgpack:"u"`
	Down  bool `msgpack:"d"`
	Left  bool `msgpack:"l"`
	Right bool `msgpack:"r"`
}

// Player is the component state stored per entity. Positions are in integer world units
// with the origin at the center of the field.
type Player struct {
	ClientID uint64 `msgpack:"c"`
	X        int32  `msgpack:"x"`
	Y        int32  `msgpack:"y"`
}

var spawnPositions = [8][2]int32{
	{-250, 0},
	{250, 0},
	{0, 250},
	{0, -250},
	{176, 176},
	{-176, 176},
	{-176, -176},
	{176, -176},
}

type Config struct {
	Width  int32
	Height int32
	// World units per second.
	Speed  int32
	TickHz int32
}

func DefaultConfig() Config {
	return Config{Width: 1280, Height: 720, Speed: 300, TickHz: 30}
}

type Arena struct {
	config Config
}

func New(config Config) *Arena {
	def := DefaultConfig()
	if config.Width <= 0 {
		config.Width = def.Width
	}
	if config.Height <= 0 {
		config.Height = def.Height
	}
	if config.Speed <= 0 {
		config.Speed = def.Speed
	}
	if config.TickHz <= 0 {
		config.TickHz = def.TickHz
	}
	return &Arena{config: config}
}

// EntityFor maps a client to its entity id.
func EntityFor(clientID uint64) snapshot.EntityID {
	return snapshot.EntityID(clientID ^ (clientID >> 32))
}

func EncodeInput(in PlayerInput) ([]byte, error) {
	return msgpack.Marshal(&in)
}

func DecodePlayer(raw []byte) (Player, error) {
	var p Player
	err := msgpack.Unmarshal(raw, &p)
	return p, err
}

func wrap(v, size int32) int32 {
	half := size / 2
	m := (v + half) % size
	if m < 0 {
		m += size
	}
	return m - half
}

// Step implements simulation.StepFunc.
func (a *Arena) Step(state snapshot.Entities, inputs []simulation.InputCommand) snapshot.Entities {
	perTick := a.config.Speed / a.config.TickHz
	for _, in := range inputs {
		id := EntityFor(in.ClientID)
		switch in.Kind {
		case simulation.InputKind_Join:
			spawn := spawnPositions[in.ClientID%uint64(len(spawnPositions))]
			if raw, err := msgpack.Marshal(&Player{ClientID: in.ClientID, X: spawn[0], Y: spawn[1]}); err == nil {
				state[id] = raw
			}
		case simulation.InputKind_Leave:
			delete(state, id)
		case simulation.InputKind_Player:
			raw, has := state[id]
			if !has {
				continue
			}
			var move PlayerInput
			if err := msgpack.Unmarshal(in.Payload, &move); err != nil {
				continue
			}
			p, err := DecodePlayer(raw)
			if err != nil {
				continue
			}
			if move.Right {
				p.X += perTick
			}
			if move.Left {
				p.X -= perTick
			}
			if move.Up {
				p.Y += perTick
			}
			if move.Down {
				p.Y -= perTick
			}
			p.X = wrap(p.X, a.config.Width)
			p.Y = wrap(p.Y, a.config.Height)
			if next, err := msgpack.Marshal(&p); err == nil {
				state[id] = next
			}
		}
	}
	return state
}
