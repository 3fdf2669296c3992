// Package snapshot holds the world-state representation shared by the authoritative
// simulation and the client reconciler, and its deterministic binary encoding.
package snapshot

import (
	"bytes"
	"encoding/binary"
	"slices"

	"github.com/sessamekesh/spanreed-netsync/pkg/errors"
)

type EntityID uint32

// Entities maps entity ids to opaque component state produced by the game logic.
type Entities map[EntityID][]byte

func (e Entities) Clone() Entities {
	out := make(Entities, len(e))
	for id, state := range e {
		out[id] = bytes.Clone(state)
	}
	return out
}

// SortedIDs returns entity ids in ascending order; every encoding walks entities in this
// order so equal worlds always encode to equal bytes.
func (e Entities) SortedIDs() []EntityID {
	ids := make([]EntityID, 0, len(e))
	for id := range e {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (e Entities) Equal(other Entities) bool {
	if len(e) != len(other) {
		return false
	}
	for id, state := range e {
		o, has := other[id]
		if !has || !bytes.Equal(state, o) {
			return false
		}
	}
	return true
}

type WorldSnapshot struct {
	Tick     uint32
	Entities Entities
}

func New(tick uint32) WorldSnapshot {
	return WorldSnapshot{Tick: tick, Entities: Entities{}}
}

func (s WorldSnapshot) Clone() WorldSnapshot {
	return WorldSnapshot{Tick: s.Tick, Entities: s.Entities.Clone()}
}

func (s WorldSnapshot) Equal(other WorldSnapshot) bool {
	return s.Tick == other.Tick && s.Entities.Equal(other.Entities)
}

// Encode writes tick | count | (id | len | state)* with ids ascending.
func (s WorldSnapshot) Encode() []byte {
	ids := s.Entities.SortedIDs()
	out := make([]byte, 0, 8+len(ids)*16)
	out = binary.LittleEndian.AppendUint32(out, s.Tick)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(ids)))
	for _, id := range ids {
		state := s.Entities[id]
		out = binary.LittleEndian.AppendUint32(out, uint32(id))
		out = binary.LittleEndian.AppendUint32(out, uint32(len(state)))
		out = append(out, state...)
	}
	return out
}

func Decode(raw []byte) (WorldSnapshot, error) {
	r := reader{name: "WorldSnapshot", buf: raw}
	tick, err := r.uint32()
	if err != nil {
		return WorldSnapshot{}, err
	}
	entities, err := r.entries()
	if err != nil {
		return WorldSnapshot{}, err
	}
	if err := r.done(); err != nil {
		return WorldSnapshot{}, err
	}
	return WorldSnapshot{Tick: tick, Entities: entities}, nil
}

type reader struct {
	name string
	buf  []byte
	ptr  int
}

func (r *reader) uint32() (uint32, error) {
	if len(r.buf)-r.ptr < 4 {
		return 0, &errors.MalformedFrame{MessageName: r.name, MsgSize: len(r.buf), Needed: r.ptr + 4}
	}
	v := binary.LittleEndian.Uint32(r.buf[r.ptr : r.ptr+4])
	r.ptr += 4
	return v, nil
}

func (r *reader) entries() (Entities, error) {
	count, err := r.uint32()
	if err != nil {
		return nil, err
	}
	// Each entry needs at least 8 bytes; reject counts the buffer cannot hold before allocating.
	if uint64(count)*8 > uint64(len(r.buf)-r.ptr) {
		return nil, &errors.MalformedFrame{MessageName: r.name, Reason: "entity count exceeds buffer", MsgSize: len(r.buf), Needed: r.ptr + int(count)*8}
	}
	out := make(Entities, count)
	for i := uint32(0); i < count; i++ {
		id, err := r.uint32()
		if err != nil {
			return nil, err
		}
		n, err := r.uint32()
		if err != nil {
			return nil, err
		}
		if uint64(n) > uint64(len(r.buf)-r.ptr) {
			return nil, &errors.MalformedFrame{MessageName: r.name, Reason: "entity state exceeds buffer", MsgSize: len(r.buf), Needed: r.ptr + int(n)}
		}
		out[EntityID(id)] = bytes.Clone(r.buf[r.ptr : r.ptr+int(n)])
		r.ptr += int(n)
	}
	return out, nil
}

func (r *reader) ids() ([]EntityID, error) {
	count, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if uint64(count)*4 > uint64(len(r.buf)-r.ptr) {
		return nil, &errors.MalformedFrame{MessageName: r.name, Reason: "id count exceeds buffer", MsgSize: len(r.buf), Needed: r.ptr + int(count)*4}
	}
	out := make([]EntityID, 0, count)
	for i := uint32(0); i < count; i++ {
		id, err := r.uint32()
		if err != nil {
			return nil, err
		}
		out = append(out, EntityID(id))
	}
	return out, nil
}

func (r *reader) done() error {
	if r.ptr != len(r.buf) {
		return &errors.MalformedFrame{MessageName: r.name, Reason: "trailing bytes", MsgSize: len(r.buf), Needed: r.ptr}
	}
	return nil
}
