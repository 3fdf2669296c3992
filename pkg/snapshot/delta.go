package snapshot

import (
	"bytes"
	"encoding/binary"

	"github.com/sessamekesh/spanreed-netsync/pkg/errors"
)

// Delta carries the entities that changed between BaseTick and Tick.
type Delta struct {
	BaseTick uint32
	Tick     uint32
	Changed  Entities
	Removed  []EntityID
}

// Diff computes the delta that turns base into next.
func Diff(base, next WorldSnapshot) Delta {
	d := Delta{
		BaseTick: base.Tick,
		Tick:     next.Tick,
		Changed:  Entities{},
	}
	for id, state := range next.Entities {
		prev, has := base.Entities[id]
		if !has || !bytes.Equal(prev, state) {
			d.Changed[id] = bytes.Clone(state)
		}
	}
	for _, id := range base.Entities.SortedIDs() {
		if _, has := next.Entities[id]; !has {
			d.Removed = append(d.Removed, id)
		}
	}
	return d
}

// Apply produces the snapshot at d.Tick. The base must be exactly at d.BaseTick,
// otherwise the delta does not describe it and StaleSnapshot is returned.
func (d Delta) Apply(base WorldSnapshot) (WorldSnapshot, error) {
	if base.Tick != d.BaseTick {
		return WorldSnapshot{}, &errors.StaleSnapshot{Tick: d.Tick, BaselineTick: base.Tick}
	}
	out := base.Clone()
	out.Tick = d.Tick
	for _, id := range d.Removed {
		delete(out.Entities, id)
	}
	for id, state := range d.Changed {
		out.Entities[id] = bytes.Clone(state)
	}
	return out, nil
}

// Encode writes base_tick | tick | changed entries | removed ids.
func (d Delta) Encode() []byte {
	ids := d.Changed.SortedIDs()
	out := make([]byte, 0, 16+len(ids)*16+len(d.Removed)*4)
	out = binary.LittleEndian.AppendUint32(out, d.BaseTick)
	out = binary.LittleEndian.AppendUint32(out, d.Tick)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(ids)))
	for _, id := range ids {
		state := d.Changed[id]
		out = binary.LittleEndian.AppendUint32(out, uint32(id))
		out = binary.LittleEndian.AppendUint32(out, uint32(len(state)))
		out = append(out, state...)
	}
	out = binary.LittleEndian.AppendUint32(out, uint32(len(d.Removed)))
	for _, id := range d.Removed {
		out = binary.LittleEndian.AppendUint32(out, uint32(id))
	}
	return out
}

func DecodeDelta(raw []byte) (Delta, error) {
	r := reader{name: "Delta", buf: raw}
	var d Delta
	var err error
	if d.BaseTick, err = r.uint32(); err != nil {
		return Delta{}, err
	}
	if d.Tick, err = r.uint32(); err != nil {
		return Delta{}, err
	}
	if d.Changed, err = r.entries(); err != nil {
		return Delta{}, err
	}
	if d.Removed, err = r.ids(); err != nil {
		return Delta{}, err
	}
	if err := r.done(); err != nil {
		return Delta{}, err
	}
	return d, nil
}
