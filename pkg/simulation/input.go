package simulation

import (
	"slices"
	"sync"

	"github.com/sessamekesh/spanreed-netsync/pkg/snapshot"
)

type InputKind uint8

const (
	InputKind_Player InputKind = iota
	InputKind_Join
	InputKind_Leave
)

func (k InputKind) String() string {
	switch k {
	case InputKind_Player:
		return "Player"
	case InputKind_Join:
		return "Join"
	case InputKind_Leave:
		return "Leave"
	}
	return "Unknown"
}

// InputCommand is one client-produced (or server-produced lifecycle) input, tagged with the
// client tick it was generated for.
type InputCommand struct {
	ClientID   uint64
	ClientTick uint32
	Kind       InputKind
	Payload    []byte

	// Server-assigned arrival order, the tie breaker for equal client ticks.
	arrival uint64
}

// StepFunc is the game logic. It receives a private copy of the world and the inputs of one
// tick in integration order, and returns the next world. It must be a pure function of its
// arguments.
type StepFunc func(state snapshot.Entities, inputs []InputCommand) snapshot.Entities

// Order sorts inputs by client tick, then by arrival.
func Order(inputs []InputCommand) {
	slices.SortStableFunc(inputs, func(a, b InputCommand) int {
		if a.ClientTick != b.ClientTick {
			if a.ClientTick < b.ClientTick {
				return -1
			}
			return 1
		}
		if a.arrival < b.arrival {
			return -1
		}
		if a.arrival > b.arrival {
			return 1
		}
		return 0
	})
}

// Integrate advances state by one tick with the given inputs. Identical arguments always
// produce byte-identical snapshots.
func Integrate(state snapshot.WorldSnapshot, inputs []InputCommand, step StepFunc) snapshot.WorldSnapshot {
	ordered := slices.Clone(inputs)
	Order(ordered)
	next := step(state.Entities.Clone(), ordered)
	if next == nil {
		next = snapshot.Entities{}
	}
	return snapshot.WorldSnapshot{Tick: state.Tick + 1, Entities: next}
}

// inputQueue is the bounded hand-off between a connection's goroutine and the tick loop.
// When full, the oldest input is discarded.
type inputQueue struct {
	mut_items sync.Mutex
	items     []InputCommand
	limit     int
	dropped   uint64
}

func newInputQueue(limit int) *inputQueue {
	return &inputQueue{limit: limit}
}

// push returns true if an older input had to be discarded.
func (q *inputQueue) push(cmd InputCommand) bool {
	q.mut_items.Lock()
	defer q.mut_items.Unlock()

	dropped := false
	if len(q.items) >= q.limit {
		q.items = q.items[1:]
		q.dropped++
		dropped = true
	}
	q.items = append(q.items, cmd)
	return dropped
}

func (q *inputQueue) drain() []InputCommand {
	q.mut_items.Lock()
	defer q.mut_items.Unlock()

	out := q.items
	q.items = nil
	return out
}

func (q *inputQueue) size() int {
	q.mut_items.Lock()
	defer q.mut_items.Unlock()
	return len(q.items)
}
