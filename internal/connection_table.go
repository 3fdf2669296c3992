package internal

import (
	"fmt"
	"sort"
	"sync"
)

type DuplicateClientIdError struct {
	Id uint64
}

func (e *DuplicateClientIdError) Error() string {
	return fmt.Sprintf("Attempted to register client with duplicate ID %d", e.Id)
}

type MissingClientIdError struct {
	Id uint64
}

func (e *MissingClientIdError) Error() string {
	return fmt.Sprintf("Missing client with id=%d", e.Id)
}

type TooManyClientsError struct {
	MaxConnections int
}

func (e *TooManyClientsError) Error() string {
	return fmt.Sprintf("Too many clients are connected (max %d) - cannot register new client", e.MaxConnections)
}

// ConnectionTable is the process-wide index of live connections keyed by client id. It is
// the single synchronization point for connection lifecycle transitions: entries are
// inserted on a successful handshake and removed on close, and nothing else holds a
// connection by reference across components.
type ConnectionTable[C any] struct {
	MaxConnections int

	mut_connections sync.RWMutex
	connections     map[uint64]C
	addrIndex       map[string]uint64
}

func CreateConnectionTable[C any](maxConnections int) *ConnectionTable[C] {
	return &ConnectionTable[C]{
		MaxConnections:  maxConnections,
		mut_connections: sync.RWMutex{},
		connections:     make(map[uint64]C),
		addrIndex:       make(map[string]uint64),
	}
}

func (t *ConnectionTable[C]) Insert(clientId uint64, addr string, conn C) error {
	t.mut_connections.Lock()
	defer t.mut_connections.Unlock()

	if _, has := t.connections[clientId]; has {
		return &DuplicateClientIdError{Id: clientId}
	}

	if t.MaxConnections > 0 && len(t.connections) >= t.MaxConnections {
		return &TooManyClientsError{MaxConnections: t.MaxConnections}
	}

	t.connections[clientId] = conn
	t.addrIndex[addr] = clientId
	return nil
}

// Remove deletes the entry for clientId, returning it if present. The address index is
// only cleared when it still points at this client.
func (t *ConnectionTable[C]) Remove(clientId uint64, addr string) (C, bool) {
	t.mut_connections.Lock()
	defer t.mut_connections.Unlock()

	conn, has := t.connections[clientId]
	if !has {
		var zero C
		return zero, false
	}
	delete(t.connections, clientId)
	if owner, has := t.addrIndex[addr]; has && owner == clientId {
		delete(t.addrIndex, addr)
	}
	return conn, true
}

func (t *ConnectionTable[C]) Get(clientId uint64) (C, error) {
	t.mut_connections.RLock()
	defer t.mut_connections.RUnlock()

	conn, has := t.connections[clientId]
	if !has {
		var zero C
		return zero, &MissingClientIdError{Id: clientId}
	}
	return conn, nil
}

func (t *ConnectionTable[C]) LookupAddr(addr string) (C, bool) {
	t.mut_connections.RLock()
	defer t.mut_connections.RUnlock()

	clientId, has := t.addrIndex[addr]
	if !has {
		var zero C
		return zero, false
	}
	conn, has := t.connections[clientId]
	return conn, has
}

func (t *ConnectionTable[C]) Len() int {
	t.mut_connections.RLock()
	defer t.mut_connections.RUnlock()
	return len(t.connections)
}

// HasCapacity reports whether one more connection could be inserted.
func (t *ConnectionTable[C]) HasCapacity() bool {
	if t.MaxConnections <= 0 {
		return true
	}
	return t.Len() < t.MaxConnections
}

// Snapshot returns the live connections ordered by client id. The caller must not assume
// the entries are still registered by the time it uses them.
func (t *ConnectionTable[C]) Snapshot() []C {
	t.mut_connections.RLock()
	defer t.mut_connections.RUnlock()

	ids := make([]uint64, 0, len(t.connections))
	for id := range t.connections {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]C, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.connections[id])
	}
	return out
}

// Drain empties the table, returning every entry. Used at shutdown.
func (t *ConnectionTable[C]) Drain() []C {
	t.mut_connections.Lock()
	defer t.mut_connections.Unlock()

	out := make([]C, 0, len(t.connections))
	for _, conn := range t.connections {
		out = append(out, conn)
	}
	t.connections = make(map[uint64]C)
	t.addrIndex = make(map[string]uint64)
	return out
}
