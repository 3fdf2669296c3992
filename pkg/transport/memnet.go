package transport

import (
	"fmt"
	"net"
	"sync"
)

type memoryAddr string

func (a memoryAddr) Network() string { return "mem" }
func (a memoryAddr) String() string  { return string(a) }

type datagram struct {
	from net.Addr
	data []byte
}

// MemoryNetwork is an in-process datagram network. Packets to unknown or full endpoints are
// dropped silently, like a real network would.
type MemoryNetwork struct {
	QueueLength int

	mut_endpoints sync.RWMutex
	endpoints     map[memoryAddr]*memoryPacketConn
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		QueueLength: 1024,
		endpoints:   make(map[memoryAddr]*memoryPacketConn),
	}
}

func (n *MemoryNetwork) Listen(name string) (PacketConn, error) {
	n.mut_endpoints.Lock()
	defer n.mut_endpoints.Unlock()

	addr := memoryAddr(name)
	if _, has := n.endpoints[addr]; has {
		return nil, fmt.Errorf("memory endpoint %q already in use", name)
	}
	conn := &memoryPacketConn{
		network: n,
		addr:    addr,
		inbox:   make(chan datagram, n.QueueLength),
		closed:  make(chan struct{}),
	}
	n.endpoints[addr] = conn
	return conn, nil
}

// Addr returns the net.Addr for an endpoint name, for use as a WriteTo destination.
func (n *MemoryNetwork) Addr(name string) net.Addr {
	return memoryAddr(name)
}

func (n *MemoryNetwork) deliver(from memoryAddr, to net.Addr, data []byte) {
	n.mut_endpoints.RLock()
	dest, has := n.endpoints[memoryAddr(to.String())]
	n.mut_endpoints.RUnlock()
	if !has {
		return
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case <-dest.closed:
	case dest.inbox <- datagram{from: from, data: buf}:
	default:
	}
}

func (n *MemoryNetwork) remove(addr memoryAddr) {
	n.mut_endpoints.Lock()
	defer n.mut_endpoints.Unlock()
	delete(n.endpoints, addr)
}

type memoryPacketConn struct {
	network *MemoryNetwork
	addr    memoryAddr
	inbox   chan datagram

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *memoryPacketConn) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case <-c.closed:
		return 0, nil, net.ErrClosed
	case pkt := <-c.inbox:
		n := copy(p, pkt.data)
		return n, pkt.from, nil
	}
}

func (c *memoryPacketConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}
	c.network.deliver(c.addr, addr, p)
	return len(p), nil
}

func (c *memoryPacketConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.network.remove(c.addr)
	})
	return nil
}

func (c *memoryPacketConn) LocalAddr() net.Addr {
	return c.addr
}
