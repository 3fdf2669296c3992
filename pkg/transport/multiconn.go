package transport

import (
	"errors"
	"net"
	"sync"

	"github.com/sessamekesh/spanreed-netsync/pkg/message"
)

// MultiPacketConn merges several carriers into one so a single Server, and its single
// connection table, can serve UDP and WebSocket clients together. Outgoing frames are routed
// by the destination address's network.
type MultiPacketConn struct {
	conns []PacketConn

	inbox     chan datagram
	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

func NewMultiPacketConn(conns ...PacketConn) *MultiPacketConn {
	m := &MultiPacketConn{
		conns:  conns,
		inbox:  make(chan datagram, 1024),
		closed: make(chan struct{}),
	}
	for _, c := range conns {
		m.wg.Add(1)
		go m.pump(c)
	}
	return m
}

func (m *MultiPacketConn) pump(c PacketConn) {
	defer m.wg.Done()
	buf := make([]byte, message.MaxDatagramSize)
	for {
		n, addr, err := c.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-m.closed:
				return
			default:
				continue
			}
		}
		pkt := datagram{from: addr, data: append([]byte(nil), buf[:n]...)}
		select {
		case <-m.closed:
			return
		case m.inbox <- pkt:
		}
	}
}

func (m *MultiPacketConn) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case <-m.closed:
		return 0, nil, net.ErrClosed
	case pkt := <-m.inbox:
		return copy(p, pkt.data), pkt.from, nil
	}
}

func (m *MultiPacketConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	for _, c := range m.conns {
		if c.LocalAddr().Network() == addr.Network() {
			return c.WriteTo(p, addr)
		}
	}
	return 0, &net.AddrError{Err: "no carrier for network", Addr: addr.Network()}
}

func (m *MultiPacketConn) Close() error {
	var first error
	m.closeOnce.Do(func() {
		close(m.closed)
		for _, c := range m.conns {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
		m.wg.Wait()
	})
	return first
}

func (m *MultiPacketConn) LocalAddr() net.Addr {
	if len(m.conns) == 0 {
		return nil
	}
	return m.conns[0].LocalAddr()
}
