package transport

import (
	"math/rand"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sessamekesh/spanreed-netsync/pkg/message"
)

type LossParams struct {
	// Fraction of outgoing frames to drop, in [0, 1].
	DropRate float64
	// Channels subject to loss. Empty means every channel.
	Channels []message.ChannelType
	Seed     int64
}

// LossyPacketConn wraps a carrier and silently discards a fraction of outgoing frames on
// the selected channels. Used to exercise convergence under packet loss.
type LossyPacketConn struct {
	PacketConn

	params LossParams

	mut_rng sync.Mutex
	rng     *rand.Rand

	dropped atomic.Uint64
	passed  atomic.Uint64
}

func NewLossyPacketConn(inner PacketConn, params LossParams) *LossyPacketConn {
	return &LossyPacketConn{
		PacketConn: inner,
		params:     params,
		rng:        rand.New(rand.NewSource(params.Seed)),
	}
}

func (c *LossyPacketConn) subject(raw []byte) bool {
	if len(raw) == 0 {
		return false
	}
	if len(c.params.Channels) == 0 {
		return true
	}
	channel := message.ChannelType(raw[0])
	for _, ch := range c.params.Channels {
		if ch == channel {
			return true
		}
	}
	return false
}

func (c *LossyPacketConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	if c.subject(p) {
		c.mut_rng.Lock()
		drop := c.rng.Float64() < c.params.DropRate
		c.mut_rng.Unlock()
		if drop {
			c.dropped.Add(1)
			return len(p), nil
		}
	}
	c.passed.Add(1)
	return c.PacketConn.WriteTo(p, addr)
}

func (c *LossyPacketConn) SetDropRate(rate float64) {
	c.mut_rng.Lock()
	defer c.mut_rng.Unlock()
	c.params.DropRate = rate
}

func (c *LossyPacketConn) Dropped() uint64 {
	return c.dropped.Load()
}

func (c *LossyPacketConn) Passed() uint64 {
	return c.passed.Load()
}
