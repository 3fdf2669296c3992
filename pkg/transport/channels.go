package transport

import (
	"sort"
	"time"

	"github.com/sessamekesh/spanreed-netsync/pkg/errors"
	"github.com/sessamekesh/spanreed-netsync/pkg/message"
)

//
// Unreliable channel: stale-drop receiver

type unreliableReceiver struct {
	lastAccepted uint32
}

// accept reports whether seq is newer than everything accepted so far.
func (r *unreliableReceiver) accept(seq uint32) bool {
	if seq <= r.lastAccepted {
		return false
	}
	r.lastAccepted = seq
	return true
}

//
// Reliable-ordered channel: sender with retransmission

type pendingFrame struct {
	seq        uint32
	encoded    []byte
	attempt    int
	nextResend time.Time
	firstSent  time.Time
}

type reliableSender struct {
	limit      int
	resendBase time.Duration
	resendMax  time.Duration

	nextSeq uint32
	pending []*pendingFrame // ascending by seq
}

func newReliableSender(params ConnectionParams) *reliableSender {
	return &reliableSender{
		limit:      params.MaxPendingReliable,
		resendBase: params.ResendBase,
		resendMax:  params.ResendMax,
	}
}

func (s *reliableSender) backoff(attempt int) time.Duration {
	d := s.resendBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= s.resendMax {
			return s.resendMax
		}
	}
	if d > s.resendMax {
		return s.resendMax
	}
	return d
}

// reserve hands out the next sequence number, failing when too many frames are in flight.
func (s *reliableSender) reserve() (uint32, error) {
	if s.limit > 0 && len(s.pending) >= s.limit {
		return 0, &errors.ChannelOverflow{
			Channel: "reliable send window",
			Limit:   s.limit,
		}
	}
	s.nextSeq++
	return s.nextSeq, nil
}

func (s *reliableSender) track(seq uint32, encoded []byte, now time.Time) {
	s.pending = append(s.pending, &pendingFrame{
		seq:        seq,
		encoded:    encoded,
		nextResend: now.Add(s.backoff(0)),
		firstSent:  now,
	})
}

// ack removes every frame covered by the acknowledgement. When the frame named by seq had
// never been retransmitted its send time yields an RTT sample.
func (s *reliableSender) ack(cumulative, seq uint32, now time.Time) (time.Duration, bool) {
	var sample time.Duration
	sampled := false

	kept := s.pending[:0]
	for _, p := range s.pending {
		if p.seq <= cumulative || p.seq == seq {
			if p.seq == seq && p.attempt == 0 {
				sample = now.Sub(p.firstSent)
				sampled = true
			}
			continue
		}
		kept = append(kept, p)
	}
	for i := len(kept); i < len(s.pending); i++ {
		s.pending[i] = nil
	}
	s.pending = kept
	return sample, sampled
}

// due returns the encoded frames whose resend timer expired and reschedules them.
func (s *reliableSender) due(now time.Time) [][]byte {
	var out [][]byte
	for _, p := range s.pending {
		if now.Before(p.nextResend) {
			continue
		}
		p.attempt++
		p.nextResend = now.Add(s.backoff(p.attempt))
		out = append(out, p.encoded)
	}
	return out
}

func (s *reliableSender) inFlight() int {
	return len(s.pending)
}

func (s *reliableSender) reset() {
	s.pending = nil
}

//
// Reliable-ordered channel: receiver with bounded reorder buffer

type reliableReceiver struct {
	limit int

	delivered uint32
	// A nil entry marks a sequence that arrived with an unknown kind; it is released in
	// order but never handed to the application.
	buffer map[uint32]*message.Frame
}

func newReliableReceiver(limit int) *reliableReceiver {
	return &reliableReceiver{
		limit:  limit,
		buffer: make(map[uint32]*message.Frame),
	}
}

type reliableVerdict uint8

const (
	reliableVerdict_Accepted reliableVerdict = iota
	reliableVerdict_Duplicate
	reliableVerdict_Overflow
)

// receive stores f (nil f with an explicit seq marks a skipped frame) and returns every
// frame that can now be released in order. Overflowed frames are not acknowledged so the
// sender will retransmit them once the gap closes.
func (r *reliableReceiver) receive(seq uint32, f *message.Frame) ([]*message.Frame, reliableVerdict) {
	if seq <= r.delivered {
		return nil, reliableVerdict_Duplicate
	}
	if _, has := r.buffer[seq]; has {
		return nil, reliableVerdict_Duplicate
	}

	if seq != r.delivered+1 && r.limit > 0 && len(r.buffer) >= r.limit {
		return nil, reliableVerdict_Overflow
	}

	r.buffer[seq] = f

	var ready []*message.Frame
	for {
		next, has := r.buffer[r.delivered+1]
		if !has {
			break
		}
		delete(r.buffer, r.delivered+1)
		r.delivered++
		if next != nil {
			ready = append(ready, next)
		}
	}
	return ready, reliableVerdict_Accepted
}

func (r *reliableReceiver) buffered() []uint32 {
	out := make([]uint32, 0, len(r.buffer))
	for seq := range r.buffer {
		out = append(out, seq)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *reliableReceiver) reset() {
	r.buffer = make(map[uint32]*message.Frame)
}
