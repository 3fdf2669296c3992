package transport

import (
	"testing"
	"time"

	"github.com/sessamekesh/spanreed-netsync/pkg/message"
)

func permutations(n int) [][]uint32 {
	var out [][]uint32
	var rec func(prefix []uint32, rest []uint32)
	rec = func(prefix []uint32, rest []uint32) {
		if len(rest) == 0 {
			out = append(out, append([]uint32(nil), prefix...))
			return
		}
		for i := range rest {
			next := append(append([]uint32(nil), rest[:i]...), rest[i+1:]...)
			rec(append(prefix, rest[i]), next)
		}
	}
	all := make([]uint32, n)
	for i := range all {
		all[i] = uint32(i + 1)
	}
	rec(nil, all)
	return out
}

func TestReliableReceiverReleasesInSendOrder(t *testing.T) {
	for _, order := range permutations(5) {
		r := newReliableReceiver(16)
		var released []uint32
		for _, seq := range order {
			ready, verdict := r.receive(seq, &message.Frame{Sequence: seq})
			if verdict != reliableVerdict_Accepted {
				t.Fatalf("order %v: seq %d got verdict %d", order, seq, verdict)
			}
			for _, f := range ready {
				released = append(released, f.Sequence)
			}
		}
		if len(released) != 5 {
			t.Fatalf("order %v: released %v", order, released)
		}
		for i, seq := range released {
			if seq != uint32(i+1) {
				t.Fatalf("order %v: released out of order %v", order, released)
			}
		}
	}
}

func TestReliableReceiverDuplicatesAndOverflow(t *testing.T) {
	r := newReliableReceiver(2)

	if _, v := r.receive(2, &message.Frame{Sequence: 2}); v != reliableVerdict_Accepted {
		t.Fatalf("seq 2: verdict %d", v)
	}
	if _, v := r.receive(3, &message.Frame{Sequence: 3}); v != reliableVerdict_Accepted {
		t.Fatalf("seq 3: verdict %d", v)
	}
	if _, v := r.receive(3, &message.Frame{Sequence: 3}); v != reliableVerdict_Duplicate {
		t.Fatalf("dup seq 3: verdict %d", v)
	}
	if _, v := r.receive(4, &message.Frame{Sequence: 4}); v != reliableVerdict_Overflow {
		t.Fatalf("seq 4: expected overflow, got %d", v)
	}
	if got := r.buffered(); len(got) != 2 {
		t.Fatalf("overflowed frame was buffered: %v", got)
	}

	// The gap filler is always accepted, even with a full buffer.
	ready, v := r.receive(1, &message.Frame{Sequence: 1})
	if v != reliableVerdict_Accepted || len(ready) != 3 {
		t.Fatalf("seq 1: verdict %d, released %d", v, len(ready))
	}

	// The sender retransmits the dropped frame, which now goes through.
	ready, v = r.receive(4, &message.Frame{Sequence: 4})
	if v != reliableVerdict_Accepted || len(ready) != 1 || ready[0].Sequence != 4 {
		t.Fatalf("retransmitted seq 4: verdict %d, released %v", v, ready)
	}
	if _, v := r.receive(2, &message.Frame{Sequence: 2}); v != reliableVerdict_Duplicate {
		t.Fatalf("old seq 2: verdict %d", v)
	}
}

func TestReliableReceiverSkipsUnknownKinds(t *testing.T) {
	r := newReliableReceiver(8)
	r.receive(2, &message.Frame{Sequence: 2})
	ready, _ := r.receive(1, nil)
	if len(ready) != 1 || ready[0].Sequence != 2 {
		t.Fatalf("expected only seq 2 released, got %v", ready)
	}
}

func TestUnreliableReceiverDropsStale(t *testing.T) {
	r := unreliableReceiver{}
	cases := []struct {
		seq    uint32
		accept bool
	}{
		{1, true},
		{3, true},
		{2, false},
		{3, false},
		{7, true},
		{5, false},
		{8, true},
	}
	for _, tc := range cases {
		if got := r.accept(tc.seq); got != tc.accept {
			t.Errorf("seq %d: accept=%v, want %v", tc.seq, got, tc.accept)
		}
	}
}

func TestReliableSenderBackoff(t *testing.T) {
	s := newReliableSender(ConnectionParams{
		ResendBase:         200 * time.Millisecond,
		ResendMax:          2 * time.Second,
		MaxPendingReliable: 4,
	})
	want := []time.Duration{
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
		2 * time.Second,
		2 * time.Second,
	}
	for attempt, d := range want {
		if got := s.backoff(attempt); got != d {
			t.Errorf("attempt %d: backoff %s, want %s", attempt, got, d)
		}
	}
}

func TestReliableSenderAckAndWindow(t *testing.T) {
	start := time.Unix(100, 0)
	s := newReliableSender(ConnectionParams{
		ResendBase:         100 * time.Millisecond,
		ResendMax:          time.Second,
		MaxPendingReliable: 3,
	})

	for i := 0; i < 3; i++ {
		seq, err := s.reserve()
		if err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
		s.track(seq, []byte{byte(seq)}, start)
	}
	if _, err := s.reserve(); err == nil {
		t.Fatal("expected window overflow")
	}

	if due := s.due(start.Add(50 * time.Millisecond)); len(due) != 0 {
		t.Fatalf("nothing should be due yet, got %d", len(due))
	}
	if due := s.due(start.Add(100 * time.Millisecond)); len(due) != 3 {
		t.Fatalf("expected 3 retransmissions, got %d", len(due))
	}

	// seq 1 was retransmitted, so acking it yields no RTT sample.
	if _, sampled := s.ack(1, 1, start.Add(150*time.Millisecond)); sampled {
		t.Error("retransmitted frame must not produce an RTT sample")
	}
	if s.inFlight() != 2 {
		t.Fatalf("expected 2 in flight, got %d", s.inFlight())
	}

	seq, err := s.reserve()
	if err != nil {
		t.Fatalf("reserve after ack: %v", err)
	}
	s.track(seq, []byte{byte(seq)}, start.Add(200*time.Millisecond))
	sample, sampled := s.ack(3, seq, start.Add(260*time.Millisecond))
	if !sampled || sample != 60*time.Millisecond {
		t.Errorf("expected 60ms sample, got %s (%v)", sample, sampled)
	}
	if s.inFlight() != 0 {
		t.Errorf("cumulative ack left %d in flight", s.inFlight())
	}
}
