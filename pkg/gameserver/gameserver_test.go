package gameserver

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"testing"
	"time"

	"github.com/sessamekesh/spanreed-netsync/pkg/arena"
	"github.com/sessamekesh/spanreed-netsync/pkg/gameclient"
	"github.com/sessamekesh/spanreed-netsync/pkg/message"
	"github.com/sessamekesh/spanreed-netsync/pkg/simulation"
	"github.com/sessamekesh/spanreed-netsync/pkg/token"
	"github.com/sessamekesh/spanreed-netsync/pkg/transport"
	"go.uber.org/zap/zaptest"
)

const protocolID = 7

type fixture struct {
	network *transport.MemoryNetwork
	issuer  *token.Issuer
	server  *Server
	game    *arena.Arena
	lossy   *transport.LossyPacketConn
}

func connectionParams() transport.ConnectionParams {
	return transport.ConnectionParams{
		HeartbeatInterval: 50 * time.Millisecond,
		KeepAliveTimeout:  2 * time.Second,
		ResendBase:        10 * time.Millisecond,
		ResendMax:         80 * time.Millisecond,
	}
}

func newFixture(t *testing.T, unreliableLoss float64) *fixture {
	t.Helper()
	f := &fixture{network: transport.NewMemoryNetwork(), game: arena.New(arena.Config{TickHz: 60})}

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	f.issuer, err = token.NewIssuer(token.IssuerConfig{Issuer: "netsync", Audience: "sim", Key: priv, TTL: 30 * time.Second, ProtocolID: protocolID})
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	verifier, err := token.NewVerifier(token.VerifierConfig{Issuer: "netsync", Audience: "sim", Key: pub, ProtocolID: protocolID, ServerEndpoint: "sim"})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	conn, err := f.network.Listen("sim")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	f.lossy = transport.NewLossyPacketConn(conn, transport.LossParams{
		DropRate: unreliableLoss,
		Channels: []message.ChannelType{message.ChannelType_Unreliable},
		Seed:     42,
	})

	logger := zaptest.NewLogger(t)
	f.server, err = New(f.lossy, Params{
		Transport: transport.ServerParams{
			ProtocolID:   protocolID,
			Connection:   connectionParams(),
			PollInterval: 2 * time.Millisecond,
			Verifier:     verifier,
		},
		Simulation: simulation.Params{
			TickHz:           60,
			FullSyncInterval: 10,
			Step:             f.game.Step,
		},
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.server.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return f
}

func (f *fixture) connect(t *testing.T, clientID uint64) *gameclient.Client {
	t.Helper()
	tok, err := f.issuer.Issue(clientID, "sim")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	conn, err := f.network.Listen(fmt.Sprintf("client-%d", clientID))
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := gameclient.Connect(ctx, conn, f.network.Addr("sim"), gameclient.Params{
		Transport: transport.ClientParams{
			ProtocolID:     protocolID,
			Token:          []byte(tok.Signature),
			Connection:     connectionParams(),
			HandshakeRetry: 20 * time.Millisecond,
			PollInterval:   2 * time.Millisecond,
		},
		Step:   f.game.Step,
		Logger: zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { c.Close("test done") })
	return c
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestClientsSeeEachOther(t *testing.T) {
	f := newFixture(t, 0)
	a := f.connect(t, 1)
	b := f.connect(t, 2)

	waitFor(t, 2*time.Second, "both entities on both clients", func() bool {
		for _, c := range []*gameclient.Client{a, b} {
			state := c.LatestPredictedState()
			if _, has := state.Entities[arena.EntityFor(1)]; !has {
				return false
			}
			if _, has := state.Entities[arena.EntityFor(2)]; !has {
				return false
			}
		}
		return true
	})
	if n := f.server.ConnectedCount(); n != 2 {
		t.Errorf("expected 2 connected clients, got %d", n)
	}

	b.Close("leaving")
	waitFor(t, 2*time.Second, "departed entity removed", func() bool {
		_, has := a.LatestPredictedState().Entities[arena.EntityFor(2)]
		return !has
	})
}

// Half of all snapshot deltas are lost; the client still converges to the server's world
// once input stops.
func TestConvergenceUnderUnreliableLoss(t *testing.T) {
	f := newFixture(t, 0.5)
	c := f.connect(t, 5)

	waitFor(t, 2*time.Second, "initial full snapshot", func() bool {
		_, has := c.Baseline().Entities[arena.EntityFor(5)]
		return has
	})

	move, err := arena.EncodeInput(arena.PlayerInput{Right: true})
	if err != nil {
		t.Fatalf("EncodeInput: %v", err)
	}
	var lastTick uint32
	for i := 0; i < 30; i++ {
		tick, err := c.SubmitInput(move)
		if err != nil {
			t.Fatalf("SubmitInput: %v", err)
		}
		lastTick = tick
		time.Sleep(5 * time.Millisecond)
	}

	waitFor(t, 3*time.Second, "client converged to server state", func() bool {
		stats := c.ReconcileStats()
		if stats.InputAck < lastTick || stats.Pending != 0 {
			return false
		}
		server := f.server.Simulation().Latest()
		return c.Baseline().Entities.Equal(server.Entities) && c.LatestPredictedState().Entities.Equal(server.Entities)
	})

	raw := c.LatestPredictedState().Entities[arena.EntityFor(5)]
	p, err := arena.DecodePlayer(raw)
	if err != nil {
		t.Fatalf("DecodePlayer: %v", err)
	}
	// Client 5 spawns at (-176, 176) and each input moves 300/60 units.
	if p.X != -176+30*5 || p.Y != 176 {
		t.Errorf("unexpected final position (%d, %d)", p.X, p.Y)
	}
	if f.lossy.Dropped() == 0 {
		t.Error("loss injection never dropped a frame")
	}
}
