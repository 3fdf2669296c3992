// Main package for a headless netsync client: it fetches a connection token, connects over
// UDP or WebSocket, walks its arena player around and reports what it sees.
package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sessamekesh/spanreed-netsync/internal/config"
	"github.com/sessamekesh/spanreed-netsync/pkg/arena"
	"github.com/sessamekesh/spanreed-netsync/pkg/diagnostics"
	"github.com/sessamekesh/spanreed-netsync/pkg/gameclient"
	"github.com/sessamekesh/spanreed-netsync/pkg/tokenservice"
	"github.com/sessamekesh/spanreed-netsync/pkg/transport"
	"go.uber.org/zap"
)

// Cycles right, up, left, down so the player traces a square.
var demoPath = []arena.PlayerInput{
	{Right: true},
	{Up: true},
	{Left: true},
	{Down: true},
}

func main() {
	logger := zap.Must(zap.NewProduction())
	if os.Getenv("APP_ENV") != "production" {
		logger = zap.Must(zap.NewDevelopment())
	}
	defer logger.Sync()

	//
	// Flags
	configPath := flag.String("config", "", "Optional YAML config file; NETSYNC_* environment variables override it")
	tokenURL := flag.String("token-url", "http://127.0.0.1:4433", "Base URL of the token service")
	clientIdentity := flag.String("identity", "demo", "Client identity to authenticate as")
	secret := flag.String("secret", "", "Secret for the client identity")
	wsURL := flag.String("ws", "", "Connect over WebSocket to this URL (e.g. ws://127.0.0.1:4434/ws) instead of UDP")
	duration := flag.Duration("duration", 30*time.Second, "How long to play before disconnecting; 0 runs until interrupted")
	stepsPerLeg := flag.Int("steps", 30, "Inputs per side of the demo square")
	showDiagnostics := flag.Bool("diagnostics", false, "Print the connection diagnostics table every second")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("Failed to load config", zap.Error(err))
		return
	}
	inputChannel, _ := cfg.InputChannel()

	ctx, release := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer release()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	tok, err := tokenservice.FetchToken(ctx, &http.Client{Timeout: 5 * time.Second}, *tokenURL, *clientIdentity, *secret)
	if err != nil {
		logger.Error("Failed to obtain connection token", zap.Error(err))
		return
	}
	logger.Info("Obtained connection token", zap.Uint64("clientId", tok.ClientID), zap.String("server", tok.ServerEndpoint))

	var conn transport.PacketConn
	var remote net.Addr
	if *wsURL != "" {
		conn, remote, err = transport.DialWebsocket(ctx, *wsURL)
	} else {
		conn, remote, err = transport.DialUDP(tok.ServerEndpoint)
	}
	if err != nil {
		logger.Error("Failed to open carrier", zap.Error(err))
		return
	}
	defer conn.Close()

	game := arena.New(arena.Config{TickHz: int32(cfg.Simulation.TickHz)})
	client, err := gameclient.Connect(ctx, conn, remote, gameclient.Params{
		Transport:          cfg.ClientParams([]byte(tok.Signature)),
		Step:               game.Step,
		ReplayBufferLength: cfg.Client.ReplayBufferLength,
		InputChannel:       inputChannel,
		Logger:             logger,
	})
	if err != nil {
		logger.Error("Failed to connect", zap.Error(err))
		return
	}
	defer client.Close("client exiting")

	tickHz := client.Accept().TickHz
	if tickHz == 0 {
		tickHz = uint16(cfg.Simulation.TickHz)
	}

	visualizer := diagnostics.NewVisualizer(diagnostics.Params{
		Source:        client,
		HistoryLength: cfg.Diagnostics.HistoryLength,
		Logger:        logger,
	})

	wg := sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(time.Second / time.Duration(tickHz))
		defer ticker.Stop()

		step := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				leg := demoPath[(step/max(*stepsPerLeg, 1))%len(demoPath)]
				step++
				payload, err := arena.EncodeInput(leg)
				if err != nil {
					logger.Error("Failed to encode input", zap.Error(err))
					return
				}
				if _, err := client.SubmitInput(payload); err != nil {
					logger.Debug("Input not sent", zap.Error(err))
				}
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				visualizer.Sample()
				predicted := client.LatestPredictedState()
				self, _ := arena.DecodePlayer(predicted.Entities[arena.EntityFor(client.ClientID())])
				stats := client.ReconcileStats()
				logger.Info("Status",
					zap.Int("players", len(predicted.Entities)),
					zap.Int32("x", self.X), zap.Int32("y", self.Y),
					zap.Uint32("baselineTick", stats.BaselineTick),
					zap.Uint32("inputAck", stats.InputAck),
					zap.Int("pending", stats.Pending),
					zap.Duration("rtt", client.Metrics().RTT))
				if *showDiagnostics {
					visualizer.Render(os.Stdout)
				}
			}
		}
	}()

	select {
	case <-ctx.Done():
	case ev := <-client.ConnectionLost():
		logger.Warn("Connection lost", zap.String("reason", ev.Reason))
		release()
	}
	wg.Wait()
}
