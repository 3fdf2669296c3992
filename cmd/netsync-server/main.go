// Main package for the netsync simulation server: token service, UDP and WebSocket carriers,
// the authoritative arena simulation and the diagnostics endpoints in one process.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sessamekesh/spanreed-netsync/internal/config"
	"github.com/sessamekesh/spanreed-netsync/internal/identity"
	"github.com/sessamekesh/spanreed-netsync/internal/telemetry"
	"github.com/sessamekesh/spanreed-netsync/pkg/arena"
	"github.com/sessamekesh/spanreed-netsync/pkg/diagnostics"
	"github.com/sessamekesh/spanreed-netsync/pkg/gameserver"
	"github.com/sessamekesh/spanreed-netsync/pkg/token"
	"github.com/sessamekesh/spanreed-netsync/pkg/tokenservice"
	"github.com/sessamekesh/spanreed-netsync/pkg/transport"
	"go.uber.org/zap"
)

func main() {
	production := os.Getenv("APP_ENV") == "production"
	logger := zap.Must(zap.NewProduction())
	if !production {
		logger = zap.Must(zap.NewDevelopment())
	}
	defer logger.Sync()

	//
	// Flags
	configPath := flag.String("config", "", "Optional YAML config file; NETSYNC_* environment variables override it")
	useWebsockets := flag.Bool("websockets", true, "Set to false to disable the WebSocket carrier")
	useUdp := flag.Bool("udp", true, "Set to false to disable the UDP carrier")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("Failed to load config", zap.Error(err))
		return
	}
	if !*useWebsockets {
		cfg.Server.WebsocketAddress = ""
	}
	if !*useUdp {
		cfg.Server.UDPAddress = ""
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid carrier selection", zap.Error(err))
		return
	}

	shutdownCtx, shutdownRelease := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer shutdownRelease()

	shutdownTracing, err := telemetry.Setup(shutdownCtx, cfg.Telemetry.Endpoint, cfg.Telemetry.ServiceName)
	if err != nil {
		logger.Error("Failed to set up tracing", zap.Error(err))
		return
	}
	defer shutdownTracing(context.Background())

	//
	// Tokens
	key, err := cfg.SigningKey(logger, production)
	if err != nil {
		logger.Error("No usable token signing key", zap.Error(err))
		return
	}
	issuer, err := token.NewIssuer(token.IssuerConfig{
		Issuer:     cfg.Token.Issuer,
		Audience:   cfg.Token.Audience,
		Key:        key,
		TTL:        cfg.Token.TTL,
		ProtocolID: cfg.Server.ProtocolID,
	})
	if err != nil {
		logger.Error("Failed to create token issuer", zap.Error(err))
		return
	}
	verifier, err := token.NewVerifier(token.VerifierConfig{
		Issuer:         cfg.Token.Issuer,
		Audience:       cfg.Token.Audience,
		Key:            issuer.PublicKey(),
		ProtocolID:     cfg.Server.ProtocolID,
		ServerEndpoint: cfg.Server.PublicEndpoint,
	})
	if err != nil {
		logger.Error("Failed to create token verifier", zap.Error(err))
		return
	}

	var authenticator tokenservice.Authenticator = tokenservice.OpenAuthenticator{}
	if cfg.Identity.DatabasePath != "" {
		store, err := identity.Open(cfg.Identity.DatabasePath, logger)
		if err != nil {
			logger.Error("Failed to open identity store", zap.Error(err))
			return
		}
		defer store.Close()
		authenticator = store
	} else if production {
		logger.Error("NETSYNC_IDENTITY_DATABASE_PATH is required in production")
		return
	} else {
		logger.Warn("No identity store configured, accepting any client identity")
	}

	wg := sync.WaitGroup{}

	//
	// Carriers
	var carriers []transport.PacketConn
	if cfg.Server.UDPAddress != "" {
		udp, err := transport.ListenUDP(transport.UdpParams{
			ListenAddress:   cfg.Server.UDPAddress,
			ReadBufferSize:  1 << 20,
			WriteBufferSize: 1 << 20,
			Logger:          logger,
		})
		if err != nil {
			logger.Error("Failed to open UDP carrier", zap.Error(err))
			return
		}
		carriers = append(carriers, udp)
	}
	if cfg.Server.WebsocketAddress != "" {
		ws := transport.NewWebsocketPacketListener(transport.WebsocketParams{
			ListenAddress:    cfg.Server.WebsocketAddress,
			ListenEndpoint:   cfg.Server.WebsocketEndpoint,
			AllowAllHosts:    cfg.Server.AllowAllOrigins,
			AllowlistedHosts: cfg.Server.AllowedOrigins,
			Logger:           logger,
		})
		carriers = append(carriers, ws)

		wg.Add(1)
		go func() {
			defer wg.Done()
			ws.Start(shutdownCtx)
		}()
	}
	carrier := transport.NewMultiPacketConn(carriers...)

	//
	// Simulation
	game := arena.New(arena.Config{TickHz: int32(cfg.Simulation.TickHz)})

	serverParams := cfg.ServerParams()
	serverParams.Verifier = verifier
	simParams := cfg.SimulationParams()
	simParams.Step = game.Step

	server, err := gameserver.New(carrier, gameserver.Params{
		Transport:  serverParams,
		Simulation: simParams,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("Failed to create simulation server", zap.Error(err))
		return
	}

	rateLimit, rateBurst := cfg.TokenRate()
	tokens, err := tokenservice.New(tokenservice.Params{
		Issuer:         issuer,
		Authenticator:  authenticator,
		Capacity:       server.HasCapacity,
		ServerEndpoint: cfg.Server.PublicEndpoint,
		RateLimit:      rateLimit,
		RateBurst:      rateBurst,
		ListenAddress:  cfg.Server.HTTPAddress,
		Logger:         logger,
	})
	if err != nil {
		logger.Error("Failed to create token service", zap.Error(err))
		return
	}

	visualizer := diagnostics.NewVisualizer(diagnostics.Params{
		Source:         server,
		SampleInterval: cfg.Diagnostics.SampleInterval,
		HistoryLength:  cfg.Diagnostics.HistoryLength,
		Simulation:     server.Simulation().Stats,
		Logger:         logger,
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("Starting simulation server", zap.String("publicEndpoint", cfg.Server.PublicEndpoint))
		defer logger.Info("Stopping simulation server")
		server.Start(shutdownCtx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		visualizer.Start(shutdownCtx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		tokens.Start(shutdownCtx, func(mux *http.ServeMux) {
			if err := visualizer.Register(mux); err != nil {
				logger.Error("Failed to register diagnostics endpoints", zap.Error(err))
			}
		})
	}()

	wg.Wait()
	logger.Info("Successfully shutdown netsync server")
}
