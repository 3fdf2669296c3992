// Package config loads process configuration: compiled defaults, then an optional YAML file,
// then NETSYNC_* environment overrides, then validation.
package config

import (
	"bytes"
	"crypto/ed25519"
	goerrs "errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/sessamekesh/spanreed-netsync/pkg/message"
	"github.com/sessamekesh/spanreed-netsync/pkg/simulation"
	"github.com/sessamekesh/spanreed-netsync/pkg/token"
	"github.com/sessamekesh/spanreed-netsync/pkg/transport"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "NETSYNC_"

type ServerConfig struct {
	// Native datagram carrier.
	UDPAddress string `yaml:"udp_address" env:"UDP_ADDRESS"`
	// Browser datagram carrier.
	WebsocketAddress  string   `yaml:"websocket_address" env:"WEBSOCKET_ADDRESS"`
	WebsocketEndpoint string   `yaml:"websocket_endpoint" env:"WEBSOCKET_ENDPOINT"`
	AllowAllOrigins   bool     `yaml:"allow_all_origins" env:"ALLOW_ALL_ORIGINS"`
	AllowedOrigins    []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`

	// Token service, /metrics and /debug/netsync.
	HTTPAddress string `yaml:"http_address" env:"HTTP_ADDRESS"`

	// Endpoint bound into every token and checked during the handshake.
	PublicEndpoint string `yaml:"public_endpoint" env:"PUBLIC_ENDPOINT"`

	ProtocolID uint64 `yaml:"protocol_id" env:"PROTOCOL_ID"`
	MaxClients int    `yaml:"max_clients" env:"MAX_CLIENTS"`
}

type TransportConfig struct {
	ReorderBufferLimit int           `yaml:"reorder_buffer_limit" env:"REORDER_BUFFER_LIMIT"`
	MaxPendingReliable int           `yaml:"max_pending_reliable" env:"MAX_PENDING_RELIABLE"`
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout" env:"HANDSHAKE_TIMEOUT"`
	HandshakeRetry     time.Duration `yaml:"handshake_retry" env:"HANDSHAKE_RETRY"`
	KeepAliveTimeout   time.Duration `yaml:"keep_alive_timeout" env:"KEEP_ALIVE_TIMEOUT"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
	ResendBase         time.Duration `yaml:"resend_base" env:"RESEND_BASE"`
	ResendMax          time.Duration `yaml:"resend_max" env:"RESEND_MAX"`
	PollInterval       time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
}

type SimulationConfig struct {
	TickHz           int    `yaml:"tick_hz" env:"TICK_HZ"`
	FullSyncInterval uint32 `yaml:"full_sync_interval" env:"FULL_SYNC_INTERVAL"`
	StalenessBound   uint32 `yaml:"staleness_bound" env:"STALENESS_BOUND"`
	InputQueueLength int    `yaml:"input_queue_length" env:"INPUT_QUEUE_LENGTH"`
}

type ClientConfig struct {
	ReplayBufferLength int `yaml:"replay_buffer_length" env:"REPLAY_BUFFER_LENGTH"`
	// "reliable" or "unreliable".
	InputChannel string `yaml:"input_channel" env:"INPUT_CHANNEL"`
}

type TokenConfig struct {
	Issuer   string        `yaml:"issuer" env:"ISSUER"`
	Audience string        `yaml:"audience" env:"AUDIENCE"`
	TTL      time.Duration `yaml:"ttl" env:"TTL"`
	// Base64 Ed25519 private key or 32 byte seed. Environment only.
	PrivateKey string `yaml:"-" env:"PRIVATE_KEY"`

	RateLimit float64 `yaml:"rate_limit" env:"RATE_LIMIT"`
	RateBurst int     `yaml:"rate_burst" env:"RATE_BURST"`
}

type IdentityConfig struct {
	// Empty accepts any identity (development only).
	DatabasePath string `yaml:"database_path" env:"DATABASE_PATH"`
}

type DiagnosticsConfig struct {
	HistoryLength  int           `yaml:"history_length" env:"HISTORY_LENGTH"`
	SampleInterval time.Duration `yaml:"sample_interval" env:"SAMPLE_INTERVAL"`
}

type TelemetryConfig struct {
	// OTLP/HTTP collector URL. Tracing is off when empty.
	Endpoint    string `yaml:"endpoint" env:"ENDPOINT"`
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
}

type Config struct {
	Server      ServerConfig      `yaml:"server" envPrefix:"SERVER_"`
	Transport   TransportConfig   `yaml:"transport" envPrefix:"TRANSPORT_"`
	Simulation  SimulationConfig  `yaml:"simulation" envPrefix:"SIMULATION_"`
	Client      ClientConfig      `yaml:"client" envPrefix:"CLIENT_"`
	Token       TokenConfig       `yaml:"token" envPrefix:"TOKEN_"`
	Identity    IdentityConfig    `yaml:"identity" envPrefix:"IDENTITY_"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics" envPrefix:"DIAGNOSTICS_"`
	Telemetry   TelemetryConfig   `yaml:"telemetry" envPrefix:"OTEL_"`
}

func Defaults() Config {
	conn := transport.DefaultConnectionParams()
	return Config{
		Server: ServerConfig{
			UDPAddress:        ":5000",
			WebsocketAddress:  ":4434",
			WebsocketEndpoint: "/ws",
			HTTPAddress:       ":4433",
			PublicEndpoint:    "127.0.0.1:5000",
			ProtocolID:        7,
			MaxClients:        64,
		},
		Transport: TransportConfig{
			ReorderBufferLimit: conn.ReorderBufferLimit,
			MaxPendingReliable: conn.MaxPendingReliable,
			HandshakeTimeout:   5 * time.Second,
			HandshakeRetry:     250 * time.Millisecond,
			KeepAliveTimeout:   conn.KeepAliveTimeout,
			HeartbeatInterval:  conn.HeartbeatInterval,
			ResendBase:         conn.ResendBase,
			ResendMax:          conn.ResendMax,
			PollInterval:       10 * time.Millisecond,
		},
		Simulation: SimulationConfig{
			TickHz:           30,
			FullSyncInterval: 60,
			StalenessBound:   30,
			InputQueueLength: 64,
		},
		Client: ClientConfig{
			ReplayBufferLength: 128,
			InputChannel:       "reliable",
		},
		Token: TokenConfig{
			Issuer:    "netsync",
			Audience:  "netsync-sim",
			TTL:       30 * time.Second,
			RateLimit: 1,
			RateBurst: 3,
		},
		Diagnostics: DiagnosticsConfig{
			HistoryLength:  200,
			SampleInterval: 100 * time.Millisecond,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "netsync-server",
		},
	}
}

// Load layers the YAML file at path (skipped when path is empty) and the environment over
// Defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil && !goerrs.Is(err, io.EOF) {
			return cfg, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var problems []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.MaxClients > 0, "server.max_clients must be positive")
	check(c.Server.UDPAddress != "" || c.Server.WebsocketAddress != "", "at least one of server.udp_address, server.websocket_address is required")
	check(c.Server.PublicEndpoint != "", "server.public_endpoint is required")

	t := c.Transport
	check(t.ReorderBufferLimit > 0, "transport.reorder_buffer_limit must be positive")
	check(t.MaxPendingReliable > 0, "transport.max_pending_reliable must be positive")
	check(t.HandshakeTimeout > 0, "transport.handshake_timeout must be positive")
	check(t.HandshakeRetry > 0, "transport.handshake_retry must be positive")
	check(t.PollInterval > 0, "transport.poll_interval must be positive")
	check(t.ResendBase > 0 && t.ResendBase <= t.ResendMax, "transport.resend_base must be in (0, resend_max]")
	check(t.HeartbeatInterval > 0 && t.HeartbeatInterval < t.KeepAliveTimeout,
		"transport.heartbeat_interval must be positive and below keep_alive_timeout (%s)", t.KeepAliveTimeout)

	s := c.Simulation
	check(s.TickHz > 0 && s.TickHz <= 1000, "simulation.tick_hz must be in [1, 1000], got %d", s.TickHz)
	check(s.FullSyncInterval > 0, "simulation.full_sync_interval must be positive")
	check(s.StalenessBound > 0, "simulation.staleness_bound must be positive")
	check(s.InputQueueLength > 0, "simulation.input_queue_length must be positive")

	check(c.Client.ReplayBufferLength > 0, "client.replay_buffer_length must be positive")
	_, err := c.InputChannel()
	check(err == nil, "client.input_channel: %v", err)

	check(c.Token.Issuer != "" && c.Token.Audience != "", "token.issuer and token.audience are required")
	check(c.Token.TTL > 0, "token.ttl must be positive")
	check(c.Token.RateLimit > 0 && c.Token.RateBurst > 0, "token.rate_limit and token.rate_burst must be positive")

	check(c.Diagnostics.HistoryLength > 0, "diagnostics.history_length must be positive")
	check(c.Diagnostics.SampleInterval > 0, "diagnostics.sample_interval must be positive")

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %w", goerrs.Join(problems...))
	}
	return nil
}

func (c Config) InputChannel() (message.ChannelType, error) {
	switch strings.ToLower(c.Client.InputChannel) {
	case "", "reliable":
		return message.ChannelType_ReliableOrdered, nil
	case "unreliable":
		return message.ChannelType_Unreliable, nil
	}
	return message.ChannelType_NONE, fmt.Errorf("unknown channel %q", c.Client.InputChannel)
}

func (c Config) ConnectionParams() transport.ConnectionParams {
	p := transport.DefaultConnectionParams()
	p.HeartbeatInterval = c.Transport.HeartbeatInterval
	p.KeepAliveTimeout = c.Transport.KeepAliveTimeout
	p.ResendBase = c.Transport.ResendBase
	p.ResendMax = c.Transport.ResendMax
	p.ReorderBufferLimit = c.Transport.ReorderBufferLimit
	p.MaxPendingReliable = c.Transport.MaxPendingReliable
	return p
}

// ServerParams leaves Verifier, Logger and the tick fields to the caller.
func (c Config) ServerParams() transport.ServerParams {
	return transport.ServerParams{
		ProtocolID:   c.Server.ProtocolID,
		MaxClients:   c.Server.MaxClients,
		Connection:   c.ConnectionParams(),
		PollInterval: c.Transport.PollInterval,
	}
}

func (c Config) ClientParams(tok []byte) transport.ClientParams {
	return transport.ClientParams{
		ProtocolID:       c.Server.ProtocolID,
		Token:            tok,
		Connection:       c.ConnectionParams(),
		HandshakeTimeout: c.Transport.HandshakeTimeout,
		HandshakeRetry:   c.Transport.HandshakeRetry,
		PollInterval:     c.Transport.PollInterval,
	}
}

func (c Config) SimulationParams() simulation.Params {
	return simulation.Params{
		TickHz:           c.Simulation.TickHz,
		FullSyncInterval: c.Simulation.FullSyncInterval,
		StalenessBound:   c.Simulation.StalenessBound,
		InputQueueLength: c.Simulation.InputQueueLength,
	}
}

func (c Config) TokenRate() (rate.Limit, int) {
	return rate.Limit(c.Token.RateLimit), c.Token.RateBurst
}

// SigningKey decodes the configured token key. With no key configured, production is an
// error and development gets an ephemeral key.
func (c Config) SigningKey(logger *zap.Logger, production bool) (ed25519.PrivateKey, error) {
	if strings.TrimSpace(c.Token.PrivateKey) == "" {
		if production {
			return nil, fmt.Errorf("%sTOKEN_PRIVATE_KEY is required in production", EnvPrefix)
		}
		_, priv, err := ed25519.GenerateKey(nil)
		if err != nil {
			return nil, err
		}
		logger.Warn("No token signing key configured, using an ephemeral key; tokens will not survive a restart")
		return priv, nil
	}

	raw, err := token.DecodeKey(c.Token.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("decode token key: %w", err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	}
	return nil, fmt.Errorf("token key is %d bytes, want %d or %d", len(raw), ed25519.SeedSize, ed25519.PrivateKeySize)
}
