package config

import (
	"crypto/ed25519"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sessamekesh/spanreed-netsync/pkg/message"
	"go.uber.org/zap/zaptest"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Simulation.TickHz != 30 || cfg.Simulation.FullSyncInterval != 60 || cfg.Token.TTL != 30*time.Second {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if ch, _ := cfg.InputChannel(); ch != message.ChannelType_ReliableOrdered {
		t.Errorf("default input channel %s", ch)
	}
}

func TestYAMLThenEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netsync.yaml")
	body := `
simulation:
  tick_hz: 60
  full_sync_interval: 120
transport:
  keep_alive_timeout: 4s
  heartbeat_interval: 500ms
server:
  allowed_origins: [a.example, b.example]
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("NETSYNC_SIMULATION_TICK_HZ", "20")
	t.Setenv("NETSYNC_OTEL_ENDPOINT", "http://collector:4318")
	t.Setenv("NETSYNC_CLIENT_INPUT_CHANNEL", "unreliable")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Simulation.TickHz != 20 {
		t.Errorf("env should win over yaml, tick_hz=%d", cfg.Simulation.TickHz)
	}
	if cfg.Simulation.FullSyncInterval != 120 {
		t.Errorf("yaml full_sync_interval not applied: %d", cfg.Simulation.FullSyncInterval)
	}
	if cfg.Transport.KeepAliveTimeout != 4*time.Second || cfg.Transport.HeartbeatInterval != 500*time.Millisecond {
		t.Errorf("durations not parsed: %+v", cfg.Transport)
	}
	if len(cfg.Server.AllowedOrigins) != 2 {
		t.Errorf("origins not parsed: %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Telemetry.Endpoint != "http://collector:4318" {
		t.Errorf("otel endpoint %q", cfg.Telemetry.Endpoint)
	}
	if ch, _ := cfg.InputChannel(); ch != message.ChannelType_Unreliable {
		t.Errorf("input channel %s", ch)
	}

	params := cfg.ConnectionParams()
	if params.KeepAliveTimeout != 4*time.Second || params.ReorderBufferLimit != 256 {
		t.Errorf("connection params %+v", params)
	}
	if sim := cfg.SimulationParams(); sim.TickHz != 20 || sim.FullSyncInterval != 120 {
		t.Errorf("simulation params %+v", sim)
	}
}

func TestUnknownYAMLFieldIsRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netsync.yaml")
	if err := os.WriteFile(path, []byte("simulation:\n  tickrate: 5\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected an error for an unknown field")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero tick rate", func(c *Config) { c.Simulation.TickHz = 0 }, "tick_hz"},
		{"heartbeat slower than keep-alive", func(c *Config) { c.Transport.HeartbeatInterval = time.Minute }, "heartbeat_interval"},
		{"resend base above max", func(c *Config) { c.Transport.ResendBase = 5 * time.Second }, "resend_base"},
		{"bad input channel", func(c *Config) { c.Client.InputChannel = "carrier-pigeon" }, "input_channel"},
		{"no ttl", func(c *Config) { c.Token.TTL = 0 }, "token.ttl"},
		{"no carriers", func(c *Config) { c.Server.UDPAddress, c.Server.WebsocketAddress = "", "" }, "udp_address"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Defaults()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestSigningKey(t *testing.T) {
	logger := zaptest.NewLogger(t)
	cfg := Defaults()

	if _, err := cfg.SigningKey(logger, true); err == nil {
		t.Error("production must require a key")
	}
	if key, err := cfg.SigningKey(logger, false); err != nil || len(key) != ed25519.PrivateKeySize {
		t.Errorf("expected an ephemeral key, got %d bytes, %v", len(key), err)
	}

	_, priv, _ := ed25519.GenerateKey(nil)
	cfg.Token.PrivateKey = base64.StdEncoding.EncodeToString(priv)
	key, err := cfg.SigningKey(logger, true)
	if err != nil || !key.Equal(priv) {
		t.Errorf("full private key not decoded: %v", err)
	}

	cfg.Token.PrivateKey = base64.RawStdEncoding.EncodeToString(priv.Seed())
	key, err = cfg.SigningKey(logger, true)
	if err != nil || !key.Equal(priv) {
		t.Errorf("seed not expanded: %v", err)
	}

	cfg.Token.PrivateKey = base64.StdEncoding.EncodeToString([]byte("short"))
	if _, err := cfg.SigningKey(logger, true); err == nil {
		t.Error("expected an error for a short key")
	}
}
