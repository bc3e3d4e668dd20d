package config

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/tonitrnel/synclink-sub001/internal/channel/webrtc"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.ChunkSize != 128*1024 {
		t.Errorf("expected 128 KiB chunks, got %d", cfg.ChunkSize)
	}
	if cfg.AckTimeout != 5000*time.Millisecond {
		t.Errorf("expected 5000ms ack timeout, got %v", cfg.AckTimeout)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("expected 3 retries, got %d", cfg.MaxRetries)
	}
	if cfg.PingCount != 3 {
		t.Errorf("expected 3 pings, got %d", cfg.PingCount)
	}
	if len(cfg.STUNServers) != len(webrtc.DefaultSTUNServers) {
		t.Fatalf("expected %d STUN URLs, got %d", len(webrtc.DefaultSTUNServers), len(cfg.STUNServers))
	}
	for i, server := range webrtc.DefaultSTUNServers {
		if cfg.STUNServers[i] != server {
			t.Errorf("STUN server %d: expected %s, got %s", i, server, cfg.STUNServers[i])
		}
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected defaults to be valid, got %v", err)
	}
}

func TestDefaultSTUNServersNotShared(t *testing.T) {
	cfg := Default()
	cfg.STUNServers[0] = "stun:example.org"

	if Default().STUNServers[0] == "stun:example.org" {
		t.Error("expected Default to return a fresh STUN list")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero chunk", func(c *Config) { c.ChunkSize = 0 }},
		{"huge chunk", func(c *Config) { c.ChunkSize = MaxChunkSize + 1 }},
		{"zero ack timeout", func(c *Config) { c.AckTimeout = 0 }},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }},
		{"zero pings", func(c *Config) { c.PingCount = 0 }},
		{"zero connect timeout", func(c *Config) { c.ConnectTimeout = 0 }},
	}

	for _, tt := range tests {
		cfg := Default()
		tt.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tt.name)
		}
	}
}

func TestValidateAcceptsLargeChunks(t *testing.T) {
	cfg := Default()
	cfg.ChunkSize = MaxChunkSize
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected %d byte chunks to be valid, got %v", MaxChunkSize, err)
	}
}

func TestBindFlags(t *testing.T) {
	cfg := Default()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg.BindFlags(fs)

	err := fs.Parse([]string{"--chunk-size=65536", "--ack-timeout=2s", "--max-retries=5", "--no-rtc", "--id=alice"})
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.ChunkSize != 65536 || cfg.AckTimeout != 2*time.Second || cfg.MaxRetries != 5 {
		t.Errorf("flags not applied: %+v", cfg)
	}
	if !cfg.DisableRTC || cfg.ClientID != "alice" {
		t.Errorf("flags not applied: %+v", cfg)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvExchangeURL, "http://exchange.test")

	cfg := Default()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg.BindFlags(fs)
	_ = fs.Parse(nil)
	cfg.ApplyEnv(fs)

	if cfg.ExchangeURL != "http://exchange.test" {
		t.Errorf("expected env exchange URL, got %s", cfg.ExchangeURL)
	}

	cfg = Default()
	fs = pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg.BindFlags(fs)
	_ = fs.Parse([]string{"--exchange=http://flag.test"})
	cfg.ApplyEnv(fs)

	if cfg.ExchangeURL != "http://flag.test" {
		t.Errorf("expected explicit flag to win, got %s", cfg.ExchangeURL)
	}
}
