// Package config holds the tunable transfer and connection policy.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"github.com/tonitrnel/synclink-sub001/internal/channel/webrtc"
	"github.com/tonitrnel/synclink-sub001/internal/protocol"
)

const (
	// MaxChunkSize bounds the memory one packet pins on each side. Frames
	// larger than a data channel message are fragmented by the webrtc
	// channel, so this is not tied to the SCTP limit.
	MaxChunkSize = 1024 * 1024

	EnvExchangeURL = "SYNCLINK_EXCHANGE"
)

type Config struct {
	ChunkSize  int
	AckTimeout time.Duration
	MaxRetries int

	PingCount      int
	PingTimeout    time.Duration
	ConnectTimeout time.Duration

	ClientID    string
	ExchangeURL string
	STUNServers []string
	DisableRTC  bool

	DownloadDir string
	HistoryPath string
	LogLevel    string
}

func Default() Config {
	servers := make([]string, len(webrtc.DefaultSTUNServers))
	copy(servers, webrtc.DefaultSTUNServers)

	return Config{
		ChunkSize:      protocol.DefaultChunkSize,
		AckTimeout:     protocol.DefaultAckTimeout,
		MaxRetries:     protocol.DefaultMaxRetries,
		PingCount:      3,
		PingTimeout:    5 * time.Second,
		ConnectTimeout: 30 * time.Second,
		ExchangeURL:    "http://localhost:8080",
		STUNServers:    servers,
		DownloadDir:    "downloads",
		HistoryPath:    "synclink-history.sqlite3",
		LogLevel:       "info",
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.ChunkSize <= 0 || c.ChunkSize > MaxChunkSize {
		errs = append(errs, fmt.Errorf("chunk size must be in (0, %d], got %d", MaxChunkSize, c.ChunkSize))
	}
	if c.AckTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ack timeout must be positive, got %v", c.AckTimeout))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max retries must not be negative, got %d", c.MaxRetries))
	}
	if c.PingCount <= 0 {
		errs = append(errs, fmt.Errorf("ping count must be positive, got %d", c.PingCount))
	}
	if c.PingTimeout <= 0 || c.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("ping and connect timeouts must be positive"))
	}
	return errors.Join(errs...)
}

// BindFlags registers every field on fs. Call ApplyEnv after parsing.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.IntVar(&c.ChunkSize, "chunk-size", c.ChunkSize, "data packet payload size in bytes")
	fs.DurationVar(&c.AckTimeout, "ack-timeout", c.AckTimeout, "time to wait for each acknowledgement")
	fs.IntVar(&c.MaxRetries, "max-retries", c.MaxRetries, "retransmissions per data packet before giving up")
	fs.IntVar(&c.PingCount, "ping-count", c.PingCount, "round trips used to measure connection delay")
	fs.DurationVar(&c.PingTimeout, "ping-timeout", c.PingTimeout, "time to wait for each ping")
	fs.DurationVar(&c.ConnectTimeout, "connect-timeout", c.ConnectTimeout, "time to wait for the channel to open")
	fs.StringVar(&c.ClientID, "id", c.ClientID, "client id announced to the exchange (random if empty)")
	fs.StringVar(&c.ExchangeURL, "exchange", c.ExchangeURL, "signalling exchange base URL")
	fs.StringSliceVar(&c.STUNServers, "stun", c.STUNServers, "STUN server URLs")
	fs.BoolVar(&c.DisableRTC, "no-rtc", c.DisableRTC, "never offer a direct WebRTC channel")
	fs.StringVar(&c.DownloadDir, "download-dir", c.DownloadDir, "directory received files are saved to")
	fs.StringVar(&c.HistoryPath, "history", c.HistoryPath, "transfer history database path")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error")
}

// ApplyEnv overrides fields from the environment unless the matching flag
// was set explicitly.
func (c *Config) ApplyEnv(fs *pflag.FlagSet) {
	if v, ok := os.LookupEnv(EnvExchangeURL); ok && v != "" {
		if fs == nil || !fs.Changed("exchange") {
			c.ExchangeURL = v
		}
	}
}
