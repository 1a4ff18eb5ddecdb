package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"marketsync/internal/types"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Venue     VenueConfig     `yaml:"venue"`
	Markets   MarketsConfig   `yaml:"markets"`
	Book      StreamConfig    `yaml:"book"`
	Trades    StreamConfig    `yaml:"trades"`
	Backoff   BackoffConfig   `yaml:"backoff"`
	Bootstrap BootstrapConfig `yaml:"bootstrap"`
	Network   NetworkConfig   `yaml:"network"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// VenueConfig holds upstream endpoints
type VenueConfig struct {
	WebSocketURL     string `yaml:"ws_url"`
	RestURL          string `yaml:"rest_url"`
	ReferenceRestURL string `yaml:"reference_rest_url"`
}

// MarketsConfig holds the tracked market set
type MarketsConfig struct {
	Symbols []types.Symbol `yaml:"symbols"`
	Active  types.Symbol   `yaml:"active"`
}

// StreamConfig holds per-class stream settings. Depth only applies to the book class.
type StreamConfig struct {
	Depth          int           `yaml:"depth"`
	MaxTrades      int           `yaml:"max_trades"`
	RateLimit      RateLimit     `yaml:"rate_limit"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// RateLimit bounds new connection attempts per sliding window
type RateLimit struct {
	MaxPerWindow int           `yaml:"max_per_window"`
	Window       time.Duration `yaml:"window"`
}

// BackoffConfig holds reconnect delay parameters
type BackoffConfig struct {
	Initial    time.Duration `yaml:"initial"`
	Factor     float64       `yaml:"factor"`
	Ceiling    time.Duration `yaml:"ceiling"`
	Jitter     float64       `yaml:"jitter"`
	MaxRetries int           `yaml:"max_retries"`
}

// BootstrapConfig holds snapshot fetch settings
type BootstrapConfig struct {
	TradeCount      int           `yaml:"trade_count"`
	Timeout         time.Duration `yaml:"timeout"`
	RequestsPerSec  float64       `yaml:"requests_per_sec"`
	Retries         uint          `yaml:"retries"`
	TickerInterval  time.Duration `yaml:"ticker_interval"`
	ReferenceDepth  int           `yaml:"reference_depth"`
	ReferenceTrades int           `yaml:"reference_trades"`
}

// NetworkConfig holds reachability probe settings
type NetworkConfig struct {
	ProbeAddr     string        `yaml:"probe_addr"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
}

// ServerConfig holds the observer-facing HTTP server settings
type ServerConfig struct {
	Listen         string        `yaml:"listen"`
	UpdateInterval time.Duration `yaml:"update_interval"`
}

// LoggingConfig holds log output settings
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Default returns the default configuration for the Kraken public feed
func Default() Config {
	return Config{
		Venue: VenueConfig{
			WebSocketURL:     "wss://ws.kraken.com",
			RestURL:          "https://api.kraken.com",
			ReferenceRestURL: "https://api.binance.com",
		},
		Markets: MarketsConfig{
			Symbols: []types.Symbol{"XBT/USD", "ETH/USD", "SOL/USD", "LTC/USD"},
			Active:  "XBT/USD",
		},
		Book: StreamConfig{
			Depth:          10,
			RateLimit:      RateLimit{MaxPerWindow: 3, Window: time.Second},
			ConnectTimeout: 5 * time.Second,
		},
		Trades: StreamConfig{
			MaxTrades:      100,
			RateLimit:      RateLimit{MaxPerWindow: 5, Window: 500 * time.Millisecond},
			ConnectTimeout: 5 * time.Second,
		},
		Backoff: BackoffConfig{
			Initial:    time.Second,
			Factor:     2,
			Ceiling:    30 * time.Second,
			Jitter:     0.25,
			MaxRetries: 5,
		},
		Bootstrap: BootstrapConfig{
			TradeCount:      50,
			Timeout:         10 * time.Second,
			RequestsPerSec:  1,
			Retries:         3,
			TickerInterval:  10 * time.Second,
			ReferenceDepth:  10,
			ReferenceTrades: 10,
		},
		Network: NetworkConfig{
			ProbeAddr:     "ws.kraken.com:443",
			ProbeInterval: 5 * time.Second,
			ProbeTimeout:  3 * time.Second,
		},
		Server: ServerConfig{
			Listen:         ":8086",
			UpdateInterval: 100 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML file over the defaults and applies environment overrides.
// An empty path yields the defaults with overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	overrideWithEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if !isWebSocketURL(c.Venue.WebSocketURL) {
		return fmt.Errorf("invalid ws_url: %q", c.Venue.WebSocketURL)
	}
	if !strings.HasPrefix(c.Venue.RestURL, "http://") && !strings.HasPrefix(c.Venue.RestURL, "https://") {
		return fmt.Errorf("invalid rest_url: %q", c.Venue.RestURL)
	}
	if len(c.Markets.Symbols) == 0 {
		return fmt.Errorf("at least one market symbol is required")
	}
	if c.Markets.Active == "" {
		c.Markets.Active = c.Markets.Symbols[0]
	}
	if c.Book.Depth <= 0 {
		return fmt.Errorf("book depth must be positive")
	}
	if c.Trades.MaxTrades <= 0 {
		return fmt.Errorf("trades max_trades must be positive")
	}
	for name, rl := range map[string]RateLimit{"book": c.Book.RateLimit, "trades": c.Trades.RateLimit} {
		if rl.MaxPerWindow <= 0 || rl.Window <= 0 {
			return fmt.Errorf("%s rate_limit must be positive", name)
		}
	}
	if c.Backoff.Initial <= 0 || c.Backoff.Ceiling < c.Backoff.Initial || c.Backoff.Factor < 1 {
		return fmt.Errorf("invalid backoff: initial=%s ceiling=%s factor=%g", c.Backoff.Initial, c.Backoff.Ceiling, c.Backoff.Factor)
	}
	if c.Backoff.Jitter < 0 || c.Backoff.Jitter >= 1 {
		return fmt.Errorf("backoff jitter must be in [0,1)")
	}
	if c.Backoff.MaxRetries < 0 {
		return fmt.Errorf("backoff max_retries must not be negative")
	}
	if c.Server.UpdateInterval <= 0 {
		return fmt.Errorf("update interval must be positive")
	}
	return nil
}

func isWebSocketURL(u string) bool {
	return strings.HasPrefix(u, "ws://") || strings.HasPrefix(u, "wss://")
}

// overrideWithEnv replaces settings with environment values when present
func overrideWithEnv(cfg *Config) {
	if v := os.Getenv("MARKETSYNC_WS_URL"); v != "" {
		cfg.Venue.WebSocketURL = v
	}
	if v := os.Getenv("MARKETSYNC_REST_URL"); v != "" {
		cfg.Venue.RestURL = v
	}
	if v := os.Getenv("MARKETSYNC_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
