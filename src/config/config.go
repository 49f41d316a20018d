// Package config provides configuration management for a D2A node.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"d2a-agent/src/contracts"
)

// Transport names accepted by D2A_TRANSPORT.
const (
	TransportWebSocket = "websocket"
	TransportRedpanda  = "redpanda"
	TransportMemory    = "memory"
)

// Config holds the node configuration.
type Config struct {
	// Relays the agent publishes to and queries.
	Relays []string

	ResonanceThreshold float64
	MinOfferScore      float64
	PresenceInterval   time.Duration
	DiscoveryInterval  time.Duration
	HandshakeTimeout   time.Duration
	PeerExpiry         time.Duration
	NetworkTimeout     time.Duration

	// Capacity is advertised in presence and bounds concurrent initiated handshakes.
	Capacity int

	// KeyFile holds the hex encoded ed25519 seed. Created on first run.
	KeyFile string

	// LedgerID is the settlement identity advertised in presence. Optional.
	LedgerID string
	// LedgerURL is the settlement service endpoint. Settlement is off when empty.
	LedgerURL string

	Transport       string
	RedpandaBrokers []string
	PostgresDSN     string
	RedisURL        string
	SeedFile        string

	// APIAddr is the listen address of the local HTTP API. Disabled when empty.
	APIAddr string

	LogFormat string
	LogLevel  string
}

// Default returns the protocol defaults with no environment applied.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		Relays:             append([]string(nil), contracts.DefaultRelays...),
		ResonanceThreshold: contracts.DefaultResonanceThreshold,
		MinOfferScore:      contracts.DefaultMinOfferScore,
		PresenceInterval:   contracts.DefaultPresenceInterval,
		DiscoveryInterval:  contracts.DefaultDiscoveryInterval,
		HandshakeTimeout:   contracts.DefaultHandshakeTimeout,
		PeerExpiry:         contracts.DefaultPeerExpiry,
		NetworkTimeout:     contracts.DefaultNetworkTimeout,
		Capacity:           contracts.DefaultCapacity,
		KeyFile:            filepath.Join(home, ".d2a", "key"),
		Transport:          TransportWebSocket,
		LogFormat:          "console",
		LogLevel:           "info",
	}
}

// LoadFromEnv loads configuration from environment variables, reading a .env file
// first when one is present.
func LoadFromEnv() (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	var errs []error

	if v := os.Getenv("D2A_RELAYS"); v != "" {
		cfg.Relays = splitList(v)
	}
	errs = append(errs,
		parseFloat("D2A_RESONANCE_THRESHOLD", &cfg.ResonanceThreshold),
		parseFloat("D2A_MIN_OFFER_SCORE", &cfg.MinOfferScore),
		parseDuration("D2A_PRESENCE_INTERVAL", &cfg.PresenceInterval),
		parseDuration("D2A_DISCOVERY_INTERVAL", &cfg.DiscoveryInterval),
		parseDuration("D2A_HANDSHAKE_TIMEOUT", &cfg.HandshakeTimeout),
		parseDuration("D2A_PEER_EXPIRY", &cfg.PeerExpiry),
		parseDuration("D2A_NETWORK_TIMEOUT", &cfg.NetworkTimeout),
		parseInt("D2A_CAPACITY", &cfg.Capacity),
	)

	cfg.KeyFile = getEnv("D2A_KEY_FILE", cfg.KeyFile)
	cfg.LedgerID = os.Getenv("D2A_LEDGER_ID")
	cfg.LedgerURL = os.Getenv("D2A_LEDGER_URL")
	if v := os.Getenv("REDPANDA_BROKERS"); v != "" {
		cfg.RedpandaBrokers = splitList(v)
	}
	cfg.Transport = strings.ToLower(os.Getenv("D2A_TRANSPORT"))
	if cfg.Transport == "" {
		cfg.Transport = DetectTransport(cfg)
	}
	cfg.PostgresDSN = os.Getenv("POSTGRES_DSN")
	cfg.RedisURL = os.Getenv("REDIS_URL")
	cfg.SeedFile = os.Getenv("D2A_SEED_FILE")
	cfg.APIAddr = os.Getenv("D2A_API_ADDR")
	cfg.LogFormat = strings.ToLower(getEnv("D2A_LOG_FORMAT", cfg.LogFormat))
	cfg.LogLevel = strings.ToLower(getEnv("D2A_LOG_LEVEL", cfg.LogLevel))

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DetectTransport picks the transport when D2A_TRANSPORT is unset: Redpanda when
// brokers are configured, websocket relays otherwise.
func DetectTransport(cfg *Config) string {
	if len(cfg.RedpandaBrokers) > 0 {
		return TransportRedpanda
	}
	return TransportWebSocket
}

// MustLoadFromEnv loads configuration from environment variables and panics on error.
// This is useful for initialization in main() where configuration errors should be fatal.
func MustLoadFromEnv() *Config {
	cfg, err := LoadFromEnv()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks ranges and required values.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Relays) == 0 {
		errs = append(errs, errors.New("at least one relay is required"))
	}
	if c.ResonanceThreshold < 0 || c.ResonanceThreshold > 1 {
		errs = append(errs, fmt.Errorf("resonance threshold %v outside 0..1", c.ResonanceThreshold))
	}
	if c.MinOfferScore < 0 || c.MinOfferScore > contracts.MaxScore {
		errs = append(errs, fmt.Errorf("min offer score %v outside 0..%v", c.MinOfferScore, contracts.MaxScore))
	}
	for name, d := range map[string]time.Duration{
		"presence interval":  c.PresenceInterval,
		"discovery interval": c.DiscoveryInterval,
		"handshake timeout":  c.HandshakeTimeout,
		"peer expiry":        c.PeerExpiry,
		"network timeout":    c.NetworkTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.Capacity < 1 {
		errs = append(errs, fmt.Errorf("capacity must be at least 1, got %d", c.Capacity))
	}
	switch c.Transport {
	case TransportWebSocket, TransportMemory:
	case TransportRedpanda:
		if len(c.RedpandaBrokers) == 0 {
			errs = append(errs, errors.New("REDPANDA_BROKERS is required for the redpanda transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}

	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(v string) []string {
	var out []string
	for _, entry := range strings.Split(v, ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			out = append(out, entry)
		}
	}
	return out
}

func parseFloat(key string, dst *float64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = f
	return nil
}

func parseInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func parseDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}
