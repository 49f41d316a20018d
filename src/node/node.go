// Package node assembles a D2A agent from configuration: identity, relay
// transport, feed store, settlement ledger, the agent manager and the local API.
// It is used by the CLI, the MCP server and the demo.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"d2a-agent/src/agent"
	"d2a-agent/src/api"
	"d2a-agent/src/broker"
	"d2a-agent/src/config"
	"d2a-agent/src/crypto"
	"d2a-agent/src/ledger"
	"d2a-agent/src/logger"
	"d2a-agent/src/store"
)

// shutdownTimeout bounds how long Close waits for the event loop and the API.
const shutdownTimeout = 5 * time.Second

// Options override parts of the assembly. Zero values use the configuration.
type Options struct {
	Logger logger.Logger
	// Broker replaces the configured transport, e.g. a shared in-memory broker.
	Broker broker.Broker
	// Keys replaces the key file.
	Keys *crypto.Keypair
}

// Node is one assembled agent and the resources it owns.
type Node struct {
	Config *config.Config
	Keys   crypto.Keypair
	Broker broker.Broker
	Store  store.Store
	Ledger ledger.Ledger
	Agent  *agent.Manager
	Logger logger.Logger

	started bool
	api     *http.Server
	apiAddr string
	closers []func() error
}

// NewLogger returns the logger selected by cfg writing to w: structured JSON through
// zerolog, or console lines.
func NewLogger(cfg *config.Config, w io.Writer) logger.Logger {
	if cfg.LogFormat == "json" {
		return logger.NewZerologLogger(w, cfg.LogLevel)
	}
	return logger.NewConsoleLogger(w, w, cfg.LogLevel == "debug")
}

// NewBroker connects the relay transport named by cfg.Transport.
func NewBroker(cfg *config.Config, log logger.Logger) (broker.Broker, error) {
	switch cfg.Transport {
	case config.TransportMemory:
		return broker.NewInMemoryBroker(), nil
	case config.TransportRedpanda:
		b, err := broker.NewRedpandaBroker(cfg.RedpandaBrokers, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create Redpanda broker: %w", err)
		}
		return b, nil
	case config.TransportWebSocket, "":
		return broker.NewWebSocketBroker(log), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// NewStore opens the feed store: Postgres when POSTGRES_DSN is set, else Redis when
// REDIS_URL is set, else memory.
func NewStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch {
	case cfg.PostgresDSN != "":
		s, err := store.NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to create Postgres store: %w", err)
		}
		return s, nil
	case cfg.RedisURL != "":
		s, err := store.NewRedisStore(ctx, cfg.RedisURL, "")
		if err != nil {
			return nil, fmt.Errorf("failed to create Redis store: %w", err)
		}
		return s, nil
	default:
		return store.NewMemoryStore(), nil
	}
}

// New assembles a node. Nothing touches the relays until Start.
func New(ctx context.Context, cfg *config.Config, opts Options) (n *Node, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	n = &Node{Config: cfg, Logger: opts.Logger}
	if n.Logger == nil {
		n.Logger = logger.NewSilentLogger()
	}
	defer func() {
		if err != nil {
			n.closeResources()
		}
	}()

	if opts.Keys != nil {
		n.Keys = *opts.Keys
	} else {
		n.Keys, err = crypto.LoadOrGenerateKeypair(cfg.KeyFile)
		if err != nil {
			return nil, err
		}
	}

	n.Broker = opts.Broker
	if n.Broker == nil {
		n.Broker, err = NewBroker(cfg, n.Logger)
		if err != nil {
			return nil, err
		}
		n.closers = append(n.closers, n.Broker.Close)
	}

	n.Store, err = NewStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	n.closers = append(n.closers, n.Store.Close)

	if cfg.SeedFile != "" {
		if err := store.LoadSeed(ctx, n.Store, cfg.SeedFile); err != nil {
			return nil, err
		}
		n.Logger.Info("[Node] Loaded seed data from %s", cfg.SeedFile)
	}

	var led ledger.Ledger
	if cfg.LedgerURL != "" {
		led = ledger.NewHTTPLedger(cfg.LedgerURL, n.Keys.Private)
		n.Ledger = led
	}

	n.Agent, err = agent.New(agent.ConfigFrom(cfg), agent.Options{
		Broker: n.Broker,
		Keys:   n.Keys,
		Store:  n.Store,
		Ledger: led,
		Logger: n.Logger,
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

// Start starts the agent and, when configured, the local API.
func (n *Node) Start(ctx context.Context) error {
	if err := n.Agent.Start(ctx); err != nil {
		return err
	}
	n.started = true
	if n.Config.APIAddr == "" {
		return nil
	}

	ln, err := net.Listen("tcp", n.Config.APIAddr)
	if err != nil {
		n.Agent.Stop()
		return fmt.Errorf("failed to listen on %s: %w", n.Config.APIAddr, err)
	}
	n.apiAddr = ln.Addr().String()
	n.api = &http.Server{
		Handler:           api.NewRouter(n.Agent, n.Logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := n.api.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.Logger.Error("[Node] API server error: %v", err)
		}
	}()
	n.Logger.Info("[Node] API listening on %s", n.apiAddr)
	return nil
}

// APIAddr returns the address the API is bound to, or "" when it is not running.
func (n *Node) APIAddr() string {
	return n.apiAddr
}

// Close stops the agent and the API, then releases resources in reverse order of
// creation.
func (n *Node) Close() error {
	var errs []error

	n.Agent.Stop()
	if n.started {
		select {
		case <-n.Agent.Done():
		case <-time.After(shutdownTimeout):
			n.Logger.Warn("[Node] Event loop did not exit within %s", shutdownTimeout)
		}
	}

	if n.api != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := n.api.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("api shutdown: %w", err))
		}
		cancel()
	}

	errs = append(errs, n.closeResources())
	return errors.Join(errs...)
}

func (n *Node) closeResources() error {
	var errs []error
	for i := len(n.closers) - 1; i >= 0; i-- {
		if err := n.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	n.closers = nil
	return errors.Join(errs...)
}
