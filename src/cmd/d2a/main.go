// Package main provides the d2a CLI: run an agent, inspect a running one, or serve
// it to an MCP client.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"d2a-agent/src/api"
	"d2a-agent/src/config"
	"d2a-agent/src/contracts"
	"d2a-agent/src/crypto"
	"d2a-agent/src/logger"
	"d2a-agent/src/mcp"
	"d2a-agent/src/node"
	"d2a-agent/src/tui"
)

const version = "0.1.0"

var appConfig *config.Config

var rootCmd = &cobra.Command{
	Use:   "d2a",
	Short: "D2A - agent-to-agent content exchange",
	Long: `d2a runs a personal content agent that advertises its interests on a
relay network, finds resonant peers, and trades high quality items with them
over encrypted negotiation messages.

Configuration comes from D2A_* environment variables and an optional .env file.
Set D2A_TRANSPORT=redpanda with REDPANDA_BROKERS to use a Kafka-compatible
backbone instead of websocket relays.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		appConfig, err = config.LoadFromEnv()
		if err != nil {
			return &UserError{
				Message: "Invalid configuration",
				Hint:    "Check the D2A_* environment variables and your .env file.",
				Err:     err,
			}
		}
		return nil
	},
}

var runTUI bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent until interrupted",
	Long: `Start the agent: broadcast presence, discover peers and exchange content.

With --tui the dashboard is shown and logs go to a file next to the key file.
Set D2A_API_ADDR to expose the local HTTP API used by 'd2a status' and 'd2a mcp --api'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log, closeLog, err := runLogger(appConfig, runTUI)
		if err != nil {
			return err
		}
		defer closeLog()

		n, err := node.New(ctx, appConfig, node.Options{Logger: log})
		if err != nil {
			return WrapError(err)
		}
		defer n.Close()

		if err := n.Start(ctx); err != nil {
			return WrapError(err)
		}

		if runTUI {
			return tui.Run(n.Agent)
		}

		fmt.Printf("Agent %s running on %d relay(s)\n", n.Keys.Pubkey(), len(appConfig.Relays))
		if addr := n.APIAddr(); addr != "" {
			fmt.Printf("API listening on http://%s\n", addr)
		}
		defer n.Agent.OnNotice(func(notice contracts.Notice) {
			fmt.Fprintf(os.Stderr, "notice: %s\n", notice.Message)
		})()

		select {
		case <-ctx.Done():
			fmt.Println("\nShutting down...")
		case <-n.Agent.Done():
		}
		return nil
	},
}

// runLogger picks the run logger. The dashboard owns the terminal, so logs go to a
// file beside the key file while it is shown.
func runLogger(cfg *config.Config, withTUI bool) (logger.Logger, func(), error) {
	if !withTUI {
		return node.NewLogger(cfg, os.Stderr), func() {}, nil
	}
	path := filepath.Join(filepath.Dir(cfg.KeyFile), "d2a.log")
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return logger.NewZerologLogger(f, cfg.LogLevel), func() { f.Close() }, nil
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Create the agent identity, or print the existing one",
	RunE: func(cmd *cobra.Command, args []string) error {
		kp, err := crypto.LoadOrGenerateKeypair(appConfig.KeyFile)
		if err != nil {
			return WrapError(err)
		}
		fmt.Printf("Key file: %s\n", appConfig.KeyFile)
		fmt.Printf("Pubkey:   %s\n", kp.Pubkey())
		return nil
	},
}

var statusAddr string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of a running agent",
	Long:  `Query the local HTTP API of a running agent (see D2A_API_ADDR).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := statusAddr
		if addr == "" {
			addr = appConfig.APIAddr
		}
		if addr == "" {
			return &UserError{
				Message: "No agent API address",
				Hint:    "Pass --api or set D2A_API_ADDR to the address of a running 'd2a run'.",
			}
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), appConfig.NetworkTimeout)
		defer cancel()
		snap, err := api.NewClient(addr).Snapshot(ctx)
		if err != nil {
			return WrapError(err)
		}
		printStatus(snap, time.Now())
		return nil
	},
}

func printStatus(snap contracts.Snapshot, now time.Time) {
	state := "stopped"
	if snap.Active {
		state = "running"
	}
	fmt.Printf("Pubkey:         %s\n", snap.Pubkey)
	fmt.Printf("State:          %s\n", state)
	fmt.Printf("Peers:          %d\n", len(snap.Peers))
	fmt.Printf("Handshakes:     %d\n", len(snap.Handshakes))
	fmt.Printf("Sent:           %d\n", snap.Sent)
	fmt.Printf("Received:       %d\n", snap.Received)
	fmt.Printf("Tick errors:    %d\n", snap.ConsecutiveErrors)

	for _, p := range snap.Peers {
		fmt.Printf("  %s  resonance %.2f  capacity %d  %s\n",
			tui.Truncate(p.Pubkey, 16, true), p.Resonance, p.Capacity, tui.Display(strings.Join(p.Interests, ", "), 48))
	}
	for _, h := range snap.Handshakes {
		fmt.Printf("  %-10s %s  %s  %.1f  %s\n",
			h.Phase, tui.Truncate(h.Peer, 16, true), tui.Display(h.Topic, 16), h.Score, tui.Ago(now, h.StartedAt))
	}
}

var mcpAddr string

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the agent to an MCP client over stdio",
	Long: `Start a Model Context Protocol server on stdin/stdout.

With --api the tools query an agent that is already running. Without it an
agent is started in-process and stopped when the client disconnects.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if mcpAddr != "" {
			return mcp.NewServer(api.NewClient(mcpAddr), version).Run()
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// stdout carries the protocol.
		n, err := node.New(ctx, appConfig, node.Options{Logger: node.NewLogger(appConfig, os.Stderr)})
		if err != nil {
			return WrapError(err)
		}
		defer n.Close()
		if err := n.Start(ctx); err != nil {
			return WrapError(err)
		}
		return mcp.NewServer(mcp.Local(n.Agent), version).Run()
	},
}

func init() {
	runCmd.Flags().BoolVar(&runTUI, "tui", false, "show the interactive dashboard")
	statusCmd.Flags().StringVar(&statusAddr, "api", "", "agent API address (default D2A_API_ADDR)")
	mcpCmd.Flags().StringVar(&mcpAddr, "api", "", "query a running agent at this API address")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
