// Package main is the entry point for pairwire-runner, a reference
// Runner client exercising the gRPC transport against a pairwire
// broker: register, heartbeat, and consume the open-session event
// stream. Pseudo-terminal management and the terminal byte stream
// itself are outside the pairing core and are not implemented here;
// this binary exists to drive and demonstrate the pairing handshake.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/pairwire/broker/internal/runnerrpc"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	backoffInitial = 1 * time.Second
	backoffMax     = 30 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.2

	heartbeatInterval = 20 * time.Second
)

type config struct {
	brokerAddr string
	runnerID   string
	secret     string
	showQR     bool
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "pairwire-runner",
		Short: "Pairwire runner — reference client for the terminal-bridge pairing protocol",
		Long: `Pairwire runner connects to a pairwire broker over a persistent gRPC
stream, registers to obtain a pairing code, and keeps the connection
alive with periodic heartbeats while waiting for an App to request a
terminal-bridge session.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.brokerAddr, "broker-addr", envOrDefault("PAIRWIRE_BROKER_ADDR", "localhost:9090"), "Broker gRPC address (host:port)")
	root.PersistentFlags().StringVar(&cfg.runnerID, "runner-id", envOrDefault("PAIRWIRE_RUNNER_ID", defaultRunnerID()), "Stable identity presented to the broker")
	root.PersistentFlags().StringVar(&cfg.secret, "runner-secret", envOrDefault("PAIRWIRE_RUNNER_SECRET", ""), "Shared secret configured for this runner identity on the broker")
	root.PersistentFlags().BoolVar(&cfg.showQR, "qr", envOrDefault("PAIRWIRE_RUNNER_QR", "false") == "true", "Render the pairing code as a terminal QR code for out-of-band sharing")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("PAIRWIRE_RUNNER_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("pairwire-runner %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.secret == "" {
		logger.Warn("runner-secret not configured — the broker will reject registration")
	}

	logger.Info("starting pairwire runner",
		zap.String("version", version),
		zap.String("broker_addr", cfg.brokerAddr),
		zap.String("runner_id", cfg.runnerID),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	connectLoop(ctx, cfg, logger)

	logger.Info("pairwire runner stopped")
	return nil
}

// connectLoop dials the broker, registers, and runs the heartbeat and
// event loops, reconnecting with exponential backoff and jitter on any
// failure until ctx is cancelled.
func connectLoop(ctx context.Context, cfg *config, logger *zap.Logger) {
	backoff := backoffInitial

	for {
		if ctx.Err() != nil {
			return
		}

		logger.Info("connecting to broker", zap.String("addr", cfg.brokerAddr))

		if err := session(ctx, cfg, logger); err != nil {
			logger.Warn("session ended, retrying",
				zap.Error(err),
				zap.Duration("backoff", backoff),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(jitter(backoff)):
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = backoffInitial
	}
}

// session establishes one gRPC connection: dial, register, then run the
// heartbeat loop and event stream concurrently until either fails or ctx
// is cancelled.
func session(ctx context.Context, cfg *config, logger *zap.Logger) error {
	conn, err := grpc.NewClient(cfg.brokerAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close()

	client := runnerrpc.NewClient(conn, cfg.runnerID, cfg.secret)

	result, err := client.Register(ctx)
	if err != nil {
		return fmt.Errorf("register rpc failed: %w", err)
	}
	if result.ErrorCode != "" {
		return fmt.Errorf("registration rejected: %s (%s)", result.ErrorCode, result.Message)
	}

	logger.Info("registered", zap.String("pairing_code", result.PairingCode))
	fmt.Printf("\nPairing code: %s\n\n", result.PairingCode)
	if cfg.showQR {
		qrterminal.GenerateHalfBlock(result.PairingCode, qrterminal.L, os.Stdout)
	}

	events, err := client.Events(ctx)
	if err != nil {
		return fmt.Errorf("open event stream failed: %w", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- heartbeatLoop(ctx, client, logger) }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return err
		case event, ok := <-events:
			if !ok {
				return fmt.Errorf("event stream closed")
			}
			logger.Info("open session requested",
				zap.String("session_id", event.SessionID),
				zap.String("app_id", event.AppID),
			)
			// Terminal session handling is outside this reference
			// client's scope; a real runner would spawn a pseudo-
			// terminal here and begin forwarding terminal_input /
			// terminal_output frames.
		}
	}
}

func heartbeatLoop(ctx context.Context, client *runnerrpc.Client, logger *zap.Logger) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := client.Heartbeat(ctx); err != nil {
				return fmt.Errorf("heartbeat failed: %w", err)
			}
			logger.Debug("heartbeat sent")
		}
	}
}

func nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > backoffMax {
		next = backoffMax
	}
	return next
}

// jitter adds up to ±20% random variance to avoid thundering-herd
// reconnects when many runners lose connectivity simultaneously.
func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	return d + time.Duration((rand.Float64()*2-1)*delta)
}

func defaultRunnerID() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "runner"
	}
	return hostname
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
