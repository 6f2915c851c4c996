// Package main is the entry point for the pairwire-broker binary. It
// wires the shared-store-backed pairing components, the protocol
// engine, the Runner gRPC transport, and the App WebSocket/REST surface
// together, then blocks until SIGINT/SIGTERM triggers a graceful
// shutdown.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pairwire/broker/internal/api"
	brokerdb "github.com/pairwire/broker/internal/db"
	"github.com/pairwire/broker/internal/codes"
	"github.com/pairwire/broker/internal/engine"
	"github.com/pairwire/broker/internal/history"
	"github.com/pairwire/broker/internal/identity"
	"github.com/pairwire/broker/internal/liveness"
	"github.com/pairwire/broker/internal/metrics"
	"github.com/pairwire/broker/internal/ratelimit"
	"github.com/pairwire/broker/internal/reaper"
	"github.com/pairwire/broker/internal/registry"
	"github.com/pairwire/broker/internal/runnerrpc"
	"github.com/pairwire/broker/internal/runnersecret"
	"github.com/pairwire/broker/internal/sessions"
	"github.com/pairwire/broker/internal/store"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr     string
	grpcAddr     string
	redisAddr    string
	redisPass    string
	redisDB      int
	dbDriver     string
	dbDSN        string
	adminToken   string
	oidcIssuer   string
	oidcClientID string
	staticJWTKey string
	logLevel     string
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
		Use:   "pairwire-broker",
		Short: "Pairwire broker — pairing and routing authority for the terminal-bridge fabric",
		Long: `Pairwire broker is the central authority of the remote terminal
pairing system. It issues and validates pairing codes, tracks Runner
liveness, authorizes connect_runner requests against the current
pairing table, and routes terminal-bridge open instructions to
Advertised runners.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	redisDB, _ := strconv.Atoi(envOrDefault("PAIRWIRE_REDIS_DB", "0"))

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("PAIRWIRE_HTTP_ADDR", ":8080"), "HTTP API listen address for App WebSocket and admin surface")
	root.PersistentFlags().StringVar(&cfg.grpcAddr, "grpc-addr", envOrDefault("PAIRWIRE_GRPC_ADDR", ":9090"), "gRPC listen address for Runner connections")
	root.PersistentFlags().StringVar(&cfg.redisAddr, "redis-addr", envOrDefault("PAIRWIRE_REDIS_ADDR", "localhost:6379"), "Shared store (Redis) address")
	root.PersistentFlags().StringVar(&cfg.redisPass, "redis-password", envOrDefault("PAIRWIRE_REDIS_PASSWORD", ""), "Shared store password")
	root.PersistentFlags().IntVar(&cfg.redisDB, "redis-db", redisDB, "Shared store database index")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("PAIRWIRE_DB_DRIVER", "sqlite"), "Admin database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("PAIRWIRE_DB_DSN", "./pairwire.db"), "Admin database DSN or file path for sqlite")
	root.PersistentFlags().StringVar(&cfg.adminToken, "admin-token", envOrDefault("PAIRWIRE_ADMIN_TOKEN", ""), "Bearer token guarding the admin surface (empty leaves it effectively unguarded; dev only)")
	root.PersistentFlags().StringVar(&cfg.oidcIssuer, "oidc-issuer", envOrDefault("PAIRWIRE_OIDC_ISSUER", ""), "OIDC issuer URL for App identity token verification (empty = use static-jwt-key)")
	root.PersistentFlags().StringVar(&cfg.oidcClientID, "oidc-client-id", envOrDefault("PAIRWIRE_OIDC_CLIENT_ID", ""), "Expected audience for OIDC App identity tokens")
	root.PersistentFlags().StringVar(&cfg.staticJWTKey, "static-jwt-key", envOrDefault("PAIRWIRE_STATIC_JWT_KEY", ""), "HMAC key for verifying App identity tokens when no OIDC issuer is configured")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("PAIRWIRE_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("pairwire-broker %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.adminToken == "" {
		logger.Warn("admin-token not configured — admin surface is unauthenticated (dev only)")
	}

	logger.Info("starting pairwire broker",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("grpc_addr", cfg.grpcAddr),
		zap.String("redis_addr", cfg.redisAddr),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Shared store ---
	sharedStore, err := store.New(ctx, store.Config{
		Addr:     cfg.redisAddr,
		Password: cfg.redisPass,
		DB:       cfg.redisDB,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to shared store: %w", err)
	}

	// --- 2. Admin database ---
	gormDB, err := brokerdb.New(brokerdb.Config{
		Driver: cfg.dbDriver,
		DSN:    cfg.dbDSN,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("failed to open admin database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	// --- 3. Pairing components ---
	codeAllocator := codes.New(sharedStore, logger)
	limiter := ratelimit.New(sharedStore, logger)
	liveTracker := liveness.New(sharedStore, logger)
	sessionStore := sessions.New(sharedStore, logger)
	historyRecorder := history.New(sharedStore, logger)
	conns := registry.New(logger)
	m := metrics.New()

	eng := engine.New(engine.Deps{
		Registry: conns,
		Codes:    codeAllocator,
		Sessions: sessionStore,
		Limiter:  limiter,
		Liveness: liveTracker,
		History:  historyRecorder,
		Metrics:  m,
		Logger:   logger,
	})

	// --- 4. Runner shared secrets ---
	secretVerifier := runnersecret.New(gormDB, nil)

	// --- 5. App identity verifier ---
	identityVerifier, err := buildIdentityVerifier(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to build identity verifier: %w", err)
	}

	// --- 6. Reconciliation sweep ---
	sweep, err := reaper.New(codeAllocator, sessionStore, liveTracker, conns, logger)
	if err != nil {
		return fmt.Errorf("failed to create reconciliation sweep: %w", err)
	}
	sweep.Start()
	defer func() {
		if err := sweep.Stop(); err != nil {
			logger.Warn("reconciliation sweep shutdown error", zap.Error(err))
		}
	}()

	// --- 7. Runner gRPC server ---
	grpcSrv := runnerrpc.NewServer(eng, conns, secretVerifier, logger)

	go func() {
		if err := grpcSrv.ListenAndServe(ctx, cfg.grpcAddr); err != nil {
			logger.Error("runner grpc server error", zap.Error(err))
			cancel()
		}
	}()

	// --- 8. HTTP server (App WebSocket + admin + health + metrics) ---
	corsPolicy := api.NewCORSPolicy(gormDB, logger)

	router := api.NewRouter(api.RouterConfig{
		WS:         api.NewWSHandler(eng, conns, identityVerifier, m, corsPolicy, logger),
		Health:     api.NewHealthHandler(sharedStore, gormDB),
		Admin:      api.NewAdminHandler(secretVerifier, historyRecorder, gormDB, logger),
		Metrics:    m,
		CORS:       corsPolicy,
		AdminToken: cfg.adminToken,
		Logger:     logger,
	})

	httpSrv := &http.Server{
		Addr:         cfg.httpAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down pairwire broker")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("pairwire broker stopped")
	return nil
}

// buildIdentityVerifier prefers OIDC discovery when an issuer is
// configured and falls back to the static HMAC verifier otherwise,
// which is adequate for deployments fronted by a simpler token issuer.
func buildIdentityVerifier(ctx context.Context, cfg *config) (identity.Verifier, error) {
	if cfg.oidcIssuer != "" {
		return identity.NewOIDCVerifier(ctx, cfg.oidcIssuer, cfg.oidcClientID)
	}
	if cfg.staticJWTKey == "" {
		return nil, fmt.Errorf("one of --oidc-issuer or --static-jwt-key is required")
	}
	return identity.NewStaticJWTVerifier([]byte(cfg.staticJWTKey), "pairwire-broker"), nil
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
