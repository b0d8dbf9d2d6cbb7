// Trailmarks Relay - Real-time presence and chat for the Trailmarks map app
// SPDX-License-Identifier: MIT

// Package main is the entry point for the Trailmarks relay server.
//
// The relay is the real-time backend for the Trailmarks map application:
// it accepts websocket connections, authenticates them in-band with the
// session JWT issued by the account API, maintains a live presence set,
// and routes chat messages (broadcast and label-addressed) between
// connected users.
//
// # Startup order
//
//  1. Configuration: Koanf v2 layered sources (defaults, config.yaml,
//     environment variables)
//  2. Logging: zerolog, console or JSON format
//  3. Account replica: local BadgerDB read replica of the account
//     directory, wrapped in a circuit breaker
//  4. Relay engine: the single-loop presence and routing core
//  5. HTTP server: chi router exposing /api/v1/ws, health probes,
//     /api/v1/presence, and /metrics
//
// Engine and HTTP server run under a suture supervision tree; either one
// crashing restarts in isolation.
//
// # Configuration
//
// Required:
//   - JWT_SECRET: 32+ character secret shared with the account API
//
// Common:
//   - PORT: listen port (default 4000)
//   - FRONTEND_ORIGIN: allowed browser origin(s), comma separated
//   - RELAY_ACCOUNTS_STORE_PATH: BadgerDB replica path
//   - RELAY_ACCOUNTS_IN_MEMORY=true: ephemeral replica for development
//
// # Signal handling
//
// SIGINT and SIGTERM trigger graceful shutdown: the HTTP server drains
// in-flight requests (10s timeout) and the engine closes every websocket
// connection.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/trailmarks/relay/internal/api"
	"github.com/trailmarks/relay/internal/config"
	"github.com/trailmarks/relay/internal/identity"
	"github.com/trailmarks/relay/internal/logging"
	"github.com/trailmarks/relay/internal/relay"
	"github.com/trailmarks/relay/internal/supervisor"
	"github.com/trailmarks/relay/internal/supervisor/services"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	logging.Info().
		Int("port", cfg.Server.Port).
		Strs("origins", cfg.Security.CORSOrigins).
		Bool("accounts_in_memory", cfg.Accounts.InMemory).
		Msg("Starting Trailmarks relay")

	// Account directory replica. In-memory mode serves development and
	// tests; production points at the synced on-disk replica.
	db, err := openAccountDB(cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open account replica")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing account replica")
		}
	}()

	var accounts identity.AccountStore = identity.NewBadgerAccountStore(db)
	if cfg.Accounts.BreakerEnabled {
		accounts = identity.NewBreakerAccountStore(accounts)
	}

	verifier, err := identity.NewJWTVerifier(cfg.Security.JWTSecret, cfg.Security.TokenTTL)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create token verifier")
	}
	resolver := identity.NewResolver(verifier, accounts)

	engine := relay.NewEngine(resolver, relay.Options{
		MaxMessageChars: cfg.Chat.MaxMessageChars,
		ResolveTimeout:  cfg.Chat.ResolveTimeout,
	})

	handler := api.NewHandler(engine, verifier, cfg)
	router := api.NewRouter(handler, cfg)

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: cfg.Server.Timeout,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Bridge zerolog to slog for sutureslog.
	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddRelayService(services.NewEngineService(engine))
	tree.AddAPIService(services.NewHTTPServerService(server, 10*time.Second))
	logging.Info().Str("addr", server.Addr).Msg("HTTP server service added")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("Relay stopped gracefully")
}

// openAccountDB opens the BadgerDB account replica per configuration.
// Badger's own logging is routed away; the relay logs lifecycle events
// itself.
func openAccountDB(cfg *config.Config) (*badger.DB, error) {
	var opts badger.Options
	if cfg.Accounts.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(cfg.Accounts.StorePath)
	}
	opts = opts.WithLogger(nil)

	return badger.Open(opts)
}
