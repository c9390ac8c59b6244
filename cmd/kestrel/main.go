// Kestrel outbound calling server: runs the campaign engine, bridges live
// call audio to the conversational AI provider, and serves the HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kestrelcall/kestrel/pkg/api"
	"github.com/kestrelcall/kestrel/pkg/bridge"
	"github.com/kestrelcall/kestrel/pkg/bus"
	"github.com/kestrelcall/kestrel/pkg/cleanup"
	"github.com/kestrelcall/kestrel/pkg/config"
	"github.com/kestrelcall/kestrel/pkg/crm"
	"github.com/kestrelcall/kestrel/pkg/database"
	"github.com/kestrelcall/kestrel/pkg/elevenlabs"
	"github.com/kestrelcall/kestrel/pkg/engine"
	"github.com/kestrelcall/kestrel/pkg/hub"
	"github.com/kestrelcall/kestrel/pkg/services"
	"github.com/kestrelcall/kestrel/pkg/store"
	"github.com/kestrelcall/kestrel/pkg/telephony"
	"github.com/kestrelcall/kestrel/pkg/termination"
	"github.com/kestrelcall/kestrel/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	// Parse command-line flags
	envFile := flag.String("env-file",
		getEnv("ENV_FILE", ".env"),
		"Path to environment file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load env file, continuing with existing environment",
			"path", *envFile, "error", err)
	} else {
		slog.Info("Loaded environment", "path", *envFile)
	}

	ctx := context.Background()

	// 1. Load and validate configuration
	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting Kestrel",
		"version", version.Full(),
		"host", cfg.Server.Host,
		"port", cfg.Server.Port)

	// 2. Connect to PostgreSQL (runs migrations)
	dbConfig := database.DefaultConfig(cfg.Store.URI)
	dbConfig.MaxOpenConns = cfg.Store.MaxOpenConns
	dbConfig.MaxIdleConns = cfg.Store.MaxIdleConns

	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	st := store.New(dbClient)

	// 3. In-process event bus and hangup attribution arbiter
	eventBus := bus.New()
	arbiter := termination.New(st)

	// 4. Provider clients: conversational AI and telephony gateway
	aiClient := elevenlabs.NewClient(cfg.AI)
	gateway := telephony.NewGateway(
		telephony.NewClient(cfg.Telephony),
		aiClient, st, arbiter, eventBus, cfg.Server.PublicURL,
	)
	slog.Info("Provider clients initialized")

	// 5. Media bridge and dashboard hub
	bridgeManager := bridge.NewManager(st, eventBus, aiClient, gateway, cfg.Bridge)
	dashboard := hub.New(eventBus, hub.NewStoreSnapshots(st))

	// 6. Campaign engine and domain services
	eng := engine.New(st, gateway, eventBus, cfg.Dialer, cfg.Sweeper.LockTTL)
	eng.Start(ctx)

	campaignService := services.NewCampaignService(st, eng, eventBus, cfg.Dialer)
	callService := services.NewCallService(st, gateway, bridgeManager, arbiter)
	slog.Info("Services initialized")

	// 7. CRM notifier (nil and inert when the webhook is disabled)
	notifier := crm.New(cfg.CRM, st)
	if notifier != nil {
		slog.Info("CRM webhook enabled", "url", cfg.CRM.WebhookURL)
	}

	// 8. Startup recovery: sweep leftover contact claims and stale calls
	// from a previous run before the engine re-arms active campaigns.
	sweeper := cleanup.NewService(st, arbiter, eventBus, cfg.Sweeper, cfg.Bridge.DurationCap)
	sweeper.RunOnce(ctx)

	restored, err := eng.RestoreActive(ctx)
	if err != nil {
		slog.Error("Failed to restore active campaigns", "error", err)
		// Non-fatal: campaigns can be resumed through the API
	} else if restored > 0 {
		slog.Info("Restored active campaigns", "count", restored)
	}
	sweeper.Start(ctx)

	// 9. Create HTTP server
	httpServer := api.NewServer(cfg.Server, cfg.AI.WebhookSecret, api.Deps{
		DB:        dbClient,
		Store:     st,
		Bus:       eventBus,
		Campaigns: campaignService,
		Calls:     callService,
		Arbiter:   arbiter,
		Bridge:    bridgeManager,
		Hub:       dashboard,
		CRM:       notifier,
	})

	// 10. Start HTTP server (non-blocking)
	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Kestrel started successfully", "public_url", cfg.Server.PublicURL)

	// 11. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 12. Graceful shutdown: stop intake first, then drain in dependency order
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	// Engine stops dial loops; calls already placed keep their bridges.
	eng.Shutdown(shutdownCtx)

	// Give live media sessions a short grace window to close cleanly.
	bridgeCtx, bridgeCancel := context.WithTimeout(ctx, 2*time.Second)
	defer bridgeCancel()
	bridgeManager.Shutdown(bridgeCtx)

	sweeper.Stop()
	dashboard.Shutdown()

	slog.Info("Shutdown complete")
}
