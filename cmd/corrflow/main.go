// Corrflow engine server: deploys compiled workflows, correlates trigger
// events through FSM instances, and reacts to matches with handler pipelines.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/corrflow/corrflow/pkg/api"
	"github.com/corrflow/corrflow/pkg/approval"
	"github.com/corrflow/corrflow/pkg/audit"
	"github.com/corrflow/corrflow/pkg/bus"
	"github.com/corrflow/corrflow/pkg/config"
	"github.com/corrflow/corrflow/pkg/connector"
	"github.com/corrflow/corrflow/pkg/dispatch"
	"github.com/corrflow/corrflow/pkg/fsm"
	"github.com/corrflow/corrflow/pkg/llm"
	"github.com/corrflow/corrflow/pkg/pipeline"
	"github.com/corrflow/corrflow/pkg/sandbox"
	"github.com/corrflow/corrflow/pkg/statestore"
	"github.com/corrflow/corrflow/pkg/version"
	"github.com/corrflow/corrflow/pkg/window"
)

const shutdownTimeout = 15 * time.Second

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting corrflow",
		"version", version.Full(),
		"node_id", cfg.System.NodeID,
		"http_port", cfg.System.HTTPPort)

	// 2. Core infrastructure: trigger bus, window manager, state store
	triggerBus := bus.New()
	windows := window.NewManager()

	var store statestore.Store
	if cfg.StateStore.Disabled {
		store = statestore.NewNoop()
		slog.Info("State store disabled by configuration")
	} else {
		store = statestore.New(ctx, cfg.StateStore.Addr, cfg.StateStore.Password(), cfg.StateStore.DB)
	}

	// 3. Approval coordinator (with optional Slack notifications)
	var notifier approval.Notifier
	if slack := cfg.System.Slack; slack != nil && slack.Enabled {
		notifier = approval.NewSlackNotifier(slack.Token(), slack.Channel)
		slog.Info("Slack approval notifications enabled", "channel", slack.Channel)
	}
	coordinator := approval.NewCoordinator(triggerBus, notifier)

	// 4. Connector dispatcher
	connectors := connector.NewDispatcher(cfg.IntegrationRegistry(), connector.PlaintextCredentials{})

	// 5. LLM caller and multi-stage runner
	caller := llm.NewCaller(cfg.BuildProviders())
	multi := llm.NewRunner(caller, nil)

	// 6. Pipeline executor and propagated-event dispatcher
	eval := sandbox.NewEvaluator()
	executor := pipeline.NewExecutor(eval, connectors, caller, multi, coordinator)
	auditLog := audit.NewLog(0)
	dispatcher := dispatch.NewDispatcher(eval, executor, nil, nil, auditLog)

	// 7. FSM runtime
	runtime := fsm.NewRuntime(fsm.Config{
		NodeID:     cfg.System.NodeID,
		Bus:        triggerBus,
		Windows:    windows,
		Store:      store,
		Sink:       dispatcher,
		Gates:      coordinator,
		LLM:        caller,
		Connectors: connectors,
	})
	go runtime.Run(ctx)

	// 8. HTTP server (non-blocking)
	httpServer := api.NewServer(coordinator, runtime, dispatcher)
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.System.HTTPPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Corrflow started successfully", "node_id", cfg.System.NodeID)

	// 9. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 10. Graceful shutdown: stop ingress first, then drain the engine
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP server shutdown incomplete", "error", err)
	}
	cancel()
	triggerBus.Close()
	runtime.Shutdown()
	coordinator.Shutdown()
	windows.Shutdown()

	slog.Info("Corrflow stopped")
}
