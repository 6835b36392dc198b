// crewd runtime server — receives work items through plugin channels, fans
// them out to per-agent lanes, and runs the dispatch, outbox, and routine
// workers behind the operator HTTP API.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/crewhq/crewd/pkg/api"
	"github.com/crewhq/crewd/pkg/config"
	"github.com/crewhq/crewd/pkg/control"
	"github.com/crewhq/crewd/pkg/database"
	"github.com/crewhq/crewd/pkg/dispatch"
	"github.com/crewhq/crewd/pkg/intake"
	"github.com/crewhq/crewd/pkg/outbox"
	"github.com/crewhq/crewd/pkg/plugins"
	"github.com/crewhq/crewd/pkg/routines"
	"github.com/crewhq/crewd/pkg/runner"
	"github.com/crewhq/crewd/pkg/secrets"
	"github.com/crewhq/crewd/pkg/steering"
	"github.com/crewhq/crewd/pkg/store"
	"github.com/crewhq/crewd/pkg/telemetry"
	"github.com/crewhq/crewd/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolveWorkerID determines the worker identifier recorded on claimed
// leases and zombie-report rows, so operators can tell which replica held a
// dispatch. Priority: WORKER_ID env > HOSTNAME env > "local"
func resolveWorkerID() string {
	if id := os.Getenv("WORKER_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	// Parse command-line flags
	configPath := flag.String("config",
		getEnv("CREWD_CONFIG", "./deploy/crewd.yaml"),
		"Path to configuration file")
	flag.Parse()

	// Load the .env file sitting next to the config file
	envPath := filepath.Join(filepath.Dir(*configPath), ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	workerID := resolveWorkerID()
	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configPath)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Initialize tracing (no-op unless an OTLP endpoint is configured)
	shutdownTracing, err := telemetry.Init(ctx, version.AppName, version.Full())
	if err != nil {
		slog.Error("Failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Error("Error flushing traces", "error", err)
		}
	}()

	// 3. Initialize database (runs embedded migrations)
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database", "error", err)
		}
	}()
	slog.Info("Database initialized", "database", dbConfig.Database)

	// 4. Build the secrets box guarding instance credential columns.
	// Without a configured key an ephemeral one is generated: fine for
	// local runs, but secrets sealed with it are unreadable after restart.
	encKey := os.Getenv("CREWD_ENCRYPTION_KEY")
	if encKey == "" {
		encKey, err = secrets.GenerateKey()
		if err != nil {
			slog.Error("Failed to generate encryption key", "error", err)
			os.Exit(1)
		}
		slog.Warn("CREWD_ENCRYPTION_KEY not set, using an ephemeral key; " +
			"plugin instance credentials will not survive a restart")
	}
	box, err := secrets.NewBox(encKey)
	if err != nil {
		slog.Error("Invalid CREWD_ENCRYPTION_KEY", "error", err)
		os.Exit(1)
	}

	st := store.New(dbClient, box)

	// 5. Register channel handlers and build intake
	registry := plugins.NewRegistry()
	for _, h := range []plugins.ChannelHandler{
		plugins.NewChatHandler(),
		plugins.NewWebhookHandler(st),
	} {
		if err := registry.Register(h); err != nil {
			slog.Error("Failed to register channel handler", "error", err)
			os.Exit(1)
		}
	}
	hooks := plugins.NewHooks(st)
	intakeSvc := intake.NewService(st, hooks, registry, cfg.Lanes, cfg.Outbox.MaxRelayDepth)

	// 6. Register condition probes
	probes := routines.NewProbeRegistry()
	if err := routines.RegisterBuiltinProbes(probes, cfg.GitHub, os.Getenv(cfg.GitHub.TokenEnv)); err != nil {
		slog.Error("Failed to register condition probes", "error", err)
		os.Exit(1)
	}
	slog.Info("Condition probes registered", "probes", probes.Names())

	// 7. Build the control plane and workers. The stub runner keeps the
	// whole pipeline exercisable until a real agent backend is wired.
	active := dispatch.NewActiveSet()
	controlSvc := control.NewService(st, active)

	dispatchWorker := dispatch.NewWorker(workerID, dispatch.Deps{
		Store:    st,
		Runner:   runner.NewStub(),
		Registry: registry,
		Arbiter:  steering.NewRuleArbiter(cfg.Steering),
		Runtime:  cfg.Runtime,
		Lanes:    cfg.Lanes,
		Steering: cfg.Steering,
		Active:   active,
	})
	outboxWorker := outbox.NewWorker(outbox.Deps{
		Store:    st,
		Registry: registry,
		Hooks:    hooks,
		Relay:    intakeSvc,
		Outbox:   cfg.Outbox,
	})
	scheduler := routines.NewScheduler(routines.SchedulerDeps{
		Store:    st,
		Intake:   intakeSvc,
		Probes:   probes,
		Routines: cfg.Routines,
	})
	eventWorker := routines.NewEventWorker(routines.EventWorkerDeps{
		Store:    st,
		Intake:   intakeSvc,
		Routines: cfg.Routines,
	})

	recovery := control.NewRecovery(control.RecoveryDeps{
		Store:    st,
		Runtime:  cfg.Runtime,
		Routines: cfg.Routines,
	})
	rt := control.NewRuntime(control.RuntimeDeps{
		Dispatch:  dispatchWorker,
		Outbox:    outboxWorker,
		Scheduler: scheduler,
		Events:    eventWorker,
		Recovery:  recovery,
		Sweeper:   control.NewSweeper(st, cfg.Retention),
		Runtime:   cfg.Runtime,
	})

	// 8. Start the runtime. Startup recovery must settle stale leases
	// before any worker claims, so a failure here is fatal.
	if err := rt.Start(ctx); err != nil {
		slog.Error("Failed to start runtime", "error", err)
		os.Exit(1)
	}

	// 9. Start HTTP server (non-blocking)
	apiServer := api.NewServer(api.Deps{
		Store:     st,
		Intake:    intakeSvc,
		Control:   controlSvc,
		Recovery:  recovery,
		Registry:  registry,
		Probes:    probes,
		Config:    cfg,
		Dispatch:  dispatchWorker,
		Outbox:    outboxWorker,
		Scheduler: scheduler,
		Events:    eventWorker,
		BaseURL:   os.Getenv("APP_BASE_URL"),
		Version:   version.Full(),
	})
	httpPort := getEnv("HTTP_PORT", strconv.Itoa(cfg.Server.Port))
	httpServer := &http.Server{
		Addr:              ":" + httpPort,
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("crewd started successfully",
		"worker_id", workerID,
		"version", version.Full(),
		"max_concurrent_dispatches", cfg.Runtime.MaxConcurrentDispatches)

	// 10. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 11. Graceful shutdown: close the front door first so the drain is
	// not racing new intake, then stop the workers and drain active runs.
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	rt.Shutdown(ctx)

	slog.Info("Shutdown complete")
}
