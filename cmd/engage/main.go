// Engage server — ingests behavioral events over WebSocket, scores live
// e-commerce sessions, and dispatches interventions.
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

	"github.com/engagekit/engage/pkg/api"
	"github.com/engagekit/engage/pkg/batch"
	"github.com/engagekit/engage/pkg/clock"
	"github.com/engagekit/engage/pkg/config"
	"github.com/engagekit/engage/pkg/database"
	"github.com/engagekit/engage/pkg/eval"
	"github.com/engagekit/engage/pkg/events"
	"github.com/engagekit/engage/pkg/experiment"
	"github.com/engagekit/engage/pkg/ingest"
	"github.com/engagekit/engage/pkg/intervention"
	"github.com/engagekit/engage/pkg/jobs"
	"github.com/engagekit/engage/pkg/llm"
	"github.com/engagekit/engage/pkg/mswim"
	"github.com/engagekit/engage/pkg/sessions"
	"github.com/engagekit/engage/pkg/slack"
	"github.com/engagekit/engage/pkg/store/postgres"
	"github.com/engagekit/engage/pkg/training"
	"github.com/engagekit/engage/pkg/version"
	"github.com/engagekit/engage/pkg/ws"
)

// analystMaxTokens bounds one scoring completion. The verdict JSON is
// small; this leaves headroom for verbose narratives.
const analystMaxTokens = 1024

// evalDrainGrace bounds the wait for in-flight evaluations at shutdown.
const evalDrainGrace = 30 * time.Second

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

	httpPort := getEnv("HTTP_PORT", "8080")
	logger := slog.Default()

	slog.Info("Starting engage",
		"version", version.Full(),
		"http_port", httpPort,
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(*configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Initialize database (runs embedded migrations)
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}

	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbClient.Close()
	slog.Info("Connected to PostgreSQL database")

	db := postgres.New(dbClient.Pool())
	clk := clock.System{}
	warnings := api.NewWarnings()

	// 3. Session lifecycle service with idle sweeper
	sessionService := sessions.NewService(db.Sessions(), clk, logger)
	sessionService.Start()
	defer sessionService.Stop()

	// 4. Scoring stack: friction catalog, MSWIM engine, config resolution,
	// experiment assignment
	catalog := mswim.NewCatalog(cfg.Frictions)
	engine := mswim.NewEngine(catalog)
	configResolver := mswim.NewConfigResolver(db.ScoringConfigs(), logger)
	experimentResolver := experiment.NewResolver(db.Experiments(), clk, cfg.Experiments.Enabled, logger)
	analyst := llm.NewAnthropicAnalyst(cfg.LLM.Model, analystMaxTokens, logger)
	slog.Info("Scoring stack initialized",
		"engine", cfg.Evaluation.Engine,
		"llm_model", cfg.LLM.Model,
		"experiments_enabled", cfg.Experiments.Enabled)

	// 5. Transport registry and cross-pod broadcast. Frames ride Postgres
	// NOTIFY so clients attached to other pods receive them too; if the
	// LISTEN connection cannot start, delivery degrades to this pod only.
	registry := ws.NewRegistry(ws.DefaultWriteTimeout, logger)
	broadcaster := events.NewFanout(registry, nil, logger)
	listener := events.NewNotifyListener(dbConfig.DSN(), []string{ws.ChannelWidget, ws.ChannelDashboard}, registry, logger)
	if err := listener.Start(ctx); err != nil {
		warnings.Add(api.WarningCategoryEvents,
			"Cross-pod broadcast disabled",
			"LISTEN connection failed: "+err.Error(), "notify_listener")
		slog.Warn("Cross-pod broadcast disabled, delivering frames locally only", "error", err)
		listener = nil
	} else {
		broadcaster = events.NewFanout(registry, events.NewNotifyPublisher(dbClient.Pool(), logger), logger)
	}

	// 6. Intervention writer and training snapshotter
	snapshotter := training.NewSnapshotter(db, clk, logger)
	dispatcher := intervention.NewDispatcher(db, broadcaster, snapshotter, clk, logger)

	// 7. Shadow comparator (rule-only pass mirroring LLM evaluations)
	var shadow *eval.Shadow
	if cfg.Shadow.Enabled {
		shadow = eval.NewShadow(db.Shadows(), engine, clk, logger)
		slog.Info("Shadow comparator enabled")
	}

	// 8. Evaluation coordinator and per-session batcher
	coordinator := eval.NewCoordinator(db, engine, configResolver, experimentResolver,
		analyst, shadow, dispatcher, broadcaster, clk,
		eval.Options{
			Engine:           cfg.Evaluation.Engine,
			MaxContextEvents: cfg.Evaluation.MaxContextEvents,
			LLMTimeout:       cfg.LLM.Timeout(),
		}, logger)
	batcher := batch.New(cfg.Evaluation.BatchInterval(), cfg.Evaluation.BatchMaxEvents,
		coordinator.Enqueue, logger)

	// 9. Ingest pipeline and frame routing
	ingestor := ingest.NewIngestor(sessionService, db, batcher, broadcaster, clk, logger)
	registry.SetHandler(api.NewFrameRouter(ingestor, dispatcher, registry, db.ScoringConfigs(), logger))

	// 10. Background jobs: drift detection, rollout health, nightly batch
	var notifier jobs.Notifier
	if sc := cfg.System.Slack; sc != nil && sc.Enabled {
		tokenEnv := sc.TokenEnv
		if tokenEnv == "" {
			tokenEnv = "SLACK_BOT_TOKEN"
		}
		if n := slack.NewNotifier(os.Getenv(tokenEnv), sc.Channel); n != nil {
			notifier = n
			slog.Info("Slack drift notifications enabled", "channel", sc.Channel)
		} else {
			warnings.Add(api.WarningCategorySlack,
				"Slack notifications enabled but not configured",
				"set "+tokenEnv+" and system.slack.channel", "notifier")
			slog.Warn("Slack enabled but token or channel missing, notifications disabled")
		}
	}

	detector := jobs.NewDetector(db, cfg.Drift, notifier, clk, logger)
	runner := jobs.NewRunner(db, detector, clk, cfg.Jobs.MaxRunDuration, logger)
	scheduler := jobs.NewScheduler(runner, cfg.Jobs, logger)
	scheduler.Start()

	// 11. HTTP server
	httpServer := api.NewServer(cfg, db, dbClient, registry, sessionService, runner, warnings, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(":" + httpPort); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Engage started successfully")

	// 12. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 13. Graceful shutdown: stop accepting frames, flush buffered batches,
	// drain in-flight evaluations, then stop the background machinery.
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	batcher.Close()
	if coordinator.Drain(evalDrainGrace) {
		slog.Info("Evaluations drained")
	} else {
		slog.Warn("Evaluation drain grace exceeded, abandoning in-flight work")
	}

	if shadow != nil {
		shadow.Stop()
	}
	scheduler.Stop()
	if listener != nil {
		listener.Stop(ctx)
	}

	slog.Info("Shutdown complete")
}
