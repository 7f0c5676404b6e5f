package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/covenant-sec/covenant/internal/api"
	"github.com/covenant-sec/covenant/internal/config"
	"github.com/covenant-sec/covenant/internal/events"
	"github.com/covenant-sec/covenant/internal/ledger"
	"github.com/covenant-sec/covenant/internal/metrics"
	"github.com/covenant-sec/covenant/internal/model"
	"github.com/covenant-sec/covenant/internal/policy"
	"github.com/covenant-sec/covenant/internal/review"
	"github.com/covenant-sec/covenant/internal/rulestore"
	"github.com/covenant-sec/covenant/internal/sandbox"
)

func main() {
	// Initialize logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	logger.Info("Starting Covenant constitutional policy service")

	cfg := config.Load()
	logger.Info("Configuration loaded",
		"http_addr", cfg.HTTPAddr,
		"nats_url", cfg.NATSURL,
		"rules_file", cfg.RulesFile,
		"sandbox_policy", cfg.SandboxPolicy,
		"eval_timeout", cfg.EvalTimeout,
		"cache_ttl", cfg.CacheTTL,
		"cache_scope", cfg.CacheScope,
		"sweep_interval", cfg.SweepInterval,
		"db_host", cfg.DBHost)

	// Connect to NATS when configured; the router falls back to in-process
	// fan-out otherwise.
	var nc *nats.Conn
	if cfg.NATSURL != "" {
		var err error
		nc, err = nats.Connect(cfg.NATSURL)
		if err != nil {
			logger.Error("Failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer nc.Close()
		logger.Info("Connected to NATS")
	}

	prometheusMetrics := metrics.NewMetrics()

	var natsPublisher events.Publisher
	if nc != nil {
		natsPublisher = nc
	}
	router := events.NewRouter(natsPublisher, prometheusMetrics, logger)

	// Optional Postgres persistence for rules and the audit chain.
	var auditSink ledger.Sink
	var ruleMirror *rulestore.PostgresStore
	if cfg.DBHost != "" {
		pgSink, err := ledger.NewPostgresSink(cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName, logger)
		if err != nil {
			logger.Error("Failed to connect audit sink to Postgres", "error", err)
			os.Exit(1)
		}
		defer pgSink.Close()
		if err := pgSink.InitSchema(); err != nil {
			logger.Error("Failed to init audit schema", "error", err)
			os.Exit(1)
		}
		auditSink = pgSink

		ruleMirror, err = rulestore.NewPostgresStore(cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName, logger)
		if err != nil {
			logger.Error("Failed to connect rule store to Postgres", "error", err)
			os.Exit(1)
		}
		defer ruleMirror.Close()
		if err := ruleMirror.InitSchema(); err != nil {
			logger.Error("Failed to init rule schema", "error", err)
			os.Exit(1)
		}
		logger.Info("Postgres persistence enabled", "db", cfg.DBName)
	}

	auditLog := ledger.NewLedger(auditSink, prometheusMetrics, logger)
	events.NewAuditBridge(router, auditLog, logger)

	ruleStore := rulestore.NewStore(logger)
	if ruleMirror != nil {
		mirror := ruleMirror
		ruleStore.Subscribe(func(rule model.PolicyRule) {
			if err := mirror.SaveRule(rule); err != nil {
				logger.Error("Failed to persist rule", "name", rule.Name, "error", err)
			}
		})
	}

	if ruleMirror != nil {
		persisted, err := ruleMirror.LoadRules()
		if err != nil {
			logger.Error("Failed to load persisted rules", "error", err)
			os.Exit(1)
		}
		// Rehydrate with the persisted IDs, versions, and active flags
		// intact; re-publishing would renumber every rule to version 1.
		ruleStore.Restore(persisted)
		logger.Info("Persisted rules restored", "count", len(persisted))
	}

	if err := rulestore.LoadFile(ruleStore, cfg.RulesFile, logger); err != nil {
		logger.Error("Failed to load rules file", "error", err)
		os.Exit(1)
	}
	prometheusMetrics.RulesActive.Set(float64(ruleStore.ActiveCount()))

	evaluator := policy.NewEvaluator(ruleStore, router, cfg, prometheusMetrics, logger)

	coordinator := review.NewCoordinator(router, prometheusMetrics, logger)
	coordinator.StartSweep(cfg.SweepInterval)
	defer coordinator.StopSweep()

	sandboxPolicy, err := sandbox.LoadPolicy(cfg.SandboxPolicy, logger)
	if err != nil {
		logger.Error("Failed to load sandbox policy", "error", err)
		os.Exit(1)
	}

	var containment sandbox.Containment
	if nc != nil {
		containment = sandbox.NewNATSContainment(nc, "", 5*time.Second, logger)
	} else {
		containment = sandbox.NewLocalContainment(logger)
	}
	detector := sandbox.NewDetector(sandboxPolicy, containment, router, coordinator, prometheusMetrics, logger)

	server := api.NewServer(ruleStore, evaluator, auditLog, detector, coordinator)

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: server.Handler(),
	}

	go func() {
		logger.Info("Starting HTTP server", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Covenant service started successfully")
	<-sigChan

	logger.Info("Shutting down covenant service...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	logger.Info("Covenant service stopped")
}
