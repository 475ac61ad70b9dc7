// Package main provides the standalone HTTP server for querypilot.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/querypilot/querypilot/internal/config"
	"github.com/querypilot/querypilot/internal/llm"
	"github.com/querypilot/querypilot/internal/metrics"
	"github.com/querypilot/querypilot/internal/pipeline"
	"github.com/querypilot/querypilot/internal/server"
	"github.com/querypilot/querypilot/internal/store"
)

const version = "0.1.0"

func main() {
	// Parse flags
	wipeDB := flag.Bool("wipe", false, "wipe all data from the store on startup (testing only)")
	flag.Parse()

	// Load configuration
	cfg := config.Load()

	// Setup logger (dual output: stderr text + file JSON)
	logger, cleanup := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	defer cleanup()

	logger.Info("querypilot-server starting",
		"version", version,
		"surrealdb_url", cfg.SurrealDBURL,
		"llm_provider", cfg.LLMProvider,
		"llm_model", cfg.LLMModel,
	)

	// Handle shutdown signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to the catalog/message store
	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	storeClient, err := store.NewClient(connectCtx, store.Config{
		URL:       cfg.SurrealDBURL,
		Namespace: cfg.SurrealDBNamespace,
		Database:  cfg.SurrealDBDatabase,
		Username:  cfg.SurrealDBUser,
		Password:  cfg.SurrealDBPass,
		AuthLevel: cfg.SurrealDBAuthLevel,
	}, logger)
	cancel()
	if err != nil {
		logger.Error("failed to connect to store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := storeClient.Close(context.Background()); err != nil {
			logger.Error("failed to close store", "error", err)
		}
	}()

	if err := storeClient.InitSchema(ctx); err != nil {
		logger.Error("failed to initialize schema", "error", err)
		os.Exit(1)
	}

	// Wipe store if requested (via flag or env var)
	if *wipeDB || os.Getenv("QUERYPILOT_WIPE_DB") == "true" {
		if err := storeClient.WipeData(ctx); err != nil {
			logger.Error("failed to wipe store", "error", err)
			os.Exit(1)
		}
		logger.Warn("store wiped on startup")
	}

	// Build the pipeline
	gateway, err := llm.NewGateway(cfg)
	if err != nil {
		logger.Error("failed to init llm gateway", "error", err)
		os.Exit(1)
	}

	collector := metrics.NewCollector()
	executor := pipeline.NewQueryExecutor(logger)
	defer executor.Close()

	coordinator := pipeline.NewCoordinator(
		pipeline.NewComplianceGate(gateway, cfg.ComplianceModel, cfg.ComplianceThreshold, logger),
		pipeline.NewSchemaRetriever(gateway, cfg.SchemaRAGModel, logger),
		pipeline.NewSQLSynthesizer(gateway, cfg.SQLModel, logger),
		executor,
		pipeline.NewAnswerComposer(gateway, cfg.AnswerModel, cfg.AnswerTokenBudget, logger),
		cfg.MaxAgentAttempts,
		cfg.MaxExecutionAttempts,
		collector,
		logger,
	)

	planner := pipeline.NewChartPlanner(gateway, cfg.ChartsModel, cfg.AnswerTokenBudget, cfg.MaxAgentAttempts, logger)
	srv := server.New(coordinator, storeClient, planner, collector, cfg.HistoryQuestionCount, logger)
	if err := srv.Run(ctx, cfg.ServerPort); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}
