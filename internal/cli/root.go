// Package cli provides the command-line interface for querypilot.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/querypilot/querypilot/internal/config"
	"github.com/querypilot/querypilot/internal/llm"
	"github.com/querypilot/querypilot/internal/metrics"
	"github.com/querypilot/querypilot/internal/pipeline"
	"github.com/querypilot/querypilot/internal/store"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose bool

	// Global config and store client
	cfg         config.Config
	storeClient *store.Client
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "querypilot",
	Short: "Natural-language questions against your SQL databases",
	Long: `Querypilot turns natural-language questions into validated SQL against a
configured relational database and answers with the query, its result, and
a natural-language summary.

Configure an application (a database plus its table catalog and few-shot
examples), then ask questions against it.`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip store connection for commands that only talk to a server
		switch cmd.Name() {
		case "version", "help", "stats", "cancel":
			return nil
		}
		if cmd.Name() == "ask" && askServer != "" {
			return nil
		}

		cfg = config.Load()

		ctx := context.Background()
		storeCfg := store.Config{
			URL:       cfg.SurrealDBURL,
			Namespace: cfg.SurrealDBNamespace,
			Database:  cfg.SurrealDBDatabase,
			Username:  cfg.SurrealDBUser,
			Password:  cfg.SurrealDBPass,
			AuthLevel: cfg.SurrealDBAuthLevel,
		}

		var err error
		storeClient, err = store.NewClient(ctx, storeCfg, nil)
		if err != nil {
			return fmt.Errorf("connect to store: %w", err)
		}

		if err := storeClient.InitSchema(ctx); err != nil {
			return fmt.Errorf("initialize schema: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if storeClient != nil {
			if err := storeClient.Close(context.Background()); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close store: %v\n", err)
			}
		}
	},
}

// buildCoordinator wires the pipeline stages from config. The returned
// executor owns target-database connection pools and must be closed.
func buildCoordinator(collector *metrics.Collector, logger *slog.Logger) (*pipeline.Coordinator, *pipeline.QueryExecutor, *pipeline.ChartPlanner, error) {
	gateway, err := llm.NewGateway(cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init llm gateway: %w", err)
	}

	executor := pipeline.NewQueryExecutor(logger)
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
	return coordinator, executor, planner, nil
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	// Add subcommands
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(appsCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(cancelCmd)
}

// exitWithError prints an error message and exits with code 1.
func exitWithError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
