package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/querypilot/querypilot/internal/config"
	"github.com/querypilot/querypilot/internal/metrics"
	"github.com/querypilot/querypilot/internal/server"
	"github.com/spf13/cobra"
)

var servePort string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP chat server",
	Long: `Run the HTTP server exposing the chat pipeline: SSE streaming at
POST /api/chat, a websocket variant at GET /api/chat/ws, turn cancellation
at POST /api/chat/cancel, and a metrics snapshot at GET /api/stats.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&servePort, "port", "p", "", "listen port (default from config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, cleanup := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	defer cleanup()

	collector := metrics.NewCollector()
	coordinator, executor, planner, err := buildCoordinator(collector, logger)
	if err != nil {
		return err
	}
	defer executor.Close()

	port := servePort
	if port == "" {
		port = cfg.ServerPort
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting querypilot server", "port", port)
	srv := server.New(coordinator, storeClient, planner, collector, cfg.HistoryQuestionCount, logger)
	return srv.Run(ctx, port)
}
