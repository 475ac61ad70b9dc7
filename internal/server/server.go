// Package server exposes the chat pipeline over HTTP: an SSE streaming
// endpoint, a websocket variant, turn cancellation, and a metrics snapshot.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/querypilot/querypilot/internal/metrics"
	"github.com/querypilot/querypilot/internal/models"
	"github.com/querypilot/querypilot/internal/pipeline"
	"github.com/querypilot/querypilot/internal/schema"
)

// Runner executes one pipeline turn. Satisfied by *pipeline.Coordinator
// and by test doubles.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request, emit pipeline.EmitFunc) (*pipeline.Outcome, error)
}

// ChartPlanner renders a chart configuration for a completed turn.
// Satisfied by *pipeline.ChartPlanner and by test doubles.
type ChartPlanner interface {
	Plan(ctx context.Context, question, language string, result json.RawMessage) (string, error)
}

// TurnStore is the slice of the catalog/message store the server needs.
// Satisfied by *store.Client.
type TurnStore interface {
	GetApplication(ctx context.Context, name string) (*models.Application, error)
	GetCatalog(ctx context.Context, application string) (schema.Descriptor, error)
	ListExamples(ctx context.Context, application string) ([]models.FewShotExample, error)
	GetEnabledModel(ctx context.Context, application string) (*models.FineTunedModel, error)
	CreateMessage(ctx context.Context, id, application, taskID, question string) (*models.Message, error)
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	SaveChartOption(ctx context.Context, id, option string) error
	CompleteMessage(ctx context.Context, id string, answer models.Answer, optimizedQuestion string, sqlList []string, validSQL, queryResult string, stepTimes map[string]float64) error
	CancelMessage(ctx context.Context, id string, answer models.Answer) error
	IsCancelled(ctx context.Context, id string) (bool, error)
	RecentQuestions(ctx context.Context, application string, count int) ([]string, error)
}

// Server wires the pipeline and store behind the HTTP surface.
type Server struct {
	runner       Runner
	store        TurnStore
	charts       ChartPlanner
	collector    *metrics.Collector
	historyCount int
	logger       *slog.Logger
}

// New creates a server. collector may be nil, in which case /api/stats
// reports an empty snapshot.
func New(runner Runner, store TurnStore, charts ChartPlanner, collector *metrics.Collector, historyCount int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if collector == nil {
		collector = metrics.NewCollector()
	}
	return &Server{
		runner:       runner,
		store:        store,
		charts:       charts,
		collector:    collector,
		historyCount: historyCount,
		logger:       logger,
	}
}

// Handler returns the routed HTTP handler with logging middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("GET /api/chat/ws", s.handleChatWS)
	mux.HandleFunc("POST /api/chat/cancel", s.handleCancel)
	mux.HandleFunc("POST /api/chat/chart", s.handleChart)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return LoggingMiddleware(s.logger)(mux)
}

// Run serves on the given port until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context, port string) error {
	httpServer := &http.Server{
		Addr:        ":" + port,
		Handler:     s.Handler(),
		ReadTimeout: 5 * time.Second,
		// No WriteTimeout: answer streams are open-ended LLM responses.
		IdleTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("chat endpoint available", "url", fmt.Sprintf("http://localhost:%s/api/chat", port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.collector.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
