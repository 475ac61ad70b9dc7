package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/querypilot/querypilot/internal/models"
	"github.com/querypilot/querypilot/internal/pipeline"
	"github.com/querypilot/querypilot/internal/store"
)

// cancelledMessage is the fixed answer attached to a cancelled turn.
const cancelledMessage = "The chat has been cancelled."

// chatRequest starts one turn. TaskID identifies the turn for
// cancellation; the server generates one when the client omits it.
type chatRequest struct {
	Application string `json:"application"`
	Question    string `json:"question"`
	TaskID      string `json:"task_id,omitempty"`
}

type cancelRequest struct {
	TaskID string `json:"task_id"`
}

// cancelledPayload replaces the in-flight answer once cancellation is
// observed. Distinct from the normal step-trace payload.
type cancelledPayload struct {
	Answer      models.Answer `json:"answer"`
	IsCancelled bool          `json:"is_cancelled"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local dev
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// handleChat streams the step trace as server-sent events, one JSON array
// per increment.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Application == "" || req.Question == "" {
		writeError(w, http.StatusBadRequest, "application and question are required")
		return
	}
	if req.TaskID == "" {
		req.TaskID = uuid.New().String()
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Task-ID", req.TaskID)

	send := func(v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	s.runTurn(r.Context(), req, send)
}

// handleChatWS streams the same payloads over a websocket connection.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	var req chatRequest
	if err := conn.ReadJSON(&req); err != nil {
		_ = conn.WriteJSON(map[string]string{"error": "invalid request"})
		return
	}
	if req.Application == "" || req.Question == "" {
		_ = conn.WriteJSON(map[string]string{"error": "application and question are required"})
		return
	}
	if req.TaskID == "" {
		req.TaskID = uuid.New().String()
	}

	s.runTurn(r.Context(), req, conn.WriteJSON)
}

// handleCancel flips the cancellation flag on an in-flight turn. The
// producer observes the flag at the next emission boundary.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TaskID == "" {
		writeError(w, http.StatusBadRequest, "task_id is required")
		return
	}

	answer := models.Answer{Summary: cancelledMessage, DisplayMode: pipeline.DisplayText}
	if err := s.store.CancelMessage(r.Context(), req.TaskID, answer); err != nil {
		s.logger.Error("cancel failed", "task_id", req.TaskID, "error", err)
		writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": req.TaskID, "is_cancelled": true})
}

// chartRequest asks for a chart configuration for a completed turn.
type chartRequest struct {
	TaskID   string `json:"task_id"`
	Language string `json:"language,omitempty"`
}

// handleChart renders the ECharts option for a completed turn and attaches
// it to the message's answer. A turn whose composer did not tag the answer
// for chart display is rejected.
func (s *Server) handleChart(w http.ResponseWriter, r *http.Request) {
	var req chartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TaskID == "" {
		writeError(w, http.StatusBadRequest, "task_id is required")
		return
	}

	message, err := s.store.GetMessage(r.Context(), req.TaskID)
	if err != nil {
		if store.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "unknown task")
			return
		}
		s.logger.Error("load message failed", "task_id", req.TaskID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if message.Answer == nil || message.Answer.DisplayMode != pipeline.DisplayChart {
		writeError(w, http.StatusBadRequest, "turn was not tagged for chart display")
		return
	}

	question := message.OptimizedQuestion
	if question == "" {
		question = message.Question
	}

	option, err := s.charts.Plan(r.Context(), question, req.Language, message.QueryResult)
	if err != nil {
		s.logger.Error("chart planning failed", "task_id", req.TaskID, "error", err)
		writeError(w, http.StatusInternalServerError, "chart planning failed")
		return
	}

	answer := *message.Answer
	if option != "" {
		answer.ChartOption = option
		if saveErr := s.store.SaveChartOption(r.Context(), req.TaskID, option); saveErr != nil {
			s.logger.Error("persist chart option failed", "task_id", req.TaskID, "error", saveErr)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"task_id":      req.TaskID,
		"answer":       answer,
		"is_cancelled": message.IsCancelled,
	})
}

// runTurn drives one chat turn: loads the application context, records
// the message, runs the pipeline with cancellation polled between
// emissions, and persists the outcome.
func (s *Server) runTurn(ctx context.Context, req chatRequest, send func(v any) error) {
	app, err := s.store.GetApplication(ctx, req.Application)
	if err != nil {
		if store.IsNotFound(err) {
			_ = send(map[string]string{"error": "unknown application"})
			return
		}
		s.logger.Error("load application failed", "application", req.Application, "error", err)
		_ = send(map[string]string{"error": "internal error"})
		return
	}

	catalog, err := s.store.GetCatalog(ctx, app.Name)
	if err != nil {
		s.logger.Error("load catalog failed", "application", app.Name, "error", err)
		_ = send(map[string]string{"error": "internal error"})
		return
	}
	examples, err := s.store.ListExamples(ctx, app.Name)
	if err != nil {
		s.logger.Error("load examples failed", "application", app.Name, "error", err)
		_ = send(map[string]string{"error": "internal error"})
		return
	}

	var fineTuned string
	if model, err := s.store.GetEnabledModel(ctx, app.Name); err != nil {
		s.logger.Warn("load fine-tuned model failed", "application", app.Name, "error", err)
	} else if model != nil {
		fineTuned = model.ModelName
	}

	history, err := s.store.RecentQuestions(ctx, app.Name, s.historyCount)
	if err != nil {
		s.logger.Warn("load question history failed", "application", app.Name, "error", err)
	}

	if _, err := s.store.CreateMessage(ctx, req.TaskID, app.Name, req.TaskID, req.Question); err != nil {
		s.logger.Error("create message failed", "task_id", req.TaskID, "error", err)
		_ = send(map[string]string{"error": "internal error"})
		return
	}

	emit := func(steps []pipeline.Step) error {
		cancelled, err := s.store.IsCancelled(ctx, req.TaskID)
		if err != nil {
			s.logger.Warn("cancellation check failed", "task_id", req.TaskID, "error", err)
		} else if cancelled {
			return pipeline.ErrCancelled
		}
		return send(steps)
	}

	outcome, err := s.runner.Run(ctx, pipeline.Request{
		App:            app,
		Catalog:        catalog,
		Examples:       examples,
		FineTunedModel: fineTuned,
		Question:       contextualQuestion(history, req.Question),
	}, emit)

	switch {
	case errors.Is(err, pipeline.ErrCancelled):
		// Persistence of the in-flight answer is suppressed; the message
		// keeps only the cancellation mark.
		answer := models.Answer{Summary: cancelledMessage, DisplayMode: pipeline.DisplayText}
		if cancelErr := s.store.CancelMessage(ctx, req.TaskID, answer); cancelErr != nil {
			s.logger.Error("persist cancellation failed", "task_id", req.TaskID, "error", cancelErr)
		}
		_ = send(cancelledPayload{Answer: answer, IsCancelled: true})
	case err != nil:
		s.logger.Error("pipeline run failed", "task_id", req.TaskID, "error", err)
		// The coordinator already emitted the apology step; record the
		// turn as completed with the apology answer.
		answer := models.Answer{Summary: pipeline.ApologyMessage, DisplayMode: pipeline.DisplayText}
		if saveErr := s.store.CompleteMessage(ctx, req.TaskID, answer, "", nil, "", "[]", nil); saveErr != nil {
			s.logger.Error("persist failed turn failed", "task_id", req.TaskID, "error", saveErr)
		}
	default:
		if saveErr := s.store.CompleteMessage(ctx, req.TaskID,
			outcome.Answer, outcome.OptimizedQuestion, outcome.SQLList,
			outcome.ValidSQL, string(outcome.QueryResult), outcome.StepTimes); saveErr != nil {
			s.logger.Error("persist turn failed", "task_id", req.TaskID, "error", saveErr)
		}
	}
}

// contextualQuestion folds the user's recent questions into the current
// one so follow-ups resolve references to earlier turns.
func contextualQuestion(history []string, question string) string {
	if len(history) == 0 {
		return question
	}
	var b strings.Builder
	b.WriteString("The user's previous questions, for context:\n")
	for _, q := range history {
		fmt.Fprintf(&b, "- %s\n", q)
	}
	b.WriteString("Current question: ")
	b.WriteString(question)
	return b.String()
}
