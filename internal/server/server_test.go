package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/querypilot/querypilot/internal/metrics"
	"github.com/querypilot/querypilot/internal/models"
	"github.com/querypilot/querypilot/internal/pipeline"
	"github.com/querypilot/querypilot/internal/schema"
	"github.com/querypilot/querypilot/internal/server"
	"github.com/querypilot/querypilot/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testLogger creates a logger that writes to stderr for test visibility.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// fakeStore is an in-memory TurnStore.
type fakeStore struct {
	mu          sync.Mutex
	apps        map[string]*models.Application
	history     []string
	cancelled   map[string]bool
	cancelAfter int // cancel automatically after this many IsCancelled polls (0 = never)
	polls       int

	completed  map[string]models.Answer
	cancelSeen map[string]bool

	messages   map[string]*models.Message
	chartSaved map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		apps: map[string]*models.Application{
			"shop": {
				Name:     "shop",
				Database: models.DatabaseConfig{Dialect: "postgres"},
				Agent:    models.AgentConfig{RAGEnabled: true},
			},
		},
		cancelled:  make(map[string]bool),
		completed:  make(map[string]models.Answer),
		cancelSeen: make(map[string]bool),
		messages:   make(map[string]*models.Message),
		chartSaved: make(map[string]string),
	}
}

func (f *fakeStore) GetApplication(_ context.Context, name string) (*models.Application, error) {
	app, ok := f.apps[name]
	if !ok {
		return nil, fmt.Errorf("get application %q: %w", name, store.ErrNotFound)
	}
	return app, nil
}

func (f *fakeStore) GetCatalog(context.Context, string) (schema.Descriptor, error) {
	return schema.Descriptor{Tables: []schema.Table{{Name: "orders"}}}, nil
}

func (f *fakeStore) ListExamples(context.Context, string) ([]models.FewShotExample, error) {
	return nil, nil
}

func (f *fakeStore) GetEnabledModel(context.Context, string) (*models.FineTunedModel, error) {
	return nil, nil
}

func (f *fakeStore) CreateMessage(_ context.Context, id, application, taskID, question string) (*models.Message, error) {
	return &models.Message{Question: question, TaskID: taskID}, nil
}

func (f *fakeStore) CompleteMessage(_ context.Context, id string, answer models.Answer, _ string, _ []string, _, _ string, _ map[string]float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed[id] = answer
	return nil
}

func (f *fakeStore) CancelMessage(_ context.Context, id string, _ models.Answer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled[id] = true
	f.cancelSeen[id] = true
	return nil
}

func (f *fakeStore) IsCancelled(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.cancelAfter > 0 && f.polls >= f.cancelAfter {
		f.cancelled[id] = true
	}
	return f.cancelled[id], nil
}

func (f *fakeStore) RecentQuestions(context.Context, string, int) ([]string, error) {
	return f.history, nil
}

func (f *fakeStore) GetMessage(_ context.Context, id string) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	message, ok := f.messages[id]
	if !ok {
		return nil, fmt.Errorf("get message %q: %w", id, store.ErrNotFound)
	}
	return message, nil
}

func (f *fakeStore) SaveChartOption(_ context.Context, id, option string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chartSaved[id] = option
	return nil
}

// fakeRunner emits a scripted trace and returns a fixed outcome.
type fakeRunner struct {
	gotQuestion string
}

func (r *fakeRunner) Run(_ context.Context, req pipeline.Request, emit pipeline.EmitFunc) (*pipeline.Outcome, error) {
	r.gotQuestion = req.Question

	answer := models.Answer{Summary: "There were 12 orders.", DisplayMode: pipeline.DisplayText}
	traces := [][]pipeline.Step{
		{{Step: pipeline.StepCompliance, Status: pipeline.StatusInProgress}},
		{{Step: pipeline.StepCompliance, Status: pipeline.StatusCompleted}},
		{
			{Step: pipeline.StepCompliance, Status: pipeline.StatusCompleted},
			{Step: pipeline.StepAnswer, Status: pipeline.StatusCompleted, Answer: &answer, IsFinalCompleted: true},
		},
	}
	for _, steps := range traces {
		if err := emit(steps); err != nil {
			return nil, err
		}
	}
	return &pipeline.Outcome{
		Compliant:   true,
		Answer:      answer,
		SQLList:     []string{"SELECT count(*) FROM orders"},
		ValidSQL:    "SELECT count(*) FROM orders",
		QueryResult: json.RawMessage(`[{"count":12}]`),
	}, nil
}

// fakePlanner returns a canned chart option and records what it was asked.
type fakePlanner struct {
	option      string
	err         error
	gotQuestion string
	gotLanguage string
	gotResult   json.RawMessage
}

func (p *fakePlanner) Plan(_ context.Context, question, language string, result json.RawMessage) (string, error) {
	p.gotQuestion = question
	p.gotLanguage = language
	p.gotResult = result
	return p.option, p.err
}

func newTestServer(st *fakeStore, runner server.Runner) *httptest.Server {
	return newTestServerWithPlanner(st, runner, &fakePlanner{})
}

func newTestServerWithPlanner(st *fakeStore, runner server.Runner, planner server.ChartPlanner) *httptest.Server {
	srv := server.New(runner, st, planner, metrics.NewCollector(), 3, testLogger())
	return httptest.NewServer(srv.Handler())
}

// readSSE collects the data payloads of all server-sent events.
func readSSE(t *testing.T, body *bufio.Scanner) []string {
	t.Helper()
	var events []string
	for body.Scan() {
		line := body.Text()
		if strings.HasPrefix(line, "data: ") {
			events = append(events, strings.TrimPrefix(line, "data: "))
		}
	}
	return events
}

func postChat(t *testing.T, url, application, question, taskID string) *http.Response {
	t.Helper()
	payload, _ := json.Marshal(map[string]string{
		"application": application,
		"question":    question,
		"task_id":     taskID,
	})
	resp, err := http.Post(url+"/api/chat", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	return resp
}

func TestChatStreamsStepTrace(t *testing.T) {
	st := newFakeStore()
	runner := &fakeRunner{}
	ts := newTestServer(st, runner)
	defer ts.Close()

	resp := postChat(t, ts.URL, "shop", "How many orders today?", "task-1")
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "task-1", resp.Header.Get("X-Task-ID"))

	events := readSSE(t, bufio.NewScanner(resp.Body))
	require.Len(t, events, 3, "one event per emitted trace increment")

	var final []pipeline.Step
	require.NoError(t, json.Unmarshal([]byte(events[len(events)-1]), &final))
	require.Len(t, final, 2)
	assert.True(t, final[1].IsFinalCompleted)
	assert.Equal(t, "There were 12 orders.", final[1].Answer.Summary)

	// Outcome persisted
	st.mu.Lock()
	answer, ok := st.completed["task-1"]
	st.mu.Unlock()
	require.True(t, ok, "turn should be persisted on completion")
	assert.Equal(t, "There were 12 orders.", answer.Summary)
}

func TestChatPrependsHistory(t *testing.T) {
	st := newFakeStore()
	st.history = []string{"How many orders last week?"}
	runner := &fakeRunner{}
	ts := newTestServer(st, runner)
	defer ts.Close()

	resp := postChat(t, ts.URL, "shop", "And this week?", "task-2")
	defer resp.Body.Close()
	readSSE(t, bufio.NewScanner(resp.Body))

	assert.Contains(t, runner.gotQuestion, "How many orders last week?")
	assert.Contains(t, runner.gotQuestion, "Current question: And this week?")
}

func TestChatCancellation(t *testing.T) {
	st := newFakeStore()
	st.cancelAfter = 2
	ts := newTestServer(st, &fakeRunner{})
	defer ts.Close()

	resp := postChat(t, ts.URL, "shop", "How many orders today?", "task-3")
	defer resp.Body.Close()

	events := readSSE(t, bufio.NewScanner(resp.Body))
	require.NotEmpty(t, events)

	var last struct {
		Answer      models.Answer `json:"answer"`
		IsCancelled bool          `json:"is_cancelled"`
	}
	require.NoError(t, json.Unmarshal([]byte(events[len(events)-1]), &last))
	assert.True(t, last.IsCancelled)
	assert.Equal(t, "The chat has been cancelled.", last.Answer.Summary)

	// In-flight answer must not be persisted
	st.mu.Lock()
	_, completed := st.completed["task-3"]
	cancelSeen := st.cancelSeen["task-3"]
	st.mu.Unlock()
	assert.False(t, completed, "cancelled turn should not persist an answer")
	assert.True(t, cancelSeen, "cancellation should be persisted")
}

func TestChatUnknownApplication(t *testing.T) {
	ts := newTestServer(newFakeStore(), &fakeRunner{})
	defer ts.Close()

	resp := postChat(t, ts.URL, "nope", "question", "task-4")
	defer resp.Body.Close()

	events := readSSE(t, bufio.NewScanner(resp.Body))
	require.Len(t, events, 1)
	assert.Contains(t, events[0], "unknown application")
}

func TestChatValidation(t *testing.T) {
	ts := newTestServer(newFakeStore(), &fakeRunner{})
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/chat", "application/json", strings.NewReader(`{"application":"shop"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelEndpoint(t *testing.T) {
	st := newFakeStore()
	ts := newTestServer(st, &fakeRunner{})
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/chat/cancel", "application/json", strings.NewReader(`{"task_id":"task-5"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	st.mu.Lock()
	cancelled := st.cancelled["task-5"]
	st.mu.Unlock()
	assert.True(t, cancelled)
}

func TestStatsEndpoint(t *testing.T) {
	ts := newTestServer(newFakeStore(), &fakeRunner{})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/stats")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snapshot metrics.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snapshot))
}

func TestChartEndpoint(t *testing.T) {
	st := newFakeStore()
	st.messages["task-6"] = &models.Message{
		Question:    "Orders per month",
		Answer:      &models.Answer{Summary: "Monthly order counts.", DisplayMode: pipeline.DisplayChart},
		QueryResult: json.RawMessage(`[{"month":"Jan","count":4}]`),
	}
	planner := &fakePlanner{option: `{"series":[{"type":"bar"}]}`}
	ts := newTestServerWithPlanner(st, &fakeRunner{}, planner)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/chat/chart", "application/json",
		strings.NewReader(`{"task_id":"task-6","language":"German"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var payload struct {
		TaskID string        `json:"task_id"`
		Answer models.Answer `json:"answer"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, "task-6", payload.TaskID)
	assert.Equal(t, `{"series":[{"type":"bar"}]}`, payload.Answer.ChartOption)

	assert.Equal(t, "Orders per month", planner.gotQuestion)
	assert.Equal(t, "German", planner.gotLanguage)
	assert.JSONEq(t, `[{"month":"Jan","count":4}]`, string(planner.gotResult))

	st.mu.Lock()
	saved := st.chartSaved["task-6"]
	st.mu.Unlock()
	assert.Equal(t, `{"series":[{"type":"bar"}]}`, saved, "chart option should be persisted")
}

func TestChartEndpointPrefersOptimizedQuestion(t *testing.T) {
	st := newFakeStore()
	st.messages["task-7"] = &models.Message{
		Question:          "and per month?",
		OptimizedQuestion: "How many orders were placed per month?",
		Answer:            &models.Answer{DisplayMode: pipeline.DisplayChart},
		QueryResult:       json.RawMessage(`[]`),
	}
	planner := &fakePlanner{option: `{}`}
	ts := newTestServerWithPlanner(st, &fakeRunner{}, planner)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/chat/chart", "application/json",
		strings.NewReader(`{"task_id":"task-7"}`))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "How many orders were placed per month?", planner.gotQuestion)
}

func TestChartEndpointRejectsNonChartTurn(t *testing.T) {
	st := newFakeStore()
	st.messages["task-8"] = &models.Message{
		Question: "How many orders today?",
		Answer:   &models.Answer{Summary: "12 orders.", DisplayMode: pipeline.DisplayText},
	}
	ts := newTestServer(st, &fakeRunner{})
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/chat/chart", "application/json",
		strings.NewReader(`{"task_id":"task-8"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	st.mu.Lock()
	_, saved := st.chartSaved["task-8"]
	st.mu.Unlock()
	assert.False(t, saved)
}

func TestChartEndpointUnknownTask(t *testing.T) {
	ts := newTestServer(newFakeStore(), &fakeRunner{})
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/chat/chart", "application/json",
		strings.NewReader(`{"task_id":"nope"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestChartEndpointEmptyOptionLeavesAnswerUnchanged(t *testing.T) {
	st := newFakeStore()
	st.messages["task-9"] = &models.Message{
		Question:    "Orders per month",
		Answer:      &models.Answer{Summary: "Monthly counts.", DisplayMode: pipeline.DisplayChart},
		QueryResult: json.RawMessage(`[{"month":"Jan","count":4}]`),
	}
	ts := newTestServerWithPlanner(st, &fakeRunner{}, &fakePlanner{option: ""})
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/chat/chart", "application/json",
		strings.NewReader(`{"task_id":"task-9"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var payload struct {
		Answer models.Answer `json:"answer"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Empty(t, payload.Answer.ChartOption)

	st.mu.Lock()
	_, saved := st.chartSaved["task-9"]
	st.mu.Unlock()
	assert.False(t, saved, "empty option must not be persisted")
}

func TestChatWebSocket(t *testing.T) {
	st := newFakeStore()
	ts := newTestServer(st, &fakeRunner{})
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/chat/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err, "should establish websocket connection")
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{
		"application": "shop",
		"question":    "How many orders today?",
		"task_id":     "task-ws",
	}))

	var steps []pipeline.Step
	for i := 0; i < 3; i++ {
		require.NoError(t, conn.ReadJSON(&steps))
	}
	require.Len(t, steps, 2)
	assert.True(t, steps[1].IsFinalCompleted)
}
