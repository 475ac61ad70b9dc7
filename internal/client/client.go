// Package client provides an HTTP client for the querypilot server.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/querypilot/querypilot/internal/metrics"
	"github.com/querypilot/querypilot/internal/pipeline"
)

// Client talks to a running querypilot server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client. If baseURL is empty, uses QUERYPILOT_SERVER_URL
// or defaults to localhost:8486. Timeout can be configured via
// QUERYPILOT_CLIENT_TIMEOUT (default 10m; chat turns stream for the
// duration of the answer).
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = os.Getenv("QUERYPILOT_SERVER_URL")
	}
	if baseURL == "" {
		baseURL = "http://localhost:8486"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	timeout := 10 * time.Minute
	if t := os.Getenv("QUERYPILOT_CLIENT_TIMEOUT"); t != "" {
		if d, err := time.ParseDuration(t); err == nil {
			timeout = d
		}
	}

	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// ChatEvent is one streamed payload from the chat endpoint: either a
// step-trace increment, a cancellation payload, or a server error.
type ChatEvent struct {
	Steps       []pipeline.Step
	IsCancelled bool
	Err         string
}

// Chat starts a turn and invokes fn for every streamed event. It returns
// the task id assigned to the turn.
func (c *Client) Chat(ctx context.Context, application, question, taskID string, fn func(ChatEvent) error) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"application": application,
		"question":    question,
		"task_id":     taskID,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("chat request: server returned %s", resp.Status)
	}
	taskID = resp.Header.Get("X-Task-ID")

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		event, err := parseEvent([]byte(strings.TrimPrefix(line, "data: ")))
		if err != nil {
			return taskID, err
		}
		if err := fn(event); err != nil {
			return taskID, err
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return taskID, fmt.Errorf("read stream: %w", err)
	}
	return taskID, nil
}

// parseEvent distinguishes the payload shapes the server emits: a step
// trace array, or a terminal cancellation/error object.
func parseEvent(data []byte) (ChatEvent, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var steps []pipeline.Step
		if err := json.Unmarshal(trimmed, &steps); err != nil {
			return ChatEvent{}, fmt.Errorf("decode step trace: %w", err)
		}
		return ChatEvent{Steps: steps}, nil
	}

	var terminal struct {
		IsCancelled bool   `json:"is_cancelled"`
		Error       string `json:"error"`
	}
	if err := json.Unmarshal(trimmed, &terminal); err != nil {
		return ChatEvent{}, fmt.Errorf("decode event: %w", err)
	}
	return ChatEvent{IsCancelled: terminal.IsCancelled, Err: terminal.Error}, nil
}

// Cancel flips the cancellation flag on an in-flight turn.
func (c *Client) Cancel(ctx context.Context, taskID string) error {
	payload, _ := json.Marshal(map[string]string{"task_id": taskID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat/cancel", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("cancel request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cancel request: server returned %s", resp.Status)
	}
	return nil
}

// Stats fetches the server's metrics snapshot.
func (c *Client) Stats(ctx context.Context) (*metrics.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/stats", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stats request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("stats request: server returned %s", resp.Status)
	}

	var snapshot metrics.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snapshot, nil
}
