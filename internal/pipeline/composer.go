package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/querypilot/querypilot/internal/llm"
)

// AnswerComposer streams a natural-language explanation of query results.
// Each Compose call restarts generation from scratch; a stream is not
// resumable mid-flight. Marker detection is the coordinator's concern, not
// this component's.
type AnswerComposer struct {
	gen         Generator
	model       string
	tokenBudget int
	logger      *slog.Logger
}

// NewAnswerComposer creates a composer. tokenBudget caps the serialized
// result payload passed to the model.
func NewAnswerComposer(gen Generator, model string, tokenBudget int, logger *slog.Logger) *AnswerComposer {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnswerComposer{gen: gen, model: model, tokenBudget: tokenBudget, logger: logger}
}

// Compose streams text fragments for the given question and result rows,
// invoking fn per delta, and returns the accumulated full text.
func (c *AnswerComposer) Compose(ctx context.Context, question string, result json.RawMessage, fn llm.StreamFunc) (string, error) {
	payload, note, err := c.fitToBudget(result)
	if err != nil {
		return "", err
	}

	req := llm.Request{
		Model:       c.model,
		System:      answerPrompt,
		User:        fmt.Sprintf("Question: %s\nQuery results: `%s`\n%s", question, payload, note),
		Temperature: 0,
	}

	full, err := c.gen.GenerateStream(ctx, req, fn)
	if err != nil {
		return "", fmt.Errorf("answer stream: %w", err)
	}
	return full, nil
}

// fitToBudget truncates the row list to as many leading rows as fit under
// the token budget, with a note stating the true total and that results
// are partial.
func (c *AnswerComposer) fitToBudget(result json.RawMessage) (string, string, error) {
	var rows []json.RawMessage
	if err := json.Unmarshal(result, &rows); err != nil {
		return "", "", fmt.Errorf("unmarshal query result: %w", err)
	}
	total := len(rows)

	if llm.CountTokens(c.model, string(result)) <= c.tokenBudget {
		return string(result), fmt.Sprintf("Note: Found %d records in total.", total), nil
	}

	kept := 0
	used := 0
	for _, row := range rows {
		rowTokens := llm.CountTokens(c.model, string(row))
		if used+rowTokens > c.tokenBudget {
			break
		}
		used += rowTokens
		kept++
	}
	truncated, err := json.Marshal(rows[:kept])
	if err != nil {
		return "", "", fmt.Errorf("marshal truncated result: %w", err)
	}
	c.logger.Info("query result truncated for answer generation",
		"total", total, "kept", kept)
	note := fmt.Sprintf("Note: Found %d records in total, only showing partial records due to context length limitations", total)
	return string(truncated), note, nil
}
