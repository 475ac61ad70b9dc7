package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/querypilot/querypilot/internal/llm"
)

// chartRowCap bounds the rows sent to chart planning when the serialized
// result exceeds the token budget.
const chartRowCap = 20

// ChartPlanner produces an ECharts option document for a completed turn
// whose answer was tagged for chart display. Invoked on demand by the
// chart endpoint, not by the coordinator.
type ChartPlanner struct {
	gen         Generator
	model       string
	tokenBudget int
	attempts    int
	logger      *slog.Logger
}

// NewChartPlanner creates a planner. model may be empty to use the
// gateway's default; tokenBudget caps the serialized result payload.
func NewChartPlanner(gen Generator, model string, tokenBudget, attempts int, logger *slog.Logger) *ChartPlanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChartPlanner{gen: gen, model: model, tokenBudget: tokenBudget, attempts: attempts, logger: logger}
}

// Plan generates the chart configuration JSON for the question and result
// rows. Oversized results are capped to the leading rows before prompting.
// Non-JSON responses are retried; exhaustion yields an empty option, not
// an error — a chart is an enrichment, never a turn failure.
func (p *ChartPlanner) Plan(ctx context.Context, question, language string, result json.RawMessage) (string, error) {
	payload, err := p.capResult(result)
	if err != nil {
		return "", err
	}

	userQuestion := question
	if language != "" {
		userQuestion = fmt.Sprintf("%s\nThe language for generating charts is: %s", question, language)
	}

	req := llm.Request{
		Model:       p.model,
		System:      chartsPrompt,
		User:        fmt.Sprintf("User Question: %s\nQuery Data: %s", userQuestion, payload),
		Temperature: 0,
		JSONMode:    true,
	}

	for budget := NewRetryBudget(p.attempts); !budget.Exhausted(); budget = budget.Next() {
		raw, err := p.gen.Generate(ctx, req)
		if err != nil {
			return "", fmt.Errorf("chart planning call: %w", err)
		}

		option, err := llm.ExtractJSON(raw)
		if err != nil {
			p.logger.Warn("chart option not JSON, retrying",
				"attempt", budget.Attempt, "max", budget.Max)
			continue
		}
		return option, nil
	}

	p.logger.Warn("chart planning retries exhausted, no chart produced")
	return "", nil
}

// capResult truncates the row list to the leading rows when the full
// payload exceeds the token budget.
func (p *ChartPlanner) capResult(result json.RawMessage) (string, error) {
	if len(result) == 0 {
		return "[]", nil
	}
	var rows []json.RawMessage
	if err := json.Unmarshal(result, &rows); err != nil {
		return "", fmt.Errorf("unmarshal query result: %w", err)
	}
	if llm.CountTokens(p.model, string(result)) <= p.tokenBudget || len(rows) == 0 {
		return string(result), nil
	}

	kept := min(chartRowCap, len(rows))
	capped, err := json.Marshal(rows[:kept])
	if err != nil {
		return "", fmt.Errorf("marshal capped result: %w", err)
	}
	p.logger.Info("query result capped for chart planning", "total", len(rows), "kept", kept)
	return string(capped), nil
}
