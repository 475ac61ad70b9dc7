package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/querypilot/querypilot/internal/llm"
	"github.com/querypilot/querypilot/internal/models"
	"github.com/querypilot/querypilot/internal/schema"
)

const complianceTemperature = 0.4

// ComplianceResult is the outcome of the compliance gate.
type ComplianceResult struct {
	Compliant bool
	Score     float64
	Question  string
	Language  string
}

// ComplianceGate judges whether a question is in scope for an application,
// rewrites it into a self-contained canonical form, and detects its
// language. Stateless: safe for concurrent use across turns.
type ComplianceGate struct {
	gen       Generator
	model     string
	threshold float64
	logger    *slog.Logger
}

// NewComplianceGate creates a gate. model may be empty to use the
// gateway's default; threshold is the minimum compliance score.
func NewComplianceGate(gen Generator, model string, threshold float64, logger *slog.Logger) *ComplianceGate {
	if logger == nil {
		logger = slog.Default()
	}
	return &ComplianceGate{gen: gen, model: model, threshold: threshold, logger: logger}
}

// Evaluate scores the question against the application's scope. A model
// response that cannot be reduced to JSON is retried immediately with
// identical inputs within the budget; exhaustion returns a permanent
// non-compliant result with empty strings, not an error.
func (g *ComplianceGate) Evaluate(ctx context.Context, app *models.Application, catalog schema.Descriptor, question string, budget RetryBudget) (ComplianceResult, error) {
	tables, err := json.Marshal(catalog.Summaries())
	if err != nil {
		return ComplianceResult{}, fmt.Errorf("marshal table summaries: %w", err)
	}

	req := llm.Request{
		Model:       g.model,
		System:      fmt.Sprintf(compliancePrompt, app.Name, app.Description, string(tables)),
		User:        fmt.Sprintf("User question: %s", question),
		Temperature: complianceTemperature,
		JSONMode:    true,
	}

	for ; !budget.Exhausted(); budget = budget.Next() {
		raw, err := g.gen.Generate(ctx, req)
		if err != nil {
			return ComplianceResult{}, fmt.Errorf("compliance call: %w", err)
		}

		payload, err := llm.ExtractJSON(raw)
		if err != nil {
			g.logger.Warn("compliance response not JSON, retrying",
				"attempt", budget.Attempt, "max", budget.Max)
			continue
		}

		result, err := parseCompliance(payload, g.threshold)
		if err != nil {
			g.logger.Warn("compliance payload malformed, retrying",
				"attempt", budget.Attempt, "error", err)
			continue
		}
		return result, nil
	}

	g.logger.Warn("compliance retries exhausted, treating question as non-compliant")
	return ComplianceResult{Compliant: false}, nil
}

func parseCompliance(payload string, threshold float64) (ComplianceResult, error) {
	var parsed struct {
		Compliant   json.Number `json:"compliant"`
		NewQuestion string      `json:"new_question"`
		Language    string      `json:"language"`
	}
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		return ComplianceResult{}, fmt.Errorf("unmarshal compliance payload: %w", err)
	}
	score, err := parsed.Compliant.Float64()
	if err != nil {
		return ComplianceResult{}, fmt.Errorf("compliance score: %w", err)
	}
	return ComplianceResult{
		Compliant: score >= threshold,
		Score:     score,
		Question:  parsed.NewQuestion,
		Language:  parsed.Language,
	}, nil
}
