package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/querypilot/querypilot/internal/llm"
	"github.com/querypilot/querypilot/internal/schema"
)

const retrievalTemperature = 0.3

// SchemaRetriever narrows a full table catalog down to the subset relevant
// to one question. Idempotent for a fixed (question, schema) pair; the
// coordinator caches the first successful narrowing for the duration of a
// run rather than re-querying inside the SQL retry loop.
type SchemaRetriever struct {
	gen    Generator
	model  string
	logger *slog.Logger
}

// NewSchemaRetriever creates a retriever. model may be empty to use the
// gateway's default.
func NewSchemaRetriever(gen Generator, model string, logger *slog.Logger) *SchemaRetriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &SchemaRetriever{gen: gen, model: model, logger: logger}
}

// Narrow filters full down to the tables the model names as relevant,
// preserving catalog order; names not present in the catalog are dropped
// silently. Non-JSON responses are retried within the budget; exhaustion
// is a terminal failure for the run.
func (r *SchemaRetriever) Narrow(ctx context.Context, question string, full schema.Descriptor, budget RetryBudget) (schema.Descriptor, error) {
	req := llm.Request{
		Model:       r.model,
		System:      fmt.Sprintf(schemaRAGPrompt, full.DDL()),
		User:        question,
		Temperature: retrievalTemperature,
	}

	for ; !budget.Exhausted(); budget = budget.Next() {
		raw, err := r.gen.Generate(ctx, req)
		if err != nil {
			return schema.Descriptor{}, fmt.Errorf("schema retrieval call: %w", err)
		}

		payload, err := llm.ExtractJSON(raw)
		if err != nil {
			r.logger.Warn("schema retrieval response not JSON, retrying",
				"attempt", budget.Attempt, "max", budget.Max)
			continue
		}

		var names []string
		if err := json.Unmarshal([]byte(payload), &names); err != nil {
			r.logger.Warn("schema retrieval payload not a table list, retrying",
				"attempt", budget.Attempt, "error", err)
			continue
		}

		narrowed := full.Filter(names)
		r.logger.Debug("schema narrowed",
			"requested", len(names), "matched", len(narrowed.Tables), "total", len(full.Tables))
		return narrowed, nil
	}

	return schema.Descriptor{}, fmt.Errorf("schema retrieval: %w", ErrMaxAttempts)
}
