package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/querypilot/querypilot/internal/llm"
	"github.com/querypilot/querypilot/internal/models"
)

// SynthesisInput bundles everything one synthesis call needs. Failures
// carry the (statement, error) pairs of prior execution attempts; when
// present they replace the bare question as the final user turn.
type SynthesisInput struct {
	Question  string
	Dialect   string
	SchemaDDL string
	Examples  []models.FewShotExample
	Model     string
	Failures  []ExecFailure
}

// SQLSynthesizer produces a single SQL statement from a question, a
// (possibly narrowed) schema, and optional few-shot examples. Zero
// temperature: output must be syntactically exact.
type SQLSynthesizer struct {
	gen          Generator
	defaultModel string
	logger       *slog.Logger
}

// NewSQLSynthesizer creates a synthesizer. defaultModel may be empty to
// use the gateway's default; a per-application fine-tuned model supplied
// via SynthesisInput.Model takes precedence.
func NewSQLSynthesizer(gen Generator, defaultModel string, logger *slog.Logger) *SQLSynthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLSynthesizer{gen: gen, defaultModel: defaultModel, logger: logger}
}

// Synthesize assembles the prompt and returns the extracted SQL text. An
// empty model response triggers an immediate same-input retry within the
// budget; exhaustion is terminal for the run.
func (s *SQLSynthesizer) Synthesize(ctx context.Context, in SynthesisInput, budget RetryBudget) (string, error) {
	model := in.Model
	if model == "" {
		model = s.defaultModel
	}

	user := in.Question
	if len(in.Failures) > 0 {
		user = renderFailures(in.Question, in.Failures)
	}

	messages := make([]llm.Message, 0, len(in.Examples)*2)
	for _, example := range in.Examples {
		messages = append(messages,
			llm.Message{Role: llm.RoleUser, Content: example.Question},
			llm.Message{Role: llm.RoleAssistant, Content: example.SQL},
		)
	}

	req := llm.Request{
		Model:       model,
		System:      fmt.Sprintf(sqlSynthesisPrompt, in.Dialect, in.SchemaDDL),
		Messages:    messages,
		User:        user,
		Temperature: 0,
	}

	for ; !budget.Exhausted(); budget = budget.Next() {
		raw, err := s.gen.Generate(ctx, req)
		if err != nil {
			return "", fmt.Errorf("sql synthesis call: %w", err)
		}

		sql := llm.ExtractSQL(raw)
		if sql == "" {
			s.logger.Warn("sql synthesis returned empty content, retrying",
				"attempt", budget.Attempt, "max", budget.Max)
			continue
		}
		return sql, nil
	}

	return "", fmt.Errorf("sql synthesis: %w", ErrMaxAttempts)
}

// CheckSyntax performs a cheap diagnostic shape check on a statement. A
// failure never blocks execution; only a live execution error triggers
// correction.
func CheckSyntax(sql string) bool {
	trimmed := strings.TrimSpace(sql)
	if trimmed == "" {
		return false
	}
	first := strings.ToUpper(strings.Fields(trimmed)[0])
	switch first {
	case "SELECT", "WITH", "SHOW", "DESCRIBE", "EXPLAIN":
		return true
	}
	return false
}
