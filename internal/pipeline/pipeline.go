// Package pipeline implements the multi-step orchestration that turns a
// natural-language question into a schema-grounded SQL statement, executes
// it with error-driven self-correction, and streams incremental progress.
package pipeline

import (
	"context"
	"errors"

	"github.com/querypilot/querypilot/internal/llm"
)

// Sentinel errors surfaced by pipeline stages.
var (
	// ErrMaxAttempts indicates a stage exhausted its retry budget.
	ErrMaxAttempts = errors.New("maximum attempts reached")

	// ErrEmptyCompletion indicates the model returned no content.
	ErrEmptyCompletion = errors.New("model returned empty content")

	// ErrCancelled indicates the stream consumer cancelled the turn.
	// Not a failure: the coordinator stops forwarding chunks and the
	// caller returns a distinct cancelled payload.
	ErrCancelled = errors.New("turn cancelled")
)

// Generator is the stage-facing view of the language-model gateway.
// Satisfied by *llm.Gateway and by test doubles.
type Generator interface {
	Generate(ctx context.Context, req llm.Request) (string, error)
	GenerateStream(ctx context.Context, req llm.Request, fn llm.StreamFunc) (string, error)
}

// RetryBudget tracks bounded immediate retries for one stage invocation.
// Values are threaded through calls rather than stored on agents, so one
// stage instance is safe to reuse across concurrent turns.
type RetryBudget struct {
	Attempt int
	Max     int
}

// NewRetryBudget returns a budget positioned at the first attempt.
func NewRetryBudget(max int) RetryBudget {
	return RetryBudget{Attempt: 1, Max: max}
}

// Exhausted reports whether the current attempt exceeds the bound.
func (b RetryBudget) Exhausted() bool {
	return b.Attempt > b.Max
}

// Next returns the budget advanced by one attempt.
func (b RetryBudget) Next() RetryBudget {
	return RetryBudget{Attempt: b.Attempt + 1, Max: b.Max}
}
