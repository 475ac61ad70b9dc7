package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/querypilot/querypilot/internal/metrics"
	"github.com/querypilot/querypilot/internal/models"
	"github.com/querypilot/querypilot/internal/schema"
)

// Literal markers the composer may emit; stripped from the visible text
// and mapped to the step's display_mode.
const (
	chartMarker = "<chart></chart>"
	tableMarker = "<data-table></data-table>"
)

// Fixed user-visible messages. Never raw errors: diagnostics travel in the
// step's error_msg field.
const (
	RefusalMessage   = "Sorry, your question is not relevant to the current system. Please try another one..."
	NoResultsMessage = "Sorry, no suitable results found."
	ApologyMessage   = "Sorry, something went wrong while processing your question. Please try again later."
)

// Request is the immutable input bundle for one pipeline run.
type Request struct {
	App            *models.Application
	Catalog        schema.Descriptor
	Examples       []models.FewShotExample
	FineTunedModel string
	Question       string
}

// Outcome is the terminal result of one run, used by the caller to
// persist the turn.
type Outcome struct {
	Compliant         bool
	OptimizedQuestion string
	Language          string
	Answer            models.Answer
	SQLList           []string
	ValidSQL          string
	QueryResult       json.RawMessage
	StepTimes         map[string]float64
}

// EmitFunc receives a snapshot of the step trace after every increment.
// Returning an error stops the run; returning ErrCancelled marks
// cooperative cancellation by the stream consumer.
type EmitFunc func(steps []Step) error

// Coordinator binds the pipeline stages into the end-to-end, cancellable,
// streaming flow. One Run processes one chat turn; concurrent runs share
// no mutable state beyond the executor's connection pools.
type Coordinator struct {
	compliance  *ComplianceGate
	retriever   *SchemaRetriever
	synthesizer *SQLSynthesizer
	executor    TargetExecutor
	composer    *AnswerComposer

	agentAttempts int
	execAttempts  int

	collector *metrics.Collector
	logger    *slog.Logger
}

// NewCoordinator wires the stages together. collector may be nil.
func NewCoordinator(
	compliance *ComplianceGate,
	retriever *SchemaRetriever,
	synthesizer *SQLSynthesizer,
	executor TargetExecutor,
	composer *AnswerComposer,
	agentAttempts, execAttempts int,
	collector *metrics.Collector,
	logger *slog.Logger,
) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		compliance:    compliance,
		retriever:     retriever,
		synthesizer:   synthesizer,
		executor:      executor,
		composer:      composer,
		agentAttempts: agentAttempts,
		execAttempts:  execAttempts,
		collector:     collector,
		logger:        logger,
	}
}

// Run executes the pipeline for one question, emitting the step trace
// after every increment. Execution failures loop back into SQL synthesis
// with structured error feedback, bounded by the execution attempt limit.
func (c *Coordinator) Run(ctx context.Context, req Request, emit EmitFunc) (*Outcome, error) {
	started := time.Now()
	defer func() {
		c.record(metrics.OpPipelineRun, time.Since(started))
	}()

	trace := NewTrace()

	// Stage 1: compliance gate.
	step := trace.Begin(StepCompliance, map[string]any{"is_compliant": nil})
	if err := emit(trace.Steps()); err != nil {
		return nil, err
	}

	complianceStarted := time.Now()
	verdict, err := c.compliance.Evaluate(ctx, req.App, req.Catalog, req.Question, NewRetryBudget(c.agentAttempts))
	c.record(metrics.OpLLMGenerate, time.Since(complianceStarted))
	if err != nil {
		return nil, c.fail(trace, step, emit, err)
	}
	trace.Finish(step, StatusCompleted)
	step.Result = map[string]any{
		"is_compliant": verdict.Compliant,
		"new_question": verdict.Question,
		"language":     verdict.Language,
	}
	if err := emit(trace.Steps()); err != nil {
		return nil, err
	}

	if !verdict.Compliant {
		return c.finishRefusal(trace, emit)
	}

	question := verdict.Question
	outcome := &Outcome{
		Compliant:         true,
		OptimizedQuestion: question,
		Language:          verdict.Language,
	}

	// Stages 2+3: SQL synthesis and execution, bounded retry loop. The
	// first successful schema narrowing is reused across retries.
	var (
		schemaDDL   string
		narrowed    bool
		failures    []ExecFailure
		queryResult json.RawMessage
		validSQL    string
		sqlList     []string
	)

	for attempt := 1; attempt <= c.execAttempts; attempt++ {
		step = trace.Begin(StepSQLGenerator, []string{})
		if err := emit(trace.Steps()); err != nil {
			return nil, err
		}

		if !narrowed {
			ddl, err := c.narrowSchema(ctx, req, question)
			if err != nil {
				return nil, c.fail(trace, step, emit, err)
			}
			schemaDDL = ddl
			narrowed = true
		}

		synthStarted := time.Now()
		sql, err := c.synthesizer.Synthesize(ctx, SynthesisInput{
			Question:  question,
			Dialect:   req.App.Database.Dialect,
			SchemaDDL: schemaDDL,
			Examples:  req.Examples,
			Model:     req.FineTunedModel,
			Failures:  failures,
		}, NewRetryBudget(c.agentAttempts))
		c.record(metrics.OpLLMGenerate, time.Since(synthStarted))
		if err != nil {
			return nil, c.fail(trace, step, emit, err)
		}
		if !CheckSyntax(sql) {
			c.logger.Warn("synthesized sql failed shape check, executing anyway", "attempt", attempt)
		}

		sqlList = []string{sql}
		trace.Finish(step, StatusCompleted)
		step.Result = sqlList
		if err := emit(trace.Steps()); err != nil {
			return nil, err
		}

		step = trace.Begin(StepDBQuery, []string{})
		if err := emit(trace.Steps()); err != nil {
			return nil, err
		}

		queryStarted := time.Now()
		result, accepted, execFailures, err := c.executor.Execute(ctx, req.App.Database, sqlList)
		c.record(metrics.OpTargetQuery, time.Since(queryStarted))
		if err != nil {
			return nil, c.fail(trace, step, emit, err)
		}

		if result == nil {
			failures = execFailures
			trace.Finish(step, StatusError)
			step.Result = renderFailures(question, failures)
			if err := emit(trace.Steps()); err != nil {
				return nil, err
			}
			c.logger.Info("execution failed, retrying synthesis",
				"attempt", attempt, "max", c.execAttempts)
			continue
		}

		queryResult = result
		validSQL = accepted
		trace.Finish(step, StatusCompleted)
		step.Result = []string{}
		if err := emit(trace.Steps()); err != nil {
			return nil, err
		}
		break
	}

	if queryResult == nil {
		return c.finishNoResults(trace, outcome, emit)
	}

	outcome.SQLList = sqlList
	outcome.ValidSQL = validSQL
	outcome.QueryResult = queryResult

	// Stage 4: streamed answer composition.
	return c.streamAnswer(ctx, trace, outcome, question, emit)
}

func (c *Coordinator) narrowSchema(ctx context.Context, req Request, question string) (string, error) {
	if !req.App.Agent.RAGEnabled {
		return req.Catalog.DDL(), nil
	}
	narrowStarted := time.Now()
	narrowed, err := c.retriever.Narrow(ctx, question, req.Catalog, NewRetryBudget(c.agentAttempts))
	c.record(metrics.OpLLMGenerate, time.Since(narrowStarted))
	if err != nil {
		return "", err
	}
	return narrowed.DDL(), nil
}

func (c *Coordinator) streamAnswer(ctx context.Context, trace *Trace, outcome *Outcome, question string, emit EmitFunc) (*Outcome, error) {
	answer := &models.Answer{DisplayMode: DisplayText}
	step := trace.Begin(StepAnswer, answer)
	if err := emit(trace.Steps()); err != nil {
		return nil, err
	}

	composeQuestion := question
	if outcome.Language != "" {
		composeQuestion = fmt.Sprintf("Please answer the question in %s: %s", outcome.Language, question)
	}

	var accumulated strings.Builder
	streamStarted := time.Now()
	// The marker-stripped accumulated text is the visible summary; the
	// composer's own return value still carries the raw markers.
	_, err := c.composer.Compose(ctx, composeQuestion, outcome.QueryResult, func(ctx context.Context, chunk []byte) error {
		accumulated.Write(chunk)
		text := accumulated.String()
		if strings.Contains(text, chartMarker) {
			text = strings.ReplaceAll(text, chartMarker, "")
			accumulated.Reset()
			accumulated.WriteString(text)
			answer.DisplayMode = DisplayChart
		}
		if strings.Contains(text, tableMarker) {
			text = strings.ReplaceAll(text, tableMarker, "")
			accumulated.Reset()
			accumulated.WriteString(text)
			answer.DisplayMode = DisplayTable
		}
		answer.Summary = text
		return emit(trace.Steps())
	})
	c.record(metrics.OpLLMStream, time.Since(streamStarted))
	if err != nil {
		if isCancelled(err) {
			return nil, ErrCancelled
		}
		return nil, c.fail(trace, step, emit, err)
	}

	trace.Finish(step, StatusCompleted)
	outcome.Answer = *answer
	outcome.StepTimes = trace.StepTimes()

	step.Answer = answer
	step.SQLList = outcome.SQLList
	step.ValidSQL = outcome.ValidSQL
	step.QueryResult = outcome.QueryResult
	step.StepTimes = outcome.StepTimes
	step.IsFinalCompleted = true
	if err := emit(trace.Steps()); err != nil {
		return nil, err
	}
	return outcome, nil
}

// finishRefusal emits the non-compliant terminal step: a fixed refusal in
// text mode, with no SQL or result fields populated.
func (c *Coordinator) finishRefusal(trace *Trace, emit EmitFunc) (*Outcome, error) {
	answer := models.Answer{Summary: RefusalMessage, DisplayMode: DisplayText}
	trace.Append(&Step{
		Step:             StepAnswer,
		Status:           StatusCompleted,
		Result:           answer,
		Answer:           &answer,
		SQLList:          []string{},
		QueryResult:      json.RawMessage("[]"),
		StepTimes:        trace.StepTimes(),
		IsFinalCompleted: true,
	})
	if err := emit(trace.Steps()); err != nil {
		return nil, err
	}
	return &Outcome{
		Compliant: false,
		Answer:    answer,
		StepTimes: trace.StepTimes(),
	}, nil
}

// finishNoResults emits the terminal step after the execution-retry
// budget is exhausted.
func (c *Coordinator) finishNoResults(trace *Trace, outcome *Outcome, emit EmitFunc) (*Outcome, error) {
	answer := models.Answer{Summary: NoResultsMessage, DisplayMode: DisplayText}
	trace.Append(&Step{
		Step:             StepAnswer,
		Status:           StatusCompleted,
		Result:           map[string]any{},
		Answer:           &answer,
		SQLList:          []string{},
		QueryResult:      json.RawMessage("[]"),
		StepTimes:        trace.StepTimes(),
		IsFinalCompleted: true,
	})
	if err := emit(trace.Steps()); err != nil {
		return nil, err
	}
	outcome.Answer = answer
	outcome.StepTimes = trace.StepTimes()
	return outcome, nil
}

// fail marks the in-flight step as errored with a generic apology and the
// raw error text attached for diagnostics, then surfaces the error.
func (c *Coordinator) fail(trace *Trace, step *Step, emit EmitFunc, cause error) error {
	if isCancelled(cause) {
		return ErrCancelled
	}
	trace.Finish(step, StatusError)
	step.ErrorMsg = cause.Error()
	step.Answer = &models.Answer{Summary: ApologyMessage, DisplayMode: DisplayText}
	step.IsFinalCompleted = true
	if err := emit(trace.Steps()); err != nil {
		return err
	}
	return cause
}

func (c *Coordinator) record(op string, d time.Duration) {
	if c.collector != nil {
		c.collector.Record(op, d)
	}
}

func isCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}
