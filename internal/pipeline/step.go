package pipeline

import (
	"encoding/json"
	"math"
	"time"

	"github.com/querypilot/querypilot/internal/models"
)

// Status is the lifecycle state of one pipeline step.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
	StatusCancelled  Status = "cancelled"
)

// Step names, in pipeline order.
const (
	StepCompliance   = "question_agent"
	StepSQLGenerator = "sql_generator_agent"
	StepDBQuery      = "db_query_agent"
	StepAnswer       = "answer_generator_agent"
)

// Display modes for the final answer.
const (
	DisplayText  = "text"
	DisplayChart = "chart"
	DisplayTable = "table"
)

// Step is one named pipeline stage as streamed to the caller. Only the
// final answer step carries the trailing summary fields.
type Step struct {
	Step    string  `json:"step"`
	Status  Status  `json:"status"`
	Result  any     `json:"result"`
	Latency float64 `json:"latency"`

	Answer           *models.Answer     `json:"answer,omitempty"`
	SQLList          []string           `json:"sql_list,omitempty"`
	ValidSQL         string             `json:"valid_sql,omitempty"`
	QueryResult      json.RawMessage    `json:"query_result,omitempty"`
	StepTimes        map[string]float64 `json:"step_times,omitempty"`
	IsFinalCompleted bool               `json:"is_final_completed,omitempty"`
	ErrorMsg         string             `json:"error_msg,omitempty"`
}

// Trace is the append-only ordered step record of one pipeline run.
// Completed steps are never mutated; only the most recent step may be
// updated while in_progress. Owned exclusively by one run.
type Trace struct {
	steps []*Step
	times map[string]float64
	mark  time.Time
}

// NewTrace returns an empty trace.
func NewTrace() *Trace {
	return &Trace{times: make(map[string]float64)}
}

// Begin appends a new in_progress step and starts its timer.
func (t *Trace) Begin(name string, result any) *Step {
	step := &Step{
		Step:   name,
		Status: StatusInProgress,
		Result: result,
	}
	t.steps = append(t.steps, step)
	t.mark = time.Now()
	return step
}

// Finish transitions the most recent step out of in_progress, records its
// latency, and accumulates cumulative time under the step name. A retried
// step name accumulates rather than resets its time.
func (t *Trace) Finish(step *Step, status Status) float64 {
	latency := roundSeconds(time.Since(t.mark))
	step.Status = status
	step.Latency = latency
	t.times[step.Step] += latency
	return latency
}

// Append adds a pre-populated terminal step without timing.
func (t *Trace) Append(step *Step) {
	t.steps = append(t.steps, step)
}

// Last returns the most recent step, or nil for an empty trace.
func (t *Trace) Last() *Step {
	if len(t.steps) == 0 {
		return nil
	}
	return t.steps[len(t.steps)-1]
}

// StepTimes returns the cumulative per-step-name latency map.
func (t *Trace) StepTimes() map[string]float64 {
	return t.times
}

// Steps returns a snapshot copy of the trace for emission. Step values are
// copied so a consumer cannot mutate completed steps.
func (t *Trace) Steps() []Step {
	out := make([]Step, len(t.steps))
	for i, s := range t.steps {
		out[i] = *s
	}
	return out
}

func roundSeconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*100) / 100
}
