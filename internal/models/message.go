package models

import (
	"encoding/json"
	"time"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// Answer is the user-visible outcome of one chat turn.
type Answer struct {
	Summary     string `json:"summary"`
	ChartOption string `json:"chart_option"`
	DisplayMode string `json:"display_mode"`
}

// Message records one chat turn. The cancellation flag is set out-of-band
// by the cancel endpoint and polled by the coordinator's caller between
// streamed increments.
type Message struct {
	ID                surrealmodels.RecordID `json:"id"`
	Application       string                 `json:"application"`
	TaskID            string                 `json:"task_id,omitempty"`
	Question          string                 `json:"question"`
	OptimizedQuestion string                 `json:"optimized_question,omitempty"`
	Answer            *Answer                `json:"answer,omitempty"`
	SQLList           []string               `json:"sql_list,omitempty"`
	ValidSQL          string                 `json:"valid_sql,omitempty"`
	QueryResult       json.RawMessage        `json:"query_result,omitempty"`
	StepTimes         map[string]float64     `json:"step_times,omitempty"`
	IsCancelled       bool                   `json:"is_cancelled"`
	Created           time.Time              `json:"created,omitempty"`
	Completed         *time.Time             `json:"completed,omitempty"`
}
