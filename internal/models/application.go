// Package models defines the persisted domain types shared by the store,
// pipeline, and server.
package models

import (
	"time"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// DatabaseConfig identifies one target relational database. The pipeline
// issues read queries against it; it is never the catalog store.
type DatabaseConfig struct {
	Dialect  string `json:"dialect"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

// AgentConfig holds per-application pipeline switches.
type AgentConfig struct {
	RAGEnabled bool `json:"rag_enabled"`
}

// Application scopes a table catalog, few-shot examples, and a target
// database under one name.
type Application struct {
	ID          surrealmodels.RecordID `json:"id"`
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Database    DatabaseConfig         `json:"database"`
	Agent       AgentConfig            `json:"agent"`
	Created     time.Time              `json:"created,omitempty"`
}

// FewShotExample is a worked (question, sql) pair supplied to the SQL
// synthesizer in creation order. Immutable during a run.
type FewShotExample struct {
	ID          surrealmodels.RecordID `json:"id"`
	Application string                 `json:"application"`
	Question    string                 `json:"question"`
	SQL         string                 `json:"sql"`
	Enabled     bool                   `json:"enabled"`
	Created     time.Time              `json:"created,omitempty"`
}

// FineTunedModel registers an application-specific model name. When one is
// enabled the SQL synthesizer prefers it over the configured default.
type FineTunedModel struct {
	ID          surrealmodels.RecordID `json:"id"`
	Application string                 `json:"application"`
	ModelName   string                 `json:"model_name"`
	Enabled     bool                   `json:"enabled"`
	Created     time.Time              `json:"created,omitempty"`
}
