// Package config loads environment-based configuration for querypilot.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Supported LLM providers.
const (
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Config holds all configuration values.
type Config struct {
	// SurrealDB catalog/message store
	SurrealDBURL       string
	SurrealDBNamespace string
	SurrealDBDatabase  string
	SurrealDBUser      string
	SurrealDBPass      string
	SurrealDBAuthLevel string

	// LLM gateway
	LLMProvider     string
	LLMModel        string
	OllamaHost      string
	OpenAIAPIKey    string
	AnthropicAPIKey string
	LLMNumCtx       int
	LLMNumBatch     int

	// Per-agent model names; empty falls back to LLMModel.
	ComplianceModel string
	SchemaRAGModel  string
	SQLModel        string
	AnswerModel     string
	ChartsModel     string

	// Pipeline policy. Fixed constants in the original system, kept
	// configurable here.
	ComplianceThreshold  float64
	MaxAgentAttempts     int
	MaxExecutionAttempts int
	AnswerTokenBudget    int
	HistoryQuestionCount int

	// Server
	ServerPort string

	// Logging
	LogFile  string
	LogLevel slog.Level
}

// Load reads configuration from environment variables.
func Load() Config {
	return Config{
		SurrealDBURL:       getEnv("SURREALDB_URL", "ws://localhost:8000/rpc"),
		SurrealDBNamespace: getEnv("SURREALDB_NAMESPACE", "querypilot"),
		SurrealDBDatabase:  getEnv("SURREALDB_DATABASE", "catalog"),
		SurrealDBUser:      getEnv("SURREALDB_USER", "root"),
		SurrealDBPass:      getEnv("SURREALDB_PASS", "root"),
		SurrealDBAuthLevel: getEnv("SURREALDB_AUTH_LEVEL", "root"),

		LLMProvider:     getEnv("QUERYPILOT_LLM_PROVIDER", ProviderOllama),
		LLMModel:        getEnv("QUERYPILOT_LLM_MODEL", "qwen2.5:14b"),
		OllamaHost:      getEnv("OLLAMA_HOST", "http://localhost:11434"),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		LLMNumCtx:       getEnvInt("QUERYPILOT_LLM_NUM_CTX", 16384),
		LLMNumBatch:     getEnvInt("QUERYPILOT_LLM_NUM_BATCH", 512),

		ComplianceModel: getEnv("QUERYPILOT_COMPLIANCE_MODEL", ""),
		SchemaRAGModel:  getEnv("QUERYPILOT_SCHEMA_RAG_MODEL", ""),
		SQLModel:        getEnv("QUERYPILOT_SQL_MODEL", ""),
		AnswerModel:     getEnv("QUERYPILOT_ANSWER_MODEL", ""),
		ChartsModel:     getEnv("QUERYPILOT_CHARTS_MODEL", ""),

		ComplianceThreshold:  getEnvFloat("QUERYPILOT_COMPLIANCE_THRESHOLD", 0.6),
		MaxAgentAttempts:     getEnvInt("QUERYPILOT_MAX_AGENT_ATTEMPTS", 3),
		MaxExecutionAttempts: getEnvInt("QUERYPILOT_MAX_EXECUTION_ATTEMPTS", 3),
		AnswerTokenBudget:    getEnvInt("QUERYPILOT_ANSWER_TOKEN_BUDGET", 32*1024),
		HistoryQuestionCount: getEnvInt("QUERYPILOT_HISTORY_QUESTION_COUNT", 3),

		ServerPort: getEnv("QUERYPILOT_SERVER_PORT", "8486"),

		LogFile:  getEnv("QUERYPILOT_LOG_FILE", "/tmp/querypilot.log"),
		LogLevel: parseLogLevel(getEnv("QUERYPILOT_LOG_LEVEL", "INFO")),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
