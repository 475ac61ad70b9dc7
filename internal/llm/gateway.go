// Package llm provides the gateway to the text-generation backend used by
// all pipeline agents, wrapping langchaingo for provider portability.
package llm

import (
	"context"
	"fmt"

	"github.com/querypilot/querypilot/internal/config"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// Role identifies the author of one chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one non-system chat turn. Few-shot examples are passed as
// interleaved user/assistant messages ahead of the final question.
type Message struct {
	Role    Role
	Content string
}

// Request describes one generation call. Model overrides the gateway's
// default model name when non-empty.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	User        string
	Temperature float64
	JSONMode    bool
}

// StreamFunc receives incremental text deltas during a streaming call.
type StreamFunc func(ctx context.Context, chunk []byte) error

// Gateway wraps a langchaingo model for single-shot and streaming
// completion.
type Gateway struct {
	llm          llms.Model
	defaultModel string
}

// NewGateway creates a gateway for the configured provider.
func NewGateway(cfg config.Config) (*Gateway, error) {
	var model llms.Model
	var err error

	switch cfg.LLMProvider {
	case config.ProviderOllama:
		model, err = ollama.New(
			ollama.WithModel(cfg.LLMModel),
			ollama.WithServerURL(cfg.OllamaHost),
			ollama.WithRunnerNumCtx(cfg.LLMNumCtx),
			ollama.WithRunnerNumBatch(cfg.LLMNumBatch),
		)
		if err != nil {
			return nil, fmt.Errorf("create ollama model: %w", err)
		}

	case config.ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OpenAI API key required")
		}
		model, err = openai.New(
			openai.WithToken(cfg.OpenAIAPIKey),
			openai.WithModel(cfg.LLMModel),
		)
		if err != nil {
			return nil, fmt.Errorf("create openai model: %w", err)
		}

	case config.ProviderAnthropic:
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("Anthropic API key required")
		}
		model, err = anthropic.New(
			anthropic.WithToken(cfg.AnthropicAPIKey),
			anthropic.WithModel(cfg.LLMModel),
		)
		if err != nil {
			return nil, fmt.Errorf("create anthropic model: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.LLMProvider)
	}

	return &Gateway{
		llm:          model,
		defaultModel: cfg.LLMModel,
	}, nil
}

// Model returns the gateway's default model name.
func (g *Gateway) Model() string {
	return g.defaultModel
}

// Generate performs a single-shot completion and returns the full text.
func (g *Gateway) Generate(ctx context.Context, req Request) (string, error) {
	response, err := g.llm.GenerateContent(ctx, buildMessages(req), callOptions(req)...)
	if err != nil {
		return "", fmt.Errorf("generate: %w", wrapFatalError(err))
	}
	if len(response.Choices) == 0 {
		return "", fmt.Errorf("generate: no response choices")
	}
	return response.Choices[0].Content, nil
}

// GenerateStream performs an incremental completion, invoking fn for each
// text delta. It returns the accumulated full text once the model stops.
// A non-nil error from fn aborts the stream.
func (g *Gateway) GenerateStream(ctx context.Context, req Request, fn StreamFunc) (string, error) {
	opts := append(callOptions(req), llms.WithStreamingFunc(fn))
	response, err := g.llm.GenerateContent(ctx, buildMessages(req), opts...)
	if err != nil {
		return "", fmt.Errorf("generate stream: %w", wrapFatalError(err))
	}
	if len(response.Choices) == 0 {
		return "", fmt.Errorf("generate stream: no response choices")
	}
	return response.Choices[0].Content, nil
}

func buildMessages(req Request) []llms.MessageContent {
	messages := make([]llms.MessageContent, 0, len(req.Messages)+2)
	if req.System != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, req.System))
	}
	for _, m := range req.Messages {
		role := llms.ChatMessageTypeHuman
		if m.Role == RoleAssistant {
			role = llms.ChatMessageTypeAI
		}
		messages = append(messages, llms.TextParts(role, m.Content))
	}
	if req.User != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, req.User))
	}
	return messages
}

func callOptions(req Request) []llms.CallOption {
	opts := []llms.CallOption{llms.WithTemperature(req.Temperature)}
	if req.Model != "" {
		opts = append(opts, llms.WithModel(req.Model))
	}
	if req.JSONMode {
		opts = append(opts, llms.WithJSONMode())
	}
	return opts
}

// CountTokens estimates the token length of text for the given model.
// Used for result truncation budgeting, not billing.
func CountTokens(model, text string) int {
	return llms.CountTokens(model, text)
}
