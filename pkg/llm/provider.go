// Package llm executes frozen LLM descriptors against providers, validates
// outputs against their compiled schemas, and chains multi-stage pipelines.
package llm

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	openai "github.com/sashabaranov/go-openai"

	"github.com/corrflow/corrflow/pkg/models"
)

// Provider names.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderAzure     = "azure"
	ProviderOllama    = "ollama"
)

// CompletionRequest is the provider-neutral call shape.
type CompletionRequest struct {
	Model        string
	SystemPrompt string
	FewShots     []models.FewShot
	UserMessage  string
	Temperature  float32
	MaxTokens    int
}

// CompletionResponse is the provider-neutral result.
type CompletionResponse struct {
	Text       string
	TokensUsed int
}

// Provider is one LLM back-end. Implementations must be safe for concurrent
// use.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
}

// DetectProvider picks the provider from the model name. Unknown models fall
// back to the local ollama provider.
func DetectProvider(model string) string {
	lower := strings.ToLower(model)
	switch {
	case strings.HasPrefix(lower, "azure/"):
		return ProviderAzure
	case strings.HasPrefix(lower, "claude"):
		return ProviderAnthropic
	case strings.HasPrefix(lower, "gpt"), strings.HasPrefix(lower, "o1"),
		strings.HasPrefix(lower, "o3"), strings.HasPrefix(lower, "o4"):
		return ProviderOpenAI
	default:
		return ProviderOllama
	}
}

// ── OpenAI-compatible providers ──

// OpenAIProvider serves OpenAI, Azure OpenAI, and local Ollama endpoints
// through the openai-compatible chat completions API.
type OpenAIProvider struct {
	name   string
	client *openai.Client
}

// NewOpenAIProvider creates the hosted OpenAI provider.
func NewOpenAIProvider(apiKey string) *OpenAIProvider {
	return &OpenAIProvider{name: ProviderOpenAI, client: openai.NewClient(apiKey)}
}

// NewAzureProvider creates an Azure OpenAI provider.
func NewAzureProvider(apiKey, endpoint string) *OpenAIProvider {
	cfg := openai.DefaultAzureConfig(apiKey, endpoint)
	return &OpenAIProvider{name: ProviderAzure, client: openai.NewClientWithConfig(cfg)}
}

// NewOllamaProvider creates a provider for a local openai-compatible server.
func NewOllamaProvider(baseURL string) *OpenAIProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434/v1"
	}
	cfg := openai.DefaultConfig("")
	cfg.BaseURL = baseURL
	return &OpenAIProvider{name: ProviderOllama, client: openai.NewClientWithConfig(cfg)}
}

func (p *OpenAIProvider) Name() string { return p.name }

// Complete performs one chat completion.
func (p *OpenAIProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 2+2*len(req.FewShots))
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt,
		})
	}
	for _, shot := range req.FewShots {
		messages = append(messages,
			openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: shot.User},
			openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: shot.Assistant},
		)
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser, Content: req.UserMessage,
	})

	model := strings.TrimPrefix(req.Model, "azure/")
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("%s completion failed: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return CompletionResponse{}, fmt.Errorf("%s returned no choices", p.name)
	}
	return CompletionResponse{
		Text:       resp.Choices[0].Message.Content,
		TokensUsed: resp.Usage.TotalTokens,
	}, nil
}

// ── Anthropic ──

// AnthropicProvider serves Claude models.
type AnthropicProvider struct {
	client anthropic.Client
}

// NewAnthropicProvider creates the Anthropic provider.
func NewAnthropicProvider(apiKey string) *AnthropicProvider {
	return &AnthropicProvider{client: anthropic.NewClient(option.WithAPIKey(apiKey))}
}

func (p *AnthropicProvider) Name() string { return ProviderAnthropic }

// Complete performs one messages call.
func (p *AnthropicProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	messages := make([]anthropic.MessageParam, 0, 1+2*len(req.FewShots))
	for _, shot := range req.FewShots {
		messages = append(messages,
			anthropic.NewUserMessage(anthropic.NewTextBlock(shot.User)),
			anthropic.NewAssistantMessage(anthropic.NewTextBlock(shot.Assistant)),
		)
	}
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(req.UserMessage)))

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(float64(req.Temperature))
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("anthropic completion failed: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return CompletionResponse{
		Text:       text.String(),
		TokensUsed: int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
	}, nil
}

// DefaultProviders builds the provider set from the environment. Providers
// with no credentials are still registered; calls fail at the provider with
// an auth error rather than at lookup.
func DefaultProviders() map[string]Provider {
	return map[string]Provider{
		ProviderOpenAI:    NewOpenAIProvider(os.Getenv("OPENAI_API_KEY")),
		ProviderAnthropic: NewAnthropicProvider(os.Getenv("ANTHROPIC_API_KEY")),
		ProviderAzure:     NewAzureProvider(os.Getenv("AZURE_OPENAI_API_KEY"), os.Getenv("AZURE_OPENAI_ENDPOINT")),
		ProviderOllama:    NewOllamaProvider(os.Getenv("OLLAMA_BASE_URL")),
	}
}
