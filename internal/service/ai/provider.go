package ai

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"docassist/internal/config"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"google.golang.org/genai"
)

// ProviderTimeout bounds every outbound LLM and embedding call.
const ProviderTimeout = 120 * time.Second

// NewGenaiClient builds a Gemini API client with the provider timeout.
func NewGenaiClient(ctx context.Context, apiKey string) (*genai.Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key not configured")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: ProviderTimeout},
	})
	if err != nil {
		return nil, fmt.Errorf("new genai client: %w", err)
	}
	return client, nil
}

// NewChatModel builds the chat model for provider. genaiClient is reused for
// the gemini provider and may be nil for the others.
func NewChatModel(ctx context.Context, provider string, cfg config.ProviderConfig, genaiClient *genai.Client) (model.BaseChatModel, error) {
	var (
		chatModel model.BaseChatModel
		err       error
	)
	temperature := cfg.Temperature
	maxTokens := cfg.MaxTokens

	switch provider {
	case "gemini":
		if genaiClient == nil {
			genaiClient, err = NewGenaiClient(ctx, cfg.APIKey)
			if err != nil {
				return nil, err
			}
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client:      genaiClient,
			Model:       cfg.Model,
			Temperature: &temperature,
			MaxTokens:   &maxTokens,
		})
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			APIKey:      cfg.APIKey,
			Temperature: &temperature,
			MaxTokens:   &maxTokens,
			Timeout:     ProviderTimeout,
		})
	case "claude":
		var baseURLPtr *string
		if cfg.BaseURL != "" {
			baseURLPtr = &cfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			BaseURL:     baseURLPtr,
			MaxTokens:   maxTokens,
			Temperature: &temperature,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", provider, err)
	}
	return chatModel, nil
}
