package ai

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider talks to any OpenAI compatible endpoint (OpenAI, OpenRouter,
// vLLM ...).
type OpenAIProvider struct {
	Model    string
	JSONMode bool

	client *openai.Client
	apiKey string
}

func NewOpenAIProvider(baseURL, apiKey, model string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	cfg.HTTPClient = &http.Client{Timeout: 90 * time.Second}
	return &OpenAIProvider{
		Model:    model,
		JSONMode: true,
		client:   openai.NewClientWithConfig(cfg),
		apiKey:   apiKey,
	}
}

func (p *OpenAIProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	if strings.TrimSpace(p.apiKey) == "" {
		return "", errors.New("openai: api key is required")
	}
	model := strings.TrimSpace(p.Model)
	if model == "" {
		return "", errors.New("openai: model is required")
	}

	req := openai.ChatCompletionRequest{
		Model: model,
		Messages: func() []openai.ChatCompletionMessage {
			out := make([]openai.ChatCompletionMessage, 0, len(messages))
			for _, m := range messages {
				out = append(out, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
			}
			return out
		}(),
	}
	if p.JSONMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: empty response")
	}
	return resp.Choices[0].Message.Content, nil
}
