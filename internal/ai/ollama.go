package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
)

type OllamaProvider struct {
	Model    string
	JSONMode bool

	client *api.Client
}

func NewOllamaProvider(baseURL, model string) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3:latest"
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		u, _ = url.Parse("http://localhost:11434")
	}
	return &OllamaProvider{
		Model:    model,
		JSONMode: true,
		client:   api.NewClient(u, &http.Client{Timeout: 90 * time.Second}),
	}
}

func (p *OllamaProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	if p.client == nil {
		return "", errors.New("ollama: client is nil")
	}

	stream := false
	req := &api.ChatRequest{
		Model:  p.Model,
		Stream: &stream,
		Messages: func() []api.Message {
			out := make([]api.Message, 0, len(messages))
			for _, m := range messages {
				out = append(out, api.Message{Role: m.Role, Content: m.Content})
			}
			return out
		}(),
	}
	if p.JSONMode {
		req.Format = json.RawMessage(`"json"`)
	}

	var b strings.Builder
	err := p.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		b.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return "", err
	}
	return b.String(), nil
}
