package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoProvider struct{ model string }

func (p echoProvider) Chat(context.Context, []Message) (string, error) { return p.model, nil }

func TestRegistry_RoutesAndCaches(t *testing.T) {
	reg := NewRegistry()
	builds := 0
	reg.Register(" Fake ", func(_ context.Context, model string) (Provider, error) {
		builds++
		return echoProvider{model: model}, nil
	})

	p, err := reg.Get(context.Background(), "fake", "m1")
	require.NoError(t, err)
	out, _ := p.Chat(context.Background(), nil)
	assert.Equal(t, "m1", out)

	_, err = reg.Get(context.Background(), "FAKE", "m1")
	require.NoError(t, err)
	_, err = reg.Get(context.Background(), "fake", "m2")
	require.NoError(t, err)
	assert.Equal(t, 2, builds)
	assert.Equal(t, []string{"fake"}, reg.Names())

	_, err = reg.Get(context.Background(), "nope", "")
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestRegistry_FactoryError(t *testing.T) {
	reg := NewRegistry()
	reg.Register("broken", func(context.Context, string) (Provider, error) {
		return nil, errors.New("no key")
	})
	_, err := reg.Get(context.Background(), "broken", "")
	assert.ErrorContains(t, err, "no key")
}

func TestOllamaProvider_Chat(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"llama3","message":{"role":"assistant","content":"{\"paragraphs\":[\"hi\"]}"},"done":true}`))
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "llama3")
	out, err := p.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hello"}})
	require.NoError(t, err)
	assert.Equal(t, `{"paragraphs":["hi"]}`, out)
	assert.Equal(t, "json", got["format"])
	assert.Equal(t, false, got["stream"])
}

func TestOpenAIProvider_Chat(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"answer"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(srv.URL, "k", "gpt-test")
	out, err := p.Chat(context.Background(), []Message{{Role: RoleSystem, Content: "s"}, {Role: RoleUser, Content: "u"}})
	require.NoError(t, err)
	assert.Equal(t, "answer", out)
	assert.Equal(t, "gpt-test", got["model"])
	assert.Equal(t, map[string]any{"type": "json_object"}, got["response_format"])

	_, err = NewOpenAIProvider(srv.URL, "", "gpt-test").Chat(context.Background(), nil)
	assert.Error(t, err)
}

func TestDefaultRegistry(t *testing.T) {
	reg := DefaultRegistry(Settings{OllamaBaseURL: "http://127.0.0.1:1", OllamaModel: "llama3:latest"})
	assert.Equal(t, []string{"ollama", "openai"}, reg.Names())

	p, err := reg.Get(context.Background(), "ollama", "")
	require.NoError(t, err)
	assert.Equal(t, "llama3:latest", p.(*OllamaProvider).Model)

	_, err = reg.Get(context.Background(), "openai", "")
	assert.ErrorContains(t, err, "OPENAI_API_KEY")
}
