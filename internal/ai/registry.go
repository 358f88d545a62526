package ai

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var ErrUnknownProvider = errors.New("unknown ai provider")

// ProviderFactory builds a provider for model. An empty model means the
// factory's default.
type ProviderFactory func(ctx context.Context, model string) (Provider, error)

// Registry routes a chat's stored (provider, model) pair to a Provider.
// Built providers are cached per pair; they hold their own HTTP clients.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
	built     map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]ProviderFactory),
		built:     make(map[string]Provider),
	}
}

func normalize(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

func (r *Registry) Register(name string, f ProviderFactory) {
	name = normalize(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
	for k := range r.built {
		if strings.HasPrefix(k, name+"\x00") {
			delete(r.built, k)
		}
	}
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for n := range r.factories {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Get(ctx context.Context, name string, model string) (Provider, error) {
	name = normalize(name)
	model = strings.TrimSpace(model)
	key := name + "\x00" + model

	r.mu.RLock()
	p, cached := r.built[key]
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if cached {
		return p, nil
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}

	p, err := f(ctx, model)
	if err != nil {
		return nil, fmt.Errorf("build %s provider: %w", name, err)
	}
	r.mu.Lock()
	r.built[key] = p
	r.mu.Unlock()
	return p, nil
}

// Settings configures the builtin providers.
type Settings struct {
	OllamaBaseURL string
	OllamaModel   string
	OpenAIBaseURL string
	OpenAIAPIKey  string
	OpenAIModel   string
}

// DefaultRegistry registers "ollama" and "openai" (any OpenAI compatible
// endpoint, OpenRouter included).
func DefaultRegistry(s Settings) *Registry {
	reg := NewRegistry()
	reg.Register("ollama", func(_ context.Context, model string) (Provider, error) {
		if model == "" {
			model = s.OllamaModel
		}
		return NewOllamaProvider(s.OllamaBaseURL, model), nil
	})
	reg.Register("openai", func(_ context.Context, model string) (Provider, error) {
		if s.OpenAIAPIKey == "" {
			return nil, errors.New("OPENAI_API_KEY is not set")
		}
		if model == "" {
			model = s.OpenAIModel
		}
		return NewOpenAIProvider(s.OpenAIBaseURL, s.OpenAIAPIKey, model), nil
	})
	return reg
}
