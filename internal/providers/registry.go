package providers

import (
	"context"
	"sync"
	"time"

	"github.com/steiger/concierge/internal/config"
)

// Registry builds and caches provider adapters from the configuration. The
// cache key is the provider block name, so per-provider credentials and base
// URLs stay isolated.
type Registry struct {
	cfg *config.Config

	mu    sync.Mutex
	cache map[string]Provider
}

// NewRegistry creates a provider registry for cfg.
func NewRegistry(cfg *config.Config) *Registry {
	return &Registry{cfg: cfg, cache: map[string]Provider{}}
}

// For returns the adapter and bare API model name for a resolved model
// reference ("provider/model"). Unknown references get the default Ollama
// adapter.
func (r *Registry) For(model string) (Provider, string) {
	prov, name := r.cfg.SplitProviderPrefix(model)
	timeout := time.Duration(r.cfg.Timeout() * float64(time.Second))

	r.mu.Lock()
	defer r.mu.Unlock()
	key := prov
	if key == "" {
		key = "_default"
	}
	if p, ok := r.cache[key]; ok {
		return p, name
	}

	var p Provider
	typ := r.cfg.ProviderType(model)
	baseURL := r.cfg.BaseURLFor(model)
	apiKey := r.cfg.APIKeyFor(model)
	switch typ {
	case "anthropic":
		p = NewAnthropicProvider(prov, apiKey, baseURL, timeout)
	case "openai", "deepseek":
		p = NewOpenAIProvider(prov, apiKey, baseURL, timeout)
	case "google":
		p = NewGoogleProvider(prov, apiKey, baseURL, timeout)
	case "claude-code":
		p = NewClaudeCodeProvider(prov, timeout)
	default:
		p = NewOllamaProvider(prov, baseURL, apiKey, timeout)
	}
	r.cache[key] = p
	return p, name
}

// SupportsTools reports whether a model can receive a tools schema. Only
// Ollama models are probed; the hosted APIs all support tool use.
func (r *Registry) SupportsTools(model string) bool {
	if r.cfg.ProviderType(model) != "ollama" {
		return true
	}
	p, name := r.For(model)
	op, ok := p.(*OllamaProvider)
	if !ok {
		return true
	}
	return op.SupportsTools(context.Background(), name)
}
