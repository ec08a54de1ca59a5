package config

import "strings"

// Default base URLs per provider type. Ollama-compatible servers are the
// fallback for unknown types.
var defaultBaseURLs = map[string]string{
	"ollama":    "http://localhost:11434",
	"openai":    "https://api.openai.com",
	"deepseek":  "https://api.deepseek.com",
	"google":    "https://generativelanguage.googleapis.com",
	"anthropic": "https://api.anthropic.com",
}

// SplitProviderPrefix splits "provider/model" into its parts. A model without
// a known provider prefix returns ("", model).
func (c *Config) SplitProviderPrefix(model string) (provider, name string) {
	idx := strings.Index(model, "/")
	if idx <= 0 {
		return "", model
	}
	prefix := model[:idx]
	if _, ok := c.Providers[prefix]; !ok {
		return "", model
	}
	return prefix, model[idx+1:]
}

// ResolveModel resolves a user-supplied model reference to its canonical
// "provider/model" form. Resolution order: alias lookup in every provider,
// exact configured model, provider default when empty.
func (c *Config) ResolveModel(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return c.defaultModel()
	}
	if prov, name := c.SplitProviderPrefix(ref); prov != "" {
		p := c.Providers[prov]
		if target, ok := p.Models.Aliases[name]; ok {
			return prov + "/" + target
		}
		return prov + "/" + name
	}
	for prov, p := range c.Providers {
		if p == nil {
			continue
		}
		if target, ok := p.Models.Aliases[ref]; ok {
			return prov + "/" + target
		}
	}
	for prov, p := range c.Providers {
		if p == nil {
			continue
		}
		if p.Models.Default == ref {
			return prov + "/" + ref
		}
		for _, m := range p.Models.List {
			if m == ref {
				return prov + "/" + ref
			}
		}
	}
	return ref
}

func (c *Config) defaultModel() string {
	// A single provider with a default wins; otherwise the "ollama"-typed one.
	var first string
	for prov, p := range c.Providers {
		if p == nil || p.Models.Default == "" {
			continue
		}
		if p.Type == "" || p.Type == "ollama" {
			return prov + "/" + p.Models.Default
		}
		if first == "" || prov < strings.SplitN(first, "/", 2)[0] {
			first = prov + "/" + p.Models.Default
		}
	}
	return first
}

// ProviderFor returns the provider config and bare model name for a resolved
// model reference. Unknown prefixes yield (nil, ref).
func (c *Config) ProviderFor(model string) (*ProviderConfig, string) {
	prov, name := c.SplitProviderPrefix(model)
	if prov == "" {
		return nil, model
	}
	return c.Providers[prov], name
}

// ProviderType returns the provider type for a model ("ollama" by default).
func (c *Config) ProviderType(model string) string {
	p, _ := c.ProviderFor(model)
	if p == nil || p.Type == "" {
		return "ollama"
	}
	return p.Type
}

// BaseURLFor returns the base URL for a model, falling back to the type
// default.
func (c *Config) BaseURLFor(model string) string {
	p, _ := c.ProviderFor(model)
	if p != nil && strings.TrimSpace(p.BaseURL) != "" {
		return strings.TrimRight(strings.TrimSpace(p.BaseURL), "/")
	}
	typ := "ollama"
	if p != nil && p.Type != "" {
		typ = p.Type
	}
	if u, ok := defaultBaseURLs[typ]; ok {
		return u
	}
	return defaultBaseURLs["ollama"]
}

// APIKeyFor returns the provider API key for a model.
func (c *Config) APIKeyFor(model string) string {
	p, _ := c.ProviderFor(model)
	if p == nil {
		return ""
	}
	return strings.TrimSpace(p.APIKey)
}

// NumCtxFor returns the context window size for a model (default 8192).
func (c *Config) NumCtxFor(model string) int {
	p, name := c.ProviderFor(model)
	if p != nil {
		if mo, ok := p.ModelOptions[name]; ok {
			if v, ok := numFromAny(mo["num_ctx"]); ok && v > 0 {
				return v
			}
		}
		if p.NumCtx > 0 {
			return p.NumCtx
		}
	}
	return DefaultNumCtx
}

// ThinkFor returns the think flag for a model, nil when unset.
func (c *Config) ThinkFor(model string) *bool {
	p, name := c.ProviderFor(model)
	if p == nil {
		return nil
	}
	if mo, ok := p.ModelOptions[name]; ok {
		if v, ok := mo["think"].(bool); ok {
			return &v
		}
	}
	return p.Think
}

// OptionsFor returns the merged request options for a model: provider options
// overlaid with per-model options.
func (c *Config) OptionsFor(model string) map[string]any {
	p, name := c.ProviderFor(model)
	if p == nil {
		return nil
	}
	out := make(map[string]any, len(p.Options))
	for k, v := range p.Options {
		out[k] = v
	}
	if mo, ok := p.ModelOptions[name]; ok {
		for k, v := range mo {
			if k == "num_ctx" || k == "think" {
				continue
			}
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// FallbacksFor returns the fallback chain for a model: the provider's own
// fallbacks first, then the global list, deduplicated and resolved, without
// the model itself.
func (c *Config) FallbacksFor(model string) []string {
	p, _ := c.ProviderFor(model)
	var out []string
	seen := map[string]bool{model: true}
	add := func(refs []string) {
		for _, fb := range refs {
			fb = strings.TrimSpace(fb)
			if fb == "" {
				continue
			}
			resolved := c.ResolveModel(fb)
			if resolved == "" || seen[resolved] {
				continue
			}
			seen[resolved] = true
			out = append(out, resolved)
		}
	}
	if p != nil {
		add(p.Models.Fallbacks)
	}
	add(c.Fallbacks)
	return out
}

// ConfiguredModels returns all configured model references in canonical form.
func (c *Config) ConfiguredModels() []string {
	var out []string
	seen := map[string]bool{}
	for prov, p := range c.Providers {
		if p == nil {
			continue
		}
		for _, m := range append([]string{p.Models.Default}, p.Models.List...) {
			if m == "" {
				continue
			}
			ref := prov + "/" + m
			if !seen[ref] {
				seen[ref] = true
				out = append(out, ref)
			}
		}
	}
	return out
}

func numFromAny(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
