package config

import (
	"fmt"
	"sort"
	"strings"
)

// Key allowlists for save_config patches. Unknown keys are rejected so a
// model cannot silently corrupt the config.
var (
	validTopLevelKeys = map[string]bool{
		"providers": true, "fallbacks": true, "subagents": true,
		"vision": true, "workspace": true, "context_quota": true,
		"max_tool_rounds": true, "api_timeout": true, "search_engines": true,
		"gh_token": true, "avatar": true, "server": true, "matrix": true,
		"discord": true,
	}
	validProviderKeys = map[string]bool{
		"type": true, "base_url": true, "api_key": true, "num_ctx": true,
		"think": true, "options": true, "model_options": true, "models": true,
	}
	validModelsKeys = map[string]bool{
		"default": true, "aliases": true, "list": true, "fallbacks": true,
		"subagents": true,
	}
	validOllamaOptions = map[string]bool{
		"num_ctx": true, "num_predict": true, "temperature": true,
		"top_p": true, "top_k": true, "repeat_penalty": true, "seed": true,
		"stop": true, "min_p": true,
	}
	validProviderTypes = map[string]bool{
		"ollama": true, "openai": true, "deepseek": true, "google": true,
		"anthropic": true, "claude-code": true,
	}
)

// ValidatePatch checks a save_config patch map against the key allowlists.
func ValidatePatch(patch map[string]any) error {
	if bad := unknownKeys(patch, validTopLevelKeys); len(bad) > 0 {
		return fmt.Errorf("unknown config keys: %s", strings.Join(bad, ", "))
	}
	providers, _ := patch["providers"].(map[string]any)
	for name, raw := range providers {
		pm, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("provider %q: expected a mapping", name)
		}
		if bad := unknownKeys(pm, validProviderKeys); len(bad) > 0 {
			return fmt.Errorf("provider %q: unknown keys: %s", name, strings.Join(bad, ", "))
		}
		if typ, ok := pm["type"].(string); ok && typ != "" && !validProviderTypes[typ] {
			return fmt.Errorf("provider %q: unknown type %q", name, typ)
		}
		if models, ok := pm["models"].(map[string]any); ok {
			if bad := unknownKeys(models, validModelsKeys); len(bad) > 0 {
				return fmt.Errorf("provider %q: unknown models keys: %s", name, strings.Join(bad, ", "))
			}
		}
		if opts, ok := pm["options"].(map[string]any); ok {
			typ, _ := pm["type"].(string)
			if typ == "" || typ == "ollama" {
				if bad := unknownKeys(opts, validOllamaOptions); len(bad) > 0 {
					return fmt.Errorf("provider %q: unknown options: %s", name, strings.Join(bad, ", "))
				}
			}
		}
	}
	return nil
}

func unknownKeys(m map[string]any, allowed map[string]bool) []string {
	var bad []string
	for k := range m {
		if !allowed[k] {
			bad = append(bad, k)
		}
	}
	sort.Strings(bad)
	return bad
}
