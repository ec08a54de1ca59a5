// Package config loads and persists the concierge YAML configuration.
// The config lives in a directory (default ~/.concierge) together with the
// agent files, auth state, schedules and memory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ModelsConfig holds the model settings of one provider block.
type ModelsConfig struct {
	Default   string            `yaml:"default,omitempty"`
	Aliases   map[string]string `yaml:"aliases,omitempty"`
	List      []string          `yaml:"list,omitempty"`
	Fallbacks []string          `yaml:"fallbacks,omitempty"`
	Subagents bool              `yaml:"subagents,omitempty"`
}

// ProviderConfig is one entry under "providers".
type ProviderConfig struct {
	Type         string                    `yaml:"type,omitempty"` // ollama, openai, deepseek, google, anthropic, claude-code
	BaseURL      string                    `yaml:"base_url,omitempty"`
	APIKey       string                    `yaml:"api_key,omitempty"`
	NumCtx       int                       `yaml:"num_ctx,omitempty"`
	Think        *bool                     `yaml:"think,omitempty"`
	Options      map[string]any            `yaml:"options,omitempty"`
	ModelOptions map[string]map[string]any `yaml:"model_options,omitempty"`
	Models       ModelsConfig              `yaml:"models,omitempty"`
}

// ServerConfig configures the HTTP facade.
type ServerConfig struct {
	Listen string `yaml:"listen,omitempty"`
	// Token guards every endpoint except the health check. Empty disables
	// authentication; only safe behind a local or otherwise trusted listener.
	Token string `yaml:"token,omitempty"`
	Debug bool   `yaml:"debug,omitempty"`
}

// MatrixConfig configures the Matrix channel.
type MatrixConfig struct {
	Homeserver  string `yaml:"homeserver,omitempty"`
	UserID      string `yaml:"user_id,omitempty"`
	AccessToken string `yaml:"access_token,omitempty"`
	DeviceID    string `yaml:"device_id,omitempty"`
	// EncryptedRooms lists rooms the bot turns on end-to-end encryption in.
	// Rooms that already have encryption enabled are handled either way.
	EncryptedRooms []string `yaml:"encrypted_rooms,omitempty"`
}

// DiscordConfig configures the Discord channel.
type DiscordConfig struct {
	Token    string   `yaml:"token,omitempty"`
	Channels []string `yaml:"channels,omitempty"`
}

// Config is the full configuration file.
type Config struct {
	Providers     map[string]*ProviderConfig `yaml:"providers,omitempty"`
	Fallbacks     []string                   `yaml:"fallbacks,omitempty"`
	Subagents     []string                   `yaml:"subagents,omitempty"`
	Vision        string                     `yaml:"vision,omitempty"`
	Workspace     string                     `yaml:"workspace,omitempty"`
	ContextQuota  float64                    `yaml:"context_quota,omitempty"`
	MaxToolRounds int                        `yaml:"max_tool_rounds,omitempty"`
	APITimeout    float64                    `yaml:"api_timeout,omitempty"`
	SearchEngines map[string]string          `yaml:"search_engines,omitempty"`
	GHToken       string                     `yaml:"gh_token,omitempty"`
	Avatar        string                     `yaml:"avatar,omitempty"`
	Server        ServerConfig               `yaml:"server,omitempty"`
	Matrix        MatrixConfig               `yaml:"matrix,omitempty"`
	Discord       DiscordConfig              `yaml:"discord,omitempty"`

	// Dir is the directory the config was loaded from. Not serialized.
	Dir string `yaml:"-"`
}

const (
	DefaultContextQuota  = 0.85
	DefaultMaxToolRounds = 15
	DefaultAPITimeout    = 600
	DefaultNumCtx        = 8192
)

// DefaultDir returns the active config directory: $CONCIERGE_CONFIG or
// ~/.concierge.
func DefaultDir() string {
	if v := strings.TrimSpace(os.Getenv("CONCIERGE_CONFIG")); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".concierge"
	}
	return filepath.Join(home, ".concierge")
}

// Path returns the config file path inside dir.
func Path(dir string) string {
	return filepath.Join(dir, "config.yaml")
}

// Load reads config.yaml from dir. A missing file yields an empty config.
func Load(dir string) (*Config, error) {
	if dir == "" {
		dir = DefaultDir()
	}
	cfg := &Config{Dir: dir}
	data, err := os.ReadFile(Path(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Dir = dir
	return cfg, nil
}

// Quota returns the context quota clamped to [0.5, 0.95].
func (c *Config) Quota() float64 {
	q := c.ContextQuota
	if q == 0 {
		q = DefaultContextQuota
	}
	if q < 0.5 {
		q = 0.5
	}
	if q > 0.95 {
		q = 0.95
	}
	return q
}

// ToolRounds returns the tool round cap (default 15).
func (c *Config) ToolRounds() int {
	if c.MaxToolRounds > 0 {
		return c.MaxToolRounds
	}
	return DefaultMaxToolRounds
}

// Timeout returns the API timeout in seconds (default 600).
func (c *Config) Timeout() float64 {
	if c.APITimeout > 0 {
		return c.APITimeout
	}
	return DefaultAPITimeout
}

// SearchEngineURL returns the SearXNG base URL for an engine name.
// Empty name picks the first configured engine (stable order: "default"
// first, then lexicographic).
func (c *Config) SearchEngineURL(engine string) string {
	if len(c.SearchEngines) == 0 {
		return ""
	}
	engine = strings.TrimSpace(engine)
	if engine != "" {
		return c.SearchEngines[engine]
	}
	if u, ok := c.SearchEngines["default"]; ok {
		return u
	}
	best := ""
	for name := range c.SearchEngines {
		if best == "" || name < best {
			best = name
		}
	}
	return c.SearchEngines[best]
}

// SubagentsEnabled reports whether invoke_model is available: either a global
// subagents list or any provider with models.subagents set.
func (c *Config) SubagentsEnabled() bool {
	if len(c.Subagents) > 0 {
		return true
	}
	for _, p := range c.Providers {
		if p != nil && p.Models.Subagents {
			return true
		}
	}
	return false
}

// SubagentModels returns the resolved model references available to
// invoke_model: the global subagents list plus every model of a provider
// whose models.subagents flag is set.
func (c *Config) SubagentModels() []string {
	seen := map[string]bool{}
	var out []string
	add := func(ref string) {
		resolved := c.ResolveModel(ref)
		if resolved == "" || seen[resolved] {
			return
		}
		seen[resolved] = true
		out = append(out, resolved)
	}
	for _, ref := range c.Subagents {
		add(ref)
	}
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := c.Providers[name]
		if p == nil || !p.Models.Subagents {
			continue
		}
		if p.Models.Default != "" {
			add(name + "/" + p.Models.Default)
		}
		for _, m := range p.Models.List {
			add(name + "/" + m)
		}
	}
	return out
}
