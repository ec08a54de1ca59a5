package config

import (
	"os"
	"path/filepath"
	"testing"
)

func testConfig() *Config {
	return &Config{
		Providers: map[string]*ProviderConfig{
			"local": {
				Type:   "ollama",
				NumCtx: 16384,
				Models: ModelsConfig{
					Default: "qwen3:14b",
					Aliases: map[string]string{"fast": "qwen3:4b"},
					List:    []string{"qwen3:4b", "llava:13b"},
				},
				ModelOptions: map[string]map[string]any{
					"qwen3:4b": {"num_ctx": 4096, "think": false, "temperature": 0.2},
				},
			},
			"cloud": {
				Type:   "anthropic",
				APIKey: "sk-test",
				Models: ModelsConfig{
					Default:   "claude-sonnet-4-5",
					Fallbacks: []string{"fast"},
				},
			},
		},
		Fallbacks: []string{"cloud/claude-sonnet-4-5"},
	}
}

func TestResolveModel(t *testing.T) {
	cfg := testConfig()
	tests := []struct {
		name string
		ref  string
		want string
	}{
		{"empty picks ollama default", "", "local/qwen3:14b"},
		{"alias", "fast", "local/qwen3:4b"},
		{"prefixed alias", "local/fast", "local/qwen3:4b"},
		{"bare configured model", "llava:13b", "local/llava:13b"},
		{"bare default", "claude-sonnet-4-5", "cloud/claude-sonnet-4-5"},
		{"already canonical", "cloud/claude-sonnet-4-5", "cloud/claude-sonnet-4-5"},
		{"unknown passes through", "mistral:7b", "mistral:7b"},
		{"unknown prefix stays whole", "nope/foo", "nope/foo"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cfg.ResolveModel(tt.ref); got != tt.want {
				t.Errorf("ResolveModel(%q) = %q, want %q", tt.ref, got, tt.want)
			}
		})
	}
}

func TestFallbacksFor(t *testing.T) {
	cfg := testConfig()
	got := cfg.FallbacksFor("cloud/claude-sonnet-4-5")
	// Provider fallbacks first, dedup against the model itself and the
	// global list.
	want := []string{"local/qwen3:4b"}
	if len(got) != len(want) {
		t.Fatalf("FallbacksFor = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("FallbacksFor[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	got = cfg.FallbacksFor("local/qwen3:14b")
	if len(got) != 1 || got[0] != "cloud/claude-sonnet-4-5" {
		t.Errorf("FallbacksFor(local) = %v, want global chain", got)
	}
}

func TestNumCtxFor(t *testing.T) {
	cfg := testConfig()
	tests := []struct {
		model string
		want  int
	}{
		{"local/qwen3:14b", 16384},
		{"local/qwen3:4b", 4096}, // model option beats provider
		{"cloud/claude-sonnet-4-5", DefaultNumCtx},
		{"unknown", DefaultNumCtx},
	}
	for _, tt := range tests {
		if got := cfg.NumCtxFor(tt.model); got != tt.want {
			t.Errorf("NumCtxFor(%q) = %d, want %d", tt.model, got, tt.want)
		}
	}
}

func TestThinkFor(t *testing.T) {
	cfg := testConfig()
	if v := cfg.ThinkFor("local/qwen3:4b"); v == nil || *v {
		t.Errorf("ThinkFor(qwen3:4b) = %v, want false", v)
	}
	if v := cfg.ThinkFor("local/qwen3:14b"); v != nil {
		t.Errorf("ThinkFor(qwen3:14b) = %v, want nil", v)
	}
}

func TestOptionsFor(t *testing.T) {
	cfg := testConfig()
	opts := cfg.OptionsFor("local/qwen3:4b")
	if opts["temperature"] != 0.2 {
		t.Errorf("temperature = %v, want 0.2", opts["temperature"])
	}
	// num_ctx and think have dedicated accessors, never request options.
	if _, ok := opts["num_ctx"]; ok {
		t.Error("num_ctx leaked into options")
	}
	if _, ok := opts["think"]; ok {
		t.Error("think leaked into options")
	}
}

func TestQuotaClamp(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{0, DefaultContextQuota},
		{0.3, 0.5},
		{0.7, 0.7},
		{0.99, 0.95},
	}
	for _, tt := range tests {
		c := &Config{ContextQuota: tt.in}
		if got := c.Quota(); got != tt.want {
			t.Errorf("Quota(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestBaseURLFor(t *testing.T) {
	cfg := testConfig()
	cfg.Providers["local"].BaseURL = "http://gpu-box:11434/"
	if got := cfg.BaseURLFor("local/qwen3:14b"); got != "http://gpu-box:11434" {
		t.Errorf("trailing slash not trimmed: %q", got)
	}
	if got := cfg.BaseURLFor("cloud/claude-sonnet-4-5"); got != "https://api.anthropic.com" {
		t.Errorf("type default not applied: %q", got)
	}
	if got := cfg.BaseURLFor("unknown"); got != "http://localhost:11434" {
		t.Errorf("fallback default: %q", got)
	}
}

func TestSearchEngineURL(t *testing.T) {
	c := &Config{SearchEngines: map[string]string{
		"default": "http://searx-a:8080",
		"alt":     "http://searx-b:8080",
	}}
	if got := c.SearchEngineURL(""); got != "http://searx-a:8080" {
		t.Errorf("empty engine = %q, want default entry", got)
	}
	if got := c.SearchEngineURL("alt"); got != "http://searx-b:8080" {
		t.Errorf("named engine = %q", got)
	}
	if got := c.SearchEngineURL("missing"); got != "" {
		t.Errorf("missing engine = %q, want empty", got)
	}
}

func TestSubagentModels(t *testing.T) {
	cfg := testConfig()
	cfg.Subagents = []string{"fast"}
	cfg.Providers["cloud"].Models.Subagents = true
	got := cfg.SubagentModels()
	want := map[string]bool{
		"local/qwen3:4b":          true,
		"cloud/claude-sonnet-4-5": true,
	}
	if len(got) != len(want) {
		t.Fatalf("SubagentModels = %v", got)
	}
	for _, m := range got {
		if !want[m] {
			t.Errorf("unexpected model %q", m)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Dir != dir {
		t.Errorf("Dir = %q, want %q", cfg.Dir, dir)
	}
	if len(cfg.Providers) != 0 {
		t.Errorf("expected empty config, got %+v", cfg)
	}
}

func TestLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	yaml := `
workspace: /tmp/ws
vision: llava:13b
providers:
  local:
    type: ollama
    num_ctx: 16384
    models:
      default: qwen3:14b
`
	if err := os.WriteFile(Path(dir), []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Workspace != "/tmp/ws" || cfg.Vision != "llava:13b" {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if cfg.Providers["local"].NumCtx != 16384 {
		t.Errorf("num_ctx = %d", cfg.Providers["local"].NumCtx)
	}
}

func TestValidatePatch(t *testing.T) {
	tests := []struct {
		name    string
		patch   map[string]any
		wantErr bool
	}{
		{"valid top level", map[string]any{"vision": "llava:13b"}, false},
		{"unknown top level", map[string]any{"visoin": "x"}, true},
		{"valid provider", map[string]any{"providers": map[string]any{
			"local": map[string]any{"type": "ollama", "num_ctx": 8192},
		}}, false},
		{"unknown provider key", map[string]any{"providers": map[string]any{
			"local": map[string]any{"numctx": 8192},
		}}, true},
		{"bad provider type", map[string]any{"providers": map[string]any{
			"local": map[string]any{"type": "llamacpp"},
		}}, true},
		{"bad ollama option", map[string]any{"providers": map[string]any{
			"local": map[string]any{"options": map[string]any{"tempratur": 1}},
		}}, true},
		{"non-ollama options pass", map[string]any{"providers": map[string]any{
			"cloud": map[string]any{"type": "openai", "options": map[string]any{"anything": 1}},
		}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePatch(tt.patch)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePatch() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDeepMerge(t *testing.T) {
	base := map[string]any{
		"vision": "llava:13b",
		"providers": map[string]any{
			"local": map[string]any{"num_ctx": 8192, "type": "ollama"},
		},
	}
	patch := map[string]any{
		"vision": nil,
		"providers": map[string]any{
			"local": map[string]any{"num_ctx": 16384},
		},
	}
	out := DeepMerge(base, patch)
	if _, ok := out["vision"]; ok {
		t.Error("nil patch value should delete the key")
	}
	local := out["providers"].(map[string]any)["local"].(map[string]any)
	if local["num_ctx"] != 16384 {
		t.Errorf("num_ctx = %v, want 16384", local["num_ctx"])
	}
	if local["type"] != "ollama" {
		t.Error("sibling key lost in merge")
	}
}

func TestApplyPatch(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(Path(dir), []byte("workspace: /tmp/ws\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := ApplyPatch(dir, map[string]any{"vision": "llava:13b"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Workspace != "/tmp/ws" || cfg.Vision != "llava:13b" {
		t.Errorf("merged config: %+v", cfg)
	}
	// Reload confirms the write hit disk.
	reloaded, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Vision != "llava:13b" {
		t.Error("patch not persisted")
	}
	// A backup of the previous file was kept.
	entries, err := os.ReadDir(filepath.Join(dir, "backups"))
	if err != nil || len(entries) == 0 {
		t.Errorf("expected a backup, err=%v entries=%d", err, len(entries))
	}
}

func TestApplyPatchRejectsUnknownKey(t *testing.T) {
	dir := t.TempDir()
	if _, err := ApplyPatch(dir, map[string]any{"bogus": true}); err == nil {
		t.Fatal("expected validation error")
	}
	if _, err := os.Stat(Path(dir)); !os.IsNotExist(err) {
		t.Error("rejected patch must not write the config")
	}
}
