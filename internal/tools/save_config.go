package tools

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/steiger/concierge/internal/config"
)

// SaveConfigTool merges a patch into the config file. The previous file is
// kept as a backup and the merged result must round-trip through the typed
// config before it replaces the live file.
type SaveConfigTool struct {
	Dir string
	// Reload is called with the merged config after a successful write.
	Reload func(*config.Config)
}

func (t *SaveConfigTool) Name() string { return "save_config" }

func (t *SaveConfigTool) Description() string {
	return "Update the assistant configuration. Pass a JSON object with only the keys to " +
		"change; it is deep-merged into the current config. Setting a key to null removes it. " +
		"Unknown keys are rejected and the previous config is kept as a backup."
}

func (t *SaveConfigTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"patch": map[string]any{
				"type":        "string",
				"description": "JSON object with the config keys to change",
			},
		},
		"required": []string{"patch"},
	}
}

func (t *SaveConfigTool) Execute(ctx context.Context, args map[string]any) *Result {
	var patch map[string]any
	switch raw := args["patch"].(type) {
	case string:
		if err := json.Unmarshal([]byte(raw), &patch); err != nil {
			return Errf("patch is not a JSON object: %v", err)
		}
	case map[string]any:
		patch = raw
	default:
		return Errf("missing patch")
	}
	if len(patch) == 0 {
		return Errf("empty patch")
	}

	cfg, err := config.ApplyPatch(t.Dir, patch)
	if err != nil {
		return Errf("%v", err)
	}
	if t.Reload != nil {
		t.Reload(cfg)
	}

	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	return Okf("Configuration updated (%s). A backup of the previous config was kept.",
		strings.Join(keys, ", "))
}
