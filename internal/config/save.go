package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

const backupKeep = 5

// ApplyPatch validates a patch map, deep-merges it into the on-disk config,
// rotates a timestamped backup and writes the result atomically. The merged
// config is returned.
func ApplyPatch(dir string, patch map[string]any) (*Config, error) {
	if dir == "" {
		dir = DefaultDir()
	}
	if err := ValidatePatch(patch); err != nil {
		return nil, err
	}

	current := map[string]any{}
	path := Path(dir)
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &current); err != nil {
			return nil, fmt.Errorf("parse existing config: %w", err)
		}
		if err := rotateBackup(dir, data); err != nil {
			return nil, err
		}
	}

	merged := DeepMerge(current, patch)

	// Round-trip through the typed struct so a malformed patch fails here
	// instead of on the next load.
	raw, err := yaml.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	cfg := &Config{Dir: dir}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("patch produces invalid config: %w", err)
	}

	if err := writeAtomic(path, raw); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DeepMerge merges patch into base recursively. Maps merge key-by-key, nil
// patch values delete the key, everything else replaces.
func DeepMerge(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		pm, pok := v.(map[string]any)
		bm, bok := out[k].(map[string]any)
		if pok && bok {
			out[k] = DeepMerge(bm, pm)
			continue
		}
		out[k] = v
	}
	return out
}

func rotateBackup(dir string, data []byte) error {
	backupDir := filepath.Join(dir, "backups")
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}
	name := fmt.Sprintf("config-%s.yaml", time.Now().Format("20060102-150405"))
	if err := os.WriteFile(filepath.Join(backupDir, name), data, 0o600); err != nil {
		return fmt.Errorf("write backup: %w", err)
	}
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for len(names) > backupKeep {
		os.Remove(filepath.Join(backupDir, names[0]))
		names = names[1:]
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}
