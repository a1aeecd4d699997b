package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Dir is the directory name used for global and project configuration.
const Dir = ".crewgraph"

// Load merges the global and project files over the defaults, project last.
// Missing files are not errors; malformed JSON is.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}
	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadDefault loads ~/.crewgraph/config.json and ./.crewgraph/config.json.
func LoadDefault() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}
	return Load(GlobalPath(home), ProjectPath("."))
}

// GlobalPath returns the global config file under home.
func GlobalPath(home string) string { return filepath.Join(home, Dir, "config.json") }

// ProjectPath returns the project config file under root.
func ProjectPath(root string) string { return filepath.Join(root, Dir, "config.json") }

// mergeConfigFile overlays one file on base. Sections overlay field by
// field; provider and agent entries replace whole entries by key.
func mergeConfigFile(base *Config, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	sections := map[string]any{
		"crew":  &base.Crew,
		"store": &base.Store,
		"log":   &base.Log,
	}
	for key, dst := range sections {
		if msg, ok := raw[key]; ok {
			if err := json.Unmarshal(msg, dst); err != nil {
				return fmt.Errorf("parsing %s: %s: %w", path, key, err)
			}
		}
	}

	if msg, ok := raw["providers"]; ok {
		var providers map[string]ProviderConfig
		if err := json.Unmarshal(msg, &providers); err != nil {
			return fmt.Errorf("parsing %s: providers: %w", path, err)
		}
		for key, p := range providers {
			base.Providers[key] = p
		}
	}
	if msg, ok := raw["agents"]; ok {
		var agents map[string]AgentConfig
		if err := json.Unmarshal(msg, &agents); err != nil {
			return fmt.Errorf("parsing %s: agents: %w", path, err)
		}
		for key, a := range agents {
			base.Agents[key] = a
		}
	}
	return nil
}
