package config

import "time"

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Crew: CrewConfig{
			Backend:      "none",
			Threads:      4,
			PollInterval: Duration(10 * time.Millisecond),
		},
		Log: LogConfig{Level: "info", Format: "console"},
		Providers: map[string]ProviderConfig{
			"claude": {Command: "claude", Type: "claude"},
			"codex":  {Command: "codex", Type: "codex"},
			"goose":  {Command: "goose", Type: "goose"},
		},
		Agents: map[string]AgentConfig{
			"planner": {
				Provider:     "claude",
				SystemPrompt: "You break work into concrete steps.",
			},
			"coder": {
				Provider:     "claude",
				SystemPrompt: "You implement features and write production code.",
			},
			"reviewer": {
				Provider:     "claude",
				SystemPrompt: "You review code for correctness, style, and best practices.",
			},
			"tester": {
				Provider:     "claude",
				SystemPrompt: "You write comprehensive tests and validate functionality.",
			},
		},
	}
}
