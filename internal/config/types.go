package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration is a time.Duration encoded as a Go duration string ("250ms").
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ProviderConfig is a transport: the CLI binary and how to call it.
// Several agents can share one provider.
type ProviderConfig struct {
	Command string   `json:"command"`        // CLI binary name
	Args    []string `json:"args,omitempty"` // appended to every invocation
	Type    string   `json:"type"`           // "claude", "codex" or "goose"
}

// AgentConfig is a role that uses a provider with a model and prompt.
type AgentConfig struct {
	Provider     string   `json:"provider"`
	Model        string   `json:"model,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	Tools        []string `json:"tools,omitempty"`      // crew tools the role may use
	LocalLLM     string   `json:"local_llm,omitempty"`  // goose provider, e.g. "ollama"
	SessionID    string   `json:"session_id,omitempty"` // pins one shared session
}

// RetryConfig configures worker retries. Zero fields take the scheduler's
// defaults.
type RetryConfig struct {
	MaxAttempts     int      `json:"max_attempts"`
	InitialInterval Duration `json:"initial_interval,omitempty"`
	MaxInterval     Duration `json:"max_interval,omitempty"`
	Multiplier      float64  `json:"multiplier,omitempty"`
}

// CrewConfig configures the scheduler.
type CrewConfig struct {
	Backend      string       `json:"backend"` // "none", "threading" or "async"
	Threads      int          `json:"threads"`
	PollInterval Duration     `json:"poll_interval"`
	UnitTimeout  Duration     `json:"unit_timeout,omitempty"`
	Retry        *RetryConfig `json:"retry,omitempty"`
}

// StoreConfig locates the graph database. An empty path means in-memory.
type StoreConfig struct {
	Path string `json:"path"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // console or json
}

// Config is the top-level configuration.
type Config struct {
	Crew      CrewConfig                `json:"crew"`
	Store     StoreConfig               `json:"store"`
	Log       LogConfig                 `json:"log"`
	Providers map[string]ProviderConfig `json:"providers"`
	Agents    map[string]AgentConfig    `json:"agents"`
}

// ResolveAgent returns an agent and the provider it runs on.
func (c *Config) ResolveAgent(name string) (AgentConfig, ProviderConfig, error) {
	agent, ok := c.Agents[name]
	if !ok {
		return AgentConfig{}, ProviderConfig{}, fmt.Errorf("unknown agent %q", name)
	}
	provider, ok := c.Providers[agent.Provider]
	if !ok {
		return AgentConfig{}, ProviderConfig{}, fmt.Errorf("agent %q: unknown provider %q", name, agent.Provider)
	}
	return agent, provider, nil
}

// Validate checks values the loader cannot.
func (c *Config) Validate() error {
	switch c.Crew.Backend {
	case "", "none", "threading", "async":
	default:
		return fmt.Errorf("crew.backend: unknown backend %q", c.Crew.Backend)
	}
	if c.Crew.Threads < 0 {
		return fmt.Errorf("crew.threads: must not be negative")
	}
	if r := c.Crew.Retry; r != nil && r.MaxAttempts < 0 {
		return fmt.Errorf("crew.retry.max_attempts: must not be negative")
	}
	for name := range c.Agents {
		if _, _, err := c.ResolveAgent(name); err != nil {
			return err
		}
	}
	return nil
}
