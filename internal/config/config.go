// Package config loads the runtime configuration from YAML with
// environment variable expansion and validation. Components receive the
// parsed struct explicitly; there is no global registry.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration.
type Config struct {
	Workspace WorkspaceConfig `yaml:"workspace"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Provider  ProviderConfig  `yaml:"provider"`
	Agent     AgentConfig     `yaml:"agent"`
	Process   ProcessConfig   `yaml:"process"`
	Approval  ApprovalConfig  `yaml:"approval"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type WorkspaceConfig struct {
	Root string `yaml:"root"`
}

type TelegramConfig struct {
	Token string `yaml:"token"`
	// AllowedUserIDs restricts who may talk to the bot. Empty allows all.
	AllowedUserIDs []int64 `yaml:"allowed_user_ids"`
}

type ProviderConfig struct {
	// Kind selects the backend: "anthropic", "openai", or "cli".
	Kind   string `yaml:"kind"`
	Model  string `yaml:"model"`
	APIKey string `yaml:"api_key"`
	// BaseURL overrides the endpoint for OpenAI-compatible servers.
	BaseURL string `yaml:"base_url"`
	// Command is the local binary for the cli provider.
	Command string `yaml:"command"`
}

type AgentConfig struct {
	SystemPrompt        string        `yaml:"system_prompt"`
	MaxSteps            int           `yaml:"max_steps"`
	MaxToolCallsPerStep int           `yaml:"max_tool_calls_per_step"`
	ToolTimeout         time.Duration `yaml:"tool_timeout"`
	ToolConcurrency     int           `yaml:"tool_concurrency"`
	// ProbeEnabled turns on the routing pre-flight.
	ProbeEnabled bool `yaml:"probe_enabled"`
	// ToolAllow / ToolDeny are policy patterns ("read_*", "group:git").
	ToolAllow []string `yaml:"tool_allow"`
	ToolDeny  []string `yaml:"tool_deny"`
}

type ProcessConfig struct {
	MaxWallTime        time.Duration `yaml:"max_wall_time"`
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
	MaxOutputBytes     int64         `yaml:"max_output_bytes"`
	MaxSessionsPerUser int           `yaml:"max_sessions_per_user"`
	// DenyCommands are regular expressions; any command matching one is
	// refused before it spawns, in both exec and session tools.
	DenyCommands []string `yaml:"deny_commands"`
}

type ApprovalConfig struct {
	TTL               time.Duration `yaml:"ttl"`
	MaxPendingPerUser int           `yaml:"max_pending_per_user"`
}

type StorageConfig struct {
	// Path to the SQLite database file; empty means in-memory.
	Path string `yaml:"path"`
}

type MetricsConfig struct {
	// ListenAddr serves the Prometheus scrape endpoint at /metrics.
	ListenAddr string `yaml:"listen_addr"`
}

type LoggingConfig struct {
	Level          string   `yaml:"level"`
	Format         string   `yaml:"format"`
	RedactPatterns []string `yaml:"redact_patterns"`
}

// Load reads, expands, parses, and validates a config file. Environment
// references like ${TELEGRAM_TOKEN} expand before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse builds a Config from raw YAML.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Workspace.Root == "" {
		c.Workspace.Root = "."
	}
	if c.Provider.Kind == "" {
		c.Provider.Kind = "anthropic"
	}
	if c.Agent.MaxSteps == 0 {
		c.Agent.MaxSteps = 3
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = "127.0.0.1:9090"
	}
}

// Validate rejects configurations the runtime cannot start with.
func (c *Config) Validate() error {
	switch c.Provider.Kind {
	case "anthropic", "openai":
		if c.Provider.APIKey == "" {
			return fmt.Errorf("provider %q requires api_key", c.Provider.Kind)
		}
	case "cli":
		if c.Provider.Command == "" {
			return fmt.Errorf("cli provider requires command")
		}
	default:
		return fmt.Errorf("unknown provider kind %q", c.Provider.Kind)
	}
	if c.Agent.MaxSteps < 1 {
		return fmt.Errorf("agent.max_steps must be at least 1")
	}
	if c.Approval.MaxPendingPerUser < 0 {
		return fmt.Errorf("approval.max_pending_per_user must not be negative")
	}
	for _, p := range c.Process.DenyCommands {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("process.deny_commands pattern %q: %w", p, err)
		}
	}
	return nil
}
