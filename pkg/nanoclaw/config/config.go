// Package config loads NanoClaw's YAML configuration, following the
// teacher's defaults-then-overlay pattern: start from DefaultConfig(),
// unmarshal the YAML document on top of it, then resolve secrets through
// the keyring/env/.env/config priority chain.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/guard"
	"github.com/nanoclaw/nanoclaw/pkg/nanoclaw/secret"
)

// Config is the root configuration document.
type Config struct {
	Name      string          `yaml:"name"`
	DataDir   string          `yaml:"data_dir"`
	Logging   LoggingConfig   `yaml:"logging"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Agent     AgentConfig     `yaml:"agent"`
	Queue     QueueConfig     `yaml:"queue"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Plugins   PluginsConfig   `yaml:"plugins"`
	Guard     guard.Config    `yaml:"guard"`
}

// LoggingConfig controls the slog handler used by the host process.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "text"
}

// ChannelsConfig holds per-channel adapter settings.
type ChannelsConfig struct {
	Discord  DiscordConfig  `yaml:"discord"`
	Web      WebConfig      `yaml:"web"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
}

type DiscordConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type WhatsAppConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SessionDir string `yaml:"session_dir"`
}

// AgentConfig controls how the per-chat agent subprocess is spawned and
// supervised.
type AgentConfig struct {
	// Command is the binary spawned for each chat (defaults to the
	// co-installed "nanoclaw-agent").
	Command string `yaml:"command"`
	// IdleTimeout is how long an agent may sit without a new streamed
	// result before the queue writes the close sentinel.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// KillGrace is how long to wait after a graceful close before SIGKILL.
	KillGrace time.Duration `yaml:"kill_grace"`
	Provider  string        `yaml:"provider"`
	Model     string        `yaml:"model"`
	// BaseURL overrides the LLM provider's chat-completions endpoint.
	// Left empty, ResolveBaseURL picks a sensible default from Model's
	// prefix, mirroring the teacher's setup.go auto-detection.
	BaseURL string `yaml:"base_url"`
}

// QueueConfig controls per-chat queue behavior.
type QueueConfig struct {
	TaskIdleTimeout time.Duration `yaml:"task_idle_timeout"`
}

// SchedulerConfig controls the scheduled task engine's due-scan loop.
type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxRetries   int           `yaml:"max_retries"`
	Timezone     string        `yaml:"timezone"`
}

// PluginsConfig lists directories the plugin registry scans for manifests.
type PluginsConfig struct {
	Dirs []string `yaml:"dirs"`
}

// DefaultConfig returns the baseline configuration, overlaid by YAML when a
// config file is present.
func DefaultConfig() *Config {
	return &Config{
		Name:    "nanoclaw",
		DataDir: "./data",
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Channels: ChannelsConfig{
			Web: WebConfig{Enabled: true, Addr: "127.0.0.1:8787"},
		},
		Agent: AgentConfig{
			Command:     "nanoclaw-agent",
			IdleTimeout: 3 * time.Minute,
			KillGrace:   10 * time.Second,
			Provider:    "openai",
			Model:       "gpt-4o-mini",
		},
		Queue: QueueConfig{
			TaskIdleTimeout: 10 * time.Minute,
		},
		Scheduler: SchedulerConfig{
			PollInterval: 5 * time.Second,
			MaxRetries:   3,
			Timezone:     "UTC",
		},
		Plugins: PluginsConfig{
			Dirs: []string{"./plugins"},
		},
		Guard: guard.DefaultConfig(),
	}
}

// LoadFromFile reads a YAML config file, loads an adjacent .env if present,
// and overlays the YAML onto DefaultConfig().
func LoadFromFile(path string) (*Config, error) {
	if envPath := nearbyEnvFile(path); envPath != "" {
		_ = godotenv.Load(envPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	return Parse(data)
}

// Parse overlays YAML bytes onto DefaultConfig().
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing yaml: %w", err)
	}
	return cfg, nil
}

// FindConfigFile searches standard locations for a config file.
func FindConfigFile() string {
	for _, candidate := range []string{"config.yaml", "config.yml", "nanoclaw.yaml", "configs/config.yaml"} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

func nearbyEnvFile(configPath string) string {
	dir := "."
	if idx := strings.LastIndex(configPath, "/"); idx >= 0 {
		dir = configPath[:idx]
	}
	candidate := dir + "/.env"
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return ""
}

// ResolveDiscordToken resolves the Discord bot token using the shared
// keyring → env → config priority chain.
func (c *Config) ResolveDiscordToken() string {
	return secret.Resolve("discord_token", "NANOCLAW_DISCORD_TOKEN", c.Channels.Discord.Token)
}

// ResolveProviderAPIKey resolves the LLM provider API key from the keyring,
// then NANOCLAW_PROVIDER_API_KEY; config.yaml has no field for it.
func (c *Config) ResolveProviderAPIKey() string {
	return secret.Resolve("provider_api_key", "NANOCLAW_PROVIDER_API_KEY", "")
}

// ResolveBaseURL returns the agent's chat-completions endpoint: an
// explicit override if configured, otherwise a default chosen from the
// model name's prefix, same auto-detection the teacher's setup wizard
// applies (cmd/copilot/commands/setup.go).
func (c *Config) ResolveBaseURL() string {
	if c.Agent.BaseURL != "" {
		return c.Agent.BaseURL
	}
	switch {
	case strings.HasPrefix(c.Agent.Model, "glm-"):
		return "https://api.z.ai/api/anthropic"
	case strings.HasPrefix(c.Agent.Model, "claude-"):
		return "https://api.anthropic.com/v1"
	default:
		return "https://api.openai.com/v1"
	}
}
