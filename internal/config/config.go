// Package config loads the runtime's YAML configuration into typed
// per-subsystem sections.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/nexus/internal/channels/discord"
	"github.com/haasonsaas/nexus/internal/channels/slack"
	"github.com/haasonsaas/nexus/internal/channels/telegram"
	"github.com/haasonsaas/nexus/internal/channels/whatsapp"
	"github.com/haasonsaas/nexus/internal/observability"
)

// Config is the root configuration document.
type Config struct {
	// WorkDir hosts the durable working directory: memory blobs, skills,
	// screenshots, and the sessions database.
	WorkDir string `yaml:"work_dir"`

	Server     ServerConfig                `yaml:"server"`
	Logging    observability.LogConfig     `yaml:"logging"`
	Tracing    observability.TracingConfig `yaml:"tracing"`
	Storage    StorageConfig               `yaml:"storage"`
	LLM        LLMConfig                   `yaml:"llm"`
	Vision     VisionConfig                `yaml:"vision"`
	Channels   ChannelsConfig              `yaml:"channels"`
	Gateway    GatewayConfig               `yaml:"gateway"`
	Tools      ToolsConfig                 `yaml:"tools"`
	Reflection ReflectionConfig            `yaml:"reflection"`
}

// ServerConfig configures the HTTP front door.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// StorageConfig selects the tabular backend.
type StorageConfig struct {
	// Driver is "sqlite3" (default) or "postgres".
	Driver string `yaml:"driver"`

	// DSN is the connection string; for sqlite3 it defaults to
	// <work_dir>/sessions/nexus.db.
	DSN string `yaml:"dsn"`
}

// LLMConfig configures the main conversation model.
type LLMConfig struct {
	// Provider is "openai" (default, any OpenAI-compatible endpoint) or
	// "anthropic".
	Provider      string `yaml:"provider"`
	APIKey        string `yaml:"api_key"`
	BaseURL       string `yaml:"base_url"`
	Model         string `yaml:"model"`
	MaxIterations int    `yaml:"max_iterations"`
}

// VisionConfig configures the screen-control worker. API settings fall
// back to the main LLM config when empty.
type VisionConfig struct {
	Enabled bool   `yaml:"enabled"`
	Model   string `yaml:"model"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Width   int    `yaml:"width"`
	Height  int    `yaml:"height"`
}

// ChannelsConfig aggregates the adapter configurations.
type ChannelsConfig struct {
	WhatsApp whatsapp.Config `yaml:"whatsapp"`
	Telegram telegram.Config `yaml:"telegram"`
	Discord  discord.Config  `yaml:"discord"`
	Slack    slack.Config    `yaml:"slack"`
}

// GatewayConfig configures the session router.
type GatewayConfig struct {
	// SelfTag marks outbound messages; falls back to the identity name.
	SelfTag string `yaml:"self_tag"`

	// AllowFrom maps channel name (or "default") to allowed sender ids.
	AllowFrom map[string][]string `yaml:"allow_from"`

	// ResetCommand clears a session's history (default "/reset").
	ResetCommand string `yaml:"reset_command"`

	// TypingIntervalSeconds is the typing-indicator cadence (default 4).
	TypingIntervalSeconds int `yaml:"typing_interval_seconds"`
}

// ToolsConfig carries per-tool settings.
type ToolsConfig struct {
	// GifAPIKey is the Tenor API key for the GIF tool.
	GifAPIKey string `yaml:"gif_api_key"`

	// ShellTimeoutSeconds bounds execute_command (default 60).
	ShellTimeoutSeconds int `yaml:"shell_timeout_seconds"`
}

// ReflectionConfig tunes the three reflection loops.
type ReflectionConfig struct {
	HeartbeatFile          string `yaml:"heartbeat_file"`
	SubconsciousMinMinutes int    `yaml:"subconscious_min_minutes"`
	SubconsciousMaxMinutes int    `yaml:"subconscious_max_minutes"`
	ConsciousMinMinutes    int    `yaml:"conscious_min_minutes"`
	ConsciousMaxMinutes    int    `yaml:"conscious_max_minutes"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		WorkDir: defaultWorkDir(),
		Server:  ServerConfig{Addr: ":8765"},
		Logging: observability.LogConfig{Level: "info", Format: "text"},
		Storage: StorageConfig{Driver: "sqlite3"},
		LLM:     LLMConfig{Provider: "openai", Model: "gpt-4o", MaxIterations: 10},
		Vision:  VisionConfig{Width: 1280, Height: 800},
		Gateway: GatewayConfig{ResetCommand: "/reset", TypingIntervalSeconds: 4},
		Tools:   ToolsConfig{ShellTimeoutSeconds: 60},
	}
}

// Load reads path (if it exists), overlays it onto the defaults, expands
// ${ENV_VAR} references, and applies the derived paths.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else {
			expanded := os.Expand(string(raw), func(key string) string {
				return os.Getenv(key)
			})
			if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}
	cfg.applyDerived()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDerived() {
	if c.WorkDir == "" {
		c.WorkDir = defaultWorkDir()
	}
	if c.Storage.DSN == "" && (c.Storage.Driver == "" || c.Storage.Driver == "sqlite3") {
		c.Storage.DSN = filepath.Join(c.SessionsDir(), "nexus.db")
	}
	if c.Channels.WhatsApp.SessionPath == "" {
		c.Channels.WhatsApp.SessionPath = filepath.Join(c.WorkDir, "whatsapp", "session.db")
	}
	if c.Reflection.HeartbeatFile == "" {
		c.Reflection.HeartbeatFile = filepath.Join(c.WorkDir, "HEARTBEAT.md")
	}
	if c.LLM.APIKey == "" {
		c.LLM.APIKey = firstEnv("NEXUS_LLM_API_KEY", "OPENAI_API_KEY", "ANTHROPIC_API_KEY")
	}
	if c.Vision.APIKey == "" {
		c.Vision.APIKey = c.LLM.APIKey
	}
	if c.Vision.BaseURL == "" {
		c.Vision.BaseURL = c.LLM.BaseURL
	}
	if c.Vision.Model == "" {
		c.Vision.Model = c.LLM.Model
	}
	if c.Tools.GifAPIKey == "" {
		c.Tools.GifAPIKey = os.Getenv("TENOR_API_KEY")
	}
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "", "sqlite3", "postgres":
	default:
		return fmt.Errorf("config: unknown storage driver %q", c.Storage.Driver)
	}
	switch strings.ToLower(c.LLM.Provider) {
	case "", "openai", "anthropic":
	default:
		return fmt.Errorf("config: unknown llm provider %q", c.LLM.Provider)
	}
	if err := c.Channels.WhatsApp.Validate(); err != nil {
		return err
	}
	if err := c.Channels.Telegram.Validate(); err != nil {
		return err
	}
	if err := c.Channels.Discord.Validate(); err != nil {
		return err
	}
	if err := c.Channels.Slack.Validate(); err != nil {
		return err
	}
	return nil
}

// MemoryDir is where the memory blobs live.
func (c *Config) MemoryDir() string { return filepath.Join(c.WorkDir, "memory") }

// SkillsDir is the markdown skills library.
func (c *Config) SkillsDir() string { return filepath.Join(c.WorkDir, "skills") }

// ScreenshotsDir holds vision worker captures.
func (c *Config) ScreenshotsDir() string { return filepath.Join(c.WorkDir, "screenshots") }

// SessionsDir holds the tabular store for sqlite deployments.
func (c *Config) SessionsDir() string { return filepath.Join(c.WorkDir, "sessions") }

// TypingInterval returns the gateway typing cadence as a duration.
func (c *Config) TypingInterval() time.Duration {
	return time.Duration(c.Gateway.TypingIntervalSeconds) * time.Second
}

// defaultWorkDir resolves the per-platform working directory.
func defaultWorkDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".nexus"
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "nexus")
		}
	}
	return filepath.Join(home, ".nexus")
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if value := os.Getenv(key); value != "" {
			return value
		}
	}
	return ""
}
