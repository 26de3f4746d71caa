package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, ":8765", cfg.Server.Addr)
	require.Equal(t, "/reset", cfg.Gateway.ResetCommand)
	require.Equal(t, 60, cfg.Tools.ShellTimeoutSeconds)
	require.NotEmpty(t, cfg.Storage.DSN, "sqlite DSN is derived from work_dir")
}

func TestLoadOverlaysFileAndExpandsEnv(t *testing.T) {
	t.Setenv("TEST_TG_TOKEN", "tok-123")
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9000"
llm:
  provider: anthropic
  model: claude-sonnet-4-20250514
channels:
  telegram:
    enabled: true
    token: ${TEST_TG_TOKEN}
gateway:
  self_tag: "[LiteClaw]"
  allow_from:
    whatsapp: ["491700000001"]
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.Server.Addr)
	require.Equal(t, "anthropic", cfg.LLM.Provider)
	require.Equal(t, "tok-123", cfg.Channels.Telegram.Token)
	require.Equal(t, "[LiteClaw]", cfg.Gateway.SelfTag)
	require.Equal(t, []string{"491700000001"}, cfg.Gateway.AllowFrom["whatsapp"])
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Storage.Driver = "oracle"
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.LLM.Provider = "替身"
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Channels.Telegram.Enabled = true
	require.Error(t, cfg.Validate(), "enabled telegram needs a token")
}

func TestVisionFallsBackToLLMSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
llm:
  api_key: main-key
  base_url: http://llm.local/v1
  model: gpt-4o
vision:
  enabled: true
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "main-key", cfg.Vision.APIKey)
	require.Equal(t, "http://llm.local/v1", cfg.Vision.BaseURL)
	require.Equal(t, "gpt-4o", cfg.Vision.Model)
}

func TestDerivedDirectories(t *testing.T) {
	cfg := Default()
	cfg.WorkDir = "/tmp/nexus-test"
	require.Equal(t, "/tmp/nexus-test/memory", cfg.MemoryDir())
	require.Equal(t, "/tmp/nexus-test/skills", cfg.SkillsDir())
	require.Equal(t, "/tmp/nexus-test/screenshots", cfg.ScreenshotsDir())
}
