package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrachat/terrachat/pkg/types"
)

// isolate points HOME and XDG dirs at a temp dir and clears provider keys.
func isolate(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(tmpDir, ".config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(tmpDir, ".local", "share"))
	for _, key := range []string{
		"OPENAI_API_KEY", "GOOGLE_GEMINI_API_KEY", "PERPLEXITY_API_KEY",
		"DEFAULT_CUSTOM_AI_ENDPOINT", "TERRACHAT_CONFIG", "TERRACHAT_PORT",
		"TERRACHAT_DB", "TERRACHAT_LOG_LEVEL", "OTEL_EXPORTER_OTLP_ENDPOINT",
	} {
		t.Setenv(key, "")
	}
	return tmpDir
}

func TestLoadDefaults(t *testing.T) {
	tmpDir := isolate(t)

	cfg, err := Load(tmpDir)
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Server.Port)
	assert.Equal(t, DefaultConcurrency, cfg.Worker.Concurrency)
	assert.Equal(t, filepath.Join(tmpDir, ".local", "share", "terrachat", "terrachat.db"), cfg.Database.Path)
	assert.Equal(t, "terrachat", cfg.Telemetry.ServiceName)
	assert.True(t, CORSEnabled(cfg))
	assert.Equal(t, DefaultTurnTimeout, TurnTimeout(cfg))
}

func TestLoadJSONCProjectOverridesGlobal(t *testing.T) {
	tmpDir := isolate(t)

	globalDir := filepath.Join(tmpDir, ".config", "terrachat")
	require.NoError(t, os.MkdirAll(globalDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(globalDir, "terrachat.json"), []byte(`{
		"server": {"port": 4000},
		"provider": {"openai": {"model": "gpt-4o"}}
	}`), 0644))

	project := filepath.Join(tmpDir, "project")
	require.NoError(t, os.MkdirAll(project, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(project, "terrachat.jsonc"), []byte(`{
		// project settings
		"server": {"port": 5000},
		"worker": {"concurrency": 2, "turn_timeout": "45s"},
		"provider": {"openai": {"api_key": "sk-project"}}
	}`), 0644))

	cfg, err := Load(project)
	require.NoError(t, err)

	assert.Equal(t, 5000, cfg.Server.Port)
	assert.Equal(t, 2, cfg.Worker.Concurrency)
	assert.Equal(t, 45*time.Second, TurnTimeout(cfg))

	openai := cfg.Provider["openai"]
	assert.Equal(t, "gpt-4o", openai.Model, "model from global file survives")
	assert.Equal(t, "sk-project", openai.APIKey)
}

func TestLoadYAMLWithInterpolation(t *testing.T) {
	tmpDir := isolate(t)
	t.Setenv("MY_GEMINI_KEY", "gm-123")

	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "terrachat.yaml"), []byte(`
log:
  level: debug
provider:
  gemini:
    api_key: "{env:MY_GEMINI_KEY}"
    model: gemini-1.5-pro
`), 0644))

	cfg, err := Load(tmpDir)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "gm-123", cfg.Provider["gemini"].APIKey)
	assert.Equal(t, "gemini-1.5-pro", cfg.Provider["gemini"].Model)
}

func TestLoadEnvOverrides(t *testing.T) {
	tmpDir := isolate(t)
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("PERPLEXITY_API_KEY", "pplx-env")
	t.Setenv("DEFAULT_CUSTOM_AI_ENDPOINT", "https://llm.internal/v1/chat")
	t.Setenv("TERRACHAT_PORT", "8088")
	t.Setenv("TERRACHAT_DB", ":memory:")

	cfg, err := Load(tmpDir)
	require.NoError(t, err)

	assert.Equal(t, "sk-env", cfg.Provider["openai"].APIKey)
	assert.Equal(t, "pplx-env", cfg.Provider["perplexity"].APIKey)
	assert.Equal(t, "https://llm.internal/v1/chat", cfg.Provider["custom"].Endpoint)
	assert.Empty(t, cfg.Provider["custom"].APIKey, "custom provider has no workspace key")
	assert.Equal(t, 8088, cfg.Server.Port)
	assert.Equal(t, ":memory:", cfg.Database.Path)
}

func TestLoadFileKeyWinsOverEnv(t *testing.T) {
	tmpDir := isolate(t)
	t.Setenv("OPENAI_API_KEY", "sk-env")
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "terrachat.json"),
		[]byte(`{"provider":{"openai":{"api_key":"sk-file"}}}`), 0644))

	cfg, err := Load(tmpDir)
	require.NoError(t, err)
	assert.Equal(t, "sk-file", cfg.Provider["openai"].APIKey)
}

func TestLoadMalformedFile(t *testing.T) {
	tmpDir := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "terrachat.json"), []byte(`{"server":`), 0644))

	_, err := Load(tmpDir)
	assert.Error(t, err)
}

func TestSaveRoundTripYAML(t *testing.T) {
	tmpDir := isolate(t)
	path := filepath.Join(tmpDir, "out", "terrachat.yaml")

	in := &types.Config{Server: types.ServerConfig{Port: 9000}}
	require.NoError(t, Save(in, path))

	t.Setenv("TERRACHAT_CONFIG", path)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
}
