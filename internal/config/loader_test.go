package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
}

func TestLoaderMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TOLLGATE_DATA_DIR", dir)

	cfg, err := Load(filepath.Join(dir, "absent.json"))
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o-mini", cfg.Model.Deployment)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, filepath.Join(dir, "threads"), cfg.Store.Path)
}

func TestLoaderReadsJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tollgate.json")
	writeFile(t, path, `{
		"model": {"provider": "openai", "api_key": "sk-test", "model": "gpt-4o", "timeout": "15s"},
		"store": {"backend": "sqlite"},
		"tools": {"require_approval": ["send_email", "delete_file"]},
		"data_dir": "`+dir+`"
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ProviderOpenAI, cfg.Model.Provider)
	assert.Equal(t, "gpt-4o", cfg.Model.Model)
	assert.Equal(t, 15*time.Second, cfg.Model.Timeout)
	assert.Equal(t, []string{"send_email", "delete_file"}, cfg.Tools.RequireApproval)
	assert.Equal(t, filepath.Join(dir, "threads.db"), cfg.Store.Path)
	// untouched sections keep defaults
	assert.Equal(t, "You are a helpful assistant", cfg.Agent.Instructions)
	assert.NoError(t, cfg.Validate())
}

func TestLoaderReadsYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tollgate.yaml")
	writeFile(t, path, "agent:\n  max_steps: 4\nstore:\n  backend: memory\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Agent.MaxSteps)
	assert.Equal(t, BackendMemory, cfg.Store.Backend)
}

func TestLoaderEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tollgate.json")
	writeFile(t, path, `{"model": {"deployment": "from-file"}}`)

	t.Run("prefixed variable overrides file", func(t *testing.T) {
		t.Setenv("TOLLGATE_MODEL_DEPLOYMENT", "from-env")
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "from-env", cfg.Model.Deployment)
	})

	t.Run("azure variables are honored", func(t *testing.T) {
		t.Setenv("AZURE_OPENAI_ENDPOINT", "https://res.openai.azure.com")
		t.Setenv("AZURE_OPENAI_DEPLOYMENT_NAME", "gpt-4o")
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "https://res.openai.azure.com", cfg.Model.Endpoint)
		assert.Equal(t, "gpt-4o", cfg.Model.Deployment)
	})

	t.Run("durations and numbers parse", func(t *testing.T) {
		t.Setenv("TOLLGATE_GATEWAY_PORT", "9090")
		t.Setenv("TOLLGATE_RETENTION_MAX_AGE", "48h")
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 9090, cfg.Gateway.Port)
		assert.Equal(t, 48*time.Hour, cfg.Retention.MaxAge)
	})
}

func TestLoaderSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "tollgate.json")
	loader := NewLoader(path)

	cfg := DefaultConfig()
	cfg.Model.Deployment = "saved"
	cfg.DataDir = dir
	require.NoError(t, loader.Save(cfg))

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "saved", loaded.Model.Deployment)
}

func TestLoaderWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tollgate.json")
	writeFile(t, path, `{"logging": {"level": "info"}}`)

	loader := NewLoader(path)
	_, err := loader.Load()
	require.NoError(t, err)

	var level atomic.Value
	require.NoError(t, loader.Watch(func(cfg *Config) {
		level.Store(cfg.Logging.Level)
	}, nil))

	writeFile(t, path, `{"logging": {"level": "debug"}}`)

	assert.Eventually(t, func() bool {
		v, _ := level.Load().(string)
		return v == "debug"
	}, 5*time.Second, 50*time.Millisecond)
}

func TestLoaderWatchWithoutFile(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "none.json"))
	_, err := loader.Load()
	require.NoError(t, err)
	assert.Error(t, loader.Watch(func(*Config) {}, nil))
}
