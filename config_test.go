package lightning

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRuntimeConfigDefaults(t *testing.T) {
	cfg := NewRuntimeConfig()

	assert.Equal(t, ModeLocal, cfg.Mode)
	assert.Equal(t, ProviderMemory, cfg.StorageProvider)
	assert.Equal(t, ProviderMemory, cfg.EventBusProvider)
	assert.True(t, cfg.Dedup.Enabled)
	assert.Equal(t, 60*time.Second, cfg.Dedup.Window())
	assert.Equal(t, 24*time.Hour, cfg.Replay.Retention())
	assert.Equal(t, 5, cfg.Resilience.FailureThreshold)
	assert.Equal(t, 10*time.Second, cfg.Health.CheckInterval())
	assert.Equal(t, 24*time.Hour, cfg.Conversation.MaxSessionAge())
	assert.Equal(t, "gpt-4o-mini", cfg.Chat.Model)
}

func TestValidateNormalizesZeroValues(t *testing.T) {
	cfg := &RuntimeConfig{}
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ModeLocal, cfg.Mode)
	assert.Equal(t, ProviderMemory, cfg.StorageProvider)
	assert.Equal(t, 100, cfg.Conversation.MaxTurnsPerSession)
	assert.Equal(t, 30, cfg.ContextHub.TimeoutSeconds)
}

func TestValidateRejectsUnknownMode(t *testing.T) {
	cfg := &RuntimeConfig{Mode: "hybrid"}
	require.ErrorIs(t, cfg.Validate(), ErrUnknownMode)

	var nilConfig *RuntimeConfig
	require.ErrorIs(t, nilConfig.Validate(), ErrConfigNil)
}

func TestLoadConfigYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
mode: local
adminAddr: "127.0.0.1:8090"
dedup:
  windowSeconds: 120
conversation:
  maxTurnsPerSession: 5
chat:
  model: gpt-4o
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8090", cfg.AdminAddr)
	assert.Equal(t, 120*time.Second, cfg.Dedup.Window())
	assert.Equal(t, 5, cfg.Conversation.MaxTurnsPerSession)
	assert.Equal(t, "gpt-4o", cfg.Chat.Model)
	// Untouched settings still normalize.
	assert.Equal(t, ProviderMemory, cfg.StorageProvider)
}

func TestLoadConfigTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
mode = "local"
storagePath = "/tmp/lightning"

[replay]
maxHistorySize = 500
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/lightning", cfg.StoragePath)
	assert.Equal(t, 500, cfg.Replay.MaxHistorySize)
}

func TestLoadConfigRejectsUnknownExtension(t *testing.T) {
	_, err := LoadConfig("config.ini")
	require.ErrorIs(t, err, ErrConfigFormatUnknown)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestEnvFeederOverrides(t *testing.T) {
	t.Setenv("LIGHTNING_MODE", "cloud")
	t.Setenv("LIGHTNING_DEDUP_WINDOW_SECONDS", "300")
	t.Setenv("LIGHTNING_CHAT_TEMPERATURE", "0.2")

	cfg := &RuntimeConfig{}
	require.NoError(t, NewEnvFeeder(EnvPrefix).Feed(cfg))
	assert.Equal(t, ModeCloud, cfg.Mode)
	assert.Equal(t, 300, cfg.Dedup.WindowSeconds)
	assert.InDelta(t, 0.2, cfg.Chat.Temperature, 1e-9)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mode: local\n"), 0o600))
	t.Setenv("LIGHTNING_ADMIN_ADDR", "127.0.0.1:9999")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", cfg.AdminAddr)
}

func TestEnvFeederRejectsBadValues(t *testing.T) {
	t.Setenv("LIGHTNING_DEDUP_WINDOW_SECONDS", "soon")

	cfg := &RuntimeConfig{}
	err := NewEnvFeeder(EnvPrefix).Feed(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LIGHTNING_DEDUP_WINDOW_SECONDS")
}

func TestApplyDefaultsKeepsExplicitValues(t *testing.T) {
	cfg := &RuntimeConfig{Mode: "cloud", Dedup: DedupConfig{WindowSeconds: 5}}
	require.NoError(t, ApplyDefaults(cfg))
	assert.Equal(t, "cloud", cfg.Mode)
	assert.Equal(t, 5, cfg.Dedup.WindowSeconds)
	assert.Equal(t, 10000, cfg.Dedup.MaxCacheSize)

	require.ErrorIs(t, ApplyDefaults(RuntimeConfig{}), ErrConfigNotPointer)
}

func TestConfigWatcherReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mode: local\n"), 0o600))

	reloaded := make(chan *RuntimeConfig, 1)
	w := NewConfigWatcher(path, DefaultLogger(100), func(cfg *RuntimeConfig) {
		select {
		case reloaded <- cfg:
		default:
		}
	})
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	// Rename-based save, the common editor and orchestrator pattern.
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte("mode: local\nadminAddr: \"127.0.0.1:8090\"\n"), 0o600))
	require.NoError(t, os.Rename(tmp, path))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, "127.0.0.1:8090", cfg.AdminAddr)
	case <-time.After(3 * time.Second):
		t.Fatal("config never reloaded")
	}
}

func TestConfigWatcherIgnoresBrokenFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mode: local\n"), 0o600))

	var calls int
	w := NewConfigWatcher(path, DefaultLogger(100), func(*RuntimeConfig) { calls++ })
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("mode: [broken\n"), 0o600))
	time.Sleep(600 * time.Millisecond)
	assert.Zero(t, calls)
}
