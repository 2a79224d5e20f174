package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eachlabs/tether/internal/provider"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "OPENAI_BASE_URL", "TETHER_MODEL", "TETHER_BACKEND"} {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)

	assert.Equal(t, provider.KindProcess, cfg.Backend())
	assert.Equal(t, "normal", cfg.Defaults.PermissionMode)
	assert.Equal(t, "off", cfg.Defaults.ThinkingLevel)
	assert.Equal(t, 7777, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, "claude", cfg.Process.Binary)
	assert.NotNil(t, cfg.Provider)
	require.NoError(t, cfg.Validate())
}

func TestLoadFileAndEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, `
[defaults]
backend = "anthropic"
model = "claude-opus-4-1"

[provider.anthropic]
api_key = "file-key"
timeout_ms = 1500
extra_headers = { "anthropic-beta" = "x" }

[[provider.anthropic.custom_models]]
id = "claude-custom"
label = "Custom"
context_window = 1000

[process]
binary = "/opt/claude"
args = ["--debug"]
`)
	t.Setenv("OPENAI_API_KEY", "env-openai")
	t.Setenv("OPENAI_BASE_URL", "http://localhost:1234/v1")
	t.Setenv("TETHER_MODEL", "env-model")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, provider.KindAnthropic, cfg.Backend())
	assert.Equal(t, "env-model", cfg.Defaults.Model)

	a := cfg.AdapterConfig(provider.KindAnthropic)
	assert.Equal(t, "file-key", a.APIKey)
	assert.Equal(t, 1500*time.Millisecond, a.Timeout)
	assert.Equal(t, map[string]string{"anthropic-beta": "x"}, a.ExtraHeaders)
	require.Len(t, a.CustomModels, 1)
	assert.Equal(t, "claude-custom", a.CustomModels[0].ID)
	assert.Equal(t, 1000, a.CustomModels[0].ContextWindow)
	assert.Empty(t, a.Binary, "process settings stay on the process backend")

	o := cfg.AdapterConfig(provider.KindOpenAI)
	assert.Equal(t, "env-openai", o.APIKey)
	assert.Equal(t, "http://localhost:1234/v1", o.BaseURL)

	p := cfg.AdapterConfig(provider.KindProcess)
	assert.Equal(t, "/opt/claude", p.Binary)
	assert.Equal(t, []string{"--debug"}, p.Args)
}

func TestLoadFileParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, "[defaults\n")
	_, err := LoadFile(path)
	assert.ErrorContains(t, err, "failed to parse config")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"ok", func(*Config) {}, ""},
		{"backend", func(c *Config) { c.Defaults.Backend = "gemini" }, "defaults.backend"},
		{"mode", func(c *Config) { c.Defaults.PermissionMode = "yolo" }, "permission_mode"},
		{"level", func(c *Config) { c.Defaults.ThinkingLevel = "max" }, "thinking_level"},
		{"provider", func(c *Config) { c.Provider["gemini"] = ProviderConfig{} }, "provider.gemini"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestGetSet(t *testing.T) {
	cfg := defaultConfig()

	require.NoError(t, cfg.Set("defaults.backend", "openai"))
	require.NoError(t, cfg.Set("provider.openai.api_key", "sk-1234567890"))
	require.NoError(t, cfg.Set("provider.openai.timeout_ms", "2000"))
	require.NoError(t, cfg.Set("server.port", "9090"))
	require.NoError(t, cfg.Set("process.binary", "/bin/claude"))

	v, err := cfg.Get("defaults.backend")
	require.NoError(t, err)
	assert.Equal(t, "openai", v)

	v, err = cfg.Get("provider.openai.api_key")
	require.NoError(t, err)
	assert.Equal(t, "sk-1...7890", v)

	v, err = cfg.Get("provider.openai.timeout_ms")
	require.NoError(t, err)
	assert.Equal(t, 2000, v)

	v, err = cfg.Get("server.port")
	require.NoError(t, err)
	assert.Equal(t, 9090, v)

	_, err = cfg.Get("provider.anthropic.api_key")
	assert.Error(t, err)

	assert.Error(t, cfg.Set("server.port", "abc"))
	assert.Error(t, cfg.Set("provider.gemini.api_key", "x"))
	assert.Error(t, cfg.Set("nope.key", "x"))
	assert.Error(t, cfg.Set("defaults", "x"))
}

func TestMaskToken(t *testing.T) {
	assert.Equal(t, "", MaskToken(""))
	assert.Equal(t, "****", MaskToken("short"))
	assert.Equal(t, "abcd...wxyz", MaskToken("abcdefghijklmnopqrstuvwxyz"))
}

func TestFileStoreDoesNotPersistEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	store := NewFileStore(path)

	t.Setenv("ANTHROPIC_API_KEY", "env-secret")
	url := "https://gw.example/v1"
	require.NoError(t, store.SetProvider(provider.KindOpenAI, ProviderUpdate{BaseURL: &url}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "env-secret")
	assert.Contains(t, string(data), url)

	a, err := store.Provider(provider.KindAnthropic)
	require.NoError(t, err)
	assert.Equal(t, "env-secret", a.APIKey)
}

func TestFileStoreSetProviderMerges(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, `
[provider.anthropic]
api_key = "old"
extra_headers = { "a" = "1", "b" = "2" }
`)
	store := NewFileStore(path)

	key := "new"
	require.NoError(t, store.SetProvider(provider.KindAnthropic, ProviderUpdate{
		APIKey:       &key,
		ExtraHeaders: map[string]string{"b": "", "c": "3"},
	}))

	cfg, err := store.Load()
	require.NoError(t, err)
	p := cfg.ProviderFor(provider.KindAnthropic)
	assert.Equal(t, "new", p.APIKey)
	assert.Equal(t, map[string]string{"a": "1", "c": "3"}, p.ExtraHeaders)

	assert.ErrorIs(t, store.SetProvider("gemini", ProviderUpdate{}), provider.ErrUnknownKind)
}

func TestFileStoreUpdateRejectsInvalid(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	store := NewFileStore(path)

	err := store.Update(func(c *Config) error {
		c.Defaults.Backend = "gemini"
		return nil
	})
	assert.Error(t, err)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "invalid config must not be written")

	require.NoError(t, store.Update(func(c *Config) error {
		c.Defaults.Backend = "openai"
		return nil
	}))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestWatcherFiresOnContentChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, "[defaults]\nmodel = \"a\"\n")

	var calls atomic.Int32
	w := NewWatcher(path, func() { calls.Add(1) }, nil)
	w.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher time to register.
	time.Sleep(100 * time.Millisecond)

	// Same content: ignored.
	writeFile(t, path, "[defaults]\nmodel = \"a\"\n")
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())

	writeFile(t, path, "[defaults]\nmodel = \"b\"\n")
	assert.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	// Unrelated files in the directory are ignored.
	writeFile(t, filepath.Join(filepath.Dir(path), "other.toml"), "x = 1\n")
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	cancel()
	require.NoError(t, <-done)
}

func TestLogFileLivesInLogsDir(t *testing.T) {
	state := t.TempDir()
	t.Setenv("TETHER_STATE_DIR", state)

	cfg := defaultConfig()
	assert.Empty(t, cfg.LogFile())

	cfg.Logging.File = "tether.log"
	assert.Equal(t, filepath.Join(state, "logs", "tether.log"), cfg.LogFile())
	assert.Equal(t, filepath.Join(state, "logs"), LogsDir())

	abs := filepath.Join(t.TempDir(), "elsewhere.log")
	cfg.Logging.File = abs
	assert.Equal(t, abs, cfg.LogFile())

	require.NoError(t, EnsureDirs())
	info, err := os.Stat(LogsDir())
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
