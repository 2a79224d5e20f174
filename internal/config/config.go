// Package config handles configuration loading and management.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/eachlabs/tether/internal/provider"
)

// Config represents the tether configuration.
type Config struct {
	Defaults DefaultsConfig            `toml:"defaults" json:"defaults"`
	Provider map[string]ProviderConfig `toml:"provider" json:"provider"`
	Process  ProcessConfig             `toml:"process" json:"process"`
	Server   ServerConfig              `toml:"server" json:"server"`
	Logging  LoggingConfig             `toml:"logging" json:"logging"`
}

// DefaultsConfig holds the settings a new channel starts with.
type DefaultsConfig struct {
	Backend string `toml:"backend" json:"backend"`
	// Model applies to any backend whose section names no model of its own
	// and whose catalog offers it.
	Model          string `toml:"model" json:"model"`
	PermissionMode string `toml:"permission_mode" json:"permission_mode"`
	ThinkingLevel  string `toml:"thinking_level" json:"thinking_level"`
}

// ProviderConfig holds one backend's settings. Each backend has its own
// section so credentials never cross between them.
type ProviderConfig struct {
	// Model is the default model for new channels on this backend.
	Model        string               `toml:"model,omitempty" json:"model,omitempty"`
	APIKey       string               `toml:"api_key,omitempty" json:"api_key,omitempty"`
	BaseURL      string               `toml:"base_url,omitempty" json:"base_url,omitempty"`
	TimeoutMS    int                  `toml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
	ExtraHeaders map[string]string    `toml:"extra_headers,omitempty" json:"extra_headers,omitempty"`
	CustomModels []provider.ModelInfo `toml:"custom_models,omitempty" json:"custom_models,omitempty"`
}

// ProcessConfig configures the Claude CLI subprocess.
type ProcessConfig struct {
	Binary string   `toml:"binary" json:"binary"`
	Args   []string `toml:"args,omitempty" json:"args,omitempty"`
	Env    []string `toml:"env,omitempty" json:"env,omitempty"`
}

// ServerConfig holds host server settings.
type ServerConfig struct {
	Port int    `toml:"port" json:"port"`
	Host string `toml:"host" json:"host"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `toml:"level" json:"level"`
	// File is empty for stderr. A bare file name lives in LogsDir.
	File string `toml:"file" json:"file"`
}

// Load reads configuration from the default path and the environment.
func Load() (*Config, error) {
	return LoadFile(ConfigPath())
}

// LoadFile reads configuration from path, then applies environment
// overrides. A missing file yields the defaults.
func LoadFile(path string) (*Config, error) {
	cfg, err := readFile(path)
	if err != nil {
		return nil, err
	}
	cfg.applyEnv()
	return cfg, nil
}

// readFile decodes path over the defaults without environment overrides.
func readFile(path string) (*Config, error) {
	cfg := defaultConfig()
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config: %w", err)
	}
	if cfg.Provider == nil {
		cfg.Provider = make(map[string]ProviderConfig)
	}
	cfg.expandPaths()
	return cfg, nil
}

// ConfigPath returns the path to the config file.
func ConfigPath() string {
	if p := os.Getenv("TETHER_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(StateDir(), "config.toml")
}

// StateDir returns the tether state directory.
func StateDir() string {
	if p := os.Getenv("TETHER_STATE_DIR"); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".tether")
}

// LogsDir returns the logs directory.
func LogsDir() string {
	return filepath.Join(StateDir(), "logs")
}

func defaultConfig() *Config {
	return &Config{
		Defaults: DefaultsConfig{
			Backend:        string(provider.KindProcess),
			PermissionMode: string(provider.ModeNormal),
			ThinkingLevel:  string(provider.ThinkingOff),
		},
		Provider: make(map[string]ProviderConfig),
		Process: ProcessConfig{
			Binary: "claude",
		},
		Server: ServerConfig{
			Port: 7777,
			Host: "127.0.0.1",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func (c *Config) applyEnv() {
	// Anthropic
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		p := c.Provider[string(provider.KindAnthropic)]
		p.APIKey = key
		c.Provider[string(provider.KindAnthropic)] = p
	}

	// OpenAI and compatible gateways
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		p := c.Provider[string(provider.KindOpenAI)]
		p.APIKey = key
		c.Provider[string(provider.KindOpenAI)] = p
	}
	if url := os.Getenv("OPENAI_BASE_URL"); url != "" {
		p := c.Provider[string(provider.KindOpenAI)]
		p.BaseURL = url
		c.Provider[string(provider.KindOpenAI)] = p
	}

	if model := os.Getenv("TETHER_MODEL"); model != "" {
		c.Defaults.Model = model
	}
	if backend := os.Getenv("TETHER_BACKEND"); backend != "" {
		c.Defaults.Backend = backend
	}
}

func (c *Config) expandPaths() {
	home, _ := os.UserHomeDir()

	expand := func(p string) string {
		if strings.HasPrefix(p, "~/") {
			return filepath.Join(home, p[2:])
		}
		if strings.HasPrefix(p, "$HOME/") {
			return filepath.Join(home, p[6:])
		}
		return p
	}

	c.Logging.File = expand(c.Logging.File)
	c.Process.Binary = expand(c.Process.Binary)
}

// LogFile returns the resolved log file path, or "" for stderr.
func (c *Config) LogFile() string {
	f := c.Logging.File
	if f == "" || filepath.Base(f) != f {
		return f
	}
	return filepath.Join(LogsDir(), f)
}

// Backend returns the configured default backend.
func (c *Config) Backend() provider.Kind {
	return provider.Kind(c.Defaults.Backend)
}

// ProviderFor returns the section for kind, or an empty one.
func (c *Config) ProviderFor(kind provider.Kind) ProviderConfig {
	return c.Provider[string(kind)]
}

// AdapterConfig converts the settings for kind into an adapter config.
func (c *Config) AdapterConfig(kind provider.Kind) provider.Config {
	p := c.ProviderFor(kind)
	out := provider.Config{
		APIKey:       p.APIKey,
		BaseURL:      p.BaseURL,
		CustomModels: p.CustomModels,
		ExtraHeaders: p.ExtraHeaders,
	}
	if p.TimeoutMS > 0 {
		out.Timeout = time.Duration(p.TimeoutMS) * time.Millisecond
	}
	if kind == provider.KindProcess {
		out.Binary = c.Process.Binary
		out.Args = c.Process.Args
		out.Env = c.Process.Env
	}
	return out
}

// Validate checks enumerated fields.
func (c *Config) Validate() error {
	if !c.Backend().Valid() {
		return fmt.Errorf("defaults.backend: %w: %q", provider.ErrUnknownKind, c.Defaults.Backend)
	}
	if m := provider.PermissionMode(c.Defaults.PermissionMode); m != "" && !m.Valid() {
		return fmt.Errorf("defaults.permission_mode: unknown mode %q", m)
	}
	if l := provider.ThinkingLevel(c.Defaults.ThinkingLevel); l != "" && !l.Valid() {
		return fmt.Errorf("defaults.thinking_level: unknown level %q", l)
	}
	for name := range c.Provider {
		if !provider.Kind(name).Valid() {
			return fmt.Errorf("provider.%s: %w", name, provider.ErrUnknownKind)
		}
	}
	return nil
}

// Save writes the config to path atomically.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*.toml")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := toml.NewEncoder(tmp).Encode(c); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// EnsureDirs creates necessary directories.
func EnsureDirs() error {
	dirs := []string{
		StateDir(),
		LogsDir(),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	return nil
}
