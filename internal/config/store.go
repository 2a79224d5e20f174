package config

import (
	"fmt"
	"maps"
	"sync"

	"github.com/eachlabs/tether/internal/provider"
)

// Store is where the router reads and persists backend settings.
type Store interface {
	// Load returns the effective config, environment overrides included.
	Load() (*Config, error)
	// Save writes cfg verbatim.
	Save(cfg *Config) error
	// Provider returns the effective adapter settings for kind.
	Provider(kind provider.Kind) (provider.Config, error)
	// SetProvider merges update into kind's persisted section.
	SetProvider(kind provider.Kind, update ProviderUpdate) error
	// Update applies fn to the persisted config and writes it back.
	Update(fn func(*Config) error) error
}

// ProviderUpdate is a partial provider section. Nil fields are left alone.
type ProviderUpdate struct {
	Model     *string `json:"model,omitempty"`
	APIKey    *string `json:"api_key,omitempty"`
	BaseURL   *string `json:"base_url,omitempty"`
	TimeoutMS *int    `json:"timeout_ms,omitempty"`
	// ExtraHeaders merge key by key; an empty value removes the header.
	ExtraHeaders map[string]string `json:"extra_headers,omitempty"`
	// CustomModels replaces the list when non-nil.
	CustomModels []provider.ModelInfo `json:"custom_models,omitempty"`
}

// Apply merges u into p.
func (u ProviderUpdate) Apply(p *ProviderConfig) {
	if u.Model != nil {
		p.Model = *u.Model
	}
	if u.APIKey != nil {
		p.APIKey = *u.APIKey
	}
	if u.BaseURL != nil {
		p.BaseURL = *u.BaseURL
	}
	if u.TimeoutMS != nil {
		p.TimeoutMS = *u.TimeoutMS
	}
	if len(u.ExtraHeaders) > 0 {
		headers := maps.Clone(p.ExtraHeaders)
		if headers == nil {
			headers = make(map[string]string)
		}
		for k, v := range u.ExtraHeaders {
			if v == "" {
				delete(headers, k)
				continue
			}
			headers[k] = v
		}
		p.ExtraHeaders = headers
	}
	if u.CustomModels != nil {
		p.CustomModels = u.CustomModels
	}
}

// FileStore is a Store backed by a TOML file. Writes go through the file
// as persisted, so environment overrides are never saved.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore returns a store for the file at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Load() (*Config, error) {
	return LoadFile(s.path)
}

func (s *FileStore) Save(cfg *Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cfg.Save(s.path)
}

func (s *FileStore) Provider(kind provider.Kind) (provider.Config, error) {
	cfg, err := s.Load()
	if err != nil {
		return provider.Config{}, err
	}
	return cfg.AdapterConfig(kind), nil
}

func (s *FileStore) SetProvider(kind provider.Kind, update ProviderUpdate) error {
	if !kind.Valid() {
		return fmt.Errorf("provider %q: %w", kind, provider.ErrUnknownKind)
	}
	return s.Update(func(c *Config) error {
		p := c.Provider[string(kind)]
		update.Apply(&p)
		c.Provider[string(kind)] = p
		return nil
	})
}

func (s *FileStore) Update(fn func(*Config) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := readFile(s.path)
	if err != nil {
		return err
	}
	if err := fn(cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return cfg.Save(s.path)
}
