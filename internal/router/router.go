// Package router selects the active backend and keeps each backend's
// adapter in step with its persisted configuration.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/eachlabs/tether/internal/config"
	"github.com/eachlabs/tether/internal/provider"
	"github.com/eachlabs/tether/internal/tool"
)

// Factory builds the adapter for kind.
type Factory func(kind provider.Kind, cfg provider.Config) (provider.Adapter, error)

// Options configures a Router.
type Options struct {
	Store    config.Store
	Registry *provider.Registry
	// Factory defaults to provider.New.
	Factory Factory
	// Tools is handed to every adapter for HTTP tool execution.
	Tools  func(cwd string) *tool.Registry
	Logger *slog.Logger
}

// Router delegates queries to the active backend.
type Router struct {
	store    config.Store
	registry *provider.Registry
	factory  Factory
	tools    func(cwd string) *tool.Registry
	base     *slog.Logger
	logger   *slog.Logger

	mu     sync.RWMutex
	active provider.Kind
}

// New builds an adapter for every backend from the store and selects the
// configured default.
func New(opts Options) (*Router, error) {
	if opts.Store == nil {
		return nil, errors.New("router: store is required")
	}
	r := &Router{
		store:    opts.Store,
		registry: opts.Registry,
		factory:  opts.Factory,
		tools:    opts.Tools,
		base:     opts.Logger,
	}
	if r.registry == nil {
		r.registry = provider.NewRegistry()
	}
	if r.factory == nil {
		r.factory = provider.New
	}
	if r.base == nil {
		r.base = slog.Default()
	}
	r.logger = r.base.With("component", "router")

	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Registry returns the adapters the router owns.
func (r *Router) Registry() *provider.Registry {
	return r.registry
}

// Active returns the selected backend.
func (r *Router) Active() provider.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Adapter returns the current adapter for kind.
func (r *Router) Adapter(kind provider.Kind) (provider.Adapter, error) {
	a, ok := r.registry.Get(kind)
	if !ok {
		return nil, &provider.ConfigurationError{Backend: kind, Reason: "not registered"}
	}
	return a, nil
}

// Query opens a query on the active backend if it is ready.
func (r *Router) Query(ctx context.Context, req *provider.QueryRequest) (provider.Query, error) {
	kind := r.Active()
	a, err := r.Adapter(kind)
	if err != nil {
		return nil, err
	}
	if !a.IsReady() {
		return nil, &provider.ConfigurationError{Backend: kind, Reason: "not ready (missing credentials?)"}
	}
	return a.Query(ctx, req)
}

// SetActive selects kind, rebuilding its adapter from its own persisted
// section, and persists the choice.
func (r *Router) SetActive(kind provider.Kind) error {
	if !kind.Valid() {
		return fmt.Errorf("set backend %q: %w", kind, provider.ErrUnknownKind)
	}
	if err := r.rebuild(kind); err != nil {
		return err
	}

	r.mu.Lock()
	prev := r.active
	r.active = kind
	r.mu.Unlock()

	if err := r.store.Update(func(c *config.Config) error {
		c.Defaults.Backend = string(kind)
		return nil
	}); err != nil {
		return fmt.Errorf("persist backend: %w", err)
	}
	r.logger.Info("backend selected", "backend", string(kind), "previous", string(prev))
	return nil
}

// UpdateConfig merges update into kind's section, persists it, and
// rebuilds the adapter before returning.
func (r *Router) UpdateConfig(kind provider.Kind, update config.ProviderUpdate) error {
	if err := r.store.SetProvider(kind, update); err != nil {
		return fmt.Errorf("update %s config: %w", kind, err)
	}
	return r.rebuild(kind)
}

// PersistModel records model as the active backend's default for new
// channels. Other backends keep their own.
func (r *Router) PersistModel(model string) error {
	kind := r.Active()
	return r.store.SetProvider(kind, config.ProviderUpdate{Model: &model})
}

// DefaultModel resolves the launch model for the active backend: its own
// section's model, else the global default if the backend offers it.
// Empty means the backend picks.
func (r *Router) DefaultModel(cfg *config.Config) string {
	kind := r.Active()
	if m := cfg.ProviderFor(kind).Model; m != "" {
		return m
	}
	global := cfg.Defaults.Model
	if global == "" {
		return ""
	}
	for _, m := range r.Models(false) {
		if m.ID == global {
			return global
		}
	}
	r.logger.Debug("global default model not offered by backend", "backend", string(kind), "model", global)
	return ""
}

// Models lists the active backend's models, or every backend's when all
// is set.
func (r *Router) Models(all bool) []provider.ModelInfo {
	kinds := []provider.Kind{r.Active()}
	if all {
		kinds = r.registry.Kinds()
	}
	var out []provider.ModelInfo
	for _, k := range kinds {
		if a, ok := r.registry.Get(k); ok {
			out = append(out, a.Models()...)
		}
	}
	return out
}

// Reload re-reads the store, rebuilds every adapter, and follows the
// persisted backend selection.
func (r *Router) Reload() error {
	cfg, err := r.store.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	for _, kind := range provider.Kinds() {
		if err := r.rebuild(kind); err != nil {
			return err
		}
	}

	kind := cfg.Backend()
	if !kind.Valid() {
		r.logger.Warn("ignoring unknown backend in config", "backend", cfg.Defaults.Backend)
		kind = provider.KindProcess
	}
	r.mu.Lock()
	r.active = kind
	r.mu.Unlock()
	r.logger.Debug("config reloaded", "backend", string(kind))
	return nil
}

func (r *Router) rebuild(kind provider.Kind) error {
	pc, err := r.store.Provider(kind)
	if err != nil {
		return fmt.Errorf("load %s config: %w", kind, err)
	}
	pc.Tools = r.tools
	pc.Logger = r.base
	a, err := r.factory(kind, pc)
	if err != nil {
		return fmt.Errorf("build %s adapter: %w", kind, err)
	}
	r.registry.Register(a)
	return nil
}

// prober is implemented by adapters that can report handshake metadata.
type prober interface {
	Probe(context.Context) (*provider.ProbeResult, error)
	Probed() (*provider.ProbeResult, bool)
}

// Probe returns the process backend's probe result. A cached result is
// reused unless refresh is set; the cache lives as long as the adapter.
func (r *Router) Probe(ctx context.Context, refresh bool) (*provider.ProbeResult, error) {
	a, err := r.Adapter(provider.KindProcess)
	if err != nil {
		return nil, err
	}
	p, ok := a.(prober)
	if !ok {
		return nil, fmt.Errorf("probe: %w", provider.ErrUnsupported)
	}
	if !refresh {
		if res, ok := p.Probed(); ok {
			return res, nil
		}
	}
	r.logger.Info("probing cli", "refresh", refresh)
	return p.Probe(ctx)
}
