package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/eachlabs/tether/internal/config"
	"github.com/eachlabs/tether/internal/orchestrator"
	"github.com/eachlabs/tether/internal/provider"
	"github.com/eachlabs/tether/internal/router"
	"github.com/eachlabs/tether/internal/rpc"
	"github.com/eachlabs/tether/internal/tool"
)

// runtime is the wiring shared by every command that talks to a backend.
type runtime struct {
	store  *config.FileStore
	config *config.Config
	router *router.Router
	logger *slog.Logger
	closer io.Closer
}

func newRuntime() (*runtime, error) {
	store := config.NewFileStore(configPath())
	cfg, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", store.Path(), err)
	}

	logger, closer, err := setupLogging(cfg)
	if err != nil {
		return nil, err
	}

	r, err := router.New(router.Options{
		Store:    store,
		Registry: provider.NewRegistry(),
		Tools:    tool.DefaultRegistry,
		Logger:   logger,
	})
	if err != nil {
		closer.Close()
		return nil, err
	}

	return &runtime{
		store:  store,
		config: cfg,
		router: r,
		logger: logger,
		closer: closer,
	}, nil
}

func (rt *runtime) Close() error {
	return rt.closer.Close()
}

// defaults reads the launch defaults fresh so edits apply to the next
// channel. The model is resolved for the active backend.
func (rt *runtime) defaults() config.DefaultsConfig {
	cfg, err := rt.store.Load()
	if err != nil {
		rt.logger.Warn("failed to read defaults", "err", err)
		cfg = rt.config
	}
	d := cfg.Defaults
	d.Model = rt.router.DefaultModel(cfg)
	return d
}

// session builds one orchestrator per host connection.
func (rt *runtime) session(peer *rpc.Peer) (rpc.Handler, func()) {
	o := orchestrator.New(orchestrator.Config{
		Source:   rt.router,
		Host:     peer,
		Pending:  peer.Correlator(),
		Backends: rt.router,
		Defaults: rt.defaults,
		Logger:   rt.logger,
	})
	return o, o.CloseAll
}

// watch reloads the router whenever the config file changes.
func (rt *runtime) watch(ctx context.Context) {
	w := config.NewWatcher(rt.store.Path(), func() {
		if err := rt.router.Reload(); err != nil {
			rt.logger.Warn("config reload failed", "err", err)
			return
		}
		rt.logger.Info("config reloaded", "backend", string(rt.router.Active()))
	}, rt.logger)

	go func() {
		if err := w.Run(ctx); err != nil && ctx.Err() == nil {
			rt.logger.Warn("config watcher stopped", "err", err)
		}
	}()
}
