package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/eachlabs/tether/internal/config"
	"github.com/eachlabs/tether/internal/event"
	"github.com/eachlabs/tether/internal/provider"
)

// Host command parameters.
type (
	ChannelParams struct {
		ChannelID string `json:"channel_id" jsonschema:"required"`
	}

	CloseParams struct {
		ChannelID string `json:"channel_id" jsonschema:"required"`
		// Notify sends a closed frame back to the host.
		Notify bool   `json:"notify,omitempty"`
		Error  string `json:"error,omitempty"`
	}

	SendInputParams struct {
		ChannelID string `json:"channel_id" jsonschema:"required"`
		// Text is shorthand for a single-text user message.
		Text    string         `json:"text,omitempty"`
		Message *event.Message `json:"message,omitempty"`
		Done    bool           `json:"done,omitempty" jsonschema:"description=Close the input after this message"`
	}

	PermissionModeParams struct {
		ChannelID string                  `json:"channel_id" jsonschema:"required"`
		Mode      provider.PermissionMode `json:"mode" jsonschema:"required,enum=normal,enum=agent,enum=plan"`
	}

	ModelParams struct {
		ChannelID string `json:"channel_id" jsonschema:"required"`
		Model     string `json:"model" jsonschema:"required"`
	}

	ThinkingLevelParams struct {
		ChannelID string                 `json:"channel_id" jsonschema:"required"`
		Level     provider.ThinkingLevel `json:"level" jsonschema:"required,enum=off,enum=low,enum=medium,enum=high"`
	}

	ListModelsParams struct {
		All bool `json:"all,omitempty"`
	}

	BackendParams struct {
		Backend provider.Kind `json:"backend" jsonschema:"required,enum=process,enum=anthropic,enum=openai"`
	}

	UpdateConfigParams struct {
		Backend provider.Kind `json:"backend" jsonschema:"required,enum=process,enum=anthropic,enum=openai"`
		config.ProviderUpdate
	}

	ProbeParams struct {
		// Refresh starts a new CLI session even when a result is cached.
		Refresh bool `json:"refresh,omitempty"`
	}
)

// Command results.
type (
	LaunchResult struct {
		ChannelID string `json:"channel_id"`
	}

	ModelsResult struct {
		Backend provider.Kind        `json:"backend"`
		Models  []provider.ModelInfo `json:"models"`
	}

	BackendResult struct {
		Backend provider.Kind `json:"backend"`
	}
)

type handlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// command binds a typed handler to a method.
func command[P any](fn func(ctx context.Context, p P) (any, error)) handlerFunc {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var p P
		if len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, fmt.Errorf("invalid params: %w", err)
			}
		}
		return fn(ctx, p)
	}
}

var errNoBackends = errors.New("no backend router configured")

func (o *Orchestrator) commandTable() map[string]handlerFunc {
	return map[string]handlerFunc{
		"launch": command(func(ctx context.Context, p LaunchParams) (any, error) {
			if err := o.Launch(ctx, p); err != nil {
				return nil, err
			}
			return &LaunchResult{ChannelID: p.ChannelID}, nil
		}),
		"close_channel": command(func(_ context.Context, p CloseParams) (any, error) {
			o.Close(p.ChannelID, p.Notify, p.Error)
			return nil, nil
		}),
		"interrupt": command(func(_ context.Context, p ChannelParams) (any, error) {
			return nil, o.Interrupt(p.ChannelID)
		}),
		"send_input": command(func(_ context.Context, p SendInputParams) (any, error) {
			var msg event.Message
			switch {
			case p.Message != nil:
				msg = *p.Message
			case p.Text != "":
				msg = event.UserText(p.Text)
			}
			return nil, o.SendInput(p.ChannelID, msg, p.Done)
		}),
		"set_permission_mode": command(func(ctx context.Context, p PermissionModeParams) (any, error) {
			return nil, o.SetPermissionMode(ctx, p.ChannelID, p.Mode)
		}),
		"set_model": command(func(ctx context.Context, p ModelParams) (any, error) {
			return nil, o.SetModel(ctx, p.ChannelID, p.Model)
		}),
		"set_thinking_level": command(func(ctx context.Context, p ThinkingLevelParams) (any, error) {
			return nil, o.SetThinkingLevel(ctx, p.ChannelID, p.Level)
		}),
		"list_models": command(func(_ context.Context, p ListModelsParams) (any, error) {
			b := o.config.Backends
			if b == nil {
				return nil, errNoBackends
			}
			models := b.Models(p.All)
			if models == nil {
				models = []provider.ModelInfo{}
			}
			return &ModelsResult{Backend: b.Active(), Models: models}, nil
		}),
		"set_backend": command(func(_ context.Context, p BackendParams) (any, error) {
			b := o.config.Backends
			if b == nil {
				return nil, errNoBackends
			}
			if err := b.SetActive(p.Backend); err != nil {
				return nil, err
			}
			return &BackendResult{Backend: p.Backend}, nil
		}),
		"update_config": command(func(_ context.Context, p UpdateConfigParams) (any, error) {
			b := o.config.Backends
			if b == nil {
				return nil, errNoBackends
			}
			if !p.Backend.Valid() {
				return nil, fmt.Errorf("update config %q: %w", p.Backend, provider.ErrUnknownKind)
			}
			return nil, b.UpdateConfig(p.Backend, p.ProviderUpdate)
		}),
		"probe": command(func(ctx context.Context, p ProbeParams) (any, error) {
			b := o.config.Backends
			if b == nil {
				return nil, errNoBackends
			}
			return b.Probe(ctx, p.Refresh)
		}),
	}
}

// Handle runs one host command.
func (o *Orchestrator) Handle(ctx context.Context, method string, params json.RawMessage) (any, error) {
	h, ok := o.handlers[method]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, method)
	}
	return h(ctx, params)
}

// Methods returns a params prototype per host command, for schema output.
func Methods() map[string]any {
	return map[string]any{
		"launch":              &LaunchParams{},
		"close_channel":       &CloseParams{},
		"interrupt":           &ChannelParams{},
		"send_input":          &SendInputParams{},
		"set_permission_mode": &PermissionModeParams{},
		"set_model":           &ModelParams{},
		"set_thinking_level":  &ThinkingLevelParams{},
		"list_models":         &ListModelsParams{},
		"set_backend":         &BackendParams{},
		"update_config":       &UpdateConfigParams{},
		"probe":               &ProbeParams{},
	}
}
