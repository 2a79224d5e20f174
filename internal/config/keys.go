package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/eachlabs/tether/internal/provider"
)

// Get returns the value at a dotted key such as "defaults.model" or
// "provider.anthropic.api_key". Secrets are masked.
func (c *Config) Get(key string) (any, error) {
	parts := strings.Split(key, ".")

	switch parts[0] {
	case "defaults":
		if len(parts) == 1 {
			return c.Defaults, nil
		}
		switch parts[1] {
		case "backend":
			return c.Defaults.Backend, nil
		case "model":
			return c.Defaults.Model, nil
		case "permission_mode":
			return c.Defaults.PermissionMode, nil
		case "thinking_level":
			return c.Defaults.ThinkingLevel, nil
		}

	case "provider":
		if len(parts) == 1 {
			return c.Provider, nil
		}
		p, ok := c.Provider[parts[1]]
		if !ok {
			break
		}
		if len(parts) == 2 {
			p.APIKey = MaskToken(p.APIKey)
			return p, nil
		}
		switch parts[2] {
		case "model":
			return p.Model, nil
		case "api_key":
			return MaskToken(p.APIKey), nil
		case "base_url":
			return p.BaseURL, nil
		case "timeout_ms":
			return p.TimeoutMS, nil
		case "custom_models":
			return p.CustomModels, nil
		}

	case "process":
		if len(parts) == 1 {
			return c.Process, nil
		}
		switch parts[1] {
		case "binary":
			return c.Process.Binary, nil
		case "args":
			return c.Process.Args, nil
		}

	case "server":
		if len(parts) == 1 {
			return c.Server, nil
		}
		switch parts[1] {
		case "port":
			return c.Server.Port, nil
		case "host":
			return c.Server.Host, nil
		}

	case "logging":
		if len(parts) == 1 {
			return c.Logging, nil
		}
		switch parts[1] {
		case "level":
			return c.Logging.Level, nil
		case "file":
			return c.Logging.File, nil
		}
	}

	return nil, fmt.Errorf("key not found: %s", key)
}

// Set assigns a string value to a dotted key.
func (c *Config) Set(key, value string) error {
	parts := strings.Split(key, ".")

	switch parts[0] {
	case "defaults":
		if len(parts) != 2 {
			return fmt.Errorf("invalid key: %s", key)
		}
		switch parts[1] {
		case "backend":
			c.Defaults.Backend = value
		case "model":
			c.Defaults.Model = value
		case "permission_mode":
			c.Defaults.PermissionMode = value
		case "thinking_level":
			c.Defaults.ThinkingLevel = value
		default:
			return fmt.Errorf("unknown key: %s", key)
		}

	case "provider":
		if len(parts) != 3 {
			return fmt.Errorf("invalid key: %s (use provider.<name>.<field>)", key)
		}
		if !provider.Kind(parts[1]).Valid() {
			return fmt.Errorf("provider %q: %w", parts[1], provider.ErrUnknownKind)
		}
		var u ProviderUpdate
		switch parts[2] {
		case "model":
			u.Model = &value
		case "api_key":
			u.APIKey = &value
		case "base_url":
			u.BaseURL = &value
		case "timeout_ms":
			ms, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("timeout_ms: %w", err)
			}
			u.TimeoutMS = &ms
		default:
			return fmt.Errorf("unknown field: %s", parts[2])
		}
		p := c.Provider[parts[1]]
		u.Apply(&p)
		c.Provider[parts[1]] = p

	case "process":
		if len(parts) != 2 || parts[1] != "binary" {
			return fmt.Errorf("invalid key: %s", key)
		}
		c.Process.Binary = value

	case "server":
		if len(parts) != 2 {
			return fmt.Errorf("invalid key: %s", key)
		}
		switch parts[1] {
		case "port":
			port, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("port: %w", err)
			}
			c.Server.Port = port
		case "host":
			c.Server.Host = value
		default:
			return fmt.Errorf("unknown field: %s", parts[1])
		}

	case "logging":
		if len(parts) != 2 {
			return fmt.Errorf("invalid key: %s", key)
		}
		switch parts[1] {
		case "level":
			c.Logging.Level = value
		case "file":
			c.Logging.File = value
		default:
			return fmt.Errorf("unknown field: %s", parts[1])
		}

	default:
		return fmt.Errorf("unknown section: %s", parts[0])
	}

	return nil
}

// MaskToken hides all but the ends of a secret.
func MaskToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "..." + token[len(token)-4:]
}
