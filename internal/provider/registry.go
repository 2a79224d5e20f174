package provider

import (
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/eachlabs/tether/internal/tool"
)

// Config carries everything needed to build one adapter.
type Config struct {
	APIKey       string
	BaseURL      string
	CustomModels []ModelInfo
	ExtraHeaders map[string]string
	Timeout      time.Duration

	// Binary, Args and Env configure the process backend.
	Binary string
	Args   []string
	Env    []string

	// HTTPClient overrides the client used by HTTP backends.
	HTTPClient *http.Client
	// Tools builds the tool registry for a query's working directory. HTTP
	// backends execute tool calls through it.
	Tools  func(cwd string) *tool.Registry
	Logger *slog.Logger
}

func (c Config) logger(kind Kind) *slog.Logger {
	l := c.Logger
	if l == nil {
		l = slog.Default()
	}
	return l.With("backend", string(kind))
}

func (c Config) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: c.Timeout}
}

func (c Config) toolRegistry(cwd string) *tool.Registry {
	if c.Tools == nil {
		return tool.DefaultRegistry(cwd)
	}
	return c.Tools(cwd)
}

// New builds the adapter for kind.
func New(kind Kind, cfg Config) (Adapter, error) {
	switch kind {
	case KindProcess:
		return NewProcess(cfg), nil
	case KindAnthropic:
		return NewAnthropic(cfg), nil
	case KindOpenAI:
		return NewOpenAI(cfg), nil
	default:
		return nil, &ConfigurationError{Backend: kind, Reason: ErrUnknownKind.Error()}
	}
}

// Registry is an explicitly owned set of adapters keyed by kind. Callers
// construct one and inject it; there is no process-wide instance.
type Registry struct {
	mu       sync.RWMutex
	adapters map[Kind]Adapter
}

// NewRegistry creates a registry holding adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[Kind]Adapter)}
	for _, a := range adapters {
		r.adapters[a.Kind()] = a
	}
	return r
}

// Register adds or replaces the adapter for its kind.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Kind()] = a
}

// Get returns the adapter for kind.
func (r *Registry) Get(kind Kind) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[kind]
	return a, ok
}

// Kinds lists registered kinds in a stable order.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Kind, 0, len(r.adapters))
	for k := range r.adapters {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
