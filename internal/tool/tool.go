// Package tool implements the local tools HTTP backends can call. The CLI
// backend executes its own tools; these give the HTTP dialects the same
// round trip.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
)

// Tool is any capability the model can invoke.
type Tool interface {
	// Name returns the tool name as the model sees it (e.g. "Bash").
	Name() string

	// Description returns a human-readable description.
	Description() string

	// Schema returns the JSON Schema for tool parameters.
	Schema() json.RawMessage

	// Execute runs the tool with the given parameters.
	Execute(ctx context.Context, params json.RawMessage) (*Result, error)
}

// Result is the outcome of tool execution.
type Result struct {
	Content string
	IsError bool
}

// Errorf builds an error result.
func Errorf(format string, args ...any) *Result {
	return &Result{Content: fmt.Sprintf(format, args...), IsError: true}
}

// Spec is the model-facing description of a tool.
type Spec struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Registry holds available tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates a new tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
	}
}

// Register adds a tool to the registry.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Specs returns the registered tools sorted by name.
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, Spec{Name: t.Name(), Description: t.Description(), Schema: t.Schema()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Run executes a tool by name. Unknown tools and execution errors come back
// as error results so the model can see them.
func (r *Registry) Run(ctx context.Context, name string, params json.RawMessage) *Result {
	t, ok := r.Get(name)
	if !ok {
		return Errorf("unknown tool: %s", name)
	}
	res, err := t.Execute(ctx, params)
	if err != nil {
		return Errorf("%s failed: %v", name, err)
	}
	if res == nil {
		return &Result{Content: "(no output)"}
	}
	return res
}

// DefaultRegistry returns a registry with the standard tools rooted at
// workDir.
func DefaultRegistry(workDir string) *Registry {
	r := NewRegistry()
	r.Register(NewBash(workDir))
	r.Register(NewRead(workDir))
	r.Register(NewWrite(workDir))
	r.Register(NewEdit(workDir))
	r.Register(NewGlob(workDir))
	r.Register(NewGrep(workDir))
	r.Register(NewWebFetch(nil))
	return r
}

// generateSchema reflects a parameter struct into an inline JSON Schema.
func generateSchema[T any]() json.RawMessage {
	reflector := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}

	var zero T
	schema := reflector.Reflect(zero)

	data, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("tool: schema for %T: %v", zero, err))
	}
	return json.RawMessage(data)
}

// decodeParams unmarshals params into T, reporting failures as an error
// result for the model.
func decodeParams[T any](params json.RawMessage) (T, *Result) {
	var p T
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return p, Errorf("invalid params: %v", err)
	}
	return p, nil
}

// resolvePath makes path absolute relative to workDir and expands ~/.
func resolvePath(workDir, path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(workDir, path)
	}
	return filepath.Clean(path)
}
