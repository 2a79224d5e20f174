// Package provider converts each backend's streaming wire format into the
// canonical event model.
package provider

import (
	"context"
	"encoding/json"
	"iter"

	"github.com/eachlabs/tether/internal/event"
	"github.com/eachlabs/tether/internal/stream"
)

// Kind identifies a backend dialect.
type Kind string

const (
	// KindProcess drives a long-lived Claude CLI subprocess over stream-json.
	KindProcess Kind = "process"
	// KindAnthropic speaks the Anthropic Messages SSE API.
	KindAnthropic Kind = "anthropic"
	// KindOpenAI speaks the OpenAI Chat Completions SSE API.
	KindOpenAI Kind = "openai"
)

// Kinds lists every supported backend in display order.
func Kinds() []Kind {
	return []Kind{KindProcess, KindAnthropic, KindOpenAI}
}

// Valid reports whether k names a supported backend.
func (k Kind) Valid() bool {
	switch k {
	case KindProcess, KindAnthropic, KindOpenAI:
		return true
	}
	return false
}

// Adapter is any backend that can turn a canonical query into a canonical
// event stream.
type Adapter interface {
	// Kind returns the backend dialect.
	Kind() Kind

	// IsReady reports whether the adapter has what it needs to serve a
	// query. HTTP adapters need a credential; the process adapter is always
	// ready and lets the subprocess validate itself.
	IsReady() bool

	// Models returns the built-in catalog plus registered custom models.
	Models() []ModelInfo

	// Query opens a streaming conversation. Setup failures are returned
	// directly; everything after that arrives as events.
	Query(ctx context.Context, req *QueryRequest) (Query, error)
}

// Query is a running conversation.
type Query interface {
	// Events yields SystemInit first and exactly one Result last.
	Events() iter.Seq[event.Event]

	// Interrupt aborts the in-flight call and forces the stream into a
	// terminal state. Safe to call more than once.
	Interrupt() error

	SetModel(ctx context.Context, model string) error
	SetPermissionMode(ctx context.Context, mode PermissionMode) error
	SetMaxThinkingTokens(ctx context.Context, tokens int) error

	// Close releases the query. Pending events are dropped.
	Close() error
}

// ToolSpec describes a tool the model may call.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters_schema"`
}

// QueryRequest is the canonical request every adapter accepts.
type QueryRequest struct {
	// Messages seeds the conversation history.
	Messages []event.Message
	// Input delivers follow-up user messages. When nil the query is
	// one-shot and completes after the model stops.
	Input *stream.Queue[event.Message]

	Model             string
	SystemPrompt      string
	Tools             []ToolSpec
	MaxTokens         int
	Temperature       *float64
	MaxThinkingTokens int
	Cwd               string
	SessionID         string
	Resume            string
	PermissionMode    PermissionMode

	// CanUseTool authorizes side-effecting tool calls. It may block until
	// the host answers. A nil callback allows everything.
	CanUseTool CanUseTool
}

// PermissionMode controls how tool calls are authorized.
type PermissionMode string

const (
	// ModeNormal asks the host for every tool call.
	ModeNormal PermissionMode = "normal"
	// ModeAgent auto-approves edit-class tools and asks for the rest.
	ModeAgent PermissionMode = "agent"
	// ModePlan gates like ModeNormal.
	ModePlan PermissionMode = "plan"
)

// Valid reports whether m is a known mode.
func (m PermissionMode) Valid() bool {
	switch m {
	case ModeNormal, ModeAgent, ModePlan:
		return true
	}
	return false
}

// CLIMode maps m to the Claude CLI's --permission-mode value.
func (m PermissionMode) CLIMode() string {
	switch m {
	case ModeAgent:
		return "acceptEdits"
	case ModePlan:
		return "plan"
	default:
		return "default"
	}
}

// ThinkingLevel is a coarse reasoning setting.
type ThinkingLevel string

const (
	ThinkingOff    ThinkingLevel = "off"
	ThinkingLow    ThinkingLevel = "low"
	ThinkingMedium ThinkingLevel = "medium"
	ThinkingHigh   ThinkingLevel = "high"
)

// Budget returns the reasoning-token budget for the level. Unknown levels
// map to zero.
func (l ThinkingLevel) Budget() int {
	switch l {
	case ThinkingLow:
		return 4000
	case ThinkingMedium:
		return 10000
	case ThinkingHigh:
		return 31999
	default:
		return 0
	}
}

// Valid reports whether l is a known level.
func (l ThinkingLevel) Valid() bool {
	switch l {
	case ThinkingOff, ThinkingLow, ThinkingMedium, ThinkingHigh:
		return true
	}
	return false
}

// PermissionRequest asks whether one tool invocation may run.
type PermissionRequest struct {
	ToolUseID   string            `json:"tool_use_id,omitempty"`
	ToolName    string            `json:"tool_name"`
	Input       json.RawMessage   `json:"input"`
	Suggestions []json.RawMessage `json:"suggestions,omitempty"`
}

// Behavior is the host's verdict on a PermissionRequest.
type Behavior string

const (
	BehaviorAllow Behavior = "allow"
	BehaviorDeny  Behavior = "deny"
)

// Decision answers a PermissionRequest. An allow may carry a replacement
// input; a deny carries the reason fed back to the model.
type Decision struct {
	Behavior           Behavior          `json:"behavior"`
	UpdatedInput       json.RawMessage   `json:"updated_input,omitempty"`
	UpdatedPermissions []json.RawMessage `json:"updated_permissions,omitempty"`
	Message            string            `json:"message,omitempty"`
}

// Allow approves with the original input.
func Allow(input json.RawMessage, updates []json.RawMessage) Decision {
	return Decision{Behavior: BehaviorAllow, UpdatedInput: input, UpdatedPermissions: updates}
}

// Deny rejects with a reason.
func Deny(reason string) Decision {
	return Decision{Behavior: BehaviorDeny, Message: reason}
}

// CanUseTool authorizes one tool invocation. It blocks the model's turn
// until it returns.
type CanUseTool func(ctx context.Context, req PermissionRequest) (Decision, error)

func (f CanUseTool) decide(ctx context.Context, req PermissionRequest) Decision {
	if f == nil {
		return Allow(req.Input, nil)
	}
	d, err := f(ctx, req)
	if err != nil {
		return Deny(err.Error())
	}
	if d.Behavior == BehaviorAllow && len(d.UpdatedInput) == 0 {
		d.UpdatedInput = req.Input
	}
	return d
}
