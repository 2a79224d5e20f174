// Package event defines the vendor-neutral message and event model that every
// backend adapter produces and every consumer reads.
package event

import (
	"encoding/json"
	"fmt"
)

// Type discriminates the event union on the wire.
type Type string

const (
	TypeSystem    Type = "system"
	TypeAssistant Type = "assistant"
	TypeUser      Type = "user"
	TypeResult    Type = "result"
)

// Event is one piece of model output. The concrete types are SystemInit,
// AssistantDelta, UserEcho and Result.
type Event interface {
	Type() Type
	event()
}

// Usage tracks token counts reported by a backend.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates other into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// SystemInit opens every stream.
type SystemInit struct {
	SessionID      string   `json:"session_id"`
	Model          string   `json:"model,omitempty"`
	Cwd            string   `json:"cwd,omitempty"`
	Tools          []string `json:"tools,omitempty"`
	SlashCommands  []string `json:"slash_commands,omitempty"`
	PermissionMode string   `json:"permission_mode,omitempty"`
}

// AssistantDelta carries the accumulated content of the current assistant
// message. Depending on the backend it is emitted once per closed block or
// re-emitted with the full accumulated state on every chunk.
type AssistantDelta struct {
	Blocks     Blocks `json:"blocks"`
	Model      string `json:"model,omitempty"`
	Usage      *Usage `json:"usage,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}

// UserEcho carries content attributed to the user side, such as tool results.
type UserEcho struct {
	Blocks Blocks `json:"blocks"`
}

// Outcome is the terminal status of a stream.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
)

// Result terminates a stream. Exactly one is emitted per stream.
type Result struct {
	Outcome    Outcome `json:"outcome"`
	SessionID  string  `json:"session_id,omitempty"`
	Error      string  `json:"error,omitempty"`
	Usage      *Usage  `json:"usage,omitempty"`
	DurationMS int64   `json:"duration_ms,omitempty"`
}

func (SystemInit) Type() Type     { return TypeSystem }
func (AssistantDelta) Type() Type { return TypeAssistant }
func (UserEcho) Type() Type       { return TypeUser }
func (Result) Type() Type         { return TypeResult }

func (SystemInit) event()     {}
func (AssistantDelta) event() {}
func (UserEcho) event()       {}
func (Result) event()         {}

var (
	_ Event = SystemInit{}
	_ Event = AssistantDelta{}
	_ Event = UserEcho{}
	_ Event = Result{}
)

func (e SystemInit) MarshalJSON() ([]byte, error) {
	type shadow SystemInit
	return marshalTagged(string(e.Type()), shadow(e))
}

func (e AssistantDelta) MarshalJSON() ([]byte, error) {
	type shadow AssistantDelta
	if e.Blocks == nil {
		e.Blocks = Blocks{}
	}
	return marshalTagged(string(e.Type()), shadow(e))
}

func (e UserEcho) MarshalJSON() ([]byte, error) {
	type shadow UserEcho
	if e.Blocks == nil {
		e.Blocks = Blocks{}
	}
	return marshalTagged(string(e.Type()), shadow(e))
}

func (e Result) MarshalJSON() ([]byte, error) {
	type shadow Result
	return marshalTagged(string(e.Type()), shadow(e))
}

// Decode parses a tagged event.
func Decode(data []byte) (Event, error) {
	var probe struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, err
	}
	switch probe.Type {
	case TypeSystem:
		var e SystemInit
		err := json.Unmarshal(data, &e)
		return e, err
	case TypeAssistant:
		var e AssistantDelta
		err := json.Unmarshal(data, &e)
		return e, err
	case TypeUser:
		var e UserEcho
		err := json.Unmarshal(data, &e)
		return e, err
	case TypeResult:
		var e Result
		err := json.Unmarshal(data, &e)
		return e, err
	default:
		return nil, fmt.Errorf("unknown event type %q", probe.Type)
	}
}

// Success builds a successful terminal result.
func Success(sessionID string, usage *Usage) Result {
	return Result{Outcome: OutcomeSuccess, SessionID: sessionID, Usage: usage}
}

// Failure builds an error terminal result.
func Failure(sessionID, msg string) Result {
	return Result{Outcome: OutcomeError, SessionID: sessionID, Error: msg}
}

// IsTerminal reports whether e ends a stream.
func IsTerminal(e Event) bool {
	_, ok := e.(Result)
	return ok
}
