package event

import (
	"encoding/json"
	"fmt"
)

// Block is the smallest typed unit of message content.
type Block interface {
	BlockType() string
	block()
}

// Text is plain model or user text.
type Text struct {
	Text string `json:"text"`
}

// Image is an inline image, base64 encoded.
type Image struct {
	Encoding  string `json:"encoding"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// ToolUse is a tool invocation requested by the model. ID is unique within a
// channel and is the key a later ToolResult refers back to.
type ToolUse struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is the outcome of a tool invocation.
type ToolResult struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error"`
}

// Thinking is a reasoning trace. Signature is the backend's integrity token,
// required when the trace is sent back in a later turn.
type Thinking struct {
	Text      string `json:"text"`
	Signature string `json:"signature,omitempty"`
}

func (Text) BlockType() string       { return "text" }
func (Image) BlockType() string      { return "image" }
func (ToolUse) BlockType() string    { return "tool_use" }
func (ToolResult) BlockType() string { return "tool_result" }
func (Thinking) BlockType() string   { return "thinking" }

func (Text) block()       {}
func (Image) block()      {}
func (ToolUse) block()    {}
func (ToolResult) block() {}
func (Thinking) block()   {}

var (
	_ Block = Text{}
	_ Block = Image{}
	_ Block = ToolUse{}
	_ Block = ToolResult{}
	_ Block = Thinking{}
)

func (b Text) MarshalJSON() ([]byte, error) {
	type shadow Text
	return marshalTagged(b.BlockType(), shadow(b))
}

func (b Image) MarshalJSON() ([]byte, error) {
	type shadow Image
	return marshalTagged(b.BlockType(), shadow(b))
}

func (b ToolUse) MarshalJSON() ([]byte, error) {
	type shadow ToolUse
	if len(b.Input) == 0 {
		b.Input = json.RawMessage(`{}`)
	}
	return marshalTagged(b.BlockType(), shadow(b))
}

func (b ToolResult) MarshalJSON() ([]byte, error) {
	type shadow ToolResult
	return marshalTagged(b.BlockType(), shadow(b))
}

func (b Thinking) MarshalJSON() ([]byte, error) {
	type shadow Thinking
	return marshalTagged(b.BlockType(), shadow(b))
}

// Blocks is an ordered list of content blocks that decodes its tagged
// elements back into concrete types.
type Blocks []Block

func (bs *Blocks) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	out := make(Blocks, 0, len(raws))
	for _, raw := range raws {
		b, err := DecodeBlock(raw)
		if err != nil {
			return err
		}
		out = append(out, b)
	}
	*bs = out
	return nil
}

// DecodeBlock decodes one tagged content block.
func DecodeBlock(data []byte) (Block, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, err
	}
	switch probe.Type {
	case "text":
		var b Text
		err := json.Unmarshal(data, &b)
		return b, err
	case "image":
		var b Image
		err := json.Unmarshal(data, &b)
		return b, err
	case "tool_use":
		var b ToolUse
		err := json.Unmarshal(data, &b)
		return b, err
	case "tool_result":
		var b ToolResult
		err := json.Unmarshal(data, &b)
		return b, err
	case "thinking":
		var b Thinking
		err := json.Unmarshal(data, &b)
		return b, err
	default:
		return nil, fmt.Errorf("unknown block type %q", probe.Type)
	}
}

// TextOf concatenates the text blocks in bs.
func TextOf(bs []Block) string {
	var s string
	for _, b := range bs {
		if t, ok := b.(Text); ok {
			s += t.Text
		}
	}
	return s
}

// ToolUses returns the tool invocations in bs, in order.
func ToolUses(bs []Block) []ToolUse {
	var out []ToolUse
	for _, b := range bs {
		if tu, ok := b.(ToolUse); ok {
			out = append(out, tu)
		}
	}
	return out
}

func marshalTagged(typ string, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	tag, _ := json.Marshal(typ)
	if len(body) == 2 {
		return []byte(`{"type":` + string(tag) + `}`), nil
	}
	out := make([]byte, 0, len(body)+len(tag)+9)
	out = append(out, `{"type":`...)
	out = append(out, tag...)
	out = append(out, ',')
	out = append(out, body[1:]...)
	return out, nil
}
