package provider

import (
	"encoding/json"
	"fmt"

	"github.com/eachlabs/tether/internal/event"
)

// Claude CLI stream-json message types.
const (
	cliTypeSystem          = "system"
	cliTypeAssistant       = "assistant"
	cliTypeUser            = "user"
	cliTypeResult          = "result"
	cliTypeStreamEvent     = "stream_event"
	cliTypeControlRequest  = "control_request"
	cliTypeControlResponse = "control_response"
	cliTypeKeepAlive       = "keep_alive"
)

// Control request subtypes.
const (
	cliControlInitialize       = "initialize"
	cliControlInterrupt        = "interrupt"
	cliControlCanUseTool       = "can_use_tool"
	cliControlSetModel         = "set_model"
	cliControlSetPermission    = "set_permission_mode"
	cliControlSetMaxThinking   = "set_max_thinking_tokens"
	cliControlResponseSuccess  = "success"
	cliControlResponseError    = "error"
	cliSystemSubtypeInit       = "init"
	cliResultSubtypeSuccess    = "success"
	cliPermissionBehaviorAllow = "allow"
	cliPermissionBehaviorDeny  = "deny"
)

// cliEnvelope is the header every stdout line carries.
type cliEnvelope struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`
}

type cliSystemInit struct {
	SessionID      string   `json:"session_id"`
	Model          string   `json:"model"`
	Cwd            string   `json:"cwd"`
	Tools          []string `json:"tools"`
	SlashCommands  []string `json:"slash_commands"`
	PermissionMode string   `json:"permissionMode"`
}

type cliUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u cliUsage) canonical() event.Usage {
	return event.Usage{InputTokens: u.InputTokens, OutputTokens: u.OutputTokens}
}

type cliAssistant struct {
	Message struct {
		ID         string            `json:"id"`
		Model      string            `json:"model"`
		Content    []json.RawMessage `json:"content"`
		StopReason string            `json:"stop_reason"`
		Usage      *cliUsage         `json:"usage"`
	} `json:"message"`
	ParentToolUseID *string `json:"parent_tool_use_id"`
	SessionID       string  `json:"session_id"`
}

type cliUser struct {
	Message struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
	ParentToolUseID *string `json:"parent_tool_use_id"`
	SessionID       string  `json:"session_id"`
}

type cliResult struct {
	Subtype    string    `json:"subtype"`
	IsError    bool      `json:"is_error"`
	Result     string    `json:"result"`
	SessionID  string    `json:"session_id"`
	DurationMS int64     `json:"duration_ms"`
	NumTurns   int       `json:"num_turns"`
	Usage      *cliUsage `json:"usage"`
}

// errorText describes a failed result.
func (r cliResult) errorText() string {
	if r.Result != "" {
		return r.Result
	}
	return r.Subtype
}

type cliStreamEvent struct {
	Event           json.RawMessage `json:"event"`
	ParentToolUseID *string         `json:"parent_tool_use_id"`
	SessionID       string          `json:"session_id"`
}

type cliControlRequest struct {
	RequestID string          `json:"request_id"`
	Request   json.RawMessage `json:"request"`
}

type cliCanUseTool struct {
	Subtype               string            `json:"subtype"`
	ToolName              string            `json:"tool_name"`
	Input                 json.RawMessage   `json:"input"`
	ToolUseID             string            `json:"tool_use_id,omitempty"`
	PermissionSuggestions []json.RawMessage `json:"permission_suggestions,omitempty"`
	BlockedPath           *string           `json:"blocked_path,omitempty"`
}

type cliControlResponse struct {
	Response cliControlResponsePayload `json:"response"`
}

type cliControlResponsePayload struct {
	Subtype   string          `json:"subtype"`
	RequestID string          `json:"request_id"`
	Response  json.RawMessage `json:"response,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Outgoing messages.

type cliUserMessageOut struct {
	Type            string         `json:"type"`
	Message         cliUserPayload `json:"message"`
	ParentToolUseID *string        `json:"parent_tool_use_id"`
	SessionID       string         `json:"session_id"`
}

type cliUserPayload struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type cliControlRequestOut struct {
	Type      string         `json:"type"`
	RequestID string         `json:"request_id"`
	Request   map[string]any `json:"request"`
}

type cliControlResponseOut struct {
	Type     string                    `json:"type"`
	Response cliControlResponsePayload `json:"response"`
}

type cliPermissionAllow struct {
	Behavior           string            `json:"behavior"`
	UpdatedInput       json.RawMessage   `json:"updatedInput"`
	UpdatedPermissions []json.RawMessage `json:"updatedPermissions,omitempty"`
}

type cliPermissionDeny struct {
	Behavior  string `json:"behavior"`
	Message   string `json:"message"`
	Interrupt bool   `json:"interrupt,omitempty"`
}

// newUserMessage converts a canonical message to the CLI input shape. A
// single text block is sent as a plain string.
func newUserMessage(sessionID string, msg event.Message) cliUserMessageOut {
	var content any = msg.Content
	if len(msg.Content) == 1 {
		if t, ok := msg.Content[0].(event.Text); ok {
			content = t.Text
		}
	}
	return cliUserMessageOut{
		Type:      cliTypeUser,
		Message:   cliUserPayload{Role: string(event.RoleUser), Content: toCLIBlocks(content)},
		SessionID: sessionID,
	}
}

// toCLIBlocks rewrites canonical blocks into the Anthropic content shape the
// CLI expects. Strings pass through.
func toCLIBlocks(content any) any {
	blocks, ok := content.(event.Blocks)
	if !ok {
		return content
	}
	out := make([]map[string]any, 0, len(blocks))
	for _, b := range blocks {
		switch blk := b.(type) {
		case event.Text:
			out = append(out, map[string]any{"type": "text", "text": blk.Text})
		case event.Image:
			out = append(out, map[string]any{
				"type":   "image",
				"source": map[string]any{"type": blk.Encoding, "media_type": blk.MediaType, "data": blk.Data},
			})
		case event.ToolResult:
			out = append(out, map[string]any{
				"type": "tool_result", "tool_use_id": blk.ToolUseID, "content": blk.Content, "is_error": blk.IsError,
			})
		}
	}
	return out
}

// decodeCLIBlocks converts Anthropic-shaped content into canonical blocks.
// Unknown block types are skipped.
func decodeCLIBlocks(raws []json.RawMessage) event.Blocks {
	out := make(event.Blocks, 0, len(raws))
	for _, raw := range raws {
		if b, ok := decodeCLIBlock(raw); ok {
			out = append(out, b)
		}
	}
	return out
}

func decodeCLIBlock(raw json.RawMessage) (event.Block, bool) {
	var blk struct {
		Type      string          `json:"type"`
		Text      string          `json:"text"`
		Thinking  string          `json:"thinking"`
		Signature string          `json:"signature"`
		ID        string          `json:"id"`
		Name      string          `json:"name"`
		Input     json.RawMessage `json:"input"`
		ToolUseID string          `json:"tool_use_id"`
		Content   json.RawMessage `json:"content"`
		IsError   bool            `json:"is_error"`
		Source    struct {
			Type      string `json:"type"`
			MediaType string `json:"media_type"`
			Data      string `json:"data"`
		} `json:"source"`
	}
	if err := json.Unmarshal(raw, &blk); err != nil {
		return nil, false
	}
	switch blk.Type {
	case "text":
		return event.Text{Text: blk.Text}, true
	case "thinking":
		return event.Thinking{Text: blk.Thinking, Signature: blk.Signature}, true
	case "tool_use":
		return event.ToolUse{ID: blk.ID, Name: blk.Name, Input: blk.Input}, true
	case "tool_result":
		return event.ToolResult{ToolUseID: blk.ToolUseID, Content: flattenContent(blk.Content), IsError: blk.IsError}, true
	case "image":
		return event.Image{Encoding: blk.Source.Type, MediaType: blk.Source.MediaType, Data: blk.Source.Data}, true
	}
	return nil, false
}

// decodeCLIContent accepts either a string or a block list.
func decodeCLIContent(raw json.RawMessage) event.Blocks {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return event.Blocks{event.Text{Text: s}}
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(raw, &raws); err != nil {
		return nil
	}
	return decodeCLIBlocks(raws)
}

// flattenContent renders tool_result content, which may be a string or a
// list of text parts, as plain text.
func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return string(raw)
	}
	var out string
	for _, p := range parts {
		if p.Type == "text" {
			if out != "" {
				out += "\n"
			}
			out += p.Text
		}
	}
	return out
}

// cliInitResponse is the payload of the initialize control response.
type cliInitResponse struct {
	Commands []struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	} `json:"commands"`
	Models []struct {
		Value       string `json:"value"`
		DisplayName string `json:"displayName"`
		Description string `json:"description"`
	} `json:"models"`
	OutputStyle string `json:"output_style"`
}

func controlError(payload cliControlResponsePayload) error {
	if payload.Subtype == cliControlResponseError {
		return fmt.Errorf("control request %s failed: %s", payload.RequestID, payload.Error)
	}
	return nil
}
