package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/tidwall/gjson"

	"github.com/eachlabs/tether/internal/event"
)

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
	anthropicDefaultModel   = "claude-sonnet-4-5"
)

// Anthropic implements the Adapter interface for the Anthropic Messages API.
// Blocks are emitted when the backend closes them.
type Anthropic struct {
	cfg Config
}

// NewAnthropic creates a new Anthropic adapter.
func NewAnthropic(cfg Config) *Anthropic {
	return &Anthropic{cfg: cfg}
}

func (a *Anthropic) Kind() Kind {
	return KindAnthropic
}

func (a *Anthropic) IsReady() bool {
	return a.cfg.APIKey != ""
}

func (a *Anthropic) Models() []ModelInfo {
	return Catalog(KindAnthropic, a.cfg.CustomModels)
}

func (a *Anthropic) Query(ctx context.Context, req *QueryRequest) (Query, error) {
	if !a.IsReady() {
		return nil, &ConfigurationError{Backend: KindAnthropic, Reason: "api key is required"}
	}
	if req.Model == "" {
		req.Model = anthropicDefaultModel
	}
	return startHTTPQuery(ctx, KindAnthropic, a.cfg, req, a), nil
}

func (a *Anthropic) endpoint() string {
	base := strings.TrimRight(a.cfg.BaseURL, "/")
	if base == "" {
		base = anthropicDefaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base + "/messages"
	}
	return base + "/v1/messages"
}

func (a *Anthropic) streamTurn(ctx context.Context, s *session, history []event.Message, p turnParams) (turn, error) {
	body, err := json.Marshal(a.buildParams(history, p))
	if err != nil {
		return turn{}, fmt.Errorf("encode request: %w", err)
	}
	body, err = setStreamFlag(body)
	if err != nil {
		return turn{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint(), bytes.NewReader(body))
	if err != nil {
		return turn{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("content-type", "application/json")
	httpReq.Header.Set("accept", "text/event-stream")
	httpReq.Header.Set("x-api-key", a.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	setHeaders(httpReq, a.cfg.ExtraHeaders)

	resp, err := doStream(a.cfg.httpClient(), httpReq)
	if err != nil {
		return turn{}, err
	}
	decoder := ssestream.NewDecoder(resp)
	defer decoder.Close()

	return a.consume(s, decoder, p.model)
}

// consume folds the SSE events of one message into a turn. Blocks are
// emitted as the backend closes them; message_delta re-emits the full
// message with its stop reason.
func (a *Anthropic) consume(s *session, decoder ssestream.Decoder, model string) (turn, error) {
	acc := newAccumulator()
	var (
		usage      event.Usage
		stopReason string
		stopped    bool
	)

	snapshot := func(withStop bool) event.AssistantDelta {
		d := event.AssistantDelta{Blocks: acc.snapshot(true), Model: model}
		if withStop {
			u := usage
			d.Usage = &u
			d.StopReason = stopReason
		}
		return d
	}

	for decoder.Next() {
		ev := decoder.Event()
		switch ev.Type {
		case "ping":
			continue
		case "error":
			msg := gjson.GetBytes(ev.Data, "error.message").String()
			if msg == "" {
				msg = strings.TrimSpace(string(ev.Data))
			}
			return turn{}, &TransportError{Body: msg, Err: fmt.Errorf("stream error")}
		}

		var u anthropic.MessageStreamEventUnion
		if err := json.Unmarshal(ev.Data, &u); err != nil {
			s.logger.Debug("skipping malformed frame", "err", &ParseError{Context: ev.Type, Err: err})
			continue
		}

		idx := int(u.Index)
		switch u.Type {
		case "message_start":
			if u.Message.Model != "" {
				model = string(u.Message.Model)
			}
			usage.InputTokens += int(u.Message.Usage.InputTokens)
			usage.OutputTokens += int(u.Message.Usage.OutputTokens)

		case "content_block_start":
			switch u.ContentBlock.Type {
			case "text":
				acc.appendText(idx, u.ContentBlock.Text)
			case "thinking":
				acc.appendThinking(idx, u.ContentBlock.Thinking)
			case "tool_use", "server_tool_use":
				acc.startTool(idx, u.ContentBlock.ID, u.ContentBlock.Name)
			}

		case "content_block_delta":
			switch u.Delta.Type {
			case "text_delta":
				acc.appendText(idx, u.Delta.Text)
			case "input_json_delta":
				acc.appendArgs(idx, u.Delta.PartialJSON)
			case "thinking_delta":
				acc.appendThinking(idx, u.Delta.Thinking)
			case "signature_delta":
				acc.setSignature(idx, u.Delta.Signature)
			}

		case "content_block_stop":
			if !acc.has(idx) {
				continue
			}
			acc.close(idx)
			s.emit(snapshot(false))

		case "message_delta":
			if u.Delta.StopReason != "" {
				stopReason = string(u.Delta.StopReason)
			}
			usage.OutputTokens = max(usage.OutputTokens, int(u.Usage.OutputTokens))
			s.emit(snapshot(true))

		case "message_stop":
			stopped = true
		}
	}
	if err := decoder.Err(); err != nil {
		return turn{}, &TransportError{Err: err}
	}
	if !stopped {
		return turn{}, &TransportError{Err: io.ErrUnexpectedEOF, Body: "stream ended before message_stop"}
	}

	return turn{
		message:    event.Message{Role: event.RoleAssistant, Content: acc.snapshot(true)},
		stopReason: stopReason,
		usage:      usage,
	}, nil
}

func (a *Anthropic) buildParams(history []event.Message, p turnParams) anthropic.MessageNewParams {
	logger := a.cfg.logger(KindAnthropic)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: int64(p.maxTokens),
		Messages:  buildAnthropicMessages(history, logger),
	}
	if p.system != "" {
		params.System = []anthropic.TextBlockParam{{Text: p.system}}
	}
	if p.thinking > 0 {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(p.thinking))
		if params.MaxTokens <= int64(p.thinking) {
			params.MaxTokens = int64(p.thinking) + defaultMaxTokens
		}
	} else if p.temp != nil {
		// Extended thinking rejects a custom temperature.
		params.Temperature = anthropic.Float(*p.temp)
	}
	for _, t := range p.tools {
		params.Tools = append(params.Tools, anthropic.ToolUnionParamOfTool(anthropicSchema(t.Parameters, logger.With("tool", t.Name)), t.Name))
		if t.Description != "" {
			params.Tools[len(params.Tools)-1].OfTool.Description = anthropic.String(t.Description)
		}
	}
	return params
}

func buildAnthropicMessages(history []event.Message, logger *slog.Logger) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for _, msg := range history {
		var blocks []anthropic.ContentBlockParamUnion
		for _, b := range msg.Content {
			switch blk := b.(type) {
			case event.Text:
				if blk.Text != "" {
					blocks = append(blocks, anthropic.NewTextBlock(blk.Text))
				}
			case event.Image:
				blocks = append(blocks, anthropic.NewImageBlockBase64(blk.MediaType, blk.Data))
			case event.ToolUse:
				blocks = append(blocks, anthropic.NewToolUseBlock(blk.ID, inputObject(blk.Input, logger), blk.Name))
			case event.ToolResult:
				blocks = append(blocks, anthropic.NewToolResultBlock(blk.ToolUseID, blk.Content, blk.IsError))
			case event.Thinking:
				// Unsigned traces cannot be replayed.
				if blk.Signature != "" {
					blocks = append(blocks, anthropic.NewThinkingBlock(blk.Signature, blk.Text))
				}
			}
		}
		if len(blocks) == 0 {
			continue
		}
		if msg.Role == event.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out
}

// anthropicSchema splits a JSON Schema object into the SDK's input schema
// shape. Unknown keywords ride along as extra fields.
func anthropicSchema(raw json.RawMessage, logger *slog.Logger) anthropic.ToolInputSchemaParam {
	schema, err := decodeObject(raw)
	if err != nil {
		logger.Debug("malformed tool schema", "err", &ParseError{Context: "tool schema", Err: err})
	}
	out := anthropic.ToolInputSchemaParam{Properties: map[string]any{}}
	for k, v := range schema {
		switch k {
		case "type", "$schema":
		case "properties":
			out.Properties = v
		case "required":
			if list, ok := v.([]any); ok {
				for _, item := range list {
					if name, ok := item.(string); ok {
						out.Required = append(out.Required, name)
					}
				}
			}
		default:
			if out.ExtraFields == nil {
				out.ExtraFields = map[string]any{}
			}
			out.ExtraFields[k] = v
		}
	}
	return out
}

// inputObject decodes a tool input for replay. Backends require an object.
func inputObject(raw json.RawMessage, logger *slog.Logger) any {
	v, err := decodeObject(raw)
	if err != nil {
		logger.Debug("malformed tool input", "err", &ParseError{Context: "tool input", Err: err})
	}
	return v
}

// decodeObject decodes a JSON object. Empty or undecodable input yields an
// empty object alongside the error.
func decodeObject(raw json.RawMessage) (map[string]any, error) {
	v := map[string]any{}
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return map[string]any{}, err
	}
	if v == nil {
		v = map[string]any{}
	}
	return v, nil
}
