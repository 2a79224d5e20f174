package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/eachlabs/tether/internal/event"
)

const (
	openAIDefaultBaseURL = "https://api.openai.com/v1"
	openAIDefaultModel   = "gpt-4.1"
)

// OpenAI implements the Adapter interface for the Chat Completions API and
// compatible gateways. The accumulated message is re-emitted on every chunk.
type OpenAI struct {
	cfg Config
}

// NewOpenAI creates a new OpenAI adapter.
func NewOpenAI(cfg Config) *OpenAI {
	return &OpenAI{cfg: cfg}
}

func (o *OpenAI) Kind() Kind {
	return KindOpenAI
}

func (o *OpenAI) IsReady() bool {
	return o.cfg.APIKey != ""
}

func (o *OpenAI) Models() []ModelInfo {
	return Catalog(KindOpenAI, o.cfg.CustomModels)
}

func (o *OpenAI) Query(ctx context.Context, req *QueryRequest) (Query, error) {
	if !o.IsReady() {
		return nil, &ConfigurationError{Backend: KindOpenAI, Reason: "api key is required"}
	}
	if req.Model == "" {
		req.Model = openAIDefaultModel
	}
	return startHTTPQuery(ctx, KindOpenAI, o.cfg, req, o), nil
}

func (o *OpenAI) endpoint() string {
	base := strings.TrimRight(o.cfg.BaseURL, "/")
	if base == "" {
		base = openAIDefaultBaseURL
	}
	return base + "/chat/completions"
}

func (o *OpenAI) streamTurn(ctx context.Context, s *session, history []event.Message, p turnParams) (turn, error) {
	body, err := json.Marshal(o.buildParams(history, p))
	if err != nil {
		return turn{}, fmt.Errorf("encode request: %w", err)
	}
	if body, err = setStreamFlag(body); err != nil {
		return turn{}, err
	}
	if body, err = sjson.SetBytes(body, "stream_options.include_usage", true); err != nil {
		return turn{}, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint(), bytes.NewReader(body))
	if err != nil {
		return turn{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("content-type", "application/json")
	httpReq.Header.Set("accept", "text/event-stream")
	httpReq.Header.Set("authorization", "Bearer "+o.cfg.APIKey)
	setHeaders(httpReq, o.cfg.ExtraHeaders)

	resp, err := doStream(o.cfg.httpClient(), httpReq)
	if err != nil {
		return turn{}, err
	}
	decoder := ssestream.NewDecoder(resp)
	defer decoder.Close()

	return o.consume(s, decoder, p.model)
}

// openAIToolIndexBase keeps tool-call block indexes clear of the text and
// reasoning blocks, which use fixed indexes 0 and 1.
const openAIToolIndexBase = 2

const (
	openAIReasoningIndex = 0
	openAITextIndex      = 1
)

// consume folds the chunks of one response into a turn, re-emitting the
// accumulated message after every chunk.
func (o *OpenAI) consume(s *session, decoder ssestream.Decoder, model string) (turn, error) {
	acc := newAccumulator()
	var (
		usage      event.Usage
		stopReason string
		done       bool
	)

	for decoder.Next() {
		data := bytes.TrimSpace(decoder.Event().Data)
		if len(data) == 0 {
			continue
		}
		if bytes.Equal(data, []byte("[DONE]")) {
			done = true
			break
		}
		if msg := gjson.GetBytes(data, "error.message"); msg.Exists() {
			return turn{}, &TransportError{Body: msg.String(), Err: fmt.Errorf("stream error")}
		}

		var chunk openai.ChatCompletionChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			s.logger.Debug("skipping malformed chunk", "err", &ParseError{Context: "chat.completion.chunk", Err: err})
			continue
		}
		if chunk.Model != "" {
			model = chunk.Model
		}
		if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
			usage = event.Usage{
				InputTokens:  int(chunk.Usage.PromptTokens),
				OutputTokens: int(chunk.Usage.CompletionTokens),
			}
		}

		changed := false
		for i, choice := range chunk.Choices {
			if choice.Index != 0 {
				continue
			}
			// reasoning_content is a gateway extension absent from the SDK types.
			if r := gjson.GetBytes(data, fmt.Sprintf("choices.%d.delta.reasoning_content", i)); r.Type == gjson.String && r.Str != "" {
				acc.appendThinking(openAIReasoningIndex, r.Str)
				changed = true
			}
			if choice.Delta.Content != "" {
				acc.appendText(openAITextIndex, choice.Delta.Content)
				changed = true
			}
			for _, tc := range choice.Delta.ToolCalls {
				idx := openAIToolIndexBase + int(tc.Index)
				acc.startTool(idx, tc.ID, tc.Function.Name)
				if tc.Function.Arguments != "" {
					acc.appendArgs(idx, tc.Function.Arguments)
				}
				changed = true
			}
			if choice.FinishReason != "" {
				stopReason = normalizeFinishReason(choice.FinishReason)
				changed = true
			}
		}

		if changed {
			d := event.AssistantDelta{Blocks: acc.snapshot(false), Model: model, StopReason: stopReason}
			if stopReason != "" {
				u := usage
				d.Usage = &u
			}
			s.emit(d)
		}
	}
	if err := decoder.Err(); err != nil {
		return turn{}, &TransportError{Err: err}
	}
	if !done && stopReason == "" {
		return turn{}, &TransportError{Body: "stream ended before [DONE]", Err: fmt.Errorf("unexpected end of stream")}
	}

	blocks := acc.snapshot(true)
	for i, b := range blocks {
		if tu, ok := b.(event.ToolUse); ok && tu.ID == "" {
			tu.ID = fmt.Sprintf("call_%d", i)
			blocks[i] = tu
		}
	}
	return turn{
		message:    event.Message{Role: event.RoleAssistant, Content: blocks},
		stopReason: stopReason,
		usage:      usage,
	}, nil
}

// normalizeFinishReason maps OpenAI finish reasons onto the canonical stop
// reasons used by the other dialects.
func normalizeFinishReason(reason string) string {
	switch reason {
	case "stop":
		return "end_turn"
	case "tool_calls", "function_call":
		return "tool_use"
	case "length":
		return "max_tokens"
	default:
		return reason
	}
}

func (o *OpenAI) buildParams(history []event.Message, p turnParams) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:    p.model,
		Messages: buildOpenAIMessages(p.system, history),
	}
	if p.maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(p.maxTokens))
	}
	if p.temp != nil {
		params.Temperature = openai.Float(*p.temp)
	}
	if p.thinking > 0 {
		params.ReasoningEffort = reasoningEffort(p.thinking)
	}
	for _, t := range p.tools {
		schema, err := decodeObject(t.Parameters)
		if err != nil {
			o.cfg.logger(KindOpenAI).Debug("malformed tool schema", "tool", t.Name, "err", &ParseError{Context: "tool schema", Err: err})
		}
		delete(schema, "$schema")
		tp := openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:       t.Name,
				Parameters: schema,
			},
		}
		if t.Description != "" {
			tp.Function.Description = openai.String(t.Description)
		}
		params.Tools = append(params.Tools, tp)
	}
	return params
}

// reasoningEffort buckets a thinking budget into the effort levels the
// Chat Completions API understands.
func reasoningEffort(budget int) openai.ReasoningEffort {
	switch {
	case budget >= ThinkingHigh.Budget():
		return "high"
	case budget >= ThinkingMedium.Budget():
		return "medium"
	default:
		return "low"
	}
}

func buildOpenAIMessages(system string, history []event.Message) []openai.ChatCompletionMessageParamUnion {
	var out []openai.ChatCompletionMessageParamUnion
	if system != "" {
		out = append(out, openai.SystemMessage(system))
	}

	for _, msg := range history {
		if msg.Role == event.RoleAssistant {
			text := event.TextOf(msg.Content)
			uses := event.ToolUses(msg.Content)
			if len(uses) == 0 {
				out = append(out, openai.AssistantMessage(text))
				continue
			}
			assistant := openai.ChatCompletionAssistantMessageParam{}
			if text != "" {
				assistant.Content.OfString = openai.String(text)
			}
			for _, tu := range uses {
				args := string(tu.Input)
				if args == "" {
					args = "{}"
				}
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: tu.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tu.Name,
						Arguments: args,
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
			continue
		}

		// Tool results become tool messages; the rest is one user message.
		var parts []openai.ChatCompletionContentPartUnionParam
		for _, b := range msg.Content {
			switch blk := b.(type) {
			case event.ToolResult:
				out = append(out, openai.ToolMessage(blk.Content, blk.ToolUseID))
			case event.Text:
				parts = append(parts, openai.TextContentPart(blk.Text))
			case event.Image:
				parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
					URL: "data:" + blk.MediaType + ";base64," + blk.Data,
				}))
			}
		}
		switch {
		case len(parts) == 1 && parts[0].OfText != nil:
			out = append(out, openai.UserMessage(parts[0].OfText.Text))
		case len(parts) > 0:
			out = append(out, openai.UserMessage(parts))
		}
	}
	return out
}
