package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/tidwall/sjson"

	"github.com/eachlabs/tether/internal/event"
	"github.com/eachlabs/tether/internal/stream"
	"github.com/eachlabs/tether/internal/tool"
)

const (
	// maxToolRounds bounds the tool round trips inside one user turn.
	maxToolRounds = 64
	// maxErrorBody caps how much of a non-2xx body ends up in a Result.
	maxErrorBody = 16 << 10
	// defaultMaxTokens applies when the request does not set one.
	defaultMaxTokens = 8192
)

// turnParams is the per-turn snapshot of a query's mutable settings.
type turnParams struct {
	model     string
	system    string
	tools     []ToolSpec
	maxTokens int
	temp      *float64
	thinking  int
}

// turn is one completed model response.
type turn struct {
	message    event.Message
	stopReason string
	usage      event.Usage
}

// turnStreamer performs one streaming model call, emitting deltas through
// the session as the dialect dictates.
type turnStreamer interface {
	streamTurn(ctx context.Context, s *session, history []event.Message, p turnParams) (turn, error)
}

// httpQuery runs a multi-turn conversation against an HTTP backend: each
// input message starts a turn, and turns ending in tool calls run the tools
// and continue until the model stops.
type httpQuery struct {
	*session
	req    *QueryRequest
	tools  *tool.Registry
	specs  []ToolSpec
	dialer turnStreamer
}

func startHTTPQuery(ctx context.Context, kind Kind, cfg Config, req *QueryRequest, dialer turnStreamer) *httpQuery {
	q := &httpQuery{
		session: newSession(ctx, cfg.logger(kind), req),
		req:     req,
		tools:   cfg.toolRegistry(req.Cwd),
		dialer:  dialer,
	}
	q.specs = req.Tools
	if len(q.specs) == 0 {
		q.specs = specsFromRegistry(q.tools)
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = req.Resume
	}
	if sessionID == "" {
		sessionID = ulid.Make().String()
	}

	names := make([]string, 0, len(q.specs))
	for _, s := range q.specs {
		names = append(names, s.Name)
	}
	q.open(event.SystemInit{
		SessionID:      sessionID,
		Model:          req.Model,
		Cwd:            req.Cwd,
		Tools:          names,
		PermissionMode: string(req.PermissionMode),
	})

	go q.run()
	return q
}

func specsFromRegistry(r *tool.Registry) []ToolSpec {
	var out []ToolSpec
	for _, s := range r.Specs() {
		out = append(out, ToolSpec{Name: s.Name, Description: s.Description, Parameters: s.Schema})
	}
	return out
}

func (q *httpQuery) run() {
	history := slices.Clone(q.req.Messages)
	if n := len(history); n > 0 && history[n-1].Role == event.RoleUser {
		if err := q.converse(&history); err != nil {
			q.fail(err)
			return
		}
	}

	if q.req.Input != nil {
		for {
			msg, err := q.req.Input.Next(q.ctx)
			if errors.Is(err, stream.ErrClosed) {
				break
			}
			if err != nil {
				q.fail(err)
				return
			}
			if msg.Role == "" {
				msg.Role = event.RoleUser
			}
			history = append(history, msg)
			if err := q.converse(&history); err != nil {
				q.fail(err)
				return
			}
		}
	}
	q.complete()
}

// converse runs model turns until one ends without tool calls.
func (q *httpQuery) converse(history *[]event.Message) error {
	for round := 0; ; round++ {
		if round >= maxToolRounds {
			return fmt.Errorf("stopped after %d tool rounds", maxToolRounds)
		}

		model, _, thinking := q.settings()
		maxTokens := q.req.MaxTokens
		if maxTokens <= 0 {
			maxTokens = defaultMaxTokens
		}
		t, err := q.dialer.streamTurn(q.ctx, q.session, *history, turnParams{
			model:     model,
			system:    q.req.SystemPrompt,
			tools:     q.specs,
			maxTokens: maxTokens,
			temp:      q.req.Temperature,
			thinking:  thinking,
		})
		if err != nil {
			return err
		}
		q.addUsage(t.usage)
		*history = append(*history, t.message)

		uses := event.ToolUses(t.message.Content)
		if len(uses) == 0 {
			return nil
		}

		results := q.runTools(uses)
		if err := q.ctx.Err(); err != nil {
			return err
		}
		q.emit(event.UserEcho{Blocks: results})
		*history = append(*history, event.Message{Role: event.RoleUser, Content: results})
	}
}

// runTools authorizes and executes each call in order. A denial becomes an
// error result carrying the reason; it is not a failure of the stream.
func (q *httpQuery) runTools(uses []event.ToolUse) event.Blocks {
	out := make(event.Blocks, 0, len(uses))
	for _, use := range uses {
		if q.ctx.Err() != nil {
			out = append(out, event.ToolResult{ToolUseID: use.ID, Content: interruptedMessage, IsError: true})
			continue
		}
		d := q.req.CanUseTool.decide(q.ctx, PermissionRequest{
			ToolUseID: use.ID,
			ToolName:  use.Name,
			Input:     use.Input,
		})
		if d.Behavior != BehaviorAllow {
			reason := d.Message
			if reason == "" {
				reason = "denied by user"
			}
			q.logger.Info("tool call denied", "tool", use.Name, "tool_use_id", use.ID)
			out = append(out, event.ToolResult{ToolUseID: use.ID, Content: "Permission denied: " + reason, IsError: true})
			continue
		}

		res := q.tools.Run(q.ctx, use.Name, d.UpdatedInput)
		q.logger.Debug("tool call finished", "tool", use.Name, "tool_use_id", use.ID, "is_error", res.IsError)
		out = append(out, event.ToolResult{ToolUseID: use.ID, Content: res.Content, IsError: res.IsError})
	}
	return out
}

func (q *httpQuery) SetModel(ctx context.Context, model string) error {
	q.setModel(model)
	return nil
}

func (q *httpQuery) SetPermissionMode(ctx context.Context, mode PermissionMode) error {
	q.setMode(mode)
	return nil
}

func (q *httpQuery) SetMaxThinkingTokens(ctx context.Context, tokens int) error {
	q.setThinking(tokens)
	return nil
}

// doStream sends req and returns the response if it is 2xx. Any other status
// becomes a TransportError carrying the status and body text.
func doStream(client *http.Client, req *http.Request) (*http.Response, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &TransportError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return resp, nil
}

func setHeaders(req *http.Request, headers map[string]string) {
	for k, v := range headers {
		req.Header.Set(k, v)
	}
}

// setStreamFlag turns a marshaled request body into a streaming one.
func setStreamFlag(body []byte) ([]byte, error) {
	out, err := sjson.SetBytes(body, "stream", true)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return out, nil
}
