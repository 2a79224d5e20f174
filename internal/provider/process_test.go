package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eachlabs/tether/internal/event"
	"github.com/eachlabs/tether/internal/stream"
)

// fakeCLI returns a process adapter that re-executes the test binary as a
// scripted stand-in for the Claude CLI.
func fakeCLI(mode string) *Process {
	return NewProcess(Config{
		Binary: os.Args[0],
		Args:   []string{"-test.run=^TestHelperProcess$", "--"},
		Env:    []string{"GO_WANT_HELPER_PROCESS=1", "HELPER_MODE=" + mode},
	})
}

func TestProcessEcho(t *testing.T) {
	p := fakeCLI("echo")
	q, err := p.Query(context.Background(), &QueryRequest{
		Input:          newInput(event.UserText("hi")),
		Model:          "opus",
		PermissionMode: ModeAgent,
		Cwd:            t.TempDir(),
	})
	require.NoError(t, err)
	events := collect(t, q)

	r := requireShape(t, events)
	assert.Equal(t, event.OutcomeSuccess, r.Outcome)
	assert.Equal(t, "sess-1", r.SessionID)
	require.NotNil(t, r.Usage)
	assert.Equal(t, event.Usage{InputTokens: 3, OutputTokens: 4}, *r.Usage)

	init := events[0].(event.SystemInit)
	assert.Equal(t, "sess-1", init.SessionID)
	assert.Equal(t, "opus", init.Model)
	assert.Equal(t, "acceptEdits", init.PermissionMode)

	ds := deltas(events)
	require.NotEmpty(t, ds)
	texts := make([]string, 0, len(ds))
	for _, d := range ds {
		texts = append(texts, event.TextOf(d.Blocks))
	}
	assert.Contains(t, texts, "echo: ")
	last := ds[len(ds)-1]
	assert.Equal(t, "end_turn", last.StopReason)
	assert.Equal(t, "echo: hi", event.TextOf(last.Blocks))
}

func TestProcessControlRequests(t *testing.T) {
	p := fakeCLI("echo")
	input := stream.NewQueue[event.Message]()
	q, err := p.Query(context.Background(), &QueryRequest{Input: input})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.SetModel(ctx, "haiku"))
	require.NoError(t, q.SetPermissionMode(ctx, ModePlan))
	err = q.SetMaxThinkingTokens(ctx, 4000)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not supported here")

	input.Push(event.UserText("again"))
	input.Close()
	events := collect(t, q)
	requireShape(t, events)

	ds := deltas(events)
	assert.Equal(t, "echo[haiku/plan]: again", event.TextOf(ds[len(ds)-1].Blocks))
}

func TestProcessDuplicateControlResponse(t *testing.T) {
	p := fakeCLI("dup-response")
	input := stream.NewQueue[event.Message]()
	q, err := p.Query(context.Background(), &QueryRequest{Input: input})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.SetModel(ctx, "haiku"))
	require.NoError(t, q.SetModel(ctx, "opus"))

	input.Push(event.UserText("still reading"))
	input.Close()
	events := collect(t, q)
	r := requireShape(t, events)
	assert.Equal(t, event.OutcomeSuccess, r.Outcome)
	ds := deltas(events)
	assert.Equal(t, "echo: still reading", event.TextOf(ds[len(ds)-1].Blocks))
}

func TestProcessStartReleasesContextOnPipeError(t *testing.T) {
	q := &processQuery{session: newSession(context.Background(), nil, &QueryRequest{})}
	q.cmd = exec.CommandContext(q.ctx, os.Args[0])
	q.cmd.Stdin = strings.NewReader("")

	err := q.start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stdin pipe")
	assert.ErrorIs(t, q.ctx.Err(), context.Canceled)
}

func TestProcessStartReleasesContextOnMissingBinary(t *testing.T) {
	q := &processQuery{session: newSession(context.Background(), nil, &QueryRequest{})}
	q.cmd = exec.CommandContext(q.ctx, filepath.Join(t.TempDir(), "no-such-cli"))

	err := q.start()
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, q.ctx.Err(), context.Canceled)
}

func TestProcessPermissionAllow(t *testing.T) {
	p := fakeCLI("permission")
	var asked PermissionRequest
	q, err := p.Query(context.Background(), &QueryRequest{
		Input: newInput(event.UserText("list files")),
		CanUseTool: func(_ context.Context, req PermissionRequest) (Decision, error) {
			asked = req
			return Allow(json.RawMessage(`{"command":"ls -la"}`), nil), nil
		},
	})
	require.NoError(t, err)
	events := collect(t, q)
	requireShape(t, events)

	assert.Equal(t, "Bash", asked.ToolName)
	assert.Equal(t, "toolu_9", asked.ToolUseID)
	assert.JSONEq(t, `{"command":"ls"}`, string(asked.Input))

	us := echoes(events)
	require.Len(t, us, 1)
	assert.Equal(t, event.ToolResult{ToolUseID: "toolu_9", Content: `allow:{"command":"ls -la"}`}, us[0].Blocks[0])
}

func TestProcessPermissionDeny(t *testing.T) {
	p := fakeCLI("permission")
	q, err := p.Query(context.Background(), &QueryRequest{
		Input:      newInput(event.UserText("list files")),
		CanUseTool: denyAll("nope"),
	})
	require.NoError(t, err)
	events := collect(t, q)
	requireShape(t, events)

	us := echoes(events)
	require.Len(t, us, 1)
	assert.Equal(t, event.ToolResult{ToolUseID: "toolu_9", Content: "deny:nope", IsError: true}, us[0].Blocks[0])
}

func TestProcessExitFailure(t *testing.T) {
	p := fakeCLI("fail")
	q, err := p.Query(context.Background(), &QueryRequest{Input: newInput(event.UserText("hi"))})
	require.NoError(t, err)
	events := collect(t, q)

	require.Len(t, events, 2)
	r := requireShape(t, events)
	assert.Equal(t, event.OutcomeError, r.Outcome)
	assert.Contains(t, r.Error, "CLI process exited")
	assert.Contains(t, r.Error, "boom")
}

func TestProcessErrorResult(t *testing.T) {
	p := fakeCLI("error-result")
	q, err := p.Query(context.Background(), &QueryRequest{Input: newInput(event.UserText("hi"))})
	require.NoError(t, err)
	events := collect(t, q)

	r := requireShape(t, events)
	assert.Equal(t, event.OutcomeError, r.Outcome)
	assert.Equal(t, "rate limited", r.Error)
}

func TestProcessInitializeFailure(t *testing.T) {
	p := fakeCLI("no-init")
	_, err := p.Query(context.Background(), &QueryRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "initialize")
}

func TestProcessInterrupt(t *testing.T) {
	p := fakeCLI("hang")
	input := stream.NewQueue[event.Message]()
	input.Push(event.UserText("long task"))
	q, err := p.Query(context.Background(), &QueryRequest{Input: input})
	require.NoError(t, err)

	ch := make(chan event.Event, 64)
	go func() {
		for e := range q.Events() {
			ch <- e
		}
		close(ch)
	}()

	var events []event.Event
	timeout := time.After(10 * time.Second)
wait:
	for {
		select {
		case e := <-ch:
			events = append(events, e)
			if _, ok := e.(event.AssistantDelta); ok {
				break wait
			}
		case <-timeout:
			t.Fatal("no delta before timeout")
		}
	}

	require.NoError(t, q.Interrupt())
	for e := range ch {
		events = append(events, e)
	}
	r := requireShape(t, events)
	assert.Equal(t, event.OutcomeError, r.Outcome)
	assert.Equal(t, "interrupted", r.Error)
}

func TestProcessProbe(t *testing.T) {
	p := fakeCLI("echo")
	_, ok := p.Probed()
	assert.False(t, ok)

	res, err := p.Probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"help", "compact"}, res.Commands)
	require.Len(t, res.Models, 1)
	assert.Equal(t, "claude-next", res.Models[0].ID)
	assert.Equal(t, []string{"Bash", "Read"}, res.Tools)

	ids := make([]string, 0)
	for _, m := range p.Models() {
		ids = append(ids, m.ID)
	}
	assert.Contains(t, ids, "sonnet")
	assert.Contains(t, ids, "claude-next")
}

func TestProcessBuildArgs(t *testing.T) {
	p := NewProcess(Config{Args: []string{"--debug"}})
	args := p.buildArgs(&QueryRequest{
		Model:             "sonnet",
		MaxThinkingTokens: 10000,
		SystemPrompt:      "extra",
		Resume:            "sess-0",
		PermissionMode:    ModePlan,
	})
	assert.Equal(t, "--debug", args[0])
	assert.Subset(t, args, []string{"--model", "sonnet", "--max-thinking-tokens", "10000", "--append-system-prompt", "extra", "--resume", "sess-0", "plan"})
	assert.Equal(t, "claude", p.binary())
}

// TestHelperProcess is not a real test. It stands in for the Claude CLI when
// the test binary is re-executed with GO_WANT_HELPER_PROCESS set.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	runFakeCLI(os.Getenv("HELPER_MODE"), helperArgs())
	os.Exit(0)
}

func helperArgs() map[string]string {
	out := map[string]string{}
	args := os.Args
	for i, a := range args {
		if a == "--" {
			args = args[i+1:]
			break
		}
	}
	for i := 0; i+1 < len(args); i++ {
		if len(args[i]) > 2 && args[i][:2] == "--" {
			out[args[i]] = args[i+1]
		}
	}
	return out
}

func runFakeCLI(mode string, args map[string]string) {
	enc := json.NewEncoder(os.Stdout)
	send := func(v any) { _ = enc.Encode(v) }

	model := args["--model"]
	permission := args["--permission-mode"]
	in := bufio.NewScanner(os.Stdin)
	in.Buffer(make([]byte, 0, 1<<16), 1<<20)

	type line struct {
		Type      string          `json:"type"`
		RequestID string          `json:"request_id"`
		Request   json.RawMessage `json:"request"`
		Response  struct {
			RequestID string          `json:"request_id"`
			Response  json.RawMessage `json:"response"`
		} `json:"response"`
		Message struct {
			Content json.RawMessage `json:"content"`
		} `json:"message"`
	}

	reply := func(id string, body any, errMsg string) {
		resp := map[string]any{"subtype": "success", "request_id": id, "response": body}
		if errMsg != "" {
			resp = map[string]any{"subtype": "error", "request_id": id, "error": errMsg}
		}
		send(map[string]any{"type": "control_response", "response": resp})
	}
	streamEvent := func(ev string) {
		send(map[string]any{"type": "stream_event", "event": json.RawMessage(ev), "parent_tool_use_id": nil, "session_id": "sess-1"})
	}

	for in.Scan() {
		var l line
		if err := json.Unmarshal(in.Bytes(), &l); err != nil {
			continue
		}
		switch l.Type {
		case "control_request":
			var req struct {
				Subtype string `json:"subtype"`
				Model   string `json:"model"`
				Mode    string `json:"mode"`
			}
			_ = json.Unmarshal(l.Request, &req)
			switch req.Subtype {
			case "initialize":
				if mode == "no-init" {
					os.Exit(1)
				}
				reply(l.RequestID, map[string]any{
					"commands": []map[string]string{{"name": "help"}, {"name": "compact"}},
					"models":   []map[string]string{{"value": "claude-next", "displayName": "Next"}},
				}, "")
				if mode == "fail" {
					fmt.Fprintln(os.Stderr, "boom")
					os.Exit(3)
				}
				send(map[string]any{
					"type": "system", "subtype": "init", "session_id": "sess-1",
					"model": model, "cwd": "/tmp", "tools": []string{"Bash", "Read"},
					"permissionMode": permission,
				})
			case "set_model":
				model = req.Model
				reply(l.RequestID, map[string]any{}, "")
				if mode == "dup-response" {
					reply(l.RequestID, map[string]any{}, "")
					reply(l.RequestID, map[string]any{}, "")
				}
			case "set_permission_mode":
				permission = req.Mode
				reply(l.RequestID, map[string]any{}, "")
			case "interrupt":
				os.Exit(0)
			default:
				reply(l.RequestID, nil, req.Subtype+" not supported here")
			}

		case "user":
			var text string
			_ = json.Unmarshal(l.Message.Content, &text)

			switch mode {
			case "hang":
				streamEvent(`{"type":"message_start","message":{"id":"m","type":"message","role":"assistant","model":"claude-test","content":[],"usage":{"input_tokens":1,"output_tokens":1}}}`)
				streamEvent(`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":"working"}}`)
				continue

			case "error-result":
				send(map[string]any{"type": "result", "subtype": "error_during_execution", "is_error": true, "result": "rate limited", "session_id": "sess-1"})
				continue

			case "permission":
				send(map[string]any{"type": "control_request", "request_id": "perm-1", "request": map[string]any{
					"subtype": "can_use_tool", "tool_name": "Bash", "tool_use_id": "toolu_9",
					"input": map[string]any{"command": "ls"},
				}})
				var answer struct {
					Behavior     string          `json:"behavior"`
					UpdatedInput json.RawMessage `json:"updatedInput"`
					Message      string          `json:"message"`
				}
				for in.Scan() {
					var r line
					if err := json.Unmarshal(in.Bytes(), &r); err == nil && r.Type == "control_response" && r.Response.RequestID == "perm-1" {
						_ = json.Unmarshal(r.Response.Response, &answer)
						break
					}
				}
				content := "allow:" + string(answer.UpdatedInput)
				if answer.Behavior == "deny" {
					content = "deny:" + answer.Message
				}
				send(map[string]any{"type": "user", "session_id": "sess-1", "parent_tool_use_id": nil, "message": map[string]any{
					"role": "user",
					"content": []map[string]any{{
						"type": "tool_result", "tool_use_id": "toolu_9", "content": content, "is_error": answer.Behavior == "deny",
					}},
				}})
				text = "done"
			}

			out := "echo: " + text
			if mode == "echo" && (model == "haiku" || permission == "plan") {
				out = fmt.Sprintf("echo[%s/%s]: %s", model, permission, text)
			}
			streamEvent(`{"type":"message_start","message":{"id":"m","type":"message","role":"assistant","model":"claude-test","content":[],"usage":{"input_tokens":1,"output_tokens":1}}}`)
			streamEvent(`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`)
			streamEvent(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"echo: "}}`)
			streamEvent(`{"type":"content_block_stop","index":0}`)
			send(map[string]any{"type": "assistant", "session_id": "sess-1", "parent_tool_use_id": nil, "message": map[string]any{
				"id": "m", "model": "claude-test", "role": "assistant",
				"content": []map[string]any{{"type": "text", "text": out}},
			}})
			send(map[string]any{
				"type": "result", "subtype": "success", "is_error": false, "result": out, "session_id": "sess-1",
				"usage": map[string]int{"input_tokens": 3, "output_tokens": 4},
			})
		}
	}
}
