package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/eachlabs/tether/internal/event"
	"github.com/eachlabs/tether/internal/stream"
)

const (
	defaultCLIBinary  = "claude"
	initializeTimeout = 60 * time.Second
	// processWaitDelay is how long an interrupted CLI gets to exit after
	// SIGINT before it is killed.
	processWaitDelay = 3 * time.Second
	stderrTailBytes  = 4 << 10
	maxLineBytes     = 64 << 20
)

// Process implements the Adapter interface by driving the Claude CLI over
// stream-json. It is always ready; the CLI validates its own credentials.
type Process struct {
	cfg Config

	probeMu sync.Mutex
	probed  *ProbeResult
}

// NewProcess creates a new CLI-backed adapter.
func NewProcess(cfg Config) *Process {
	return &Process{cfg: cfg}
}

func (p *Process) Kind() Kind {
	return KindProcess
}

func (p *Process) IsReady() bool {
	return true
}

// Models returns the built-in aliases, custom models and, once a probe has
// run, the models the CLI reported.
func (p *Process) Models() []ModelInfo {
	models := Catalog(KindProcess, p.cfg.CustomModels)
	p.probeMu.Lock()
	probed := p.probed
	p.probeMu.Unlock()
	if probed == nil {
		return models
	}
	for _, m := range probed.Models {
		if !slices.ContainsFunc(models, func(b ModelInfo) bool { return b.ID == m.ID }) {
			models = append(models, m)
		}
	}
	return models
}

func (p *Process) binary() string {
	if p.cfg.Binary != "" {
		return p.cfg.Binary
	}
	return defaultCLIBinary
}

// buildArgs returns the CLI flags for req, after any configured prefix args.
func (p *Process) buildArgs(req *QueryRequest) []string {
	args := slices.Clone(p.cfg.Args)
	args = append(args,
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
		"--permission-prompt-tool", "stdio",
		"--permission-mode", req.PermissionMode.CLIMode(),
	)
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.MaxThinkingTokens > 0 {
		args = append(args, "--max-thinking-tokens", strconv.Itoa(req.MaxThinkingTokens))
	}
	if req.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", req.SystemPrompt)
	}
	if req.Resume != "" {
		args = append(args, "--resume", req.Resume)
	}
	return args
}

// Query starts a CLI subprocess and completes the initialize handshake.
// Failures up to that point are returned; later ones end the stream.
func (p *Process) Query(ctx context.Context, req *QueryRequest) (Query, error) {
	q := &processQuery{
		session: newSession(context.Background(), p.cfg.logger(KindProcess), req),
		req:     req,
		pending: make(map[string]chan cliControlResponsePayload),
		idle:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	cmd := exec.CommandContext(q.ctx, p.binary(), p.buildArgs(req)...)
	cmd.Env = append(os.Environ(), p.cfg.Env...)
	cmd.Dir = req.Cwd
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = processWaitDelay
	q.cmd = cmd

	if err := q.start(); err != nil {
		return nil, err
	}
	q.logger.Debug("CLI started", "pid", cmd.Process.Pid, "cwd", req.Cwd)

	go q.run()

	initCtx, cancel := context.WithTimeout(ctx, initializeTimeout)
	defer cancel()
	resp, err := q.control(initCtx, cliControlInitialize, nil)
	if err != nil {
		q.cancel()
		<-q.done
		return nil, fmt.Errorf("initialize handshake: %w", err)
	}
	q.initResponse = resp
	q.startInput()
	return q, nil
}

// start wires the pipes and launches the subprocess. On failure the
// session context is released.
func (q *processQuery) start() error {
	if err := q.pipes(); err != nil {
		q.cancel()
		return err
	}
	if err := q.cmd.Start(); err != nil {
		q.cancel()
		return &TransportError{Err: fmt.Errorf("start %s: %w", q.cmd.Path, err)}
	}
	return nil
}

func (q *processQuery) pipes() error {
	var err error
	if q.stdin, err = q.cmd.StdinPipe(); err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	if q.stdout, err = q.cmd.StdoutPipe(); err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if q.stderr, err = q.cmd.StderrPipe(); err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	return nil
}

// processQuery is one CLI subprocess.
type processQuery struct {
	*session
	req *QueryRequest

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan cliControlResponsePayload

	initResponse json.RawMessage

	inflight atomic.Int32
	idle     chan struct{}
	done     chan struct{}

	tailMu sync.Mutex
	tail   []byte

	// stream_event accumulation for the message in progress
	acc        *accumulator
	turnModel  string
	lastBlocks event.Blocks
	lastResult *cliResult
}

func (q *processQuery) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	q.writeMu.Lock()
	defer q.writeMu.Unlock()
	if _, err := q.stdin.Write(data); err != nil {
		return fmt.Errorf("write to CLI: %w", err)
	}
	return nil
}

// control sends a control request and waits for its response.
func (q *processQuery) control(ctx context.Context, subtype string, fields map[string]any) (json.RawMessage, error) {
	id := "req_" + uuid.NewString()
	ch := make(chan cliControlResponsePayload, 1)

	q.pendingMu.Lock()
	q.pending[id] = ch
	q.pendingMu.Unlock()
	defer func() {
		q.pendingMu.Lock()
		delete(q.pending, id)
		q.pendingMu.Unlock()
	}()

	request := map[string]any{"subtype": subtype}
	for k, v := range fields {
		request[k] = v
	}
	if err := q.write(cliControlRequestOut{Type: cliTypeControlRequest, RequestID: id, Request: request}); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp.Response, controlError(resp)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.done:
		// The response may have landed just before stdout closed.
		select {
		case resp := <-ch:
			return resp.Response, controlError(resp)
		default:
			return nil, ErrQueryClosed
		}
	}
}

func (q *processQuery) startInput() {
	go q.pumpInput()
}

// pumpInput writes seed messages and then every input message to stdin.
// Stdin stays open while a turn is in flight so permission answers can
// still reach the CLI.
func (q *processQuery) pumpInput() {
	sid := func() string {
		q.mu.Lock()
		defer q.mu.Unlock()
		return q.sessionID
	}
	send := func(msg event.Message) bool {
		q.inflight.Add(1)
		if err := q.write(newUserMessage(sid(), msg)); err != nil {
			q.logger.Warn("failed to send input", "err", err)
			return false
		}
		return true
	}

	for _, msg := range q.req.Messages {
		if msg.Role == event.RoleAssistant {
			continue
		}
		if !send(msg) {
			return
		}
	}
	if q.req.Input != nil {
		for {
			msg, err := q.req.Input.Next(q.ctx)
			if err != nil {
				if !errors.Is(err, stream.ErrClosed) {
					return
				}
				break
			}
			if !send(msg) {
				return
			}
		}
	}

	for q.inflight.Load() > 0 {
		select {
		case <-q.idle:
		case <-q.done:
			return
		}
	}
	q.writeMu.Lock()
	_ = q.stdin.Close()
	q.writeMu.Unlock()
}

func (q *processQuery) run() {
	defer close(q.done)

	var g errgroup.Group
	g.Go(q.drainStderr)
	g.Go(q.readStdout)
	readErr := g.Wait()
	waitErr := q.cmd.Wait()

	switch {
	case q.interrupted.Load():
		q.fail(nil)
	case waitErr != nil:
		q.fail(&TransportError{Err: fmt.Errorf("%w: %v", ErrProcessExited, waitErr), Body: q.stderrTail()})
	case readErr != nil:
		q.fail(&TransportError{Err: readErr})
	case q.lastResult != nil && q.lastResult.IsError:
		q.fail(errors.New(q.lastResult.errorText()))
	default:
		q.complete()
	}
}

func (q *processQuery) drainStderr() error {
	buf := make([]byte, 4096)
	for {
		n, err := q.stderr.Read(buf)
		if n > 0 {
			q.tailMu.Lock()
			q.tail = append(q.tail, buf[:n]...)
			if len(q.tail) > stderrTailBytes {
				q.tail = q.tail[len(q.tail)-stderrTailBytes:]
			}
			q.tailMu.Unlock()
		}
		if err != nil {
			return nil
		}
	}
}

func (q *processQuery) stderrTail() string {
	q.tailMu.Lock()
	defer q.tailMu.Unlock()
	return strings.TrimSpace(string(q.tail))
}

func (q *processQuery) readStdout() error {
	scanner := bufio.NewScanner(q.stdout)
	scanner.Buffer(make([]byte, 0, 1<<20), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		q.handleLine(line)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}

func (q *processQuery) handleLine(line []byte) {
	var env cliEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		q.logger.Debug("skipping non-JSON line", "err", &ParseError{Context: "stdout", Err: err})
		return
	}

	switch env.Type {
	case cliTypeSystem:
		if env.Subtype != cliSystemSubtypeInit {
			return
		}
		var m cliSystemInit
		if err := json.Unmarshal(line, &m); err != nil {
			q.logger.Debug("bad system message", "err", &ParseError{Context: "system", Err: err})
			return
		}
		q.open(event.SystemInit{
			SessionID:      m.SessionID,
			Model:          m.Model,
			Cwd:            m.Cwd,
			Tools:          m.Tools,
			SlashCommands:  m.SlashCommands,
			PermissionMode: m.PermissionMode,
		})

	case cliTypeStreamEvent:
		var m cliStreamEvent
		if err := json.Unmarshal(line, &m); err != nil || m.ParentToolUseID != nil {
			return
		}
		q.handleStreamEvent(m.Event)

	case cliTypeAssistant:
		var m cliAssistant
		if err := json.Unmarshal(line, &m); err != nil {
			q.logger.Debug("bad assistant message", "err", &ParseError{Context: "assistant", Err: err})
			return
		}
		blocks := decodeCLIBlocks(m.Message.Content)
		if m.ParentToolUseID == nil {
			q.lastBlocks = blocks
		}
		d := event.AssistantDelta{Blocks: blocks, Model: m.Message.Model}
		if m.Message.Usage != nil {
			u := m.Message.Usage.canonical()
			d.Usage = &u
		}
		q.emit(d)

	case cliTypeUser:
		var m cliUser
		if err := json.Unmarshal(line, &m); err != nil {
			q.logger.Debug("bad user message", "err", &ParseError{Context: "user", Err: err})
			return
		}
		if blocks := decodeCLIContent(m.Message.Content); len(blocks) > 0 {
			q.emit(event.UserEcho{Blocks: blocks})
		}

	case cliTypeResult:
		var m cliResult
		if err := json.Unmarshal(line, &m); err != nil {
			q.logger.Debug("bad result message", "err", &ParseError{Context: "result", Err: err})
			return
		}
		q.handleResult(m)

	case cliTypeControlRequest:
		var m cliControlRequest
		if err := json.Unmarshal(line, &m); err != nil {
			q.logger.Debug("bad control request", "err", &ParseError{Context: "control_request", Err: err})
			return
		}
		go q.handleControlRequest(m)

	case cliTypeControlResponse:
		var m cliControlResponse
		if err := json.Unmarshal(line, &m); err != nil {
			q.logger.Debug("bad control response", "err", &ParseError{Context: "control_response", Err: err})
			return
		}
		// The first response settles the request; repeats are dropped.
		q.pendingMu.Lock()
		ch, ok := q.pending[m.Response.RequestID]
		delete(q.pending, m.Response.RequestID)
		q.pendingMu.Unlock()
		if !ok {
			q.logger.Debug("control response for unknown request", "request_id", m.Response.RequestID)
			return
		}
		ch <- m.Response

	case cliTypeKeepAlive:
	default:
		q.logger.Debug("ignoring CLI message", "type", env.Type)
	}
}

// handleStreamEvent re-emits the accumulated message on every chunk.
func (q *processQuery) handleStreamEvent(raw json.RawMessage) {
	var u anthropic.MessageStreamEventUnion
	if err := json.Unmarshal(raw, &u); err != nil {
		q.logger.Debug("bad stream event", "err", &ParseError{Context: "stream_event", Err: err})
		return
	}
	if q.acc == nil || u.Type == "message_start" {
		q.acc = newAccumulator()
	}
	idx := int(u.Index)
	switch u.Type {
	case "message_start":
		q.turnModel = string(u.Message.Model)
		return
	case "content_block_start":
		switch u.ContentBlock.Type {
		case "text":
			q.acc.appendText(idx, u.ContentBlock.Text)
		case "thinking":
			q.acc.appendThinking(idx, u.ContentBlock.Thinking)
		case "tool_use":
			q.acc.startTool(idx, u.ContentBlock.ID, u.ContentBlock.Name)
		default:
			return
		}
	case "content_block_delta":
		switch u.Delta.Type {
		case "text_delta":
			q.acc.appendText(idx, u.Delta.Text)
		case "thinking_delta":
			q.acc.appendThinking(idx, u.Delta.Thinking)
		case "input_json_delta":
			q.acc.appendArgs(idx, u.Delta.PartialJSON)
		case "signature_delta":
			q.acc.setSignature(idx, u.Delta.Signature)
			return
		default:
			return
		}
	case "content_block_stop":
		q.acc.close(idx)
	default:
		return
	}
	if q.acc.empty() {
		return
	}
	q.emit(event.AssistantDelta{Blocks: q.acc.snapshot(false), Model: q.turnModel})
}

// handleResult closes one CLI turn. The stream's own Result is emitted only
// when the process ends; a turn is marked by a delta carrying the stop
// reason.
func (q *processQuery) handleResult(m cliResult) {
	q.lastResult = &m
	stop := "end_turn"
	if m.IsError {
		stop = m.Subtype
	}
	d := event.AssistantDelta{Blocks: q.lastBlocks, Model: q.turnModel, StopReason: stop}
	if m.Usage != nil {
		u := m.Usage.canonical()
		q.addUsage(u)
		d.Usage = &u
	}
	q.emit(d)
	q.lastBlocks = nil
	q.acc = nil

	if q.inflight.Add(-1) < 0 {
		q.inflight.Store(0)
	}
	select {
	case q.idle <- struct{}{}:
	default:
	}
}

func (q *processQuery) handleControlRequest(m cliControlRequest) {
	var head struct {
		Subtype string `json:"subtype"`
	}
	_ = json.Unmarshal(m.Request, &head)

	if head.Subtype != cliControlCanUseTool {
		q.respond(cliControlResponsePayload{
			Subtype:   cliControlResponseError,
			RequestID: m.RequestID,
			Error:     fmt.Sprintf("unsupported control request: %s", head.Subtype),
		})
		return
	}

	var r cliCanUseTool
	if err := json.Unmarshal(m.Request, &r); err != nil {
		q.respond(cliControlResponsePayload{Subtype: cliControlResponseError, RequestID: m.RequestID, Error: err.Error()})
		return
	}
	if len(r.Input) == 0 {
		r.Input = json.RawMessage(`{}`)
	}

	d := q.req.CanUseTool.decide(q.ctx, PermissionRequest{
		ToolUseID:   r.ToolUseID,
		ToolName:    r.ToolName,
		Input:       r.Input,
		Suggestions: r.PermissionSuggestions,
	})

	var body any
	if d.Behavior == BehaviorAllow {
		body = cliPermissionAllow{
			Behavior:           cliPermissionBehaviorAllow,
			UpdatedInput:       d.UpdatedInput,
			UpdatedPermissions: d.UpdatedPermissions,
		}
	} else {
		msg := d.Message
		if msg == "" {
			msg = "denied by user"
		}
		body = cliPermissionDeny{Behavior: cliPermissionBehaviorDeny, Message: msg}
	}
	data, err := json.Marshal(body)
	if err != nil {
		q.logger.Error("encode permission decision", "err", err)
		return
	}
	q.respond(cliControlResponsePayload{Subtype: cliControlResponseSuccess, RequestID: m.RequestID, Response: data})
}

func (q *processQuery) respond(payload cliControlResponsePayload) {
	if err := q.write(cliControlResponseOut{Type: cliTypeControlResponse, Response: payload}); err != nil {
		q.logger.Warn("failed to answer control request", "request_id", payload.RequestID, "err", err)
	}
}

// Interrupt asks the CLI to stop, then cancels the process. The CLI gets
// SIGINT and processWaitDelay to exit before it is killed.
func (q *processQuery) Interrupt() error {
	if q.current().terminal() {
		return nil
	}
	q.interrupted.Store(true)
	_ = q.write(cliControlRequestOut{
		Type:      cliTypeControlRequest,
		RequestID: "req_" + uuid.NewString(),
		Request:   map[string]any{"subtype": cliControlInterrupt},
	})
	q.cancel()
	return nil
}

func (q *processQuery) SetModel(ctx context.Context, model string) error {
	if _, err := q.control(ctx, cliControlSetModel, map[string]any{"model": model}); err != nil {
		return err
	}
	q.setModel(model)
	return nil
}

func (q *processQuery) SetPermissionMode(ctx context.Context, mode PermissionMode) error {
	if _, err := q.control(ctx, cliControlSetPermission, map[string]any{"mode": mode.CLIMode()}); err != nil {
		return err
	}
	q.setMode(mode)
	return nil
}

func (q *processQuery) SetMaxThinkingTokens(ctx context.Context, tokens int) error {
	if _, err := q.control(ctx, cliControlSetMaxThinking, map[string]any{"max_thinking_tokens": tokens}); err != nil {
		return err
	}
	q.setThinking(tokens)
	return nil
}
