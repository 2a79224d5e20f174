package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eachlabs/tether/internal/config"
	"github.com/eachlabs/tether/internal/event"
	"github.com/eachlabs/tether/internal/logging"
	"github.com/eachlabs/tether/internal/provider"
	"github.com/eachlabs/tether/internal/rpc"
	"github.com/eachlabs/tether/internal/stream"
)

type fakeQuery struct {
	events *stream.Queue[event.Event]

	mu         sync.Mutex
	model      string
	mode       provider.PermissionMode
	thinking   int
	interrupts int
	closed     bool
	setErr     error
}

func newFakeQuery() *fakeQuery {
	return &fakeQuery{events: stream.NewQueue[event.Event]()}
}

func (q *fakeQuery) Events() iter.Seq[event.Event] {
	return q.events.All(context.Background())
}

func (q *fakeQuery) Interrupt() error {
	q.mu.Lock()
	q.interrupts++
	q.mu.Unlock()
	q.events.Push(event.Failure("s1", "interrupted"))
	q.events.Close()
	return nil
}

func (q *fakeQuery) SetModel(_ context.Context, model string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.setErr != nil {
		return q.setErr
	}
	q.model = model
	return nil
}

func (q *fakeQuery) SetPermissionMode(_ context.Context, mode provider.PermissionMode) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.mode = mode
	return nil
}

func (q *fakeQuery) SetMaxThinkingTokens(_ context.Context, tokens int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.thinking = tokens
	return nil
}

func (q *fakeQuery) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.events.Close()
	return nil
}

func (q *fakeQuery) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

type fakeSource struct {
	mu      sync.Mutex
	err     error
	reqs    []*provider.QueryRequest
	queries []*fakeQuery
}

func (s *fakeSource) Query(_ context.Context, req *provider.QueryRequest) (provider.Query, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	q := newFakeQuery()
	s.reqs = append(s.reqs, req)
	s.queries = append(s.queries, q)
	return q, nil
}

func (s *fakeSource) last() (*provider.QueryRequest, *fakeQuery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.reqs)
	return s.reqs[n-1], s.queries[n-1]
}

func (s *fakeSource) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reqs)
}

type fakeHost struct {
	frames chan *rpc.Envelope
	corr   *rpc.Correlator
}

func newFakeHost() *fakeHost {
	h := &fakeHost{frames: make(chan *rpc.Envelope, 64)}
	h.corr = rpc.NewCorrelator(h.Send)
	return h
}

func (h *fakeHost) Send(env *rpc.Envelope) error {
	h.frames <- env
	return nil
}

func (h *fakeHost) Request(ctx context.Context, channelID, method string, params any) (json.RawMessage, error) {
	return h.corr.Request(ctx, channelID, method, params)
}

func (h *fakeHost) next(t *testing.T) *rpc.Envelope {
	t.Helper()
	select {
	case env := <-h.frames:
		return env
	case <-time.After(5 * time.Second):
		t.Fatal("no frame sent to host")
		return nil
	}
}

func (h *fakeHost) quiet(t *testing.T) {
	t.Helper()
	select {
	case env := <-h.frames:
		t.Fatalf("unexpected frame %+v", env)
	case <-time.After(50 * time.Millisecond):
	}
}

type fakeBackends struct {
	mu        sync.Mutex
	active    provider.Kind
	persisted string
	updates   map[provider.Kind]config.ProviderUpdate
}

func (b *fakeBackends) Active() provider.Kind {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

func (b *fakeBackends) Models(all bool) []provider.ModelInfo {
	models := []provider.ModelInfo{{ID: "a-1", Backend: provider.KindAnthropic}}
	if all {
		models = append(models, provider.ModelInfo{ID: "o-1", Backend: provider.KindOpenAI})
	}
	return models
}

func (b *fakeBackends) SetActive(kind provider.Kind) error {
	if !kind.Valid() {
		return provider.ErrUnknownKind
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.active = kind
	return nil
}

func (b *fakeBackends) UpdateConfig(kind provider.Kind, u config.ProviderUpdate) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.updates == nil {
		b.updates = make(map[provider.Kind]config.ProviderUpdate)
	}
	b.updates[kind] = u
	return nil
}

func (b *fakeBackends) PersistModel(model string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.persisted = model
	return nil
}

func (b *fakeBackends) Probe(_ context.Context, refresh bool) (*provider.ProbeResult, error) {
	if refresh {
		return &provider.ProbeResult{Model: "claude-fresh"}, nil
	}
	return &provider.ProbeResult{Model: "claude-probe"}, nil
}

type harness struct {
	o        *Orchestrator
	source   *fakeSource
	host     *fakeHost
	backends *fakeBackends
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		source:   &fakeSource{},
		host:     newFakeHost(),
		backends: &fakeBackends{active: provider.KindAnthropic},
	}
	h.o = New(Config{
		Source:   h.source,
		Host:     h.host,
		Pending:  h.host.corr,
		Backends: h.backends,
		Defaults: func() config.DefaultsConfig {
			return config.DefaultsConfig{Model: "default-model", PermissionMode: "normal", ThinkingLevel: "low"}
		},
		Logger: logging.Discard(),
	})
	t.Cleanup(h.o.CloseAll)
	return h
}

func (h *harness) launch(t *testing.T, id string, mode provider.PermissionMode) (*provider.QueryRequest, *fakeQuery) {
	t.Helper()
	require.NoError(t, h.o.Launch(context.Background(), LaunchParams{ChannelID: id, PermissionMode: mode}))
	return h.source.last()
}

func decodeEvent(t *testing.T, env *rpc.Envelope) event.Event {
	t.Helper()
	require.Equal(t, rpc.TypeEvent, env.Type)
	ev, err := event.Decode(env.Event)
	require.NoError(t, err)
	return ev
}

func TestLaunchAppliesDefaults(t *testing.T) {
	h := newHarness(t)
	req, _ := h.launch(t, "ch1", "")

	assert.Equal(t, "default-model", req.Model)
	assert.Equal(t, provider.ModeNormal, req.PermissionMode)
	assert.Equal(t, 4000, req.MaxThinkingTokens)
	assert.NotNil(t, req.Input)
	assert.NotNil(t, req.CanUseTool)
}

func TestLaunchRejectsLiveID(t *testing.T) {
	h := newHarness(t)
	_, q := h.launch(t, "ch1", provider.ModeNormal)

	err := h.o.Launch(context.Background(), LaunchParams{ChannelID: "ch1"})
	var cse *ChannelStateError
	require.ErrorAs(t, err, &cse)
	assert.Equal(t, "ch1", cse.ChannelID)

	assert.Equal(t, 1, h.source.count())
	assert.Equal(t, []string{"ch1"}, h.o.Channels())
	assert.False(t, q.isClosed())
}

func TestLaunchValidation(t *testing.T) {
	tests := []struct {
		name   string
		params LaunchParams
	}{
		{name: "missing id", params: LaunchParams{}},
		{name: "bad mode", params: LaunchParams{ChannelID: "x", PermissionMode: "yolo"}},
		{name: "bad level", params: LaunchParams{ChannelID: "x", ThinkingLevel: "max"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			assert.Error(t, h.o.Launch(context.Background(), tt.params))
			assert.Empty(t, h.o.Channels())
			assert.Zero(t, h.source.count())
		})
	}
}

func TestLaunchSetupFailureLeavesNothing(t *testing.T) {
	h := newHarness(t)
	h.source.err = &provider.ConfigurationError{Backend: provider.KindOpenAI, Reason: "missing api key"}

	err := h.o.Launch(context.Background(), LaunchParams{ChannelID: "ch1"})
	assert.ErrorIs(t, err, provider.ErrNotReady)
	assert.Empty(t, h.o.Channels())
	h.host.quiet(t)

	h.source.err = nil
	h.launch(t, "ch1", provider.ModeNormal)
	assert.Equal(t, []string{"ch1"}, h.o.Channels())
}

func TestForwardRelaysInOrderThenCloses(t *testing.T) {
	h := newHarness(t)
	_, q := h.launch(t, "ch1", provider.ModeNormal)

	q.events.Push(event.SystemInit{SessionID: "s1"})
	q.events.Push(event.AssistantDelta{Blocks: event.Blocks{event.Text{Text: "hi"}}})
	q.events.Push(event.Success("s1", nil))
	q.events.Close()

	assert.IsType(t, event.SystemInit{}, decodeEvent(t, h.host.next(t)))
	assert.IsType(t, event.AssistantDelta{}, decodeEvent(t, h.host.next(t)))
	res := decodeEvent(t, h.host.next(t))
	assert.Equal(t, event.OutcomeSuccess, res.(event.Result).Outcome)

	closed := h.host.next(t)
	assert.Equal(t, rpc.TypeClosed, closed.Type)
	assert.Equal(t, "ch1", closed.ChannelID)
	assert.Empty(t, closed.Error)

	assert.Eventually(t, func() bool { return len(h.o.Channels()) == 0 }, time.Second, 5*time.Millisecond)
	assert.True(t, q.isClosed())
}

func TestForwardReportsStreamError(t *testing.T) {
	h := newHarness(t)
	_, q := h.launch(t, "ch1", provider.ModeNormal)

	q.events.Push(event.SystemInit{SessionID: "s1"})
	q.events.Push(event.Failure("s1", "HTTP 500: overloaded"))
	q.events.Close()

	h.host.next(t)
	h.host.next(t)
	closed := h.host.next(t)
	assert.Equal(t, rpc.TypeClosed, closed.Type)
	assert.Equal(t, "HTTP 500: overloaded", closed.Error)
}

func TestInterrupt(t *testing.T) {
	h := newHarness(t)
	assert.NoError(t, h.o.Interrupt("nope"))

	_, q := h.launch(t, "ch1", provider.ModeNormal)
	require.NoError(t, h.o.Interrupt("ch1"))

	res := decodeEvent(t, h.host.next(t))
	assert.Equal(t, "interrupted", res.(event.Result).Error)
	closed := h.host.next(t)
	assert.Equal(t, rpc.TypeClosed, closed.Type)
	assert.Equal(t, "interrupted", closed.Error)
	assert.Equal(t, 1, q.interrupts)
}

func TestCloseIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.o.Close("unknown", true, "")
	h.host.quiet(t)

	_, q := h.launch(t, "ch1", provider.ModeNormal)
	h.o.Close("ch1", true, "bye")
	h.o.Close("ch1", true, "bye")

	closed := h.host.next(t)
	assert.Equal(t, rpc.TypeClosed, closed.Type)
	assert.Equal(t, "bye", closed.Error)
	h.host.quiet(t)

	assert.Empty(t, h.o.Channels())
	assert.True(t, q.isClosed())
	assert.True(t, h.source.reqs[0].Input.Closed())

	// The id is free again.
	h.launch(t, "ch1", provider.ModeNormal)
}

func TestCloseWithoutNotify(t *testing.T) {
	h := newHarness(t)
	h.launch(t, "ch1", provider.ModeNormal)
	h.o.Close("ch1", false, "")
	h.host.quiet(t)
	assert.Empty(t, h.o.Channels())
}

func TestSendInput(t *testing.T) {
	h := newHarness(t)
	req, _ := h.launch(t, "ch1", provider.ModeNormal)

	require.NoError(t, h.o.SendInput("ch1", event.UserText("hello"), false))
	require.NoError(t, h.o.SendInput("ch1", event.Message{}, true))

	msg, err := req.Input.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hello", event.TextOf(msg.Content))
	_, err = req.Input.Next(context.Background())
	assert.ErrorIs(t, err, stream.ErrClosed)

	var cse *ChannelStateError
	assert.ErrorAs(t, h.o.SendInput("ch1", event.UserText("late"), false), &cse)
	assert.ErrorAs(t, h.o.SendInput("ch2", event.UserText("x"), false), &cse)
}

func TestSettingsChangeInPlace(t *testing.T) {
	h := newHarness(t)
	_, q := h.launch(t, "ch1", provider.ModeNormal)
	ctx := context.Background()

	require.NoError(t, h.o.SetModel(ctx, "ch1", "claude-opus"))
	require.NoError(t, h.o.SetPermissionMode(ctx, "ch1", provider.ModePlan))
	require.NoError(t, h.o.SetThinkingLevel(ctx, "ch1", provider.ThinkingHigh))

	assert.Equal(t, "claude-opus", q.model)
	assert.Equal(t, provider.ModePlan, q.mode)
	assert.Equal(t, 31999, q.thinking)
	assert.Equal(t, "claude-opus", h.backends.persisted)
	assert.Equal(t, 1, h.source.count())

	var cse *ChannelStateError
	assert.ErrorAs(t, h.o.SetModel(ctx, "nope", "m"), &cse)
	assert.ErrorAs(t, h.o.SetPermissionMode(ctx, "nope", provider.ModeAgent), &cse)
	assert.ErrorAs(t, h.o.SetThinkingLevel(ctx, "nope", provider.ThinkingOff), &cse)
	assert.Error(t, h.o.SetPermissionMode(ctx, "ch1", "yolo"))
}

func TestSetModelFailureDoesNotPersist(t *testing.T) {
	h := newHarness(t)
	_, q := h.launch(t, "ch1", provider.ModeNormal)
	q.setErr = provider.ErrUnsupported

	assert.ErrorIs(t, h.o.SetModel(context.Background(), "ch1", "m2"), provider.ErrUnsupported)
	assert.Empty(t, h.backends.persisted)
}

func TestHandleUnknownCommand(t *testing.T) {
	h := newHarness(t)
	_, err := h.o.Handle(context.Background(), "reboot", nil)
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestHandleCommands(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.o.Handle(ctx, "launch", json.RawMessage(`{"channel_id":"ch1","model":"m1","permission_mode":"agent"}`))
	require.NoError(t, err)
	assert.Equal(t, &LaunchResult{ChannelID: "ch1"}, res)
	req, _ := h.source.last()
	assert.Equal(t, "m1", req.Model)
	assert.Equal(t, provider.ModeAgent, req.PermissionMode)

	_, err = h.o.Handle(ctx, "send_input", json.RawMessage(`{"channel_id":"ch1","text":"hi","done":true}`))
	require.NoError(t, err)
	msg, err := req.Input.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, event.RoleUser, msg.Role)
	assert.Equal(t, "hi", event.TextOf(msg.Content))

	res, err = h.o.Handle(ctx, "list_models", json.RawMessage(`{"all":true}`))
	require.NoError(t, err)
	models := res.(*ModelsResult)
	assert.Equal(t, provider.KindAnthropic, models.Backend)
	assert.Len(t, models.Models, 2)

	res, err = h.o.Handle(ctx, "set_backend", json.RawMessage(`{"backend":"openai"}`))
	require.NoError(t, err)
	assert.Equal(t, &BackendResult{Backend: provider.KindOpenAI}, res)
	assert.Equal(t, provider.KindOpenAI, h.backends.Active())

	_, err = h.o.Handle(ctx, "update_config", json.RawMessage(`{"backend":"openai","api_key":"sk-new","extra_headers":{"X-A":"1"}}`))
	require.NoError(t, err)
	u := h.backends.updates[provider.KindOpenAI]
	require.NotNil(t, u.APIKey)
	assert.Equal(t, "sk-new", *u.APIKey)
	assert.Equal(t, map[string]string{"X-A": "1"}, u.ExtraHeaders)

	_, err = h.o.Handle(ctx, "update_config", json.RawMessage(`{"backend":"gemini"}`))
	assert.ErrorIs(t, err, provider.ErrUnknownKind)

	res, err = h.o.Handle(ctx, "probe", nil)
	require.NoError(t, err)
	assert.Equal(t, "claude-probe", res.(*provider.ProbeResult).Model)
	res, err = h.o.Handle(ctx, "probe", json.RawMessage(`{"refresh":true}`))
	require.NoError(t, err)
	assert.Equal(t, "claude-fresh", res.(*provider.ProbeResult).Model)

	_, err = h.o.Handle(ctx, "set_model", json.RawMessage(`{"channel_id":"ch1","model":"m2"}`))
	require.NoError(t, err)
	assert.Equal(t, "m2", h.backends.persisted)

	_, err = h.o.Handle(ctx, "interrupt", json.RawMessage(`{"channel_id":"ch1"}`))
	require.NoError(t, err)

	_, err = h.o.Handle(ctx, "close_channel", json.RawMessage(`{"channel_id":"ch1"}`))
	require.NoError(t, err)
	assert.Empty(t, h.o.Channels())

	_, err = h.o.Handle(ctx, "launch", json.RawMessage(`{"channel_id":`))
	assert.ErrorContains(t, err, "invalid params")
}

func TestHandleWithoutBackends(t *testing.T) {
	o := New(Config{Source: &fakeSource{}, Host: newFakeHost(), Logger: logging.Discard()})
	_, err := o.Handle(context.Background(), "list_models", nil)
	assert.ErrorIs(t, err, errNoBackends)
}

func TestMethodsCoverCommandTable(t *testing.T) {
	h := newHarness(t)
	methods := Methods()
	assert.Len(t, methods, len(h.o.handlers))
	for name := range h.o.handlers {
		assert.Contains(t, methods, name)
	}

	data, err := rpc.MarshalSchema(methods)
	require.NoError(t, err)
	assert.Contains(t, string(data), "set_thinking_level")
}

func TestChannelStateErrorMessage(t *testing.T) {
	err := error(&ChannelStateError{ChannelID: "c", Reason: "not live"})
	assert.Equal(t, "channel c: not live", err.Error())
	var cse *ChannelStateError
	assert.True(t, errors.As(err, &cse))
}

func TestPipelinedInputKeepsOrder(t *testing.T) {
	coreR, hostW := io.Pipe()
	hostR, coreW := io.Pipe()
	t.Cleanup(func() {
		hostW.Close()
		hostR.Close()
	})

	source := &fakeSource{}
	done := make(chan error, 1)
	go func() {
		done <- rpc.Serve(context.Background(), rpc.NewStreamConn(coreR, coreW, nil), func(peer *rpc.Peer) (rpc.Handler, func()) {
			o := New(Config{Source: source, Host: peer, Pending: peer.Correlator(), Logger: logging.Discard()})
			return o, o.CloseAll
		}, logging.Discard())
	}()

	host := rpc.NewStreamConn(hostR, hostW, nil)
	responses := make(chan *rpc.Envelope, 16)
	go func() {
		defer close(responses)
		for {
			env, err := host.Read()
			if err != nil {
				return
			}
			if env.Type == rpc.TypeResponse {
				responses <- env
			}
		}
	}()

	const n = 200
	require.NoError(t, host.Write(&rpc.Envelope{Type: rpc.TypeRequest, ID: "launch", Method: "launch",
		Params: json.RawMessage(`{"channel_id":"ch1","permission_mode":"normal","thinking_level":"off"}`)}))
	for i := 0; i < n; i++ {
		params := fmt.Sprintf(`{"channel_id":"ch1","text":%q,"done":%t}`, strconv.Itoa(i), i == n-1)
		require.NoError(t, host.Write(&rpc.Envelope{Type: rpc.TypeRequest, ID: strconv.Itoa(i), Method: "send_input", Params: json.RawMessage(params)}))
	}
	for i := 0; i < n+1; i++ {
		select {
		case resp := <-responses:
			require.Empty(t, resp.Error, "request %s", resp.ID)
		case <-time.After(5 * time.Second):
			t.Fatal("missing response")
		}
	}

	req, _ := source.last()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < n; i++ {
		msg, err := req.Input.Next(ctx)
		require.NoError(t, err)
		require.Equal(t, strconv.Itoa(i), event.TextOf(msg.Content))
	}
	_, err := req.Input.Next(ctx)
	assert.ErrorIs(t, err, stream.ErrClosed)

	hostW.Close()
	require.NoError(t, <-done)
}
