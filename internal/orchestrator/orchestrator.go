// Package orchestrator multiplexes concurrent conversations ("channels")
// onto backend queries and relays their events to the host.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/eachlabs/tether/internal/config"
	"github.com/eachlabs/tether/internal/event"
	"github.com/eachlabs/tether/internal/provider"
	"github.com/eachlabs/tether/internal/rpc"
	"github.com/eachlabs/tether/internal/stream"
)

// ErrUnknownCommand is returned for a host method with no handler.
var ErrUnknownCommand = errors.New("unknown command")

// ChannelStateError reports a channel that is unknown or already live.
type ChannelStateError struct {
	ChannelID string
	Reason    string
}

func (e *ChannelStateError) Error() string {
	return fmt.Sprintf("channel %s: %s", e.ChannelID, e.Reason)
}

// Source opens backend queries.
type Source interface {
	Query(ctx context.Context, req *provider.QueryRequest) (provider.Query, error)
}

// Host is the connection to the host UI.
type Host interface {
	// Send writes a frame without waiting for an answer.
	Send(env *rpc.Envelope) error
	// Request sends a correlated request and waits for its answer.
	Request(ctx context.Context, channelID, method string, params any) (json.RawMessage, error)
}

// Pending rejects outstanding host requests of a channel.
type Pending interface {
	CancelChannel(channelID string) int
}

// Backends is the part of the router host commands reach.
type Backends interface {
	Active() provider.Kind
	Models(all bool) []provider.ModelInfo
	SetActive(kind provider.Kind) error
	UpdateConfig(kind provider.Kind, update config.ProviderUpdate) error
	PersistModel(model string) error
	Probe(ctx context.Context, refresh bool) (*provider.ProbeResult, error)
}

// Config holds orchestrator configuration.
type Config struct {
	Source Source
	Host   Host
	// Pending is optional; without it a closed channel's requests settle
	// only through context cancellation.
	Pending Pending
	// Backends is optional; host commands that need it fail without it.
	Backends Backends
	// Defaults supplies the settings a launch falls back to.
	Defaults func() config.DefaultsConfig
	Logger   *slog.Logger
}

// channel is one live conversation.
type channel struct {
	id     string
	cwd    string
	input  *stream.Queue[event.Message]
	query  provider.Query // nil while launching
	cancel context.CancelFunc
	// transcript indexes the tool calls forwarded so far.
	transcript *event.Transcript

	mu       sync.Mutex
	mode     provider.PermissionMode
	thinking provider.ThinkingLevel
}

func (c *channel) permissionMode() provider.PermissionMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Orchestrator owns the live channels of one host session.
type Orchestrator struct {
	config   Config
	logger   *slog.Logger
	handlers map[string]handlerFunc

	mu       sync.RWMutex
	channels map[string]*channel
	wg       sync.WaitGroup
}

// New creates a new orchestrator.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		config:   cfg,
		logger:   logger.With("component", "orchestrator"),
		channels: make(map[string]*channel),
	}
	o.handlers = o.commandTable()
	return o
}

// LaunchParams opens a channel.
type LaunchParams struct {
	ChannelID      string                  `json:"channel_id" jsonschema:"required"`
	Resume         string                  `json:"resume,omitempty" jsonschema:"description=Backend session id to continue"`
	Cwd            string                  `json:"cwd,omitempty"`
	Model          string                  `json:"model,omitempty"`
	PermissionMode provider.PermissionMode `json:"permission_mode,omitempty" jsonschema:"enum=normal,enum=agent,enum=plan"`
	ThinkingLevel  provider.ThinkingLevel  `json:"thinking_level,omitempty" jsonschema:"enum=off,enum=low,enum=medium,enum=high"`
	SystemPrompt   string                  `json:"system_prompt,omitempty"`
}

// Launch opens a query for a new channel and starts relaying its events.
// Setup failures leave no channel behind.
func (o *Orchestrator) Launch(ctx context.Context, p LaunchParams) error {
	if p.ChannelID == "" {
		return &ChannelStateError{Reason: "missing channel id"}
	}
	p = o.withDefaults(p)
	if !p.PermissionMode.Valid() {
		return fmt.Errorf("launch %s: unknown permission mode %q", p.ChannelID, p.PermissionMode)
	}
	if !p.ThinkingLevel.Valid() {
		return fmt.Errorf("launch %s: unknown thinking level %q", p.ChannelID, p.ThinkingLevel)
	}
	if o.config.Source == nil {
		return fmt.Errorf("launch %s: no query source", p.ChannelID)
	}

	// The query outlives the launch request.
	qctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ch := &channel{
		id:       p.ChannelID,
		cwd:      p.Cwd,
		input:      stream.NewQueue[event.Message](),
		cancel:     cancel,
		transcript: event.NewTranscript(),
		mode:     p.PermissionMode,
		thinking: p.ThinkingLevel,
	}

	// Reserve the id so a concurrent launch of the same id fails.
	o.mu.Lock()
	if _, exists := o.channels[p.ChannelID]; exists {
		o.mu.Unlock()
		cancel()
		return &ChannelStateError{ChannelID: p.ChannelID, Reason: "already live"}
	}
	o.channels[p.ChannelID] = ch
	o.mu.Unlock()

	logger := o.logger.With("channel", p.ChannelID)
	q, err := o.config.Source.Query(qctx, &provider.QueryRequest{
		Input:             ch.input,
		Model:             p.Model,
		SystemPrompt:      p.SystemPrompt,
		MaxThinkingTokens: p.ThinkingLevel.Budget(),
		Cwd:               p.Cwd,
		Resume:            p.Resume,
		PermissionMode:    p.PermissionMode,
		CanUseTool:        o.canUseTool(ch),
	})
	if err != nil {
		o.release(ch)
		cancel()
		return fmt.Errorf("launch %s: %w", p.ChannelID, err)
	}

	o.mu.Lock()
	if o.channels[p.ChannelID] != ch {
		o.mu.Unlock()
		q.Close()
		cancel()
		return &ChannelStateError{ChannelID: p.ChannelID, Reason: "closed during launch"}
	}
	ch.query = q
	o.mu.Unlock()

	logger.Info("channel launched",
		"model", p.Model,
		"permission_mode", string(p.PermissionMode),
		"thinking_level", string(p.ThinkingLevel),
		"resume", p.Resume,
	)

	o.wg.Add(1)
	go o.supervise(ch)
	return nil
}

func (o *Orchestrator) withDefaults(p LaunchParams) LaunchParams {
	var d config.DefaultsConfig
	if o.config.Defaults != nil {
		d = o.config.Defaults()
	}
	if p.Model == "" {
		p.Model = d.Model
	}
	if p.PermissionMode == "" {
		p.PermissionMode = provider.PermissionMode(d.PermissionMode)
	}
	if p.PermissionMode == "" {
		p.PermissionMode = provider.ModeNormal
	}
	if p.ThinkingLevel == "" {
		p.ThinkingLevel = provider.ThinkingLevel(d.ThinkingLevel)
	}
	if p.ThinkingLevel == "" {
		p.ThinkingLevel = provider.ThinkingOff
	}
	return p
}

// supervise owns a channel's lifecycle: it waits for forwarding to end,
// then deregisters the channel and tells the host.
func (o *Orchestrator) supervise(ch *channel) {
	defer o.wg.Done()
	errMsg := o.forward(ch)
	if unanswered := ch.transcript.Pending(); len(unanswered) > 0 {
		o.logger.Debug("stream ended with unanswered tool calls", "channel", ch.id, "count", len(unanswered))
	}
	if o.closeChannel(ch, true, errMsg) {
		o.logger.Info("channel ended", "channel", ch.id, "error", errMsg)
	}
}

// forward relays every event of the channel's query to the host in order.
// It returns the error text of a failed Result.
func (o *Orchestrator) forward(ch *channel) string {
	logger := o.logger.With("channel", ch.id)
	var errMsg string
	hostGone := false
	for ev := range ch.query.Events() {
		ch.transcript.Observe(ev)
		if r, ok := ev.(event.Result); ok && r.Outcome == event.OutcomeError {
			errMsg = r.Error
		}
		if hostGone || !o.isLive(ch) {
			continue
		}

		data, err := json.Marshal(ev)
		if err != nil {
			logger.Warn("failed to encode event", "type", string(ev.Type()), "err", err)
			continue
		}
		if err := o.config.Host.Send(&rpc.Envelope{Type: rpc.TypeEvent, ChannelID: ch.id, Event: data}); err != nil {
			logger.Warn("host unreachable, interrupting channel", "err", err)
			hostGone = true
			_ = ch.query.Interrupt()
		}
	}
	return errMsg
}

func (o *Orchestrator) isLive(ch *channel) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.channels[ch.id] == ch
}

// lookup returns the running query of a live channel.
func (o *Orchestrator) lookup(id string) (*channel, provider.Query, error) {
	o.mu.RLock()
	ch, ok := o.channels[id]
	var q provider.Query
	if ok {
		q = ch.query
	}
	o.mu.RUnlock()

	if !ok {
		return nil, nil, &ChannelStateError{ChannelID: id, Reason: "not live"}
	}
	if q == nil {
		return nil, nil, &ChannelStateError{ChannelID: id, Reason: "still launching"}
	}
	return ch, q, nil
}

// Interrupt aborts the channel's in-flight turn. The channel stays
// registered until its stream ends.
func (o *Orchestrator) Interrupt(id string) error {
	_, q, err := o.lookup(id)
	if err != nil {
		o.logger.Warn("interrupt for unknown channel", "channel", id)
		return nil
	}
	return q.Interrupt()
}

// Close ends a channel. It is a no-op for an unknown id. When notify is
// set the host hears about it first.
func (o *Orchestrator) Close(id string, notify bool, errMsg string) {
	o.mu.RLock()
	ch, ok := o.channels[id]
	o.mu.RUnlock()
	if !ok {
		return
	}
	if o.closeChannel(ch, notify, errMsg) {
		o.logger.Info("channel closed", "channel", id)
	}
}

// closeChannel tears down ch if it is still the live channel for its id.
func (o *Orchestrator) closeChannel(ch *channel, notify bool, errMsg string) bool {
	if !o.release(ch) {
		return false
	}

	if notify {
		if err := o.config.Host.Send(&rpc.Envelope{Type: rpc.TypeClosed, ChannelID: ch.id, Error: errMsg}); err != nil {
			o.logger.Warn("failed to send closed notification", "channel", ch.id, "err", err)
		}
	}

	ch.input.Close()
	if ch.query != nil {
		if err := ch.query.Close(); err != nil {
			o.logger.Debug("query close", "channel", ch.id, "err", err)
		}
	}
	ch.cancel()
	if o.config.Pending != nil {
		if n := o.config.Pending.CancelChannel(ch.id); n > 0 {
			o.logger.Debug("rejected pending requests", "channel", ch.id, "count", n)
		}
	}
	return true
}

// release removes ch from the live set if it is still registered.
func (o *Orchestrator) release(ch *channel) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.channels[ch.id] != ch {
		return false
	}
	delete(o.channels, ch.id)
	return true
}

// CloseAll ends every channel without notifying the host and waits for
// their supervisors.
func (o *Orchestrator) CloseAll() {
	o.mu.RLock()
	live := make([]*channel, 0, len(o.channels))
	for _, ch := range o.channels {
		live = append(live, ch)
	}
	o.mu.RUnlock()

	for _, ch := range live {
		o.closeChannel(ch, false, "")
	}
	o.wg.Wait()
}

// Channels returns the ids of the live channels.
func (o *Orchestrator) Channels() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ids := make([]string, 0, len(o.channels))
	for id := range o.channels {
		ids = append(ids, id)
	}
	return ids
}

// SetPermissionMode switches a live channel's mode in place.
func (o *Orchestrator) SetPermissionMode(ctx context.Context, id string, mode provider.PermissionMode) error {
	if !mode.Valid() {
		return fmt.Errorf("unknown permission mode %q", mode)
	}
	ch, q, err := o.lookup(id)
	if err != nil {
		return err
	}
	if err := q.SetPermissionMode(ctx, mode); err != nil {
		return fmt.Errorf("set permission mode: %w", err)
	}
	ch.mu.Lock()
	ch.mode = mode
	ch.mu.Unlock()
	return nil
}

// SetModel switches a live channel's model and makes it the default for
// new channels.
func (o *Orchestrator) SetModel(ctx context.Context, id, model string) error {
	if model == "" {
		return errors.New("model is required")
	}
	_, q, err := o.lookup(id)
	if err != nil {
		return err
	}
	if err := q.SetModel(ctx, model); err != nil {
		return fmt.Errorf("set model: %w", err)
	}
	if o.config.Backends != nil {
		if err := o.config.Backends.PersistModel(model); err != nil {
			o.logger.Warn("failed to persist default model", "model", model, "err", err)
		}
	}
	return nil
}

// SetThinkingLevel changes a live channel's reasoning budget.
func (o *Orchestrator) SetThinkingLevel(ctx context.Context, id string, level provider.ThinkingLevel) error {
	if !level.Valid() {
		return fmt.Errorf("unknown thinking level %q", level)
	}
	ch, q, err := o.lookup(id)
	if err != nil {
		return err
	}
	if err := q.SetMaxThinkingTokens(ctx, level.Budget()); err != nil {
		return fmt.Errorf("set thinking level: %w", err)
	}
	ch.mu.Lock()
	ch.thinking = level
	ch.mu.Unlock()
	return nil
}

// SendInput queues a user message on a channel. done closes the input
// afterwards, which lets the conversation finish.
func (o *Orchestrator) SendInput(id string, msg event.Message, done bool) error {
	o.mu.RLock()
	ch, ok := o.channels[id]
	o.mu.RUnlock()
	if !ok {
		return &ChannelStateError{ChannelID: id, Reason: "not live"}
	}

	if len(msg.Content) > 0 {
		if msg.Role == "" {
			msg.Role = event.RoleUser
		}
		if !ch.input.Push(msg) {
			return &ChannelStateError{ChannelID: id, Reason: "input closed"}
		}
		o.logger.Debug("input queued", "channel", id, "backlog", ch.input.Len())
	}
	if done {
		ch.input.Close()
	}
	return nil
}
