package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/tidwall/gjson"
)

// ErrDisconnected settles requests still pending when the host goes away.
var ErrDisconnected = errors.New("host disconnected")

// Handler executes one host request.
type Handler interface {
	Handle(ctx context.Context, method string, params json.RawMessage) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, method string, params json.RawMessage) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, method string, params json.RawMessage) (any, error) {
	return f(ctx, method, params)
}

// SessionFunc builds the handler for a new host connection. release runs
// once the connection is gone.
type SessionFunc func(peer *Peer) (h Handler, release func())

// Peer is the core's side of one host connection. Requests that name a
// channel run one at a time in arrival order per channel; all others run
// concurrently. Responses and core-initiated frames share one writer.
type Peer struct {
	conn       Conn
	correlator *Correlator
	logger     *slog.Logger

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	lanes    map[string]*lane
	wg       sync.WaitGroup
}

// lane holds the requests queued behind the one running for a channel.
type lane struct {
	queued []func()
}

// NewPeer wraps conn.
func NewPeer(conn Conn, logger *slog.Logger) *Peer {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Peer{
		conn:     conn,
		logger:   logger,
		inflight: make(map[string]context.CancelFunc),
		lanes:    make(map[string]*lane),
	}
	p.correlator = NewCorrelator(conn.Write)
	return p
}

// Correlator returns the correlator for core-initiated requests.
func (p *Peer) Correlator() *Correlator {
	return p.correlator
}

// Send writes a frame to the host.
func (p *Peer) Send(env *Envelope) error {
	return p.conn.Write(env)
}

// Request sends a correlated request to the host and waits for the answer.
func (p *Peer) Request(ctx context.Context, channelID, method string, params any) (json.RawMessage, error) {
	return p.correlator.Request(ctx, channelID, method, params)
}

// Serve reads frames until the host disconnects or ctx is done. Pending
// core requests are rejected on the way out.
func (p *Peer) Serve(ctx context.Context, h Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		p.conn.Close()
	}()
	defer func() {
		cancel()
		p.correlator.CancelAll(ErrDisconnected)
		p.wg.Wait()
	}()

	for {
		env, err := p.conn.Read()
		if err != nil {
			var fe *FrameError
			if errors.As(err, &fe) {
				p.logger.Warn("dropping bad frame", "err", err)
				continue
			}
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		switch env.Type {
		case TypeRequest:
			p.dispatch(ctx, h, env)
		case TypeResponse:
			if !p.correlator.Resolve(env.ID, env.Result, env.Error) {
				p.logger.Debug("response for unknown request", "request_id", env.ID)
			}
		case TypeCancel:
			p.cancel(env.ID)
		default:
			p.logger.Warn("unexpected frame type", "type", env.Type)
		}
	}
}

func (p *Peer) dispatch(ctx context.Context, h Handler, env *Envelope) {
	reqCtx, cancel := context.WithCancel(ctx)
	if env.ID != "" {
		p.mu.Lock()
		p.inflight[env.ID] = cancel
		p.mu.Unlock()
	}

	run := func() {
		defer func() {
			cancel()
			if env.ID != "" {
				p.mu.Lock()
				delete(p.inflight, env.ID)
				p.mu.Unlock()
			}
		}()
		p.handle(reqCtx, h, env)
	}

	if key := channelOf(env); key != "" {
		p.enqueue(key, run)
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		run()
	}()
}

func (p *Peer) handle(ctx context.Context, h Handler, env *Envelope) {
	result, err := h.Handle(ctx, env.Method, env.Params)
	if env.ID == "" {
		if err != nil {
			p.logger.Warn("notification failed", "method", env.Method, "err", err)
		}
		return
	}

	resp := &Envelope{Type: TypeResponse, ID: env.ID}
	if err != nil {
		resp.Error = err.Error()
	} else {
		resp.Result = encodeResult(result)
	}
	if werr := p.conn.Write(resp); werr != nil {
		p.logger.Warn("failed to write response", "method", env.Method, "request_id", env.ID, "err", werr)
	}
}

// enqueue runs fn after every earlier request for the same channel. The
// lane's worker exits once its queue drains.
func (p *Peer) enqueue(key string, fn func()) {
	p.mu.Lock()
	if l, ok := p.lanes[key]; ok {
		l.queued = append(l.queued, fn)
		p.mu.Unlock()
		return
	}
	l := &lane{}
	p.lanes[key] = l
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			fn()
			p.mu.Lock()
			if len(l.queued) == 0 {
				delete(p.lanes, key)
				p.mu.Unlock()
				return
			}
			fn = l.queued[0]
			l.queued[0] = nil
			l.queued = l.queued[1:]
			p.mu.Unlock()
		}
	}()
}

// channelOf returns the channel a request targets, if any.
func channelOf(env *Envelope) string {
	if env.ChannelID != "" {
		return env.ChannelID
	}
	if len(env.Params) == 0 {
		return ""
	}
	return gjson.GetBytes(env.Params, "channel_id").String()
}

// cancel stops a core request by id, or a running host request.
func (p *Peer) cancel(id string) {
	if p.correlator.Cancel(id) {
		return
	}
	p.mu.Lock()
	cancel, ok := p.inflight[id]
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

func encodeResult(v any) json.RawMessage {
	if v == nil {
		return json.RawMessage(`{}`)
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}

// Serve runs session over one connection until it ends.
func Serve(ctx context.Context, conn Conn, session SessionFunc, logger *slog.Logger) error {
	peer := NewPeer(conn, logger)
	h, release := session(peer)
	if release != nil {
		defer release()
	}
	return peer.Serve(ctx, h)
}
