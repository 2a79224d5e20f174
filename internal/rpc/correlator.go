package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrCanceled settles a request that was canceled before the host
	// answered.
	ErrCanceled = errors.New("request canceled")
	// ErrChannelClosed settles the pending requests of a closed channel.
	ErrChannelClosed = errors.New("channel closed")
)

// RemoteError is an error answer from the host.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Method, e.Message)
}

type outcome struct {
	result json.RawMessage
	err    error
}

type pendingRequest struct {
	channelID string
	method    string
	done      chan outcome
}

// Correlator matches the core's requests to the host with their responses.
// Every request settles exactly once: settlement removes the entry under
// the lock, so later answers for the same id find nothing.
type Correlator struct {
	send func(*Envelope) error

	mu      sync.Mutex
	pending map[string]*pendingRequest
}

// NewCorrelator returns a correlator that transmits through send.
func NewCorrelator(send func(*Envelope) error) *Correlator {
	return &Correlator{
		send:    send,
		pending: make(map[string]*pendingRequest),
	}
}

// Request sends method to the host on behalf of channelID and waits for the
// answer. There is no timeout; ctx, Cancel and CancelChannel are the only
// ways to stop waiting.
func (c *Correlator) Request(ctx context.Context, channelID, method string, params any) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode %s params: %w", method, err)
	}

	id := uuid.NewString()
	p := &pendingRequest{channelID: channelID, method: method, done: make(chan outcome, 1)}
	c.mu.Lock()
	c.pending[id] = p
	c.mu.Unlock()

	if err := c.send(&Envelope{Type: TypeRequest, ID: id, ChannelID: channelID, Method: method, Params: raw}); err != nil {
		c.take(id)
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case o := <-p.done:
		return o.result, o.err
	case <-ctx.Done():
		// If an answer won the race it is already buffered.
		c.settle(id, outcome{err: fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())})
		o := <-p.done
		return o.result, o.err
	}
}

// Resolve settles id with the host's answer. A non-empty errMsg makes it a
// failure. It reports whether id was pending.
func (c *Correlator) Resolve(id string, result json.RawMessage, errMsg string) bool {
	p := c.peek(id)
	if p == nil {
		return false
	}
	o := outcome{result: result}
	if errMsg != "" {
		o = outcome{err: &RemoteError{Method: p.method, Message: errMsg}}
	}
	return c.settle(id, o)
}

// Cancel settles id with ErrCanceled.
func (c *Correlator) Cancel(id string) bool {
	return c.settle(id, outcome{err: ErrCanceled})
}

// CancelChannel rejects every pending request of channelID and returns how
// many there were.
func (c *Correlator) CancelChannel(channelID string) int {
	c.mu.Lock()
	var settled []*pendingRequest
	for id, p := range c.pending {
		if p.channelID == channelID {
			delete(c.pending, id)
			settled = append(settled, p)
		}
	}
	c.mu.Unlock()

	for _, p := range settled {
		p.done <- outcome{err: ErrChannelClosed}
	}
	return len(settled)
}

// CancelAll rejects every pending request.
func (c *Correlator) CancelAll(err error) int {
	c.mu.Lock()
	settled := make([]*pendingRequest, 0, len(c.pending))
	for id, p := range c.pending {
		delete(c.pending, id)
		settled = append(settled, p)
	}
	c.mu.Unlock()

	for _, p := range settled {
		p.done <- outcome{err: err}
	}
	return len(settled)
}

// Pending returns the number of unsettled requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// PendingFor returns the number of unsettled requests of channelID.
func (c *Correlator) PendingFor(channelID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, p := range c.pending {
		if p.channelID == channelID {
			n++
		}
	}
	return n
}

func (c *Correlator) peek(id string) *pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending[id]
}

func (c *Correlator) take(id string) *pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return p
}

func (c *Correlator) settle(id string, o outcome) bool {
	p := c.take(id)
	if p == nil {
		return false
	}
	p.done <- o
	return true
}
