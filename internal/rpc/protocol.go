// Package rpc carries the host protocol: newline-delimited JSON envelopes
// over stdio or WebSocket text frames, plus correlation of the requests the
// core sends to the host.
package rpc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Envelope types.
const (
	TypeRequest  = "request"
	TypeResponse = "response"
	TypeEvent    = "event"
	TypeClosed   = "closed"
	TypeCancel   = "cancel"
)

// Core-to-host request methods.
const (
	MethodPermission = "permission"
	MethodPreview    = "preview"
)

// Envelope is the wire format between the core and its host. Only the
// fields relevant to Type are set.
type Envelope struct {
	Type string `json:"type" jsonschema:"required,enum=request,enum=response,enum=event,enum=closed,enum=cancel"`

	ID        string `json:"id,omitempty" jsonschema:"description=Correlation id of a request and its response"`
	ChannelID string `json:"channel_id,omitempty"`

	// Request
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	// Response
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`

	// Event
	Event json.RawMessage `json:"event,omitempty"`
}

// Conn is one host connection.
type Conn interface {
	// Read blocks for the next envelope. It returns io.EOF when the host
	// goes away.
	Read() (*Envelope, error)
	// Write sends one envelope. It is safe for concurrent use.
	Write(*Envelope) error
	Close() error
}

// streamConn speaks NDJSON over a byte stream.
type streamConn struct {
	reader *bufio.Reader
	closer io.Closer

	mu     sync.Mutex
	writer *bufio.Writer
}

// NewStreamConn returns a Conn reading envelopes from r and writing them to
// w. closer may be nil.
func NewStreamConn(r io.Reader, w io.Writer, closer io.Closer) Conn {
	return &streamConn{
		reader: bufio.NewReaderSize(r, 64<<10),
		writer: bufio.NewWriter(w),
		closer: closer,
	}
}

func (c *streamConn) Write(env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.writer.Write(append(data, '\n')); err != nil {
		return err
	}
	return c.writer.Flush()
}

func (c *streamConn) Read() (*Envelope, error) {
	for {
		line, err := c.reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) == 0 {
			if err != nil {
				return nil, err
			}
			continue
		}

		var env Envelope
		if uerr := json.Unmarshal(line, &env); uerr != nil {
			return nil, &FrameError{Err: uerr}
		}
		return &env, nil
	}
}

func (c *streamConn) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

// FrameError is a frame that is not a valid envelope. The connection stays
// usable.
type FrameError struct {
	Err error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("bad frame: %v", e.Err)
}

func (e *FrameError) Unwrap() error {
	return e.Err
}
