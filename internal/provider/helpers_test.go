package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/eachlabs/tether/internal/event"
	"github.com/eachlabs/tether/internal/stream"
	"github.com/eachlabs/tether/internal/tool"
)

// collect drains q, failing the test if the stream does not end in time.
func collect(t *testing.T, q Query) []event.Event {
	t.Helper()
	ch := make(chan []event.Event, 1)
	go func() {
		var out []event.Event
		for e := range q.Events() {
			out = append(out, e)
		}
		ch <- out
	}()
	select {
	case out := <-ch:
		return out
	case <-time.After(10 * time.Second):
		t.Fatal("stream did not finish")
		return nil
	}
}

// requireShape checks the stream grammar: one SystemInit first, one Result
// last, nothing terminal in between.
func requireShape(t *testing.T, events []event.Event) event.Result {
	t.Helper()
	require.GreaterOrEqual(t, len(events), 2)
	_, ok := events[0].(event.SystemInit)
	require.True(t, ok, "first event is %T", events[0])
	for _, e := range events[1 : len(events)-1] {
		_, isInit := e.(event.SystemInit)
		require.False(t, isInit, "second SystemInit")
		require.False(t, event.IsTerminal(e), "early Result")
	}
	r, ok := events[len(events)-1].(event.Result)
	require.True(t, ok, "last event is %T", events[len(events)-1])
	return r
}

func deltas(events []event.Event) []event.AssistantDelta {
	var out []event.AssistantDelta
	for _, e := range events {
		if d, ok := e.(event.AssistantDelta); ok {
			out = append(out, d)
		}
	}
	return out
}

func echoes(events []event.Event) []event.UserEcho {
	var out []event.UserEcho
	for _, e := range events {
		if u, ok := e.(event.UserEcho); ok {
			out = append(out, u)
		}
	}
	return out
}

// sse renders frames as a text/event-stream body. A frame with an empty
// name is sent as data only.
func sse(frames ...[2]string) string {
	var b strings.Builder
	for _, f := range frames {
		if f[0] != "" {
			fmt.Fprintf(&b, "event: %s\n", f[0])
		}
		fmt.Fprintf(&b, "data: %s\n\n", f[1])
	}
	return b.String()
}

// sseServer replies to the i-th request with bodies[i]. Requests beyond the
// list get the last body. Request bodies are recorded.
type sseServer struct {
	*httptest.Server
	calls    atomic.Int32
	requests chan []byte
}

func newSSEServer(t *testing.T, bodies ...string) *sseServer {
	t.Helper()
	return newChunkedSSEServer(t, 0, bodies...)
}

// newChunkedSSEServer is newSSEServer writing each body in flushed slices of
// size bytes, so frames, lines and "data:" prefixes arrive split across
// reads. A size of zero writes the body at once.
func newChunkedSSEServer(t *testing.T, size int, bodies ...string) *sseServer {
	t.Helper()
	s := &sseServer{requests: make(chan []byte, 16)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body json.RawMessage
		_ = json.NewDecoder(r.Body).Decode(&body)
		s.requests <- body
		n := int(s.calls.Add(1)) - 1
		if n >= len(bodies) {
			n = len(bodies) - 1
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		body = []byte(bodies[n])
		if size <= 0 {
			_, _ = w.Write(body)
			return
		}
		flusher, _ := w.(http.Flusher)
		for len(body) > 0 {
			k := min(size, len(body))
			if _, err := w.Write(body[:k]); err != nil {
				return
			}
			body = body[k:]
			if flusher != nil {
				flusher.Flush()
			}
			time.Sleep(50 * time.Microsecond)
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *sseServer) request(t *testing.T) []byte {
	t.Helper()
	select {
	case b := <-s.requests:
		return b
	case <-time.After(5 * time.Second):
		t.Fatal("no request recorded")
		return nil
	}
}

// echoTool returns its input as output.
type echoTool struct{}

func (echoTool) Name() string            { return "Echo" }
func (echoTool) Description() string     { return "Echo the input back." }
func (echoTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}}}`) }
func (echoTool) Execute(_ context.Context, params json.RawMessage) (*tool.Result, error) {
	var p struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	return &tool.Result{Content: "echo: " + p.Text}, nil
}

func echoRegistry(string) *tool.Registry {
	r := tool.NewRegistry()
	r.Register(echoTool{})
	return r
}

func denyAll(reason string) CanUseTool {
	return func(context.Context, PermissionRequest) (Decision, error) {
		return Deny(reason), nil
	}
}

// newInput returns a closed input queue holding msgs.
func newInput(msgs ...event.Message) *stream.Queue[event.Message] {
	q := stream.NewQueue[event.Message]()
	for _, m := range msgs {
		q.Push(m)
	}
	q.Close()
	return q
}
