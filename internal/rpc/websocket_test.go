package rpc

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eachlabs/tether/internal/logging"
)

func TestWebSocketServer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sessions atomic.Int32
	srv := NewServer(ServerConfig{
		Logger: logging.Discard(),
		Session: func(peer *Peer) (Handler, func()) {
			sessions.Add(1)
			return HandlerFunc(func(ctx context.Context, method string, params json.RawMessage) (any, error) {
				return map[string]string{"method": method}, nil
			}), nil
		},
	})
	ts := httptest.NewServer(srv.Handler(ctx))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(&Envelope{Type: TypeRequest, ID: "1", Method: "list_models"}))
	var got Envelope
	require.NoError(t, ws.ReadJSON(&got))
	assert.Equal(t, TypeResponse, got.Type)
	assert.Equal(t, "1", got.ID)
	assert.JSONEq(t, `{"method":"list_models"}`, string(got.Result))
	assert.Equal(t, int32(1), sessions.Load())
}

func TestWebSocketConnCloseIsEOF(t *testing.T) {
	done := make(chan error, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			done <- err
			return
		}
		_, err = NewWebSocketConn(ws).Read()
		done <- err
	}))
	defer ts.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	ws.Close()

	assert.ErrorIs(t, <-done, io.EOF)
}
