package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zenin797/SunoTherapist/core"
	"github.com/Zenin797/SunoTherapist/engine"
)

type echoModel struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (m *echoModel) Generate(ctx context.Context, req *core.ModelRequest) (*core.ModelResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.fail {
		return nil, errors.New("upstream down")
	}
	last := req.Messages[len(req.Messages)-1]
	return &core.ModelResponse{
		Message: core.AssistantMessage("echo: " + last.Content),
		Usage:   core.TokenUsage{InputTokens: 3, OutputTokens: 2},
	}, nil
}

func newTestServer(t *testing.T, model core.Model) *httptest.Server {
	t.Helper()
	reg := engine.NewToolRegistry()
	srv, err := New(Config{Engine: engine.New(model, reg), ModelName: "test/echo"})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func dial(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws" + query
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func roundTrip(t *testing.T, ws *websocket.Conn, msg ClientMessage) ServerMessage {
	t.Helper()
	require.NoError(t, ws.WriteJSON(msg))
	var out ServerMessage
	require.NoError(t, ws.ReadJSON(&out))
	return out
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, &echoModel{})

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test/echo", body["model"])
}

func TestChat(t *testing.T) {
	ts := newTestServer(t, &echoModel{})
	ws := dial(t, ts, "?user_id=alice&thread_id=t1")

	var hello ServerMessage
	require.NoError(t, ws.ReadJSON(&hello))
	assert.Equal(t, TypeConnected, hello.Type)
	assert.Equal(t, "alice", hello.UserID)
	assert.Equal(t, "t1", hello.ThreadID)

	out := roundTrip(t, ws, ClientMessage{Type: TypeMessage, Content: "hi"})
	assert.Equal(t, TypeText, out.Type)
	assert.Equal(t, "echo: hi", out.Content)
	assert.Equal(t, "t1", out.ThreadID)
	require.NotNil(t, out.Tokens)
	assert.Equal(t, 3, out.Tokens.InputTokens)

	roundTrip(t, ws, ClientMessage{Type: TypeMessage, Content: "again"})

	history := roundTrip(t, ws, ClientMessage{Type: TypeHistory})
	assert.Equal(t, TypeHistory, history.Type)
	assert.Len(t, history.Messages, 4)

	// Another thread on the same connection starts empty.
	other := roundTrip(t, ws, ClientMessage{Type: TypeHistory, ThreadID: "t2"})
	assert.Empty(t, other.Messages)

	reset := roundTrip(t, ws, ClientMessage{Type: TypeReset})
	assert.Equal(t, TypeReset, reset.Type)
	history = roundTrip(t, ws, ClientMessage{Type: TypeHistory})
	assert.Empty(t, history.Messages)
}

func TestChatAssignsIdentity(t *testing.T) {
	ts := newTestServer(t, &echoModel{})
	ws := dial(t, ts, "")

	var hello ServerMessage
	require.NoError(t, ws.ReadJSON(&hello))
	assert.Len(t, hello.UserID, 8)
	assert.NotEmpty(t, hello.ThreadID)
}

func TestChatErrors(t *testing.T) {
	model := &echoModel{fail: true}
	ts := newTestServer(t, model)
	ws := dial(t, ts, "?user_id=alice")

	var hello ServerMessage
	require.NoError(t, ws.ReadJSON(&hello))

	tests := []struct {
		name string
		msg  ClientMessage
		code string
	}{
		{name: "empty content", msg: ClientMessage{Type: TypeMessage}, code: "validation"},
		{name: "unknown type", msg: ClientMessage{Type: "dance"}, code: "validation"},
		{name: "model failure", msg: ClientMessage{Type: TypeMessage, Content: "hi"}, code: "internal"},
		{name: "interrupted turn blocks new input", msg: ClientMessage{Type: TypeMessage, Content: "hello?"}, code: "turn_in_progress"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := roundTrip(t, ws, tt.msg)
			assert.Equal(t, TypeError, out.Type)
			assert.Equal(t, tt.code, out.Code, out.Content)
		})
	}

	// Once the model recovers the interrupted turn can be resumed.
	model.mu.Lock()
	model.fail = false
	model.mu.Unlock()
	out := roundTrip(t, ws, ClientMessage{Type: TypeResume})
	assert.Equal(t, TypeText, out.Type)
	assert.Equal(t, "echo: hi", out.Content)
}

type slowModel struct {
	delay time.Duration
}

func (m *slowModel) Generate(ctx context.Context, req *core.ModelRequest) (*core.ModelResponse, error) {
	select {
	case <-time.After(m.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &core.ModelResponse{Message: core.AssistantMessage("slow answer")}, nil
}

func TestLongTurnKeepsConnectionAlive(t *testing.T) {
	srv, err := New(Config{Engine: engine.New(&slowModel{delay: 600 * time.Millisecond}, engine.NewToolRegistry())})
	require.NoError(t, err)
	// Turns outlast the read deadline several times over.
	srv.pongWait = 150 * time.Millisecond
	srv.pingPeriod = 50 * time.Millisecond
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	ws := dial(t, ts, "?user_id=alice&thread_id=t1")
	var hello ServerMessage
	require.NoError(t, ws.ReadJSON(&hello))

	for _, content := range []string{"first", "second"} {
		out := roundTrip(t, ws, ClientMessage{Type: TypeMessage, Content: content})
		assert.Equal(t, TypeText, out.Type, out.Content)
		assert.Equal(t, "slow answer", out.Content)
	}
}

func TestColonInThreadIDIsRejected(t *testing.T) {
	ts := newTestServer(t, &echoModel{})
	ws := dial(t, ts, "?user_id=a")

	var hello ServerMessage
	require.NoError(t, ws.ReadJSON(&hello))

	out := roundTrip(t, ws, ClientMessage{Type: TypeHistory, ThreadID: "b:c"})
	assert.Equal(t, TypeError, out.Type)
	assert.Equal(t, "validation", out.Code)
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.example.com"})

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, check(req), "non-browser clients send no origin")

	req.Header.Set("Origin", "https://app.example.com")
	assert.True(t, check(req))

	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, check(req))

	assert.True(t, originChecker(nil)(req))
}

func TestNewRequiresEngine(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
