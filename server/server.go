// Package server exposes the engine over a websocket chat endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/Zenin797/SunoTherapist/core"
	"github.com/Zenin797/SunoTherapist/engine"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	writeWait  = 10 * time.Second

	maxMessageBytes = 64 << 10
)

// Config configures the server.
type Config struct {
	Engine *engine.Engine

	// ModelName is reported by /health.
	ModelName string

	// AllowedOrigins restricts browser origins. Empty allows any origin.
	AllowedOrigins []string
}

// Server serves /ws and /health.
type Server struct {
	engine    *engine.Engine
	modelName string
	router    chi.Router
	upgrader  websocket.Upgrader

	pongWait   time.Duration
	pingPeriod time.Duration
}

// New creates a server.
func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine is required")
	}
	s := &Server{
		engine:     cfg.Engine,
		modelName:  cfg.ModelName,
		pongWait:   pongWait,
		pingPeriod: pingPeriod,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.handleWebSocket)
	s.router = r
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("[SERVER] Listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Info("[SERVER] Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if strings.EqualFold(origin, a) {
				return true
			}
		}
		return false
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
		"model":  s.modelName,
	})
}

// ────────────────────────────────────────────────────────────────────────────
// Websocket protocol
// ────────────────────────────────────────────────────────────────────────────

// Client message types.
const (
	TypeMessage = "message"
	TypeResume  = "resume"
	TypeHistory = "history"
	TypeReset   = "reset"
)

// Server message types.
const (
	TypeConnected = "connected"
	TypeText      = "text"
	TypeError     = "error"
)

// ClientMessage is sent by the client. UserID falls back to the user_id
// query parameter of the connection.
type ClientMessage struct {
	Type     string `json:"type"`
	UserID   string `json:"user_id,omitempty"`
	ThreadID string `json:"thread_id,omitempty"`
	Content  string `json:"content,omitempty"`
}

// ServerMessage is sent to the client.
type ServerMessage struct {
	Type     string                 `json:"type"`
	UserID   string                 `json:"user_id,omitempty"`
	ThreadID string                 `json:"thread_id,omitempty"`
	Content  string                 `json:"content,omitempty"`
	Tools    []engine.ToolExecution `json:"tools,omitempty"`
	Messages []core.Message         `json:"messages,omitempty"`
	Tokens   *core.TokenUsage       `json:"tokens,omitempty"`
	Code     string                 `json:"code,omitempty"`
}

// conn serializes writes; the ping loop and the read loop both write.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) send(msg *ServerMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(msg)
}

func (c *conn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("[SERVER] Websocket upgrade failed")
		return
	}
	defer ws.Close()

	c := &conn{ws: ws}
	ws.SetReadLimit(maxMessageBytes)
	_ = ws.SetReadDeadline(time.Now().Add(s.pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.pongWait))
	})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go s.keepAlive(ctx, c)

	defaults := core.RunContext{
		UserID:   r.URL.Query().Get("user_id"),
		ThreadID: r.URL.Query().Get("thread_id"),
	}
	if defaults.UserID == "" {
		defaults.UserID = uuid.NewString()[:8]
	}
	if defaults.ThreadID == "" {
		defaults.ThreadID = uuid.NewString()
	}
	logger := log.WithFields(log.Fields{"user": defaults.UserID, "request_id": middleware.GetReqID(r.Context())})
	logger.Info("[SERVER] Client connected")

	if err := c.send(&ServerMessage{Type: TypeConnected, UserID: defaults.UserID, ThreadID: defaults.ThreadID}); err != nil {
		return
	}

	// Turns run here while the reader keeps draining frames, so pongs keep
	// the read deadline fresh during long turns. A closed connection
	// cancels the turn in flight; its checkpoint is the resume point.
	inbox := make(chan ClientMessage)
	go func() {
		defer close(inbox)
		defer cancel()
		for {
			var in ClientMessage
			if err := ws.ReadJSON(&in); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.WithError(err).Warn("[SERVER] Read failed")
				}
				return
			}
			select {
			case inbox <- in:
			case <-ctx.Done():
				return
			}
		}
	}()

	for in := range inbox {
		rc := core.RunContext{UserID: in.UserID, ThreadID: in.ThreadID}
		if rc.UserID == "" {
			rc.UserID = defaults.UserID
		}
		if rc.ThreadID == "" {
			rc.ThreadID = defaults.ThreadID
		}
		if err := c.send(s.handle(ctx, rc, &in)); err != nil {
			logger.WithError(err).Warn("[SERVER] Write failed")
			return
		}
	}
}

func (s *Server) keepAlive(ctx context.Context, c *conn) {
	ticker := time.NewTicker(s.pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}

func (s *Server) handle(ctx context.Context, rc core.RunContext, in *ClientMessage) *ServerMessage {
	switch in.Type {
	case TypeMessage, "":
		if strings.TrimSpace(in.Content) == "" {
			return errorMessage(rc, core.Validationf("content is required"))
		}
		out, err := s.engine.Run(ctx, &engine.Input{RunContext: rc, UserMessage: in.Content})
		return turnMessage(rc, out, err)
	case TypeResume:
		out, err := s.engine.Resume(ctx, rc)
		return turnMessage(rc, out, err)
	case TypeHistory:
		msgs, err := s.engine.History(ctx, rc)
		if err != nil {
			return errorMessage(rc, err)
		}
		return &ServerMessage{Type: TypeHistory, UserID: rc.UserID, ThreadID: rc.ThreadID, Messages: msgs}
	case TypeReset:
		if err := s.engine.Reset(ctx, rc); err != nil {
			return errorMessage(rc, err)
		}
		return &ServerMessage{Type: TypeReset, UserID: rc.UserID, ThreadID: rc.ThreadID}
	}
	return errorMessage(rc, core.Validationf("unknown message type %q", in.Type))
}

func turnMessage(rc core.RunContext, out *engine.Output, err error) *ServerMessage {
	if err != nil {
		return errorMessage(rc, err)
	}
	msg := &ServerMessage{
		Type:     TypeText,
		UserID:   rc.UserID,
		ThreadID: rc.ThreadID,
		Content:  out.Text,
		Tools:    out.ToolsUsed,
		Tokens:   &out.TokensUsed,
	}
	if out.Type == engine.OutputError && out.Error != nil {
		msg.Type = TypeError
		msg.Code = errorCode(out.Error)
		if msg.Content == "" {
			msg.Content = out.Error.Error()
		}
	}
	return msg
}

func errorMessage(rc core.RunContext, err error) *ServerMessage {
	return &ServerMessage{
		Type:     TypeError,
		UserID:   rc.UserID,
		ThreadID: rc.ThreadID,
		Content:  err.Error(),
		Code:     errorCode(err),
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, core.ErrValidation):
		return "validation"
	case errors.Is(err, core.ErrNotFound):
		return "not_found"
	case errors.Is(err, core.ErrTurnInProgress):
		return "turn_in_progress"
	case errors.Is(err, core.ErrToolLoopExceeded):
		return "tool_loop_exceeded"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	}
	return "internal"
}
