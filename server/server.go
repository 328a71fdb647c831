// Package server exposes the assistant over HTTP and websockets.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/xhad/isoassist/internal/contextutil"
	"github.com/xhad/isoassist/internal/models"
	"github.com/xhad/isoassist/pkg/errs"
)

// Answerer answers one query.
type Answerer interface {
	Ask(ctx context.Context, query string, k int) (models.Answer, error)
}

type Config struct {
	Addr           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	AllowedOrigins []string
}

// Message is one websocket frame. Clients send type "query"; the server
// answers with "response" or "error".
type Message struct {
	Type    string         `json:"type"`
	Content string         `json:"content"`
	K       int            `json:"k,omitempty"`
	Data    *models.Answer `json:"data,omitempty"`
}

type QueryRequest struct {
	Query string `json:"query"`
	K     int    `json:"k,omitempty"`
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

type Server struct {
	config    Config
	assistant Answerer
	upgrader  websocket.Upgrader
	router    chi.Router
}

func New(assistant Answerer, config Config) *Server {
	if config.Addr == "" {
		config.Addr = ":8000"
	}
	s := &Server{
		config:    config,
		assistant: assistant,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return originAllowed(config.AllowedOrigins, r.Header.Get("Origin"))
			},
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger)
	r.Use(CORS(config.AllowedOrigins))

	r.Get("/health", s.handleHealth)
	r.Post("/api/query", s.handleQuery)
	r.Get("/ws", s.handleWebSocket)
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	logger := contextutil.LoggerFromContext(ctx)
	srv := &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.InfoContext(ctx, "server listening", "addr", s.config.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		logger.InfoContext(ctx, "server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := contextutil.LoggerFromContext(ctx)

	var req QueryRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	answer, err := s.assistant.Ask(ctx, req.Query, req.K)
	if err != nil {
		logger.ErrorContext(ctx, "query failed", "error", err)
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

// statusFor maps a query failure to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, context.Canceled):
		return 499
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, new(*errs.ExternalServiceError)):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, RequestID: w.Header().Get(requestIDHeader)})
}

// wsConn serializes writes; gorilla connections allow one writer at a time.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) send(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(msg)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	logger := contextutil.LoggerFromContext(r.Context())

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// The request context ends with the handler; queries in flight are
	// cancelled when the client goes away.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	c := &wsConn{conn: conn}
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.DebugContext(ctx, "websocket read ended", "error", err)
			}
			cancel()
			return
		}
		if msg.Type != "" && msg.Type != "query" {
			_ = c.send(Message{Type: "error", Content: "unsupported message type " + msg.Type})
			continue
		}

		wg.Add(1)
		go func(msg Message) {
			defer wg.Done()
			s.handleMessage(ctx, c, msg)
		}(msg)
	}
}

func (s *Server) handleMessage(ctx context.Context, c *wsConn, msg Message) {
	logger := contextutil.LoggerFromContext(ctx)
	query := strings.TrimSpace(msg.Content)
	if query == "" {
		_ = c.send(Message{Type: "error", Content: "query is required"})
		return
	}

	answer, err := s.assistant.Ask(ctx, query, msg.K)
	if err != nil {
		logger.ErrorContext(ctx, "websocket query failed", "error", err)
		_ = c.send(Message{Type: "error", Content: err.Error()})
		return
	}
	if err := c.send(Message{Type: "response", Content: answer.Answer, Data: &answer}); err != nil {
		logger.WarnContext(ctx, "websocket write failed", "error", err)
	}
}
