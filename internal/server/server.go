// Package server exposes the chat orchestrator over HTTP.
//
// Routes:
//
//	POST /chat        event stream (text/event-stream)
//	POST /chat/sync   single JSON reply
//	GET  /chat/ws     websocket; each inbound {"messages": [...]} runs one chat
//	GET  /tools       tool catalog
//	GET  /healthz     liveness
//	GET  /readyz      readiness
//	GET  /metrics     Prometheus scrape endpoint
//	     /mcp         MCP streamable HTTP endpoint (optional)
//
// Malformed or empty conversations are rejected with 400 before any LLM
// call. Once an event stream has started, failures arrive as a terminal
// error event instead of an HTTP status.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/MrWong99/tickerlens/internal/agent"
	"github.com/MrWong99/tickerlens/internal/health"
	"github.com/MrWong99/tickerlens/internal/observe"
	"github.com/MrWong99/tickerlens/internal/stream"
	"github.com/MrWong99/tickerlens/internal/tools"
	"github.com/MrWong99/tickerlens/pkg/types"
)

// maxBodyBytes caps an inbound chat request.
const maxBodyBytes = 1 << 20

// Chatter runs chats. *agent.Orchestrator satisfies it.
type Chatter interface {
	Run(ctx context.Context, messages []types.Message, emit stream.Emit) error
	Reply(ctx context.Context, messages []types.Message) (agent.Reply, error)
}

var _ Chatter = (*agent.Orchestrator)(nil)

// Handler is the root HTTP handler.
type Handler struct {
	chat           Chatter
	health         *health.Handler
	metrics        *observe.Metrics
	metricsHandler http.Handler
	mcpPath        string
	mcp            http.Handler
	originPatterns []string

	root http.Handler
}

// Option configures a [Handler].
type Option func(*Handler)

// WithHealth serves /healthz and /readyz from h.
func WithHealth(h *health.Handler) Option {
	return func(s *Handler) { s.health = h }
}

// WithMetrics records HTTP metrics on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Handler) { s.metrics = m }
}

// WithMetricsHandler serves h at /metrics. The default is
// [observe.MetricsHandler].
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Handler) { s.metricsHandler = h }
}

// WithMCP mounts h at path.
func WithMCP(path string, h http.Handler) Option {
	return func(s *Handler) { s.mcpPath, s.mcp = path, h }
}

// WithOriginPatterns lists the cross-origin hosts allowed to open the
// websocket. Same-origin requests are always accepted.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Handler) { s.originPatterns = patterns }
}

// New returns the root handler for chat.
func New(chat Chatter, opts ...Option) *Handler {
	s := &Handler{chat: chat}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.metricsHandler == nil {
		s.metricsHandler = observe.MetricsHandler()
	}
	if s.health == nil {
		s.health = health.New()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("POST /chat/sync", s.handleChatSync)
	mux.HandleFunc("GET /chat/ws", s.handleChatWS)
	mux.HandleFunc("GET /tools", s.handleTools)
	mux.Handle("GET /metrics", s.metricsHandler)
	s.health.Register(mux)
	if s.mcp != nil && s.mcpPath != "" {
		mux.Handle(s.mcpPath, s.mcp)
	}

	s.root = observe.Middleware(s.metrics, observe.WithRoutes(mux))(withRequestID(mux))
	return s
}

// ServeHTTP implements [http.Handler].
func (s *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.root.ServeHTTP(w, r)
}

type chatRequest struct {
	Messages []types.Message `json:"messages"`
}

type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func (s *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	msgs, ok := decodeChat(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	events := stream.Pipe(ctx, stream.DefaultBuffer, func(emit stream.Emit) {
		_ = s.chat.Run(ctx, msgs, emit)
	})
	if err := stream.NewSSEWriter(w).Drain(ctx, events); err != nil {
		observe.Logger(ctx).Warn("event stream aborted", "err", err)
	}
}

func (s *Handler) handleChatSync(w http.ResponseWriter, r *http.Request) {
	msgs, ok := decodeChat(w, r)
	if !ok {
		return
	}
	reply, err := s.chat.Reply(r.Context(), msgs)
	if err != nil {
		observe.Logger(r.Context()).Error("chat failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{
			Error:   "Failed to process chat request",
			Details: err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Handler) handleTools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tools": tools.Definitions()})
}

// decodeChat parses and validates the request body, answering 400 itself
// when it is unusable.
func decodeChat(w http.ResponseWriter, r *http.Request) ([]types.Message, bool) {
	var req chatRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "Invalid request body", Details: err.Error()})
		return nil, false
	}
	if err := agent.Validate(req.Messages); err != nil {
		msg := "Invalid messages"
		if errors.Is(err, agent.ErrNoMessages) {
			msg = "Messages array is required"
		}
		writeJSON(w, http.StatusBadRequest, errorBody{Error: msg, Details: err.Error()})
		return nil, false
	}
	return req.Messages, true
}

// withRequestID propagates X-Request-ID, minting one when absent.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(observe.WithRequestID(r.Context(), id)))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		observe.Logger(context.Background()).Warn("write response", "err", err)
	}
}
