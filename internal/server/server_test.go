package server_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/tickerlens/internal/agent"
	"github.com/MrWong99/tickerlens/internal/health"
	"github.com/MrWong99/tickerlens/internal/observe"
	"github.com/MrWong99/tickerlens/internal/server"
	"github.com/MrWong99/tickerlens/internal/stream"
	"github.com/MrWong99/tickerlens/internal/tools"
	"github.com/MrWong99/tickerlens/pkg/provider/llm"
	llmmock "github.com/MrWong99/tickerlens/pkg/provider/llm/mock"
	"github.com/MrWong99/tickerlens/pkg/types"
)

// ── helpers ──────────────────────────────────────────────────────────────────

type stubChat struct {
	mu       sync.Mutex
	runs     [][]types.Message
	replies  int
	reply    agent.Reply
	replyErr error
	// events emitted by Run; defaults to metadata, one delta, done.
	events []stream.Event
}

func (c *stubChat) Run(_ context.Context, msgs []types.Message, emit stream.Emit) error {
	c.mu.Lock()
	c.runs = append(c.runs, msgs)
	evs := c.events
	c.mu.Unlock()
	if evs == nil {
		evs = []stream.Event{
			stream.MetadataEvent(stream.Metadata{ToolsUsed: []string{"getQuote"}, StepCount: 1}),
			stream.ContentEvent("AAPL is $190."),
			stream.DoneEvent(),
		}
	}
	for _, ev := range evs {
		emit(ev)
	}
	return nil
}

func (c *stubChat) Reply(context.Context, []types.Message) (agent.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies++
	return c.reply, c.replyErr
}

func (c *stubChat) runCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.runs)
}

func newHandler(chat server.Chatter, opts ...server.Option) *server.Handler {
	opts = append([]server.Option{server.WithMetricsHandler(http.NotFoundHandler())}, opts...)
	return server.New(chat, opts...)
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// frames parses an event-stream body.
func frames(t *testing.T, body io.Reader) []stream.Event {
	t.Helper()
	var out []stream.Event
	sc := bufio.NewScanner(body)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			t.Fatalf("unexpected line %q", line)
		}
		var ev stream.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			t.Fatalf("decode %q: %v", data, err)
		}
		out = append(out, ev)
	}
	return out
}

func kinds(evs []stream.Event) string {
	parts := make([]string, len(evs))
	for i, ev := range evs {
		parts[i] = string(ev.Type)
	}
	return strings.Join(parts, ",")
}

const validBody = `{"messages":[{"role":"user","content":"What is Apple trading at?"}]}`

// ── POST /chat ───────────────────────────────────────────────────────────────

func TestChat_Streams(t *testing.T) {
	t.Parallel()

	chat := &stubChat{}
	rec := post(t, newHandler(chat), "/chat", validBody)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("no X-Request-ID header")
	}
	evs := frames(t, rec.Body)
	if got := kinds(evs); got != "metadata,content,done" {
		t.Fatalf("events = %s", got)
	}
	if evs[0].Metadata.StepCount != 1 || evs[1].Content != "AAPL is $190." {
		t.Errorf("events = %+v", evs)
	}
	if chat.runCount() != 1 || chat.runs[0][0].Content != "What is Apple trading at?" {
		t.Errorf("runs = %+v", chat.runs)
	}
}

func TestChat_RequestIDPropagates(t *testing.T) {
	t.Parallel()

	var seen string
	chat := &stubChat{}
	h := newHandler(chatFunc(func(ctx context.Context, emit stream.Emit) {
		seen = observe.RequestID(ctx)
		_ = chat.Run(ctx, nil, emit)
	}))

	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(validBody))
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if seen != "req-42" || rec.Header().Get("X-Request-ID") != "req-42" {
		t.Errorf("request id = %q / header %q", seen, rec.Header().Get("X-Request-ID"))
	}
}

func TestChat_RejectsBadRequests(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"empty messages", `{"messages":[]}`, "Messages array is required"},
		{"missing messages", `{}`, "Messages array is required"},
		{"not json", `hello`, "Invalid request body"},
		{"bad role", `{"messages":[{"role":"wizard","content":"x"}]}`, "Invalid messages"},
	}
	for _, path := range []string{"/chat", "/chat/sync"} {
		for _, tt := range tests {
			t.Run(path+" "+tt.name, func(t *testing.T) {
				t.Parallel()
				chat := &stubChat{}
				rec := post(t, newHandler(chat), path, tt.body)
				if rec.Code != http.StatusBadRequest {
					t.Fatalf("status = %d, want 400", rec.Code)
				}
				var body map[string]string
				if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
					t.Fatalf("decode: %v", err)
				}
				if body["error"] != tt.wantErr {
					t.Errorf("error = %q, want %q", body["error"], tt.wantErr)
				}
				if chat.runCount() != 0 || chat.replies != 0 {
					t.Error("chat invoked for a rejected request")
				}
			})
		}
	}
}

// ── POST /chat/sync ──────────────────────────────────────────────────────────

func TestChatSync(t *testing.T) {
	t.Parallel()

	chat := &stubChat{reply: agent.Reply{Reply: "AAPL is $190.", ToolsUsed: []string{"getQuote"}, StepCount: 1}}
	rec := post(t, newHandler(chat), "/chat/sync", validBody)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Reply     string   `json:"reply"`
		ToolsUsed []string `json:"toolsUsed"`
		StepCount int      `json:"stepCount"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Reply != "AAPL is $190." || body.StepCount != 1 || len(body.ToolsUsed) != 1 {
		t.Errorf("body = %+v", body)
	}
}

func TestChatSync_Failure(t *testing.T) {
	t.Parallel()

	chat := &stubChat{replyErr: errors.New("agent: plan turn 1: upstream 503")}
	rec := post(t, newHandler(chat), "/chat/sync", validBody)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] == "" || !strings.Contains(body["details"], "upstream 503") {
		t.Errorf("body = %v", body)
	}
}

// ── GET /chat/ws ─────────────────────────────────────────────────────────────

func TestChatWS(t *testing.T) {
	t.Parallel()

	chat := &stubChat{}
	srv := httptest.NewServer(newHandler(chat))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/chat/ws", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	readStream := func() []stream.Event {
		var evs []stream.Event
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				t.Fatalf("Read: %v", err)
			}
			var ev stream.Event
			if err := json.Unmarshal(data, &ev); err != nil {
				t.Fatalf("decode: %v", err)
			}
			evs = append(evs, ev)
			if ev.Type.Terminal() {
				return evs
			}
		}
	}

	for _, msg := range []string{validBody, `{"messages":[]}`, `nope`, validBody} {
		if err := conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if got := kinds(readStream()); got != "metadata,content,done" {
		t.Errorf("first chat = %s", got)
	}
	if evs := readStream(); kinds(evs) != "error" || !strings.Contains(evs[0].Error, "empty") {
		t.Errorf("empty messages = %+v", evs)
	}
	if evs := readStream(); kinds(evs) != "error" || !strings.Contains(evs[0].Error, "Invalid request body") {
		t.Errorf("bad frame = %+v", evs)
	}
	if got := kinds(readStream()); got != "metadata,content,done" {
		t.Errorf("second chat = %s", got)
	}
	conn.Close(websocket.StatusNormalClosure, "bye")

	if chat.runCount() != 2 {
		t.Errorf("runs = %d, want 2", chat.runCount())
	}
}

// ── other routes ─────────────────────────────────────────────────────────────

func TestTools(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	newHandler(&stubChat{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tools", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Tools []types.ToolDefinition `json:"tools"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Tools) != 10 {
		t.Errorf("got %d tools", len(body.Tools))
	}
}

func TestRoutes(t *testing.T) {
	t.Parallel()

	mcp := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusAccepted) })
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = io.WriteString(w, "# metrics") })
	h := server.New(&stubChat{},
		server.WithHealth(health.New(health.Checker{Name: "llm", Check: func(context.Context) error { return errors.New("down") }})),
		server.WithMetricsHandler(metrics),
		server.WithMCP("/mcp", mcp),
	)

	tests := []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/healthz", http.StatusOK},
		{http.MethodGet, "/readyz", http.StatusServiceUnavailable},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodPost, "/mcp", http.StatusAccepted},
		{http.MethodGet, "/chat", http.StatusMethodNotAllowed},
		{http.MethodGet, "/nope", http.StatusNotFound},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
		if rec.Code != tt.want {
			t.Errorf("%s %s = %d, want %d", tt.method, tt.path, rec.Code, tt.want)
		}
	}
}

// ── with the real orchestrator ───────────────────────────────────────────────

type nopExecutor struct{}

func (nopExecutor) Execute(context.Context, string, string) tools.Execution {
	return tools.Execution{}
}

func TestChat_WithOrchestrator(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "no tools needed"},
		StreamChunks:     []llm.Chunk{{Text: "Hello"}, {Text: "!", FinishReason: llm.FinishStop}},
	}
	o := agent.New(provider, nopExecutor{})
	rec := post(t, newHandler(o), "/chat", `{"messages":[{"role":"user","content":"hi"}]}`)

	evs := frames(t, rec.Body)
	if got := kinds(evs); got != "metadata,content,content,done" {
		t.Fatalf("events = %s", got)
	}
	if evs[0].Metadata.RequestID != rec.Header().Get("X-Request-ID") {
		t.Errorf("metadata request id %q, header %q", evs[0].Metadata.RequestID, rec.Header().Get("X-Request-ID"))
	}
}

// chatFunc adapts a function to Chatter for tests that only stream.
type chatFunc func(ctx context.Context, emit stream.Emit)

func (f chatFunc) Run(ctx context.Context, _ []types.Message, emit stream.Emit) error {
	f(ctx, emit)
	return nil
}

func (chatFunc) Reply(context.Context, []types.Message) (agent.Reply, error) {
	return agent.Reply{}, nil
}
