package agent_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/tickerlens/internal/agent"
	mdmock "github.com/MrWong99/tickerlens/internal/marketdata/mock"
	"github.com/MrWong99/tickerlens/internal/stream"
	"github.com/MrWong99/tickerlens/internal/tools"
	"github.com/MrWong99/tickerlens/pkg/provider/llm"
	llmmock "github.com/MrWong99/tickerlens/pkg/provider/llm/mock"
	"github.com/MrWong99/tickerlens/pkg/types"
)

// ── helpers ──────────────────────────────────────────────────────────────────

// stubExecutor answers every call with a small quote-like payload. Calls whose
// raw arguments appear in delay sleep first; names in fail return an error.
type stubExecutor struct {
	mu    sync.Mutex
	calls []string
	delay map[string]time.Duration
	fail  map[string]bool
}

func (s *stubExecutor) Execute(ctx context.Context, name, rawArgs string) tools.Execution {
	if d := s.delay[rawArgs]; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
		}
	}
	s.mu.Lock()
	s.calls = append(s.calls, name)
	s.mu.Unlock()

	if s.fail[name] {
		return tools.Execution{
			Tool:      name,
			Raw:       json.RawMessage(`{"error":"Failed to fetch quote: status 500: boom"}`),
			SourceURL: "https://data.test/" + name,
			Err:       errors.New("boom"),
		}
	}
	return tools.Execution{
		Tool:      name,
		Raw:       json.RawMessage(`{"args":` + rawArgs + `}`),
		SourceURL: "https://data.test/" + name,
		Duration:  time.Millisecond,
	}
}

func (s *stubExecutor) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func call(id, name, args string) types.ToolCall {
	return types.ToolCall{ID: id, Name: name, Arguments: args}
}

func user(text string) []types.Message {
	return []types.Message{{Role: types.RoleUser, Content: text}}
}

func collect(t *testing.T, o *agent.Orchestrator, msgs []types.Message) ([]stream.Event, error) {
	t.Helper()
	var runErr error
	ch := stream.Pipe(context.Background(), 0, func(emit stream.Emit) {
		runErr = o.Run(context.Background(), msgs, emit)
	})
	var evs []stream.Event
	for ev := range ch {
		evs = append(evs, ev)
	}
	return evs, runErr
}

func kinds(evs []stream.Event) string {
	parts := make([]string, len(evs))
	for i, ev := range evs {
		parts[i] = string(ev.Type)
	}
	return strings.Join(parts, ",")
}

// ── Validate ─────────────────────────────────────────────────────────────────

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msgs []types.Message
		want error
	}{
		{"empty", nil, agent.ErrNoMessages},
		{"user only", user("hi"), nil},
		{"bad role", []types.Message{{Role: "robot", Content: "x"}}, agent.ErrInvalidRole},
		{"history", []types.Message{
			{Role: types.RoleUser, Content: "a"},
			{Role: types.RoleAssistant, Content: "b"},
			{Role: types.RoleUser, Content: "c"},
		}, nil},
	}
	for _, tt := range tests {
		err := agent.Validate(tt.msgs)
		if !errors.Is(err, tt.want) || (tt.want == nil && err != nil) {
			t.Errorf("%s: Validate = %v, want %v", tt.name, err, tt.want)
		}
	}
}

// ── Plan ─────────────────────────────────────────────────────────────────────

func TestPlan_NoToolsFinishes(t *testing.T) {
	t.Parallel()

	planner := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "Nothing to look up."}}
	exec := &stubExecutor{}
	o := agent.New(planner, exec)

	s, err := o.Plan(context.Background(), agent.NewState(user("hello")))
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if !s.Done || s.StopReason != agent.StopNoTools || s.Iterations != 1 {
		t.Errorf("state = %+v", s)
	}
	if len(s.Conversation) != 1 {
		t.Errorf("planner text was appended: %+v", s.Conversation)
	}
	if s.PlannerText != "Nothing to look up." {
		t.Errorf("PlannerText = %q", s.PlannerText)
	}
	if exec.count() != 0 {
		t.Errorf("executor called %d times", exec.count())
	}

	req := planner.CompleteCalls[0].Req
	if req.SystemPrompt != agent.DefaultSystemPrompt {
		t.Error("planner did not get the system prompt")
	}
	if len(req.Tools) != len(tools.Definitions()) {
		t.Errorf("planner saw %d tools, want %d", len(req.Tools), len(tools.Definitions()))
	}
}

func TestPlan_AppendsResultsInPlannerOrder(t *testing.T) {
	t.Parallel()

	planner := &llmmock.Provider{CompleteResponses: []*llm.CompletionResponse{{
		ToolCalls: []types.ToolCall{
			call("c1", "getQuote", `{"symbol":"AAPL"}`),
			call("c2", "getQuote", `{"symbol":"MSFT"}`),
			call("c3", "getCompanyProfile", `{"symbol":"NVDA"}`),
		},
	}}}
	// The first call finishes last.
	exec := &stubExecutor{delay: map[string]time.Duration{`{"symbol":"AAPL"}`: 50 * time.Millisecond}}
	o := agent.New(planner, exec)

	s, err := o.Plan(context.Background(), agent.NewState(user("compare")))
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if s.Done {
		t.Fatal("state should not be done after a tool turn")
	}
	if len(s.Conversation) != 5 {
		t.Fatalf("conversation has %d messages, want 5", len(s.Conversation))
	}
	asst := s.Conversation[1]
	if asst.Role != types.RoleAssistant || len(asst.ToolCalls) != 3 {
		t.Fatalf("assistant turn = %+v", asst)
	}
	for i, id := range []string{"c1", "c2", "c3"} {
		m := s.Conversation[2+i]
		if m.Role != types.RoleTool || m.ToolCallID != id {
			t.Errorf("message %d = %s/%s, want tool/%s", 2+i, m.Role, m.ToolCallID, id)
		}
		var res map[string]any
		if err := json.Unmarshal([]byte(m.Content), &res); err != nil {
			t.Fatalf("tool content is not JSON: %v", err)
		}
		if res["sourceUrl"] == "" || res["toolDescription"] == "" {
			t.Errorf("tool content lacks provenance: %s", m.Content)
		}
	}
	if !strings.Contains(s.Conversation[2].Content, "AAPL") {
		t.Errorf("first result is not AAPL's: %s", s.Conversation[2].Content)
	}

	if s.StepCount != 3 || len(s.Trace) != 3 {
		t.Fatalf("StepCount = %d, trace = %d", s.StepCount, len(s.Trace))
	}
	for i, st := range s.Trace {
		if st.Step != i+1 || !st.Success || st.Description == "" || st.SourceURL == "" {
			t.Errorf("trace[%d] = %+v", i, st)
		}
	}
	if got := strings.Join(s.ToolsUsed(), ","); got != "getQuote,getCompanyProfile" {
		t.Errorf("ToolsUsed = %s", got)
	}
}

func TestPlan_SequentialWhenParallelDisabled(t *testing.T) {
	t.Parallel()

	planner := &llmmock.Provider{CompleteResponses: []*llm.CompletionResponse{{
		ToolCalls: []types.ToolCall{
			call("a", "getQuote", `{"symbol":"AAPL"}`),
			call("b", "getTranscript", `{"symbol":"AAPL"}`),
		},
	}}}
	exec := &stubExecutor{delay: map[string]time.Duration{`{"symbol":"AAPL"}`: 5 * time.Millisecond}}
	o := agent.New(planner, exec, agent.WithConfig(agent.Config{ParallelTools: false}))

	if _, err := o.Plan(context.Background(), agent.NewState(user("x"))); err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if got := strings.Join(exec.calls, ","); got != "getQuote,getTranscript" {
		t.Errorf("execution order = %s", got)
	}
}

func TestPlan_LeavesPreviousStateIntact(t *testing.T) {
	t.Parallel()

	turn := &llm.CompletionResponse{ToolCalls: []types.ToolCall{call("c", "getQuote", `{"symbol":"AAPL"}`)}}
	planner := &llmmock.Provider{CompleteResponse: turn}
	o := agent.New(planner, &stubExecutor{})

	s0 := agent.NewState(user("q"))
	s1, err := o.Plan(context.Background(), s0)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	a, _ := o.Plan(context.Background(), s1)
	b, _ := o.Plan(context.Background(), s1)

	if len(s0.Conversation) != 1 || s0.Iterations != 0 || len(s0.Trace) != 0 {
		t.Errorf("s0 mutated: %+v", s0)
	}
	if len(s1.Conversation) != 3 || s1.StepCount != 1 {
		t.Errorf("s1 mutated: %+v", s1)
	}
	if len(a.Conversation) != 5 || len(b.Conversation) != 5 {
		t.Fatalf("successors have %d and %d messages", len(a.Conversation), len(b.Conversation))
	}
	a.Conversation[4].Content = "changed"
	if b.Conversation[4].Content == "changed" {
		t.Error("sibling successors share a backing array")
	}
}

func TestPlan_AssignsMissingCallIDs(t *testing.T) {
	t.Parallel()

	planner := &llmmock.Provider{CompleteResponses: []*llm.CompletionResponse{{
		ToolCalls: []types.ToolCall{call("", "getQuote", `{"symbol":"AAPL"}`)},
	}}}
	o := agent.New(planner, &stubExecutor{})

	s, err := o.Plan(context.Background(), agent.NewState(user("q")))
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	id := s.Conversation[1].ToolCalls[0].ID
	if !strings.HasPrefix(id, "call_") {
		t.Errorf("assigned id = %q", id)
	}
	if s.Conversation[2].ToolCallID != id {
		t.Errorf("tool message id %q does not match call id %q", s.Conversation[2].ToolCallID, id)
	}
}

func TestPlan_ToolFailureIsAbsorbed(t *testing.T) {
	t.Parallel()

	planner := &llmmock.Provider{CompleteResponses: []*llm.CompletionResponse{{
		ToolCalls: []types.ToolCall{call("c", "getQuote", `{"symbol":"AAPL"}`)},
	}}}
	o := agent.New(planner, &stubExecutor{fail: map[string]bool{"getQuote": true}})

	s, err := o.Plan(context.Background(), agent.NewState(user("q")))
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	st := s.Trace[0]
	if st.Success {
		t.Error("failed call marked successful")
	}
	if !strings.Contains(st.Preview, "status 500") {
		t.Errorf("Preview = %q", st.Preview)
	}
	if !strings.Contains(s.Conversation[2].Content, `"error"`) {
		t.Errorf("tool message lacks the error: %s", s.Conversation[2].Content)
	}
}

func TestPlan_PlannerErrorPropagates(t *testing.T) {
	t.Parallel()

	planner := &llmmock.Provider{CompleteErr: errors.New("rate limited")}
	o := agent.New(planner, &stubExecutor{})

	s0 := agent.NewState(user("q"))
	s, err := o.Plan(context.Background(), s0)
	if err == nil || !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("err = %v", err)
	}
	if s.Iterations != 0 || s.Done {
		t.Errorf("state advanced on error: %+v", s)
	}
}

// ── Loop ─────────────────────────────────────────────────────────────────────

func TestLoop_IterationCeiling(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		max  int
		want int
	}{
		{"default", 0, 12},
		{"configured", 3, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			planner := &llmmock.Provider{CompleteFunc: func(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
				return &llm.CompletionResponse{ToolCalls: []types.ToolCall{call("", "getQuote", `{"symbol":"AAPL"}`)}}, nil
			}}
			o := agent.New(planner, &stubExecutor{}, agent.WithConfig(agent.Config{MaxIterations: tt.max}))

			s, err := o.Loop(context.Background(), user("loop forever"))
			if err != nil {
				t.Fatalf("Loop: %v", err)
			}
			if planner.CompleteCallCount() != tt.want {
				t.Errorf("planner calls = %d, want %d", planner.CompleteCallCount(), tt.want)
			}
			if s.StopReason != agent.StopCeiling || s.StepCount != tt.want {
				t.Errorf("state = reason %q steps %d", s.StopReason, s.StepCount)
			}
			if last := s.Trace[len(s.Trace)-1].Step; last != tt.want {
				t.Errorf("last step = %d", last)
			}
		})
	}
}

func TestLoop_StopsWhenPlannerIsSatisfied(t *testing.T) {
	t.Parallel()

	planner := &llmmock.Provider{
		CompleteResponses: []*llm.CompletionResponse{
			{ToolCalls: []types.ToolCall{call("c1", "resolveSymbol", `{"query":"Apple"}`)}},
			{ToolCalls: []types.ToolCall{call("c2", "getQuote", `{"symbol":"AAPL"}`)}},
			{Content: "ready"},
		},
	}
	o := agent.New(planner, &stubExecutor{})

	s, err := o.Loop(context.Background(), user("Apple price?"))
	if err != nil {
		t.Fatalf("Loop: %v", err)
	}
	if s.Iterations != 3 || s.StepCount != 2 || s.StopReason != agent.StopNoTools {
		t.Errorf("state = %+v", s)
	}
	// The second planner turn sees the first turn's result.
	if got := len(planner.CompleteCalls[1].Req.Messages); got != 3 {
		t.Errorf("second planner turn saw %d messages, want 3", got)
	}
}

func TestLoop_CancelledContext(t *testing.T) {
	t.Parallel()

	planner := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "x"}}
	o := agent.New(planner, &stubExecutor{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := o.Loop(ctx, user("q")); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if planner.CompleteCallCount() != 0 {
		t.Error("planner called after cancellation")
	}
}

// ── Run ──────────────────────────────────────────────────────────────────────

func TestRun_EventOrder(t *testing.T) {
	t.Parallel()

	planner := &llmmock.Provider{CompleteResponses: []*llm.CompletionResponse{
		{ToolCalls: []types.ToolCall{call("c1", "getQuote", `{"symbol":"AAPL"}`)}},
		{},
	}}
	synth := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "Apple trades "},
		{Text: "at $190.", FinishReason: llm.FinishStop},
	}}
	o := agent.New(planner, &stubExecutor{}, agent.WithSynthesizer(synth))

	evs, err := collect(t, o, user("AAPL price?"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := kinds(evs); got != "metadata,content,content,done" {
		t.Fatalf("events = %s", got)
	}
	md := evs[0].Metadata
	if md.StepCount != 1 || len(md.ToolsUsed) != 1 || md.ToolsUsed[0] != "getQuote" || md.RequestID == "" {
		t.Errorf("metadata = %+v", md)
	}
	if evs[1].Content+evs[2].Content != "Apple trades at $190." {
		t.Errorf("content = %q%q", evs[1].Content, evs[2].Content)
	}

	req := synth.StreamCalls[0].Req
	if req.SystemPrompt != agent.DefaultSynthesisPrompt || len(req.Tools) != 0 {
		t.Error("synthesizer got the wrong prompt or a tool catalog")
	}
	if len(req.Messages) != 2 || req.Messages[0].Content != "AAPL price?" {
		t.Fatalf("synthesizer messages = %+v", req.Messages)
	}
	folded := req.Messages[1]
	if folded.Role != types.RoleUser || !strings.Contains(folded.Content, `getQuote {"symbol":"AAPL"}`) {
		t.Errorf("tool turns not folded into a user message: %+v", folded)
	}
	if planner.StreamCallCount() != 0 {
		t.Error("planner used for synthesis despite WithSynthesizer")
	}
}

func TestRun_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		msgs    []types.Message
		planner *llmmock.Provider
		want    string
		errText string
	}{
		{
			name:    "empty messages",
			msgs:    nil,
			planner: &llmmock.Provider{},
			want:    "error",
			errText: "messages must not be empty",
		},
		{
			name:    "planner error",
			msgs:    user("q"),
			planner: &llmmock.Provider{CompleteErr: errors.New("upstream 503")},
			want:    "error",
			errText: "upstream 503",
		},
		{
			name: "synthesis does not start",
			msgs: user("q"),
			planner: &llmmock.Provider{
				CompleteResponse: &llm.CompletionResponse{},
				StreamErr:        errors.New("connect refused"),
			},
			want:    "metadata,error",
			errText: "connect refused",
		},
		{
			name: "synthesis fails midway",
			msgs: user("q"),
			planner: &llmmock.Provider{
				CompleteResponse: &llm.CompletionResponse{},
				StreamChunks: []llm.Chunk{
					{Text: "partial"},
					{Text: "stream reset", FinishReason: llm.FinishError},
					{Text: "never shown"},
				},
			},
			want:    "metadata,content,error",
			errText: "stream reset",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			o := agent.New(tt.planner, &stubExecutor{})
			evs, err := collect(t, o, tt.msgs)
			if err == nil {
				t.Fatal("Run returned nil error")
			}
			if got := kinds(evs); got != tt.want {
				t.Fatalf("events = %s, want %s", got, tt.want)
			}
			last := evs[len(evs)-1]
			if !strings.Contains(last.Error, tt.errText) {
				t.Errorf("error event = %q, want it to contain %q", last.Error, tt.errText)
			}
		})
	}
}

func TestRun_EmptyMessagesMakeNoLLMCall(t *testing.T) {
	t.Parallel()

	planner := &llmmock.Provider{}
	o := agent.New(planner, &stubExecutor{})
	if _, err := collect(t, o, nil); !errors.Is(err, agent.ErrNoMessages) {
		t.Fatalf("err = %v", err)
	}
	if planner.CompleteCallCount()+planner.StreamCallCount() != 0 {
		t.Error("LLM called for an empty conversation")
	}
}

// ── Reply ────────────────────────────────────────────────────────────────────

func TestReply(t *testing.T) {
	t.Parallel()

	planner := &llmmock.Provider{CompleteResponses: []*llm.CompletionResponse{
		{ToolCalls: []types.ToolCall{
			call("c1", "getQuote", `{"symbol":"AAPL"}`),
			call("c2", "getQuote", `{"symbol":"MSFT"}`),
		}},
		{},
		{Content: "AAPL is $190, MSFT is $410."},
	}}
	o := agent.New(planner, &stubExecutor{})

	r, err := o.Reply(context.Background(), user("AAPL vs MSFT"))
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if r.Reply != "AAPL is $190, MSFT is $410." || r.StepCount != 2 {
		t.Errorf("reply = %+v", r)
	}
	if len(r.ToolsUsed) != 1 || r.ToolsUsed[0] != "getQuote" {
		t.Errorf("ToolsUsed = %v", r.ToolsUsed)
	}
	if r.RequestID == "" {
		t.Error("no request id")
	}

	b, _ := json.Marshal(r)
	for _, key := range []string{`"reply"`, `"toolsUsed"`, `"stepCount"`} {
		if !strings.Contains(string(b), key) {
			t.Errorf("wire shape %s lacks %s", b, key)
		}
	}
}

func TestReply_NoToolsStillHasEmptyList(t *testing.T) {
	t.Parallel()

	planner := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "Hello!"}}
	o := agent.New(planner, &stubExecutor{})

	r, err := o.Reply(context.Background(), user("hi"))
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	b, _ := json.Marshal(r)
	if !strings.Contains(string(b), `"toolsUsed":[]`) || r.StepCount != 0 {
		t.Errorf("wire = %s", b)
	}
}

// ── end to end with the real executor ────────────────────────────────────────

func TestRun_WithToolExecutor(t *testing.T) {
	t.Parallel()

	fetcher := &mdmock.Fetcher{
		BaseURL: "https://data.test/stable",
		Responses: map[string]json.RawMessage{
			"quote": json.RawMessage(`[{"symbol":"AAPL","price":190.5}]`),
		},
	}
	planner := &llmmock.Provider{
		CompleteResponses: []*llm.CompletionResponse{
			{ToolCalls: []types.ToolCall{
				call("c1", "getQuote", `{"symbol":"aapl"}`),
				call("c2", "nope", `{}`),
			}},
			{},
		},
		StreamChunks: []llm.Chunk{{Text: "ok", FinishReason: llm.FinishStop}},
	}
	o := agent.New(planner, tools.NewExecutor(fetcher))

	evs, err := collect(t, o, user("AAPL?"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	md := evs[0].Metadata
	if len(md.Reasoning) != 2 {
		t.Fatalf("reasoning = %+v", md.Reasoning)
	}
	quote, unknown := md.Reasoning[0], md.Reasoning[1]
	if !quote.Success || quote.SourceURL != "https://data.test/stable/quote?symbol=AAPL" || quote.Description != "Stock Quote: AAPL" {
		t.Errorf("quote step = %+v", quote)
	}
	if unknown.Success || unknown.Preview != "Unknown tool: nope" || unknown.SourceURL != "unavailable" {
		t.Errorf("unknown step = %+v", unknown)
	}

	msgs := planner.StreamCalls[0].Req.Messages
	if !strings.Contains(msgs[2].Content, `"price":190.5`) {
		t.Errorf("quote not flattened into the tool message: %s", msgs[2].Content)
	}
}
