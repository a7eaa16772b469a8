// Package agent implements the research orchestrator: a bounded planning loop
// that lets a tool-calling LLM gather market data, followed by one synthesis
// call whose output is streamed back to the caller.
//
// The loop is a fold over [LoopState]. [Orchestrator.Plan] performs one
// planner turn (one LLM call plus every tool call it requested) and returns
// the successor state; [Orchestrator.Loop] repeats it until the planner stops
// asking for tools or the iteration ceiling is reached. Reaching the ceiling
// is not an error.
//
// Tool failures never abort the loop: the executor turns them into
// error-shaped results that the planner sees like any other tool output.
// Planner and synthesis failures propagate to the caller.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/tickerlens/internal/observe"
	"github.com/MrWong99/tickerlens/internal/stream"
	"github.com/MrWong99/tickerlens/internal/tools"
	"github.com/MrWong99/tickerlens/pkg/provider/llm"
	"github.com/MrWong99/tickerlens/pkg/types"
)

// Sentinel errors returned by [Validate].
var (
	ErrNoMessages  = errors.New("agent: messages must not be empty")
	ErrInvalidRole = errors.New("agent: invalid message role")
)

// Executor runs one tool call. *tools.Executor satisfies it.
type Executor interface {
	Execute(ctx context.Context, name, rawArgs string) tools.Execution
}

var _ Executor = (*tools.Executor)(nil)

// Config tunes the orchestrator.
type Config struct {
	// MaxIterations is the planner-turn ceiling. Default 12.
	MaxIterations int

	// ParallelTools runs the tool calls of one planner turn concurrently.
	// Results are re-attached in the order the planner requested them.
	ParallelTools bool

	// RequestTimeout bounds a whole Run or Reply. Zero disables it.
	RequestTimeout time.Duration

	// Temperature is passed to both planner and synthesizer.
	Temperature float64

	// SystemPrompt instructs the planner. Defaults to [DefaultSystemPrompt].
	SystemPrompt string

	// SynthesisPrompt instructs the synthesizer. Defaults to
	// [DefaultSynthesisPrompt].
	SynthesisPrompt string
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxIterations:   12,
		ParallelTools:   true,
		RequestTimeout:  2 * time.Minute,
		SystemPrompt:    DefaultSystemPrompt,
		SynthesisPrompt: DefaultSynthesisPrompt,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxIterations <= 0 {
		c.MaxIterations = d.MaxIterations
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = d.SystemPrompt
	}
	if c.SynthesisPrompt == "" {
		c.SynthesisPrompt = d.SynthesisPrompt
	}
	return c
}

// Orchestrator drives planning and synthesis for one request at a time; it
// holds no per-request state and is safe for concurrent use.
type Orchestrator struct {
	planner     llm.Provider
	synthesizer llm.Provider
	exec        Executor
	tools       []types.ToolDefinition
	cfg         Config
	metrics     *observe.Metrics
	now         func() time.Time
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithSynthesizer uses p for the synthesis call instead of the planner.
func WithSynthesizer(p llm.Provider) Option {
	return func(o *Orchestrator) { o.synthesizer = p }
}

// WithConfig replaces the defaults. Zero fields keep their default.
func WithConfig(c Config) Option {
	return func(o *Orchestrator) { o.cfg = c }
}

// WithMetrics records on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTools overrides the tool catalog offered to the planner. The default
// is [tools.Definitions].
func WithTools(defs []types.ToolDefinition) Option {
	return func(o *Orchestrator) { o.tools = defs }
}

// WithClock sets the time source for trace timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New returns an orchestrator that plans with planner and executes tool
// calls through exec.
func New(planner llm.Provider, exec Executor, opts ...Option) *Orchestrator {
	o := &Orchestrator{planner: planner, exec: exec, cfg: DefaultConfig()}
	for _, opt := range opts {
		opt(o)
	}
	o.cfg = o.cfg.withDefaults()
	if o.synthesizer == nil {
		o.synthesizer = planner
	}
	if o.tools == nil {
		o.tools = tools.Definitions()
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

// Validate checks an inbound conversation before any LLM call is made.
func Validate(messages []types.Message) error {
	if len(messages) == 0 {
		return ErrNoMessages
	}
	for i, m := range messages {
		switch m.Role {
		case types.RoleUser, types.RoleAssistant, types.RoleSystem, types.RoleTool:
		default:
			return fmt.Errorf("%w %q at index %d", ErrInvalidRole, m.Role, i)
		}
	}
	return nil
}

// Loop folds [Orchestrator.Plan] from the initial state until it is done.
// On error the last good state is returned with it.
func (o *Orchestrator) Loop(ctx context.Context, messages []types.Message) (LoopState, error) {
	s := NewState(messages)
	for !s.Done {
		next, err := o.Plan(ctx, s)
		if err != nil {
			return s, err
		}
		s = next
	}
	observe.Logger(ctx).Debug("planning finished",
		"iterations", s.Iterations,
		"steps", s.StepCount,
		"reason", s.StopReason,
	)
	return s, nil
}

// Run executes the loop and streams the synthesized answer through emit:
// one metadata event, the content deltas, then done. Any failure is emitted
// as a single error event and also returned. emit is only called from the
// goroutine that called Run.
func (o *Orchestrator) Run(ctx context.Context, messages []types.Message, emit stream.Emit) error {
	ctx, cancel, reqID := o.begin(ctx)
	defer cancel()
	o.metrics.ActiveChats.Add(ctx, 1)
	defer o.metrics.ActiveChats.Add(context.WithoutCancel(ctx), -1)

	fail := func(err error) error {
		observe.Logger(ctx).Error("chat failed", "err", err)
		emit(stream.ErrorEvent(err.Error()))
		return err
	}

	if err := Validate(messages); err != nil {
		return fail(err)
	}
	s, err := o.Loop(ctx, messages)
	if err != nil {
		return fail(err)
	}
	emit(stream.MetadataEvent(s.Metadata(reqID)))

	ctx, span := observe.StartSpan(ctx, "agent.synthesize")
	defer span.End()
	start := time.Now()
	defer func() { o.metrics.RecordLLMDuration(ctx, "synthesize", time.Since(start).Seconds()) }()

	chunks, err := o.synthesizer.StreamCompletion(ctx, o.synthesisRequest(s))
	if err != nil {
		return fail(observe.FailSpan(span, fmt.Errorf("agent: synthesis: %w", err)))
	}
	var usage *llm.Usage
	for c := range chunks {
		if c.FinishReason == llm.FinishError {
			for range chunks {
			}
			return fail(observe.FailSpan(span, fmt.Errorf("agent: synthesis: %s", c.Text)))
		}
		if c.Text != "" {
			emit(stream.ContentEvent(c.Text))
		}
		if c.Usage != nil {
			usage = c.Usage
		}
	}
	if err := ctx.Err(); err != nil {
		return fail(observe.FailSpan(span, fmt.Errorf("agent: synthesis: %w", err)))
	}
	if usage != nil {
		observe.Logger(ctx).Debug("synthesis usage",
			"prompt_tokens", usage.PromptTokens,
			"completion_tokens", usage.CompletionTokens)
	}
	emit(stream.DoneEvent())
	return nil
}

// Reply is the non-streaming result of a chat.
type Reply struct {
	Reply     string   `json:"reply"`
	ToolsUsed []string `json:"toolsUsed"`
	StepCount int      `json:"stepCount"`
	Reasoning []Step   `json:"reasoning,omitempty"`
	RequestID string   `json:"requestId,omitempty"`
}

// Reply runs the loop and a blocking synthesis call.
func (o *Orchestrator) Reply(ctx context.Context, messages []types.Message) (Reply, error) {
	ctx, cancel, reqID := o.begin(ctx)
	defer cancel()
	o.metrics.ActiveChats.Add(ctx, 1)
	defer o.metrics.ActiveChats.Add(context.WithoutCancel(ctx), -1)

	if err := Validate(messages); err != nil {
		return Reply{}, err
	}
	s, err := o.Loop(ctx, messages)
	if err != nil {
		return Reply{}, err
	}

	ctx, span := observe.StartSpan(ctx, "agent.synthesize")
	defer span.End()
	start := time.Now()
	resp, err := o.synthesizer.Complete(ctx, o.synthesisRequest(s))
	o.metrics.RecordLLMDuration(ctx, "synthesize", time.Since(start).Seconds())
	if err != nil {
		return Reply{}, observe.FailSpan(span, fmt.Errorf("agent: synthesis: %w", err))
	}

	r := Reply{
		ToolsUsed: s.ToolsUsed(),
		StepCount: s.StepCount,
		Reasoning: s.Trace,
		RequestID: reqID,
	}
	if resp != nil {
		r.Reply = resp.Content
	}
	return r, nil
}

func (o *Orchestrator) begin(ctx context.Context) (context.Context, context.CancelFunc, string) {
	reqID := observe.RequestID(ctx)
	if reqID == "" {
		reqID = uuid.NewString()
		ctx = observe.WithRequestID(ctx, reqID)
	}
	if o.cfg.RequestTimeout > 0 {
		ctx, cancel := context.WithTimeout(ctx, o.cfg.RequestTimeout)
		return ctx, cancel, reqID
	}
	ctx, cancel := context.WithCancel(ctx)
	return ctx, cancel, reqID
}

func (o *Orchestrator) synthesisRequest(s LoopState) llm.CompletionRequest {
	return llm.CompletionRequest{
		Messages:     synthesisMessages(s.Conversation),
		SystemPrompt: o.cfg.SynthesisPrompt,
		Temperature:  o.cfg.Temperature,
	}
}

func iterationAttr(n int) trace.SpanStartOption {
	return trace.WithAttributes(attribute.Int("iteration", n))
}

// synthesisMessages rewrites the planner conversation for a request that
// carries no tool catalog. Backends such as Anthropic reject tool-call and
// tool-result turns without one, so every run of tool turns is folded into
// a single user message listing each call with its processed result.
func synthesisMessages(conv []types.Message) []types.Message {
	out := make([]types.Message, 0, len(conv))
	calls := map[string]types.ToolCall{}
	var gathered strings.Builder

	flush := func() {
		if gathered.Len() == 0 {
			return
		}
		out = append(out, types.Message{
			Role:    types.RoleUser,
			Content: "Data gathered by tool calls:\n" + gathered.String(),
		})
		gathered.Reset()
	}

	for _, m := range conv {
		switch {
		case m.Role == types.RoleAssistant && len(m.ToolCalls) > 0:
			for _, c := range m.ToolCalls {
				calls[c.ID] = c
			}
		case m.Role == types.RoleTool:
			c, ok := calls[m.ToolCallID]
			if !ok {
				c = types.ToolCall{Name: m.Name}
			}
			fmt.Fprintf(&gathered, "\n%s %s\n%s\n", c.Name, c.Arguments, m.Content)
		default:
			flush()
			out = append(out, m)
		}
	}
	flush()
	return out
}
