package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/tickerlens/internal/observe"
	"github.com/MrWong99/tickerlens/internal/tools"
	"github.com/MrWong99/tickerlens/pkg/provider/llm"
	"github.com/MrWong99/tickerlens/pkg/types"
)

const previewRunes = 160

// Plan runs one planner turn on s and returns the successor state. s itself
// is left untouched. A done state is returned as is.
//
// The turn calls the planner once with the whole conversation and the tool
// catalog. If it requests no tools the successor is done with
// [StopNoTools]; otherwise every requested call is executed, and an
// assistant message carrying the calls plus one tool message per call (in
// planner order) are appended. The successor is done with [StopCeiling]
// once the iteration count reaches the configured maximum.
func (o *Orchestrator) Plan(ctx context.Context, s LoopState) (LoopState, error) {
	if s.Done {
		return s, nil
	}
	if s.Iterations >= o.cfg.MaxIterations {
		return s.stop(StopCeiling), nil
	}
	if err := ctx.Err(); err != nil {
		return s, fmt.Errorf("agent: plan: %w", err)
	}

	turn := s.Iterations + 1
	ctx, span := observe.StartSpan(ctx, "agent.plan", iterationAttr(turn))
	defer span.End()

	start := time.Now()
	resp, err := o.planner.Complete(ctx, llm.CompletionRequest{
		Messages:     s.Conversation,
		Tools:        o.tools,
		SystemPrompt: o.cfg.SystemPrompt,
		Temperature:  o.cfg.Temperature,
	})
	o.metrics.RecordLLMDuration(ctx, "plan", time.Since(start).Seconds())
	if err != nil {
		return s, observe.FailSpan(span, fmt.Errorf("agent: plan turn %d: %w", turn, err))
	}
	o.metrics.PlannerIterations.Add(ctx, 1)

	next := s
	next.Iterations = turn
	if resp == nil || len(resp.ToolCalls) == 0 {
		if resp != nil {
			next.PlannerText = resp.Content
		}
		return next.stop(StopNoTools), nil
	}

	calls := slices.Clone(resp.ToolCalls)
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = "call_" + uuid.NewString()
		}
	}
	span.SetAttributes(attribute.Int("tool_calls", len(calls)))

	results := o.executeAll(ctx, calls)

	conv := append(slices.Clip(s.Conversation), types.Message{
		Role:      types.RoleAssistant,
		Content:   resp.Content,
		ToolCalls: calls,
	})
	trace := slices.Clip(s.Trace)
	for i, c := range calls {
		r := results[i]
		res := tools.Process(c.Name, r.exec.Raw, r.exec.Args, r.exec.SourceURL)
		conv = append(conv, types.Message{
			Role:       types.RoleTool,
			Name:       c.Name,
			Content:    res.JSON(),
			ToolCallID: c.ID,
		})
		next.StepCount++
		trace = append(trace, Step{
			Step:        next.StepCount,
			Tool:        c.Name,
			Arguments:   argumentsJSON(c.Arguments),
			Success:     r.exec.OK() && res.Error() == "",
			Preview:     preview(res),
			Description: res.Description(),
			SourceURL:   res.SourceURL(),
			Timestamp:   r.at,
			DurationMs:  r.exec.Duration.Milliseconds(),
		})
	}
	next.Conversation = slices.Clip(conv)
	next.Trace = slices.Clip(trace)

	if next.Iterations >= o.cfg.MaxIterations {
		observe.Logger(ctx).Warn("planner iteration ceiling reached", "iterations", next.Iterations)
		return next.stop(StopCeiling), nil
	}
	return next, nil
}

type callResult struct {
	exec tools.Execution
	at   time.Time
}

// executeAll runs calls and returns their results indexed like calls.
func (o *Orchestrator) executeAll(ctx context.Context, calls []types.ToolCall) []callResult {
	results := make([]callResult, len(calls))
	run := func(i int) {
		results[i].at = o.now()
		results[i].exec = o.exec.Execute(ctx, calls[i].Name, calls[i].Arguments)
	}
	if !o.cfg.ParallelTools || len(calls) == 1 {
		for i := range calls {
			run(i)
		}
		return results
	}

	var g errgroup.Group
	for i := range calls {
		g.Go(func() error {
			run(i)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// argumentsJSON keeps well-formed argument JSON verbatim and quotes anything
// else so the trace stays valid JSON.
func argumentsJSON(raw string) json.RawMessage {
	if raw == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	b, _ := json.Marshal(raw)
	return b
}

func preview(res tools.Result) string {
	if msg := res.Error(); msg != "" {
		return msg
	}
	r := []rune(res.JSON())
	if len(r) <= previewRunes {
		return string(r)
	}
	return string(r[:previewRunes]) + "..."
}
