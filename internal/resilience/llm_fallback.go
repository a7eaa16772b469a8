package resilience

import (
	"context"
	"fmt"

	"github.com/MrWong99/tickerlens/pkg/provider/llm"
	"github.com/MrWong99/tickerlens/pkg/types"
)

// LLMFallback implements [llm.Provider] with automatic failover across multiple
// LLM backends. Each backend has its own circuit breaker; when the primary fails
// or its breaker is open, the next healthy fallback is tried.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
// An empty cfg.Kind defaults to "llm".
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	if cfg.Kind == "" {
		cfg.Kind = "llm"
	}
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional LLM provider as a fallback.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Providers returns the backend names in failover order.
func (f *LLMFallback) Providers() []string { return f.group.Names() }

// Complete sends the request to the first healthy provider and returns its
// response.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(ctx, f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// StreamCompletion opens a stream on the first healthy provider. Failover
// covers the connection only: a stream whose first chunk is already a
// [llm.FinishError] counts as a failed connection, but once a chunk carrying
// content has been seen, later errors are delivered on the returned channel.
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return ExecuteWithResult(ctx, f.group, func(p llm.Provider) (<-chan llm.Chunk, error) {
		ch, err := p.StreamCompletion(ctx, req)
		if err != nil {
			return nil, err
		}
		return peekStream(ctx, ch)
	})
}

// Capabilities returns the capabilities of the primary. It does not
// participate in failover.
func (f *LLMFallback) Capabilities() types.ModelCapabilities {
	return f.group.entries[0].value.Capabilities()
}

// peekStream waits for the first chunk of ch. An immediate error chunk is turned
// into an error so the caller can fail over. Otherwise the returned channel
// replays the first chunk and forwards the rest.
func peekStream(ctx context.Context, ch <-chan llm.Chunk) (<-chan llm.Chunk, error) {
	var first llm.Chunk
	select {
	case <-ctx.Done():
		go drain(ch)
		return nil, ctx.Err()
	case c, ok := <-ch:
		if !ok {
			empty := make(chan llm.Chunk)
			close(empty)
			return empty, nil
		}
		first = c
	}
	if first.FinishReason == llm.FinishError {
		go drain(ch)
		return nil, fmt.Errorf("resilience: stream failed on open: %s", first.Text)
	}

	out := make(chan llm.Chunk, cap(ch)+1)
	out <- first
	go func() {
		defer close(out)
		for c := range ch {
			select {
			case out <- c:
			case <-ctx.Done():
				drain(ch)
				return
			}
		}
	}()
	return out, nil
}

func drain(ch <-chan llm.Chunk) {
	for range ch {
	}
}
