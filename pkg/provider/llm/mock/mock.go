// Package mock provides a scripted [llm.Provider] for tests.
//
// A planner turn sequence followed by a streamed answer:
//
//	p := &mock.Provider{
//	    CompleteResponses: []*llm.CompletionResponse{
//	        {ToolCalls: []types.ToolCall{{ID: "c1", Name: "getQuote", Arguments: `{"symbol":"AAPL"}`}}},
//	        {Content: "done"},
//	    },
//	    StreamChunks: []llm.Chunk{{Text: "AAPL trades at "}, {Text: "$190.", FinishReason: llm.FinishStop}},
//	}
//
// Set the script before the first call. Every call is recorded and can be
// inspected afterwards.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/tickerlens/pkg/provider/llm"
	"github.com/MrWong99/tickerlens/pkg/types"
)

// Call is one recorded request.
type Call struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider replays scripted responses.
type Provider struct {
	// StreamChunks is emitted, in order, by every StreamCompletion call.
	StreamChunks []llm.Chunk

	// StreamErr makes StreamCompletion fail before a channel is opened.
	StreamErr error

	// CompleteResponses is consumed one entry per Complete call. After it
	// runs out, CompleteResponse answers every further call.
	CompleteResponses []*llm.CompletionResponse
	CompleteResponse  *llm.CompletionResponse

	// CompleteErr makes every Complete call fail.
	CompleteErr error

	// CompleteFunc, when set, answers Complete instead of the script. It runs
	// without the provider lock held.
	CompleteFunc func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)

	// Caps is returned by Capabilities.
	Caps types.ModelCapabilities

	mu            sync.Mutex
	StreamCalls   []Call
	CompleteCalls []Call
	next          int
}

var _ llm.Provider = (*Provider)(nil)

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, Call{Ctx: ctx, Req: req})
	err := p.StreamErr
	chunks := append([]llm.Chunk(nil), p.StreamChunks...)
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.CompleteCalls = append(p.CompleteCalls, Call{Ctx: ctx, Req: req})
	if fn := p.CompleteFunc; fn != nil {
		p.mu.Unlock()
		return fn(ctx, req)
	}
	defer p.mu.Unlock()

	switch {
	case p.CompleteErr != nil:
		return nil, p.CompleteErr
	case p.next < len(p.CompleteResponses):
		p.next++
		return p.CompleteResponses[p.next-1], nil
	default:
		return p.CompleteResponse, nil
	}
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() types.ModelCapabilities { return p.Caps }

// CompleteCallCount reports how many Complete calls were made.
func (p *Provider) CompleteCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.CompleteCalls)
}

// StreamCallCount reports how many StreamCompletion calls were made.
func (p *Provider) StreamCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StreamCalls)
}
