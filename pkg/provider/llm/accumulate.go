package llm

import (
	"sort"

	"github.com/MrWong99/tickerlens/pkg/types"
)

// ToolCallAccumulator reassembles tool calls that streaming backends deliver
// as fragments keyed by index. The zero value is ready to use. It is not safe
// for concurrent use; each stream owns one.
type ToolCallAccumulator struct {
	calls map[int]*types.ToolCall
}

// Add merges one fragment into the call at idx. Non-empty id and name
// overwrite earlier values; argument text is appended.
func (a *ToolCallAccumulator) Add(idx int, id, name, argsFragment string) {
	if a.calls == nil {
		a.calls = make(map[int]*types.ToolCall)
	}
	tc, ok := a.calls[idx]
	if !ok {
		tc = &types.ToolCall{}
		a.calls[idx] = tc
	}
	if id != "" {
		tc.ID = id
	}
	if name != "" {
		tc.Name = name
	}
	tc.Arguments += argsFragment
}

// Len reports how many distinct calls have been seen.
func (a *ToolCallAccumulator) Len() int { return len(a.calls) }

// Calls returns the accumulated calls ordered by stream index.
func (a *ToolCallAccumulator) Calls() []types.ToolCall {
	if len(a.calls) == 0 {
		return nil
	}
	idxs := make([]int, 0, len(a.calls))
	for i := range a.calls {
		idxs = append(idxs, i)
	}
	sort.Ints(idxs)
	out := make([]types.ToolCall, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, *a.calls[i])
	}
	return out
}

// Collect drains a stream into a single response. It returns an error if the
// stream reports [FinishError].
func Collect(ch <-chan Chunk) (*CompletionResponse, error) {
	resp := &CompletionResponse{}
	var text []byte
	for c := range ch {
		if c.FinishReason == FinishError {
			// keep draining so the producer goroutine can exit
			for range ch {
			}
			return nil, &StreamError{Message: c.Text}
		}
		text = append(text, c.Text...)
		if len(c.ToolCalls) > 0 {
			resp.ToolCalls = c.ToolCalls
		}
		if c.Usage != nil {
			resp.Usage = *c.Usage
		}
	}
	resp.Content = string(text)
	return resp, nil
}

// StreamError is returned by [Collect] when the backend failed mid-stream.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string { return "llm: stream failed: " + e.Message }
