package agent

import (
	"slices"

	"github.com/MrWong99/tickerlens/internal/stream"
	"github.com/MrWong99/tickerlens/pkg/types"
)

// Step records one tool invocation in the reasoning trace.
type Step = stream.Step

// Reasons a loop stopped.
const (
	StopNoTools = "no_tools"
	StopCeiling = "max_iterations"
)

// LoopState is the value folded by [Orchestrator.Plan]. A state is never
// mutated once returned; each turn yields a new one whose slices are clipped
// so that appends on the successor never alias the predecessor.
type LoopState struct {
	// Conversation is the full history sent to the planner, including the
	// assistant tool-call turns and tool results appended by the loop.
	Conversation []types.Message

	// Trace lists every tool invocation in planner order.
	Trace []Step

	// StepCount is len(Trace), kept for the wire shape.
	StepCount int

	// Iterations is the number of planner turns taken.
	Iterations int

	// Done is set when the planner answered without tools or the ceiling
	// was reached.
	Done bool

	// StopReason explains Done; empty while the loop is running.
	StopReason string

	// PlannerText is the planner's free text on its final turn, if any. It
	// is not part of Conversation.
	PlannerText string
}

// NewState returns the initial state for messages.
func NewState(messages []types.Message) LoopState {
	return LoopState{Conversation: slices.Clip(slices.Clone(messages))}
}

// ToolsUsed returns the distinct tool names in first-use order.
func (s LoopState) ToolsUsed() []string {
	seen := make(map[string]bool, len(s.Trace))
	out := make([]string, 0, len(s.Trace))
	for _, st := range s.Trace {
		if seen[st.Tool] {
			continue
		}
		seen[st.Tool] = true
		out = append(out, st.Tool)
	}
	return out
}

// Metadata renders the state as the stream's metadata payload.
func (s LoopState) Metadata(requestID string) stream.Metadata {
	return stream.Metadata{
		RequestID: requestID,
		ToolsUsed: s.ToolsUsed(),
		StepCount: s.StepCount,
		Reasoning: slices.Clone(s.Trace),
	}
}

func (s LoopState) stop(reason string) LoopState {
	s.Done = true
	s.StopReason = reason
	return s
}
