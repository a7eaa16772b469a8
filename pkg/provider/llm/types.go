package llm

import "github.com/MrWong99/tickerlens/pkg/types"

// Aliases so callers that only deal with completions can stay inside the llm
// package namespace.
type (
	Message           = types.Message
	ToolCall          = types.ToolCall
	ToolDefinition    = types.ToolDefinition
	ModelCapabilities = types.ModelCapabilities
)

// Finish reasons reported on the final [Chunk] of a stream.
const (
	FinishStop      = "stop"
	FinishLength    = "length"
	FinishToolCalls = "tool_calls"

	// FinishError marks a chunk whose Text carries a mid-stream error.
	FinishError = "error"
)
