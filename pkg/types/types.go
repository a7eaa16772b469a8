// Package types defines the shared types used across all tickerlens packages.
//
// These types form the lingua franca between the LLM providers, the tool
// layer, the agent loop, and the HTTP surface. Each package defines its own
// domain types, but cross-cutting data structures live here to avoid circular
// imports.
package types

// Conversation roles understood by the agent loop and the LLM providers.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents a single message in an LLM conversation history.
//
// The JSON form is the one accepted by POST /chat.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string `json:"role"`

	// Content is the text content of the message. May be empty for an
	// assistant message that only carries tool calls.
	Content string `json:"content"`

	// Name is an optional participant name.
	Name string `json:"name,omitempty"`

	// ToolCalls contains any tool invocations requested by the assistant.
	ToolCalls []ToolCall `json:"toolCalls,omitempty"`

	// ToolCallID is set when Role is "tool", identifying which tool call this responds to.
	ToolCallID string `json:"toolCallId,omitempty"`
}

// ToolCall represents a tool/function invocation requested by the LLM.
type ToolCall struct {
	// ID is the unique identifier for this tool call (provider-assigned).
	ID string `json:"id"`

	// Name is the tool/function name.
	Name string `json:"name"`

	// Arguments is the JSON-encoded arguments string.
	Arguments string `json:"arguments"`
}

// ToolDefinition describes a tool that can be offered to an LLM.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string `json:"name"`

	// Description explains what the tool does (included in LLM prompts).
	Description string `json:"description"`

	// Parameters is the JSON Schema describing the tool's input parameters.
	Parameters map[string]any `json:"parameters"`
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int

	// SupportsToolCalling indicates native function/tool calling support.
	SupportsToolCalling bool

	// SupportsJSONMode indicates the model can be constrained to emit a
	// single JSON object.
	SupportsJSONMode bool

	// SupportsStreaming indicates the model supports streaming completions.
	SupportsStreaming bool
}
