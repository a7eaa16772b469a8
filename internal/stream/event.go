// Package stream carries chat events from the orchestrator to the caller.
//
// Exactly one producer writes into an event channel (see [Pipe]) and exactly
// one sink drains it: [SSEWriter] for text/event-stream responses or
// [WSWriter] for websocket connections. Every stream is
//
//	metadata? content* (done | error)
//
// with the terminal event always present and always last.
package stream

import (
	"encoding/json"
	"time"
)

// Type discriminates events on the wire.
type Type string

// Event types.
const (
	TypeMetadata Type = "metadata"
	TypeContent  Type = "content"
	TypeDone     Type = "done"
	TypeError    Type = "error"
)

// Terminal reports whether t closes a stream.
func (t Type) Terminal() bool { return t == TypeDone || t == TypeError }

// Step is one entry of the reasoning trace: a single executed tool call.
type Step struct {
	// Step is 1-based and monotonic across the whole request.
	Step        int             `json:"step"`
	Tool        string          `json:"tool"`
	Arguments   json.RawMessage `json:"arguments"`
	Success     bool            `json:"success"`
	Preview     string          `json:"preview"`
	Description string          `json:"toolDescription"`
	SourceURL   string          `json:"sourceUrl"`
	Timestamp   time.Time       `json:"timestamp"`
	DurationMs  int64           `json:"durationMs"`
}

// Metadata is the payload of the metadata event.
type Metadata struct {
	RequestID string   `json:"requestId,omitempty"`
	ToolsUsed []string `json:"toolsUsed"`
	StepCount int      `json:"stepCount"`
	Reasoning []Step   `json:"reasoning"`
}

// Event is one frame of a chat stream.
type Event struct {
	Type     Type
	Metadata Metadata // TypeMetadata
	Content  string   // TypeContent
	Error    string   // TypeError
}

// MetadataEvent returns a metadata event.
func MetadataEvent(m Metadata) Event { return Event{Type: TypeMetadata, Metadata: m} }

// ContentEvent returns a content delta event.
func ContentEvent(delta string) Event { return Event{Type: TypeContent, Content: delta} }

// DoneEvent returns the successful terminal event.
func DoneEvent() Event { return Event{Type: TypeDone} }

// ErrorEvent returns the failing terminal event.
func ErrorEvent(msg string) Event { return Event{Type: TypeError, Error: msg} }

// MarshalJSON renders the flat wire shape, e.g. {"type":"content","content":"Hi"}.
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case TypeMetadata:
		m := e.Metadata
		if m.ToolsUsed == nil {
			m.ToolsUsed = []string{}
		}
		if m.Reasoning == nil {
			m.Reasoning = []Step{}
		}
		return json.Marshal(struct {
			Type Type `json:"type"`
			Metadata
		}{e.Type, m})
	case TypeContent:
		return json.Marshal(struct {
			Type    Type   `json:"type"`
			Content string `json:"content"`
		}{e.Type, e.Content})
	case TypeError:
		return json.Marshal(struct {
			Type  Type   `json:"type"`
			Error string `json:"error"`
		}{e.Type, e.Error})
	default:
		return json.Marshal(struct {
			Type Type `json:"type"`
		}{e.Type})
	}
}

// UnmarshalJSON accepts the shape produced by MarshalJSON.
func (e *Event) UnmarshalJSON(b []byte) error {
	var w struct {
		Type    Type   `json:"type"`
		Content string `json:"content"`
		Error   string `json:"error"`
		Metadata
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*e = Event{Type: w.Type, Content: w.Content, Error: w.Error}
	if w.Type == TypeMetadata {
		e.Metadata = w.Metadata
	}
	return nil
}
