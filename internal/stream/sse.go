package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// SSEWriter writes events as text/event-stream frames ("data: <json>\n\n").
// Headers are sent with the first event. It is not safe for concurrent use;
// a stream has exactly one writer.
type SSEWriter struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	started bool
}

var _ Sink = (*SSEWriter)(nil)

// NewSSEWriter returns a writer for w.
func NewSSEWriter(w http.ResponseWriter) *SSEWriter {
	return &SSEWriter{w: w, rc: http.NewResponseController(w)}
}

// Send writes one frame and flushes it.
func (s *SSEWriter) Send(_ context.Context, ev Event) error {
	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}

	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("stream: encode %s event: %w", ev.Type, err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", b); err != nil {
		return fmt.Errorf("stream: write %s event: %w", ev.Type, err)
	}
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return fmt.Errorf("stream: flush: %w", err)
	}
	return nil
}

// Drain writes every event from events. See [Drain].
func (s *SSEWriter) Drain(ctx context.Context, events <-chan Event) error {
	return Drain(ctx, events, s)
}
