package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const defaultWriteTimeout = 10 * time.Second

// WSWriter writes each event as one JSON text message on a websocket
// connection. Closing the connection is left to the caller.
type WSWriter struct {
	conn    *websocket.Conn
	timeout time.Duration
}

var _ Sink = (*WSWriter)(nil)

// NewWSWriter returns a writer for conn.
func NewWSWriter(conn *websocket.Conn) *WSWriter {
	return &WSWriter{conn: conn, timeout: defaultWriteTimeout}
}

// Send writes one message, giving up after the write timeout.
func (w *WSWriter) Send(ctx context.Context, ev Event) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	if err := wsjson.Write(ctx, w.conn, ev); err != nil {
		return fmt.Errorf("stream: websocket write %s event: %w", ev.Type, err)
	}
	return nil
}

// Drain writes every event from events. See [Drain].
func (w *WSWriter) Drain(ctx context.Context, events <-chan Event) error {
	return Drain(ctx, events, w)
}
