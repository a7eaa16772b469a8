package stream

import (
	"context"
	"fmt"
	"log/slog"
)

// DefaultBuffer is the event channel capacity used by [Pipe] when buf <= 0.
const DefaultBuffer = 32

// Emit delivers one event to the consumer.
type Emit func(Event)

// Pipe runs produce in its own goroutine and returns the channel it writes
// to. The channel is closed on every exit path of produce.
//
// Pipe enforces the stream grammar on the producer side: a second metadata
// event and anything after the first terminal event are dropped, and if
// produce returns (or panics) without a terminal event an error event is
// appended. Once ctx is done, pending sends are abandoned rather than
// blocking the producer.
func Pipe(ctx context.Context, buf int, produce func(emit Emit)) <-chan Event {
	if buf <= 0 {
		buf = DefaultBuffer
	}
	ch := make(chan Event, buf)

	go func() {
		var (
			metaSent bool
			closed   bool
		)
		send := func(ev Event) {
			select {
			case ch <- ev:
			case <-ctx.Done():
			}
		}
		emit := func(ev Event) {
			switch {
			case closed:
				return
			case ev.Type == TypeMetadata && metaSent:
				return
			case ev.Type == TypeMetadata:
				metaSent = true
			case ev.Type.Terminal():
				closed = true
			}
			send(ev)
		}

		defer close(ch)
		defer func() {
			if r := recover(); r != nil {
				slog.Error("stream producer panicked", "panic", r)
				emit(ErrorEvent(fmt.Sprintf("internal error: %v", r)))
			}
			if !closed {
				emit(ErrorEvent("stream ended unexpectedly"))
			}
		}()
		produce(emit)
	}()
	return ch
}

// Sink receives events in order.
type Sink interface {
	Send(ctx context.Context, ev Event) error
}

// Drain forwards every event from events to sink until the channel closes.
// After the first send error the remaining events are discarded so the
// producer can still finish; that first error is returned.
func Drain(ctx context.Context, events <-chan Event, sink Sink) error {
	var sendErr error
	for ev := range events {
		if sendErr != nil {
			continue
		}
		sendErr = sink.Send(ctx, ev)
	}
	return sendErr
}
