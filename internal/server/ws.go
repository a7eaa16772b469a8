package server

import (
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"

	"github.com/MrWong99/tickerlens/internal/agent"
	"github.com/MrWong99/tickerlens/internal/observe"
	"github.com/MrWong99/tickerlens/internal/stream"
)

// handleChatWS upgrades the connection and serves chats sequentially: each
// inbound {"messages": [...]} frame yields one complete event stream before
// the next frame is read. Invalid frames are answered with a single error
// event and the connection stays open.
func (s *Handler) handleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns})
	if err != nil {
		observe.Logger(r.Context()).Warn("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxBodyBytes)

	ctx := r.Context()
	log := observe.Logger(ctx)
	out := stream.NewWSWriter(conn)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				log.Debug("websocket read ended", "err", err)
			}
			return
		}
		var req chatRequest
		if err := json.Unmarshal(data, &req); err != nil {
			if err := out.Send(ctx, stream.ErrorEvent("Invalid request body: "+err.Error())); err != nil {
				return
			}
			continue
		}
		if err := agent.Validate(req.Messages); err != nil {
			if err := out.Send(ctx, stream.ErrorEvent(err.Error())); err != nil {
				return
			}
			continue
		}

		events := stream.Pipe(ctx, stream.DefaultBuffer, func(emit stream.Emit) {
			_ = s.chat.Run(ctx, req.Messages, emit)
		})
		if err := out.Drain(ctx, events); err != nil {
			log.Warn("websocket stream aborted", "err", err)
			return
		}
	}
}
