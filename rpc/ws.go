package rpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"subledger/core/types"
)

const (
	wsWriteTimeout   = 10 * time.Second
	wsSubscribeDepth = 256
	wsBacklogPage    = 500
)

func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	from, ok := uintQuery(w, r, "from")
	if !ok {
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	ctx := conn.CloseRead(r.Context())
	if err := s.streamEvents(ctx, conn, from); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
			s.logger.Warn("event stream failed",
				slog.String("requestId", RequestIDFrom(r.Context())),
				slog.String("error", err.Error()))
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

// streamEvents replays the log from sequence from (when non-zero) and then
// forwards live events. The subscription is taken before the backlog is read
// so no committed event falls between the two.
func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, from uint64) error {
	updates, cancel := s.node.SubscribeEvents(wsSubscribeDepth)
	defer cancel()

	var last uint64
	if from > 0 {
		next := from
		for {
			backlog, err := s.node.Events(next, wsBacklogPage)
			if err != nil {
				return err
			}
			for _, evt := range backlog {
				if err := writeEvent(ctx, conn, evt); err != nil {
					return err
				}
				last = evt.Sequence
			}
			if len(backlog) < wsBacklogPage {
				break
			}
			next = last + 1
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-updates:
			if !ok {
				return nil
			}
			if evt.Sequence <= last {
				continue
			}
			if err := writeEvent(ctx, conn, evt); err != nil {
				return err
			}
			last = evt.Sequence
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, evt types.LoggedEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
