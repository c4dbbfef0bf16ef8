package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ThomasGoatly/ray/internal/shared"
)

const wsWriteTimeout = 5 * time.Second

// wsEvent is one bus event on the wire.
type wsEvent struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// handleWS streams bus events to the client as JSON messages. The
// optional topics query parameter narrows the stream to a topic prefix
// ("object.", "monitor.", ...); the default is everything.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		http.Error(w, "event stream not available: bus not configured", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket
		// library; cross-origin needs an explicit allowlist.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	requestID := shared.RequestID(r.Context())
	s.logger.Info("ws: client connected", "request_id", requestID, "topics", r.URL.Query().Get("topics"))
	defer func() {
		s.logger.Info("ws: client disconnecting", "request_id", requestID)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	sub := s.cfg.Bus.Subscribe(r.URL.Query().Get("topics"))
	defer s.cfg.Bus.Unsubscribe(sub)

	// The stream is one-way; CloseRead surfaces client disconnects as
	// context cancellation.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(writeCtx, conn, wsEvent{Topic: ev.Topic, Payload: ev.Payload})
			cancel()
			if err != nil {
				s.logger.Debug("ws: write failed, closing", "request_id", requestID, "error", err)
				return
			}
		}
	}
}
