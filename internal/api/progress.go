package api

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/recitalign/internal/observe"
)

// handleProgress streams the events of one request as JSON text frames. The
// connection closes normally after the final event. Events published before
// the client connected are replayed.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("request_id")
	log := observe.Logger(r.Context()).With("request_id", id)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		log.Warn("progress websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	events, cancel := s.broker.Subscribe(id)
	defer cancel()

	// The client never sends; CloseRead handles its close frame.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			log.Debug("progress client went away")
			return
		case e, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "done")
				return
			}
			wctx, wcancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
			err := wsjson.Write(wctx, conn, e)
			wcancel()
			if err != nil {
				log.Debug("progress write failed", "err", err)
				return
			}
		}
	}
}
