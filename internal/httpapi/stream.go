package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const streamWriteTimeout = 5 * time.Second

// handleStatusStream pushes the status document immediately and then every
// StreamInterval until the client goes away.
func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	ticker := time.NewTicker(s.cfg.StreamInterval)
	defer ticker.Stop()
	for {
		writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
		err := wsjson.Write(writeCtx, conn, s.status())
		cancel()
		if err != nil {
			if !errors.Is(err, context.Canceled) && websocket.CloseStatus(err) == -1 {
				s.logger.Debug().Err(err).Msg("status stream write failed")
			}
			return
		}
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-ticker.C:
		}
	}
}
