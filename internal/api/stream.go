package api

import (
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const streamPollInterval = 2 * time.Second

// handleEventsStream is a live tail of newly-processed and newly-
// appended spool events for operators, mirroring the teacher's /ws
// endpoint composition (websocket.Accept, then a loop writing JSON
// frames) but one-directional: the client only reads.
func (s *Server) handleEventsStream(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	ctx := r.Context()
	seen := make(map[string]struct{})

	ticker := time.NewTicker(streamPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			events, err := s.cfg.Spool.ListAll()
			if err != nil {
				s.logger.Warn("events stream: list events failed", "error", err)
				continue
			}
			for _, ev := range events {
				if _, ok := seen[ev.ID]; ok {
					continue
				}
				seen[ev.ID] = struct{}{}
				if err := wsjson.Write(ctx, conn, ev); err != nil {
					return
				}
			}
		}
	}
}
