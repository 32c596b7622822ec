package events

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// ServeWS returns a handler that streams job lifecycle events over a
// websocket. ownerFrom scopes the feed: only events for the resolved owner
// are delivered, and an empty owner sees everything (operator feed).
func (h *Hub) ServeWS(ownerFrom func(*http.Request) string, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}

		owner := ""
		if ownerFrom != nil {
			owner = ownerFrom(r)
		}

		sub := h.Subscribe()
		done := make(chan struct{})

		// Reader only watches for the peer closing.
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		defer func() {
			h.Unsubscribe(sub)
			_ = conn.Close()
		}()

		for {
			select {
			case <-done:
				return
			case <-r.Context().Done():
				return
			case ev, ok := <-sub:
				if !ok {
					return
				}
				if owner != "" && ev.OwnerID != owner {
					continue
				}
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			}
		}
	}
}
