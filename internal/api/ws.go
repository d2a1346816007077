package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
)

// handleWS is the WebSocket flavor of the subscription endpoint, for
// clients that prefer a socket over EventSource. The envelope protocol is
// identical; each envelope is one JSON text message.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		http.Error(w, "session required", http.StatusBadRequest)
		return
	}
	if _, err := s.records.GetSession(r.Context(), sessionID); err != nil {
		writeError(w, err)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}
	defer func() { _ = conn.Close() }()

	sub := s.relay.Subscribe(sessionID)
	defer s.relay.Unsubscribe(sub)

	s.log.Debug().Str("session_id", sessionID).Str("remote", r.RemoteAddr).Msg("ws subscriber attached")

	// Reader exists only to detect the client going away; subscribers
	// never send anything meaningful.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case env := <-sub.Events():
			data, err := json.Marshal(env)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			if env.IsTerminal() {
				return
			}

		case <-sub.Done():
			for {
				select {
				case env := <-sub.Events():
					data, err := json.Marshal(env)
					if err != nil {
						return
					}
					if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
						return
					}
					if env.IsTerminal() {
						return
					}
				default:
					return
				}
			}

		case <-closed:
			s.log.Debug().Str("session_id", sessionID).Msg("ws subscriber disconnected")
			return
		}
	}
}
