package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/agentflow/relay/internal/relay"
)

// handleEvents is the SSE subscription endpoint. The subscriber stays
// attached until a terminal envelope arrives, the relay detaches it, or
// the client goes away. Delivery is live-only; history is served by the
// logs endpoint.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if _, err := s.records.GetSession(r.Context(), sessionID); err != nil {
		writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.relay.Subscribe(sessionID)
	defer s.relay.Unsubscribe(sub)

	s.log.Debug().Str("session_id", sessionID).Msg("sse subscriber attached")

	for {
		select {
		case env := <-sub.Events():
			if err := writeSSE(w, env); err != nil {
				return
			}
			flusher.Flush()
			if env.IsTerminal() {
				return
			}

		case <-sub.Done():
			// Detached by the relay; flush anything already queued so a
			// buffered terminal envelope still reaches the client.
			for {
				select {
				case env := <-sub.Events():
					if err := writeSSE(w, env); err != nil {
						return
					}
					flusher.Flush()
					if env.IsTerminal() {
						return
					}
				default:
					return
				}
			}

		case <-r.Context().Done():
			s.log.Debug().Str("session_id", sessionID).Msg("sse subscriber disconnected")
			return
		}
	}
}

// writeSSE frames one envelope as a server-sent event. Heartbeats go out
// as comments, which EventSource clients ignore but proxies count as
// traffic.
func writeSSE(w http.ResponseWriter, env relay.Envelope) error {
	if env.Type == relay.EnvHeartbeat {
		_, err := fmt.Fprint(w, ": heartbeat\n\n")
		return err
	}

	data, err := json.Marshal(env.Payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", env.Type, data)
	return err
}
