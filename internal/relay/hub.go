package relay

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentflow/relay/internal/logging"
	"github.com/agentflow/relay/internal/metrics"
)

// Subscriber is one attached push channel, bound to a single session.
// Consumers read Events until a terminal envelope arrives or Done closes;
// after Done closes they should drain any buffered envelopes so a terminal
// event already queued is not lost.
type Subscriber struct {
	sessionID string
	ch        chan Envelope
	done      chan struct{}
	once      sync.Once
}

// Events is the subscriber's envelope stream. The channel is never closed;
// use Done to detect detachment.
func (s *Subscriber) Events() <-chan Envelope { return s.ch }

// Done closes when the subscriber has been detached.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// SessionID returns the session this subscriber is bound to.
func (s *Subscriber) SessionID() string { return s.sessionID }

// Hub is the subscriber registry: the live set of subscriber channels per
// session. Delivery is live-only; events broadcast with no subscribers
// attached go nowhere.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]map[*Subscriber]struct{}

	heartbeat time.Duration
	buffer    int
	log       zerolog.Logger
}

func NewHub(heartbeat time.Duration, buffer int) *Hub {
	return &Hub{
		sessions:  make(map[string]map[*Subscriber]struct{}),
		heartbeat: heartbeat,
		buffer:    buffer,
		log:       logging.WithComponent("hub"),
	}
}

// Attach registers a new subscriber for the session, sends the connected
// acknowledgement on that channel only, and starts its keep-alive ticker.
func (h *Hub) Attach(sessionID string) *Subscriber {
	sub := &Subscriber{
		sessionID: sessionID,
		ch:        make(chan Envelope, h.buffer),
		done:      make(chan struct{}),
	}

	h.mu.Lock()
	set, ok := h.sessions[sessionID]
	if !ok {
		set = make(map[*Subscriber]struct{})
		h.sessions[sessionID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	metrics.Subscribers.Inc()

	// The ack goes to this subscriber only, never broadcast.
	sub.ch <- Envelope{Type: EnvConnected, Payload: ConnectedPayload{SessionID: sessionID}}

	go h.keepAlive(sub)

	return sub
}

// Detach removes the subscriber and cancels its keep-alive. Safe to call
// multiple times and for subscribers that were never attached.
func (h *Hub) Detach(sub *Subscriber) {
	if sub == nil {
		return
	}
	sub.once.Do(func() {
		close(sub.done)
		metrics.Subscribers.Dec()

		h.mu.Lock()
		if set, ok := h.sessions[sub.sessionID]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(h.sessions, sub.sessionID)
			}
		}
		h.mu.Unlock()
	})
}

// Broadcast sends the envelope to every subscriber currently attached to
// the session. Zero subscribers is a silent no-op. A subscriber whose
// buffer is full is dropped so it cannot stall delivery to the others.
func (h *Hub) Broadcast(sessionID string, env Envelope) {
	h.mu.Lock()
	set := h.sessions[sessionID]
	subs := make([]*Subscriber, 0, len(set))
	for sub := range set {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- env:
		case <-sub.done:
		default:
			h.log.Warn().Str("session_id", sessionID).Msg("subscriber too slow, detaching")
			h.Detach(sub)
		}
	}
}

// DetachAll releases every subscriber for the session. Called when the
// session reaches a terminal state; the terminal envelope (if any) has
// already been queued and survives in each subscriber's buffer.
func (h *Hub) DetachAll(sessionID string) {
	h.mu.Lock()
	set := h.sessions[sessionID]
	subs := make([]*Subscriber, 0, len(set))
	for sub := range set {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		h.Detach(sub)
	}
}

// SubscriberCount reports the live subscribers for a session.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions[sessionID])
}

func (h *Hub) keepAlive(sub *Subscriber) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-sub.done:
			return
		case <-ticker.C:
			// Heartbeats are best-effort; a full buffer just skips one.
			select {
			case sub.ch <- Envelope{Type: EnvHeartbeat}:
			default:
			}
		}
	}
}
