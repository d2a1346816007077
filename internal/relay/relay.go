package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentflow/relay/internal/logging"
	"github.com/agentflow/relay/internal/metrics"
	"github.com/agentflow/relay/internal/session"
	"github.com/agentflow/relay/internal/store"
)

// Link is a live upstream connection owned by the relay. Close must be
// idempotent and safe on an already-closed link.
type Link interface {
	Close()
}

// Opener establishes the upstream connection for a session and feeds
// classified events into inbox. Implementations own all writes to inbox
// and must close it when the link ends, after emitting any terminal
// outcome. Cancellation via Link.Close ends the stream without an outcome;
// the relay has already decided the session's fate in that case.
type Opener interface {
	Open(sessionID, sourceURL string, inbox chan<- UpstreamEvent) (Link, error)
}

// entry bundles the relay's per-session state. Its mutex serializes status
// decisions between the routing goroutine and Stop; different sessions
// share nothing.
type entry struct {
	id    string
	inbox chan UpstreamEvent

	mu      sync.Mutex
	status  session.Status
	link    Link
	counted bool
}

// markTerminal transitions the entry to a terminal status. It reports false
// if the entry is already terminal, so exactly one caller wins.
func (e *entry) markTerminal(status session.Status) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status.IsTerminal() {
		return false
	}
	e.status = status
	return true
}

func (e *entry) terminal() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status.IsTerminal()
}

// Relay is the composition root of the streaming core. It owns the mapping
// from session id to upstream link and subscriber registry entry, routes
// classified events from the connector into persistence and broadcast, and
// drives session status transitions. One relay instance serves the process.
type Relay struct {
	hub     *Hub
	records store.RecordStore
	opener  Opener

	inboxBuffer int
	log         zerolog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	wg      sync.WaitGroup
}

func New(hub *Hub, records store.RecordStore, opener Opener, inboxBuffer int) *Relay {
	return &Relay{
		hub:         hub,
		records:     records,
		opener:      opener,
		inboxBuffer: inboxBuffer,
		log:         logging.WithComponent("relay"),
		entries:     make(map[string]*entry),
	}
}

// Open connects the session to its upstream source and starts routing.
// A session with a live (or opening) link rejects a second Open with
// session.ErrConflict; the existing link is untouched.
func (r *Relay) Open(sessionID, sourceURL string) error {
	e := &entry{
		id:     sessionID,
		status: session.Running,
		inbox:  make(chan UpstreamEvent, r.inboxBuffer),
	}

	r.mu.Lock()
	if _, ok := r.entries[sessionID]; ok {
		r.mu.Unlock()
		return fmt.Errorf("session %s: %w", sessionID, session.ErrConflict)
	}
	r.entries[sessionID] = e
	r.mu.Unlock()

	link, err := r.opener.Open(sessionID, sourceURL, e.inbox)
	if err != nil {
		r.mu.Lock()
		delete(r.entries, sessionID)
		r.mu.Unlock()
		return fmt.Errorf("open upstream for session %s: %w", sessionID, err)
	}

	// Stop may have landed while the connector was still dialing; the
	// entry is terminal then and the fresh link must die immediately.
	e.mu.Lock()
	e.link = link
	stopped := e.status.IsTerminal()
	e.mu.Unlock()
	if stopped {
		link.Close()
		return nil
	}
	e.mu.Lock()
	e.counted = true
	e.mu.Unlock()

	metrics.ActiveLinks.Inc()
	r.log.Info().Str("session_id", sessionID).Msg("upstream link open")

	r.wg.Add(1)
	go r.route(e)

	return nil
}

// Subscribe attaches a new subscriber to the session's live stream.
func (r *Relay) Subscribe(sessionID string) *Subscriber {
	return r.hub.Attach(sessionID)
}

// Unsubscribe detaches a subscriber. Idempotent.
func (r *Relay) Unsubscribe(sub *Subscriber) {
	r.hub.Detach(sub)
}

// Stop cancels a running session: closes the upstream link, writes a final
// cancellation log line, and transitions the session to Cancelled. Stopping
// a session with no active link, or one already terminal, is a no-op.
func (r *Relay) Stop(ctx context.Context, sessionID string) error {
	return r.stop(ctx, sessionID, "run cancelled by user")
}

func (r *Relay) stop(ctx context.Context, sessionID, reason string) error {
	r.mu.Lock()
	e := r.entries[sessionID]
	r.mu.Unlock()

	if e == nil {
		r.log.Debug().Str("session_id", sessionID).Msg("stop: no active link, nothing to do")
		return nil
	}

	if !e.markTerminal(session.Cancelled) {
		r.log.Debug().Str("session_id", sessionID).Msg("stop: session already terminal")
		return nil
	}

	// Closing the link first makes cancellation effective even while an
	// upstream event is mid-classification; anything still in the inbox is
	// dropped by the terminal check in route.
	e.mu.Lock()
	link := e.link
	e.mu.Unlock()
	if link != nil {
		link.Close()
	}

	now := time.Now().UTC()
	ev := session.LogEvent{
		SessionID: sessionID,
		Category:  session.Info,
		Message:   reason,
		At:        now,
	}
	if err := r.records.AppendLogEvent(ctx, ev); err != nil {
		metrics.PersistFailuresTotal.Inc()
		r.log.Error().Err(err).Str("session_id", sessionID).Msg("persist cancellation event")
	}
	r.hub.Broadcast(sessionID, logEnvelope(ev))

	if err := r.records.SetSessionStatus(ctx, sessionID, session.Cancelled, &now); err != nil {
		metrics.PersistFailuresTotal.Inc()
		r.log.Error().Err(err).Str("session_id", sessionID).Msg("persist cancelled status")
	}

	r.hub.DetachAll(sessionID)
	metrics.IncSessionTerminal(session.Cancelled.String())
	r.removeEntry(sessionID)

	r.log.Info().Str("session_id", sessionID).Str("reason", reason).Msg("session cancelled")
	return nil
}

// Shutdown cancels every active session and waits for routing goroutines
// to drain. Durable records survive; relay state does not.
func (r *Relay) Shutdown(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		if err := r.stop(ctx, id, "relay shutting down"); err != nil {
			r.log.Error().Err(err).Str("session_id", id).Msg("shutdown stop")
		}
	}
	r.wg.Wait()
}

// route is the per-session event loop: it consumes the connector's inbox
// and fans each classified event into persistence and broadcast. It exits
// when the connector closes the inbox.
func (r *Relay) route(e *entry) {
	defer r.wg.Done()

	for ev := range e.inbox {
		if e.terminal() {
			metrics.DroppedEventsTotal.Inc()
			r.log.Debug().Str("session_id", e.id).Msg("dropping event for terminal session")
			continue
		}

		switch ev.Kind {
		case KindLog:
			r.deliver(e.id, ev.Log)
		case KindOutcome:
			r.finalize(e, ev.Outcome, ev.Reason)
		}
	}

	// Inbox closed. Normally the session is terminal by now (outcome or
	// stop); anything else means the connector broke its contract.
	if !e.terminal() {
		r.log.Warn().Str("session_id", e.id).Msg("upstream inbox closed without terminal outcome")
	}
	r.removeEntry(e.id)
}

// deliver persists and broadcasts one log event. Both are attempted even if
// one fails: persistence failure must not block live delivery and vice
// versa.
func (r *Relay) deliver(sessionID string, ev session.LogEvent) {
	if err := r.records.AppendLogEvent(context.Background(), ev); err != nil {
		metrics.PersistFailuresTotal.Inc()
		r.log.Error().Err(err).Str("session_id", sessionID).Msg("persist log event")
	}
	r.hub.Broadcast(sessionID, logEnvelope(ev))
	metrics.IncLogEventRelayed(ev.Category.String())
}

// finalize applies a terminal outcome from the upstream link: persist the
// final status, broadcast the terminal notification, release subscribers
// and the link.
func (r *Relay) finalize(e *entry, outcome session.Status, reason string) {
	if !e.markTerminal(outcome) {
		metrics.DroppedEventsTotal.Inc()
		r.log.Debug().Str("session_id", e.id).Msg("dropping duplicate terminal outcome")
		return
	}

	now := time.Now().UTC()
	if err := r.records.SetSessionStatus(context.Background(), e.id, outcome, &now); err != nil {
		metrics.PersistFailuresTotal.Inc()
		r.log.Error().Err(err).Str("session_id", e.id).Msg("persist terminal status")
	}

	switch outcome {
	case session.Completed:
		r.hub.Broadcast(e.id, Envelope{Type: EnvComplete, Payload: CompletePayload{Status: session.Completed}})
	case session.Error:
		r.hub.Broadcast(e.id, Envelope{Type: EnvError, Payload: ErrorPayload{Message: reason}})
	}

	r.hub.DetachAll(e.id)

	e.mu.Lock()
	link := e.link
	e.mu.Unlock()
	if link != nil {
		link.Close()
	}

	metrics.IncSessionTerminal(outcome.String())
	r.removeEntry(e.id)

	r.log.Info().Str("session_id", e.id).Str("status", outcome.String()).Msg("session finished")
}

func (r *Relay) removeEntry(sessionID string) {
	r.mu.Lock()
	e, ok := r.entries[sessionID]
	if ok {
		delete(r.entries, sessionID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	// Only decrement if the link was counted; Stop can remove an entry
	// whose dial never finished.
	e.mu.Lock()
	counted := e.counted
	e.counted = false
	e.mu.Unlock()
	if counted {
		metrics.ActiveLinks.Dec()
	}
}
