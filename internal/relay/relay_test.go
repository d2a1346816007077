package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/agentflow/relay/internal/session"
)

// memStore is an in-memory RecordStore with the same terminal-write guard
// the SQLite store enforces.
type memStore struct {
	mu          sync.Mutex
	sessions    map[string]*session.Session
	events      map[string][]session.LogEvent
	statusCalls int
	appendErr   error
}

func newMemStore() *memStore {
	return &memStore{
		sessions: make(map[string]*session.Session),
		events:   make(map[string][]session.LogEvent),
	}
}

func (m *memStore) CreateSession(_ context.Context, s *session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *memStore) SetSessionStatus(_ context.Context, id string, status session.Status, completedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return session.ErrNotFound
	}
	if s.Status.IsTerminal() {
		return session.ErrAlreadyTerminal
	}
	s.Status = status
	s.CompletedAt = completedAt
	m.statusCalls++
	return nil
}

func (m *memStore) AppendLogEvent(_ context.Context, ev session.LogEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	if ev.Category == session.Control {
		return nil
	}
	m.events[ev.SessionID] = append(m.events[ev.SessionID], ev)
	return nil
}

func (m *memStore) GetSession(_ context.Context, id string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	return s.Clone(), nil
}

func (m *memStore) ListLogEvents(_ context.Context, id string) ([]session.LogEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]session.LogEvent(nil), m.events[id]...), nil
}

func (m *memStore) status(t *testing.T, id string) session.Status {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		t.Fatalf("session %s not in store", id)
	}
	return s.Status
}

func (m *memStore) eventCount(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events[id])
}

func (m *memStore) transitions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusCalls
}

// scriptedLink records Close calls; the test decides when the inbox ends
// via scriptedOpener.finish.
type scriptedLink struct {
	mu     sync.Mutex
	closed bool
}

func (l *scriptedLink) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
}

func (l *scriptedLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

type scriptedOpener struct {
	mu      sync.Mutex
	err     error
	links   map[string]*scriptedLink
	inboxes map[string]chan<- UpstreamEvent
	finishd map[string]*sync.Once
}

func newScriptedOpener() *scriptedOpener {
	return &scriptedOpener{
		links:   make(map[string]*scriptedLink),
		inboxes: make(map[string]chan<- UpstreamEvent),
		finishd: make(map[string]*sync.Once),
	}
}

func (o *scriptedOpener) Open(sessionID, _ string, inbox chan<- UpstreamEvent) (Link, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return nil, o.err
	}
	link := &scriptedLink{}
	o.links[sessionID] = link
	o.inboxes[sessionID] = inbox
	o.finishd[sessionID] = &sync.Once{}
	return link, nil
}

func (o *scriptedOpener) send(t *testing.T, sessionID string, ev UpstreamEvent) {
	t.Helper()
	o.mu.Lock()
	inbox := o.inboxes[sessionID]
	o.mu.Unlock()
	if inbox == nil {
		t.Fatalf("no inbox for session %s", sessionID)
	}
	inbox <- ev
}

// finish ends the upstream stream, as the connector does when its read
// loop exits.
func (o *scriptedOpener) finish(sessionID string) {
	o.mu.Lock()
	inbox := o.inboxes[sessionID]
	once := o.finishd[sessionID]
	o.mu.Unlock()
	if inbox == nil {
		return
	}
	once.Do(func() { close(inbox) })
}

func (o *scriptedOpener) link(t *testing.T, sessionID string) *scriptedLink {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	link := o.links[sessionID]
	if link == nil {
		t.Fatalf("no link for session %s", sessionID)
	}
	return link
}

func newTestRelay(t *testing.T) (*Relay, *memStore, *scriptedOpener) {
	t.Helper()
	records := newMemStore()
	opener := newScriptedOpener()
	hub := NewHub(time.Hour, 16)
	return New(hub, records, opener, 16), records, opener
}

func seedSession(t *testing.T, records *memStore, id string) {
	t.Helper()
	err := records.CreateSession(context.Background(), &session.Session{
		ID:        id,
		OwnerID:   "local",
		Name:      id,
		Status:    session.Running,
		StartedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed session: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func logEvent(id, msg string) UpstreamEvent {
	return UpstreamEvent{
		Kind: KindLog,
		Log: session.LogEvent{
			SessionID: id,
			Category:  session.Info,
			Message:   msg,
			At:        time.Now().UTC(),
		},
	}
}

func TestOpenRejectsSecondLink(t *testing.T) {
	rl, records, opener := newTestRelay(t)
	seedSession(t, records, "sess-1")

	if err := rl.Open("sess-1", "http://engine/streams/sess-1"); err != nil {
		t.Fatalf("first Open: %v", err)
	}
	defer func() {
		opener.finish("sess-1")
		rl.Shutdown(context.Background())
	}()

	err := rl.Open("sess-1", "http://engine/streams/sess-1")
	if !errors.Is(err, session.ErrConflict) {
		t.Fatalf("second Open = %v, want ErrConflict", err)
	}
}

func TestOpenFailureFreesSession(t *testing.T) {
	rl, records, opener := newTestRelay(t)
	seedSession(t, records, "sess-1")

	opener.mu.Lock()
	opener.err = fmt.Errorf("dial refused")
	opener.mu.Unlock()

	if err := rl.Open("sess-1", "http://engine/streams/sess-1"); err == nil {
		t.Fatal("Open with failing opener succeeded")
	}

	opener.mu.Lock()
	opener.err = nil
	opener.mu.Unlock()

	// The failed attempt must not leave the session locked out.
	if err := rl.Open("sess-1", "http://engine/streams/sess-1"); err != nil {
		t.Fatalf("Open after failure: %v", err)
	}
	opener.finish("sess-1")
	rl.Shutdown(context.Background())
}

func TestRelayDeliversLogEvents(t *testing.T) {
	rl, records, opener := newTestRelay(t)
	seedSession(t, records, "sess-1")

	if err := rl.Open("sess-1", "http://engine/streams/sess-1"); err != nil {
		t.Fatalf("Open: %v", err)
	}

	sub := rl.Subscribe("sess-1")
	expectConnected(t, sub, "sess-1")

	opener.send(t, "sess-1", logEvent("sess-1", "step one"))

	env := recvEnvelope(t, sub)
	if env.Type != EnvLog {
		t.Fatalf("envelope type = %q, want %q", env.Type, EnvLog)
	}
	if got := env.Payload.(LogPayload).Message; got != "step one" {
		t.Fatalf("message = %q, want %q", got, "step one")
	}

	waitFor(t, "persisted event", func() bool { return records.eventCount("sess-1") == 1 })

	rl.Unsubscribe(sub)
	opener.finish("sess-1")
	rl.Shutdown(context.Background())
}

func TestRelayPersistFailureDoesNotBlockDelivery(t *testing.T) {
	rl, records, opener := newTestRelay(t)
	seedSession(t, records, "sess-1")
	records.mu.Lock()
	records.appendErr = fmt.Errorf("disk full")
	records.mu.Unlock()

	if err := rl.Open("sess-1", "http://engine/streams/sess-1"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	sub := rl.Subscribe("sess-1")
	expectConnected(t, sub, "sess-1")

	opener.send(t, "sess-1", logEvent("sess-1", "still live"))

	env := recvEnvelope(t, sub)
	if env.Type != EnvLog {
		t.Fatalf("envelope type = %q, want %q", env.Type, EnvLog)
	}

	rl.Unsubscribe(sub)
	opener.finish("sess-1")
	rl.Shutdown(context.Background())
}

func TestRelayCompletedOutcome(t *testing.T) {
	rl, records, opener := newTestRelay(t)
	seedSession(t, records, "sess-1")

	if err := rl.Open("sess-1", "http://engine/streams/sess-1"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	sub := rl.Subscribe("sess-1")
	expectConnected(t, sub, "sess-1")

	opener.send(t, "sess-1", UpstreamEvent{Kind: KindOutcome, Outcome: session.Completed})

	env := recvEnvelope(t, sub)
	if env.Type != EnvComplete {
		t.Fatalf("envelope type = %q, want %q", env.Type, EnvComplete)
	}
	expectDone(t, sub)

	waitFor(t, "completed status", func() bool { return records.status(t, "sess-1") == session.Completed })
	waitFor(t, "link closed", func() bool { return opener.link(t, "sess-1").isClosed() })

	opener.finish("sess-1")
	rl.Shutdown(context.Background())
}

func TestRelayErrorOutcome(t *testing.T) {
	rl, records, opener := newTestRelay(t)
	seedSession(t, records, "sess-1")

	if err := rl.Open("sess-1", "http://engine/streams/sess-1"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	sub := rl.Subscribe("sess-1")
	expectConnected(t, sub, "sess-1")

	opener.send(t, "sess-1", UpstreamEvent{
		Kind:    KindOutcome,
		Outcome: session.Error,
		Reason:  "workflow reported failure",
	})

	env := recvEnvelope(t, sub)
	if env.Type != EnvError {
		t.Fatalf("envelope type = %q, want %q", env.Type, EnvError)
	}
	if got := env.Payload.(ErrorPayload).Message; got != "workflow reported failure" {
		t.Fatalf("error message = %q", got)
	}
	expectDone(t, sub)

	waitFor(t, "error status", func() bool { return records.status(t, "sess-1") == session.Error })

	opener.finish("sess-1")
	rl.Shutdown(context.Background())
}

func TestRelayDropsEventsQueuedBehindOutcome(t *testing.T) {
	rl, records, opener := newTestRelay(t)
	seedSession(t, records, "sess-1")

	if err := rl.Open("sess-1", "http://engine/streams/sess-1"); err != nil {
		t.Fatalf("Open: %v", err)
	}

	// All three land in the buffered inbox before routing catches up; the
	// outcome wins and everything behind it is dropped.
	opener.send(t, "sess-1", UpstreamEvent{Kind: KindOutcome, Outcome: session.Completed})
	opener.send(t, "sess-1", logEvent("sess-1", "late line"))
	opener.send(t, "sess-1", UpstreamEvent{Kind: KindOutcome, Outcome: session.Error})
	opener.finish("sess-1")

	rl.Shutdown(context.Background())

	if got := records.status(t, "sess-1"); got != session.Completed {
		t.Fatalf("status = %v, want Completed", got)
	}
	if got := records.eventCount("sess-1"); got != 0 {
		t.Fatalf("persisted events = %d, want 0", got)
	}
	if got := records.transitions(); got != 1 {
		t.Fatalf("status transitions = %d, want 1", got)
	}
}

func TestStopCancelsSession(t *testing.T) {
	rl, records, opener := newTestRelay(t)
	seedSession(t, records, "sess-1")

	if err := rl.Open("sess-1", "http://engine/streams/sess-1"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	sub := rl.Subscribe("sess-1")
	expectConnected(t, sub, "sess-1")

	if err := rl.Stop(context.Background(), "sess-1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	env := recvEnvelope(t, sub)
	if env.Type != EnvLog {
		t.Fatalf("envelope type = %q, want %q", env.Type, EnvLog)
	}
	if got := env.Payload.(LogPayload).Message; got != "run cancelled by user" {
		t.Fatalf("cancellation message = %q", got)
	}
	expectDone(t, sub)

	// Cancellation ends with the log line; no complete/error envelope
	// follows.
	select {
	case env := <-sub.Events():
		t.Fatalf("unexpected envelope after cancellation: %+v", env)
	default:
	}

	if got := records.status(t, "sess-1"); got != session.Cancelled {
		t.Fatalf("status = %v, want Cancelled", got)
	}
	if !opener.link(t, "sess-1").isClosed() {
		t.Fatal("upstream link still open after Stop")
	}

	opener.finish("sess-1")
	rl.Shutdown(context.Background())
}

func TestStopIsIdempotent(t *testing.T) {
	rl, records, opener := newTestRelay(t)
	seedSession(t, records, "sess-1")

	if err := rl.Open("sess-1", "http://engine/streams/sess-1"); err != nil {
		t.Fatalf("Open: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := rl.Stop(context.Background(), "sess-1"); err != nil {
			t.Fatalf("Stop #%d: %v", i+1, err)
		}
	}

	if got := records.transitions(); got != 1 {
		t.Fatalf("status transitions = %d, want 1", got)
	}
	if got := records.eventCount("sess-1"); got != 1 {
		t.Fatalf("persisted events = %d, want exactly one cancellation line", got)
	}

	opener.finish("sess-1")
	rl.Shutdown(context.Background())
}

func TestStopWithoutLinkIsNoOp(t *testing.T) {
	rl, _, _ := newTestRelay(t)

	if err := rl.Stop(context.Background(), "ghost"); err != nil {
		t.Fatalf("Stop on unknown session: %v", err)
	}
}

func TestShutdownCancelsActiveSessions(t *testing.T) {
	rl, records, opener := newTestRelay(t)
	seedSession(t, records, "sess-1")
	seedSession(t, records, "sess-2")

	for _, id := range []string{"sess-1", "sess-2"} {
		if err := rl.Open(id, "http://engine/streams/"+id); err != nil {
			t.Fatalf("Open %s: %v", id, err)
		}
	}

	// The connector closes each inbox once its link is cancelled; mimic
	// that so Shutdown's drain can finish.
	go func() {
		time.Sleep(20 * time.Millisecond)
		opener.finish("sess-1")
		opener.finish("sess-2")
	}()

	rl.Shutdown(context.Background())

	for _, id := range []string{"sess-1", "sess-2"} {
		if got := records.status(t, id); got != session.Cancelled {
			t.Fatalf("session %s status = %v, want Cancelled", id, got)
		}
		if !opener.link(t, id).isClosed() {
			t.Fatalf("session %s link still open after shutdown", id)
		}
	}
}
