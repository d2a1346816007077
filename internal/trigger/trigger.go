// Package trigger ties an inbound trigger request to a session record and
// an upstream link: resolve the agent, create the session, fire the
// engine's webhook, and hand the advertised stream address to the relay.
package trigger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentflow/relay/internal/logging"
	"github.com/agentflow/relay/internal/metrics"
	"github.com/agentflow/relay/internal/relay"
	"github.com/agentflow/relay/internal/session"
	"github.com/agentflow/relay/internal/store"
)

// Agent is the workflow definition resolved through the external directory.
// Only the fields the orchestrator needs are modeled here; the directory
// owns the rest.
type Agent struct {
	ID         string
	OwnerID    string
	Name       string
	WebhookURL string
}

// AgentDirectory is the external CRUD collaborator. GetAgent reports
// session.ErrNotFound for unknown agents and for agents the caller does
// not own.
type AgentDirectory interface {
	GetAgent(ctx context.Context, agentID, callerID string) (*Agent, error)
	TouchLastTriggered(ctx context.Context, agentID string, at time.Time) error
}

// Result is what a successful trigger hands back to the caller. EventsPath
// is always this daemon's own relay endpoint; callers never talk to the
// upstream source directly.
type Result struct {
	SessionID  string `json:"sessionId"`
	EventsPath string `json:"eventsPath"`
}

// triggerResponse is the engine's answer to the webhook call. StreamURL is
// its obligation: the address of its own event source for this run.
type triggerResponse struct {
	StreamURL string `json:"streamUrl"`
}

type Orchestrator struct {
	agents  AgentDirectory
	records store.RecordStore
	relay   *relay.Relay
	client  *http.Client
	log     zerolog.Logger
}

func NewOrchestrator(agents AgentDirectory, records store.RecordStore, rl *relay.Relay, triggerTimeout time.Duration) *Orchestrator {
	return &Orchestrator{
		agents:  agents,
		records: records,
		relay:   rl,
		client:  &http.Client{Timeout: triggerTimeout},
		log:     logging.WithComponent("trigger"),
	}
}

// Trigger starts a workflow run for the caller. Failures before the link
// is open surface synchronously; when a session record already exists it
// is marked Error first, so a Running session with no link is never left
// behind.
func (o *Orchestrator) Trigger(ctx context.Context, agentRef, callerID string) (*Result, error) {
	agent, err := o.agents.GetAgent(ctx, agentRef, callerID)
	if err != nil {
		return nil, fmt.Errorf("resolve agent %s: %w", agentRef, err)
	}

	now := time.Now().UTC()
	sess := &session.Session{
		ID:        uuid.NewString(),
		OwnerID:   callerID,
		AgentID:   agent.ID,
		Name:      agent.Name,
		Status:    session.Running,
		StartedAt: now,
	}
	if err := o.records.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	metrics.SessionsStartedTotal.Inc()

	streamURL, err := o.fireWebhook(ctx, agent, sess.ID)
	if err != nil {
		o.markError(ctx, sess.ID)
		return nil, err
	}

	if err := o.relay.Open(sess.ID, streamURL); err != nil {
		o.markError(ctx, sess.ID)
		return nil, fmt.Errorf("open upstream: %w", err)
	}

	// Best-effort: a stale "last triggered" stamp does not roll back a
	// session that is already streaming.
	if err := o.agents.TouchLastTriggered(ctx, agent.ID, now); err != nil {
		o.log.Warn().Err(err).Str("agent_id", agent.ID).Msg("update last-triggered timestamp")
	}

	o.log.Info().
		Str("session_id", sess.ID).
		Str("agent_id", agent.ID).
		Str("caller_id", callerID).
		Msg("workflow triggered")

	return &Result{
		SessionID:  sess.ID,
		EventsPath: fmt.Sprintf("/api/sessions/%s/events", sess.ID),
	}, nil
}

// fireWebhook invokes the engine with the session id embedded so the run
// can be correlated, and validates the advertised stream address.
func (o *Orchestrator) fireWebhook(ctx context.Context, agent *Agent, sessionID string) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"sessionId": sessionID,
		"agentId":   agent.ID,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, agent.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call webhook: %w: %v", session.ErrUpstreamTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("webhook returned %d: %w", resp.StatusCode, session.ErrInvalidUpstreamResponse)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read webhook response: %w: %v", session.ErrUpstreamTransport, err)
	}

	var tr triggerResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("malformed webhook response: %w", session.ErrInvalidUpstreamResponse)
	}
	if tr.StreamURL == "" {
		return "", fmt.Errorf("webhook response missing streamUrl: %w", session.ErrInvalidUpstreamResponse)
	}
	if u, err := url.Parse(tr.StreamURL); err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("webhook returned unusable streamUrl %q: %w", tr.StreamURL, session.ErrInvalidUpstreamResponse)
	}

	return tr.StreamURL, nil
}

func (o *Orchestrator) markError(ctx context.Context, sessionID string) {
	now := time.Now().UTC()
	if err := o.records.SetSessionStatus(ctx, sessionID, session.Error, &now); err != nil {
		metrics.PersistFailuresTotal.Inc()
		o.log.Error().Err(err).Str("session_id", sessionID).Msg("mark session error")
	}
	metrics.IncSessionTerminal(session.Error.String())
}
