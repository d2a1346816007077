package relay

import (
	"time"

	"github.com/agentflow/relay/internal/session"
)

// EnvelopeType names a subscriber-visible event.
type EnvelopeType string

const (
	EnvConnected EnvelopeType = "connected"
	EnvHeartbeat EnvelopeType = "heartbeat"
	EnvLog       EnvelopeType = "log"
	EnvComplete  EnvelopeType = "complete"
	EnvError     EnvelopeType = "error"
)

// Envelope is one typed event on a subscriber channel. Terminal envelopes
// (complete, error) are the last thing a subscriber sees before its channel
// is released.
type Envelope struct {
	Type    EnvelopeType `json:"type"`
	Payload interface{}  `json:"payload,omitempty"`
}

// IsTerminal reports whether this envelope ends the subscription.
func (e Envelope) IsTerminal() bool {
	return e.Type == EnvComplete || e.Type == EnvError
}

type ConnectedPayload struct {
	SessionID string `json:"sessionId"`
}

type LogPayload struct {
	Category  session.Category `json:"category"`
	Message   string           `json:"message"`
	Timestamp time.Time        `json:"timestamp"`
}

type CompletePayload struct {
	Status session.Status `json:"status"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

func logEnvelope(ev session.LogEvent) Envelope {
	return Envelope{
		Type: EnvLog,
		Payload: LogPayload{
			Category:  ev.Category,
			Message:   ev.Message,
			Timestamp: ev.At,
		},
	}
}

// UpstreamEventKind classifies what the connector routed into the inbox.
type UpstreamEventKind int

const (
	// KindLog carries an ordinary log event for persistence + broadcast.
	KindLog UpstreamEventKind = iota
	// KindOutcome reports the link's terminal outcome (Completed or Error).
	KindOutcome
)

// UpstreamEvent is the classified unit the upstream connector pushes into a
// session's inbox. The connector never calls back into the relay directly.
type UpstreamEvent struct {
	Kind    UpstreamEventKind
	Log     session.LogEvent // valid when Kind == KindLog
	Outcome session.Status   // valid when Kind == KindOutcome
	Reason  string           // human-readable cause for an Error outcome
}
