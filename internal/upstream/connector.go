// Package upstream owns the long-lived connection to a workflow engine's
// event stream. It classifies inbound events and pushes them into the
// relay's per-session inbox; it never calls the relay directly.
package upstream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentflow/relay/internal/logging"
	"github.com/agentflow/relay/internal/relay"
	"github.com/agentflow/relay/internal/session"
)

// Control values the engine uses to end a run. Anything else on the
// control channel is ignored.
const (
	controlComplete = "COMPLETE"
	controlError    = "ERROR"
)

// Link is one live stream connection, bound to exactly one session.
type Link struct {
	sessionID string
	cancel    context.CancelFunc
	once      sync.Once
}

// Close tears the connection down. Idempotent; safe on a link whose stream
// already ended.
func (l *Link) Close() {
	l.once.Do(l.cancel)
}

// Connector opens SSE connections to workflow engines. One Connector
// serves the whole process; each Open produces an independent Link.
type Connector struct {
	client *http.Client
	log    zerolog.Logger
}

// NewConnector builds a connector whose connection establishment is bounded
// by connectTimeout. The stream itself is unbounded.
func NewConnector(connectTimeout time.Duration) *Connector {
	return &Connector{
		client: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: connectTimeout,
			},
		},
		log: logging.WithComponent("upstream"),
	}
}

// Open establishes the stream and starts the read loop. The returned Link
// implements relay.Link; closing it cancels the read loop, which closes
// inbox on its way out.
func (c *Connector) Open(sessionID, sourceURL string, inbox chan<- relay.UpstreamEvent) (relay.Link, error) {
	ctx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("connect to %s: %w: %v", sourceURL, session.ErrUpstreamTransport, err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("stream endpoint returned %d: %w", resp.StatusCode, session.ErrUpstreamTransport)
	}

	link := &Link{sessionID: sessionID, cancel: cancel}
	go c.consume(ctx, sessionID, resp.Body, inbox)

	return link, nil
}

// consume reads the stream until a terminal control event, a transport
// error, or cancellation. It owns all writes to inbox and closes it last.
func (c *Connector) consume(ctx context.Context, sessionID string, body io.ReadCloser, inbox chan<- relay.UpstreamEvent) {
	defer close(inbox)
	defer func() { _ = body.Close() }()

	// Subscribers and the record both get a marker that the live stream
	// is attached.
	send(ctx, inbox, relay.UpstreamEvent{
		Kind: relay.KindLog,
		Log: session.LogEvent{
			SessionID: sessionID,
			Category:  session.Success,
			Message:   "stream connected",
			At:        time.Now().UTC(),
		},
	})

	reader := bufio.NewReader(body)
	var frame frameBuilder

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if ctx.Err() != nil {
				// Link closed on purpose; the relay already decided
				// the session's fate.
				return
			}
			// The source went away without a terminal control event.
			// The workflow may still be running; only the monitoring
			// channel is lost.
			c.log.Warn().Err(err).Str("session_id", sessionID).Msg("stream read failed")
			c.reportLost(ctx, sessionID, inbox, err)
			return
		}

		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			if frame.hasContent() {
				if done := c.dispatch(ctx, sessionID, frame.data(), inbox); done {
					return
				}
				frame.reset()
			}
			continue
		}
		frame.handleLine(trimmed)
	}
}

// reportLost emits the visibility pair for a dropped connection: one
// Error-category log line plus an error outcome.
func (c *Connector) reportLost(ctx context.Context, sessionID string, inbox chan<- relay.UpstreamEvent, cause error) {
	msg := fmt.Sprintf("upstream connection lost: %v (the workflow may still be running; only the log stream was interrupted)", cause)
	send(ctx, inbox, relay.UpstreamEvent{
		Kind: relay.KindLog,
		Log: session.LogEvent{
			SessionID: sessionID,
			Category:  session.ErrorLog,
			Message:   msg,
			At:        time.Now().UTC(),
		},
	})
	send(ctx, inbox, relay.UpstreamEvent{
		Kind:    relay.KindOutcome,
		Outcome: session.Error,
		Reason:  msg,
	})
}

// streamMessage is the structured payload the engine is expected to send
// on each event.
type streamMessage struct {
	Category  string    `json:"category"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// dispatch classifies one complete frame and pushes the result into the
// inbox. It reports true when the frame terminated the link.
func (c *Connector) dispatch(ctx context.Context, sessionID, raw string, inbox chan<- relay.UpstreamEvent) bool {
	now := time.Now().UTC()

	var msg streamMessage
	category, decodeOK := session.Category(0), false
	if err := json.Unmarshal([]byte(raw), &msg); err == nil {
		category, decodeOK = session.ParseCategory(msg.Category)
	}
	if !decodeOK {
		// Not fatal: degrade to visibility rather than silent loss.
		send(ctx, inbox, relay.UpstreamEvent{
			Kind: relay.KindLog,
			Log: session.LogEvent{
				SessionID: sessionID,
				Category:  session.ErrorLog,
				Message:   fmt.Sprintf("undecodable upstream event: %s", raw),
				At:        now,
			},
		})
		return false
	}

	if category == session.Control {
		switch msg.Message {
		case controlComplete:
			send(ctx, inbox, relay.UpstreamEvent{Kind: relay.KindOutcome, Outcome: session.Completed})
			return true
		case controlError:
			send(ctx, inbox, relay.UpstreamEvent{
				Kind:    relay.KindOutcome,
				Outcome: session.Error,
				Reason:  "workflow reported failure",
			})
			return true
		default:
			c.log.Debug().Str("session_id", sessionID).Str("value", msg.Message).Msg("ignoring unknown control value")
			return false
		}
	}

	at := msg.Timestamp
	if at.IsZero() {
		at = now
	}
	send(ctx, inbox, relay.UpstreamEvent{
		Kind: relay.KindLog,
		Log: session.LogEvent{
			SessionID: sessionID,
			Category:  category,
			Message:   msg.Message,
			At:        at,
		},
	})
	return false
}

// send delivers into the inbox unless the link has been cancelled. It
// reports false on cancellation so callers can bail out.
func send(ctx context.Context, inbox chan<- relay.UpstreamEvent, ev relay.UpstreamEvent) bool {
	select {
	case inbox <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// frameBuilder accumulates one server-sent event frame. Comment lines and
// unknown fields are skipped; only data matters for classification (the
// engine does not use event names or ids).
type frameBuilder struct {
	lines []string
}

func (b *frameBuilder) handleLine(line string) {
	if strings.HasPrefix(line, ":") {
		return
	}
	field, value, ok := strings.Cut(line, ":")
	if !ok {
		return
	}
	value = strings.TrimPrefix(value, " ")
	if field == "data" {
		b.lines = append(b.lines, value)
	}
}

func (b *frameBuilder) hasContent() bool {
	return len(b.lines) > 0
}

func (b *frameBuilder) data() string {
	return strings.Join(b.lines, "\n")
}

func (b *frameBuilder) reset() {
	b.lines = nil
}
