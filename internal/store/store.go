package store

import (
	"context"
	"time"

	"github.com/agentflow/relay/internal/session"
)

// RecordStore is the narrow persistence interface the relay core consumes.
// The relay treats it as an external collaborator: its availability must
// never gate live delivery, and its transactional guarantees are its own.
type RecordStore interface {
	// CreateSession persists a new session record.
	CreateSession(ctx context.Context, s *session.Session) error

	// SetSessionStatus transitions a session's status. Writes against a
	// session that is already terminal are rejected with
	// session.ErrAlreadyTerminal; unknown ids report session.ErrNotFound.
	// completedAt is recorded when non-nil.
	SetSessionStatus(ctx context.Context, id string, status session.Status, completedAt *time.Time) error

	// AppendLogEvent appends one event to the session's ordered log.
	// Control-category events are relay-internal and are silently skipped.
	AppendLogEvent(ctx context.Context, ev session.LogEvent) error

	// GetSession fetches a session record by id.
	GetSession(ctx context.Context, id string) (*session.Session, error)

	// ListLogEvents returns the session's persisted events in append order.
	// This is the read path late viewers use for backfill; the relay itself
	// delivers live-only.
	ListLogEvents(ctx context.Context, id string) ([]session.LogEvent, error)
}
