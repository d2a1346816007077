package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver (pure Go, no CGO)

	"github.com/agentflow/relay/internal/session"
)

// SQLite implements RecordStore on a local SQLite database.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and runs migrations.
// WAL mode and a busy timeout keep concurrent relay writes from tripping
// over the read path.
func OpenSQLite(path string) (*SQLite, error) {
	// modernc.org/sqlite takes pragmas in the DSN:
	// file:path?_pragma=foo(bar)&_pragma=baz(qux)
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return s, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		agent_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		status TEXT NOT NULL CHECK(status IN ('idle', 'scheduled', 'running', 'completed', 'error', 'cancelled')),
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE TABLE IF NOT EXISTS log_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		category TEXT NOT NULL CHECK(category IN ('info', 'success', 'error')),
		message TEXT NOT NULL,
		at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_log_events_session ON log_events(session_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLite) CreateSession(ctx context.Context, sess *session.Session) error {
	query := `
	INSERT INTO sessions (id, owner_id, agent_id, name, status, started_at, completed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	var completed sql.NullString
	if sess.CompletedAt != nil {
		completed = sql.NullString{String: sess.CompletedAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, query,
		sess.ID, sess.OwnerID, sess.AgentID, sess.Name,
		sess.Status.String(), sess.StartedAt.UTC().Format(time.RFC3339Nano), completed)
	if err != nil {
		return fmt.Errorf("create session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *SQLite) SetSessionStatus(ctx context.Context, id string, status session.Status, completedAt *time.Time) error {
	// The terminal guard lives in the WHERE clause so a duplicate terminal
	// write can never overwrite the first outcome.
	query := `
	UPDATE sessions SET status = ?, completed_at = COALESCE(?, completed_at)
	WHERE id = ? AND status NOT IN ('completed', 'error', 'cancelled')
	`
	var completed sql.NullString
	if completedAt != nil {
		completed = sql.NullString{String: completedAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, query, status.String(), completed, id)
	if err != nil {
		return fmt.Errorf("set status for session %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var existing string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = ?`, id).Scan(&existing)
	if err == sql.ErrNoRows {
		return fmt.Errorf("session %s: %w", id, session.ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("session %s is %s: %w", id, existing, session.ErrAlreadyTerminal)
}

func (s *SQLite) AppendLogEvent(ctx context.Context, ev session.LogEvent) error {
	if ev.Category == session.Control {
		return nil
	}

	query := `
	INSERT INTO log_events (session_id, category, message, at)
	VALUES (?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		ev.SessionID, ev.Category.String(), ev.Message, ev.At.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("append log event for session %s: %w", ev.SessionID, err)
	}
	return nil
}

func (s *SQLite) GetSession(ctx context.Context, id string) (*session.Session, error) {
	query := `
	SELECT id, owner_id, agent_id, name, status, started_at, completed_at
	FROM sessions WHERE id = ?
	`

	var (
		sess       session.Session
		statusName string
		startedAt  string
		completed  sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&sess.ID, &sess.OwnerID, &sess.AgentID, &sess.Name,
		&statusName, &startedAt, &completed)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s: %w", id, session.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	status, ok := session.ParseStatus(statusName)
	if !ok {
		return nil, fmt.Errorf("session %s has unknown status %q", id, statusName)
	}
	sess.Status = status

	if sess.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return nil, fmt.Errorf("session %s started_at: %w", id, err)
	}
	if completed.Valid {
		t, err := time.Parse(time.RFC3339Nano, completed.String)
		if err != nil {
			return nil, fmt.Errorf("session %s completed_at: %w", id, err)
		}
		sess.CompletedAt = &t
	}

	return &sess, nil
}

func (s *SQLite) ListLogEvents(ctx context.Context, id string) ([]session.LogEvent, error) {
	query := `
	SELECT session_id, category, message, at
	FROM log_events WHERE session_id = ? ORDER BY seq
	`

	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []session.LogEvent
	for rows.Next() {
		var (
			ev           session.LogEvent
			categoryName string
			at           string
		)
		if err := rows.Scan(&ev.SessionID, &categoryName, &ev.Message, &at); err != nil {
			return nil, err
		}
		category, ok := session.ParseCategory(categoryName)
		if !ok {
			return nil, fmt.Errorf("log event has unknown category %q", categoryName)
		}
		ev.Category = category
		if ev.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
