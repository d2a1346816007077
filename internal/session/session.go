package session

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a relay session. Completed, Error and
// Cancelled are terminal: once reached, no further status writes or upstream
// events are accepted for the session.
type Status int

const (
	Idle Status = iota
	Scheduled
	Running
	Completed
	Error
	Cancelled
)

var statusNames = map[Status]string{
	Idle:      "idle",
	Scheduled: "scheduled",
	Running:   "running",
	Completed: "completed",
	Error:     "error",
	Cancelled: "cancelled",
}

var statusFromName = map[string]Status{
	"idle":      Idle,
	"scheduled": Scheduled,
	"running":   Running,
	"completed": Completed,
	"error":     Error,
	"cancelled": Cancelled,
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

// ParseStatus maps a wire/storage name back to a Status. Unknown names
// report false.
func ParseStatus(name string) (Status, bool) {
	s, ok := statusFromName[name]
	return s, ok
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	if v, ok := statusFromName[name]; ok {
		*s = v
	}
	return nil
}

func (s Status) IsTerminal() bool {
	return s == Completed || s == Error || s == Cancelled
}

// Category classifies a single log event. Control events drive relay-internal
// transitions and are never delivered verbatim to subscribers or persisted.
type Category int

const (
	Info Category = iota
	Success
	ErrorLog
	Control
)

var categoryNames = map[Category]string{
	Info:     "info",
	Success:  "success",
	ErrorLog: "error",
	Control:  "control",
}

var categoryFromName = map[string]Category{
	"info":    Info,
	"success": Success,
	"error":   ErrorLog,
	"control": Control,
}

func (c Category) String() string {
	if n, ok := categoryNames[c]; ok {
		return n
	}
	return "unknown"
}

// ParseCategory maps a wire name back to a Category. Unknown names report
// false.
func ParseCategory(name string) (Category, bool) {
	c, ok := categoryFromName[name]
	return c, ok
}

func (c Category) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *Category) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	if v, ok := categoryFromName[name]; ok {
		*c = v
	}
	return nil
}

// Session is the durable record of one triggered workflow run. The relay
// mutates Status; the record outlives the relay's in-memory state so logs
// can be fetched after the stream is gone.
type Session struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"ownerId"`
	AgentID     string     `json:"agentId,omitempty"`
	Name        string     `json:"name"`
	Status      Status     `json:"status"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Clone returns a deep copy of the Session, duplicating pointer fields so
// the copy can be mutated independently of the original.
func (s *Session) Clone() *Session {
	c := *s
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// LogEvent is one line of a session's log stream.
type LogEvent struct {
	SessionID string    `json:"sessionId"`
	Category  Category  `json:"category"`
	Message   string    `json:"message"`
	At        time.Time `json:"timestamp"`
}
