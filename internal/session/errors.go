package session

import "errors"

// Shared error taxonomy for the relay core. Callers match with errors.Is.
var (
	// ErrNotFound reports an unknown agent or session.
	ErrNotFound = errors.New("not found")

	// ErrConflict reports an attempt to open a second upstream link for a
	// session that already has a live one.
	ErrConflict = errors.New("upstream link already open")

	// ErrInvalidUpstreamResponse reports a trigger response missing or
	// malforming the upstream stream address.
	ErrInvalidUpstreamResponse = errors.New("invalid upstream response")

	// ErrUpstreamTransport reports a lost connection or decode failure on
	// the live upstream stream.
	ErrUpstreamTransport = errors.New("upstream transport error")

	// ErrAlreadyTerminal reports an operation against a session that has
	// already reached Completed, Error or Cancelled.
	ErrAlreadyTerminal = errors.New("session already terminal")
)
