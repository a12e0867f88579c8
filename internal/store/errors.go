package store

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrConflict = errors.New("session id already in use")
)

// ListenerError records a listener that failed while handling a
// notification. It is logged by the notifier and never returned to the
// mutating caller.
type ListenerError struct {
	SessionID string
	Err       error
}

func (e *ListenerError) Error() string {
	return fmt.Sprintf("listener failed for session %s: %v", e.SessionID, e.Err)
}

func (e *ListenerError) Unwrap() error {
	return e.Err
}

type panicError struct {
	value any
}

func (p panicError) Error() string {
	return fmt.Sprintf("panic: %v", p.value)
}
