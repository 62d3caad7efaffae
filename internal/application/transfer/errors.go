package transfer

import (
	"errors"
	"fmt"

	"github.com/satp-gateway/satp-gateway/internal/domain/session"
)

var ErrSessionNotFound = errors.New("session not found")

// SessionBusyError reports a concurrent Transfer attempt on a session whose
// state machine is already executing. Caller error; never retried here.
type SessionBusyError struct {
	SessionID string
}

func (e *SessionBusyError) Error() string {
	return fmt.Sprintf("session %s: transfer already in progress", e.SessionID)
}

// InvalidStateError reports a violated stage precondition. This indicates a
// programming or corruption bug; it is fatal and always surfaced.
type InvalidStateError struct {
	SessionID string
	Have      session.Stage
	Want      session.Stage
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("session %s: invalid stage %s, expected %s", e.SessionID, e.Have, e.Want)
}

// PersistenceError reports a session store failure. Fatal for the current
// operation: the engine never proceeds on stale in-memory state.
type PersistenceError struct {
	Op        string
	SessionID string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("session store %s failed for %s: %v", e.Op, e.SessionID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// TransactError is the single caller-visible failure kind: it wraps the
// proximate cause once retries are exhausted or a fatal error occurred, and
// always carries the session ID.
type TransactError struct {
	SessionID string
	Stage     session.Stage
	Err       error
}

func (e *TransactError) Error() string {
	return fmt.Sprintf("transfer %s failed at stage %s: %v", e.SessionID, e.Stage, e.Err)
}

func (e *TransactError) Unwrap() error {
	return e.Err
}
