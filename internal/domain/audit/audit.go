package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/satp-gateway/satp-gateway/internal/domain/session"
)

// Outcome classifies the terminal result of a transfer session.
type Outcome string

const (
	OutcomeCompleted  Outcome = "COMPLETED"
	OutcomeRolledBack Outcome = "ROLLED_BACK"
	OutcomeFailed     Outcome = "FAILED"
)

// Entry is one tamper-evident audit record. Entries form a hash chain:
// each entry's hash covers its fields plus the previous entry's hash, so
// removing or altering any record breaks verification of all later ones.
type Entry struct {
	ID                 int64     `json:"id"`
	EntryID            uuid.UUID `json:"entryId"`
	SessionID          string    `json:"sessionId"`
	Outcome            Outcome   `json:"outcome"`
	Stage              string    `json:"stage"`
	SourceNetwork      string    `json:"sourceNetwork"`
	DestinationNetwork string    `json:"destinationNetwork"`
	TokenType          string    `json:"tokenType"`
	Amount             uint64    `json:"amount"`
	AttemptCount       int       `json:"attemptCount"`
	LastError          string    `json:"lastError,omitempty"`
	PrevHash           []byte    `json:"prevHash,omitempty"`
	Hash               []byte    `json:"hash"`
	Signature          []byte    `json:"signature"`
	CreatedAt          time.Time `json:"createdAt"`
}

// OutcomeOf maps a terminal session status to its audit outcome.
func OutcomeOf(status session.Status) Outcome {
	switch status {
	case session.StatusSuccess:
		return OutcomeCompleted
	case session.StatusRolledBack:
		return OutcomeRolledBack
	default:
		return OutcomeFailed
	}
}

// Repository persists the audit chain.
type Repository interface {
	// Append stores one entry. The caller must have set Hash and Signature
	// against the current chain head.
	Append(ctx context.Context, entry *Entry) error

	// Latest returns the chain head, or nil when the log is empty.
	Latest(ctx context.Context) (*Entry, error)

	// ListBySession returns a session's entries in chain order.
	ListBySession(ctx context.Context, sessionID string) ([]*Entry, error)
}
