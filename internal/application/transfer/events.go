package transfer

import (
	"time"

	"github.com/satp-gateway/satp-gateway/internal/domain/session"
)

// Event is a persisted stage transition, published for operational tooling.
type Event struct {
	SessionID string         `json:"sessionId"`
	Stage     session.Stage  `json:"stage"`
	Status    session.Status `json:"status"`
	LastError string         `json:"lastError,omitempty"`
	At        time.Time      `json:"at"`
}

// EventSink receives stage-transition events. Publish must not block.
type EventSink interface {
	Publish(ev Event)
}
