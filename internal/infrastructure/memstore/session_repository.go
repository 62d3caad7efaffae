package memstore

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/satp-gateway/satp-gateway/internal/domain/session"
)

// SessionRepository is an in-memory session.Repository used by single-node
// development setups and tests. Records are deep-copied through JSON so
// callers never share mutable state with the store.
type SessionRepository struct {
	mu       sync.RWMutex
	sessions map[string][]byte
}

func NewSessionRepository() *SessionRepository {
	return &SessionRepository{sessions: make(map[string][]byte)}
}

func (r *SessionRepository) Get(_ context.Context, sessionID string) (*session.Data, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	raw, ok := r.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	var s session.Data
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *SessionRepository) Put(_ context.Context, data *session.Data) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[data.SessionID] = raw
	return nil
}

func (r *SessionRepository) Delete(_ context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
	return nil
}

func (r *SessionRepository) ListActive(_ context.Context) ([]*session.Data, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*session.Data
	for _, raw := range r.sessions {
		var s session.Data
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		if !s.IsTerminal() {
			out = append(out, &s)
		}
	}
	return out, nil
}
