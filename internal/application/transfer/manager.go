package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/satp-gateway/satp-gateway/internal/domain/session"
)

// Auditor records terminal session outcomes to the durable audit log.
type Auditor interface {
	RecordTerminal(ctx context.Context, s *session.Data)
}

// InboundMessage is a counter-gateway message routed to its session, e.g. an
// acknowledgment that the remote side observed a stage receipt.
type InboundMessage struct {
	SessionID string `json:"sessionId"`
	Type      string `json:"type"`
	NetworkID string `json:"networkId,omitempty"`
	TxID      string `json:"txId,omitempty"`
	Payload   string `json:"payload,omitempty"`
}

type handle struct {
	running  bool
	status   session.Status
	stage    session.Stage
	messages []InboundMessage
}

// Manager owns the set of active sessions. It enforces at-most-one concurrent
// state-machine execution per session ID; the in-memory registry is
// process-local and advisory, the session store remains the source of truth.
type Manager struct {
	mu      sync.Mutex
	active  map[string]*handle
	store   session.Repository
	machine *StateMachine
	auditor Auditor
	logger  zerolog.Logger
}

func NewManager(store session.Repository, machine *StateMachine, auditor Auditor, logger zerolog.Logger) *Manager {
	return &Manager{
		active:  make(map[string]*handle),
		store:   store,
		machine: machine,
		auditor: auditor,
		logger:  logger.With().Str("service", "satp_manager").Logger(),
	}
}

// Register persists a freshly created session and tracks it in the registry.
func (g *Manager) Register(ctx context.Context, s *session.Data) error {
	existing, err := g.store.Get(ctx, s.SessionID)
	if err != nil {
		return &PersistenceError{Op: "get", SessionID: s.SessionID, Err: err}
	}
	if existing != nil {
		return fmt.Errorf("session %s already exists", s.SessionID)
	}
	if err := g.store.Put(ctx, s); err != nil {
		return &PersistenceError{Op: "put", SessionID: s.SessionID, Err: err}
	}
	g.mu.Lock()
	g.active[s.SessionID] = &handle{status: s.Status, stage: s.Stage}
	g.mu.Unlock()
	return nil
}

// Transfer runs the session's state machine to completion or failure. A
// second call for a session already in flight fails with SessionBusyError
// without touching the session record. Re-invoking a terminal session
// short-circuits to the recorded result and executes no ledger calls.
func (g *Manager) Transfer(ctx context.Context, sessionID string) (*session.Data, error) {
	g.mu.Lock()
	h := g.active[sessionID]
	if h == nil {
		h = &handle{}
		g.active[sessionID] = h
	}
	if h.running {
		g.mu.Unlock()
		return nil, &SessionBusyError{SessionID: sessionID}
	}
	h.running = true
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		h.running = false
		g.mu.Unlock()
	}()

	s, err := g.store.Get(ctx, sessionID)
	if err != nil {
		return nil, &TransactError{SessionID: sessionID, Err: &PersistenceError{Op: "get", SessionID: sessionID, Err: err}}
	}
	if s == nil {
		return nil, &TransactError{SessionID: sessionID, Err: ErrSessionNotFound}
	}

	if s.IsTerminal() {
		g.track(s)
		if s.Status == session.StatusSuccess {
			return s, nil
		}
		return s, &TransactError{SessionID: sessionID, Stage: s.Stage, Err: errors.New(s.LastError)}
	}

	runErr := g.machine.Run(ctx, s)
	g.track(s)
	if g.auditor != nil && s.IsTerminal() {
		g.auditor.RecordTerminal(ctx, s)
	}
	if runErr != nil {
		g.logger.Warn().Err(runErr).
			Str("session_id", sessionID).
			Str("stage", string(s.Stage)).
			Str("status", string(s.Status)).
			Msg("transfer failed")
		return s, &TransactError{SessionID: sessionID, Stage: s.Stage, Err: runErr}
	}

	g.logger.Info().
		Str("session_id", sessionID).
		Str("status", string(s.Status)).
		Msg("transfer completed")
	return s, nil
}

// Dispatch routes an inbound counter-gateway message to its session. The
// message is queued on the session handle; rejecting unknown sessions keeps
// misaddressed traffic visible to the remote gateway.
func (g *Manager) Dispatch(msg InboundMessage) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := g.active[msg.SessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, msg.SessionID)
	}
	h.messages = append(h.messages, msg)
	return nil
}

// Messages drains the queued counter-gateway messages for a session.
func (g *Manager) Messages(sessionID string) []InboundMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := g.active[sessionID]
	if !ok {
		return nil
	}
	out := h.messages
	h.messages = nil
	return out
}

// SessionHandle is the introspection view of one registered session.
type SessionHandle struct {
	SessionID string         `json:"sessionId"`
	Running   bool           `json:"running"`
	Stage     session.Stage  `json:"stage"`
	Status    session.Status `json:"status"`
}

// Sessions returns a snapshot of the in-memory registry.
func (g *Manager) Sessions() map[string]SessionHandle {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]SessionHandle, len(g.active))
	for id, h := range g.active {
		out[id] = SessionHandle{SessionID: id, Running: h.running, Stage: h.stage, Status: h.status}
	}
	return out
}

// Has reports whether a session is present in the registry.
func (g *Manager) Has(sessionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.active[sessionID]
	return ok
}

// Remove evicts a session from the in-memory registry. The durable store
// record is kept for audit and recovery; eviction only reclaims the live
// handle, and is refused while the state machine is executing.
func (g *Manager) Remove(sessionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := g.active[sessionID]
	if !ok {
		return nil
	}
	if h.running {
		return &SessionBusyError{SessionID: sessionID}
	}
	delete(g.active, sessionID)
	return nil
}

// Recover lists non-terminal sessions from the store and resumes each from
// its persisted stage. Called at gateway startup.
func (g *Manager) Recover(ctx context.Context) (int, error) {
	sessions, err := g.store.ListActive(ctx)
	if err != nil {
		return 0, &PersistenceError{Op: "list", Err: err}
	}
	for _, s := range sessions {
		g.track(s)
		sessionID := s.SessionID
		go func() {
			if _, err := g.Transfer(context.WithoutCancel(ctx), sessionID); err != nil {
				g.logger.Warn().Err(err).
					Str("session_id", sessionID).
					Msg("recovered transfer failed")
			}
		}()
	}
	return len(sessions), nil
}

func (g *Manager) track(s *session.Data) {
	g.mu.Lock()
	defer g.mu.Unlock()
	h := g.active[s.SessionID]
	if h == nil {
		h = &handle{}
		g.active[s.SessionID] = h
	}
	h.status = s.Status
	h.stage = s.Stage
}
