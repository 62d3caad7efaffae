package audit

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/satp-gateway/satp-gateway/internal/domain/audit"
	"github.com/satp-gateway/satp-gateway/internal/domain/session"
)

// Service appends terminal transfer outcomes to the hash-chained audit log.
type Service struct {
	repo       audit.Repository
	signingKey []byte
	logger     zerolog.Logger
}

func NewService(repo audit.Repository, signingKey []byte, logger zerolog.Logger) *Service {
	return &Service{
		repo:       repo,
		signingKey: signingKey,
		logger:     logger.With().Str("service", "audit").Logger(),
	}
}

// RecordTerminal seals one entry for a finished session against the current
// chain head. Audit failures are logged, never propagated: a transfer outcome
// must not be reversed because the audit log was unavailable.
func (s *Service) RecordTerminal(ctx context.Context, sess *session.Data) {
	entry := &audit.Entry{
		EntryID:            uuid.New(),
		SessionID:          sess.SessionID,
		Outcome:            audit.OutcomeOf(sess.Status),
		Stage:              string(sess.Stage),
		SourceNetwork:      sess.SourceNetworkID,
		DestinationNetwork: sess.DestinationNetworkID,
		TokenType:          sess.SourceAsset.TokenType,
		Amount:             sess.SourceAsset.Amount,
		AttemptCount:       sess.AttemptCount,
		LastError:          sess.LastError,
		CreatedAt:          sess.UpdatedAt,
	}

	prev, err := s.repo.Latest(ctx)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", sess.SessionID).Msg("audit chain head lookup failed")
		return
	}
	if err := audit.Seal(entry, prev, s.signingKey); err != nil {
		s.logger.Error().Err(err).Str("session_id", sess.SessionID).Msg("audit entry seal failed")
		return
	}
	if err := s.repo.Append(ctx, entry); err != nil {
		s.logger.Error().Err(err).Str("session_id", sess.SessionID).Msg("audit entry append failed")
		return
	}
	s.logger.Info().
		Str("session_id", sess.SessionID).
		Str("outcome", string(entry.Outcome)).
		Msg("terminal outcome recorded")
}

// History returns a session's audit entries in chain order.
func (s *Service) History(ctx context.Context, sessionID string) ([]*audit.Entry, error) {
	return s.repo.ListBySession(ctx, sessionID)
}

// VerifySession recomputes hashes and signatures for a session's entries.
// Chain links are checked globally by VerifyChain over the full log; this
// only asserts the per-entry integrity.
func (s *Service) VerifySession(ctx context.Context, sessionID string) (bool, error) {
	entries, err := s.repo.ListBySession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	for _, entry := range entries {
		ok, err := audit.VerifyEntry(entry, s.signingKey)
		if err != nil || !ok {
			return ok, err
		}
	}
	return true, nil
}
