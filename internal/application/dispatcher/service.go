package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/satp-gateway/satp-gateway/internal/application/policy"
	"github.com/satp-gateway/satp-gateway/internal/application/transfer"
	"github.com/satp-gateway/satp-gateway/internal/domain/ledger"
	"github.com/satp-gateway/satp-gateway/internal/domain/session"
)

// TransferRequest is the caller-facing description of one asset transfer.
// SessionID is optional; a fresh one is assigned when empty. Zero retry and
// timeout values fall back to the configured defaults.
type TransferRequest struct {
	SessionID            string        `json:"sessionId,omitempty"`
	SourceNetworkID      string        `json:"sourceNetworkId"`
	DestinationNetworkID string        `json:"destinationNetworkId"`
	SourceAsset          session.Asset `json:"sourceAsset"`
	DestinationAsset     session.Asset `json:"destinationAsset"`
	MaxRetries           int           `json:"maxRetries,omitempty"`
	MaxTimeout           time.Duration `json:"maxTimeout,omitempty"`
}

// Defaults are applied to requests that leave retry tuning unset.
type Defaults struct {
	MaxRetries int
	MaxTimeout time.Duration
}

// Service validates, admits and launches transfers. It is the single entry
// point the transport layer calls; the manager below it owns execution.
type Service struct {
	manager   *transfer.Manager
	ledgers   *ledger.Registry
	admission *policy.Engine
	defaults  Defaults
	logger    zerolog.Logger
}

func NewService(manager *transfer.Manager, ledgers *ledger.Registry, admission *policy.Engine, defaults Defaults, logger zerolog.Logger) *Service {
	return &Service{
		manager:   manager,
		ledgers:   ledgers,
		admission: admission,
		defaults:  defaults,
		logger:    logger.With().Str("service", "dispatcher").Logger(),
	}
}

// Transact registers a new session for the request and runs it to a terminal
// state. The returned session reflects the outcome even when err is non-nil.
func (s *Service) Transact(ctx context.Context, req TransferRequest) (*session.Data, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}

	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.defaults.MaxRetries
	}
	maxTimeout := req.MaxTimeout
	if maxTimeout <= 0 {
		maxTimeout = s.defaults.MaxTimeout
	}

	sess := session.New(sessionID, req.SourceNetworkID, req.DestinationNetworkID,
		req.SourceAsset, req.DestinationAsset, maxRetries, maxTimeout)

	if s.admission != nil {
		if err := s.admission.Admit(sess); err != nil {
			return nil, err
		}
	}
	if err := s.manager.Register(ctx, sess); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("session_id", sessionID).
		Str("source_network", req.SourceNetworkID).
		Str("destination_network", req.DestinationNetworkID).
		Uint64("amount", req.SourceAsset.Amount).
		Msg("transfer admitted")

	return s.manager.Transfer(ctx, sessionID)
}

// Resume re-runs an already registered session, e.g. after an operator
// cleared a fault.
func (s *Service) Resume(ctx context.Context, sessionID string) (*session.Data, error) {
	return s.manager.Transfer(ctx, sessionID)
}

// ApproveAddress returns the account on the given network that counterparties
// must approve before locking assets.
func (s *Service) ApproveAddress(ctx context.Context, networkID, tokenType string) (string, error) {
	adapter, err := s.ledgers.Get(networkID)
	if err != nil {
		return "", err
	}
	return adapter.ApproveAddress(ctx, tokenType)
}

func (s *Service) validate(req TransferRequest) error {
	if strings.TrimSpace(req.SourceNetworkID) == "" {
		return errors.New("sourceNetworkId is required")
	}
	if strings.TrimSpace(req.DestinationNetworkID) == "" {
		return errors.New("destinationNetworkId is required")
	}
	if _, err := s.ledgers.Get(req.SourceNetworkID); err != nil {
		return fmt.Errorf("source network: %w", err)
	}
	if _, err := s.ledgers.Get(req.DestinationNetworkID); err != nil {
		return fmt.Errorf("destination network: %w", err)
	}
	if req.SourceAsset.Owner == "" || req.SourceAsset.TokenType == "" {
		return errors.New("sourceAsset owner and tokenType are required")
	}
	if req.DestinationAsset.Owner == "" || req.DestinationAsset.TokenType == "" {
		return errors.New("destinationAsset owner and tokenType are required")
	}
	if req.SourceAsset.Amount == 0 {
		return errors.New("sourceAsset amount must be positive")
	}
	if req.SourceAsset.Amount != req.DestinationAsset.Amount {
		return errors.New("source and destination amounts must match")
	}
	return nil
}
